// Command polar-mock serves canned Polar order documents so planserver's
// enrichment path can be exercised without the real API.
//
//	polar-mock --addr :9090 --api-key polar_test --fixtures orders.json
//	POLAR_API_BASE_URL=http://localhost:9090 POLAR_API_KEY=polar_test planserver
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/goplan/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr     string
		apiKey   string
		fixtures string
		latency  time.Duration
	)

	cmd := &cobra.Command{
		Use:          "polar-mock",
		Short:        "Serve fixture orders on the Polar order-detail endpoint",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Init(logging.Config{Format: "auto", Level: "info"})
			logger := logging.WithComponent("polar-mock")

			orders := defaultOrders()
			if fixtures != "" {
				loaded, err := loadOrders(fixtures)
				if err != nil {
					return err
				}
				orders = loaded
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           newMockServer(orders, apiKey, latency),
				ReadHeaderTimeout: 5 * time.Second,
			}
			logger.Info().
				Str("addr", addr).
				Int("orders", len(orders)).
				Bool("auth", apiKey != "").
				Msg("Polar mock listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Polar mock stopped")
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9090", "listen address")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "required bearer token (empty accepts any)")
	cmd.Flags().StringVar(&fixtures, "fixtures", "", "JSON file mapping order id to order document")
	cmd.Flags().DurationVar(&latency, "latency", 0, "delay added to every response")
	return cmd
}
