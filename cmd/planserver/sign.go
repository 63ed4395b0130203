package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/goplan/pkg/billing/polar"
)

// newSignCmd prints the X-Polar-Signature value for a payload, for replaying
// webhooks against a local server with curl.
func newSignCmd() *cobra.Command {
	var (
		secret string
		file   string
	)

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print the webhook signature header for a payload",
		Example: `  planserver sign --file order.json
  cat order.json | planserver sign --secret whsec_test`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(secret) == "" {
				secret = os.Getenv("POLAR_WEBHOOK_SECRET")
			}
			if strings.TrimSpace(secret) == "" {
				return errors.New("a secret is required (--secret or POLAR_WEBHOOK_SECRET)")
			}

			var (
				body []byte
				err  error
			)
			if file == "" || file == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(file)
			}
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", polar.SignatureHeader, polar.Sign(body, secret))
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "webhook secret (default: $POLAR_WEBHOOK_SECRET)")
	cmd.Flags().StringVarP(&file, "file", "f", "-", "payload file, - for stdin")
	return cmd
}
