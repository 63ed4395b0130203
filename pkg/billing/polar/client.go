package polar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/goplan/pkg/billing"
	"github.com/mihaimyh/goplan/pkg/billing/internal"
)

const (
	// DefaultAPIBaseURL is the Polar API root used for order lookups.
	DefaultAPIBaseURL = "https://api.polar.sh"

	ordersEndpoint           = "/v1/orders/{id}"
	defaultHTTPTimeout       = 10 * time.Second
	defaultEnrichmentTimeout = 5 * time.Second
	maxOrderBody             = 1 << 20
)

// OrderDetail is the subset of a Polar order used to fill gaps in a webhook.
type OrderDetail struct {
	ID            string
	ProductID     string
	CustomerID    string
	CustomerEmail string
	// Raw is the order document exactly as returned by the API.
	Raw json.RawMessage
}

// ClientConfig configures the enrichment client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// Timeout bounds one lookup, independent of the caller's context (default: 5s)
	Timeout time.Duration
	Metrics billing.Metrics
	// BreakerThreshold consecutive failures open the breaker for BreakerCooldown
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Client fetches order details from the Polar API. Concurrent lookups for
// the same order share one request.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
	metrics    billing.Metrics
	breaker    *internal.Breaker
	group      singleflight.Group
}

// NewClient creates an enrichment client. A client without an API key is
// valid but every lookup returns billing.ErrEnrichmentDisabled.
func NewClient(config ClientConfig) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultEnrichmentTimeout
	}
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(config.APIKey),
		httpClient: httpClient,
		timeout:    timeout,
		metrics:    metrics,
		breaker:    internal.NewBreaker(config.BreakerThreshold, config.BreakerCooldown),
	}
}

// Enabled reports whether lookups can be made.
func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

// BreakerState exposes the circuit breaker state for diagnostics.
func (c *Client) BreakerState() internal.BreakerState {
	return c.breaker.State()
}

// FetchOrder looks up an order by id. Every failure wraps
// billing.ErrEnrichmentUnavailable so callers can treat it as "no data".
func (c *Client) FetchOrder(ctx context.Context, orderID string) (*OrderDetail, error) {
	if !c.Enabled() {
		return nil, billing.ErrEnrichmentDisabled
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: empty order id", billing.ErrEnrichmentUnavailable)
	}

	// The shared lookup must not die with whichever caller started it.
	ch := c.group.DoChan(orderID, func() (interface{}, error) {
		return c.fetchGuarded(context.WithoutCancel(ctx), orderID)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", billing.ErrEnrichmentUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*OrderDetail), nil
	}
}

func (c *Client) fetchGuarded(ctx context.Context, orderID string) (*OrderDetail, error) {
	var (
		detail   *OrderDetail
		fetchErr error
	)
	err := c.breaker.Execute(func() error {
		var retryable bool
		detail, retryable, fetchErr = c.fetch(ctx, orderID)
		if fetchErr != nil && retryable {
			return fetchErr
		}
		return nil
	})
	if errors.Is(err, internal.ErrCircuitOpen) {
		return nil, fmt.Errorf("%w: %w", billing.ErrEnrichmentUnavailable, err)
	}
	if fetchErr != nil {
		return nil, fmt.Errorf("%w: %w", billing.ErrEnrichmentUnavailable, fetchErr)
	}
	return detail, nil
}

// fetch performs one request. retryable marks failures that should count
// against the breaker: transport errors, throttling and 5xx responses.
func (c *Client) fetch(ctx context.Context, orderID string) (detail *OrderDetail, retryable bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + "/v1/orders/" + url.PathEscape(orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.RecordAPICallDuration(providerName, ordersEndpoint, time.Since(start))
	if err != nil {
		c.metrics.RecordAPICall(providerName, ordersEndpoint, "error")
		return nil, true, fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	c.metrics.RecordAPICall(providerName, ordersEndpoint, strconv.Itoa(resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, billing.ErrOrderNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("%w: status %d", billing.ErrProviderAPIError, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, false, fmt.Errorf("%w: status %d", billing.ErrProviderAPIError, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOrderBody))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response: %w", err)
	}
	detail, err = parseOrder(body)
	if err != nil {
		return nil, false, err
	}
	if detail.ID == "" {
		detail.ID = orderID
	}
	return detail, false, nil
}

func parseOrder(body []byte) (*OrderDetail, error) {
	order, err := decodeObject(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode order: %w", err)
	}
	return &OrderDetail{
		ID:         stringValue(order["id"]),
		ProductID:  productID(order),
		CustomerID: firstString(lookup(order, "customer_id"), lookup(order, "customerId"), lookup(order, "customer", "id")),
		CustomerEmail: firstString(
			lookup(order, "customer", "email"),
			lookup(order, "customer_email"),
		),
		Raw: json.RawMessage(append([]byte(nil), body...)),
	}, nil
}
