package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	// ErrManagementUnavailable is returned while the circuit breaker is open
	ErrManagementUnavailable = errors.New("monitor: management API unavailable")
)

// ManagementError represents a failed management API call
type ManagementError struct {
	Op        string    // Endpoint or operation that failed
	Status    int       // HTTP status, 0 if no response was received
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ManagementError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("management API error: %s returned %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("management API error: %s failed: %v", e.Op, e.Err)
}

func (e *ManagementError) Unwrap() error {
	return e.Err
}

// permanent reports whether retrying cannot help
func (e *ManagementError) permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests
}

// QueueInfo contains the queue statistics used to build raw destinations
type QueueInfo struct {
	Name                   string `json:"name"`
	VHost                  string `json:"vhost"`
	Messages               int64  `json:"messages"`
	MessagesReady          int64  `json:"messages_ready"`
	MessagesUnacknowledged int64  `json:"messages_unacknowledged"`
	Consumers              int    `json:"consumers"`
	// HeadMessageTimestamp is the AMQP timestamp (seconds) of the head message, 0 if unknown.
	HeadMessageTimestamp int64  `json:"head_message_timestamp"`
	State                string `json:"state"`
}

// ExchangeInfo contains exchange details
type ExchangeInfo struct {
	Name  string `json:"name"`
	VHost string `json:"vhost"`
	Type  string `json:"type"`
}

// Overview contains the broker identification from /api/overview
type Overview struct {
	ClusterName     string `json:"cluster_name"`
	Node            string `json:"node"`
	RabbitMQVersion string `json:"rabbitmq_version"`
	ErlangVersion   string `json:"erlang_version"`
	// Raw is the undecoded response body
	Raw json.RawMessage `json:"-"`
}

// ManagementClient reads broker statistics from the RabbitMQ management HTTP API
type ManagementClient struct {
	baseURL    string
	username   string
	password   string
	vhost      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	newBackOff func() backoff.BackOff
	logger     *zap.Logger
}

// ClientOption configures the ManagementClient
type ClientOption func(*ManagementClient)

// WithCredentials sets the basic auth credentials
func WithCredentials(username, password string) ClientOption {
	return func(c *ManagementClient) {
		c.username = username
		c.password = password
	}
}

// WithVHost restricts queue and exchange listings to one virtual host
func WithVHost(vhost string) ClientOption {
	return func(c *ManagementClient) {
		c.vhost = vhost
	}
}

// WithHTTPClient sets the HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *ManagementClient) {
		c.httpClient = client
	}
}

// WithRetryBackOff sets the factory for the per-call retry policy
func WithRetryBackOff(newBackOff func() backoff.BackOff) ClientOption {
	return func(c *ManagementClient) {
		c.newBackOff = newBackOff
	}
}

// WithBreakerSettings replaces the circuit breaker settings
func WithBreakerSettings(settings gobreaker.Settings) ClientOption {
	return func(c *ManagementClient) {
		c.breaker = gobreaker.NewCircuitBreaker(settings)
	}
}

// WithClientLogger sets the logger
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *ManagementClient) {
		c.logger = logger
	}
}

// DefaultRetryBackOff retries for up to ten seconds
func DefaultRetryBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 200 * time.Millisecond
	exp.MaxInterval = 2 * time.Second
	exp.MaxElapsedTime = 10 * time.Second
	return exp
}

// DefaultBreakerSettings opens the breaker after five consecutive failures
func DefaultBreakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
}

// NewManagementClient creates a client for the management API rooted at
// managementURL, e.g. http://localhost:15672/api.
func NewManagementClient(managementURL string, options ...ClientOption) *ManagementClient {
	c := &ManagementClient{
		baseURL:    strings.TrimSuffix(managementURL, "/"),
		username:   "guest",
		password:   "guest",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		newBackOff: DefaultRetryBackOff,
		logger:     zap.NewNop(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.breaker == nil {
		c.breaker = gobreaker.NewCircuitBreaker(DefaultBreakerSettings("rabbitmq-management"))
	}

	return c
}

// ManagementURLFromAMQP derives the management API URL and credentials from
// an AMQP URL, assuming the management plugin listens on port 15672.
func ManagementURLFromAMQP(amqpURL string) (managementURL, username, password string, err error) {
	u, err := url.Parse(amqpURL)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid AMQP URL: %w", err)
	}

	username, password = "guest", "guest"
	if u.User != nil {
		username = u.User.Username()
		if p, ok := u.User.Password(); ok {
			password = p
		}
	}

	scheme := "http"
	if u.Scheme == "amqps" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:15672/api", scheme, u.Hostname()), username, password, nil
}

// BreakerState returns the circuit breaker state
func (c *ManagementClient) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// ListQueues returns statistics for every queue
func (c *ManagementClient) ListQueues(ctx context.Context) ([]QueueInfo, error) {
	var queues []QueueInfo
	if _, err := c.getJSON(ctx, c.scoped("/queues"), &queues); err != nil {
		return nil, err
	}
	return queues, nil
}

// ListExchanges returns every exchange except the default and amq.* ones
func (c *ManagementClient) ListExchanges(ctx context.Context) ([]ExchangeInfo, error) {
	var all []ExchangeInfo
	if _, err := c.getJSON(ctx, c.scoped("/exchanges"), &all); err != nil {
		return nil, err
	}

	exchanges := make([]ExchangeInfo, 0, len(all))
	for _, e := range all {
		if e.Name == "" || strings.HasPrefix(e.Name, "amq.") {
			continue
		}
		exchanges = append(exchanges, e)
	}
	return exchanges, nil
}

// Overview returns broker identification
func (c *ManagementClient) Overview(ctx context.Context) (*Overview, error) {
	var overview Overview
	raw, err := c.getJSON(ctx, "/overview", &overview)
	if err != nil {
		return nil, err
	}
	overview.Raw = raw
	return &overview, nil
}

func (c *ManagementClient) scoped(path string) string {
	if c.vhost == "" {
		return path
	}
	return path + "/" + url.PathEscape(c.vhost)
}

// getJSON performs a GET through the circuit breaker with retries and decodes
// the body into out. It returns the raw body.
func (c *ManagementClient) getJSON(ctx context.Context, endpoint string, out interface{}) ([]byte, error) {
	var body []byte

	operation := func() error {
		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.managementRequest(ctx, http.MethodGet, endpoint)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(&ManagementError{
					Op: endpoint, Err: fmt.Errorf("%w: %v", ErrManagementUnavailable, err), Timestamp: time.Now(),
				})
			}
			var mgmtErr *ManagementError
			if errors.As(err, &mgmtErr) && mgmtErr.permanent() {
				return backoff.Permanent(err)
			}
			c.logger.Debug("management request failed, retrying", zap.String("endpoint", endpoint), zap.Error(err))
			return err
		}
		body = result.([]byte)
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return nil, &ManagementError{Op: endpoint, Err: fmt.Errorf("failed to decode response: %w", err), Timestamp: time.Now()}
	}
	return body, nil
}

// managementRequest makes an authenticated request to the management API
func (c *ManagementClient) managementRequest(ctx context.Context, method, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, &ManagementError{Op: endpoint, Err: err, Timestamp: time.Now()}
	}

	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ManagementError{Op: endpoint, Err: err, Timestamp: time.Now()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ManagementError{Op: endpoint, Status: resp.StatusCode, Err: err, Timestamp: time.Now()}
	}

	if resp.StatusCode >= 400 {
		return nil, &ManagementError{
			Op:        endpoint,
			Status:    resp.StatusCode,
			Err:       fmt.Errorf("%s", resp.Status),
			Timestamp: time.Now(),
		}
	}

	return body, nil
}
