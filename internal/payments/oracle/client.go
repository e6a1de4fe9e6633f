package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Backend payment statuses the engine understands. Anything else is unknown.
const (
	StatusCompleted = "Completed"
	StatusPending   = "Pending"
	StatusFailed    = "Failed"
)

const maxResponseBytes = 1 << 20

var (
	ErrNotFound = errors.New("payment record not found")
	// ErrUnavailable wraps a call the circuit breaker refused. The request never
	// reached the backend.
	ErrUnavailable = errors.New("payment backend temporarily unavailable")

	errServerStatus = errors.New("backend server error")
)

// Config configures the backend client.
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	RateLimitRPS    float64
	RateBurst       int
	BreakerFailures uint32
	BreakerCooldown time.Duration
	// BreakerHalfOpen is how many requests a half-open breaker lets through.
	BreakerHalfOpen uint32
}

// Client talks to the backend payment status endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     *TokenSource
	limiter    *GatewayLimiter
	breakerCfg Config
	logger     *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// APIError is a backend response that could not be used as an envelope.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend api status %d: %s", e.StatusCode, e.Body)
}

// StatusResponse is the backend envelope for a status read.
type StatusResponse struct {
	Success bool        `json:"success"`
	Data    *StatusData `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// StatusData is the payload of a status envelope.
type StatusData struct {
	Status  string `json:"status"`
	OrderID string `json:"orderId,omitempty"`
}

// ManualCompleteRequest is the compensating write body.
type ManualCompleteRequest struct {
	OrderID    string `json:"orderId"`
	ResultCode string `json:"resultCode"`
	Amount     string `json:"amount"`
	Message    string `json:"message"`
}

type rawResponse struct {
	status int
	body   []byte
}

// NewClient creates a client. tokens may be nil when the backend needs no auth.
func NewClient(cfg Config, tokens *TokenSource, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if cfg.BreakerHalfOpen == 0 {
		cfg.BreakerHalfOpen = 3
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		httpClient: httpClient,
		tokens:     tokens,
		limiter:    NewGatewayLimiter(cfg.RateLimitRPS, cfg.RateBurst),
		breakerCfg: cfg,
		logger:     logger,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breaker returns the circuit breaker for gateway. Each gateway trips on its
// own so one failing provider does not refuse calls for the others.
func (c *Client) breaker(gateway string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[gateway]; ok {
		return cb
	}
	failures := c.breakerCfg.BreakerFailures
	logger := c.logger
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "payment-oracle:" + gateway,
		MaxRequests: c.breakerCfg.BreakerHalfOpen,
		Timeout:     c.breakerCfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("oracle_breaker", "name", name, "from", from.String(), "to", to.String())
		},
	})
	c.breakers[gateway] = cb
	return cb
}

// Status reads the backend's record for orderID. A missing record is reported as
// ErrNotFound. Non-2xx responses that still carry the envelope are decoded so the
// caller sees success=false.
func (c *Client) Status(ctx context.Context, gateway, orderID string) (StatusResponse, error) {
	var out StatusResponse
	pathPart := fmt.Sprintf("/payments/%s/status/%s", url.PathEscape(strings.TrimSpace(gateway)), url.PathEscape(strings.TrimSpace(orderID)))
	res, err := c.do(ctx, gateway, http.MethodGet, pathPart, nil)
	if err != nil {
		return out, err
	}
	if res.status == http.StatusNotFound {
		return out, fmt.Errorf("%w: %w", ErrNotFound, &APIError{StatusCode: res.status, Body: strings.TrimSpace(string(res.body))})
	}
	if err := json.Unmarshal(res.body, &out); err != nil {
		if !isSuccessStatus(res.status) {
			return out, &APIError{StatusCode: res.status, Body: strings.TrimSpace(string(res.body))}
		}
		return out, fmt.Errorf("decode status response: %w", err)
	}
	return out, nil
}

// ManualComplete issues the compensating write. The body of a successful
// response is not interpreted.
func (c *Client) ManualComplete(ctx context.Context, gateway string, in ManualCompleteRequest) error {
	pathPart := fmt.Sprintf("/payments/%s/manual-complete", url.PathEscape(strings.TrimSpace(gateway)))
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	res, err := c.do(ctx, gateway, http.MethodPost, pathPart, payload)
	if err != nil {
		return err
	}
	if !isSuccessStatus(res.status) {
		return &APIError{StatusCode: res.status, Body: strings.TrimSpace(string(res.body))}
	}
	return nil
}

func (c *Client) do(ctx context.Context, gateway, method, pathPart string, payload []byte) (rawResponse, error) {
	if c.baseURL == "" {
		return rawResponse{}, fmt.Errorf("backend base url is required")
	}
	if err := c.limiter.Wait(ctx, gateway); err != nil {
		return rawResponse{}, err
	}

	var bodyReader io.Reader
	if len(payload) > 0 {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+pathPart, bodyReader)
	if err != nil {
		return rawResponse{}, err
	}
	req.Header.Set("Accept", "application/json")
	if len(payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return rawResponse{}, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	result, err := c.breaker(gateway).Execute(func() (interface{}, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, err
		}
		out := rawResponse{status: resp.StatusCode, body: body}
		if resp.StatusCode >= 500 {
			return out, errServerStatus
		}
		return out, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return rawResponse{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err != nil && !errors.Is(err, errServerStatus) {
		return rawResponse{}, fmt.Errorf("backend request %s %s: %w", method, pathPart, err)
	}
	res, _ := result.(rawResponse)
	c.logger.Debug("oracle_response", "method", method, "path", pathPart, "status", res.status)
	return res, nil
}

func isSuccessStatus(status int) bool {
	return status >= 200 && status < 300
}
