// Package dispatch delivers HITL requests to the decision service.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rendis/hitl/internal/request"
	"github.com/rendis/hitl/pkg/schema"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4 * 1024
	maxDrain       = 64 * 1024
)

// Failure classifications carried in the DISPATCH_FAILURE details.
const (
	KindTransport = "transport"
	KindStatus    = "status"
	KindEncode    = "encode"
)

// Config configures the HTTP client used for the decision service.
type Config struct {
	Timeout   time.Duration
	Transport http.RoundTripper
	// Breaker guards Dispatch per base URL. Zero disables it.
	Breaker BreakerConfig
}

// Client posts requests to the decision service. No retries.
type Client struct {
	http     *http.Client
	breakers *breakers
}

// New creates a Client. Zero values use a 30s timeout and a cloned default transport.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	return &Client{
		http:     &http.Client{Transport: transport, Timeout: cfg.Timeout},
		breakers: newBreakers(cfg.Breaker),
	}
}

// Dispatch POSTs payload to {baseUrl}/requests with Basic auth.
// Any transport error or non-2xx status yields DISPATCH_FAILURE, as does an
// open circuit for the service.
func (c *Client) Dispatch(ctx context.Context, creds schema.Credentials, payload *schema.OutboundPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return failure(KindEncode, 0, "encode payload: "+err.Error()).WithCause(err)
	}
	base := request.BaseURL(creds.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/requests", bytes.NewReader(body))
	if err != nil {
		return failure(KindTransport, 0, "build request: "+err.Error()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(creds.Username, creds.Password)

	if err := c.breakers.allow(base); err != nil {
		return err
	}
	err = c.do(req)
	switch {
	case ctx.Err() != nil:
		c.breakers.release(base)
	case err != nil && countsAgainstService(err):
		c.breakers.failure(base)
	default:
		// Any non-5xx answer means the service is up.
		c.breakers.success(base)
	}
	return err
}

// CircuitState reports the breaker state for a decision service base URL.
func (c *Client) CircuitState(baseURL string) CircuitState {
	return c.breakers.stateOf(request.BaseURL(baseURL))
}

// countsAgainstService reports whether err indicates an unhealthy service:
// transport errors and 5xx responses.
func countsAgainstService(err error) bool {
	var he *schema.HITLError
	if !errors.As(err, &he) {
		return false
	}
	switch Kind(err) {
	case KindTransport:
		return true
	case KindStatus:
		code, _ := he.Details["status_code"].(int)
		return code >= 500
	}
	return false
}

// HealthCheck issues GET {baseUrl}/health, the credential test used by the host.
func (c *Client) HealthCheck(ctx context.Context, creds schema.Credentials) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, request.BaseURL(creds.BaseURL)+"/health", nil)
	if err != nil {
		return failure(KindTransport, 0, "build request: "+err.Error()).WithCause(err)
	}
	req.SetBasicAuth(creds.Username, creds.Password)
	return c.do(req)
}

func (c *Client) do(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return failure(KindTransport, 0, fmt.Sprintf("%s %s: %v", req.Method, req.URL.Path, err)).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return failure(KindStatus, resp.StatusCode,
			fmt.Sprintf("%s %s: decision service returned %d", req.Method, req.URL.Path, resp.StatusCode)).
			WithDetails(map[string]any{"kind": KindStatus, "status_code": resp.StatusCode, "body": string(snippet)})
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
	return nil
}

func failure(kind string, status int, msg string) *schema.HITLError {
	details := map[string]any{"kind": kind}
	if status != 0 {
		details["status_code"] = status
	}
	return schema.NewError(schema.ErrCodeDispatch, msg).WithDetails(details)
}

// Kind extracts the failure classification from a DISPATCH_FAILURE, or "".
func Kind(err error) string {
	var he *schema.HITLError
	if !errors.As(err, &he) || he.Code != schema.ErrCodeDispatch {
		return ""
	}
	k, _ := he.Details["kind"].(string)
	return k
}
