package client

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
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/me/pipekit/pkg/model"
)

// Request is one RPC.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	// Idempotent requests may be retried by the transport.
	Idempotent bool
}

// Transport carries RPCs to the backend and returns the response payload.
type Transport interface {
	Do(ctx context.Context, req Request) (json.RawMessage, error)
}

// RetryConfig bounds transport retries.
type RetryConfig struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries uint64
}

// DefaultRetryConfig retries up to 6 times, doubling from 500ms, capped at 60s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Base: 500 * time.Millisecond, Cap: 60 * time.Second, MaxRetries: 6}
}

// HTTPTransport speaks the backend's JSON envelope over HTTP.
type HTTPTransport struct {
	BaseURL    string
	HTTPClient *http.Client
	Retry      RetryConfig
	Logger     *slog.Logger
}

// NewHTTPTransport creates an HTTP transport for baseURL.
func NewHTTPTransport(baseURL string, rc RetryConfig, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
		Retry:      rc,
		Logger:     logger.With("component", "transport"),
	}
}

// envelope is the parsed response envelope.
type envelope struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     *model.APIError `json:"error"`
}

// statusError is a non-2xx response that carried no envelope error.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

// networkError is a failure to reach the backend at all.
type networkError struct {
	err error
}

func (e *networkError) Error() string { return "request failed: " + e.err.Error() }
func (e *networkError) Unwrap() error { return e.err }

// Do sends req. Idempotent requests are retried on network errors, 429 and
// 5xx responses with capped exponential backoff; other requests are sent once.
func (t *HTTPTransport) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	var body []byte
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = data
	}
	op := req.Method + " " + req.Path

	if !req.Idempotent {
		data, err := t.once(ctx, req, body)
		if err != nil && isTransient(err) {
			return nil, model.TransportError(op, err)
		}
		return data, err
	}

	backoff := retry.NewExponential(t.Retry.Base)
	if t.Retry.Cap > 0 {
		backoff = retry.WithCappedDuration(t.Retry.Cap, backoff)
	}
	backoff = retry.WithMaxRetries(t.Retry.MaxRetries, backoff)

	var out json.RawMessage
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		data, err := t.once(ctx, req, body)
		if err != nil {
			if isTransient(err) && ctx.Err() == nil {
				t.Logger.Debug("retrying request", "op", op, "attempt", attempt, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		out = data
		return nil
	})
	if err != nil {
		if isTransient(err) {
			return nil, model.TransportError(op, err)
		}
		return nil, err
	}
	return out, nil
}

func (t *HTTPTransport) once(ctx context.Context, req Request, body []byte) (json.RawMessage, error) {
	u := t.BaseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	t.Logger.Debug("HTTP request", "method", req.Method, "url", u)
	resp, err := t.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, &networkError{err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &networkError{err: fmt.Errorf("read response: %w", err)}
	}
	t.Logger.Debug("HTTP response", "status", resp.StatusCode, "bytes", len(respBody))

	var env envelope
	if jerr := json.Unmarshal(respBody, &env); jerr != nil {
		if resp.StatusCode >= 300 {
			return nil, &statusError{code: resp.StatusCode, body: truncate(string(respBody), 200)}
		}
		return nil, fmt.Errorf("parse response (status %d): %w", resp.StatusCode, jerr)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &statusError{code: resp.StatusCode, body: errorText(env, respBody)}
	}
	if env.Status == "error" && env.Error != nil {
		return nil, env.Error
	}
	if resp.StatusCode >= 300 {
		return nil, &statusError{code: resp.StatusCode, body: errorText(env, respBody)}
	}
	return env.Data, nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	var ne *networkError
	return errors.As(err, &ne)
}

func errorText(env envelope, raw []byte) string {
	if env.Error != nil {
		return env.Error.Message
	}
	return truncate(string(raw), 200)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
