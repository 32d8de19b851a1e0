package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/arcanafx/effects-server-go/internal/triggers"
)

// Action parameters understood by api_call actions.
const (
	ParamURL     = "url"
	ParamMethod  = "method"
	ParamHeaders = "headers"
	ParamBody    = "body"
)

const (
	DefaultHTTPTimeout = 5 * time.Second
	DefaultMaxRetries  = 3
)

var ErrAPICallFailed = errors.New("api call failed")

// StatusError reports a non-2xx response.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s answered %d", e.URL, e.Status)
}

// HTTPCaller performs api_call actions as HTTP requests, retrying transport errors and
// 5xx/429 answers with exponential backoff.
type HTTPCaller struct {
	client       *http.Client
	logger       *zap.Logger
	maxRetries   uint
	initialDelay time.Duration
}

// HTTPOption configures an HTTPCaller.
type HTTPOption func(*HTTPCaller)

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPCaller) { h.client = c }
}

// WithMaxRetries sets how many attempts are made in total.
func WithMaxRetries(n uint) HTTPOption {
	return func(h *HTTPCaller) {
		if n > 0 {
			h.maxRetries = n
		}
	}
}

// WithInitialDelay sets the first backoff interval.
func WithInitialDelay(d time.Duration) HTTPOption {
	return func(h *HTTPCaller) {
		if d > 0 {
			h.initialDelay = d
		}
	}
}

// NewHTTPCaller creates a caller with a timeout-bound client.
func NewHTTPCaller(timeout time.Duration, logger *zap.Logger, opts ...HTTPOption) *HTTPCaller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	h := &HTTPCaller{
		client:       &http.Client{Timeout: timeout},
		logger:       logger,
		maxRetries:   DefaultMaxRetries,
		initialDelay: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Call sends the request described by call.Parameters. Without an explicit body the
// request carries the trigger id, event type and event data as JSON.
func (h *HTTPCaller) Call(ctx context.Context, call triggers.APICall) error {
	target, _ := call.Parameters[ParamURL].(string)
	if u, err := url.Parse(target); err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: %w: %s must be an absolute url", ErrAPICallFailed, triggers.ErrInvalidAction, ParamURL)
	}
	method := http.MethodPost
	if m, ok := call.Parameters[ParamMethod].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	body, err := requestBody(call)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAPICallFailed, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = h.initialDelay

	attempt := 0
	_, err = backoff.Retry(ctx, func() (int, error) {
		attempt++
		status, err := h.do(ctx, method, target, call.Parameters[ParamHeaders], body)
		if err != nil {
			h.logger.Debug("api call attempt failed",
				zap.String("trigger_id", call.TriggerID),
				zap.String("url", target),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return status, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(h.maxRetries),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAPICallFailed, err)
	}
	h.logger.Debug("api call delivered",
		zap.String("trigger_id", call.TriggerID),
		zap.String("url", target),
		zap.Int("attempts", attempt),
	)
	return nil
}

func (h *HTTPCaller) do(ctx context.Context, method, target string, headers any, body []byte) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if hm, ok := headers.(map[string]any); ok {
		for k, v := range hm {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return resp.StatusCode, &StatusError{URL: target, Status: resp.StatusCode}
	default:
		return resp.StatusCode, backoff.Permanent(&StatusError{URL: target, Status: resp.StatusCode})
	}
}

func requestBody(call triggers.APICall) ([]byte, error) {
	if raw, ok := call.Parameters[ParamBody]; ok {
		if s, isString := raw.(string); isString {
			return []byte(s), nil
		}
		return json.Marshal(raw)
	}
	if method, _ := call.Parameters[ParamMethod].(string); strings.EqualFold(method, http.MethodGet) {
		return nil, nil
	}
	return json.Marshal(map[string]any{
		"trigger_id": call.TriggerID,
		"event_type": string(call.EventType),
		"event_data": call.EventData,
	})
}
