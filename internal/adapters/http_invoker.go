package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/stepflow"
	"golang.org/x/time/rate"
)

const maxErrorBody = 512

// HTTPInvoker calls tools exposed over HTTP. Each call is a POST of
// {"params": {...}} to <BaseURL>/tools/<name>, answered with a ToolResult
// as JSON.
type HTTPInvoker struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	headers http.Header
	logger  *slog.Logger
}

// HTTPOption configures an HTTPInvoker.
type HTTPOption func(*HTTPInvoker)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPInvoker) {
		if c != nil {
			h.client = c
		}
	}
}

// WithRateLimit caps outbound calls at rps with the given burst. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(h *HTTPInvoker) {
		if rps <= 0 {
			h.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTPInvoker) {
		h.headers.Add(key, value)
	}
}

// WithHTTPLogger sets the invoker logger.
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTPInvoker) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHTTPInvoker creates an invoker rooted at baseURL.
func NewHTTPInvoker(baseURL string, opts ...HTTPOption) (*HTTPInvoker, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, stepflow.NewConfigurationError(fmt.Sprintf("invalid tool endpoint %q", baseURL), err)
	}
	h := &HTTPInvoker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
		headers: make(http.Header),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type invokeRequest struct {
	Params map[string]stepflow.Value `json:"params"`
}

// Invoke implements stepflow.ToolInvoker. Non-2xx responses become failed
// ToolResults with code HTTP_<status>; transport failures are errors.
func (h *HTTPInvoker) Invoke(ctx context.Context, tool string, params map[string]stepflow.Value) (*stepflow.ToolResult, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(invokeRequest{Params: params})
	if err != nil {
		return nil, stepflow.NewToolExecutionError("execution", tool, err)
	}
	endpoint := h.baseURL + "/tools/" + url.PathEscape(tool)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, stepflow.NewToolExecutionError("execution", tool, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, vs := range h.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, stepflow.NewToolExecutionError("execution", tool, err)
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)
	h.logger.Debug("tool call", "tool", tool, "status", resp.StatusCode, "duration", elapsed)

	meta := stepflow.ToolMetadata{ExecutionTimeMs: elapsed.Milliseconds(), Timestamp: start.UTC()}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, stepflow.NewToolNotFoundError("execution", tool)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(snippet))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &stepflow.ToolResult{
			Error:    &stepflow.ToolError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: msg},
			Metadata: meta,
		}, nil
	}

	var result stepflow.ToolResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, stepflow.NewToolExecutionError("execution", tool, fmt.Errorf("decode response: %w", err))
	}
	if result.Metadata.Timestamp.IsZero() {
		result.Metadata = meta
	}
	if !result.Success && result.Error == nil {
		result.Error = &stepflow.ToolError{Code: stepflow.ErrCodeToolExecution, Message: "tool reported failure without detail"}
	}
	return &result, nil
}
