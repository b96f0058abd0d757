package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"

	"agentflow/internal/domain"
	"agentflow/internal/infra/config"
	"agentflow/internal/infra/tracer"
	"agentflow/internal/security"
)

// Fallbacks for zero-valued HTTP settings.
const (
	fallbackTimeout          = 30 * time.Second
	fallbackMaxResponseBytes = 4 << 20
)

// HTTPInvoker performs the single HTTP request behind a tool step. Each tool
// gets its own circuit breaker and, when rate_per_minute is set, token bucket.
// Failures are reported in the returned ToolResponse, never as a Go error.
type HTTPInvoker struct {
	client   *http.Client
	cfg      config.HTTPConfig
	breakers *breakerSet
	limiters *limiterSet
	logger   *slog.Logger
}

// InvokerOption configures an HTTPInvoker.
type InvokerOption func(*HTTPInvoker)

// WithHTTPClient replaces the pooled client, e.g. with an httptest client.
func WithHTTPClient(c *http.Client) InvokerOption {
	return func(h *HTTPInvoker) { h.client = c }
}

// NewHTTPInvoker creates an invoker from the shared HTTP settings.
func NewHTTPInvoker(cfg config.HTTPConfig, logger *slog.Logger, opts ...InvokerOption) *HTTPInvoker {
	if logger == nil {
		logger = slog.Default()
	}
	transport := NewPooledTransport(cfg.Pool)
	if cfg.BlockPrivateNetworks {
		transport = security.GuardTransport(transport)
	}
	h := &HTTPInvoker{
		client:   &http.Client{Transport: transport},
		cfg:      cfg,
		breakers: newBreakerSet(cfg.CircuitBreaker, logger),
		limiters: newLimiterSet(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Invoke sends req on behalf of t. The rate-limit wait observes ctx; the
// request itself runs detached from ctx cancellation and is bounded by the
// tool timeout, so a stop request never abandons a call halfway.
func (h *HTTPInvoker) Invoke(ctx context.Context, t domain.Tool, req domain.ToolRequest) *domain.ToolResponse {
	start := time.Now()
	ctx, span := tracer.StartSpan(ctx, "tool.http", trace.WithAttributes(
		tracer.StringAttr("tool", t.Name),
		tracer.StringAttr("http.method", req.Method),
	))

	resp := h.invoke(ctx, t, req)
	resp.Duration = time.Since(start)
	resp.Retryable = IsRetryable(resp)

	span.SetAttributes(tracer.IntAttr("http.status_code", resp.StatusCode))
	tracer.Finish(span, resp.Err)
	return resp
}

func (h *HTTPInvoker) invoke(ctx context.Context, t domain.Tool, req domain.ToolRequest) *domain.ToolResponse {
	const op = "HTTPInvoker.Invoke"

	if lim := h.limiters.get(t); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return &domain.ToolResponse{
				Err: domain.NewDomainError(op, domain.ErrRateLimit, fmt.Sprintf("tool %q: %v", t.Name, err)),
			}
		}
	}

	if h.cfg.BlockPrivateNetworks {
		if err := security.ValidateURL(ctx, req.URL); err != nil {
			return &domain.ToolResponse{Err: err}
		}
	}

	timeout := h.timeoutFor(t, req)
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	cb := h.breakers.get(t.Name)
	if cb == nil {
		return h.do(callCtx, t.Name, req, timeout)
	}

	resp, err := cb.Execute(func() (*domain.ToolResponse, error) {
		r := h.do(callCtx, t.Name, req, timeout)
		if countsAsBreakerFailure(r) {
			return r, r.Err
		}
		return r, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.ToolResponse{
			Err: domain.NewDomainError(op, domain.ErrCircuitOpen, fmt.Sprintf("tool %q: %v", t.Name, err)),
		}
	}
	return resp
}

func (h *HTTPInvoker) timeoutFor(t domain.Tool, req domain.ToolRequest) time.Duration {
	switch {
	case req.Timeout > 0:
		return req.Timeout
	case t.Timeout > 0:
		return t.Timeout
	case h.cfg.DefaultTimeout > 0:
		return h.cfg.DefaultTimeout
	default:
		return fallbackTimeout
	}
}

func (h *HTTPInvoker) do(ctx context.Context, tool string, req domain.ToolRequest, timeout time.Duration) *domain.ToolResponse {
	const op = "HTTPInvoker.Invoke"

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return &domain.ToolResponse{
			Err: domain.NewSubSystemError("tool", op, domain.ErrInvalidInput, fmt.Sprintf("tool %q: build request: %v", tool, err)),
		}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("User-Agent") == "" && h.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", h.cfg.UserAgent)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return &domain.ToolResponse{Err: transportError(op, tool, err, timeout)}
	}
	defer resp.Body.Close()

	limit := h.cfg.MaxResponseBytes
	if limit <= 0 {
		limit = fallbackMaxResponseBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))

	out := &domain.ToolResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       data,
	}
	switch {
	case err != nil:
		out.Err = transportError(op, tool, err, timeout)
	case int64(len(data)) > limit:
		out.Body = data[:limit]
		out.Err = domain.NewSubSystemError("response", op, domain.ErrToolFailure,
			fmt.Sprintf("tool %q: response exceeds %d bytes", tool, limit))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		out.Err = domain.NewSubSystemError("status", op, domain.ErrToolFailure,
			fmt.Sprintf("tool %q: %s returned status %d", tool, req.Method, resp.StatusCode))
	}
	return out
}

func transportError(op, tool string, err error, timeout time.Duration) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return domain.NewSubSystemError("tool", op, domain.ErrTimeout,
			fmt.Sprintf("tool %q: no response within %s", tool, timeout))
	}
	if errors.Is(err, domain.ErrSSRFBlocked) {
		return err
	}
	return domain.NewDomainError(op, domain.ErrToolFailure, fmt.Sprintf("tool %q: %v", tool, err))
}

// BreakerState reports the circuit state of a tool ("closed" when unknown).
func (h *HTTPInvoker) BreakerState(tool string) string {
	st, _ := h.breakers.state(tool)
	return st.String()
}

// Default connection pool settings: a handful of hosts polled repeatedly.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
)

// NewPooledTransport creates an http.Transport with connection pooling sized
// from pool. Zero values fall back to defaults.
func NewPooledTransport(pool config.PoolConfig) *http.Transport {
	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	idleTimeout := pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdlePerHost,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     idleTimeout,
		ForceAttemptHTTP2:   true,
	}
}
