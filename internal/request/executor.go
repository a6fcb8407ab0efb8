// Package request performs the single HTTP call described by a validated
// descriptor.
package request

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/opentalon/apichain/internal/descriptor"
	"github.com/opentalon/apichain/internal/logging"
	"github.com/opentalon/apichain/internal/runctx"
)

// DefaultMaxResponseBytes bounds how much of a response body is read.
const DefaultMaxResponseBytes = 1 << 20

const truncatedNotice = "\n[truncated: response exceeded size limit]"

// Doer sends an HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Response is the raw outcome of the call. A non-2xx status is not an
// error: the body is handed to the answer stage as-is.
type Response struct {
	StatusCode int
	Body       string
	Truncated  bool
}

// Executor builds and sends the request for a descriptor. It is safe for
// concurrent use; headers are copied at construction.
type Executor struct {
	client   Doer
	headers  map[string]string
	maxBytes int64
	logger   *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithClient replaces the default traced HTTP client.
func WithClient(c Doer) Option {
	return func(e *Executor) { e.client = c }
}

// WithHeaders sets headers attached to every request.
func WithHeaders(h map[string]string) Option {
	return func(e *Executor) {
		e.headers = make(map[string]string, len(h))
		for k, v := range h {
			e.headers[k] = v
		}
	}
}

// WithMaxResponseBytes caps the body read; n <= 0 disables the cap.
func WithMaxResponseBytes(n int64) Option {
	return func(e *Executor) { e.maxBytes = n }
}

// WithLogger sets the executor's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor returns an executor with a traced default client and a
// DefaultMaxResponseBytes cap.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		headers:  map[string]string{},
		maxBytes: DefaultMaxResponseBytes,
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = logging.OrNop(e.logger).With(zap.String("component", "request"))
	return e
}

// CarriesBody reports whether requests with method send a payload.
// GET, HEAD and DELETE never do.
func CarriesBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		return false
	}
	return true
}

// Build constructs the request for d without sending it.
func (e *Executor) Build(ctx context.Context, d *descriptor.Descriptor) (*http.Request, error) {
	var body io.Reader
	sendBody := CarriesBody(d.Method) && d.HasBody()
	if sendBody {
		// The model's formatting is dropped; the wire body is compact JSON.
		var buf bytes.Buffer
		if err := json.Compact(&buf, d.Body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctx, d.Method, d.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}
	if sendBody && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Execute sends the request for d and reads the full body. Only failures to
// build, send or read the request are returned as errors.
func (e *Executor) Execute(ctx context.Context, d *descriptor.Descriptor) (*Response, error) {
	req, err := e.Build(ctx, d)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	out := &Response{StatusCode: resp.StatusCode}
	var reader io.Reader = resp.Body
	if e.maxBytes > 0 {
		reader = io.LimitReader(resp.Body, e.maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if e.maxBytes > 0 && int64(len(data)) > e.maxBytes {
		data = data[:e.maxBytes]
		out.Truncated = true
	}
	out.Body = string(data)
	if out.Truncated {
		out.Body += truncatedNotice
	}

	e.logger.Debug("api call completed",
		zap.String("run_id", runctx.RunID(ctx)),
		zap.String("method", d.Method),
		zap.String("url", d.URL),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(data)),
		zap.Bool("truncated", out.Truncated),
		zap.Duration("duration", time.Since(start)),
	)
	return out, nil
}
