// Package orchestrator runs the API chain: synthesize a request descriptor
// from a question and API documentation, validate and guard it, make the
// call, and have the model answer from the raw response.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/opentalon/apichain/internal/descriptor"
	"github.com/opentalon/apichain/internal/llmchain"
	"github.com/opentalon/apichain/internal/logging"
	"github.com/opentalon/apichain/internal/prompt"
	"github.com/opentalon/apichain/internal/provider"
	"github.com/opentalon/apichain/internal/request"
	"github.com/opentalon/apichain/internal/runctx"
	"github.com/opentalon/apichain/internal/telemetry"
)

// ChainType is the discriminator written to persisted records.
const ChainType = "api_chain"

const (
	DefaultInputKey  = "question"
	DefaultOutputKey = "output"
)

// Sorted placeholder sets each prompt must declare.
var (
	requestPromptVars = []string{prompt.VarAPIDocs, prompt.VarQuestion}
	answerPromptVars  = []string{prompt.VarAPIDocs, prompt.VarAPIResponse, prompt.VarAPIURL, prompt.VarQuestion}
)

// Config describes a chain. Maps and slices are copied by New.
type Config struct {
	// Name labels metrics and logs. Defaults to ChainType.
	Name string

	// Model backs the repair call. Defaults to RequestChain's model.
	Model    llmchain.Model
	ModelRef provider.ModelRef

	RequestChain *llmchain.Chain
	AnswerChain  *llmchain.Chain
	Docs         string

	InputKey       string
	OutputKey      string
	Headers        map[string]string
	AllowedMethods []string

	// MaxResponseBytes caps the response body handed to the answer stage.
	// Zero selects request.DefaultMaxResponseBytes, negative disables it.
	MaxResponseBytes int64

	// CompletionOptions apply to the repair chain and to stage chains
	// built from prompts by FromModelAndDocs or loaded by Deserialize.
	CompletionOptions []llmchain.Option

	Logger     *zap.Logger
	Metrics    *telemetry.Metrics
	HTTPClient request.Doer
}

// Chain is an immutable, configured pipeline. Run may be called
// concurrently; no state is shared between invocations.
type Chain struct {
	name         string
	model        llmchain.Model
	ref          provider.ModelRef
	requestChain *llmchain.Chain
	answerChain  *llmchain.Chain
	docs         string
	inputKey     string
	outputKey    string
	headers      map[string]string
	maxBytes     int64
	httpClient   request.Doer

	parser   *descriptor.FixingParser
	guard    *Guard
	executor *request.Executor

	logger  *zap.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

// New validates cfg and builds a chain from it.
func New(cfg Config) (*Chain, error) {
	if cfg.RequestChain == nil {
		return nil, &ConfigurationError{Field: "api_request_chain", Reason: "missing"}
	}
	if cfg.AnswerChain == nil {
		return nil, &ConfigurationError{Field: "api_answer_chain", Reason: "missing"}
	}
	if err := checkPromptVars("api_request_chain", cfg.RequestChain.Prompt(), requestPromptVars); err != nil {
		return nil, err
	}
	if err := checkPromptVars("api_answer_chain", cfg.AnswerChain.Prompt(), answerPromptVars); err != nil {
		return nil, err
	}

	c := &Chain{
		name:         cfg.Name,
		model:        cfg.Model,
		ref:          cfg.ModelRef,
		requestChain: cfg.RequestChain,
		answerChain:  cfg.AnswerChain,
		docs:         cfg.Docs,
		inputKey:     cfg.InputKey,
		outputKey:    cfg.OutputKey,
		headers:      maps.Clone(cfg.Headers),
		maxBytes:     cfg.MaxResponseBytes,
		httpClient:   cfg.HTTPClient,
		guard:        NewGuard(cfg.AllowedMethods),
		metrics:      cfg.Metrics,
		tracer:       telemetry.Tracer(),
	}
	if c.name == "" {
		c.name = ChainType
	}
	if c.model == nil {
		c.model = cfg.RequestChain.Model()
	}
	if c.ref == "" {
		c.ref = cfg.RequestChain.ModelRef()
	}
	if c.inputKey == "" {
		c.inputKey = DefaultInputKey
	}
	if c.outputKey == "" {
		c.outputKey = DefaultOutputKey
	}
	if c.inputKey == c.outputKey {
		return nil, &ConfigurationError{Field: "output_key", Reason: fmt.Sprintf("must differ from input_key %q", c.inputKey)}
	}
	if c.headers == nil {
		c.headers = map[string]string{}
	}
	if c.maxBytes == 0 {
		c.maxBytes = request.DefaultMaxResponseBytes
	}
	c.logger = logging.OrNop(cfg.Logger).With(
		zap.String("component", "orchestrator"),
		zap.String("chain", c.name),
	)

	fixer, err := llmchain.New(prompt.DescriptorFix(), c.model, c.ref, cfg.CompletionOptions...)
	if err != nil {
		return nil, &ConfigurationError{Field: "llm", Reason: "cannot build repair chain", Err: err}
	}
	c.parser = descriptor.NewFixingParser(fixer,
		descriptor.WithLogger(c.logger),
		descriptor.WithRepairObserver(c.metrics.ObserveRepair),
	)
	c.executor = c.newExecutor()
	return c, nil
}

func (c *Chain) newExecutor() *request.Executor {
	opts := []request.Option{
		request.WithHeaders(c.headers),
		request.WithMaxResponseBytes(c.maxBytes),
		request.WithLogger(c.logger),
	}
	if c.httpClient != nil {
		opts = append(opts, request.WithClient(c.httpClient))
	}
	return request.NewExecutor(opts...)
}

func checkPromptVars(field string, tpl *prompt.Template, want []string) error {
	got := tpl.InputVariables()
	slices.Sort(got)
	if !slices.Equal(got, want) {
		return &ConfigurationError{
			Field:  field,
			Reason: fmt.Sprintf("prompt variables %v, want %v", got, want),
		}
	}
	return nil
}

// Option adjusts a chain built by FromModelAndDocs or Deserialize.
type Option func(*builder)

type builder struct {
	cfg           Config
	requestPrompt *prompt.Template
	answerPrompt  *prompt.Template
}

func WithName(name string) Option {
	return func(b *builder) { b.cfg.Name = name }
}

func WithRequestPrompt(t *prompt.Template) Option {
	return func(b *builder) { b.requestPrompt = t }
}

func WithAnswerPrompt(t *prompt.Template) Option {
	return func(b *builder) { b.answerPrompt = t }
}

func WithHeaders(h map[string]string) Option {
	return func(b *builder) { b.cfg.Headers = h }
}

func WithAllowedMethods(methods ...string) Option {
	return func(b *builder) { b.cfg.AllowedMethods = methods }
}

func WithInputKey(key string) Option {
	return func(b *builder) { b.cfg.InputKey = key }
}

func WithOutputKey(key string) Option {
	return func(b *builder) { b.cfg.OutputKey = key }
}

func WithLogger(l *zap.Logger) Option {
	return func(b *builder) { b.cfg.Logger = l }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(b *builder) { b.cfg.Metrics = m }
}

func WithHTTPClient(d request.Doer) Option {
	return func(b *builder) { b.cfg.HTTPClient = d }
}

func WithMaxResponseBytes(n int64) Option {
	return func(b *builder) { b.cfg.MaxResponseBytes = n }
}

// WithCompletionOptions sets provider request options such as max tokens
// and temperature.
func WithCompletionOptions(opts ...llmchain.Option) Option {
	return func(b *builder) { b.cfg.CompletionOptions = append(b.cfg.CompletionOptions, opts...) }
}

func (b *builder) build() (*Chain, error) {
	if b.requestPrompt != nil {
		rc, err := llmchain.New(b.requestPrompt, b.cfg.Model, b.cfg.ModelRef, b.cfg.CompletionOptions...)
		if err != nil {
			return nil, &ConfigurationError{Field: "api_request_chain", Reason: "cannot build chain", Err: err}
		}
		b.cfg.RequestChain = rc
	}
	if b.answerPrompt != nil {
		ac, err := llmchain.New(b.answerPrompt, b.cfg.Model, b.cfg.ModelRef, b.cfg.CompletionOptions...)
		if err != nil {
			return nil, &ConfigurationError{Field: "api_answer_chain", Reason: "cannot build chain", Err: err}
		}
		b.cfg.AnswerChain = ac
	}
	return New(b.cfg)
}

// FromModelAndDocs builds a chain whose stages all use model, with the
// default prompts and allow-list unless overridden by opts.
func FromModelAndDocs(model llmchain.Model, ref provider.ModelRef, docs string, opts ...Option) (*Chain, error) {
	if model == nil {
		return nil, &ConfigurationError{Field: "llm", Reason: "missing"}
	}
	b := &builder{
		cfg:           Config{Model: model, ModelRef: ref, Docs: docs},
		requestPrompt: prompt.APIURL(),
		answerPrompt:  prompt.APIResponse(),
	}
	for _, o := range opts {
		o(b)
	}
	return b.build()
}

func (c *Chain) Name() string                  { return c.name }
func (c *Chain) ChainType() string             { return ChainType }
func (c *Chain) InputKeys() []string           { return []string{c.inputKey} }
func (c *Chain) OutputKeys() []string          { return []string{c.outputKey} }
func (c *Chain) Docs() string                  { return c.docs }
func (c *Chain) ModelRef() provider.ModelRef   { return c.ref }
func (c *Chain) AllowedMethods() []string      { return c.guard.Allowed() }
func (c *Chain) Headers() map[string]string    { return maps.Clone(c.headers) }
func (c *Chain) RequestChain() *llmchain.Chain { return c.requestChain }
func (c *Chain) AnswerChain() *llmchain.Chain  { return c.answerChain }

// WithAllowedMethods returns a copy of c using a different allow-list.
func (c *Chain) WithAllowedMethods(methods ...string) *Chain {
	cp := *c
	cp.guard = NewGuard(methods)
	return &cp
}

// WithHeaders returns a copy of c sending h on every API request.
func (c *Chain) WithHeaders(h map[string]string) *Chain {
	cp := *c
	cp.headers = maps.Clone(h)
	if cp.headers == nil {
		cp.headers = map[string]string{}
	}
	cp.executor = cp.newExecutor()
	return &cp
}

// Call runs the chain for a single question and returns the answer.
func (c *Chain) Call(ctx context.Context, question string) (string, error) {
	out, err := c.Run(ctx, map[string]string{c.inputKey: question})
	if err != nil {
		return "", err
	}
	return out[c.outputKey], nil
}

// Run executes the pipeline once. Stages run strictly in order and the
// first error aborts the run; no partial output is returned.
func (c *Chain) Run(ctx context.Context, inputs map[string]string) (out map[string]string, err error) {
	ctx, runID := runctx.Ensure(ctx)
	logger := c.logger.With(zap.String("run_id", runID))

	ctx, span := c.tracer.Start(ctx, "apichain.run", trace.WithAttributes(
		attribute.String("apichain.chain", c.name),
		attribute.String("apichain.run_id", runID),
	))
	defer func() {
		if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		telemetry.EndSpan(span, err)
		c.metrics.ObserveRun(c.name, outcome(err))
		if err != nil {
			logger.Error("run failed", zap.Error(err))
		}
	}()

	question, ok := inputs[c.inputKey]
	if !ok {
		return nil, &InputError{Key: c.inputKey}
	}

	var raw string
	err = c.stage(ctx, logger, "request", func(ctx context.Context) error {
		var perr error
		raw, perr = c.requestChain.Predict(ctx, map[string]string{
			prompt.VarAPIDocs:  c.docs,
			prompt.VarQuestion: question,
		})
		if perr != nil {
			return &ModelInvocationError{Stage: StageRequest, Err: perr}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var d *descriptor.Descriptor
	err = c.stage(ctx, logger, "parse", func(ctx context.Context) error {
		var perr error
		d, perr = c.parser.Parse(ctx, raw)
		var rie *descriptor.RepairInvocationError
		if errors.As(perr, &rie) {
			return &ModelInvocationError{Stage: StageRepair, Err: rie.Err}
		}
		return perr
	})
	if err != nil {
		return nil, err
	}

	if err = c.guard.Check(d); err != nil {
		logger.Warn("api method rejected", zap.String("method", d.Method), zap.Strings("allowed", c.guard.allowed))
		return nil, err
	}

	var resp *request.Response
	err = c.stage(ctx, logger, "execute", func(ctx context.Context) error {
		var xerr error
		resp, xerr = c.executor.Execute(ctx, d)
		if xerr != nil {
			return &TransportError{Method: d.Method, URL: d.URL, Err: xerr}
		}
		c.metrics.ObserveHTTPResponse(d.Method, resp.StatusCode)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var answer string
	err = c.stage(ctx, logger, "answer", func(ctx context.Context) error {
		var aerr error
		answer, aerr = c.answerChain.Predict(ctx, map[string]string{
			prompt.VarAPIDocs:     c.docs,
			prompt.VarQuestion:    question,
			prompt.VarAPIURL:      d.URL,
			prompt.VarAPIResponse: resp.Body,
		})
		if aerr != nil {
			return &ModelInvocationError{Stage: StageAnswer, Err: aerr}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return map[string]string{c.outputKey: answer}, nil
}

// stage runs fn under its own span and records its duration. A context
// that is already done stops the pipeline before fn starts.
func (c *Chain) stage(ctx context.Context, logger *zap.Logger, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := c.tracer.Start(ctx, "apichain."+name)
	logger.Debug("stage started", zap.String("stage", name))

	start := time.Now()
	err := fn(ctx)
	c.metrics.ObserveStage(name, time.Since(start))
	telemetry.EndSpan(span, err)

	logger.Debug("stage finished", zap.String("stage", name), zap.Bool("ok", err == nil))
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return telemetry.OutcomeSuccess
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return telemetry.OutcomeCanceled
	case IsInputError(err):
		return telemetry.OutcomeInputError
	case IsParseError(err):
		return telemetry.OutcomeParseError
	case IsMethodNotAllowed(err):
		return telemetry.OutcomeMethodNotAllowed
	case IsTransportError(err):
		return telemetry.OutcomeTransportError
	default:
		return telemetry.OutcomeModelError
	}
}
