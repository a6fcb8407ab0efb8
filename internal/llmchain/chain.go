// Package llmchain binds a prompt template to a language model. A Chain is
// the invoker used for request synthesis, descriptor repair and answer
// synthesis; only the template differs between them.
package llmchain

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opentalon/apichain/internal/prompt"
	"github.com/opentalon/apichain/internal/provider"
	"github.com/opentalon/apichain/internal/telemetry"
)

// Model is the subset of provider.Provider a chain needs.
type Model interface {
	Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error)
}

// Chain renders its prompt with the caller's variables and returns the
// model's completion verbatim. It holds no per-call state.
type Chain struct {
	prompt      *prompt.Template
	model       Model
	ref         provider.ModelRef
	maxTokens   int
	temperature *float64
	tracer      trace.Tracer
}

// Option configures a Chain.
type Option func(*Chain)

// WithMaxTokens caps the completion length sent to the provider.
func WithMaxTokens(n int) Option {
	return func(c *Chain) { c.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Chain) { c.temperature = &t }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Chain) { c.tracer = t }
}

// New creates a chain. ref is the persisted name of model and also selects
// the model ID sent in each request.
func New(tpl *prompt.Template, model Model, ref provider.ModelRef, opts ...Option) (*Chain, error) {
	if tpl == nil {
		return nil, errors.New("llmchain: prompt is required")
	}
	if model == nil {
		return nil, errors.New("llmchain: model is required")
	}
	c := &Chain{
		prompt: tpl,
		model:  model,
		ref:    ref,
		tracer: telemetry.Tracer(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Chain) Prompt() *prompt.Template    { return c.prompt }
func (c *Chain) Model() Model                { return c.model }
func (c *Chain) ModelRef() provider.ModelRef { return c.ref }

// Predict renders the prompt and completes it. Provider errors are returned
// unchanged so callers can inspect them with errors.As.
func (c *Chain) Predict(ctx context.Context, vars map[string]string) (string, error) {
	text, err := c.prompt.Render(vars)
	if err != nil {
		return "", err
	}

	ctx, span := c.tracer.Start(ctx, "llm.complete", trace.WithAttributes(
		attribute.String("llm.model", c.ref.String()),
		attribute.Int("llm.prompt_chars", len(text)),
	))
	resp, err := c.model.Complete(ctx, &provider.CompletionRequest{
		Model:       c.ref.Model(),
		Messages:    []provider.Message{{Role: provider.RoleUser, Content: text}},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		telemetry.EndSpan(span, err)
		return "", err
	}
	if resp == nil {
		err = fmt.Errorf("llmchain: model %s returned no response", c.ref)
		telemetry.EndSpan(span, err)
		return "", err
	}
	span.SetAttributes(
		attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
		attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
	)
	telemetry.EndSpan(span, nil)
	return resp.Content, nil
}
