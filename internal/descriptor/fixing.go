package descriptor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/opentalon/apichain/internal/logging"
	"github.com/opentalon/apichain/internal/prompt"
	"github.com/opentalon/apichain/internal/runctx"
	"github.com/opentalon/apichain/internal/telemetry"
)

// Invoker completes a prompt rendered from vars. *llmchain.Chain satisfies it.
type Invoker interface {
	Predict(ctx context.Context, vars map[string]string) (string, error)
}

// ParseError is returned when model output still fails the schema after the
// repair round-trip. It carries both failure reasons.
type ParseError struct {
	Raw      string
	Repaired string
	First    error
	Second   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("descriptor parse failed after repair: first attempt: %v; after repair: %v", e.First, e.Second)
}

// RepairInvocationError wraps a failure of the model call made to repair a
// malformed descriptor.
type RepairInvocationError struct {
	Err error
}

func (e *RepairInvocationError) Error() string {
	return "descriptor repair: " + e.Err.Error()
}

func (e *RepairInvocationError) Unwrap() error { return e.Err }

// FixingParser parses model output and, on failure, asks the model to fix
// it exactly once. It keeps no state between calls.
type FixingParser struct {
	fixer    Invoker
	logger   *zap.Logger
	tracer   trace.Tracer
	observer func(repaired bool)
}

// FixingOption configures a FixingParser.
type FixingOption func(*FixingParser)

// WithLogger sets the logger used for repair events.
func WithLogger(l *zap.Logger) FixingOption {
	return func(p *FixingParser) { p.logger = l }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) FixingOption {
	return func(p *FixingParser) { p.tracer = t }
}

// WithRepairObserver registers fn to be told the outcome of every repair.
func WithRepairObserver(fn func(repaired bool)) FixingOption {
	return func(p *FixingParser) { p.observer = fn }
}

// NewFixingParser returns a parser that repairs through fixer. fixer is
// expected to be bound to prompt.DescriptorFix.
func NewFixingParser(fixer Invoker, opts ...FixingOption) *FixingParser {
	p := &FixingParser{
		fixer:  fixer,
		tracer: telemetry.Tracer(),
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = logging.OrNop(p.logger).With(zap.String("component", "descriptor"))
	return p
}

// Parse returns the descriptor in raw. Valid input costs no model calls;
// otherwise exactly one repair call is made. Failure of the repair call is
// returned as *RepairInvocationError, a second parse failure as *ParseError.
func (p *FixingParser) Parse(ctx context.Context, raw string) (*Descriptor, error) {
	d, firstErr := Parse(raw)
	if firstErr == nil {
		return d, nil
	}

	logger := p.logger.With(zap.String("run_id", runctx.RunID(ctx)))
	logger.Warn("descriptor invalid, attempting repair", zap.Error(firstErr))

	ctx, span := p.tracer.Start(ctx, "descriptor.repair")
	fixed, err := p.fixer.Predict(ctx, map[string]string{
		prompt.VarInstructions: FormatInstructions(),
		prompt.VarCompletion:   raw,
		prompt.VarError:        firstErr.Error(),
	})
	if err != nil {
		telemetry.EndSpan(span, err)
		if ctx.Err() == nil {
			p.observe(false)
		}
		return nil, &RepairInvocationError{Err: err}
	}

	d, secondErr := Parse(fixed)
	if secondErr != nil {
		perr := &ParseError{Raw: raw, Repaired: fixed, First: firstErr, Second: secondErr}
		telemetry.EndSpan(span, perr)
		p.observe(false)
		logger.Warn("descriptor repair failed", zap.Error(secondErr))
		return nil, perr
	}
	telemetry.EndSpan(span, nil)
	p.observe(true)
	logger.Info("descriptor repaired")
	return d, nil
}

func (p *FixingParser) observe(ok bool) {
	if p.observer != nil {
		p.observer(ok)
	}
}
