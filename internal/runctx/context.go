// Package runctx carries the identity of one pipeline invocation through
// its context.
package runctx

import (
	"context"

	"github.com/google/uuid"
)

type contextKey struct{}

// NewRunID returns a fresh invocation ID.
func NewRunID() string {
	return "run_" + uuid.NewString()
}

// WithRunID returns a context that carries the given run ID. An empty ID
// leaves ctx unchanged.
func WithRunID(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, runID)
}

// Ensure returns ctx and its run ID, attaching a new ID when none is set.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := RunID(ctx); id != "" {
		return ctx, id
	}
	id := NewRunID()
	return WithRunID(ctx, id), id
}

// RunID returns the run ID from the context, or empty string if not set.
func RunID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(contextKey{}).(string)
	return s
}
