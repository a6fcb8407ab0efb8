package orchestrator

import (
	"slices"

	"github.com/opentalon/apichain/internal/descriptor"
)

// DefaultAllowedMethods returns the allow-list used when none is configured.
func DefaultAllowedMethods() []string {
	return []string{"GET", "POST"}
}

// Guard rejects descriptors whose method is not allow-listed. Matching is
// exact and case-sensitive: "get" is not "GET".
type Guard struct {
	allowed []string
}

// NewGuard copies allowed. An empty list selects DefaultAllowedMethods.
func NewGuard(allowed []string) *Guard {
	if len(allowed) == 0 {
		return &Guard{allowed: DefaultAllowedMethods()}
	}
	return &Guard{allowed: slices.Clone(allowed)}
}

func (g *Guard) Allowed() []string {
	return slices.Clone(g.allowed)
}

func (g *Guard) Check(d *descriptor.Descriptor) error {
	if slices.Contains(g.allowed, d.Method) {
		return nil
	}
	return &MethodNotAllowedError{Method: d.Method, Allowed: g.Allowed()}
}
