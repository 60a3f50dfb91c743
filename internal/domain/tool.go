package domain

import "context"

// Tool is the interface for workflow capabilities (shell, file ops, http, etc).
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// CapabilityProvider executes a named capability with resolved arguments.
// Ordinary failures come back as errors; an unregistered name must wrap
// ErrUnknownCapability so the engine can tell "nothing to retry" apart
// from a failed invocation.
type CapabilityProvider interface {
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
	Has(name string) bool
}
