package domain

import "context"

// Callable is a registered unit of executable logic a Job's config names by
// string identifier. Pipeline stage drivers and ingest generators are both
// exposed as Callables so the worker pool can invoke either through the same
// resolve-then-call path.
type Callable interface {
	// Invoke runs the callable against a queued message's target. uploadID
	// is empty for callables not tied to a specific Upload (e.g. an ingest
	// generator run manually or on its own schedule).
	Invoke(ctx context.Context, uploadID string, args []any, kwargs map[string]any) error
}

// CallableFunc adapts a plain function to the Callable interface.
type CallableFunc func(ctx context.Context, uploadID string, args []any, kwargs map[string]any) error

func (f CallableFunc) Invoke(ctx context.Context, uploadID string, args []any, kwargs map[string]any) error {
	return f(ctx, uploadID, args, kwargs)
}

// CallableRegistry resolves a Job's config.Callable string to a runnable
// Callable. Populated once at startup with every pipeline and ingest entry
// point the daemon exposes.
type CallableRegistry interface {
	Register(name string, c Callable)
	Resolve(name string) (Callable, error)
}
