package pool

import "context"

// Resource knows how to make, check, reset and destroy instances of T.
type Resource[T any] interface {
	// ID names the resource for dependency ordering and events.
	ID() string

	// Create constructs a new instance.
	Create(ctx context.Context) (T, error)

	// IsValid is a fast health check run before an idle instance is handed out.
	IsValid(ctx context.Context, v T) bool

	// Recycle resets v between uses. An error destroys the instance.
	Recycle(ctx context.Context, v T) error

	// Cleanup is the terminal destructor, called exactly once per instance.
	Cleanup(v T) error

	// Dependencies lists resource IDs that must be warm before this one.
	Dependencies() []string
}

// Funcs adapts plain functions to Resource. Nil hooks are no-ops; IsValid
// defaults to true.
type Funcs[T any] struct {
	Name      string
	Requires  []string
	CreateFn  func(ctx context.Context) (T, error)
	IsValidFn func(ctx context.Context, v T) bool
	RecycleFn func(ctx context.Context, v T) error
	CleanupFn func(v T) error
}

// ID implements Resource.
func (f Funcs[T]) ID() string { return f.Name }

// Create implements Resource.
func (f Funcs[T]) Create(ctx context.Context) (T, error) { return f.CreateFn(ctx) }

// IsValid implements Resource.
func (f Funcs[T]) IsValid(ctx context.Context, v T) bool {
	if f.IsValidFn == nil {
		return true
	}
	return f.IsValidFn(ctx, v)
}

// Recycle implements Resource.
func (f Funcs[T]) Recycle(ctx context.Context, v T) error {
	if f.RecycleFn == nil {
		return nil
	}
	return f.RecycleFn(ctx, v)
}

// Cleanup implements Resource.
func (f Funcs[T]) Cleanup(v T) error {
	if f.CleanupFn == nil {
		return nil
	}
	return f.CleanupFn(v)
}

// Dependencies implements Resource.
func (f Funcs[T]) Dependencies() []string { return f.Requires }
