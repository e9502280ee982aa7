package registry

import (
	"context"
	"errors"
	"testing"

	"batchops/internal/domain"
)

func TestResolveUnregisteredReturnsErrCallableUnresolved(t *testing.T) {
	r := New()
	if _, err := r.Resolve("missing.callable"); !errors.Is(err, domain.ErrCallableUnresolved) {
		t.Fatalf("expected ErrCallableUnresolved, got %v", err)
	}
}

func TestRegisterThenResolve(t *testing.T) {
	r := New()
	called := false
	r.Register("pipeline.run", domain.CallableFunc(func(ctx context.Context, uploadID string, args []any, kwargs map[string]any) error {
		called = true
		return nil
	}))

	c, err := r.Resolve("pipeline.run")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if err := c.Invoke(context.Background(), "upload-1", nil, nil); err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	if !called {
		t.Fatalf("expected registered callable to be invoked")
	}
}
