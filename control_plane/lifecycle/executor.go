package lifecycle

import (
	"context"

	"github.com/itskum47/FluxGuard/control_plane/store"
)

// Outcome is what the executor reports for a performed action.
type Outcome struct {
	Success bool
	Message string
}

// Executor performs a whitelisted lifecycle action against a service. It is only
// called after validation passed and must honour ctx cancellation.
type Executor interface {
	Perform(ctx context.Context, d store.Descriptor, action store.Action, params store.ActionParams) (Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, d store.Descriptor, action store.Action, params store.ActionParams) (Outcome, error)

func (f ExecutorFunc) Perform(ctx context.Context, d store.Descriptor, action store.Action, params store.ActionParams) (Outcome, error) {
	return f(ctx, d, action, params)
}
