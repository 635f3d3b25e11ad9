package batch

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Scope ties sibling subtasks to one frame: the first failure cancels the
// rest, and external cancellation unwinds all of them. Used where a
// multi-stage fetch over the same consent must succeed or fail atomically.
type Scope struct {
	group *errgroup.Group
	ctx   context.Context
}

// NewScope forks a scope off the parent context.
func NewScope(ctx context.Context) *Scope {
	group, ctx := errgroup.WithContext(ctx)
	return &Scope{group: group, ctx: ctx}
}

// Context is the scope's context; it is cancelled when a sibling fails.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Go forks a subtask into the scope.
func (s *Scope) Go(fn func(ctx context.Context) error) {
	s.group.Go(func() error {
		return fn(s.ctx)
	})
}

// Wait joins every subtask and surfaces the first failure.
func (s *Scope) Wait() error {
	return s.group.Wait()
}
