package poller

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Guard collapses overlapping calls into one execution. Callers that arrive
// while an operation is in flight wait for it and receive its result; once
// it resolves the next call starts fresh work.
type Guard[T any] struct {
	key   string
	group singleflight.Group
}

// NewGuard returns a guard for one logical resource
func NewGuard[T any](key string) *Guard[T] {
	return &Guard[T]{key: key}
}

// Run executes op unless an execution is already in flight, in which case
// it waits for that one. shared reports whether the result was handed to
// more than one caller.
//
// op runs detached from ctx: a caller that gives up does not cancel work
// other callers are waiting on. ctx only bounds how long this caller waits.
func (g *Guard[T]) Run(ctx context.Context, op func() (T, error)) (result T, err error, shared bool) {
	ch := g.group.DoChan(g.key, func() (any, error) {
		return op()
	})

	select {
	case res := <-ch:
		if res.Val != nil {
			result = res.Val.(T)
		}
		return result, res.Err, res.Shared
	case <-ctx.Done():
		return result, ctx.Err(), false
	}
}
