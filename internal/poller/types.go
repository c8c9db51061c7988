package poller

import (
	"context"
	"errors"
)

// Fetcher performs one remote call for the tracked subject. A nil state
// with a nil error means the subject currently has no activity.
//
// Errors are classified by their core.AppError code: CONFIGURATION_ERROR
// skips the tick, UNAUTHORIZED/FORBIDDEN/NOT_FOUND are terminal and
// everything else is transient.
type Fetcher[S any] interface {
	Fetch(ctx context.Context) (*S, error)
}

// Publisher forwards a changed state downstream. A nil state is an explicit
// clear instruction.
type Publisher[S any] interface {
	Publish(ctx context.Context, state *S) error
}

// Notifier delivers one-shot human-readable alerts. Failures are logged by
// the caller and otherwise ignored.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// StateStore is the persisted key/value configuration of one feature
type StateStore interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string) bool
	// Update performs an atomic read-modify-write of key.
	Update(key string, fn func(current string, ok bool) string) string
	Save() error
}

var (
	// ErrDisabled is returned by Refresh while polling is switched off.
	ErrDisabled = errors.New("poller: disabled")
	// ErrStopped is returned when the scheduler was stopped while the
	// refresh was in flight.
	ErrStopped = errors.New("poller: stopped during refresh")
)

// Outcome describes what one fetch-dedupe-publish cycle did
type Outcome[S any] struct {
	// State is the freshly observed state; nil means no activity.
	State *S
	// Changed is true when State differed from the published state and a
	// publish was issued.
	Changed bool
	// Skipped is true when the fetch was not attempted or its result was
	// not actionable (subject not configured).
	Skipped bool
	// Stale is true when the scheduler was stopped or restarted while the
	// cycle was in flight; nothing was mutated.
	Stale bool
	// Opened is true when this cycle opened the circuit breaker.
	Opened bool
	// PublishErr is set when the downstream publish failed.
	PublishErr error
}
