package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hako/durafmt"

	"the-relay/internal/clock"
	"the-relay/internal/core"
)

// DelayFunc decides how long to wait before the next tick. The default
// always returns interval.
type DelayFunc func(now time.Time, interval time.Duration) time.Duration

// Option configures a Scheduler
type Option func(*options)

type options struct {
	clock                clock.Clock
	logger               *core.Logger
	delay                DelayFunc
	defaults             PollConfig
	publishFailuresCount bool
}

// WithClock replaces the real clock, mostly for tests
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *core.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDelay replaces the fixed-interval reschedule policy
func WithDelay(fn DelayFunc) Option {
	return func(o *options) { o.delay = fn }
}

// WithDefaults sets the PollConfig used for keys missing from the store
func WithDefaults(cfg PollConfig) Option {
	return func(o *options) { o.defaults = cfg }
}

// WithPublishFailuresCount makes downstream publish failures count toward
// the circuit breaker. Off by default: publishing is best-effort.
func WithPublishFailuresCount(count bool) Option {
	return func(o *options) { o.publishFailuresCount = count }
}

// Scheduler polls one subject on a single timeline
type Scheduler[S any] struct {
	name      string
	fetcher   Fetcher[S]
	publisher Publisher[S]
	store     StateStore
	notifier  Notifier
	opts      options
	logger    *core.Logger

	guard   *Guard[Outcome[S]]
	breaker *CircuitBreaker
	dedup   *Deduplicator[S]

	// toggleMu serializes Start, Enable, Disable and Reload.
	toggleMu sync.Mutex
	// cycleMu is held for the whole fetch-dedupe-publish sequence and by
	// toggles that must not interleave with it.
	cycleMu sync.Mutex

	mu        sync.Mutex
	live      bool
	epoch     uint64
	timer     *clock.Timer
	interval  time.Duration
	changedAt time.Time
	closed    bool

	// wg counts the pending timer plus any running scheduled cycle.
	wg sync.WaitGroup
}

// NewScheduler builds a scheduler for one subject. equal compares two
// non-nil states by their identity-bearing fields.
func NewScheduler[S any](name string, fetcher Fetcher[S], publisher Publisher[S], store StateStore, notifier Notifier, equal func(a, b S) bool, opts ...Option) *Scheduler[S] {
	o := options{
		clock:  clock.Real(),
		logger: core.NewLogger(),
		defaults: PollConfig{
			Enabled:                true,
			Interval:               5 * time.Second,
			MaxConsecutiveFailures: 3,
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Scheduler[S]{
		name:      name,
		fetcher:   fetcher,
		publisher: publisher,
		store:     store,
		notifier:  notifier,
		opts:      o,
		logger:    o.logger.With("poller", name),
		guard:     NewGuard[Outcome[S]](name),
		breaker:   NewCircuitBreaker(o.defaults.MaxConsecutiveFailures),
		dedup:     NewDeduplicator(equal),
	}
}

// Start begins polling if the store says the poller is enabled. The first
// cycle runs immediately in the background; later cycles follow the
// interval. Start on a running scheduler is a no-op.
func (s *Scheduler[S]) Start(ctx context.Context) error {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()

	if err := SeedPollConfig(s.store, s.opts.defaults); err != nil {
		return fmt.Errorf("failed to seed %s poll config: %w", s.name, err)
	}

	cfg := LoadPollConfig(s.store, s.opts.defaults)
	if !cfg.Enabled {
		s.logger.Info("Poller disabled, not starting")
		return nil
	}

	epoch, ok := s.begin(cfg, true)
	if !ok {
		return nil
	}

	s.logger.Info("Starting poller", "interval", cfg.Interval, "max_failures", cfg.MaxConsecutiveFailures)
	go s.fire(epoch)
	return nil
}

// Stop cancels the pending timer and forgets the published state. A cycle
// already in flight finishes but its result is discarded. Idempotent.
func (s *Scheduler[S]) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live {
		s.logger.Info("Stopping poller")
	}
	s.haltLocked()
	s.dedup.Reset()
}

// Shutdown stops the scheduler and waits for a scheduled cycle that is
// still running, or until ctx expires
func (s *Scheduler[S]) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh runs one cycle now. If a cycle is already in flight, the caller
// waits for it and gets its outcome instead of starting a second fetch.
func (s *Scheduler[S]) Refresh(ctx context.Context) (Outcome[S], error) {
	for attempt := 0; attempt < 2; attempt++ {
		s.mu.Lock()
		live, epoch := s.live, s.epoch
		s.mu.Unlock()
		if !live {
			return Outcome[S]{Skipped: true}, ErrDisabled
		}

		out, err := s.runCycle(ctx, epoch)
		if !out.Stale {
			return out, err
		}
		// A cycle from an earlier run was still in flight; try once more
		// against the current run.
	}
	return Outcome[S]{Stale: true}, ErrStopped
}

// Enable switches polling on, runs one refresh immediately and then arms
// the timer. Enabling a running poller only re-persists the flag.
func (s *Scheduler[S]) Enable(ctx context.Context) error {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()

	return s.enableLocked(ctx)
}

// Disable switches polling off, cancels the timer and clears the downstream
// state with a single nil publish
func (s *Scheduler[S]) Disable(ctx context.Context) error {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()

	return s.disableLocked(ctx)
}

// Toggle flips the enabled flag and returns the new value. The flag is read
// under the toggle lock, so overlapping toggles alternate.
func (s *Scheduler[S]) Toggle(ctx context.Context) (bool, error) {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()

	if GetBool(s.store, KeyEnabled, s.opts.defaults.Enabled) {
		return false, s.disableLocked(ctx)
	}
	return true, s.enableLocked(ctx)
}

// enableLocked requires toggleMu
func (s *Scheduler[S]) enableLocked(ctx context.Context) error {
	SetBool(s.store, KeyEnabled, true)
	if err := s.store.Save(); err != nil {
		return fmt.Errorf("failed to persist %s enabled flag: %w", s.name, err)
	}

	s.startNowLocked(ctx)
	return nil
}

// disableLocked requires toggleMu
func (s *Scheduler[S]) disableLocked(ctx context.Context) error {
	s.cycleMu.Lock()
	SetBool(s.store, KeyEnabled, false)
	saveErr := s.store.Save()

	s.mu.Lock()
	s.haltLocked()
	s.dedup.Reset()
	s.mu.Unlock()
	s.cycleMu.Unlock()

	s.logger.Info("Poller disabled")
	s.publishClear(ctx)

	if saveErr != nil {
		return fmt.Errorf("failed to persist %s enabled flag: %w", s.name, saveErr)
	}
	return nil
}

// Reload restarts the poller from the stored config and forgets the
// published state, so the next cycle republishes even an unchanged state.
// Used after options that affect publishing change.
func (s *Scheduler[S]) Reload(ctx context.Context) {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()

	s.cycleMu.Lock()
	s.mu.Lock()
	s.haltLocked()
	s.dedup.Reset()
	s.mu.Unlock()
	s.cycleMu.Unlock()

	if GetBool(s.store, KeyEnabled, s.opts.defaults.Enabled) {
		s.startNowLocked(ctx)
	}
}

// Published returns the last state forwarded downstream
func (s *Scheduler[S]) Published() *S {
	return s.dedup.Last()
}

// Status is a point-in-time view of a scheduler
type Status[S any] struct {
	Name          string     `json:"name"`
	Enabled       bool       `json:"enabled"`
	Running       bool       `json:"running"`
	Breaker       string     `json:"breaker"`
	Failures      int        `json:"failures"`
	MaxFailures   int        `json:"max_failures"`
	Interval      string     `json:"interval"`
	Published     *S         `json:"published"`
	LastChangedAt *time.Time `json:"last_changed_at,omitempty"`
}

// Snapshot returns the scheduler's current status
func (s *Scheduler[S]) Snapshot() Status[S] {
	s.mu.Lock()
	running, interval, changedAt := s.live, s.interval, s.changedAt
	s.mu.Unlock()

	if interval == 0 {
		interval = LoadPollConfig(s.store, s.opts.defaults).Interval
	}

	status := Status[S]{
		Name:        s.name,
		Enabled:     GetBool(s.store, KeyEnabled, s.opts.defaults.Enabled),
		Running:     running,
		Breaker:     s.breaker.State().String(),
		Failures:    s.breaker.Failures(),
		MaxFailures: s.breaker.Threshold(),
		Interval:    durafmt.Parse(interval).LimitFirstN(2).String(),
		Published:   s.dedup.Last(),
	}
	if !changedAt.IsZero() {
		status.LastChangedAt = &changedAt
	}
	return status
}

// startNowLocked begins a new run with an immediate synchronous cycle.
// Callers hold toggleMu.
func (s *Scheduler[S]) startNowLocked(ctx context.Context) {
	cfg := LoadPollConfig(s.store, s.opts.defaults)
	epoch, ok := s.begin(cfg, false)
	if !ok {
		return
	}

	s.logger.Info("Poller enabled", "interval", cfg.Interval, "max_failures", cfg.MaxConsecutiveFailures)
	if _, err := s.runCycle(ctx, epoch); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("Initial refresh failed", "error", err)
	}
	s.arm(epoch)
}

// begin marks a new run live. withFire reserves a wg slot for a fire
// goroutine the caller is about to launch.
func (s *Scheduler[S]) begin(cfg PollConfig, withFire bool) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live || s.closed {
		return 0, false
	}

	s.breaker.Reset(cfg.MaxConsecutiveFailures)
	s.interval = cfg.Interval
	s.live = true
	s.epoch++
	if withFire {
		s.wg.Add(1)
	}
	return s.epoch, true
}

// haltLocked ends the current run. Callers hold s.mu.
func (s *Scheduler[S]) haltLocked() {
	if !s.live {
		return
	}
	s.live = false
	s.epoch++
	if s.timer != nil {
		if s.timer.Stop() {
			s.wg.Done()
		}
		s.timer = nil
	}
}

// arm schedules the next tick of run epoch, unless the run has ended
func (s *Scheduler[S]) arm(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.live || s.epoch != epoch {
		return
	}

	delay := s.interval
	if s.opts.delay != nil {
		delay = s.opts.delay(s.opts.clock.Now(), s.interval)
	}
	if delay <= 0 {
		delay = time.Millisecond
	}

	s.wg.Add(1)
	s.timer = s.opts.clock.AfterFunc(delay, func() { s.fire(epoch) })
}

// fire runs one scheduled tick and re-arms the timer afterwards, so ticks
// never overlap and each wait starts after the previous cycle resolved
func (s *Scheduler[S]) fire(epoch uint64) {
	defer s.wg.Done()

	s.mu.Lock()
	if s.epoch == epoch {
		s.timer = nil
	}
	s.mu.Unlock()

	out, err := s.runCycle(context.Background(), epoch)
	if err != nil {
		s.logger.Debug("Tick finished with error", "error", err, "opened", out.Opened)
	}
	s.arm(epoch)
}

func (s *Scheduler[S]) isLive(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live && s.epoch == epoch
}

// runCycle funnels the cycle through the guard so overlapping callers share
// one fetch
func (s *Scheduler[S]) runCycle(ctx context.Context, epoch uint64) (Outcome[S], error) {
	out, err, shared := s.guard.Run(ctx, func() (Outcome[S], error) {
		return s.cycle(epoch)
	})
	if shared {
		s.logger.Debug("Joined in-flight refresh")
	}
	return out, err
}

// cycle is one fetch-dedupe-publish sequence. It never panics outward.
func (s *Scheduler[S]) cycle(epoch uint64) (out Outcome[S], err error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	ctx := context.Background()

	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			s.logger.Error("Poll cycle panic", "correlation_id", correlationID, "panic", fmt.Sprintf("%v", r))
			err = core.NewFetchError(fmt.Sprintf("poll cycle panic (correlation_id: %s)", correlationID), nil)
			out = s.handleFetchError(ctx, epoch, err)
		}
	}()

	if !s.isLive(epoch) {
		return Outcome[S]{Stale: true}, nil
	}

	state, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return s.handleFetchError(ctx, epoch, err), err
	}

	changed, stale := s.apply(epoch, state)
	if stale {
		return Outcome[S]{Stale: true}, nil
	}

	out = Outcome[S]{State: state, Changed: changed}
	if !changed {
		s.breaker.RecordSuccess()
		return out, nil
	}

	if perr := s.publisher.Publish(ctx, state); perr != nil {
		out.PublishErr = perr
		s.logger.Error("Failed to publish state", "error", perr)
		if s.opts.publishFailuresCount {
			if s.breaker.RecordFailure() {
				s.open(ctx, epoch, perr, false)
				out.Opened = true
			}
			return out, nil
		}
	}

	s.breaker.RecordSuccess()
	return out, nil
}

// apply records state as published if it changed. The equality function
// may panic, so s.mu is released by defer.
func (s *Scheduler[S]) apply(epoch uint64, state *S) (changed, stale bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.live || s.epoch != epoch {
		return false, true
	}
	changed = s.dedup.Apply(state)
	if changed {
		s.changedAt = s.opts.clock.Now()
	}
	return changed, false
}

// handleFetchError classifies a fetch failure and feeds the breaker
func (s *Scheduler[S]) handleFetchError(ctx context.Context, epoch uint64, err error) Outcome[S] {
	if !s.isLive(epoch) {
		return Outcome[S]{Stale: true}
	}

	switch core.ErrorCode(err) {
	case core.ErrCodeConfiguration:
		s.logger.Warn("Skipping tick, subject not configured", "error", err)
		return Outcome[S]{Skipped: true}

	case core.ErrCodeUnauthorized, core.ErrCodeForbidden, core.ErrCodeNotFound:
		s.logger.Error("Terminal fetch error", "error", err)
		if s.breaker.Trip() {
			s.open(ctx, epoch, err, true)
			return Outcome[S]{Opened: true}
		}
		return Outcome[S]{}

	default:
		s.logger.Error("Fetch failed", "error", err, "failures", s.breaker.Failures()+1)
		if s.breaker.RecordFailure() {
			s.open(ctx, epoch, err, false)
			return Outcome[S]{Opened: true}
		}
		return Outcome[S]{}
	}
}

// open handles the breaker's closed-to-open transition: persist
// enabled=false, cancel the timer, clear downstream and notify once.
// Callers hold cycleMu.
func (s *Scheduler[S]) open(ctx context.Context, epoch uint64, cause error, terminal bool) {
	SetBool(s.store, KeyEnabled, false)
	if err := s.store.Save(); err != nil {
		s.logger.Error("Failed to persist disabled flag", "error", err)
	}

	s.mu.Lock()
	if s.epoch == epoch {
		s.haltLocked()
	}
	hadState := s.dedup.Reset()
	s.mu.Unlock()

	if hadState {
		s.publishClear(ctx)
	}

	var message string
	if terminal {
		message = fmt.Sprintf("%s stopped after an unrecoverable error: %v", s.name, cause)
	} else {
		message = fmt.Sprintf("%s stopped due to %d consecutive errors.", s.name, s.breaker.Threshold())
	}
	s.logger.Error("Circuit opened, poller disabled", "error", cause, "threshold", s.breaker.Threshold())

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, message); err != nil {
			s.logger.Warn("Failed to send notification", "error", err)
		}
	}
}

func (s *Scheduler[S]) publishClear(ctx context.Context) {
	if err := s.publisher.Publish(ctx, nil); err != nil {
		s.logger.Error("Failed to clear published state", "error", err)
	}
}
