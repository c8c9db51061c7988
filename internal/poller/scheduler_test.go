package poller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"the-relay/internal/clock"
	"the-relay/internal/core"
)

func TestSchedulerPublishesOnlyChanges(t *testing.T) {
	h := newHarness(t, []response{
		playing("Boards of Canada", "Roygbiv"),
		playing("Boards of Canada", "Roygbiv"),
		playing("Aphex Twin", "Xtal"),
		{},
		{},
	})
	h.start(t)

	if got := len(h.publisher.snapshot()); got != 1 {
		t.Fatalf("Expected 1 publish after first cycle, got %d", got)
	}

	h.tick()
	if got := len(h.publisher.snapshot()); got != 1 {
		t.Errorf("Expected unchanged track not to be republished, got %d publishes", got)
	}

	h.tick()
	published := h.publisher.snapshot()
	if len(published) != 2 || published[1].Name != "Xtal" {
		t.Fatalf("Expected Xtal to be published second, got %+v", published)
	}

	h.tick()
	h.tick()
	published = h.publisher.snapshot()
	if len(published) != 3 {
		t.Fatalf("Expected exactly one clear, got %d publishes", len(published))
	}
	if published[2] != nil {
		t.Errorf("Expected nil clear instruction, got %+v", published[2])
	}
	if h.scheduler.Published() != nil {
		t.Error("Expected no published state after clear")
	}
}

func TestSchedulerOpensBreakerAfterThreshold(t *testing.T) {
	h := newHarness(t, []response{
		playing("Burial", "Archangel"),
		fail(),
		fail(),
		fail(),
	})
	h.start(t)

	h.tick()
	h.tick()
	if len(h.notifier.snapshot()) != 0 {
		t.Fatal("Expected no notification before threshold is reached")
	}

	h.tick()

	messages := h.notifier.snapshot()
	if len(messages) != 1 {
		t.Fatalf("Expected exactly one notification, got %d", len(messages))
	}
	if messages[0] != "lastfm stopped due to 3 consecutive errors." {
		t.Errorf("Unexpected notification: %q", messages[0])
	}

	if value, _ := h.store.Get(KeyEnabled); value != "false" {
		t.Errorf("Expected enabled=false to be persisted, got %q", value)
	}
	if h.clock.PendingCount() != 0 {
		t.Errorf("Expected no pending timer after breaker opened, got %d", h.clock.PendingCount())
	}

	published := h.publisher.snapshot()
	if len(published) != 2 || published[1] != nil {
		t.Errorf("Expected published state to be cleared once, got %+v", published)
	}

	status := h.scheduler.Snapshot()
	if status.Running || status.Enabled || status.Breaker != "open" {
		t.Errorf("Expected stopped poller with open breaker, got %+v", status)
	}

	h.tick()
	if got := h.fetcher.calls.Load(); got != 4 {
		t.Errorf("Expected no fetch after breaker opened, got %d calls", got)
	}
	if len(h.notifier.snapshot()) != 1 {
		t.Error("Expected notification to be sent only once")
	}
}

func TestSchedulerOpenWithoutStateDoesNotPublish(t *testing.T) {
	h := newHarness(t, []response{fail()})
	h.start(t)
	h.tick()
	h.tick()

	if len(h.notifier.snapshot()) != 1 {
		t.Fatal("Expected breaker to open")
	}
	if got := len(h.publisher.snapshot()); got != 0 {
		t.Errorf("Expected no clear when nothing was published, got %d publishes", got)
	}
}

func TestSchedulerSuccessResetsFailures(t *testing.T) {
	h := newHarness(t, []response{
		fail(),
		fail(),
		playing("Four Tet", "Baby"),
		fail(),
		fail(),
		playing("Four Tet", "Baby"),
	})
	h.start(t)
	for i := 0; i < 4; i++ {
		h.tick()
	}

	status := h.scheduler.Snapshot()
	if !status.Running {
		t.Fatal("Expected poller to keep running")
	}
	if status.Failures != 2 {
		t.Errorf("Expected 2 consecutive failures, got %d", status.Failures)
	}
	if len(h.notifier.snapshot()) != 0 {
		t.Error("Expected no notification")
	}

	h.tick()
	if got := h.scheduler.Snapshot().Failures; got != 0 {
		t.Errorf("Expected success to reset failures, got %d", got)
	}
}

func TestSchedulerTerminalErrorTripsImmediately(t *testing.T) {
	h := newHarness(t, []response{
		{err: core.NewUnauthorizedError("invalid API key", nil)},
	})
	if err := h.scheduler.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	eventually(t, func() bool { return len(h.notifier.snapshot()) == 1 })

	if !strings.Contains(h.notifier.snapshot()[0], "invalid API key") {
		t.Errorf("Expected notification to carry the cause, got %q", h.notifier.snapshot()[0])
	}
	if h.scheduler.Snapshot().Breaker != "open" {
		t.Error("Expected breaker to be open")
	}
	if value, _ := h.store.Get(KeyEnabled); value != "false" {
		t.Errorf("Expected enabled=false to be persisted, got %q", value)
	}
}

func TestSchedulerConfigurationErrorSkipsTick(t *testing.T) {
	h := newHarness(t, []response{
		{err: core.NewConfigurationError("api key not set", nil)},
	})
	h.start(t)
	for i := 0; i < 5; i++ {
		h.tick()
	}

	status := h.scheduler.Snapshot()
	if !status.Running {
		t.Error("Expected poller to keep running when unconfigured")
	}
	if status.Failures != 0 {
		t.Errorf("Expected configuration errors not to count, got %d", status.Failures)
	}
	if got := h.fetcher.calls.Load(); got != 6 {
		t.Errorf("Expected 6 fetch attempts, got %d", got)
	}
}

func TestSchedulerZeroThresholdNeverOpens(t *testing.T) {
	h := newHarness(t, []response{fail()})
	h.store.Set(KeyMaxFailures, "0")
	h.start(t)
	for i := 0; i < 10; i++ {
		h.tick()
	}

	status := h.scheduler.Snapshot()
	if !status.Running || status.Breaker != "closed" {
		t.Errorf("Expected poller to keep running, got %+v", status)
	}
	if status.Failures != 11 {
		t.Errorf("Expected 11 failures, got %d", status.Failures)
	}
}

func TestSchedulerRecoversPanics(t *testing.T) {
	h := newHarness(t, []response{
		{panic: true},
		playing("Bonobo", "Kerala"),
	})
	h.start(t)

	if got := h.scheduler.Snapshot().Failures; got != 1 {
		t.Errorf("Expected panic to count as a failure, got %d", got)
	}

	h.tick()
	if got := len(h.publisher.snapshot()); got != 1 {
		t.Errorf("Expected poller to recover and publish, got %d publishes", got)
	}
	if got := h.scheduler.Snapshot().Failures; got != 0 {
		t.Errorf("Expected failures to reset, got %d", got)
	}
}

func TestSchedulerRecoversPanickingEquality(t *testing.T) {
	h := newHarness(t, []response{playing("Burial", "Archangel")})
	h.scheduler = NewScheduler[track]("lastfm", h.fetcher, h.publisher, h.store, h.notifier,
		func(a, b track) bool { panic("equal boom") },
		WithClock(h.clock), WithLogger(core.NewDiscardLogger()))
	h.start(t)

	done := make(chan struct{})
	go func() {
		h.tick()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Tick with a panicking equality function never returned")
	}

	if got := h.scheduler.Snapshot().Failures; got != 1 {
		t.Errorf("Expected the panic to count as a failure, got %d", got)
	}
	if err := h.scheduler.Disable(context.Background()); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if h.scheduler.Snapshot().Running {
		t.Error("Expected the poller to stop after disable")
	}
}

func TestSchedulerDisableClearsState(t *testing.T) {
	h := newHarness(t, []response{playing("Caribou", "Sun")})
	h.start(t)

	if err := h.scheduler.Disable(context.Background()); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}

	published := h.publisher.snapshot()
	if len(published) != 2 || published[1] != nil {
		t.Fatalf("Expected state followed by a clear, got %+v", published)
	}
	if h.clock.PendingCount() != 0 {
		t.Errorf("Expected timer to be cancelled, got %d pending", h.clock.PendingCount())
	}
	if value, _ := h.store.Get(KeyEnabled); value != "false" {
		t.Errorf("Expected enabled=false, got %q", value)
	}

	h.tick()
	if got := h.fetcher.calls.Load(); got != 1 {
		t.Errorf("Expected no fetch after disable, got %d calls", got)
	}

	if _, err := h.scheduler.Refresh(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Errorf("Expected ErrDisabled, got %v", err)
	}
}

func TestSchedulerEnableFetchesImmediately(t *testing.T) {
	h := newHarness(t, []response{playing("Jon Hopkins", "Open Eye Signal")})
	h.store.Set(KeyEnabled, "false")

	if err := h.scheduler.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := h.fetcher.calls.Load(); got != 0 {
		t.Fatalf("Expected disabled poller not to fetch, got %d calls", got)
	}

	if err := h.scheduler.Enable(context.Background()); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if got := h.fetcher.calls.Load(); got != 1 {
		t.Errorf("Expected one immediate fetch, got %d", got)
	}
	if got := len(h.publisher.snapshot()); got != 1 {
		t.Errorf("Expected one publish, got %d", got)
	}
	if h.clock.PendingCount() != 1 {
		t.Errorf("Expected timer to be armed, got %d pending", h.clock.PendingCount())
	}

	if err := h.scheduler.Enable(context.Background()); err != nil {
		t.Fatalf("second Enable failed: %v", err)
	}
	if got := h.fetcher.calls.Load(); got != 1 {
		t.Errorf("Expected enabling a running poller not to fetch, got %d calls", got)
	}
	if h.clock.PendingCount() != 1 {
		t.Errorf("Expected a single timer, got %d pending", h.clock.PendingCount())
	}
}

func TestSchedulerToggle(t *testing.T) {
	h := newHarness(t, []response{playing("Floating Points", "Silhouettes")})
	h.start(t)

	enabled, err := h.scheduler.Toggle(context.Background())
	if err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	if enabled {
		t.Error("Expected toggle to disable a running poller")
	}

	enabled, err = h.scheduler.Toggle(context.Background())
	if err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	if !enabled || !h.scheduler.Snapshot().Running {
		t.Error("Expected toggle to enable the poller again")
	}
}

func TestSchedulerConcurrentTogglesAlternate(t *testing.T) {
	h := newHarness(t, []response{playing("Four Tet", "Baby")})
	h.fetcher.gate = make(chan struct{})
	h.fetcher.entered = make(chan struct{}, 1)

	if err := h.scheduler.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-h.fetcher.entered

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			enabled, err := h.scheduler.Toggle(context.Background())
			if err != nil {
				t.Errorf("Toggle failed: %v", err)
			}
			results[i] = enabled
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(h.fetcher.gate)
	wg.Wait()

	if results[0] == results[1] {
		t.Errorf("Expected one toggle to disable and one to enable, got %v", results)
	}
	if !GetBool(h.store, KeyEnabled, false) {
		t.Error("Expected two toggles to leave the poller enabled")
	}
	if !h.scheduler.Snapshot().Running {
		t.Error("Expected the poller to be running")
	}
	if h.clock.PendingCount() != 1 {
		t.Errorf("Expected a single timer, got %d pending", h.clock.PendingCount())
	}
}

func TestSchedulerReloadRepublishes(t *testing.T) {
	h := newHarness(t, []response{playing("Moderat", "A New Error")})
	h.start(t)

	h.scheduler.Reload(context.Background())

	published := h.publisher.snapshot()
	if len(published) != 2 || published[1] == nil {
		t.Errorf("Expected unchanged state to be republished after reload, got %+v", published)
	}
	if h.clock.PendingCount() != 1 {
		t.Errorf("Expected a single timer after reload, got %d pending", h.clock.PendingCount())
	}
}

func TestSchedulerRefreshJoinsInflightCycle(t *testing.T) {
	h := newHarness(t, []response{playing("Autechre", "Gantz Graf")})
	h.fetcher.gate = make(chan struct{})
	h.fetcher.entered = make(chan struct{}, 1)

	if err := h.scheduler.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-h.fetcher.entered

	const callers = 5
	var wg sync.WaitGroup
	outcomes := make([]Outcome[track], callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := h.scheduler.Refresh(context.Background())
			if err != nil {
				t.Errorf("Refresh failed: %v", err)
			}
			outcomes[i] = out
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(h.fetcher.gate)
	wg.Wait()

	if got := h.fetcher.calls.Load(); got != 1 {
		t.Errorf("Expected callers to share one fetch, got %d", got)
	}
	for i, out := range outcomes {
		if !out.Changed || out.State == nil || out.State.Name != "Gantz Graf" {
			t.Errorf("caller %d: unexpected outcome %+v", i, out)
		}
	}
	if got := len(h.publisher.snapshot()); got != 1 {
		t.Errorf("Expected one publish, got %d", got)
	}
}

func TestSchedulerStopDiscardsInflightResult(t *testing.T) {
	h := newHarness(t, []response{playing("Actress", "Hubble")})
	h.fetcher.gate = make(chan struct{})
	h.fetcher.entered = make(chan struct{}, 1)

	if err := h.scheduler.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-h.fetcher.entered

	h.scheduler.Stop()
	close(h.fetcher.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.scheduler.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if got := len(h.publisher.snapshot()); got != 0 {
		t.Errorf("Expected stale result to be dropped, got %d publishes", got)
	}
	if h.scheduler.Published() != nil {
		t.Error("Expected no published state")
	}
	if h.clock.PendingCount() != 0 {
		t.Errorf("Expected no timer after stop, got %d pending", h.clock.PendingCount())
	}
}

func TestSchedulerPublishFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, []response{
		playing("Lone", "Pineapple Crush"),
		playing("Lone", "Pineapple Crush"),
		playing("Lone", "Airglow Fires"),
	})
	h.publisher.err = errors.New("gateway closed")
	h.start(t)
	h.tick()
	h.tick()

	if got := len(h.publisher.snapshot()); got != 2 {
		t.Errorf("Expected 2 publish attempts, got %d", got)
	}
	if got := h.scheduler.Snapshot().Failures; got != 0 {
		t.Errorf("Expected publish failures not to count by default, got %d", got)
	}
}

func TestSchedulerPublishFailuresCountWhenEnabled(t *testing.T) {
	h := newHarness(t, []response{
		playing("Lone", "Pineapple Crush"),
		playing("Lone", "Airglow Fires"),
		playing("Lone", "Once In A While"),
	}, WithPublishFailuresCount(true))
	h.publisher.err = errors.New("gateway closed")
	h.start(t)
	h.tick()
	h.tick()

	if len(h.notifier.snapshot()) != 1 {
		t.Fatalf("Expected breaker to open after 3 failed publishes")
	}
	if h.scheduler.Snapshot().Running {
		t.Error("Expected poller to stop")
	}
}

func TestSchedulerCustomDelay(t *testing.T) {
	h := newHarness(t, []response{playing("Kiasmos", "Blurred")}, WithDelay(func(now time.Time, interval time.Duration) time.Duration {
		return time.Hour
	}))
	h.start(t)

	h.tick()
	if got := h.fetcher.calls.Load(); got != 1 {
		t.Errorf("Expected no fetch before the custom delay, got %d calls", got)
	}

	h.clock.Advance(time.Hour)
	if got := h.fetcher.calls.Load(); got != 2 {
		t.Errorf("Expected fetch after the custom delay, got %d calls", got)
	}
}

func TestSchedulerSnapshot(t *testing.T) {
	h := newHarness(t, []response{playing("Jamie xx", "Gosh")})
	h.start(t)

	status := h.scheduler.Snapshot()
	if status.Name != "lastfm" {
		t.Errorf("Expected name lastfm, got %q", status.Name)
	}
	if status.Interval != "5 seconds" {
		t.Errorf("Expected interval '5 seconds', got %q", status.Interval)
	}
	if status.MaxFailures != 3 {
		t.Errorf("Expected max failures 3, got %d", status.MaxFailures)
	}
	if status.Published == nil || status.Published.Name != "Gosh" {
		t.Errorf("Expected published track, got %+v", status.Published)
	}
	if status.LastChangedAt == nil || !status.LastChangedAt.Equal(epochStart) {
		t.Errorf("Expected last change at %v, got %v", epochStart, status.LastChangedAt)
	}
}

// overlapFetcher records the highest number of concurrent fetches
type overlapFetcher struct {
	active atomic.Int32
	max    atomic.Int32
	calls  atomic.Int32
}

func (f *overlapFetcher) Fetch(ctx context.Context) (*track, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		current := f.max.Load()
		if n <= current || f.max.CompareAndSwap(current, n) {
			break
		}
	}
	calls := f.calls.Add(1)
	time.Sleep(time.Millisecond)
	return &track{Artist: "Nils Frahm", Name: string(rune('a' + calls%26))}, nil
}

func TestSchedulerCyclesNeverOverlap(t *testing.T) {
	fake := clock.Fake(epochStart)
	fetcher := &overlapFetcher{}
	store := newMemoryStore(map[string]string{KeyEnabled: "true", KeyIntervalMs: "5000"})
	scheduler := NewScheduler[track]("overlap", fetcher, &recordingPublisher{}, store, &recordingNotifier{}, sameTrack,
		WithClock(fake), WithLogger(core.NewDiscardLogger()))
	defer scheduler.Shutdown(context.Background())

	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	fake.WaitForTimers(1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				scheduler.Refresh(context.Background())
			}
		}()
	}
	for i := 0; i < 5; i++ {
		fake.Advance(5 * time.Second)
	}
	wg.Wait()

	if got := fetcher.max.Load(); got != 1 {
		t.Errorf("Expected at most one fetch in flight, got %d", got)
	}
}
