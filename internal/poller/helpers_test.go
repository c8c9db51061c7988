package poller

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"the-relay/internal/clock"
	"the-relay/internal/core"
)

type track struct {
	Artist string
	Name   string
	SeenAt time.Time
}

func sameTrack(a, b track) bool {
	return a.Artist == b.Artist && a.Name == b.Name
}

// memoryStore is an in-memory StateStore
type memoryStore struct {
	mu     sync.Mutex
	values map[string]string
	saves  int
}

func newMemoryStore(values map[string]string) *memoryStore {
	if values == nil {
		values = make(map[string]string)
	}
	return &memoryStore{values: values}
}

func (m *memoryStore) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *memoryStore) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

func (m *memoryStore) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.values[key]
	delete(m.values, key)
	return ok
}

func (m *memoryStore) Update(key string, fn func(string, bool) string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.values[key]
	next := fn(current, ok)
	m.values[key] = next
	return next
}

func (m *memoryStore) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	return nil
}

type response struct {
	state *track
	err   error
	panic bool
}

// scriptedFetcher replays responses in order and then repeats the last one
type scriptedFetcher struct {
	mu        sync.Mutex
	responses []response
	calls     atomic.Int32
	gate      chan struct{}
	entered   chan struct{}
}

func (f *scriptedFetcher) Fetch(ctx context.Context) (*track, error) {
	n := int(f.calls.Add(1))
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return nil, nil
	}
	idx := n - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	r := f.responses[idx]
	if r.panic {
		panic("boom")
	}
	return r.state, r.err
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []*track
	err       error
}

func (p *recordingPublisher) Publish(ctx context.Context, state *track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, state)
	return p.err
}

func (p *recordingPublisher) snapshot() []*track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*track(nil), p.published...)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(ctx context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

func (n *recordingNotifier) snapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

var epochStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const testInterval = 5 * time.Second

type harness struct {
	clock     *clock.FakeClock
	store     *memoryStore
	fetcher   *scriptedFetcher
	publisher *recordingPublisher
	notifier  *recordingNotifier
	scheduler *Scheduler[track]
}

func newHarness(t *testing.T, responses []response, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		clock: clock.Fake(epochStart),
		store: newMemoryStore(map[string]string{
			KeyEnabled:     "true",
			KeyIntervalMs:  strconv.Itoa(int(testInterval / time.Millisecond)),
			KeyMaxFailures: "3",
		}),
		fetcher:   &scriptedFetcher{responses: responses},
		publisher: &recordingPublisher{},
		notifier:  &recordingNotifier{},
	}

	base := []Option{WithClock(h.clock), WithLogger(core.NewDiscardLogger())}
	h.scheduler = NewScheduler[track]("lastfm", h.fetcher, h.publisher, h.store, h.notifier, sameTrack, append(base, opts...)...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.scheduler.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	return h
}

// start launches the scheduler and waits for the first cycle to re-arm
func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.scheduler.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.clock.WaitForTimers(1)
}

func (h *harness) tick() {
	h.clock.Advance(testInterval)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func playing(artist, name string) response {
	return response{state: &track{Artist: artist, Name: name}}
}

var errUpstream = errors.New("upstream unavailable")

func fail() response {
	return response{err: core.NewFetchError("request failed", errUpstream)}
}
