package lastfm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"the-relay/internal/core"
	"the-relay/internal/server/services/presence"
)

func newTestStorage(t *testing.T) *core.Storage {
	t.Helper()

	logger := core.NewDiscardLogger()
	db, err := core.OpenDatabase(":memory:", logger)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	storage := core.NewStorage(db, logger)
	if err := storage.Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return storage
}

func newTestBucket(t *testing.T, values map[string]string) *core.Bucket {
	t.Helper()

	bucket, err := newTestStorage(t).Bucket(context.Background(), Name)
	if err != nil {
		t.Fatalf("Failed to open bucket: %v", err)
	}
	for key, value := range values {
		bucket.Set(key, value)
	}
	return bucket
}

// lastfmServer serves a fixed body for user.getrecenttracks
type lastfmServer struct {
	*httptest.Server
	mu     sync.Mutex
	status int
	body   string
	hits   int
	query  map[string]string
}

func newLastfmServer(t *testing.T, status int, body string) *lastfmServer {
	t.Helper()

	s := &lastfmServer{status: status, body: body}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.hits++
		s.query = map[string]string{}
		for key := range r.URL.Query() {
			s.query[key] = r.URL.Query().Get(key)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(s.status)
		w.Write([]byte(s.body))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *lastfmServer) respond(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.body = body
}

func (s *lastfmServer) hitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

func testConfig(endpoint string) core.LastFMConfig {
	cfg := core.DefaultConfig().Features.LastFM
	cfg.Endpoint = endpoint
	cfg.RequestsPerSec = 1000
	return cfg
}

const nowPlayingBody = `{
  "recenttracks": {
    "track": [
      {"artist": {"#text": "Boards of Canada", "mbid": ""}, "name": "Roygbiv", "@attr": {"nowplaying": "true"}},
      {"artist": {"#text": "Aphex Twin", "mbid": ""}, "name": "Xtal"}
    ],
    "@attr": {"user": "rj", "total": "123456"}
  }
}`

const notPlayingBody = `{
  "recenttracks": {
    "track": [
      {"artist": {"#text": "Aphex Twin"}, "name": "Xtal"}
    ],
    "@attr": {"user": "rj", "total": "123457"}
  }
}`

// fakePresence records what would be shown on Discord
type fakePresence struct {
	mu      sync.Mutex
	shown   []presence.Activity
	clients []string
	clears  int
	err     error
}

func (p *fakePresence) Show(ctx context.Context, clientID string, activity presence.Activity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shown = append(p.shown, activity)
	p.clients = append(p.clients, clientID)
	return p.err
}

func (p *fakePresence) Clear(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clears++
	return nil
}

func (p *fakePresence) counts() (shown, clears int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.shown), p.clears
}

func (p *fakePresence) last() presence.Activity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shown[len(p.shown)-1]
}
