package lastfm

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"the-relay/internal/clock"
	"the-relay/internal/core"
)

func newTestPublisher(t *testing.T, values map[string]string) (*Publisher, *fakePresence) {
	t.Helper()

	server := newLastfmServer(t, http.StatusOK, nowPlayingBody)
	bucket := newTestBucket(t, values)
	bucket.Set(KeyUsername, "rj")
	bucket.Set(KeyAPIKey, "secret")

	fake := clock.Fake(observedAt)
	client := NewClient(testConfig(server.URL), bucket, fake)
	if _, err := client.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	p := &fakePresence{}
	return NewPublisher(p, bucket, client, "default-app", core.NewDiscardLogger(), fake.Now), p
}

var roygbiv = &Track{Artist: "Boards of Canada", Name: "Roygbiv", ObservedAt: observedAt}

func TestPublishPlain(t *testing.T) {
	publisher, p := newTestPublisher(t, map[string]string{KeyType: "PLAYING"})

	if err := publisher.Publish(context.Background(), roygbiv); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	activity := p.last()
	if activity.Details != "Boards of Canada – Roygbiv | ♪ Last.fm" {
		t.Errorf("Unexpected details %q", activity.Details)
	}
	if activity.State != "Playing Last.fm" {
		t.Errorf("Unexpected state %q", activity.State)
	}
	if p.clients[0] != "default-app" {
		t.Errorf("Expected default application ID, got %q", p.clients[0])
	}
	if publisher.Status().Text != "🎵 Last fm: Boards of Canada – Roygbiv" {
		t.Errorf("Unexpected status %q", publisher.Status().Text)
	}
}

func TestPublishRich(t *testing.T) {
	publisher, p := newTestPublisher(t, map[string]string{
		KeyRich:       "true",
		KeyClientID:   "4242",
		KeyLargeImage: "lastfm_logo",
		KeySmallImage: "note",
	})

	if err := publisher.Publish(context.Background(), roygbiv); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	activity := p.last()
	if activity.Details != "Roygbiv by Boards of Canada" {
		t.Errorf("Unexpected details %q", activity.Details)
	}
	if activity.State != "123,456 scrobbles" {
		t.Errorf("Unexpected state %q", activity.State)
	}
	if activity.LargeImage != "lastfm_logo" || activity.SmallImage != "note" || activity.LargeText != "rj" {
		t.Errorf("Unexpected assets %+v", activity)
	}
	if activity.Start == nil || !activity.Start.Equal(observedAt) {
		t.Errorf("Expected start timestamp %v, got %v", observedAt, activity.Start)
	}
	if p.clients[0] != "4242" {
		t.Errorf("Expected stored application ID, got %q", p.clients[0])
	}
}

func TestPublishRichWithoutClientFallsBackToPlain(t *testing.T) {
	publisher, p := newTestPublisher(t, map[string]string{KeyRich: "true"})

	publisher.Publish(context.Background(), roygbiv)
	if !strings.HasSuffix(p.last().Details, "| ♪ Last.fm") {
		t.Errorf("Expected plain presence, got %q", p.last().Details)
	}
}

func TestPublishMonitorMode(t *testing.T) {
	publisher, p := newTestPublisher(t, map[string]string{KeyMonitorMode: "true"})

	if err := publisher.Publish(context.Background(), roygbiv); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	shown, clears := p.counts()
	if shown != 0 || clears != 1 {
		t.Errorf("Expected presence to stay empty in monitor mode, got %d shown, %d clears", shown, clears)
	}
	if publisher.Status().Text != "🎵 Last fm [M]: Boards of Canada – Roygbiv" {
		t.Errorf("Unexpected status %q", publisher.Status().Text)
	}
}

func TestPublishNilClears(t *testing.T) {
	publisher, p := newTestPublisher(t, nil)

	if err := publisher.Publish(context.Background(), nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if _, clears := p.counts(); clears != 1 {
		t.Errorf("Expected one clear, got %d", clears)
	}
	if publisher.Status().Text != "🎵 Cleared Last fm status message." {
		t.Errorf("Unexpected status %q", publisher.Status().Text)
	}
}
