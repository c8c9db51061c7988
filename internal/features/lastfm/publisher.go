package lastfm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"the-relay/internal/core"
	"the-relay/internal/poller"
	"the-relay/internal/server/services/presence"
)

// Presence is the downstream the track is shown on
type Presence interface {
	Show(ctx context.Context, clientID string, activity presence.Activity) error
	Clear(ctx context.Context) error
}

// StatusLine is the last human-readable status the publisher produced
type StatusLine struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Publisher turns tracks into presence updates
type Publisher struct {
	presence        Presence
	store           poller.StateStore
	client          *Client
	defaultClientID string
	logger          *core.Logger
	now             func() time.Time

	mu     sync.Mutex
	status StatusLine
}

func NewPublisher(p Presence, store poller.StateStore, client *Client, defaultClientID string, logger *core.Logger, now func() time.Time) *Publisher {
	return &Publisher{
		presence:        p,
		store:           store,
		client:          client,
		defaultClientID: defaultClientID,
		logger:          logger,
		now:             now,
	}
}

// Publish shows track, or clears the presence when track is nil. In monitor
// mode the presence is left empty and only the status line is updated.
func (p *Publisher) Publish(ctx context.Context, track *Track) error {
	if track == nil {
		err := p.presence.Clear(ctx)
		p.setStatus("🎵 Cleared Last fm status message.")
		return err
	}

	opts := LoadOptions(p.store)
	if opts.MonitorMode {
		p.setStatus(fmt.Sprintf("🎵 Last fm [M]: %s – %s", track.Artist, track.Name))
		return p.presence.Clear(ctx)
	}

	clientID := opts.ClientID
	if clientID == "" {
		clientID = p.defaultClientID
	}

	err := p.presence.Show(ctx, clientID, p.activityFor(opts, track))
	p.setStatus(fmt.Sprintf("🎵 Last fm: %s – %s", track.Artist, track.Name))
	return err
}

func (p *Publisher) activityFor(opts Options, track *Track) presence.Activity {
	if opts.Rich && opts.ClientID != "" {
		start := track.ObservedAt
		return presence.Activity{
			Details:    fmt.Sprintf("%s by %s", track.Name, track.Artist),
			State:      fmt.Sprintf("%s scrobbles", humanize.Comma(p.client.TotalScrobbles())),
			LargeImage: opts.LargeImageID,
			LargeText:  opts.Username,
			SmallImage: opts.SmallImageID,
			SmallText:  "Powered by The Relay",
			Start:      &start,
		}
	}

	return presence.Activity{
		Details: fmt.Sprintf("%s – %s | ♪ Last.fm", track.Artist, track.Name),
		State:   fmt.Sprintf("%s Last.fm", opts.Type.Verb()),
	}
}

func (p *Publisher) setStatus(text string) {
	p.mu.Lock()
	p.status = StatusLine{Text: text, At: p.now()}
	p.mu.Unlock()

	p.logger.Info(text)
}

// Status returns the last status line
func (p *Publisher) Status() StatusLine {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
