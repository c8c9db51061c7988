package lastfm

import (
	"context"
	"fmt"

	"the-relay/internal/clock"
	"the-relay/internal/core"
	"the-relay/internal/poller"
	"the-relay/internal/server/services/notify"
)

// Name is the feature name and its storage namespace
const Name = "lastfm"

type Feature struct {
	*core.BaseFeature
	config   core.LastFMConfig
	notify   core.NotifyConfig
	presence Presence
	clock    clock.Clock

	bucket    *core.Bucket
	client    *Client
	publisher *Publisher
	scheduler *poller.Scheduler[Track]
}

func NewFeature(config *core.Config, logger *core.Logger, storage *core.Storage, presence Presence) *Feature {
	baseFeature := core.NewBaseFeature(
		Name,
		"Mirrors the Last.fm now-playing track to Discord presence",
		config.Features.LastFM.Enabled,
		logger,
		storage,
	)

	return &Feature{
		BaseFeature: baseFeature,
		config:      config.Features.LastFM,
		notify:      config.Notify,
		presence:    presence,
		clock:       clock.Real(),
	}
}

// Init wires the poller to the feature's bucket and starts it
func (f *Feature) Init(ctx context.Context) error {
	if err := f.BaseFeature.Init(ctx); err != nil {
		return err
	}

	bucket, err := f.Bucket(ctx)
	if err != nil {
		return fmt.Errorf("failed to open lastfm storage: %w", err)
	}
	f.bucket = bucket

	f.client = NewClient(f.config, bucket, f.clock)
	f.publisher = NewPublisher(f.presence, bucket, f.client, f.config.DiscordClientID, f.Logger(), f.clock.Now)
	f.scheduler = poller.NewScheduler[Track](
		Name,
		f.client,
		f.publisher,
		bucket,
		notify.FromConfig(f.notify, Name, f.Logger()),
		SameTrack,
		poller.WithClock(f.clock),
		poller.WithLogger(f.Logger()),
		poller.WithDefaults(poller.PollConfig{
			Enabled:                true,
			Interval:               f.config.Interval,
			MaxConsecutiveFailures: f.config.MaxConsecutiveFailures,
		}),
	)

	if err := f.scheduler.Start(ctx); err != nil {
		return err
	}

	f.Logger().Info("Last.fm feature initialized")
	return nil
}

// Routes returns the HTTP routes for the lastfm feature
func (f *Feature) Routes() []core.Route {
	return []core.Route{
		{Method: "GET", Path: "/lastfm", Handler: f.Preview},
		{Method: "POST", Path: "/lastfm/toggle", Handler: f.Toggle},
		{Method: "POST", Path: "/lastfm/rich", Handler: f.ToggleRich},
		{Method: "POST", Path: "/lastfm/monitor", Handler: f.ToggleMonitorMode},
		{Method: "PUT", Path: "/lastfm/options", Handler: f.SetOptions},
		{Method: "DELETE", Path: "/lastfm/options/{key}", Handler: f.ClearOption},
		{Method: "POST", Path: "/lastfm/refresh", Handler: f.Refresh},
	}
}

// Shutdown stops polling, clears the presence and flushes storage
func (f *Feature) Shutdown(ctx context.Context) error {
	if f.scheduler == nil {
		return f.BaseFeature.Shutdown(ctx)
	}

	if err := f.scheduler.Shutdown(ctx); err != nil {
		f.Logger().Error("Poller did not stop in time", "error", err)
	}
	if err := f.presence.Clear(ctx); err != nil {
		f.Logger().Error("Failed to clear presence", "error", err)
	}
	if err := f.bucket.Save(); err != nil {
		return err
	}
	return f.BaseFeature.Shutdown(ctx)
}

// Preview is the configuration summary of the feature
type Preview struct {
	Artist         string               `json:"artist,omitempty"`
	Track          string               `json:"track,omitempty"`
	TotalScrobbles int64                `json:"total_scrobbles"`
	Options        Options              `json:"options"`
	Status         StatusLine           `json:"status"`
	Poller         poller.Status[Track] `json:"poller"`
}

// Status implements core.StatusReporter
func (f *Feature) Status() any {
	if f.scheduler == nil {
		return nil
	}
	return f.preview()
}

func (f *Feature) preview() Preview {
	preview := Preview{
		TotalScrobbles: f.client.TotalScrobbles(),
		Options:        LoadOptions(f.bucket),
		Status:         f.publisher.Status(),
		Poller:         f.scheduler.Snapshot(),
	}
	if track := f.scheduler.Published(); track != nil {
		preview.Artist = track.Artist
		preview.Track = track.Name
	}
	return preview
}
