package currency

import (
	"context"
	"fmt"

	"the-relay/internal/clock"
	"the-relay/internal/core"
	"the-relay/internal/poller"
	"the-relay/internal/server/services/notify"
)

// Name is the feature name and its storage namespace
const Name = "currency"

// KeyDefault stores the default "to" currency
const KeyDefault = "default"

type Feature struct {
	*core.BaseFeature
	config core.CurrencyConfig
	notify core.NotifyConfig
	clock  clock.Clock

	bucket    *core.Bucket
	board     *Board
	scheduler *poller.Scheduler[Rates]
}

func NewFeature(config *core.Config, logger *core.Logger, storage *core.Storage) *Feature {
	baseFeature := core.NewBaseFeature(
		Name,
		"Currency conversion with daily exchange rates",
		config.Features.Currency.Enabled,
		logger,
		storage,
	)

	return &Feature{
		BaseFeature: baseFeature,
		config:      config.Features.Currency,
		notify:      config.Notify,
		clock:       clock.Real(),
		board:       &Board{},
	}
}

// Init starts the daily rate refresh
func (f *Feature) Init(ctx context.Context) error {
	if err := f.BaseFeature.Init(ctx); err != nil {
		return err
	}

	bucket, err := f.Bucket(ctx)
	if err != nil {
		return fmt.Errorf("failed to open currency storage: %w", err)
	}
	f.bucket = bucket

	f.scheduler = poller.NewScheduler[Rates](
		Name,
		NewClient(f.config, f.clock),
		f.board,
		bucket,
		notify.FromConfig(f.notify, Name, f.Logger()),
		SameRates,
		poller.WithClock(f.clock),
		poller.WithLogger(f.Logger()),
		poller.WithDelay(NextRefreshDelay),
		poller.WithDefaults(poller.PollConfig{
			Enabled:                true,
			Interval:               f.config.Interval,
			MaxConsecutiveFailures: f.config.MaxConsecutiveFailures,
		}),
	)

	if err := f.scheduler.Start(ctx); err != nil {
		return err
	}

	f.Logger().Info("Currency feature initialized", "default", f.defaultCurrency())
	return nil
}

// Routes returns the HTTP routes for the currency feature
func (f *Feature) Routes() []core.Route {
	return []core.Route{
		{Method: "GET", Path: "/currency", Handler: f.Overview},
		{Method: "GET", Path: "/currency/convert", Handler: f.Convert},
		{Method: "POST", Path: "/currency/refresh", Handler: f.Refresh},
		{Method: "POST", Path: "/currency/toggle", Handler: f.Toggle},
		{Method: "PUT", Path: "/currency/default", Handler: f.SetDefault},
		{Method: "GET", Path: "/currency/source", Handler: f.Source},
	}
}

// Shutdown stops the refresh timer
func (f *Feature) Shutdown(ctx context.Context) error {
	if f.scheduler == nil {
		return f.BaseFeature.Shutdown(ctx)
	}

	if err := f.scheduler.Shutdown(ctx); err != nil {
		f.Logger().Error("Poller did not stop in time", "error", err)
	}
	if err := f.bucket.Save(); err != nil {
		return err
	}
	return f.BaseFeature.Shutdown(ctx)
}

func (f *Feature) defaultCurrency() string {
	value, _ := f.bucket.Get(KeyDefault)
	return value
}

// Overview is the runtime summary of the feature
type Overview struct {
	Default    string               `json:"default,omitempty"`
	Base       string               `json:"base,omitempty"`
	Date       string               `json:"date,omitempty"`
	Currencies int                  `json:"currencies"`
	Source     string               `json:"source"`
	Poller     poller.Status[Rates] `json:"poller"`
}

// Status implements core.StatusReporter
func (f *Feature) Status() any {
	if f.scheduler == nil {
		return nil
	}
	return f.overview()
}

func (f *Feature) overview() Overview {
	status := f.scheduler.Snapshot()
	// The full table is served by /currency/convert; keep the summary small.
	status.Published = nil

	overview := Overview{
		Default: f.defaultCurrency(),
		Source:  f.config.Source,
		Poller:  status,
	}
	if rates := f.board.Current(); rates != nil {
		overview.Base = rates.Base
		overview.Date = rates.Date
		overview.Currencies = len(rates.Rates) + 1
	}
	return overview
}
