// Package notify delivers one-shot alerts raised by the pollers, such as a
// circuit breaker disabling a feature.
package notify

import (
	"context"
	"errors"
	"os"
	"runtime"
	"time"

	"github.com/gen2brain/beeep"

	"the-relay/internal/core"
	"the-relay/internal/server/services/mailer"
)

// Sink receives alert messages
type Sink interface {
	Notify(ctx context.Context, message string) error
}

// Log writes alerts to the structured log
type Log struct {
	logger *core.Logger
}

func NewLog(logger *core.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, message string) error {
	l.logger.Warn("Alert", "message", message)
	return nil
}

// Desktop shows alerts as desktop notifications
type Desktop struct {
	title string
	send  func(title, message string) error
}

func NewDesktop(title string) *Desktop {
	return &Desktop{title: title, send: func(title, message string) error {
		return beeep.Notify(title, message, "")
	}}
}

// Notify is a no-op on headless Linux, where beeep has nothing to talk to
func (d *Desktop) Notify(ctx context.Context, message string) error {
	if message == "" {
		return nil
	}
	if runtime.GOOS == "linux" && os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == "" {
		return nil
	}
	return d.send(d.title, message)
}

// Mail sends alerts through SMTP2GO
type Mail struct {
	mailer    mailer.Mailer
	recipient string
	feature   string
	now       func() time.Time
}

func NewMail(m mailer.Mailer, recipient, feature string) *Mail {
	return &Mail{mailer: m, recipient: recipient, feature: feature, now: time.Now}
}

func (m *Mail) Notify(ctx context.Context, message string) error {
	return m.mailer.Send(ctx, m.recipient, "status_alert.tmpl", map[string]any{
		"Feature": m.feature,
		"Message": message,
		"SentAt":  m.now().UTC().Format(time.RFC1123),
	})
}

// Multi fans an alert out to every sink. A failing sink is logged and does
// not stop the others; Notify itself never fails.
type Multi struct {
	sinks  []Sink
	logger *core.Logger
}

func NewMulti(logger *core.Logger, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, logger: logger}
}

func (m *Multi) Notify(ctx context.Context, message string) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Notify(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		m.logger.Warn("Alert delivery failed", "error", err)
	}
	return nil
}

// FromConfig builds the sink set for one feature
func FromConfig(cfg core.NotifyConfig, feature string, logger *core.Logger) *Multi {
	sinks := []Sink{NewLog(logger)}
	if cfg.Desktop {
		sinks = append(sinks, NewDesktop("The Relay"))
	}
	if cfg.SMTP2GOAPIKey != "" && cfg.AlertRecipient != "" {
		m := mailer.New(cfg.SMTP2GOAPIKey, cfg.SMTP2GOSender, logger)
		sinks = append(sinks, NewMail(m, cfg.AlertRecipient, feature))
	}
	return NewMulti(logger, sinks...)
}
