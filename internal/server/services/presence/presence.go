// Package presence publishes rich presence to a local Discord client over
// its IPC socket.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/hugolgst/rich-go/client"

	"the-relay/internal/core"
)

// Activity is what the presence shows
type Activity struct {
	Details    string     `json:"details"`
	State      string     `json:"state,omitempty"`
	LargeImage string     `json:"large_image,omitempty"`
	LargeText  string     `json:"large_text,omitempty"`
	SmallImage string     `json:"small_image,omitempty"`
	SmallText  string     `json:"small_text,omitempty"`
	Start      *time.Time `json:"start,omitempty"`
}

// RPC is the Discord IPC surface used by Discord
type RPC interface {
	Login(clientID string) error
	SetActivity(activity client.Activity) error
	Logout()
}

type ipc struct{}

func (ipc) Login(clientID string) error               { return client.Login(clientID) }
func (ipc) SetActivity(activity client.Activity) error { return client.SetActivity(activity) }
func (ipc) Logout()                                   { client.Logout() }

// Discord owns the single IPC session of the process
type Discord struct {
	mu       sync.Mutex
	rpc      RPC
	logger   *core.Logger
	clientID string
	loggedIn bool
	current  *Activity
}

// NewDiscord returns a presence backed by the local Discord client
func NewDiscord(logger *core.Logger) *Discord {
	return NewDiscordWithRPC(ipc{}, logger)
}

// NewDiscordWithRPC is NewDiscord with a custom transport
func NewDiscordWithRPC(rpc RPC, logger *core.Logger) *Discord {
	return &Discord{rpc: rpc, logger: logger}
}

// Show replaces the current activity. It logs in with clientID first, and
// logs in again if the application changed since the last call.
func (d *Discord) Show(ctx context.Context, clientID string, activity Activity) error {
	if clientID == "" {
		return core.NewConfigurationError("no Discord application ID configured", nil)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loggedIn && d.clientID != clientID {
		d.rpc.Logout()
		d.loggedIn = false
	}
	if !d.loggedIn {
		if err := d.rpc.Login(clientID); err != nil {
			return core.NewPublishError("failed to connect to Discord", err)
		}
		d.loggedIn = true
		d.clientID = clientID
		d.logger.Info("Connected to Discord", "client_id", clientID)
	}

	rich := client.Activity{
		Details:    activity.Details,
		State:      activity.State,
		LargeImage: activity.LargeImage,
		LargeText:  activity.LargeText,
		SmallImage: activity.SmallImage,
		SmallText:  activity.SmallText,
	}
	if activity.Start != nil {
		rich.Timestamps = &client.Timestamps{Start: activity.Start}
	}

	if err := d.rpc.SetActivity(rich); err != nil {
		// The socket is likely gone; force a fresh login next time.
		d.rpc.Logout()
		d.loggedIn = false
		return core.NewPublishError("failed to set Discord activity", err)
	}

	d.current = &activity
	return nil
}

// Clear removes the activity by closing the session
func (d *Discord) Clear(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loggedIn {
		d.rpc.Logout()
		d.loggedIn = false
		d.logger.Info("Disconnected from Discord")
	}
	d.current = nil
	return nil
}

// Current returns the activity on display, nil if none
func (d *Discord) Current() *Activity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}
