package lastfm

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"the-relay/internal/core"
	"the-relay/internal/poller"
)

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Enabled *bool  `json:"enabled,omitempty"`
}

func enabledWord(enabled bool) string {
	if enabled {
		return "Enabled"
	}
	return "Disabled"
}

// Preview returns the configuration preview
func (f *Feature) Preview(w http.ResponseWriter, r *http.Request) {
	core.WriteJSON(w, http.StatusOK, f.preview())
}

// Toggle switches the status updater on or off
func (f *Feature) Toggle(w http.ResponseWriter, r *http.Request) {
	enabled, err := f.scheduler.Toggle(r.Context())
	if err != nil {
		f.Logger().Error("Failed to toggle poller", "error", err)
		core.HandleError(w, err)
		return
	}

	core.WriteJSON(w, http.StatusOK, messageResponse{
		Success: true,
		Message: fmt.Sprintf("%s Last fm status updater.", enabledWord(enabled)),
		Enabled: &enabled,
	})
}

// ToggleRich switches Rich Presence on or off
func (f *Feature) ToggleRich(w http.ResponseWriter, r *http.Request) {
	f.toggleOption(w, r, KeyRich, "Rich Presence")
}

// ToggleMonitorMode switches monitor mode on or off
func (f *Feature) ToggleMonitorMode(w http.ResponseWriter, r *http.Request) {
	f.toggleOption(w, r, KeyMonitorMode, "Monitor Mode")
}

func (f *Feature) toggleOption(w http.ResponseWriter, r *http.Request, key, label string) {
	enabled := poller.ToggleBool(f.bucket, key)
	if err := f.bucket.Save(); err != nil {
		f.Logger().Error("Failed to save option", "key", key, "error", err)
		core.HandleError(w, err)
		return
	}

	f.scheduler.Reload(r.Context())

	core.WriteJSON(w, http.StatusOK, messageResponse{
		Success: true,
		Message: fmt.Sprintf("%s %s.", enabledWord(enabled), label),
		Enabled: &enabled,
	})
}

// SetOptions saves one or more options. Body: {"username": "...", ...}
func (f *Feature) SetOptions(w http.ResponseWriter, r *http.Request) {
	var values map[string]string
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		core.HandleError(w, core.NewValidationError("Invalid request body", err))
		return
	}
	if len(values) == 0 {
		core.HandleError(w, core.NewValidationError("No options given", nil))
		return
	}

	for key, value := range values {
		if !isOptionKey(key) {
			core.HandleError(w, core.NewValidationError(fmt.Sprintf("Unknown option %q", key), nil))
			return
		}
		if key == KeyType {
			activity, ok := ParseActivityType(value)
			if !ok {
				core.HandleError(w, core.NewValidationError(fmt.Sprintf("Unknown activity type %q", value), nil))
				return
			}
			values[key] = string(activity)
		}
	}

	for key, value := range values {
		f.bucket.Set(key, value)
	}
	if err := f.bucket.Save(); err != nil {
		f.Logger().Error("Failed to save options", "error", err)
		core.HandleError(w, err)
		return
	}

	f.scheduler.Reload(r.Context())

	core.WriteJSON(w, http.StatusOK, messageResponse{
		Success: true,
		Message: "Successfully saved the new value(s).",
	})
}

// ClearOption removes a single option and re-publishes with the rest
func (f *Feature) ClearOption(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !isOptionKey(key) {
		core.HandleError(w, core.NewValidationError(fmt.Sprintf("Unknown option %q", key), nil))
		return
	}

	if !f.bucket.Delete(key) {
		core.HandleError(w, core.NewNotFoundError(fmt.Sprintf("Option with ID `%s` was not set.", key), nil))
		return
	}
	if err := f.bucket.Save(); err != nil {
		f.Logger().Error("Failed to save options", "error", err)
		core.HandleError(w, err)
		return
	}

	f.scheduler.Reload(r.Context())

	core.WriteJSON(w, http.StatusOK, messageResponse{
		Success: true,
		Message: fmt.Sprintf("Cleared option with ID `%s`.", key),
	})
}

// Refresh polls Last.fm now. Joins a poll that is already in flight.
func (f *Feature) Refresh(w http.ResponseWriter, r *http.Request) {
	out, err := f.scheduler.Refresh(r.Context())
	switch {
	case errors.Is(err, poller.ErrDisabled), errors.Is(err, poller.ErrStopped):
		core.HandleError(w, core.NewConflictError("Last fm status updater is disabled", err))
		return
	case err != nil:
		core.HandleError(w, err)
		return
	}

	response := map[string]any{
		"track":   out.State,
		"changed": out.Changed,
	}
	if out.PublishErr != nil {
		response["publish_error"] = out.PublishErr.Error()
	}
	core.WriteJSON(w, http.StatusOK, response)
}
