package poller

import (
	"strconv"
	"time"
)

// Keys every poller reads from its StateStore
const (
	KeyEnabled     = "enabled"
	KeyIntervalMs  = "intervalMs"
	KeyMaxFailures = "maxConsecutiveFailures"
)

// PollConfig is the scheduler's view of its StateStore. It is re-read on
// every start and toggle; the scheduler writes only enabled=false, when the
// breaker opens.
type PollConfig struct {
	Enabled                bool
	Interval               time.Duration
	MaxConsecutiveFailures int
}

// LoadPollConfig reads the poll settings, falling back to defaults for
// missing or malformed keys
func LoadPollConfig(store StateStore, defaults PollConfig) PollConfig {
	cfg := defaults
	cfg.Enabled = GetBool(store, KeyEnabled, defaults.Enabled)

	if ms, ok := GetInt(store, KeyIntervalMs); ok && ms > 0 {
		cfg.Interval = time.Duration(ms) * time.Millisecond
	}
	if n, ok := GetInt(store, KeyMaxFailures); ok && n >= 0 {
		cfg.MaxConsecutiveFailures = n
	}
	return cfg
}

// SeedPollConfig persists defaults.Enabled when the store has never seen
// the key, so a fresh install starts with the configured default
func SeedPollConfig(store StateStore, defaults PollConfig) error {
	if _, ok := store.Get(KeyEnabled); ok {
		return nil
	}
	store.Set(KeyEnabled, strconv.FormatBool(defaults.Enabled))
	return store.Save()
}

// GetBool parses a stored boolean
func GetBool(store StateStore, key string, fallback bool) bool {
	value, ok := store.Get(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}

// GetInt parses a stored integer
func GetInt(store StateStore, key string) (int, bool) {
	value, ok := store.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ToggleBool flips a stored boolean atomically and returns the new value
func ToggleBool(store StateStore, key string) bool {
	next := store.Update(key, func(current string, ok bool) string {
		b, _ := strconv.ParseBool(current)
		return strconv.FormatBool(!b)
	})
	b, _ := strconv.ParseBool(next)
	return b
}

// SetBool stores a boolean
func SetBool(store StateStore, key string, value bool) {
	store.Update(key, func(string, bool) string {
		return strconv.FormatBool(value)
	})
}
