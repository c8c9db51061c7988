package lastfm

import (
	"regexp"

	"the-relay/internal/poller"
)

// Storage keys owned by the lastfm feature, next to the poller keys
const (
	KeyRich        = "rich"
	KeyMonitorMode = "monitorMode"
	KeyAPIKey      = "apiKey"
	KeyUsername    = "username"
	KeyClientID    = "clientID"
	KeyLargeImage  = "largeImageID"
	KeySmallImage  = "smallImageID"
	KeyType        = "type"
)

// OptionKeys are the free-form options that can be set and cleared
var OptionKeys = []string{KeyAPIKey, KeyUsername, KeyClientID, KeyLargeImage, KeySmallImage, KeyType}

func isOptionKey(key string) bool {
	for _, k := range OptionKeys {
		if k == key {
			return true
		}
	}
	return false
}

// ActivityType is how the presence describes what the user is doing
type ActivityType string

const (
	ActivityPlaying   ActivityType = "PLAYING"
	ActivityStreaming ActivityType = "STREAMING"
	ActivityListening ActivityType = "LISTENING"
	ActivityWatching  ActivityType = "WATCHING"
)

var activityPatterns = []struct {
	activity ActivityType
	pattern  *regexp.Regexp
}{
	{ActivityPlaying, regexp.MustCompile(`(?i)^p(lay(ing)?)?$`)},
	{ActivityStreaming, regexp.MustCompile(`(?i)^s(tream(ing)?)?$`)},
	{ActivityListening, regexp.MustCompile(`(?i)^l(isten(ing( to)?)?)?$`)},
	{ActivityWatching, regexp.MustCompile(`(?i)^w(atch(ing)?)?$`)},
}

// ParseActivityType accepts abbreviations such as "p", "listen" or
// "listening to"
func ParseActivityType(word string) (ActivityType, bool) {
	for _, candidate := range activityPatterns {
		if candidate.pattern.MatchString(word) {
			return candidate.activity, true
		}
	}
	return "", false
}

// Verb returns the phrase shown before the activity name
func (a ActivityType) Verb() string {
	switch a {
	case ActivityPlaying:
		return "Playing"
	case ActivityStreaming:
		return "Streaming"
	case ActivityWatching:
		return "Watching"
	default:
		return "Listening to"
	}
}

// Options is a snapshot of the user-facing settings
type Options struct {
	APIKey       string       `json:"-"`
	Username     string       `json:"username"`
	ClientID     string       `json:"client_id"`
	LargeImageID string       `json:"large_image_id"`
	SmallImageID string       `json:"small_image_id"`
	Type         ActivityType `json:"type"`
	Rich         bool         `json:"rich"`
	MonitorMode  bool         `json:"monitor_mode"`
}

// LoadOptions reads the options from the feature's store
func LoadOptions(store poller.StateStore) Options {
	get := func(key string) string {
		value, _ := store.Get(key)
		return value
	}

	opts := Options{
		APIKey:       get(KeyAPIKey),
		Username:     get(KeyUsername),
		ClientID:     get(KeyClientID),
		LargeImageID: get(KeyLargeImage),
		SmallImageID: get(KeySmallImage),
		Type:         ActivityListening,
		Rich:         poller.GetBool(store, KeyRich, false),
		MonitorMode:  poller.GetBool(store, KeyMonitorMode, false),
	}
	if activity, ok := ParseActivityType(get(KeyType)); ok {
		opts.Type = activity
	}
	return opts
}
