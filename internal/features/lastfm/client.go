package lastfm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"the-relay/internal/clock"
	"the-relay/internal/core"
	"the-relay/internal/poller"
)

// Track is the song a user is scrobbling right now
type Track struct {
	Artist     string    `json:"artist"`
	Name       string    `json:"name"`
	ObservedAt time.Time `json:"observed_at"`
}

// SameTrack compares tracks by artist and name
func SameTrack(a, b Track) bool {
	return a.Artist == b.Artist && a.Name == b.Name
}

// Last.fm API error codes that retrying cannot fix
var (
	unauthorizedCodes = map[int]bool{
		4:  true, // authentication failed
		9:  true, // invalid session key
		10: true, // invalid API key
		14: true, // unauthorized token
		26: true, // suspended API key
	}
	notFoundCodes = map[int]bool{
		6: true, // invalid parameters, e.g. unknown user
	}
)

// Client fetches the now-playing track of the configured user
type Client struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
	store    poller.StateStore
	clock    clock.Clock
	total    atomic.Int64
}

// NewClient reads credentials from store on every fetch
func NewClient(cfg core.LastFMConfig, store poller.StateStore, clk clock.Clock) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1),
		store:    store,
		clock:    clk,
	}
}

// TotalScrobbles is the user's scrobble count as of the last fetch
func (c *Client) TotalScrobbles() int64 {
	return c.total.Load()
}

type recentTracksResponse struct {
	RecentTracks struct {
		Track trackList `json:"track"`
		Attr  struct {
			Total string `json:"total"`
		} `json:"@attr"`
	} `json:"recenttracks"`
	Error   int    `json:"error"`
	Message string `json:"message"`
}

type apiTrack struct {
	Name   string    `json:"name"`
	Artist apiArtist `json:"artist"`
	Attr   *struct {
		NowPlaying string `json:"nowplaying"`
	} `json:"@attr"`
}

// apiArtist is either a plain string or {"#text": "..."}
type apiArtist string

func (a *apiArtist) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*a = apiArtist(name)
		return nil
	}

	var obj struct {
		Text string `json:"#text"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if obj.Text != "" {
		*a = apiArtist(obj.Text)
	} else {
		*a = apiArtist(obj.Name)
	}
	return nil
}

// trackList is an array, or a single object when there is one track
type trackList []apiTrack

func (l *trackList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var single apiTrack
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*l = trackList{single}
		return nil
	}

	var many []apiTrack
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// Fetch returns the now-playing track, or nil when nothing is playing
func (c *Client) Fetch(ctx context.Context) (*Track, error) {
	opts := LoadOptions(c.store)
	if opts.Username == "" || opts.APIKey == "" {
		return nil, core.NewConfigurationError("Last.fm username and API key must be set", nil)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, core.NewFetchError("rate limiter wait cancelled", err)
	}

	query := url.Values{}
	query.Set("method", "user.getrecenttracks")
	query.Set("format", "json")
	query.Set("user", opts.Username)
	query.Set("api_key", opts.APIKey)
	query.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, core.NewFetchError("failed to build Last.fm request", err)
	}
	req.Header.Set("User-Agent", "The Relay/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, core.NewFetchError("Last.fm request failed", err)
	}
	defer resp.Body.Close()

	var body recentTracksResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&body)

	if body.Error != 0 {
		return nil, classifyAPIError(body.Error, body.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, core.NewFetchError(fmt.Sprintf("Last.fm returned status %d", resp.StatusCode), nil)
	}
	if decodeErr != nil {
		return nil, core.NewFetchError("failed to decode Last.fm response", decodeErr)
	}

	if total, err := strconv.ParseInt(body.RecentTracks.Attr.Total, 10, 64); err == nil && total > 0 {
		c.total.Store(total)
	}

	tracks := body.RecentTracks.Track
	if len(tracks) == 0 {
		return nil, nil
	}

	first := tracks[0]
	if first.Attr == nil || first.Attr.NowPlaying != "true" {
		return nil, nil
	}
	if first.Artist == "" || first.Name == "" {
		return nil, nil
	}

	return &Track{
		Artist:     string(first.Artist),
		Name:       first.Name,
		ObservedAt: c.clock.Now(),
	}, nil
}

func classifyAPIError(code int, message string) error {
	text := fmt.Sprintf("Last.fm error %d: %s", code, message)
	switch {
	case unauthorizedCodes[code]:
		return core.NewUnauthorizedError(text, nil)
	case notFoundCodes[code]:
		return core.NewNotFoundError(text, nil)
	default:
		return core.NewFetchError(text, nil)
	}
}
