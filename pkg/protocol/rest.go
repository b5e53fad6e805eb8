package protocol

import "encoding/json"

// LoadType is the discriminator of a /v4/loadtracks response.
type LoadType string

const (
	LoadTypeTrack    LoadType = "track"
	LoadTypePlaylist LoadType = "playlist"
	LoadTypeSearch   LoadType = "search"
	LoadTypeEmpty    LoadType = "empty"
	LoadTypeError    LoadType = "error"
)

// LoadResult is the raw response of /v4/loadtracks. Data must be decoded
// according to LoadType; the Track/Tracks/Playlist/Exception helpers do so.
type LoadResult struct {
	LoadType LoadType        `json:"loadType"`
	Data     json.RawMessage `json:"data"`
}

// Track decodes Data as a single track ("track" load type).
func (r LoadResult) Track() (TrackData, error) {
	var t TrackData
	err := json.Unmarshal(r.Data, &t)
	return t, err
}

// Tracks decodes Data as a track list ("search" load type).
func (r LoadResult) Tracks() ([]TrackData, error) {
	var ts []TrackData
	err := json.Unmarshal(r.Data, &ts)
	return ts, err
}

// Playlist decodes Data as a playlist ("playlist" load type).
func (r LoadResult) Playlist() (PlaylistData, error) {
	var p PlaylistData
	err := json.Unmarshal(r.Data, &p)
	return p, err
}

// Exception decodes Data as a load failure ("error" load type).
func (r LoadResult) Exception() (Exception, error) {
	var e Exception
	err := json.Unmarshal(r.Data, &e)
	return e, err
}

// PlaylistData is the "playlist" variant of a load result.
type PlaylistData struct {
	Info       PlaylistInfo   `json:"info"`
	PluginInfo map[string]any `json:"pluginInfo,omitempty"`
	Tracks     []TrackData    `json:"tracks"`
}

// PlaylistInfo carries playlist-level metadata.
type PlaylistInfo struct {
	Name          string `json:"name"`
	SelectedTrack int    `json:"selectedTrack"`
}

// VoiceState is the voice-server credential triple pushed to the node so it
// can join the guild's voice gateway on the library's behalf.
type VoiceState struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
}

// UpdatePlayerTrack selects the track part of an UpdatePlayer request.
// A nil Encoded pointer leaves the current track untouched; a pointer to the
// empty string stops it.
type UpdatePlayerTrack struct {
	Encoded  *string        `json:"encoded,omitempty"`
	UserData map[string]any `json:"userData,omitempty"`
}

// UpdatePlayer is the PATCH body of /v4/sessions/{id}/players/{guildId}.
// Only non-nil fields are applied by the node.
type UpdatePlayer struct {
	Track    *UpdatePlayerTrack `json:"track,omitempty"`
	Position *int64             `json:"position,omitempty"`
	EndTime  *int64             `json:"endTime,omitempty"`
	Volume   *int               `json:"volume,omitempty"`
	Paused   *bool              `json:"paused,omitempty"`
	Filters  *Filters           `json:"filters,omitempty"`
	Voice    *VoiceState        `json:"voice,omitempty"`
}

// RestPlayer is the node's view of one player, as returned by the sessions
// players endpoints.
type RestPlayer struct {
	GuildID string          `json:"guildId"`
	Track   *TrackData      `json:"track,omitempty"`
	Volume  int             `json:"volume"`
	Paused  bool            `json:"paused"`
	State   RestPlayerState `json:"state"`
	Voice   VoiceState      `json:"voice"`
	Filters Filters         `json:"filters"`
}

// RestPlayerState is the live state block of a RestPlayer.
type RestPlayerState struct {
	Time      int64 `json:"time"`
	Position  int64 `json:"position"`
	Connected bool  `json:"connected"`
	Ping      int   `json:"ping"`
}

// SessionUpdate is the PATCH body of /v4/sessions/{id}.
type SessionUpdate struct {
	Resuming bool `json:"resuming"`
	Timeout  int  `json:"timeout"`
}

// Info is the response of /v4/info.
type Info struct {
	Version        Version      `json:"version"`
	BuildTime      int64        `json:"buildTime"`
	JVM            string       `json:"jvm"`
	Lavaplayer     string       `json:"lavaplayer"`
	SourceManagers []string     `json:"sourceManagers"`
	Filters        []string     `json:"filters"`
	Plugins        []PluginMeta `json:"plugins"`
}

// Version is the node's semantic version block.
type Version struct {
	Semver string `json:"semver"`
	Major  int    `json:"major"`
	Minor  int    `json:"minor"`
	Patch  int    `json:"patch"`
}

// PluginMeta names one plugin loaded on the node.
type PluginMeta struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ErrorResponse is the node's standard REST error body.
type ErrorResponse struct {
	Timestamp int64  `json:"timestamp"`
	Status    int    `json:"status"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Path      string `json:"path"`
}

// Lyrics is the response of the lyrics plugin endpoint.
type Lyrics struct {
	SourceName string      `json:"sourceName"`
	Provider   string      `json:"provider"`
	Text       string      `json:"text"`
	Lines      []LyricLine `json:"lines"`
}

// LyricLine is one timestamped line of lyrics.
type LyricLine struct {
	Timestamp int64  `json:"timestamp"`
	Duration  int64  `json:"duration"`
	Line      string `json:"line"`
}
