// Package track defines the library's internal track model and the builder
// that canonicalises raw node track payloads into it.
package track

import (
	"fmt"
	"time"

	"github.com/magmastream/magmastream-go/pkg/protocol"
)

// Source identifies the provider a track was resolved from.
type Source string

const (
	SourceYouTube      Source = "youtube"
	SourceYouTubeMusic Source = "youtubemusic"
	SourceSoundCloud   Source = "soundcloud"
	SourceSpotify      Source = "spotify"
	SourceDeezer       Source = "deezer"
	SourceTidal        Source = "tidal"
	SourceVKMusic      Source = "vkmusic"
	SourceQobuz        Source = "qobuz"
	SourceBandcamp     Source = "bandcamp"
	SourceTwitch       Source = "twitch"
	SourceHTTP         Source = "http"
)

// sourceNames maps the node's raw sourceName strings onto canonical sources.
var sourceNames = map[string]Source{
	"youtube":       SourceYouTube,
	"youtubemusic":  SourceYouTubeMusic,
	"soundcloud":    SourceSoundCloud,
	"spotify":       SourceSpotify,
	"deezer":        SourceDeezer,
	"tidal":         SourceTidal,
	"vkmusic":       SourceVKMusic,
	"qobuz":         SourceQobuz,
	"bandcamp":      SourceBandcamp,
	"twitch":        SourceTwitch,
	"http":          SourceHTTP,
}

// NormalizeSource maps a raw node sourceName to a canonical Source.
// Unknown names pass through unchanged so plugin sources keep working.
func NormalizeSource(raw string) Source {
	if s, ok := sourceNames[raw]; ok {
		return s
	}
	return Source(raw)
}

// SearchPrefix returns the node search prefix for this source ("ytsearch"
// and friends). The second return is false for sources that cannot be
// searched directly.
func (s Source) SearchPrefix() (string, bool) {
	switch s {
	case SourceYouTube:
		return "ytsearch", true
	case SourceYouTubeMusic:
		return "ytmsearch", true
	case SourceSoundCloud:
		return "scsearch", true
	case SourceSpotify:
		return "spsearch", true
	case SourceDeezer:
		return "dzsearch", true
	case SourceTidal:
		return "tdsearch", true
	case SourceVKMusic:
		return "vksearch", true
	case SourceQobuz:
		return "qbsearch", true
	}
	return "", false
}

// ThumbnailSize is one of YouTube's fixed thumbnail size names.
type ThumbnailSize string

const (
	ThumbDefault    ThumbnailSize = "default"
	ThumbMedium     ThumbnailSize = "mqdefault"
	ThumbHigh       ThumbnailSize = "hqdefault"
	ThumbStandard   ThumbnailSize = "sddefault"
	ThumbMaxRes     ThumbnailSize = "maxresdefault"
)

// Track is the library's canonical representation of a playable track.
// Encoded is the node's opaque base64 identifier and is always present;
// every other field may be elided by a partial projection.
type Track struct {
	Encoded    string         `json:"encoded"`
	Identifier string         `json:"identifier,omitempty"`
	Title      string         `json:"title,omitempty"`
	Author     string         `json:"author,omitempty"`
	Duration   time.Duration  `json:"duration,omitempty"`
	IsSeekable bool           `json:"isSeekable,omitempty"`
	IsStream   bool           `json:"isStream,omitempty"`
	URI        string         `json:"uri,omitempty"`
	ArtworkURL string         `json:"artworkUrl,omitempty"`
	ISRC       string         `json:"isrc,omitempty"`
	SourceName Source         `json:"sourceName,omitempty"`
	Requester  string         `json:"requester,omitempty"`
	PluginInfo map[string]any `json:"pluginInfo,omitempty"`
	CustomData map[string]any `json:"customData,omitempty"`
}

// IsZero reports whether t carries no track at all.
func (t Track) IsZero() bool { return t.Encoded == "" }

// DisplayThumbnail returns the track's artwork URL. For YouTube tracks a
// thumbnail of the requested size is constructed from the video identifier;
// other sources fall back to the node-supplied artwork URL.
func (t Track) DisplayThumbnail(size ThumbnailSize) string {
	if t.SourceName == SourceYouTube && t.Identifier != "" {
		return fmt.Sprintf("https://img.youtube.com/vi/%s/%s.jpg", t.Identifier, size)
	}
	return t.ArtworkURL
}

// Raw converts t back into the node's wire representation, for REST bodies
// that carry full track objects.
func (t Track) Raw() protocol.TrackData {
	return protocol.TrackData{
		Encoded: t.Encoded,
		Info: protocol.TrackInfo{
			Identifier: t.Identifier,
			IsSeekable: t.IsSeekable,
			Author:     t.Author,
			Length:     t.Duration.Milliseconds(),
			IsStream:   t.IsStream,
			Title:      t.Title,
			URI:        t.URI,
			ArtworkURL: t.ArtworkURL,
			ISRC:       t.ISRC,
			SourceName: string(t.SourceName),
		},
		PluginInfo: t.PluginInfo,
	}
}
