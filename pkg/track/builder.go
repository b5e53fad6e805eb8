package track

import (
	"fmt"
	"time"

	"github.com/magmastream/magmastream-go/pkg/protocol"
)

// Partial names one projectable Track field. A builder configured with a
// partial set drops every field outside the set; Encoded is always kept.
type Partial string

const (
	PartialIdentifier Partial = "identifier"
	PartialTitle      Partial = "title"
	PartialAuthor     Partial = "author"
	PartialDuration   Partial = "duration"
	PartialSeekable   Partial = "isSeekable"
	PartialStream     Partial = "isStream"
	PartialURI        Partial = "uri"
	PartialArtwork    Partial = "artworkUrl"
	PartialISRC       Partial = "isrc"
	PartialSource     Partial = "sourceName"
	PartialRequester  Partial = "requester"
	PartialPluginInfo Partial = "pluginInfo"
	PartialCustomData Partial = "customData"
)

// validPartials is the set of recognised projection field names.
var validPartials = map[Partial]bool{
	PartialIdentifier: true, PartialTitle: true, PartialAuthor: true,
	PartialDuration: true, PartialSeekable: true, PartialStream: true,
	PartialURI: true, PartialArtwork: true, PartialISRC: true,
	PartialSource: true, PartialRequester: true, PartialPluginInfo: true,
	PartialCustomData: true,
}

// IsValid reports whether p names a projectable field.
func (p Partial) IsValid() bool { return validPartials[p] }

// Builder canonicalises raw node track payloads into Tracks.
// The zero value builds full tracks with no title cleaning.
type Builder struct {
	// Partials, when non-empty, is the projection: fields not listed are
	// zeroed on built tracks. Encoded is always retained.
	Partials []Partial

	// CleanYouTubeTitles enables title/author normalisation for
	// YouTube-sourced tracks.
	CleanYouTubeTitles bool

	// BlockedWords are stripped (case-insensitively, regex-escaped) from
	// YouTube titles when CleanYouTubeTitles is on.
	BlockedWords []string
}

// NewBuilder validates the partial set and returns a Builder.
func NewBuilder(partials []Partial, cleanTitles bool, blockedWords []string) (*Builder, error) {
	for _, p := range partials {
		if !p.IsValid() {
			return nil, fmt.Errorf("track: unknown partial field %q", p)
		}
	}
	return &Builder{
		Partials:           partials,
		CleanYouTubeTitles: cleanTitles,
		BlockedWords:       blockedWords,
	}, nil
}

// Build converts a raw node track payload into a Track attributed to
// requester. Source names are normalised, YouTube titles optionally
// cleaned, and the configured partial projection applied last.
func (b *Builder) Build(raw protocol.TrackData, requester string) Track {
	t := Track{
		Encoded:    raw.Encoded,
		Identifier: raw.Info.Identifier,
		Title:      raw.Info.Title,
		Author:     raw.Info.Author,
		Duration:   msToDuration(raw.Info.Length),
		IsSeekable: raw.Info.IsSeekable,
		IsStream:   raw.Info.IsStream,
		URI:        raw.Info.URI,
		ArtworkURL: raw.Info.ArtworkURL,
		ISRC:       raw.Info.ISRC,
		SourceName: NormalizeSource(raw.Info.SourceName),
		Requester:  requester,
		PluginInfo: raw.PluginInfo,
		CustomData: map[string]any{},
	}

	if t.ArtworkURL == "" && t.SourceName == SourceYouTube && t.Identifier != "" {
		t.ArtworkURL = t.DisplayThumbnail(ThumbDefault)
	}

	if b.CleanYouTubeTitles && (t.SourceName == SourceYouTube || t.SourceName == SourceYouTubeMusic) {
		t.Author, t.Title = CleanCredentials(t.Author, t.Title, b.BlockedWords)
	}

	if len(b.Partials) > 0 {
		t = b.project(t)
	}
	return t
}

// BuildAll maps Build over a slice of raw payloads.
func (b *Builder) BuildAll(raws []protocol.TrackData, requester string) []Track {
	out := make([]Track, 0, len(raws))
	for _, raw := range raws {
		out = append(out, b.Build(raw, requester))
	}
	return out
}

// project zeroes every field outside the configured partial set.
func (b *Builder) project(t Track) Track {
	keep := make(map[Partial]bool, len(b.Partials))
	for _, p := range b.Partials {
		keep[p] = true
	}
	out := Track{Encoded: t.Encoded}
	if keep[PartialIdentifier] {
		out.Identifier = t.Identifier
	}
	if keep[PartialTitle] {
		out.Title = t.Title
	}
	if keep[PartialAuthor] {
		out.Author = t.Author
	}
	if keep[PartialDuration] {
		out.Duration = t.Duration
	}
	if keep[PartialSeekable] {
		out.IsSeekable = t.IsSeekable
	}
	if keep[PartialStream] {
		out.IsStream = t.IsStream
	}
	if keep[PartialURI] {
		out.URI = t.URI
	}
	if keep[PartialArtwork] {
		out.ArtworkURL = t.ArtworkURL
	}
	if keep[PartialISRC] {
		out.ISRC = t.ISRC
	}
	if keep[PartialSource] {
		out.SourceName = t.SourceName
	}
	if keep[PartialRequester] {
		out.Requester = t.Requester
	}
	if keep[PartialPluginInfo] {
		out.PluginInfo = t.PluginInfo
	}
	if keep[PartialCustomData] {
		out.CustomData = t.CustomData
	}
	return out
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
