// Package autoplay resolves "what should play next" when a player's queue
// runs dry. A Resolver walks an ordered list of platform strategies —
// intersected with the source managers the hosting node actually
// advertises — and returns the first non-empty recommendation set. When
// every platform comes up empty, an optional Last.fm lookup provides a
// last-resort seed that is re-searched on the default platform.
//
// Recommendation failures are never fatal: a strategy that errors is
// logged at debug level and treated as an empty result.
package autoplay

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/magmastream/magmastream-go/pkg/track"
)

// Searcher resolves queries into tracks. URLs are loaded directly; plain
// queries are prefixed with the platform's search prefix (or the default
// platform's, for Search).
type Searcher interface {
	Search(ctx context.Context, query, requester string) ([]track.Track, error)
	SearchPlatform(ctx context.Context, platform track.Source, query, requester string) ([]track.Track, error)
}

// NodeSource is the hosting node's load surface, used by strategies that
// delegate recommendation to node source-manager plugins.
type NodeSource interface {
	LoadTracks(ctx context.Context, identifier, requester string) ([]track.Track, error)
	SourceManagers() []string
}

// Strategy produces candidate follow-up tracks for one platform.
type Strategy func(ctx context.Context, seed track.Track, deps Deps) ([]track.Track, error)

// Deps carries the collaborators a strategy may use.
type Deps struct {
	Node      NodeSource
	Search    Searcher
	HTTP      *http.Client
	Requester string
	Logger    *slog.Logger
}

// DefaultPlatforms is the platform order used when none is configured.
var DefaultPlatforms = []track.Source{
	track.SourceYouTube,
	track.SourceSpotify,
	track.SourceSoundCloud,
	track.SourceDeezer,
	track.SourceTidal,
}

// Resolver drives the platform strategies for one manager.
type Resolver struct {
	platforms  []track.Source
	strategies map[track.Source]Strategy
	lastFmKey  string
	httpc      *http.Client
	logger     *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPlatforms sets the ordered platform list to try.
func WithPlatforms(platforms []track.Source) Option {
	return func(r *Resolver) {
		if len(platforms) > 0 {
			r.platforms = platforms
		}
	}
}

// WithLastFmAPIKey enables the Last.fm similar-track fallback.
func WithLastFmAPIKey(key string) Option {
	return func(r *Resolver) { r.lastFmKey = key }
}

// WithHTTPClient overrides the HTTP client used for provider calls.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.httpc = c }
}

// WithLogger sets the resolver's logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithStrategy overrides or adds the strategy for one platform.
func WithStrategy(platform track.Source, s Strategy) Option {
	return func(r *Resolver) { r.strategies[platform] = s }
}

// New creates a Resolver with the built-in platform strategies.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		platforms: DefaultPlatforms,
		strategies: map[track.Source]Strategy{
			track.SourceSpotify:    spotifyStrategy,
			track.SourceDeezer:     nodeRecStrategy("dzrec"),
			track.SourceTidal:      nodeRecStrategy("tdrec"),
			track.SourceVKMusic:    nodeRecStrategy("vkrec"),
			track.SourceQobuz:      nodeRecStrategy("qbrec"),
			track.SourceSoundCloud: soundCloudStrategy,
			track.SourceYouTube:    youTubeStrategy,
		},
		httpc:  &http.Client{Timeout: 10 * time.Second},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve walks the configured platforms and returns the first non-empty
// candidate set, excluding the seed itself and near-duplicates of it.
// An empty (nil) result with a nil error means "nothing found".
func (r *Resolver) Resolve(ctx context.Context, seed track.Track, node NodeSource, search Searcher, requester string) ([]track.Track, error) {
	deps := Deps{Node: node, Search: search, HTTP: r.httpc, Requester: requester, Logger: r.logger}

	available := node.SourceManagers()
	for _, platform := range r.platforms {
		if !platformAvailable(platform, available) {
			continue
		}
		strategy, ok := r.strategies[platform]
		if !ok {
			continue
		}
		candidates, err := strategy(ctx, seed, deps)
		if err != nil {
			r.logger.Debug("autoplay strategy failed", "platform", platform, "err", err)
			continue
		}
		candidates = dropSeedAlikes(seed, candidates)
		if len(candidates) > 0 {
			return candidates, nil
		}
	}

	if r.lastFmKey != "" {
		candidates, err := r.lastFmFallback(ctx, seed, deps)
		if err != nil {
			r.logger.Debug("autoplay last.fm fallback failed", "err", err)
			return nil, nil
		}
		return dropSeedAlikes(seed, candidates), nil
	}
	return nil, nil
}

// platformAvailable reports whether the node advertises a source manager
// for the platform. Spotify and YouTube tracks resolve through search, so
// any search-capable node qualifies for those.
func platformAvailable(platform track.Source, managers []string) bool {
	if len(managers) == 0 {
		return true
	}
	name := string(platform)
	if slices.ContainsFunc(managers, func(m string) bool {
		return strings.EqualFold(m, name)
	}) {
		return true
	}
	// The node reports YouTube under both "youtube" and "ytsearch"
	// depending on the plugin in use.
	if platform == track.SourceYouTube {
		return slices.ContainsFunc(managers, func(m string) bool {
			return strings.Contains(strings.ToLower(m), "youtube")
		})
	}
	return false
}

// dropSeedAlikes removes the seed itself and candidates that are in effect
// the same recording under a different URL.
func dropSeedAlikes(seed track.Track, candidates []track.Track) []track.Track {
	out := candidates[:0]
	for _, c := range candidates {
		if c.URI != "" && c.URI == seed.URI {
			continue
		}
		if sameRecording(seed, c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// sameRecording reports whether two tracks are near-certainly the same
// recording, using fuzzy title comparison plus an author check.
func sameRecording(a, b track.Track) bool {
	if a.ISRC != "" && a.ISRC == b.ISRC {
		return true
	}
	ta := strings.ToLower(strings.TrimSpace(a.Title))
	tb := strings.ToLower(strings.TrimSpace(b.Title))
	if ta == "" || tb == "" {
		return false
	}
	if matchr.JaroWinkler(ta, tb, true) < 0.95 {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(a.Author), strings.TrimSpace(b.Author))
}

// seedOnPlatform returns a seed track native to the target platform. If the
// input already is, it is returned as-is; otherwise "<author> - <title>" is
// searched on the platform and the top hit substituted.
func seedOnPlatform(ctx context.Context, platform track.Source, seed track.Track, deps Deps) (track.Track, bool) {
	if seed.SourceName == platform && seed.Identifier != "" {
		return seed, true
	}
	query := strings.TrimSpace(seed.Author + " - " + seed.Title)
	if query == "-" {
		return track.Track{}, false
	}
	results, err := deps.Search.SearchPlatform(ctx, platform, query, deps.Requester)
	if err != nil || len(results) == 0 {
		return track.Track{}, false
	}
	return results[0], true
}

// nodeRecStrategy builds a strategy that delegates to the node's
// recommendation source manager via a prefixed loadtracks identifier
// (dzrec, tdrec, vkrec, qbrec).
func nodeRecStrategy(prefix string) Strategy {
	platformOf := map[string]track.Source{
		"dzrec": track.SourceDeezer,
		"tdrec": track.SourceTidal,
		"vkrec": track.SourceVKMusic,
		"qbrec": track.SourceQobuz,
	}
	return func(ctx context.Context, seed track.Track, deps Deps) ([]track.Track, error) {
		platform := platformOf[prefix]
		native, ok := seedOnPlatform(ctx, platform, seed, deps)
		if !ok {
			return nil, nil
		}
		return deps.Node.LoadTracks(ctx, prefix+":"+native.Identifier, deps.Requester)
	}
}

func pickRandom[T any](items []T) T {
	return items[rand.IntN(len(items))]
}
