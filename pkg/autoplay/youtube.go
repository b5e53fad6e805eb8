package autoplay

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"

	"github.com/magmastream/magmastream-go/pkg/track"
)

// youTubeStrategy builds a YouTube mix playlist URL from the seed video and
// searches it, which yields the mix's tracks as candidates. The index is
// randomised across the first stretch of the mix so repeated autoplays of
// the same seed do not converge on one follow-up.
func youTubeStrategy(ctx context.Context, seed track.Track, deps Deps) ([]track.Track, error) {
	id := youTubeVideoID(seed)
	if id == "" {
		native, ok := seedOnPlatform(ctx, track.SourceYouTube, seed, deps)
		if !ok {
			return nil, nil
		}
		id = youTubeVideoID(native)
		if id == "" {
			id = native.Identifier
		}
	}
	if id == "" {
		return nil, nil
	}

	index := 2 + rand.IntN(23) // 2..24
	mixURL := fmt.Sprintf("https://www.youtube.com/watch?v=%s&list=RD%s&index=%d", id, id, index)
	return deps.Search.Search(ctx, mixURL, deps.Requester)
}

// youTubeVideoID extracts the video id from a YouTube track. The identifier
// is preferred; URI query parsing covers tracks built from partial payloads.
func youTubeVideoID(t track.Track) string {
	if t.SourceName == track.SourceYouTube || t.SourceName == track.SourceYouTubeMusic {
		if t.Identifier != "" {
			return t.Identifier
		}
	}
	if t.URI == "" {
		return ""
	}
	u, err := url.Parse(t.URI)
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(u.Host, "www.")
	switch host {
	case "youtube.com", "m.youtube.com", "music.youtube.com":
		return u.Query().Get("v")
	case "youtu.be":
		return strings.Trim(u.Path, "/")
	}
	return ""
}
