package autoplay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/magmastream/magmastream-go/pkg/track"
)

// soundCloudStrategy fetches the seed track's public "/recommended" page,
// extracts the recommended track anchors, and searches one at random.
func soundCloudStrategy(ctx context.Context, seed track.Track, deps Deps) ([]track.Track, error) {
	native, ok := seedOnPlatform(ctx, track.SourceSoundCloud, seed, deps)
	if !ok || native.URI == "" {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(native.URI, "/")+"/recommended", nil)
	if err != nil {
		return nil, err
	}
	resp, err := deps.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("autoplay: soundcloud recommended page returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	paths := extractRecommendedPaths(string(body))
	if len(paths) == 0 {
		return nil, nil
	}
	pick := pickRandom(paths)
	return deps.Search.Search(ctx, "https://soundcloud.com"+pick, deps.Requester)
}

// extractRecommendedPaths scans the noscript section of a SoundCloud
// "/recommended" page for track anchor hrefs. Track paths have exactly the
// form /<user>/<permalink>; profile links, tag pages, and asset URLs are
// skipped.
func extractRecommendedPaths(html string) []string {
	// The server-rendered track list lives after the "Related tracks"
	// heading when present; fall back to the whole document otherwise.
	if idx := strings.Index(html, "Related tracks"); idx >= 0 {
		html = html[idx:]
	}

	var paths []string
	seen := map[string]bool{}
	rest := html
	for {
		i := strings.Index(rest, `href="`)
		if i < 0 {
			break
		}
		rest = rest[i+len(`href="`):]
		j := strings.IndexByte(rest, '"')
		if j < 0 {
			break
		}
		href := rest[:j]
		rest = rest[j:]

		if !strings.HasPrefix(href, "/") || strings.HasPrefix(href, "//") {
			continue
		}
		if strings.ContainsAny(href, "?#") {
			continue
		}
		parts := strings.Split(strings.Trim(href, "/"), "/")
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "tags", "search", "discover", "pages", "people", "popular", "charts":
			continue
		}
		if seen[href] {
			continue
		}
		seen[href] = true
		paths = append(paths, href)
	}
	return paths
}
