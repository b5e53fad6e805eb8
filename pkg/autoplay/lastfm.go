package autoplay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/magmastream/magmastream-go/pkg/track"
)

const lastFmAPIURL = "https://ws.audioscrobbler.com/2.0/"

// lastFmFallback asks Last.fm for a track similar to the seed by (artist,
// title) and re-searches the pick on the default platform. Used only when
// every platform strategy returned empty and an API key is configured.
func (r *Resolver) lastFmFallback(ctx context.Context, seed track.Track, deps Deps) ([]track.Track, error) {
	if seed.Author == "" || seed.Title == "" {
		return nil, nil
	}

	q := url.Values{}
	q.Set("method", "track.getSimilar")
	q.Set("artist", seed.Author)
	q.Set("track", seed.Title)
	q.Set("limit", "10")
	q.Set("autocorrect", "1")
	q.Set("api_key", r.lastFmKey)
	q.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lastFmAPIURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := deps.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("autoplay: last.fm returned %s", resp.Status)
	}

	var body struct {
		SimilarTracks struct {
			Track []struct {
				Name   string `json:"name"`
				Artist struct {
					Name string `json:"name"`
				} `json:"artist"`
			} `json:"track"`
		} `json:"similartracks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.SimilarTracks.Track) == 0 {
		return nil, nil
	}

	pick := pickRandom(body.SimilarTracks.Track)
	query := pick.Artist.Name + " - " + pick.Name
	return deps.Search.Search(ctx, query, deps.Requester)
}
