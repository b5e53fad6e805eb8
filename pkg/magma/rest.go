package magma

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/magmastream/magmastream-go/internal/observe"
	"github.com/magmastream/magmastream-go/pkg/protocol"
)

// RestError is a non-2xx response from a node's REST API.
type RestError struct {
	Status  int
	Message string
	Path    string
}

func (e *RestError) Error() string {
	return fmt.Sprintf("magma: rest %s: status %d: %s", e.Path, e.Status, e.Message)
}

// Rest talks to one node's HTTP API. Obtain it via [Node.Rest].
type Rest struct {
	node    *Node
	httpc   *http.Client
	baseURL string
	metrics *observe.Metrics
}

func newRest(n *Node) *Rest {
	scheme := "http"
	if n.opts.Secure {
		scheme = "https"
	}
	return &Rest{
		node:    n,
		httpc:   &http.Client{Timeout: time.Duration(n.opts.RequestTimeout)},
		baseURL: fmt.Sprintf("%s://%s:%d", scheme, n.opts.Host, n.opts.Port),
		metrics: observe.DefaultMetrics(),
	}
}

// do performs one REST round-trip. A nil out discards the body. Requests
// carry the node password; every call is bounded by the node's request
// timeout on top of ctx.
func (r *Rest) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("magma: rest: encode %s body: %w", path, err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("magma: rest: build request: %w", err)
	}
	req.Header.Set("Authorization", r.node.opts.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		r.metrics.RecordRESTRequest(ctx, routeLabel(path), "error", time.Since(start).Seconds())
		return fmt.Errorf("magma: rest: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	r.metrics.RecordRESTRequest(ctx, routeLabel(path), strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("magma: rest: read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		restErr := &RestError{Status: resp.StatusCode, Path: path}
		var er protocol.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Message != "" {
			restErr.Message = er.Message
		} else {
			restErr.Message = strings.TrimSpace(string(data))
		}
		if resp.StatusCode == http.StatusNotFound && !strings.Contains(restErr.Message, "Guild not found") {
			// The node no longer knows our session. Recycle it out of
			// band so in-flight callers are not deadlocked.
			go r.node.handleSessionLost(restErr)
		}
		return restErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("magma: rest: decode %s response: %w", path, err)
	}
	return nil
}

// routeLabel collapses a request path to a low-cardinality metric label.
func routeLabel(path string) string {
	path, _, _ = strings.Cut(path, "?")
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	// /v4/sessions/{id}/players/{guild} → sessions.players
	switch {
	case len(parts) >= 4 && parts[1] == "sessions" && parts[3] == "players":
		return "sessions.players"
	case len(parts) >= 3 && parts[1] == "sessions":
		return "sessions"
	case len(parts) >= 2:
		return parts[1]
	default:
		return path
	}
}

func (r *Rest) sessionPath() (string, error) {
	sid := r.node.SessionID()
	if sid == "" {
		return "", ErrNoSession
	}
	return "/v4/sessions/" + sid, nil
}

// GetAllPlayers lists the players the node holds for our session.
func (r *Rest) GetAllPlayers(ctx context.Context) ([]protocol.RestPlayer, error) {
	base, err := r.sessionPath()
	if err != nil {
		return nil, err
	}
	var players []protocol.RestPlayer
	if err := r.do(ctx, http.MethodGet, base+"/players", nil, &players); err != nil {
		return nil, err
	}
	return players, nil
}

// UpdatePlayer patches one guild's player on the node. noReplace keeps
// the current track when one is already playing.
func (r *Rest) UpdatePlayer(ctx context.Context, guildID string, body protocol.UpdatePlayer, noReplace bool) (*protocol.RestPlayer, error) {
	base, err := r.sessionPath()
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("%s/players/%s?noReplace=%t", base, guildID, noReplace)
	var player protocol.RestPlayer
	if err := r.do(ctx, http.MethodPatch, path, body, &player); err != nil {
		return nil, err
	}
	return &player, nil
}

// DestroyPlayer removes one guild's player from the node. A node that
// does not know the guild is treated as success.
func (r *Rest) DestroyPlayer(ctx context.Context, guildID string) error {
	base, err := r.sessionPath()
	if err != nil {
		return err
	}
	err = r.do(ctx, http.MethodDelete, base+"/players/"+guildID, nil, nil)
	var restErr *RestError
	if errors.As(err, &restErr) && strings.Contains(restErr.Message, "Guild not found") {
		return nil
	}
	return err
}

// UpdateSession configures session resuming on the node.
func (r *Rest) UpdateSession(ctx context.Context, resuming bool, timeout time.Duration) error {
	base, err := r.sessionPath()
	if err != nil {
		return err
	}
	body := protocol.SessionUpdate{
		Resuming: resuming,
		Timeout:  int(timeout.Seconds()),
	}
	return r.do(ctx, http.MethodPatch, base, body, nil)
}

// LoadTracks resolves an identifier (URL or prefixed search query).
func (r *Rest) LoadTracks(ctx context.Context, identifier string) (*protocol.LoadResult, error) {
	var res protocol.LoadResult
	path := "/v4/loadtracks?identifier=" + url.QueryEscape(identifier)
	if err := r.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DecodeTracks expands encoded track strings into full track data.
func (r *Rest) DecodeTracks(ctx context.Context, encoded []string) ([]protocol.TrackData, error) {
	var out []protocol.TrackData
	if err := r.do(ctx, http.MethodPost, "/v4/decodetracks", encoded, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Info fetches the node's version and capability report.
func (r *Rest) Info(ctx context.Context) (*protocol.Info, error) {
	var info protocol.Info
	if err := r.do(ctx, http.MethodGet, "/v4/info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Lyrics fetches lyrics for the playing track via the node's lyrics
// plugin.
func (r *Rest) Lyrics(ctx context.Context, guildID string, skipTrackSource bool) (*protocol.Lyrics, error) {
	base, err := r.sessionPath()
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("%s/players/%s/track/lyrics?skipTrackSource=%t", base, guildID, skipTrackSource)
	var ly protocol.Lyrics
	if err := r.do(ctx, http.MethodGet, path, nil, &ly); err != nil {
		return nil, err
	}
	return &ly, nil
}

// SponsorBlockCategories reads the guild's SponsorBlock category list.
func (r *Rest) SponsorBlockCategories(ctx context.Context, guildID string) ([]string, error) {
	base, err := r.sessionPath()
	if err != nil {
		return nil, err
	}
	var cats []string
	if err := r.do(ctx, http.MethodGet, base+"/players/"+guildID+"/sponsorblock/categories", nil, &cats); err != nil {
		return nil, err
	}
	return cats, nil
}

// SetSponsorBlockCategories replaces the guild's SponsorBlock category
// list.
func (r *Rest) SetSponsorBlockCategories(ctx context.Context, guildID string, categories []string) error {
	base, err := r.sessionPath()
	if err != nil {
		return err
	}
	return r.do(ctx, http.MethodPut, base+"/players/"+guildID+"/sponsorblock/categories", categories, nil)
}

// DeleteSponsorBlockCategories clears the guild's SponsorBlock
// configuration.
func (r *Rest) DeleteSponsorBlockCategories(ctx context.Context, guildID string) error {
	base, err := r.sessionPath()
	if err != nil {
		return err
	}
	return r.do(ctx, http.MethodDelete, base+"/players/"+guildID+"/sponsorblock/categories", nil, nil)
}
