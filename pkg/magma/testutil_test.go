package magma

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/magmastream/magmastream-go/pkg/protocol"
	"github.com/magmastream/magmastream-go/pkg/track"
)

// fakeNodeServer is an httptest-backed stand-in for a node's REST API.
// It records player updates and serves canned responses.
type fakeNodeServer struct {
	*httptest.Server

	mu          sync.Mutex
	updates     []protocol.UpdatePlayer
	updatePaths []string
	deletes     []string
	loadResult  *protocol.LoadResult
	players     []protocol.RestPlayer
}

func newFakeNodeServer(t *testing.T) *fakeNodeServer {
	t.Helper()
	f := &fakeNodeServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v4/loadtracks", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		res := f.loadResult
		f.mu.Unlock()
		if res == nil {
			res = &protocol.LoadResult{LoadType: protocol.LoadTypeEmpty, Data: []byte(`{}`)}
		}
		writeJSON(t, w, res)
	})
	mux.HandleFunc("/v4/info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, protocol.Info{SourceManagers: []string{"youtube", "soundcloud"}})
	})
	mux.HandleFunc("/v4/decodetracks", func(w http.ResponseWriter, r *http.Request) {
		var encoded []string
		_ = json.NewDecoder(r.Body).Decode(&encoded)
		out := make([]protocol.TrackData, len(encoded))
		for i, e := range encoded {
			out[i] = protocol.TrackData{Encoded: e, Info: protocol.TrackInfo{Identifier: e, Title: "decoded", SourceName: "youtube"}}
		}
		writeJSON(t, w, out)
	})
	mux.HandleFunc("/v4/sessions/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case r.Method == http.MethodPatch && strings.Contains(path, "/players/"):
			var upd protocol.UpdatePlayer
			if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
				t.Errorf("decode update body: %v", err)
			}
			f.mu.Lock()
			f.updates = append(f.updates, upd)
			f.updatePaths = append(f.updatePaths, path)
			f.mu.Unlock()
			writeJSON(t, w, protocol.RestPlayer{GuildID: guildFromPath(path)})
		case r.Method == http.MethodDelete && strings.Contains(path, "/players/"):
			f.mu.Lock()
			f.deletes = append(f.deletes, guildFromPath(path))
			f.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && strings.HasSuffix(path, "/players"):
			f.mu.Lock()
			players := f.players
			f.mu.Unlock()
			if players == nil {
				players = []protocol.RestPlayer{}
			}
			writeJSON(t, w, players)
		case r.Method == http.MethodPatch:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
			writeJSON(t, w, protocol.ErrorResponse{Status: 404, Message: "Not found"})
		}
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func guildFromPath(path string) string {
	parts := strings.Split(path, "/")
	return strings.SplitN(parts[len(parts)-1], "?", 2)[0]
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

// lastUpdate returns the most recent recorded player update.
func (f *fakeNodeServer) lastUpdate(t *testing.T) protocol.UpdatePlayer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		t.Fatal("no player updates recorded")
	}
	return f.updates[len(f.updates)-1]
}

func (f *fakeNodeServer) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

// newTestManager builds a manager wired to a fake node REST endpoint,
// marked initialized without touching the network. Autoplay is off so
// queue-end paths stay local.
func newTestManager(t *testing.T, serverURL string) (*Manager, *Node) {
	t.Helper()

	u, err := url.Parse(serverURL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	off := false
	opts := Options{
		Send: func(string, any) error { return nil },
		Nodes: []NodeOptions{{
			Identifier:     "test",
			Host:           host,
			Port:           port,
			Password:       "youshallnotpass",
			RequestTimeout: Duration(2 * time.Second),
			RetryAmount:    1,
			RetryDelay:     Duration(10 * time.Millisecond),
		}},
		AutoPlay:        &off,
		StateStorageDir: t.TempDir(),
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.mu.Lock()
	m.clientID = "bot123"
	m.initialized = true
	m.mu.Unlock()

	n, err := m.CreateNode(opts.Nodes[0])
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	n.mu.Lock()
	n.connected = true
	n.sessionID = "sess"
	n.mu.Unlock()
	return m, n
}

func testTrack(id, title, author, requester string) track.Track {
	return track.Track{
		Encoded:    "enc-" + id,
		Identifier: id,
		Title:      title,
		Author:     author,
		Duration:   3 * time.Minute,
		URI:        "https://youtube.com/watch?v=" + id,
		SourceName: track.SourceYouTube,
		Requester:  requester,
	}
}
