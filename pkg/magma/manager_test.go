package magma

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/magmastream/magmastream-go/pkg/protocol"
	"github.com/magmastream/magmastream-go/pkg/track"
)

func TestCreate_ReturnsExistingPlayer(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, _ := newTestManager(t, srv.URL)

	p1, err := m.Create(PlayerOptions{GuildID: "g1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	p2, err := m.Create(PlayerOptions{GuildID: "g1", VoiceChannelID: "other"})
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if p1 != p2 {
		t.Error("Create must return the existing player for the guild")
	}
}

func TestCreate_RequiresInit(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, _ := newTestManager(t, srv.URL)
	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()

	if _, err := m.Create(PlayerOptions{GuildID: "g1"}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("err = %v, want ErrNotInitialized", err)
	}
}

func TestDetach_LeavesNodeUntouched(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, _ := newTestManager(t, srv.URL)

	if _, err := m.Create(PlayerOptions{GuildID: "g1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Detach("g1"); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if _, err := m.Get("g1"); !errors.Is(err, ErrPlayerNotFound) {
		t.Error("detached player must leave the registry")
	}
	srv.mu.Lock()
	deletes := len(srv.deletes)
	srv.mu.Unlock()
	if deletes != 0 {
		t.Error("Detach must not destroy the node-side player")
	}
	if err := m.Detach("g1"); !errors.Is(err, ErrPlayerNotFound) {
		t.Errorf("second Detach err = %v, want ErrPlayerNotFound", err)
	}
}

func withStats(n *Node, players, cores int, load float64) *Node {
	n.mu.Lock()
	n.stats = protocol.Stats{
		Players: players,
		CPU:     protocol.CPUStats{Cores: cores, LavalinkLoad: load},
	}
	n.mu.Unlock()
	return n
}

func TestUseableNode_LeastLoad(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, n1 := newTestManager(t, srv.URL)
	m.opts.UseNode = NodeStrategyLeastLoad

	n2, err := m.CreateNode(NodeOptions{Identifier: "second", Host: "localhost", Port: 2334, Password: "pw"})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	n2.mu.Lock()
	n2.connected = true
	n2.mu.Unlock()

	// n2 carries more players but much less CPU load; least-load must
	// pick it anyway.
	withStats(n1, 2, 4, 3.2)
	withStats(n2, 10, 4, 0.4)

	got, err := m.UseableNode()
	if err != nil {
		t.Fatalf("UseableNode: %v", err)
	}
	if got != n2 {
		t.Errorf("UseableNode = %s, want the lightly loaded node", got.Identifier())
	}
}

func TestUseableNode_LeastPlayers(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, n1 := newTestManager(t, srv.URL)
	if m.opts.UseNode != NodeStrategyLeastPlayers {
		t.Fatalf("default strategy = %q, want leastPlayers", m.opts.UseNode)
	}

	n2, err := m.CreateNode(NodeOptions{Identifier: "second", Host: "localhost", Port: 2334, Password: "pw"})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	n2.mu.Lock()
	n2.connected = true
	n2.mu.Unlock()

	withStats(n1, 1, 4, 9.0)
	withStats(n2, 7, 4, 0.1)

	got, err := m.UseableNode()
	if err != nil {
		t.Fatalf("UseableNode: %v", err)
	}
	if got != n1 {
		t.Errorf("UseableNode = %s, want the node with fewest players", got.Identifier())
	}
}

func TestUseableNode_NoneConnected(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, n1 := newTestManager(t, srv.URL)
	n1.mu.Lock()
	n1.connected = false
	n1.mu.Unlock()

	if _, err := m.UseableNode(); !errors.Is(err, ErrNoUseableNode) {
		t.Errorf("err = %v, want ErrNoUseableNode", err)
	}
}

func TestPriorityDraw_SkipsZeroWeights(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, _ := newTestManager(t, srv.URL)

	heavy, err := m.CreateNode(NodeOptions{Identifier: "heavy", Host: "localhost", Port: 2334, Password: "pw", Priority: 5})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	zero, err := m.CreateNode(NodeOptions{Identifier: "zero", Host: "localhost", Port: 2335, Password: "pw"})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	for range 50 {
		if got := priorityDraw([]*Node{heavy, zero}); got != heavy {
			t.Fatalf("priorityDraw picked %s, want only the weighted node", got.Identifier())
		}
	}
	if priorityDraw([]*Node{zero}) != nil {
		t.Error("all-zero priorities must defer to the load strategy")
	}
}

func TestUpdateVoiceState_PushesWhenBothHalvesArrive(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, p := newTestPlayer(t, srv)
	ctx := context.Background()

	// Wrapped VOICE_STATE_UPDATE for our own user.
	state := []byte(`{"t":"VOICE_STATE_UPDATE","d":{"guild_id":"g1","channel_id":"vc1","session_id":"voicesess","user_id":"bot123"}}`)
	if err := m.UpdateVoiceState(ctx, state); err != nil {
		t.Fatalf("state half: %v", err)
	}
	if srv.updateCount() != 0 {
		t.Fatal("voice must not be pushed with only one half")
	}

	// Bare VOICE_SERVER_UPDATE payload.
	server := []byte(`{"guild_id":"g1","token":"tok","endpoint":"voice.example:443"}`)
	if err := m.UpdateVoiceState(ctx, server); err != nil {
		t.Fatalf("server half: %v", err)
	}

	upd := srv.lastUpdate(t)
	if upd.Voice == nil || upd.Voice.Token != "tok" || upd.Voice.SessionID != "voicesess" {
		t.Errorf("voice push = %+v", upd.Voice)
	}
	if p.ConnectionState() != StateConnected {
		t.Errorf("state = %s, want connected", p.ConnectionState())
	}
}

func TestUpdateVoiceState_IgnoresOtherUsers(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, _ := newTestPlayer(t, srv)

	other := []byte(`{"guild_id":"g1","channel_id":"vc9","session_id":"s","user_id":"someoneelse"}`)
	if err := m.UpdateVoiceState(context.Background(), other); err != nil {
		t.Fatalf("UpdateVoiceState: %v", err)
	}
	if got, _ := m.Get("g1"); got.VoiceChannelID() != "vc1" {
		t.Error("another user's voice state must not move our player")
	}
}

func TestUpdateVoiceState_DisconnectDestroysPlayer(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, _ := newTestPlayer(t, srv)

	var disconnects []PlayerDisconnectEvent
	On(m.Bus(), func(ev PlayerDisconnectEvent) { disconnects = append(disconnects, ev) })

	left := []byte(`{"guild_id":"g1","channel_id":null,"session_id":"s","user_id":"bot123"}`)
	if err := m.UpdateVoiceState(context.Background(), left); err != nil {
		t.Fatalf("UpdateVoiceState: %v", err)
	}

	if len(disconnects) != 1 || disconnects[0].OldChannelID != "vc1" {
		t.Fatalf("disconnect events = %v", disconnects)
	}
	if _, err := m.Get("g1"); !errors.Is(err, ErrPlayerNotFound) {
		t.Error("player must be destroyed after our user left voice")
	}
}

func TestUpdateVoiceState_RejectsGarbage(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, _ := newTestManager(t, srv.URL)

	if err := m.UpdateVoiceState(context.Background(), []byte(`{"d":{}}`)); err == nil {
		t.Error("packet without guild or credentials must error")
	}
}

func TestSearch_TrackResult(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, _ := newTestManager(t, srv.URL)

	raw, _ := json.Marshal(protocol.TrackData{
		Encoded: "enc-x",
		Info:    protocol.TrackInfo{Identifier: "x", Title: "X", SourceName: "youtube", Length: 1000},
	})
	srv.mu.Lock()
	srv.loadResult = &protocol.LoadResult{LoadType: protocol.LoadTypeTrack, Data: raw}
	srv.mu.Unlock()

	res, err := m.Search(context.Background(), "https://youtu.be/x", "u1")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.LoadType != protocol.LoadTypeTrack || len(res.Tracks) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Tracks[0].Requester != "u1" {
		t.Errorf("requester = %q, want u1", res.Tracks[0].Requester)
	}
}

func TestSearch_PlaylistDuration(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, _ := newTestManager(t, srv.URL)

	raw, _ := json.Marshal(protocol.PlaylistData{
		Info: protocol.PlaylistInfo{Name: "Mix", SelectedTrack: 1},
		Tracks: []protocol.TrackData{
			{Encoded: "e1", Info: protocol.TrackInfo{Identifier: "1", Length: 60000, SourceName: "youtube"}},
			{Encoded: "e2", Info: protocol.TrackInfo{Identifier: "2", Length: 30000, SourceName: "youtube"}},
		},
	})
	srv.mu.Lock()
	srv.loadResult = &protocol.LoadResult{LoadType: protocol.LoadTypePlaylist, Data: raw}
	srv.mu.Unlock()

	res, err := m.Search(context.Background(), "https://youtube.com/playlist?list=abc", "u1")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Playlist == nil || res.Playlist.Name != "Mix" {
		t.Fatalf("playlist = %+v", res.Playlist)
	}
	if got := res.Playlist.Duration.Seconds(); got != 90 {
		t.Errorf("playlist duration = %vs, want 90s", got)
	}
}

func TestSearch_ErrorResult(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, _ := newTestManager(t, srv.URL)

	raw, _ := json.Marshal(protocol.Exception{Message: "video unavailable", Severity: "common"})
	srv.mu.Lock()
	srv.loadResult = &protocol.LoadResult{LoadType: protocol.LoadTypeError, Data: raw}
	srv.mu.Unlock()

	if _, err := m.Search(context.Background(), "nope", "u1"); err == nil {
		t.Error("error load type must surface as an error")
	}
}

func TestSearch_EmptyResult(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, _ := newTestManager(t, srv.URL)

	srv.mu.Lock()
	srv.loadResult = &protocol.LoadResult{LoadType: protocol.LoadTypeEmpty, Data: []byte(`{}`)}
	srv.mu.Unlock()

	res, err := m.Search(context.Background(), "nothing here", "u1")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Tracks) != 0 {
		t.Errorf("tracks = %v, want none", res.Tracks)
	}
}

func TestDecodeTracks(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, _ := newTestManager(t, srv.URL)

	tracks, err := m.DecodeTracks(context.Background(), []string{"abc", "def"}, "u1")
	if err != nil {
		t.Fatalf("DecodeTracks: %v", err)
	}
	if len(tracks) != 2 || tracks[0].Encoded != "abc" || tracks[0].Requester != "u1" {
		t.Errorf("tracks = %+v", tracks)
	}
	if tracks[0].SourceName != track.SourceYouTube {
		t.Errorf("source = %q, want youtube", tracks[0].SourceName)
	}
}

func TestRouteLabel(t *testing.T) {
	t.Parallel()
	cases := []struct{ path, want string }{
		{"/v4/sessions/abc/players/123?noReplace=false", "sessions.players"},
		{"/v4/sessions/abc", "sessions"},
		{"/v4/loadtracks?identifier=x", "loadtracks"},
		{"/v4/info", "info"},
		{"/v4/decodetracks", "decodetracks"},
	}
	for _, c := range cases {
		if got := routeLabel(c.path); got != c.want {
			t.Errorf("routeLabel(%s) = %s, want %s", c.path, got, c.want)
		}
	}
}
