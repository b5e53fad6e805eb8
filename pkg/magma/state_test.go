package magma

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/magmastream/magmastream-go/pkg/protocol"
	"github.com/magmastream/magmastream-go/pkg/track"
)

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, p := newTestPlayer(t, srv)

	p.Queue().Add(
		testTrack("a", "A", "x", "u1"),
		testTrack("b", "B", "x", "u2"),
		testTrack("c", "C", "x", "u1"),
	)
	p.SetQueueRepeat(true)
	p.SetAutoplay(true, "bot123", 5)
	p.SetData("dj", "u1")
	if err := p.Filters().Nightcore(context.Background()); err != nil {
		t.Fatalf("Nightcore: %v", err)
	}
	p.mu.Lock()
	p.playing = true
	p.position = 90 * time.Second
	p.voice = voiceHalves{token: "tok", endpoint: "ep", sessionID: "vsess"}
	p.mu.Unlock()

	if err := m.SavePlayerState(context.Background(), "g1"); err != nil {
		t.Fatalf("SavePlayerState: %v", err)
	}

	raw, err := m.store.ReadPlayer("g1")
	if err != nil {
		t.Fatalf("ReadPlayer: %v", err)
	}
	var snap playerSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.NodeID != "test" || snap.Current.Identifier != "a" || len(snap.Queue) != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
	if !snap.QueueRepeat || snap.PositionMs < 90_000 {
		t.Errorf("flags/position = %v/%d", snap.QueueRepeat, snap.PositionMs)
	}
	if snap.AutoplayTries != 5 {
		t.Errorf("autoplayTries = %d, want 5", snap.AutoplayTries)
	}
	if snap.Filters == nil || snap.Filters.Timescale == nil || !snap.Filters.Status["nightcore"] {
		t.Errorf("filters snapshot = %+v", snap.Filters)
	}
	if snap.Voice == nil || snap.Voice.Token != "tok" || snap.Voice.SessionID != "vsess" {
		t.Errorf("voice snapshot = %+v", snap.Voice)
	}

	// Apply onto a fresh player and compare the observable state.
	fresh := newPlayer(m, p.Node(), PlayerOptions{GuildID: "g1"})
	fresh.applySnapshot(snap)
	current, _ := fresh.Queue().Current()
	if current.Identifier != "a" {
		t.Errorf("restored current = %s, want a", current.Identifier)
	}
	if fresh.Queue().Size() != 2 || !fresh.QueueRepeat() {
		t.Errorf("restored queue/repeat = %d/%v", fresh.Queue().Size(), fresh.QueueRepeat())
	}
	if fresh.Position() != 90*time.Second {
		t.Errorf("restored position = %v", fresh.Position())
	}
	if !fresh.Filters().Applied("nightcore") {
		t.Error("restored filters must keep the nightcore status")
	}
	if v, ok := fresh.Data("dj"); !ok || v != "u1" {
		t.Errorf("restored data = %v/%v, want u1", v, ok)
	}
	fresh.mu.Lock()
	tries, voice := fresh.autoplayTries, fresh.voice
	fresh.mu.Unlock()
	if tries != 5 {
		t.Errorf("restored autoplayTries = %d, want 5", tries)
	}
	if !voice.complete() || voice.endpoint != "ep" {
		t.Errorf("restored voice = %+v", voice)
	}
}

func TestLoadPlayerStates_RehydratesAndCleansUp(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, n := newTestManager(t, srv.URL)

	snap := playerSnapshot{
		GuildID:        "g9",
		NodeID:         "test",
		VoiceChannelID: "vc9",
		TextChannelID:  "tc9",
		Volume:         80,
		Playing:        true,
		PositionMs:     30_000,
		Voice:          &voiceSnapshot{Token: "tok", Endpoint: "ep", SessionID: "vsess"},
		Filters: &filtersSnapshot{
			Timescale: &protocol.Timescale{Speed: 1.2, Pitch: 1.2, Rate: 1.0},
			Status:    map[string]bool{"nightcore": true},
		},
		Current: testTrack("a", "A", "x", "u1"),
		Queue:   []track.Track{testTrack("b", "B", "x", "u1")},
		SavedAt: time.Now(),
	}
	data, _ := json.Marshal(snap)
	if err := m.store.WritePlayer("g9", data); err != nil {
		t.Fatalf("WritePlayer: %v", err)
	}

	m.loadPlayerStates(context.Background(), n)

	p, err := m.Get("g9")
	if err != nil {
		t.Fatalf("player not rehydrated: %v", err)
	}
	if p.VoiceChannelID() != "vc9" || p.Volume() != 80 {
		t.Errorf("restored player = %s/%d", p.VoiceChannelID(), p.Volume())
	}
	current, _ := p.Queue().Current()
	if current.Identifier != "a" || p.Queue().Size() != 1 {
		t.Errorf("restored queue = %v/%d", current, p.Queue().Size())
	}
	// The node lost the session (live list is empty), so playback was
	// replayed at the saved position.
	upd := srv.lastUpdate(t)
	if upd.Track == nil || *upd.Track.Encoded != "enc-a" {
		t.Errorf("resume play = %+v", upd.Track)
	}
	if upd.Position == nil || *upd.Position != 30_000 {
		t.Errorf("resume position = %v, want 30000", upd.Position)
	}
	// The persisted voice triple and filter chain were re-pushed.
	var voicePushed, filtersPushed bool
	srv.mu.Lock()
	for _, u := range srv.updates {
		if u.Voice != nil && u.Voice.Token == "tok" {
			voicePushed = true
		}
		if u.Filters != nil && u.Filters.Timescale != nil {
			filtersPushed = true
		}
	}
	srv.mu.Unlock()
	if !voicePushed {
		t.Error("rehydration must re-push the saved voice state")
	}
	if !filtersPushed {
		t.Error("rehydration must re-push the saved filter chain")
	}
	if !p.Filters().Applied("nightcore") {
		t.Error("restored filter status missing")
	}
	// Processed snapshots are removed.
	if _, err := m.store.ReadPlayer("g9"); err == nil {
		t.Error("snapshot file should be deleted after rehydration")
	}
}

func TestLoadPlayerStates_SkipsOtherNodes(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, n := newTestManager(t, srv.URL)

	snap := playerSnapshot{GuildID: "g9", NodeID: "elsewhere", Volume: 100}
	data, _ := json.Marshal(snap)
	if err := m.store.WritePlayer("g9", data); err != nil {
		t.Fatalf("WritePlayer: %v", err)
	}

	m.loadPlayerStates(context.Background(), n)

	if _, err := m.Get("g9"); !errors.Is(err, ErrPlayerNotFound) {
		t.Error("snapshot for another node must not rehydrate here")
	}
	if _, err := m.store.ReadPlayer("g9"); err != nil {
		t.Error("snapshot for another node must stay on disk")
	}
}

func TestHandleShutdown_PersistsAllPlayers(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, _ := newTestManager(t, srv.URL)

	for _, g := range []string{"g1", "g2"} {
		p, err := m.Create(PlayerOptions{GuildID: g})
		if err != nil {
			t.Fatalf("Create(%s): %v", g, err)
		}
		p.Queue().Add(testTrack(g+"-t", "T", "x", "u1"))
	}
	// A stale snapshot from a player that no longer exists.
	if err := m.store.WritePlayer("gone", []byte(`{"guildId":"gone","nodeId":"test","volume":100}`)); err != nil {
		t.Fatalf("WritePlayer: %v", err)
	}

	if err := m.HandleShutdown(context.Background()); err != nil {
		t.Fatalf("HandleShutdown: %v", err)
	}

	snaps, err := m.store.Players()
	if err != nil {
		t.Fatalf("Players: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d, want live players only", len(snaps))
	}
	for _, s := range snaps {
		if s.GuildID != "g1" && s.GuildID != "g2" {
			t.Errorf("unexpected snapshot %s", s.GuildID)
		}
	}
	// Sockets are closed without destroying node-side players.
	srv.mu.Lock()
	deletes := len(srv.deletes)
	srv.mu.Unlock()
	if deletes != 0 {
		t.Error("shutdown must not destroy node-side players")
	}
}
