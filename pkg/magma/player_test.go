package magma

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/magmastream/magmastream-go/pkg/autoplay"
	"github.com/magmastream/magmastream-go/pkg/protocol"
	"github.com/magmastream/magmastream-go/pkg/track"
)

func newTestPlayer(t *testing.T, srv *fakeNodeServer) (*Manager, *Player) {
	t.Helper()
	m, _ := newTestManager(t, srv.URL)
	p, err := m.Create(PlayerOptions{GuildID: "g1", VoiceChannelID: "vc1", TextChannelID: "tc1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return m, p
}

func TestPlayerPlay_SendsTrackAndMarksPlaying(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	_, p := newTestPlayer(t, srv)

	p.Queue().Add(testTrack("a", "Song A", "Artist", "u1"))
	if err := p.Play(context.Background()); err != nil {
		t.Fatalf("Play: %v", err)
	}

	upd := srv.lastUpdate(t)
	if upd.Track == nil || upd.Track.Encoded == nil || *upd.Track.Encoded != "enc-a" {
		t.Errorf("update track = %+v, want enc-a", upd.Track)
	}
	if upd.Paused == nil || *upd.Paused {
		t.Error("play must unpause")
	}
	if !p.Playing() {
		t.Error("player should be playing")
	}
}

func TestPlayerPlay_EmptyQueue(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	_, p := newTestPlayer(t, srv)

	if err := p.Play(context.Background()); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("Play on empty queue err = %v, want ErrQueueEmpty", err)
	}
}

func TestPlayerSetVolume_Bounds(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	_, p := newTestPlayer(t, srv)

	for _, v := range []int{-1, 1001} {
		if err := p.SetVolume(context.Background(), v); !errors.Is(err, ErrVolumeOutOfRange) {
			t.Errorf("SetVolume(%d) err = %v, want ErrVolumeOutOfRange", v, err)
		}
	}
	if srv.updateCount() != 0 {
		t.Error("out-of-range volume must not reach the node")
	}

	if err := p.SetVolume(context.Background(), 250); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if p.Volume() != 250 {
		t.Errorf("Volume = %d, want 250", p.Volume())
	}
}

func TestPlayerRepeatModes_MutuallyExclusive(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	_, p := newTestPlayer(t, srv)

	p.SetTrackRepeat(true)
	p.SetQueueRepeat(true)
	if p.TrackRepeat() {
		t.Error("queue repeat must switch track repeat off")
	}
	if !p.QueueRepeat() {
		t.Error("queue repeat should be on")
	}

	p.Queue().Add(testTrack("cur", "Cur", "x", "u1"),
		testTrack("a", "A", "x", "u1"), testTrack("b", "B", "x", "u1"))
	if err := p.SetDynamicRepeat(true, time.Hour); err != nil {
		t.Fatalf("SetDynamicRepeat: %v", err)
	}
	if p.QueueRepeat() || p.TrackRepeat() {
		t.Error("dynamic repeat must switch the other modes off")
	}
	if err := p.SetDynamicRepeat(false, 0); err != nil {
		t.Fatalf("disable dynamic repeat: %v", err)
	}
}

func TestPlayerSetDynamicRepeat_NeedsQueue(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	_, p := newTestPlayer(t, srv)

	if err := p.SetDynamicRepeat(true, time.Minute); err == nil {
		t.Error("dynamic repeat with a short queue should fail")
	}
}

func TestPlayerPrevious_EmptyHistory(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	_, p := newTestPlayer(t, srv)

	if err := p.Previous(context.Background()); !errors.Is(err, ErrNoPrevious) {
		t.Errorf("Previous err = %v, want ErrNoPrevious", err)
	}
}

func TestTrackEnd_FinishedAdvancesQueue(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, p := newTestPlayer(t, srv)

	var ends []TrackEndEvent
	On(m.Bus(), func(ev TrackEndEvent) { ends = append(ends, ev) })

	p.Queue().Add(testTrack("a", "A", "x", "u1"), testTrack("b", "B", "x", "u1"))
	p.handleTrackEnd(context.Background(), protocol.Event{
		Type: protocol.EventTrackEnd, GuildID: "g1", Reason: protocol.ReasonFinished,
	})

	if len(ends) != 1 || ends[0].Track.Identifier != "a" {
		t.Fatalf("trackEnd events = %v", ends)
	}
	upd := srv.lastUpdate(t)
	if upd.Track == nil || *upd.Track.Encoded != "enc-b" {
		t.Errorf("next play = %+v, want enc-b", upd.Track)
	}
	current, _ := p.Queue().Current()
	if current.Identifier != "b" {
		t.Errorf("current = %s, want b", current.Identifier)
	}
}

func TestTrackEnd_TrackRepeatReplays(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	_, p := newTestPlayer(t, srv)

	p.Queue().Add(testTrack("a", "A", "x", "u1"), testTrack("b", "B", "x", "u1"))
	p.SetTrackRepeat(true)
	p.handleTrackEnd(context.Background(), protocol.Event{Reason: protocol.ReasonFinished})

	upd := srv.lastUpdate(t)
	if upd.Track == nil || *upd.Track.Encoded != "enc-a" {
		t.Errorf("replayed track = %+v, want enc-a", upd.Track)
	}
	if p.Queue().Size() != 1 {
		t.Errorf("queue size = %d, want untouched 1", p.Queue().Size())
	}
}

func TestTrackEnd_QueueRepeatRecycles(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	_, p := newTestPlayer(t, srv)

	p.Queue().Add(testTrack("a", "A", "x", "u1"), testTrack("b", "B", "x", "u1"))
	p.SetQueueRepeat(true)
	p.handleTrackEnd(context.Background(), protocol.Event{Reason: protocol.ReasonFinished})

	// a finished: b becomes current, a goes to the back of the queue.
	current, _ := p.Queue().Current()
	if current.Identifier != "b" {
		t.Fatalf("current = %s, want b", current.Identifier)
	}
	tracks := p.Queue().Tracks()
	if len(tracks) != 1 || tracks[0].Identifier != "a" {
		t.Errorf("queue = %v, want [a]", tracks)
	}
}

func TestPause_TogglesPlaying(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	_, p := newTestPlayer(t, srv)

	p.Queue().Add(testTrack("a", "A", "x", "u1"))
	if err := p.Play(context.Background()); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := p.Pause(context.Background(), true); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	// playing and paused never hold at the same time.
	if p.Playing() || !p.Paused() {
		t.Errorf("after pause: playing=%v paused=%v, want false/true", p.Playing(), p.Paused())
	}
	if err := p.Pause(context.Background(), false); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !p.Playing() || p.Paused() {
		t.Errorf("after resume: playing=%v paused=%v, want true/false", p.Playing(), p.Paused())
	}
}

func TestTrackEnd_QueueRepeatRotationEmitsNoQueueChange(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, p := newTestPlayer(t, srv)

	p.Queue().Add(testTrack("a", "A", "x", "u1"), testTrack("b", "B", "x", "u1"))
	p.SetQueueRepeat(true)

	var queueChanges int
	On(m.Bus(), func(ev PlayerStateUpdateEvent) {
		if ev.Change.Type == ChangeQueue {
			queueChanges++
		}
	})

	p.handleTrackEnd(context.Background(), protocol.Event{Reason: protocol.ReasonFinished})

	if queueChanges != 0 {
		t.Errorf("queue-change events during rotation = %d, want 0", queueChanges)
	}
}

func TestTrackEnd_StoppedWithSkipAdvances(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, p := newTestPlayer(t, srv)

	var queueEnds int
	On(m.Bus(), func(QueueEndEvent) { queueEnds++ })

	p.Queue().Add(testTrack("a", "A", "x", "u1"), testTrack("b", "B", "x", "u1"))
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	p.handleTrackEnd(context.Background(), protocol.Event{Reason: protocol.ReasonStopped})

	current, _ := p.Queue().Current()
	if current.Identifier != "b" {
		t.Errorf("current = %s, want b after skip", current.Identifier)
	}
	if queueEnds != 0 {
		t.Error("queueEnd must not fire when a skip has a successor")
	}
}

func TestTrackEnd_StoppedWithoutSuccessorEndsQueue(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, p := newTestPlayer(t, srv)

	var last track.Track
	var queueEnds int
	On(m.Bus(), func(ev QueueEndEvent) { queueEnds++; last = ev.LastTrack })

	p.Queue().Add(testTrack("a", "A", "x", "u1"))
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	p.handleTrackEnd(context.Background(), protocol.Event{Reason: protocol.ReasonStopped})

	if queueEnds != 1 || last.Identifier != "a" {
		t.Errorf("queueEnd = %d/%v, want 1 with last track a", queueEnds, last)
	}
	if p.Playing() {
		t.Error("player must not be playing after queue end")
	}
}

func TestTrackEnd_LoadFailedSkipsToNext(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	_, p := newTestPlayer(t, srv)

	p.Queue().Add(testTrack("bad", "Bad", "x", "u1"), testTrack("ok", "OK", "x", "u1"))
	p.handleTrackEnd(context.Background(), protocol.Event{Reason: protocol.ReasonLoadFailed})

	upd := srv.lastUpdate(t)
	if upd.Track == nil || *upd.Track.Encoded != "enc-ok" {
		t.Errorf("recovery play = %+v, want enc-ok", upd.Track)
	}
}

func TestTrackEnd_ReplacedDoesNothing(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	_, p := newTestPlayer(t, srv)

	p.Queue().Add(testTrack("a", "A", "x", "u1"), testTrack("b", "B", "x", "u1"))
	p.handleTrackEnd(context.Background(), protocol.Event{Reason: protocol.ReasonReplaced})

	if srv.updateCount() != 0 {
		t.Error("replaced must not trigger a follow-up play")
	}
	current, _ := p.Queue().Current()
	if current.Identifier != "a" {
		t.Errorf("current = %s, want a untouched", current.Identifier)
	}
}

func TestTrackEnd_AutoplayContinues(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, p := newTestPlayer(t, srv)

	follow := testTrack("next", "Next", "y", "")
	m.resolver = autoplay.New(
		autoplay.WithPlatforms([]track.Source{track.SourceYouTube}),
		autoplay.WithStrategy(track.SourceYouTube, func(context.Context, track.Track, autoplay.Deps) ([]track.Track, error) {
			return []track.Track{follow}, nil
		}),
	)
	p.SetAutoplay(true, "bot123", 2)

	p.Queue().Add(testTrack("a", "A", "x", "u1"))
	p.handleTrackEnd(context.Background(), protocol.Event{Reason: protocol.ReasonFinished})

	current, ok := p.Queue().Current()
	if !ok || current.Identifier != "next" {
		t.Fatalf("current = %v,%v want autoplay pick", current, ok)
	}
	if current.Requester != "bot123" {
		t.Errorf("autoplay requester = %q, want bot user", current.Requester)
	}
	upd := srv.lastUpdate(t)
	if upd.Track == nil || *upd.Track.Encoded != "enc-next" {
		t.Errorf("autoplay play = %+v", upd.Track)
	}
}

func TestSocketClosed_FatalCodeDestroysPlayer(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, p := newTestPlayer(t, srv)

	var closed []SocketClosedEvent
	On(m.Bus(), func(ev SocketClosedEvent) { closed = append(closed, ev) })

	p.handleSocketClosed(context.Background(), protocol.Event{
		Type: protocol.EventWebSocketClosed, Code: 4014, ByRemote: true,
	})

	if len(closed) != 1 || closed[0].Code != 4014 {
		t.Fatalf("socketClosed events = %v", closed)
	}
	if _, err := m.Get("g1"); !errors.Is(err, ErrPlayerNotFound) {
		t.Error("player must be destroyed after code 4014")
	}
}

func TestPlayerDestroy_RemovesFromRegistry(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, p := newTestPlayer(t, srv)

	if err := p.Destroy(context.Background(), false); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := m.Get("g1"); !errors.Is(err, ErrPlayerNotFound) {
		t.Error("destroyed player must leave the registry")
	}
	// Idempotent.
	if err := p.Destroy(context.Background(), false); err != nil {
		t.Errorf("second Destroy: %v", err)
	}
	if err := p.Pause(context.Background(), true); !errors.Is(err, ErrPlayerDestroyed) {
		t.Errorf("Pause after destroy err = %v, want ErrPlayerDestroyed", err)
	}
}

func TestPlayerStateUpdate_EmitsOldAndNew(t *testing.T) {
	t.Parallel()
	srv := newFakeNodeServer(t)
	m, p := newTestPlayer(t, srv)

	var events []PlayerStateUpdateEvent
	On(m.Bus(), func(ev PlayerStateUpdateEvent) { events = append(events, ev) })

	if err := p.SetVolume(context.Background(), 42); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Change.Type != ChangeVolume {
		t.Errorf("change type = %s, want volumeChange", ev.Change.Type)
	}
	if ev.Old.Volume != defaultVolume || ev.New.Volume != 42 {
		t.Errorf("volume old/new = %d/%d, want %d/42", ev.Old.Volume, ev.New.Volume, defaultVolume)
	}
}
