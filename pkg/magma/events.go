package magma

import (
	"sync"
	"time"

	"github.com/magmastream/magmastream-go/pkg/protocol"
	"github.com/magmastream/magmastream-go/pkg/track"
)

// EventType identifies one kind of library event.
type EventType string

const (
	EventDebug EventType = "debug"

	EventNodeCreate     EventType = "nodeCreate"
	EventNodeDestroy    EventType = "nodeDestroy"
	EventNodeConnect    EventType = "nodeConnect"
	EventNodeReconnect  EventType = "nodeReconnect"
	EventNodeDisconnect EventType = "nodeDisconnect"
	EventNodeError      EventType = "nodeError"
	EventNodeRaw        EventType = "nodeRaw"

	EventPlayerCreate      EventType = "playerCreate"
	EventPlayerDestroy     EventType = "playerDestroy"
	EventPlayerStateUpdate EventType = "playerStateUpdate"
	EventPlayerMove        EventType = "playerMove"
	EventPlayerDisconnect  EventType = "playerDisconnect"

	EventTrackStart   EventType = "trackStart"
	EventTrackEnd     EventType = "trackEnd"
	EventTrackStuck   EventType = "trackStuck"
	EventTrackError   EventType = "trackError"
	EventQueueEnd     EventType = "queueEnd"
	EventSocketClosed EventType = "socketClosed"

	EventSegmentsLoaded EventType = "segmentsLoaded"
	EventSegmentSkipped EventType = "segmentSkipped"
	EventChapterStarted EventType = "chapterStarted"
	EventChaptersLoaded EventType = "chaptersLoaded"
)

// Event is implemented by every event payload emitted on the Bus.
type Event interface {
	EventType() EventType
}

// Bus is the typed subscription surface for all library events.
// Handlers run synchronously on the emitting goroutine, in subscription
// order; a handler that blocks stalls delivery for its event type.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[EventType]map[int]func(Event)
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: map[EventType]map[int]func(Event){}}
}

// Subscribe registers fn for events of type t and returns an unsubscribe
// function. The untyped form exists for plugins; application code should
// prefer the generic [On].
func (b *Bus) Subscribe(t EventType, fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[t] == nil {
		b.handlers[t] = map[int]func(Event){}
	}
	b.handlers[t][id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[t], id)
	}
}

// Emit delivers ev to every handler subscribed to its type.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	hs := make([]func(Event), 0, len(b.handlers[ev.EventType()]))
	for _, fn := range b.handlers[ev.EventType()] {
		hs = append(hs, fn)
	}
	b.mu.RUnlock()
	for _, fn := range hs {
		fn(ev)
	}
}

// On registers a handler for one concrete event type and returns an
// unsubscribe function:
//
//	stop := magma.On(mgr.Bus(), func(ev magma.TrackStartEvent) { … })
func On[E Event](b *Bus, fn func(E)) (unsubscribe func()) {
	var zero E
	return b.Subscribe(zero.EventType(), func(ev Event) {
		if e, ok := ev.(E); ok {
			fn(e)
		}
	})
}

// ── Event payloads ────────────────────────────────────────────────────────────

// DebugEvent mirrors the library's debug logging onto the bus.
type DebugEvent struct {
	Message string
	Args    []any
}

func (DebugEvent) EventType() EventType { return EventDebug }

// NodeCreateEvent fires when a node is added to the pool.
type NodeCreateEvent struct{ Node *Node }

func (NodeCreateEvent) EventType() EventType { return EventNodeCreate }

// NodeDestroyEvent fires when a node is removed from the pool.
type NodeDestroyEvent struct{ Node *Node }

func (NodeDestroyEvent) EventType() EventType { return EventNodeDestroy }

// NodeConnectEvent fires when a node WebSocket session becomes ready.
// Resumed reports whether the node resumed a previous session.
type NodeConnectEvent struct {
	Node    *Node
	Resumed bool
}

func (NodeConnectEvent) EventType() EventType { return EventNodeConnect }

// NodeReconnectEvent fires before each reconnection attempt.
type NodeReconnectEvent struct {
	Node    *Node
	Attempt int
}

func (NodeReconnectEvent) EventType() EventType { return EventNodeReconnect }

// NodeDisconnectEvent fires on an unsolicited WebSocket close.
type NodeDisconnectEvent struct {
	Node   *Node
	Reason string
}

func (NodeDisconnectEvent) EventType() EventType { return EventNodeDisconnect }

// NodeErrorEvent fires on node-level failures, including the terminal
// failure after the retry budget is exhausted.
type NodeErrorEvent struct {
	Node *Node
	Err  error
}

func (NodeErrorEvent) EventType() EventType { return EventNodeError }

// NodeRawEvent carries every raw WebSocket frame received from a node.
type NodeRawEvent struct {
	Node    *Node
	Payload []byte
}

func (NodeRawEvent) EventType() EventType { return EventNodeRaw }

// PlayerCreateEvent fires when a player is created.
type PlayerCreateEvent struct{ Player *Player }

func (PlayerCreateEvent) EventType() EventType { return EventPlayerCreate }

// PlayerDestroyEvent fires when a player is destroyed.
type PlayerDestroyEvent struct{ Player *Player }

func (PlayerDestroyEvent) EventType() EventType { return EventPlayerDestroy }

// PlayerMoveEvent fires when the bot is moved between voice channels.
type PlayerMoveEvent struct {
	Player       *Player
	OldChannelID string
	NewChannelID string
}

func (PlayerMoveEvent) EventType() EventType { return EventPlayerMove }

// PlayerDisconnectEvent fires when the bot is removed from its voice
// channel; the player is destroyed right after.
type PlayerDisconnectEvent struct {
	Player       *Player
	OldChannelID string
}

func (PlayerDisconnectEvent) EventType() EventType { return EventPlayerDisconnect }

// ChangeType classifies what a PlayerStateUpdateEvent describes.
type ChangeType string

const (
	ChangeAutoPlay   ChangeType = "autoPlayChange"
	ChangeConnection ChangeType = "connectionChange"
	ChangeRepeat     ChangeType = "repeatChange"
	ChangePause      ChangeType = "pauseChange"
	ChangeQueue      ChangeType = "queueChange"
	ChangeTrack      ChangeType = "trackChange"
	ChangeVolume     ChangeType = "volumeChange"
	ChangeChannel    ChangeType = "channelChange"
	ChangeCreate     ChangeType = "playerCreate"
	ChangeDestroy    ChangeType = "playerDestroy"
)

// QueueAction names one kind of queue mutation.
type QueueAction string

const (
	QueueActionAdd         QueueAction = "add"
	QueueActionRemove      QueueAction = "remove"
	QueueActionClear       QueueAction = "clear"
	QueueActionShuffle     QueueAction = "shuffle"
	QueueActionRoundRobin  QueueAction = "roundRobin"
	QueueActionUserBlock   QueueAction = "userBlock"
	QueueActionAutoPlayAdd QueueAction = "autoPlayAdd"
)

// QueueChangeDetails describes a queue mutation.
type QueueChangeDetails struct {
	Action QueueAction
	Tracks []track.Track
}

// TrackChangeDetails describes a current-track or position change.
type TrackChangeDetails struct {
	Kind     string // "start", "end", "previous", "timeUpdate"
	Old      track.Track
	New      track.Track
	Position time.Duration
}

// StateChange pairs a change classification with optional details
// (QueueChangeDetails, TrackChangeDetails, or nil).
type StateChange struct {
	Type    ChangeType
	Details any
}

// PlayerStateUpdateEvent fires after every observable player mutation,
// carrying before/after snapshots and the change that separates them.
type PlayerStateUpdateEvent struct {
	Player *Player
	Old    PlayerState
	New    PlayerState
	Change StateChange
}

func (PlayerStateUpdateEvent) EventType() EventType { return EventPlayerStateUpdate }

// TrackStartEvent fires when a track begins playing.
type TrackStartEvent struct {
	Player *Player
	Track  track.Track
}

func (TrackStartEvent) EventType() EventType { return EventTrackStart }

// TrackEndEvent fires when a track stops playing, for any reason.
type TrackEndEvent struct {
	Player *Player
	Track  track.Track
	Reason protocol.TrackEndReason
}

func (TrackEndEvent) EventType() EventType { return EventTrackEnd }

// TrackStuckEvent fires when the node reports a stuck track.
type TrackStuckEvent struct {
	Player    *Player
	Track     track.Track
	Threshold time.Duration
}

func (TrackStuckEvent) EventType() EventType { return EventTrackStuck }

// TrackErrorEvent fires when a track fails and autoplay recovery (if any)
// is exhausted.
type TrackErrorEvent struct {
	Player    *Player
	Track     track.Track
	Exception *protocol.Exception
}

func (TrackErrorEvent) EventType() EventType { return EventTrackError }

// QueueEndEvent fires when playback stops with nothing left to play.
type QueueEndEvent struct {
	Player    *Player
	LastTrack track.Track
}

func (QueueEndEvent) EventType() EventType { return EventQueueEnd }

// SocketClosedEvent fires when the node reports its Discord voice
// WebSocket closed.
type SocketClosedEvent struct {
	Player   *Player
	Code     int
	Reason   string
	ByRemote bool
}

func (SocketClosedEvent) EventType() EventType { return EventSocketClosed }

// SegmentsLoadedEvent fires when the SponsorBlock plugin loads segments.
type SegmentsLoadedEvent struct {
	Player   *Player
	Segments []protocol.SponsorSegment
}

func (SegmentsLoadedEvent) EventType() EventType { return EventSegmentsLoaded }

// SegmentSkippedEvent fires when the SponsorBlock plugin skips a segment.
type SegmentSkippedEvent struct {
	Player  *Player
	Segment protocol.SponsorSegment
}

func (SegmentSkippedEvent) EventType() EventType { return EventSegmentSkipped }

// ChapterStartedEvent fires when the SponsorBlock plugin enters a chapter.
type ChapterStartedEvent struct {
	Player  *Player
	Chapter protocol.Chapter
}

func (ChapterStartedEvent) EventType() EventType { return EventChapterStarted }

// ChaptersLoadedEvent fires when the SponsorBlock plugin loads chapters.
type ChaptersLoadedEvent struct {
	Player   *Player
	Chapters []protocol.Chapter
}

func (ChaptersLoadedEvent) EventType() EventType { return EventChaptersLoaded }
