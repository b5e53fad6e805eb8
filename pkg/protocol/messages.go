// Package protocol defines the wire types exchanged with an audio node:
// the JSON frames received on the node WebSocket and the request/response
// bodies of the node's v4 REST API.
//
// All types here are plain data carriers with no behaviour beyond JSON
// (de)serialisation, so they can be shared freely between the transport
// layer and tests without pulling in any runtime state.
package protocol

import "encoding/json"

// Op identifies the kind of a WebSocket frame sent by the node.
type Op string

const (
	OpReady        Op = "ready"
	OpStats        Op = "stats"
	OpPlayerUpdate Op = "playerUpdate"
	OpEvent        Op = "event"
)

// Message is the envelope of every inbound WebSocket frame. Data holds the
// raw frame so the dispatcher can re-decode it into the op-specific payload.
type Message struct {
	Op   Op `json:"op"`
	Data json.RawMessage `json:"-"`
}

// DecodeMessage parses the op discriminator out of a raw frame and keeps the
// full frame around for the second, op-specific decode.
func DecodeMessage(frame []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return Message{}, err
	}
	m.Data = frame
	return m, nil
}

// Decode unmarshals the frame into the op-specific payload type.
func (m Message) Decode(out any) error {
	return json.Unmarshal(m.Data, out)
}

// Ready is the payload of the "ready" op, sent once per WebSocket session.
type Ready struct {
	Resumed   bool   `json:"resumed"`
	SessionID string `json:"sessionId"`
}

// Stats is the payload of the periodic "stats" op.
type Stats struct {
	Players        int         `json:"players"`
	PlayingPlayers int         `json:"playingPlayers"`
	Uptime         int64       `json:"uptime"`
	Memory         MemoryStats `json:"memory"`
	CPU            CPUStats    `json:"cpu"`
	FrameStats     *FrameStats `json:"frameStats,omitempty"`
}

// MemoryStats reports the node JVM memory usage in bytes.
type MemoryStats struct {
	Free       int64 `json:"free"`
	Used       int64 `json:"used"`
	Allocated  int64 `json:"allocated"`
	Reservable int64 `json:"reservable"`
}

// CPUStats reports node host and process CPU load.
type CPUStats struct {
	Cores        int     `json:"cores"`
	SystemLoad   float64 `json:"systemLoad"`
	LavalinkLoad float64 `json:"lavalinkLoad"`
}

// FrameStats reports audio frame delivery counters. Only present for nodes
// that have at least one playing player.
type FrameStats struct {
	Sent    int `json:"sent"`
	Nulled  int `json:"nulled"`
	Deficit int `json:"deficit"`
}

// PlayerUpdate is the payload of the "playerUpdate" op, sent roughly every
// five seconds per playing player.
type PlayerUpdate struct {
	GuildID string            `json:"guildId"`
	State   PlayerUpdateState `json:"state"`
}

// PlayerUpdateState carries the live playback position of one player.
type PlayerUpdateState struct {
	Time      int64 `json:"time"`
	Position  int64 `json:"position"`
	Connected bool  `json:"connected"`
	Ping      int   `json:"ping"`
}

// EventType identifies the kind of an "event" op frame.
type EventType string

const (
	EventTrackStart      EventType = "TrackStartEvent"
	EventTrackEnd        EventType = "TrackEndEvent"
	EventTrackException  EventType = "TrackExceptionEvent"
	EventTrackStuck      EventType = "TrackStuckEvent"
	EventWebSocketClosed EventType = "WebSocketClosedEvent"
	EventSegmentsLoaded  EventType = "SegmentsLoaded"
	EventSegmentSkipped  EventType = "SegmentSkipped"
	EventChapterStarted  EventType = "ChapterStarted"
	EventChaptersLoaded  EventType = "ChaptersLoaded"
)

// TrackEndReason explains why a track stopped playing.
type TrackEndReason string

const (
	ReasonFinished   TrackEndReason = "finished"
	ReasonLoadFailed TrackEndReason = "loadFailed"
	ReasonStopped    TrackEndReason = "stopped"
	ReasonReplaced   TrackEndReason = "replaced"
	ReasonCleanup    TrackEndReason = "cleanup"
)

// Event is the payload of the "event" op. Track and the optional sub-fields
// are populated depending on Type. Reason doubles as the TrackEndEvent
// reason enum and the free-text close reason of WebSocketClosedEvent.
type Event struct {
	Type    EventType `json:"type"`
	GuildID string    `json:"guildId"`

	Track     *TrackData     `json:"track,omitempty"`
	Reason    TrackEndReason `json:"reason,omitempty"`
	Exception *Exception     `json:"exception,omitempty"`

	// TrackStuckEvent.
	ThresholdMs int64 `json:"thresholdMs,omitempty"`

	// WebSocketClosedEvent.
	Code     int  `json:"code,omitempty"`
	ByRemote bool `json:"byRemote,omitempty"`

	// SponsorBlock plugin events.
	Segments []SponsorSegment `json:"segments,omitempty"`
	Segment  *SponsorSegment  `json:"segment,omitempty"`
	Chapter  *Chapter         `json:"chapter,omitempty"`
	Chapters []Chapter        `json:"chapters,omitempty"`
}

// Exception describes a playback failure reported by the node.
type Exception struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Cause    string `json:"cause"`
}

// SponsorSegment is one skippable segment reported by the SponsorBlock plugin.
type SponsorSegment struct {
	Category string `json:"category"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
}

// Chapter is one chapter marker reported by the SponsorBlock plugin.
type Chapter struct {
	Name  string `json:"name"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
}

// TrackData is the node's representation of a single track.
type TrackData struct {
	Encoded    string         `json:"encoded"`
	Info       TrackInfo      `json:"info"`
	PluginInfo map[string]any `json:"pluginInfo,omitempty"`
	UserData   map[string]any `json:"userData,omitempty"`
}

// TrackInfo is the decoded metadata block of a track.
type TrackInfo struct {
	Identifier string `json:"identifier"`
	IsSeekable bool   `json:"isSeekable"`
	Author     string `json:"author"`
	Length     int64  `json:"length"`
	IsStream   bool   `json:"isStream"`
	Position   int64  `json:"position"`
	Title      string `json:"title"`
	URI        string `json:"uri"`
	ArtworkURL string `json:"artworkUrl"`
	ISRC       string `json:"isrc"`
	SourceName string `json:"sourceName"`
}
