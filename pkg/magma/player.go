package magma

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/magmastream/magmastream-go/pkg/protocol"
	"github.com/magmastream/magmastream-go/pkg/track"
)

// State is a player's voice connection state.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateDestroying    State = "destroying"
	StateDestroyed     State = "destroyed"
)

// PlayerState is an immutable snapshot of a player, attached to
// [PlayerStateUpdateEvent] pairs.
type PlayerState struct {
	GuildID        string
	VoiceChannelID string
	TextChannelID  string
	NodeID         string
	Volume         int
	Paused         bool
	Playing        bool
	Position       time.Duration
	Connection     State
	TrackRepeat    bool
	QueueRepeat    bool
	DynamicRepeat  bool
	Autoplay       bool
	Current        track.Track
	QueueLength    int
	PreviousLen    int
}

// PlayerOptions configures a new player.
type PlayerOptions struct {
	GuildID        string
	VoiceChannelID string
	TextChannelID  string
	SelfMute       bool
	SelfDeaf       bool

	// Volume is the initial volume, 0 to 1000. Zero means the default.
	Volume int

	// NodeIdentifier pins the player to one node instead of letting the
	// manager pick.
	NodeIdentifier string
}

// voiceHalves collects the two Discord gateway packets that together
// authorise the node to join voice.
type voiceHalves struct {
	token     string
	endpoint  string
	sessionID string
}

func (v voiceHalves) complete() bool {
	return v.token != "" && v.endpoint != "" && v.sessionID != ""
}

// Player controls playback for one guild. All methods are safe for
// concurrent use; those that reach the node take a context.
type Player struct {
	mgr    *Manager
	queue  *Queue
	logger *slog.Logger

	mu             sync.Mutex
	guildID        string
	node           *Node
	voiceChannelID string
	textChannelID  string
	selfMute       bool
	selfDeaf       bool
	volume         int
	paused         bool
	playing        bool
	state          State
	position       time.Duration
	positionAt     time.Time
	ping           int
	trackRepeat    bool
	queueRepeat    bool
	dynamicRepeat  bool
	dynamicEvery   time.Duration
	dynamicStop    chan struct{}
	autoplay       bool
	autoplayUser   string
	autoplayTries  int
	pendingSkip    bool
	destroyed      bool
	voice          voiceHalves
	data           map[string]any
	lastState      PlayerState

	filters *Filters
}

func newPlayer(mgr *Manager, node *Node, opts PlayerOptions) *Player {
	volume := opts.Volume
	if volume <= 0 {
		volume = defaultVolume
	}
	p := &Player{
		mgr:            mgr,
		queue:          NewQueue(mgr.opts.MaxPreviousTracks),
		logger:         mgr.logger.With(slog.String("guild", opts.GuildID)),
		guildID:        opts.GuildID,
		node:           node,
		voiceChannelID: opts.VoiceChannelID,
		textChannelID:  opts.TextChannelID,
		selfMute:       opts.SelfMute,
		selfDeaf:       opts.SelfDeaf,
		volume:         volume,
		state:          StateDisconnected,
		autoplay:       *mgr.opts.AutoPlay,
		autoplayUser:   mgr.clientID,
		autoplayTries:  defaultAutoplayTries,
		data:           map[string]any{},
	}
	p.filters = newFilters(p)
	p.queue.notify = p.onQueueChange
	p.lastState = p.snapshot()
	return p
}

func (p *Player) onQueueChange(action QueueAction, tracks []track.Track) {
	if action == QueueActionAdd && len(tracks) > 0 {
		bot := true
		for _, t := range tracks {
			if t.Requester != p.autoplayUser {
				bot = false
				break
			}
		}
		if bot {
			action = QueueActionAutoPlayAdd
		}
	}
	p.emitChange(StateChange{Type: ChangeQueue, Details: QueueChangeDetails{Action: action, Tracks: tracks}})
}

// snapshot builds a PlayerState without holding p.mu; use from outside
// the lock only.
func (p *Player) snapshot() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Player) snapshotLocked() PlayerState {
	current, _ := p.queue.Current()
	return PlayerState{
		GuildID:        p.guildID,
		VoiceChannelID: p.voiceChannelID,
		TextChannelID:  p.textChannelID,
		NodeID:         p.node.Identifier(),
		Volume:         p.volume,
		Paused:         p.paused,
		Playing:        p.playing,
		Position:       p.positionLocked(),
		Connection:     p.state,
		TrackRepeat:    p.trackRepeat,
		QueueRepeat:    p.queueRepeat,
		DynamicRepeat:  p.dynamicRepeat,
		Autoplay:       p.autoplay,
		Current:        current,
		QueueLength:    p.queue.Size(),
		PreviousLen:    len(p.queue.Previous()),
	}
}

// emitChange publishes one before/after state pair. Call without p.mu
// held.
func (p *Player) emitChange(change StateChange) {
	p.mu.Lock()
	old := p.lastState
	now := p.snapshotLocked()
	p.lastState = now
	gone := p.destroyed && change.Type != ChangeDestroy
	p.mu.Unlock()
	if gone {
		return
	}
	p.mgr.bus.Emit(PlayerStateUpdateEvent{Player: p, Old: old, New: now, Change: change})
}

// ── Accessors ────────────────────────────────────────────────────────────────

// GuildID returns the guild this player belongs to.
func (p *Player) GuildID() string { return p.guildID }

// Queue returns the player's queue.
func (p *Player) Queue() *Queue { return p.queue }

// Filters returns the player's filter chain.
func (p *Player) Filters() *Filters { return p.filters }

// Node returns the node currently hosting this player.
func (p *Player) Node() *Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.node
}

// VoiceChannelID returns the configured voice channel.
func (p *Player) VoiceChannelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.voiceChannelID
}

// TextChannelID returns the text channel bound to this player.
func (p *Player) TextChannelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.textChannelID
}

// SetTextChannel rebinds the player's text channel.
func (p *Player) SetTextChannel(channelID string) {
	p.mu.Lock()
	p.textChannelID = channelID
	p.mu.Unlock()
	p.emitChange(StateChange{Type: ChangeChannel})
}

// Volume returns the current volume (0 to 1000).
func (p *Player) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Paused reports whether playback is paused.
func (p *Player) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Playing reports whether a track is loaded and not stopped.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// ConnectionState returns the voice connection state.
func (p *Player) ConnectionState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Position estimates the playback position, extrapolated from the last
// node report while playing.
func (p *Player) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *Player) positionLocked() time.Duration {
	if p.playing && !p.paused && !p.positionAt.IsZero() {
		return p.position + time.Since(p.positionAt)
	}
	return p.position
}

// Ping returns the node's last reported voice gateway ping in
// milliseconds, or -1 before the first report.
func (p *Player) Ping() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ping
}

// TrackRepeat reports whether single-track repeat is on.
func (p *Player) TrackRepeat() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trackRepeat
}

// QueueRepeat reports whether whole-queue repeat is on.
func (p *Player) QueueRepeat() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queueRepeat
}

// DynamicRepeat reports whether dynamic repeat is on.
func (p *Player) DynamicRepeat() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dynamicRepeat
}

// Autoplay reports whether autoplay continuation is enabled.
func (p *Player) Autoplay() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.autoplay
}

// SetData stores an arbitrary value under key. The map is persisted
// with the player snapshot; values must survive a JSON round trip.
func (p *Player) SetData(key string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[key] = value
}

// Data returns the value stored under key, if any.
func (p *Player) Data(key string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.data[key]
	return v, ok
}

// DeleteData removes the value stored under key.
func (p *Player) DeleteData(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data, key)
}

func (p *Player) dataCopyLocked() map[string]any {
	if len(p.data) == 0 {
		return nil
	}
	out := make(map[string]any, len(p.data))
	for k, v := range p.data {
		out[k] = v
	}
	return out
}

func (p *Player) checkAlive() error {
	if p.destroyed {
		return ErrPlayerDestroyed
	}
	return nil
}

// ── Voice ────────────────────────────────────────────────────────────────────

type gatewayVoicePayload struct {
	Op int                `json:"op"`
	D  gatewayVoiceUpdate `json:"d"`
}

type gatewayVoiceUpdate struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// Connect asks the Discord gateway to join the player's voice channel.
// The node takes over once both gateway packets arrive through
// [Manager.UpdateVoiceState].
func (p *Player) Connect(ctx context.Context) error {
	p.mu.Lock()
	if err := p.checkAlive(); err != nil {
		p.mu.Unlock()
		return err
	}
	if p.voiceChannelID == "" {
		p.mu.Unlock()
		return ErrNoVoiceChannel
	}
	channel := p.voiceChannelID
	payload := gatewayVoicePayload{Op: 4, D: gatewayVoiceUpdate{
		GuildID:   p.guildID,
		ChannelID: &channel,
		SelfMute:  p.selfMute,
		SelfDeaf:  p.selfDeaf,
	}}
	p.state = StateConnecting
	p.mu.Unlock()

	if err := p.mgr.opts.Send(p.guildID, payload); err != nil {
		return fmt.Errorf("magma: player %s: send voice join: %w", p.guildID, err)
	}
	p.emitChange(StateChange{Type: ChangeConnection})
	return nil
}

// Disconnect leaves the voice channel but keeps the player alive.
func (p *Player) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	if err := p.checkAlive(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.state = StateDisconnecting
	payload := gatewayVoicePayload{Op: 4, D: gatewayVoiceUpdate{
		GuildID:  p.guildID,
		SelfMute: p.selfMute,
		SelfDeaf: p.selfDeaf,
	}}
	p.mu.Unlock()

	if err := p.mgr.opts.Send(p.guildID, payload); err != nil {
		return fmt.Errorf("magma: player %s: send voice leave: %w", p.guildID, err)
	}
	p.mu.Lock()
	p.state = StateDisconnected
	p.voice = voiceHalves{}
	p.mu.Unlock()
	p.emitChange(StateChange{Type: ChangeConnection})
	return nil
}

// MoveVoiceChannel switches to another voice channel in the same guild.
func (p *Player) MoveVoiceChannel(ctx context.Context, channelID string) error {
	p.mu.Lock()
	if err := p.checkAlive(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.voiceChannelID = channelID
	p.mu.Unlock()
	return p.Connect(ctx)
}

// handleVoiceServer records the VOICE_SERVER_UPDATE half.
func (p *Player) handleVoiceServer(ctx context.Context, token, endpoint string) {
	p.mu.Lock()
	p.voice.token = token
	p.voice.endpoint = endpoint
	p.mu.Unlock()
	p.pushVoiceIfComplete(ctx)
}

// handleVoiceState records the VOICE_STATE_UPDATE half for our own user.
// A changed channel fires PlayerMove; an empty channel means we were
// disconnected and the player is destroyed by the manager.
func (p *Player) handleVoiceState(ctx context.Context, sessionID, channelID string) {
	p.mu.Lock()
	old := p.voiceChannelID
	p.voice.sessionID = sessionID
	moved := channelID != "" && channelID != old
	if moved {
		p.voiceChannelID = channelID
	}
	p.mu.Unlock()

	if moved {
		p.mgr.bus.Emit(PlayerMoveEvent{Player: p, OldChannelID: old, NewChannelID: channelID})
		p.emitChange(StateChange{Type: ChangeChannel})
	}
	p.pushVoiceIfComplete(ctx)
}

// pushVoiceIfComplete forwards the credential triple to the node once
// both gateway halves have arrived.
func (p *Player) pushVoiceIfComplete(ctx context.Context) {
	p.mu.Lock()
	if p.destroyed || !p.voice.complete() {
		p.mu.Unlock()
		return
	}
	voice := protocol.VoiceState{
		Token:     p.voice.token,
		Endpoint:  p.voice.endpoint,
		SessionID: p.voice.sessionID,
	}
	node := p.node
	p.state = StateConnected
	p.mu.Unlock()

	if _, err := node.Rest().UpdatePlayer(ctx, p.guildID, protocol.UpdatePlayer{Voice: &voice}, false); err != nil {
		p.logger.Warn("push voice state", slog.Any("error", err))
		return
	}
	p.emitChange(StateChange{Type: ChangeConnection})
}

// ── Playback ─────────────────────────────────────────────────────────────────

// PlayOptions tunes a single Play call.
type PlayOptions struct {
	StartTime time.Duration
	EndTime   time.Duration
	NoReplace bool
}

// Play starts the queue's current track, promoting the head of the
// queue when nothing is current.
func (p *Player) Play(ctx context.Context, opts ...PlayOptions) error {
	current, ok := p.queue.Current()
	if !ok {
		if current, ok = p.queue.advance(); !ok {
			return ErrQueueEmpty
		}
	}
	return p.playTrack(ctx, current, opts...)
}

// PlayTrack makes t the current track and plays it immediately.
func (p *Player) PlayTrack(ctx context.Context, t track.Track, opts ...PlayOptions) error {
	if t.IsZero() {
		return ErrNoCurrentTrack
	}
	p.queue.setCurrent(t)
	return p.playTrack(ctx, t, opts...)
}

func (p *Player) playTrack(ctx context.Context, t track.Track, opts ...PlayOptions) error {
	p.mu.Lock()
	if err := p.checkAlive(); err != nil {
		p.mu.Unlock()
		return err
	}
	node := p.node
	volume := p.volume
	p.mu.Unlock()

	var o PlayOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	encoded := t.Encoded
	paused := false
	body := protocol.UpdatePlayer{
		Track:  &protocol.UpdatePlayerTrack{Encoded: &encoded, UserData: map[string]any{"requester": t.Requester}},
		Volume: &volume,
		Paused: &paused,
	}
	if o.StartTime > 0 {
		pos := o.StartTime.Milliseconds()
		body.Position = &pos
	}
	if o.EndTime > 0 {
		end := o.EndTime.Milliseconds()
		body.EndTime = &end
	}

	if _, err := node.Rest().UpdatePlayer(ctx, p.guildID, body, o.NoReplace); err != nil {
		return fmt.Errorf("magma: player %s: play: %w", p.guildID, err)
	}

	p.mu.Lock()
	p.playing = true
	p.paused = false
	p.position = o.StartTime
	p.positionAt = time.Now()
	p.mu.Unlock()
	p.emitChange(StateChange{Type: ChangeTrack, Details: TrackChangeDetails{Kind: "start", New: t}})
	return nil
}

// Pause pauses (true) or resumes (false) playback.
func (p *Player) Pause(ctx context.Context, pause bool) error {
	p.mu.Lock()
	if err := p.checkAlive(); err != nil {
		p.mu.Unlock()
		return err
	}
	if p.paused == pause {
		p.mu.Unlock()
		return nil
	}
	node := p.node
	p.mu.Unlock()

	if _, err := node.Rest().UpdatePlayer(ctx, p.guildID, protocol.UpdatePlayer{Paused: &pause}, false); err != nil {
		return fmt.Errorf("magma: player %s: pause: %w", p.guildID, err)
	}
	_, hasCurrent := p.queue.Current()
	p.mu.Lock()
	p.position = p.positionLocked()
	p.positionAt = time.Now()
	p.paused = pause
	// playing and paused are mutually exclusive.
	p.playing = !pause && hasCurrent
	p.mu.Unlock()
	p.emitChange(StateChange{Type: ChangePause})
	return nil
}

// Stop ends the current track. amount (default 1) additionally drops
// amount-1 upcoming tracks, making Stop(ctx, n) an n-track skip. When
// upcoming tracks remain the next one starts; otherwise the queue ends.
func (p *Player) Stop(ctx context.Context, amount ...int) error {
	n := 1
	if len(amount) > 0 {
		if amount[0] < 1 {
			return fmt.Errorf("magma: player %s: stop amount must be at least 1", p.guildID)
		}
		n = amount[0]
	}

	p.mu.Lock()
	if err := p.checkAlive(); err != nil {
		p.mu.Unlock()
		return err
	}
	node := p.node
	p.pendingSkip = true
	p.mu.Unlock()

	if n > 1 {
		p.queue.dropUpcoming(n - 1)
	}

	empty := ""
	body := protocol.UpdatePlayer{Track: &protocol.UpdatePlayerTrack{Encoded: &empty}}
	if _, err := node.Rest().UpdatePlayer(ctx, p.guildID, body, false); err != nil {
		p.mu.Lock()
		p.pendingSkip = false
		p.mu.Unlock()
		return fmt.Errorf("magma: player %s: stop: %w", p.guildID, err)
	}
	return nil
}

// Seek jumps to pos in the current track.
func (p *Player) Seek(ctx context.Context, pos time.Duration) error {
	current, ok := p.queue.Current()
	if !ok {
		return ErrNoCurrentTrack
	}
	if pos < 0 {
		pos = 0
	}
	if current.Duration > 0 && pos > current.Duration {
		pos = current.Duration
	}

	p.mu.Lock()
	if err := p.checkAlive(); err != nil {
		p.mu.Unlock()
		return err
	}
	node := p.node
	p.mu.Unlock()

	ms := pos.Milliseconds()
	if _, err := node.Rest().UpdatePlayer(ctx, p.guildID, protocol.UpdatePlayer{Position: &ms}, false); err != nil {
		return fmt.Errorf("magma: player %s: seek: %w", p.guildID, err)
	}
	p.mu.Lock()
	p.position = pos
	p.positionAt = time.Now()
	p.mu.Unlock()
	p.emitChange(StateChange{Type: ChangeTrack, Details: TrackChangeDetails{Kind: "timeUpdate", Position: pos}})
	return nil
}

// SetVolume sets the playback volume, 0 to 1000.
func (p *Player) SetVolume(ctx context.Context, volume int) error {
	if volume < 0 || volume > 1000 {
		return ErrVolumeOutOfRange
	}
	p.mu.Lock()
	if err := p.checkAlive(); err != nil {
		p.mu.Unlock()
		return err
	}
	node := p.node
	p.mu.Unlock()

	if _, err := node.Rest().UpdatePlayer(ctx, p.guildID, protocol.UpdatePlayer{Volume: &volume}, false); err != nil {
		return fmt.Errorf("magma: player %s: set volume: %w", p.guildID, err)
	}
	p.mu.Lock()
	p.volume = volume
	p.mu.Unlock()
	p.emitChange(StateChange{Type: ChangeVolume})
	return nil
}

// Previous replays the most recent history entry, pushing the displaced
// current track back onto the front of the queue.
func (p *Player) Previous(ctx context.Context) error {
	prev, err := p.queue.popPrevious()
	if err != nil {
		return err
	}
	if err := p.playTrack(ctx, prev); err != nil {
		return err
	}
	p.emitChange(StateChange{Type: ChangeTrack, Details: TrackChangeDetails{Kind: "previous", New: prev}})
	return nil
}

// Restart replays the current track from the beginning, or starts the
// queue when nothing is current.
func (p *Player) Restart(ctx context.Context) error {
	if current, ok := p.queue.Current(); ok {
		return p.playTrack(ctx, current)
	}
	return p.Play(ctx)
}

// ── Repeat modes ─────────────────────────────────────────────────────────────

// SetTrackRepeat toggles single-track repeat. Enabling it switches the
// other repeat modes off.
func (p *Player) SetTrackRepeat(enabled bool) {
	p.mu.Lock()
	p.trackRepeat = enabled
	if enabled {
		p.queueRepeat = false
		p.stopDynamicLocked()
	}
	p.mu.Unlock()
	p.emitChange(StateChange{Type: ChangeRepeat})
}

// SetQueueRepeat toggles whole-queue repeat. Enabling it switches the
// other repeat modes off.
func (p *Player) SetQueueRepeat(enabled bool) {
	p.mu.Lock()
	p.queueRepeat = enabled
	if enabled {
		p.trackRepeat = false
		p.stopDynamicLocked()
	}
	p.mu.Unlock()
	p.emitChange(StateChange{Type: ChangeRepeat})
}

// SetDynamicRepeat toggles dynamic repeat: the queue repeats like queue
// repeat, and its order is reshuffled every interval. Requires more
// than one upcoming track.
func (p *Player) SetDynamicRepeat(enabled bool, interval time.Duration) error {
	if enabled && p.queue.Size() < 2 {
		return fmt.Errorf("magma: player %s: dynamic repeat needs at least two queued tracks", p.guildID)
	}
	if interval <= 0 {
		interval = time.Minute
	}

	p.mu.Lock()
	p.stopDynamicLocked()
	p.dynamicRepeat = enabled
	if enabled {
		p.trackRepeat = false
		p.queueRepeat = false
		p.dynamicEvery = interval
		stop := make(chan struct{})
		p.dynamicStop = stop
		go p.dynamicShuffleLoop(interval, stop)
	}
	p.mu.Unlock()
	p.emitChange(StateChange{Type: ChangeRepeat})
	return nil
}

func (p *Player) stopDynamicLocked() {
	p.dynamicRepeat = false
	p.dynamicEvery = 0
	if p.dynamicStop != nil {
		close(p.dynamicStop)
		p.dynamicStop = nil
	}
}

func (p *Player) dynamicShuffleLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.queue.Shuffle()
		}
	}
}

// SetAutoplay toggles autoplay continuation. botUser tags the tracks
// autoplay enqueues; tries bounds resolution attempts per queue end
// (zero keeps the default).
func (p *Player) SetAutoplay(enabled bool, botUser string, tries int) {
	p.mu.Lock()
	p.autoplay = enabled
	if botUser != "" {
		p.autoplayUser = botUser
	}
	if tries > 0 {
		p.autoplayTries = tries
	}
	p.mu.Unlock()
	p.emitChange(StateChange{Type: ChangeAutoPlay})
}

// ── Extras ───────────────────────────────────────────────────────────────────

// Lyrics fetches lyrics for the current track through the node's lyrics
// plugin.
func (p *Player) Lyrics(ctx context.Context, skipTrackSource bool) (*protocol.Lyrics, error) {
	return p.Node().Rest().Lyrics(ctx, p.guildID, skipTrackSource)
}

// SponsorBlockCategories reads the guild's SponsorBlock categories.
func (p *Player) SponsorBlockCategories(ctx context.Context) ([]string, error) {
	return p.Node().Rest().SponsorBlockCategories(ctx, p.guildID)
}

// SetSponsorBlockCategories replaces the guild's SponsorBlock
// categories.
func (p *Player) SetSponsorBlockCategories(ctx context.Context, categories []string) error {
	return p.Node().Rest().SetSponsorBlockCategories(ctx, p.guildID, categories)
}

// ClearSponsorBlockCategories removes the guild's SponsorBlock
// configuration.
func (p *Player) ClearSponsorBlockCategories(ctx context.Context) error {
	return p.Node().Rest().DeleteSponsorBlockCategories(ctx, p.guildID)
}

// ── Destroy ──────────────────────────────────────────────────────────────────

// Destroy removes the player from the node and the manager. When
// disconnect is true the bot also leaves the voice channel.
func (p *Player) Destroy(ctx context.Context, disconnect bool) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.state = StateDestroying
	p.stopDynamicLocked()
	node := p.node
	p.mu.Unlock()

	if disconnect {
		if err := p.Disconnect(ctx); err != nil {
			p.logger.Warn("disconnect during destroy", slog.Any("error", err))
		}
	}
	if err := node.Rest().DestroyPlayer(ctx, p.guildID); err != nil {
		p.logger.Warn("destroy player on node", slog.Any("error", err))
	}

	p.mu.Lock()
	p.destroyed = true
	p.playing = false
	p.state = StateDestroyed
	p.mu.Unlock()

	p.mgr.detach(p.guildID)
	if err := p.mgr.store.DeletePlayer(p.guildID); err != nil {
		p.logger.Warn("delete player snapshot", slog.Any("error", err))
	}
	p.emitChange(StateChange{Type: ChangeDestroy})
	p.mgr.bus.Emit(PlayerDestroyEvent{Player: p})
	return nil
}

// ── Node pushes ──────────────────────────────────────────────────────────────

func (p *Player) handlePlayerUpdate(state protocol.PlayerUpdateState) {
	p.mu.Lock()
	p.position = time.Duration(state.Position) * time.Millisecond
	p.positionAt = time.Now()
	p.ping = state.Ping
	if state.Connected && p.state == StateConnecting {
		p.state = StateConnected
	}
	p.mu.Unlock()
}

func (p *Player) handleNodeEvent(ctx context.Context, ev protocol.Event) {
	switch ev.Type {
	case protocol.EventTrackStart:
		p.handleTrackStart(ctx, ev)
	case protocol.EventTrackEnd:
		p.handleTrackEnd(ctx, ev)
	case protocol.EventTrackException:
		p.handleTrackException(ev)
	case protocol.EventTrackStuck:
		current, _ := p.queue.Current()
		p.mgr.bus.Emit(TrackStuckEvent{
			Player:    p,
			Track:     current,
			Threshold: time.Duration(ev.ThresholdMs) * time.Millisecond,
		})
		// Stop the stuck track; the resulting TrackEnd advances past it.
		if err := p.Stop(ctx); err != nil {
			p.logger.Warn("stop stuck track", slog.Any("error", err))
		}
	case protocol.EventWebSocketClosed:
		p.handleSocketClosed(ctx, ev)
	case protocol.EventSegmentsLoaded:
		p.mgr.bus.Emit(SegmentsLoadedEvent{Player: p, Segments: ev.Segments})
	case protocol.EventSegmentSkipped:
		if ev.Segment != nil {
			p.mgr.bus.Emit(SegmentSkippedEvent{Player: p, Segment: *ev.Segment})
		}
	case protocol.EventChapterStarted:
		if ev.Chapter != nil {
			p.mgr.bus.Emit(ChapterStartedEvent{Player: p, Chapter: *ev.Chapter})
		}
	case protocol.EventChaptersLoaded:
		p.mgr.bus.Emit(ChaptersLoadedEvent{Player: p, Chapters: ev.Chapters})
	default:
		p.logger.Debug("unknown node event", slog.String("type", string(ev.Type)))
	}
}

func (p *Player) handleTrackStart(ctx context.Context, ev protocol.Event) {
	current, _ := p.queue.Current()
	if ev.Track != nil {
		current = p.mgr.builder.Build(*ev.Track, current.Requester)
		p.queue.setCurrent(current)
	}
	p.mu.Lock()
	p.playing = true
	p.paused = false
	p.position = 0
	p.positionAt = time.Now()
	p.mu.Unlock()

	p.mgr.metrics.RecordTrackStart(ctx, string(current.SourceName))
	p.mgr.bus.Emit(TrackStartEvent{Player: p, Track: current})
}

// handleTrackEnd drives the continuation matrix: repeat modes, skips,
// failure recovery and autoplay.
func (p *Player) handleTrackEnd(ctx context.Context, ev protocol.Event) {
	ended, _ := p.queue.Current()
	p.mgr.bus.Emit(TrackEndEvent{Player: p, Track: ended, Reason: ev.Reason})

	switch ev.Reason {
	case protocol.ReasonReplaced:
		// The replacement play already ran; nothing to continue.
		return

	case protocol.ReasonStopped:
		p.mu.Lock()
		skip := p.pendingSkip
		p.pendingSkip = false
		p.mu.Unlock()
		if skip {
			if next, ok := p.queue.advance(); ok {
				if err := p.playTrack(ctx, next); err != nil {
					p.logger.Warn("play after skip", slog.Any("error", err))
				}
				return
			}
		}
		p.endQueue(ctx, ended, false)

	case protocol.ReasonLoadFailed:
		if next, ok := p.queue.advance(); ok {
			if err := p.playTrack(ctx, next); err != nil {
				p.logger.Warn("play after load failure", slog.Any("error", err))
			}
			return
		}
		p.endQueue(ctx, ended, true)

	default: // finished, cleanup
		p.mu.Lock()
		trackRepeat := p.trackRepeat
		queueRepeat := p.queueRepeat || p.dynamicRepeat
		p.mu.Unlock()

		if trackRepeat && !ended.IsZero() {
			if err := p.playTrack(ctx, ended); err != nil {
				p.logger.Warn("replay repeated track", slog.Any("error", err))
			}
			return
		}
		if queueRepeat && !ended.IsZero() {
			// Recycle the finished track to the back of the queue
			// without a queue-change notification: rotation is not a
			// user mutation.
			p.queue.recycle(ended)
		}
		if next, ok := p.queue.advance(); ok {
			if err := p.playTrack(ctx, next); err != nil {
				p.logger.Warn("play next track", slog.Any("error", err))
			}
			return
		}
		p.endQueue(ctx, ended, true)
	}
}

// endQueue runs autoplay (when allowed) and otherwise emits queueEnd.
func (p *Player) endQueue(ctx context.Context, last track.Track, allowAutoplay bool) {
	p.mu.Lock()
	p.playing = false
	p.position = 0
	p.positionAt = time.Time{}
	autoplay := p.autoplay && allowAutoplay && !last.IsZero()
	tries := p.autoplayTries
	user := p.autoplayUser
	p.mu.Unlock()

	if autoplay {
		for attempt := 1; attempt <= tries; attempt++ {
			candidates, err := p.mgr.resolver.Resolve(ctx, last, nodeSourceAdapter{p.Node()}, searcherAdapter{p.mgr}, user)
			if err != nil {
				p.logger.Debug("autoplay resolve failed", slog.Int("attempt", attempt), slog.Any("error", err))
				continue
			}
			if len(candidates) == 0 {
				continue
			}
			pick := candidates[0]
			pick.Requester = user
			p.queue.Add(pick)
			if err := p.Play(ctx); err != nil {
				p.logger.Warn("autoplay play failed", slog.Any("error", err))
				continue
			}
			return
		}
	}

	p.emitChange(StateChange{Type: ChangeTrack, Details: TrackChangeDetails{Kind: "end", Old: last}})
	p.mgr.bus.Emit(QueueEndEvent{Player: p, LastTrack: last})
}

func (p *Player) handleTrackException(ev protocol.Event) {
	current, _ := p.queue.Current()
	p.mgr.bus.Emit(TrackErrorEvent{Player: p, Track: current, Exception: ev.Exception})
	// The node follows up with a TrackEndEvent (loadFailed), which
	// drives the continuation.
}

func (p *Player) handleSocketClosed(ctx context.Context, ev protocol.Event) {
	p.mgr.bus.Emit(SocketClosedEvent{Player: p, Code: ev.Code, Reason: string(ev.Reason), ByRemote: ev.ByRemote})
	switch ev.Code {
	case 4014, 4022:
		// Session invalidated or the channel was deleted; the voice
		// connection cannot be recovered.
		p.logger.Warn("voice session invalidated", slog.Int("code", ev.Code))
		if err := p.Destroy(ctx, false); err != nil {
			p.logger.Warn("destroy after voice close", slog.Any("error", err))
		}
	case 4006, 4009, 4015:
		// Recoverable: replay the credential triple.
		p.pushVoiceIfComplete(ctx)
	}
}

// moveToNode migrates the player to another node, restoring playback at
// the last known position.
func (p *Player) moveToNode(ctx context.Context, target *Node) error {
	p.mu.Lock()
	if err := p.checkAlive(); err != nil {
		p.mu.Unlock()
		return err
	}
	old := p.node
	p.node = target
	position := p.positionLocked()
	playing := p.playing
	paused := p.paused
	var voice *protocol.VoiceState
	if p.voice.complete() {
		voice = &protocol.VoiceState{
			Token:     p.voice.token,
			Endpoint:  p.voice.endpoint,
			SessionID: p.voice.sessionID,
		}
	}
	volume := p.volume
	p.mu.Unlock()

	if old != nil {
		if err := old.Rest().DestroyPlayer(ctx, p.guildID); err != nil {
			p.logger.Debug("destroy on old node", slog.Any("error", err))
		}
	}
	if voice != nil {
		if _, err := target.Rest().UpdatePlayer(ctx, p.guildID, protocol.UpdatePlayer{Voice: voice}, false); err != nil {
			return fmt.Errorf("magma: player %s: restore voice on %s: %w", p.guildID, target.Identifier(), err)
		}
	}
	if playing || paused {
		if current, ok := p.queue.Current(); ok {
			encoded := current.Encoded
			pos := position.Milliseconds()
			body := protocol.UpdatePlayer{
				Track:    &protocol.UpdatePlayerTrack{Encoded: &encoded},
				Position: &pos,
				Volume:   &volume,
				Paused:   &paused,
			}
			if _, err := target.Rest().UpdatePlayer(ctx, p.guildID, body, false); err != nil {
				return fmt.Errorf("magma: player %s: resume on %s: %w", p.guildID, target.Identifier(), err)
			}
		}
	}
	p.mgr.metrics.PlayerMigrations.Add(ctx, 1)
	p.logger.Info("player migrated", slog.String("to", target.Identifier()))
	return nil
}
