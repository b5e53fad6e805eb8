// Package magma is the orchestration core of the library: a Manager
// owning a pool of audio nodes and the per-guild players on them, with
// voice-state coordination, session persistence and a typed event bus.
package magma

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/magmastream/magmastream-go/internal/observe"
	"github.com/magmastream/magmastream-go/internal/sessionstore"
	"github.com/magmastream/magmastream-go/pkg/autoplay"
	"github.com/magmastream/magmastream-go/pkg/protocol"
	"github.com/magmastream/magmastream-go/pkg/track"
)

// Manager owns the node pool, the player registry and the event bus.
// Create one per bot process with [New], then call [Manager.Init] once
// the Discord gateway has identified.
type Manager struct {
	opts     Options
	bus      *Bus
	logger   *slog.Logger
	metrics  *observe.Metrics
	store    *sessionstore.Store
	builder  *track.Builder
	resolver *autoplay.Resolver

	mu          sync.RWMutex
	clientID    string
	initialized bool
	nodes       map[string]*Node
	players     map[string]*Player
}

// New validates opts and builds a Manager. Nodes are created and
// connected later, by [Manager.Init].
func New(opts Options) (*Manager, error) {
	opts.applyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("magma: invalid options: %w", err)
	}

	builder, err := track.NewBuilder(opts.TrackPartial, opts.CleanYouTubeTitles, nil)
	if err != nil {
		return nil, fmt.Errorf("magma: %w", err)
	}

	m := &Manager{
		opts:    opts,
		bus:     NewBus(),
		logger:  opts.Logger.With(slog.String("component", "magma")),
		metrics: observe.DefaultMetrics(),
		store:   sessionstore.New(opts.StateStorageDir),
		builder: builder,
		nodes:   map[string]*Node{},
		players: map[string]*Player{},
	}
	m.resolver = autoplay.New(
		autoplay.WithPlatforms(opts.AutoPlaySearchPlatforms),
		autoplay.WithLastFmAPIKey(opts.LastFmAPIKey),
		autoplay.WithHTTPClient(opts.HTTPClient),
		autoplay.WithLogger(m.logger),
	)
	return m, nil
}

// Bus returns the manager's event bus.
func (m *Manager) Bus() *Bus { return m.bus }

// ClientID returns the bot user id passed to Init.
func (m *Manager) ClientID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clientID
}

// Init wires the manager to the identified bot user: nodes are created,
// plugins loaded and every node connected. Safe to call once; later
// calls are no-ops.
func (m *Manager) Init(ctx context.Context, clientID string) error {
	if clientID == "" {
		return fmt.Errorf("magma: init: client id must not be empty")
	}
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.clientID = clientID
	m.initialized = true
	m.mu.Unlock()

	for _, nopts := range m.opts.Nodes {
		if _, err := m.CreateNode(nopts); err != nil {
			return err
		}
	}
	for _, p := range m.opts.Plugins {
		if err := p.Load(m); err != nil {
			return fmt.Errorf("magma: load plugin %s: %w", p.Name(), err)
		}
		m.logger.Info("plugin loaded", slog.String("plugin", p.Name()))
	}

	for _, n := range m.NodeList() {
		if err := n.Connect(ctx); err != nil {
			// A node that is down at startup reconnects on its own
			// schedule; the pool stays usable through the others.
			m.logger.Warn("initial node connect failed",
				slog.String("node", n.Identifier()), slog.Any("error", err))
			m.bus.Emit(NodeErrorEvent{Node: n, Err: err})
			go n.reconnectLoop()
		}
	}
	return nil
}

// ── Node pool ────────────────────────────────────────────────────────────────

// CreateNode adds a node to the pool without connecting it. A previous
// session id persisted for the identifier is picked up for resuming.
func (m *Manager) CreateNode(opts NodeOptions) (*Node, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("magma: node %q: %w", opts.Identifier, err)
	}

	m.mu.Lock()
	if existing, ok := m.nodes[opts.Identifier]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	n := newNode(m, opts)
	if sid, ok := m.store.SessionID(opts.Identifier, m.opts.ClusterID); ok {
		n.sessionID = sid
	}
	m.nodes[opts.Identifier] = n
	m.mu.Unlock()

	m.bus.Emit(NodeCreateEvent{Node: n})
	return n, nil
}

// NodeByIdentifier returns the named node.
func (m *Manager) NodeByIdentifier(identifier string) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[identifier]
	if !ok {
		return nil, fmt.Errorf("magma: node %q: %w", identifier, ErrNodeNotFound)
	}
	return n, nil
}

// NodeList returns the nodes currently in the pool.
func (m *Manager) NodeList() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	return out
}

// DestroyNode removes the named node, migrating its players first.
func (m *Manager) DestroyNode(ctx context.Context, identifier string) error {
	n, err := m.NodeByIdentifier(identifier)
	if err != nil {
		return err
	}
	return n.Destroy(ctx)
}

func (m *Manager) removeNode(n *Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nodes[n.Identifier()] == n {
		delete(m.nodes, n.Identifier())
	}
}

// recycleNode replaces a node whose session the server forgot with a
// fresh one using the same options.
func (m *Manager) recycleNode(ctx context.Context, n *Node) {
	opts := n.Options()
	if err := n.Destroy(ctx); err != nil {
		m.logger.Warn("destroy stale node", slog.Any("error", err))
	}
	fresh, err := m.CreateNode(opts)
	if err != nil {
		m.logger.Error("recreate node", slog.String("node", opts.Identifier), slog.Any("error", err))
		return
	}
	// The old session id is gone for good; start clean.
	fresh.mu.Lock()
	fresh.sessionID = ""
	fresh.mu.Unlock()
	if err := fresh.Connect(ctx); err != nil {
		m.logger.Warn("connect recreated node", slog.Any("error", err))
		go fresh.reconnectLoop()
	}
}

// UseableNode picks the best connected node: pinned priority draw when
// UsePriority is set, otherwise the configured least-load strategy.
func (m *Manager) UseableNode() (*Node, error) {
	m.mu.RLock()
	var connected []*Node
	for _, n := range m.nodes {
		if n.Connected() {
			connected = append(connected, n)
		}
	}
	m.mu.RUnlock()
	if len(connected) == 0 {
		return nil, ErrNoUseableNode
	}
	if m.opts.UsePriority {
		if n := priorityDraw(connected); n != nil {
			return n, nil
		}
	}
	switch m.opts.UseNode {
	case NodeStrategyLeastLoad:
		return leastLoadNode(connected), nil
	default:
		return leastPlayersNode(connected), nil
	}
}

// priorityDraw samples a node weighted by its priority. Nodes with zero
// priority only play when every priority is zero.
func priorityDraw(nodes []*Node) *Node {
	total := 0
	for _, n := range nodes {
		total += n.Options().Priority
	}
	if total == 0 {
		return nil
	}
	pick := rand.IntN(total)
	for _, n := range nodes {
		pick -= n.Options().Priority
		if pick < 0 {
			return n
		}
	}
	return nodes[len(nodes)-1]
}

func leastLoadNode(nodes []*Node) *Node {
	best := nodes[0]
	bestLoad := nodeLoad(best)
	for _, n := range nodes[1:] {
		if l := nodeLoad(n); l < bestLoad {
			best, bestLoad = n, l
		}
	}
	return best
}

// nodeLoad is the node's Lavalink CPU load normalised per core.
func nodeLoad(n *Node) float64 {
	stats := n.Stats()
	if stats.CPU.Cores == 0 {
		return 0
	}
	return stats.CPU.LavalinkLoad / float64(stats.CPU.Cores)
}

func leastPlayersNode(nodes []*Node) *Node {
	best := nodes[0]
	for _, n := range nodes[1:] {
		if n.Stats().Players < best.Stats().Players {
			best = n
		}
	}
	return best
}

// migratePlayersFrom moves every player off the given node onto the
// best remaining node. With no other node available the players are
// left in place and will fail loudly on their next operation.
func (m *Manager) migratePlayersFrom(ctx context.Context, from *Node) {
	m.mu.RLock()
	var moving []*Player
	for _, p := range m.players {
		if p.Node() == from {
			moving = append(moving, p)
		}
	}
	m.mu.RUnlock()
	if len(moving) == 0 {
		return
	}

	m.mu.RLock()
	var target *Node
	for _, n := range m.nodes {
		if n != from && n.Connected() {
			target = n
			break
		}
	}
	m.mu.RUnlock()
	if target == nil {
		m.logger.Error("no node available for player migration",
			slog.String("from", from.Identifier()), slog.Int("players", len(moving)))
		return
	}
	for _, p := range moving {
		if err := p.moveToNode(ctx, target); err != nil {
			m.logger.Warn("player migration failed",
				slog.String("guild", p.GuildID()), slog.Any("error", err))
		}
	}
}

// ── Player registry ──────────────────────────────────────────────────────────

// Create returns the guild's player, building one when none exists.
func (m *Manager) Create(opts PlayerOptions) (*Player, error) {
	if opts.GuildID == "" {
		return nil, fmt.Errorf("magma: create player: guild id must not be empty")
	}
	m.mu.RLock()
	initialized := m.initialized
	existing := m.players[opts.GuildID]
	m.mu.RUnlock()
	if !initialized {
		return nil, ErrNotInitialized
	}
	if existing != nil {
		return existing, nil
	}

	var node *Node
	var err error
	if opts.NodeIdentifier != "" {
		node, err = m.NodeByIdentifier(opts.NodeIdentifier)
	} else {
		node, err = m.UseableNode()
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing := m.players[opts.GuildID]; existing != nil {
		m.mu.Unlock()
		return existing, nil
	}
	p := newPlayer(m, node, opts)
	m.players[opts.GuildID] = p
	m.mu.Unlock()

	m.metrics.ActivePlayers.Add(context.Background(), 1)
	m.bus.Emit(PlayerCreateEvent{Player: p})
	p.emitChange(StateChange{Type: ChangeCreate})
	return p, nil
}

// Get returns the guild's player.
func (m *Manager) Get(guildID string) (*Player, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.players[guildID]
	if !ok {
		return nil, fmt.Errorf("magma: guild %s: %w", guildID, ErrPlayerNotFound)
	}
	return p, nil
}

// Players returns a snapshot of the player registry keyed by guild id.
func (m *Manager) Players() map[string]*Player {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Player, len(m.players))
	for g, p := range m.players {
		out[g] = p
	}
	return out
}

// Destroy tears the guild's player down on the node and locally.
func (m *Manager) Destroy(ctx context.Context, guildID string) error {
	p, err := m.Get(guildID)
	if err != nil {
		return err
	}
	return p.Destroy(ctx, true)
}

// Detach removes the guild's player from the registry without touching
// the node, leaving server-side playback untouched.
func (m *Manager) Detach(guildID string) error {
	m.mu.RLock()
	_, ok := m.players[guildID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("magma: guild %s: %w", guildID, ErrPlayerNotFound)
	}
	m.detach(guildID)
	return nil
}

func (m *Manager) detach(guildID string) {
	m.mu.Lock()
	_, ok := m.players[guildID]
	delete(m.players, guildID)
	m.mu.Unlock()
	if ok {
		m.metrics.ActivePlayers.Add(context.Background(), -1)
	}
}

// ── Voice-state routing ──────────────────────────────────────────────────────

// voicePacket is the wrapped gateway dispatch shape {t, d}.
type voicePacket struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d"`
}

// voiceData is the union of VOICE_SERVER_UPDATE and VOICE_STATE_UPDATE
// payload fields the manager cares about.
type voiceData struct {
	Token     string  `json:"token"`
	Endpoint  string  `json:"endpoint"`
	GuildID   string  `json:"guild_id"`
	SessionID string  `json:"session_id"`
	ChannelID *string `json:"channel_id"`
	UserID    string  `json:"user_id"`
}

// UpdateVoiceState routes one Discord gateway voice packet to the
/// guild's player. Both the wrapped dispatch form ({"t": ..., "d": ...})
// and the bare payload are accepted. Packets for guilds without a
// player, or state updates for other users, are ignored.
func (m *Manager) UpdateVoiceState(ctx context.Context, payload []byte) error {
	var packet voicePacket
	inner := payload
	if err := json.Unmarshal(payload, &packet); err == nil && len(packet.D) > 0 {
		inner = packet.D
	}
	var d voiceData
	if err := json.Unmarshal(inner, &d); err != nil {
		return fmt.Errorf("magma: voice packet: %w", err)
	}
	if d.GuildID == "" || (d.Token == "" && d.SessionID == "") {
		return fmt.Errorf("magma: voice packet: missing guild id or credentials")
	}

	p, err := m.Get(d.GuildID)
	if err != nil {
		return nil
	}

	if d.Token != "" {
		// VOICE_SERVER_UPDATE carries token and endpoint.
		p.handleVoiceServer(ctx, d.Token, d.Endpoint)
		return nil
	}

	// VOICE_STATE_UPDATE: only our own user is interesting.
	if d.UserID != "" && d.UserID != m.ClientID() {
		return nil
	}
	if d.ChannelID == nil || *d.ChannelID == "" {
		old := p.VoiceChannelID()
		m.bus.Emit(PlayerDisconnectEvent{Player: p, OldChannelID: old})
		if err := p.Destroy(ctx, false); err != nil {
			m.logger.Warn("destroy after voice disconnect", slog.Any("error", err))
		}
		return nil
	}
	p.handleVoiceState(ctx, d.SessionID, *d.ChannelID)
	return nil
}

// ── Search and decode ────────────────────────────────────────────────────────

// PlaylistResult is the playlist part of a SearchResult.
type PlaylistResult struct {
	Name          string
	SelectedTrack int
	Duration      time.Duration
	Tracks        []track.Track
}

// SearchResult is the library's view of one load/search round-trip.
type SearchResult struct {
	LoadType protocol.LoadType
	Tracks   []track.Track
	Playlist *PlaylistResult
}

// Search resolves a query on the best available node. URLs load
// directly; plain text is prefixed with the default search platform.
func (m *Manager) Search(ctx context.Context, query, requester string) (*SearchResult, error) {
	return m.SearchWith(ctx, query, m.opts.DefaultSearchPlatform, requester)
}

// SearchWith resolves a query using a specific source's search prefix.
func (m *Manager) SearchWith(ctx context.Context, query string, source track.Source, requester string) (*SearchResult, error) {
	node, err := m.UseableNode()
	if err != nil {
		return nil, err
	}
	return m.searchOnNode(ctx, node, query, source, requester)
}

func (m *Manager) searchOnNode(ctx context.Context, node *Node, query string, source track.Source, requester string) (*SearchResult, error) {
	identifier := query
	if !strings.Contains(query, "://") {
		prefix, ok := source.SearchPrefix()
		if !ok {
			prefix, _ = track.SourceYouTube.SearchPrefix()
		}
		identifier = prefix + ":" + query
	}

	res, err := node.Rest().LoadTracks(ctx, identifier)
	if err != nil {
		return nil, err
	}
	return m.buildSearchResult(res, requester)
}

func (m *Manager) buildSearchResult(res *protocol.LoadResult, requester string) (*SearchResult, error) {
	out := &SearchResult{LoadType: res.LoadType}
	switch res.LoadType {
	case protocol.LoadTypeTrack:
		raw, err := res.Track()
		if err != nil {
			return nil, fmt.Errorf("magma: decode track result: %w", err)
		}
		out.Tracks = []track.Track{m.builder.Build(raw, requester)}
	case protocol.LoadTypeSearch:
		raws, err := res.Tracks()
		if err != nil {
			return nil, fmt.Errorf("magma: decode search result: %w", err)
		}
		out.Tracks = m.builder.BuildAll(raws, requester)
	case protocol.LoadTypePlaylist:
		pl, err := res.Playlist()
		if err != nil {
			return nil, fmt.Errorf("magma: decode playlist result: %w", err)
		}
		tracks := m.builder.BuildAll(pl.Tracks, requester)
		var total time.Duration
		for _, t := range tracks {
			total += t.Duration
		}
		out.Tracks = tracks
		out.Playlist = &PlaylistResult{
			Name:          pl.Info.Name,
			SelectedTrack: pl.Info.SelectedTrack,
			Duration:      total,
			Tracks:        tracks,
		}
	case protocol.LoadTypeEmpty:
		// No matches; Tracks stays empty.
	case protocol.LoadTypeError:
		exc, err := res.Exception()
		if err != nil {
			return nil, fmt.Errorf("magma: decode load error: %w", err)
		}
		return nil, fmt.Errorf("magma: load failed: %s (severity %s)", exc.Message, exc.Severity)
	}
	return out, nil
}

// DecodeTrack expands one encoded track string into a full track.
func (m *Manager) DecodeTrack(ctx context.Context, encoded, requester string) (track.Track, error) {
	tracks, err := m.DecodeTracks(ctx, []string{encoded}, requester)
	if err != nil {
		return track.Track{}, err
	}
	if len(tracks) == 0 {
		return track.Track{}, fmt.Errorf("magma: decode track: empty response")
	}
	return tracks[0], nil
}

// DecodeTracks expands encoded track strings into full tracks.
func (m *Manager) DecodeTracks(ctx context.Context, encoded []string, requester string) ([]track.Track, error) {
	node, err := m.UseableNode()
	if err != nil {
		return nil, err
	}
	raws, err := node.Rest().DecodeTracks(ctx, encoded)
	if err != nil {
		return nil, err
	}
	return m.builder.BuildAll(raws, requester), nil
}

// ── Autoplay adapters ────────────────────────────────────────────────────────

// searcherAdapter exposes the manager as an autoplay search surface.
type searcherAdapter struct{ m *Manager }

func (a searcherAdapter) Search(ctx context.Context, query, requester string) ([]track.Track, error) {
	res, err := a.m.Search(ctx, query, requester)
	if err != nil {
		return nil, err
	}
	return res.Tracks, nil
}

func (a searcherAdapter) SearchPlatform(ctx context.Context, platform track.Source, query, requester string) ([]track.Track, error) {
	res, err := a.m.SearchWith(ctx, query, platform, requester)
	if err != nil {
		return nil, err
	}
	return res.Tracks, nil
}

// nodeSourceAdapter exposes one node as an autoplay load surface.
type nodeSourceAdapter struct{ n *Node }

func (a nodeSourceAdapter) LoadTracks(ctx context.Context, identifier, requester string) ([]track.Track, error) {
	res, err := a.n.Rest().LoadTracks(ctx, identifier)
	if err != nil {
		return nil, err
	}
	return a.n.mgr.buildSearchTracks(res, requester)
}

func (a nodeSourceAdapter) SourceManagers() []string {
	return a.n.SourceManagers()
}

// buildSearchTracks flattens any load result shape into a track list.
func (m *Manager) buildSearchTracks(res *protocol.LoadResult, requester string) ([]track.Track, error) {
	sr, err := m.buildSearchResult(res, requester)
	if err != nil {
		return nil, err
	}
	return sr.Tracks, nil
}

var (
	_ autoplay.Searcher   = searcherAdapter{}
	_ autoplay.NodeSource = nodeSourceAdapter{}
)
