package magma

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coder/websocket"

	"github.com/magmastream/magmastream-go/pkg/track"
)

// shutdownGrace bounds how long HandleShutdown waits for snapshot
// writes before giving up.
const shutdownGrace = 2 * time.Second

// playerSnapshot is the on-disk shape of one player. It carries plain
// data only; node and manager references are rebuilt on load.
type playerSnapshot struct {
	GuildID         string           `json:"guildId"`
	NodeID          string           `json:"nodeId"`
	VoiceChannelID  string           `json:"voiceChannelId,omitempty"`
	TextChannelID   string           `json:"textChannelId,omitempty"`
	SelfMute        bool             `json:"selfMute,omitempty"`
	SelfDeaf        bool             `json:"selfDeaf,omitempty"`
	Volume          int              `json:"volume"`
	Paused          bool             `json:"paused,omitempty"`
	Playing         bool             `json:"playing,omitempty"`
	PositionMs      int64            `json:"positionMs,omitempty"`
	TrackRepeat     bool             `json:"trackRepeat,omitempty"`
	QueueRepeat     bool             `json:"queueRepeat,omitempty"`
	DynamicRepeat   bool             `json:"dynamicRepeat,omitempty"`
	DynamicRepeatMs int64            `json:"dynamicRepeatIntervalMs,omitempty"`
	Autoplay        bool             `json:"autoplay,omitempty"`
	AutoplayTries   int              `json:"autoplayTries,omitempty"`
	Voice           *voiceSnapshot   `json:"voice,omitempty"`
	Filters         *filtersSnapshot `json:"filters,omitempty"`
	Data            map[string]any   `json:"data,omitempty"`
	Current         track.Track      `json:"current,omitzero"`
	Queue           []track.Track    `json:"queue,omitempty"`
	Previous        []track.Track    `json:"previous,omitempty"`
	SavedAt         time.Time        `json:"savedAt"`
}

// voiceSnapshot persists the gateway credential triple so a restored
// player can re-authorise the node without waiting for fresh packets.
type voiceSnapshot struct {
	Token     string `json:"token,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

func (p *Player) buildSnapshot() playerSnapshot {
	current, _ := p.queue.Current()
	filters := p.filters.snapshot()
	p.mu.Lock()
	defer p.mu.Unlock()
	var voice *voiceSnapshot
	if p.voice != (voiceHalves{}) {
		voice = &voiceSnapshot{
			Token:     p.voice.token,
			Endpoint:  p.voice.endpoint,
			SessionID: p.voice.sessionID,
		}
	}
	return playerSnapshot{
		GuildID:         p.guildID,
		NodeID:          p.node.Identifier(),
		VoiceChannelID:  p.voiceChannelID,
		TextChannelID:   p.textChannelID,
		SelfMute:        p.selfMute,
		SelfDeaf:        p.selfDeaf,
		Volume:          p.volume,
		Paused:          p.paused,
		Playing:         p.playing,
		PositionMs:      p.positionLocked().Milliseconds(),
		TrackRepeat:     p.trackRepeat,
		QueueRepeat:     p.queueRepeat,
		DynamicRepeat:   p.dynamicRepeat,
		DynamicRepeatMs: p.dynamicEvery.Milliseconds(),
		Autoplay:        p.autoplay,
		AutoplayTries:   p.autoplayTries,
		Voice:           voice,
		Filters:         filters,
		Data:            p.dataCopyLocked(),
		Current:         current,
		Queue:           p.queue.Tracks(),
		Previous:        p.queue.Previous(),
		SavedAt:         time.Now().UTC(),
	}
}

func (p *Player) applySnapshot(s playerSnapshot) {
	p.queue.restore(s.Current, s.Queue, s.Previous)
	p.filters.restoreSnapshot(s.Filters)
	p.mu.Lock()
	p.voiceChannelID = s.VoiceChannelID
	p.textChannelID = s.TextChannelID
	p.selfMute = s.SelfMute
	p.selfDeaf = s.SelfDeaf
	p.volume = s.Volume
	p.paused = s.Paused
	p.trackRepeat = s.TrackRepeat
	p.queueRepeat = s.QueueRepeat
	p.autoplay = s.Autoplay
	if s.AutoplayTries > 0 {
		p.autoplayTries = s.AutoplayTries
	}
	if s.Data != nil {
		p.data = s.Data
	}
	if s.Voice != nil {
		p.voice = voiceHalves{
			token:     s.Voice.Token,
			endpoint:  s.Voice.Endpoint,
			sessionID: s.Voice.SessionID,
		}
	}
	p.position = time.Duration(s.PositionMs) * time.Millisecond
	p.mu.Unlock()
	if s.DynamicRepeat {
		interval := time.Duration(s.DynamicRepeatMs) * time.Millisecond
		if err := p.SetDynamicRepeat(true, interval); err != nil {
			p.logger.Debug("restore dynamic repeat", slog.Any("error", err))
		}
	}
}

// SavePlayerState persists the guild's player snapshot to disk.
func (m *Manager) SavePlayerState(ctx context.Context, guildID string) error {
	p, err := m.Get(guildID)
	if err != nil {
		return err
	}
	snap := p.buildSnapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("magma: marshal snapshot %s: %w", guildID, err)
	}

	start := time.Now()
	if err := m.store.WritePlayer(guildID, data); err != nil {
		return fmt.Errorf("magma: %w", err)
	}
	m.metrics.SnapshotWriteDuration.Record(ctx, time.Since(start).Seconds())
	return nil
}

// loadPlayerStates rehydrates the players that were persisted against
// the given node's identifier, reconciling with what the node actually
// still holds for the (possibly resumed) session. Each processed
// snapshot file is removed.
func (m *Manager) loadPlayerStates(ctx context.Context, n *Node) {
	snaps, err := m.store.Players()
	if err != nil {
		m.logger.Warn("list player snapshots", slog.Any("error", err))
		return
	}
	if len(snaps) == 0 {
		return
	}

	live := map[string]bool{}
	if players, err := n.Rest().GetAllPlayers(ctx); err != nil {
		m.logger.Debug("list live players", slog.String("node", n.Identifier()), slog.Any("error", err))
	} else {
		for _, rp := range players {
			live[rp.GuildID] = true
		}
	}

	for _, raw := range snaps {
		var snap playerSnapshot
		if err := json.Unmarshal(raw.Data, &snap); err != nil {
			m.logger.Warn("corrupt player snapshot", slog.String("guild", raw.GuildID), slog.Any("error", err))
			_ = m.store.DeletePlayer(raw.GuildID)
			continue
		}
		if snap.NodeID != n.Identifier() {
			continue
		}
		if _, err := m.Get(snap.GuildID); err == nil {
			_ = m.store.DeletePlayer(snap.GuildID)
			continue
		}

		p, err := m.Create(PlayerOptions{
			GuildID:        snap.GuildID,
			VoiceChannelID: snap.VoiceChannelID,
			TextChannelID:  snap.TextChannelID,
			NodeIdentifier: n.Identifier(),
		})
		if err != nil {
			m.logger.Warn("rehydrate player", slog.String("guild", snap.GuildID), slog.Any("error", err))
			continue
		}
		p.applySnapshot(snap)
		p.pushVoiceIfComplete(ctx)
		if p.filters.active() {
			if err := p.filters.Push(ctx); err != nil {
				m.logger.Debug("restore filters", slog.String("guild", snap.GuildID), slog.Any("error", err))
			}
		}

		if snap.Playing && !snap.Current.IsZero() && !live[snap.GuildID] {
			// The node lost the session; replay from where we left off.
			if err := p.playTrack(ctx, snap.Current, PlayOptions{StartTime: time.Duration(snap.PositionMs) * time.Millisecond}); err != nil {
				m.logger.Warn("resume playback", slog.String("guild", snap.GuildID), slog.Any("error", err))
			}
			if snap.Paused {
				if err := p.Pause(ctx, true); err != nil {
					m.logger.Debug("restore pause", slog.Any("error", err))
				}
			}
		}

		_ = m.store.DeletePlayer(snap.GuildID)
		m.logger.Info("player rehydrated",
			slog.String("guild", snap.GuildID), slog.String("node", n.Identifier()))
	}
}

// HandleShutdown persists every live player, prunes stale snapshots,
// unloads plugins and closes the node sockets without destroying the
// server-side sessions (so a restart can resume them). Bounded by a
// short grace period on top of ctx.
func (m *Manager) HandleShutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	players := m.Players()
	live := make(map[string]bool, len(players))

	g, gctx := errgroup.WithContext(ctx)
	for guildID := range players {
		live[guildID] = true
		g.Go(func() error {
			return m.SavePlayerState(gctx, guildID)
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Warn("snapshot players on shutdown", slog.Any("error", err))
	}
	if err := m.store.PruneExcept(live); err != nil {
		m.logger.Warn("prune snapshots", slog.Any("error", err))
	}

	for _, p := range m.opts.Plugins {
		if err := p.Unload(m); err != nil {
			m.logger.Warn("unload plugin", slog.String("plugin", p.Name()), slog.Any("error", err))
		}
	}

	for _, n := range m.NodeList() {
		n.shutdown()
	}
	m.logger.Info("manager shut down", slog.Int("players", len(players)))
	return nil
}

// shutdown closes the node socket without migrating players or removing
// the node from the pool, leaving the server-side session resumable.
func (n *Node) shutdown() {
	n.mu.Lock()
	if n.destroyed {
		n.mu.Unlock()
		return
	}
	n.destroyed = true
	n.connected = false
	conn := n.conn
	cancel := n.cancel
	n.conn = nil
	n.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}
	if cancel != nil {
		cancel()
	}
	n.wg.Wait()
}
