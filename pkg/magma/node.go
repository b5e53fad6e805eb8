package magma

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/magmastream/magmastream-go/internal/observe"
	"github.com/magmastream/magmastream-go/pkg/protocol"
)

// Node is one audio node: a WebSocket session for server-pushed state
// plus a REST client for commands. Nodes are created through
// [Manager.CreateNode] and connected during [Manager.Init].
type Node struct {
	opts    NodeOptions
	mgr     *Manager
	rest    *Rest
	logger  *slog.Logger
	metrics *observe.Metrics

	mu        sync.RWMutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	connected bool
	destroyed bool
	sessionID string
	resumed   bool
	attempts  int
	stats     protocol.Stats
	info      *protocol.Info

	wg sync.WaitGroup
}

func newNode(mgr *Manager, opts NodeOptions) *Node {
	opts.applyDefaults()
	n := &Node{
		opts:    opts,
		mgr:     mgr,
		logger:  mgr.logger.With(slog.String("node", opts.Identifier)),
		metrics: observe.DefaultMetrics(),
	}
	n.rest = newRest(n)
	return n
}

// Identifier returns the node's name in the pool.
func (n *Node) Identifier() string { return n.opts.Identifier }

// Options returns a copy of the node's configuration.
func (n *Node) Options() NodeOptions { return n.opts }

// Rest returns the node's REST client.
func (n *Node) Rest() *Rest { return n.rest }

// Connected reports whether the WebSocket session is up.
func (n *Node) Connected() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.connected
}

// SessionID returns the session id the node assigned on ready, or ""
// before the first ready frame.
func (n *Node) SessionID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sessionID
}

// Stats returns the node's most recent stats frame.
func (n *Node) Stats() protocol.Stats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stats
}

// Info returns the node's capability report, fetched after ready. Nil
// until the first successful fetch.
func (n *Node) Info() *protocol.Info {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.info
}

// SourceManagers lists the source managers the node advertises, or nil
// when the capability report has not been fetched yet.
func (n *Node) SourceManagers() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.info == nil {
		return nil
	}
	return append([]string{}, n.info.SourceManagers...)
}

func (n *Node) wsURL() string {
	scheme := "ws"
	if n.opts.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/v4/websocket", scheme, n.opts.Host, n.opts.Port)
}

// Connect dials the node's WebSocket endpoint and starts the read loop.
// The session is not usable for players until the node reports ready.
func (n *Node) Connect(ctx context.Context) error {
	n.mu.Lock()
	if n.destroyed {
		n.mu.Unlock()
		return fmt.Errorf("magma: node %s: %w", n.opts.Identifier, ErrNodeNotFound)
	}
	if n.connected {
		n.mu.Unlock()
		return nil
	}
	header := http.Header{}
	header.Set("Authorization", n.opts.Password)
	header.Set("User-Id", n.mgr.clientID)
	header.Set("Client-Name", fmt.Sprintf("%s/%s", n.mgr.opts.ClientName, Version))
	if n.sessionID != "" {
		// Ask the node to resume our previous session.
		header.Set("Session-Id", n.sessionID)
	}
	n.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, n.wsURL(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("magma: node %s: dial: %w", n.opts.Identifier, err)
	}
	conn.SetReadLimit(1 << 22)

	runCtx, cancel := context.WithCancel(context.Background())
	n.mu.Lock()
	n.conn = conn
	n.cancel = cancel
	n.connected = true
	n.mu.Unlock()

	n.metrics.NodeConnects.Add(ctx, 1, observe.NodeAttr(n.opts.Identifier))
	n.logger.Info("node socket open")

	n.wg.Add(1)
	go n.readLoop(runCtx, conn)
	return nil
}

func (n *Node) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer n.wg.Done()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			n.handleSocketClose(err)
			return
		}
		n.mgr.bus.Emit(NodeRawEvent{Node: n, Payload: data})
		n.handleMessage(ctx, data)
	}
}

func (n *Node) handleMessage(ctx context.Context, data []byte) {
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		n.logger.Warn("undecodable node frame", slog.Any("error", err))
		return
	}
	switch msg.Op {
	case protocol.OpReady:
		var ready protocol.Ready
		if err := msg.Decode(&ready); err != nil {
			n.logger.Warn("bad ready frame", slog.Any("error", err))
			return
		}
		n.handleReady(ctx, ready)
	case protocol.OpStats:
		var stats protocol.Stats
		if err := msg.Decode(&stats); err != nil {
			n.logger.Warn("bad stats frame", slog.Any("error", err))
			return
		}
		n.mu.Lock()
		n.stats = stats
		n.mu.Unlock()
	case protocol.OpPlayerUpdate:
		var upd protocol.PlayerUpdate
		if err := msg.Decode(&upd); err != nil {
			n.logger.Warn("bad playerUpdate frame", slog.Any("error", err))
			return
		}
		if p, err := n.mgr.Get(upd.GuildID); err == nil {
			p.handlePlayerUpdate(upd.State)
		}
	case protocol.OpEvent:
		var ev protocol.Event
		if err := msg.Decode(&ev); err != nil {
			n.logger.Warn("bad event frame", slog.Any("error", err))
			return
		}
		p, err := n.mgr.Get(ev.GuildID)
		if err != nil {
			n.logger.Debug("event for unknown guild",
				slog.String("guild", ev.GuildID), slog.String("type", string(ev.Type)))
			return
		}
		p.handleNodeEvent(ctx, ev)
	default:
		n.logger.Debug("unknown node op", slog.String("op", string(msg.Op)))
	}
}

func (n *Node) handleReady(ctx context.Context, ready protocol.Ready) {
	n.mu.Lock()
	n.sessionID = ready.SessionID
	n.resumed = ready.Resumed
	n.attempts = 0
	n.mu.Unlock()

	if err := n.mgr.store.SetSessionID(n.opts.Identifier, n.mgr.opts.ClusterID, ready.SessionID); err != nil {
		n.logger.Warn("persist session id", slog.Any("error", err))
	}
	if n.opts.ResumeStatus {
		if err := n.rest.UpdateSession(ctx, true, time.Duration(n.opts.ResumeTimeout)); err != nil {
			n.logger.Warn("configure session resuming", slog.Any("error", err))
		}
	}
	if info, err := n.rest.Info(ctx); err != nil {
		n.logger.Warn("fetch node info", slog.Any("error", err))
	} else {
		n.mu.Lock()
		n.info = info
		n.mu.Unlock()
	}

	n.logger.Info("node ready",
		slog.String("session", ready.SessionID), slog.Bool("resumed", ready.Resumed))
	n.mgr.bus.Emit(NodeConnectEvent{Node: n, Resumed: ready.Resumed})

	// Rehydration touches players and REST; keep it off the read loop.
	go n.mgr.loadPlayerStates(context.Background(), n)
}

func (n *Node) handleSocketClose(cause error) {
	n.mu.Lock()
	if n.destroyed {
		n.mu.Unlock()
		return
	}
	n.connected = false
	n.conn = nil
	n.mu.Unlock()

	n.logger.Warn("node socket closed", slog.Any("error", cause))
	n.mgr.bus.Emit(NodeDisconnectEvent{Node: n, Reason: cause.Error()})
	go n.reconnectLoop()
}

func (n *Node) reconnectLoop() {
	for {
		n.mu.Lock()
		if n.destroyed {
			n.mu.Unlock()
			return
		}
		n.attempts++
		attempt := n.attempts
		n.mu.Unlock()

		if attempt > n.opts.RetryAmount {
			err := fmt.Errorf("magma: node %s: unable to reconnect after %d attempts",
				n.opts.Identifier, n.opts.RetryAmount)
			n.logger.Error("node lost", slog.Any("error", err))
			n.metrics.NodeFailures.Add(context.Background(), 1, observe.NodeAttr(n.opts.Identifier))
			n.mgr.bus.Emit(NodeErrorEvent{Node: n, Err: err})
			if derr := n.Destroy(context.Background()); derr != nil {
				n.logger.Warn("destroy failed node", slog.Any("error", derr))
			}
			return
		}

		n.mgr.bus.Emit(NodeReconnectEvent{Node: n, Attempt: attempt})
		n.metrics.NodeReconnects.Add(context.Background(), 1, observe.NodeAttr(n.opts.Identifier))
		time.Sleep(time.Duration(n.opts.RetryDelay))

		if n.destroyedNow() {
			return
		}
		if err := n.Connect(context.Background()); err != nil {
			n.logger.Warn("reconnect attempt failed",
				slog.Int("attempt", attempt), slog.Any("error", err))
			n.mgr.bus.Emit(NodeErrorEvent{Node: n, Err: err})
			continue
		}
		return
	}
}

func (n *Node) destroyedNow() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.destroyed
}

// handleSessionLost recycles the node after its REST API stopped
// recognising our session: players migrate away, the node is destroyed
// and an identical replacement is created and connected.
func (n *Node) handleSessionLost(cause error) {
	n.mu.Lock()
	if n.destroyed {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	n.logger.Error("node session lost, recycling", slog.Any("error", cause))
	n.metrics.NodeFailures.Add(context.Background(), 1, observe.NodeAttr(n.opts.Identifier))
	n.mgr.bus.Emit(NodeErrorEvent{Node: n, Err: cause})
	n.mgr.recycleNode(context.Background(), n)
}

// Destroy migrates the node's players to another connected node, closes
// the socket and removes the node from the pool.
func (n *Node) Destroy(ctx context.Context) error {
	n.mu.Lock()
	if n.destroyed {
		n.mu.Unlock()
		return nil
	}
	n.destroyed = true
	n.connected = false
	conn := n.conn
	cancel := n.cancel
	n.conn = nil
	n.mu.Unlock()

	n.mgr.migratePlayersFrom(ctx, n)

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "node destroyed")
	}
	if cancel != nil {
		cancel()
	}
	n.wg.Wait()

	n.mgr.removeNode(n)
	n.logger.Info("node destroyed")
	n.mgr.bus.Emit(NodeDestroyEvent{Node: n})
	return nil
}
