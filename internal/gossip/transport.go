// Package gossip moves pattern shares, state updates, and heartbeats
// between topology neighbors over persistent websocket connections.
// Delivery is at-most-once: a message lost with its connection is not
// retried, because a pattern share is only useful inside the
// corroboration window.
package gossip

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bmorphism/patternmesh/internal/peers"
	"github.com/bmorphism/patternmesh/internal/store"
)

const (
	// DefaultQueueCap bounds the per-peer outbound buffer.
	DefaultQueueCap = 256

	reconnectBase = 1 * time.Second
	reconnectMax  = 60 * time.Second

	writeTimeout = 10 * time.Second
	dialTimeout  = 5 * time.Second

	syncInterval = 5 * time.Second
)

// Handler receives inbound messages. Callbacks run on the connection's
// read goroutine and must not block on the transport itself.
type Handler struct {
	OnPatternShare func(sourceNodeID string, p *WirePattern)
	OnStateUpdate  func(sourceNodeID string, tier int, cumulative int64)
	OnHeartbeat    func(nodeID string, at time.Time)
}

// Stats are the transport's lifetime counters.
type Stats struct {
	SharesSent  uint64 `json:"shares_sent"`
	ControlSent uint64 `json:"control_sent"`
	Received    uint64 `json:"received"`
	Dropped     uint64 `json:"dropped"`
	Reconnects  uint64 `json:"reconnects"`
	ActiveLinks int    `json:"active_links"`
	QueuedTotal int    `json:"queued_total"`
	Malformed   uint64 `json:"malformed"`
}

// Transport maintains one outbound link per topology neighbor. Each node
// dials its own neighbors; inbound connections accepted by the HTTP
// server are read-only, so a pair of neighbors exchanges messages over
// two half-duplex streams and nothing is delivered twice.
type Transport struct {
	selfID   string
	dir      *peers.Directory
	handler  Handler
	log      *slog.Logger
	queueCap int

	dialer *websocket.Dialer

	mu     sync.Mutex
	links  map[string]*link
	closed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	sharesSent  atomic.Uint64
	controlSent atomic.Uint64
	received    atomic.Uint64
	reconnects  atomic.Uint64
	malformed   atomic.Uint64
}

type link struct {
	peerID string
	addr   string
	queue  *outQueue
	cancel context.CancelFunc
}

// New returns a stopped Transport; call Start to begin dialing.
func New(selfID string, dir *peers.Directory, handler Handler, log *slog.Logger) *Transport {
	return &Transport{
		selfID:   selfID,
		dir:      dir,
		handler:  handler,
		log:      log.With("component", "gossip"),
		queueCap: DefaultQueueCap,
		dialer:   &websocket.Dialer{HandshakeTimeout: dialTimeout},
		links:    make(map[string]*link),
	}
}

// Start begins maintaining links to the current topology neighbors and
// keeps the link set in sync as peers register, go stale, or revive.
func (t *Transport) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.syncLinks(ctx)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.syncLinks(ctx)
			}
		}
	}()
}

// Stop tears down every link and waits for their goroutines.
func (t *Transport) Stop() {
	t.mu.Lock()
	t.closed = true
	for _, l := range t.links {
		l.cancel()
		l.queue.close()
	}
	t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// syncLinks reconciles the link set against the directory's neighbor
// view. New neighbors get a link; peers that dropped out of the topology
// lose theirs.
func (t *Transport) syncLinks(ctx context.Context) {
	neighbors := t.dir.Neighbors()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	want := make(map[string]string, len(neighbors))
	for _, n := range neighbors {
		want[n.NodeID] = n.Address
	}

	for id, l := range t.links {
		if addr, ok := want[id]; !ok || addr != l.addr {
			l.cancel()
			l.queue.close()
			delete(t.links, id)
		}
	}
	for id, addr := range want {
		if _, ok := t.links[id]; ok {
			continue
		}
		linkCtx, cancel := context.WithCancel(ctx)
		l := &link{
			peerID: id,
			addr:   addr,
			queue:  newOutQueue(t.queueCap),
			cancel: cancel,
		}
		t.links[id] = l
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.runLink(linkCtx, l)
		}()
	}
}

// runLink owns one peer connection for its whole lifetime: dial,
// send/receive until failure, back off, redial. Backoff doubles from 1s
// to a 60s ceiling and resets after a successful connection.
func (t *Transport) runLink(ctx context.Context, l *link) {
	backoff := reconnectBase
	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		if !first {
			t.reconnects.Add(1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
		}
		first = false

		conn, err := t.dial(ctx, l.addr)
		if err != nil {
			t.dir.SetStatus(l.peerID, peers.StatusUnreachable)
			t.log.Debug("dial failed", "peer", l.peerID, "address", l.addr, "error", err)
			continue
		}

		// A reconnection begins a fresh stream. Shares queued for the
		// dead connection are stale by now; control messages survive.
		l.queue.clearShares()
		t.dir.SetStatus(l.peerID, peers.StatusReachable)
		t.log.Info("peer link up", "peer", l.peerID, "address", l.addr)
		backoff = reconnectBase

		t.serveConn(ctx, l, conn)

		t.dir.SetStatus(l.peerID, peers.StatusUnreachable)
		t.log.Info("peer link down", "peer", l.peerID)
	}
}

func (t *Transport) dial(ctx context.Context, addr string) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/gossip"}
	q := u.Query()
	q.Set("node_id", t.selfID)
	u.RawQuery = q.Encode()

	conn, _, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// serveConn pumps the outbound queue and the inbound stream until either
// direction fails or the link is cancelled.
func (t *Transport) serveConn(ctx context.Context, l *link, conn *websocket.Conn) {
	done := make(chan struct{})
	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			conn.Close()
			close(done)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		shutdown()
	}()

	go func() {
		defer shutdown()
		for {
			env, ok := l.queue.pop(done)
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(env); err != nil {
				t.log.Debug("write failed", "peer", l.peerID, "error", err)
				return
			}
			if env.control() {
				t.controlSent.Add(1)
			} else {
				t.sharesSent.Add(1)
			}
		}
	}()

	// Read loop on this goroutine so serveConn returns when the
	// connection dies.
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			shutdown()
			return
		}
		t.dispatch(&env)
	}
}

// HandleIncoming serves a server-side connection accepted by the HTTP
// layer. Inbound connections only carry the peer's messages; replies to
// that peer travel over this node's own dialed link.
func (t *Transport) HandleIncoming(conn *websocket.Conn, remoteID string) {
	defer conn.Close()
	t.log.Debug("inbound gossip connection", "peer", remoteID)
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		t.dispatch(&env)
	}
}

// dispatch validates one inbound envelope and hands it to the handler.
// Malformed messages are counted and dropped without poisoning the
// connection.
func (t *Transport) dispatch(env *Envelope) {
	t.received.Add(1)
	switch env.Type {
	case TypePatternShare:
		if env.SourceNodeID == "" || env.Pattern == nil || env.Pattern.PatternID == "" || env.Pattern.Signature == "" {
			t.malformed.Add(1)
			return
		}
		if env.Pattern.LocalConfidence < 0 || env.Pattern.LocalConfidence > 1 {
			t.malformed.Add(1)
			return
		}
		if t.handler.OnPatternShare != nil {
			t.handler.OnPatternShare(env.SourceNodeID, env.Pattern)
		}
	case TypeStateUpdate:
		if env.SourceNodeID == "" || env.CollectiveTier < 1 {
			t.malformed.Add(1)
			return
		}
		if t.handler.OnStateUpdate != nil {
			t.handler.OnStateUpdate(env.SourceNodeID, env.CollectiveTier, env.CumulativePatterns)
		}
	case TypeHeartbeat:
		at, err := time.Parse(time.RFC3339Nano, env.Timestamp)
		if env.NodeID == "" || err != nil {
			t.malformed.Add(1)
			return
		}
		if t.handler.OnHeartbeat != nil {
			t.handler.OnHeartbeat(env.NodeID, at)
		}
	default:
		t.malformed.Add(1)
		t.log.Warn("unknown message type", "type", env.Type)
	}
}

// BroadcastPatternShare queues a locally persisted pattern for every
// neighbor. Callers persist before broadcasting.
func (t *Transport) BroadcastPatternShare(p *store.Pattern) {
	t.broadcast(PatternShare(t.selfID, p))
}

// BroadcastStateUpdate announces a collective tier advance.
func (t *Transport) BroadcastStateUpdate(tier int, cumulative int64) {
	t.broadcast(StateUpdate(t.selfID, tier, cumulative))
}

// BroadcastHeartbeat announces liveness.
func (t *Transport) BroadcastHeartbeat(at time.Time) {
	t.broadcast(Heartbeat(t.selfID, at))
}

func (t *Transport) broadcast(env *Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range t.links {
		l.queue.push(env)
	}
}

// Snapshot returns the lifetime counters plus the current link state.
func (t *Transport) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		SharesSent:  t.sharesSent.Load(),
		ControlSent: t.controlSent.Load(),
		Received:    t.received.Load(),
		Reconnects:  t.reconnects.Load(),
		Malformed:   t.malformed.Load(),
		ActiveLinks: len(t.links),
	}
	for _, l := range t.links {
		s.Dropped += l.queue.droppedCount()
		s.QueuedTotal += l.queue.len()
	}
	return s
}

// QueueDepth reports the outbound backlog for one peer; -1 if unlinked.
func (t *Transport) QueueDepth(peerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.links[peerID]; ok {
		return l.queue.len()
	}
	return -1
}

// String implements fmt.Stringer for debug logs.
func (t *Transport) String() string {
	s := t.Snapshot()
	return "gossip links=" + strconv.Itoa(s.ActiveLinks) +
		" queued=" + strconv.Itoa(s.QueuedTotal)
}
