// Package client is the client-facing network collaborator: it accepts
// client and listener connections, enforces per-client monotonic nonces,
// serializes ack/commit/redirect/config responses, streams committed events
// to listeners, and reconstructs acknowledgement state for reconnecting
// clients.
//
// Transport callbacks only enqueue commands; every map in the gateway is
// touched exclusively on the core worker, the same serialization discipline
// the core itself uses.
package client

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/zhangyunhao116/skipmap"

	"laminar/internal/state"
	"laminar/pkg/config"
	"laminar/pkg/framing"
	"laminar/pkg/message"
	"laminar/pkg/projection"
	"laminar/pkg/record"
	"laminar/pkg/types"
)

// iNode is what the gateway needs from the core. Everything except Enqueue
// must run on the core worker.
type iNode interface {
	Enqueue(cmd state.Command)
	HandleValidClientMessage(clientID types.ClientID, msg message.ClientMessage) types.GlobalOffset
	RequestMutationFetch(offset types.GlobalOffset)
	RequestEventFetch(topic types.TopicName, local types.LocalOffset)
	LastCommittedLocal(topic types.TopicName) types.LocalOffset
}

type connKind uint8

const (
	kindPending connKind = iota
	kindNormal
	kindListener
)

// clientConn is the per-connection state machine. A connection starts
// pending and becomes a normal client on HANDSHAKE/RECONNECT or a listener
// on LISTEN; anything else is a protocol error.
type clientConn struct {
	token *framing.Token
	kind  connKind

	writable bool
	outbox   [][]byte

	// Normal clients.
	clientID  types.ClientID
	nextNonce types.Nonce
	// reconnecting is non-nil while the historical replay runs; mutation
	// messages are absorbed silently until CLIENT_READY goes out.
	reconnecting *reconnectState
	// noncesCommittedDuringReconnect buffers commits that land mid-replay.
	noncesCommittedDuringReconnect []types.Nonce

	// Listeners.
	topic     types.TopicName
	nextLocal types.LocalOffset
	// highPriority is the one-slot override carrying a CONFIG_CHANGE
	// pseudo-event ahead of the ordinary stream.
	highPriority *record.Event
}

type pendingAck struct {
	clientID types.ClientID
	nonce    types.Nonce
}

// Gateway implements framing.Callbacks for the client socket and the
// client-gateway interface the core consumes.
type Gateway struct {
	node    iNode
	log     *slog.Logger
	manager *framing.Manager

	// Core-worker-only state.
	byToken    map[*framing.Token]*clientConn
	normalByID map[types.ClientID]*clientConn
	listeners  map[types.TopicName]map[*clientConn]bool
	// pendingCommits survives client disconnects: it is keyed by offset and
	// resolved against whatever connection the client holds at commit time.
	pendingCommits map[types.GlobalOffset]pendingAck
	// reconnectingByOffset holds replay scanners waiting on each offset.
	reconnectingByOffset map[types.GlobalOffset][]*reconnectState

	// Follower redirect target, valid once a leader has been observed.
	leaderClient netip.AddrPort
	leaderKnown  bool

	// connections mirrors the live connection set for the admin surface,
	// which reads it concurrently while the core worker writes it.
	connections *skipmap.StringMap[string]
}

// NewGateway creates the gateway listening on the client address once its
// manager is started.
func NewGateway(listen netip.AddrPort, node iNode) *Gateway {
	g := &Gateway{
		node:                 node,
		log:                  slog.With("component", "client-gateway"),
		byToken:              make(map[*framing.Token]*clientConn),
		normalByID:           make(map[types.ClientID]*clientConn),
		listeners:            make(map[types.TopicName]map[*clientConn]bool),
		pendingCommits:       make(map[types.GlobalOffset]pendingAck),
		reconnectingByOffset: make(map[types.GlobalOffset][]*reconnectState),
		connections:          skipmap.NewString[string](),
	}
	g.manager = framing.NewManager("client", listen, g)
	return g
}

// Manager exposes the transport for Start/Stop wiring in cmd.
func (g *Gateway) Manager() *framing.Manager {
	return g.manager
}

// Connections lists live connections as id -> kind for the admin surface.
func (g *Gateway) Connections() map[string]string {
	out := make(map[string]string)
	g.connections.Range(func(key string, value string) bool {
		out[key] = value
		return true
	})
	return out
}

// --- framing.Callbacks (transport goroutines; enqueue only) ---

func (g *Gateway) InboundConnected(t *framing.Token) {
	g.node.Enqueue(func(state.StateSnapshot) {
		g.byToken[t] = &clientConn{token: t}
	})
}

func (g *Gateway) InboundDisconnected(t *framing.Token) {
	g.node.Enqueue(func(state.StateSnapshot) {
		g.dropConn(t)
	})
}

func (g *Gateway) OutboundConnected(t *framing.Token) {}

func (g *Gateway) OutboundDisconnected(t *framing.Token) {}

func (g *Gateway) ReadReady(t *framing.Token) {
	g.node.Enqueue(func(snap state.StateSnapshot) {
		payload, ok := t.Receive()
		if !ok {
			return
		}
		g.handleFrame(snap, t, payload)
	})
}

func (g *Gateway) WriteReady(t *framing.Token) {
	g.node.Enqueue(func(state.StateSnapshot) {
		conn, ok := g.byToken[t]
		if !ok {
			return
		}
		conn.writable = true
		g.writeNext(conn)
	})
}

// --- frame handling (core worker) ---

func (g *Gateway) handleFrame(snap state.StateSnapshot, t *framing.Token, payload []byte) {
	conn, ok := g.byToken[t]
	if !ok {
		return
	}
	msg, err := message.DeserializeClientMessage(payload)
	if err != nil {
		g.log.Warn("corrupt client frame, disconnecting", "err", err)
		g.disconnect(conn)
		return
	}
	switch conn.kind {
	case kindPending:
		g.handleFirstMessage(snap, conn, msg)
	case kindNormal:
		g.handleNormalMessage(snap, conn, msg)
	case kindListener:
		// Listeners are read-only after LISTEN.
		g.log.Warn("listener sent a message, disconnecting")
		g.disconnect(conn)
	}
}

func (g *Gateway) handleFirstMessage(snap state.StateSnapshot, conn *clientConn, msg message.ClientMessage) {
	switch msg.Kind {
	case message.ClientHandshake:
		if snap.Role != state.Leader {
			g.redirectOrDrop(snap, conn)
			return
		}
		g.adoptNormal(conn, msg.ClientID)
		conn.nextNonce = 1
		g.enqueueFrame(conn, message.ClientReady(1, snap.LastCommitted, snap.CurrentConfig).Serialize())
	case message.ClientReconnect:
		if snap.Role != state.Leader {
			g.redirectOrDrop(snap, conn)
			return
		}
		g.adoptNormal(conn, msg.ClientID)
		g.beginReconnect(snap, conn, msg)
	case message.ClientListen:
		if _, err := types.NewTopicName(string(msg.Topic)); err != nil {
			g.log.Warn("listener requested invalid topic", "err", err)
			g.disconnect(conn)
			return
		}
		conn.kind = kindListener
		conn.topic = msg.Topic
		conn.nextLocal = msg.LastLocalOffset + 1
		if g.listeners[msg.Topic] == nil {
			g.listeners[msg.Topic] = make(map[*clientConn]bool)
		}
		g.listeners[msg.Topic][conn] = true
		g.connections.Store(listenerKey(conn), "listener")
		g.advanceListener(conn)
	default:
		g.log.Warn("client spoke before handshake, disconnecting")
		g.disconnect(conn)
	}
}

func (g *Gateway) handleNormalMessage(snap state.StateSnapshot, conn *clientConn, msg message.ClientMessage) {
	switch msg.Kind {
	case message.ClientCreateTopic, message.ClientDestroyTopic, message.ClientPut, message.ClientDelete, message.ClientUpdateConfig:
	default:
		g.log.Warn("unexpected message from established client, disconnecting", "kind", msg.Kind)
		g.disconnect(conn)
		return
	}
	if conn.reconnecting != nil {
		// The client is not supposed to send before CLIENT_READY; resends
		// that raced the replay are absorbed silently.
		return
	}
	if snap.Role != state.Leader {
		g.redirectOrDrop(snap, conn)
		return
	}
	if msg.Kind != message.ClientUpdateConfig {
		if _, err := types.NewTopicName(string(msg.Topic)); err != nil {
			g.enqueueFrame(conn, message.ErrorResponse(msg.Nonce, snap.LastCommitted).Serialize())
			return
		}
	}
	if msg.Nonce != conn.nextNonce {
		g.enqueueFrame(conn, message.ErrorResponse(msg.Nonce, snap.LastCommitted).Serialize())
		return
	}
	offset := g.node.HandleValidClientMessage(conn.clientID, msg)
	if offset == 0 {
		g.enqueueFrame(conn, message.ErrorResponse(msg.Nonce, snap.LastCommitted).Serialize())
		return
	}
	conn.nextNonce++
	g.pendingCommits[offset] = pendingAck{clientID: conn.clientID, nonce: msg.Nonce}
	g.enqueueFrame(conn, message.Received(msg.Nonce, snap.LastCommitted).Serialize())
}

// adoptNormal binds the connection to a client identity, displacing any
// stale connection that still claims it.
func (g *Gateway) adoptNormal(conn *clientConn, clientID types.ClientID) {
	if stale, ok := g.normalByID[clientID]; ok && stale != conn {
		g.disconnect(stale)
	}
	conn.kind = kindNormal
	conn.clientID = clientID
	g.normalByID[clientID] = conn
	g.connections.Store(clientID.String(), "client")
}

// redirectOrDrop points the client at the known leader, or drops the
// connection when no leader is known yet.
func (g *Gateway) redirectOrDrop(snap state.StateSnapshot, conn *clientConn) {
	if g.leaderKnown {
		g.enqueueFrame(conn, message.RedirectResponse(g.leaderClient, snap.LastCommitted).Serialize())
		return
	}
	g.disconnect(conn)
}

// --- state.iClientGateway (core worker) ---

// EnterFollowerState redirects every normal client at the new leader.
// Listeners stay; they can follow either role.
func (g *Gateway) EnterFollowerState(leaderClient netip.AddrPort, lastCommitted types.GlobalOffset) {
	g.leaderClient = leaderClient
	g.leaderKnown = true
	redirect := message.RedirectResponse(leaderClient, lastCommitted).Serialize()
	for _, conn := range g.normalByID {
		g.enqueueFrame(conn, redirect)
	}
	// Leader-side ack bookkeeping is meaningless on a follower.
	g.pendingCommits = make(map[types.GlobalOffset]pendingAck)
}

// ProcessPendingCommits delivers the COMMITTED ack for a mutation that just
// became durable, or buffers it if its client is mid-reconnect.
func (g *Gateway) ProcessPendingCommits(offset types.GlobalOffset, effect projection.Effect) {
	ack, ok := g.pendingCommits[offset]
	if !ok {
		return
	}
	delete(g.pendingCommits, offset)
	conn, ok := g.normalByID[ack.clientID]
	if !ok {
		return
	}
	if conn.reconnecting != nil {
		conn.noncesCommittedDuringReconnect = append(conn.noncesCommittedDuringReconnect, ack.nonce)
		return
	}
	g.enqueueFrame(conn, message.Committed(ack.nonce, offset, commitEffect(effect)).Serialize())
}

// BroadcastConfigUpdate pushes a freshly committed config to every normal
// client as a response and to every listener as the CONFIG_CHANGE
// pseudo-event in its high-priority slot.
func (g *Gateway) BroadcastConfigUpdate(snap state.StateSnapshot, cfg config.ClusterConfig) {
	response := message.ConfigChangeResponse(cfg, snap.LastCommitted).Serialize()
	for _, conn := range g.normalByID {
		g.enqueueFrame(conn, response)
	}
	pseudo := record.ConfigChange(cfg)
	for _, topicListeners := range g.listeners {
		for conn := range topicListeners {
			conn.highPriority = &pseudo
			g.writeNext(conn)
		}
	}
}

// SendEventToListeners offers one committed (or fetched) event to every
// listener whose cursor sits exactly on it.
func (g *Gateway) SendEventToListeners(e record.Event) {
	for conn := range g.listeners[e.Topic] {
		if conn.nextLocal != e.LocalOffset {
			continue
		}
		conn.nextLocal++
		g.enqueueFrame(conn, e.Serialize())
	}
}

func commitEffect(effect projection.Effect) message.CommitEffect {
	if effect == projection.EffectError {
		return message.EffectError
	}
	return message.EffectValid
}

// --- write plumbing (core worker) ---

// enqueueFrame queues one frame and kicks the writer.
func (g *Gateway) enqueueFrame(conn *clientConn, payload []byte) {
	conn.outbox = append(conn.outbox, payload)
	g.writeNext(conn)
}

// writeNext sends at most one frame: the high-priority pseudo-event first,
// then the outbox, then (for an idle listener) the next stream step.
func (g *Gateway) writeNext(conn *clientConn) {
	if !conn.writable {
		return
	}
	var payload []byte
	switch {
	case conn.highPriority != nil:
		payload = conn.highPriority.Serialize()
		conn.highPriority = nil
	case len(conn.outbox) > 0:
		payload = conn.outbox[0]
		conn.outbox = conn.outbox[1:]
	default:
		if conn.kind == kindListener {
			g.advanceListener(conn)
		}
		return
	}
	conn.writable = false
	if err := g.manager.Send(conn.token, payload); err != nil {
		g.disconnect(conn)
	}
}

// advanceListener asks the journal for the listener's next event when it is
// already committed; otherwise the listener just waits for the next commit
// to arrive through SendEventToListeners.
func (g *Gateway) advanceListener(conn *clientConn) {
	if conn.nextLocal <= g.node.LastCommittedLocal(conn.topic) {
		g.node.RequestEventFetch(conn.topic, conn.nextLocal)
	}
}

// --- teardown (core worker) ---

func (g *Gateway) disconnect(conn *clientConn) {
	g.manager.Disconnect(conn.token)
	// The transport fires InboundDisconnected, but from another goroutine;
	// clean up now so this command sees consistent state.
	g.dropConn(conn.token)
}

func (g *Gateway) dropConn(t *framing.Token) {
	conn, ok := g.byToken[t]
	if !ok {
		return
	}
	delete(g.byToken, t)
	switch conn.kind {
	case kindNormal:
		if g.normalByID[conn.clientID] == conn {
			delete(g.normalByID, conn.clientID)
			g.connections.Delete(conn.clientID.String())
		}
		if conn.reconnecting != nil {
			conn.reconnecting.abandoned = true
		}
	case kindListener:
		if topicListeners, ok := g.listeners[conn.topic]; ok {
			delete(topicListeners, conn)
			if len(topicListeners) == 0 {
				delete(g.listeners, conn.topic)
			}
		}
		g.connections.Delete(listenerKey(conn))
	}
}

func listenerKey(conn *clientConn) string {
	return fmt.Sprintf("listener:%s:%p", conn.topic, conn)
}
