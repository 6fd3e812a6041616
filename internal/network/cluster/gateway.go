// Package cluster is the peer-facing network collaborator. It owns the
// cluster listening socket, one logical downstream connection per peer the
// core asked for (with automatic redial), and whatever inbound connections
// other nodes opened toward us. Frames are decoded on IO goroutines; every
// consequence is enqueued onto the core's command queue.
package cluster

import (
	"log/slog"
	"sync"
	"time"

	"laminar/internal/state"
	"laminar/pkg/config"
	"laminar/pkg/framing"
	"laminar/pkg/message"
	"laminar/pkg/record"
	"laminar/pkg/types"
)

const redialDelay = 500 * time.Millisecond

// iNode is what the gateway needs from the core. All non-Enqueue methods
// must be called on the core worker, so every callback below wraps its work
// in an enqueued command.
type iNode interface {
	Enqueue(cmd state.Command)

	DownstreamPeerConnected(entry config.ConfigEntry)
	DownstreamPeerDisconnected(entry config.ConfigEntry)
	DownstreamPeerReportedState(entry config.ConfigEntry, lastReceived types.GlobalOffset)
	DownstreamPeerAcked(entry config.ConfigEntry, ack types.GlobalOffset)
	DownstreamPeerWriteReady(entry config.ConfigEntry)

	UpstreamPeerConnected(entry config.ConfigEntry)
	UpstreamPeerDisconnected(entry config.ConfigEntry)
	UpstreamPeerWriteReady(entry config.ConfigEntry)

	HandleAppend(from config.ConfigEntry, msg message.PeerMessage)
	HandleVoteRequest(from config.ConfigEntry, newTerm types.Term, lastReceivedTerm types.Term, lastReceivedOffset types.GlobalOffset)
	HandleVote(from config.ConfigEntry, grantedTerm types.Term)
}

// conn is the gateway's bookkeeping for one live connection: its identity
// (nil for an inbound peer that has not introduced itself yet), and a small
// outbox so control frames never collide with the transport's one-write
// discipline.
type conn struct {
	token    *framing.Token
	entry    *config.ConfigEntry
	outbound bool

	writable bool
	outbox   [][]byte
}

// Gateway implements framing.Callbacks for the cluster socket and
// state's cluster-gateway interface for the core.
type Gateway struct {
	self    config.ConfigEntry
	node    iNode
	log     *slog.Logger
	manager *framing.Manager

	mu sync.Mutex
	// byToken routes transport callbacks.
	byToken map[*framing.Token]*conn
	// downstream tracks the logical outbound peer set: entries the core
	// wants connections to, whether a dial is currently live or not.
	downstream map[types.NodeID]*downstreamPeer
	// upstream routes core sends toward identified inbound peers.
	upstream map[types.NodeID]*conn

	stopped bool
}

type downstreamPeer struct {
	entry config.ConfigEntry
	conn  *conn
}

// NewGateway creates the gateway; Start brings up the listener.
func NewGateway(self config.ConfigEntry, node iNode) *Gateway {
	g := &Gateway{
		self:       self,
		node:       node,
		log:        slog.With("component", "cluster-gateway"),
		byToken:    make(map[*framing.Token]*conn),
		downstream: make(map[types.NodeID]*downstreamPeer),
		upstream:   make(map[types.NodeID]*conn),
	}
	g.manager = framing.NewManager("cluster", self.Cluster, g)
	return g
}

// Manager exposes the transport for Start/Stop wiring in cmd.
func (g *Gateway) Manager() *framing.Manager {
	return g.manager
}

// Stop marks the gateway down so redial timers die quietly.
func (g *Gateway) Stop() {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
	g.manager.Stop()
}

// --- state.iClusterGateway (called on the core worker) ---

// OpenDownstreamConnection starts maintaining a logical downstream peer:
// dial, redial on failure, until the core closes it.
func (g *Gateway) OpenDownstreamConnection(entry config.ConfigEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.downstream[entry.NodeID]; ok {
		return
	}
	g.downstream[entry.NodeID] = &downstreamPeer{entry: entry}
	g.dialLocked(entry)
}

// CloseDownstreamConnection stops maintaining the peer and drops any live
// connection to it.
func (g *Gateway) CloseDownstreamConnection(entry config.ConfigEntry) {
	g.mu.Lock()
	peer, ok := g.downstream[entry.NodeID]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.downstream, entry.NodeID)
	var token *framing.Token
	if peer.conn != nil {
		token = peer.conn.token
		delete(g.byToken, token)
	}
	g.mu.Unlock()
	if token != nil {
		g.manager.Disconnect(token)
	}
}

// SendMutationToPeer replicates one record downstream.
func (g *Gateway) SendMutationToPeer(peer config.ConfigEntry, term types.Term, prevTerm types.Term, m record.Mutation, lastCommitted types.GlobalOffset) {
	msg := message.AppendMutations(term, m.Offset-1, prevTerm, []record.Mutation{m}, lastCommitted)
	g.sendDownstream(peer, msg.Serialize())
}

// SendHeartbeatToPeer sends the empty append that keeps the peer's election
// timer quiet and its commit offset fresh.
func (g *Gateway) SendHeartbeatToPeer(peer config.ConfigEntry, term types.Term, lastCommitted types.GlobalOffset) {
	msg := message.Heartbeat(term, 0, 0, lastCommitted)
	g.sendDownstream(peer, msg.Serialize())
}

// SendVoteRequestToPeer solicits one ballot.
func (g *Gateway) SendVoteRequestToPeer(peer config.ConfigEntry, term types.Term, lastReceivedTerm types.Term, lastReceived types.GlobalOffset) {
	msg := message.RequestVotes(term, lastReceivedTerm, lastReceived)
	g.sendDownstream(peer, msg.Serialize())
}

// SendPeerStateToPeer reports our log position upstream (initial position or
// append NACK).
func (g *Gateway) SendPeerStateToPeer(peer config.ConfigEntry, lastReceived types.GlobalOffset) {
	g.sendUpstream(peer, message.State(lastReceived).Serialize())
}

// SendAckToPeer acks replicated records upstream.
func (g *Gateway) SendAckToPeer(peer config.ConfigEntry, ack types.GlobalOffset) {
	g.sendUpstream(peer, message.ReceivedMutations(ack).Serialize())
}

// SendVoteToPeer grants a ballot to the candidate that dialed us.
func (g *Gateway) SendVoteToPeer(peer config.ConfigEntry, grantedTerm types.Term) {
	g.sendUpstream(peer, message.Vote(grantedTerm).Serialize())
}

// --- framing.Callbacks (called on transport goroutines) ---

func (g *Gateway) OutboundConnected(t *framing.Token) {
	g.mu.Lock()
	c, ok := g.byToken[t]
	if !ok || c.entry == nil {
		g.mu.Unlock()
		return
	}
	entry := *c.entry
	// The first frame on a downstream connection is always our identity.
	g.enqueueFrameLocked(c, message.Identity(g.self).Serialize())
	g.mu.Unlock()
	g.node.Enqueue(func(state.StateSnapshot) {
		g.node.DownstreamPeerConnected(entry)
	})
}

func (g *Gateway) OutboundDisconnected(t *framing.Token) {
	g.mu.Lock()
	c := g.byToken[t]
	delete(g.byToken, t)
	var entry config.ConfigEntry
	var wanted bool
	if c != nil && c.entry != nil {
		entry = *c.entry
		if peer, ok := g.downstream[entry.NodeID]; ok && peer.conn == c {
			peer.conn = nil
			wanted = !g.stopped
		}
	}
	g.mu.Unlock()
	if c == nil || c.entry == nil {
		// A dial that failed before the conn record existed: look the peer
		// up by the token the dial returned.
		g.redialByToken(t)
		return
	}
	g.node.Enqueue(func(state.StateSnapshot) {
		g.node.DownstreamPeerDisconnected(entry)
	})
	if wanted {
		g.scheduleRedial(entry)
	}
}

func (g *Gateway) InboundConnected(t *framing.Token) {
	g.mu.Lock()
	g.byToken[t] = &conn{token: t, outbound: false}
	g.mu.Unlock()
}

func (g *Gateway) InboundDisconnected(t *framing.Token) {
	g.mu.Lock()
	c := g.byToken[t]
	delete(g.byToken, t)
	var entry *config.ConfigEntry
	if c != nil && c.entry != nil {
		entry = c.entry
		if g.upstream[entry.NodeID] == c {
			delete(g.upstream, entry.NodeID)
		}
	}
	g.mu.Unlock()
	if entry != nil {
		peer := *entry
		g.node.Enqueue(func(state.StateSnapshot) {
			g.node.UpstreamPeerDisconnected(peer)
		})
	}
}

func (g *Gateway) ReadReady(t *framing.Token) {
	payload, ok := t.Receive()
	if !ok {
		return
	}
	msg, err := message.DeserializePeerMessage(payload)
	if err != nil {
		g.log.Warn("corrupt peer frame, disconnecting", "err", err)
		g.manager.Disconnect(t)
		return
	}
	g.mu.Lock()
	c, known := g.byToken[t]
	if !known {
		g.mu.Unlock()
		return
	}
	if c.entry == nil {
		// The only acceptable first message inbound is IDENTITY.
		if msg.Kind != message.PeerIdentity {
			g.mu.Unlock()
			g.log.Warn("peer spoke before identifying, disconnecting")
			g.manager.Disconnect(t)
			return
		}
		entry := msg.Entry
		c.entry = &entry
		g.upstream[entry.NodeID] = c
		g.mu.Unlock()
		g.node.Enqueue(func(state.StateSnapshot) {
			g.node.UpstreamPeerConnected(entry)
		})
		return
	}
	from := *c.entry
	g.mu.Unlock()
	g.dispatch(from, msg)
}

func (g *Gateway) WriteReady(t *framing.Token) {
	g.mu.Lock()
	c, ok := g.byToken[t]
	if !ok {
		g.mu.Unlock()
		return
	}
	if len(c.outbox) > 0 {
		next := c.outbox[0]
		c.outbox = c.outbox[1:]
		g.mu.Unlock()
		if err := g.manager.Send(t, next); err != nil {
			g.manager.Disconnect(t)
		}
		return
	}
	c.writable = true
	entry := c.entry
	outbound := c.outbound
	g.mu.Unlock()
	if entry == nil {
		return
	}
	peer := *entry
	g.node.Enqueue(func(state.StateSnapshot) {
		if outbound {
			g.node.DownstreamPeerWriteReady(peer)
		} else {
			g.node.UpstreamPeerWriteReady(peer)
		}
	})
}

// --- internals ---

// dispatch forwards one identified frame to the core.
func (g *Gateway) dispatch(from config.ConfigEntry, msg message.PeerMessage) {
	g.node.Enqueue(func(state.StateSnapshot) {
		switch msg.Kind {
		case message.PeerAppendMutations:
			g.node.HandleAppend(from, msg)
		case message.PeerRequestVotes:
			g.node.HandleVoteRequest(from, msg.Term, msg.LastReceivedTerm, msg.LastReceivedOffset)
		case message.PeerState:
			g.node.DownstreamPeerReportedState(from, msg.AckOffset)
		case message.PeerReceivedMutations:
			g.node.DownstreamPeerAcked(from, msg.AckOffset)
		case message.PeerVote:
			g.node.HandleVote(from, msg.GrantedTerm)
		case message.PeerIdentity:
			// A second identity is a protocol violation but harmless.
		}
	})
}

func (g *Gateway) sendDownstream(peer config.ConfigEntry, payload []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	down, ok := g.downstream[peer.NodeID]
	if !ok || down.conn == nil {
		return
	}
	g.enqueueFrameLocked(down.conn, payload)
}

func (g *Gateway) sendUpstream(peer config.ConfigEntry, payload []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.upstream[peer.NodeID]
	if !ok {
		return
	}
	g.enqueueFrameLocked(c, payload)
}

// enqueueFrameLocked sends immediately when the transport slot is free,
// otherwise queues; WriteReady drains the queue in order.
func (g *Gateway) enqueueFrameLocked(c *conn, payload []byte) {
	if c.writable && len(c.outbox) == 0 {
		c.writable = false
		if err := g.manager.Send(c.token, payload); err != nil {
			c.outbox = append(c.outbox, payload)
		}
		return
	}
	c.outbox = append(c.outbox, payload)
}

// dialLocked starts an outbound attempt for a wanted peer.
func (g *Gateway) dialLocked(entry config.ConfigEntry) {
	peer, ok := g.downstream[entry.NodeID]
	if !ok || g.stopped {
		return
	}
	e := entry
	token := g.manager.OpenOutbound(entry.Cluster)
	c := &conn{token: token, entry: &e, outbound: true}
	peer.conn = c
	g.byToken[token] = c
}

// redialByToken recovers the peer for a dial that failed before connecting.
func (g *Gateway) redialByToken(t *framing.Token) {
	g.mu.Lock()
	var entry *config.ConfigEntry
	for _, peer := range g.downstream {
		if peer.conn != nil && peer.conn.token == t {
			peer.conn = nil
			e := peer.entry
			entry = &e
			break
		}
	}
	stopped := g.stopped
	g.mu.Unlock()
	if entry != nil && !stopped {
		g.scheduleRedial(*entry)
	}
}

func (g *Gateway) scheduleRedial(entry config.ConfigEntry) {
	time.AfterFunc(redialDelay, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if peer, ok := g.downstream[entry.NodeID]; ok && peer.conn == nil {
			g.dialLocked(entry)
		}
	})
}
