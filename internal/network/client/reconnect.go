package client

import (
	"laminar/internal/state"
	"laminar/pkg/message"
	"laminar/pkg/record"
	"laminar/pkg/types"
)

// reconnectState walks the historical log for one reconnecting client,
// synthesizing the RECEIVED and COMMITTED acknowledgements the client
// would have seen had it never disconnected.
type reconnectState struct {
	conn     *clientConn
	clientID types.ClientID

	// earliestNextNonce starts at the first nonce the client will resend
	// and climbs past every nonce observed during the scan; CLIENT_READY
	// carries the final value.
	earliestNextNonce types.Nonce
	// finalCommit is the committed offset at the moment the reconnect
	// started; only mutations at or below it earn a synthetic COMMITTED.
	finalCommit types.GlobalOffset
	// endOffset is the received offset at the moment the reconnect started;
	// the scan stops there.
	endOffset types.GlobalOffset

	abandoned bool
}

// beginReconnect starts the scan at the first offset the client has not
// seen committed. A client that missed nothing is concluded immediately.
func (g *Gateway) beginReconnect(snap state.StateSnapshot, conn *clientConn, msg message.ClientMessage) {
	rc := &reconnectState{
		conn:              conn,
		clientID:          msg.ClientID,
		earliestNextNonce: msg.Nonce,
		finalCommit:       snap.LastCommitted,
		endOffset:         snap.LastReceived,
	}
	conn.reconnecting = rc
	conn.noncesCommittedDuringReconnect = nil

	first := msg.LastCommitOffset + 1
	if first > rc.endOffset {
		g.concludeReconnect(snap, rc)
		return
	}
	g.awaitOffset(rc, first)
}

// awaitOffset parks the scanner on an offset, issuing the fetch only when
// this scanner is the first to want it; later scanners attach to the
// pending fetch.
func (g *Gateway) awaitOffset(rc *reconnectState, offset types.GlobalOffset) {
	waiting := g.reconnectingByOffset[offset]
	g.reconnectingByOffset[offset] = append(waiting, rc)
	if len(waiting) == 0 {
		g.node.RequestMutationFetch(offset)
	}
}

// ReplayMutationForReconnects feeds one historical mutation to every
// scanner parked on its offset, then advances or concludes each of them.
// Invoked by the core for both journal fetches and still-buffered entries.
func (g *Gateway) ReplayMutationForReconnects(snap state.StateSnapshot, m record.Mutation, isCommitted bool) {
	waiting := g.reconnectingByOffset[m.Offset]
	if len(waiting) == 0 {
		return
	}
	delete(g.reconnectingByOffset, m.Offset)
	for _, rc := range waiting {
		if rc.abandoned {
			continue
		}
		if m.ClientID == rc.clientID {
			g.enqueueFrame(rc.conn, message.Received(m.ClientNonce, snap.LastCommitted).Serialize())
			if isCommitted && m.Offset <= rc.finalCommit {
				g.enqueueFrame(rc.conn, message.Committed(m.ClientNonce, snap.LastCommitted, message.EffectValid).Serialize())
			}
			if m.ClientNonce >= rc.earliestNextNonce {
				rc.earliestNextNonce = m.ClientNonce + 1
			}
		}
		next := m.Offset + 1
		if next <= rc.endOffset {
			g.awaitOffset(rc, next)
		} else {
			g.concludeReconnect(snap, rc)
		}
	}
}

// concludeReconnect promotes the client back to normal operation:
// CLIENT_READY with the nonce it must resume from, then any commits that
// landed while the replay ran.
func (g *Gateway) concludeReconnect(snap state.StateSnapshot, rc *reconnectState) {
	conn := rc.conn
	if rc.abandoned || g.normalByID[rc.clientID] != conn {
		return
	}
	conn.reconnecting = nil
	conn.nextNonce = rc.earliestNextNonce
	g.enqueueFrame(conn, message.ClientReady(rc.earliestNextNonce, snap.LastCommitted, snap.CurrentConfig).Serialize())
	for _, nonce := range conn.noncesCommittedDuringReconnect {
		g.enqueueFrame(conn, message.Committed(nonce, snap.LastCommitted, message.EffectValid).Serialize())
	}
	conn.noncesCommittedDuringReconnect = nil
}
