package state

import (
	"laminar/pkg/config"
	"laminar/pkg/message"
	"laminar/pkg/record"
	"laminar/pkg/types"
)

// --- Downstream side: this node as leader (or candidate) ---

// DownstreamPeerConnected records the transport coming up. The peer is not
// usable for replication until its PEER_STATE reports a position.
func (n *NodeState) DownstreamPeerConnected(entry config.ConfigEntry) {
	peer, ok := n.union[entry.NodeID]
	if !ok {
		// The config changed while the dial was in flight.
		n.clusterGW.CloseDownstreamConnection(entry)
		return
	}
	peer.IsConnectionUp = true
	n.publishPeerMetrics()
	if n.role == Candidate {
		n.clusterGW.SendVoteRequestToPeer(entry, n.term, n.tailTerm(), n.lastReceived())
	}
}

// DownstreamPeerDisconnected marks the peer down but retains its sync
// progress; a reconnect re-exchanges IDENTITY/PEER_STATE and resumes.
func (n *NodeState) DownstreamPeerDisconnected(entry config.ConfigEntry) {
	if peer, ok := n.union[entry.NodeID]; ok {
		peer.IsConnectionUp = false
		peer.IsWritable = false
		n.publishPeerMetrics()
	}
}

// DownstreamPeerReportedState handles PEER_STATE: the initial position after
// the identity exchange, or the NACK of a rejected append. Either way the
// peer's replication cursor snaps to the reported offset.
func (n *NodeState) DownstreamPeerReportedState(entry config.ConfigEntry, lastReceived types.GlobalOffset) {
	peer, ok := n.union[entry.NodeID]
	if !ok {
		return
	}
	peer.ResetForConnection(lastReceived)
	n.processDownstreamPeer(peer)
	n.submitEligibleCommits()
}

// DownstreamPeerAcked handles RECEIVED_MUTATIONS: the lock-step append was
// accepted, so advance the cursor and recompute consensus.
func (n *NodeState) DownstreamPeerAcked(entry config.ConfigEntry, ack types.GlobalOffset) {
	peer, ok := n.union[entry.NodeID]
	if !ok {
		return
	}
	if ack < peer.LastSent {
		// A stale ack from before a rewind; the PEER_STATE path already
		// moved the cursor.
		return
	}
	peer.LastReceived = ack
	peer.LastSent = ack
	peer.NextToSend = ack + 1
	n.processDownstreamPeer(peer)
	n.submitEligibleCommits()
}

// DownstreamPeerWriteReady re-arms sending after the previous frame flushed.
func (n *NodeState) DownstreamPeerWriteReady(entry config.ConfigEntry) {
	peer, ok := n.union[entry.NodeID]
	if !ok {
		return
	}
	peer.IsWritable = true
	n.processDownstreamPeer(peer)
}

// processDownstreamPeer sends exactly one record if the peer is ready for
// one: connection up, previous frame flushed, cursor strictly behind the
// log, and the previous append acked (lock-step).
func (n *NodeState) processDownstreamPeer(peer *DownstreamPeerState) {
	if n.role != Leader {
		return
	}
	if !peer.HasUnsentWork() || peer.NextToSend >= n.nextGlobalOffset {
		return
	}
	if tuple, ok := n.inFlight.Peek(peer.NextToSend); ok {
		n.sendRecordToPeer(peer, tuple.Mutation, tuple.PreviousTerm)
		return
	}
	// The record fell out of memory; it must come back from the journal.
	if m, ok := n.fetchedRecords[peer.NextToSend]; ok {
		prevTerm, known := n.termOf(peer.NextToSend - 1)
		if known {
			n.sendRecordToPeer(peer, m, prevTerm)
			n.pruneFetchedRecord(m.Offset)
			return
		}
	}
	n.dispatchRequiredFetch(peer.NextToSend)
}

func (n *NodeState) sendRecordToPeer(peer *DownstreamPeerState, m record.Mutation, prevTerm types.Term) {
	n.clusterGW.SendMutationToPeer(peer.Entry, n.term, prevTerm, m, n.lastCommitted)
	peer.LastSent = peer.NextToSend
	peer.IsWritable = false
}

// sendMutationToReadyPeers offers a just-appended mutation to every peer
// whose cursor is exactly there, straight from memory.
func (n *NodeState) sendMutationToReadyPeers(tuple InFlightTuple) {
	for id, peer := range n.union {
		if id == n.self.NodeID {
			continue
		}
		if peer.HasUnsentWork() && peer.NextToSend == tuple.Mutation.Offset {
			n.sendRecordToPeer(peer, tuple.Mutation, tuple.PreviousTerm)
		}
	}
}

// dispatchRequiredFetch single-flights a journal read for a lagging peer:
// the first peer to need an offset issues the fetch, later ones attach to
// the pending read. The preceding record's term is fetched too when unknown,
// because the resent append must carry it.
func (n *NodeState) dispatchRequiredFetch(offset types.GlobalOffset) {
	if offset > n.lastCommitted {
		return
	}
	if !n.pendingFetches[offset] {
		n.pendingFetches[offset] = true
		n.journal.Fetch(offset)
	}
	if _, known := n.termOf(offset - 1); !known && !n.pendingFetches[offset-1] {
		n.pendingFetches[offset-1] = true
		n.journal.Fetch(offset - 1)
	}
}

// pruneFetchedRecord drops a cached journal record once no peer's cursor
// still points at it. The term stays cached; it is small and the next
// offset's append needs it.
func (n *NodeState) pruneFetchedRecord(offset types.GlobalOffset) {
	for id, peer := range n.union {
		if id == n.self.NodeID {
			continue
		}
		if peer.NextToSend == offset && peer.LastSent != offset {
			return
		}
	}
	delete(n.fetchedRecords, offset)
}

// termOf resolves the term of any entry this node holds: buffered, just
// committed, or previously fetched from the journal.
func (n *NodeState) termOf(offset types.GlobalOffset) (types.Term, bool) {
	if offset == 0 {
		return 0, true
	}
	if term, ok := n.inFlight.TermOf(offset); ok {
		return term, true
	}
	if offset == n.lastCommitted {
		return n.lastCommittedTerm, true
	}
	if term, ok := n.fetchedTerms[offset]; ok {
		return term, true
	}
	return 0, false
}

// --- Upstream side: this node as follower ---

// UpstreamPeerConnected answers an identified inbound peer with our current
// position so its replication cursor starts in the right place.
func (n *NodeState) UpstreamPeerConnected(entry config.ConfigEntry) {
	n.clusterGW.SendPeerStateToPeer(entry, n.lastReceived())
}

// UpstreamPeerDisconnected clears upstream ack state if the lost peer was
// the leader; the election timer takes it from here.
func (n *NodeState) UpstreamPeerDisconnected(entry config.ConfigEntry) {
	if n.clusterLeader != nil && n.clusterLeader.NodeID == entry.NodeID {
		n.leaderIsWritable = false
		n.ackToSendToLeader = 0
	}
}

// UpstreamPeerWriteReady re-arms the single ack frame owed to the leader.
func (n *NodeState) UpstreamPeerWriteReady(entry config.ConfigEntry) {
	if n.clusterLeader == nil || n.clusterLeader.NodeID != entry.NodeID {
		return
	}
	n.leaderIsWritable = true
	n.checkAndAckToLeader()
}

// HandleAppend processes APPEND_MUTATIONS (or a zero-record heartbeat) from
// an upstream peer claiming leadership.
func (n *NodeState) HandleAppend(from config.ConfigEntry, msg message.PeerMessage) {
	if msg.Term < n.term {
		// A stale leader; it will learn the new term from the real leader.
		return
	}
	if msg.Term > n.term {
		n.term = msg.Term
		n.votedForTerm = 0
	}
	if n.role != Follower || n.clusterLeader == nil || n.clusterLeader.NodeID != from.NodeID {
		leader := from
		n.stepDownToFollower(&leader)
		// Write-ready reports for this connection that arrived before we
		// knew it was the leader were dropped; start writable and let the
		// gateway's outbox absorb any race.
		n.leaderIsWritable = true
	}
	n.electionElapsed = 0
	n.leaderCommit = msg.LastCommitted

	prevOffset := msg.PreviousOffset
	prevTerm := msg.PreviousTerm
	for _, m := range msg.Records {
		if !n.appendFromLeader(from, prevOffset, prevTerm, m) {
			return
		}
		prevOffset = m.Offset
		prevTerm = m.Term
	}
	n.submitEligibleCommits()
	n.checkAndAckToLeader()
}

// appendFromLeader applies the in-flight repair rules for one record.
// Returns false when the append cannot proceed this step (the leader must
// retry after the NACK).
func (n *NodeState) appendFromLeader(from config.ConfigEntry, prevOffset types.GlobalOffset, prevTerm types.Term, m record.Mutation) bool {
	lastReceived := n.lastReceived()
	if prevOffset > lastReceived {
		// We are missing entries; the leader must back up.
		n.clusterGW.SendPeerStateToPeer(from, lastReceived)
		return false
	}
	if termAt, known := n.termOf(prevOffset); known && termAt != prevTerm {
		// Our entry at prevOffset is from a deposed line; drop it and the
		// whole tail, then wait for the retry.
		n.dropInFlightTail(prevOffset)
		n.clusterGW.SendPeerStateToPeer(from, n.lastReceived())
		return false
	}
	if m.Offset <= lastReceived {
		// Overlap with entries we already hold.
		if termAt, ok := n.inFlight.TermOf(m.Offset); ok && termAt != m.Term {
			n.dropInFlightTail(m.Offset)
		} else {
			// Duplicate delivery; just re-ack our position.
			n.ackToSendToLeader = lastReceived
			return true
		}
	}
	if m.Offset != n.nextGlobalOffset {
		fatalInvariant("append of offset %d with next %d", m.Offset, n.nextGlobalOffset)
	}
	events, effect := n.projector.Project(m)
	n.inFlight.Append(InFlightTuple{Mutation: m, Events: events, Effect: effect, PreviousTerm: prevTerm})
	n.nextGlobalOffset = m.Offset + 1
	n.selfState.LastReceived = m.Offset
	if m.Kind == record.MutationUpdateConfig {
		n.acceptConfigMutation(m)
	}
	n.ackToSendToLeader = m.Offset
	return true
}

// dropInFlightTail discards buffered entries at and after the offset and
// rebuilds the speculative projection state from the survivors. Committed
// entries are never dropped.
func (n *NodeState) dropInFlightTail(offset types.GlobalOffset) {
	if offset < n.nextCommitSubmit {
		fatalInvariant("tail drop at %d would erase submitted entries below %d", offset, n.nextCommitSubmit)
	}
	dropped := n.inFlight.DropTailFrom(offset)
	if dropped == 0 {
		return
	}
	n.nextGlobalOffset = offset
	n.selfState.LastReceived = offset - 1
	// Forget any pending configs that sat in the dropped tail.
	for cfgOffset := range n.pendingConfigs {
		if cfgOffset >= offset {
			delete(n.pendingConfigs, cfgOffset)
		}
	}
	n.projector.Rewind(n.inFlight.Mutations())
	n.log.Info("dropped in-flight tail", "from", offset, "count", dropped)
}

// checkAndAckToLeader flushes the owed RECEIVED_MUTATIONS once the upstream
// connection can take a frame. Acks are sent for records only; heartbeats
// are never acked.
func (n *NodeState) checkAndAckToLeader() {
	if n.clusterLeader == nil || !n.leaderIsWritable || n.ackToSendToLeader == 0 {
		return
	}
	n.clusterGW.SendAckToPeer(*n.clusterLeader, n.ackToSendToLeader)
	n.leaderIsWritable = false
	n.ackToSendToLeader = 0
}
