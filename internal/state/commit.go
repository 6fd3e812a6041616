package state

import (
	"laminar/pkg/record"
	"laminar/pkg/types"
)

// consensusOffset is the highest offset replicated to a majority of every
// active config: the min over the current config and all pending ones.
func (n *NodeState) consensusOffset() types.GlobalOffset {
	offset := n.currentConfig.Progress()
	for _, pending := range n.pendingConfigs {
		if p := pending.Progress(); p < offset {
			offset = p
		}
	}
	return offset
}

// submitEligibleCommits hands every newly committable entry to the journal,
// in offset order. On the leader the limit is the consensus offset subject
// to the leader-completeness guard: entries from prior terms are held until
// an entry of the current term is itself committable, then the whole prefix
// goes at once. On a follower the limit is what the leader advertised,
// clipped to what we actually hold.
func (n *NodeState) submitEligibleCommits() {
	var limit types.GlobalOffset
	switch n.role {
	case Leader:
		limit = n.consensusOffset()
		if !n.currentTermReaches(limit) {
			return
		}
	case Follower:
		limit = n.leaderCommit
		if received := n.lastReceived(); received < limit {
			limit = received
		}
	default:
		// Candidates commit nothing; the election resolves first.
		return
	}
	for n.nextCommitSubmit <= limit {
		tuple, ok := n.inFlight.Peek(n.nextCommitSubmit)
		if !ok {
			fatalInvariant("committable offset %d missing from in-flight buffer", n.nextCommitSubmit)
		}
		n.journal.Commit(tuple.Mutation, tuple.Events)
		n.nextCommitSubmit++
	}
}

// currentTermReaches reports whether the guard is open: either an entry of
// the current term has already been submitted (or committed), or one sits
// within the committable prefix.
func (n *NodeState) currentTermReaches(limit types.GlobalOffset) bool {
	if n.nextCommitSubmit > n.inFlight.BaseOffset() {
		// Something was already submitted this term or earlier; check the
		// newest submitted entry.
		if term, ok := n.termOf(n.nextCommitSubmit - 1); ok && term == n.term {
			return true
		}
	} else if n.lastCommittedTerm == n.term {
		return true
	}
	for offset := n.nextCommitSubmit; offset <= limit; offset++ {
		if term, ok := n.inFlight.TermOf(offset); ok && term == n.term {
			return true
		}
	}
	return false
}

// MutationCommitted is the journal's durability callback. It runs on the
// journal worker and forwards onto the command queue.
func (n *NodeState) MutationCommitted(m record.Mutation, events []record.Event) {
	n.Enqueue(func(snap StateSnapshot) {
		n.handleMutationCommitted(snap, m, events)
	})
}

func (n *NodeState) handleMutationCommitted(snap StateSnapshot, m record.Mutation, events []record.Event) {
	// Commits are submitted sequentially and the journal preserves order;
	// anything else is corruption.
	if m.Offset != snap.LastCommitted+1 {
		fatalInvariant("commit of offset %d after %d", m.Offset, snap.LastCommitted)
	}
	tuple := n.inFlight.PopCommitted()
	if tuple.Mutation.Offset != m.Offset {
		fatalInvariant("in-flight head %d does not match committed %d", tuple.Mutation.Offset, m.Offset)
	}
	n.lastCommitted = m.Offset
	n.lastCommittedTerm = m.Term
	for _, e := range events {
		n.lastLocal[e.Topic] = e.LocalOffset
	}
	n.projector.Commit(m)
	if n.metrics != nil {
		n.metrics.MutationCommitted()
		n.metrics.SetLastCommitted(uint64(m.Offset))
		for range events {
			n.metrics.EventCommitted()
		}
	}

	// Acks go out before the config swap so they carry the state the client
	// observed when it sent the message.
	if n.role == Leader {
		n.clientGW.ProcessPendingCommits(m.Offset, tuple.Effect)
	}
	for _, e := range events {
		n.clientGW.SendEventToListeners(e)
	}

	if m.Kind == record.MutationUpdateConfig {
		n.installCommittedConfig(m.Offset)
	}
}

// installCommittedConfig completes joint consensus for the config that just
// committed: it becomes the sole current config, listeners and clients hear
// about it, and peers no longer referenced by any active config are
// disconnected.
func (n *NodeState) installCommittedConfig(offset types.GlobalOffset) {
	progress, ok := n.pendingConfigs[offset]
	if !ok {
		fatalInvariant("committed config at %d was not pending", offset)
	}
	delete(n.pendingConfigs, offset)
	n.currentConfig = progress
	n.clientGW.BroadcastConfigUpdate(n.snapshot(), progress.Config)
	n.rebuildDownstreamUnion()
	n.log.Info("config committed", "offset", offset, "members", len(progress.Config.Entries))
}

// rebuildDownstreamUnion shrinks the union to the nodes referenced by the
// current config or any config still pending commit.
func (n *NodeState) rebuildDownstreamUnion() {
	keep := make(map[types.NodeID]bool)
	for _, entry := range n.currentConfig.Config.Entries {
		keep[entry.NodeID] = true
	}
	for _, pending := range n.pendingConfigs {
		for _, entry := range pending.Config.Entries {
			keep[entry.NodeID] = true
		}
	}
	for id, peer := range n.union {
		if keep[id] || id == n.self.NodeID {
			continue
		}
		if peer.IsConnectionUp {
			n.clusterGW.CloseDownstreamConnection(peer.Entry)
		}
		delete(n.union, id)
	}
	n.publishPeerMetrics()
}

// MutationFetched is the journal's answer to an asynchronous Fetch. Fetched
// mutations are committed by construction. It runs on the journal worker.
func (n *NodeState) MutationFetched(m record.Mutation) {
	n.Enqueue(func(snap StateSnapshot) {
		delete(n.pendingFetches, m.Offset)
		n.fetchedRecords[m.Offset] = m
		n.fetchedTerms[m.Offset] = m.Term
		// Reconnecting clients may be waiting on this record.
		n.clientGW.ReplayMutationForReconnects(snap, m, true)
		// So may lagging peers.
		for id, peer := range n.union {
			if id == n.self.NodeID {
				continue
			}
			if peer.NextToSend == m.Offset || peer.NextToSend == m.Offset+1 {
				n.processDownstreamPeer(peer)
			}
		}
	})
}

// EventFetched is the journal's answer to a FetchEvent; it flows to
// listeners through the same path as freshly committed events. It runs on
// the journal worker.
func (n *NodeState) EventFetched(e record.Event) {
	n.Enqueue(func(StateSnapshot) {
		n.clientGW.SendEventToListeners(e)
	})
}
