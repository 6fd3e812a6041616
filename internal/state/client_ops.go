package state

import (
	"laminar/pkg/message"
	"laminar/pkg/record"
	"laminar/pkg/types"
)

// HandleValidClientMessage turns an accepted client message into a mutation:
// assign the next global offset, stamp the current term, project the event
// batch, buffer the tuple, and offer it downstream. Returns the assigned
// offset, or 0 if the message cannot become a mutation here. Nonce
// accounting happened in the gateway before this is called.
func (n *NodeState) HandleValidClientMessage(clientID types.ClientID, msg message.ClientMessage) types.GlobalOffset {
	if n.role != Leader {
		return 0
	}
	offset := n.assignNextOffset()
	var m record.Mutation
	switch msg.Kind {
	case message.ClientCreateTopic:
		m = record.CreateTopic(n.term, offset, msg.Topic, clientID, msg.Nonce, msg.Code, msg.Args)
	case message.ClientDestroyTopic:
		m = record.DestroyTopic(n.term, offset, msg.Topic, clientID, msg.Nonce)
	case message.ClientPut:
		m = record.Put(n.term, offset, msg.Topic, clientID, msg.Nonce, msg.Key, msg.Value)
	case message.ClientDelete:
		m = record.Delete(n.term, offset, msg.Topic, clientID, msg.Nonce, msg.Key)
	case message.ClientUpdateConfig:
		m = record.UpdateConfig(n.term, offset, clientID, msg.Nonce, msg.Config)
	default:
		fatalInvariant("gateway passed message kind %d to the mutation pipeline", msg.Kind)
		return 0
	}

	prevTerm, _ := n.termOf(offset - 1)
	events, effect := n.projector.Project(m)
	tuple := InFlightTuple{Mutation: m, Events: events, Effect: effect, PreviousTerm: prevTerm}
	n.inFlight.Append(tuple)
	if m.Kind == record.MutationUpdateConfig {
		n.acceptConfigMutation(m)
	}
	// Self acks by construction.
	n.selfState.LastReceived = offset
	if n.metrics != nil {
		n.metrics.MutationAccepted()
	}
	n.sendMutationToReadyPeers(tuple)
	n.submitEligibleCommits()
	return offset
}

func (n *NodeState) assignNextOffset() types.GlobalOffset {
	offset := n.nextGlobalOffset
	n.nextGlobalOffset++
	return offset
}

// acceptConfigMutation enters (or compounds) joint consensus for an
// UPDATE_CONFIG that just landed in the in-flight buffer, on leader and
// follower alike. New members join the downstream union immediately; the
// leader also dials them so their sync progress can start advancing.
func (n *NodeState) acceptConfigMutation(m record.Mutation) {
	members := make(map[types.NodeID]*DownstreamPeerState, len(m.Config.Entries))
	for _, entry := range m.Config.Entries {
		peer, ok := n.union[entry.NodeID]
		if !ok {
			peer = &DownstreamPeerState{Entry: entry}
			if entry.NodeID == n.self.NodeID {
				peer = n.selfState
			}
			n.union[entry.NodeID] = peer
			if entry.NodeID != n.self.NodeID && n.role == Leader {
				peer.NextToSend = n.nextGlobalOffset
				peer.LastSent = n.nextGlobalOffset - 1
				n.clusterGW.OpenDownstreamConnection(entry)
			}
		}
		members[entry.NodeID] = peer
	}
	n.pendingConfigs[m.Offset] = NewSyncProgress(m.Config, members)
	n.log.Info("joint consensus entered", "offset", m.Offset, "members", len(m.Config.Entries))
}

// RequestMutationFetch services the reconnect scanner: a buffered mutation
// replays immediately (not yet committed), anything older comes back from
// the journal asynchronously.
func (n *NodeState) RequestMutationFetch(offset types.GlobalOffset) {
	if offset == 0 || offset >= n.nextGlobalOffset {
		fatalInvariant("fetch of offset %d outside log (next %d)", offset, n.nextGlobalOffset)
	}
	if tuple, ok := n.inFlight.Peek(offset); ok {
		committed := offset <= n.lastCommitted
		preCommit := tuple.Mutation
		// Handled asynchronously to keep one replay path in the gateway.
		n.Enqueue(func(snap StateSnapshot) {
			n.clientGW.ReplayMutationForReconnects(snap, preCommit, committed)
		})
		return
	}
	if !n.pendingFetches[offset] {
		n.pendingFetches[offset] = true
		n.journal.Fetch(offset)
	}
}

// RequestEventFetch services listener catch-up for an event known to be
// committed.
func (n *NodeState) RequestEventFetch(topic types.TopicName, local types.LocalOffset) {
	n.journal.FetchEvent(topic, local)
}

// LastCommittedLocal reports the newest committed local offset of a topic.
// Called by the client gateway on the core worker.
func (n *NodeState) LastCommittedLocal(topic types.TopicName) types.LocalOffset {
	return n.lastLocal[topic]
}

// TopicExists reports whether any event of the topic has committed. A
// destroyed topic still reports true. Must run on the core worker.
func (n *NodeState) TopicExists(topic types.TopicName) bool {
	_, ok := n.lastLocal[topic]
	return ok
}
