package state

import (
	"laminar/pkg/config"
	"laminar/pkg/types"
)

// tailTerm is the term of the newest entry this node holds, committed or
// not. Candidates advertise it; voters compare against it.
func (n *NodeState) tailTerm() types.Term {
	if !n.inFlight.IsEmpty() {
		term, _ := n.inFlight.TermOf(n.inFlight.NextOffset() - 1)
		return term
	}
	return n.lastCommittedTerm
}

func (n *NodeState) lastReceived() types.GlobalOffset {
	return n.nextGlobalOffset - 1
}

// startElection moves to CANDIDATE for a fresh term and solicits votes from
// every peer in the union.
func (n *NodeState) startElection() {
	n.role = Candidate
	n.term++
	n.votedForTerm = n.term
	n.votesGranted = map[types.NodeID]bool{n.self.NodeID: true}
	n.resetElectionTarget()
	n.clusterLeader = nil
	n.log.Info("election started", "term", n.term)
	n.publishRoleMetrics()

	lastTerm := n.tailTerm()
	lastOffset := n.lastReceived()
	for id, peer := range n.union {
		if id == n.self.NodeID {
			continue
		}
		if !peer.IsConnectionUp {
			// Followers hold no downstream connections; a candidate has to
			// dial before it can solicit. The request goes out on connect.
			n.clusterGW.OpenDownstreamConnection(peer.Entry)
			continue
		}
		n.clusterGW.SendVoteRequestToPeer(peer.Entry, n.term, lastTerm, lastOffset)
	}
	// A cluster of one is its own majority.
	n.maybeWinElection()
}

// HandleVoteRequest processes REQUEST_VOTES from a candidate. One vote per
// term; the candidate's log must be at least as current as ours.
func (n *NodeState) HandleVoteRequest(from config.ConfigEntry, newTerm types.Term, lastReceivedTerm types.Term, lastReceivedOffset types.GlobalOffset) {
	if newTerm < n.term {
		return
	}
	if newTerm > n.term {
		n.term = newTerm
		if n.role != Follower {
			n.stepDownToFollower(nil)
		}
	}
	logCurrent := lastReceivedTerm > n.tailTerm() ||
		(lastReceivedTerm == n.tailTerm() && lastReceivedOffset >= n.lastReceived())
	if n.votedForTerm >= newTerm || !logCurrent {
		return
	}
	n.votedForTerm = newTerm
	n.resetElectionTarget()
	if n.role != Follower {
		// Granting a vote concedes the round.
		n.stepDownToFollower(nil)
	}
	n.log.Info("vote granted", "term", newTerm, "candidate", from.NodeID.String())
	n.clusterGW.SendVoteToPeer(from, newTerm)
}

// HandleVote counts a granted ballot while CANDIDATE.
func (n *NodeState) HandleVote(from config.ConfigEntry, grantedTerm types.Term) {
	if n.role != Candidate || grantedTerm != n.term {
		return
	}
	n.votesGranted[from.NodeID] = true
	n.maybeWinElection()
}

// maybeWinElection promotes to LEADER once every active config grants a
// strict majority (joint consensus extends to elections).
func (n *NodeState) maybeWinElection() {
	if n.role != Candidate {
		return
	}
	if !n.currentConfig.HasVoteMajority(n.votesGranted) {
		return
	}
	for _, pending := range n.pendingConfigs {
		if !pending.HasVoteMajority(n.votesGranted) {
			return
		}
	}
	n.becomeLeader()
}

// becomeLeader re-arms replication toward every peer and announces the new
// term with an empty heartbeat. No entry from a prior term commits until an
// entry of this term has reached majority (see submitEligibleCommits).
func (n *NodeState) becomeLeader() {
	n.role = Leader
	n.clusterLeader = nil
	n.heartbeatElapsed = 0
	n.log.Info("became leader", "term", n.term, "lastReceived", n.lastReceived())
	n.publishRoleMetrics()

	for id, peer := range n.union {
		if id == n.self.NodeID {
			continue
		}
		peer.NextToSend = n.nextGlobalOffset
		peer.LastSent = n.nextGlobalOffset - 1
		if !peer.IsConnectionUp {
			n.clusterGW.OpenDownstreamConnection(peer.Entry)
		}
	}
	n.broadcastHeartbeats()
}

// stepDownToFollower demotes the node. When the new leader is known, all
// connected clients get a REDIRECT at its client-facing address; listeners
// are retained either way.
func (n *NodeState) stepDownToFollower(leader *config.ConfigEntry) {
	wasLeader := n.role == Leader
	n.role = Follower
	n.clusterLeader = leader
	n.votesGranted = make(map[types.NodeID]bool)
	n.resetElectionTarget()
	n.publishRoleMetrics()
	if leader != nil {
		n.log.Info("following", "term", n.term, "leader", leader.NodeID.String())
		n.clientGW.EnterFollowerState(leader.Client, n.lastCommitted)
	} else if wasLeader {
		n.log.Info("stepped down", "term", n.term)
	}
}

// broadcastHeartbeats refreshes liveness and the committed offset on every
// connected peer. Heartbeats never advance a follower's received offset.
func (n *NodeState) broadcastHeartbeats() {
	for id, peer := range n.union {
		if id == n.self.NodeID || !peer.IsConnectionUp {
			continue
		}
		n.clusterGW.SendHeartbeatToPeer(peer.Entry, n.term, n.lastCommitted)
	}
}

func (n *NodeState) publishRoleMetrics() {
	if n.metrics == nil {
		return
	}
	n.metrics.SetRole(n.role.String())
	n.metrics.SetTerm(uint64(n.term))
}

// publishPeerMetrics reports how many remote peers in the downstream union
// hold a live connection.
func (n *NodeState) publishPeerMetrics() {
	if n.metrics == nil {
		return
	}
	connected := 0
	for id, peer := range n.union {
		if id == n.self.NodeID {
			continue
		}
		if peer.IsConnectionUp {
			connected++
		}
	}
	n.metrics.SetConnectedPeers(connected)
}
