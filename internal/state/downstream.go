package state

import (
	"sort"

	"laminar/pkg/config"
	"laminar/pkg/types"
)

// DownstreamPeerState is the leader's view of one remote peer. Self is
// represented as a degenerate always-writable peer whose received offset
// advances on local append, which removes self special-cases from every
// quorum computation.
type DownstreamPeerState struct {
	Entry config.ConfigEntry

	IsConnectionUp bool
	IsWritable     bool

	LastReceived types.GlobalOffset
	LastSent     types.GlobalOffset
	NextToSend   types.GlobalOffset
}

// ResetForConnection re-arms the sending state machine after the
// IDENTITY / PEER_STATE exchange reported the peer's position.
func (d *DownstreamPeerState) ResetForConnection(lastReceived types.GlobalOffset) {
	d.IsConnectionUp = true
	d.IsWritable = true
	d.LastReceived = lastReceived
	d.LastSent = lastReceived
	d.NextToSend = lastReceived + 1
}

// HasUnsentWork reports whether the lock-step send cycle is idle with a
// record owed to the peer.
func (d *DownstreamPeerState) HasUnsentWork() bool {
	return d.IsConnectionUp && d.IsWritable && d.NextToSend != d.LastSent
}

// SyncProgress pairs a config with the peer states backing its members and
// answers the one question consensus needs: the highest mutation offset
// acknowledged by a majority of that config. Joint consensus is nothing more
// than several SyncProgress instances being active at once.
type SyncProgress struct {
	Config  config.ClusterConfig
	members map[types.NodeID]*DownstreamPeerState
}

// NewSyncProgress builds the progress tracker for one config, selecting its
// members out of the shared peer-state union into a map of its own. The
// union can grow and shrink afterwards without disturbing this config's
// quorum.
func NewSyncProgress(cfg config.ClusterConfig, union map[types.NodeID]*DownstreamPeerState) SyncProgress {
	members := make(map[types.NodeID]*DownstreamPeerState, len(cfg.Entries))
	for _, entry := range cfg.Entries {
		if peer, ok := union[entry.NodeID]; ok {
			members[entry.NodeID] = peer
		}
	}
	return SyncProgress{Config: cfg, members: members}
}

// Progress computes the majority-acknowledged offset: sort the members'
// received offsets descending, take the (n/2+1)-th.
func (s SyncProgress) Progress() types.GlobalOffset {
	offsets := make([]types.GlobalOffset, 0, len(s.members))
	for _, member := range s.members {
		offsets = append(offsets, member.LastReceived)
	}
	if len(offsets) == 0 {
		return 0
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] > offsets[j] })
	return offsets[len(offsets)/2]
}

// HasVoteMajority reports whether the granted set covers a strict majority
// of this config's members.
func (s SyncProgress) HasVoteMajority(granted map[types.NodeID]bool) bool {
	count := 0
	for id := range s.members {
		if granted[id] {
			count++
		}
	}
	return count > len(s.members)/2
}
