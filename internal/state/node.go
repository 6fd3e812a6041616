package state

import (
	"log/slog"
	"time"

	"github.com/zhangyunhao116/fastrand"

	"laminar/pkg/config"
	"laminar/pkg/projection"
	"laminar/pkg/record"
	"laminar/pkg/types"
)

// NodeState owns consensus, in-flight tracking, commit and coordination
// between the four collaborators. It boots as LEADER of the single-node
// bootstrap cluster; the first UPDATE_CONFIG extends membership.
type NodeState struct {
	log  *slog.Logger
	self config.ConfigEntry

	clientGW  iClientGateway
	clusterGW iClusterGateway
	journal   iJournal
	metrics   iMetrics

	role          Role
	term          types.Term
	votedForTerm  types.Term
	clusterLeader *config.ConfigEntry

	// leaderIsWritable gates the single ack frame owed upstream.
	leaderIsWritable  bool
	ackToSendToLeader types.GlobalOffset
	// leaderCommit is the commit offset most recently advertised upstream.
	leaderCommit types.GlobalOffset

	// selfState advances on local append, making self an ordinary member of
	// every quorum computation.
	selfState *DownstreamPeerState
	// union holds one peer state per node referenced by any active config.
	union         map[types.NodeID]*DownstreamPeerState
	currentConfig SyncProgress
	// pendingConfigs maps the offset of each in-flight UPDATE_CONFIG to its
	// progress tracker (joint consensus).
	pendingConfigs map[types.GlobalOffset]SyncProgress

	nextGlobalOffset  types.GlobalOffset
	lastCommitted     types.GlobalOffset
	lastCommittedTerm types.Term
	lastLocal         map[types.TopicName]types.LocalOffset

	inFlight *InFlightBuffer
	// nextCommitSubmit is the first offset not yet handed to the journal;
	// entries stay in the buffer until the journal reports durability.
	nextCommitSubmit types.GlobalOffset
	projector        *projection.Projector

	// votesGranted tracks ballots while CANDIDATE.
	votesGranted map[types.NodeID]bool

	// pendingFetches single-flights journal reads: the first requester
	// issues the fetch, later requesters attach to it.
	pendingFetches map[types.GlobalOffset]bool
	// fetchedRecords and fetchedTerms cache journal reads for lagging-peer
	// resends; records are pruned once no cursor points at them.
	fetchedRecords map[types.GlobalOffset]record.Mutation
	fetchedTerms   map[types.GlobalOffset]types.Term

	timing config.TimingConfig
	// tick bookkeeping: the tick goroutine fires every heartbeat interval;
	// election expiry counts ticks against a per-round randomized target.
	electionElapsed  int
	electionTarget   int
	heartbeatElapsed int

	commands    *commandQueue
	keepRunning bool
	stopped     chan struct{}
}

// NewNodeState builds the core for a node bootstrapping as the only member
// of its cluster. The initial config must contain exactly self.
func NewNodeState(initial config.ClusterConfig, projector *projection.Projector, timing config.TimingConfig) *NodeState {
	if len(initial.Entries) != 1 {
		fatalInvariant("bootstrap config must contain exactly one entry, got %d", len(initial.Entries))
	}
	self := initial.Entries[0]
	selfState := &DownstreamPeerState{Entry: self, IsConnectionUp: true, IsWritable: true}
	union := map[types.NodeID]*DownstreamPeerState{self.NodeID: selfState}
	n := &NodeState{
		log:              slog.With("component", "state", "node", self.NodeID.String()),
		self:             self,
		role:             Leader,
		term:             1,
		selfState:        selfState,
		union:            union,
		currentConfig:    NewSyncProgress(initial, union),
		pendingConfigs:   make(map[types.GlobalOffset]SyncProgress),
		nextGlobalOffset: 1,
		lastLocal:        make(map[types.TopicName]types.LocalOffset),
		inFlight:         NewInFlightBuffer(1),
		nextCommitSubmit: 1,
		projector:        projector,
		votesGranted:     make(map[types.NodeID]bool),
		pendingFetches:   make(map[types.GlobalOffset]bool),
		fetchedRecords:   make(map[types.GlobalOffset]record.Mutation),
		fetchedTerms:     make(map[types.GlobalOffset]types.Term),
		timing:           timing,
		commands:         newCommandQueue(),
		stopped:          make(chan struct{}),
	}
	n.resetElectionTarget()
	return n
}

// RestoreFromJournal seeds offsets from a previous run's logs before the
// node starts serving.
func (n *NodeState) RestoreFromJournal(lastCommitted types.GlobalOffset, lastCommittedTerm types.Term, lastLocal map[types.TopicName]types.LocalOffset) {
	n.lastCommitted = lastCommitted
	n.lastCommittedTerm = lastCommittedTerm
	if lastCommittedTerm > 0 {
		n.term = lastCommittedTerm
	}
	n.nextGlobalOffset = lastCommitted + 1
	n.inFlight = NewInFlightBuffer(lastCommitted + 1)
	n.nextCommitSubmit = lastCommitted + 1
	n.selfState.LastReceived = lastCommitted
	for topic, local := range lastLocal {
		n.lastLocal[topic] = local
	}
}

// RegisterClientGateway wires the client-facing collaborator; must happen
// before Run.
func (n *NodeState) RegisterClientGateway(gw iClientGateway) {
	if n.clientGW != nil {
		fatalInvariant("client gateway registered twice")
	}
	n.clientGW = gw
}

// RegisterClusterGateway wires the peer-facing collaborator.
func (n *NodeState) RegisterClusterGateway(gw iClusterGateway) {
	if n.clusterGW != nil {
		fatalInvariant("cluster gateway registered twice")
	}
	n.clusterGW = gw
}

// RegisterJournal wires the durable log store.
func (n *NodeState) RegisterJournal(j iJournal) {
	if n.journal != nil {
		fatalInvariant("journal registered twice")
	}
	n.journal = j
}

// RegisterMetrics wires the metrics sink; optional.
func (n *NodeState) RegisterMetrics(m iMetrics) {
	n.metrics = m
}

// Enqueue schedules a command for the core worker. Safe from any goroutine.
func (n *NodeState) Enqueue(cmd Command) {
	n.commands.put(cmd)
}

// RequestShutdown asks the run loop to drain and exit. Used by the console.
func (n *NodeState) RequestShutdown() {
	n.commands.put(func(StateSnapshot) {
		n.keepRunning = false
	})
}

// Run executes commands until shutdown. It owns every field of NodeState;
// collaborators never touch core state directly.
func (n *NodeState) Run() {
	if n.clientGW == nil || n.clusterGW == nil || n.journal == nil {
		fatalInvariant("node started with unregistered collaborators")
	}
	stopTicks := n.startTicker()
	n.keepRunning = true
	for n.keepRunning {
		cmd, ok := n.commands.blockingGet()
		if !ok {
			break
		}
		cmd(n.snapshot())
	}
	stopTicks()
	n.commands.close()
	close(n.stopped)
}

// Stopped closes once the run loop has exited.
func (n *NodeState) Stopped() <-chan struct{} {
	return n.stopped
}

func (n *NodeState) snapshot() StateSnapshot {
	return StateSnapshot{
		CurrentConfig: n.currentConfig.Config,
		Role:          n.role,
		Term:          n.term,
		LastCommitted: n.lastCommitted,
		LastReceived:  n.nextGlobalOffset - 1,
	}
}

// Status is a concurrency-safe summary for the admin surface: it runs as a
// command so it observes a consistent state.
type Status struct {
	NodeID        string
	Role          string
	Term          uint64
	LastCommitted uint64
	LastReceived  uint64
	ConfigSize    int
	PendingConfig bool
	InFlight      int
}

// ReadStatus asks the core for its current status and blocks for the answer.
func (n *NodeState) ReadStatus() Status {
	result := make(chan Status, 1)
	n.Enqueue(func(StateSnapshot) {
		result <- Status{
			NodeID:        n.self.NodeID.String(),
			Role:          n.role.String(),
			Term:          uint64(n.term),
			LastCommitted: uint64(n.lastCommitted),
			LastReceived:  uint64(n.nextGlobalOffset - 1),
			ConfigSize:    len(n.currentConfig.Config.Entries),
			PendingConfig: len(n.pendingConfigs) > 0,
			InFlight:      n.inFlight.Len(),
		}
	})
	select {
	case status := <-result:
		return status
	case <-n.stopped:
		return Status{}
	}
}

// startTicker drives the consensus timers. One goroutine fires a tick every
// heartbeat interval; all timer decisions happen on the core worker.
func (n *NodeState) startTicker() (stop func()) {
	interval := time.Duration(n.timing.HeartbeatIntervalMs) * time.Millisecond
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n.Enqueue(func(snap StateSnapshot) {
					n.handleTick()
				})
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func (n *NodeState) handleTick() {
	switch n.role {
	case Leader:
		n.heartbeatElapsed++
		if n.heartbeatElapsed >= 1 {
			n.heartbeatElapsed = 0
			n.broadcastHeartbeats()
		}
	case Follower, Candidate:
		// A single-node cluster never needs an election; it is already
		// its own majority.
		if len(n.currentConfig.Config.Entries) == 1 && len(n.pendingConfigs) == 0 && n.role == Follower {
			return
		}
		n.electionElapsed++
		if n.electionElapsed >= n.electionTarget {
			n.startElection()
		}
	}
}

// resetElectionTarget randomizes the next election expiry within the
// configured window, measured in heartbeat ticks.
func (n *NodeState) resetElectionTarget() {
	minTicks := n.timing.ElectionTimeoutMinMs / n.timing.HeartbeatIntervalMs
	if minTicks < 1 {
		minTicks = 1
	}
	maxTicks := n.timing.ElectionTimeoutMaxMs / n.timing.HeartbeatIntervalMs
	if maxTicks <= minTicks {
		maxTicks = minTicks + 1
	}
	n.electionElapsed = 0
	n.electionTarget = minTicks + int(fastrand.Uint32n(uint32(maxTicks-minTicks)))
}
