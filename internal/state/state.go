// Package state holds the single-threaded coordinator at the heart of a
// laminar node. All collaborators (client gateway, cluster gateway, journal,
// console) run their own goroutines and communicate with the core
// exclusively by enqueueing commands; every state transition happens on the
// one core worker, which is what gives the node a total order over its state
// without locks.
package state

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"sync"

	"laminar/pkg/config"
	"laminar/pkg/projection"
	"laminar/pkg/record"
	"laminar/pkg/types"
)

// Role is the consensus role of this node.
type Role uint8

const (
	Leader Role = iota
	Follower
	Candidate
)

func (r Role) String() string {
	switch r {
	case Leader:
		return "LEADER"
	case Follower:
		return "FOLLOWER"
	case Candidate:
		return "CANDIDATE"
	default:
		return "UNKNOWN"
	}
}

// StateSnapshot is the immutable view handed to each command as it runs.
// Commands that change state must not read the snapshot afterwards; it went
// stale the moment they wrote.
type StateSnapshot struct {
	CurrentConfig config.ClusterConfig
	Role          Role
	Term          types.Term
	LastCommitted types.GlobalOffset
	LastReceived  types.GlobalOffset
}

// Command is one unit of work on the core worker.
type Command func(snap StateSnapshot)

// iClientGateway is the client-facing collaborator as the core sees it.
// Every method is invoked on the core worker.
type iClientGateway interface {
	// EnterFollowerState redirects all normal clients at the new leader;
	// listeners stay.
	EnterFollowerState(leaderClient netip.AddrPort, lastCommitted types.GlobalOffset)
	// ProcessPendingCommits sends COMMITTED acks for the mutation that just
	// became durable.
	ProcessPendingCommits(offset types.GlobalOffset, effect projection.Effect)
	// BroadcastConfigUpdate pushes a newly committed config to every
	// connected client and listener.
	BroadcastConfigUpdate(snap StateSnapshot, cfg config.ClusterConfig)
	// SendEventToListeners offers a freshly committed event to listeners
	// waiting on its topic.
	SendEventToListeners(e record.Event)
	// ReplayMutationForReconnects feeds one historical mutation through the
	// reconnect scanners.
	ReplayMutationForReconnects(snap StateSnapshot, m record.Mutation, isCommitted bool)
}

// iClusterGateway is the peer-facing collaborator as the core sees it.
// Every method is invoked on the core worker; sends are fire-and-forget.
type iClusterGateway interface {
	OpenDownstreamConnection(entry config.ConfigEntry)
	CloseDownstreamConnection(entry config.ConfigEntry)
	SendMutationToPeer(peer config.ConfigEntry, term types.Term, prevTerm types.Term, m record.Mutation, lastCommitted types.GlobalOffset)
	SendHeartbeatToPeer(peer config.ConfigEntry, term types.Term, lastCommitted types.GlobalOffset)
	SendVoteRequestToPeer(peer config.ConfigEntry, term types.Term, lastReceivedTerm types.Term, lastReceived types.GlobalOffset)
	SendPeerStateToPeer(peer config.ConfigEntry, lastReceived types.GlobalOffset)
	SendAckToPeer(peer config.ConfigEntry, ack types.GlobalOffset)
	SendVoteToPeer(peer config.ConfigEntry, grantedTerm types.Term)
}

// iJournal is the durable log store as the core sees it. Completions come
// back through the journal callbacks, which enqueue onto the command queue.
type iJournal interface {
	Commit(m record.Mutation, events []record.Event)
	Fetch(offset types.GlobalOffset)
	FetchEvent(topic types.TopicName, local types.LocalOffset)
}

// iMetrics is the observer interface pkg/metrics.NodeMetrics satisfies, so
// consensus state is observable without the core importing the metrics
// implementation.
type iMetrics interface {
	SetRole(role string)
	SetTerm(term uint64)
	SetLastCommitted(offset uint64)
	SetConnectedPeers(count int)
	MutationAccepted()
	MutationCommitted()
	EventCommitted()
}

// fatalInvariant terminates the node: a broken core invariant must never be
// acknowledged as progress. Swapped out in tests.
var fatalInvariant = func(format string, args ...any) {
	slog.Error(fmt.Sprintf("invariant violation: "+format, args...))
	os.Exit(1)
}

// commandQueue is an unbounded FIFO the core worker blocks on. It must be
// unbounded because the core occasionally enqueues follow-up commands to
// itself from inside a command; a bounded channel could deadlock there.
type commandQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Command
	closed bool
}

func newCommandQueue() *commandQueue {
	q := &commandQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *commandQueue) put(cmd Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, cmd)
	q.cond.Signal()
}

// blockingGet returns the next command, or false once the queue is closed
// and drained.
func (q *commandQueue) blockingGet() (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	next := q.items[0]
	q.items = q.items[1:]
	return next, true
}

func (q *commandQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
