package cluster

import (
	"net/netip"
	"testing"

	"github.com/google/uuid"

	"laminar/internal/state"
	"laminar/pkg/config"
	"laminar/pkg/framing"
	"laminar/pkg/message"
	"laminar/pkg/record"
	"laminar/pkg/types"
)

// fakeNode records which core handler each dispatched frame reached.
// Enqueue runs inline: the test goroutine is the core worker.
type fakeNode struct {
	appends      []message.PeerMessage
	voteRequests []types.Term
	votes        []types.Term
	peerStates   []types.GlobalOffset
	acks         []types.GlobalOffset
	upConnected  []config.ConfigEntry
}

func (f *fakeNode) Enqueue(cmd state.Command) { cmd(state.StateSnapshot{}) }

func (f *fakeNode) DownstreamPeerConnected(entry config.ConfigEntry)    {}
func (f *fakeNode) DownstreamPeerDisconnected(entry config.ConfigEntry) {}
func (f *fakeNode) DownstreamPeerReportedState(entry config.ConfigEntry, lastReceived types.GlobalOffset) {
	f.peerStates = append(f.peerStates, lastReceived)
}
func (f *fakeNode) DownstreamPeerAcked(entry config.ConfigEntry, ack types.GlobalOffset) {
	f.acks = append(f.acks, ack)
}
func (f *fakeNode) DownstreamPeerWriteReady(entry config.ConfigEntry) {}

func (f *fakeNode) UpstreamPeerConnected(entry config.ConfigEntry) {
	f.upConnected = append(f.upConnected, entry)
}
func (f *fakeNode) UpstreamPeerDisconnected(entry config.ConfigEntry) {}
func (f *fakeNode) UpstreamPeerWriteReady(entry config.ConfigEntry)   {}

func (f *fakeNode) HandleAppend(from config.ConfigEntry, msg message.PeerMessage) {
	f.appends = append(f.appends, msg)
}
func (f *fakeNode) HandleVoteRequest(from config.ConfigEntry, newTerm types.Term, lastReceivedTerm types.Term, lastReceivedOffset types.GlobalOffset) {
	f.voteRequests = append(f.voteRequests, newTerm)
}
func (f *fakeNode) HandleVote(from config.ConfigEntry, grantedTerm types.Term) {
	f.votes = append(f.votes, grantedTerm)
}

func makeEntry(host string) config.ConfigEntry {
	return config.NewConfigEntry(
		uuid.New(),
		netip.MustParseAddrPort(host+":2001"),
		netip.MustParseAddrPort(host+":3001"),
	)
}

func TestDispatchRoutesByKind(t *testing.T) {
	node := &fakeNode{}
	g := NewGateway(makeEntry("10.0.0.1"), node)
	peer := makeEntry("10.0.0.2")

	g.dispatch(peer, message.AppendMutations(3, 1, 1, []record.Mutation{
		record.Put(3, 2, "t", uuid.New(), 1, nil, nil),
	}, 1))
	g.dispatch(peer, message.RequestVotes(4, 3, 2))
	g.dispatch(peer, message.State(7))
	g.dispatch(peer, message.ReceivedMutations(8))
	g.dispatch(peer, message.Vote(4))

	if len(node.appends) != 1 || node.appends[0].Term != 3 {
		t.Fatalf("append not routed: %+v", node.appends)
	}
	if len(node.voteRequests) != 1 || node.voteRequests[0] != 4 {
		t.Fatalf("vote request not routed: %+v", node.voteRequests)
	}
	if len(node.peerStates) != 1 || node.peerStates[0] != 7 {
		t.Fatalf("peer state not routed: %+v", node.peerStates)
	}
	if len(node.acks) != 1 || node.acks[0] != 8 {
		t.Fatalf("ack not routed: %+v", node.acks)
	}
	if len(node.votes) != 1 || node.votes[0] != 4 {
		t.Fatalf("vote not routed: %+v", node.votes)
	}
}

func TestSendsQueueUntilWritable(t *testing.T) {
	node := &fakeNode{}
	g := NewGateway(makeEntry("10.0.0.1"), node)
	peer := makeEntry("10.0.0.2")

	// A downstream connection that has not reported write-ready yet.
	down := &conn{token: &framing.Token{}, entry: &peer, outbound: true}
	g.byToken[down.token] = down
	g.downstream[peer.NodeID] = &downstreamPeer{entry: peer, conn: down}

	g.SendHeartbeatToPeer(peer, 2, 5)
	g.SendVoteRequestToPeer(peer, 3, 2, 9)
	if len(down.outbox) != 2 {
		t.Fatalf("expected 2 queued frames, got %d", len(down.outbox))
	}
	first, err := message.DeserializePeerMessage(down.outbox[0])
	if err != nil || first.Kind != message.PeerAppendMutations || len(first.Records) != 0 {
		t.Fatalf("first queued frame wrong: %v %+v", err, first)
	}
	second, err := message.DeserializePeerMessage(down.outbox[1])
	if err != nil || second.Kind != message.PeerRequestVotes {
		t.Fatalf("second queued frame wrong: %v %+v", err, second)
	}

	// An identified upstream connection queues acks the same way.
	up := &conn{token: &framing.Token{}, entry: &peer}
	g.byToken[up.token] = up
	g.upstream[peer.NodeID] = up
	g.SendAckToPeer(peer, 6)
	ack, err := message.DeserializePeerMessage(up.outbox[0])
	if err != nil || ack.Kind != message.PeerReceivedMutations || ack.AckOffset != 6 {
		t.Fatalf("queued ack wrong: %v %+v", err, ack)
	}
}

func TestSendToUnknownPeerIsDropped(t *testing.T) {
	node := &fakeNode{}
	g := NewGateway(makeEntry("10.0.0.1"), node)
	// No downstream registered: the send is a quiet no-op, matching a peer
	// that was removed by a config change.
	g.SendHeartbeatToPeer(makeEntry("10.0.0.9"), 1, 0)
}
