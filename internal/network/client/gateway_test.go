package client

import (
	"net/netip"
	"testing"

	"github.com/google/uuid"

	"laminar/internal/state"
	"laminar/pkg/config"
	"laminar/pkg/framing"
	"laminar/pkg/message"
	"laminar/pkg/projection"
	"laminar/pkg/record"
	"laminar/pkg/types"
)

// fakeNode runs enqueued commands inline: the test goroutine is the core
// worker. Accepted messages get sequential offsets.
type fakeNode struct {
	snap state.StateSnapshot

	nextOffset    types.GlobalOffset
	accepted      []message.ClientMessage
	fetches       []types.GlobalOffset
	eventFetches  []types.LocalOffset
	lastLocal     map[types.TopicName]types.LocalOffset
	rejectClients bool
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	entry := config.NewConfigEntry(
		uuid.New(),
		netip.MustParseAddrPort("10.0.0.1:2001"),
		netip.MustParseAddrPort("10.0.0.1:3001"),
	)
	cfg, err := config.NewClusterConfig([]config.ConfigEntry{entry})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return &fakeNode{
		snap:       state.StateSnapshot{CurrentConfig: cfg, Role: state.Leader},
		nextOffset: 1,
		lastLocal:  make(map[types.TopicName]types.LocalOffset),
	}
}

func (f *fakeNode) Enqueue(cmd state.Command) {
	cmd(f.snap)
}

func (f *fakeNode) HandleValidClientMessage(clientID types.ClientID, msg message.ClientMessage) types.GlobalOffset {
	if f.rejectClients {
		return 0
	}
	f.accepted = append(f.accepted, msg)
	offset := f.nextOffset
	f.nextOffset++
	return offset
}

func (f *fakeNode) RequestMutationFetch(offset types.GlobalOffset) {
	f.fetches = append(f.fetches, offset)
}

func (f *fakeNode) RequestEventFetch(topic types.TopicName, local types.LocalOffset) {
	f.eventFetches = append(f.eventFetches, local)
}

func (f *fakeNode) LastCommittedLocal(topic types.TopicName) types.LocalOffset {
	return f.lastLocal[topic]
}

// openConn registers a connection without a live socket. The connection
// stays unwritable, so outgoing frames pile up in the outbox where the test
// can decode them.
func openConn(g *Gateway) *framing.Token {
	t := &framing.Token{}
	g.InboundConnected(t)
	return t
}

func queuedResponses(t *testing.T, g *Gateway, token *framing.Token) []message.Response {
	t.Helper()
	conn := g.byToken[token]
	if conn == nil {
		t.Fatal("connection dropped unexpectedly")
	}
	out := make([]message.Response, 0, len(conn.outbox))
	for _, payload := range conn.outbox {
		response, err := message.DeserializeResponse(payload)
		if err != nil {
			t.Fatalf("queued frame is not a response: %v", err)
		}
		out = append(out, response)
	}
	return out
}

func TestHandshakeAndNonceFlow(t *testing.T) {
	node := newFakeNode(t)
	g := NewGateway(netip.MustParseAddrPort("127.0.0.1:0"), node)
	clientID := uuid.New()

	token := openConn(g)
	g.handleFrame(node.snap, token, message.Handshake(clientID).Serialize())

	responses := queuedResponses(t, g, token)
	if len(responses) != 1 || responses[0].Kind != message.ResponseClientReady || responses[0].Nonce != 1 {
		t.Fatalf("handshake response wrong: %+v", responses)
	}

	// Nonce 2 before nonce 1 is an error; nonce 1 is accepted.
	g.handleFrame(node.snap, token, message.PutMessage(2, "t", []byte("k"), []byte("v")).Serialize())
	g.handleFrame(node.snap, token, message.PutMessage(1, "t", []byte("k"), []byte("v")).Serialize())
	responses = queuedResponses(t, g, token)
	if len(responses) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(responses))
	}
	if responses[1].Kind != message.ResponseError || responses[1].Nonce != 2 {
		t.Fatalf("bad-nonce response wrong: %+v", responses[1])
	}
	if responses[2].Kind != message.ResponseReceived || responses[2].Nonce != 1 {
		t.Fatalf("accept response wrong: %+v", responses[2])
	}
	if len(node.accepted) != 1 {
		t.Fatalf("core saw %d messages, want 1", len(node.accepted))
	}

	// The commit ack arrives when the core reports durability.
	g.ProcessPendingCommits(1, projection.EffectValid)
	responses = queuedResponses(t, g, token)
	last := responses[len(responses)-1]
	if last.Kind != message.ResponseCommitted || last.Nonce != 1 || last.LastCommitted != 1 {
		t.Fatalf("commit ack wrong: %+v", last)
	}
}

func TestRedirectWhenFollower(t *testing.T) {
	node := newFakeNode(t)
	g := NewGateway(netip.MustParseAddrPort("127.0.0.1:0"), node)
	clientID := uuid.New()

	token := openConn(g)
	g.handleFrame(node.snap, token, message.Handshake(clientID).Serialize())

	leaderAddr := netip.MustParseAddrPort("10.0.0.9:3001")
	node.snap.Role = state.Follower
	g.EnterFollowerState(leaderAddr, 0)

	responses := queuedResponses(t, g, token)
	last := responses[len(responses)-1]
	if last.Kind != message.ResponseRedirect || last.Redirect != leaderAddr {
		t.Fatalf("redirect wrong: %+v", last)
	}

	// Further mutations also bounce.
	g.handleFrame(node.snap, token, message.PutMessage(1, "t", nil, nil).Serialize())
	responses = queuedResponses(t, g, token)
	if responses[len(responses)-1].Kind != message.ResponseRedirect {
		t.Fatal("mutation on follower not redirected")
	}
}

func TestReconnectReplay(t *testing.T) {
	node := newFakeNode(t)
	g := NewGateway(netip.MustParseAddrPort("127.0.0.1:0"), node)
	clientID := uuid.New()

	// The cluster committed offsets 1..3, all authored by this client, but
	// the client only saw the ack for nonce 1 before disconnecting.
	node.snap.LastCommitted = 3
	node.snap.LastReceived = 3
	node.nextOffset = 4

	token := openConn(g)
	g.handleFrame(node.snap, token, message.Reconnect(clientID, 1, 2).Serialize())

	if len(node.fetches) != 1 || node.fetches[0] != 2 {
		t.Fatalf("replay should fetch offset 2 first: %+v", node.fetches)
	}

	g.ReplayMutationForReconnects(node.snap, record.Put(1, 2, "t", clientID, 2, []byte("k"), []byte("v")), true)
	if len(node.fetches) != 2 || node.fetches[1] != 3 {
		t.Fatalf("replay should walk to offset 3: %+v", node.fetches)
	}
	g.ReplayMutationForReconnects(node.snap, record.Put(1, 3, "t", clientID, 3, []byte("k"), []byte("v")), true)

	responses := queuedResponses(t, g, token)
	wantKinds := []message.ResponseKind{
		message.ResponseReceived, message.ResponseCommitted,
		message.ResponseReceived, message.ResponseCommitted,
		message.ResponseClientReady,
	}
	if len(responses) != len(wantKinds) {
		t.Fatalf("expected %d responses, got %d: %+v", len(wantKinds), len(responses), responses)
	}
	for i, kind := range wantKinds {
		if responses[i].Kind != kind {
			t.Fatalf("response %d is %v, want %v", i, responses[i].Kind, kind)
		}
	}
	if responses[0].Nonce != 2 || responses[2].Nonce != 3 {
		t.Fatalf("synthetic nonces wrong: %+v", responses)
	}
	ready := responses[4]
	if ready.Nonce != 4 || ready.LastCommitted != 3 {
		t.Fatalf("CLIENT_READY wrong: %+v", ready)
	}

	// The connection is back to normal operation at the right nonce.
	conn := g.byToken[token]
	if conn.reconnecting != nil || conn.nextNonce != 4 {
		t.Fatalf("reconnect did not conclude: nonce=%d", conn.nextNonce)
	}
}

func TestReconnectSkipsOtherClients(t *testing.T) {
	node := newFakeNode(t)
	g := NewGateway(netip.MustParseAddrPort("127.0.0.1:0"), node)
	clientID := uuid.New()
	otherID := uuid.New()

	node.snap.LastCommitted = 2
	node.snap.LastReceived = 2

	token := openConn(g)
	g.handleFrame(node.snap, token, message.Reconnect(clientID, 0, 1).Serialize())

	g.ReplayMutationForReconnects(node.snap, record.Put(1, 1, "t", otherID, 9, nil, nil), true)
	g.ReplayMutationForReconnects(node.snap, record.Put(1, 2, "t", clientID, 1, nil, nil), true)

	responses := queuedResponses(t, g, token)
	// Only the client's own mutation is acked: RECEIVED, COMMITTED, READY.
	if len(responses) != 3 {
		t.Fatalf("expected 3 responses, got %d: %+v", len(responses), responses)
	}
	if responses[0].Nonce != 1 || responses[2].Kind != message.ResponseClientReady || responses[2].Nonce != 2 {
		t.Fatalf("replay acks wrong: %+v", responses)
	}
}

func TestReconnectWithNothingMissed(t *testing.T) {
	node := newFakeNode(t)
	g := NewGateway(netip.MustParseAddrPort("127.0.0.1:0"), node)
	clientID := uuid.New()

	node.snap.LastCommitted = 5
	node.snap.LastReceived = 5

	token := openConn(g)
	g.handleFrame(node.snap, token, message.Reconnect(clientID, 5, 7).Serialize())

	responses := queuedResponses(t, g, token)
	if len(responses) != 1 || responses[0].Kind != message.ResponseClientReady || responses[0].Nonce != 7 {
		t.Fatalf("expected immediate CLIENT_READY(7): %+v", responses)
	}
	if len(node.fetches) != 0 {
		t.Fatalf("nothing to replay but fetched %+v", node.fetches)
	}
}

func TestListenerStream(t *testing.T) {
	node := newFakeNode(t)
	g := NewGateway(netip.MustParseAddrPort("127.0.0.1:0"), node)

	token := openConn(g)
	g.handleFrame(node.snap, token, message.Listen("t", 0).Serialize())

	// Nothing committed yet: the listener waits.
	if len(node.eventFetches) != 0 {
		t.Fatalf("listener fetched with empty topic: %+v", node.eventFetches)
	}

	// A fresh commit at the listener's cursor flows straight through.
	event := record.KeyPut(1, 1, 1, "t", uuid.New(), 1, []byte("k"), []byte("v"))
	g.SendEventToListeners(event)
	conn := g.byToken[token]
	if len(conn.outbox) != 1 {
		t.Fatalf("expected 1 queued event, got %d", len(conn.outbox))
	}
	decoded, err := record.DeserializeEvent(conn.outbox[0])
	if err != nil || decoded.LocalOffset != 1 {
		t.Fatalf("queued event wrong: %v %+v", err, decoded)
	}
	if conn.nextLocal != 2 {
		t.Fatalf("listener cursor %d, want 2", conn.nextLocal)
	}

	// The same offset delivered again (a duplicate fetch) is dropped.
	g.SendEventToListeners(event)
	if len(conn.outbox) != 1 {
		t.Fatal("duplicate event was queued")
	}
}

func TestListenerCatchUp(t *testing.T) {
	node := newFakeNode(t)
	g := NewGateway(netip.MustParseAddrPort("127.0.0.1:0"), node)
	node.lastLocal["t"] = 3

	token := openConn(g)
	g.handleFrame(node.snap, token, message.Listen("t", 1).Serialize())

	// Local offsets 2 and 3 are already committed: catch-up starts at 2.
	if len(node.eventFetches) != 1 || node.eventFetches[0] != 2 {
		t.Fatalf("catch-up fetch wrong: %+v", node.eventFetches)
	}
	_ = token
}

func TestListenerConfigPseudoEvent(t *testing.T) {
	node := newFakeNode(t)
	g := NewGateway(netip.MustParseAddrPort("127.0.0.1:0"), node)

	token := openConn(g)
	g.handleFrame(node.snap, token, message.Listen("t", 0).Serialize())

	g.BroadcastConfigUpdate(node.snap, node.snap.CurrentConfig)
	conn := g.byToken[token]
	if conn.highPriority == nil {
		t.Fatal("CONFIG_CHANGE not staged in the high-priority slot")
	}
	if conn.highPriority.Kind != record.EventConfigChange {
		t.Fatalf("high-priority slot holds %v", conn.highPriority.Kind)
	}
}
