package message

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/google/uuid"

	"laminar/pkg/config"
	"laminar/pkg/record"
)

func testConfig(t *testing.T) config.ClusterConfig {
	t.Helper()
	entry := config.NewConfigEntry(
		uuid.New(),
		netip.MustParseAddrPort("10.0.0.1:2001"),
		netip.MustParseAddrPort("10.0.0.1:3001"),
	)
	cfg, err := config.NewClusterConfig([]config.ConfigEntry{entry})
	if err != nil {
		t.Fatalf("NewClusterConfig failed: %v", err)
	}
	return cfg
}

func TestClientMessageRoundTrip(t *testing.T) {
	clientID := uuid.New()
	cases := []struct {
		name string
		msg  ClientMessage
	}{
		{"Handshake", Handshake(clientID)},
		{"Reconnect", Reconnect(clientID, 17, 4)},
		{"Listen", Listen("orders", 9)},
		{"CreateTopic", CreateTopicMessage(1, "orders", []byte{0x01}, []byte("args"))},
		{"DestroyTopic", DestroyTopicMessage(2, "orders")},
		{"Put", PutMessage(3, "orders", []byte("key"), []byte("value"))},
		{"Delete", DeleteMessage(4, "orders", []byte("key"))},
		{"UpdateConfig", UpdateConfigMessage(5, testConfig(t))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := DeserializeClientMessage(tc.msg.Serialize())
			if err != nil {
				t.Fatalf("deserialize failed: %v", err)
			}
			if decoded.Kind != tc.msg.Kind || decoded.Nonce != tc.msg.Nonce ||
				decoded.ClientID != tc.msg.ClientID || decoded.Topic != tc.msg.Topic ||
				decoded.LastCommitOffset != tc.msg.LastCommitOffset ||
				decoded.LastLocalOffset != tc.msg.LastLocalOffset {
				t.Fatalf("round-trip mismatch:\n want %+v\n got  %+v", tc.msg, decoded)
			}
			if !bytes.Equal(decoded.Key, tc.msg.Key) || !bytes.Equal(decoded.Value, tc.msg.Value) ||
				!bytes.Equal(decoded.Code, tc.msg.Code) || !bytes.Equal(decoded.Args, tc.msg.Args) {
				t.Fatal("payload mismatch")
			}
			if tc.msg.Kind == ClientUpdateConfig && !decoded.Config.Equal(tc.msg.Config) {
				t.Fatal("config payload mismatch")
			}
		})
	}
}

func TestResponseRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		response Response
	}{
		{"Error", ErrorResponse(7, 3)},
		{"Received", Received(7, 3)},
		{"Committed", Committed(7, 8, EffectValid)},
		{"CommittedWithError", Committed(7, 8, EffectError)},
		{"Redirect", RedirectResponse(netip.MustParseAddrPort("10.0.0.9:3001"), 3)},
		{"ClientReady", ClientReady(4, 3, testConfig(t))},
		{"ConfigChange", ConfigChangeResponse(testConfig(t), 12)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := DeserializeResponse(tc.response.Serialize())
			if err != nil {
				t.Fatalf("deserialize failed: %v", err)
			}
			if decoded.Kind != tc.response.Kind || decoded.Nonce != tc.response.Nonce ||
				decoded.LastCommitted != tc.response.LastCommitted ||
				decoded.Effect != tc.response.Effect || decoded.Redirect != tc.response.Redirect {
				t.Fatalf("round-trip mismatch:\n want %+v\n got  %+v", tc.response, decoded)
			}
			switch tc.response.Kind {
			case ResponseClientReady, ResponseConfigChange:
				if !decoded.Config.Equal(tc.response.Config) {
					t.Fatal("config payload mismatch")
				}
			}
		})
	}
}

func TestPeerMessageRoundTrip(t *testing.T) {
	clientID := uuid.New()
	entry := testConfig(t).Entries[0]
	records := []record.Mutation{
		record.Put(2, 5, "orders", clientID, 3, []byte("key"), []byte("value")),
	}
	cases := []struct {
		name string
		msg  PeerMessage
	}{
		{"Identity", Identity(entry)},
		{"Append", AppendMutations(2, 4, 1, records, 3)},
		{"Heartbeat", Heartbeat(2, 0, 0, 3)},
		{"RequestVotes", RequestVotes(3, 2, 5)},
		{"PeerState", State(4)},
		{"ReceivedMutations", ReceivedMutations(5)},
		{"Vote", Vote(3)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := DeserializePeerMessage(tc.msg.Serialize())
			if err != nil {
				t.Fatalf("deserialize failed: %v", err)
			}
			if decoded.Kind != tc.msg.Kind || decoded.Term != tc.msg.Term ||
				decoded.PreviousOffset != tc.msg.PreviousOffset ||
				decoded.PreviousTerm != tc.msg.PreviousTerm ||
				decoded.LastCommitted != tc.msg.LastCommitted ||
				decoded.AckOffset != tc.msg.AckOffset ||
				decoded.GrantedTerm != tc.msg.GrantedTerm ||
				decoded.LastReceivedTerm != tc.msg.LastReceivedTerm ||
				decoded.LastReceivedOffset != tc.msg.LastReceivedOffset {
				t.Fatalf("round-trip mismatch:\n want %+v\n got  %+v", tc.msg, decoded)
			}
			if len(decoded.Records) != len(tc.msg.Records) {
				t.Fatalf("expected %d records, got %d", len(tc.msg.Records), len(decoded.Records))
			}
			for i := range decoded.Records {
				if !bytes.Equal(decoded.Records[i].Serialize(), tc.msg.Records[i].Serialize()) {
					t.Fatalf("record %d mismatch", i)
				}
			}
			if tc.msg.Kind == PeerIdentity && !decoded.Entry.Equal(tc.msg.Entry) {
				t.Fatal("identity entry mismatch")
			}
		})
	}
}

func TestHeartbeatHasNoRecords(t *testing.T) {
	hb := Heartbeat(5, 0, 0, 9)
	decoded, err := DeserializePeerMessage(hb.Serialize())
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}
	if len(decoded.Records) != 0 {
		t.Fatalf("heartbeat decoded with %d records", len(decoded.Records))
	}
}
