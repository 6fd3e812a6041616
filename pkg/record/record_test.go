package record

import (
	"bytes"
	"net/netip"
	"reflect"
	"testing"

	"github.com/google/uuid"

	"laminar/pkg/config"
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

func TestMutationRoundTrip(t *testing.T) {
	clientID := uuid.New()
	cases := []struct {
		name     string
		mutation Mutation
	}{
		{"CreateRawTopic", CreateTopic(1, 1, "orders", clientID, 1, nil, nil)},
		{"CreateProgrammableTopic", CreateTopic(2, 5, "derived", clientID, 3, []byte{0xCA, 0xFE}, []byte("args"))},
		{"DestroyTopic", DestroyTopic(3, 9, "orders", clientID, 4)},
		{"Put", Put(1, 2, "orders", clientID, 2, []byte("key"), []byte("value"))},
		{"PutEmptyKeyValue", Put(1, 3, "orders", clientID, 3, []byte{}, []byte{})},
		{"Delete", Delete(4, 11, "orders", clientID, 5, []byte("key"))},
		{"UpdateConfig", UpdateConfig(2, 6, clientID, 4, testConfig(t))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := DeserializeMutation(tc.mutation.Serialize())
			if err != nil {
				t.Fatalf("deserialize failed: %v", err)
			}
			if tc.mutation.Kind == MutationUpdateConfig {
				if !decoded.Config.Equal(tc.mutation.Config) {
					t.Fatal("config payload mismatch")
				}
				decoded.Config = tc.mutation.Config
			}
			if !mutationsEquivalent(tc.mutation, decoded) {
				t.Fatalf("round-trip mismatch:\n want %+v\n got  %+v", tc.mutation, decoded)
			}
		})
	}
}

// mutationsEquivalent treats nil and empty byte slices as equal, which is
// what the wire cannot distinguish.
func mutationsEquivalent(a, b Mutation) bool {
	normalize := func(m Mutation) Mutation {
		if len(m.Key) == 0 {
			m.Key = nil
		}
		if len(m.Value) == 0 {
			m.Value = nil
		}
		if len(m.Code) == 0 {
			m.Code = nil
		}
		if len(m.Args) == 0 {
			m.Args = nil
		}
		return m
	}
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func TestMutationRejectsCorruptInput(t *testing.T) {
	m := Put(1, 2, "orders", uuid.New(), 2, []byte("key"), []byte("value"))
	serialized := m.Serialize()

	t.Run("UnknownKind", func(t *testing.T) {
		bad := bytes.Clone(serialized)
		bad[0] = 0xEE
		if _, err := DeserializeMutation(bad); err == nil {
			t.Fatal("unknown kind accepted")
		}
	})
	t.Run("InvalidKind", func(t *testing.T) {
		bad := bytes.Clone(serialized)
		bad[0] = byte(MutationInvalid)
		if _, err := DeserializeMutation(bad); err == nil {
			t.Fatal("INVALID kind accepted")
		}
	})
	t.Run("Truncated", func(t *testing.T) {
		if _, err := DeserializeMutation(serialized[:len(serialized)-1]); err == nil {
			t.Fatal("truncated record accepted")
		}
	})
	t.Run("TrailingBytes", func(t *testing.T) {
		if _, err := DeserializeMutation(append(bytes.Clone(serialized), 0x00)); err == nil {
			t.Fatal("trailing bytes accepted")
		}
	})
}

func TestEventRoundTrip(t *testing.T) {
	clientID := uuid.New()
	cases := []struct {
		name  string
		event Event
	}{
		{"TopicCreate", TopicCreate(1, 1, 1, "orders", clientID, 1)},
		{"TopicDestroy", TopicDestroy(2, 9, 4, "orders", clientID, 6)},
		{"KeyPut", KeyPut(1, 2, 2, "orders", clientID, 2, []byte("key"), []byte("value"))},
		{"KeyDelete", KeyDelete(1, 3, 3, "orders", clientID, 3, []byte("key"))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := DeserializeEvent(tc.event.Serialize())
			if err != nil {
				t.Fatalf("deserialize failed: %v", err)
			}
			if decoded.Kind != tc.event.Kind || decoded.Offset != tc.event.Offset ||
				decoded.LocalOffset != tc.event.LocalOffset || decoded.Topic != tc.event.Topic ||
				decoded.ClientID != tc.event.ClientID || decoded.ClientNonce != tc.event.ClientNonce {
				t.Fatalf("round-trip mismatch:\n want %+v\n got  %+v", tc.event, decoded)
			}
			if !bytes.Equal(decoded.Key, tc.event.Key) || !bytes.Equal(decoded.Value, tc.event.Value) {
				t.Fatal("payload mismatch")
			}
		})
	}
}

func TestConfigChangePseudoEvent(t *testing.T) {
	cfg := testConfig(t)
	pseudo := ConfigChange(cfg)
	if !pseudo.IsSynthesized() {
		t.Fatal("CONFIG_CHANGE not reported synthesized")
	}
	if pseudo.ClientID != (uuid.UUID{}) {
		t.Fatal("CONFIG_CHANGE carries a client id")
	}

	decoded, err := DeserializeEvent(pseudo.Serialize())
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}
	if decoded.Offset != pseudo.Offset || decoded.LocalOffset != pseudo.LocalOffset {
		t.Fatal("sentinel offsets did not survive the round trip")
	}
	if !decoded.Config.Equal(cfg) {
		t.Fatal("config payload mismatch")
	}
}
