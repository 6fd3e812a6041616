package config

import (
	"net/netip"
	"testing"

	"github.com/google/uuid"
)

func entryForTest(t *testing.T, cluster, client string) ConfigEntry {
	t.Helper()
	clusterAddr, err := netip.ParseAddrPort(cluster)
	if err != nil {
		t.Fatalf("bad cluster addr: %v", err)
	}
	clientAddr, err := netip.ParseAddrPort(client)
	if err != nil {
		t.Fatalf("bad client addr: %v", err)
	}
	return NewConfigEntry(uuid.New(), clusterAddr, clientAddr)
}

func TestClusterConfigRoundTrip(t *testing.T) {
	entries := []ConfigEntry{
		entryForTest(t, "10.0.0.1:2001", "10.0.0.1:3001"),
		entryForTest(t, "[2001:db8::1]:2002", "[2001:db8::1]:3002"),
	}
	cfg, err := NewClusterConfig(entries)
	if err != nil {
		t.Fatalf("NewClusterConfig failed: %v", err)
	}

	serialized := cfg.Serialize()
	if len(serialized) != cfg.SerializedSize() {
		t.Fatalf("SerializedSize %d but wrote %d bytes", cfg.SerializedSize(), len(serialized))
	}
	decoded, err := DeserializeClusterConfig(serialized)
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}
	if !cfg.Equal(decoded) {
		t.Fatalf("round-trip mismatch: %v vs %v", cfg, decoded)
	}
}

func TestClusterConfigSizeBounds(t *testing.T) {
	if _, err := NewClusterConfig(nil); err == nil {
		t.Fatal("empty config accepted")
	}

	one := []ConfigEntry{entryForTest(t, "10.0.0.1:2001", "10.0.0.1:3001")}
	if _, err := NewClusterConfig(one); err != nil {
		t.Fatalf("1-entry config rejected: %v", err)
	}

	max := make([]ConfigEntry, MaxClusterMembers)
	for i := range max {
		max[i] = entryForTest(t, "10.0.0.1:2001", "10.0.0.1:3001")
	}
	if _, err := NewClusterConfig(max); err != nil {
		t.Fatalf("31-entry config rejected: %v", err)
	}
	if _, err := NewClusterConfig(append(max, max[0])); err == nil {
		t.Fatal("32-entry config accepted")
	}
}

func TestClusterConfigAddressNormalization(t *testing.T) {
	id := uuid.New()
	mapped := netip.AddrPortFrom(netip.MustParseAddr("::ffff:10.0.0.1"), 2001)
	plain := netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), 2001)
	a := NewConfigEntry(id, mapped, mapped)
	b := NewConfigEntry(id, plain, plain)
	if !a.Equal(b) {
		t.Fatalf("mapped and plain IPv4 entries differ: %v vs %v", a, b)
	}
}

func TestClusterConfigRejectsCorruptInput(t *testing.T) {
	cfg, err := NewClusterConfig([]ConfigEntry{entryForTest(t, "10.0.0.1:2001", "10.0.0.1:3001")})
	if err != nil {
		t.Fatalf("NewClusterConfig failed: %v", err)
	}
	serialized := cfg.Serialize()

	t.Run("Truncated", func(t *testing.T) {
		if _, err := DeserializeClusterConfig(serialized[:len(serialized)-3]); err == nil {
			t.Fatal("truncated config accepted")
		}
	})
	t.Run("ZeroEntries", func(t *testing.T) {
		if _, err := DeserializeClusterConfig([]byte{0}); err == nil {
			t.Fatal("zero-entry config accepted")
		}
	})
	t.Run("TrailingBytes", func(t *testing.T) {
		if _, err := DeserializeClusterConfig(append(serialized, 0xFF)); err == nil {
			t.Fatal("trailing bytes accepted")
		}
	})
}
