package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"github.com/google/uuid"

	"laminar/pkg/types"
)

const (
	// MaxClusterMembers bounds the entry count of a single config.
	MaxClusterMembers = 31

	ipv4ByteSize = 4
	ipv6ByteSize = 16
)

var (
	ErrInvalidClusterConfig = errors.New("cluster config invalid")
)

// ConfigEntry describes a single node: its identity and its two listening
// sockets. The cluster-facing and client-facing sockets are defined
// independently.
type ConfigEntry struct {
	NodeID  types.NodeID
	Cluster netip.AddrPort
	Client  netip.AddrPort
}

// NewConfigEntry normalizes the addresses so equality is defined on the raw
// IP bytes and port alone.
func NewConfigEntry(nodeID types.NodeID, cluster, client netip.AddrPort) ConfigEntry {
	return ConfigEntry{
		NodeID:  nodeID,
		Cluster: cleanAddrPort(cluster),
		Client:  cleanAddrPort(client),
	}
}

// Equal compares identity and both normalized sockets.
func (e ConfigEntry) Equal(other ConfigEntry) bool {
	return e.NodeID == other.NodeID && e.Cluster == other.Cluster && e.Client == other.Client
}

func (e ConfigEntry) String() string {
	return fmt.Sprintf("(node: %s, cluster: %s, client: %s)", e.NodeID, e.Cluster, e.Client)
}

// ClusterConfig is the description of a coherent cluster of machines. The
// config is just data describing the cluster and doesn't change based on who
// is leader or which nodes are online. While in joint consensus, nodes handle
// two ClusterConfig instances at once.
type ClusterConfig struct {
	Entries []ConfigEntry
}

// NewClusterConfig validates the entry count and normalizes every address.
func NewClusterConfig(entries []ConfigEntry) (ClusterConfig, error) {
	if len(entries) == 0 || len(entries) > MaxClusterMembers {
		return ClusterConfig{}, ErrInvalidClusterConfig
	}
	copied := make([]ConfigEntry, len(entries))
	for i, e := range entries {
		copied[i] = NewConfigEntry(e.NodeID, e.Cluster, e.Client)
	}
	return ClusterConfig{Entries: copied}, nil
}

// Equal is element-wise equality over the entry lists.
func (c ClusterConfig) Equal(other ClusterConfig) bool {
	if len(c.Entries) != len(other.Entries) {
		return false
	}
	for i := range c.Entries {
		if !c.Entries[i].Equal(other.Entries[i]) {
			return false
		}
	}
	return true
}

// Contains reports whether the config names the given node.
func (c ClusterConfig) Contains(nodeID types.NodeID) bool {
	for _, e := range c.Entries {
		if e.NodeID == nodeID {
			return true
		}
	}
	return false
}

// SerializedSize is the exact byte length Serialize will produce.
func (c ClusterConfig) SerializedSize() int {
	size := 1
	for _, e := range c.Entries {
		size += 16
		size += 1 + e.Cluster.Addr().BitLen()/8 + 2
		size += 1 + e.Client.Addr().BitLen()/8 + 2
	}
	return size
}

// Serialize encodes the config: a 1-byte entry count then each entry as a
// 16-byte node id followed by the cluster and client address pairs.
func (c ClusterConfig) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, c.SerializedSize()))
	buf.WriteByte(byte(len(c.Entries)))
	for _, e := range c.Entries {
		id := e.NodeID
		buf.Write(id[:])
		writeAddrPort(buf, e.Cluster)
		writeAddrPort(buf, e.Client)
	}
	return buf.Bytes()
}

// DeserializeClusterConfig decodes a config produced by Serialize.
func DeserializeClusterConfig(serialized []byte) (ClusterConfig, error) {
	r := bytes.NewReader(serialized)
	cfg, err := ReadClusterConfig(r)
	if err != nil {
		return ClusterConfig{}, err
	}
	if r.Len() != 0 {
		return ClusterConfig{}, fmt.Errorf("%w: %d trailing bytes", ErrInvalidClusterConfig, r.Len())
	}
	return cfg, nil
}

// ReadClusterConfig decodes a config from the reader, leaving any trailing
// bytes unread.
func ReadClusterConfig(r *bytes.Reader) (ClusterConfig, error) {
	count, err := r.ReadByte()
	if err != nil {
		return ClusterConfig{}, fmt.Errorf("%w: %v", ErrInvalidClusterConfig, err)
	}
	if count == 0 || count > MaxClusterMembers {
		return ClusterConfig{}, fmt.Errorf("%w: %d entries", ErrInvalidClusterConfig, count)
	}
	entries := make([]ConfigEntry, count)
	for i := range entries {
		var rawID [16]byte
		if _, err := io.ReadFull(r, rawID[:]); err != nil {
			return ClusterConfig{}, fmt.Errorf("%w: %v", ErrInvalidClusterConfig, err)
		}
		cluster, err := readAddrPort(r)
		if err != nil {
			return ClusterConfig{}, err
		}
		client, err := readAddrPort(r)
		if err != nil {
			return ClusterConfig{}, err
		}
		entries[i] = ConfigEntry{NodeID: uuid.UUID(rawID), Cluster: cluster, Client: client}
	}
	return ClusterConfig{Entries: entries}, nil
}

// cleanAddrPort strips any IPv4-in-IPv6 mapping and the zone so two
// addresses serialize identically iff they compare equal.
func cleanAddrPort(ap netip.AddrPort) netip.AddrPort {
	addr := ap.Addr().Unmap().WithZone("")
	return netip.AddrPortFrom(addr, ap.Port())
}

func writeAddrPort(buf *bytes.Buffer, ap netip.AddrPort) {
	addr := ap.Addr().Unmap()
	if addr.Is4() {
		raw := addr.As4()
		buf.WriteByte(ipv4ByteSize)
		buf.Write(raw[:])
	} else {
		raw := addr.As16()
		buf.WriteByte(ipv6ByteSize)
		buf.Write(raw[:])
	}
	port := ap.Port()
	buf.WriteByte(byte(port >> 8))
	buf.WriteByte(byte(port))
}

func readAddrPort(r *bytes.Reader) (netip.AddrPort, error) {
	ipLen, err := r.ReadByte()
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrInvalidClusterConfig, err)
	}
	if ipLen != ipv4ByteSize && ipLen != ipv6ByteSize {
		return netip.AddrPort{}, fmt.Errorf("%w: ip length %d", ErrInvalidClusterConfig, ipLen)
	}
	ip := make([]byte, ipLen)
	if _, err := io.ReadFull(r, ip); err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrInvalidClusterConfig, err)
	}
	hi, err := r.ReadByte()
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrInvalidClusterConfig, err)
	}
	lo, err := r.ReadByte()
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrInvalidClusterConfig, err)
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, ErrInvalidClusterConfig
	}
	return netip.AddrPortFrom(addr, uint16(hi)<<8|uint16(lo)), nil
}
