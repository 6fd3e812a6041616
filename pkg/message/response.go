package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"laminar/pkg/config"
	"laminar/pkg/encoding"
	"laminar/pkg/types"
)

// ResponseKind is the on-wire ordinal of a server-to-client message.
type ResponseKind uint8

const (
	ResponseInvalid ResponseKind = iota
	ResponseError
	ResponseReceived
	ResponseCommitted
	ResponseRedirect
	ResponseClientReady
	ResponseConfigChange
)

// CommitEffect describes the outcome of a committed mutation as seen by the
// authoring client.
type CommitEffect uint8

const (
	EffectValid CommitEffect = iota
	// EffectError marks a mutation whose projection failed (projector error
	// or resource limit); the mutation committed with zero events.
	EffectError
)

var (
	ErrCorruptResponse = errors.New("corrupt client response")
)

// Response is a single framed server-to-client message. Every response
// carries the last committed global offset so clients can track cluster
// progress.
type Response struct {
	Kind          ResponseKind
	Nonce         types.Nonce
	LastCommitted types.GlobalOffset

	// COMMITTED only.
	Effect CommitEffect
	// REDIRECT: the leader's client-facing address.
	Redirect netip.AddrPort
	// CLIENT_READY and CONFIG_CHANGE carry the active config.
	Config config.ClusterConfig
}

// ErrorResponse rejects the message with the given nonce without changing
// any server state.
func ErrorResponse(nonce types.Nonce, lastCommitted types.GlobalOffset) Response {
	return Response{Kind: ResponseError, Nonce: nonce, LastCommitted: lastCommitted}
}

// Received acknowledges that the mutation was accepted and assigned an
// offset.
func Received(nonce types.Nonce, lastCommitted types.GlobalOffset) Response {
	return Response{Kind: ResponseReceived, Nonce: nonce, LastCommitted: lastCommitted}
}

// Committed acknowledges that the mutation committed, with its effect.
func Committed(nonce types.Nonce, lastCommitted types.GlobalOffset, effect CommitEffect) Response {
	return Response{Kind: ResponseCommitted, Nonce: nonce, LastCommitted: lastCommitted, Effect: effect}
}

// RedirectResponse points the client at the current leader.
func RedirectResponse(leaderClient netip.AddrPort, lastCommitted types.GlobalOffset) Response {
	return Response{Kind: ResponseRedirect, Redirect: leaderClient, LastCommitted: lastCommitted}
}

// ClientReady concludes a handshake or reconnect: the client resumes sending
// from the given nonce under the given config.
func ClientReady(nextNonce types.Nonce, lastCommitted types.GlobalOffset, cfg config.ClusterConfig) Response {
	return Response{Kind: ResponseClientReady, Nonce: nextNonce, LastCommitted: lastCommitted, Config: cfg}
}

// ConfigChangeResponse broadcasts a newly committed config.
func ConfigChangeResponse(cfg config.ClusterConfig, lastCommitted types.GlobalOffset) Response {
	return Response{Kind: ResponseConfigChange, LastCommitted: lastCommitted, Config: cfg}
}

// Serialize encodes the response as kind, nonce, last committed offset, then
// kind-specific payload.
func (p Response) Serialize() []byte {
	buf := &bytes.Buffer{}
	encoding.WriteUint8(buf, uint8(p.Kind))
	encoding.WriteUint64(buf, uint64(p.Nonce))
	encoding.WriteUint64(buf, uint64(p.LastCommitted))
	switch p.Kind {
	case ResponseCommitted:
		encoding.WriteUint8(buf, uint8(p.Effect))
	case ResponseRedirect:
		writeWireAddr(buf, p.Redirect)
	case ResponseClientReady, ResponseConfigChange:
		buf.Write(p.Config.Serialize())
	}
	return buf.Bytes()
}

// DeserializeResponse decodes a response produced by Serialize.
func DeserializeResponse(serialized []byte) (Response, error) {
	r := bytes.NewReader(serialized)
	kind, err := encoding.ReadUint8(r)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrCorruptResponse, err)
	}
	if ResponseKind(kind) == ResponseInvalid || ResponseKind(kind) > ResponseConfigChange {
		return Response{}, fmt.Errorf("%w: kind %d", ErrCorruptResponse, kind)
	}
	p := Response{Kind: ResponseKind(kind)}
	nonce, err := encoding.ReadUint64(r)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrCorruptResponse, err)
	}
	p.Nonce = types.Nonce(nonce)
	last, err := encoding.ReadUint64(r)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrCorruptResponse, err)
	}
	p.LastCommitted = types.GlobalOffset(last)
	switch p.Kind {
	case ResponseCommitted:
		effect, err := encoding.ReadUint8(r)
		if err != nil {
			return Response{}, fmt.Errorf("%w: %v", ErrCorruptResponse, err)
		}
		p.Effect = CommitEffect(effect)
	case ResponseRedirect:
		addr, err := readWireAddr(r)
		if err != nil {
			return Response{}, fmt.Errorf("%w: %v", ErrCorruptResponse, err)
		}
		p.Redirect = addr
	case ResponseClientReady, ResponseConfigChange:
		cfg, err := config.ReadClusterConfig(r)
		if err != nil {
			return Response{}, fmt.Errorf("%w: %v", ErrCorruptResponse, err)
		}
		p.Config = cfg
	}
	if r.Len() != 0 {
		return Response{}, fmt.Errorf("%w: %d trailing bytes", ErrCorruptResponse, r.Len())
	}
	return p, nil
}

// writeWireAddr encodes an address the same way cluster config entries do:
// 1-byte ip length, ip bytes, 2-byte port.
func writeWireAddr(buf *bytes.Buffer, ap netip.AddrPort) {
	addr := ap.Addr().Unmap()
	if addr.Is4() {
		raw := addr.As4()
		encoding.WriteUint8(buf, 4)
		buf.Write(raw[:])
	} else {
		raw := addr.As16()
		encoding.WriteUint8(buf, 16)
		buf.Write(raw[:])
	}
	encoding.WriteUint16(buf, ap.Port())
}

func readWireAddr(r *bytes.Reader) (netip.AddrPort, error) {
	ipLen, err := encoding.ReadUint8(r)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if ipLen != 4 && ipLen != 16 {
		return netip.AddrPort{}, fmt.Errorf("address ip length %d", ipLen)
	}
	ip := make([]byte, ipLen)
	if _, err := io.ReadFull(r, ip); err != nil {
		return netip.AddrPort{}, err
	}
	port, err := encoding.ReadUint16(r)
	if err != nil {
		return netip.AddrPort{}, err
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("bad address bytes")
	}
	return netip.AddrPortFrom(addr, port), nil
}
