// Package framing implements the length-prefixed message channel used for
// every socket in laminar. Each frame is a 2-byte big-endian length (0..65534)
// followed by that many payload bytes. The manager owns one reader and one
// writer goroutine per connection and reports connect, disconnect, read-ready
// and write-ready to its callbacks; it accepts one outstanding write per peer.
package framing

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/netip"
)

const (
	// MaxPayloadBytes is the largest frame payload; a length of 65535 is a
	// protocol error.
	MaxPayloadBytes = 65534

	headerBytes = 2

	// incomingDepth bounds buffered frames per connection; the reader
	// goroutine blocks once it fills, pushing backpressure into TCP.
	incomingDepth = 16
)

var (
	ErrPayloadTooLarge = errors.New("frame payload exceeds 65534 bytes")
	ErrNotWritable     = errors.New("connection already has a pending write")
	ErrClosed          = errors.New("connection closed")
)

// readFrame reads one length-prefixed frame. A length of 65535 is rejected
// as a protocol error.
func readFrame(conn net.Conn) ([]byte, error) {
	var header [headerBytes]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(header[:])
	if length > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// writeFrame writes one length-prefixed frame as a single buffer so the
// header and payload cannot interleave with another writer.
func writeFrame(conn net.Conn, payload []byte) error {
	if len(payload) > MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	framed := make([]byte, headerBytes+len(payload))
	binary.BigEndian.PutUint16(framed, uint16(len(payload)))
	copy(framed[headerBytes:], payload)
	_, err := conn.Write(framed)
	return err
}

func tcpAddr(ap netip.AddrPort) string {
	return ap.String()
}
