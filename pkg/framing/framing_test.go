package framing

import (
	"bytes"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	payload := []byte("hello laminar")
	go func() {
		_ = writeFrame(client, payload)
	}()
	got, err := readFrame(server)
	if err != nil {
		t.Fatalf("readFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %q", got)
	}
}

func TestFrameBoundaries(t *testing.T) {
	t.Run("MaxPayloadEncodes", func(t *testing.T) {
		server, client := net.Pipe()
		defer server.Close()
		defer client.Close()
		payload := make([]byte, MaxPayloadBytes)
		go func() {
			_ = writeFrame(client, payload)
		}()
		got, err := readFrame(server)
		if err != nil {
			t.Fatalf("readFrame failed at 65534 bytes: %v", err)
		}
		if len(got) != MaxPayloadBytes {
			t.Fatalf("expected %d bytes, got %d", MaxPayloadBytes, len(got))
		}
	})

	t.Run("OversizeWriteRejected", func(t *testing.T) {
		server, client := net.Pipe()
		defer server.Close()
		defer client.Close()
		if err := writeFrame(client, make([]byte, MaxPayloadBytes+1)); err != ErrPayloadTooLarge {
			t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
		}
	})

	t.Run("OversizeLengthRejectedOnRead", func(t *testing.T) {
		server, client := net.Pipe()
		defer server.Close()
		defer client.Close()
		go func() {
			// 0xFFFF length prefix: a protocol error by definition.
			_, _ = client.Write([]byte{0xFF, 0xFF})
		}()
		if _, err := readFrame(server); err != ErrPayloadTooLarge {
			t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
		}
	})
}

// recordingCallbacks collects callback invocations for assertions.
type recordingCallbacks struct {
	mu          sync.Mutex
	frames      [][]byte
	writeReady  int
	connects    int
	disconnects int
	gotFrame    chan struct{}
}

func newRecordingCallbacks() *recordingCallbacks {
	return &recordingCallbacks{gotFrame: make(chan struct{}, 16)}
}

func (r *recordingCallbacks) InboundConnected(t *Token) {
	r.mu.Lock()
	r.connects++
	r.mu.Unlock()
}

func (r *recordingCallbacks) InboundDisconnected(t *Token) {
	r.mu.Lock()
	r.disconnects++
	r.mu.Unlock()
}

func (r *recordingCallbacks) OutboundConnected(t *Token)    {}
func (r *recordingCallbacks) OutboundDisconnected(t *Token) {}

func (r *recordingCallbacks) ReadReady(t *Token) {
	payload, ok := t.Receive()
	if !ok {
		return
	}
	r.mu.Lock()
	r.frames = append(r.frames, payload)
	r.mu.Unlock()
	r.gotFrame <- struct{}{}
}

func (r *recordingCallbacks) WriteReady(t *Token) {
	r.mu.Lock()
	r.writeReady++
	r.mu.Unlock()
}

func TestManagerDeliversFrames(t *testing.T) {
	cb := newRecordingCallbacks()
	manager := NewManager("test", netip.MustParseAddrPort("127.0.0.1:0"), cb)
	if err := manager.Start(t.Context()); err != nil {
		t.Fatalf("manager start failed: %v", err)
	}
	defer manager.Stop()

	conn, err := net.Dial("tcp", manager.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	want := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, payload := range want {
		if err := writeFrame(conn, payload); err != nil {
			t.Fatalf("writeFrame failed: %v", err)
		}
	}
	for range want {
		select {
		case <-cb.gotFrame:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.frames) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(cb.frames))
	}
	for i := range want {
		if !bytes.Equal(cb.frames[i], want[i]) {
			t.Fatalf("frame %d mismatch: %q", i, cb.frames[i])
		}
	}
	if cb.connects != 1 {
		t.Fatalf("expected 1 connect, got %d", cb.connects)
	}
}

func TestManagerSendDiscipline(t *testing.T) {
	cb := newRecordingCallbacks()
	manager := NewManager("test", netip.MustParseAddrPort("127.0.0.1:0"), cb)
	if err := manager.Start(t.Context()); err != nil {
		t.Fatalf("manager start failed: %v", err)
	}
	defer manager.Stop()

	token := &Token{
		incoming: make(chan []byte, 1),
		outgoing: make(chan []byte, 1),
		closed:   make(chan struct{}),
	}
	if err := manager.Send(token, make([]byte, MaxPayloadBytes+1)); err != ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if err := manager.Send(token, []byte("first")); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	// No writer is draining this token, so the slot stays full.
	if err := manager.Send(token, []byte("second")); err != ErrNotWritable {
		t.Fatalf("expected ErrNotWritable, got %v", err)
	}
}
