package framing

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
)

// Token identifies one live connection. The manager hands tokens to its
// callbacks; all other state stays private so callers cannot touch sockets
// directly.
type Token struct {
	id       uint64
	outbound bool

	conn     net.Conn
	incoming chan []byte
	outgoing chan []byte
	closed   chan struct{}
	once     sync.Once
}

// IsOutbound reports whether this node initiated the connection.
func (t *Token) IsOutbound() bool {
	return t.outbound
}

// Callbacks receives connection lifecycle notifications. All methods are
// invoked on manager-owned goroutines; implementations are expected to
// enqueue work onto their own serialized queue and return quickly.
type Callbacks interface {
	InboundConnected(t *Token)
	InboundDisconnected(t *Token)
	OutboundConnected(t *Token)
	OutboundDisconnected(t *Token)
	// ReadReady fires once per buffered frame; pair each with one Receive.
	ReadReady(t *Token)
	// WriteReady fires when the previous Send has been flushed.
	WriteReady(t *Token)
}

// Manager owns a listening socket plus any outbound connections, framing
// every byte that crosses them.
type Manager struct {
	name     string
	listen   netip.AddrPort
	cb       Callbacks
	log      *slog.Logger
	nextID   atomic.Uint64
	listener net.Listener

	mu     sync.Mutex
	conns  map[uint64]*Token
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager listening on the given address once started.
// The name only scopes log lines ("client" / "cluster").
func NewManager(name string, listen netip.AddrPort, cb Callbacks) *Manager {
	return &Manager{
		name:   name,
		listen: listen,
		cb:     cb,
		log:    slog.With("component", "framing", "manager", name),
		conns:  make(map[uint64]*Token),
	}
}

// Start binds the listening socket and begins accepting.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	listener, err := net.Listen("tcp", tcpAddr(m.listen))
	if err != nil {
		return err
	}
	m.listener = listener
	m.wg.Add(1)
	go m.acceptLoop()
	m.log.Info("listening", "addr", m.listen)
	return nil
}

// Stop tears down the listener and every connection, then waits for all
// manager goroutines to drain.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.listener != nil {
		_ = m.listener.Close()
	}
	m.mu.Lock()
	tokens := make([]*Token, 0, len(m.conns))
	for _, t := range m.conns {
		tokens = append(tokens, t)
	}
	m.mu.Unlock()
	for _, t := range tokens {
		m.closeConn(t, false)
	}
	m.wg.Wait()
}

// OpenOutbound dials the address on a background goroutine. The returned
// token is not usable until OutboundConnected fires for it; a failed dial
// reports OutboundDisconnected so the caller can schedule a retry.
func (m *Manager) OpenOutbound(addr netip.AddrPort) *Token {
	t := m.newToken(true)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		dialer := net.Dialer{}
		conn, err := dialer.DialContext(m.ctx, "tcp", tcpAddr(addr))
		if err != nil {
			m.log.Debug("outbound dial failed", "addr", addr, "err", err)
			m.cb.OutboundDisconnected(t)
			return
		}
		t.conn = conn
		m.register(t)
		m.cb.OutboundConnected(t)
		m.cb.WriteReady(t)
		m.runConn(t)
	}()
	return t
}

// Send queues exactly one frame for the connection. It fails with
// ErrNotWritable if the previous frame has not been flushed yet; the caller
// is expected to gate sends on WriteReady.
func (m *Manager) Send(t *Token, payload []byte) error {
	if len(payload) > MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	select {
	case t.outgoing <- payload:
		return nil
	default:
		return ErrNotWritable
	}
}

// Receive pops the next buffered frame. Each ReadReady callback corresponds
// to exactly one Receive.
func (t *Token) Receive() ([]byte, bool) {
	select {
	case payload := <-t.incoming:
		return payload, true
	default:
		return nil, false
	}
}

// Disconnect closes the connection; the matching disconnected callback will
// fire exactly once.
func (m *Manager) Disconnect(t *Token) {
	m.closeConn(t, true)
}

func (m *Manager) newToken(outbound bool) *Token {
	return &Token{
		id:       m.nextID.Add(1),
		outbound: outbound,
		incoming: make(chan []byte, incomingDepth),
		outgoing: make(chan []byte, 1),
		closed:   make(chan struct{}),
	}
}

func (m *Manager) register(t *Token) {
	m.mu.Lock()
	m.conns[t.id] = t
	m.mu.Unlock()
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.ctx.Done():
				return
			default:
			}
			m.log.Warn("accept failed", "err", err)
			return
		}
		t := m.newToken(false)
		t.conn = conn
		m.register(t)
		m.cb.InboundConnected(t)
		m.cb.WriteReady(t)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runConn(t)
		}()
	}
}

// runConn owns the token's reader loop and spawns its writer loop; it
// returns once the connection is finished.
func (m *Manager) runConn(t *Token) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case payload := <-t.outgoing:
				if err := writeFrame(t.conn, payload); err != nil {
					m.closeConn(t, true)
					return
				}
				m.cb.WriteReady(t)
			case <-t.closed:
				return
			}
		}
	}()
	for {
		payload, err := readFrame(t.conn)
		if err != nil {
			m.closeConn(t, true)
			break
		}
		select {
		case t.incoming <- payload:
			m.cb.ReadReady(t)
		case <-t.closed:
		}
		select {
		case <-t.closed:
		default:
			continue
		}
		break
	}
	<-writerDone
}

// closeConn closes the socket once and fires the disconnect callback when
// requested (suppressed during manager shutdown).
func (m *Manager) closeConn(t *Token, notify bool) {
	t.once.Do(func() {
		close(t.closed)
		if t.conn != nil {
			_ = t.conn.Close()
		}
		m.mu.Lock()
		delete(m.conns, t.id)
		m.mu.Unlock()
		if notify {
			if t.outbound {
				m.cb.OutboundDisconnected(t)
			} else {
				m.cb.InboundDisconnected(t)
			}
		}
	})
}
