package edge

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Meadarsh/LocalLink/internal/protocol"
)

// mailboxSize bounds per-request buffering; beyond it the read loop blocks,
// which backpressures the client through the websocket.
const mailboxSize = 64

// defaultDeliveryTimeout bounds how long the read loop waits to hand a frame
// to a slow in-flight request before failing that request.
const defaultDeliveryTimeout = 5 * time.Second

// mailbox carries the frames for one in-flight request. abort closes when the
// demultiplexer gives up delivering to it; once aborted the response stream
// must not continue: a gap would corrupt the body.
type mailbox struct {
	frames    chan *protocol.Frame
	abort     chan struct{}
	abortOnce sync.Once
}

func newMailbox(size int) *mailbox {
	return &mailbox{
		frames: make(chan *protocol.Frame, size),
		abort:  make(chan struct{}),
	}
}

func (mb *mailbox) fail() {
	mb.abortOnce.Do(func() { close(mb.abort) })
}

// Tunnel is one registered client connection. It owns the in-flight request
// table and demultiplexes inbound frames to per-request mailboxes in O(1).
type Tunnel struct {
	conn        *protocol.Conn
	port        int
	connectedAt time.Time

	deliveryTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]*mailbox

	done      chan struct{}
	closeOnce sync.Once
}

// NewTunnel wraps a registered control-channel connection.
func NewTunnel(conn *protocol.Conn, port int) *Tunnel {
	return &Tunnel{
		conn:            conn,
		port:            port,
		connectedAt:     time.Now(),
		deliveryTimeout: defaultDeliveryTimeout,
		inflight:        make(map[string]*mailbox),
		done:            make(chan struct{}),
	}
}

// Port returns the declared upstream port. Informational only.
func (t *Tunnel) Port() int {
	return t.port
}

// ConnectedAt returns when this registration was installed.
func (t *Tunnel) ConnectedAt() time.Time {
	return t.connectedAt
}

// Send writes a frame to the client. Safe for concurrent use; the underlying
// connection serializes writes so frames never interleave.
func (t *Tunnel) Send(f *protocol.Frame) error {
	return t.conn.Send(f)
}

// Done returns a channel closed when the tunnel shuts down.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// Closed reports whether the tunnel has shut down.
func (t *Tunnel) Closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Close tears down the connection and wakes every in-flight request.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.Close()
	})
}

// Run reads frames from the client and dispatches them until the connection
// drops. Blocks; returns after Close.
func (t *Tunnel) Run() {
	defer t.Close()
	for {
		f, err := t.conn.Receive()
		if err != nil {
			// A frame that fails to decode is a protocol error, not a
			// transport one; the channel stays up.
			if errors.Is(err, protocol.ErrMalformedFrame) {
				slog.Warn("malformed frame from client", "error", err)
				continue
			}
			if !t.Closed() && !protocol.IsExpectedCloseError(err) {
				slog.Warn("tunnel read error", "error", err)
			}
			return
		}

		switch f.Type {
		case protocol.TypeResponse, protocol.TypeChunk, protocol.TypeEnd:
			if f.IsRequestDirection() {
				slog.Debug("ignoring request-direction frame from client", "id", f.ID, "type", f.Type)
				continue
			}
			t.dispatch(f)
		case protocol.TypeError:
			slog.Warn("error frame from client", "message", f.Message)
		case protocol.TypeRegister:
			slog.Debug("ignoring duplicate register frame")
		default:
			slog.Warn("unexpected frame type from client", "type", f.Type, "id", f.ID)
		}
	}
}

// Track creates the mailbox for a freshly minted request id.
func (t *Tunnel) Track(id string) *mailbox {
	mb := newMailbox(mailboxSize)
	t.mu.Lock()
	t.inflight[id] = mb
	t.mu.Unlock()
	return mb
}

// Release removes a request from the in-flight table. The single cleanup
// point for a request record; callers defer it at creation.
func (t *Tunnel) Release(id string) {
	t.mu.Lock()
	delete(t.inflight, id)
	t.mu.Unlock()
}

// InflightCount returns the number of requests currently tracked.
func (t *Tunnel) InflightCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// dispatch routes a frame to its request mailbox. Frames for unknown ids are
// dropped silently: the request may have timed out or been reaped already.
// A request whose mailbox stays full past the delivery timeout is failed
// outright; the stream can never continue past a missing frame.
func (t *Tunnel) dispatch(f *protocol.Frame) {
	t.mu.Lock()
	mb, ok := t.inflight[f.ID]
	t.mu.Unlock()
	if !ok {
		slog.Debug("frame for unknown request id", "id", f.ID, "type", f.Type)
		return
	}

	select {
	case mb.frames <- f:
	case <-t.done:
	case <-mb.abort:
	case <-time.After(t.deliveryTimeout):
		slog.Warn("timed out delivering frame; failing request", "id", f.ID, "type", f.Type)
		mb.fail()
		t.Release(f.ID)
	}
}

// Manager owns the single registration slot. Registering a new tunnel closes
// the previous one, which fails its in-flight requests.
type Manager struct {
	mu     sync.RWMutex
	active *Tunnel
}

// NewManager creates an empty registration slot.
func NewManager() *Manager {
	return &Manager{}
}

// Register installs a tunnel, replacing and closing any previous one.
func (m *Manager) Register(t *Tunnel) {
	m.mu.Lock()
	previous := m.active
	m.active = t
	m.mu.Unlock()

	if previous != nil {
		slog.Info("replacing existing tunnel registration")
		previous.Close()
	}
	slog.Info("tunnel registered", "port", t.Port())
}

// Unregister clears the slot if it still holds the given tunnel, closing it.
func (m *Manager) Unregister(t *Tunnel) {
	m.mu.Lock()
	if m.active == t {
		m.active = nil
	}
	m.mu.Unlock()
	t.Close()
}

// Active returns the registered tunnel, or nil if none is open.
func (m *Manager) Active() *Tunnel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil || m.active.Closed() {
		return nil
	}
	return m.active
}

// Status describes the registration slot for the health surface.
type Status struct {
	Connected bool  `json:"connected"`
	Port      int   `json:"port"`
	UptimeMS  int64 `json:"uptime_ms"`
}

// Status reports whether a tunnel is connected, its declared port, and the
// time since the current registration.
func (m *Manager) Status() Status {
	t := m.Active()
	if t == nil {
		return Status{}
	}
	return Status{
		Connected: true,
		Port:      t.Port(),
		UptimeMS:  time.Since(t.ConnectedAt()).Milliseconds(),
	}
}
