package edge

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meadarsh/LocalLink/internal/protocol"
)

// newTestTunnel dials a throwaway websocket server and wraps the client side.
func newTestTunnel(t *testing.T, port int) *Tunnel {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}

	tunnel := NewTunnel(protocol.NewConn(ws), port)
	t.Cleanup(tunnel.Close)
	return tunnel
}

func TestTunnelDispatchRoutesToMailbox(t *testing.T) {
	tunnel := newTestTunnel(t, 3000)

	mb := tunnel.Track("req-1")
	assert.Equal(t, 1, tunnel.InflightCount())

	sent := &protocol.Frame{Type: protocol.TypeResponse, ID: "req-1", Status: 200}
	tunnel.dispatch(sent)

	select {
	case got := <-mb.frames:
		assert.Equal(t, sent, got)
	case <-time.After(time.Second):
		t.Fatal("frame never delivered")
	}

	tunnel.Release("req-1")
	assert.Equal(t, 0, tunnel.InflightCount())

	// Frames for released ids are dropped without blocking.
	tunnel.dispatch(&protocol.Frame{Type: protocol.TypeChunk, ID: "req-1"})
}

func TestTunnelDispatchOverflowFailsRequest(t *testing.T) {
	tunnel := newTestTunnel(t, 3000)
	tunnel.deliveryTimeout = 20 * time.Millisecond

	mb := tunnel.Track("req-slow")
	for i := 0; i < mailboxSize; i++ {
		tunnel.dispatch(&protocol.Frame{Type: protocol.TypeChunk, ID: "req-slow"})
	}

	// The mailbox is full and nobody is draining it: this delivery cannot
	// land, and the request must fail rather than lose a frame mid-body.
	tunnel.dispatch(&protocol.Frame{Type: protocol.TypeChunk, ID: "req-slow", Data: []byte("x")})

	select {
	case <-mb.abort:
	default:
		t.Fatal("undeliverable frame did not abort the request")
	}
	assert.Equal(t, 0, tunnel.InflightCount(), "failed request should be released")

	// Later frames for the failed id are dropped, never re-delivered.
	tunnel.dispatch(&protocol.Frame{Type: protocol.TypeEnd, ID: "req-slow"})
	assert.Len(t, mb.frames, mailboxSize)
}

func TestTunnelRunSkipsMalformedFrames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"no-type"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response","id":"req-1","status":200}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}

	tunnel := NewTunnel(protocol.NewConn(ws), 3000)
	t.Cleanup(tunnel.Close)

	mb := tunnel.Track("req-1")
	go tunnel.Run()

	// The two undecodable messages are skipped; the valid frame after them
	// still arrives and the channel stays up.
	select {
	case got := <-mb.frames:
		assert.Equal(t, protocol.TypeResponse, got.Type)
		assert.Equal(t, 200, got.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after malformed ones never delivered")
	}
	assert.False(t, tunnel.Closed())
}

func TestTunnelCloseWakesWaiters(t *testing.T) {
	tunnel := newTestTunnel(t, 3000)
	require.False(t, tunnel.Closed())

	tunnel.Close()
	assert.True(t, tunnel.Closed())

	select {
	case <-tunnel.Done():
	default:
		t.Fatal("done channel not closed")
	}

	// Close is idempotent.
	tunnel.Close()
}

func TestManagerRegisterReplacesPrevious(t *testing.T) {
	m := NewManager()
	assert.Nil(t, m.Active())

	first := newTestTunnel(t, 3000)
	second := newTestTunnel(t, 4000)

	m.Register(first)
	require.Same(t, first, m.Active())

	m.Register(second)
	require.Same(t, second, m.Active())
	assert.True(t, first.Closed(), "replaced tunnel should be closed")

	m.Unregister(second)
	assert.Nil(t, m.Active())
	assert.True(t, second.Closed())
}

func TestManagerUnregisterIgnoresStaleTunnel(t *testing.T) {
	m := NewManager()
	first := newTestTunnel(t, 3000)
	second := newTestTunnel(t, 4000)

	m.Register(first)
	m.Register(second)

	// Unregistering the replaced tunnel must not clear the active one.
	m.Unregister(first)
	assert.Same(t, second, m.Active())
}

func TestManagerStatus(t *testing.T) {
	m := NewManager()

	st := m.Status()
	assert.False(t, st.Connected)
	assert.Zero(t, st.Port)

	tunnel := newTestTunnel(t, 8080)
	m.Register(tunnel)

	st = m.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, 8080, st.Port)
	assert.GreaterOrEqual(t, st.UptimeMS, int64(0))
}
