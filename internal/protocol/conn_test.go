package protocol

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEchoServer(t *testing.T) *Conn {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		for {
			mt, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, message); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}

	c := NewConn(conn)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConn_SendReceive(t *testing.T) {
	c := startEchoServer(t)

	sent := &Frame{
		Type:    TypeRequest,
		ID:      "abc",
		Method:  "GET",
		URL:     "/hello",
		Headers: map[string]string{"Accept": "*/*"},
	}
	require.NoError(t, c.Send(sent))

	got, err := c.Receive()
	require.NoError(t, err)
	assert.Equal(t, sent.Type, got.Type)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, sent.URL, got.URL)
	assert.Equal(t, sent.Headers, got.Headers)
}

func TestConn_SendAfterClose(t *testing.T) {
	c := startEchoServer(t)

	assert.False(t, c.IsClosed())
	require.NoError(t, c.Close())
	assert.True(t, c.IsClosed())

	err := c.Send(&Frame{Type: TypeEnd, ID: "x"})
	require.Error(t, err)
	assert.Equal(t, websocket.ErrCloseSent, err)

	// Double close is a no-op.
	require.NoError(t, c.Close())
}

func TestConn_ReceiveMalformedFrames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"1"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not even json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"end","id":"1"}`))
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	c := NewConn(conn)
	defer func() { _ = c.Close() }()

	_, err = c.Receive()
	require.ErrorIs(t, err, ErrMalformedFrame)
	assert.Contains(t, err.Error(), "missing type")

	_, err = c.Receive()
	require.ErrorIs(t, err, ErrMalformedFrame)

	// The connection survives malformed messages: the next valid frame reads
	// cleanly.
	f, err := c.Receive()
	require.NoError(t, err)
	assert.Equal(t, TypeEnd, f.Type)
}
