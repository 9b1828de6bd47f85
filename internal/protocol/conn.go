package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrMalformedFrame reports a message that could not be decoded into a frame.
// The connection itself is still healthy: read loops log these and keep
// going, reserving teardown for genuine transport errors.
var ErrMalformedFrame = errors.New("malformed frame")

// Conn wraps a websocket connection with frame encoding and decoding. Sends
// are serialized under a mutex so concurrent body pumps never interleave
// partial frames.
type Conn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	closedMu sync.RWMutex
	closed   bool
}

// NewConn wraps an established websocket connection.
func NewConn(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn}
}

// Send marshals and writes a single frame as one text message.
func (c *Conn) Send(f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.IsClosed() {
		return websocket.ErrCloseSent
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive reads and unmarshals the next frame. It blocks until a message
// arrives or the connection fails.
func (c *Conn) Receive() (*Frame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type field", ErrMalformedFrame)
	}
	return &f, nil
}

// Close closes the underlying websocket connection. Safe to call more than
// once.
func (c *Conn) Close() error {
	c.closedMu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.closedMu.Unlock()

	if alreadyClosed {
		return nil
	}
	return c.conn.Close()
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	return c.closed
}

// IsExpectedCloseError returns true for normal websocket teardown errors that
// should not be logged as failures.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
