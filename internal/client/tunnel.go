package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Meadarsh/LocalLink/internal/protocol"
)

// connectPath is the edge's tunnel endpoint.
const connectPath = "/connect"

// Tunnel is the client side of the control channel: one websocket over which
// the edge multiplexes every inbound request.
type Tunnel struct {
	conn       *protocol.Conn
	dispatcher *Dispatcher
	port       int
	domain     string

	done      chan struct{}
	closeOnce sync.Once
}

// tunnelURL derives the websocket endpoint from the configured edge URL.
func tunnelURL(domain string) string {
	ws := strings.Replace(domain, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)
	return ws + connectPath
}

// Connect dials the edge, registers the local port, and returns the open
// tunnel. The caller runs it with Run.
func Connect(ctx context.Context, cfg *Config, port int, dialer *ProxyDialer) (*Tunnel, error) {
	wsDialer := websocket.Dialer{}
	if dialer != nil {
		wsDialer.NetDialContext = dialer.DialContext
	}

	endpoint := tunnelURL(cfg.Domain)
	slog.Info("connecting to edge", "url", endpoint, "port", port)
	ws, _, err := wsDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dialling edge: %w", err)
	}

	conn := protocol.NewConn(ws)
	if err := conn.Send(&protocol.Frame{Type: protocol.TypeRegister, Port: port}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sending register frame: %w", err)
	}

	t := &Tunnel{
		conn:   conn,
		port:   port,
		domain: cfg.Domain,
		done:   make(chan struct{}),
	}
	t.dispatcher = NewDispatcher(port, conn, 0)
	return t, nil
}

// Run processes frames from the edge until the connection drops. Blocks; the
// returned error is nil only after a deliberate Close.
func (t *Tunnel) Run() error {
	defer t.Close()

	for {
		f, err := t.conn.Receive()
		if err != nil {
			// Undecodable frames are logged and skipped; only transport
			// errors bring the channel down.
			if errors.Is(err, protocol.ErrMalformedFrame) {
				slog.Warn("malformed frame from edge", "error", err)
				continue
			}
			select {
			case <-t.done:
				return nil
			default:
				return fmt.Errorf("reading frame: %w", err)
			}
		}

		switch f.Type {
		case protocol.TypeRegistered:
			slog.Info("tunnel registered", "port", f.Port, "domain", t.domain)
			if err := WriteStatus(t.port, t.domain); err != nil {
				slog.Warn("failed to record connection status", "error", err)
			}

		case protocol.TypeRequest:
			t.dispatcher.HandleRequest(f)

		case protocol.TypeChunk:
			if f.IsRequestDirection() {
				t.dispatcher.FeedBody(f)
			} else {
				slog.Debug("ignoring response-direction chunk from edge", "id", f.ID)
			}

		case protocol.TypeEnd:
			if f.IsRequestDirection() {
				t.dispatcher.FinishBody(f)
			} else {
				slog.Debug("ignoring response-direction end from edge", "id", f.ID)
			}

		case protocol.TypeError:
			slog.Warn("error frame from edge", "message", f.Message)

		default:
			slog.Warn("unexpected frame type from edge", "type", f.Type, "id", f.ID)
		}
	}
}

// Close tears down the tunnel and clears the connection record.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.Close()
		if err := ClearStatus(); err != nil {
			slog.Warn("failed to clear connection status", "error", err)
		}
		slog.Info("tunnel closed")
	})
}

// Done returns a channel closed when the tunnel shuts down.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}
