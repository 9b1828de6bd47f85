package edge

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Meadarsh/LocalLink/internal/protocol"
)

// forwardOutcome classifies how a tunneled request ended, for metrics.
type forwardOutcome string

const (
	outcomeOK           forwardOutcome = "ok"
	outcomeNoTunnel     forwardOutcome = "no_tunnel"
	outcomeTimeout      forwardOutcome = "timeout"
	outcomeDisconnected forwardOutcome = "disconnected"
	outcomeBadFrame     forwardOutcome = "bad_frame"
)

// handleForward tunnels one inbound public request. The request record is
// created here and released exactly once via the deferred Release, whichever
// way the state machine exits.
func (s *Server) handleForward(c *gin.Context) {
	tunnel := s.manager.Active()
	if tunnel == nil {
		writeJSONError(c.Writer, http.StatusServiceUnavailable,
			"No active tunnel", "no tunnel client is connected to this edge")
		s.metrics.ObserveRequest(outcomeNoTunnel)
		return
	}

	id := protocol.NewRequestID()
	mb := tunnel.Track(id)
	defer tunnel.Release(id)

	s.metrics.InflightInc()
	defer s.metrics.InflightDec()

	// ContentLength is -1 for chunked uploads, which still carry a body.
	hasBody := c.Request.ContentLength != 0
	head := &protocol.Frame{
		Type:    protocol.TypeRequest,
		ID:      id,
		Method:  c.Request.Method,
		URL:     c.Request.URL.RequestURI(),
		Headers: protocol.SanitizeHeaders(c.Request.Header),
		HasBody: hasBody,
	}
	if err := tunnel.Send(head); err != nil {
		slog.Warn("failed to send request frame", "id", id, "error", err)
		writeJSONError(c.Writer, http.StatusServiceUnavailable,
			"Tunnel disconnected", "the tunnel dropped before the request could be forwarded")
		s.metrics.ObserveRequest(outcomeDisconnected)
		return
	}

	if hasBody {
		go s.pumpRequestBody(tunnel, id, c.Request.Body)
	}

	outcome := streamResponse(c.Writer, mb, tunnel.Done(), s.cfg.Tunnel.RequestTimeout)
	s.metrics.ObserveRequest(outcome)
	if outcome != outcomeOK {
		slog.Warn("tunneled request did not complete", "id", id, "method", head.Method, "url", head.URL, "outcome", outcome)
	}
}

// pumpRequestBody streams the inbound body to the client as request-direction
// chunks followed by an end frame. Best-effort: if the channel drops
// mid-stream the record is reaped by the timeout or the close reaper.
func (s *Server) pumpRequestBody(tunnel *Tunnel, id string, body io.ReadCloser) {
	defer func() { _ = body.Close() }()

	buf := make([]byte, s.cfg.Tunnel.ChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := &protocol.Frame{
				Type:      protocol.TypeChunk,
				ID:        id,
				Data:      append([]byte(nil), buf[:n]...),
				Direction: protocol.DirectionRequest,
			}
			if sendErr := tunnel.Send(chunk); sendErr != nil {
				slog.Debug("request body pump aborted", "id", id, "error", sendErr)
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				_ = tunnel.Send(&protocol.Frame{
					Type:      protocol.TypeEnd,
					ID:        id,
					Direction: protocol.DirectionRequest,
				})
			} else {
				slog.Debug("reading request body failed", "id", id, "error", err)
			}
			return
		}
	}
}

// streamResponse runs the per-request state machine: AwaitingHead until the
// response frame (or a permissive chunk-first implicit 200), Streaming while
// chunks arrive, Closed on end, timeout, tunnel close, a malformed frame, or
// an aborted mailbox. The deadline is absolute from record creation and also
// cuts mid-stream.
func streamResponse(w http.ResponseWriter, mb *mailbox, tunnelDone <-chan struct{}, timeout time.Duration) forwardOutcome {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	flusher, _ := w.(http.Flusher)
	wroteHeader := false

	writeHead := func(status int, headers map[string]string) {
		for k, v := range headers {
			if !protocol.IsHopByHopHeader(k) {
				w.Header().Set(k, v)
			}
		}
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		wroteHeader = true
	}

	for {
		select {
		case f := <-mb.frames:
			switch f.Type {
			case protocol.TypeResponse:
				if wroteHeader {
					slog.Warn("duplicate response frame", "id", f.ID)
					return outcomeBadFrame
				}
				writeHead(f.Status, f.Headers)
				if len(f.Body) > 0 {
					_, _ = w.Write(f.Body)
				}
				if !f.Streaming {
					return outcomeOK
				}
				if flusher != nil {
					flusher.Flush()
				}

			case protocol.TypeChunk:
				if !wroteHeader {
					// Body-first response: synthesize a 200.
					writeHead(http.StatusOK, nil)
				}
				if len(f.Data) > 0 {
					if _, err := w.Write(f.Data); err != nil {
						return outcomeDisconnected
					}
					if flusher != nil {
						flusher.Flush()
					}
				}

			case protocol.TypeEnd:
				if !wroteHeader {
					writeHead(http.StatusOK, nil)
				}
				return outcomeOK

			default:
				if !wroteHeader {
					writeJSONError(w, http.StatusInternalServerError,
						"Bad response", "malformed frame from tunnel client")
				}
				return outcomeBadFrame
			}

		case <-mb.abort:
			if !wroteHeader {
				writeJSONError(w, http.StatusInternalServerError,
					"Bad response", "response stream from the tunnel client stalled")
			}
			return outcomeBadFrame

		case <-timer.C:
			if !wroteHeader {
				writeJSONError(w, http.StatusGatewayTimeout,
					"Request timeout", "no response from the tunnel client within the deadline")
			}
			return outcomeTimeout

		case <-tunnelDone:
			if !wroteHeader {
				writeJSONError(w, http.StatusServiceUnavailable,
					"Tunnel disconnected", "the tunnel dropped before a response arrived")
			}
			return outcomeDisconnected
		}
	}
}

// writeJSONError writes an edge-originated error envelope.
func writeJSONError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   kind,
		"message": message,
	})
}
