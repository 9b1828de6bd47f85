package client

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/Meadarsh/LocalLink/internal/protocol"
)

// frameSender is the slice of the tunnel the dispatcher needs; tests swap in
// a recording fake.
type frameSender interface {
	Send(f *protocol.Frame) error
}

// Dispatcher replays tunneled requests against the local service and streams
// the responses back over the control channel.
type Dispatcher struct {
	port      int
	sender    frameSender
	chunkSize int

	// pending maps request ids to the write end of their body pipe.
	pending sync.Map

	// httpClient carries no timeout: the edge enforces the request deadline
	// and streamed responses may legitimately outlive any fixed budget.
	httpClient *http.Client
}

// NewDispatcher creates a dispatcher targeting the local service on port.
func NewDispatcher(port int, sender frameSender, chunkSize int) *Dispatcher {
	if chunkSize <= 0 {
		chunkSize = 32 * 1024
	}
	return &Dispatcher{
		port:       port,
		sender:     sender,
		chunkSize:  chunkSize,
		httpClient: &http.Client{},
	}
}

// HandleRequest starts replaying one request frame. Returns immediately; the
// request runs on its own goroutine so slow responses never block the read
// loop.
func (d *Dispatcher) HandleRequest(f *protocol.Frame) {
	var body io.Reader
	if f.HasBody {
		pr, pw := io.Pipe()
		d.pending.Store(f.ID, pw)
		body = pr
	}
	go d.dispatch(f, body)
}

// FeedBody delivers a request-direction body chunk to its pipe. Chunks for
// unknown ids are dropped: the request may already have failed locally.
func (d *Dispatcher) FeedBody(f *protocol.Frame) {
	v, ok := d.pending.Load(f.ID)
	if !ok {
		return
	}
	pw := v.(*io.PipeWriter)
	if _, err := pw.Write(f.Data); err != nil {
		slog.Debug("request body pipe closed", "id", f.ID, "error", err)
	}
}

// FinishBody closes a request's body pipe, letting the local request complete.
func (d *Dispatcher) FinishBody(f *protocol.Frame) {
	v, ok := d.pending.LoadAndDelete(f.ID)
	if !ok {
		return
	}
	_ = v.(*io.PipeWriter).Close()
}

func (d *Dispatcher) dispatch(f *protocol.Frame, body io.Reader) {
	defer func() {
		if v, ok := d.pending.LoadAndDelete(f.ID); ok {
			_ = v.(*io.PipeWriter).CloseWithError(io.ErrClosedPipe)
		}
	}()

	target := fmt.Sprintf("http://localhost:%d%s", d.port, f.URL)
	req, err := http.NewRequest(f.Method, target, body)
	if err != nil {
		slog.Error("building local request failed", "id", f.ID, "error", err)
		d.sendErrorResponse(f.ID, http.StatusInternalServerError, "invalid request")
		return
	}
	for k, v := range f.Headers {
		if !protocol.IsHopByHopHeader(k) {
			req.Header.Set(k, v)
		}
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		slog.Warn("local service unreachable", "id", f.ID, "target", target, "error", err)
		d.sendErrorResponse(f.ID, http.StatusBadGateway, "local service unreachable")
		return
	}
	defer resp.Body.Close()

	head := &protocol.Frame{
		Type:      protocol.TypeResponse,
		ID:        f.ID,
		Status:    resp.StatusCode,
		Headers:   protocol.SanitizeHeaders(resp.Header),
		Streaming: true,
	}
	if err := d.sender.Send(head); err != nil {
		slog.Warn("sending response frame failed", "id", f.ID, "error", err)
		return
	}

	buf := make([]byte, d.chunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := &protocol.Frame{
				Type: protocol.TypeChunk,
				ID:   f.ID,
				Data: append([]byte(nil), buf[:n]...),
			}
			if sendErr := d.sender.Send(chunk); sendErr != nil {
				slog.Warn("sending chunk frame failed", "id", f.ID, "error", sendErr)
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				if sendErr := d.sender.Send(&protocol.Frame{Type: protocol.TypeEnd, ID: f.ID}); sendErr != nil {
					slog.Warn("sending end frame failed", "id", f.ID, "error", sendErr)
				}
			} else {
				// Headers already went out; without an end frame the edge
				// deadline truncates the request, which is the honest outcome.
				slog.Warn("reading local response body failed", "id", f.ID, "error", err)
			}
			return
		}
	}
}

// sendErrorResponse reports a client-originated failure as a complete
// non-streaming response.
func (d *Dispatcher) sendErrorResponse(id string, status int, message string) {
	body, _ := json.Marshal(map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
	f := &protocol.Frame{
		Type:    protocol.TypeResponse,
		ID:      id,
		Status:  status,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}
	if err := d.sender.Send(f); err != nil {
		slog.Warn("sending error response failed", "id", id, "error", err)
	}
}
