package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies a frame on the control channel.
type MessageType string

const (
	// TypeRegister is sent by the client to declare tunnel presence and its upstream port.
	TypeRegister MessageType = "register"
	// TypeRegistered acknowledges a registration, echoing the port.
	TypeRegistered MessageType = "registered"
	// TypeRequest begins an inbound request; its body (if any) follows as chunks.
	TypeRequest MessageType = "request"
	// TypeChunk carries one body fragment in either direction.
	TypeChunk MessageType = "chunk"
	// TypeEnd terminates a body stream in either direction.
	TypeEnd MessageType = "end"
	// TypeResponse begins the response for a request id.
	TypeResponse MessageType = "response"
	// TypeError is an out-of-band advisory notification, not tied to an id.
	TypeError MessageType = "error"
)

// Direction disambiguates chunk and end frames.
type Direction string

const (
	// DirectionRequest marks frames streaming the inbound request body to the client.
	DirectionRequest Direction = "request"
	// DirectionResponse marks frames streaming the response body back. It is
	// the implied direction when the field is absent.
	DirectionResponse Direction = "response"
)

// Frame is one message on the control channel. All fields are text or
// ASCII-safe; Data and Body hold raw bytes and encode as base64 in JSON,
// keeping the framing channel-agnostic.
type Frame struct {
	Type      MessageType       `json:"type"`
	ID        string            `json:"id,omitempty"`
	Port      int               `json:"port,omitempty"`
	Method    string            `json:"method,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	HasBody   bool              `json:"hasBody,omitempty"`
	Status    int               `json:"status,omitempty"`
	Data      []byte            `json:"data,omitempty"`
	Body      []byte            `json:"body,omitempty"`
	Streaming bool              `json:"streaming,omitempty"`
	Direction Direction         `json:"direction,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// IsRequestDirection reports whether a chunk or end frame belongs to the
// inbound request body stream.
func (f *Frame) IsRequestDirection() bool {
	return f.Direction == DirectionRequest
}

// NewRequestID mints an id unique within a registration: millisecond
// timestamp plus a short random suffix.
func NewRequestID() string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), suffix)
}
