package protocol

import "net/http"

// hop-by-hop header names that must never cross the control channel.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// IsHopByHopHeader reports whether a header name, matched case-insensitively,
// is one of the eight HTTP/1.1 hop-by-hop fields.
func IsHopByHopHeader(name string) bool {
	return hopByHopHeaders[http.CanonicalHeaderKey(name)]
}

// SanitizeHeaders flattens an http.Header into the wire representation,
// dropping hop-by-hop fields. Only the first value of multi-valued headers is
// carried, matching the textual frame format.
func SanitizeHeaders(h http.Header) map[string]string {
	headers := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 || IsHopByHopHeader(k) {
			continue
		}
		headers[k] = v[0]
	}
	return headers
}

// SanitizeHeaderMap strips hop-by-hop fields from an already flattened header
// map before it is put on the wire.
func SanitizeHeaderMap(h map[string]string) map[string]string {
	headers := make(map[string]string, len(h))
	for k, v := range h {
		if IsHopByHopHeader(k) {
			continue
		}
		headers[k] = v
	}
	return headers
}
