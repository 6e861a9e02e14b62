package sseutil

import (
	"bytes"
	"net/http"
)

// Pre-allocated header value slices; direct map assignment avoids the
// []string{v} alloc that Header.Set creates on every call.
var (
	eventStreamCT = []string{"text/event-stream"}
	noCacheVal    = []string{"no-cache"}
	keepAliveVal  = []string{"keep-alive"}
)

// WriteHeaders sets the response headers for an SSE stream.
func WriteHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = eventStreamCT
	h["Cache-Control"] = noCacheVal
	h["Connection"] = keepAliveVal
}

// FormatEvent renders an SSE event ("event: name\ndata: ...\n\n"); the event
// line is omitted when name is empty.
func FormatEvent(name string, data []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(name) + len(data) + 16)
	if name != "" {
		b.WriteString("event: ")
		b.WriteString(name)
		b.WriteByte('\n')
	}
	b.WriteString("data: ")
	b.Write(data)
	b.WriteString("\n\n")
	return b.Bytes()
}

// Done is the OpenAI-style terminal sentinel.
var Done = []byte("data: [DONE]\n\n")

// KeepAlive is an SSE comment used as a heartbeat on long streams.
var KeepAlive = []byte(": keep-alive\n\n")
