// Package sseutil provides shared SSE reading and writing helpers for the
// relay path.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 1024 * 1024 // 1MB per SSE line; tool arguments can be large

// NewScanner returns a bufio.Scanner configured for reading SSE lines.
// Each call to Scan() returns a single line without the trailing newline.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// Event is one server-sent event: an optional event name and its data
// payload.
type Event struct {
	Name string
	Data string
}

// ParseLine parses a single SSE line into its event type and data payload.
// It returns ok=false for empty lines, comments, and malformed lines.
//
// SSE format:
//
//	"event: <type>"  -> event=type, data="", ok=true
//	"data: <payload>" -> event="", data=payload, ok=true
//	": comment"      -> ok=false (comment)
//	""               -> ok=false (empty)
func ParseLine(line string) (event, data string, ok bool) {
	if line == "" {
		return "", "", false
	}
	if line[0] == ':' {
		return "", "", false
	}

	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	// Strip optional leading space after colon per SSE spec
	value = strings.TrimPrefix(value, " ")

	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}

// Events reads r and invokes fn for every complete event. A "data" line
// flushes the pending event; a bare data line has Name == "".
func Events(r io.Reader, fn func(Event) error) error {
	scanner := NewScanner(r)
	var current string
	for scanner.Scan() {
		event, data, ok := ParseLine(scanner.Text())
		if !ok {
			continue
		}
		if event != "" {
			current = event
			continue
		}
		if data == "" {
			continue
		}
		if err := fn(Event{Name: current, Data: data}); err != nil {
			return err
		}
		current = ""
	}
	return scanner.Err()
}

// EventsFromBytes parses already-rendered SSE bytes back into events.
func EventsFromBytes(raw []byte, fn func(Event) error) error {
	return Events(strings.NewReader(string(raw)), fn)
}
