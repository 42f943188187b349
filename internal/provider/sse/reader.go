// Package sse decodes text/event-stream bodies returned by vendor APIs.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Event is one dispatched server-sent event. Name is empty when the stream
// does not use the event field.
type Event struct {
	Name string
	Data string
}

// MaxLineSize bounds a single line of the stream. Longer lines fail the read
// with bufio.ErrTooLong.
const MaxLineSize = 1 << 20

// Reader splits an event stream into events.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps body.
func NewReader(body io.Reader) *Reader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &Reader{scanner: scanner}
}

// Next returns the next event with a data field. It returns io.EOF once the
// stream ends; a trailing event without a blank line is still returned.
func (r *Reader) Next() (Event, error) {
	var (
		ev      Event
		data    []string
		hasData bool
	)

	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if hasData {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			ev = Event{}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "data":
			data = append(data, value)
			hasData = true
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	if hasData {
		ev.Data = strings.Join(data, "\n")
		return ev, nil
	}
	return Event{}, io.EOF
}
