package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Field values must stay on one line. Comment text may span lines, each of which
// is re-prefixed so the client keeps treating it as a comment.
var (
	eventNameCleaner = strings.NewReplacer("\n", "", "\r", "")
	commentEscaper   = strings.NewReplacer("\r\n", "\n: ", "\n", "\n: ", "\r", "\n: ")
)

// eventStream writes Server-Sent Events. Every frame is assembled in full and
// flushed with a single write, so a client never sees half an event.
type eventStream struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// openEventStream sends the stream headers and a 200 status. It fails when the
// writer cannot flush, in which case the status has already been sent.
func openEventStream(w http.ResponseWriter) (*eventStream, error) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream;charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &eventStream{w: w, rc: http.NewResponseController(w)}
	if err := s.rc.Flush(); err != nil {
		return nil, fmt.Errorf("event stream: %w", err)
	}
	return s, nil
}

// event writes v as the JSON data of a named event.
func (s *eventStream) event(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", name, err)
	}

	var frame bytes.Buffer
	if name != "" {
		frame.WriteString("event: ")
		frame.WriteString(eventNameCleaner.Replace(name))
		frame.WriteByte('\n')
	}
	frame.WriteString("data: ")
	frame.Write(data)
	frame.WriteString("\n\n")
	return s.send(frame.Bytes())
}

// comment writes a line clients ignore, used as a heartbeat.
func (s *eventStream) comment(text string) error {
	return s.send([]byte(": " + commentEscaper.Replace(text) + "\n\n"))
}

func (s *eventStream) send(frame []byte) error {
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	return s.rc.Flush()
}
