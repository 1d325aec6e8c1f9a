// Package events defines the stream events sent to the client while an
// answer is generated and writes them as text/event-stream frames.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/quild-ai/quild/server/internal/store"
)

type Type string

const (
	TypeStatus     Type = "status"
	TypeDelta      Type = "delta"
	TypeSources    Type = "sources"
	TypeWebSummary Type = "webSummary"
	TypeError      Type = "error"
	TypeDone       Type = "done"
)

type Phase string

const (
	PhasePlanning    Phase = "planning"
	PhaseSearching   Phase = "searching"
	PhaseFetching    Phase = "fetching"
	PhaseSummarizing Phase = "summarizing"
	PhaseAnswering   Phase = "answering"
	PhaseComplete    Phase = "complete"
)

// Event is one frame of the answer stream. Only the fields of its Type are set.
type Event struct {
	Type           Type           `json:"type"`
	Phase          Phase          `json:"phase,omitempty"`
	Delta          string         `json:"delta,omitempty"`
	Sources        []store.Source `json:"sources,omitempty"`
	Summary        string         `json:"summary,omitempty"`
	Message        string         `json:"message,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
}

func Status(phase Phase) Event          { return Event{Type: TypeStatus, Phase: phase} }
func Delta(text string) Event           { return Event{Type: TypeDelta, Delta: text} }
func Sources(list []store.Source) Event { return Event{Type: TypeSources, Sources: list} }
func WebSummary(text string) Event      { return Event{Type: TypeWebSummary, Summary: text} }
func Error(message string) Event        { return Event{Type: TypeError, Message: message} }
func Done(conversationID string) Event  { return Event{Type: TypeDone, ConversationID: conversationID} }

// Terminal reports whether no event may follow e.
func (e Event) Terminal() bool {
	return e.Type == TypeError || e.Type == TypeDone
}

// Emitter receives the events of one request in order. Started reports
// whether anything has reached the client, after which errors can only be
// reported in-band.
type Emitter interface {
	Emit(event Event) error
	Started() bool
}

var ErrClosed = errors.New("event stream already terminated")

// SSEWriter sends events over an http.ResponseWriter. Headers are written
// lazily with the first event so a request that fails early can still get a
// plain error response.
type SSEWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
	closed  bool
}

func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	return &SSEWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *SSEWriter) Emit(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.start()
	if event.Terminal() {
		s.closed = true
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return s.flush()
}

// KeepAlive writes an SSE comment so idle proxies keep the connection open.
// It does nothing before the first event or after the terminal one.
func (s *SSEWriter) KeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return nil
	}
	if _, err := fmt.Fprint(s.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	return s.flush()
}

func (s *SSEWriter) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *SSEWriter) start() {
	if s.started {
		return
	}
	s.started = true
	header := s.w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache, no-transform")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

func (s *SSEWriter) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// Recorder keeps events in memory. It is the emitter used when the caller
// only needs the final transcript.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.events); n > 0 && r.events[n-1].Terminal() {
		return ErrClosed
	}
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events) > 0
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Text concatenates the delta events.
func (r *Recorder) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var text string
	for _, event := range r.events {
		if event.Type == TypeDelta {
			text += event.Delta
		}
	}
	return text
}
