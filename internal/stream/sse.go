// Package stream writes the lifecycle of a chat turn to a client as server-sent events.
//
// Wire format, one event per turn step:
//
//	event: ack
//	data: {"status":"processing"}
//
//	event: token
//	data: {"content":"Mean"}
//
//	event: done
//	data: {"messageId":"...","link":null,"qc":null}
//
// A stream carries exactly one ack, any number of tokens and exactly one terminal event
// (done or error).
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/qmuntal/stateless"

	"github.com/comigor/floatchat-go/internal/logger"
	"github.com/comigor/floatchat-go/internal/store"
)

var (
	// ErrStreamClosed is returned for any event after the terminal one.
	ErrStreamClosed = errors.New("stream: closed")
	ErrNotAcked     = errors.New("stream: event before ack")
)

const (
	EventAck   = "ack"
	EventToken = "token"
	EventDone  = "done"
	EventError = "error"
)

// FSM States
type state stateless.State

var (
	stateOpen   state = "Open"
	stateAcked  state = "Acked"
	stateClosed state = "Closed"
)

// FSM Triggers
type trigger stateless.Trigger

var (
	triggerAck       trigger = "Ack"
	triggerToken     trigger = "Token"
	triggerTerminate trigger = "Terminate"
)

type ackPayload struct {
	Status string `json:"status"`
}

type tokenPayload struct {
	Content string `json:"content"`
}

// DonePayload is the body of the done event. Link and QC are null when absent.
type DonePayload struct {
	MessageID string   `json:"messageId"`
	Link      *string  `json:"link"`
	QC        *float64 `json:"qc"`
}

// NewDonePayload builds the done body for a persisted assistant message.
func NewDonePayload(messageID string, link *string, qc *store.QualityScore) DonePayload {
	p := DonePayload{MessageID: messageID, Link: link}
	if qc != nil {
		v := qc.Value
		p.QC = &v
	}
	return p
}

type errorPayload struct {
	Error string `json:"error"`
}

// Stream owns one SSE response. It is safe for concurrent use; events are written in call
// order.
type Stream struct {
	mu  sync.Mutex
	w   http.ResponseWriter
	rc  *http.ResponseController
	fsm *stateless.StateMachine
}

// Open writes the SSE headers and flushes them so the client sees the stream immediately.
func Open(w http.ResponseWriter) (*Stream, error) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		return nil, fmt.Errorf("stream: flush headers: %w", err)
	}

	fsm := stateless.NewStateMachine(stateOpen)
	fsm.Configure(stateOpen).
		Permit(triggerAck, stateAcked).
		Permit(triggerTerminate, stateClosed)
	fsm.Configure(stateAcked).
		PermitReentry(triggerToken).
		Permit(triggerTerminate, stateClosed)
	fsm.Configure(stateClosed)

	return &Stream{w: w, rc: rc, fsm: fsm}, nil
}

// Ack announces that the turn was accepted.
func (s *Stream) Ack() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emit(triggerAck, EventAck, ackPayload{Status: "processing"})
}

// Token writes one fragment of the answer.
func (s *Stream) Token(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emit(triggerToken, EventToken, tokenPayload{Content: content})
}

// Done terminates the stream successfully.
func (s *Stream) Done(p DonePayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inState(stateOpen) {
		return ErrNotAcked
	}
	return s.emit(triggerTerminate, EventDone, p)
}

// Error terminates the stream with an error event.
func (s *Stream) Error(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inState(stateOpen) {
		return ErrNotAcked
	}
	return s.emit(triggerTerminate, EventError, errorPayload{Error: msg})
}

// Close guarantees the stream ended with a terminal event. If none was written yet it emits
// an ack when needed and then an error event built from err.
func (s *Stream) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inState(stateClosed) {
		return
	}
	if s.inState(stateOpen) {
		if emitErr := s.emit(triggerAck, EventAck, ackPayload{Status: "processing"}); emitErr != nil {
			return
		}
	}
	msg := "stream closed"
	if err != nil {
		msg = err.Error()
	}
	_ = s.emit(triggerTerminate, EventError, errorPayload{Error: msg})
}

// Closed reports whether the terminal event was written or the connection failed.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inState(stateClosed)
}

func (s *Stream) inState(st state) bool {
	return s.fsm.MustState() == st
}

func (s *Stream) emit(t trigger, event string, payload any) error {
	if ok, _ := s.fsm.CanFire(t); !ok {
		if s.inState(stateClosed) {
			return ErrStreamClosed
		}
		return ErrNotAcked
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("stream: encode %s: %w", event, err)
	}
	if err := s.fsm.Fire(t); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.abandon(err)
		return err
	}
	if err := s.rc.Flush(); err != nil {
		s.abandon(err)
		return err
	}
	return nil
}

// abandon closes the state machine after a failed write so nothing else targets the dead
// connection.
func (s *Stream) abandon(err error) {
	logger.L.Debug("stream write failed; abandoning", "error", err)
	if ok, _ := s.fsm.CanFire(triggerTerminate); ok {
		_ = s.fsm.Fire(triggerTerminate)
	}
}
