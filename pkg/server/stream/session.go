package stream

import (
	"sync/atomic"
)

// State is the lifecycle position of a Session.
type State int32

const (
	// HeadersSent is the initial state: status and content type are committed.
	HeadersSent State = iota
	// Streaming is entered once the opening bracket has been queued.
	Streaming
	// Completed means the closing bracket was written and flushed.
	Completed
	// Aborted means the stream ended without a closing bracket.
	Aborted
)

func (s State) String() string {
	switch s {
	case HeadersSent:
		return "HEADERS_SENT"
	case Streaming:
		return "STREAMING"
	case Completed:
		return "COMPLETED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Outcome labels for the streams_total metric.
const (
	outcomeCompleted    = "completed"
	outcomeDisconnected = "disconnected"
	outcomeFailed       = "failed"
)

// Session is the state of one streamed response. It is owned by the goroutine
// serving the request; only the aborted flag is set from elsewhere.
type Session struct {
	state   State
	index   int
	aborted atomic.Bool
	err     error
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Written returns the number of items written to the response.
func (s *Session) Written() int {
	return s.index
}

// Err returns why an aborted session stopped: the context cause on disconnect,
// or the store or transport error otherwise.
func (s *Session) Err() error {
	return s.err
}

// markAborted records the first cause and makes the abort visible at the next checkpoint.
func (s *Session) markAborted(err error) {
	if s.err == nil {
		s.err = err
	}
	s.aborted.Store(true)
}

func (s *Session) transition(to State) {
	if s.state == Completed || s.state == Aborted {
		return
	}
	s.state = to
}
