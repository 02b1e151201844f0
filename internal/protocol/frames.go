// Package protocol implements the newline-delimited JSON framing for kernel
// sessions. A session is a stream of frames, one JSON object per line: it
// opens with start, carries any number of event frames with strictly
// increasing sequence numbers and at most one end, and terminates with
// exactly one result or error frame. Violations are fatal to the stream.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/Hardonian/Requiem/internal/core"
)

// FrameType enumerates the frame set.
type FrameType string

const (
	FrameStart  FrameType = "start"
	FrameEvent  FrameType = "event"
	FrameEnd    FrameType = "end"
	FrameResult FrameType = "result"
	FrameError  FrameType = "error"
)

// Terminal reports whether the frame type terminates a stream.
func (t FrameType) Terminal() bool {
	return t == FrameResult || t == FrameError
}

// SchemaVersion is the current session schema. A start frame with a different
// version is rejected before anything is executed.
const SchemaVersion = 1

// Frame is one line of a session. Only the fields for the given type are
// populated.
type Frame struct {
	Type FrameType `json:"type"`

	// start
	RequestID     string `json:"request_id,omitempty"`
	SchemaVersion int    `json:"schema_version,omitempty"`

	// event
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// result
	Result *core.ExecutionResult `json:"result,omitempty"`

	// error
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// StreamState validates a frame sequence against the session state machine.
// The zero value is the initial state: nothing seen, not terminated.
type StreamState struct {
	started    bool
	ended      bool
	terminated bool
	seqSeen    bool
	lastSeq    int64
}

// Terminated reports whether a terminal frame has been accepted.
func (s *StreamState) Terminated() bool { return s.terminated }

// Accept validates the next frame in the stream and advances the state. A
// returned error is a fatal protocol violation.
func (s *StreamState) Accept(f *Frame) error {
	if s.terminated {
		return fmt.Errorf("protocol: frame %q after terminal", f.Type)
	}

	switch f.Type {
	case FrameStart:
		if s.started {
			return fmt.Errorf("protocol: duplicate start frame")
		}
		s.started = true
		return nil

	case FrameEvent:
		if !s.started {
			return fmt.Errorf("protocol: event before start")
		}
		if s.ended {
			return fmt.Errorf("protocol: event after end")
		}
		if s.seqSeen && f.Seq <= s.lastSeq {
			return fmt.Errorf("protocol: seq %d not greater than %d", f.Seq, s.lastSeq)
		}
		s.seqSeen = true
		s.lastSeq = f.Seq
		return nil

	case FrameEnd:
		if !s.started {
			return fmt.Errorf("protocol: end before start")
		}
		if s.ended {
			return fmt.Errorf("protocol: duplicate end frame")
		}
		s.ended = true
		return nil

	case FrameResult, FrameError:
		if !s.started && f.Type == FrameResult {
			return fmt.Errorf("protocol: result before start")
		}
		s.terminated = true
		return nil

	default:
		return fmt.Errorf("protocol: unknown frame type %q", f.Type)
	}
}
