package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Hardonian/Requiem/internal/canonical"
	"github.com/Hardonian/Requiem/internal/core"
	"github.com/Hardonian/Requiem/internal/errors"
)

// Engine executes a decoded request. The kernel implements this; tests stub
// it.
type Engine interface {
	Execute(req *core.ExecutionRequest) *core.ExecutionResult
}

// maxLineBytes bounds a single frame line. It is above the request cap so an
// oversized payload is diagnosed as quota_exceeded rather than a scanner
// failure.
const maxLineBytes = 4 << 20

// Serve runs one session over a byte stream: it reads client frames
// (start, event(s), end), executes the carried request, and writes the
// terminal frame. The return error reports transport failures only; protocol
// violations and execution failures are answered in-band and return nil.
func Serve(eng Engine, in io.Reader, out io.Writer, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	s := &session{
		id:  uuid.NewString(),
		eng: eng,
		enc: json.NewEncoder(out),
		log: log.Named("session"),
	}
	return s.run(in)
}

type session struct {
	id      string
	eng     Engine
	enc     *json.Encoder
	log     *zap.Logger
	state   StreamState
	reqID   string
	payload []byte
}

func (s *session) run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			return s.fail(errors.CodeJSONParseError, "malformed frame")
		}
		// Terminals belong to the kernel side of the stream; reject them
		// before they can advance the state machine.
		if f.Type.Terminal() {
			return s.fail(errors.CodeJSONParseError, "client sent a terminal frame")
		}
		if err := s.state.Accept(&f); err != nil {
			return s.fail(errors.CodeJSONParseError, err.Error())
		}

		switch f.Type {
		case FrameStart:
			if f.SchemaVersion != SchemaVersion {
				return s.fail(errors.CodeJSONParseError,
					fmt.Sprintf("unsupported schema_version %d", f.SchemaVersion))
			}
			s.reqID = core.SanitizeRequestID(f.RequestID)
			s.log.Debug("session started",
				zap.String("session_id", s.id),
				zap.String("request_id", s.reqID))

		case FrameEvent:
			s.payload = append(s.payload, f.Payload...)
			if int64(len(s.payload)) > core.MaxRequestBytes {
				return s.fail(errors.CodeQuotaExceeded, "request payload exceeds 1 MiB")
			}

		case FrameEnd:
			return s.execute()
		}
	}
	if err := scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			return s.fail(errors.CodeQuotaExceeded, "frame line exceeds limit")
		}
		return err
	}
	// EOF without end: the client abandoned the stream. Terminate it so
	// every opened stream reaches a terminal.
	if !s.state.Terminated() {
		return s.fail(errors.CodeJSONParseError, "stream ended without end frame")
	}
	return nil
}

// execute validates the accumulated payload, runs it, and writes the result
// terminal.
func (s *session) execute() error {
	if len(s.payload) == 0 {
		return s.fail(errors.CodeJSONParseError, "no request payload")
	}
	if err := canonical.Validate(s.payload); err != nil {
		return s.fail(errors.GetCode(err), errors.FormatSafe(err))
	}
	req, err := canonical.DecodeRequest(s.payload)
	if err != nil {
		return s.fail(errors.GetCode(err), errors.FormatSafe(err))
	}
	if req.RequestID == "" {
		req.RequestID = s.reqID
	}

	res := s.eng.Execute(req)
	s.log.Debug("session finished",
		zap.String("session_id", s.id),
		zap.String("error_code", string(res.ErrorCode)))
	return s.write(&Frame{Type: FrameResult, Result: res})
}

// fail writes the error terminal. Input faults never reach the executor or
// the meter.
func (s *session) fail(code errors.Code, message string) error {
	s.log.Debug("session failed",
		zap.String("session_id", s.id),
		zap.String("error_code", string(code)))
	return s.write(&Frame{Type: FrameError, ErrorCode: string(code), Message: errors.Redact(message)})
}

func (s *session) write(f *Frame) error {
	if err := s.state.Accept(f); err != nil {
		// The outbound terminal can only conflict if we already wrote one;
		// treat it as a transport-level bug.
		return err
	}
	return s.enc.Encode(f)
}
