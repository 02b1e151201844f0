package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Hardonian/Requiem/internal/core"
)

func TestStreamStateHappyPath(t *testing.T) {
	var s StreamState
	frames := []*Frame{
		{Type: FrameStart, RequestID: "r", SchemaVersion: 1},
		{Type: FrameEvent, Seq: 1},
		{Type: FrameEvent, Seq: 2},
		{Type: FrameEnd},
		{Type: FrameResult},
	}
	for i, f := range frames {
		require.NoError(t, s.Accept(f), "frame %d", i)
	}
	require.True(t, s.Terminated())
}

func TestStreamStateViolations(t *testing.T) {
	cases := []struct {
		name   string
		frames []*Frame
	}{
		{"first frame not start", []*Frame{{Type: FrameEvent, Seq: 1}}},
		{"first frame end", []*Frame{{Type: FrameEnd}}},
		{"result before start", []*Frame{{Type: FrameResult}}},
		{"duplicate start", []*Frame{{Type: FrameStart}, {Type: FrameStart}}},
		{"seq not increasing", []*Frame{{Type: FrameStart}, {Type: FrameEvent, Seq: 2}, {Type: FrameEvent, Seq: 2}}},
		{"seq decreasing", []*Frame{{Type: FrameStart}, {Type: FrameEvent, Seq: 5}, {Type: FrameEvent, Seq: 4}}},
		{"two end frames", []*Frame{{Type: FrameStart}, {Type: FrameEnd}, {Type: FrameEnd}}},
		{"event after end", []*Frame{{Type: FrameStart}, {Type: FrameEnd}, {Type: FrameEvent, Seq: 1}}},
		{"frame after result", []*Frame{{Type: FrameStart}, {Type: FrameResult}, {Type: FrameEvent, Seq: 1}}},
		{"two terminals", []*Frame{{Type: FrameStart}, {Type: FrameResult}, {Type: FrameError}}},
		{"frame after error", []*Frame{{Type: FrameStart}, {Type: FrameError}, {Type: FrameEnd}}},
		{"unknown type", []*Frame{{Type: FrameStart}, {Type: "ping"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var s StreamState
			var err error
			for _, f := range tc.frames {
				if err = s.Accept(f); err != nil {
					break
				}
			}
			require.Error(t, err)
		})
	}
}

func TestErrorMayTerminateUnstartedStream(t *testing.T) {
	// A server reports a violation on a stream that never started correctly.
	var s StreamState
	require.NoError(t, s.Accept(&Frame{Type: FrameError}))
	require.True(t, s.Terminated())
}

type stubEngine struct {
	got  *core.ExecutionRequest
	resp *core.ExecutionResult
}

func (e *stubEngine) Execute(req *core.ExecutionRequest) *core.ExecutionResult {
	e.got = req
	if e.resp != nil {
		return e.resp
	}
	return &core.ExecutionResult{OK: true, ResultDigest: "stub"}
}

func serveLines(t *testing.T, eng Engine, lines ...string) []Frame {
	t.Helper()
	var out bytes.Buffer
	err := Serve(eng, strings.NewReader(strings.Join(lines, "\n")+"\n"), &out, zap.NewNop())
	require.NoError(t, err)

	var frames []Frame
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var f Frame
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &f))
		frames = append(frames, f)
	}
	return frames
}

func requestLine(t *testing.T) string {
	t.Helper()
	payload := `{"command":"/bin/true","argv":["/bin/true"],"workspace_root":"/tmp","nonce":1}`
	return fmt.Sprintf(`{"type":"event","seq":1,"payload":%s}`, payload)
}

func TestServeHappyPath(t *testing.T) {
	eng := &stubEngine{}
	frames := serveLines(t, eng,
		`{"type":"start","request_id":"run-1","schema_version":1}`,
		requestLine(t),
		`{"type":"end"}`,
	)

	require.Len(t, frames, 1)
	require.Equal(t, FrameResult, frames[0].Type)
	require.NotNil(t, frames[0].Result)
	require.Equal(t, "stub", frames[0].Result.ResultDigest)

	require.NotNil(t, eng.got)
	require.Equal(t, "/bin/true", eng.got.Command)
	require.Equal(t, "run-1", eng.got.RequestID, "request id falls back to the start frame")
}

func TestServeRejectsNonStartFirstFrame(t *testing.T) {
	frames := serveLines(t, &stubEngine{}, requestLine(t))
	require.Len(t, frames, 1)
	require.Equal(t, FrameError, frames[0].Type)
	require.Equal(t, "json_parse_error", frames[0].ErrorCode)
}

func TestServeRejectsWrongSchemaVersion(t *testing.T) {
	frames := serveLines(t, &stubEngine{},
		`{"type":"start","request_id":"r","schema_version":99}`)
	require.Equal(t, FrameError, frames[0].Type)
}

func TestServeRejectsMalformedFrame(t *testing.T) {
	frames := serveLines(t, &stubEngine{}, `{"type": nope}`)
	require.Equal(t, FrameError, frames[0].Type)
	require.Equal(t, "json_parse_error", frames[0].ErrorCode)
}

func TestServeRejectsDuplicateKeyPayload(t *testing.T) {
	eng := &stubEngine{}
	frames := serveLines(t, eng,
		`{"type":"start","schema_version":1}`,
		`{"type":"event","seq":1,"payload":{"command":"/bin/true","command":"/bin/false"}}`,
		`{"type":"end"}`,
	)
	require.Equal(t, FrameError, frames[0].Type)
	require.Equal(t, "json_duplicate_key", frames[0].ErrorCode)
	require.Nil(t, eng.got, "nothing is executed on input faults")
}

func TestServeRejectsOversizedPayload(t *testing.T) {
	big := strings.Repeat("x", int(core.MaxRequestBytes)+10)
	eng := &stubEngine{}
	frames := serveLines(t, eng,
		`{"type":"start","schema_version":1}`,
		fmt.Sprintf(`{"type":"event","seq":1,"payload":"%s"}`, big),
	)
	require.Equal(t, FrameError, frames[0].Type)
	require.Equal(t, "quota_exceeded", frames[0].ErrorCode)
	require.Nil(t, eng.got)
}

func TestServeRejectsClientTerminal(t *testing.T) {
	frames := serveLines(t, &stubEngine{},
		`{"type":"start","schema_version":1}`,
		`{"type":"result"}`,
	)
	require.Equal(t, FrameError, frames[0].Type)
}

func TestServeEOFWithoutEnd(t *testing.T) {
	frames := serveLines(t, &stubEngine{},
		`{"type":"start","schema_version":1}`,
		requestLine(t),
	)
	require.Len(t, frames, 1)
	require.Equal(t, FrameError, frames[0].Type, "an abandoned stream still terminates")
}

func TestServeEmptyPayload(t *testing.T) {
	frames := serveLines(t, &stubEngine{},
		`{"type":"start","schema_version":1}`,
		`{"type":"end"}`,
	)
	require.Equal(t, FrameError, frames[0].Type)
}
