// Package canonical produces the deterministic byte encodings that feed the
// kernel's digests, and the strict JSON parsing that guards them. Two
// semantically equal values always canonicalize to byte-equal encodings:
// object keys are sorted by UTF-8 byte order, array order is preserved, and
// every numeric field that participates in a digest is integer-typed.
package canonical

import (
	"sort"

	"github.com/go-faster/jx"

	"github.com/Hardonian/Requiem/internal/core"
	"github.com/Hardonian/Requiem/internal/hasher"
)

// EncodeRequest returns the canonical byte form of a request. It covers
// command, argv, sorted env, cwd, sorted outputs, policy, max_output_bytes,
// timeout_ms, and nonce. TenantID and RequestID are deliberately excluded:
// the same request from two tenants yields the same bytes.
func EncodeRequest(req *core.ExecutionRequest) []byte {
	var e jx.Encoder
	e.ObjStart()

	e.FieldStart("argv")
	e.ArrStart()
	for _, a := range req.Argv {
		e.Str(a)
	}
	e.ArrEnd()

	e.FieldStart("command")
	e.Str(req.Command)

	e.FieldStart("cwd")
	e.Str(req.Cwd)

	e.FieldStart("env")
	e.ObjStart()
	for _, k := range sortedKeys(req.Env) {
		e.FieldStart(k)
		e.Str(req.Env[k])
	}
	e.ObjEnd()

	e.FieldStart("max_output_bytes")
	e.Int64(req.MaxOutputBytes)

	e.FieldStart("nonce")
	e.UInt64(req.Nonce)

	e.FieldStart("outputs")
	e.ArrStart()
	for _, p := range sortedStrings(req.Outputs) {
		e.Str(p)
	}
	e.ArrEnd()

	e.FieldStart("policy")
	encodePolicy(&e, req.Policy)

	e.FieldStart("timeout_ms")
	e.Int64(req.TimeoutMS)

	e.ObjEnd()
	return e.Bytes()
}

// EncodeResult returns the canonical byte form of a result. It covers ok,
// exit_code, termination_reason, the request/stdout/stderr/trace digests, and
// the output digests sorted by path. Captured text and truncation flags are
// diagnostic payload and never enter the digest.
func EncodeResult(res *core.ExecutionResult) []byte {
	var e jx.Encoder
	e.ObjStart()

	e.FieldStart("exit_code")
	e.Int(res.ExitCode)

	e.FieldStart("ok")
	e.Bool(res.OK)

	e.FieldStart("output_digests")
	e.ObjStart()
	byPath := make([]core.OutputDigest, len(res.OutputDigests))
	copy(byPath, res.OutputDigests)
	sort.Slice(byPath, func(i, j int) bool { return byPath[i].Path < byPath[j].Path })
	for _, od := range byPath {
		e.FieldStart(od.Path)
		e.Str(od.Digest)
	}
	e.ObjEnd()

	e.FieldStart("request_digest")
	e.Str(res.RequestDigest)

	e.FieldStart("stderr_digest")
	e.Str(res.StderrDigest)

	e.FieldStart("stdout_digest")
	e.Str(res.StdoutDigest)

	e.FieldStart("termination_reason")
	e.Str(res.TerminationReason)

	e.FieldStart("trace_digest")
	e.Str(res.TraceDigest)

	e.ObjEnd()
	return e.Bytes()
}

// EncodeTrace returns the canonical byte form of the execution trace record:
// exit code, termination reason, and the declared output paths in request
// order. Output order is meaningful here, so the array is not sorted.
func EncodeTrace(exitCode int, terminationReason string, outputs []string) []byte {
	var e jx.Encoder
	e.ObjStart()

	e.FieldStart("exit_code")
	e.Int(exitCode)

	e.FieldStart("outputs")
	e.ArrStart()
	for _, p := range outputs {
		e.Str(p)
	}
	e.ArrEnd()

	e.FieldStart("termination_reason")
	e.Str(terminationReason)

	e.ObjEnd()
	return e.Bytes()
}

// RequestDigest computes the domain-separated digest of a request's canonical
// form. This is a pure function of the canonical fields.
func RequestDigest(req *core.ExecutionRequest) string {
	return hasher.HashDomain(hasher.DomainRequest, EncodeRequest(req))
}

// ResultDigest computes the domain-separated digest of a result's canonical
// form.
func ResultDigest(res *core.ExecutionResult) string {
	return hasher.HashDomain(hasher.DomainResult, EncodeResult(res))
}

// TraceDigest computes the domain-separated digest of the trace record.
func TraceDigest(exitCode int, terminationReason string, outputs []string) string {
	return hasher.HashDomain(hasher.DomainTrace, EncodeTrace(exitCode, terminationReason, outputs))
}

func encodePolicy(e *jx.Encoder, p core.Policy) {
	e.ObjStart()
	e.FieldStart("deterministic")
	e.Bool(p.Deterministic)
	e.FieldStart("mode")
	e.Str(string(p.Mode))
	e.FieldStart("scheduler_mode")
	e.Str(p.SchedulerMode)
	e.ObjEnd()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
