// Package errors provides the strict error taxonomy for the Requiem kernel.
// Every failure that crosses the kernel API boundary carries one of the codes
// below; free-form errors are wrapped before they reach a caller.
package errors

// Code is the machine-readable error code attached to an execution result or
// an error frame. The empty code means success.
type Code string

// The exhaustive code set. These strings are part of the wire contract and
// must never be renamed.
const (
	CodeOK                 Code = ""
	CodeTimeout            Code = "timeout"
	CodePathEscape         Code = "path_escape"
	CodeSpawnFailed        Code = "spawn_failed"
	CodeQuotaExceeded      Code = "quota_exceeded"
	CodeCASIntegrityFailed Code = "cas_integrity_failed"
	CodeSignal             Code = "signal"
	CodeJSONParseError     Code = "json_parse_error"
	CodeJSONDuplicateKey   Code = "json_duplicate_key"
	CodeJSONTypeError      Code = "json_type_error"
	CodeInternal           Code = "internal"
)

// Category returns the subsystem category for a code.
func (c Code) Category() string {
	switch c {
	case CodeOK:
		return "success"
	case CodeJSONParseError, CodeJSONDuplicateKey, CodeJSONTypeError, CodeQuotaExceeded:
		return "input"
	case CodePathEscape:
		return "policy"
	case CodeTimeout, CodeSpawnFailed, CodeSignal:
		return "execution"
	case CodeCASIntegrityFailed:
		return "integrity"
	default:
		return "internal"
	}
}

// AllCodes returns every defined code, for documentation and exhaustive tests.
func AllCodes() []Code {
	return []Code{
		CodeOK,
		CodeTimeout,
		CodePathEscape,
		CodeSpawnFailed,
		CodeQuotaExceeded,
		CodeCASIntegrityFailed,
		CodeSignal,
		CodeJSONParseError,
		CodeJSONDuplicateKey,
		CodeJSONTypeError,
		CodeInternal,
	}
}
