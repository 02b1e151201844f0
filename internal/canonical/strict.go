package canonical

import (
	"bytes"
	"strconv"

	"github.com/go-faster/jx"

	"github.com/Hardonian/Requiem/internal/core"
	"github.com/Hardonian/Requiem/internal/errors"
)

// The strict parser accepts exactly the canonical JSON forms: null, booleans,
// numbers, strings, arrays, and objects with unique keys. Duplicate keys are
// a hard parse error everywhere, and number literals keep their source form
// so integer-required positions can reject floats.

// Validate walks an arbitrary JSON document and rejects malformed input and
// duplicate object keys at any depth.
func Validate(data []byte) error {
	d := jx.DecodeBytes(data)
	if err := validateValue(d); err != nil {
		return err
	}
	if d.Next() != jx.Invalid {
		return errors.New(errors.CodeJSONParseError, "trailing data after JSON document")
	}
	return nil
}

func validateValue(d *jx.Decoder) error {
	switch d.Next() {
	case jx.Object:
		seen := map[string]struct{}{}
		return wrapParse(d.Obj(func(d *jx.Decoder, key string) error {
			if _, dup := seen[key]; dup {
				return errors.Newf(errors.CodeJSONDuplicateKey, "duplicate key %q", key)
			}
			seen[key] = struct{}{}
			return validateValue(d)
		}))
	case jx.Array:
		return wrapParse(d.Arr(func(d *jx.Decoder) error {
			return validateValue(d)
		}))
	case jx.Invalid:
		return errors.New(errors.CodeJSONParseError, "unexpected end of JSON document")
	default:
		if err := d.Skip(); err != nil {
			return errors.Wrap(err, errors.CodeJSONParseError, "malformed JSON value")
		}
		return nil
	}
}

// DecodeRequest strictly parses an ExecutionRequest document. Malformed JSON
// yields json_parse_error, duplicate keys yield json_duplicate_key, and a
// float in an integer position yields json_type_error. Unknown fields are
// rejected: a canonical request has no room for typos.
func DecodeRequest(data []byte) (*core.ExecutionRequest, error) {
	var req core.ExecutionRequest
	d := jx.DecodeBytes(data)

	if d.Next() != jx.Object {
		return nil, errors.New(errors.CodeJSONParseError, "request must be a JSON object")
	}

	seen := map[string]struct{}{}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		if _, dup := seen[key]; dup {
			return errors.Newf(errors.CodeJSONDuplicateKey, "duplicate key %q", key)
		}
		seen[key] = struct{}{}

		switch key {
		case "request_id":
			return decodeString(d, key, &req.RequestID)
		case "tenant_id":
			return decodeString(d, key, &req.TenantID)
		case "workspace_root":
			return decodeString(d, key, &req.WorkspaceRoot)
		case "command":
			return decodeString(d, key, &req.Command)
		case "cwd":
			return decodeOptionalString(d, key, &req.Cwd)
		case "argv":
			return decodeStringArray(d, key, &req.Argv)
		case "outputs":
			return decodeStringArray(d, key, &req.Outputs)
		case "env":
			return decodeStringMap(d, key, &req.Env)
		case "policy":
			return decodePolicy(d, &req.Policy)
		case "max_output_bytes":
			return decodeInt64(d, key, &req.MaxOutputBytes)
		case "timeout_ms":
			return decodeInt64(d, key, &req.TimeoutMS)
		case "nonce":
			return decodeUint64(d, key, &req.Nonce)
		default:
			return errors.Newf(errors.CodeJSONParseError, "unknown field %q", key)
		}
	})
	if err != nil {
		return nil, wrapParse(err)
	}
	if d.Next() != jx.Invalid {
		return nil, errors.New(errors.CodeJSONParseError, "trailing data after request")
	}

	req.RequestID = core.SanitizeRequestID(req.RequestID)
	req.ApplyDefaults()
	return &req, nil
}

func decodeString(d *jx.Decoder, key string, dst *string) error {
	if d.Next() != jx.String {
		return errors.Newf(errors.CodeJSONTypeError, "field %q must be a string", key)
	}
	s, err := d.Str()
	if err != nil {
		return errors.Wrap(err, errors.CodeJSONParseError, "malformed string")
	}
	*dst = s
	return nil
}

func decodeOptionalString(d *jx.Decoder, key string, dst *string) error {
	if d.Next() == jx.Null {
		*dst = ""
		return wrapParse(d.Null())
	}
	return decodeString(d, key, dst)
}

func decodeStringArray(d *jx.Decoder, key string, dst *[]string) error {
	if d.Next() != jx.Array {
		return errors.Newf(errors.CodeJSONTypeError, "field %q must be an array of strings", key)
	}
	out := []string{}
	err := d.Arr(func(d *jx.Decoder) error {
		if d.Next() != jx.String {
			return errors.Newf(errors.CodeJSONTypeError, "field %q must contain only strings", key)
		}
		s, err := d.Str()
		if err != nil {
			return errors.Wrap(err, errors.CodeJSONParseError, "malformed string")
		}
		out = append(out, s)
		return nil
	})
	if err != nil {
		return wrapParse(err)
	}
	*dst = out
	return nil
}

func decodeStringMap(d *jx.Decoder, key string, dst *map[string]string) error {
	if d.Next() != jx.Object {
		return errors.Newf(errors.CodeJSONTypeError, "field %q must be an object", key)
	}
	out := map[string]string{}
	err := d.Obj(func(d *jx.Decoder, k string) error {
		if _, dup := out[k]; dup {
			return errors.Newf(errors.CodeJSONDuplicateKey, "duplicate key %q in %q", k, key)
		}
		if d.Next() != jx.String {
			return errors.Newf(errors.CodeJSONTypeError, "field %q values must be strings", key)
		}
		v, err := d.Str()
		if err != nil {
			return errors.Wrap(err, errors.CodeJSONParseError, "malformed string")
		}
		out[k] = v
		return nil
	})
	if err != nil {
		return wrapParse(err)
	}
	*dst = out
	return nil
}

func decodePolicy(d *jx.Decoder, dst *core.Policy) error {
	if d.Next() != jx.Object {
		return errors.New(errors.CodeJSONTypeError, "field \"policy\" must be an object")
	}
	seen := map[string]struct{}{}
	return wrapParse(d.Obj(func(d *jx.Decoder, key string) error {
		if _, dup := seen[key]; dup {
			return errors.Newf(errors.CodeJSONDuplicateKey, "duplicate key %q in policy", key)
		}
		seen[key] = struct{}{}

		switch key {
		case "mode":
			var mode string
			if err := decodeString(d, "policy.mode", &mode); err != nil {
				return err
			}
			switch core.PolicyMode(mode) {
			case core.PolicyModeStrict, core.PolicyModePermissive:
				dst.Mode = core.PolicyMode(mode)
				return nil
			default:
				return errors.Newf(errors.CodeJSONTypeError, "policy.mode must be strict or permissive, got %q", mode)
			}
		case "scheduler_mode":
			return decodeString(d, "policy.scheduler_mode", &dst.SchedulerMode)
		case "deterministic":
			if d.Next() != jx.Bool {
				return errors.New(errors.CodeJSONTypeError, "policy.deterministic must be a boolean")
			}
			b, err := d.Bool()
			if err != nil {
				return errors.Wrap(err, errors.CodeJSONParseError, "malformed boolean")
			}
			dst.Deterministic = b
			return nil
		default:
			return errors.Newf(errors.CodeJSONParseError, "unknown policy field %q", key)
		}
	}))
}

func decodeInt64(d *jx.Decoder, key string, dst *int64) error {
	n, err := integerLiteral(d, key)
	if err != nil {
		return err
	}
	v, err := strconv.ParseInt(n, 10, 64)
	if err != nil {
		return errors.Newf(errors.CodeJSONTypeError, "field %q out of int64 range", key)
	}
	*dst = v
	return nil
}

func decodeUint64(d *jx.Decoder, key string, dst *uint64) error {
	n, err := integerLiteral(d, key)
	if err != nil {
		return err
	}
	v, err := strconv.ParseUint(n, 10, 64)
	if err != nil {
		return errors.Newf(errors.CodeJSONTypeError, "field %q must be an unsigned 64-bit integer", key)
	}
	*dst = v
	return nil
}

// integerLiteral reads a number token and enforces integer source form: no
// decimal point, no exponent. The literal text is preserved exactly as it
// appeared so 1.0 and 1e0 are rejected even though they denote integers.
func integerLiteral(d *jx.Decoder, key string) (string, error) {
	if d.Next() != jx.Number {
		return "", errors.Newf(errors.CodeJSONTypeError, "field %q must be an integer", key)
	}
	num, err := d.Num()
	if err != nil {
		return "", errors.Wrap(err, errors.CodeJSONParseError, "malformed number")
	}
	raw := []byte(num)
	if bytes.ContainsAny(raw, ".eE") {
		return "", errors.Newf(errors.CodeJSONTypeError, "field %q must serialize without decimal point or exponent", key)
	}
	return string(raw), nil
}

// wrapParse converts raw jx errors into json_parse_error while passing
// already-typed kernel errors through unchanged.
func wrapParse(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, errors.CodeJSONParseError, "malformed JSON")
}
