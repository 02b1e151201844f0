// Package sandbox derives the final execution context for a request: the
// resolved working directory and output paths (all contained within the
// workspace root), the filtered child environment, and the record of what the
// policy allowed. Nothing here spawns a process; a denial is reported before
// any child exists.
package sandbox

import (
	"sort"

	"github.com/Hardonian/Requiem/internal/core"
	"github.com/Hardonian/Requiem/internal/errors"
)

// Derived is the fully resolved execution context for one request.
type Derived struct {
	// Command is the absolute path of the child executable.
	Command string

	// Argv is the complete child argv; Argv[0] is always Command.
	Argv []string

	// Dir is the resolved working directory, inside the workspace root.
	Dir string

	// Env is the filtered child environment as sorted KEY=VALUE entries.
	Env []string

	// AbsOutputs holds the resolved absolute path for each declared output,
	// index-aligned with the request's outputs.
	AbsOutputs []string

	// PolicyApplied records which request env keys survived filtering.
	PolicyApplied core.PolicyApplied
}

// Derive resolves paths and filters the environment for a request. A path
// that escapes the workspace root (via traversal or symlink) yields a
// path_escape error and no context.
func Derive(req *core.ExecutionRequest, f Filter) (*Derived, error) {
	root, err := resolveRoot(req.WorkspaceRoot)
	if err != nil {
		return nil, err
	}

	dir, err := ResolveWithin(root, req.Cwd)
	if err != nil {
		return nil, err
	}

	absOutputs := make([]string, len(req.Outputs))
	for i, out := range req.Outputs {
		abs, err := ResolveWithin(root, out)
		if err != nil {
			return nil, err
		}
		absOutputs[i] = abs
	}

	kept, allowedKeys := FilterEnv(req.Env, req.Policy.Mode, req.Policy.Deterministic, f)
	env := buildEnv(kept, req.Policy.Deterministic)

	argv := []string{req.Command}
	if len(req.Argv) > 1 {
		argv = append(argv, req.Argv[1:]...)
	}

	return &Derived{
		Command:       req.Command,
		Argv:          argv,
		Dir:           dir,
		Env:           env,
		AbsOutputs:    absOutputs,
		PolicyApplied: core.PolicyApplied{AllowedKeys: allowedKeys},
	}, nil
}

// buildEnv renders the final child environment. With deterministic execution
// the child sees only a curated minimal base plus the filtered allowlist; the
// host's ambient environment is never forwarded in either mode.
func buildEnv(kept map[string]string, deterministic bool) []string {
	final := map[string]string{}
	if deterministic {
		final["LANG"] = "C"
		final["TZ"] = "UTC"
		final["PATH"] = defaultPath
	}
	for k, v := range kept {
		final[k] = v
	}

	keys := make([]string, 0, len(final))
	for k := range final {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+final[k])
	}
	return env
}

func pathEscape(path string) error {
	return errors.Newf(errors.CodePathEscape, "path escapes workspace: %s", path)
}
