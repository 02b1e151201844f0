package sandbox

import (
	"sort"
	"strings"

	"github.com/Hardonian/Requiem/internal/core"
)

// Secret-shaped key fragments. Any env key containing one of these
// (case-insensitive) is stripped unless explicitly allowlisted.
var denyFragments = []string{
	"SECRET",
	"TOKEN",
	"KEY",
	"PASSWORD",
	"AUTH",
	"COOKIE",
}

// Filter configures environment filtering for a run.
type Filter struct {
	// Allowlist names pass the deny-list in permissive mode and are the only
	// keys that pass at all in strict mode.
	Allowlist []string
}

// DefaultFilter returns the stock allowlist: the benign base a child needs to
// run portably.
func DefaultFilter() Filter {
	return Filter{Allowlist: []string{
		"HOME",
		"LANG",
		"LC_ALL",
		"PATH",
		"PWD",
		"SHELL",
		"TERM",
		"TMPDIR",
		"TZ",
		"USER",
	}}
}

// FilterEnv applies the policy's environment rules to the request env. In
// strict mode, and for deterministic runs, only allowlisted keys pass; in
// permissive non-deterministic mode everything but secret-shaped keys passes.
// It returns the surviving entries and the sorted list of surviving keys for
// the policy_applied record.
func FilterEnv(env map[string]string, mode core.PolicyMode, deterministic bool, f Filter) (map[string]string, []string) {
	allow := make(map[string]struct{}, len(f.Allowlist))
	for _, k := range f.Allowlist {
		allow[k] = struct{}{}
	}

	allowlistOnly := mode == core.PolicyModeStrict || deterministic

	kept := map[string]string{}
	for k, v := range env {
		_, allowlisted := allow[k]
		if allowlistOnly {
			if allowlisted {
				kept[k] = v
			}
			continue
		}
		if secretShaped(k) && !allowlisted {
			continue
		}
		kept[k] = v
	}

	keys := make([]string, 0, len(kept))
	for k := range kept {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return kept, keys
}

func secretShaped(key string) bool {
	upper := strings.ToUpper(key)
	for _, frag := range denyFragments {
		if strings.Contains(upper, frag) {
			return true
		}
	}
	return false
}
