package sandbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Hardonian/Requiem/internal/errors"
)

// defaultPath is the PATH handed to deterministic executions when the request
// does not carry one. A fixed value: the host's PATH must not leak into the
// canonical environment.
const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// resolveRoot validates and fully resolves the workspace root. The root must
// be an absolute path to an existing directory; symlinks are resolved so a
// linked root cannot defeat later containment checks.
func resolveRoot(root string) (string, error) {
	if strings.TrimSpace(root) == "" || !filepath.IsAbs(root) {
		return "", errors.Newf(errors.CodePathEscape, "workspace root must be absolute")
	}
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", errors.Wrap(err, errors.CodePathEscape, "workspace root does not resolve")
	}
	fi, err := os.Stat(resolved)
	if err != nil || !fi.IsDir() {
		return "", errors.Newf(errors.CodePathEscape, "workspace root is not a directory")
	}
	return resolved, nil
}

// ResolveWithin resolves rel against root and verifies containment. Symlinks
// are resolved before the check: the deepest existing ancestor of the target
// is evaluated, so a link pointing outside the root is an escape even when
// the leaf does not exist yet. An empty rel resolves to the root itself.
func ResolveWithin(root, rel string) (string, error) {
	if rel == "" {
		return root, nil
	}

	var candidate string
	if filepath.IsAbs(rel) {
		candidate = filepath.Clean(rel)
	} else {
		candidate = filepath.Join(root, rel)
	}

	resolved, err := resolveExisting(candidate)
	if err != nil {
		return "", pathEscape(rel)
	}

	if !contained(root, resolved) {
		return "", pathEscape(rel)
	}
	return resolved, nil
}

// resolveExisting evaluates symlinks along path. For a path whose leaf does
// not exist yet (a declared output the child has not written), the deepest
// existing ancestor is resolved and the remainder re-joined.
func resolveExisting(path string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved, nil
	}

	dir := path
	var tail []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		tail = append(tail, filepath.Base(dir))
		dir = parent

		resolved, err := filepath.EvalSymlinks(dir)
		if err != nil {
			continue
		}
		// Re-join the unresolved remainder in original order.
		for i := len(tail) - 1; i >= 0; i-- {
			resolved = filepath.Join(resolved, tail[i])
		}
		return filepath.Clean(resolved), nil
	}
}

// contained reports whether path is root or a descendant of root.
func contained(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
