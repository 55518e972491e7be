// Package workspace confines file access to the node's workspace directory
// and loads the prompt files kept there.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrPathTraversal is returned for paths that resolve outside the root.
var ErrPathTraversal = errors.New("path escapes workspace")

// Workspace resolves and validates workspace-relative paths.
type Workspace struct {
	root string
}

// New returns a workspace rooted at root, made absolute.
func New(root string) (*Workspace, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Workspace{root: abs}, nil
}

// Root returns the absolute root.
func (w *Workspace) Root() string {
	return w.root
}

// Ensure creates the root directory.
func (w *Workspace) Ensure() error {
	return os.MkdirAll(w.root, 0o755)
}

// Resolve returns an absolute, cleaned path within the root. Relative paths
// are joined to the root; absolute paths must already lie inside it.
func (w *Workspace) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(w.root, clean)
	}
	if !within(w.root, target) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, path)
	}
	// A symlink inside the root may still point outside it.
	real, err := evalExisting(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	realRoot, err := evalExisting(w.root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	if !within(realRoot, real) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, path)
	}
	return target, nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// evalExisting resolves symlinks in the deepest existing ancestor of p and
// appends the part that does not exist yet.
func evalExisting(p string) (string, error) {
	var missing []string
	cur := p
	for {
		if _, err := os.Lstat(cur); err == nil {
			break
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
	real, err := filepath.EvalSymlinks(cur)
	if err != nil {
		return "", err
	}
	for i := len(missing) - 1; i >= 0; i-- {
		real = filepath.Join(real, missing[i])
	}
	return real, nil
}

// Rel returns the slash-separated path of abs relative to the root.
func (w *Workspace) Rel(abs string) string {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

// List returns regular files under dir (relative to the root), sorted.
// Hidden directories are skipped.
func (w *Workspace) List(dir string) ([]string, error) {
	start := w.root
	if strings.TrimSpace(dir) != "" {
		resolved, err := w.Resolve(dir)
		if err != nil {
			return nil, err
		}
		start = resolved
	}
	var files []string
	err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == start {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if path != start && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, w.Rel(path))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Match returns the workspace files referenced in text, by relative path or
// by base name. A reference must stand as its own path token: notes/a is not
// referenced by "data.csv", and data/x.csv is not referenced by "/tmp/x.csv".
func (w *Workspace) Match(text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	files, err := w.List("")
	if err != nil {
		return nil, err
	}
	var matched []string
	for _, rel := range files {
		if pathReferenced(text, rel) || pathReferenced(text, path.Base(rel)) {
			matched = append(matched, rel)
		}
	}
	return matched, nil
}

func pathReferenced(text, name string) bool {
	for i := 0; i < len(text); {
		j := strings.Index(text[i:], name)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(name)
		if tokenStart(text, start) && tokenEnd(text, end) {
			return true
		}
		i = start + 1
	}
	return false
}

// tokenStart allows a leading "./".
func tokenStart(text string, at int) bool {
	if at == 0 {
		return true
	}
	prev := text[at-1]
	if prev == '/' && at >= 2 && text[at-2] == '.' {
		return at == 2 || !pathByte(text[at-3])
	}
	return !pathByte(prev)
}

// tokenEnd allows trailing sentence punctuation.
func tokenEnd(text string, at int) bool {
	if at == len(text) {
		return true
	}
	next := text[at]
	if next == '.' {
		return at+1 == len(text) || !pathByte(text[at+1])
	}
	return !pathByte(next)
}

func pathByte(b byte) bool {
	switch {
	case b >= '0' && b <= '9', b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z':
		return true
	}
	return strings.IndexByte("_-./~", b) >= 0
}
