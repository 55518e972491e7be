package worker

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/scalyclaw/scalyclaw-sub000/internal/dispatch"
	"github.com/scalyclaw/scalyclaw-sub000/internal/jobs"
	"github.com/scalyclaw/scalyclaw-sub000/internal/workspace"
)

// maxOutputFiles caps how many produced files one job announces.
const maxOutputFiles = 32

// Sandbox is the per-job working directory on a worker. It outlives the job
// so the node can fetch produced files; Prune removes old ones.
type Sandbox struct {
	ws     *workspace.Workspace
	before map[string]time.Time
}

// NewSandbox creates root/jobID and writes the job's scoped files into it.
func NewSandbox(root, jobID string, files []jobs.File) (*Sandbox, error) {
	if !filepath.IsLocal(jobID) {
		return nil, fmt.Errorf("invalid job id %q", jobID)
	}
	ws, err := workspace.New(filepath.Join(root, jobID))
	if err != nil {
		return nil, err
	}
	if err := ws.Ensure(); err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	for _, f := range files {
		if err := writeInto(ws, f.Name, f.Content); err != nil {
			return nil, err
		}
	}
	s := &Sandbox{ws: ws}
	s.before = s.snapshot()
	return s, nil
}

// Dir is the sandbox's absolute path.
func (s *Sandbox) Dir() string { return s.ws.Root() }

// Resolve maps a sandbox-relative path, rejecting traversal.
func (s *Sandbox) Resolve(path string) (string, error) {
	return s.ws.Resolve(path)
}

// WriteFile writes a helper file (such as a code body) and excludes it from
// the produced file list.
func (s *Sandbox) WriteFile(name string, content []byte) (string, error) {
	if err := writeInto(s.ws, name, content); err != nil {
		return "", err
	}
	abs, _ := s.ws.Resolve(name)
	if info, err := os.Stat(abs); err == nil {
		s.before[abs] = info.ModTime()
	}
	return abs, nil
}

// Produced lists files created or modified since the sandbox was prepared.
func (s *Sandbox) Produced() []dispatch.WorkerFile {
	var out []dispatch.WorkerFile
	for path, mod := range s.snapshot() {
		if prev, ok := s.before[path]; ok && !mod.After(prev) {
			continue
		}
		out = append(out, dispatch.WorkerFile{Src: path, Dest: s.ws.Rel(path)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dest < out[j].Dest })
	if len(out) > maxOutputFiles {
		out = out[:maxOutputFiles]
	}
	return out
}

func (s *Sandbox) snapshot() map[string]time.Time {
	files := make(map[string]time.Time)
	_ = filepath.WalkDir(s.ws.Root(), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Mode().IsRegular() {
			files[path] = info.ModTime()
		}
		return nil
	})
	return files
}

func writeInto(ws *workspace.Workspace, name string, content []byte) error {
	abs, err := ws.Resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", name, err)
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// PruneSandboxes removes job directories under root last modified before
// the cutoff and returns how many were removed.
func PruneSandboxes(root string, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
