package worker

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/scalyclaw/scalyclaw-sub000/internal/auth"
)

// FilesHandler serves produced files from the job root. Each request must
// carry a token minted with this worker's auth token for exactly the
// requested path.
func (w *Worker) FilesHandler() http.Handler {
	tokens := auth.NewFileTokenService(w.cfg.AuthToken, 0)
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		path := r.URL.Query().Get("path")
		if path == "" {
			http.Error(rw, "path required", http.StatusBadRequest)
			return
		}
		if _, err := tokens.Verify(auth.ExtractBearer(r), path); err != nil {
			w.logger.Warn("rejected file request", "path", path, "remote", r.RemoteAddr, "error", err)
			http.Error(rw, "unauthorized", http.StatusUnauthorized)
			return
		}
		abs, err := w.confine(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				http.NotFound(rw, r)
				return
			}
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		f, err := os.Open(abs)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				http.NotFound(rw, r)
				return
			}
			http.Error(rw, "read failed", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil || !info.Mode().IsRegular() {
			http.NotFound(rw, r)
			return
		}
		rw.Header().Set("Content-Type", "application/octet-stream")
		http.ServeContent(rw, r, info.Name(), info.ModTime(), f)
	})
}

// confine resolves path and requires it to sit inside the job root,
// following symlinks.
func (w *Worker) confine(path string) (string, error) {
	root, err := filepath.EvalSymlinks(w.cfg.JobRoot)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New("path outside job root")
	}
	return resolved, nil
}
