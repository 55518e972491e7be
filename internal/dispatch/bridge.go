package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/scalyclaw/scalyclaw-sub000/internal/auth"
	"github.com/scalyclaw/scalyclaw-sub000/internal/backoff"
	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// Result annotations a worker adds when a job produced files.
const (
	AnnotationFiles  = "_workerFiles"
	AnnotationWorker = "_workerId"
)

// FilesPath is the worker endpoint serving job output files.
const FilesPath = "/files"

// maxBridgedFile caps one downloaded file.
const maxBridgedFile = 100 << 20

// WorkerFile names a file on the worker and where it belongs in the workspace.
type WorkerFile struct {
	Src  string `json:"src"`
	Dest string `json:"dest"`
}

// BridgeFiles copies files announced in a job result from the worker into
// the workspace. References to each fetched src are rewritten to its
// workspace path and the annotation keys are removed. Results that are not
// JSON objects, or carry no annotations, are returned unchanged. Per-file
// failures are logged and leave the reference as it was.
func (d *Dispatcher) BridgeFiles(ctx context.Context, result string) string {
	trimmed := strings.TrimSpace(result)
	if !strings.HasPrefix(trimmed, "{") {
		return result
	}
	var obj map[string]any
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return result
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return result
	}
	rawFiles, hasFiles := obj[AnnotationFiles]
	rawWorker, hasWorker := obj[AnnotationWorker]
	if !hasFiles && !hasWorker {
		return result
	}
	delete(obj, AnnotationFiles)
	delete(obj, AnnotationWorker)

	workerID, _ := rawWorker.(string)
	files := decodeWorkerFiles(rawFiles)
	replacements := map[string]string{}
	if len(files) > 0 {
		worker, err := d.resolveWorker(ctx, workerID)
		if err != nil {
			d.logger.WarnContext(ctx, "file bridge skipped", "worker_id", workerID, "error", err)
		} else {
			for _, f := range files {
				local, err := d.fetchFile(ctx, worker, f)
				if err != nil {
					d.logger.WarnContext(ctx, "file bridge failed", "worker_id", workerID, "src", f.Src, "dest", f.Dest, "error", err)
					continue
				}
				replacements[f.Src] = local
			}
		}
	}

	out, err := json.Marshal(rewriteReferences(obj, replacements))
	if err != nil {
		return result
	}
	return string(out)
}

func decodeWorkerFiles(raw any) []WorkerFile {
	if raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var files []WorkerFile
	if err := json.Unmarshal(data, &files); err != nil {
		return nil
	}
	out := files[:0]
	for _, f := range files {
		if strings.TrimSpace(f.Src) != "" {
			out = append(out, f)
		}
	}
	return out
}

func (d *Dispatcher) resolveWorker(ctx context.Context, workerID string) (*models.ProcessRecord, error) {
	if d.registry == nil {
		return nil, errors.New("no process registry configured")
	}
	if workerID == "" {
		return nil, errors.New("result names no worker")
	}
	return d.registry.Resolve(ctx, workerID)
}

// fetchFile downloads f.Src from worker into the workspace and returns the
// workspace-relative path written.
func (d *Dispatcher) fetchFile(ctx context.Context, worker *models.ProcessRecord, f WorkerFile) (string, error) {
	if d.workspace == nil {
		return "", errors.New("no workspace configured")
	}
	dest := strings.TrimSpace(f.Dest)
	if dest == "" {
		dest = path.Base(filepath.ToSlash(f.Src))
	}
	abs, err := d.workspace.Resolve(dest)
	if err != nil {
		return "", err
	}
	token, err := auth.NewFileTokenService(worker.AuthToken, 0).Issue(d.config.NodeID, f.Src)
	if err != nil {
		return "", fmt.Errorf("issue file token: %w", err)
	}
	data, err := backoff.Retry(ctx, backoff.DefaultPolicy(), d.config.FileFetchRetries, nil, func(int) ([]byte, error) {
		return d.download(ctx, worker, f.Src, token)
	})
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create destination dir: %w", err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", dest, err)
	}
	return d.workspace.Rel(abs), nil
}

func (d *Dispatcher) download(ctx context.Context, worker *models.ProcessRecord, src, token string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.FileFetchTimeout)
	defer cancel()

	endpoint := worker.BaseURL() + FilesPath + "?path=" + url.QueryEscape(src)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("worker returned %d for %s", resp.StatusCode, src)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBridgedFile+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxBridgedFile {
		return nil, backoff.Permanent(fmt.Errorf("%s exceeds %d bytes", src, maxBridgedFile))
	}
	return data, nil
}

// rewriteReferences replaces every occurrence of a replacement key inside
// string values of v. Longer keys are matched first.
func rewriteReferences(v any, replacements map[string]string) any {
	if len(replacements) == 0 {
		return v
	}
	keys := make([]string, 0, len(replacements))
	for k := range replacements {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, k, replacements[k])
	}
	return rewriteValue(v, strings.NewReplacer(pairs...))
}

func rewriteValue(v any, r *strings.Replacer) any {
	switch val := v.(type) {
	case string:
		return r.Replace(val)
	case map[string]any:
		for k, item := range val {
			val[k] = rewriteValue(item, r)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = rewriteValue(item, r)
		}
		return val
	default:
		return v
	}
}
