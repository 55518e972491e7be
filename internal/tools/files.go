package tools

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/scalyclaw/scalyclaw-sub000/internal/agent"
	"github.com/scalyclaw/scalyclaw-sub000/internal/workspace"
)

const defaultMaxReadBytes = 200000

// ReadFileInput is the input of read_file.
type ReadFileInput struct {
	Path     string `json:"path" jsonschema:"required,minLength=1,description=Workspace-relative file path"`
	Offset   int64  `json:"offset,omitempty" jsonschema:"minimum=0,description=Byte offset to start from"`
	MaxBytes int    `json:"maxBytes,omitempty" jsonschema:"minimum=0,description=Bytes to read; capped by the tool limit"`
}

// ReadFile reads a workspace file.
func ReadFile(ws *workspace.Workspace, maxBytes int) agent.Tool {
	if maxBytes <= 0 {
		maxBytes = defaultMaxReadBytes
	}
	return newTool("read_file",
		"Read a file from the workspace with an optional byte offset and limit.",
		func(ctx context.Context, in ReadFileInput) (any, error) {
			path, err := ws.Resolve(in.Path)
			if err != nil {
				return nil, err
			}
			f, err := os.Open(path)
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", in.Path, err)
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", in.Path, err)
			}
			if info.IsDir() {
				return nil, fmt.Errorf("%s is a directory", in.Path)
			}
			if in.Offset > 0 {
				if _, err := f.Seek(in.Offset, io.SeekStart); err != nil {
					return nil, fmt.Errorf("seek %s: %w", in.Path, err)
				}
			}
			limit := maxBytes
			if in.MaxBytes > 0 && in.MaxBytes < limit {
				limit = in.MaxBytes
			}
			buf, err := io.ReadAll(io.LimitReader(f, int64(limit)))
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", in.Path, err)
			}
			return map[string]any{
				"path":      ws.Rel(path),
				"content":   string(buf),
				"offset":    in.Offset,
				"bytes":     len(buf),
				"truncated": in.Offset+int64(len(buf)) < info.Size(),
			}, nil
		})
}

// WriteFileInput is the input of write_file.
type WriteFileInput struct {
	Path    string `json:"path" jsonschema:"required,minLength=1,description=Workspace-relative file path"`
	Content string `json:"content" jsonschema:"description=File content"`
	Append  bool   `json:"append,omitempty" jsonschema:"description=Append instead of overwriting"`
}

// WriteFile writes a workspace file, creating parent directories.
func WriteFile(ws *workspace.Workspace) agent.Tool {
	return newTool("write_file",
		"Write text to a workspace file, creating directories as needed. Overwrites unless append is set.",
		func(ctx context.Context, in WriteFileInput) (any, error) {
			path, err := ws.Resolve(in.Path)
			if err != nil {
				return nil, err
			}
			if path == ws.Root() {
				return nil, fmt.Errorf("path must name a file")
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create directories: %w", err)
			}
			flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
			if in.Append {
				flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
			}
			f, err := os.OpenFile(path, flags, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", in.Path, err)
			}
			n, err := f.WriteString(in.Content)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return nil, fmt.Errorf("write %s: %w", in.Path, err)
			}
			return map[string]any{"path": ws.Rel(path), "bytes": n, "appended": in.Append}, nil
		})
}

// ListFilesInput is the input of list_files.
type ListFilesInput struct {
	Dir string `json:"dir,omitempty" jsonschema:"description=Workspace-relative directory; defaults to the root"`
}

const maxListedFiles = 500

// ListFiles lists workspace files.
func ListFiles(ws *workspace.Workspace) agent.Tool {
	return newTool("list_files",
		"List files in the workspace or one of its directories.",
		func(ctx context.Context, in ListFilesInput) (any, error) {
			files, err := ws.List(in.Dir)
			if err != nil {
				return nil, err
			}
			truncated := len(files) > maxListedFiles
			if truncated {
				files = files[:maxListedFiles]
			}
			if files == nil {
				files = []string{}
			}
			return map[string]any{"files": files, "truncated": truncated}, nil
		})
}
