// Package sandbox provides the isolated workspace every agent process
// executes its tools in. Two backends exist: local (a directory plus
// host shell) and docker (a container per process). Both expose the
// same filesystem, shell, and browser surface.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnavailable is returned when the configured backend cannot
// provision a workspace, for example when the Docker daemon is down.
var ErrUnavailable = errors.New("sandbox: backend unavailable")

// ErrPathEscape is returned when a path would resolve outside the
// sandbox workspace.
var ErrPathEscape = errors.New("sandbox: path escapes workspace")

// ExecResult is the outcome of one shell command.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Sandbox is one process's isolated workspace.
type Sandbox interface {
	// Workdir is the host path of the workspace root.
	Workdir() string

	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	ListDir(ctx context.Context, dir string) ([]string, error)
	Mkdir(ctx context.Context, path string) error

	// Exec runs a shell command inside the workspace.
	Exec(ctx context.Context, command string) (*ExecResult, error)

	// Browser operations. The browser session starts lazily on first
	// use and is torn down by Release.
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) (string, error)
	PageText(ctx context.Context) (string, error)

	// Release tears down the workspace's runtime resources. The
	// workspace directory itself survives for post-mortem inspection.
	Release() error
}

// Factory provisions sandboxes, one per process.
type Factory interface {
	Acquire(ctx context.Context, pid int) (Sandbox, error)
}

// resolve maps a tool-supplied path into the workspace and rejects
// escapes. Absolute paths are reinterpreted as workspace-relative.
func resolve(workdir, path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" || p == "." {
		return workdir, nil
	}
	if filepath.IsAbs(p) {
		p = strings.TrimPrefix(p, string(filepath.Separator))
	}
	full := filepath.Join(workdir, p)
	rel, err := filepath.Rel(workdir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, path)
	}
	return full, nil
}
