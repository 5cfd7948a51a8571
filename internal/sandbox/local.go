package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// execOutputLimit caps captured stdout/stderr per stream.
const execOutputLimit = 1 << 20

// LocalFactory provisions directory-backed sandboxes that execute
// commands on the host shell.
type LocalFactory struct {
	root   string
	logger *slog.Logger
}

// NewLocalFactory creates a factory rooted at dataDir/workspaces.
func NewLocalFactory(dataDir string, logger *slog.Logger) (*LocalFactory, error) {
	root := filepath.Join(dataDir, "workspaces")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalFactory{root: root, logger: logger.With("sandbox", "local")}, nil
}

// Acquire creates the process workspace directory.
func (f *LocalFactory) Acquire(_ context.Context, pid int) (Sandbox, error) {
	workdir := filepath.Join(f.root, strconv.Itoa(pid))
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	f.logger.Debug("workspace created", "pid", pid, "workdir", workdir)
	return &localSandbox{
		workdir: workdir,
		browser: newBrowser(f.logger),
	}, nil
}

type localSandbox struct {
	workdir string
	*browser
}

func (s *localSandbox) Workdir() string { return s.workdir }

func (s *localSandbox) ReadFile(_ context.Context, path string) (string, error) {
	full, err := resolve(s.workdir, path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *localSandbox) WriteFile(_ context.Context, path, content string) error {
	full, err := resolve(s.workdir, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, []byte(content), 0o644)
}

func (s *localSandbox) ListDir(_ context.Context, dir string) ([]string, error) {
	full, err := resolve(s.workdir, dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return names, nil
}

func (s *localSandbox) Mkdir(_ context.Context, path string) error {
	full, err := resolve(s.workdir, path)
	if err != nil {
		return err
	}
	return os.MkdirAll(full, 0o755)
}

func (s *localSandbox) Exec(ctx context.Context, command string) (*ExecResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.workdir

	var stdout, stderr boundedBuffer
	stdout.limit = execOutputLimit
	stderr.limit = execOutputLimit
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return nil, err
	}
	return result, nil
}

func (s *localSandbox) Release() error {
	return s.browser.close()
}

// boundedBuffer keeps at most limit bytes and discards the rest, so a
// chatty command cannot exhaust memory.
type boundedBuffer struct {
	buf   strings.Builder
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		b.buf.Write(p)
	}
	return n, nil
}

func (b *boundedBuffer) String() string { return b.buf.String() }
