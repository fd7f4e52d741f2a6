package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/devcollab/collabhub/internal/config"
)

// maxLineBytes caps a single streamed output line.
const maxLineBytes = 64 * 1024

// TreeSource loads a project's current file tree.
type TreeSource interface {
	FileTree(ctx context.Context, projectID string) (json.RawMessage, error)
}

// Runner materializes a project's tree into a scratch directory and runs the
// configured command there, one process per call.
type Runner struct {
	trees  TreeSource
	cfg    config.SandboxConfig
	logger *slog.Logger
}

// NewRunner creates a Runner. cfg.Command must not be empty.
func NewRunner(trees TreeSource, cfg config.SandboxConfig, logger *slog.Logger) *Runner {
	return &Runner{
		trees:  trees,
		cfg:    cfg,
		logger: logger.With("component", "sandbox"),
	}
}

// Run executes the project and calls emit for each line of output. It blocks
// until the process exits, ctx is canceled or MaxRuntime elapses. A non-zero
// exit is reported through the exit code, not the error.
func (r *Runner) Run(ctx context.Context, projectID string, emit func(stream, line string)) (int, error) {
	if len(r.cfg.Command) == 0 {
		return -1, errors.New("sandbox command not configured")
	}

	tree, err := r.trees.FileTree(ctx, projectID)
	if err != nil {
		return -1, fmt.Errorf("load file tree: %w", err)
	}

	dir, err := os.MkdirTemp(r.cfg.WorkRoot, "collab-run-")
	if err != nil {
		return -1, fmt.Errorf("create work dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	n, err := Materialize(dir, tree)
	if err != nil {
		return -1, err
	}

	timeout := 5 * time.Minute
	if r.cfg.MaxRuntime.Duration > 0 {
		timeout = r.cfg.MaxRuntime.Duration
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.cfg.Command[0], r.cfg.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range r.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start %s: %w", r.cfg.Command[0], err)
	}
	r.logger.Info("sandbox run started", "project_id", projectID, "pid", cmd.Process.Pid, "files", n)

	var emitMu sync.Mutex
	safeEmit := func(stream, line string) {
		emitMu.Lock()
		defer emitMu.Unlock()
		emit(stream, line)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go readLines(&wg, stdout, "stdout", safeEmit)
	go readLines(&wg, stderr, "stderr", safeEmit)
	wg.Wait()

	waitErr := cmd.Wait()
	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		r.logger.Warn("sandbox run timed out", "project_id", projectID, "timeout", timeout)
		return code, fmt.Errorf("run exceeded %s", timeout)
	case ctx.Err() != nil:
		return code, ctx.Err()
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return code, fmt.Errorf("wait: %w", waitErr)
	}
	r.logger.Info("sandbox run finished", "project_id", projectID, "exit_code", code)
	return code, nil
}

func readLines(wg *sync.WaitGroup, rd io.Reader, stream string, emit func(stream, line string)) {
	defer wg.Done()
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 4096), maxLineBytes)
	for sc.Scan() {
		emit(stream, sc.Text())
	}
	// Drain whatever is left so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, rd)
}
