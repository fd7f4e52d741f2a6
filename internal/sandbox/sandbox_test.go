package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devcollab/collabhub/internal/config"
)

func TestMaterialize(t *testing.T) {
	dir := t.TempDir()
	tree := json.RawMessage(`{
		"package.json": {"file": {"contents": "{\"name\":\"demo\"}"}},
		"src": {"directory": {
			"index.js": {"file": {"contents": "console.log('hi')"}},
			"lib": {"directory": {"util.js": {"file": {"contents": ""}}}}
		}}
	}`)

	n, err := Materialize(dir, tree)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	data, err := os.ReadFile(filepath.Join(dir, "src", "index.js"))
	require.NoError(t, err)
	require.Equal(t, "console.log('hi')", string(data))

	info, err := os.Stat(filepath.Join(dir, "src", "lib", "util.js"))
	require.NoError(t, err)
	require.Zero(t, info.Size())
}

func TestMaterializeEmpty(t *testing.T) {
	for _, tree := range []string{"", "null", "{}"} {
		n, err := Materialize(t.TempDir(), json.RawMessage(tree))
		require.NoError(t, err, tree)
		require.Zero(t, n)
	}
}

func TestMaterializeRejectsBadTrees(t *testing.T) {
	cases := map[string]string{
		"parent escape":  `{"..": {"file": {"contents": "x"}}}`,
		"slash in name":  `{"../../etc/passwd": {"file": {"contents": "x"}}}`,
		"nested escape":  `{"src": {"directory": {"a/b": {"file": {"contents": "x"}}}}}`,
		"backslash":      `{"a\\b": {"file": {"contents": "x"}}}`,
		"empty node":     `{"a": {}}`,
		"file and dir":   `{"a": {"file": {"contents": "x"}, "directory": {}}}`,
		"not an object":  `["a"]`,
		"dot":            `{".": {"file": {"contents": "x"}}}`,
	}
	for name, tree := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			_, err := Materialize(dir, json.RawMessage(tree))
			require.ErrorIs(t, err, ErrInvalidTree)

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			require.Empty(t, entries, "nothing is written for a rejected tree")
		})
	}
}

type staticTrees map[string]json.RawMessage

func (s staticTrees) FileTree(_ context.Context, projectID string) (json.RawMessage, error) {
	tree, ok := s[projectID]
	if !ok {
		return nil, errors.New("project not found")
	}
	return tree, nil
}

type collector struct {
	mu    sync.Mutex
	lines map[string][]string
}

func (c *collector) emit(stream, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lines == nil {
		c.lines = make(map[string][]string)
	}
	c.lines[stream] = append(c.lines[stream], line)
}

func newTestRunner(t *testing.T, command []string, maxRuntime time.Duration) *Runner {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("runner tests use a POSIX shell")
	}
	trees := staticTrees{
		"p1": json.RawMessage(`{"hello.txt": {"file": {"contents": "hello from the tree"}}}`),
	}
	return NewRunner(trees, config.SandboxConfig{
		Command:    command,
		WorkRoot:   t.TempDir(),
		MaxRuntime: config.Duration{Duration: maxRuntime},
		Env:        map[string]string{"COLLAB_TEST_VAR": "42"},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunStreamsOutput(t *testing.T) {
	r := newTestRunner(t, []string{"sh", "-c", `cat hello.txt; echo; echo "var=$COLLAB_TEST_VAR"; echo oops >&2; exit 3`}, 10*time.Second)

	var c collector
	code, err := r.Run(context.Background(), "p1", c.emit)
	require.NoError(t, err)
	require.Equal(t, 3, code)
	require.Equal(t, []string{"hello from the tree", "var=42"}, c.lines["stdout"])
	require.Equal(t, []string{"oops"}, c.lines["stderr"])

	// The scratch directory is removed afterwards.
	entries, err := os.ReadDir(r.cfg.WorkRoot)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRunTimeout(t *testing.T) {
	r := newTestRunner(t, []string{"sh", "-c", "echo started; sleep 30"}, 200*time.Millisecond)

	var c collector
	start := time.Now()
	_, err := r.Run(context.Background(), "p1", c.emit)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeded")
	require.Less(t, time.Since(start), 10*time.Second)
	require.Equal(t, []string{"started"}, c.lines["stdout"])
}

func TestRunCanceled(t *testing.T) {
	r := newTestRunner(t, []string{"sh", "-c", "sleep 30"}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	var c collector
	_, err := r.Run(ctx, "p1", c.emit)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunErrors(t *testing.T) {
	r := newTestRunner(t, []string{"true"}, time.Minute)
	var c collector

	_, err := r.Run(context.Background(), "missing", c.emit)
	require.ErrorContains(t, err, "load file tree")

	r.cfg.Command = nil
	_, err = r.Run(context.Background(), "p1", c.emit)
	require.ErrorContains(t, err, "not configured")

	r.cfg.Command = []string{"/nonexistent/collab-binary"}
	_, err = r.Run(context.Background(), "p1", c.emit)
	require.ErrorContains(t, err, "start")
}
