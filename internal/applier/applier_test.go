//go:build !windows

package applier

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/devloop/internal/action"
	"github.com/joescharf/devloop/internal/process"
	"github.com/joescharf/devloop/internal/shell"
	"github.com/joescharf/devloop/internal/workspace"
)

type fixture struct {
	base    string
	dev     string
	backend string
	set     *workspace.Set
	applier *Applier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	f := &fixture{
		base:    base,
		dev:     filepath.Join(base, "dev"),
		backend: filepath.Join(base, "backend_dev"),
	}
	require.NoError(t, os.MkdirAll(f.dev, 0o755))
	require.NoError(t, os.MkdirAll(f.backend, 0o755))

	f.set, err = workspace.NewSet(
		workspace.Workspace{Tag: workspace.Dev, Root: f.dev},
		workspace.Workspace{Tag: workspace.BackendDev, Root: f.backend},
	)
	require.NoError(t, err)
	f.applier = New(f.set, shell.NewRunner(10*time.Second), Options{
		BaseDir: base,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestApply_CreatesAndContinuesPastShellFailure(t *testing.T) {
	f := newFixture(t)
	batch := &action.Batch{Actions: []action.Action{
		action.CreateFile{Path: "dev/a.txt", Content: "A"},
		action.CreateFile{Path: "dev/nested/b.txt", Content: "B"},
		action.RunShellCommand{Command: "echo nope >&2; exit 7", Cwd: "dev/"},
		action.CreateFile{Path: "backend_dev/c.txt", Content: "C"},
	}}

	r := f.applier.Apply(context.Background(), batch)

	assert.Equal(t, "A", readFile(t, filepath.Join(f.dev, "a.txt")))
	assert.Equal(t, "B", readFile(t, filepath.Join(f.dev, "nested", "b.txt")))
	assert.Equal(t, "C", readFile(t, filepath.Join(f.backend, "c.txt")))

	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0], "exit 7")
	assert.Contains(t, r.Errors[0], "nope")
	assert.False(t, r.OK())
	assert.Equal(t, 3, r.Applied())
	assert.Equal(t, 7, r.Outcomes[2].ExitCode)
	assert.True(t, r.PrimaryTouched)
	assert.Empty(t, r.ManifestTouched)
}

func TestApply_OrderIsObserved(t *testing.T) {
	f := newFixture(t)
	batch := &action.Batch{Actions: []action.Action{
		action.CreateFile{Path: "dev/x.txt", Content: "first"},
		action.RunShellCommand{Command: "cp x.txt y.txt", Cwd: "dev/"},
		action.UpdateFile{Path: "dev/x.txt", Content: "second"},
	}}

	r := f.applier.Apply(context.Background(), batch)
	require.True(t, r.OK(), r.Errors)
	assert.Equal(t, "first", readFile(t, filepath.Join(f.dev, "y.txt")))
	assert.Equal(t, "second", readFile(t, filepath.Join(f.dev, "x.txt")))
}

func TestApply_DeleteMissingIsNoop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.dev, "old.js"), []byte("x"), 0o644))

	r := f.applier.Apply(context.Background(), &action.Batch{Actions: []action.Action{
		action.DeleteFile{Path: "dev/old.js"},
		action.DeleteFile{Path: "dev/old.js"},
		action.DeleteFile{Path: "dev/never/existed.js"},
	}})

	assert.True(t, r.OK(), r.Errors)
	_, err := os.Stat(filepath.Join(f.dev, "old.js"))
	assert.True(t, os.IsNotExist(err))
}

func TestApply_BackslashNormalization(t *testing.T) {
	f := newFixture(t)
	content := `import x from '.\components\X'`

	r := f.applier.Apply(context.Background(), &action.Batch{Actions: []action.Action{
		action.CreateFile{Path: "dev/src/App.tsx", Content: content},
		action.CreateFile{Path: "dev/src/main.JS", Content: content},
		action.CreateFile{Path: "backend_dev/tool.py", Content: content},
	}})
	require.True(t, r.OK(), r.Errors)

	assert.Equal(t, `import x from './components/X'`, readFile(t, filepath.Join(f.dev, "src", "App.tsx")))
	assert.Equal(t, `import x from './components/X'`, readFile(t, filepath.Join(f.dev, "src", "main.JS")))
	assert.Equal(t, content, readFile(t, filepath.Join(f.backend, "tool.py")))
}

func TestApply_RejectsBadPathsWithoutAborting(t *testing.T) {
	f := newFixture(t)

	r := f.applier.Apply(context.Background(), &action.Batch{Actions: []action.Action{
		action.CreateFile{Path: "prod/x.txt", Content: "no"},
		action.CreateFile{Path: "dev/../escape.txt", Content: "no"},
		action.CreateFile{Path: "dev/ok.txt", Content: "yes"},
	}})

	require.Len(t, r.Errors, 2)
	assert.Contains(t, r.Errors[0], "unknown workspace tag")
	assert.Contains(t, r.Errors[1], "path traversal")
	assert.Equal(t, "yes", readFile(t, filepath.Join(f.dev, "ok.txt")))
	_, err := os.Stat(filepath.Join(f.base, "escape.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestApply_ManifestAndPrimaryFlags(t *testing.T) {
	f := newFixture(t)

	r := f.applier.Apply(context.Background(), &action.Batch{Actions: []action.Action{
		action.UpdateFile{Path: "backend_dev/package.json", Content: "{}"},
	}})
	require.True(t, r.OK())
	assert.Equal(t, []string{"backend_dev"}, r.ManifestTouched)
	assert.False(t, r.PrimaryTouched)

	r = f.applier.Apply(context.Background(), &action.Batch{Actions: []action.Action{
		action.UpdateFile{Path: "dev/package.json", Content: "{}"},
		action.UpdateFile{Path: "backend_dev/package.json", Content: "{}"},
	}})
	assert.Equal(t, []string{"backend_dev", "dev"}, r.ManifestTouched)
	assert.True(t, r.PrimaryTouched)

	// A shell command in dev does not count as a primary edit.
	r = f.applier.Apply(context.Background(), &action.Batch{Actions: []action.Action{
		action.RunShellCommand{Command: "true", Cwd: "dev/"},
	}})
	assert.False(t, r.PrimaryTouched)
}

func TestApply_ManifestPerWorkspace(t *testing.T) {
	f := newFixture(t)
	a := New(f.set, shell.NewRunner(10*time.Second), Options{
		BaseDir:   f.base,
		Manifests: map[string]string{workspace.BackendDev: "requirements.txt"},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	r := a.Apply(context.Background(), &action.Batch{Actions: []action.Action{
		action.UpdateFile{Path: "backend_dev/package.json", Content: "{}"},
	}})
	require.True(t, r.OK())
	assert.Empty(t, r.ManifestTouched)

	r = a.Apply(context.Background(), &action.Batch{Actions: []action.Action{
		action.CreateFile{Path: "backend_dev/requirements.txt", Content: "flask\n"},
		action.UpdateFile{Path: "dev/package.json", Content: "{}"},
	}})
	require.True(t, r.OK())
	assert.Equal(t, []string{"backend_dev", "dev"}, r.ManifestTouched)
}

func TestApply_ShellCwd(t *testing.T) {
	f := newFixture(t)

	r := f.applier.Apply(context.Background(), &action.Batch{Actions: []action.Action{
		action.RunShellCommand{Command: "pwd > where.txt", Cwd: "backend_dev/"},
		action.RunShellCommand{Command: "pwd > where.txt"},
		action.RunShellCommand{Command: "true", Cwd: "nowhere/"},
	}})

	assert.Equal(t, f.backend, strings.TrimSpace(readFile(t, filepath.Join(f.backend, "where.txt"))))
	assert.Equal(t, f.base, strings.TrimSpace(readFile(t, filepath.Join(f.base, "where.txt"))))
	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0], "unknown workspace tag")
}

func TestApply_Digest(t *testing.T) {
	f := newFixture(t)
	r := f.applier.Apply(context.Background(), &action.Batch{Actions: []action.Action{
		action.CreateFile{Path: "dev/a.txt", Content: "hello"},
	}})
	require.Len(t, r.Outcomes, 1)
	assert.Equal(t, Digest([]byte("hello")), r.Outcomes[0].Digest)
	assert.Len(t, r.Outcomes[0].Digest, 64)
	assert.NotEqual(t, Digest([]byte("hello")), Digest([]byte("hello!")))
}

type fakeRestarter struct {
	calls []process.Kind
}

func (f *fakeRestarter) Restart(_ context.Context, kind process.Kind, _ bool) (process.Outcome, error) {
	f.calls = append(f.calls, kind)
	return process.Ready, nil
}

func TestEffects_InstallThenRestart(t *testing.T) {
	f := newFixture(t)
	rs := &fakeRestarter{}
	e := &Effects{
		Workspaces:     f.set,
		Runner:         shell.NewRunner(10 * time.Second),
		Restarter:      rs,
		InstallCommand: "echo installed >> install.log",
		Primary:        workspace.Dev,
		Servers:        map[string]process.Kind{workspace.Dev: process.Dev, workspace.BackendDev: process.Backend},
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	out := e.Run(context.Background(), &Report{ManifestTouched: []string{"backend_dev", "dev"}, PrimaryTouched: true})
	assert.Empty(t, out.Errors)
	assert.Equal(t, []string{"backend_dev", "dev"}, out.Installed)
	assert.Equal(t, []process.Kind{process.Backend, process.Dev}, rs.calls)
	assert.Contains(t, readFile(t, filepath.Join(f.dev, "install.log")), "installed")
	assert.Contains(t, readFile(t, filepath.Join(f.backend, "install.log")), "installed")
}

func TestEffects_PrimaryEditOnlyRestartsDev(t *testing.T) {
	f := newFixture(t)
	rs := &fakeRestarter{}
	e := &Effects{
		Workspaces: f.set,
		Runner:     shell.NewRunner(10 * time.Second),
		Restarter:  rs,
		Primary:    workspace.Dev,
		Servers:    map[string]process.Kind{workspace.Dev: process.Dev, workspace.BackendDev: process.Backend},
	}

	out := e.Run(context.Background(), &Report{PrimaryTouched: true})
	assert.Empty(t, out.Installed)
	assert.Equal(t, []process.Kind{process.Dev}, rs.calls)

	rs.calls = nil
	e.Run(context.Background(), &Report{})
	assert.Empty(t, rs.calls)
}

func TestEffects_InstallFailureIsCollected(t *testing.T) {
	f := newFixture(t)
	rs := &fakeRestarter{}
	e := &Effects{
		Workspaces:     f.set,
		Runner:         shell.NewRunner(10 * time.Second),
		Restarter:      rs,
		InstallCommand: "exit 2",
		Primary:        workspace.Dev,
		Servers:        map[string]process.Kind{workspace.Dev: process.Dev},
	}

	out := e.Run(context.Background(), &Report{ManifestTouched: []string{"dev"}, PrimaryTouched: true})
	require.Len(t, out.Errors, 1)
	assert.Contains(t, out.Errors[0], "exit 2")
	assert.Equal(t, []process.Kind{process.Dev}, rs.calls, "restart still happens")
}
