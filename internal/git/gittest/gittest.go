// Package gittest builds throwaway git repositories for tests.
package gittest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Branch is the branch every fixture repo uses.
const Branch = "main"

// Env isolates git from the user's configuration and sets an identity so
// commits work on CI.
func Env(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", home)
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
	t.Setenv("GIT_AUTHOR_NAME", "Test")
	t.Setenv("GIT_AUTHOR_EMAIL", "test@test.com")
	t.Setenv("GIT_COMMITTER_NAME", "Test")
	t.Setenv("GIT_COMMITTER_EMAIL", "test@test.com")
}

// Run executes git in dir and returns trimmed stdout.
func Run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

// InitRepo creates a repo in dir with one commit on Branch.
func InitRepo(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	Run(t, dir, "init", "-b", Branch)
	WriteFile(t, dir, "README.md", "# fixture\n")
	Run(t, dir, "add", "-A")
	Run(t, dir, "commit", "-m", "init")
}

// WriteFile writes content at rel inside dir, creating parents.
func WriteFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

// Topology is a bare remote with two clones standing in for the dev and
// prod workspaces.
type Topology struct {
	Remote string
	Dev    string
	Prod   string
}

// NewTopology seeds a bare remote with files and clones it twice.
func NewTopology(t *testing.T, files map[string]string) Topology {
	t.Helper()
	Env(t)
	base := t.TempDir()
	if resolved, err := filepath.EvalSymlinks(base); err == nil {
		base = resolved
	}

	remote := filepath.Join(base, "remote.git")
	require.NoError(t, os.MkdirAll(remote, 0o755))
	Run(t, remote, "init", "--bare", "-b", Branch)

	seed := filepath.Join(base, "seed")
	InitRepo(t, seed)
	for rel, content := range files {
		WriteFile(t, seed, rel, content)
	}
	Run(t, seed, "add", "-A")
	Run(t, seed, "commit", "--allow-empty", "-m", "seed")
	Run(t, seed, "remote", "add", "origin", remote)
	Run(t, seed, "push", "-u", "origin", Branch)

	top := Topology{
		Remote: remote,
		Dev:    filepath.Join(base, "dev"),
		Prod:   filepath.Join(base, "prod"),
	}
	Run(t, base, "clone", remote, top.Dev)
	Run(t, base, "clone", remote, top.Prod)
	return top
}
