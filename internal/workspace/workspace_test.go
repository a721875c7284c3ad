package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSet(t *testing.T) (*Set, string) {
	t.Helper()
	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	for _, d := range []string{"dev", "backend_dev", "prod"} {
		require.NoError(t, os.MkdirAll(filepath.Join(base, d), 0o755))
	}
	s, err := NewSet(
		Workspace{Tag: Dev, Root: filepath.Join(base, "dev")},
		Workspace{Tag: BackendDev, Root: filepath.Join(base, "backend_dev")},
		Workspace{Tag: Prod, Root: filepath.Join(base, "prod")},
	)
	require.NoError(t, err)
	return s, base
}

func TestResolve_Valid(t *testing.T) {
	s, base := newTestSet(t)

	tests := []struct {
		tagged string
		root   string
		abs    string
	}{
		{"dev/src/App.vue", "dev", "dev/src/App.vue"},
		{"dev/a/./b/../c.txt", "dev", "dev/a/c.txt"},
		{"backend_dev/server.js", "backend_dev", "backend_dev/server.js"},
		{"prod/deep/new/dir/file.ts", "prod", "prod/deep/new/dir/file.ts"},
	}
	for _, tt := range tests {
		t.Run(tt.tagged, func(t *testing.T) {
			root, abs, err := s.Resolve(tt.tagged)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(base, tt.root), root)
			assert.Equal(t, filepath.Join(base, filepath.FromSlash(tt.abs)), abs)
		})
	}
}

func TestResolve_UnknownTag(t *testing.T) {
	s, _ := newTestSet(t)

	for _, tagged := range []string{"src/App.vue", "App.vue", "", "/etc/passwd", "staging/x"} {
		t.Run(tagged, func(t *testing.T) {
			_, _, err := s.Resolve(tagged)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnknownWorkspaceTag), "got %v", err)
		})
	}
}

func TestResolve_Traversal(t *testing.T) {
	s, _ := newTestSet(t)

	for _, tagged := range []string{
		"dev/../prod/x",
		"dev/../../etc/passwd",
		"dev/a/../../backend_dev/x",
		"dev/",
		"dev/..",
	} {
		t.Run(tagged, func(t *testing.T) {
			_, _, err := s.Resolve(tagged)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrPathTraversal), "got %v", err)
		})
	}
}

func TestResolve_SymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	s, base := newTestSet(t)
	outside := filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(base, "dev", "link")))

	_, _, err := s.Resolve("dev/link/secret.txt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPathTraversal))

	// A symlink that stays inside the workspace is fine.
	require.NoError(t, os.MkdirAll(filepath.Join(base, "dev", "real"), 0o755))
	require.NoError(t, os.Symlink(filepath.Join(base, "dev", "real"), filepath.Join(base, "dev", "alias")))
	_, abs, err := s.Resolve("dev/alias/file.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "dev", "real", "file.txt"), abs)
}

func TestResolveDir(t *testing.T) {
	s, base := newTestSet(t)

	dir, err := s.ResolveDir("dev/", base)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "dev"), dir)

	dir, err = s.ResolveDir("backend_dev", base)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "backend_dev"), dir)

	dir, err = s.ResolveDir("", base)
	require.NoError(t, err)
	assert.Equal(t, base, dir)

	dir, err = s.ResolveDir("dev/src", base)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "dev", "src"), dir)

	_, err = s.ResolveDir("nope/", base)
	assert.True(t, errors.Is(err, ErrUnknownWorkspaceTag))

	_, err = s.ResolveDir("dev/../../", base)
	assert.True(t, errors.Is(err, ErrPathTraversal))
}

func TestNewSet_RejectsOverlap(t *testing.T) {
	base := t.TempDir()
	_, err := NewSet(
		Workspace{Tag: Dev, Root: base},
		Workspace{Tag: BackendDev, Root: filepath.Join(base, "backend")},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlap")

	_, err = NewSet(Workspace{Tag: Dev, Root: ""})
	assert.Error(t, err)

	_, err = NewSet(Workspace{Tag: Dev, Root: base}, Workspace{Tag: Dev, Root: base + "2"})
	assert.Error(t, err)
}

func TestTags(t *testing.T) {
	s, _ := newTestSet(t)
	assert.Equal(t, []string{"backend_dev", "dev", "prod"}, s.Tags())
}
