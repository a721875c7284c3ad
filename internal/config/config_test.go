package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/devloop/internal/workspace"
)

func newViper(t *testing.T) (*viper.Viper, string) {
	t.Helper()
	base := t.TempDir()
	v := viper.New()
	SetDefaults(v, filepath.Join(base, "state"))
	v.Set("workspaces.dev", filepath.Join(base, "dev"))
	v.Set("workspaces.backend_dev", filepath.Join(base, "backend_dev"))
	return v, base
}

func TestLoad_Defaults(t *testing.T) {
	v, base := newViper(t)

	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "state", "devloop.db"), c.DBPath)
	assert.Equal(t, workspace.Dev, c.Workspaces.Primary)
	assert.Equal(t, base, c.Workspaces.BaseDir)
	assert.Equal(t, 5173, c.Servers.Dev.Port)
	assert.Equal(t, 2*time.Second, c.Servers.Dev.RestartGrace)
	assert.Equal(t, time.Second, c.Servers.Backend.RestartGrace)
	assert.Equal(t, "http://127.0.0.1:3000", c.Project.BackendURL)
	assert.Equal(t, "origin", c.Git.Remote)
	assert.Equal(t, "main", c.Git.Branch)
	assert.Equal(t, "package.json", c.Deps.ManifestFor(workspace.Dev))
	assert.Equal(t, "package.json", c.Deps.ManifestFor(workspace.BackendDev))
	assert.Equal(t, "node_modules", c.Deps.InstallDir)
	assert.Equal(t, int64(8000), c.Anthropic.MaxTokens)
	assert.Empty(t, c.Workspaces.Prod)
}

func TestLoad_DurationsFromStrings(t *testing.T) {
	v, _ := newViper(t)
	v.Set("servers.start_timeout", "90s")
	v.Set("deps.install_timeout", "10m")

	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, c.Servers.StartTimeout)
	assert.Equal(t, 10*time.Minute, c.Deps.InstallTimeout)
}

func TestLoad_ManifestPerWorkspace(t *testing.T) {
	v, _ := newViper(t)
	v.Set("deps.manifest.backend_dev", "requirements.txt")

	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "package.json", c.Deps.ManifestFor(workspace.Dev))
	assert.Equal(t, "requirements.txt", c.Deps.ManifestFor(workspace.BackendDev))
}

func TestLoad_ManifestPerWorkspaceFromFile(t *testing.T) {
	v, _ := newViper(t)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
deps:
  manifest:
    dev: package.json
    backend_dev: composer.json
`)))

	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "package.json", c.Deps.ManifestFor(workspace.Dev))
	assert.Equal(t, "composer.json", c.Deps.ManifestFor(workspace.BackendDev))
}

func TestLoad_SingleManifest(t *testing.T) {
	v, _ := newViper(t)
	v.Set("deps.manifest", "pyproject.toml")

	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "pyproject.toml", c.Deps.ManifestFor(workspace.Dev))
	assert.Equal(t, "pyproject.toml", c.Deps.ManifestFor(workspace.BackendDev))
}

func TestLoad_Validation(t *testing.T) {
	v := viper.New()
	SetDefaults(v, t.TempDir())
	v.Set("servers.dev.port", 0)
	v.Set("workspaces.primary", "prod")

	_, err := Load(v)
	require.Error(t, err)
	assert.ErrorContains(t, err, "workspaces.dev is required")
	assert.ErrorContains(t, err, "workspaces.backend_dev is required")
	assert.ErrorContains(t, err, "servers.dev.port must be positive")
	assert.ErrorContains(t, err, "workspaces.primary")
}

func TestLoad_OverlappingRoots(t *testing.T) {
	v, base := newViper(t)
	v.Set("workspaces.prod", filepath.Join(base, "dev", "prod"))

	_, err := Load(v)
	assert.ErrorContains(t, err, "overlap")
}

func TestWorkspaceSet(t *testing.T) {
	v, base := newViper(t)
	v.Set("workspaces.prod", filepath.Join(base, "prod"))
	c, err := Load(v)
	require.NoError(t, err)

	editable, err := c.WorkspaceSet(false)
	require.NoError(t, err)
	assert.Equal(t, []string{"backend_dev", "dev"}, editable.Tags())

	all, err := c.WorkspaceSet(true)
	require.NoError(t, err)
	assert.Equal(t, []string{"backend_dev", "dev", "prod"}, all.Tags())
}

func TestExpandHome(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	assert.Equal(t, "/home/tester/projects/dev", expandHome("~/projects/dev"))
	assert.Equal(t, "/abs/dev", expandHome("/abs/dev"))
	assert.Equal(t, "rel/dev", expandHome("rel/dev"))
}
