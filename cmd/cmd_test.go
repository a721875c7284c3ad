package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/devloop/internal/action"
	"github.com/joescharf/devloop/internal/devloop"
	"github.com/joescharf/devloop/internal/process"
)

func TestParseKinds(t *testing.T) {
	kinds, err := parseKinds(nil)
	require.NoError(t, err)
	assert.Nil(t, kinds)

	kinds, err = parseKinds([]string{"all"})
	require.NoError(t, err)
	assert.Nil(t, kinds)

	kinds, err = parseKinds([]string{"backend_dev"})
	require.NoError(t, err)
	assert.Equal(t, []process.Kind{process.Backend}, kinds)

	_, err = parseKinds([]string{"db"})
	assert.Error(t, err)
}

func TestDescribeKinds(t *testing.T) {
	assert.Equal(t, "all servers", describeKinds(nil))
	assert.Equal(t, "dev server", describeKinds([]process.Kind{process.Dev}))
}

func TestSortedKinds(t *testing.T) {
	m := map[process.Kind]process.Outcome{process.Dev: process.Ready, process.Backend: process.TimedOut}
	assert.Equal(t, []process.Kind{process.Backend, process.Dev}, sortedKinds(m))
}

func TestApplyRun_DryRunListsActions(t *testing.T) {
	dir := testEnv(t)
	dryRun = true
	ui.DryRun = true
	defer func() { dryRun = false }()

	batch := filepath.Join(dir, "batch.json")
	require.NoError(t, os.WriteFile(batch, []byte(`{
		"explanation": "Add a footer",
		"actions": [
			{"action": "CREATE", "file_path": "dev/src/Footer.vue", "content": "<footer/>"},
			{"action": "RUN_SHELL_COMMAND", "command": "npm install", "cwd": "dev/"}
		]
	}`), 0o644))

	require.NoError(t, applyRun(nil, batch))
	out := uiOut()
	assert.Contains(t, out, action.Describe(action.CreateFile{Path: "dev/src/Footer.vue", Content: "<footer/>"}))
	assert.Contains(t, out, action.Describe(action.RunShellCommand{Command: "npm install", Cwd: "dev/"}))
}

func TestApplyRun_DryRunRejectsInvalidBatch(t *testing.T) {
	dir := testEnv(t)
	dryRun = true
	defer func() { dryRun = false }()

	batch := filepath.Join(dir, "batch.json")
	require.NoError(t, os.WriteFile(batch, []byte(`{"actions":[{"action":"DELETE"}]}`), 0o644))

	var verr *action.ValidationError
	assert.ErrorAs(t, applyRun(nil, batch), &verr)
}

func TestApplyRun_MissingFile(t *testing.T) {
	testEnv(t)
	err := applyRun(nil, "/nonexistent/batch.json")
	assert.ErrorContains(t, err, "read batch")
}

func TestSetupActions(t *testing.T) {
	assert.Equal(t, "-", setupActions(devloop.WorkspaceSetup{Tag: "prod"}))
	assert.Equal(t, "created, git init", setupActions(devloop.WorkspaceSetup{Created: true, Initialized: true}))
	assert.Equal(t, "installed", setupActions(devloop.WorkspaceSetup{Installed: true}))
}

func TestSetupRun_DryRun(t *testing.T) {
	testEnv(t)
	dryRun = true
	ui.DryRun = true
	defer func() { dryRun = false }()

	require.NoError(t, setupRun(nil))
	assert.Contains(t, ui.ErrOut.(*bytes.Buffer).String(), "Would prepare the workspaces")
}
