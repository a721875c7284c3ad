package llm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/devloop/internal/models"
	"github.com/joescharf/devloop/internal/workspace"
)

func TestBuildPrompts(t *testing.T) {
	t.Run("system prompt", func(t *testing.T) {
		system, _ := BuildPrompts(PromptContext{Framework: "vue", BackendURL: "http://localhost:3000"})

		assert.Contains(t, system, "<role>")
		assert.Contains(t, system, "Vue 3 Composition API")
		assert.Contains(t, system, "http://localhost:3000")
		assert.Contains(t, system, `"action": "RUN_SHELL_COMMAND"`)
		assert.Contains(t, system, `"dev/" or "backend_dev/"`)
		assert.Contains(t, system, `@import "tailwindcss";`)
		assert.NotContains(t, system, "WordPress")
	})

	t.Run("framework variants", func(t *testing.T) {
		system, _ := BuildPrompts(PromptContext{Framework: "react"})
		assert.Contains(t, system, "React hooks")

		system, _ = BuildPrompts(PromptContext{Framework: "svelte"})
		assert.Contains(t, system, "(svelte)")
	})

	t.Run("wordpress backend", func(t *testing.T) {
		system, _ := BuildPrompts(PromptContext{WordPressAPI: true})
		assert.Contains(t, system, "WordPress/WooCommerce")
	})

	t.Run("user prompt with whole files", func(t *testing.T) {
		_, user := BuildPrompts(PromptContext{
			Request:  "add a footer",
			FileTree: []string{"dev/src/App.vue", "backend_dev/server.js"},
			Context:  "--- dev/src/App.vue ---\n<template/>",
		})
		assert.Contains(t, user, "<user_request>\nadd a footer\n</user_request>")
		assert.Contains(t, user, "dev/src/App.vue\nbackend_dev/server.js")
		assert.Contains(t, user, "<file_contents>")
		assert.NotContains(t, user, "relevant_file_extracts")
	})

	t.Run("user prompt with excerpts", func(t *testing.T) {
		ctx := FormatDocuments([]Document{{Source: "dev/src/a.js", Text: "let a"}})
		_, user := BuildPrompts(PromptContext{Request: "x", Context: ctx})
		assert.Contains(t, user, "<relevant_file_extracts>")
		assert.Contains(t, user, "--- File: dev/src/a.js ---\nlet a")
	})
}

func TestConversation(t *testing.T) {
	history := []*models.Message{
		{Role: models.RoleAssistant, Content: "orphan reply"},
		{Role: models.RoleUser, Content: "first"},
		{Role: models.RoleUser, Content: "again"},
		{Role: models.RoleAssistant, Content: "done"},
		{Role: models.RoleAssistant, Content: "  "},
	}
	turns := conversation(history, "next")
	require.Len(t, turns, 3)
	assert.Equal(t, turn{models.RoleUser, "first\n\nagain"}, turns[0])
	assert.Equal(t, turn{models.RoleAssistant, "done"}, turns[1])
	assert.Equal(t, turn{models.RoleUser, "next"}, turns[2])

	turns = conversation(nil, "only")
	assert.Equal(t, []turn{{models.RoleUser, "only"}}, turns)

	// A trailing user turn absorbs the new request.
	turns = conversation([]*models.Message{{Role: models.RoleUser, Content: "dangling"}}, "new")
	assert.Equal(t, []turn{{models.RoleUser, "dangling\n\nnew"}}, turns)
}

func writeFile(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
}

func TestCollectFiles(t *testing.T) {
	base := t.TempDir()
	dev := filepath.Join(base, "dev")
	backend := filepath.Join(base, "backend_dev")

	writeFile(t, dev, "src/App.vue", []byte("<template/>"))
	writeFile(t, dev, "src/main.js", []byte("import App"))
	writeFile(t, dev, "node_modules/vue/index.js", []byte("x"))
	writeFile(t, dev, "dist/bundle.js", []byte("x"))
	writeFile(t, dev, ".git/HEAD", []byte("ref"))
	writeFile(t, dev, "logo.png", []byte{0x89, 'P', 'N', 'G', 0, 0, 1})
	writeFile(t, dev, "debug.log", []byte("noise"))
	writeFile(t, dev, "src/nested/trace.log", []byte("noise"))
	writeFile(t, dev, "coverage/index.html", []byte("cov"))
	writeFile(t, dev, ".gitignore", []byte("# comment\n*.log\ncoverage/\n"))
	writeFile(t, dev, "big.txt", []byte(strings.Repeat("a", 2048)))
	writeFile(t, backend, "server.js", []byte("app.listen()"))

	pf, err := CollectFiles([]workspace.Workspace{
		{Tag: "dev", Root: dev},
		{Tag: "backend_dev", Root: backend},
		{Tag: "missing", Root: filepath.Join(base, "nope")},
	}, 1024)
	require.NoError(t, err)

	assert.Equal(t, []string{"backend_dev/server.js", "dev/src/App.vue", "dev/src/main.js"}, pf.Paths)
	assert.Equal(t, "import App", pf.Contents["dev/src/main.js"])
	assert.Equal(t, 2, pf.Skipped, "binary and oversized files")
	assert.NotEmpty(t, pf.Size())
}

func TestProjectFilesContext(t *testing.T) {
	pf := &ProjectFiles{
		Paths:    []string{"dev/a.js", "dev/b.js"},
		Contents: map[string]string{"dev/a.js": "aaa", "dev/b.js": strings.Repeat("b", 100)},
	}

	full := pf.Context(0)
	assert.Contains(t, full, "--- dev/a.js ---\naaa\n\n--- dev/b.js ---")
	assert.NotContains(t, full, ExtractMarker)

	capped := pf.Context(40)
	assert.Contains(t, capped, "--- dev/a.js ---\naaa")
	assert.Contains(t, capped, "1 file(s) omitted for size: dev/b.js")
}

func TestIgnored(t *testing.T) {
	patterns := []string{"*.log", "build", "docs/*.md"}
	assert.True(t, ignored("x.log", patterns))
	assert.True(t, ignored("a/b/x.log", patterns))
	assert.True(t, ignored("build", patterns))
	assert.True(t, ignored("src/build", patterns))
	assert.True(t, ignored("docs/readme.md", patterns))
	assert.False(t, ignored("readme.md", patterns))
	assert.False(t, ignored("src/main.go", patterns))
}
