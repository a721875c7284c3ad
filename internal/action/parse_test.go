package action

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_AllVariants(t *testing.T) {
	doc := `{
		"explanation": "Add a component",
		"actions": [
			{"action": "CREATE", "file_path": "dev/src/New.vue", "content": "<template/>"},
			{"action": "UPDATE", "file_path": "dev/src/App.vue", "new_content": "<app/>"},
			{"action": "DELETE", "file_path": "dev/src/old.js"},
			{"action": "RUN_SHELL_COMMAND", "command": "npm install axios", "cwd": "dev/"}
		]
	}`

	b, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "Add a component", b.Explanation)
	require.Len(t, b.Actions, 4)

	assert.Equal(t, CreateFile{Path: "dev/src/New.vue", Content: "<template/>"}, b.Actions[0])
	assert.Equal(t, UpdateFile{Path: "dev/src/App.vue", Content: "<app/>"}, b.Actions[1])
	assert.Equal(t, DeleteFile{Path: "dev/src/old.js"}, b.Actions[2])
	assert.Equal(t, RunShellCommand{Command: "npm install axios", Cwd: "dev/"}, b.Actions[3])

	counts := b.Counts()
	assert.Equal(t, 1, counts[KindCreate])
	assert.Equal(t, 1, counts[KindShell])
}

func TestParse_DefaultExplanation(t *testing.T) {
	b, err := Parse([]byte(`{"actions": []}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultExplanation, b.Explanation)
	assert.Empty(t, b.Actions)
}

func TestParse_AllOrNothing(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		index  int
		reason string
	}{
		{
			name:   "missing content",
			doc:    `{"actions":[{"action":"CREATE","file_path":"dev/a","content":"x"},{"action":"CREATE","file_path":"dev/b"}]}`,
			index:  2,
			reason: "content is required",
		},
		{
			name:   "missing discriminator",
			doc:    `{"actions":[{"file_path":"dev/a","content":"x"}]}`,
			index:  1,
			reason: `missing "action" type`,
		},
		{
			name:   "unknown discriminator",
			doc:    `{"actions":[{"action":"CREATE","file_path":"dev/a","content":"x"},{"action":"RENAME","file_path":"dev/a"}]}`,
			index:  2,
			reason: "unknown action type",
		},
		{
			name:   "missing path",
			doc:    `{"actions":[{"action":"DELETE"}]}`,
			index:  1,
			reason: "file_path is required",
		},
		{
			name:   "blank command",
			doc:    `{"actions":[{"action":"RUN_SHELL_COMMAND","command":"   "}]}`,
			index:  1,
			reason: "command is required",
		},
		{
			name:   "not an object",
			doc:    `{"actions":["CREATE"]}`,
			index:  1,
			reason: "not an object",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Nil(t, b)

			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "expected ValidationError, got %T", err)
			assert.Equal(t, tt.index, ve.Index)
			assert.Contains(t, ve.Reason, tt.reason)
			assert.Contains(t, err.Error(), "action #")
		})
	}
}

func TestParse_LenientJSON(t *testing.T) {
	doc := `{
		// model commentary
		"explanation": "ok",
		"actions": [
			{"action": "create", "path": "dev/a.txt", "content": "see http://example.com",},
		],
	}`
	b, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, b.Actions, 1)
	assert.Equal(t, CreateFile{Path: "dev/a.txt", Content: "see http://example.com"}, b.Actions[0])
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte(""))
	assert.Error(t, err)

	_, err = Parse([]byte("not json"))
	assert.Error(t, err)
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"raw object", `{"a":1}`, `{"a":1}`},
		{"json fence", "Here you go:\n```json\n{\"a\":1}\n```\nDone.", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"inline fence", "```{\"a\":1}```", `{"a":1}`},
		{"braces in prose", `Sure! {"a":{"b":2}} hope it helps`, `{"a":{"b":2}}`},
		{"nested fence in content", "```json\n{\"c\":\"```go\\nx\\n```\"}\n```", "{\"c\":\"```go\\nx\\n```\"}"},
		{"no json", "  nothing here  ", "nothing here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Extract(tt.in))
		})
	}
}

func TestParseResponse(t *testing.T) {
	text := "I'll delete it.\n```json\n{\"explanation\":\"rm\",\"actions\":[{\"action\":\"DELETE\",\"file_path\":\"dev/x\"}]}\n```"
	b, err := ParseResponse(text)
	require.NoError(t, err)
	assert.Equal(t, "rm", b.Explanation)
	assert.Equal(t, []Action{DeleteFile{Path: "dev/x"}}, b.Actions)
}

func TestMarshal_RoundTrip(t *testing.T) {
	in := &Batch{Explanation: "e", Actions: []Action{
		CreateFile{Path: "dev/a", Content: "1"},
		RunShellCommand{Command: "ls", Cwd: "dev/"},
	}}
	data, err := Marshal(in)
	require.NoError(t, err)

	out, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "DELETE dev/x", Describe(DeleteFile{Path: "dev/./x"}))
	assert.Equal(t, `RUN_SHELL_COMMAND "ls" in dev/`, Describe(RunShellCommand{Command: "ls", Cwd: "dev/"}))
	assert.Equal(t, "", PathOf(RunShellCommand{Command: "ls"}))
}
