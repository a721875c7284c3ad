package action

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/jsonc"
)

// rawAction is the loosely typed wire form of one action.
type rawAction struct {
	Action     *string `json:"action"`
	FilePath   string  `json:"file_path"`
	Path       string  `json:"path"`
	Content    string  `json:"content"`
	NewContent string  `json:"new_content"`
	Command    string  `json:"command"`
	Cwd        string  `json:"cwd"`
}

type rawBatch struct {
	Explanation *string           `json:"explanation"`
	Actions     []json.RawMessage `json:"actions"`
}

// Parse decodes a response document of the form
// {"explanation": "...", "actions": [...]}. JSONC comments and trailing
// commas are tolerated. Either every action is valid or nothing is
// returned and the error is a *ValidationError naming the first bad one.
func Parse(data []byte) (*Batch, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	var rb rawBatch
	if err := json.Unmarshal(jsonc.ToJSON(data), &rb); err != nil {
		return nil, fmt.Errorf("decode actions document: %w", err)
	}

	actions, err := ParseActions(rb.Actions)
	if err != nil {
		return nil, err
	}

	b := &Batch{Explanation: DefaultExplanation, Actions: actions}
	if rb.Explanation != nil {
		b.Explanation = *rb.Explanation
	}
	return b, nil
}

// ParseResponse extracts the JSON document from free-form model output and
// parses it.
func ParseResponse(text string) (*Batch, error) {
	return Parse([]byte(Extract(text)))
}

// ParseActions validates raw action objects in order and stops at the
// first invalid one.
func ParseActions(items []json.RawMessage) ([]Action, error) {
	actions := make([]Action, 0, len(items))
	for i, item := range items {
		a, err := parseOne(i+1, item)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func parseOne(index int, item json.RawMessage) (Action, error) {
	var ra rawAction
	if err := json.Unmarshal(item, &ra); err != nil {
		return nil, &ValidationError{Index: index, Reason: "not an object: " + err.Error()}
	}
	if ra.Action == nil || strings.TrimSpace(*ra.Action) == "" {
		return nil, &ValidationError{Index: index, Reason: `missing "action" type`}
	}
	kind := Kind(strings.ToUpper(strings.TrimSpace(*ra.Action)))

	p := ra.FilePath
	if p == "" {
		p = ra.Path
	}
	content := ra.Content
	if content == "" {
		content = ra.NewContent
	}

	var a Action
	switch kind {
	case KindCreate:
		a = CreateFile{Path: p, Content: content}
	case KindUpdate:
		a = UpdateFile{Path: p, Content: content}
	case KindDelete:
		a = DeleteFile{Path: p}
	case KindShell:
		a = RunShellCommand{Command: ra.Command, Cwd: ra.Cwd}
	default:
		return nil, &ValidationError{Index: index, Kind: *ra.Action, Reason: "unknown action type"}
	}
	if err := a.Validate(); err != nil {
		return nil, &ValidationError{Index: index, Kind: string(kind), Reason: err.Error()}
	}
	return a, nil
}

// Extract pulls the JSON document out of model output. It tries a fenced
// code block, then the outermost brace pair, then falls back to the
// trimmed text. Every step is total.
func Extract(text string) string {
	s := strings.TrimSpace(text)
	if body, ok := fencedBlock(s); ok {
		s = body
	}
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		start := strings.Index(s, "{")
		end := strings.LastIndex(s, "}")
		if start >= 0 && end > start {
			return s[start : end+1]
		}
		return strings.TrimSpace(text)
	}
	return s
}

// fencedBlock returns the text between the first opening fence and the
// last closing fence, dropping the language hint. File contents inside the
// document may themselves contain fences, so the last fence closes.
func fencedBlock(s string) (string, bool) {
	open := strings.Index(s, "```")
	if open < 0 {
		return "", false
	}
	rest := s[open+3:]
	closeIdx := strings.LastIndex(rest, "```")
	if closeIdx <= 0 {
		return "", false
	}
	body := rest[:closeIdx]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], "{[") {
		body = body[nl+1:]
	}
	return strings.TrimSpace(body), true
}

// Marshal renders actions back into their wire form.
func Marshal(b *Batch) ([]byte, error) {
	type wire struct {
		Action   Kind   `json:"action"`
		FilePath string `json:"file_path,omitempty"`
		Content  string `json:"content,omitempty"`
		Command  string `json:"command,omitempty"`
		Cwd      string `json:"cwd,omitempty"`
	}
	out := struct {
		Explanation string `json:"explanation"`
		Actions     []wire `json:"actions"`
	}{Explanation: b.Explanation, Actions: make([]wire, 0, len(b.Actions))}

	for _, a := range b.Actions {
		switch a := a.(type) {
		case CreateFile:
			out.Actions = append(out.Actions, wire{Action: a.Kind(), FilePath: a.Path, Content: a.Content})
		case UpdateFile:
			out.Actions = append(out.Actions, wire{Action: a.Kind(), FilePath: a.Path, Content: a.Content})
		case DeleteFile:
			out.Actions = append(out.Actions, wire{Action: a.Kind(), FilePath: a.Path})
		case RunShellCommand:
			out.Actions = append(out.Actions, wire{Action: a.Kind(), Command: a.Command, Cwd: a.Cwd})
		}
	}
	return json.Marshal(out)
}
