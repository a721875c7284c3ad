package action

import (
	"fmt"
	"path"
	"strings"
)

// Kind is the discriminator of an action in its wire form.
type Kind string

const (
	KindCreate Kind = "CREATE"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
	KindShell  Kind = "RUN_SHELL_COMMAND"
)

// DefaultExplanation is used when a response carries no explanation.
const DefaultExplanation = "No explanation provided."

// Action is one requested change. The set of implementations is closed:
// CreateFile, UpdateFile, DeleteFile and RunShellCommand.
type Action interface {
	Kind() Kind
	// Validate reports the first missing or malformed field.
	Validate() error
	isAction()
}

// CreateFile writes Content to a new file at Path.
type CreateFile struct {
	Path    string `json:"file_path"`
	Content string `json:"content"`
}

// UpdateFile replaces the whole file at Path with Content.
type UpdateFile struct {
	Path    string `json:"file_path"`
	Content string `json:"content"`
}

// DeleteFile removes the file at Path.
type DeleteFile struct {
	Path string `json:"file_path"`
}

// RunShellCommand runs Command in the workspace named by Cwd.
type RunShellCommand struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
}

func (CreateFile) Kind() Kind      { return KindCreate }
func (UpdateFile) Kind() Kind      { return KindUpdate }
func (DeleteFile) Kind() Kind      { return KindDelete }
func (RunShellCommand) Kind() Kind { return KindShell }

func (CreateFile) isAction()      {}
func (UpdateFile) isAction()      {}
func (DeleteFile) isAction()      {}
func (RunShellCommand) isAction() {}

func (a CreateFile) Validate() error {
	if err := validatePath(a.Path); err != nil {
		return err
	}
	if a.Content == "" {
		return fmt.Errorf("content is required")
	}
	return nil
}

func (a UpdateFile) Validate() error {
	if err := validatePath(a.Path); err != nil {
		return err
	}
	if a.Content == "" {
		return fmt.Errorf("content is required")
	}
	return nil
}

func (a DeleteFile) Validate() error {
	return validatePath(a.Path)
}

func (a RunShellCommand) Validate() error {
	if strings.TrimSpace(a.Command) == "" {
		return fmt.Errorf("command is required")
	}
	return nil
}

func validatePath(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("file_path is required")
	}
	return nil
}

// PathOf returns the target path of a file action, or "" for shell actions.
func PathOf(a Action) string {
	switch a := a.(type) {
	case CreateFile:
		return a.Path
	case UpdateFile:
		return a.Path
	case DeleteFile:
		return a.Path
	default:
		return ""
	}
}

// Describe renders a one-line summary for logs and tables.
func Describe(a Action) string {
	switch a := a.(type) {
	case RunShellCommand:
		if a.Cwd != "" {
			return fmt.Sprintf("%s %q in %s", a.Kind(), a.Command, a.Cwd)
		}
		return fmt.Sprintf("%s %q", a.Kind(), a.Command)
	default:
		return fmt.Sprintf("%s %s", a.Kind(), path.Clean(PathOf(a)))
	}
}

// Batch is the ordered, validated set of actions from one response.
type Batch struct {
	Explanation string
	Actions     []Action
}

// Counts tallies actions per kind.
func (b *Batch) Counts() map[Kind]int {
	out := make(map[Kind]int, 4)
	for _, a := range b.Actions {
		out[a.Kind()]++
	}
	return out
}

// ValidationError identifies the first invalid action in a batch.
// Index is 1-based.
type ValidationError struct {
	Index  int
	Kind   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("action #%d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("action #%d (%s): %s", e.Index, e.Kind, e.Reason)
}
