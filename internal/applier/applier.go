package applier

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/joescharf/devloop/internal/action"
	"github.com/joescharf/devloop/internal/shell"
	"github.com/joescharf/devloop/internal/workspace"
)

// DefaultManifest is the dependency manifest watched for reinstalls.
const DefaultManifest = "package.json"

// normalizedExts get backslashes rewritten to forward slashes on write.
var normalizedExts = map[string]bool{".js": true, ".jsx": true, ".ts": true, ".tsx": true}

// Outcome records what happened to one action.
type Outcome struct {
	Index     int    `json:"index"`
	Kind      string `json:"kind"`
	Target    string `json:"target"`
	Workspace string `json:"workspace,omitempty"`
	Digest    string `json:"digest,omitempty"`
	ExitCode  int    `json:"exit_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Report summarizes a batch. Errors never abort the batch; they are
// collected here in order.
type Report struct {
	Outcomes        []Outcome `json:"outcomes"`
	Errors          []string  `json:"errors"`
	ManifestTouched []string  `json:"manifest_touched"`
	PrimaryTouched  bool      `json:"primary_touched"`
}

// OK reports whether every action succeeded.
func (r *Report) OK() bool { return len(r.Errors) == 0 }

// Applied counts actions that succeeded.
func (r *Report) Applied() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Error == "" {
			n++
		}
	}
	return n
}

// Options configure an Applier.
type Options struct {
	// Primary is the workspace whose server restarts after edits.
	Primary string
	// Manifest is the dependency manifest base name.
	Manifest string
	// Manifests overrides Manifest per workspace tag.
	Manifests map[string]string
	// BaseDir is the working directory for shell actions without a cwd.
	BaseDir string
	Logger  *slog.Logger
}

// Applier executes action batches against the editable workspaces.
type Applier struct {
	workspaces *workspace.Set
	runner     shell.Runner
	opts       Options
	logger     *slog.Logger
}

// New returns an Applier. workspaces must only contain the workspaces the
// assistant may edit.
func New(workspaces *workspace.Set, runner shell.Runner, opts Options) *Applier {
	if opts.Primary == "" {
		opts.Primary = workspace.Dev
	}
	if opts.Manifest == "" {
		opts.Manifest = DefaultManifest
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Applier{workspaces: workspaces, runner: runner, opts: opts, logger: opts.Logger}
}

// Apply runs every action in order. Later actions see the effects of
// earlier ones. A failing action is recorded and the batch continues.
func (a *Applier) Apply(ctx context.Context, batch *action.Batch) *Report {
	r := &Report{}
	touched := make(map[string]bool)

	for i, act := range batch.Actions {
		out := Outcome{Index: i + 1, Kind: string(act.Kind())}

		var err error
		switch act := act.(type) {
		case action.CreateFile:
			out.Target = act.Path
			err = a.write(act.Path, act.Content, &out)
		case action.UpdateFile:
			out.Target = act.Path
			err = a.write(act.Path, act.Content, &out)
		case action.DeleteFile:
			out.Target = act.Path
			err = a.remove(act.Path, &out)
		case action.RunShellCommand:
			out.Target = act.Command
			err = a.run(ctx, act, &out)
		default:
			err = fmt.Errorf("unsupported action %T", act)
		}

		if err != nil {
			out.Error = err.Error()
			msg := fmt.Sprintf("action #%d (%s %s): %v", out.Index, out.Kind, out.Target, err)
			r.Errors = append(r.Errors, msg)
			a.logger.Error("action failed", "index", out.Index, "kind", out.Kind, "target", out.Target, "error", err)
		} else if out.Workspace != "" && act.Kind() != action.KindShell {
			if path.Base(out.Target) == a.manifestFor(out.Workspace) {
				touched[out.Workspace] = true
			}
			if out.Workspace == a.opts.Primary {
				r.PrimaryTouched = true
			}
		}
		r.Outcomes = append(r.Outcomes, out)
	}

	for tag := range touched {
		r.ManifestTouched = append(r.ManifestTouched, tag)
	}
	sort.Strings(r.ManifestTouched)
	return r
}

func (a *Applier) manifestFor(tag string) string {
	if m := a.opts.Manifests[tag]; m != "" {
		return m
	}
	return a.opts.Manifest
}

func (a *Applier) write(tagged, content string, out *Outcome) error {
	tag, abs, err := a.resolve(tagged)
	if err != nil {
		return err
	}
	out.Workspace = tag

	if normalizedExts[strings.ToLower(filepath.Ext(abs))] {
		content = strings.ReplaceAll(content, `\`, "/")
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create parent: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	out.Digest = Digest([]byte(content))
	a.logger.Info("file written", "kind", out.Kind, "path", tagged, "bytes", len(content))
	return nil
}

func (a *Applier) remove(tagged string, out *Outcome) error {
	tag, abs, err := a.resolve(tagged)
	if err != nil {
		return err
	}
	out.Workspace = tag

	if err := os.Remove(abs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("delete: %w", err)
	}
	a.logger.Info("file deleted", "path", tagged)
	return nil
}

func (a *Applier) run(ctx context.Context, act action.RunShellCommand, out *Outcome) error {
	dir, err := a.workspaces.ResolveDir(act.Cwd, a.opts.BaseDir)
	if err != nil {
		return err
	}
	if tag, _, ok := workspace.Split(act.Cwd); ok {
		out.Workspace = tag
	} else if act.Cwd != "" {
		out.Workspace = strings.TrimSuffix(act.Cwd, "/")
	}

	a.logger.Info("running shell command", "command", act.Command, "dir", dir)
	res := a.runner.Shell(ctx, dir, act.Command)
	out.ExitCode = res.ExitCode
	if res.Failed() {
		return fmt.Errorf("command failed (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (a *Applier) resolve(tagged string) (tag, abs string, err error) {
	_, abs, err = a.workspaces.Resolve(tagged)
	if err != nil {
		return "", "", err
	}
	tag, _, _ = workspace.Split(tagged)
	return tag, abs, nil
}

// Digest returns the hex BLAKE3-256 of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
