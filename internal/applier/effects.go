package applier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joescharf/devloop/internal/process"
	"github.com/joescharf/devloop/internal/shell"
	"github.com/joescharf/devloop/internal/workspace"
)

// Restarter restarts supervised servers.
type Restarter interface {
	Restart(ctx context.Context, kind process.Kind, force bool) (process.Outcome, error)
}

// Effects runs the side effects a Report calls for: dependency installs
// for touched manifests, then server restarts.
type Effects struct {
	Workspaces     *workspace.Set
	Runner         shell.Runner
	Restarter      Restarter
	InstallCommand string
	InstallTimeout time.Duration
	// Primary is the workspace served by the dev server.
	Primary string
	// Servers maps a workspace tag to the server that serves it.
	Servers map[string]process.Kind
	Logger  *slog.Logger
}

// EffectsReport records what Run did.
type EffectsReport struct {
	Installed []string                         `json:"installed,omitempty"`
	Restarted map[process.Kind]process.Outcome `json:"restarted,omitempty"`
	Errors    []string                         `json:"errors,omitempty"`
}

// Run installs dependencies for every workspace whose manifest changed,
// then restarts servers: the backend after its own install, and the
// primary server after any primary change. Failures are collected.
func (e *Effects) Run(ctx context.Context, r *Report) *EffectsReport {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := &EffectsReport{Restarted: make(map[process.Kind]process.Outcome)}

	restart := make(map[process.Kind]bool)
	for _, tag := range r.ManifestTouched {
		if err := e.Install(ctx, tag); err != nil {
			logger.Error("dependency install failed", "workspace", tag, "error", err)
			out.Errors = append(out.Errors, err.Error())
		} else {
			out.Installed = append(out.Installed, tag)
		}
		if kind, ok := e.Servers[tag]; ok && tag != e.Primary {
			restart[kind] = true
		}
	}

	if kind, ok := e.Servers[e.Primary]; ok && r.PrimaryTouched {
		restart[kind] = true
	}

	if e.Restarter == nil {
		return out
	}
	// Backend first so the dev server comes up against a fresh API.
	for _, kind := range []process.Kind{process.Backend, process.Dev} {
		if !restart[kind] {
			continue
		}
		logger.Info("restarting server", "server", kind)
		outcome, err := e.Restarter.Restart(ctx, kind, false)
		if err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("restart %s: %v", kind, err))
			continue
		}
		out.Restarted[kind] = outcome
		if !outcome.OK() {
			out.Errors = append(out.Errors, fmt.Sprintf("restart %s: %s", kind, outcome))
		}
	}
	return out
}

// Install runs the install command in workspace tag.
func (e *Effects) Install(ctx context.Context, tag string) error {
	if strings.TrimSpace(e.InstallCommand) == "" {
		return nil
	}
	dir, err := e.Workspaces.Root(tag)
	if err != nil {
		return err
	}
	if e.InstallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.InstallTimeout)
		defer cancel()
	}
	res := e.Runner.Shell(ctx, dir, e.InstallCommand)
	if res.Failed() {
		return fmt.Errorf("%s in %s (exit %d): %s", e.InstallCommand, tag, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}
