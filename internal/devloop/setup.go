package devloop

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joescharf/devloop/internal/process"
	"github.com/joescharf/devloop/internal/workspace"
)

// InitialCommit is the message of the commit Setup creates in a new repo.
const InitialCommit = "Initial commit"

// WorkspaceSetup records what Setup did to one workspace.
type WorkspaceSetup struct {
	Tag         string `json:"tag"`
	Path        string `json:"path"`
	Created     bool   `json:"created,omitempty"`
	Initialized bool   `json:"initialized,omitempty"`
	Installed   bool   `json:"installed,omitempty"`
}

// SetupResult is the outcome of Setup.
type SetupResult struct {
	Workspaces []WorkspaceSetup                 `json:"workspaces"`
	Servers    map[process.Kind]process.Outcome `json:"servers,omitempty"`
}

// Setup prepares every configured workspace. Missing directories are
// created, directories outside a repository get `git init` and an initial
// commit, and editable workspaces whose manifest exists without its install
// directory get their dependencies installed. Prod is never installed
// into. With start set both servers are started afterwards.
func (s *Service) Setup(ctx context.Context, start bool) (*SetupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	targets := s.cfg.Editable()
	if s.cfg.Workspaces.Prod != "" {
		targets = append(targets, workspace.Workspace{Tag: workspace.Prod, Root: s.cfg.Workspaces.Prod})
	}

	res := &SetupResult{}
	for _, ws := range targets {
		step, err := s.setupWorkspace(ctx, ws)
		res.Workspaces = append(res.Workspaces, step)
		if err != nil {
			return res, fmt.Errorf("setup %s: %w", ws.Tag, err)
		}
	}

	if start {
		res.Servers = make(map[process.Kind]process.Outcome)
		for _, k := range s.servers.Kinds() {
			outcome, err := s.servers.Start(ctx, k, process.StartOptions{})
			if err != nil {
				return res, fmt.Errorf("start %s: %w", k, err)
			}
			res.Servers[k] = outcome
		}
	}
	return res, nil
}

func (s *Service) setupWorkspace(ctx context.Context, ws workspace.Workspace) (WorkspaceSetup, error) {
	out := WorkspaceSetup{Tag: ws.Tag, Path: ws.Root}

	if _, err := os.Stat(ws.Root); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(ws.Root, 0o755); err != nil {
			return out, err
		}
		out.Created = true
	} else if err != nil {
		return out, err
	}

	if !s.git.IsRepo(ctx, ws.Root) {
		if err := s.git.Init(ctx, ws.Root, s.cfg.Git.Branch); err != nil {
			return out, err
		}
		if err := s.git.AddAll(ctx, ws.Root); err != nil {
			return out, err
		}
		if err := s.git.CommitEmpty(ctx, ws.Root, InitialCommit); err != nil {
			return out, err
		}
		out.Initialized = true
		s.logger.Info("workspace repository initialized", "workspace", ws.Tag, "path", ws.Root)
	}

	if ws.Tag == workspace.Prod || !s.needsInstall(ws) {
		return out, nil
	}
	s.logger.Info("installing dependencies", "workspace", ws.Tag)
	if err := s.effects.Install(ctx, ws.Tag); err != nil {
		return out, err
	}
	out.Installed = true
	return out, nil
}

// needsInstall reports whether ws has a manifest but no install directory.
func (s *Service) needsInstall(ws workspace.Workspace) bool {
	if _, err := os.Stat(filepath.Join(ws.Root, s.cfg.Deps.ManifestFor(ws.Tag))); err != nil {
		return false
	}
	if s.cfg.Deps.InstallDir == "" {
		return true
	}
	_, err := os.Stat(filepath.Join(ws.Root, s.cfg.Deps.InstallDir))
	return errors.Is(err, fs.ErrNotExist)
}

// Reset stops every supervised server, leaving the workspaces as they are.
func (s *Service) Reset(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers.StopAll(ctx)
	s.logger.Info("servers stopped for reset")
}
