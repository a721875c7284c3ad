// Package devloop wires the change pipeline together: prompt to assistant,
// response to actions, actions to workspaces, and workspaces to prod.
package devloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/joescharf/devloop/internal/action"
	"github.com/joescharf/devloop/internal/applier"
	"github.com/joescharf/devloop/internal/config"
	"github.com/joescharf/devloop/internal/git"
	"github.com/joescharf/devloop/internal/llm"
	"github.com/joescharf/devloop/internal/models"
	"github.com/joescharf/devloop/internal/process"
	"github.com/joescharf/devloop/internal/promote"
	"github.com/joescharf/devloop/internal/shell"
	"github.com/joescharf/devloop/internal/store"
	"github.com/joescharf/devloop/internal/workspace"
)

// ErrNoProvider is returned by Propose when no AI provider is configured.
var ErrNoProvider = errors.New("no AI provider configured (set anthropic.api_key)")

// retrievalResults is how many excerpts are requested per prompt.
const retrievalResults = 5

// Servers is the process supervisor as the service uses it.
type Servers interface {
	promote.Servers
	StopAll(ctx context.Context)
	Statuses(ctx context.Context) []process.Status
	Kinds() []process.Kind
}

// Deps are the collaborators of a Service. Store is required; the rest
// default from the config when nil.
type Deps struct {
	Store     store.Store
	Runner    shell.Runner
	Git       git.Client
	Servers   Servers
	Generator llm.Generator
	Retriever llm.Retriever
	Logger    *slog.Logger
}

// Service runs devloop operations one at a time.
type Service struct {
	cfg       *config.Config
	store     store.Store
	git       git.Client
	servers   Servers
	generator llm.Generator
	retriever llm.Retriever
	applier   *applier.Applier
	effects   *applier.Effects
	protocol  *promote.Protocol
	logger    *slog.Logger

	mu sync.Mutex
}

// New builds a Service from cfg.
func New(cfg *config.Config, deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("devloop: store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runner := deps.Runner
	if runner == nil {
		runner = shell.NewRunner(cfg.ShellTimeout)
	}
	gc := deps.Git
	if gc == nil {
		gc = git.NewClient(runner)
	}
	servers := deps.Servers
	if servers == nil {
		servers = NewSupervisor(cfg, logger)
	}

	editable, err := cfg.WorkspaceSet(false)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		git:       gc,
		servers:   servers,
		generator: deps.Generator,
		retriever: deps.Retriever,
		logger:    logger,
	}
	s.applier = applier.New(editable, runner, applier.Options{
		Primary:   cfg.Workspaces.Primary,
		Manifests: cfg.Deps.Manifests,
		BaseDir:   cfg.Workspaces.BaseDir,
		Logger:    logger,
	})
	s.effects = &applier.Effects{
		Workspaces:     editable,
		Runner:         runner,
		Restarter:      servers,
		InstallCommand: cfg.Deps.InstallCommand,
		InstallTimeout: cfg.Deps.InstallTimeout,
		Primary:        cfg.Workspaces.Primary,
		Servers: map[string]process.Kind{
			workspace.Dev:        process.Dev,
			workspace.BackendDev: process.Backend,
		},
		Logger: logger,
	}
	s.protocol = promote.New(gc, servers, deps.Store, promote.Config{
		DevPath:       cfg.Workspaces.Dev,
		ProdPath:      cfg.Workspaces.Prod,
		Workspace:     workspace.Dev,
		Remote:        cfg.Git.Remote,
		Branch:        cfg.Git.Branch,
		CommitMessage: cfg.Git.CommitMessage,
		DevServer:     process.Dev,
	}, logger)
	return s, nil
}

// NewSupervisor builds the process supervisor for cfg's two servers.
func NewSupervisor(cfg *config.Config, logger *slog.Logger) *process.Supervisor {
	return process.NewSupervisor(process.Options{
		Host:         cfg.Servers.Host,
		StateDir:     cfg.StateDir,
		StartTimeout: cfg.Servers.StartTimeout,
		StopGrace:    cfg.Servers.StopGrace,
		Logger:       logger,
	},
		process.Server{
			Kind:         process.Dev,
			Dir:          cfg.Workspaces.Dev,
			Port:         cfg.Servers.Dev.Port,
			Command:      cfg.Servers.Dev.Command,
			ForceArgs:    cfg.Servers.Dev.ForceArgs,
			RestartGrace: cfg.Servers.Dev.RestartGrace,
		},
		process.Server{
			Kind:         process.Backend,
			Dir:          cfg.Workspaces.BackendDev,
			Port:         cfg.Servers.Backend.Port,
			Command:      cfg.Servers.Backend.Command,
			ForceArgs:    cfg.Servers.Backend.ForceArgs,
			RestartGrace: cfg.Servers.Backend.RestartGrace,
		},
	)
}

// Config returns the service configuration.
func (s *Service) Config() *config.Config { return s.cfg }

// Outcome is the result of applying a batch.
type Outcome struct {
	Round *models.Round `json:"round"`
	// Explanation is the assistant's explanation with any errors appended.
	Explanation string                 `json:"explanation"`
	Report      *applier.Report        `json:"report"`
	Effects     *applier.EffectsReport `json:"effects"`
}

// OK reports whether every action and side effect succeeded.
func (o *Outcome) OK() bool {
	return o.Report.OK() && len(o.Effects.Errors) == 0
}

// Propose asks the assistant for changes and applies them. Nothing is
// staged until the reply parses into a valid batch.
func (s *Service) Propose(ctx context.Context, prompt string) (*Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generator == nil {
		return nil, ErrNoProvider
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, errors.New("prompt is empty")
	}
	if err := s.checkNoOpenRound(ctx); err != nil {
		return nil, err
	}

	pc, err := s.promptContext(ctx, prompt)
	if err != nil {
		return nil, err
	}
	history, err := s.store.ListMessages(ctx, s.cfg.Project.HistoryLimit)
	if err != nil {
		return nil, err
	}
	if err := s.store.AppendMessage(ctx, &models.Message{Role: models.RoleUser, Content: prompt}); err != nil {
		return nil, err
	}

	s.logger.Info("requesting changes", "files", len(pc.FileTree), "history", len(history))
	text, err := s.generator.Generate(ctx, pc, history)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	batch, err := action.ParseResponse(text)
	if err != nil {
		s.logger.Warn("unusable assistant reply", "error", err)
		return nil, fmt.Errorf("parse assistant reply: %w", err)
	}
	if err := s.store.AppendMessage(ctx, &models.Message{Role: models.RoleAssistant, Content: batch.Explanation}); err != nil {
		return nil, err
	}

	return s.stageAndApply(ctx, prompt, batch)
}

// ApplyRaw applies a batch supplied directly as JSON.
func (s *Service) ApplyRaw(ctx context.Context, label string, raw []byte) (*Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, err := action.Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := s.checkNoOpenRound(ctx); err != nil {
		return nil, err
	}
	return s.stageAndApply(ctx, label, batch)
}

func (s *Service) checkNoOpenRound(ctx context.Context) error {
	open, err := s.protocol.OpenRound(ctx)
	if err != nil {
		return err
	}
	if open != nil {
		return fmt.Errorf("%w: round %s is %s; approve, rollback, undo or confirm it first",
			promote.ErrUnresolvedRound, open.ID, open.Status)
	}
	return nil
}

func (s *Service) stageAndApply(ctx context.Context, prompt string, batch *action.Batch) (*Outcome, error) {
	round, err := s.protocol.Stage(ctx, prompt)
	if err != nil {
		return nil, err
	}

	report := s.applier.Apply(ctx, batch)
	effects := s.effects.Run(ctx, report)

	errs := append(append([]string{}, report.Errors...), effects.Errors...)
	explanation := batch.Explanation
	if len(errs) > 0 {
		explanation += "\n\nErrors occurred:\n- " + strings.Join(errs, "\n- ")
	}

	round.Status = models.RoundApplied
	round.Explanation = batch.Explanation
	round.ActionCount = len(batch.Actions)
	round.Errors = errs
	if err := s.store.UpdateRound(ctx, round); err != nil {
		s.logger.Error("record applied round", "round", round.ID, "error", err)
	}

	s.logger.Info("batch applied", "round", round.ID, "actions", len(batch.Actions), "errors", len(errs))
	return &Outcome{Round: round, Explanation: explanation, Report: report, Effects: effects}, nil
}

func (s *Service) promptContext(ctx context.Context, prompt string) (llm.PromptContext, error) {
	pc := llm.PromptContext{
		Request:      prompt,
		Framework:    s.cfg.Project.Framework,
		BackendURL:   s.cfg.Project.BackendURL,
		WordPressAPI: s.cfg.Project.WordPressAPI,
	}
	files, err := llm.CollectFiles(s.cfg.Editable(), 0)
	if err != nil {
		return pc, err
	}
	pc.FileTree = files.Paths

	if s.retriever != nil {
		docs, err := s.retriever.Query(ctx, prompt, retrievalResults)
		if err != nil {
			s.logger.Warn("retrieval failed, sending whole files", "error", err)
		} else if len(docs) > 0 {
			pc.Context = llm.FormatDocuments(docs)
			return pc, nil
		}
	}
	pc.Context = files.Context(s.cfg.Project.ContextBytes)
	s.logger.Debug("prompt context", "files", len(files.Paths), "size", files.Size())
	return pc, nil
}

// Approve promotes dev into prod.
func (s *Service) Approve(ctx context.Context) (*promote.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol.Approve(ctx)
}

// Rollback discards dev's uncommitted changes.
func (s *Service) Rollback(ctx context.Context) (*promote.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol.Rollback(ctx)
}

// Undo restores dev to its state before the open round.
func (s *Service) Undo(ctx context.Context) (*promote.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol.Undo(ctx)
}

// Confirm keeps the open round's edits.
func (s *Service) Confirm(ctx context.Context) (*promote.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol.Confirm(ctx)
}

// DiffResult is the pending state of the dev workspace.
type DiffResult struct {
	Branch string `json:"branch"`
	// Status is the short status listing, set for stat diffs.
	Status    string   `json:"status,omitempty"`
	Diff      string   `json:"diff"`
	Untracked []string `json:"untracked"`
}

// Diff returns dev's uncommitted diff against HEAD plus untracked files.
// A stat diff also carries the short status.
func (s *Service) Diff(ctx context.Context, stat bool) (*DiffResult, error) {
	dev := s.cfg.Workspaces.Dev
	branch, err := s.git.CurrentBranch(ctx, dev)
	if err != nil {
		return nil, err
	}
	res := &DiffResult{Branch: branch}
	if stat {
		if res.Status, err = s.git.Status(ctx, dev); err != nil {
			return nil, err
		}
	}
	if res.Diff, err = s.git.Diff(ctx, dev, stat); err != nil {
		return nil, err
	}
	if res.Untracked, err = s.git.UntrackedFiles(ctx, dev); err != nil {
		return nil, err
	}
	return res, nil
}

// Rounds lists the newest rounds.
func (s *Service) Rounds(ctx context.Context, limit int) ([]*models.Round, error) {
	return s.store.ListRounds(ctx, limit)
}

// Promotions lists the newest promotions.
func (s *Service) Promotions(ctx context.Context, limit int) ([]*models.Promotion, error) {
	return s.store.ListPromotions(ctx, limit)
}

// History returns the conversation, oldest first.
func (s *Service) History(ctx context.Context, limit int) ([]*models.Message, error) {
	return s.store.ListMessages(ctx, limit)
}

// ClearHistory forgets the conversation.
func (s *Service) ClearHistory(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.ClearMessages(ctx)
}

// StartServers starts kinds, or every server when kinds is empty.
func (s *Service) StartServers(ctx context.Context, force bool, kinds ...process.Kind) (map[process.Kind]process.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(kinds) == 0 {
		kinds = s.servers.Kinds()
	}
	out := make(map[process.Kind]process.Outcome, len(kinds))
	for _, k := range kinds {
		outcome, err := s.servers.Start(ctx, k, process.StartOptions{Force: force})
		if err != nil {
			return out, err
		}
		out[k] = outcome
	}
	return out, nil
}

// StopServers stops kinds, or every server when kinds is empty.
func (s *Service) StopServers(ctx context.Context, kinds ...process.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(kinds) == 0 {
		s.servers.StopAll(ctx)
		return nil
	}
	for _, k := range kinds {
		if err := s.servers.Stop(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// ServerStatus probes every server.
func (s *Service) ServerStatus(ctx context.Context) []process.Status {
	return s.servers.Statuses(ctx)
}

// SyncRemotes points the dev and prod remotes at git.remote_url when it
// is configured.
func (s *Service) SyncRemotes(ctx context.Context) error {
	url := s.cfg.Git.RemoteURL
	if url == "" {
		return nil
	}
	remote := s.cfg.Git.Remote
	for _, path := range []string{s.cfg.Workspaces.Dev, s.cfg.Workspaces.Prod} {
		if path == "" || !s.git.IsRepo(ctx, path) {
			continue
		}
		current, err := s.git.RemoteURL(ctx, path, remote)
		if err != nil {
			return err
		}
		switch {
		case current == "":
			err = s.git.AddRemote(ctx, path, remote, url)
		case current != url:
			err = s.git.SetRemoteURL(ctx, path, remote, url)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
