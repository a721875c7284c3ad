// Package promote implements the stage, approve, rollback, undo and confirm
// protocol that moves AI edits from the dev workspace into prod.
package promote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/joescharf/devloop/internal/git"
	"github.com/joescharf/devloop/internal/models"
	"github.com/joescharf/devloop/internal/process"
	"github.com/joescharf/devloop/internal/store"
)

var (
	// ErrUnresolvedRound is returned by Stage while an earlier round still
	// awaits approve, rollback, undo or confirm.
	ErrUnresolvedRound = errors.New("an unresolved round is open")
	// ErrNothingStaged is returned by Undo and Confirm without an open round.
	ErrNothingStaged = errors.New("nothing staged")
)

// StashPrefix starts the message of every pre-edit stash.
const StashPrefix = "devloop pre-edit "

// NothingToApprove is the message of an approve on a clean dev workspace.
const NothingToApprove = "nothing to approve"

// Servers is the part of the process supervisor the protocol drives.
type Servers interface {
	Stop(ctx context.Context, kind process.Kind) error
	Start(ctx context.Context, kind process.Kind, opts process.StartOptions) (process.Outcome, error)
	Restart(ctx context.Context, kind process.Kind, force bool) (process.Outcome, error)
}

// Journal persists rounds and promotions.
type Journal interface {
	OpenRound(ctx context.Context, workspace string) (*models.Round, error)
	CreateRound(ctx context.Context, r *models.Round) error
	UpdateRound(ctx context.Context, r *models.Round) error
	CreatePromotion(ctx context.Context, p *models.Promotion) error
}

// Config locates the workspaces and the shared remote.
type Config struct {
	DevPath  string
	ProdPath string
	// Workspace is the tag rounds are journaled under.
	Workspace     string
	Remote        string
	Branch        string
	CommitMessage string
	DevServer     process.Kind
}

func (c *Config) defaults() {
	if c.Workspace == "" {
		c.Workspace = "dev"
	}
	if c.Remote == "" {
		c.Remote = "origin"
	}
	if c.Branch == "" {
		c.Branch = "main"
	}
	if c.CommitMessage == "" {
		c.CommitMessage = "Approve dev changes"
	}
	if c.DevServer == "" {
		c.DevServer = process.Dev
	}
}

func (c Config) remoteRef() string { return c.Remote + "/" + c.Branch }

// Result describes a completed protocol step.
type Result struct {
	Message   string            `json:"message"`
	Round     *models.Round     `json:"round,omitempty"`
	Promotion *models.Promotion `json:"promotion,omitempty"`
	Server    process.Outcome   `json:"server,omitempty"`
}

// Protocol runs the promotion state machine. Callers serialize operations.
type Protocol struct {
	git     git.Client
	servers Servers
	journal Journal
	cfg     Config
	logger  *slog.Logger
}

// New returns a Protocol. servers may be nil, in which case no server is
// stopped or started.
func New(gc git.Client, servers Servers, journal Journal, cfg Config, logger *slog.Logger) *Protocol {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{git: gc, servers: servers, journal: journal, cfg: cfg, logger: logger}
}

// Config returns the resolved configuration.
func (p *Protocol) Config() Config { return p.cfg }

// OpenRound returns the unresolved round, or nil.
func (p *Protocol) OpenRound(ctx context.Context) (*models.Round, error) {
	return p.journal.OpenRound(ctx, p.cfg.Workspace)
}

// Stage snapshots dev's uncommitted state into a labeled stash and
// reapplies it, leaving the working tree as it was. A clean tree records a
// round without a stash.
func (p *Protocol) Stage(ctx context.Context, prompt string) (*models.Round, error) {
	open, err := p.OpenRound(ctx)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, fmt.Errorf("%w: round %s is %s", ErrUnresolvedRound, open.ID, open.Status)
	}

	r := &models.Round{
		ID:        store.NewID(),
		Workspace: p.cfg.Workspace,
		Prompt:    prompt,
		Status:    models.RoundStaged,
		Snapshot:  models.SnapshotClean,
	}

	dirty, err := p.git.IsDirty(ctx, p.cfg.DevPath)
	if err != nil {
		return nil, fmt.Errorf("stage: %w", err)
	}
	if dirty {
		label := StashPrefix + r.ID
		if err := p.git.StashPush(ctx, p.cfg.DevPath, label); err != nil {
			return nil, fmt.Errorf("stage: %w", err)
		}
		r.Snapshot = models.SnapshotStash
		r.StashLabel = label
		entry, err := p.findStash(ctx, label)
		if err != nil {
			return nil, p.abortStage(ctx, r, "", err)
		}
		if err := p.git.StashApply(ctx, p.cfg.DevPath, entry.Ref); err != nil {
			return nil, p.abortStage(ctx, r, entry.Ref, fmt.Errorf("restore working tree from %s: %w", entry.Ref, err))
		}
	}

	if err := p.journal.CreateRound(ctx, r); err != nil {
		return nil, err
	}
	p.logger.Info("round staged", "round", r.ID, "snapshot", r.Snapshot)
	return r, nil
}

// abortStage puts the just-pushed stash back into the working tree after
// Stage failed to reapply it. ref may be empty when the entry could not be
// located; the newest stash is then the one Stage pushed. When the stash
// cannot be popped the round is journaled as failed so its label stays on
// record.
func (p *Protocol) abortStage(ctx context.Context, r *models.Round, ref string, cause error) error {
	cause = fmt.Errorf("stage: %w", cause)
	if ref == "" {
		ref = "stash@{0}"
	}

	err := p.discard(ctx)
	if err == nil {
		err = p.git.StashPop(ctx, p.cfg.DevPath, ref)
	}
	if err == nil {
		p.logger.Warn("stage aborted, uncommitted work restored", "round", r.ID, "error", cause)
		return cause
	}

	now := time.Now().UTC()
	r.Status = models.RoundFailed
	r.ResolvedAt = &now
	r.Errors = append(r.Errors, cause.Error(), err.Error())
	if jerr := p.journal.CreateRound(ctx, r); jerr != nil {
		p.logger.Error("record failed round", "round", r.ID, "error", jerr)
	}
	p.logger.Error("uncommitted work left in stash", "round", r.ID, "stash", r.StashLabel, "error", err)
	return fmt.Errorf("%w; uncommitted work remains in stash %q: %v", cause, r.StashLabel, err)
}

// Approve promotes dev's uncommitted changes into prod: prod is reset to
// the remote tip, changed files are copied over and deleted ones removed,
// the result is committed and pushed, and dev is reset to the new tip. A
// git failure aborts the remaining steps, restarts the dev server and
// returns the git error with its stderr.
func (p *Protocol) Approve(ctx context.Context) (*Result, error) {
	dev, prod := p.cfg.DevPath, p.cfg.ProdPath
	if prod == "" {
		return nil, errors.New("approve: no prod workspace configured")
	}

	dirty, err := p.git.IsDirty(ctx, dev)
	if err != nil {
		return nil, fmt.Errorf("approve: %w", err)
	}
	if !dirty {
		return &Result{Message: NothingToApprove}, nil
	}

	changed, deleted, err := git.ChangedFiles(ctx, p.git, dev)
	if err != nil {
		return nil, fmt.Errorf("approve: %w", err)
	}

	open, err := p.OpenRound(ctx)
	if err != nil {
		return nil, err
	}
	promo := &models.Promotion{Branch: p.cfg.Branch}
	if open != nil {
		promo.RoundID = open.ID
	}

	p.stopDev(ctx)

	fail := func(err error) (*Result, error) {
		promo.Status = models.PromotionFailed
		promo.Error = err.Error()
		p.recordPromotion(ctx, promo)
		outcome := p.startDev(ctx, false)
		p.logger.Error("approve failed", "error", err)
		return &Result{Message: err.Error(), Promotion: promo, Server: outcome}, err
	}

	steps := []func() error{
		func() error { return p.git.Checkout(ctx, prod, p.cfg.Branch) },
		func() error { return p.git.Fetch(ctx, prod, p.cfg.Remote) },
		func() error { return p.git.ResetHard(ctx, prod, p.cfg.remoteRef()) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fail(err)
		}
	}

	for _, rel := range changed {
		copied, err := copyFile(dev, prod, rel)
		if err != nil {
			return fail(err)
		}
		if copied {
			promo.Copied = append(promo.Copied, rel)
		} else {
			promo.Skipped = append(promo.Skipped, rel)
		}
	}
	for _, rel := range deleted {
		if err := removeFile(prod, rel); err != nil {
			return fail(err)
		}
		promo.Deleted = append(promo.Deleted, rel)
	}

	if err := p.git.AddAll(ctx, prod); err != nil {
		return fail(err)
	}
	staged, err := p.git.HasStaged(ctx, prod)
	if err != nil {
		return fail(err)
	}
	if staged {
		if err := p.git.Commit(ctx, prod, p.cfg.CommitMessage); err != nil {
			return fail(err)
		}
		if err := p.git.Push(ctx, prod, p.cfg.Remote, p.cfg.Branch); err != nil {
			return fail(err)
		}
		if sha, err := p.git.HeadCommit(ctx, prod); err == nil {
			promo.Commit = sha
		}
		promo.Status = models.PromotionCommitted
	} else {
		promo.Status = models.PromotionNoChanges
	}

	if err := p.git.Fetch(ctx, dev, p.cfg.Remote); err != nil {
		return fail(err)
	}
	if err := p.git.ResetHard(ctx, dev, p.cfg.remoteRef()); err != nil {
		return fail(err)
	}

	res := &Result{Promotion: promo}
	if open != nil {
		p.dropStash(ctx, open)
		res.Round = p.resolve(ctx, open, models.RoundApproved)
	}
	p.recordPromotion(ctx, promo)
	res.Server = p.startDev(ctx, true)

	if promo.Status == models.PromotionCommitted {
		res.Message = fmt.Sprintf("promoted %d file(s), removed %d, commit %s pushed to %s",
			len(promo.Copied), len(promo.Deleted), promo.Commit, p.cfg.remoteRef())
	} else {
		res.Message = "prod already matches dev; nothing committed"
	}
	p.logger.Info("approve complete", "copied", len(promo.Copied), "deleted", len(promo.Deleted), "commit", promo.Commit)
	return res, nil
}

// Rollback discards every uncommitted change in dev, including untracked
// files, and restarts the dev server with a clean cache.
func (p *Protocol) Rollback(ctx context.Context) (*Result, error) {
	if err := p.discard(ctx); err != nil {
		return nil, fmt.Errorf("rollback: %w", err)
	}
	res := &Result{Message: "dev workspace reset to HEAD"}
	open, err := p.OpenRound(ctx)
	if err != nil {
		return nil, err
	}
	if open != nil {
		p.dropStash(ctx, open)
		res.Round = p.resolve(ctx, open, models.RoundRolledBack)
	}
	res.Server = p.restartDev(ctx, true)
	return res, nil
}

// Undo restores dev to its state before the open round's edits.
func (p *Protocol) Undo(ctx context.Context) (*Result, error) {
	open, err := p.requireOpen(ctx)
	if err != nil {
		return nil, err
	}

	var ref string
	if open.Snapshot == models.SnapshotStash {
		entry, err := p.findStash(ctx, open.StashLabel)
		if err != nil {
			return nil, fmt.Errorf("undo: %w", err)
		}
		ref = entry.Ref
	}

	if err := p.discard(ctx); err != nil {
		return nil, fmt.Errorf("undo: %w", err)
	}
	if ref != "" {
		if err := p.git.StashPop(ctx, p.cfg.DevPath, ref); err != nil {
			return nil, fmt.Errorf("undo: %w", err)
		}
	}

	res := &Result{Message: "dev workspace restored to its pre-edit state"}
	res.Round = p.resolve(ctx, open, models.RoundUndone)
	res.Server = p.restartDev(ctx, false)
	return res, nil
}

// Confirm keeps the open round's edits and discards its snapshot.
func (p *Protocol) Confirm(ctx context.Context) (*Result, error) {
	open, err := p.requireOpen(ctx)
	if err != nil {
		return nil, err
	}
	p.dropStash(ctx, open)

	res := &Result{Message: "edits kept; snapshot discarded"}
	res.Round = p.resolve(ctx, open, models.RoundConfirmed)
	res.Server = p.restartDev(ctx, false)
	return res, nil
}

func (p *Protocol) requireOpen(ctx context.Context) (*models.Round, error) {
	open, err := p.OpenRound(ctx)
	if err != nil {
		return nil, err
	}
	if open == nil {
		return nil, ErrNothingStaged
	}
	return open, nil
}

func (p *Protocol) discard(ctx context.Context) error {
	if err := p.git.ResetHard(ctx, p.cfg.DevPath, ""); err != nil {
		return err
	}
	return p.git.Clean(ctx, p.cfg.DevPath)
}

func (p *Protocol) findStash(ctx context.Context, label string) (git.StashEntry, error) {
	entries, err := p.git.StashList(ctx, p.cfg.DevPath)
	if err != nil {
		return git.StashEntry{}, err
	}
	entry, ok := git.FindStash(entries, label)
	if !ok {
		return git.StashEntry{}, fmt.Errorf("stash %q not found", label)
	}
	return entry, nil
}

// dropStash discards the round's stash if it still exists.
func (p *Protocol) dropStash(ctx context.Context, r *models.Round) {
	if r.Snapshot != models.SnapshotStash {
		return
	}
	entry, err := p.findStash(ctx, r.StashLabel)
	if err != nil {
		p.logger.Warn("pre-edit stash missing", "round", r.ID, "error", err)
		return
	}
	if err := p.git.StashDrop(ctx, p.cfg.DevPath, entry.Ref); err != nil {
		p.logger.Warn("drop pre-edit stash", "round", r.ID, "error", err)
	}
}

func (p *Protocol) resolve(ctx context.Context, r *models.Round, status models.RoundStatus) *models.Round {
	now := time.Now().UTC()
	r.Status = status
	r.ResolvedAt = &now
	if err := p.journal.UpdateRound(ctx, r); err != nil {
		p.logger.Error("record round resolution", "round", r.ID, "status", status, "error", err)
	}
	return r
}

func (p *Protocol) recordPromotion(ctx context.Context, promo *models.Promotion) {
	if err := p.journal.CreatePromotion(ctx, promo); err != nil {
		p.logger.Error("record promotion", "error", err)
	}
}

func (p *Protocol) stopDev(ctx context.Context) {
	if p.servers == nil {
		return
	}
	if err := p.servers.Stop(ctx, p.cfg.DevServer); err != nil {
		p.logger.Warn("stop dev server", "error", err)
	}
}

func (p *Protocol) startDev(ctx context.Context, force bool) process.Outcome {
	if p.servers == nil {
		return ""
	}
	outcome, err := p.servers.Start(ctx, p.cfg.DevServer, process.StartOptions{Force: force})
	if err != nil {
		p.logger.Warn("start dev server", "error", err)
	}
	return outcome
}

func (p *Protocol) restartDev(ctx context.Context, force bool) process.Outcome {
	if p.servers == nil {
		return ""
	}
	outcome, err := p.servers.Restart(ctx, p.cfg.DevServer, force)
	if err != nil {
		p.logger.Warn("restart dev server", "error", err)
	}
	return outcome
}

// copyFile copies rel from src into dst, skipping identical content. It
// reports whether anything was written.
func copyFile(src, dst, rel string) (bool, error) {
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return false, fmt.Errorf("refusing to copy non-local path %q", rel)
	}
	from := filepath.Join(src, filepath.FromSlash(rel))
	to := filepath.Join(dst, filepath.FromSlash(rel))

	info, err := os.Stat(from)
	if err != nil {
		return false, fmt.Errorf("copy %s: %w", rel, err)
	}
	if same, _ := sameContent(from, to); same {
		return false, nil
	}

	in, err := os.Open(from)
	if err != nil {
		return false, fmt.Errorf("copy %s: %w", rel, err)
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return false, fmt.Errorf("copy %s: %w", rel, err)
	}
	out, err := os.OpenFile(to, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return false, fmt.Errorf("copy %s: %w", rel, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return false, fmt.Errorf("copy %s: %w", rel, err)
	}
	if err := out.Close(); err != nil {
		return false, fmt.Errorf("copy %s: %w", rel, err)
	}
	return true, nil
}

func removeFile(root, rel string) error {
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return fmt.Errorf("refusing to delete non-local path %q", rel)
	}
	err := os.Remove(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", rel, err)
	}
	return nil
}

func sameContent(a, b string) (bool, error) {
	da, err := fileDigest(a)
	if err != nil {
		return false, err
	}
	db, err := fileDigest(b)
	if err != nil {
		return false, err
	}
	return string(da) == string(db), nil
}

func fileDigest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
