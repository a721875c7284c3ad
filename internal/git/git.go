package git

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/joescharf/devloop/internal/shell"
)

// StashEntry is one line of `git stash list`.
type StashEntry struct {
	Ref     string // stash@{N}
	Message string
}

// Client defines the version-control operations devloop needs. Every
// method maps to exactly one git invocation in the repo at path.
type Client interface {
	Init(ctx context.Context, path, branch string) error
	IsRepo(ctx context.Context, path string) bool
	CurrentBranch(ctx context.Context, path string) (string, error)
	IsDirty(ctx context.Context, path string) (bool, error)
	Status(ctx context.Context, path string) (string, error)

	ModifiedFiles(ctx context.Context, path string) ([]string, error)
	DeletedFiles(ctx context.Context, path string) ([]string, error)
	UntrackedFiles(ctx context.Context, path string) ([]string, error)
	Diff(ctx context.Context, path string, stat bool) (string, error)

	Checkout(ctx context.Context, path, branch string) error
	Fetch(ctx context.Context, path, remote string) error
	ResetHard(ctx context.Context, path, ref string) error
	Clean(ctx context.Context, path string) error
	AddAll(ctx context.Context, path string) error
	HasStaged(ctx context.Context, path string) (bool, error)
	Commit(ctx context.Context, path, message string) error
	CommitEmpty(ctx context.Context, path, message string) error
	Push(ctx context.Context, path, remote, branch string) error
	HeadCommit(ctx context.Context, path string) (string, error)

	StashPush(ctx context.Context, path, message string) error
	StashList(ctx context.Context, path string) ([]StashEntry, error)
	StashApply(ctx context.Context, path, ref string) error
	StashPop(ctx context.Context, path, ref string) error
	StashDrop(ctx context.Context, path, ref string) error

	RemoteURL(ctx context.Context, path, remote string) (string, error)
	SetRemoteURL(ctx context.Context, path, remote, url string) error
	AddRemote(ctx context.Context, path, remote, url string) error
}

// RealClient implements Client by running the git binary through a
// shell.Runner, so every call inherits its timeout.
type RealClient struct {
	runner shell.Runner
}

// NewClient returns a RealClient backed by runner.
func NewClient(runner shell.Runner) *RealClient {
	return &RealClient{runner: runner}
}

func (c *RealClient) gitCmd(ctx context.Context, path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path, "-c", "core.quotepath=off"}, args...)
	res := c.runner.Exec(ctx, path, "git", fullArgs...)
	if res.Failed() {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return "", &Error{Args: args, Stderr: msg, Result: res}
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Error is a failed git invocation. Stderr is kept verbatim.
type Error struct {
	Args   []string
	Stderr string
	Result shell.Result
}

func (e *Error) Error() string {
	return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), e.Stderr)
}

// Unwrap exposes the underlying *shell.CommandError.
func (e *Error) Unwrap() error { return e.Result.Err() }

// Init creates a repository at path. A non-empty branch names the
// initial branch.
func (c *RealClient) Init(ctx context.Context, path, branch string) error {
	args := []string{"init"}
	if branch != "" {
		args = append(args, "-b", branch)
	}
	_, err := c.gitCmd(ctx, path, args...)
	return err
}

func (c *RealClient) IsRepo(ctx context.Context, path string) bool {
	out, err := c.gitCmd(ctx, path, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

func (c *RealClient) CurrentBranch(ctx context.Context, path string) (string, error) {
	return c.gitCmd(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
}

func (c *RealClient) IsDirty(ctx context.Context, path string) (bool, error) {
	out, err := c.gitCmd(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (c *RealClient) Status(ctx context.Context, path string) (string, error) {
	return c.gitCmd(ctx, path, "status", "--short", "--branch")
}

func (c *RealClient) ModifiedFiles(ctx context.Context, path string) ([]string, error) {
	out, err := c.gitCmd(ctx, path, "diff", "HEAD", "--no-renames", "--name-only", "--diff-filter=ACMT")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (c *RealClient) DeletedFiles(ctx context.Context, path string) ([]string, error) {
	out, err := c.gitCmd(ctx, path, "diff", "HEAD", "--no-renames", "--name-only", "--diff-filter=D")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (c *RealClient) UntrackedFiles(ctx context.Context, path string) ([]string, error) {
	out, err := c.gitCmd(ctx, path, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (c *RealClient) Diff(ctx context.Context, path string, stat bool) (string, error) {
	if stat {
		return c.gitCmd(ctx, path, "diff", "HEAD", "--no-renames", "--stat")
	}
	return c.gitCmd(ctx, path, "diff", "HEAD", "--no-renames")
}

func (c *RealClient) Checkout(ctx context.Context, path, branch string) error {
	_, err := c.gitCmd(ctx, path, "checkout", branch)
	return err
}

func (c *RealClient) Fetch(ctx context.Context, path, remote string) error {
	_, err := c.gitCmd(ctx, path, "fetch", remote)
	return err
}

func (c *RealClient) ResetHard(ctx context.Context, path, ref string) error {
	args := []string{"reset", "--hard"}
	if ref != "" {
		args = append(args, ref)
	}
	_, err := c.gitCmd(ctx, path, args...)
	return err
}

func (c *RealClient) Clean(ctx context.Context, path string) error {
	_, err := c.gitCmd(ctx, path, "clean", "-fd")
	return err
}

func (c *RealClient) AddAll(ctx context.Context, path string) error {
	_, err := c.gitCmd(ctx, path, "add", "-A")
	return err
}

func (c *RealClient) HasStaged(ctx context.Context, path string) (bool, error) {
	out, err := c.gitCmd(ctx, path, "diff", "--cached", "--name-only")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (c *RealClient) Commit(ctx context.Context, path, message string) error {
	_, err := c.gitCmd(ctx, path, "commit", "-m", message)
	return err
}

func (c *RealClient) Push(ctx context.Context, path, remote, branch string) error {
	_, err := c.gitCmd(ctx, path, "push", "-u", remote, branch)
	return err
}

func (c *RealClient) CommitEmpty(ctx context.Context, path, message string) error {
	_, err := c.gitCmd(ctx, path, "commit", "--allow-empty", "-m", message)
	return err
}

func (c *RealClient) HeadCommit(ctx context.Context, path string) (string, error) {
	return c.gitCmd(ctx, path, "rev-parse", "--short", "HEAD")
}

// StashPush saves tracked and untracked changes under message.
func (c *RealClient) StashPush(ctx context.Context, path, message string) error {
	_, err := c.gitCmd(ctx, path, "stash", "push", "--include-untracked", "-m", message)
	return err
}

func (c *RealClient) StashList(ctx context.Context, path string) ([]StashEntry, error) {
	out, err := c.gitCmd(ctx, path, "stash", "list", "--format=%gd%x09%gs")
	if err != nil {
		return nil, err
	}
	return ParseStashList(out), nil
}

func (c *RealClient) StashApply(ctx context.Context, path, ref string) error {
	_, err := c.gitCmd(ctx, path, "stash", "apply", ref)
	return err
}

func (c *RealClient) StashPop(ctx context.Context, path, ref string) error {
	_, err := c.gitCmd(ctx, path, "stash", "pop", ref)
	return err
}

func (c *RealClient) StashDrop(ctx context.Context, path, ref string) error {
	_, err := c.gitCmd(ctx, path, "stash", "drop", ref)
	return err
}

func (c *RealClient) RemoteURL(ctx context.Context, path, remote string) (string, error) {
	out, err := c.gitCmd(ctx, path, "remote", "get-url", remote)
	if err != nil {
		return "", nil // no remote is not an error
	}
	return out, nil
}

func (c *RealClient) SetRemoteURL(ctx context.Context, path, remote, url string) error {
	_, err := c.gitCmd(ctx, path, "remote", "set-url", remote, url)
	return err
}

func (c *RealClient) AddRemote(ctx context.Context, path, remote, url string) error {
	_, err := c.gitCmd(ctx, path, "remote", "add", remote, url)
	return err
}

var stashSubjectPrefix = regexp.MustCompile(`^(?:On|WIP on) [^:]+: `)

// ParseStashList parses `git stash list --format=%gd%x09%gs`. The branch
// prefix git adds to subjects is stripped.
func ParseStashList(output string) []StashEntry {
	var entries []StashEntry
	for _, line := range splitLines(output) {
		ref, msg, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		entries = append(entries, StashEntry{
			Ref:     ref,
			Message: stashSubjectPrefix.ReplaceAllString(msg, ""),
		})
	}
	return entries
}

// FindStash returns the newest entry whose message equals message.
func FindStash(entries []StashEntry, message string) (StashEntry, bool) {
	for _, e := range entries {
		if e.Message == message {
			return e, true
		}
	}
	return StashEntry{}, false
}

// ChangedFiles returns modified, deleted and untracked files relative to
// the repo root, sorted and without duplicates.
func ChangedFiles(ctx context.Context, c Client, path string) (changed, deleted []string, err error) {
	modified, err := c.ModifiedFiles(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	deleted, err = c.DeletedFiles(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	untracked, err := c.UntrackedFiles(ctx, path)
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[string]bool)
	for _, f := range append(modified, untracked...) {
		if !seen[f] {
			seen[f] = true
			changed = append(changed, f)
		}
	}
	sort.Strings(changed)
	sort.Strings(deleted)
	return changed, deleted, nil
}

func splitLines(out string) []string {
	if out == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
