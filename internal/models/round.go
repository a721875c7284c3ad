package models

import "time"

// RoundStatus represents where a round of AI edits stands.
type RoundStatus string

const (
	RoundStaged     RoundStatus = "staged"
	RoundApplied    RoundStatus = "applied"
	RoundApproved   RoundStatus = "approved"
	RoundRolledBack RoundStatus = "rolled_back"
	RoundUndone     RoundStatus = "undone"
	RoundConfirmed  RoundStatus = "confirmed"
	RoundFailed     RoundStatus = "failed"
)

// Open reports whether the round still awaits approve, rollback, undo or
// confirm.
func (s RoundStatus) Open() bool {
	return s == RoundStaged || s == RoundApplied
}

// SnapshotKind records how the pre-edit state was captured.
type SnapshotKind string

const (
	// SnapshotStash means uncommitted work was saved to a labeled stash.
	SnapshotStash SnapshotKind = "stash"
	// SnapshotClean means the workspace had nothing to save.
	SnapshotClean SnapshotKind = "clean"
)

// Round is one stage-to-resolution cycle of AI edits against a workspace.
type Round struct {
	ID          string       `json:"id"`
	Workspace   string       `json:"workspace"`
	Prompt      string       `json:"prompt,omitempty"`
	Explanation string       `json:"explanation,omitempty"`
	Snapshot    SnapshotKind `json:"snapshot"`
	StashLabel  string       `json:"stash_label,omitempty"`
	Status      RoundStatus  `json:"status"`
	ActionCount int          `json:"action_count"`
	Errors      []string     `json:"errors,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
}
