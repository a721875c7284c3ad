package models

import "time"

// PromotionStatus represents the result of copying dev into prod.
type PromotionStatus string

const (
	PromotionCommitted PromotionStatus = "committed"
	PromotionNoChanges PromotionStatus = "no_changes"
	PromotionFailed    PromotionStatus = "failed"
)

// Promotion records one approve.
type Promotion struct {
	ID        string          `json:"id"`
	RoundID   string          `json:"round_id,omitempty"`
	Branch    string          `json:"branch"`
	Copied    []string        `json:"copied,omitempty"`
	Deleted   []string        `json:"deleted,omitempty"`
	Skipped   []string        `json:"skipped,omitempty"`
	Commit    string          `json:"commit,omitempty"`
	Status    PromotionStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
