package store

import (
	"context"
	"errors"

	"github.com/joescharf/devloop/internal/models"
)

// ErrNotFound is wrapped by lookups that match nothing.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for devloop.
type Store interface {
	// Rounds
	CreateRound(ctx context.Context, r *models.Round) error
	GetRound(ctx context.Context, id string) (*models.Round, error)
	// OpenRound returns the newest unresolved round for workspace, or nil.
	OpenRound(ctx context.Context, workspace string) (*models.Round, error)
	ListRounds(ctx context.Context, limit int) ([]*models.Round, error)
	UpdateRound(ctx context.Context, r *models.Round) error

	// Conversation history
	AppendMessage(ctx context.Context, m *models.Message) error
	// ListMessages returns the newest limit messages, oldest first.
	ListMessages(ctx context.Context, limit int) ([]*models.Message, error)
	ClearMessages(ctx context.Context) (int64, error)

	// Promotions
	CreatePromotion(ctx context.Context, p *models.Promotion) error
	ListPromotions(ctx context.Context, limit int) ([]*models.Promotion, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
