package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/devloop/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serializes access from the API server and the MCP server.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// NewID returns a new ULID string.
func NewID() string {
	return ulid.Make().String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(list)
	return string(data)
}

func decodeList(raw string) []string {
	var list []string
	if raw == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(raw), &list)
	return list
}

// sqlLimit maps a non-positive limit to SQLite's "no limit".
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// --- Rounds ---

const roundColumns = `id, workspace, prompt, explanation, snapshot, stash_label, status, action_count, errors, created_at, updated_at, resolved_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRound(row scanner) (*models.Round, error) {
	r := &models.Round{}
	var snapshot, status, errs string
	var resolvedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.Workspace, &r.Prompt, &r.Explanation, &snapshot, &r.StashLabel,
		&status, &r.ActionCount, &errs, &r.CreatedAt, &r.UpdatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	r.Snapshot = models.SnapshotKind(snapshot)
	r.Status = models.RoundStatus(status)
	r.Errors = decodeList(errs)
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.Time
	}
	return r, nil
}

func (s *SQLiteStore) CreateRound(ctx context.Context, r *models.Round) error {
	if r.ID == "" {
		r.ID = NewID()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rounds (`+roundColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Workspace, r.Prompt, r.Explanation, string(r.Snapshot), r.StashLabel,
		string(r.Status), r.ActionCount, encodeList(r.Errors), r.CreatedAt, r.UpdatedAt, r.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("create round: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRound(ctx context.Context, id string) (*models.Round, error) {
	r, err := scanRound(s.db.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("round %w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get round: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) OpenRound(ctx context.Context, workspace string) (*models.Round, error) {
	r, err := scanRound(s.db.QueryRowContext(ctx,
		`SELECT `+roundColumns+` FROM rounds
		WHERE workspace = ? AND status IN (?, ?)
		ORDER BY rowid DESC LIMIT 1`,
		workspace, string(models.RoundStaged), string(models.RoundApplied)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get open round: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ListRounds(ctx context.Context, limit int) ([]*models.Round, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+roundColumns+` FROM rounds ORDER BY rowid DESC LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rounds []*models.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}

func (s *SQLiteStore) UpdateRound(ctx context.Context, r *models.Round) error {
	r.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE rounds SET explanation=?, snapshot=?, stash_label=?, status=?, action_count=?, errors=?, updated_at=?, resolved_at=?
		WHERE id=?`,
		r.Explanation, string(r.Snapshot), r.StashLabel, string(r.Status), r.ActionCount,
		encodeList(r.Errors), r.UpdatedAt, r.ResolvedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update round: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("round %w: %s", ErrNotFound, r.ID)
	}
	return nil
}

// --- Messages ---

func (s *SQLiteStore) AppendMessage(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	m.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, round_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.RoundID, string(m.Role), m.Content, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, limit int) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, round_id, role, content, created_at FROM (
			SELECT rowid AS seq, id, round_id, role, content, created_at FROM messages ORDER BY rowid DESC LIMIT ?
		) ORDER BY seq`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*models.Message
	for rows.Next() {
		m := &models.Message{}
		var role string
		if err := rows.Scan(&m.ID, &m.RoundID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.Role(role)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) ClearMessages(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM messages")
	if err != nil {
		return 0, fmt.Errorf("clear messages: %w", err)
	}
	return result.RowsAffected()
}

// --- Promotions ---

func (s *SQLiteStore) CreatePromotion(ctx context.Context, p *models.Promotion) error {
	if p.ID == "" {
		p.ID = NewID()
	}
	p.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO promotions (id, round_id, branch, copied, deleted, skipped, commit_sha, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RoundID, p.Branch, encodeList(p.Copied), encodeList(p.Deleted), encodeList(p.Skipped),
		p.Commit, string(p.Status), p.Error, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create promotion: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPromotions(ctx context.Context, limit int) ([]*models.Promotion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, round_id, branch, copied, deleted, skipped, commit_sha, status, error, created_at
		FROM promotions ORDER BY rowid DESC LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list promotions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Promotion
	for rows.Next() {
		p := &models.Promotion{}
		var copied, deleted, skipped, status string
		if err := rows.Scan(&p.ID, &p.RoundID, &p.Branch, &copied, &deleted, &skipped,
			&p.Commit, &status, &p.Error, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan promotion: %w", err)
		}
		p.Copied = decodeList(copied)
		p.Deleted = decodeList(deleted)
		p.Skipped = decodeList(skipped)
		p.Status = models.PromotionStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}
