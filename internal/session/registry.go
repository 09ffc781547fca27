package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound means no session exists with the given id.
var ErrNotFound = errors.New("session not found")

// Session is one scheduled attendance-taking window, bound to a classroom
// Wi-Fi segment. Read-only from the check-in path; the scheduling endpoints
// own its lifecycle.
type Session struct {
	ID            int64      `json:"id"`
	ClassroomID   int64      `json:"classroom_id"`
	ClassroomName string     `json:"classroom_name"`
	Segment       string     `json:"classroom_prefix"`
	StartsAt      *time.Time `json:"starts_at,omitempty"`
	EndsAt        *time.Time `json:"ends_at,omitempty"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// OpenAt reports whether the session accepts check-ins at the given instant.
func (s Session) OpenAt(now time.Time) bool {
	if s.ClosedAt != nil && !s.ClosedAt.After(now) {
		return false
	}
	if s.StartsAt != nil && now.Before(*s.StartsAt) {
		return false
	}
	if s.EndsAt != nil && now.After(*s.EndsAt) {
		return false
	}
	return true
}

// Registry looks up sessions by id.
type Registry interface {
	Find(ctx context.Context, id int64) (Session, error)
}

// PostgresRegistry backs the registry with the sessions and classrooms tables.
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry creates a registry over the shared connection.
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

// Find returns the session with its classroom segment, or ErrNotFound.
// Callers must validate id > 0 before lookup.
func (r *PostgresRegistry) Find(ctx context.Context, id int64) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT s.id, s.classroom_id, c.name, c.wifi_prefix, s.starts_at, s.ends_at, s.closed_at, s.created_at
		FROM sessions s
		JOIN classrooms c ON c.id = s.classroom_id
		WHERE s.id = $1
	`, id)
	var s Session
	if err := row.Scan(&s.ID, &s.ClassroomID, &s.ClassroomName, &s.Segment, &s.StartsAt, &s.EndsAt, &s.ClosedAt, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("session lookup: %w", err)
	}
	return s, nil
}

// Create schedules a new session for a classroom. Scheduling surface only,
// never reachable from the validator.
func (r *PostgresRegistry) Create(ctx context.Context, classroomID int64, startsAt, endsAt *time.Time) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO sessions (classroom_id, starts_at, ends_at)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, classroomID, startsAt, endsAt)
	s := Session{ClassroomID: classroomID, StartsAt: startsAt, EndsAt: endsAt}
	if err := row.Scan(&s.ID, &s.CreatedAt); err != nil {
		return Session{}, fmt.Errorf("session create: %w", err)
	}
	return s, nil
}

// Close marks a session closed as of now. Closing twice keeps the first
// closure time.
func (r *PostgresRegistry) Close(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET closed_at = NOW() WHERE id = $1 AND closed_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("session close: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("session close: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

// CreateClassroom registers a classroom with its Wi-Fi segment prefix.
func (r *PostgresRegistry) CreateClassroom(ctx context.Context, name, wifiPrefix string) (int64, error) {
	if wifiPrefix == "" {
		return 0, errors.New("wifi prefix required")
	}
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO classrooms (name, wifi_prefix) VALUES ($1, $2) RETURNING id
	`, name, wifiPrefix).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("classroom create: %w", err)
	}
	return id, nil
}
