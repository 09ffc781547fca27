package student

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Student is one registered student with their enrolled device.
type Student struct {
	ID        string    `json:"id"`
	Name      *string   `json:"name,omitempty"`
	MAC       string    `json:"mac_address"`
	CreatedAt time.Time `json:"created_at"`
}

// Directory persists the student roster in Postgres.
type Directory struct {
	db *sql.DB
}

// NewDirectory creates a directory over the shared connection.
func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

// Upsert registers a student, or refreshes the name and device MAC of an
// existing one. The mac must already be canonical.
func (d *Directory) Upsert(ctx context.Context, id string, name *string, mac string) error {
	if id == "" {
		return errors.New("student id required")
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO students (id, name, mac_address)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			name = COALESCE(EXCLUDED.name, students.name),
			mac_address = EXCLUDED.mac_address
	`, id, name, mac)
	if err != nil {
		return fmt.Errorf("student upsert: %w", err)
	}
	return nil
}

// FindByMAC returns the student enrolled with the given canonical MAC, or
// (nil, nil) when no student owns that device.
func (d *Directory) FindByMAC(ctx context.Context, mac string) (*Student, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, name, mac_address, created_at FROM students WHERE mac_address = $1
	`, mac)
	var s Student
	if err := row.Scan(&s.ID, &s.Name, &s.MAC, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("student lookup by mac: %w", err)
	}
	return &s, nil
}

// Find returns the student with the given id, or (nil, nil).
func (d *Directory) Find(ctx context.Context, id string) (*Student, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, name, mac_address, created_at FROM students WHERE id = $1
	`, id)
	var s Student
	if err := row.Scan(&s.ID, &s.Name, &s.MAC, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("student lookup: %w", err)
	}
	return &s, nil
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (d *Directory) SaveRefreshToken(ctx context.Context, studentID, token string, expiresAt time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (student_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, studentID, token, expiresAt)
	return err
}

// RevokeRefreshToken marks a token revoked.
func (d *Directory) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1`, token)
	return err
}
