package checkin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is one accepted check-in. At most one exists per
// (session, student) pair; the table enforces that with a unique constraint.
type Record struct {
	ID         string    `json:"id"`
	SessionID  int64     `json:"session_id"`
	StudentID  string    `json:"student_id"`
	DeviceMAC  string    `json:"device_mac"`
	Source     string    `json:"source"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RecordStore persists attendance records.
type RecordStore interface {
	// InsertIfAbsent writes the record unless one already exists for the
	// (session, student) pair. It returns the record that holds after the
	// call and whether this call created it. The insert must be atomic:
	// racing callers see exactly one created=true.
	InsertIfAbsent(ctx context.Context, rec Record) (Record, bool, error)
}

// Repository persists attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertIfAbsent relies on ON CONFLICT DO NOTHING against the
// (session_id, student_id) unique constraint, so concurrent check-ins for
// the same pair resolve inside Postgres rather than with a check-then-act.
func (r *Repository) InsertIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	if rec.Source == "" {
		rec.Source = "checkin"
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, device_mac, source, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, student_id) DO NOTHING
		RETURNING recorded_at
	`, rec.ID, rec.SessionID, rec.StudentID, rec.DeviceMAC, rec.Source, rec.RecordedAt)
	err := row.Scan(&rec.RecordedAt)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, fmt.Errorf("record insert: %w", err)
	}

	// Conflict path: fetch the record that won.
	existing, err := r.find(ctx, rec.SessionID, rec.StudentID)
	if err != nil {
		return Record{}, false, err
	}
	return existing, false, nil
}

func (r *Repository) find(ctx context.Context, sessionID int64, studentID string) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, student_id, device_mac, source, recorded_at
		FROM attendance_records
		WHERE session_id = $1 AND student_id = $2
	`, sessionID, studentID)
	var rec Record
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.DeviceMAC, &rec.Source, &rec.RecordedAt); err != nil {
		return Record{}, fmt.Errorf("record lookup: %w", err)
	}
	return rec, nil
}

// ListBySession returns a session's records ordered by check-in time.
func (r *Repository) ListBySession(ctx context.Context, sessionID int64) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, student_id, device_mac, source, recorded_at
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY recorded_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("record list: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// List returns records with basic filters.
func (r *Repository) List(ctx context.Context, studentID string, sessionID int64, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, session_id, student_id, device_mac, source, recorded_at FROM attendance_records`
	args := []any{}
	clauses := []string{}
	if studentID != "" {
		clauses = append(clauses, fmt.Sprintf("student_id = $%d", len(args)+1))
		args = append(args, studentID)
	}
	if sessionID > 0 {
		clauses = append(clauses, fmt.Sprintf("session_id = $%d", len(args)+1))
		args = append(args, sessionID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + joinClauses(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY recorded_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("record list: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var res []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.DeviceMAC, &rec.Source, &rec.RecordedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func joinClauses(parts []string, sep string) string {
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for i := 1; i < len(parts); i++ {
		out += sep + parts[i]
	}
	return out
}
