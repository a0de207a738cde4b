package enrollment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS user_faces (
	user_id TEXT PRIMARY KEY,
	registration_method TEXT NOT NULL,
	collection_name TEXT NOT NULL,
	face_data TEXT NOT NULL,
	liveness_data TEXT,
	verification_status TEXT NOT NULL,
	last_verified_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteRepository stores enrollments in a local SQLite file for single-node
// deployments.
type SQLiteRepository struct {
	db *sql.DB
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// OpenSQLite opens the database at path and creates the schema.
func OpenSQLite(path string) (*SQLiteRepository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

// Close closes the SQLite handle.
func (r *SQLiteRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Get fetches the enrollment of a principal.
func (r *SQLiteRepository) Get(ctx context.Context, userID string) (Enrollment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT user_id, registration_method, collection_name, face_data, liveness_data,
		verification_status, last_verified_at, created_at, updated_at
		FROM user_faces WHERE user_id = ?`, userID)

	var (
		e            Enrollment
		method       string
		status       string
		face         string
		livenessData sql.NullString
		lastVerified sql.NullInt64
		createdAt    int64
		updatedAt    int64
	)
	if err := row.Scan(&e.UserID, &method, &e.CollectionID, &face, &livenessData, &status, &lastVerified, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Enrollment{}, ErrNotFound
		}
		return Enrollment{}, fmt.Errorf("load enrollment: %w", err)
	}
	e.Method = Method(method)
	e.Status = Status(status)
	var live []byte
	if livenessData.Valid {
		live = []byte(livenessData.String)
	}
	if err := decodeColumns(&e, []byte(face), live); err != nil {
		return Enrollment{}, err
	}
	if lastVerified.Valid {
		t := fromMillis(lastVerified.Int64)
		e.LastVerifiedAt = &t
	}
	e.CreatedAt = fromMillis(createdAt)
	e.UpdatedAt = fromMillis(updatedAt)
	return e, nil
}

// Save upserts the enrollment.
func (r *SQLiteRepository) Save(ctx context.Context, e Enrollment) error {
	face, livenessData, err := encodeColumns(e)
	if err != nil {
		return err
	}
	var live sql.NullString
	if livenessData != nil {
		live = sql.NullString{String: string(livenessData), Valid: true}
	}
	var lastVerified sql.NullInt64
	if e.LastVerifiedAt != nil {
		lastVerified = sql.NullInt64{Int64: toMillis(*e.LastVerifiedAt), Valid: true}
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO user_faces (user_id, registration_method, collection_name, face_data, liveness_data,
		verification_status, last_verified_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			registration_method = excluded.registration_method,
			collection_name = excluded.collection_name,
			face_data = excluded.face_data,
			liveness_data = excluded.liveness_data,
			verification_status = excluded.verification_status,
			last_verified_at = excluded.last_verified_at,
			updated_at = excluded.updated_at`,
		e.UserID, string(e.Method), e.CollectionID, string(face), live, string(e.Status), lastVerified,
		toMillis(e.CreatedAt), toMillis(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save enrollment: %w", err)
	}
	return nil
}

// MarkVerified records a successful verification.
func (r *SQLiteRepository) MarkVerified(ctx context.Context, userID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE user_faces SET verification_status = ?, last_verified_at = ?, updated_at = ?
		WHERE user_id = ?`, string(StatusVerified), toMillis(at), toMillis(at), userID)
	if err != nil {
		return fmt.Errorf("mark enrollment verified: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark enrollment verified: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
