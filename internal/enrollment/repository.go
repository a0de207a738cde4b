package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stepguard/stepguard/internal/biometric"
)

// Repository persists one enrollment per principal.
type Repository interface {
	Get(ctx context.Context, userID string) (Enrollment, error)
	// Save inserts or replaces the principal's enrollment.
	Save(ctx context.Context, e Enrollment) error
	// MarkVerified flips the status to verified and stamps last_verified_at.
	MarkVerified(ctx context.Context, userID string, at time.Time) error
}

// PostgresRepository stores enrollments in the user_faces table.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Get fetches the enrollment of a principal.
func (r *PostgresRepository) Get(ctx context.Context, userID string) (Enrollment, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return Enrollment{}, ErrNotFound
	}
	row := r.db.QueryRow(ctx, `SELECT user_id, registration_method, collection_name, face_data, liveness_data,
        verification_status, last_verified_at, created_at, updated_at
        FROM user_faces WHERE user_id = $1`, id)

	var (
		e            Enrollment
		idVal        uuid.UUID
		method       string
		status       string
		face         []byte
		livenessData []byte
		lastVerified *time.Time
	)
	if err := row.Scan(&idVal, &method, &e.CollectionID, &face, &livenessData, &status, &lastVerified, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Enrollment{}, ErrNotFound
		}
		return Enrollment{}, fmt.Errorf("load enrollment: %w", err)
	}
	e.UserID = idVal.String()
	e.Method = Method(method)
	e.Status = Status(status)
	if err := decodeColumns(&e, face, livenessData); err != nil {
		return Enrollment{}, err
	}
	if lastVerified != nil {
		t := lastVerified.UTC()
		e.LastVerifiedAt = &t
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

// Save upserts the enrollment.
func (r *PostgresRepository) Save(ctx context.Context, e Enrollment) error {
	id, err := uuid.Parse(e.UserID)
	if err != nil {
		return err
	}
	face, livenessData, err := encodeColumns(e)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO user_faces (user_id, registration_method, collection_name, face_data, liveness_data,
        verification_status, last_verified_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (user_id) DO UPDATE SET
            registration_method = EXCLUDED.registration_method,
            collection_name = EXCLUDED.collection_name,
            face_data = EXCLUDED.face_data,
            liveness_data = EXCLUDED.liveness_data,
            verification_status = EXCLUDED.verification_status,
            last_verified_at = EXCLUDED.last_verified_at,
            updated_at = EXCLUDED.updated_at`,
		id, string(e.Method), e.CollectionID, face, livenessData, string(e.Status), e.LastVerifiedAt, e.CreatedAt.UTC(), e.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save enrollment: %w", err)
	}
	return nil
}

// MarkVerified records a successful verification.
func (r *PostgresRepository) MarkVerified(ctx context.Context, userID string, at time.Time) error {
	id, err := uuid.Parse(userID)
	if err != nil {
		return ErrNotFound
	}
	cmd, err := r.db.Exec(ctx, `UPDATE user_faces SET verification_status = $1, last_verified_at = $2, updated_at = $2
        WHERE user_id = $3`, string(StatusVerified), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark enrollment verified: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeColumns(e Enrollment) ([]byte, []byte, error) {
	face, err := json.Marshal(faceData{FaceIDs: e.FaceIDs, ImageRef: e.ImageRef, Indexed: e.Indexed})
	if err != nil {
		return nil, nil, fmt.Errorf("encode face data: %w", err)
	}
	if e.Liveness == nil {
		return face, nil, nil
	}
	clean := e.Liveness.Sanitized()
	livenessData, err := json.Marshal(clean)
	if err != nil {
		return nil, nil, fmt.Errorf("encode liveness data: %w", err)
	}
	return face, livenessData, nil
}

func decodeColumns(e *Enrollment, face, livenessData []byte) error {
	if len(face) > 0 {
		var fd faceData
		if err := json.Unmarshal(face, &fd); err != nil {
			return fmt.Errorf("decode face data: %w", err)
		}
		e.FaceIDs, e.ImageRef, e.Indexed = fd.FaceIDs, fd.ImageRef, fd.Indexed
	}
	if len(livenessData) > 0 {
		var res biometric.LivenessResult
		if err := json.Unmarshal(livenessData, &res); err != nil {
			return fmt.Errorf("decode liveness data: %w", err)
		}
		e.Liveness = &res
	}
	return nil
}
