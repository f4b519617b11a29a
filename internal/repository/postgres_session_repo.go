package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
)

// PostgresSessionRepo implements domain.SessionRepository using PostgreSQL.
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo creates a new repository instance.
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

const sessionColumns = `id, user_id, token_hash, ip_address, user_agent, issued_at, expires_at, revoked_at`

// Create inserts a new session row.
func (r *PostgresSessionRepo) Create(ctx context.Context, s *domain.Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		s.ID,
		s.UserID,
		s.TokenHash,
		s.IPAddress,
		s.UserAgent,
		s.IssuedAt,
		s.ExpiresAt,
		nullTime(s.RevokedAt),
	)
	if err != nil {
		return domain.NewStoreError("create session", errors.Wrap(err, "insert session"))
	}
	return nil
}

// GetByTokenHash returns the session owning the refresh token hash, or nil.
func (r *PostgresSessionRepo) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE token_hash = $1`

	s, err := scanSession(r.db.QueryRowContext(ctx, query, tokenHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.NewStoreError("get session", err)
	}
	return s, nil
}

// Revoke marks a session revoked. The revoked_at IS NULL guard makes it single-use.
func (r *PostgresSessionRepo) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`, id, at)
	if err != nil {
		return false, domain.NewStoreError("revoke session", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, domain.NewStoreError("revoke session", err)
	}
	return rows == 1, nil
}

// RevokeAllByUser revokes every live session of the user.
func (r *PostgresSessionRepo) RevokeAllByUser(ctx context.Context, userID string, at time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`, userID, at)
	return affected(result, err, "revoke user sessions")
}

// ListActiveByUser returns usable sessions, oldest first.
func (r *PostgresSessionRepo) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE user_id = $1 AND revoked_at IS NULL AND expires_at >= $2
		ORDER BY issued_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, userID, now)
	if err != nil {
		return nil, domain.NewStoreError("list sessions", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, domain.NewStoreError("list sessions", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStoreError("list sessions", err)
	}
	return out, nil
}

func (r *PostgresSessionRepo) DeleteExpiredByUser(ctx context.Context, userID string, now time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = $1 AND expires_at < $2`, userID, now)
	return affected(result, err, "delete expired sessions")
}

func (r *PostgresSessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < $1`, now)
	return affected(result, err, "delete expired sessions")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	s := &domain.Session{}
	var revokedAt sql.NullTime
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.TokenHash,
		&s.IPAddress,
		&s.UserAgent,
		&s.IssuedAt,
		&s.ExpiresAt,
		&revokedAt,
	)
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		s.RevokedAt = &t
	}
	return s, nil
}

func affected(result sql.Result, err error, op string) (int, error) {
	if err != nil {
		return 0, domain.NewStoreError(op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, domain.NewStoreError(op, err)
	}
	return int(rows), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
