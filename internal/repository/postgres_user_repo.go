package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
)

// PostgresUserRepo implements domain.UserRepository and domain.PrincipalSource using PostgreSQL.
// The users table belongs to user-management; this repository only reads it
// and updates MFA enrollment.
type PostgresUserRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresUserRepo creates a new repository instance.
func NewPostgresUserRepo(db *sql.DB, now func() time.Time) *PostgresUserRepo {
	return &PostgresUserRepo{db: db, now: now}
}

// We join with 'roles' to get the role name directly, avoiding N+1 queries.
const userSelect = `
	SELECT u.id, u.email, u.password_hash, r.name, u.active, u.mfa_enabled, COALESCE(u.mfa_secret, ''), u.created_at, u.updated_at
	FROM users u
	JOIN roles r ON u.role_id = r.id
`

// GetByEmail retrieves a user by email (case-insensitive). Returns (nil, nil) when absent.
func (r *PostgresUserRepo) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.getOne(ctx, userSelect+`WHERE lower(u.email) = lower($1)`, email)
}

// GetByID retrieves a user by UUID. Returns (nil, nil) when absent.
func (r *PostgresUserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.getOne(ctx, userSelect+`WHERE u.id = $1`, id)
}

func (r *PostgresUserRepo) getOne(ctx context.Context, query string, arg string) (*domain.User, error) {
	user := &domain.User{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.Active,
		&user.MFAEnabled,
		&user.MFASecret,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.NewStoreError("get user", errors.Wrap(err, "database error"))
	}
	return user, nil
}

// PrincipalByID resolves the principal used for refresh-token rotation.
func (r *PostgresUserRepo) PrincipalByID(ctx context.Context, id string) (*domain.Principal, error) {
	user, err := r.GetByID(ctx, id)
	if err != nil || user == nil {
		return nil, err
	}
	return user.Principal(), nil
}

// UpdateMFA modifies a user's MFA status and secret.
func (r *PostgresUserRepo) UpdateMFA(ctx context.Context, userID string, enabled bool, secret string) error {
	query := `
		UPDATE users
		SET mfa_enabled = $1, mfa_secret = $2, updated_at = $3
		WHERE id = $4
	`

	var mfaSecret sql.NullString
	if secret != "" {
		mfaSecret.String = secret
		mfaSecret.Valid = true
	}

	result, err := r.db.ExecContext(ctx, query, enabled, mfaSecret, r.now(), userID)
	if err != nil {
		return domain.NewStoreError("update mfa", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.Errorf("user %s not found", userID)
	}
	return nil
}
