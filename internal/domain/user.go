package domain

import (
	"context"
	"time"
)

// User is the account row owned by user-management. The core only reads it
// (through the bundled password verifier) and updates MFA enrollment.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`    // Never expose the password hash in JSON
	Role         string    `json:"role"` // RBAC Role (admin, user, etc.)
	Active       bool      `json:"active"`
	MFAEnabled   bool      `json:"mfa_enabled"`
	MFASecret    string    `json:"-"` // TOTP secret key
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Principal returns the authenticated identity view of the user.
func (u *User) Principal() *Principal {
	return &Principal{
		ID:         u.ID,
		Email:      u.Email,
		Role:       u.Role,
		Active:     u.Active,
		MFAEnabled: u.MFAEnabled,
		MFASecret:  u.MFASecret,
	}
}

// Principal is an authenticated identity. Read-only to this core.
type Principal struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Active bool   `json:"active"`

	// MFAEnabled and MFASecret are only populated by credential verification;
	// principals rebuilt from access tokens never carry them.
	MFAEnabled bool   `json:"-"`
	MFASecret  string `json:"-"`
}

// Credentials is the login payload.
type Credentials struct {
	Email    string
	Password string
	OTPCode  string
}

// AuthResponse defines the payload returned after a successful login or refresh.
type AuthResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// UserRepository defines the contract for user data persistence.
type UserRepository interface {
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	UpdateMFA(ctx context.Context, userID string, enabled bool, secret string) error
}

// CredentialVerifier checks an email/password pair. It returns (nil, nil) on a
// mismatch and an error only for infrastructure failures.
type CredentialVerifier interface {
	Verify(ctx context.Context, email, password string) (*Principal, error)
}

// PrincipalSource resolves a principal by id, returning (nil, nil) when absent.
type PrincipalSource interface {
	PrincipalByID(ctx context.Context, id string) (*Principal, error)
}
