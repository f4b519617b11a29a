package usecase

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
	"github.com/FilipeAphrody/sentinel-guard/pkg/security"
)

// PasswordVerifier is the bundled domain.CredentialVerifier over the users
// table with argon2id hashes. Unknown emails are compared against a dummy
// hash so both failure paths cost the same.
type PasswordVerifier struct {
	users     domain.UserRepository
	dummyHash string
	log       logrus.FieldLogger
}

// NewPasswordVerifier creates a verifier whose dummy hash uses params.
func NewPasswordVerifier(users domain.UserRepository, params security.HashParams, log logrus.FieldLogger) (*PasswordVerifier, error) {
	dummy, err := security.GenerateOpaqueToken()
	if err != nil {
		return nil, err
	}
	dummyHash, err := security.HashPasswordWithParams(dummy, params)
	if err != nil {
		return nil, err
	}
	return &PasswordVerifier{
		users:     users,
		dummyHash: dummyHash,
		log:       log.WithField("component", "password_verifier"),
	}, nil
}

// Verify returns the principal for a matching email/password pair, (nil, nil)
// on mismatch, and an error only for infrastructure failures.
func (v *PasswordVerifier) Verify(ctx context.Context, email, password string) (*domain.Principal, error) {
	user, err := v.users.GetByEmail(ctx, NormalizeAccount(email))
	if err != nil {
		return nil, err
	}
	if user == nil {
		_, _ = security.ComparePassword(password, v.dummyHash)
		return nil, nil
	}

	match, err := security.ComparePassword(password, user.PasswordHash)
	if err != nil {
		if errors.Is(err, security.ErrInvalidHash) {
			v.log.WithField("user_id", user.ID).Warn("stored password hash is malformed")
			return nil, nil
		}
		return nil, err
	}
	if !match {
		return nil, nil
	}
	return user.Principal(), nil
}
