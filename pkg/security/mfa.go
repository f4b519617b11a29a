package security

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// MFAKey is a freshly generated TOTP enrollment.
type MFAKey struct {
	Secret string // Base32, as Google Authenticator expects
	URI    string // otpauth:// URI for QR code generation
}

// GenerateMFAKey creates a TOTP secret for the account under issuer.
func GenerateMFAKey(issuer, account string) (*MFAKey, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
	})
	if err != nil {
		return nil, err
	}
	return &MFAKey{Secret: key.Secret(), URI: key.URL()}, nil
}

// VerifyMFACode checks a 6-digit code against secret at time now,
// allowing one 30s step of clock skew either way.
func VerifyMFACode(code, secret string, now time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, now, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
