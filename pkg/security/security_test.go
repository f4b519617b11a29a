package security

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Cheap parameters keep the suite fast; the format is identical.
var testParams = HashParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func TestHashAndComparePassword(t *testing.T) {
	hash, err := HashPasswordWithParams("correct horse", testParams)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=1024,t=1,p=1$"))

	ok, err := ComparePassword("correct horse", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ComparePassword("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestComparePassword_InvalidHash(t *testing.T) {
	for _, h := range []string{"", "plain", "$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA", "$argon2id$v=1$m=1,t=1,p=1$c2FsdA$aGFzaA"} {
		_, err := ComparePassword("x", h)
		assert.ErrorIs(t, err, ErrInvalidHash, h)
	}
}

func TestTokenSigner_SignAndParse(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clockNow := func() time.Time { return now }
	signer := NewTokenSigner("secret", "sentinel-guard", clockNow)

	tok, err := signer.Sign(Claims{
		UserID:           "u1",
		Email:            "a@example.com",
		Role:             "student",
		SessionID:        "s1",
		RegisteredClaims: jwt.RegisteredClaims{ID: "j1"},
	}, time.Hour)
	require.NoError(t, err)

	claims, err := signer.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "s1", claims.SessionID)
	assert.Equal(t, "j1", claims.ID)
	assert.Equal(t, now.Unix(), claims.IssuedAt.Unix())
	assert.Equal(t, now.UnixMilli(), claims.IssuedAtMillis())

	now = now.Add(2 * time.Hour)
	_, err = signer.Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	claims, err = signer.ParseIgnoringExpiry(tok)
	require.NoError(t, err)
	assert.Equal(t, "s1", claims.SessionID)
}

func TestTokenSigner_RejectsForeignTokens(t *testing.T) {
	now := func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	signer := NewTokenSigner("secret", "sentinel-guard", now)
	claims := Claims{UserID: "u1", RegisteredClaims: jwt.RegisteredClaims{ID: "j1"}}

	other, err := NewTokenSigner("other-secret", "sentinel-guard", now).Sign(claims, time.Hour)
	require.NoError(t, err)
	_, err = signer.Parse(other)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = signer.ParseIgnoringExpiry(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer, err := NewTokenSigner("secret", "someone-else", now).Sign(claims, time.Hour)
	require.NoError(t, err)
	_, err = signer.Parse(wrongIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = signer.ParseIgnoringExpiry(wrongIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken, "revocation must not accept another issuer's tokens")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = signer.Parse(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = signer.Parse("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestClaims_IssuedAtMillisKeepsSubSecondPrecision(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 750*int(time.Millisecond), time.UTC)
	signer := NewTokenSigner("secret", "sentinel-guard", func() time.Time { return now })
	tok, err := signer.Sign(Claims{UserID: "u1", RegisteredClaims: jwt.RegisteredClaims{ID: "j1"}}, time.Hour)
	require.NoError(t, err)

	claims, err := signer.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, now.Truncate(time.Second).Unix(), claims.IssuedAt.Unix())
	assert.Equal(t, now.UnixMilli(), claims.IssuedAtMillis())

	legacy := Claims{RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now)}}
	assert.Equal(t, now.Truncate(time.Second).UnixMilli(), legacy.IssuedAtMillis())
}

func TestOpaqueTokenAndHash(t *testing.T) {
	a, err := GenerateOpaqueToken()
	require.NoError(t, err)
	b, err := GenerateOpaqueToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	assert.Len(t, HashToken(a), 64)
	assert.Equal(t, HashToken(a), HashToken(a))
}

func TestMFA_GenerateAndVerify(t *testing.T) {
	key, err := GenerateMFAKey("Sentinel", "a@example.com")
	require.NoError(t, err)
	assert.Contains(t, key.URI, "otpauth://totp/")
	assert.Contains(t, key.URI, "issuer=Sentinel")

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	code, err := totp.GenerateCode(key.Secret, now)
	require.NoError(t, err)

	assert.True(t, VerifyMFACode(code, key.Secret, now))
	assert.True(t, VerifyMFACode(code, key.Secret, now.Add(30*time.Second)), "one step of skew")
	assert.False(t, VerifyMFACode(code, key.Secret, now.Add(5*time.Minute)))
	assert.False(t, VerifyMFACode("000000x", key.Secret, now))
}
