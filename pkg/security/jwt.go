package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any parse or validation failure.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the access-token claims. Subject and UserID carry the same id;
// ID (jti) makes every token unique for blacklisting. IssuedAtMs repeats iat
// in milliseconds, since NumericDate only keeps whole seconds.
type Claims struct {
	UserID     string `json:"user_id"`
	Email      string `json:"email"`
	Role       string `json:"role"`
	SessionID  string `json:"sid"`
	IssuedAtMs int64  `json:"iat_ms"`
	jwt.RegisteredClaims
}

// IssuedAtMillis returns the issue time in unix milliseconds, falling back to
// the whole-second iat for tokens without iat_ms.
func (c *Claims) IssuedAtMillis() int64 {
	if c.IssuedAtMs > 0 {
		return c.IssuedAtMs
	}
	if c.IssuedAt != nil {
		return c.IssuedAt.UnixMilli()
	}
	return 0
}

// TokenSigner signs and verifies HS256 access tokens against an injected clock.
type TokenSigner struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenSigner creates a signer. now drives iat/exp and expiry checks.
func NewTokenSigner(secret, issuer string, now func() time.Time) *TokenSigner {
	return &TokenSigner{secret: []byte(secret), issuer: issuer, now: now}
}

// Sign issues a token for the claims with lifetime ttl. It fills iss, iat, nbf and exp.
func (s *TokenSigner) Sign(claims Claims, ttl time.Duration) (string, error) {
	now := s.now()
	claims.Issuer = s.issuer
	claims.Subject = claims.UserID
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.IssuedAtMs = now.UnixMilli()
	claims.NotBefore = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Parse verifies signature, issuer, nbf and expiry.
func (s *TokenSigner) Parse(tokenString string) (*Claims, error) {
	return s.parse(tokenString,
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
}

// ParseIgnoringExpiry verifies the signature and issuer but not the time
// claims. Used by revocation, where an expired token is still a valid handle
// for its session.
func (s *TokenSigner) ParseIgnoringExpiry(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, err
	}
	if claims.Issuer != s.issuer {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *TokenSigner) parse(tokenString string, opts ...jwt.ParserOption) (*Claims, error) {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
