// Package jwt signs and verifies the bearer credentials presented to the metrics API.
package jwt

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// ErrMissingIdentity is returned for valid tokens that name no caller.
var ErrMissingIdentity = errors.New("jwt: token carries no identity")

// Claims defines the JWT payload.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwtlib.RegisteredClaims
}

// Identity returns user_id, falling back to the registered subject.
func (c *Claims) Identity() string {
	if id := strings.TrimSpace(c.UserID); id != "" {
		return id
	}
	return strings.TrimSpace(c.Subject)
}

// Sign issues an HS256 token for userID.
func Sign(userID, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    "peep",
			Subject:   userID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Verifier validates HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	leeway time.Duration
}

// NewVerifier returns a Verifier allowing leeway of clock skew on expiry checks.
func NewVerifier(secret string, leeway time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), leeway: leeway}
}

// Verify validates token and extracts its claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}),
		jwtlib.WithLeeway(v.leeway),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	if claims.Identity() == "" {
		return nil, ErrMissingIdentity
	}
	return claims, nil
}
