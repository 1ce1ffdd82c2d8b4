// Package auth resolves bearer credentials to caller identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	jwtpkg "github.com/splax/peepmetrics/pkg/jwt"
)

// ErrUnauthenticated is returned for missing or invalid credentials.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Identity is the resolved caller.
type Identity struct {
	UserID     string
	Credential string
}

// Service verifies bearer tokens.
type Service struct {
	verifier *jwtpkg.Verifier
}

// New constructs a Service.
func New(verifier *jwtpkg.Verifier) Service {
	return Service{verifier: verifier}
}

// Authorize validates a bearer token and returns the caller identity.
func (s Service) Authorize(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}
	claims, err := s.verifier.Verify(token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	return Identity{UserID: claims.Identity(), Credential: token}, nil
}
