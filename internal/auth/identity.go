package auth

import (
	"errors"
	"slices"
	"strings"
)

// RoleAdmin may change mix settings and trigger cleanup.
const RoleAdmin = "admin"

var (
	ErrNoToken       = errors.New("missing bearer token")
	ErrNotConfigured = errors.New("authentication not configured")
	ErrInvalidToken  = errors.New("invalid or expired token")
)

// Identity is the caller behind a request.
type Identity struct {
	UserID string
	Email  string
	Name   string
	Roles  []string
}

func (i *Identity) HasRole(role string) bool {
	return i != nil && slices.Contains(i.Roles, role)
}

// Resolver turns bearer tokens into identities. Provider tokens are checked
// against the OIDC verifier first; HMAC tokens are accepted when a
// secret is configured.
type Resolver struct {
	verifier TokenVerifier
	secret   string
}

// NewResolver creates a resolver. verifier may be nil.
func NewResolver(verifier TokenVerifier, secret string) *Resolver {
	return &Resolver{verifier: verifier, secret: secret}
}

func (r *Resolver) Configured() bool {
	return r.verifier != nil || r.secret != ""
}

func (r *Resolver) Resolve(tokenString string) (*Identity, error) {
	if !r.Configured() {
		return nil, ErrNotConfigured
	}
	if r.verifier != nil {
		if id, err := r.verifier.Verify(tokenString); err == nil {
			return id, nil
		}
	}
	if r.secret != "" {
		if claims, err := ValidateLegacyToken(tokenString, r.secret); err == nil {
			return &Identity{UserID: claims.UserID, Email: claims.Email, Roles: claims.Roles}, nil
		}
	}
	return nil, ErrInvalidToken
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrNoToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", ErrNoToken
	}
	return parts[1], nil
}
