package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/makeasinger/automix/internal/config"
)

// TokenVerifier checks provider-issued tokens and maps them to an Identity.
type TokenVerifier interface {
	Verify(tokenString string) (*Identity, error)
	Close() error
}

// OIDCVerifier validates RS/ES signed tokens against the provider's JWKS.
// Provider roles are read from a configurable claim; the configured admin
// role is reported as RoleAdmin so RequireRole can gate admin routes.
type OIDCVerifier struct {
	jwks      keyfunc.Keyfunc
	cancel    context.CancelFunc
	issuer    string
	audience  string
	roleClaim string
	adminRole string
}

// NewOIDCVerifier discovers the JWKS endpoint of cfg.Issuer and keeps the
// key set refreshed until Close.
func NewOIDCVerifier(cfg *config.OIDCConfig, httpClient *http.Client) (*OIDCVerifier, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("oidc issuer is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	discoverCtx, cancelDiscover := context.WithTimeout(context.Background(), timeout)
	defer cancelDiscover()
	jwksURL, err := discoverJWKSURL(discoverCtx, httpClient, cfg.Issuer)
	if err != nil {
		return nil, err
	}

	// the refresh goroutine lives as long as this context
	ctx, cancel := context.WithCancel(context.Background())
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load JWKS from %s: %w", jwksURL, err)
	}

	return &OIDCVerifier{
		jwks:      jwks,
		cancel:    cancel,
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		roleClaim: cfg.RoleClaim,
		adminRole: cfg.AdminRole,
	}, nil
}

type discoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// discoverJWKSURL reads the provider's discovery document. The document must
// name the same issuer the verifier was configured with.
func discoverJWKSURL(ctx context.Context, client *http.Client, issuer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create discovery request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if strings.TrimSuffix(doc.Issuer, "/") != issuer {
		return "", fmt.Errorf("discovery issuer %q does not match %q", doc.Issuer, issuer)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("jwks_uri not found in discovery document")
	}
	return doc.JWKSURI, nil
}

// Verify checks signature, issuer, expiry and audience, then builds the
// caller identity.
func (v *OIDCVerifier) Verify(tokenString string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	id := &Identity{
		UserID: sub,
		Email:  stringClaim(claims, "email"),
		Name:   stringClaim(claims, "name"),
	}
	if id.Name == "" {
		id.Name = stringClaim(claims, "preferred_username")
	}
	id.Roles = v.mapRoles(rolesFromClaim(claims[v.roleClaim]))
	return id, nil
}

// mapRoles reports the provider admin role as RoleAdmin and keeps the rest.
func (v *OIDCVerifier) mapRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if v.adminRole != "" && r == v.adminRole {
			r = RoleAdmin
		}
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}

// rolesFromClaim accepts the shapes providers use for roles: a map keyed
// by role name (project roles), a list of names, or a space separated string.
func rolesFromClaim(raw interface{}) []string {
	var roles []string
	switch v := raw.(type) {
	case map[string]interface{}:
		for name := range v {
			roles = append(roles, name)
		}
		sort.Strings(roles)
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				roles = append(roles, s)
			}
		}
	case string:
		roles = strings.Fields(v)
	}
	return roles
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}

// Close stops the background key refresh.
func (v *OIDCVerifier) Close() error {
	v.cancel()
	return nil
}
