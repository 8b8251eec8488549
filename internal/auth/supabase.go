package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// SupabaseProvider validates Supabase-issued JWTs using JWKS.
type SupabaseProvider struct {
	issuer   string
	audience string
	jwks     keyfunc.Keyfunc
}

// NewSupabaseProvider creates a SupabaseProvider that fetches JWKS from the
// project's auth endpoint.
func NewSupabaseProvider(projectURL, audience string) (*SupabaseProvider, error) {
	if projectURL == "" {
		return nil, fmt.Errorf("supabase project URL is required")
	}
	projectURL = strings.TrimSuffix(projectURL, "/")
	if audience == "" {
		audience = "authenticated"
	}

	issuer := projectURL + "/auth/v1"
	jwksURL := issuer + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &SupabaseProvider{
		issuer:   issuer,
		audience: audience,
		jwks:     jwks,
	}, nil
}

// ValidateToken parses a Supabase JWT and returns an Identity. CreatorID
// carries the Supabase subject; the API layer swaps in the local creator ID
// after provisioning.
func (p *SupabaseProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, p.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthorized
	}

	email := claimStr(claims, "email")

	// Admins carry an app_metadata flag; everyone else is a creator.
	role := "creator"
	if meta, ok := claims["app_metadata"].(map[string]any); ok {
		if admin, _ := meta["admin"].(bool); admin {
			role = "admin"
		}
	}

	// Build a display name from available claims.
	name := email
	if meta, ok := claims["user_metadata"].(map[string]any); ok {
		switch {
		case metaStr(meta, "name") != "":
			name = metaStr(meta, "name")
		case metaStr(meta, "full_name") != "":
			name = metaStr(meta, "full_name")
		}
	}
	if name == "" {
		name = sub
	}

	return &Identity{
		CreatorID:   sub,
		Email:       email,
		DisplayName: name,
		Role:        role,
	}, nil
}

// Bootstrap is a no-op for Supabase (accounts are managed externally).
func (p *SupabaseProvider) Bootstrap(ctx context.Context) error {
	return nil
}

// Name returns the provider name.
func (p *SupabaseProvider) Name() string { return "supabase" }

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

func metaStr(meta map[string]any, key string) string {
	v, _ := meta[key].(string)
	return v
}
