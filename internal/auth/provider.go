package auth

import (
	"context"
	"fmt"

	"github.com/replypilot/replypilot/internal/config"
	"github.com/replypilot/replypilot/internal/store"
)

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	CreatorID   string // internal creator ID (builtin) or Supabase subject until provisioned
	Email       string
	DisplayName string
	Role        string // "creator" or "admin"
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support email/password login.
type LoginProvider interface {
	Login(ctx context.Context, email, password string) (string, error)
	Register(ctx context.Context, email, password, displayName string) (*store.Creator, error)
}

// New creates the configured auth provider.
func New(s store.Store, cfg config.AuthConfig) (Provider, error) {
	switch cfg.Provider {
	case "supabase":
		return NewSupabaseProvider(cfg.SupabaseProjectURL, cfg.SupabaseAudience)
	case "", "builtin":
		return NewService(s, cfg), nil
	default:
		return nil, fmt.Errorf("unknown auth provider %q", cfg.Provider)
	}
}
