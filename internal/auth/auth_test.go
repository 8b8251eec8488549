package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/replypilot/replypilot/internal/config"
	"github.com/replypilot/replypilot/internal/store"
)

func newTestAuthService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long",
		JWTExpiry: config.Duration{Duration: 1 * time.Hour},
	}

	svc := NewService(s, cfg)
	return svc, s
}

func TestBootstrapAdmin(t *testing.T) {
	svc, s := newTestAuthService(t)
	ctx := context.Background()

	admin := &config.InitialAdmin{
		Email:    "admin@example.com",
		Password: "admin-password",
	}

	// First bootstrap should create the admin account.
	if err := svc.BootstrapAdmin(ctx, admin); err != nil {
		t.Fatalf("BootstrapAdmin: %v", err)
	}

	creator, err := s.GetCreatorByEmail(ctx, "admin@example.com")
	if err != nil {
		t.Fatalf("GetCreatorByEmail: %v", err)
	}
	if creator == nil {
		t.Fatal("admin account not created")
	}
	if creator.Role != "admin" {
		t.Errorf("Role: got %q, want %q", creator.Role, "admin")
	}

	// Second bootstrap should be idempotent.
	if err := svc.BootstrapAdmin(ctx, admin); err != nil {
		t.Fatalf("BootstrapAdmin (idempotent): %v", err)
	}

	creators, err := s.ListCreators(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListCreators: %v", err)
	}
	if len(creators) != 1 {
		t.Errorf("expected 1 creator after double bootstrap, got %d", len(creators))
	}

	// Bootstrap with nil should be a no-op.
	if err := svc.BootstrapAdmin(ctx, nil); err != nil {
		t.Fatalf("BootstrapAdmin(nil): %v", err)
	}
}

func TestLoginSuccess(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice@example.com", "secret123", "Alice")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	token, err := svc.Login(ctx, "alice@example.com", "secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token == "" {
		t.Fatal("Login returned empty token")
	}

	// Token should be a valid JWT (three dot-separated parts).
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Errorf("expected JWT with 3 parts, got %d", len(parts))
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice@example.com", "secret123", "Alice")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err = svc.Login(ctx, "alice@example.com", "wrong-password")
	if err == nil {
		t.Fatal("expected error for wrong password, got nil")
	}
	if err != ErrInvalidCredentials {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginNonexistentCreator(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	_, err := svc.Login(ctx, "nobody@example.com", "password")
	if err == nil {
		t.Fatal("expected error for nonexistent creator, got nil")
	}
	if err != ErrInvalidCredentials {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestValidateToken(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	creator, err := svc.Register(ctx, "alice@example.com", "secret123", "Alice")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	token, err := svc.Login(ctx, "alice@example.com", "secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	identity, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}

	if identity.CreatorID != creator.ID {
		t.Errorf("CreatorID: got %q, want %q", identity.CreatorID, creator.ID)
	}
	if identity.Email != "alice@example.com" {
		t.Errorf("Email: got %q, want %q", identity.Email, "alice@example.com")
	}
	if identity.Role != "creator" {
		t.Errorf("Role: got %q, want %q", identity.Role, "creator")
	}
}

func TestExpiredToken(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	// Create a service with a very short (already past) expiry.
	cfg := config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long",
		JWTExpiry: config.Duration{Duration: -1 * time.Hour}, // expired 1h ago
	}

	svc := NewService(s, cfg)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice@example.com", "secret123", "Alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	token, err := svc.Login(ctx, "alice@example.com", "secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	_, err = svc.ValidateToken(ctx, token)
	if err == nil {
		t.Fatal("expected error for expired token, got nil")
	}
	if err != ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestTamperedToken(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice@example.com", "secret123", "Alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	token, err := svc.Login(ctx, "alice@example.com", "secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	tampered := token[:len(token)-2] + "xx"
	if _, err := svc.ValidateToken(ctx, tampered); err != ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized for tampered token, got %v", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice@example.com", "secret123", "Alice")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err = svc.Register(ctx, "alice@example.com", "other-password", "Alice 2")
	if err == nil {
		t.Fatal("expected error for duplicate registration, got nil")
	}
	if err != ErrCreatorExists {
		t.Errorf("expected ErrCreatorExists, got %v", err)
	}
}

func TestNewProviderSelection(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	p, err := New(s, config.AuthConfig{JWTSecret: "test-secret-at-least-32-chars-long"})
	if err != nil {
		t.Fatalf("New(builtin): %v", err)
	}
	if p.Name() != "builtin" {
		t.Errorf("Name: got %q, want %q", p.Name(), "builtin")
	}

	if _, err := New(s, config.AuthConfig{Provider: "nope"}); err == nil {
		t.Error("expected error for unknown provider")
	}

	// Supabase without a project URL fails fast.
	if _, err := New(s, config.AuthConfig{Provider: "supabase"}); err == nil {
		t.Error("expected error for supabase provider without project URL")
	}
}

func TestRegisterMapsDuplicateError(t *testing.T) {
	svc, s := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice@example.com", "pw-one", ""); err != nil {
		t.Fatal(err)
	}

	// The store-level duplicate surfaces as ErrCreatorExists even if the
	// existence pre-check races.
	_, err := svc.Register(ctx, "alice@example.com", "pw-two", "")
	if !errors.Is(err, ErrCreatorExists) {
		t.Errorf("expected ErrCreatorExists, got %v", err)
	}

	c, err := s.GetCreatorByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if c.DisplayName != "alice@example.com" {
		t.Errorf("empty display name should default to email, got %q", c.DisplayName)
	}
}
