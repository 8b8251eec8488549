// Package auth provides authentication for the API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/replypilot/replypilot/internal/config"
	"github.com/replypilot/replypilot/internal/store"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrCreatorExists      = errors.New("creator already exists")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Claims represents the JWT token claims.
type Claims struct {
	CreatorID string `json:"cid"`
	Email     string `json:"eml"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// Service handles builtin email/password authentication.
// It implements Provider and LoginProvider.
type Service struct {
	store        store.Store
	jwtSecret    []byte
	jwtExpiry    time.Duration
	initialAdmin *config.InitialAdmin
}

// NewService creates a new auth service.
func NewService(s store.Store, cfg config.AuthConfig) *Service {
	return &Service{
		store:        s,
		jwtSecret:    []byte(cfg.JWTSecret),
		jwtExpiry:    cfg.JWTExpiry.Duration,
		initialAdmin: cfg.InitialAdmin,
	}
}

// Bootstrap creates the initial admin account if configured and not present.
// This implements the Provider interface.
func (s *Service) Bootstrap(ctx context.Context) error {
	return s.BootstrapAdmin(ctx, s.initialAdmin)
}

// BootstrapAdmin creates the initial admin account from the given config.
func (s *Service) BootstrapAdmin(ctx context.Context, admin *config.InitialAdmin) error {
	if admin == nil {
		return nil
	}

	existing, err := s.store.GetCreatorByEmail(ctx, admin.Email)
	if err != nil {
		return fmt.Errorf("check existing creator: %w", err)
	}
	if existing != nil {
		return nil // already bootstrapped
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(admin.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	now := time.Now()
	creator := &store.Creator{
		ID:           uuid.New().String(),
		Email:        admin.Email,
		PasswordHash: string(hash),
		DisplayName:  admin.Email,
		AuthProvider: "builtin",
		Role:         "admin",
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	return s.store.CreateCreator(ctx, creator)
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// Login authenticates a creator and returns a JWT token.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	creator, err := s.store.GetCreatorByEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("get creator: %w", err)
	}
	if creator == nil {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(creator.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return s.generateToken(creator)
}

// Register creates a new creator account.
func (s *Service) Register(ctx context.Context, email, password, displayName string) (*store.Creator, error) {
	existing, err := s.store.GetCreatorByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, ErrCreatorExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	if displayName == "" {
		displayName = email
	}

	now := time.Now()
	creator := &store.Creator{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		DisplayName:  displayName,
		AuthProvider: "builtin",
		Role:         "creator",
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.CreateCreator(ctx, creator); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrCreatorExists
		}
		return nil, fmt.Errorf("create creator: %w", err)
	}

	return creator, nil
}

// ValidateToken validates a bearer token and returns an Identity.
// This implements the Provider interface.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	claims, err := s.validateJWT(tokenStr)
	if err != nil {
		return nil, err
	}
	return &Identity{
		CreatorID: claims.CreatorID,
		Email:     claims.Email,
		Role:      claims.Role,
	}, nil
}

// validateJWT validates a JWT token and returns the claims.
func (s *Service) validateJWT(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	return claims, nil
}

func (s *Service) generateToken(creator *store.Creator) (string, error) {
	claims := &Claims{
		CreatorID: creator.ID,
		Email:     creator.Email,
		Role:      creator.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
