package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/replypilot/replypilot/internal/auth"
	"github.com/replypilot/replypilot/internal/store"
)

type contextKey string

const identityContextKey contextKey = "identity"

// getIdentityFromContext retrieves the authenticated identity. Only valid
// inside handlers mounted behind authMiddleware.
func getIdentityFromContext(ctx context.Context) *auth.Identity {
	identity, _ := ctx.Value(identityContextKey).(*auth.Identity)
	return identity
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// authMiddleware validates the bearer token and stores the identity in the
// request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		identity, err := s.auth.ValidateToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ensureCreatorMiddleware provisions a creator row for externally
// authenticated users on first sight and swaps the identity's CreatorID from
// the external subject to the internal row ID. Only mounted when the auth
// provider is external.
func (s *Server) ensureCreatorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := getIdentityFromContext(r.Context())
		if identity == nil {
			writeError(w, http.StatusUnauthorized, "missing identity")
			return
		}
		resolved, err := s.resolveCreator(r.Context(), identity)
		if err != nil {
			s.logger.Error("creator provisioning failed", "external_id", identity.CreatorID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to provision account")
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey, resolved)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolveCreator maps an externally issued identity to the internal creator
// row, creating the row on first sight. For builtin identities the CreatorID
// already is the row ID and the identity passes through unchanged.
func (s *Server) resolveCreator(ctx context.Context, identity *auth.Identity) (*auth.Identity, error) {
	if s.auth.Name() != "supabase" {
		return identity, nil
	}

	creator, err := s.store.GetCreatorByExternalID(ctx, identity.CreatorID)
	if err != nil {
		return nil, err
	}
	if creator == nil {
		now := time.Now().UTC()
		creator = &store.Creator{
			ID:           uuid.New().String(),
			Email:        identity.Email,
			DisplayName:  identity.DisplayName,
			AuthProvider: "supabase",
			ExternalID:   identity.CreatorID,
			Role:         "creator",
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.store.CreateCreator(ctx, creator); err != nil {
			// Lost a provisioning race; the row exists now.
			existing, getErr := s.store.GetCreatorByExternalID(ctx, identity.CreatorID)
			if getErr != nil || existing == nil {
				return nil, err
			}
			creator = existing
		} else {
			s.logger.Info("provisioned creator from external identity", "creator_id", creator.ID)
			s.audit(ctx, creator.ID, "creator.provisioned", map[string]string{"provider": "supabase"})
		}
	}

	return &auth.Identity{
		CreatorID:   creator.ID,
		Email:       creator.Email,
		DisplayName: creator.DisplayName,
		Role:        creator.Role,
	}, nil
}

// adminMiddleware restricts the route to identities with the admin role.
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := getIdentityFromContext(r.Context())
		if identity == nil || identity.Role != "admin" {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeadersMiddleware sets standard security headers on all responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// makeCORSMiddleware builds a CORS middleware for the configured origins.
// A "*" entry allows any origin.
func makeCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Set("Access-Control-Max-Age", "300")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
