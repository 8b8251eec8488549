package youtube

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/replypilot/replypilot/internal/store"
)

// tokenSource builds a per-channel source from the stored refresh token. The
// source persists rotated access tokens so restarts skip a refresh round-trip.
func (c *Client) tokenSource(ctx context.Context, ch *store.Channel) (oauth2.TokenSource, error) {
	if ch.RefreshToken == "" {
		return nil, fmt.Errorf("channel %s has no refresh token", ch.ID)
	}
	seed := &oauth2.Token{
		AccessToken:  ch.AccessToken,
		RefreshToken: ch.RefreshToken,
		Expiry:       ch.TokenExpiry,
		TokenType:    "Bearer",
	}
	return &savingTokenSource{
		ctx:        ctx,
		src:        c.oauth.TokenSource(ctx, seed),
		store:      c.store,
		logger:     c.logger,
		channelID:  ch.ID,
		lastAccess: ch.AccessToken,
	}, nil
}

// savingTokenSource writes refreshed access tokens back to the channel row.
// Persistence failures are logged, not returned; the in-memory token still
// authorizes the current call.
type savingTokenSource struct {
	ctx       context.Context
	src       oauth2.TokenSource
	store     store.Store
	logger    *slog.Logger
	channelID string

	mu         sync.Mutex
	lastAccess string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token for channel %s: %w", s.channelID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken == s.lastAccess {
		return tok, nil
	}
	if err := s.store.UpdateChannelToken(s.ctx, s.channelID, tok.AccessToken, tok.Expiry.UTC()); err != nil {
		s.logger.Warn("persisting refreshed token failed", "channel_id", s.channelID, "error", err)
		return tok, nil
	}
	s.lastAccess = tok.AccessToken
	s.logger.Debug("refreshed channel token persisted", "channel_id", s.channelID, "expiry", tok.Expiry.UTC().Format(time.RFC3339))
	return tok, nil
}
