// Package billing handles subscription state and Stripe integration.
package billing

import (
	"context"
	"net/http"

	"github.com/replypilot/replypilot/internal/store"
)

// Service handles billing operations (checkout, portal, webhooks).
type Service interface {
	HandleWebhook(w http.ResponseWriter, r *http.Request)
	CreateCheckoutSession(ctx context.Context, creatorID, email, successURL, cancelURL string) (string, error)
	CreatePortalSession(ctx context.Context, creatorID, returnURL string) (string, error)
	GetSubscription(ctx context.Context, creatorID string) (*store.Subscription, error)
}
