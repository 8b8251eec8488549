package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v78"
	portalsession "github.com/stripe/stripe-go/v78/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v78/checkout/session"
	"github.com/stripe/stripe-go/v78/webhook"
	"github.com/replypilot/replypilot/internal/config"
	"github.com/replypilot/replypilot/internal/store"
	"github.com/replypilot/replypilot/pkg/events"
)

// maxWebhookBody caps webhook payloads before signature verification.
const maxWebhookBody = 1 << 20 // 1MB

// StripeService implements Service against the Stripe API.
type StripeService struct {
	store         store.Store
	bus           *events.Bus
	logger        *slog.Logger
	webhookSecret string
	proPriceID    string
}

// NewStripeService creates a Stripe-backed billing service. Setting the
// package-level API key follows the stripe-go convention.
func NewStripeService(s store.Store, bus *events.Bus, logger *slog.Logger, cfg config.BillingConfig) (*StripeService, error) {
	if cfg.StripeSecretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if cfg.StripeWebhookSecret == "" {
		return nil, errors.New("stripe webhook secret is required")
	}
	stripe.Key = cfg.StripeSecretKey

	return &StripeService{
		store:         s,
		bus:           bus,
		logger:        logger.With("component", "billing"),
		webhookSecret: cfg.StripeWebhookSecret,
		proPriceID:    cfg.StripePricePro,
	}, nil
}

// CreateCheckoutSession starts a subscription checkout for the pro plan and
// returns the hosted checkout URL. The creator ID rides along as the client
// reference so the completed-checkout webhook can link the Stripe customer.
func (s *StripeService) CreateCheckoutSession(ctx context.Context, creatorID, email, successURL, cancelURL string) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(s.proPriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(creatorID),
	}
	if email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	params.Context = ctx

	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// CreatePortalSession opens the Stripe customer portal for an existing customer.
func (s *StripeService) CreatePortalSession(ctx context.Context, creatorID, returnURL string) (string, error) {
	sub, err := s.store.GetSubscriptionByCreator(ctx, creatorID)
	if err != nil {
		return "", fmt.Errorf("get subscription: %w", err)
	}
	if sub == nil || sub.StripeCustomerID == "" {
		return "", errors.New("no billing account for creator")
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(sub.StripeCustomerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	ps, err := portalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return ps.URL, nil
}

// GetSubscription returns the creator's stored subscription, nil if none.
func (s *StripeService) GetSubscription(ctx context.Context, creatorID string) (*store.Subscription, error) {
	return s.store.GetSubscriptionByCreator(ctx, creatorID)
}

// HandleWebhook verifies and processes a Stripe webhook delivery. Every event
// ID is recorded before processing; redeliveries are acknowledged with 200 and
// skipped so retries can never double-apply a transition.
func (s *StripeService) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), s.webhookSecret)
	if err != nil {
		s.logger.Warn("webhook signature verification failed", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid signature"})
		return
	}

	ctx := r.Context()
	fresh, err := s.store.InsertWebhookEvent(ctx, event.ID, string(event.Type), time.Now())
	if err != nil {
		s.logger.Error("webhook ledger insert failed", "event_id", event.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ledger write failed"})
		return
	}
	if !fresh {
		s.logger.Info("duplicate webhook delivery skipped", "event_id", event.ID, "type", event.Type)
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	if err := s.processEvent(ctx, event); err != nil {
		s.logger.Error("webhook processing failed", "event_id", event.ID, "type", event.Type, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "processing failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *StripeService) processEvent(ctx context.Context, event stripe.Event) error {
	switch string(event.Type) {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("parse checkout session: %w", err)
		}
		return s.handleCheckoutCompleted(ctx, &sess)

	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("parse subscription: %w", err)
		}
		return s.syncSubscription(ctx, &sub)

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("parse subscription: %w", err)
		}
		return s.handleSubscriptionDeleted(ctx, &sub)

	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("parse invoice: %w", err)
		}
		return s.handlePaymentFailed(ctx, &inv)

	default:
		s.logger.Debug("ignoring webhook event", "type", event.Type)
		return nil
	}
}

// handleCheckoutCompleted links the Stripe customer to the creator who started
// checkout. Plan and status arrive with the subscription events that follow.
func (s *StripeService) handleCheckoutCompleted(ctx context.Context, sess *stripe.CheckoutSession) error {
	creatorID := sess.ClientReferenceID
	if creatorID == "" || sess.Customer == nil {
		s.logger.Warn("checkout completed without client reference or customer", "session_id", sess.ID)
		return nil
	}

	existing, err := s.store.GetSubscriptionByCreator(ctx, creatorID)
	if err != nil {
		return err
	}

	now := time.Now()
	sub := &store.Subscription{
		ID:               uuid.New().String(),
		CreatorID:        creatorID,
		StripeCustomerID: sess.Customer.ID,
		Plan:             "free",
		Status:           "active",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if existing != nil {
		sub.ID = existing.ID
		sub.Plan = existing.Plan
		sub.Status = existing.Status
		sub.StripeSubscriptionID = existing.StripeSubscriptionID
		sub.CurrentPeriodEnd = existing.CurrentPeriodEnd
		sub.CancelAtPeriodEnd = existing.CancelAtPeriodEnd
		sub.CreatedAt = existing.CreatedAt
	}
	if sess.Subscription != nil {
		sub.StripeSubscriptionID = sess.Subscription.ID
	}

	if err := s.store.UpsertSubscription(ctx, sub); err != nil {
		return err
	}

	s.audit(ctx, creatorID, "billing.checkout_completed", map[string]string{
		"stripe_customer_id": sess.Customer.ID,
	})
	s.logger.Info("checkout completed", "creator_id", creatorID, "customer_id", sess.Customer.ID)
	return nil
}

// syncSubscription mirrors a Stripe subscription into local state.
func (s *StripeService) syncSubscription(ctx context.Context, sub *stripe.Subscription) error {
	if sub.Customer == nil {
		return errors.New("subscription event without customer")
	}

	existing, err := s.store.GetSubscriptionByStripeCustomer(ctx, sub.Customer.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		// Subscription for a customer we never linked; nothing to update.
		s.logger.Warn("subscription event for unknown customer", "customer_id", sub.Customer.ID)
		return nil
	}

	plan := "free"
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price != nil && item.Price.ID == s.proPriceID {
				plan = "pro"
			}
		}
	}

	existing.StripeSubscriptionID = sub.ID
	existing.Plan = plan
	existing.Status = string(sub.Status)
	existing.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	existing.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	existing.UpdatedAt = time.Now()

	if err := s.store.UpsertSubscription(ctx, existing); err != nil {
		return err
	}

	s.audit(ctx, existing.CreatorID, "billing.subscription_updated", map[string]string{
		"plan":   plan,
		"status": string(sub.Status),
	})
	s.publishSubscriptionUpdated(existing.CreatorID, plan, string(sub.Status))
	s.logger.Info("subscription synced", "creator_id", existing.CreatorID, "plan", plan, "status", sub.Status)
	return nil
}

// handleSubscriptionDeleted drops the creator back to the free plan.
func (s *StripeService) handleSubscriptionDeleted(ctx context.Context, sub *stripe.Subscription) error {
	if sub.Customer == nil {
		return errors.New("subscription event without customer")
	}

	existing, err := s.store.GetSubscriptionByStripeCustomer(ctx, sub.Customer.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}

	existing.Plan = "free"
	existing.Status = "canceled"
	existing.StripeSubscriptionID = ""
	existing.CancelAtPeriodEnd = false
	existing.UpdatedAt = time.Now()

	if err := s.store.UpsertSubscription(ctx, existing); err != nil {
		return err
	}

	s.audit(ctx, existing.CreatorID, "billing.subscription_canceled", nil)
	s.publishSubscriptionUpdated(existing.CreatorID, "free", "canceled")
	s.logger.Info("subscription canceled", "creator_id", existing.CreatorID)
	return nil
}

// handlePaymentFailed flags the subscription past_due. The plan is unchanged;
// quota enforcement applies the grace window before dropping entitlements.
func (s *StripeService) handlePaymentFailed(ctx context.Context, inv *stripe.Invoice) error {
	if inv.Customer == nil {
		return nil
	}

	existing, err := s.store.GetSubscriptionByStripeCustomer(ctx, inv.Customer.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}

	existing.Status = "past_due"
	existing.UpdatedAt = time.Now()

	if err := s.store.UpsertSubscription(ctx, existing); err != nil {
		return err
	}

	s.audit(ctx, existing.CreatorID, "billing.payment_failed", nil)
	s.publishSubscriptionUpdated(existing.CreatorID, existing.Plan, "past_due")
	s.logger.Warn("payment failed", "creator_id", existing.CreatorID)
	return nil
}

func (s *StripeService) publishSubscriptionUpdated(creatorID, plan, status string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.New(events.TypeSubscriptionUpdated, creatorID, events.SubscriptionUpdated{
		Plan:   plan,
		Status: status,
	}))
}

func (s *StripeService) audit(ctx context.Context, creatorID, action string, detail map[string]string) {
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	err := s.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		CreatorID: creatorID,
		Action:    action,
		Detail:    raw,
		CreatedAt: time.Now(),
	})
	if err != nil {
		s.logger.Warn("audit log failed", "action", action, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
