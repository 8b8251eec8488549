// Package quota enforces per-creator usage limits derived from billing plans.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/replypilot/replypilot/internal/billing"
	"github.com/replypilot/replypilot/internal/config"
	"github.com/replypilot/replypilot/internal/store"
	"github.com/replypilot/replypilot/pkg/events"
)

// Metric names shared by plan limits and usage counters.
const (
	MetricCommentsSynced = "comments_synced"
	MetricAIAnalyses     = "ai_analyses"
	MetricAIDrafts       = "ai_drafts"
	MetricRepliesPosted  = "replies_posted"
)

// Metrics lists every tracked metric in display order.
var Metrics = []string{MetricCommentsSynced, MetricAIAnalyses, MetricAIDrafts, MetricRepliesPosted}

// ErrQuotaExceeded reports a consume request that would cross the plan limit.
// The counter is left untouched when this is returned.
type ErrQuotaExceeded struct {
	Metric string
	Used   int64
	Limit  int64
}

func (e *ErrQuotaExceeded) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d used of %d", e.Metric, e.Used, e.Limit)
}

// Manager resolves the plan in effect for a creator and gates usage against
// its limits. All counting is delegated to the store so concurrent consumers
// never overshoot.
type Manager struct {
	store          store.Store
	bus            *events.Bus
	logger         *slog.Logger
	defaultPlan    string
	graceDays      int
	billingEnabled bool
}

func NewManager(s store.Store, bus *events.Bus, logger *slog.Logger, cfg config.BillingConfig) *Manager {
	return &Manager{
		store:          s,
		bus:            bus,
		logger:         logger.With("component", "quota"),
		defaultPlan:    cfg.DefaultPlan,
		graceDays:      cfg.GraceDays,
		billingEnabled: cfg.Enabled,
	}
}

// EffectivePlan returns the plan whose limits currently apply to the creator.
// With billing disabled every creator is on the configured default plan. A
// past_due subscription keeps its plan until the grace window after the paid
// period ends; canceled and unknown statuses fall back to free.
func (m *Manager) EffectivePlan(ctx context.Context, creatorID string) (billing.Plan, error) {
	if !m.billingEnabled {
		return billing.GetPlan(m.defaultPlan), nil
	}

	sub, err := m.store.GetSubscriptionByCreator(ctx, creatorID)
	if err != nil {
		return billing.Plan{}, fmt.Errorf("get subscription: %w", err)
	}
	if sub == nil {
		return billing.GetPlan("free"), nil
	}

	switch sub.Status {
	case "active", "trialing":
		return billing.GetPlan(sub.Plan), nil
	case "past_due":
		grace := time.Duration(m.graceDays) * 24 * time.Hour
		if time.Now().Before(sub.CurrentPeriodEnd.Add(grace)) {
			return billing.GetPlan(sub.Plan), nil
		}
		return billing.GetPlan("free"), nil
	default:
		return billing.GetPlan("free"), nil
	}
}

// Consume charges n units of metric for the current period. It returns
// *ErrQuotaExceeded, leaving the counter untouched, when the charge would
// cross the plan limit.
func (m *Manager) Consume(ctx context.Context, creatorID, metric string, n int64) error {
	plan, err := m.EffectivePlan(ctx, creatorID)
	if err != nil {
		return err
	}
	limit, ok := plan.Limits[metric]
	if !ok {
		return fmt.Errorf("unknown quota metric %q", metric)
	}

	period := store.PeriodKey(time.Now())
	allowed, err := m.store.ConsumeQuota(ctx, creatorID, metric, period, n, limit)
	if err != nil {
		return fmt.Errorf("consume quota: %w", err)
	}
	if allowed {
		return nil
	}

	used, err := m.store.GetQuotaUsage(ctx, creatorID, metric, period)
	if err != nil {
		return fmt.Errorf("read quota usage: %w", err)
	}
	if m.bus != nil {
		m.bus.Publish(events.New(events.TypeQuotaDenied, creatorID, events.QuotaDenied{
			Metric: metric,
			Used:   used,
			Limit:  limit,
		}))
	}
	m.logger.Info("quota denied", "creator_id", creatorID, "metric", metric, "used", used, "limit", limit)
	return &ErrQuotaExceeded{Metric: metric, Used: used, Limit: limit}
}

// Refund returns n units of metric to the current period, flooring at zero.
// Used when a charged action fails permanently after the fact.
func (m *Manager) Refund(ctx context.Context, creatorID, metric string, n int64) error {
	return m.store.RefundQuota(ctx, creatorID, metric, store.PeriodKey(time.Now()), n)
}

// MetricUsage is one row of a usage snapshot. Limit -1 means unlimited.
type MetricUsage struct {
	Metric    string `json:"metric"`
	Used      int64  `json:"used"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"` // -1 when unlimited
}

// Snapshot reports current-period usage against the effective plan.
type Snapshot struct {
	Plan    string        `json:"plan"`
	Period  string        `json:"period"`
	Metrics []MetricUsage `json:"metrics"`
}

func (m *Manager) Snapshot(ctx context.Context, creatorID string) (*Snapshot, error) {
	plan, err := m.EffectivePlan(ctx, creatorID)
	if err != nil {
		return nil, err
	}

	period := store.PeriodKey(time.Now())
	used, err := m.store.ListQuotaUsage(ctx, creatorID, period)
	if err != nil {
		return nil, fmt.Errorf("list quota usage: %w", err)
	}

	snap := &Snapshot{Plan: plan.Name, Period: period}
	for _, metric := range Metrics {
		limit := plan.Limits[metric]
		u := used[metric]
		remaining := int64(-1)
		if limit >= 0 {
			remaining = limit - u
			if remaining < 0 {
				remaining = 0
			}
		}
		snap.Metrics = append(snap.Metrics, MetricUsage{
			Metric:    metric,
			Used:      u,
			Limit:     limit,
			Remaining: remaining,
		})
	}
	return snap, nil
}

// CheckChannelLimit reports whether the creator may connect one more channel.
// Channel caps are structural rather than metered, so they are checked against
// a live count instead of a usage counter.
func (m *Manager) CheckChannelLimit(ctx context.Context, creatorID string) error {
	plan, err := m.EffectivePlan(ctx, creatorID)
	if err != nil {
		return err
	}
	if plan.MaxChannels < 0 {
		return nil
	}

	n, err := m.store.CountChannelsByCreator(ctx, creatorID)
	if err != nil {
		return fmt.Errorf("count channels: %w", err)
	}
	if n >= plan.MaxChannels {
		return &ErrQuotaExceeded{Metric: "channels", Used: int64(n), Limit: int64(plan.MaxChannels)}
	}
	return nil
}
