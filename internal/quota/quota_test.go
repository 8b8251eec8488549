package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/replypilot/replypilot/internal/billing"
	"github.com/replypilot/replypilot/internal/config"
	"github.com/replypilot/replypilot/internal/store"
	"github.com/replypilot/replypilot/pkg/events"
)

func newTestManager(t *testing.T, cfg config.BillingConfig) (*Manager, store.Store, *events.Bus) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	if cfg.DefaultPlan == "" {
		cfg.DefaultPlan = "free"
	}
	if cfg.GraceDays == 0 {
		cfg.GraceDays = 7
	}
	bus := events.NewBus()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(s, bus, logger, cfg), s, bus
}

func createQuotaTestCreator(t *testing.T, s store.Store) string {
	t.Helper()
	c := &store.Creator{
		ID:           uuid.New().String(),
		Email:        fmt.Sprintf("%s@example.com", uuid.New().String()[:8]),
		DisplayName:  "Quota Test",
		AuthProvider: "builtin",
		Role:         "creator",
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := s.CreateCreator(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	return c.ID
}

func seedSubscription(t *testing.T, s store.Store, creatorID, plan, status string, periodEnd time.Time) {
	t.Helper()
	err := s.UpsertSubscription(context.Background(), &store.Subscription{
		ID:               uuid.New().String(),
		CreatorID:        creatorID,
		Plan:             plan,
		Status:           status,
		CurrentPeriodEnd: periodEnd,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

// Every metric must have a limit in every plan, or Consume would reject it
// as unknown.
func TestMetricsCoveredByAllPlans(t *testing.T) {
	for name, plan := range billing.Plans {
		for _, metric := range Metrics {
			if _, ok := plan.Limits[metric]; !ok {
				t.Errorf("plan %q has no limit for metric %q", name, metric)
			}
		}
	}
}

func TestEffectivePlanBillingDisabled(t *testing.T) {
	m, s, _ := newTestManager(t, config.BillingConfig{Enabled: false, DefaultPlan: "pro"})
	creatorID := createQuotaTestCreator(t, s)

	plan, err := m.EffectivePlan(context.Background(), creatorID)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Name != "pro" {
		t.Errorf("plan: got %q, want pro", plan.Name)
	}
}

func TestEffectivePlanNoSubscription(t *testing.T) {
	m, s, _ := newTestManager(t, config.BillingConfig{Enabled: true})
	creatorID := createQuotaTestCreator(t, s)

	plan, err := m.EffectivePlan(context.Background(), creatorID)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Name != "free" {
		t.Errorf("plan: got %q, want free", plan.Name)
	}
}

func TestEffectivePlanStatuses(t *testing.T) {
	cases := []struct {
		name      string
		status    string
		periodEnd time.Time
		want      string
	}{
		{"active keeps plan", "active", time.Now().Add(20 * 24 * time.Hour), "pro"},
		{"trialing keeps plan", "trialing", time.Now().Add(10 * 24 * time.Hour), "pro"},
		{"past_due inside grace", "past_due", time.Now().Add(-2 * 24 * time.Hour), "pro"},
		{"past_due beyond grace", "past_due", time.Now().Add(-10 * 24 * time.Hour), "free"},
		{"canceled drops to free", "canceled", time.Now().Add(10 * 24 * time.Hour), "free"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, s, _ := newTestManager(t, config.BillingConfig{Enabled: true, GraceDays: 7})
			creatorID := createQuotaTestCreator(t, s)
			seedSubscription(t, s, creatorID, "pro", tc.status, tc.periodEnd)

			plan, err := m.EffectivePlan(context.Background(), creatorID)
			if err != nil {
				t.Fatal(err)
			}
			if plan.Name != tc.want {
				t.Errorf("plan: got %q, want %q", plan.Name, tc.want)
			}
		})
	}
}

func TestConsumeDeniedLeavesCounter(t *testing.T) {
	m, s, _ := newTestManager(t, config.BillingConfig{Enabled: false})
	creatorID := createQuotaTestCreator(t, s)
	ctx := context.Background()

	// Free plan allows 10 drafts.
	if err := m.Consume(ctx, creatorID, MetricAIDrafts, 10); err != nil {
		t.Fatalf("consume up to limit: %v", err)
	}

	err := m.Consume(ctx, creatorID, MetricAIDrafts, 1)
	var qerr *ErrQuotaExceeded
	if !errors.As(err, &qerr) {
		t.Fatalf("want ErrQuotaExceeded, got %v", err)
	}
	if qerr.Used != 10 || qerr.Limit != 10 {
		t.Errorf("error detail: used=%d limit=%d, want 10/10", qerr.Used, qerr.Limit)
	}

	// Denial must not have burned quota: a refund makes room again.
	if err := m.Refund(ctx, creatorID, MetricAIDrafts, 3); err != nil {
		t.Fatal(err)
	}
	if err := m.Consume(ctx, creatorID, MetricAIDrafts, 3); err != nil {
		t.Errorf("consume after refund: %v", err)
	}
}

func TestConsumeDeniedPublishesEvent(t *testing.T) {
	m, s, bus := newTestManager(t, config.BillingConfig{Enabled: false})
	creatorID := createQuotaTestCreator(t, s)
	ctx := context.Background()

	ch, cancel := bus.Subscribe(creatorID, 4)
	defer cancel()

	if err := m.Consume(ctx, creatorID, MetricRepliesPosted, 5); err != nil {
		t.Fatal(err)
	}
	if err := m.Consume(ctx, creatorID, MetricRepliesPosted, 1); err == nil {
		t.Fatal("want denial")
	}

	select {
	case ev := <-ch:
		if ev.Type != events.TypeQuotaDenied {
			t.Fatalf("event type: got %q, want %q", ev.Type, events.TypeQuotaDenied)
		}
		var payload events.QuotaDenied
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			t.Fatal(err)
		}
		if payload.Metric != MetricRepliesPosted || payload.Used != 5 || payload.Limit != 5 {
			t.Errorf("payload: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no quota.denied event published")
	}
}

func TestConsumeUnknownMetric(t *testing.T) {
	m, s, _ := newTestManager(t, config.BillingConfig{Enabled: false})
	creatorID := createQuotaTestCreator(t, s)

	if err := m.Consume(context.Background(), creatorID, "bogus_metric", 1); err == nil {
		t.Fatal("want error for unknown metric")
	}
}

func TestSnapshot(t *testing.T) {
	m, s, _ := newTestManager(t, config.BillingConfig{Enabled: false})
	creatorID := createQuotaTestCreator(t, s)
	ctx := context.Background()

	if err := m.Consume(ctx, creatorID, MetricCommentsSynced, 120); err != nil {
		t.Fatal(err)
	}

	snap, err := m.Snapshot(ctx, creatorID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Plan != "free" {
		t.Errorf("plan: got %q, want free", snap.Plan)
	}
	if snap.Period != store.PeriodKey(time.Now()) {
		t.Errorf("period: got %q", snap.Period)
	}
	if len(snap.Metrics) != len(Metrics) {
		t.Fatalf("metrics: got %d rows, want %d", len(snap.Metrics), len(Metrics))
	}

	byName := make(map[string]MetricUsage, len(snap.Metrics))
	for _, mu := range snap.Metrics {
		byName[mu.Metric] = mu
	}
	synced := byName[MetricCommentsSynced]
	if synced.Used != 120 || synced.Limit != 300 || synced.Remaining != 180 {
		t.Errorf("comments_synced: %+v", synced)
	}
	drafts := byName[MetricAIDrafts]
	if drafts.Used != 0 || drafts.Remaining != drafts.Limit {
		t.Errorf("ai_drafts: %+v", drafts)
	}
}

func TestCheckChannelLimit(t *testing.T) {
	m, s, _ := newTestManager(t, config.BillingConfig{Enabled: false})
	creatorID := createQuotaTestCreator(t, s)
	ctx := context.Background()

	if err := m.CheckChannelLimit(ctx, creatorID); err != nil {
		t.Fatalf("limit check with no channels: %v", err)
	}

	err := s.CreateChannel(ctx, &store.Channel{
		ID:               uuid.New().String(),
		CreatorID:        creatorID,
		YouTubeChannelID: "UC_quota_test",
		Title:            "Only Channel",
		ConnectedAt:      time.Now(),
		UpdatedAt:        time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	err = m.CheckChannelLimit(ctx, creatorID)
	var qerr *ErrQuotaExceeded
	if !errors.As(err, &qerr) {
		t.Fatalf("want ErrQuotaExceeded at free-plan cap, got %v", err)
	}
	if qerr.Metric != "channels" || qerr.Limit != 1 {
		t.Errorf("error detail: %+v", qerr)
	}
}
