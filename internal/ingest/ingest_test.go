package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/replypilot/replypilot/internal/ai"
	"github.com/replypilot/replypilot/internal/config"
	"github.com/replypilot/replypilot/internal/quota"
	"github.com/replypilot/replypilot/internal/store"
	"github.com/replypilot/replypilot/internal/youtube"
	"github.com/replypilot/replypilot/pkg/events"
)

type fakeSource struct {
	mu          sync.Mutex
	uploads     []youtube.Upload
	pages       map[string]*youtube.CommentPage // key: videoID + "|" + pageToken
	threadCalls []string
	uploadsErr  error
	threadsErr  error
}

func (f *fakeSource) ListRecentUploads(_ context.Context, _ *store.Channel, _ int64) ([]youtube.Upload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadsErr != nil {
		return nil, f.uploadsErr
	}
	return f.uploads, nil
}

func (f *fakeSource) ListCommentThreads(_ context.Context, _ *store.Channel, videoID, token string, _ int64) (*youtube.CommentPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.threadsErr != nil {
		return nil, f.threadsErr
	}
	key := videoID + "|" + token
	f.threadCalls = append(f.threadCalls, key)
	if page, ok := f.pages[key]; ok {
		return page, nil
	}
	return &youtube.CommentPage{}, nil
}

func (f *fakeSource) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.threadCalls...)
}

type fakeAnalyzer struct {
	mu        sync.Mutex
	err       error
	skipTexts map[string]bool
	calls     int
}

func (f *fakeAnalyzer) AnalyzeSentiment(_ context.Context, comments []ai.CommentInput) ([]ai.SentimentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []ai.SentimentResult
	for _, c := range comments {
		if f.skipTexts[c.Text] {
			continue
		}
		out = append(out, ai.SentimentResult{ID: c.ID, Sentiment: ai.SentimentPositive, Score: 0.8})
	}
	return out, nil
}

func newTestSyncer(t *testing.T, src CommentSource, an Analyzer) (*Syncer, store.Store, *events.Bus, *quota.Manager) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus()
	qm := quota.NewManager(s, bus, logger, config.BillingConfig{DefaultPlan: "free", GraceDays: 7})
	syncer := NewSyncer(s, src, an, qm, bus, logger,
		config.YouTubeConfig{SyncInterval: config.Duration{Duration: time.Minute}, SyncConcurrency: 2, MaxCommentsPerSync: 200},
		config.AIConfig{MaxBatch: 50})
	return syncer, s, bus, qm
}

func createSyncFixture(t *testing.T, s store.Store) *store.Channel {
	t.Helper()
	ctx := context.Background()
	creator := &store.Creator{
		ID:           uuid.New().String(),
		Email:        fmt.Sprintf("%s@example.com", uuid.New().String()[:8]),
		DisplayName:  "Sync Test",
		AuthProvider: "builtin",
		Role:         "creator",
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := s.CreateCreator(ctx, creator); err != nil {
		t.Fatal(err)
	}
	ch := &store.Channel{
		ID:               uuid.New().String(),
		CreatorID:        creator.ID,
		YouTubeChannelID: "UC" + uuid.New().String()[:10],
		Title:            "Sync Channel",
		RefreshToken:     "rt",
		ConnectedAt:      time.Now().Add(-time.Hour),
		UpdatedAt:        time.Now().Add(-time.Hour),
	}
	if err := s.CreateChannel(ctx, ch); err != nil {
		t.Fatal(err)
	}
	return ch
}

func ytComment(id, text string) youtube.Comment {
	return youtube.Comment{
		YouTubeCommentID: id,
		AuthorName:       "Viewer",
		Text:             text,
		PublishedAt:      time.Now().Add(-time.Minute),
	}
}

func TestSyncChannelStoresAndScores(t *testing.T) {
	src := &fakeSource{
		uploads: []youtube.Upload{{VideoID: "vid1", Title: "First Video", PublishedAt: time.Now().Add(-24 * time.Hour)}},
		pages: map[string]*youtube.CommentPage{
			"vid1|": {Comments: []youtube.Comment{ytComment("yc1", "Loved it"), ytComment("yc2", "More please")}},
		},
	}
	an := &fakeAnalyzer{}
	syncer, s, bus, _ := newTestSyncer(t, src, an)
	ch := createSyncFixture(t, s)
	ctx := context.Background()

	evCh, cancel := bus.Subscribe(ch.CreatorID, 8)
	defer cancel()

	res, err := syncer.SyncChannel(ctx, ch)
	if err != nil {
		t.Fatal(err)
	}
	if res.VideosChecked != 1 || res.NewComments != 2 || res.Analyzed != 2 {
		t.Errorf("result: %+v", res)
	}

	video, err := s.GetVideoByYouTubeID(ctx, "vid1")
	if err != nil || video == nil {
		t.Fatalf("video row: %v, %v", video, err)
	}
	comments, err := s.ListCommentsByVideo(ctx, video.ID, "", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(comments) != 2 {
		t.Fatalf("comments stored: got %d", len(comments))
	}
	for _, c := range comments {
		if c.Sentiment != ai.SentimentPositive {
			t.Errorf("comment %s not scored: %q", c.YouTubeCommentID, c.Sentiment)
		}
	}

	period := store.PeriodKey(time.Now())
	if used, _ := s.GetQuotaUsage(ctx, ch.CreatorID, quota.MetricCommentsSynced, period); used != 2 {
		t.Errorf("comments_synced used: got %d, want 2", used)
	}
	if used, _ := s.GetQuotaUsage(ctx, ch.CreatorID, quota.MetricAIAnalyses, period); used != 2 {
		t.Errorf("ai_analyses used: got %d, want 2", used)
	}

	got, _ := s.GetChannelByID(ctx, ch.ID)
	if got.LastSyncedAt.IsZero() {
		t.Error("last_synced_at not updated")
	}

	select {
	case ev := <-evCh:
		if ev.Type != events.TypeCommentSynced {
			t.Fatalf("event type: %q", ev.Type)
		}
		var payload events.CommentSynced
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			t.Fatal(err)
		}
		if payload.VideoID != video.ID || payload.New != 2 || payload.Analyzed != 2 {
			t.Errorf("event payload: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no comment.synced event")
	}
}

func TestSyncChannelStopsAtKnownComment(t *testing.T) {
	src := &fakeSource{
		uploads: []youtube.Upload{{VideoID: "vid1", Title: "First Video"}},
		pages: map[string]*youtube.CommentPage{
			"vid1|": {
				Comments:      []youtube.Comment{ytComment("yc-new", "Fresh"), ytComment("yc-old", "Seen before")},
				NextPageToken: "p2",
			},
			"vid1|p2": {Comments: []youtube.Comment{ytComment("yc-ancient", "Old news")}},
		},
	}
	syncer, s, _, _ := newTestSyncer(t, src, &fakeAnalyzer{})
	ch := createSyncFixture(t, s)
	ctx := context.Background()

	// Pre-store the older comment so the first page overlaps known territory.
	video := &store.Video{
		ID:             uuid.New().String(),
		ChannelID:      ch.ID,
		YouTubeVideoID: "vid1",
		Title:          "First Video",
		LastSyncedAt:   time.Now().Add(-time.Hour),
	}
	if err := s.UpsertVideo(ctx, video); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertComments(ctx, []*store.Comment{{
		ID:               uuid.New().String(),
		VideoID:          video.ID,
		YouTubeCommentID: "yc-old",
		AuthorName:       "Viewer",
		Text:             "Seen before",
		PublishedAt:      time.Now().Add(-2 * time.Hour),
		FetchedAt:        time.Now().Add(-time.Hour),
	}}); err != nil {
		t.Fatal(err)
	}

	res, err := syncer.SyncChannel(ctx, ch)
	if err != nil {
		t.Fatal(err)
	}
	if res.NewComments != 1 {
		t.Errorf("new comments: got %d, want 1", res.NewComments)
	}
	for _, call := range src.calls() {
		if call == "vid1|p2" {
			t.Error("paged past a known comment")
		}
	}
}

func TestSyncChannelQuotaHalt(t *testing.T) {
	src := &fakeSource{
		uploads: []youtube.Upload{
			{VideoID: "vid1", Title: "First"},
			{VideoID: "vid2", Title: "Second"},
		},
		pages: map[string]*youtube.CommentPage{
			"vid1|": {Comments: []youtube.Comment{ytComment("yc1", "a"), ytComment("yc2", "b")}},
			"vid2|": {Comments: []youtube.Comment{ytComment("yc3", "c")}},
		},
	}
	syncer, s, _, qm := newTestSyncer(t, src, &fakeAnalyzer{})
	ch := createSyncFixture(t, s)
	ctx := context.Background()

	// Free plan allows 300 synced comments; leave room for only one.
	if err := qm.Consume(ctx, ch.CreatorID, quota.MetricCommentsSynced, 299); err != nil {
		t.Fatal(err)
	}

	res, err := syncer.SyncChannel(ctx, ch)
	var qerr *quota.ErrQuotaExceeded
	if !errors.As(err, &qerr) {
		t.Fatalf("want quota error, got %v", err)
	}
	// The page was stored before the denial; the second video never ran.
	if res.NewComments != 2 {
		t.Errorf("new comments: got %d, want 2", res.NewComments)
	}
	for _, call := range src.calls() {
		if call == "vid2|" {
			t.Error("second video synced after quota denial")
		}
	}

	got, _ := s.GetChannelByID(ctx, ch.ID)
	if got.LastSyncedAt.IsZero() {
		t.Error("halted sync must still stamp last_synced_at")
	}
}

func TestSyncChannelAnalysisQuotaSkipped(t *testing.T) {
	src := &fakeSource{
		uploads: []youtube.Upload{{VideoID: "vid1", Title: "First"}},
		pages: map[string]*youtube.CommentPage{
			"vid1|": {Comments: []youtube.Comment{ytComment("yc1", "hello")}},
		},
	}
	an := &fakeAnalyzer{}
	syncer, s, _, qm := newTestSyncer(t, src, an)
	ch := createSyncFixture(t, s)
	ctx := context.Background()

	if err := qm.Consume(ctx, ch.CreatorID, quota.MetricAIAnalyses, 100); err != nil {
		t.Fatal(err)
	}

	res, err := syncer.SyncChannel(ctx, ch)
	if err != nil {
		t.Fatalf("analysis quota denial must not fail the sync: %v", err)
	}
	if res.NewComments != 1 || res.Analyzed != 0 {
		t.Errorf("result: %+v", res)
	}
	if an.calls != 0 {
		t.Errorf("analyzer called despite quota denial: %d", an.calls)
	}
}

func TestAnalyzeRefundOnFailure(t *testing.T) {
	src := &fakeSource{
		uploads: []youtube.Upload{{VideoID: "vid1", Title: "First"}},
		pages: map[string]*youtube.CommentPage{
			"vid1|": {Comments: []youtube.Comment{ytComment("yc1", "hello"), ytComment("yc2", "world")}},
		},
	}
	an := &fakeAnalyzer{err: errors.New("model down")}
	syncer, s, _, _ := newTestSyncer(t, src, an)
	ch := createSyncFixture(t, s)
	ctx := context.Background()

	if _, err := syncer.SyncChannel(ctx, ch); err != nil {
		t.Fatalf("analysis failure must not fail the sync: %v", err)
	}

	period := store.PeriodKey(time.Now())
	if used, _ := s.GetQuotaUsage(ctx, ch.CreatorID, quota.MetricAIAnalyses, period); used != 0 {
		t.Errorf("ai_analyses after refund: got %d, want 0", used)
	}
}

func TestAnalyzePartialRefund(t *testing.T) {
	src := &fakeSource{
		uploads: []youtube.Upload{{VideoID: "vid1", Title: "First"}},
		pages: map[string]*youtube.CommentPage{
			"vid1|": {Comments: []youtube.Comment{ytComment("yc1", "keep"), ytComment("yc2", "skip me")}},
		},
	}
	an := &fakeAnalyzer{skipTexts: map[string]bool{"skip me": true}}
	syncer, s, _, _ := newTestSyncer(t, src, an)
	ch := createSyncFixture(t, s)
	ctx := context.Background()

	res, err := syncer.SyncChannel(ctx, ch)
	if err != nil {
		t.Fatal(err)
	}
	if res.Analyzed != 1 {
		t.Errorf("analyzed: got %d, want 1", res.Analyzed)
	}
	period := store.PeriodKey(time.Now())
	if used, _ := s.GetQuotaUsage(ctx, ch.CreatorID, quota.MetricAIAnalyses, period); used != 1 {
		t.Errorf("ai_analyses used: got %d, want 1", used)
	}
}

func TestSyncDueOnlyPicksStaleChannels(t *testing.T) {
	src := &fakeSource{
		uploads: []youtube.Upload{{VideoID: "vid1", Title: "First"}},
		pages:   map[string]*youtube.CommentPage{},
	}
	syncer, s, _, _ := newTestSyncer(t, src, &fakeAnalyzer{})
	stale := createSyncFixture(t, s)
	fresh := createSyncFixture(t, s)
	ctx := context.Background()

	if err := s.UpdateChannelSyncTime(ctx, fresh.ID, time.Now()); err != nil {
		t.Fatal(err)
	}

	syncer.syncDue(ctx)

	staleRow, _ := s.GetChannelByID(ctx, stale.ID)
	if staleRow.LastSyncedAt.IsZero() {
		t.Error("stale channel was not synced")
	}
}
