package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestCreator is a helper that inserts a creator and returns it.
func createTestCreator(t *testing.T, s *SQLiteStore, email string) *Creator {
	t.Helper()
	c := &Creator{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: "hash-" + email,
		DisplayName:  email,
		AuthProvider: "builtin",
		Role:         "creator",
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := s.CreateCreator(context.Background(), c); err != nil {
		t.Fatalf("createTestCreator(%s): %v", email, err)
	}
	return c
}

// createTestChannel is a helper that inserts a channel and returns it.
func createTestChannel(t *testing.T, s *SQLiteStore, creatorID, youtubeChannelID string) *Channel {
	t.Helper()
	ch := &Channel{
		ID:               uuid.New().String(),
		CreatorID:        creatorID,
		YouTubeChannelID: youtubeChannelID,
		Title:            "Channel " + youtubeChannelID,
		RefreshToken:     "refresh-token",
		AccessToken:      "access-token",
		TokenExpiry:      time.Now().Add(time.Hour),
		LastSyncedAt:     time.Now().Add(-time.Hour),
		ConnectedAt:      time.Now(),
		UpdatedAt:        time.Now(),
	}
	if err := s.CreateChannel(context.Background(), ch); err != nil {
		t.Fatalf("createTestChannel(%s): %v", youtubeChannelID, err)
	}
	return ch
}

// createTestVideo is a helper that inserts a video and returns it.
func createTestVideo(t *testing.T, s *SQLiteStore, channelID, youtubeVideoID string) *Video {
	t.Helper()
	v := &Video{
		ID:             uuid.New().String(),
		ChannelID:      channelID,
		YouTubeVideoID: youtubeVideoID,
		Title:          "Video " + youtubeVideoID,
		PublishedAt:    time.Now().Add(-24 * time.Hour),
		CommentCount:   0,
		LastSyncedAt:   time.Now(),
	}
	if err := s.UpsertVideo(context.Background(), v); err != nil {
		t.Fatalf("createTestVideo(%s): %v", youtubeVideoID, err)
	}
	return v
}

// createTestComment is a helper that inserts a comment and returns it.
func createTestComment(t *testing.T, s *SQLiteStore, videoID, youtubeCommentID string) *Comment {
	t.Helper()
	c := &Comment{
		ID:               uuid.New().String(),
		VideoID:          videoID,
		YouTubeCommentID: youtubeCommentID,
		AuthorName:       "viewer",
		Text:             "great video!",
		LikeCount:        3,
		PublishedAt:      time.Now().Add(-time.Hour),
		FetchedAt:        time.Now(),
	}
	if _, err := s.UpsertComments(context.Background(), []*Comment{c}); err != nil {
		t.Fatalf("createTestComment(%s): %v", youtubeCommentID, err)
	}
	return c
}

// createTestReply is a helper that inserts a draft reply and returns it.
func createTestReply(t *testing.T, s *SQLiteStore, commentID, creatorID, channelID string) *Reply {
	t.Helper()
	r := &Reply{
		ID:        uuid.New().String(),
		CommentID: commentID,
		CreatorID: creatorID,
		ChannelID: channelID,
		DraftText: "thanks for watching!",
		Tone:      "friendly",
		Model:     "gpt-4o-mini",
		Status:    ReplyStatusDraft,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.CreateReply(context.Background(), r); err != nil {
		t.Fatalf("createTestReply: %v", err)
	}
	return r
}

func TestCreateAndGetCreator(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := createTestCreator(t, s, "alice@example.com")

	got, err := s.GetCreatorByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCreatorByID: %v", err)
	}
	if got == nil {
		t.Fatal("GetCreatorByID returned nil")
	}
	if got.Email != "alice@example.com" {
		t.Errorf("Email: got %q, want %q", got.Email, "alice@example.com")
	}
	if got.Role != "creator" {
		t.Errorf("Role: got %q, want %q", got.Role, "creator")
	}

	byEmail, err := s.GetCreatorByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("GetCreatorByEmail: %v", err)
	}
	if byEmail == nil || byEmail.ID != c.ID {
		t.Errorf("GetCreatorByEmail: got %+v, want ID %q", byEmail, c.ID)
	}

	// Nonexistent creator returns nil, nil.
	missing, err := s.GetCreatorByID(ctx, "no-such-id")
	if err != nil {
		t.Fatalf("GetCreatorByID(missing): %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing creator, got %+v", missing)
	}
}

func TestCreateCreatorDuplicateEmail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestCreator(t, s, "alice@example.com")

	dup := &Creator{
		ID:        uuid.New().String(),
		Email:     "alice@example.com",
		Role:      "creator",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	err := s.CreateCreator(ctx, dup)
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestGetCreatorByExternalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &Creator{
		ID:           uuid.New().String(),
		Email:        "supa@example.com",
		AuthProvider: "supabase",
		ExternalID:   "supabase-user-123",
		Role:         "creator",
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := s.CreateCreator(ctx, c); err != nil {
		t.Fatalf("CreateCreator: %v", err)
	}

	got, err := s.GetCreatorByExternalID(ctx, "supabase-user-123")
	if err != nil {
		t.Fatalf("GetCreatorByExternalID: %v", err)
	}
	if got == nil || got.ID != c.ID {
		t.Errorf("got %+v, want ID %q", got, c.ID)
	}
}

func TestChannelLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	creator := createTestCreator(t, s, "alice@example.com")
	ch := createTestChannel(t, s, creator.ID, "UC123")

	got, err := s.GetChannel(ctx, creator.ID, ch.ID)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if got == nil {
		t.Fatal("GetChannel returned nil")
	}
	if got.YouTubeChannelID != "UC123" {
		t.Errorf("YouTubeChannelID: got %q, want %q", got.YouTubeChannelID, "UC123")
	}
	if got.RefreshToken != "refresh-token" {
		t.Errorf("RefreshToken: got %q, want %q", got.RefreshToken, "refresh-token")
	}

	// Scoped lookup with the wrong creator must miss.
	other := createTestCreator(t, s, "bob@example.com")
	crossed, err := s.GetChannel(ctx, other.ID, ch.ID)
	if err != nil {
		t.Fatalf("GetChannel (cross-creator): %v", err)
	}
	if crossed != nil {
		t.Error("expected nil for another creator's channel")
	}

	count, err := s.CountChannelsByCreator(ctx, creator.ID)
	if err != nil {
		t.Fatalf("CountChannelsByCreator: %v", err)
	}
	if count != 1 {
		t.Errorf("count: got %d, want 1", count)
	}

	// Same channel connected twice by the same creator is a duplicate.
	dup := &Channel{
		ID:               uuid.New().String(),
		CreatorID:        creator.ID,
		YouTubeChannelID: "UC123",
		TokenExpiry:      time.Now(),
		LastSyncedAt:     time.Now(),
		ConnectedAt:      time.Now(),
		UpdatedAt:        time.Now(),
	}
	if err := s.CreateChannel(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate for reconnected channel, got %v", err)
	}

	if err := s.DeleteChannel(ctx, creator.ID, ch.ID); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	gone, err := s.GetChannelByID(ctx, ch.ID)
	if err != nil {
		t.Fatalf("GetChannelByID after delete: %v", err)
	}
	if gone != nil {
		t.Error("channel still present after delete")
	}
}

func TestListChannelsDueSync(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	creator := createTestCreator(t, s, "alice@example.com")
	stale := createTestChannel(t, s, creator.ID, "UC-stale")
	fresh := createTestChannel(t, s, creator.ID, "UC-fresh")

	now := time.Now()
	if err := s.UpdateChannelSyncTime(ctx, stale.ID, now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateChannelSyncTime(ctx, fresh.ID, now); err != nil {
		t.Fatal(err)
	}

	due, err := s.ListChannelsDueSync(ctx, now.Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("ListChannelsDueSync: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("got %d due channels, want 1", len(due))
	}
	if due[0].ID != stale.ID {
		t.Errorf("due channel: got %q, want %q", due[0].ID, stale.ID)
	}
}

func TestUpdateChannelToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	creator := createTestCreator(t, s, "alice@example.com")
	ch := createTestChannel(t, s, creator.ID, "UC123")

	expiry := time.Now().Add(30 * time.Minute)
	if err := s.UpdateChannelToken(ctx, ch.ID, "new-access", expiry); err != nil {
		t.Fatalf("UpdateChannelToken: %v", err)
	}

	got, err := s.GetChannelByID(ctx, ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "new-access" {
		t.Errorf("AccessToken: got %q, want %q", got.AccessToken, "new-access")
	}
	if got.RefreshToken != "refresh-token" {
		t.Errorf("RefreshToken changed: got %q", got.RefreshToken)
	}
}

func TestUpsertVideo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	creator := createTestCreator(t, s, "alice@example.com")
	ch := createTestChannel(t, s, creator.ID, "UC123")
	v := createTestVideo(t, s, ch.ID, "vid-1")

	// Upsert with the same YouTube ID updates in place.
	v2 := &Video{
		ID:             uuid.New().String(),
		ChannelID:      ch.ID,
		YouTubeVideoID: "vid-1",
		Title:          "Updated Title",
		PublishedAt:    v.PublishedAt,
		CommentCount:   42,
		LastSyncedAt:   time.Now(),
	}
	if err := s.UpsertVideo(ctx, v2); err != nil {
		t.Fatalf("UpsertVideo (update): %v", err)
	}

	got, err := s.GetVideoByYouTubeID(ctx, "vid-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != v.ID {
		t.Errorf("upsert replaced row ID: got %q, want %q", got.ID, v.ID)
	}
	if got.Title != "Updated Title" {
		t.Errorf("Title: got %q, want %q", got.Title, "Updated Title")
	}
	if got.CommentCount != 42 {
		t.Errorf("CommentCount: got %d, want 42", got.CommentCount)
	}

	videos, err := s.ListVideosByChannel(ctx, ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(videos) != 1 {
		t.Errorf("got %d videos, want 1", len(videos))
	}
}

func TestUpsertCommentsCountsNewOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	creator := createTestCreator(t, s, "alice@example.com")
	ch := createTestChannel(t, s, creator.ID, "UC123")
	v := createTestVideo(t, s, ch.ID, "vid-1")

	batch := []*Comment{
		{ID: uuid.New().String(), VideoID: v.ID, YouTubeCommentID: "yc-1", Text: "first", PublishedAt: time.Now(), FetchedAt: time.Now()},
		{ID: uuid.New().String(), VideoID: v.ID, YouTubeCommentID: "yc-2", Text: "second", PublishedAt: time.Now(), FetchedAt: time.Now()},
	}
	n, err := s.UpsertComments(ctx, batch)
	if err != nil {
		t.Fatalf("UpsertComments: %v", err)
	}
	if n != 2 {
		t.Errorf("inserted: got %d, want 2", n)
	}

	// Second pass with one overlap inserts only the new comment.
	batch2 := []*Comment{
		{ID: uuid.New().String(), VideoID: v.ID, YouTubeCommentID: "yc-2", Text: "second edited", LikeCount: 9, PublishedAt: time.Now(), FetchedAt: time.Now()},
		{ID: uuid.New().String(), VideoID: v.ID, YouTubeCommentID: "yc-3", Text: "third", PublishedAt: time.Now(), FetchedAt: time.Now()},
	}
	n, err = s.UpsertComments(ctx, batch2)
	if err != nil {
		t.Fatalf("UpsertComments (second pass): %v", err)
	}
	if n != 1 {
		t.Errorf("inserted: got %d, want 1", n)
	}

	// The overlapping comment was refreshed in place.
	comments, err := s.ListCommentsByVideo(ctx, v.ID, "", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(comments) != 3 {
		t.Fatalf("got %d comments, want 3", len(comments))
	}
	for _, c := range comments {
		if c.YouTubeCommentID == "yc-2" {
			if c.Text != "second edited" {
				t.Errorf("yc-2 text: got %q, want %q", c.Text, "second edited")
			}
			if c.LikeCount != 9 {
				t.Errorf("yc-2 like count: got %d, want 9", c.LikeCount)
			}
		}
	}
}

func TestUpsertCommentsPreservesSentiment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	creator := createTestCreator(t, s, "alice@example.com")
	ch := createTestChannel(t, s, creator.ID, "UC123")
	v := createTestVideo(t, s, ch.ID, "vid-1")
	c := createTestComment(t, s, v.ID, "yc-1")

	if err := s.SetCommentSentiment(ctx, c.ID, "positive", 0.9, time.Now()); err != nil {
		t.Fatalf("SetCommentSentiment: %v", err)
	}

	// Re-fetching the same comment must not reset the verdict.
	refetch := &Comment{
		ID:               uuid.New().String(),
		VideoID:          v.ID,
		YouTubeCommentID: "yc-1",
		Text:             "great video! (edited)",
		LikeCount:        5,
		PublishedAt:      c.PublishedAt,
		FetchedAt:        time.Now(),
	}
	if _, err := s.UpsertComments(ctx, []*Comment{refetch}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetComment(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Sentiment != "positive" {
		t.Errorf("Sentiment: got %q, want %q", got.Sentiment, "positive")
	}
	if got.SentimentScore != 0.9 {
		t.Errorf("SentimentScore: got %v, want 0.9", got.SentimentScore)
	}
	if got.Text != "great video! (edited)" {
		t.Errorf("Text: got %q, want refreshed text", got.Text)
	}
}

func TestListCommentsByVideoSentimentFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	creator := createTestCreator(t, s, "alice@example.com")
	ch := createTestChannel(t, s, creator.ID, "UC123")
	v := createTestVideo(t, s, ch.ID, "vid-1")

	pos := createTestComment(t, s, v.ID, "yc-pos")
	neg := createTestComment(t, s, v.ID, "yc-neg")
	createTestComment(t, s, v.ID, "yc-raw")

	if err := s.SetCommentSentiment(ctx, pos.ID, "positive", 0.8, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCommentSentiment(ctx, neg.ID, "negative", -0.7, time.Now()); err != nil {
		t.Fatal(err)
	}

	negatives, err := s.ListCommentsByVideo(ctx, v.ID, "negative", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(negatives) != 1 {
		t.Fatalf("got %d negative comments, want 1", len(negatives))
	}
	if negatives[0].YouTubeCommentID != "yc-neg" {
		t.Errorf("got %q, want yc-neg", negatives[0].YouTubeCommentID)
	}

	all, err := s.ListCommentsByVideo(ctx, v.ID, "", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("got %d comments, want 3", len(all))
	}
}

func TestListUnanalyzedCommentsByChannel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	creator := createTestCreator(t, s, "alice@example.com")
	ch := createTestChannel(t, s, creator.ID, "UC123")
	v := createTestVideo(t, s, ch.ID, "vid-1")

	analyzed := createTestComment(t, s, v.ID, "yc-done")
	createTestComment(t, s, v.ID, "yc-todo")

	if err := s.SetCommentSentiment(ctx, analyzed.ID, "neutral", 0, time.Now()); err != nil {
		t.Fatal(err)
	}

	pending, err := s.ListUnanalyzedCommentsByChannel(ctx, ch.ID, 10)
	if err != nil {
		t.Fatalf("ListUnanalyzedCommentsByChannel: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d unanalyzed comments, want 1", len(pending))
	}
	if pending[0].YouTubeCommentID != "yc-todo" {
		t.Errorf("got %q, want yc-todo", pending[0].YouTubeCommentID)
	}
}

func TestReplyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	creator := createTestCreator(t, s, "alice@example.com")
	ch := createTestChannel(t, s, creator.ID, "UC123")
	v := createTestVideo(t, s, ch.ID, "vid-1")
	c := createTestComment(t, s, v.ID, "yc-1")
	r := createTestReply(t, s, c.ID, creator.ID, ch.ID)

	got, err := s.GetReply(ctx, creator.ID, r.ID)
	if err != nil {
		t.Fatalf("GetReply: %v", err)
	}
	if got == nil || got.Status != ReplyStatusDraft {
		t.Fatalf("got %+v, want draft reply", got)
	}

	// Cross-creator lookup misses.
	other := createTestCreator(t, s, "bob@example.com")
	crossed, err := s.GetReply(ctx, other.ID, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if crossed != nil {
		t.Error("expected nil for another creator's reply")
	}

	if err := s.UpdateReplyStatus(ctx, r.ID, ReplyStatusQueued); err != nil {
		t.Fatalf("UpdateReplyStatus: %v", err)
	}

	queued, err := s.ListRepliesByCreator(ctx, creator.ID, ReplyStatusQueued, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 {
		t.Fatalf("got %d queued replies, want 1", len(queued))
	}

	postedAt := time.Now()
	if err := s.SetReplyPosted(ctx, r.ID, "yt-reply-9", postedAt); err != nil {
		t.Fatalf("SetReplyPosted: %v", err)
	}
	final, err := s.GetReplyByID(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != ReplyStatusPosted {
		t.Errorf("Status: got %q, want %q", final.Status, ReplyStatusPosted)
	}
	if final.YouTubeReplyID != "yt-reply-9" {
		t.Errorf("YouTubeReplyID: got %q, want %q", final.YouTubeReplyID, "yt-reply-9")
	}
}

func enqueueTestJob(t *testing.T, s *SQLiteStore, replyID string, nextAttempt time.Time) *ReplyJob {
	t.Helper()
	job := &ReplyJob{
		ID:            uuid.New().String(),
		ReplyID:       replyID,
		Status:        JobStatusPending,
		MaxAttempts:   5,
		NextAttemptAt: nextAttempt,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := s.EnqueueReplyJob(context.Background(), job); err != nil {
		t.Fatalf("EnqueueReplyJob: %v", err)
	}
	return job
}

func TestEnqueueReplyJobDuplicate(t *testing.T) {
	s := newTestStore(t)

	creator := createTestCreator(t, s, "alice@example.com")
	ch := createTestChannel(t, s, creator.ID, "UC123")
	v := createTestVideo(t, s, ch.ID, "vid-1")
	c := createTestComment(t, s, v.ID, "yc-1")
	r := createTestReply(t, s, c.ID, creator.ID, ch.ID)

	enqueueTestJob(t, s, r.ID, time.Now())

	dup := &ReplyJob{
		ID:            uuid.New().String(),
		ReplyID:       r.ID,
		Status:        JobStatusPending,
		MaxAttempts:   5,
		NextAttemptAt: time.Now(),
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	err := s.EnqueueReplyJob(context.Background(), dup)
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate for second job on same reply, got %v", err)
	}
}

func TestLeaseDueReplyJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	creator := createTestCreator(t, s, "alice@example.com")
	ch := createTestChannel(t, s, creator.ID, "UC123")
	v := createTestVideo(t, s, ch.ID, "vid-1")

	now := time.Now()

	// Due job.
	c1 := createTestComment(t, s, v.ID, "yc-1")
	r1 := createTestReply(t, s, c1.ID, creator.ID, ch.ID)
	due := enqueueTestJob(t, s, r1.ID, now.Add(-time.Minute))

	// Not due yet.
	c2 := createTestComment(t, s, v.ID, "yc-2")
	r2 := createTestReply(t, s, c2.ID, creator.ID, ch.ID)
	enqueueTestJob(t, s, r2.ID, now.Add(time.Hour))

	jobs, err := s.LeaseDueReplyJobs(ctx, now, 2*time.Minute, 10)
	if err != nil {
		t.Fatalf("LeaseDueReplyJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d leased jobs, want 1", len(jobs))
	}
	if jobs[0].ID != due.ID {
		t.Errorf("leased job: got %q, want %q", jobs[0].ID, due.ID)
	}
	if jobs[0].Status != JobStatusLeased {
		t.Errorf("Status: got %q, want %q", jobs[0].Status, JobStatusLeased)
	}

	// Leased job is invisible while the lease holds.
	again, err := s.LeaseDueReplyJobs(ctx, now, 2*time.Minute, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("got %d jobs while leased, want 0", len(again))
	}

	// After lease expiry the job is reclaimable (crashed worker).
	later := now.Add(3 * time.Minute)
	reclaimed, err := s.LeaseDueReplyJobs(ctx, later, 2*time.Minute, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("got %d reclaimed jobs, want 1", len(reclaimed))
	}
	if reclaimed[0].ID != due.ID {
		t.Errorf("reclaimed job: got %q, want %q", reclaimed[0].ID, due.ID)
	}
}

func TestReplyJobTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	creator := createTestCreator(t, s, "alice@example.com")
	ch := createTestChannel(t, s, creator.ID, "UC123")
	v := createTestVideo(t, s, ch.ID, "vid-1")
	c := createTestComment(t, s, v.ID, "yc-1")
	r := createTestReply(t, s, c.ID, creator.ID, ch.ID)
	job := enqueueTestJob(t, s, r.ID, time.Now())

	// Reschedule increments attempts and records the error.
	next := time.Now().Add(time.Minute)
	if err := s.RescheduleReplyJob(ctx, job.ID, next, "rate limited"); err != nil {
		t.Fatalf("RescheduleReplyJob: %v", err)
	}
	got, err := s.GetReplyJobByReply(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != JobStatusPending {
		t.Errorf("Status: got %q, want %q", got.Status, JobStatusPending)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts: got %d, want 1", got.Attempts)
	}
	if got.LastError != "rate limited" {
		t.Errorf("LastError: got %q, want %q", got.LastError, "rate limited")
	}

	// Dead-letter is terminal and also counts the attempt.
	if err := s.DeadLetterReplyJob(ctx, job.ID, "comments disabled"); err != nil {
		t.Fatalf("DeadLetterReplyJob: %v", err)
	}
	got, err = s.GetReplyJobByReply(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != JobStatusDead {
		t.Errorf("Status: got %q, want %q", got.Status, JobStatusDead)
	}
	if got.Attempts != 2 {
		t.Errorf("Attempts: got %d, want 2", got.Attempts)
	}

	if err := s.DeleteReplyJob(ctx, job.ID); err != nil {
		t.Fatalf("DeleteReplyJob: %v", err)
	}
	gone, err := s.GetReplyJobByReply(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gone != nil {
		t.Error("job still present after delete")
	}
}

func TestConsumeQuota(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	period := PeriodKey(time.Now())

	// First consumption seeds the row.
	ok, err := s.ConsumeQuota(ctx, "creator-1", "ai_drafts", period, 3, 10)
	if err != nil {
		t.Fatalf("ConsumeQuota: %v", err)
	}
	if !ok {
		t.Fatal("expected first consume to succeed")
	}

	used, err := s.GetQuotaUsage(ctx, "creator-1", "ai_drafts", period)
	if err != nil {
		t.Fatal(err)
	}
	if used != 3 {
		t.Errorf("used: got %d, want 3", used)
	}

	// Consuming up to the limit succeeds.
	ok, err = s.ConsumeQuota(ctx, "creator-1", "ai_drafts", period, 7, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected consume up to limit to succeed")
	}

	// One more is denied and leaves the counter untouched.
	ok, err = s.ConsumeQuota(ctx, "creator-1", "ai_drafts", period, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected consume over limit to be denied")
	}
	used, err = s.GetQuotaUsage(ctx, "creator-1", "ai_drafts", period)
	if err != nil {
		t.Fatal(err)
	}
	if used != 10 {
		t.Errorf("used after denial: got %d, want 10", used)
	}
}

func TestConsumeQuotaUnlimited(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	period := PeriodKey(time.Now())

	ok, err := s.ConsumeQuota(ctx, "creator-1", "replies_posted", period, 1000, -1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected unlimited consume to succeed")
	}

	used, err := s.GetQuotaUsage(ctx, "creator-1", "replies_posted", period)
	if err != nil {
		t.Fatal(err)
	}
	if used != 1000 {
		t.Errorf("used: got %d, want 1000", used)
	}
}

func TestConsumeQuotaZeroIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.ConsumeQuota(ctx, "creator-1", "ai_drafts", "2026-01", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected zero consume to succeed")
	}
	used, err := s.GetQuotaUsage(ctx, "creator-1", "ai_drafts", "2026-01")
	if err != nil {
		t.Fatal(err)
	}
	if used != 0 {
		t.Errorf("used: got %d, want 0", used)
	}
}

func TestRefundQuotaFloorsAtZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	period := PeriodKey(time.Now())
	if _, err := s.ConsumeQuota(ctx, "creator-1", "ai_drafts", period, 2, 10); err != nil {
		t.Fatal(err)
	}

	if err := s.RefundQuota(ctx, "creator-1", "ai_drafts", period, 5); err != nil {
		t.Fatalf("RefundQuota: %v", err)
	}
	used, err := s.GetQuotaUsage(ctx, "creator-1", "ai_drafts", period)
	if err != nil {
		t.Fatal(err)
	}
	if used != 0 {
		t.Errorf("used after over-refund: got %d, want 0", used)
	}
}

func TestListQuotaUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	period := PeriodKey(time.Now())
	if _, err := s.ConsumeQuota(ctx, "creator-1", "ai_drafts", period, 2, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ConsumeQuota(ctx, "creator-1", "comments_synced", period, 50, 300); err != nil {
		t.Fatal(err)
	}
	// A different period should not bleed in.
	if _, err := s.ConsumeQuota(ctx, "creator-1", "ai_drafts", "1999-12", 9, 10); err != nil {
		t.Fatal(err)
	}

	usage, err := s.ListQuotaUsage(ctx, "creator-1", period)
	if err != nil {
		t.Fatalf("ListQuotaUsage: %v", err)
	}
	if len(usage) != 2 {
		t.Fatalf("got %d metrics, want 2", len(usage))
	}
	if usage["ai_drafts"] != 2 {
		t.Errorf("ai_drafts: got %d, want 2", usage["ai_drafts"])
	}
	if usage["comments_synced"] != 50 {
		t.Errorf("comments_synced: got %d, want 50", usage["comments_synced"])
	}
}

func TestInsertWebhookEventDedupe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fresh, err := s.InsertWebhookEvent(ctx, "evt_123", "invoice.paid", time.Now())
	if err != nil {
		t.Fatalf("InsertWebhookEvent: %v", err)
	}
	if !fresh {
		t.Fatal("expected first insert to report fresh")
	}

	dup, err := s.InsertWebhookEvent(ctx, "evt_123", "invoice.paid", time.Now())
	if err != nil {
		t.Fatalf("InsertWebhookEvent (dup): %v", err)
	}
	if dup {
		t.Fatal("expected duplicate insert to report false")
	}
}

func TestUpsertSubscription(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	creator := createTestCreator(t, s, "alice@example.com")

	sub := &Subscription{
		ID:               uuid.New().String(),
		CreatorID:        creator.ID,
		StripeCustomerID: "cus_123",
		Plan:             "free",
		Status:           "active",
		CurrentPeriodEnd: time.Now().Add(30 * 24 * time.Hour),
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	if err := s.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("UpsertSubscription: %v", err)
	}

	// Upgrade to pro updates the same row.
	sub2 := *sub
	sub2.ID = uuid.New().String()
	sub2.Plan = "pro"
	sub2.StripeSubscriptionID = "sub_456"
	if err := s.UpsertSubscription(ctx, &sub2); err != nil {
		t.Fatalf("UpsertSubscription (upgrade): %v", err)
	}

	got, err := s.GetSubscriptionByCreator(ctx, creator.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("GetSubscriptionByCreator returned nil")
	}
	if got.ID != sub.ID {
		t.Errorf("upsert replaced row ID: got %q, want %q", got.ID, sub.ID)
	}
	if got.Plan != "pro" {
		t.Errorf("Plan: got %q, want %q", got.Plan, "pro")
	}

	byCustomer, err := s.GetSubscriptionByStripeCustomer(ctx, "cus_123")
	if err != nil {
		t.Fatal(err)
	}
	if byCustomer == nil || byCustomer.CreatorID != creator.ID {
		t.Errorf("GetSubscriptionByStripeCustomer: got %+v", byCustomer)
	}
}

func TestAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	detail, _ := json.Marshal(map[string]string{"channel_id": "ch-1"})
	e := &AuditEvent{
		ID:        uuid.New().String(),
		CreatorID: "creator-1",
		Action:    "channel.connected",
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	if err := s.LogAuditEvent(ctx, e); err != nil {
		t.Fatalf("LogAuditEvent: %v", err)
	}
	if err := s.LogAuditEvent(ctx, &AuditEvent{
		ID:        uuid.New().String(),
		CreatorID: "creator-2",
		Action:    "reply.approved",
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListAuditEvents(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d events, want 2", len(all))
	}

	scoped, err := s.ListAuditEvents(ctx, "creator-1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped) != 1 {
		t.Fatalf("got %d scoped events, want 1", len(scoped))
	}
	if scoped[0].Action != "channel.connected" {
		t.Errorf("Action: got %q", scoped[0].Action)
	}
	var decoded map[string]string
	if err := json.Unmarshal(scoped[0].Detail, &decoded); err != nil {
		t.Fatalf("Detail round-trip: %v", err)
	}
	if decoded["channel_id"] != "ch-1" {
		t.Errorf("Detail channel_id: got %q", decoded["channel_id"])
	}
}

func TestPurges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-100 * 24 * time.Hour)
	recent := time.Now()

	if err := s.LogAuditEvent(ctx, &AuditEvent{ID: uuid.New().String(), Action: "old", CreatedAt: old}); err != nil {
		t.Fatal(err)
	}
	if err := s.LogAuditEvent(ctx, &AuditEvent{ID: uuid.New().String(), Action: "recent", CreatedAt: recent}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertWebhookEvent(ctx, "evt_old", "t", old); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertWebhookEvent(ctx, "evt_new", "t", recent); err != nil {
		t.Fatal(err)
	}

	purged, err := s.PurgeAuditEventsBefore(ctx, time.Now().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeAuditEventsBefore: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged audit events: got %d, want 1", purged)
	}

	purged, err = s.PurgeWebhookEventsBefore(ctx, time.Now().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeWebhookEventsBefore: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged webhook events: got %d, want 1", purged)
	}

	// Dead jobs older than the cutoff are purged, fresh ones stay.
	creator := createTestCreator(t, s, "alice@example.com")
	ch := createTestChannel(t, s, creator.ID, "UC123")
	v := createTestVideo(t, s, ch.ID, "vid-1")
	c := createTestComment(t, s, v.ID, "yc-1")
	r := createTestReply(t, s, c.ID, creator.ID, ch.ID)
	job := enqueueTestJob(t, s, r.ID, time.Now())
	if err := s.DeadLetterReplyJob(ctx, job.ID, "gave up"); err != nil {
		t.Fatal(err)
	}

	purged, err = s.PurgeDeadReplyJobsBefore(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if purged != 0 {
		t.Errorf("purged dead jobs: got %d, want 0 (job is fresh)", purged)
	}

	purged, err = s.PurgeDeadReplyJobsBefore(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Errorf("purged dead jobs: got %d, want 1", purged)
	}
}

func TestPeriodKey(t *testing.T) {
	ts := time.Date(2026, time.August, 25, 13, 7, 0, 0, time.UTC)
	if got := PeriodKey(ts); got != "2026-08" {
		t.Errorf("PeriodKey: got %q, want %q", got, "2026-08")
	}

	// Non-UTC times normalize to UTC before formatting.
	loc := time.FixedZone("UTC+13", 13*3600)
	edge := time.Date(2026, time.September, 1, 2, 0, 0, 0, loc) // Aug 31 13:00 UTC
	if got := PeriodKey(edge); got != "2026-08" {
		t.Errorf("PeriodKey(zoned): got %q, want %q", got, "2026-08")
	}
}
