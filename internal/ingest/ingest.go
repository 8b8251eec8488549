// Package ingest keeps connected channels' comments fresh. A background
// syncer pulls new comment threads per channel, stores them, and scores the
// new arrivals, all within the creator's quota.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/replypilot/replypilot/internal/ai"
	"github.com/replypilot/replypilot/internal/config"
	"github.com/replypilot/replypilot/internal/quota"
	"github.com/replypilot/replypilot/internal/store"
	"github.com/replypilot/replypilot/internal/youtube"
	"github.com/replypilot/replypilot/pkg/events"
)

// recentUploads bounds how many videos a sync round inspects per channel.
const recentUploads = 10

// CommentSource lists uploads and comment threads for a channel. Satisfied by
// *youtube.Client.
type CommentSource interface {
	ListRecentUploads(ctx context.Context, ch *store.Channel, max int64) ([]youtube.Upload, error)
	ListCommentThreads(ctx context.Context, ch *store.Channel, youtubeVideoID, pageToken string, max int64) (*youtube.CommentPage, error)
}

// Analyzer scores a batch of comments. Satisfied by *ai.Client.
type Analyzer interface {
	AnalyzeSentiment(ctx context.Context, comments []ai.CommentInput) ([]ai.SentimentResult, error)
}

// Syncer runs periodic comment ingestion for channels whose last sync is
// older than the configured interval.
type Syncer struct {
	store    store.Store
	source   CommentSource
	analyzer Analyzer // nil disables sentiment scoring
	quota    *quota.Manager
	bus      *events.Bus
	logger   *slog.Logger

	interval    time.Duration
	concurrency int
	maxComments int // per video per sync
	aiBatch     int
}

func NewSyncer(s store.Store, source CommentSource, analyzer Analyzer, qm *quota.Manager, bus *events.Bus, logger *slog.Logger, ycfg config.YouTubeConfig, acfg config.AIConfig) *Syncer {
	interval := ycfg.SyncInterval.Duration
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	concurrency := ycfg.SyncConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	maxComments := ycfg.MaxCommentsPerSync
	if maxComments <= 0 {
		maxComments = 200
	}
	aiBatch := acfg.MaxBatch
	if aiBatch <= 0 {
		aiBatch = 50
	}
	return &Syncer{
		store:       s,
		source:      source,
		analyzer:    analyzer,
		quota:       qm,
		bus:         bus,
		logger:      logger.With("component", "ingest"),
		interval:    interval,
		concurrency: concurrency,
		maxComments: maxComments,
		aiBatch:     aiBatch,
	}
}

// Run syncs due channels every interval until ctx is done.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("comment syncer started", "interval", s.interval, "concurrency", s.concurrency)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncDue(ctx)
		}
	}
}

func (s *Syncer) syncDue(ctx context.Context) {
	due, err := s.store.ListChannelsDueSync(ctx, time.Now().Add(-s.interval))
	if err != nil {
		s.logger.Warn("listing channels due for sync failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range due {
		ch := due[i]
		g.Go(func() error {
			res, err := s.SyncChannel(gctx, &ch)
			if err != nil {
				var qerr *quota.ErrQuotaExceeded
				if errors.As(err, &qerr) {
					s.logger.Info("channel sync halted by quota", "channel_id", ch.ID, "metric", qerr.Metric)
					return nil
				}
				s.logger.Warn("channel sync failed", "channel_id", ch.ID, "error", err)
				return nil
			}
			if res.NewComments > 0 || res.Analyzed > 0 {
				s.logger.Info("channel synced",
					"channel_id", ch.ID,
					"videos", res.VideosChecked,
					"new_comments", res.NewComments,
					"analyzed", res.Analyzed)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// SyncResult summarizes one channel sync.
type SyncResult struct {
	VideosChecked int `json:"videos_checked"`
	NewComments   int `json:"new_comments"`
	Analyzed      int `json:"analyzed"`
}

// SyncChannel pulls new comments for one channel and scores pending ones.
// When the comments_synced quota runs out mid-sync the error is
// *quota.ErrQuotaExceeded and the result covers the work done before the
// denial; comments stored up to that point are kept.
func (s *Syncer) SyncChannel(ctx context.Context, ch *store.Channel) (*SyncResult, error) {
	res := &SyncResult{}

	uploads, err := s.source.ListRecentUploads(ctx, ch, recentUploads)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}

	perVideo := make(map[string]*events.CommentSynced)
	var halted error
	for i := range uploads {
		res.VideosChecked++
		videoID, added, err := s.syncVideo(ctx, ch, uploads[i])
		if added > 0 {
			res.NewComments += added
			perVideo[videoID] = &events.CommentSynced{ChannelID: ch.ID, VideoID: videoID, New: added}
		}
		if err != nil {
			var qerr *quota.ErrQuotaExceeded
			if errors.As(err, &qerr) {
				halted = err
				break
			}
			s.finishSync(ctx, ch, perVideo)
			return res, err
		}
	}

	if halted == nil && s.analyzer != nil {
		analyzed, byVideo, err := s.analyzeBatch(ctx, ch)
		res.Analyzed = analyzed
		for videoID, n := range byVideo {
			ev, ok := perVideo[videoID]
			if !ok {
				ev = &events.CommentSynced{ChannelID: ch.ID, VideoID: videoID}
				perVideo[videoID] = ev
			}
			ev.Analyzed = n
		}
		if err != nil {
			var qerr *quota.ErrQuotaExceeded
			if errors.As(err, &qerr) {
				s.logger.Info("analysis skipped by quota", "channel_id", ch.ID)
			} else {
				s.logger.Warn("sentiment analysis failed", "channel_id", ch.ID, "error", err)
			}
		}
	}

	s.finishSync(ctx, ch, perVideo)
	return res, halted
}

// finishSync stamps the channel and publishes per-video events. Runs on every
// outcome so denied channels are not re-picked each round.
func (s *Syncer) finishSync(ctx context.Context, ch *store.Channel, perVideo map[string]*events.CommentSynced) {
	if err := s.store.UpdateChannelSyncTime(ctx, ch.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("updating channel sync time failed", "channel_id", ch.ID, "error", err)
	}
	if s.bus == nil {
		return
	}
	for _, ev := range perVideo {
		s.bus.Publish(events.New(events.TypeCommentSynced, ch.CreatorID, *ev))
	}
}

// syncVideo upserts the video row and pulls comment pages newest-first until
// it overlaps already-stored comments or hits the per-video cap. Returns the
// video row ID and how many comments were new.
func (s *Syncer) syncVideo(ctx context.Context, ch *store.Channel, up youtube.Upload) (string, int, error) {
	now := time.Now().UTC()
	if err := s.store.UpsertVideo(ctx, &store.Video{
		ID:             uuid.New().String(),
		ChannelID:      ch.ID,
		YouTubeVideoID: up.VideoID,
		Title:          up.Title,
		PublishedAt:    up.PublishedAt,
		LastSyncedAt:   now,
	}); err != nil {
		return "", 0, fmt.Errorf("upsert video %s: %w", up.VideoID, err)
	}
	video, err := s.store.GetVideoByYouTubeID(ctx, up.VideoID)
	if err != nil {
		return "", 0, err
	}
	if video == nil {
		return "", 0, fmt.Errorf("video %s vanished after upsert", up.VideoID)
	}

	added := 0
	pageToken := ""
	for added < s.maxComments {
		pageSize := int64(min(s.maxComments-added, 100))
		page, err := s.source.ListCommentThreads(ctx, ch, up.VideoID, pageToken, pageSize)
		if err != nil {
			if youtube.IsCommentsDisabled(err) {
				s.logger.Debug("comments disabled, skipping video", "video", up.VideoID)
				return video.ID, added, nil
			}
			return video.ID, added, fmt.Errorf("list comment threads: %w", err)
		}
		if len(page.Comments) == 0 {
			break
		}

		rows := make([]*store.Comment, 0, len(page.Comments))
		for _, cm := range page.Comments {
			rows = append(rows, &store.Comment{
				ID:               uuid.New().String(),
				VideoID:          video.ID,
				YouTubeCommentID: cm.YouTubeCommentID,
				AuthorName:       cm.AuthorName,
				AuthorChannelID:  cm.AuthorChannelID,
				Text:             cm.Text,
				LikeCount:        cm.LikeCount,
				PublishedAt:      cm.PublishedAt,
				FetchedAt:        now,
			})
		}
		inserted, err := s.store.UpsertComments(ctx, rows)
		if err != nil {
			return video.ID, added, fmt.Errorf("store comments: %w", err)
		}
		if inserted > 0 {
			if err := s.quota.Consume(ctx, ch.CreatorID, quota.MetricCommentsSynced, int64(inserted)); err != nil {
				// Stored comments stay; the denial halts further pulls.
				return video.ID, added + inserted, err
			}
			added += inserted
		}

		// Seeing an already-known comment means everything older is stored.
		if inserted < len(rows) || page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return video.ID, added, nil
}

// analyzeBatch scores up to one batch of unanalyzed comments. The quota is
// charged up front and refunded for comments the model failed to score.
func (s *Syncer) analyzeBatch(ctx context.Context, ch *store.Channel) (int, map[string]int, error) {
	pending, err := s.store.ListUnanalyzedCommentsByChannel(ctx, ch.ID, s.aiBatch)
	if err != nil {
		return 0, nil, fmt.Errorf("list unanalyzed: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil, nil
	}

	if err := s.quota.Consume(ctx, ch.CreatorID, quota.MetricAIAnalyses, int64(len(pending))); err != nil {
		return 0, nil, err
	}

	inputs := make([]ai.CommentInput, len(pending))
	videoOf := make(map[string]string, len(pending))
	for i, c := range pending {
		inputs[i] = ai.CommentInput{ID: c.ID, Text: c.Text}
		videoOf[c.ID] = c.VideoID
	}

	results, err := s.analyzer.AnalyzeSentiment(ctx, inputs)
	if err != nil {
		if rerr := s.quota.Refund(ctx, ch.CreatorID, quota.MetricAIAnalyses, int64(len(pending))); rerr != nil {
			s.logger.Warn("refunding analysis quota failed", "channel_id", ch.ID, "error", rerr)
		}
		return 0, nil, fmt.Errorf("analyze sentiment: %w", err)
	}

	now := time.Now().UTC()
	byVideo := make(map[string]int)
	analyzed := 0
	for _, r := range results {
		if err := s.store.SetCommentSentiment(ctx, r.ID, r.Sentiment, r.Score, now); err != nil {
			s.logger.Warn("storing sentiment failed", "comment_id", r.ID, "error", err)
			continue
		}
		analyzed++
		byVideo[videoOf[r.ID]]++
	}

	if skipped := len(pending) - analyzed; skipped > 0 {
		if rerr := s.quota.Refund(ctx, ch.CreatorID, quota.MetricAIAnalyses, int64(skipped)); rerr != nil {
			s.logger.Warn("refunding skipped analyses failed", "channel_id", ch.ID, "error", rerr)
		}
	}
	return analyzed, byVideo, nil
}
