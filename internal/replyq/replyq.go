// Package replyq drains the reply posting queue. A worker leases due
// jobs from the store, posts the approved draft under the original
// YouTube comment, and retries transient failures with exponential
// backoff until the job succeeds or dead-letters.
package replyq

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/replypilot/replypilot/internal/config"
	"github.com/replypilot/replypilot/internal/quota"
	"github.com/replypilot/replypilot/internal/store"
	"github.com/replypilot/replypilot/internal/youtube"
	"github.com/replypilot/replypilot/pkg/events"
)

// Poster posts a reply under a YouTube comment and returns the posted
// reply's YouTube ID. *youtube.Client satisfies it.
type Poster interface {
	PostReply(ctx context.Context, ch *store.Channel, parentCommentID, text string) (string, error)
}

// Worker polls the reply queue and posts approved replies. Leasing
// makes each job single-owner; a worker that dies mid-job loses its
// lease and the job is re-leased after LeaseDuration.
type Worker struct {
	store  store.Store
	poster Poster
	quota  *quota.Manager
	bus    *events.Bus
	logger *slog.Logger

	pollInterval   time.Duration
	batchSize      int
	leaseDuration  time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewWorker builds a reply queue worker. Zero config values fall back
// to the documented defaults.
func NewWorker(s store.Store, poster Poster, qm *quota.Manager, bus *events.Bus, logger *slog.Logger, cfg config.QueueConfig) *Worker {
	w := &Worker{
		store:          s,
		poster:         poster,
		quota:          qm,
		bus:            bus,
		logger:         logger,
		pollInterval:   cfg.PollInterval.Duration,
		batchSize:      cfg.BatchSize,
		leaseDuration:  cfg.LeaseDuration.Duration,
		initialBackoff: cfg.InitialBackoff.Duration,
		maxBackoff:     cfg.MaxBackoff.Duration,
	}
	if w.pollInterval <= 0 {
		w.pollInterval = 15 * time.Second
	}
	if w.batchSize <= 0 {
		w.batchSize = 10
	}
	if w.leaseDuration <= 0 {
		w.leaseDuration = 2 * time.Minute
	}
	if w.initialBackoff <= 0 {
		w.initialBackoff = 30 * time.Second
	}
	if w.maxBackoff <= 0 {
		w.maxBackoff = time.Hour
	}
	return w
}

// Run polls until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	w.logger.Info("reply worker started", "poll_interval", w.pollInterval, "batch_size", w.batchSize)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("reply worker stopped")
			return
		case <-ticker.C:
			w.processDue(ctx)
		}
	}
}

// processDue leases one batch of due jobs and works through it.
func (w *Worker) processDue(ctx context.Context) {
	jobs, err := w.store.LeaseDueReplyJobs(ctx, time.Now().UTC(), w.leaseDuration, w.batchSize)
	if err != nil {
		w.logger.Warn("reply job lease failed", "error", err)
		return
	}
	for i := range jobs {
		if ctx.Err() != nil {
			return
		}
		w.process(ctx, &jobs[i])
	}
}

// process runs a single leased job end to end.
func (w *Worker) process(ctx context.Context, job *store.ReplyJob) {
	reply, err := w.store.GetReplyByID(ctx, job.ReplyID)
	if err != nil {
		// Leave the job leased; it comes back after the lease expires.
		w.logger.Warn("reply lookup failed", "job_id", job.ID, "reply_id", job.ReplyID, "error", err)
		return
	}
	if reply == nil || reply.Status == store.ReplyStatusCanceled {
		w.finishJob(ctx, job.ID)
		return
	}
	if reply.Status == store.ReplyStatusPosted {
		// A previous attempt posted but died before completing the job.
		w.finishJob(ctx, job.ID)
		return
	}

	channel, err := w.store.GetChannelByID(ctx, reply.ChannelID)
	if err != nil {
		w.logger.Warn("channel lookup failed", "job_id", job.ID, "channel_id", reply.ChannelID, "error", err)
		return
	}
	if channel == nil {
		w.fail(ctx, job, reply, errors.New("channel disconnected"))
		return
	}
	comment, err := w.store.GetComment(ctx, reply.CommentID)
	if err != nil {
		w.logger.Warn("comment lookup failed", "job_id", job.ID, "comment_id", reply.CommentID, "error", err)
		return
	}
	if comment == nil {
		w.fail(ctx, job, reply, errors.New("comment no longer stored"))
		return
	}

	if err := w.store.UpdateReplyStatus(ctx, reply.ID, store.ReplyStatusPosting); err != nil {
		w.logger.Warn("reply status update failed", "reply_id", reply.ID, "error", err)
		return
	}

	youtubeReplyID, err := w.poster.PostReply(ctx, channel, comment.YouTubeCommentID, reply.DraftText)
	if err != nil {
		w.handleFailure(ctx, job, reply, err)
		return
	}
	w.complete(ctx, job, reply, youtubeReplyID)
}

func (w *Worker) complete(ctx context.Context, job *store.ReplyJob, reply *store.Reply, youtubeReplyID string) {
	if err := w.store.SetReplyPosted(ctx, reply.ID, youtubeReplyID, time.Now().UTC()); err != nil {
		// The reply is live on YouTube; the status-posted guard above
		// keeps the re-leased job from posting twice.
		w.logger.Error("reply posted but status update failed", "reply_id", reply.ID, "youtube_reply_id", youtubeReplyID, "error", err)
		return
	}
	w.finishJob(ctx, job.ID)

	attempts := job.Attempts + 1
	w.audit(ctx, reply.CreatorID, "reply.posted", map[string]string{
		"reply_id":         reply.ID,
		"comment_id":       reply.CommentID,
		"youtube_reply_id": youtubeReplyID,
	})
	w.publish(events.New(events.TypeReplyPosted, reply.CreatorID, events.ReplyPosted{
		ReplyID:        reply.ID,
		CommentID:      reply.CommentID,
		YouTubeReplyID: youtubeReplyID,
		Attempts:       attempts,
	}))
	w.logger.Info("reply posted", "reply_id", reply.ID, "comment_id", reply.CommentID, "attempts", attempts)
}

// handleFailure decides between retry and dead-letter. job.Attempts is
// the count of prior finished attempts, so the attempt that just failed
// is number job.Attempts+1.
func (w *Worker) handleFailure(ctx context.Context, job *store.ReplyJob, reply *store.Reply, postErr error) {
	attempt := job.Attempts + 1
	if youtube.IsRetryable(postErr) && attempt < job.MaxAttempts {
		delay := w.backoff(job.Attempts)
		next := time.Now().UTC().Add(delay)
		if err := w.store.RescheduleReplyJob(ctx, job.ID, next, postErr.Error()); err != nil {
			w.logger.Warn("reply job reschedule failed", "job_id", job.ID, "error", err)
			return
		}
		if err := w.store.UpdateReplyStatus(ctx, reply.ID, store.ReplyStatusQueued); err != nil {
			w.logger.Warn("reply status update failed", "reply_id", reply.ID, "error", err)
		}
		w.logger.Warn("reply post failed, will retry",
			"reply_id", reply.ID, "attempt", attempt, "max_attempts", job.MaxAttempts,
			"retry_in", delay, "error", postErr)
		return
	}
	w.fail(ctx, job, reply, postErr)
}

// fail dead-letters the job, marks the reply failed, and refunds the
// quota charge taken at approval time.
func (w *Worker) fail(ctx context.Context, job *store.ReplyJob, reply *store.Reply, postErr error) {
	if err := w.store.DeadLetterReplyJob(ctx, job.ID, postErr.Error()); err != nil {
		w.logger.Warn("reply job dead-letter failed", "job_id", job.ID, "error", err)
		return
	}
	if err := w.store.UpdateReplyStatus(ctx, reply.ID, store.ReplyStatusFailed); err != nil {
		w.logger.Warn("reply status update failed", "reply_id", reply.ID, "error", err)
	}
	if err := w.quota.Refund(ctx, reply.CreatorID, quota.MetricRepliesPosted, 1); err != nil {
		w.logger.Warn("quota refund failed", "creator_id", reply.CreatorID, "error", err)
	}

	attempts := job.Attempts + 1
	w.audit(ctx, reply.CreatorID, "reply.failed", map[string]string{
		"reply_id":   reply.ID,
		"comment_id": reply.CommentID,
		"error":      postErr.Error(),
	})
	w.publish(events.New(events.TypeReplyFailed, reply.CreatorID, events.ReplyFailed{
		ReplyID:   reply.ID,
		CommentID: reply.CommentID,
		Attempts:  attempts,
		Error:     postErr.Error(),
	}))
	w.logger.Error("reply dead-lettered", "reply_id", reply.ID, "attempts", attempts, "error", postErr)
}

func (w *Worker) finishJob(ctx context.Context, jobID string) {
	if err := w.store.CompleteReplyJob(ctx, jobID); err != nil {
		w.logger.Warn("reply job completion failed", "job_id", jobID, "error", err)
	}
}

// backoff returns the delay before the next attempt: the initial
// backoff doubled once per prior attempt, capped at maxBackoff, with
// +/-20% jitter so retries from one bad poll spread out.
func (w *Worker) backoff(priorAttempts int) time.Duration {
	d := w.initialBackoff
	for i := 0; i < priorAttempts && d < w.maxBackoff; i++ {
		d *= 2
	}
	if d > w.maxBackoff {
		d = w.maxBackoff
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

func (w *Worker) audit(ctx context.Context, creatorID, action string, detail map[string]string) {
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	err := w.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		CreatorID: creatorID,
		Action:    action,
		Detail:    raw,
		CreatedAt: time.Now(),
	})
	if err != nil {
		w.logger.Warn("audit log failed", "action", action, "error", err)
	}
}

func (w *Worker) publish(ev events.Event) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(ev)
}
