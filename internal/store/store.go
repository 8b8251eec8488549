// Package store defines the storage interface for the service and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrDuplicate is returned when an insert violates a uniqueness constraint
// the caller cares about (creator email, one queue job per reply).
var ErrDuplicate = errors.New("duplicate row")

// Reply statuses.
const (
	ReplyStatusDraft    = "draft"
	ReplyStatusQueued   = "queued"
	ReplyStatusPosting  = "posting"
	ReplyStatusPosted   = "posted"
	ReplyStatusFailed   = "failed"
	ReplyStatusCanceled = "canceled"
)

// Reply job statuses.
const (
	JobStatusPending = "pending"
	JobStatusLeased  = "leased"
	JobStatusDone    = "done"
	JobStatusDead    = "dead"
)

// Store is the persistence interface for the service.
type Store interface {
	// Creators
	CreateCreator(ctx context.Context, c *Creator) error
	GetCreatorByID(ctx context.Context, id string) (*Creator, error)
	GetCreatorByEmail(ctx context.Context, email string) (*Creator, error)
	GetCreatorByExternalID(ctx context.Context, externalID string) (*Creator, error)
	ListCreators(ctx context.Context, limit, offset int) ([]Creator, error)

	// Channels
	CreateChannel(ctx context.Context, ch *Channel) error
	GetChannel(ctx context.Context, creatorID, id string) (*Channel, error)
	GetChannelByID(ctx context.Context, id string) (*Channel, error)
	ListChannelsByCreator(ctx context.Context, creatorID string) ([]Channel, error)
	ListChannelsDueSync(ctx context.Context, before time.Time) ([]Channel, error)
	CountChannelsByCreator(ctx context.Context, creatorID string) (int, error)
	UpdateChannelToken(ctx context.Context, id, accessToken string, expiry time.Time) error
	UpdateChannelSyncTime(ctx context.Context, id string, at time.Time) error
	DeleteChannel(ctx context.Context, creatorID, id string) error

	// Videos
	UpsertVideo(ctx context.Context, v *Video) error
	GetVideo(ctx context.Context, id string) (*Video, error)
	GetVideoByYouTubeID(ctx context.Context, youtubeVideoID string) (*Video, error)
	ListVideosByChannel(ctx context.Context, channelID string) ([]Video, error)

	// Comments
	UpsertComments(ctx context.Context, comments []*Comment) (int, error)
	GetComment(ctx context.Context, id string) (*Comment, error)
	ListCommentsByVideo(ctx context.Context, videoID, sentiment string, limit, offset int) ([]Comment, error)
	ListUnanalyzedCommentsByChannel(ctx context.Context, channelID string, limit int) ([]Comment, error)
	SetCommentSentiment(ctx context.Context, id, sentiment string, score float64, analyzedAt time.Time) error

	// Replies
	CreateReply(ctx context.Context, r *Reply) error
	GetReply(ctx context.Context, creatorID, id string) (*Reply, error)
	GetReplyByID(ctx context.Context, id string) (*Reply, error)
	ListRepliesByCreator(ctx context.Context, creatorID, status string, limit, offset int) ([]Reply, error)
	UpdateReplyStatus(ctx context.Context, id, status string) error
	SetReplyPosted(ctx context.Context, id, youtubeReplyID string, postedAt time.Time) error

	// Reply queue
	EnqueueReplyJob(ctx context.Context, job *ReplyJob) error
	GetReplyJobByReply(ctx context.Context, replyID string) (*ReplyJob, error)
	LeaseDueReplyJobs(ctx context.Context, now time.Time, leaseFor time.Duration, limit int) ([]ReplyJob, error)
	CompleteReplyJob(ctx context.Context, id string) error
	RescheduleReplyJob(ctx context.Context, id string, nextAttempt time.Time, lastError string) error
	DeadLetterReplyJob(ctx context.Context, id string, lastError string) error
	DeleteReplyJob(ctx context.Context, id string) error

	// Subscriptions
	UpsertSubscription(ctx context.Context, sub *Subscription) error
	GetSubscriptionByCreator(ctx context.Context, creatorID string) (*Subscription, error)
	GetSubscriptionByStripeCustomer(ctx context.Context, customerID string) (*Subscription, error)

	// Quota usage
	ConsumeQuota(ctx context.Context, creatorID, metric, period string, n, limit int64) (bool, error)
	RefundQuota(ctx context.Context, creatorID, metric, period string, n int64) error
	GetQuotaUsage(ctx context.Context, creatorID, metric, period string) (int64, error)
	ListQuotaUsage(ctx context.Context, creatorID, period string) (map[string]int64, error)

	// Webhook idempotency ledger
	InsertWebhookEvent(ctx context.Context, id, eventType string, at time.Time) (bool, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, creatorID string, limit, offset int) ([]AuditEvent, error)

	// Data retention
	PurgeAuditEventsBefore(ctx context.Context, before time.Time) (int64, error)
	PurgeWebhookEventsBefore(ctx context.Context, before time.Time) (int64, error)
	PurgeDeadReplyJobsBefore(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// New creates a Store for the configured driver.
func New(driver, dsn string) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgres(dsn)
	case "sqlite", "":
		return NewSQLite(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// Creator is a tenant account.
type Creator struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"display_name"`
	AuthProvider string    `json:"auth_provider"`          // "builtin" or "supabase"
	ExternalID   string    `json:"external_id,omitempty"`  // Supabase user id, or empty
	Role         string    `json:"role"`                   // "creator" or "admin"
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Channel is a YouTube channel connected by a creator. RefreshToken and
// AccessToken authorize reply posting on the channel's behalf.
type Channel struct {
	ID               string    `json:"id"`
	CreatorID        string    `json:"creator_id"`
	YouTubeChannelID string    `json:"youtube_channel_id"`
	Title            string    `json:"title"`
	RefreshToken     string    `json:"-"`
	AccessToken      string    `json:"-"`
	TokenExpiry      time.Time `json:"-"`
	LastSyncedAt     time.Time `json:"last_synced_at"`
	ConnectedAt      time.Time `json:"connected_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Video is a tracked upload on a connected channel.
type Video struct {
	ID             string    `json:"id"`
	ChannelID      string    `json:"channel_id"`
	YouTubeVideoID string    `json:"youtube_video_id"`
	Title          string    `json:"title"`
	PublishedAt    time.Time `json:"published_at"`
	CommentCount   int64     `json:"comment_count"`
	LastSyncedAt   time.Time `json:"last_synced_at"`
}

// Comment is a fetched top-level YouTube comment, plus its sentiment verdict
// once analyzed. Sentiment is empty until analysis runs.
type Comment struct {
	ID               string    `json:"id"`
	VideoID          string    `json:"video_id"`
	YouTubeCommentID string    `json:"youtube_comment_id"`
	AuthorName       string    `json:"author_name"`
	AuthorChannelID  string    `json:"author_channel_id,omitempty"`
	Text             string    `json:"text"`
	LikeCount        int64     `json:"like_count"`
	PublishedAt      time.Time `json:"published_at"`
	FetchedAt        time.Time `json:"fetched_at"`
	Sentiment        string    `json:"sentiment,omitempty"` // "positive", "neutral", "negative"
	SentimentScore   float64   `json:"sentiment_score"`
	AnalyzedAt       time.Time `json:"analyzed_at,omitempty"`
}

// Reply is an AI-drafted reply to a comment.
type Reply struct {
	ID             string    `json:"id"`
	CommentID      string    `json:"comment_id"`
	CreatorID      string    `json:"creator_id"`
	ChannelID      string    `json:"channel_id"`
	DraftText      string    `json:"draft_text"`
	Tone           string    `json:"tone"`
	Model          string    `json:"model"`
	Status         string    `json:"status"`
	YouTubeReplyID string    `json:"youtube_reply_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	PostedAt       time.Time `json:"posted_at,omitempty"`
}

// ReplyJob is a queued posting attempt for an approved reply.
type ReplyJob struct {
	ID             string    `json:"id"`
	ReplyID        string    `json:"reply_id"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"max_attempts"`
	NextAttemptAt  time.Time `json:"next_attempt_at"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Subscription mirrors the creator's Stripe subscription state.
type Subscription struct {
	ID                   string    `json:"id"`
	CreatorID            string    `json:"creator_id"`
	StripeCustomerID     string    `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string    `json:"stripe_subscription_id,omitempty"`
	Plan                 string    `json:"plan"`   // "free" or "pro"
	Status               string    `json:"status"` // "active", "trialing", "past_due", "canceled"
	CurrentPeriodEnd     time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool      `json:"cancel_at_period_end"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	CreatorID string          `json:"creator_id,omitempty"`
	Action    string          `json:"action"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// PeriodKey returns the monthly quota period key for a point in time,
// e.g. "2026-08". Periods are calendar months in UTC.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
