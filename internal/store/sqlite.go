package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) addColumnIfNotExists(table, column, definition string) error {
	_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil && strings.Contains(err.Error(), "duplicate column") {
		return nil
	}
	return err
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS creators (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			auth_provider TEXT NOT NULL DEFAULT 'builtin',
			external_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'creator',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_creators_external_id ON creators(external_id)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			creator_id TEXT NOT NULL REFERENCES creators(id),
			youtube_channel_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			token_expiry DATETIME NOT NULL,
			last_synced_at DATETIME NOT NULL,
			connected_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE(creator_id, youtube_channel_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_creator_id ON channels(creator_id)`,
		`CREATE TABLE IF NOT EXISTS videos (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL REFERENCES channels(id),
			youtube_video_id TEXT UNIQUE NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			published_at DATETIME NOT NULL,
			comment_count INTEGER NOT NULL DEFAULT 0,
			last_synced_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_videos_channel_id ON videos(channel_id)`,
		`CREATE TABLE IF NOT EXISTS comments (
			id TEXT PRIMARY KEY,
			video_id TEXT NOT NULL REFERENCES videos(id),
			youtube_comment_id TEXT UNIQUE NOT NULL,
			author_name TEXT NOT NULL DEFAULT '',
			author_channel_id TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			like_count INTEGER NOT NULL DEFAULT 0,
			published_at DATETIME NOT NULL,
			fetched_at DATETIME NOT NULL,
			sentiment TEXT NOT NULL DEFAULT '',
			sentiment_score REAL NOT NULL DEFAULT 0,
			analyzed_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_comments_video_id ON comments(video_id)`,
		`CREATE INDEX IF NOT EXISTS idx_comments_sentiment ON comments(sentiment)`,
		`CREATE TABLE IF NOT EXISTS replies (
			id TEXT PRIMARY KEY,
			comment_id TEXT NOT NULL REFERENCES comments(id),
			creator_id TEXT NOT NULL REFERENCES creators(id),
			channel_id TEXT NOT NULL,
			draft_text TEXT NOT NULL DEFAULT '',
			tone TEXT NOT NULL DEFAULT 'friendly',
			model TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'draft',
			youtube_reply_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			posted_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_replies_creator_status ON replies(creator_id, status)`,
		`CREATE TABLE IF NOT EXISTS reply_jobs (
			id TEXT PRIMARY KEY,
			reply_id TEXT UNIQUE NOT NULL REFERENCES replies(id),
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			next_attempt_at DATETIME NOT NULL,
			lease_expires_at DATETIME NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reply_jobs_status_next ON reply_jobs(status, next_attempt_at)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			creator_id TEXT UNIQUE NOT NULL REFERENCES creators(id),
			stripe_customer_id TEXT NOT NULL DEFAULT '',
			stripe_subscription_id TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL DEFAULT 'free',
			status TEXT NOT NULL DEFAULT 'active',
			current_period_end DATETIME NOT NULL,
			cancel_at_period_end INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_stripe_customer ON subscriptions(stripe_customer_id)`,
		`CREATE TABLE IF NOT EXISTS quota_usage (
			creator_id TEXT NOT NULL,
			metric TEXT NOT NULL,
			period TEXT NOT NULL,
			used INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (creator_id, metric, period)
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL DEFAULT '',
			processed_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			creator_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_creator_id ON audit_events(creator_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}

	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Creators ---

func (s *SQLiteStore) CreateCreator(ctx context.Context, c *Creator) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO creators (id, email, password_hash, display_name, auth_provider, external_id, role, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Email, c.PasswordHash, c.DisplayName, c.AuthProvider, c.ExternalID, c.Role, c.CreatedAt, c.UpdatedAt,
	)
	if isSQLiteUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *SQLiteStore) GetCreatorByID(ctx context.Context, id string) (*Creator, error) {
	var c Creator
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, display_name, auth_provider, external_id, role, created_at, updated_at
		 FROM creators WHERE id = ?`, id,
	).Scan(&c.ID, &c.Email, &c.PasswordHash, &c.DisplayName, &c.AuthProvider, &c.ExternalID, &c.Role, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &c, err
}

func (s *SQLiteStore) GetCreatorByEmail(ctx context.Context, email string) (*Creator, error) {
	var c Creator
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, display_name, auth_provider, external_id, role, created_at, updated_at
		 FROM creators WHERE email = ?`, email,
	).Scan(&c.ID, &c.Email, &c.PasswordHash, &c.DisplayName, &c.AuthProvider, &c.ExternalID, &c.Role, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &c, err
}

func (s *SQLiteStore) GetCreatorByExternalID(ctx context.Context, externalID string) (*Creator, error) {
	var c Creator
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, display_name, auth_provider, external_id, role, created_at, updated_at
		 FROM creators WHERE external_id = ?`, externalID,
	).Scan(&c.ID, &c.Email, &c.PasswordHash, &c.DisplayName, &c.AuthProvider, &c.ExternalID, &c.Role, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &c, err
}

func (s *SQLiteStore) ListCreators(ctx context.Context, limit, offset int) ([]Creator, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, display_name, auth_provider, external_id, role, created_at, updated_at
		 FROM creators ORDER BY created_at LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creators []Creator
	for rows.Next() {
		var c Creator
		if err := rows.Scan(&c.ID, &c.Email, &c.DisplayName, &c.AuthProvider, &c.ExternalID, &c.Role, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		creators = append(creators, c)
	}
	return creators, rows.Err()
}

// --- Channels ---

func (s *SQLiteStore) CreateChannel(ctx context.Context, ch *Channel) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (id, creator_id, youtube_channel_id, title, refresh_token, access_token, token_expiry, last_synced_at, connected_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.CreatorID, ch.YouTubeChannelID, ch.Title, ch.RefreshToken, ch.AccessToken, ch.TokenExpiry, ch.LastSyncedAt, ch.ConnectedAt, ch.UpdatedAt,
	)
	if isSQLiteUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

const channelColumns = `id, creator_id, youtube_channel_id, title, refresh_token, access_token, token_expiry, last_synced_at, connected_at, updated_at`

func scanChannel(row interface{ Scan(...any) error }) (*Channel, error) {
	var ch Channel
	err := row.Scan(&ch.ID, &ch.CreatorID, &ch.YouTubeChannelID, &ch.Title, &ch.RefreshToken, &ch.AccessToken,
		&ch.TokenExpiry, &ch.LastSyncedAt, &ch.ConnectedAt, &ch.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *SQLiteStore) GetChannel(ctx context.Context, creatorID, id string) (*Channel, error) {
	ch, err := scanChannel(s.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE creator_id = ? AND id = ?`, creatorID, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ch, err
}

func (s *SQLiteStore) GetChannelByID(ctx context.Context, id string) (*Channel, error) {
	ch, err := scanChannel(s.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ch, err
}

func (s *SQLiteStore) ListChannelsByCreator(ctx context.Context, creatorID string) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE creator_id = ? ORDER BY connected_at`, creatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *ch)
	}
	return channels, rows.Err()
}

func (s *SQLiteStore) ListChannelsDueSync(ctx context.Context, before time.Time) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE last_synced_at < ? ORDER BY last_synced_at`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *ch)
	}
	return channels, rows.Err()
}

func (s *SQLiteStore) CountChannelsByCreator(ctx context.Context, creatorID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM channels WHERE creator_id = ?", creatorID,
	).Scan(&count)
	return count, err
}

func (s *SQLiteStore) UpdateChannelToken(ctx context.Context, id, accessToken string, expiry time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE channels SET access_token = ?, token_expiry = ?, updated_at = ? WHERE id = ?",
		accessToken, expiry, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStore) UpdateChannelSyncTime(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE channels SET last_synced_at = ?, updated_at = ? WHERE id = ?",
		at, at, id,
	)
	return err
}

func (s *SQLiteStore) DeleteChannel(ctx context.Context, creatorID, id string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM channels WHERE creator_id = ? AND id = ?", creatorID, id)
	return err
}

// --- Videos ---

func (s *SQLiteStore) UpsertVideo(ctx context.Context, v *Video) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO videos (id, channel_id, youtube_video_id, title, published_at, comment_count, last_synced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(youtube_video_id) DO UPDATE SET title=excluded.title, comment_count=excluded.comment_count, last_synced_at=excluded.last_synced_at`,
		v.ID, v.ChannelID, v.YouTubeVideoID, v.Title, v.PublishedAt, v.CommentCount, v.LastSyncedAt,
	)
	return err
}

func (s *SQLiteStore) GetVideo(ctx context.Context, id string) (*Video, error) {
	var v Video
	err := s.db.QueryRowContext(ctx,
		`SELECT id, channel_id, youtube_video_id, title, published_at, comment_count, last_synced_at
		 FROM videos WHERE id = ?`, id,
	).Scan(&v.ID, &v.ChannelID, &v.YouTubeVideoID, &v.Title, &v.PublishedAt, &v.CommentCount, &v.LastSyncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &v, err
}

func (s *SQLiteStore) GetVideoByYouTubeID(ctx context.Context, youtubeVideoID string) (*Video, error) {
	var v Video
	err := s.db.QueryRowContext(ctx,
		`SELECT id, channel_id, youtube_video_id, title, published_at, comment_count, last_synced_at
		 FROM videos WHERE youtube_video_id = ?`, youtubeVideoID,
	).Scan(&v.ID, &v.ChannelID, &v.YouTubeVideoID, &v.Title, &v.PublishedAt, &v.CommentCount, &v.LastSyncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &v, err
}

func (s *SQLiteStore) ListVideosByChannel(ctx context.Context, channelID string) ([]Video, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, youtube_video_id, title, published_at, comment_count, last_synced_at
		 FROM videos WHERE channel_id = ? ORDER BY published_at DESC`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var videos []Video
	for rows.Next() {
		var v Video
		if err := rows.Scan(&v.ID, &v.ChannelID, &v.YouTubeVideoID, &v.Title, &v.PublishedAt, &v.CommentCount, &v.LastSyncedAt); err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

// --- Comments ---

func (s *SQLiteStore) UpsertComments(ctx context.Context, comments []*Comment) (int, error) {
	if len(comments) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, c := range comments {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO comments (id, video_id, youtube_comment_id, author_name, author_channel_id, text, like_count, published_at, fetched_at, sentiment, sentiment_score, analyzed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0, ?)
			 ON CONFLICT(youtube_comment_id) DO NOTHING`,
			c.ID, c.VideoID, c.YouTubeCommentID, c.AuthorName, c.AuthorChannelID, c.Text, c.LikeCount,
			c.PublishedAt, c.FetchedAt, time.Time{},
		)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n > 0 {
			inserted++
			continue
		}
		// Existing comment: refresh mutable fields, never touch sentiment.
		if _, err := tx.ExecContext(ctx,
			"UPDATE comments SET text = ?, like_count = ?, fetched_at = ? WHERE youtube_comment_id = ?",
			c.Text, c.LikeCount, c.FetchedAt, c.YouTubeCommentID,
		); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

const commentColumns = `id, video_id, youtube_comment_id, author_name, author_channel_id, text, like_count, published_at, fetched_at, sentiment, sentiment_score, analyzed_at`

func scanComment(row interface{ Scan(...any) error }) (*Comment, error) {
	var c Comment
	err := row.Scan(&c.ID, &c.VideoID, &c.YouTubeCommentID, &c.AuthorName, &c.AuthorChannelID, &c.Text,
		&c.LikeCount, &c.PublishedAt, &c.FetchedAt, &c.Sentiment, &c.SentimentScore, &c.AnalyzedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) GetComment(ctx context.Context, id string) (*Comment, error) {
	c, err := scanComment(s.db.QueryRowContext(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *SQLiteStore) ListCommentsByVideo(ctx context.Context, videoID, sentiment string, limit, offset int) ([]Comment, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + commentColumns + ` FROM comments WHERE video_id = ?`
	args := []any{videoID}
	if sentiment != "" {
		query += " AND sentiment = ?"
		args = append(args, sentiment)
	}
	query += " ORDER BY published_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		comments = append(comments, *c)
	}
	return comments, rows.Err()
}

func (s *SQLiteStore) ListUnanalyzedCommentsByChannel(ctx context.Context, channelID string, limit int) ([]Comment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.video_id, c.youtube_comment_id, c.author_name, c.author_channel_id, c.text, c.like_count,
		        c.published_at, c.fetched_at, c.sentiment, c.sentiment_score, c.analyzed_at
		 FROM comments c JOIN videos v ON c.video_id = v.id
		 WHERE v.channel_id = ? AND c.sentiment = ''
		 ORDER BY c.published_at DESC LIMIT ?`, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		comments = append(comments, *c)
	}
	return comments, rows.Err()
}

func (s *SQLiteStore) SetCommentSentiment(ctx context.Context, id, sentiment string, score float64, analyzedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE comments SET sentiment = ?, sentiment_score = ?, analyzed_at = ? WHERE id = ?",
		sentiment, score, analyzedAt, id,
	)
	return err
}

// --- Replies ---

func (s *SQLiteStore) CreateReply(ctx context.Context, r *Reply) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO replies (id, comment_id, creator_id, channel_id, draft_text, tone, model, status, youtube_reply_id, created_at, updated_at, posted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CommentID, r.CreatorID, r.ChannelID, r.DraftText, r.Tone, r.Model, r.Status, r.YouTubeReplyID,
		r.CreatedAt, r.UpdatedAt, r.PostedAt,
	)
	return err
}

const replyColumns = `id, comment_id, creator_id, channel_id, draft_text, tone, model, status, youtube_reply_id, created_at, updated_at, posted_at`

func scanReply(row interface{ Scan(...any) error }) (*Reply, error) {
	var r Reply
	err := row.Scan(&r.ID, &r.CommentID, &r.CreatorID, &r.ChannelID, &r.DraftText, &r.Tone, &r.Model,
		&r.Status, &r.YouTubeReplyID, &r.CreatedAt, &r.UpdatedAt, &r.PostedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) GetReply(ctx context.Context, creatorID, id string) (*Reply, error) {
	r, err := scanReply(s.db.QueryRowContext(ctx,
		`SELECT `+replyColumns+` FROM replies WHERE creator_id = ? AND id = ?`, creatorID, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *SQLiteStore) GetReplyByID(ctx context.Context, id string) (*Reply, error) {
	r, err := scanReply(s.db.QueryRowContext(ctx,
		`SELECT `+replyColumns+` FROM replies WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *SQLiteStore) ListRepliesByCreator(ctx context.Context, creatorID, status string, limit, offset int) ([]Reply, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + replyColumns + ` FROM replies WHERE creator_id = ?`
	args := []any{creatorID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var replies []Reply
	for rows.Next() {
		r, err := scanReply(rows)
		if err != nil {
			return nil, err
		}
		replies = append(replies, *r)
	}
	return replies, rows.Err()
}

func (s *SQLiteStore) UpdateReplyStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE replies SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStore) SetReplyPosted(ctx context.Context, id, youtubeReplyID string, postedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE replies SET status = ?, youtube_reply_id = ?, posted_at = ?, updated_at = ? WHERE id = ?",
		ReplyStatusPosted, youtubeReplyID, postedAt, postedAt, id,
	)
	return err
}

// --- Reply queue ---

func (s *SQLiteStore) EnqueueReplyJob(ctx context.Context, job *ReplyJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reply_jobs (id, reply_id, status, attempts, max_attempts, next_attempt_at, lease_expires_at, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ReplyID, job.Status, job.Attempts, job.MaxAttempts, job.NextAttemptAt, job.LeaseExpiresAt,
		job.LastError, job.CreatedAt, job.UpdatedAt,
	)
	if isSQLiteUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

const jobColumns = `id, reply_id, status, attempts, max_attempts, next_attempt_at, lease_expires_at, last_error, created_at, updated_at`

func scanReplyJob(row interface{ Scan(...any) error }) (*ReplyJob, error) {
	var j ReplyJob
	err := row.Scan(&j.ID, &j.ReplyID, &j.Status, &j.Attempts, &j.MaxAttempts, &j.NextAttemptAt,
		&j.LeaseExpiresAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *SQLiteStore) GetReplyJobByReply(ctx context.Context, replyID string) (*ReplyJob, error) {
	j, err := scanReplyJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM reply_jobs WHERE reply_id = ?`, replyID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

// LeaseDueReplyJobs marks due jobs as leased and returns them. A job is due
// when it is pending and its next attempt time has passed, or when a previous
// lease expired without a terminal transition (crashed worker).
func (s *SQLiteStore) LeaseDueReplyJobs(ctx context.Context, now time.Time, leaseFor time.Duration, limit int) ([]ReplyJob, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`UPDATE reply_jobs SET status = 'leased', lease_expires_at = ?, updated_at = ?
		 WHERE id IN (
			SELECT id FROM reply_jobs
			WHERE (status = 'pending' AND next_attempt_at <= ?)
			   OR (status = 'leased' AND lease_expires_at <= ?)
			ORDER BY next_attempt_at
			LIMIT ?
		 )
		 RETURNING `+jobColumns,
		now.Add(leaseFor), now, now, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []ReplyJob
	for rows.Next() {
		j, err := scanReplyJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) CompleteReplyJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE reply_jobs SET status = 'done', attempts = attempts + 1, last_error = '', updated_at = ? WHERE id = ?",
		time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStore) RescheduleReplyJob(ctx context.Context, id string, nextAttempt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE reply_jobs SET status = 'pending', attempts = attempts + 1, next_attempt_at = ?, last_error = ?, updated_at = ? WHERE id = ?",
		nextAttempt, lastError, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStore) DeadLetterReplyJob(ctx context.Context, id string, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE reply_jobs SET status = 'dead', attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?",
		lastError, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStore) DeleteReplyJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM reply_jobs WHERE id = ?", id)
	return err
}

// --- Subscriptions ---

func (s *SQLiteStore) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, creator_id, stripe_customer_id, stripe_subscription_id, plan, status, current_period_end, cancel_at_period_end, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(creator_id) DO UPDATE SET
		   stripe_customer_id = excluded.stripe_customer_id,
		   stripe_subscription_id = excluded.stripe_subscription_id,
		   plan = excluded.plan,
		   status = excluded.status,
		   current_period_end = excluded.current_period_end,
		   cancel_at_period_end = excluded.cancel_at_period_end,
		   updated_at = excluded.updated_at`,
		sub.ID, sub.CreatorID, sub.StripeCustomerID, sub.StripeSubscriptionID, sub.Plan, sub.Status,
		sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.CreatedAt, sub.UpdatedAt,
	)
	return err
}

const subscriptionColumns = `id, creator_id, stripe_customer_id, stripe_subscription_id, plan, status, current_period_end, cancel_at_period_end, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (*Subscription, error) {
	var sub Subscription
	err := row.Scan(&sub.ID, &sub.CreatorID, &sub.StripeCustomerID, &sub.StripeSubscriptionID, &sub.Plan,
		&sub.Status, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *SQLiteStore) GetSubscriptionByCreator(ctx context.Context, creatorID string) (*Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE creator_id = ?`, creatorID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

func (s *SQLiteStore) GetSubscriptionByStripeCustomer(ctx context.Context, customerID string) (*Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE stripe_customer_id = ?`, customerID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

// --- Quota usage ---

// ConsumeQuota atomically adds n to the period counter if the result stays
// within limit. The seed insert is idempotent; the conditional update is the
// single decision point, so concurrent consumers never oversubscribe.
func (s *SQLiteStore) ConsumeQuota(ctx context.Context, creatorID, metric, period string, n, limit int64) (bool, error) {
	if n <= 0 {
		return true, nil
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO quota_usage (creator_id, metric, period, used) VALUES (?, ?, ?, 0)
		 ON CONFLICT(creator_id, metric, period) DO NOTHING`,
		creatorID, metric, period,
	); err != nil {
		return false, err
	}

	if limit < 0 {
		// Unlimited: still record usage.
		_, err := s.db.ExecContext(ctx,
			"UPDATE quota_usage SET used = used + ? WHERE creator_id = ? AND metric = ? AND period = ?",
			n, creatorID, metric, period,
		)
		if err != nil {
			return false, err
		}
		return true, nil
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE quota_usage SET used = used + ? WHERE creator_id = ? AND metric = ? AND period = ? AND used + ? <= ?",
		n, creatorID, metric, period, n, limit,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStore) RefundQuota(ctx context.Context, creatorID, metric, period string, n int64) error {
	if n <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE quota_usage SET used = MAX(0, used - ?) WHERE creator_id = ? AND metric = ? AND period = ?",
		n, creatorID, metric, period,
	)
	return err
}

func (s *SQLiteStore) GetQuotaUsage(ctx context.Context, creatorID, metric, period string) (int64, error) {
	var used int64
	err := s.db.QueryRowContext(ctx,
		"SELECT used FROM quota_usage WHERE creator_id = ? AND metric = ? AND period = ?",
		creatorID, metric, period,
	).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return used, err
}

func (s *SQLiteStore) ListQuotaUsage(ctx context.Context, creatorID, period string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT metric, used FROM quota_usage WHERE creator_id = ? AND period = ?",
		creatorID, period,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	usage := make(map[string]int64)
	for rows.Next() {
		var metric string
		var used int64
		if err := rows.Scan(&metric, &used); err != nil {
			return nil, err
		}
		usage[metric] = used
	}
	return usage, rows.Err()
}

// --- Webhook idempotency ledger ---

// InsertWebhookEvent records a Stripe event ID. Returns false when the event
// was already recorded, which callers treat as "skip, already processed".
func (s *SQLiteStore) InsertWebhookEvent(ctx context.Context, id, eventType string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (id, event_type, processed_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, eventType, at,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_events (id, creator_id, action, detail, created_at) VALUES (?, ?, ?, ?, ?)",
		event.ID, event.CreatorID, event.Action, detail, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, creatorID string, limit, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT id, creator_id, action, detail, created_at FROM audit_events"
	args := []any{}
	if creatorID != "" {
		query += " WHERE creator_id = ?"
		args = append(args, creatorID)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.CreatorID, &e.Action, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Data Retention ---

func (s *SQLiteStore) PurgeAuditEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < ?", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) PurgeWebhookEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM webhook_events WHERE processed_at < ?", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) PurgeDeadReplyJobsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM reply_jobs WHERE status = 'dead' AND updated_at < ?", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
