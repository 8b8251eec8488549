// Package youtube wraps the YouTube Data API v3 for comment ingestion and
// reply posting. All calls share a QPS limiter so concurrent channel syncs
// stay inside the API quota.
package youtube

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
	youtubeapi "google.golang.org/api/youtube/v3"

	"github.com/replypilot/replypilot/internal/config"
	"github.com/replypilot/replypilot/internal/store"
)

// scopeForceSSL is required for comments.insert.
const scopeForceSSL = "https://www.googleapis.com/auth/youtube.force-ssl"

const (
	defaultQPS   = 8
	limiterBurst = 4
)

// Client issues YouTube Data API calls on behalf of connected channels.
// Read-only listing uses the configured API key when present; posting always
// uses the channel's OAuth token.
type Client struct {
	cfg     config.YouTubeConfig
	store   store.Store
	oauth   *oauth2.Config
	limiter *rate.Limiter
	logger  *slog.Logger
	opts    []option.ClientOption
}

// New builds a client. Extra options are appended to every service
// construction; tests use them to point at a fake endpoint.
func New(s store.Store, logger *slog.Logger, cfg config.YouTubeConfig, opts ...option.ClientOption) *Client {
	qps := cfg.RequestsPerSecond
	if qps <= 0 {
		qps = defaultQPS
	}
	return &Client{
		cfg:   cfg,
		store: s,
		oauth: &oauth2.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{scopeForceSSL},
		},
		limiter: rate.NewLimiter(rate.Limit(qps), limiterBurst),
		logger:  logger.With("component", "youtube"),
		opts:    opts,
	}
}

// Upload is one entry of a channel's uploads playlist.
type Upload struct {
	VideoID     string
	Title       string
	PublishedAt time.Time
}

// Comment is a top-level comment from a video's thread list.
type Comment struct {
	YouTubeCommentID string
	AuthorName       string
	AuthorChannelID  string
	Text             string
	LikeCount        int64
	PublishedAt      time.Time
	UpdatedAt        time.Time
}

// CommentPage is one page of comment threads, newest first.
type CommentPage struct {
	Comments      []Comment
	NextPageToken string
}

// ChannelInfo identifies the channel behind an OAuth token.
type ChannelInfo struct {
	YouTubeChannelID string
	Title            string
	UploadsPlaylist  string
}

// FetchOwnChannel resolves the channel owned by the given refresh token.
// Used at connect time to validate the token and fill in channel metadata.
func (c *Client) FetchOwnChannel(ctx context.Context, refreshToken string) (*ChannelInfo, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}
	ts := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	svc, err := c.newService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := svc.Channels.List([]string{"snippet", "contentDetails"}).Mine(true).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list own channel: %w", err)
	}
	if len(resp.Items) == 0 {
		return nil, fmt.Errorf("token grants access to no channel")
	}

	item := resp.Items[0]
	info := &ChannelInfo{YouTubeChannelID: item.Id}
	if item.Snippet != nil {
		info.Title = item.Snippet.Title
	}
	if item.ContentDetails != nil && item.ContentDetails.RelatedPlaylists != nil {
		info.UploadsPlaylist = item.ContentDetails.RelatedPlaylists.Uploads
	}
	return info, nil
}

// ListRecentUploads returns up to max entries from the channel's uploads
// playlist, newest first.
func (c *Client) ListRecentUploads(ctx context.Context, ch *store.Channel, max int64) ([]Upload, error) {
	svc, err := c.readService(ctx, ch)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	chans, err := svc.Channels.List([]string{"contentDetails"}).Id(ch.YouTubeChannelID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list channel %s: %w", ch.YouTubeChannelID, err)
	}
	if len(chans.Items) == 0 {
		return nil, fmt.Errorf("channel %s not found", ch.YouTubeChannelID)
	}
	cd := chans.Items[0].ContentDetails
	if cd == nil || cd.RelatedPlaylists == nil || cd.RelatedPlaylists.Uploads == "" {
		return nil, fmt.Errorf("channel %s has no uploads playlist", ch.YouTubeChannelID)
	}

	if max <= 0 || max > 50 {
		max = 50
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	items, err := svc.PlaylistItems.List([]string{"snippet", "contentDetails"}).
		PlaylistId(cd.RelatedPlaylists.Uploads).
		MaxResults(max).
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}

	uploads := make([]Upload, 0, len(items.Items))
	for _, it := range items.Items {
		if it.ContentDetails == nil || it.ContentDetails.VideoId == "" {
			continue
		}
		up := Upload{VideoID: it.ContentDetails.VideoId}
		if it.Snippet != nil {
			up.Title = it.Snippet.Title
			up.PublishedAt = parseTime(it.Snippet.PublishedAt)
		}
		if t := parseTime(it.ContentDetails.VideoPublishedAt); !t.IsZero() {
			up.PublishedAt = t
		}
		uploads = append(uploads, up)
	}
	return uploads, nil
}

// ListCommentThreads returns one page of top-level comments for a video,
// newest first. Pass the previous page's token to continue.
func (c *Client) ListCommentThreads(ctx context.Context, ch *store.Channel, youtubeVideoID, pageToken string, max int64) (*CommentPage, error) {
	svc, err := c.readService(ctx, ch)
	if err != nil {
		return nil, err
	}

	if max <= 0 || max > 100 {
		max = 100
	}
	call := svc.CommentThreads.List([]string{"snippet"}).
		VideoId(youtubeVideoID).
		Order("time").
		TextFormat("plainText").
		MaxResults(max)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list comment threads for %s: %w", youtubeVideoID, err)
	}

	page := &CommentPage{NextPageToken: resp.NextPageToken}
	for _, thread := range resp.Items {
		if thread.Snippet == nil || thread.Snippet.TopLevelComment == nil {
			continue
		}
		top := thread.Snippet.TopLevelComment
		if top.Snippet == nil {
			continue
		}
		cm := Comment{
			YouTubeCommentID: top.Id,
			AuthorName:       top.Snippet.AuthorDisplayName,
			Text:             top.Snippet.TextDisplay,
			LikeCount:        top.Snippet.LikeCount,
			PublishedAt:      parseTime(top.Snippet.PublishedAt),
			UpdatedAt:        parseTime(top.Snippet.UpdatedAt),
		}
		if top.Snippet.AuthorChannelId != nil {
			cm.AuthorChannelID = top.Snippet.AuthorChannelId.Value
		}
		page.Comments = append(page.Comments, cm)
	}
	return page, nil
}

// PostReply publishes text as a reply under the given top-level comment and
// returns the new comment's ID. Requires the channel's OAuth token.
func (c *Client) PostReply(ctx context.Context, ch *store.Channel, parentCommentID, text string) (string, error) {
	svc, err := c.oauthService(ctx, ch)
	if err != nil {
		return "", err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	posted, err := svc.Comments.Insert([]string{"snippet"}, &youtubeapi.Comment{
		Snippet: &youtubeapi.CommentSnippet{
			ParentId:     parentCommentID,
			TextOriginal: text,
		},
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("insert reply to %s: %w", parentCommentID, err)
	}
	return posted.Id, nil
}

// readService prefers the API key for listing; comment threads and uploads
// are public data, so the key avoids burning per-channel token refreshes.
func (c *Client) readService(ctx context.Context, ch *store.Channel) (*youtubeapi.Service, error) {
	if c.cfg.APIKey != "" {
		return c.newService(ctx, option.WithAPIKey(c.cfg.APIKey))
	}
	return c.oauthService(ctx, ch)
}

func (c *Client) oauthService(ctx context.Context, ch *store.Channel) (*youtubeapi.Service, error) {
	ts, err := c.tokenSource(ctx, ch)
	if err != nil {
		return nil, err
	}
	return c.newService(ctx, option.WithTokenSource(ts))
}

func (c *Client) newService(ctx context.Context, primary option.ClientOption) (*youtubeapi.Service, error) {
	opts := append([]option.ClientOption{primary}, c.opts...)
	svc, err := youtubeapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return svc, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
