// Package api provides the HTTP API and middleware for the service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/replypilot/replypilot/internal/ai"
	"github.com/replypilot/replypilot/internal/auth"
	"github.com/replypilot/replypilot/internal/billing"
	"github.com/replypilot/replypilot/internal/config"
	"github.com/replypilot/replypilot/internal/ingest"
	"github.com/replypilot/replypilot/internal/quota"
	"github.com/replypilot/replypilot/internal/store"
	"github.com/replypilot/replypilot/internal/youtube"
	"github.com/replypilot/replypilot/pkg/events"
)

// ChannelSyncer runs one on-demand channel sync. *ingest.Syncer satisfies it.
type ChannelSyncer interface {
	SyncChannel(ctx context.Context, ch *store.Channel) (*ingest.SyncResult, error)
}

// CommentAnalyzer scores sentiment and drafts replies. *ai.Client satisfies it.
type CommentAnalyzer interface {
	AnalyzeSentiment(ctx context.Context, comments []ai.CommentInput) ([]ai.SentimentResult, error)
	DraftReply(ctx context.Context, req ai.DraftRequest) (string, error)
	Model() string
}

// ChannelConnector verifies a refresh token and reports the channel it
// belongs to. *youtube.Client satisfies it.
type ChannelConnector interface {
	FetchOwnChannel(ctx context.Context, refreshToken string) (*youtube.ChannelInfo, error)
}

// ServerOptions carries the dependencies for NewServer.
type ServerOptions struct {
	Store   store.Store
	Auth    auth.Provider
	Login   auth.LoginProvider // nil unless the builtin provider is active
	Billing billing.Service    // nil when billing is disabled
	Quota   *quota.Manager
	Syncer  ChannelSyncer
	AI      CommentAnalyzer
	Prompts *ai.Prompts
	YouTube ChannelConnector
	Bus     *events.Bus
	Logger  *slog.Logger
	Config  *config.Config
}

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	auth         auth.Provider
	login        auth.LoginProvider
	billing      billing.Service
	quota        *quota.Manager
	syncer       ChannelSyncer
	ai           CommentAnalyzer
	prompts      *ai.Prompts
	youtube      ChannelConnector
	bus          *events.Bus
	logger       *slog.Logger
	mux          *chi.Mux
	upgrader     websocket.Upgrader
	startTime    time.Time
	maxBodyBytes int64
	maxAttempts  int
	loginRL      *rateLimiter
	rl           *rateLimiter
}

// NewServer creates a new API server.
func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	srv := &Server{
		store:        opts.Store,
		auth:         opts.Auth,
		login:        opts.Login,
		billing:      opts.Billing,
		quota:        opts.Quota,
		syncer:       opts.Syncer,
		ai:           opts.AI,
		prompts:      opts.Prompts,
		youtube:      opts.YouTube,
		bus:          opts.Bus,
		logger:       opts.Logger.With("component", "api"),
		upgrader:     makeUpgrader(cfg.Server.AllowedOrigins),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		maxAttempts:  cfg.Queue.MaxAttempts,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Plan catalog (unauthenticated; the pricing page reads it)
	mux.Get("/api/billing/plans", srv.handleListPlans)

	// Stripe webhook (signature-verified inside the billing service)
	if opts.Billing != nil {
		mux.Post("/api/billing/webhook", opts.Billing.HandleWebhook)
	}

	// Register/login only exist with builtin auth; Supabase deployments
	// authenticate against Supabase directly.
	if opts.Login != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/register", srv.handleRegister)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	}

	// WebSocket event feed (auth handled inside)
	mux.Get("/api/events", srv.handleEvents)

	// Authenticated API routes
	srv.rl = newRateLimiter(float64(cfg.RateLimit.RequestsPerMinute)/60.0, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		if opts.Auth.Name() == "supabase" {
			r.Use(srv.ensureCreatorMiddleware)
		}
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/usage", srv.handleGetUsage)

		r.Get("/api/channels", srv.handleListChannels)
		r.Post("/api/channels", srv.handleConnectChannel)
		r.Delete("/api/channels/{channelID}", srv.handleDisconnectChannel)
		r.Post("/api/channels/{channelID}/sync", srv.handleSyncChannel)

		r.Get("/api/videos", srv.handleListVideos)
		r.Get("/api/videos/{videoID}/comments", srv.handleListComments)

		r.Post("/api/comments/{commentID}/analyze", srv.handleAnalyzeComment)
		r.Post("/api/comments/{commentID}/draft", srv.handleDraftReply)

		r.Get("/api/replies", srv.handleListReplies)
		r.Post("/api/replies/{replyID}/approve", srv.handleApproveReply)
		r.Post("/api/replies/{replyID}/cancel", srv.handleCancelReply)

		r.Get("/api/billing/subscription", srv.handleGetSubscription)
		if opts.Billing != nil {
			r.Post("/api/billing/checkout", srv.handleCreateCheckout)
			r.Post("/api/billing/portal", srv.handleCreatePortal)
		}

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Get("/api/admin/creators", srv.handleAdminListCreators)
			r.Get("/api/admin/audit", srv.handleAdminListAuditEvents)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.auth.Name()})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Email) < 3 || len(req.Email) > 254 || !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		writeError(w, http.StatusBadRequest, "password must be 8-128 characters")
		return
	}

	creator, err := s.login.Register(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		if errors.Is(err, auth.ErrCreatorExists) {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	s.audit(r.Context(), creator.ID, "creator.registered", nil)

	token, err := s.login.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		// The account exists; the client can log in normally.
		writeJSON(w, http.StatusCreated, map[string]any{"creator": creator})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"creator": creator, "token": token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Email) < 3 || len(req.Email) > 254 {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}

	token, err := s.login.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r.Context(), "", "login.failed", map[string]string{"email": req.Email})
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	creator, _ := s.store.GetCreatorByEmail(r.Context(), req.Email)
	creatorID := ""
	if creator != nil {
		creatorID = creator.ID
	}
	s.audit(r.Context(), creatorID, "login.success", nil)

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	creator, err := s.store.GetCreatorByID(r.Context(), identity.CreatorID)
	if err != nil || creator == nil {
		writeError(w, http.StatusInternalServerError, "failed to load creator")
		return
	}
	snap, err := s.quota.Snapshot(r.Context(), identity.CreatorID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"creator": creator,
		"plan":    snap.Plan,
		"period":  snap.Period,
		"usage":   snap.Metrics,
	})
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	snap, err := s.quota.Snapshot(r.Context(), identity.CreatorID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// --- Channel handlers ---

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	channels, err := s.store.ListChannelsByCreator(r.Context(), identity.CreatorID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list channels")
		return
	}
	if channels == nil {
		channels = []store.Channel{}
	}
	writeJSON(w, http.StatusOK, channels)
}

func (s *Server) handleConnectChannel(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	if err := s.quota.CheckChannelLimit(r.Context(), identity.CreatorID); err != nil {
		var qerr *quota.ErrQuotaExceeded
		if errors.As(err, &qerr) {
			plan, _ := s.quota.EffectivePlan(r.Context(), identity.CreatorID)
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error": "channel limit reached",
				"plan":  plan.Name,
				"limit": qerr.Limit,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to check channel limit")
		return
	}

	info, err := s.youtube.FetchOwnChannel(r.Context(), req.RefreshToken)
	if err != nil {
		s.logger.Warn("channel verification failed", "creator_id", identity.CreatorID, "error", err)
		writeError(w, http.StatusBadRequest, "could not verify channel ownership with the given token")
		return
	}

	now := time.Now().UTC()
	ch := &store.Channel{
		ID:               uuid.New().String(),
		CreatorID:        identity.CreatorID,
		YouTubeChannelID: info.YouTubeChannelID,
		Title:            info.Title,
		RefreshToken:     req.RefreshToken,
		ConnectedAt:      now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateChannel(r.Context(), ch); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "channel already connected")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to save channel")
		return
	}

	s.audit(r.Context(), identity.CreatorID, "channel.connected", map[string]string{
		"channel_id":         ch.ID,
		"youtube_channel_id": ch.YouTubeChannelID,
	})
	writeJSON(w, http.StatusCreated, ch)
}

func (s *Server) handleDisconnectChannel(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	identity := getIdentityFromContext(r.Context())

	ch, err := s.store.GetChannel(r.Context(), identity.CreatorID, channelID)
	if err != nil || ch == nil {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	if err := s.store.DeleteChannel(r.Context(), identity.CreatorID, channelID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to disconnect channel")
		return
	}
	s.audit(r.Context(), identity.CreatorID, "channel.disconnected", map[string]string{
		"channel_id": channelID,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handleSyncChannel(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	identity := getIdentityFromContext(r.Context())

	ch, err := s.store.GetChannel(r.Context(), identity.CreatorID, channelID)
	if err != nil || ch == nil {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}

	res, err := s.syncer.SyncChannel(r.Context(), ch)
	if err != nil {
		var qerr *quota.ErrQuotaExceeded
		if errors.As(err, &qerr) {
			writeQuotaError(w, qerr)
			return
		}
		s.logger.Warn("manual sync failed", "channel_id", channelID, "error", err)
		writeError(w, http.StatusBadGateway, "sync failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Video and comment handlers ---

func (s *Server) handleListVideos(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	channelID := r.URL.Query().Get("channel_id")
	if channelID == "" {
		writeError(w, http.StatusBadRequest, "channel_id is required")
		return
	}

	ch, err := s.store.GetChannel(r.Context(), identity.CreatorID, channelID)
	if err != nil || ch == nil {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	videos, err := s.store.ListVideosByChannel(r.Context(), channelID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list videos")
		return
	}
	if videos == nil {
		videos = []store.Video{}
	}
	writeJSON(w, http.StatusOK, videos)
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoID")
	identity := getIdentityFromContext(r.Context())

	video, err := s.videoForCreator(r.Context(), identity.CreatorID, videoID)
	if err != nil || video == nil {
		writeError(w, http.StatusNotFound, "video not found")
		return
	}

	sentiment := r.URL.Query().Get("sentiment")
	switch sentiment {
	case "", ai.SentimentPositive, ai.SentimentNeutral, ai.SentimentNegative:
	default:
		writeError(w, http.StatusBadRequest, "sentiment must be positive, neutral, or negative")
		return
	}
	limit, offset := pageParams(r, 100)

	comments, err := s.store.ListCommentsByVideo(r.Context(), videoID, sentiment, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list comments")
		return
	}
	if comments == nil {
		comments = []store.Comment{}
	}
	writeJSON(w, http.StatusOK, comments)
}

func (s *Server) handleAnalyzeComment(w http.ResponseWriter, r *http.Request) {
	commentID := chi.URLParam(r, "commentID")
	identity := getIdentityFromContext(r.Context())

	comment, err := s.commentForCreator(r.Context(), identity.CreatorID, commentID)
	if err != nil || comment == nil {
		writeError(w, http.StatusNotFound, "comment not found")
		return
	}

	if err := s.quota.Consume(r.Context(), identity.CreatorID, quota.MetricAIAnalyses, 1); err != nil {
		s.writeConsumeError(w, err)
		return
	}

	results, err := s.ai.AnalyzeSentiment(r.Context(), []ai.CommentInput{{ID: comment.ID, Text: comment.Text}})
	if err != nil || len(results) == 0 {
		s.refund(r.Context(), identity.CreatorID, quota.MetricAIAnalyses, 1)
		s.logger.Warn("comment analysis failed", "comment_id", commentID, "error", err)
		writeError(w, http.StatusBadGateway, "analysis failed")
		return
	}

	res := results[0]
	if err := s.store.SetCommentSentiment(r.Context(), comment.ID, res.Sentiment, res.Score, time.Now().UTC()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save analysis")
		return
	}
	comment.Sentiment = res.Sentiment
	comment.SentimentScore = res.Score
	writeJSON(w, http.StatusOK, comment)
}

func (s *Server) handleDraftReply(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	commentID := chi.URLParam(r, "commentID")
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Tone string `json:"tone"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Tone == "" {
		req.Tone = ai.DefaultTone
	}
	if !s.prompts.Known(req.Tone) {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("unknown tone %q; available: %s", req.Tone, strings.Join(s.prompts.Names(), ", ")))
		return
	}

	comment, err := s.commentForCreator(r.Context(), identity.CreatorID, commentID)
	if err != nil || comment == nil {
		writeError(w, http.StatusNotFound, "comment not found")
		return
	}
	video, err := s.store.GetVideo(r.Context(), comment.VideoID)
	if err != nil || video == nil {
		writeError(w, http.StatusNotFound, "comment not found")
		return
	}
	ch, err := s.store.GetChannel(r.Context(), identity.CreatorID, video.ChannelID)
	if err != nil || ch == nil {
		writeError(w, http.StatusNotFound, "comment not found")
		return
	}

	if err := s.quota.Consume(r.Context(), identity.CreatorID, quota.MetricAIDrafts, 1); err != nil {
		s.writeConsumeError(w, err)
		return
	}

	text, err := s.ai.DraftReply(r.Context(), ai.DraftRequest{
		ChannelTitle:  ch.Title,
		VideoTitle:    video.Title,
		CommentAuthor: comment.AuthorName,
		CommentText:   comment.Text,
		Tone:          req.Tone,
	})
	if err != nil {
		s.refund(r.Context(), identity.CreatorID, quota.MetricAIDrafts, 1)
		s.logger.Warn("reply draft failed", "comment_id", commentID, "error", err)
		writeError(w, http.StatusBadGateway, "draft failed")
		return
	}

	now := time.Now().UTC()
	reply := &store.Reply{
		ID:        uuid.New().String(),
		CommentID: comment.ID,
		CreatorID: identity.CreatorID,
		ChannelID: ch.ID,
		DraftText: text,
		Tone:      req.Tone,
		Model:     s.ai.Model(),
		Status:    store.ReplyStatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateReply(r.Context(), reply); err != nil {
		s.refund(r.Context(), identity.CreatorID, quota.MetricAIDrafts, 1)
		writeError(w, http.StatusInternalServerError, "failed to save draft")
		return
	}
	writeJSON(w, http.StatusCreated, reply)
}

// --- Reply handlers ---

func (s *Server) handleListReplies(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	status := r.URL.Query().Get("status")
	switch status {
	case "", store.ReplyStatusDraft, store.ReplyStatusQueued, store.ReplyStatusPosting,
		store.ReplyStatusPosted, store.ReplyStatusFailed, store.ReplyStatusCanceled:
	default:
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}
	limit, offset := pageParams(r, 50)

	replies, err := s.store.ListRepliesByCreator(r.Context(), identity.CreatorID, status, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list replies")
		return
	}
	if replies == nil {
		replies = []store.Reply{}
	}
	writeJSON(w, http.StatusOK, replies)
}

func (s *Server) handleApproveReply(w http.ResponseWriter, r *http.Request) {
	replyID := chi.URLParam(r, "replyID")
	identity := getIdentityFromContext(r.Context())

	reply, err := s.store.GetReply(r.Context(), identity.CreatorID, replyID)
	if err != nil || reply == nil {
		writeError(w, http.StatusNotFound, "reply not found")
		return
	}
	if reply.Status != store.ReplyStatusDraft {
		writeError(w, http.StatusConflict, "only draft replies can be approved")
		return
	}

	if err := s.quota.Consume(r.Context(), identity.CreatorID, quota.MetricRepliesPosted, 1); err != nil {
		s.writeConsumeError(w, err)
		return
	}

	now := time.Now().UTC()
	job := &store.ReplyJob{
		ID:            uuid.New().String(),
		ReplyID:       reply.ID,
		Status:        store.JobStatusPending,
		MaxAttempts:   s.maxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.EnqueueReplyJob(r.Context(), job); err != nil {
		s.refund(r.Context(), identity.CreatorID, quota.MetricRepliesPosted, 1)
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "reply already queued")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to queue reply")
		return
	}
	if err := s.store.UpdateReplyStatus(r.Context(), reply.ID, store.ReplyStatusQueued); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update reply")
		return
	}

	s.audit(r.Context(), identity.CreatorID, "reply.approved", map[string]string{
		"reply_id":   reply.ID,
		"comment_id": reply.CommentID,
	})
	s.publish(events.New(events.TypeReplyQueued, identity.CreatorID, events.ReplyQueued{
		ReplyID:   reply.ID,
		CommentID: reply.CommentID,
	}))

	reply.Status = store.ReplyStatusQueued
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleCancelReply(w http.ResponseWriter, r *http.Request) {
	replyID := chi.URLParam(r, "replyID")
	identity := getIdentityFromContext(r.Context())

	reply, err := s.store.GetReply(r.Context(), identity.CreatorID, replyID)
	if err != nil || reply == nil {
		writeError(w, http.StatusNotFound, "reply not found")
		return
	}

	switch reply.Status {
	case store.ReplyStatusCanceled:
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_canceled"})
		return
	case store.ReplyStatusDraft:
		// No job to remove, no quota charged yet.
	case store.ReplyStatusQueued:
		job, err := s.store.GetReplyJobByReply(r.Context(), reply.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to cancel reply")
			return
		}
		if job != nil {
			if err := s.store.DeleteReplyJob(r.Context(), job.ID); err != nil {
				writeError(w, http.StatusInternalServerError, "failed to cancel reply")
				return
			}
		}
		s.refund(r.Context(), identity.CreatorID, quota.MetricRepliesPosted, 1)
	default:
		// posting, posted, failed
		writeError(w, http.StatusConflict, "reply can no longer be canceled")
		return
	}

	if err := s.store.UpdateReplyStatus(r.Context(), reply.ID, store.ReplyStatusCanceled); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel reply")
		return
	}
	s.audit(r.Context(), identity.CreatorID, "reply.canceled", map[string]string{
		"reply_id": reply.ID,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

// --- Billing handlers ---

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, billing.Plans)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	sub, err := s.store.GetSubscriptionByCreator(r.Context(), identity.CreatorID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load subscription")
		return
	}
	plan, err := s.quota.EffectivePlan(r.Context(), identity.CreatorID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve plan")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subscription":   sub,
		"effective_plan": plan.Name,
	})
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		SuccessURL string `json:"success_url"`
		CancelURL  string `json:"cancel_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		writeError(w, http.StatusBadRequest, "success_url and cancel_url are required")
		return
	}

	url, err := s.billing.CreateCheckoutSession(r.Context(), identity.CreatorID, identity.Email, req.SuccessURL, req.CancelURL)
	if err != nil {
		s.logger.Warn("checkout session failed", "creator_id", identity.CreatorID, "error", err)
		writeError(w, http.StatusBadGateway, "failed to create checkout session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleCreatePortal(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		ReturnURL string `json:"return_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ReturnURL == "" {
		writeError(w, http.StatusBadRequest, "return_url is required")
		return
	}

	url, err := s.billing.CreatePortalSession(r.Context(), identity.CreatorID, req.ReturnURL)
	if err != nil {
		s.logger.Warn("portal session failed", "creator_id", identity.CreatorID, "error", err)
		writeError(w, http.StatusBadGateway, "failed to create portal session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// --- Admin handlers ---

func (s *Server) handleAdminListCreators(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 50)
	creators, err := s.store.ListCreators(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list creators")
		return
	}
	if creators == nil {
		creators = []store.Creator{}
	}
	writeJSON(w, http.StatusOK, creators)
}

func (s *Server) handleAdminListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 50)
	creatorID := r.URL.Query().Get("creator_id")

	auditEvents, err := s.store.ListAuditEvents(r.Context(), creatorID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if auditEvents == nil {
		auditEvents = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, auditEvents)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

// videoForCreator loads a video only if its channel belongs to the creator.
func (s *Server) videoForCreator(ctx context.Context, creatorID, videoID string) (*store.Video, error) {
	video, err := s.store.GetVideo(ctx, videoID)
	if err != nil || video == nil {
		return nil, err
	}
	ch, err := s.store.GetChannel(ctx, creatorID, video.ChannelID)
	if err != nil || ch == nil {
		return nil, err
	}
	return video, nil
}

// commentForCreator loads a comment only if its video's channel belongs to
// the creator.
func (s *Server) commentForCreator(ctx context.Context, creatorID, commentID string) (*store.Comment, error) {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil || comment == nil {
		return nil, err
	}
	video, err := s.videoForCreator(ctx, creatorID, comment.VideoID)
	if err != nil || video == nil {
		return nil, err
	}
	return comment, nil
}

// writeConsumeError maps a quota.Consume failure to a response.
func (s *Server) writeConsumeError(w http.ResponseWriter, err error) {
	var qerr *quota.ErrQuotaExceeded
	if errors.As(err, &qerr) {
		writeQuotaError(w, qerr)
		return
	}
	writeError(w, http.StatusInternalServerError, "failed to check quota")
}

func (s *Server) refund(ctx context.Context, creatorID, metric string, n int64) {
	if err := s.quota.Refund(ctx, creatorID, metric, n); err != nil {
		s.logger.Warn("quota refund failed", "creator_id", creatorID, "metric", metric, "error", err)
	}
}

func (s *Server) audit(ctx context.Context, creatorID, action string, detail map[string]string) {
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

func (s *Server) publish(ev events.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ev)
}

// pageParams parses limit/offset query params with a default limit.
func pageParams(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeQuotaError(w http.ResponseWriter, qerr *quota.ErrQuotaExceeded) {
	writeJSON(w, http.StatusPaymentRequired, map[string]any{
		"error":  "quota exceeded",
		"metric": qerr.Metric,
		"used":   qerr.Used,
		"limit":  qerr.Limit,
	})
}
