// Package ai scores comment sentiment and drafts replies through the OpenAI
// chat completions API.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/replypilot/replypilot/internal/config"
)

// draftMaxRunes caps drafted replies below YouTube's 10k comment limit.
const draftMaxRunes = 9500

const (
	scoringTemperature  = 0.2
	draftingTemperature = 0.8
)

// Sentiment labels the model may assign.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

const sentimentSystemPrompt = `You score YouTube comments for a channel owner.
For every comment in the input, output one object with its "id", a "sentiment"
of exactly "positive", "neutral" or "negative", and a "score" between -1.0
(hostile) and 1.0 (enthusiastic).
Respond with ONLY a JSON array, no prose, no markdown fences.`

// Client wraps the OpenAI API for the two completions this service makes:
// batched sentiment scoring and single reply drafts.
type Client struct {
	api     *openai.Client
	model   string
	prompts *Prompts
	logger  *slog.Logger
}

func New(cfg config.AIConfig, prompts *Prompts, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("ai api key is required")
	}
	occ := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		occ.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Client{
		api:     openai.NewClientWithConfig(occ),
		model:   model,
		prompts: prompts,
		logger:  logger.With("component", "ai"),
	}, nil
}

// Prompts exposes the tone presets backing this client.
func (c *Client) Prompts() *Prompts {
	return c.prompts
}

// Model reports the chat model this client completes with.
func (c *Client) Model() string {
	return c.model
}

// CommentInput is one comment to score.
type CommentInput struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// SentimentResult is the model's verdict for one comment. Results may cover
// fewer comments than the input when the model returns malformed entries.
type SentimentResult struct {
	ID        string  `json:"id"`
	Sentiment string  `json:"sentiment"`
	Score     float64 `json:"score"`
}

// AnalyzeSentiment scores a batch of comments in a single completion. Entries
// the model mangles are dropped rather than failing the batch.
func (c *Client) AnalyzeSentiment(ctx context.Context, comments []CommentInput) ([]SentimentResult, error) {
	if len(comments) == 0 {
		return nil, nil
	}

	input, err := json.Marshal(comments)
	if err != nil {
		return nil, fmt.Errorf("encode comments: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: scoringTemperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: sentimentSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(input)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sentiment completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("sentiment completion returned no choices")
	}

	var raw []SentimentResult
	if err := json.Unmarshal([]byte(stripFences(resp.Choices[0].Message.Content)), &raw); err != nil {
		return nil, fmt.Errorf("parse sentiment response: %w", err)
	}

	known := make(map[string]bool, len(comments))
	for _, cm := range comments {
		known[cm.ID] = true
	}

	results := make([]SentimentResult, 0, len(raw))
	for _, r := range raw {
		if !known[r.ID] || !validSentiment(r.Sentiment) {
			c.logger.Debug("dropping malformed sentiment entry", "id", r.ID, "sentiment", r.Sentiment)
			continue
		}
		r.Score = clampScore(r.Score)
		results = append(results, r)
	}
	return results, nil
}

// DraftRequest describes the comment a reply should be drafted for.
type DraftRequest struct {
	ChannelTitle  string
	VideoTitle    string
	CommentAuthor string
	CommentText   string
	Tone          string
}

// DraftReply produces one reply draft in the requested tone. The draft is
// trimmed and capped below YouTube's comment length limit.
func (c *Client) DraftReply(ctx context.Context, req DraftRequest) (string, error) {
	if strings.TrimSpace(req.CommentText) == "" {
		return "", fmt.Errorf("comment text is required")
	}

	preset := c.prompts.Tone(req.Tone)
	system := preset.System
	if preset.Style != "" {
		system += "\n" + preset.Style
	}

	var b strings.Builder
	if req.ChannelTitle != "" {
		fmt.Fprintf(&b, "Your channel: %s\n", req.ChannelTitle)
	}
	if req.VideoTitle != "" {
		fmt.Fprintf(&b, "Video: %s\n", req.VideoTitle)
	}
	if req.CommentAuthor != "" {
		fmt.Fprintf(&b, "Commenter: %s\n", req.CommentAuthor)
	}
	fmt.Fprintf(&b, "Comment:\n%s\n\nWrite the reply text only.", req.CommentText)

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: draftingTemperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: b.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("draft completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("draft completion returned no choices")
	}

	draft := strings.TrimSpace(stripFences(resp.Choices[0].Message.Content))
	if draft == "" {
		return "", fmt.Errorf("draft completion returned empty text")
	}
	if runes := []rune(draft); len(runes) > draftMaxRunes {
		draft = strings.TrimSpace(string(runes[:draftMaxRunes]))
	}
	return draft, nil
}

// stripFences removes markdown code fences from LLM output.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func validSentiment(s string) bool {
	switch s {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return true
	}
	return false
}

func clampScore(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}
