// Package events defines the event envelope pushed to dashboard clients over
// the /api/events WebSocket, and an in-process bus that fans events out to
// per-creator subscribers.
//
// All events are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types.
const (
	TypeCommentSynced       = "comment.synced"
	TypeReplyQueued         = "reply.queued"
	TypeReplyPosted         = "reply.posted"
	TypeReplyFailed         = "reply.failed"
	TypeQuotaDenied         = "quota.denied"
	TypeSubscriptionUpdated = "subscription.updated"
)

// Event is the top-level wire format for all pushed events.
type Event struct {
	Type      string          `json:"type"`
	CreatorID string          `json:"creator_id"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// CommentSynced reports newly stored comments for a video.
type CommentSynced struct {
	ChannelID string `json:"channel_id"`
	VideoID   string `json:"video_id"`
	New       int    `json:"new"`
	Analyzed  int    `json:"analyzed"`
}

// ReplyQueued reports a reply approved for posting.
type ReplyQueued struct {
	ReplyID   string `json:"reply_id"`
	CommentID string `json:"comment_id"`
}

// ReplyPosted reports a successfully posted reply.
type ReplyPosted struct {
	ReplyID        string `json:"reply_id"`
	CommentID      string `json:"comment_id"`
	YouTubeReplyID string `json:"youtube_reply_id"`
	Attempts       int    `json:"attempts"`
}

// ReplyFailed reports a reply that exhausted its attempts or hit a
// permanent error.
type ReplyFailed struct {
	ReplyID   string `json:"reply_id"`
	CommentID string `json:"comment_id"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error"`
}

// QuotaDenied reports a quota refusal.
type QuotaDenied struct {
	Metric string `json:"metric"`
	Used   int64  `json:"used"`
	Limit  int64  `json:"limit"`
}

// SubscriptionUpdated reports a billing state change.
type SubscriptionUpdated struct {
	Plan   string `json:"plan"`
	Status string `json:"status"`
}

// New builds an Event for a creator, marshaling the payload. Marshal errors
// are not possible for the payload types above, so they are swallowed into
// an empty Data field.
func New(eventType, creatorID string, payload any) Event {
	ev := Event{
		Type:      eventType,
		CreatorID: creatorID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Data = data
		}
	}
	return ev
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan Event // creator_id -> sub_id -> ch
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]chan Event)}
}

// Subscribe registers a subscriber for one creator's events. The returned
// cancel func must be called to release the subscription.
func (b *Bus) Subscribe(creatorID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[creatorID] == nil {
		b.subs[creatorID] = make(map[int]chan Event)
	}
	b.subs[creatorID][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if m := b.subs[creatorID]; m != nil {
			if _, ok := m[id]; ok {
				delete(m, id)
				close(ch)
			}
			if len(m) == 0 {
				delete(b.subs, creatorID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to all of the creator's subscribers.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[ev.CreatorID] {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than stall publishers.
		}
	}
}

// SubscriberCount reports active subscribers for a creator.
func (b *Bus) SubscriberCount(creatorID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[creatorID])
}
