// Package queue implements the Message Queue: per-recipient, FIFO,
// cursor-paginated storage of envelopes that could not be delivered
// live, described in spec sections 2.7 and 4.4.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatihtunali/whisper-relay/kv"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TTL is how long a queued envelope survives before it is eligible for
// eviction, measured from the moment it was enqueued.
const TTL = 72 * time.Hour

// DefaultPageSize is the number of envelopes returned per Drain call
// when the caller does not specify one.
const DefaultPageSize = 50

// Envelope is an opaque, end-to-end encrypted payload queued for later
// delivery. The relay never inspects EncryptedContent, Nonce, or
// Attachments; it only stores and forwards them. ID is the client-chosen
// messageId; Enqueue mints one only when it is empty, and repeats are
// deduplicated only when the router's optional dedup window is enabled.
type Envelope struct {
	ID               string          `json:"id"`
	FromWhisperID    string          `json:"from"`
	ToWhisperID      string          `json:"to"`
	EncryptedContent string          `json:"encryptedContent"`
	Nonce            string          `json:"nonce"`
	SentAt           time.Time       `json:"sentAt"`
	SenderPublicKey  string          `json:"senderPublicKey,omitempty"`
	Attachments      json.RawMessage `json:"attachments,omitempty"`
}

// Queue stores pending envelopes per recipient Whisper ID.
type Queue struct {
	store kv.Store
	newID func() string
	now   func() time.Time
}

// New creates a Queue backed by store.
func New(store kv.Store) *Queue {
	return &Queue{
		store: store,
		newID: func() string { return uuid.NewString() },
		now:   time.Now,
	}
}

// Enqueue appends env to recipient's queue, assigning it an ID and
// timestamp if not already set, and refreshes the queue's TTL.
func (q *Queue) Enqueue(ctx context.Context, recipient string, env Envelope) (Envelope, error) {
	if env.ID == "" {
		env.ID = q.newID()
	}
	if env.SentAt.IsZero() {
		env.SentAt = q.now()
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, fmt.Errorf("queue: marshal envelope: %w", err)
	}

	key := kv.Keys.Queue(recipient)
	if err := q.store.RPush(ctx, key, string(raw)); err != nil {
		return Envelope{}, fmt.Errorf("queue: push: %w", err)
	}
	if err := q.store.Expire(ctx, key, TTL); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Enqueue",
			"recipient": recipient,
			"error":     err.Error(),
		}).Warn("queue: failed to refresh TTL")
	}

	return env, nil
}

// Drain returns up to pageSize pending envelopes for recipient starting
// after cursor (an envelope ID, or "" for the beginning of the queue),
// plus the cursor to pass on the next call and whether more remain.
// Draining never removes entries from the queue — a partially delivered
// page must leave the queue intact per spec section 4.4, so callers
// must explicitly Ack delivered envelopes.
func (q *Queue) Drain(ctx context.Context, recipient, cursor string, pageSize int) ([]Envelope, string, bool, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	key := kv.Keys.Queue(recipient)
	raw, err := q.store.LRange(ctx, key, 0, -1)
	if err != nil {
		return nil, "", false, fmt.Errorf("queue: range: %w", err)
	}

	now := q.now()
	all := make([]Envelope, 0, len(raw))
	for _, r := range raw {
		var env Envelope
		if err := json.Unmarshal([]byte(r), &env); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Drain",
				"recipient": recipient,
				"error":     err.Error(),
			}).Warn("queue: dropping malformed entry")
			continue
		}
		// Section 4.4: each envelope carries its own 72h expiry measured
		// from its own enqueue time, independent of the list key's own
		// TTL (which is refreshed by every subsequent Enqueue and so
		// cannot be relied on to expire an individual stale entry).
		if now.Sub(env.SentAt) > TTL {
			continue
		}
		all = append(all, env)
	}

	start := 0
	if cursor != "" {
		for i, env := range all {
			if env.ID == cursor {
				start = i + 1
				break
			}
		}
	}

	if start >= len(all) {
		return nil, cursor, false, nil
	}

	end := start + pageSize
	hasMore := end < len(all)
	if end > len(all) {
		end = len(all)
	}

	page := all[start:end]
	nextCursor := cursor
	if len(page) > 0 {
		nextCursor = page[len(page)-1].ID
	}

	return page, nextCursor, hasMore, nil
}

// Ack removes the envelopes identified by ids from recipient's queue.
// Called once the caller has confirmed live delivery or the client has
// explicitly acknowledged receipt of a drained page.
func (q *Queue) Ack(ctx context.Context, recipient string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	ack := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		ack[id] = struct{}{}
	}

	key := kv.Keys.Queue(recipient)
	raw, err := q.store.LRange(ctx, key, 0, -1)
	if err != nil {
		return fmt.Errorf("queue: range: %w", err)
	}

	now := q.now()
	remaining := make([]string, 0, len(raw))
	for _, r := range raw {
		var env Envelope
		if err := json.Unmarshal([]byte(r), &env); err != nil {
			continue
		}
		if _, acked := ack[env.ID]; acked {
			continue
		}
		if now.Sub(env.SentAt) > TTL {
			continue
		}
		remaining = append(remaining, r)
	}

	if err := q.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("queue: clear before rewrite: %w", err)
	}
	if len(remaining) == 0 {
		return nil
	}
	if err := q.store.RPush(ctx, key, remaining...); err != nil {
		return fmt.Errorf("queue: rewrite: %w", err)
	}
	return q.store.Expire(ctx, key, TTL)
}

// Clear discards every envelope queued for recipient, regardless of
// expiry. Used by account deletion (spec section 4.8), which must leave
// no queued message behind for a Whisper ID that no longer exists.
func (q *Queue) Clear(ctx context.Context, recipient string) error {
	if err := q.store.Delete(ctx, kv.Keys.Queue(recipient)); err != nil {
		return fmt.Errorf("queue: clear: %w", err)
	}
	return nil
}

// Len returns the number of envelopes currently pending for recipient.
func (q *Queue) Len(ctx context.Context, recipient string) (int64, error) {
	n, err := q.store.LLen(ctx, kv.Keys.Queue(recipient))
	if err != nil {
		return 0, fmt.Errorf("queue: len: %w", err)
	}
	return n, nil
}
