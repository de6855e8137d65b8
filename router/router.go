// Package router implements the Message Router described in spec
// sections 2.11 and 4.4: the route(envelope) algorithm (blocked check,
// live delivery, durable enqueue, push wake-up), cross-instance fan-out
// over the messages channel, and delivery/read receipt relaying with a
// misrouting guard.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fatihtunali/whisper-relay/block"
	"github.com/fatihtunali/whisper-relay/directory"
	"github.com/fatihtunali/whisper-relay/kv"
	"github.com/fatihtunali/whisper-relay/presence"
	"github.com/fatihtunali/whisper-relay/push"
	"github.com/fatihtunali/whisper-relay/queue"
	"github.com/sirupsen/logrus"
)

// ReceiptType distinguishes the two receipt frames the router relays.
type ReceiptType string

const (
	ReceiptDelivered ReceiptType = "delivered"
	ReceiptRead      ReceiptType = "read"
)

// Status reports how Route disposed of an envelope, mirroring the two
// outcomes message_delivered{status} carries back to the sender.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusPending   Status = "pending"
)

// ErrBlocked is returned when either party has blocked the other (see
// block.Registry.HasBlockBetween); the caller must surface this to the
// sender as code BLOCKED and
// must not deliver or queue the envelope.
var ErrBlocked = errors.New("router: sender is blocked by recipient")

// messageRecordTTL controls how long the router remembers who sent a
// message to whom, the window during which a matching receipt can be
// validated against it. It matches the queue's own TTL since a receipt
// for a message that has already expired out of the queue is moot.
const messageRecordTTL = queue.TTL

// ErrReceiptMisrouted is returned when a receipt's claimed sender does
// not match the original message's recorded recipient — a spoofed or
// stale receipt.
type ErrReceiptMisrouted struct {
	MessageID string
}

func (e *ErrReceiptMisrouted) Error() string {
	return fmt.Sprintf("router: receipt for message %s does not match its recorded recipient", e.MessageID)
}

type messageRecord struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// wakePayload is published on the cross-instance channel to tell every
// instance "check whether you hold recipientID locally and, if so,
// drain their queue." It never carries message content.
type wakePayload struct {
	RecipientID string `json:"recipientId"`
}

// Router ties the presence, block, queue, directory, and push
// components together into the delivery pipeline.
type Router struct {
	store     kv.Store
	presence  *presence.Manager
	blocks    *block.Registry
	queue     *queue.Queue
	dir       *directory.Directory
	dispatch  *push.Dispatcher
	stopChan  chan struct{}
	cancelSub func()

	// dedupWindow, when non-zero, makes Route remember a recipient's
	// already-seen message IDs for this long and silently treat a
	// repeat as already delivered instead of enqueuing it again. Zero
	// (the default) disables dedup entirely. See SetDedupWindow.
	dedupWindow time.Duration
}

// SetDedupWindow enables (or disables, with a zero duration) the
// optional per-recipient message-ID dedup window. It must be called
// before Route is first invoked concurrently with readers of this
// field; cmd/relayd calls it once at startup from config.Config.
func (r *Router) SetDedupWindow(d time.Duration) {
	r.dedupWindow = d
}

// New creates a Router wiring together its collaborators.
func New(store kv.Store, pm *presence.Manager, blocks *block.Registry, q *queue.Queue, dir *directory.Directory, dispatch *push.Dispatcher) *Router {
	return &Router{
		store:    store,
		presence: pm,
		blocks:   blocks,
		queue:    q,
		dir:      dir,
		dispatch: dispatch,
		stopChan: make(chan struct{}),
	}
}

// Start subscribes to the cross-instance wake channel so this instance
// can drain and deliver messages for recipients enqueued by a peer
// instance's Route call.
func (r *Router) Start(ctx context.Context) error {
	ch, cancel, err := r.store.Subscribe(ctx, kv.ChannelMessages)
	if err != nil {
		return fmt.Errorf("router: subscribe: %w", err)
	}
	r.cancelSub = cancel

	go func() {
		for {
			select {
			case <-r.stopChan:
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				r.handleWake(ctx, payload)
			}
		}
	}()
	return nil
}

// Stop ends the cross-instance subscription.
func (r *Router) Stop() {
	close(r.stopChan)
	if r.cancelSub != nil {
		r.cancelSub()
	}
}

func (r *Router) handleWake(ctx context.Context, payload string) {
	var wake wakePayload
	if err := json.Unmarshal([]byte(payload), &wake); err != nil {
		return
	}

	sess, ok := r.presence.Get(wake.RecipientID)
	if !ok {
		return
	}
	if err := r.drainToSession(ctx, sess.WhisperID, sess); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleWake",
			"whisper_id": wake.RecipientID,
			"error":      err.Error(),
		}).Warn("router: failed to drain after wake")
	}
}

// Route delivers env from env.FromWhisperID to env.ToWhisperID and
// reports the outcome the sender should be told: StatusDelivered if a
// live socket accepted it, StatusPending if it was enqueued for later
// backfill. A push notification fires in both cases — spec section 4.4
// is explicit that even a live recipient may have the app backgrounded,
// so the write succeeding is not proof the user has seen it.
func (r *Router) Route(ctx context.Context, env queue.Envelope) (Status, error) {
	blocked, err := r.blocks.HasBlockBetween(ctx, env.FromWhisperID, env.ToWhisperID)
	if err != nil {
		return "", fmt.Errorf("router: block check: %w", err)
	}
	if blocked {
		return "", ErrBlocked
	}

	if r.dedupWindow > 0 && env.ID != "" {
		seen, _, err := r.store.Get(ctx, kv.Keys.Seen(env.ToWhisperID, env.ID))
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Route",
				"msg_id":   env.ID,
				"error":    err.Error(),
			}).Warn("router: dedup check failed, delivering normally")
		} else if seen != "" {
			return StatusDelivered, nil
		}
	}

	if env.SenderPublicKey == "" && r.dir != nil {
		if id, ok, err := r.dir.LookupIdentity(ctx, env.FromWhisperID); err == nil && ok {
			env.SenderPublicKey = id.EncryptionPublicKey
		}
	}

	env, err = r.queue.Enqueue(ctx, env.ToWhisperID, env)
	if err != nil {
		return "", fmt.Errorf("router: enqueue: %w", err)
	}
	if err := r.recordMessage(ctx, env); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Route",
			"msg_id":   env.ID,
			"error":    err.Error(),
		}).Warn("router: failed to record message for receipt validation")
	}

	status := StatusPending

	if sess, ok := r.presence.Get(env.ToWhisperID); ok {
		if err := r.drainToSession(ctx, env.ToWhisperID, sess); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Route",
				"to":       env.ToWhisperID,
				"error":    err.Error(),
			}).Warn("router: live delivery failed, leaving message queued")
		} else {
			status = StatusDelivered
		}
	} else if err := r.publishWake(ctx, env.ToWhisperID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Route",
			"to":       env.ToWhisperID,
			"error":    err.Error(),
		}).Warn("router: failed to publish cross-instance wake")
	}

	r.sendWakeupPush(ctx, env.ToWhisperID, env.FromWhisperID)

	if r.dedupWindow > 0 && env.ID != "" {
		if err := r.store.Set(ctx, kv.Keys.Seen(env.ToWhisperID, env.ID), "1", r.dedupWindow); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Route",
				"msg_id":   env.ID,
				"error":    err.Error(),
			}).Warn("router: failed to record dedup marker")
		}
	}

	return status, nil
}

// drainToSession flushes every pending envelope for whisperID to sess,
// acknowledging each as it is handed off.
func (r *Router) drainToSession(ctx context.Context, whisperID string, sess *presence.Session) error {
	cursor := ""
	for {
		page, next, more, err := r.queue.Drain(ctx, whisperID, cursor, queue.DefaultPageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}

		ids := make([]string, 0, len(page))
		for _, env := range page {
			if err := sess.Emitter.Send("message_received", env); err != nil {
				// Leave everything from here on in the queue; the client
				// will receive it on its next backfill.
				return err
			}
			ids = append(ids, env.ID)
		}
		if err := r.queue.Ack(ctx, whisperID, ids...); err != nil {
			return err
		}

		cursor = next
		if !more {
			return nil
		}
	}
}

func (r *Router) publishWake(ctx context.Context, recipientID string) error {
	raw, err := json.Marshal(wakePayload{RecipientID: recipientID})
	if err != nil {
		return err
	}
	return r.store.Publish(ctx, kv.ChannelMessages, string(raw))
}

func (r *Router) sendWakeupPush(ctx context.Context, recipientID, fromID string) {
	if r.dispatch == nil || r.dir == nil {
		return
	}
	tokens, err := r.dir.LookupPushTokens(ctx, recipientID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendWakeupPush",
			"to":       recipientID,
			"error":    err.Error(),
		}).Warn("router: failed to look up push tokens")
		return
	}
	if tokens.PushToken == "" {
		return
	}
	if err := r.dispatch.SendMessagePush(ctx, push.Tokens{
		PushToken: tokens.PushToken,
		VoIPToken: tokens.VoIPToken,
		Platform:  tokens.Platform,
	}, fromID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendWakeupPush",
			"to":       recipientID,
			"error":    err.Error(),
		}).Warn("router: push dispatch failed")
	}
}

func (r *Router) recordMessage(ctx context.Context, env queue.Envelope) error {
	raw, err := json.Marshal(messageRecord{From: env.FromWhisperID, To: env.ToWhisperID})
	if err != nil {
		return err
	}
	return r.store.Set(ctx, kv.Keys.Message(env.ID), string(raw), messageRecordTTL)
}

// RouteReceipt relays a delivery or read receipt for messageID from
// claimedSender back to the original message's sender, after verifying
// claimedSender was actually that message's recipient. A mismatch means
// the receipt is spoofed or stale and is dropped rather than relayed.
func (r *Router) RouteReceipt(ctx context.Context, receiptType ReceiptType, messageID, claimedSender string) error {
	raw, ok, err := r.store.Get(ctx, kv.Keys.Message(messageID))
	if err != nil {
		return fmt.Errorf("router: load message record: %w", err)
	}
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "RouteReceipt",
			"msg_id":   messageID,
		}).Debug("router: receipt for unknown or expired message, dropping")
		return nil
	}

	var rec messageRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return fmt.Errorf("router: decode message record: %w", err)
	}

	if rec.To != claimedSender {
		return &ErrReceiptMisrouted{MessageID: messageID}
	}

	sess, ok := r.presence.Get(rec.From)
	if !ok {
		// Receipts are not queued for offline delivery; the original
		// sender learns the status the next time they connect and the
		// recipient end re-sends, if it does.
		return nil
	}

	return sess.Emitter.Send("delivery_status", map[string]string{
		"messageId":     messageID,
		"status":        string(receiptType),
		"fromWhisperId": claimedSender,
		"at":            time.Now().Format(time.RFC3339),
	})
}
