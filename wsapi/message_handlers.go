package wsapi

import (
	"context"
	"errors"

	"github.com/fatihtunali/whisper-relay/ids"
	"github.com/fatihtunali/whisper-relay/queue"
	"github.com/fatihtunali/whisper-relay/router"
	"github.com/sirupsen/logrus"
)

type messageDeliveredPayload struct {
	MessageID   string `json:"messageId"`
	Status      string `json:"status"`
	ToWhisperID string `json:"toWhisperId"`
}

type reactionReceivedPayload struct {
	MessageID     string  `json:"messageId"`
	FromWhisperID string  `json:"fromWhisperId"`
	Emoji         *string `json:"emoji"`
}

type typingStatusPayload struct {
	FromWhisperID string `json:"fromWhisperId"`
	IsTyping      bool   `json:"isTyping"`
}

func (c *conn_) handleSendMessage(ctx context.Context, frame Frame) {
	var p sendMessagePayload
	if err := unmarshalOrError(c, frame, &p); err != nil {
		return
	}

	if !ids.IsWhisperID(p.ToWhisperID) {
		c.sendError("INVALID_WHISPER_ID", "toWhisperId does not match the required shape")
		return
	}

	env := envelopeFromSend(c.whisperID, p)
	status, err := c.server.Router.Route(ctx, env)
	if err != nil {
		if errors.Is(err, router.ErrBlocked) {
			c.sendError("BLOCKED", "the recipient is not accepting messages from you")
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "handleSendMessage",
			"to":       p.ToWhisperID,
			"error":    err.Error(),
		}).Warn("wsapi: failed to route message")
		c.sendError("INTERNAL", "failed to deliver message")
		return
	}

	_ = c.sock.Send(string(FrameMessageDelivered), messageDeliveredPayload{
		MessageID:   env.ID,
		Status:      string(status),
		ToWhisperID: p.ToWhisperID,
	})
}

func (c *conn_) handleFetchPending(ctx context.Context, frame Frame) {
	var p fetchPendingPayload
	if err := unmarshalOrError(c, frame, &p); err != nil {
		return
	}

	page, next, more, err := c.server.Queue.Drain(ctx, c.whisperID, p.Cursor, queue.DefaultPageSize)
	if err != nil {
		c.sendError("INTERNAL", "failed to fetch pending messages")
		return
	}

	_ = c.sock.Send(string(FramePendingMessages), pendingMessagesPayload{
		Messages:   page,
		Cursor:     p.Cursor,
		NextCursor: next,
		HasMore:    more,
	})

	if len(page) == 0 {
		return
	}
	acked := make([]string, 0, len(page))
	for _, env := range page {
		acked = append(acked, env.ID)
	}
	_ = c.server.Queue.Ack(ctx, c.whisperID, acked...)
}

func (c *conn_) handleDeliveryReceipt(ctx context.Context, frame Frame) {
	var p deliveryReceiptPayload
	if err := unmarshalOrError(c, frame, &p); err != nil {
		return
	}

	if p.Status == string(router.ReceiptRead) && c.session != nil && !c.session.Prefs.SendReadReceipts {
		return
	}

	receiptType := router.ReceiptDelivered
	if p.Status == string(router.ReceiptRead) {
		receiptType = router.ReceiptRead
	}

	if err := c.server.Router.RouteReceipt(ctx, receiptType, p.MessageID, c.whisperID); err != nil {
		var misrouted *router.ErrReceiptMisrouted
		if errors.As(err, &misrouted) {
			c.sendError("RECEIPT_MISROUTED", err.Error())
			return
		}
		logrus.WithFields(logrus.Fields{
			"function":   "handleDeliveryReceipt",
			"message_id": p.MessageID,
			"error":      err.Error(),
		}).Warn("wsapi: failed to route receipt")
	}
}

func (c *conn_) handleReaction(ctx context.Context, frame Frame) {
	var p reactionPayload
	if err := unmarshalOrError(c, frame, &p); err != nil {
		return
	}
	if !ids.IsWhisperID(p.ToWhisperID) {
		c.sendError("INVALID_WHISPER_ID", "toWhisperId does not match the required shape")
		return
	}

	blocked, err := c.server.Blocks.HasBlockBetween(ctx, c.whisperID, p.ToWhisperID)
	if err != nil {
		c.sendError("INTERNAL", "failed to check block status")
		return
	}
	if blocked {
		c.sendError("BLOCKED", "the recipient is not accepting messages from you")
		return
	}

	sess, ok := c.server.Presence.Get(p.ToWhisperID)
	if !ok {
		// Reactions are live-only; an offline recipient simply misses it.
		return
	}
	_ = sess.Emitter.Send(string(FrameReactionReceived), reactionReceivedPayload{
		MessageID:     p.MessageID,
		FromWhisperID: c.whisperID,
		Emoji:         p.Emoji,
	})
}

func (c *conn_) handleTyping(ctx context.Context, frame Frame) {
	var p typingPayload
	if err := unmarshalOrError(c, frame, &p); err != nil {
		return
	}
	if !ids.IsWhisperID(p.ToWhisperID) {
		c.sendError("INVALID_WHISPER_ID", "toWhisperId does not match the required shape")
		return
	}

	// Spec section 4.5(a): forwarded only if the sender's own prefs allow
	// typing indicators and the sender hasn't hidden their online status
	// — hiding online status suppresses outbound presence signals from
	// that user, per section 4.3's "hideOnlineStatus" semantics.
	if c.session != nil && (!c.session.Prefs.SendTypingIndicator || c.session.Prefs.HideOnlineStatus) {
		return
	}

	blocked, err := c.server.Blocks.HasBlockBetween(ctx, c.whisperID, p.ToWhisperID)
	if err != nil || blocked {
		return
	}

	if !c.server.Limiter.AllowTyping(c.whisperID, p.ToWhisperID) {
		c.sendError("RATE_LIMITED", "typing indicators are limited to one every two seconds per conversation")
		return
	}

	sess, ok := c.server.Presence.Get(p.ToWhisperID)
	if !ok {
		return
	}
	_ = sess.Emitter.Send(string(FrameTypingStatus), typingStatusPayload{
		FromWhisperID: c.whisperID,
		IsTyping:      p.IsTyping,
	})
}
