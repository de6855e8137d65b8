package wsapi

import (
	"context"
	"time"

	"github.com/fatihtunali/whisper-relay/auth"
	"github.com/fatihtunali/whisper-relay/crypto"
	"github.com/fatihtunali/whisper-relay/directory"
	"github.com/fatihtunali/whisper-relay/ids"
	"github.com/fatihtunali/whisper-relay/kv"
	"github.com/fatihtunali/whisper-relay/presence"
	"github.com/fatihtunali/whisper-relay/queue"
	"github.com/sirupsen/logrus"
)

type registerChallengePayload struct {
	Challenge string `json:"challenge"`
}

type registerAckPayload struct {
	Success   bool   `json:"success"`
	WhisperID string `json:"whisperId"`
}

// pendingMessagesPayload mirrors spec section 4.4's
// pending_messages{messages, cursor, nextCursor, hasMore}: Cursor is the
// cursor this page was fetched with (the empty string for the first
// page), NextCursor is what the client passes to fetch_pending to
// continue, and is only meaningful when HasMore is true.
type pendingMessagesPayload struct {
	Messages   []queue.Envelope `json:"messages"`
	Cursor     string           `json:"cursor"`
	NextCursor string           `json:"nextCursor"`
	HasMore    bool             `json:"hasMore"`
}

type groupCreatedPayload struct {
	GroupID   string   `json:"groupId"`
	Name      string   `json:"name"`
	CreatorID string   `json:"creatorId"`
	Members   []string `json:"members"`
}

type incomingCallPayload struct {
	FromWhisperID string `json:"fromWhisperId"`
	CallID        string `json:"callId"`
	Offer         string `json:"offer"`
	IsVideo       bool   `json:"isVideo"`
	CallerName    string `json:"callerName,omitempty"`
}

func (c *conn_) handleRegister(ctx context.Context, frame Frame) {
	var p registerPayload
	if err := unmarshalOrError(c, frame, &p); err != nil {
		return
	}

	if !ids.IsWhisperID(p.WhisperID) {
		c.sendError("INVALID_WHISPER_ID", "whisperId does not match the required shape")
		return
	}
	if err := crypto.ValidateX25519PublicKey(p.PublicKey); err != nil {
		c.sendError("INVALID_PUBLIC_KEY", err.Error())
		return
	}

	banned, _, err := c.server.Store.Get(ctx, kv.Keys.Banned(p.WhisperID))
	if err == nil && banned != "" {
		c.sendError("BANNED", "this account has been banned")
		_ = c.sock.Close(1008, "account banned")
		return
	}

	reg := auth.Registration{
		WhisperID:           p.WhisperID,
		EncryptionPublicKey: p.PublicKey,
		SigningPublicKey:    p.SigningPublicKey,
		PushToken:           p.PushToken,
		VoIPToken:           p.VoIPToken,
		Platform:            p.Platform,
	}

	challenge, err := c.server.Auth.BeginChallenge(c.socketID, reg)
	if err != nil {
		c.sendError("CHALLENGE_FAILED", err.Error())
		return
	}

	prefs := presence.PrivacyPrefs{
		SendReadReceipts:    true,
		SendTypingIndicator: true,
		HideOnlineStatus:    false,
	}
	if p.SendReadReceipts != nil {
		prefs.SendReadReceipts = *p.SendReadReceipts
	}
	if p.SendTypingIndicator != nil {
		prefs.SendTypingIndicator = *p.SendTypingIndicator
	}
	if p.HideOnlineStatus != nil {
		prefs.HideOnlineStatus = *p.HideOnlineStatus
	}
	c.pendingPrefs = prefs

	_ = c.sock.Send(string(FrameRegisterChallenge), registerChallengePayload{Challenge: challenge})
}

func (c *conn_) handleRegisterProof(ctx context.Context, frame Frame) {
	var p registerProofPayload
	if err := unmarshalOrError(c, frame, &p); err != nil {
		return
	}

	reg, err := c.server.Auth.VerifyProof(c.socketID, p.Signature)
	if err != nil {
		code := "AUTH_FAILED"
		switch err {
		case auth.ErrNoChallenge:
			code = "NO_CHALLENGE"
		case auth.ErrChallengeExpired:
			code = "CHALLENGE_EXPIRED"
		}
		c.sendError(code, err.Error())
		return
	}

	sess := &presence.Session{
		SocketID:    c.socketID,
		WhisperID:   reg.WhisperID,
		ConnectedAt: c.connected,
		LastPing:    time.Now(),
		Platform:    reg.Platform,
		Prefs:       c.pendingPrefs,
		Emitter:     c.sock,
	}
	c.server.Presence.Register(ctx, sess)
	c.whisperID = reg.WhisperID
	c.session = sess

	if err := c.server.Directory.UpsertIdentity(ctx, reg.WhisperID, directory.Identity{
		EncryptionPublicKey: reg.EncryptionPublicKey,
		SigningPublicKey:    reg.SigningPublicKey,
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleRegisterProof",
			"whisper_id": reg.WhisperID,
			"error":      err.Error(),
		}).Warn("wsapi: failed to upsert identity")
	}
	if err := c.server.Directory.UpsertPushTokens(ctx, reg.WhisperID, directory.PushTokens{
		PushToken: reg.PushToken,
		VoIPToken: reg.VoIPToken,
		Platform:  reg.Platform,
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleRegisterProof",
			"whisper_id": reg.WhisperID,
			"error":      err.Error(),
		}).Warn("wsapi: failed to upsert push tokens")
	}
	_ = c.server.Directory.TouchLastSeen(ctx, reg.WhisperID, time.Now())

	_ = c.sock.Send(string(FrameRegisterAck), registerAckPayload{Success: true, WhisperID: reg.WhisperID})

	c.backfillPendingMessages(ctx)
	c.drainGroupInvites(ctx)
	c.drainPendingCall(ctx)
}

// backfillPendingMessages flushes every envelope queued while whisperID
// was offline, one pending_messages frame per drained page.
func (c *conn_) backfillPendingMessages(ctx context.Context) {
	cursor := ""
	for {
		page, next, more, err := c.server.Queue.Drain(ctx, c.whisperID, cursor, queue.DefaultPageSize)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "backfillPendingMessages",
				"whisper_id": c.whisperID,
				"error":      err.Error(),
			}).Warn("wsapi: failed to drain pending messages")
			return
		}
		if len(page) == 0 {
			return
		}

		_ = c.sock.Send(string(FramePendingMessages), pendingMessagesPayload{
			Messages:   page,
			Cursor:     cursor,
			NextCursor: next,
			HasMore:    more,
		})

		acked := make([]string, 0, len(page))
		for _, env := range page {
			acked = append(acked, env.ID)
		}
		_ = c.server.Queue.Ack(ctx, c.whisperID, acked...)

		cursor = next
		if !more {
			return
		}
	}
}

func (c *conn_) drainGroupInvites(ctx context.Context) {
	invites, err := c.server.Groups.DrainInvites(ctx, c.whisperID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "drainGroupInvites",
			"whisper_id": c.whisperID,
			"error":      err.Error(),
		}).Warn("wsapi: failed to drain group invites")
		return
	}
	for _, inv := range invites {
		_ = c.sock.Send(string(FrameGroupCreated), groupCreatedPayload{
			GroupID:   inv.GroupID,
			Name:      inv.Name,
			CreatorID: inv.CreatorID,
			Members:   inv.Members,
		})
	}
}

func (c *conn_) drainPendingCall(ctx context.Context) {
	offer, ok, err := c.server.Calls.TakePendingOffer(ctx, c.whisperID)
	if err != nil || !ok {
		return
	}
	_ = c.sock.Send(string(FrameIncomingCall), incomingCallPayload{
		FromWhisperID: offer.CallerID,
		CallID:        offer.ID,
		Offer:         offer.SDP,
		IsVideo:       offer.IsVideo,
		CallerName:    offer.CallerName,
	})
}
