package wsapi

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/fatihtunali/whisper-relay/crypto"
	"github.com/fatihtunali/whisper-relay/ids"
	"github.com/sirupsen/logrus"
)

const deleteAccountConfirmation = "DELETE_MY_ACCOUNT"
const deleteAccountTimestampWindow = 5 * time.Minute

type blockAckPayload struct {
	WhisperID string `json:"whisperId"`
}

type accountDeletedPayload struct {
	Success bool `json:"success"`
}

type publicKeyResponsePayload struct {
	WhisperID string `json:"whisperId"`
	PublicKey string `json:"publicKey,omitempty"`
	Exists    bool   `json:"exists"`
}

type reportAckPayload struct {
	Success bool `json:"success"`
}

func (c *conn_) handleBlockUser(ctx context.Context, frame Frame) {
	var p blockUserPayload
	if err := unmarshalOrError(c, frame, &p); err != nil {
		return
	}
	if !ids.IsWhisperID(p.WhisperID) {
		c.sendError("INVALID_WHISPER_ID", "whisperId does not match the required shape")
		return
	}
	if err := c.server.Blocks.Block(ctx, c.whisperID, p.WhisperID); err != nil {
		c.sendError("INTERNAL", "failed to record block")
		return
	}
	_ = c.sock.Send(string(FrameBlockAck), blockAckPayload{WhisperID: p.WhisperID})
}

func (c *conn_) handleUnblockUser(ctx context.Context, frame Frame) {
	var p blockUserPayload
	if err := unmarshalOrError(c, frame, &p); err != nil {
		return
	}
	if !ids.IsWhisperID(p.WhisperID) {
		c.sendError("INVALID_WHISPER_ID", "whisperId does not match the required shape")
		return
	}
	if err := c.server.Blocks.Unblock(ctx, c.whisperID, p.WhisperID); err != nil {
		c.sendError("INTERNAL", "failed to remove block")
		return
	}
	_ = c.sock.Send(string(FrameUnblockAck), blockAckPayload{WhisperID: p.WhisperID})
}

func (c *conn_) handleLookupPublicKey(ctx context.Context, frame Frame) {
	var p lookupPublicKeyPayload
	if err := unmarshalOrError(c, frame, &p); err != nil {
		return
	}
	if !ids.IsWhisperID(p.WhisperID) {
		c.sendError("INVALID_WHISPER_ID", "whisperId does not match the required shape")
		return
	}
	id, ok, err := c.server.Directory.LookupIdentity(ctx, p.WhisperID)
	if err != nil {
		c.sendError("INTERNAL", "failed to look up public key")
		return
	}
	resp := publicKeyResponsePayload{WhisperID: p.WhisperID, Exists: ok}
	if ok {
		resp.PublicKey = id.EncryptionPublicKey
	}
	_ = c.sock.Send(string(FramePublicKeyResponse), resp)
}

// report_user has no admin review surface in this relay — it only
// acknowledges receipt so the client's report flow can complete.
func (c *conn_) handleReportUser(ctx context.Context, frame Frame) {
	var p reportUserPayload
	if err := unmarshalOrError(c, frame, &p); err != nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":   "handleReportUser",
		"reporter":   c.whisperID,
		"reported":   p.WhisperID,
	}).Info("wsapi: user report received")
	_ = c.sock.Send(string(FrameReportAck), reportAckPayload{Success: true})
}

func (c *conn_) handleDeleteAccount(ctx context.Context, frame Frame) {
	var p deleteAccountPayload
	if err := unmarshalOrError(c, frame, &p); err != nil {
		return
	}

	if p.Confirmation != deleteAccountConfirmation {
		c.sendError("INVALID_CONFIRMATION", "confirmation string does not match")
		return
	}

	now := time.Now().Unix()
	if math.Abs(float64(now-p.Timestamp)) > deleteAccountTimestampWindow.Seconds() {
		c.sendError("TIMESTAMP_EXPIRED", "timestamp is outside the permitted window")
		return
	}

	id, ok, err := c.server.Directory.LookupIdentity(ctx, c.whisperID)
	if err != nil || !ok {
		c.sendError("INTERNAL", "failed to look up signing key")
		return
	}

	message := deleteAccountConfirmation + ":" + strconv.FormatInt(p.Timestamp, 10)
	verified, err := crypto.VerifyDetached(id.SigningPublicKey, message, p.Signature)
	if err != nil || !verified {
		c.sendError("INVALID_SIGNATURE", "signature does not verify against the registered signing key")
		return
	}

	c.deleteAccount(ctx)
}

func (c *conn_) deleteAccount(ctx context.Context) {
	whisperID := c.whisperID

	if err := c.server.Queue.Clear(ctx, whisperID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "deleteAccount",
			"whisper_id": whisperID,
			"error":      err.Error(),
		}).Warn("wsapi: failed to clear queued messages for deleted account")
	}

	if _, err := c.server.Groups.DestroyCreatedBy(ctx, whisperID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "deleteAccount",
			"whisper_id": whisperID,
			"error":      err.Error(),
		}).Warn("wsapi: failed to destroy groups created by deleted account")
	}
	groups, err := c.server.Groups.GroupsFor(ctx, whisperID)
	if err == nil {
		for _, gid := range groups {
			_ = c.server.Groups.Leave(ctx, gid, whisperID)
		}
	}

	if err := c.server.Blocks.ClearAllInvolving(ctx, whisperID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "deleteAccount",
			"whisper_id": whisperID,
			"error":      err.Error(),
		}).Warn("wsapi: failed to clear blocks for deleted account")
	}

	if err := c.server.Directory.Delete(ctx, whisperID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "deleteAccount",
			"whisper_id": whisperID,
			"error":      err.Error(),
		}).Warn("wsapi: failed to clear directory entries")
	}

	c.server.Limiter.Forget(whisperID)

	_ = c.sock.Send(string(FrameAccountDeleted), accountDeletedPayload{Success: true})

	if c.session != nil {
		c.server.Presence.Unregister(ctx, c.session)
	}
	if err := c.server.Presence.PurgeAccount(ctx, whisperID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "deleteAccount",
			"whisper_id": whisperID,
			"error":      err.Error(),
		}).Warn("wsapi: failed to purge presence entries for deleted account")
	}
	_ = c.sock.Close(1000, "account deleted")
}
