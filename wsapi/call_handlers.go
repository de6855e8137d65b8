package wsapi

import (
	"context"
	"time"

	"github.com/fatihtunali/whisper-relay/crypto"
	"github.com/fatihtunali/whisper-relay/ids"
)

type callRingingPayload struct {
	CallID string `json:"callId"`
}

type callAnsweredPayload struct {
	FromWhisperID string `json:"fromWhisperId"`
	CallID        string `json:"callId"`
	Answer        string `json:"answer"`
}

type callICECandidatePayload struct {
	FromWhisperID string `json:"fromWhisperId"`
	CallID        string `json:"callId"`
	Candidate     string `json:"candidate"`
}

type callEndedPayload struct {
	FromWhisperID string `json:"fromWhisperId"`
	CallID        string `json:"callId"`
}

type turnCredentialsPayload struct {
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	TTL        int64    `json:"ttl"`
	URLs       []string `json:"urls"`
}

func (c *conn_) handleCallInitiate(ctx context.Context, frame Frame) {
	var p callInitiatePayload
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
		c.sendError("BLOCKED", "the recipient is not accepting calls from you")
		return
	}

	if sess, ok := c.server.Presence.Get(p.ToWhisperID); ok {
		_ = sess.Emitter.Send(string(FrameIncomingCall), incomingCallPayload{
			FromWhisperID: c.whisperID,
			CallID:        p.CallID,
			Offer:         p.Offer,
			IsVideo:       p.IsVideo,
			CallerName:    p.CallerName,
		})
		c.server.Calls.StartCall(p.CallID, c.whisperID, p.ToWhisperID)
		_ = c.sock.Send(string(FrameCallRinging), callRingingPayload{CallID: p.CallID})
		if c.server.Dispatch != nil {
			if tokens, err := c.server.Directory.LookupPushTokens(ctx, p.ToWhisperID); err == nil {
				dt := dispatchTokensFrom(tokens)
				_ = c.server.Dispatch.SendCallPush(ctx, dt, c.whisperID, p.IsVideo)
			}
		}
		return
	}

	if err := c.server.Calls.QueueOffer(ctx, p.CallID, c.whisperID, p.ToWhisperID, p.Offer, p.IsVideo, p.CallerName); err != nil {
		c.sendError("INTERNAL", "failed to queue call offer")
		return
	}

	tokens, err := c.server.Directory.LookupPushTokens(ctx, p.ToWhisperID)
	if err != nil || tokens.PushToken == "" {
		c.sendError("RECIPIENT_OFFLINE", "the recipient has no registered push token")
		return
	}
	if c.server.Dispatch != nil {
		dt := dispatchTokensFrom(tokens)
		_ = c.server.Dispatch.SendVoIPPush(ctx, dt, c.whisperID, p.CallID, p.IsVideo)
		_ = c.server.Dispatch.SendCallPush(ctx, dt, c.whisperID, p.IsVideo)
	}
}

func (c *conn_) handleCallAnswer(ctx context.Context, frame Frame) {
	var p callAnswerPayload
	if err := unmarshalOrError(c, frame, &p); err != nil {
		return
	}
	if !ids.IsWhisperID(p.ToWhisperID) {
		c.sendError("INVALID_WHISPER_ID", "toWhisperId does not match the required shape")
		return
	}
	if sess, ok := c.server.Presence.Get(p.ToWhisperID); ok {
		_ = sess.Emitter.Send(string(FrameCallAnswered), callAnsweredPayload{
			FromWhisperID: c.whisperID,
			CallID:        p.CallID,
			Answer:        p.Answer,
		})
	}
}

func (c *conn_) handleCallICE(ctx context.Context, frame Frame) {
	var p callICEPayload
	if err := unmarshalOrError(c, frame, &p); err != nil {
		return
	}
	if !ids.IsWhisperID(p.ToWhisperID) {
		c.sendError("INVALID_WHISPER_ID", "toWhisperId does not match the required shape")
		return
	}
	if sess, ok := c.server.Presence.Get(p.ToWhisperID); ok {
		_ = sess.Emitter.Send(string(FrameCallICECandidate), callICECandidatePayload{
			FromWhisperID: c.whisperID,
			CallID:        p.CallID,
			Candidate:     p.Candidate,
		})
	}
}

func (c *conn_) handleCallEnd(ctx context.Context, frame Frame) {
	var p callEndPayload
	if err := unmarshalOrError(c, frame, &p); err != nil {
		return
	}
	if !ids.IsWhisperID(p.ToWhisperID) {
		c.sendError("INVALID_WHISPER_ID", "toWhisperId does not match the required shape")
		return
	}
	c.server.Calls.EndCall(p.CallID)
	if sess, ok := c.server.Presence.Get(p.ToWhisperID); ok {
		_ = sess.Emitter.Send(string(FrameCallEnded), callEndedPayload{
			FromWhisperID: c.whisperID,
			CallID:        p.CallID,
		})
	}
}

func (c *conn_) handleGetTURNCredentials(ctx context.Context) {
	if c.server.TURNSecret == "" {
		c.sendError("TURN_UNAVAILABLE", "TURN credentials are not configured on this server")
		return
	}
	ttl := c.server.TURNCredentialTTL
	if ttl <= 0 {
		ttl = DefaultTURNCredentialTTL
	}
	creds := crypto.MintTURNCredentials(c.server.TURNSecret, c.whisperID, ttl, time.Now())
	_ = c.sock.Send(string(FrameTURNCredentials), turnCredentialsPayload{
		Username:   creds.Username,
		Credential: creds.Password,
		TTL:        int64(creds.TTL.Seconds()),
		URLs:       c.server.TURNURLs,
	})
}
