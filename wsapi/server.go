package wsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fatihtunali/whisper-relay/auth"
	"github.com/fatihtunali/whisper-relay/block"
	"github.com/fatihtunali/whisper-relay/call"
	"github.com/fatihtunali/whisper-relay/directory"
	"github.com/fatihtunali/whisper-relay/group"
	"github.com/fatihtunali/whisper-relay/kv"
	"github.com/fatihtunali/whisper-relay/presence"
	"github.com/fatihtunali/whisper-relay/push"
	"github.com/fatihtunali/whisper-relay/queue"
	"github.com/fatihtunali/whisper-relay/ratelimit"
	"github.com/fatihtunali/whisper-relay/router"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// DefaultTURNCredentialTTL is how long a minted TURN credential remains
// valid when the caller does not configure a different value.
const DefaultTURNCredentialTTL = 6 * time.Hour

// Server is the WebSocket front-end. It holds no business logic of its
// own beyond frame decoding, authorization, and dispatch — every
// decision is delegated to the component that owns it.
type Server struct {
	Store     kv.Store
	Auth      *auth.Service
	Presence  *presence.Manager
	Router    *router.Router
	Queue     *queue.Queue
	Directory *directory.Directory
	Blocks    *block.Registry
	Groups    *group.Store
	Calls     *call.Manager
	Dispatch  *push.Dispatcher
	Limiter   *ratelimit.Limiter

	// TURNSecret is the shared HMAC key used to mint TURN credentials.
	// get_turn_credentials replies with an error if this is empty.
	TURNSecret string
	// TURNURLs is the list of STUN/TURN server URLs handed back
	// alongside minted credentials.
	TURNURLs []string
	// TURNCredentialTTL controls how long a minted credential remains
	// valid; defaults to DefaultTURNCredentialTTL if zero.
	TURNCredentialTTL time.Duration

	// GroupQueueOffline is read by handleSendGroupMessage. With either
	// value a group message is delivered only to members connected at
	// send time and is not queued for offline members; when true, each
	// member missed that way is logged at debug level. Default: false.
	GroupQueueOffline bool
}

// ServeHTTP upgrades the connection and runs its read loop until the
// socket closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ServeHTTP",
			"error":    err.Error(),
		}).Warn("wsapi: upgrade failed")
		return
	}

	sock := newSocket(uuid.NewString(), conn)
	conn.SetReadLimit(64 * 1024)

	c := &conn_{
		server:    s,
		sock:      sock,
		socketID:  sock.id,
		connected: time.Now(),
	}
	c.run(r.Context())
}

// conn_ tracks the per-connection state machine: unauthenticated until
// a successful register/register_proof exchange, after which whisperID
// and session are populated.
type conn_ struct {
	server    *Server
	sock      *socket
	socketID  string
	connected time.Time

	whisperID    string
	session      *presence.Session
	pendingPrefs presence.PrivacyPrefs
}

func (c *conn_) run(ctx context.Context) {
	defer c.teardown(ctx)

	for {
		_, raw, err := c.sock.conn.ReadMessage()
		if err != nil {
			// A transport-level error (closed connection, protocol
			// violation below the JSON layer) ends the session; there is
			// no socket left to answer on.
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			// Spec sections 4.1, 4.10, and 7: a malformed JSON frame gets
			// a named error reply and the socket stays open.
			c.sendError("PARSE_ERROR", "frame is not valid JSON")
			continue
		}
		c.dispatch(ctx, frame)
	}
}

func (c *conn_) teardown(ctx context.Context) {
	c.server.Auth.Forget(c.socketID)
	if c.whisperID != "" {
		c.server.Limiter.Forget(c.whisperID)
		c.endInFlightCalls(ctx)
	}
	if c.session != nil {
		c.server.Presence.Unregister(ctx, c.session)
	}
	_ = c.sock.Close(1000, "connection closed")
}

// endInFlightCalls implements spec section 4.7's "a socket close during
// an in-flight call is treated as an end signal to the peer": every
// call this socket was a party to is torn down and, if the other party
// is still live, notified with the same call_ended frame an explicit
// call_end would have produced.
func (c *conn_) endInFlightCalls(ctx context.Context) {
	for _, ended := range c.server.Calls.CallsInvolving(c.whisperID) {
		peer := ended.CallerID
		if peer == c.whisperID {
			peer = ended.CalleeID
		}
		if sess, ok := c.server.Presence.Get(peer); ok {
			_ = sess.Emitter.Send(string(FrameCallEnded), callEndedPayload{
				FromWhisperID: c.whisperID,
				CallID:        ended.CallID,
			})
		}
	}
}

func (c *conn_) dispatch(ctx context.Context, frame Frame) {
	if frame.Type != FrameRegister && frame.Type != FrameRegisterProof && c.session == nil {
		c.sendError("NOT_REGISTERED", "this socket has not completed authentication")
		return
	}

	switch frame.Type {
	case FrameRegister:
		c.handleRegister(ctx, frame)
	case FrameRegisterProof:
		c.handleRegisterProof(ctx, frame)

	case FrameSendMessage:
		c.handleSendMessage(ctx, frame)
	case FrameDeliveryReceipt:
		c.handleDeliveryReceipt(ctx, frame)
	case FrameFetchPending:
		c.handleFetchPending(ctx, frame)
	case FrameReaction:
		c.handleReaction(ctx, frame)
	case FrameTyping:
		c.handleTyping(ctx, frame)
	case FramePing:
		c.handlePing(ctx)

	case FrameBlockUser:
		c.handleBlockUser(ctx, frame)
	case FrameUnblockUser:
		c.handleUnblockUser(ctx, frame)
	case FrameDeleteAccount:
		c.handleDeleteAccount(ctx, frame)
	case FrameLookupPublicKey:
		c.handleLookupPublicKey(ctx, frame)
	case FrameReportUser:
		c.handleReportUser(ctx, frame)
	case FrameSetPrivacyPrefs:
		c.handleSetPrivacyPrefs(frame)

	case FrameCreateGroup:
		c.handleCreateGroup(ctx, frame)
	case FrameSendGroupMessage:
		c.handleSendGroupMessage(ctx, frame)
	case FrameUpdateGroup:
		c.handleUpdateGroup(ctx, frame)
	case FrameLeaveGroup:
		c.handleLeaveGroup(ctx, frame)

	case FrameCallInitiate:
		c.handleCallInitiate(ctx, frame)
	case FrameCallAnswer:
		c.handleCallAnswer(ctx, frame)
	case FrameCallICECandidate:
		c.handleCallICE(ctx, frame)
	case FrameCallEnd:
		c.handleCallEnd(ctx, frame)
	case FrameGetTURNCredentials:
		c.handleGetTURNCredentials(ctx)

	default:
		c.sendError("UNKNOWN_TYPE", string(frame.Type))
	}
}

func (c *conn_) sendError(code, message string) {
	_ = c.sock.Send(string(FrameError), errorPayload{Code: code, Message: message})
}

func (c *conn_) handlePing(ctx context.Context) {
	if c.whisperID != "" {
		c.server.Presence.Ping(ctx, c.whisperID)
	}
	_ = c.sock.Send(string(FramePong), struct{}{})
}

func (c *conn_) handleSetPrivacyPrefs(frame Frame) {
	var p privacyPrefsPayload
	if err := unmarshalOrError(c, frame, &p); err != nil {
		return
	}
	if c.session == nil {
		return
	}
	if p.SendReadReceipts != nil {
		c.session.Prefs.SendReadReceipts = *p.SendReadReceipts
	}
	if p.SendTypingIndicator != nil {
		c.session.Prefs.SendTypingIndicator = *p.SendTypingIndicator
	}
	if p.HideOnlineStatus != nil {
		c.session.Prefs.HideOnlineStatus = *p.HideOnlineStatus
	}
}

func unmarshalOrError(c *conn_, frame Frame, out interface{}) error {
	if err := json.Unmarshal(frame.Payload, out); err != nil {
		c.sendError("PARSE_ERROR", err.Error())
		return err
	}
	return nil
}

// dispatchTokensFrom adapts a directory lookup result to the push
// package's narrower Tokens type.
func dispatchTokensFrom(t directory.PushTokens) push.Tokens {
	return push.Tokens{PushToken: t.PushToken, VoIPToken: t.VoIPToken, Platform: t.Platform}
}

// attachmentsBag marshals a send_message frame's optional opaque media
// and reply fields into a single bag, carried on the queue.Envelope and
// forwarded verbatim — the server never introspects it, per the
// base-header-plus-attachments-record shape spec section 9 recommends
// in place of many boolean-guarded optional fields.
func attachmentsBag(p sendMessagePayload) json.RawMessage {
	if p.EncryptedVoice == "" && p.EncryptedImage == "" && p.EncryptedFile == "" && !p.IsForwarded && p.ReplyTo == nil {
		return nil
	}
	raw, err := json.Marshal(struct {
		EncryptedVoice string         `json:"encryptedVoice,omitempty"`
		VoiceDuration  float64        `json:"voiceDuration,omitempty"`
		EncryptedImage string         `json:"encryptedImage,omitempty"`
		ImageMetadata  *imageMetadata `json:"imageMetadata,omitempty"`
		EncryptedFile  string         `json:"encryptedFile,omitempty"`
		FileMetadata   *fileMetadata  `json:"fileMetadata,omitempty"`
		IsForwarded    bool           `json:"isForwarded,omitempty"`
		ReplyTo        *replyTo       `json:"replyTo,omitempty"`
	}{
		EncryptedVoice: p.EncryptedVoice,
		VoiceDuration:  p.VoiceDuration,
		EncryptedImage: p.EncryptedImage,
		ImageMetadata:  p.ImageMetadata,
		EncryptedFile:  p.EncryptedFile,
		FileMetadata:   p.FileMetadata,
		IsForwarded:    p.IsForwarded,
		ReplyTo:        p.ReplyTo,
	})
	if err != nil {
		return nil
	}
	return raw
}

func envelopeFromSend(from string, p sendMessagePayload) queue.Envelope {
	return queue.Envelope{
		ID:               p.MessageID,
		FromWhisperID:    from,
		ToWhisperID:      p.ToWhisperID,
		EncryptedContent: p.EncryptedContent,
		Nonce:            p.Nonce,
		Attachments:      attachmentsBag(p),
	}
}
