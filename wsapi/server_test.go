package wsapi

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fatihtunali/whisper-relay/auth"
	"github.com/fatihtunali/whisper-relay/block"
	"github.com/fatihtunali/whisper-relay/call"
	"github.com/fatihtunali/whisper-relay/directory"
	"github.com/fatihtunali/whisper-relay/group"
	"github.com/fatihtunali/whisper-relay/kv"
	"github.com/fatihtunali/whisper-relay/presence"
	"github.com/fatihtunali/whisper-relay/queue"
	"github.com/fatihtunali/whisper-relay/ratelimit"
	"github.com/fatihtunali/whisper-relay/router"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

// testX25519PublicKey returns a well-formed, non-low-order X25519 public
// key suitable for register payloads in tests that don't exercise key
// agreement itself.
func testX25519PublicKey(t *testing.T) string {
	t.Helper()
	var scalar [32]byte
	_, err := rand.Read(scalar[:])
	require.NoError(t, err)
	pub, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(pub)
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func decodeJSON(raw json.RawMessage, v interface{}) error {
	return json.Unmarshal(raw, v)
}

func newTestServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	store := kv.NewMemoryStore()
	pm := presence.New(store)
	t.Cleanup(pm.Stop)
	blocks := block.New(store)
	q := queue.New(store)
	dir := directory.New(store)
	r := router.New(store, pm, blocks, q, dir, nil)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)

	authSvc := auth.NewService()
	t.Cleanup(authSvc.Stop)

	srv := &Server{
		Store:     store,
		Auth:      authSvc,
		Presence:  pm,
		Router:    r,
		Queue:     q,
		Directory: dir,
		Blocks:    blocks,
		Groups:    group.New(store),
		Calls:     call.New(store),
		Limiter:   ratelimit.New(),
	}

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, srv
}

func dialAndRegister(t *testing.T, ts *httptest.Server, whisperID string) (*websocket.Conn, ed25519.PrivateKey) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(Frame{
		Type: FrameRegister,
		Payload: mustJSON(t, registerPayload{
			WhisperID:        whisperID,
			PublicKey:        testX25519PublicKey(t),
			SigningPublicKey: base64.StdEncoding.EncodeToString(pub),
		}),
	}))

	var challengeFrame Frame
	require.NoError(t, conn.ReadJSON(&challengeFrame))
	require.Equal(t, FrameRegisterChallenge, challengeFrame.Type)

	var challengeBody registerChallengePayload
	require.NoError(t, decodeJSON(challengeFrame.Payload, &challengeBody))

	// The client signs the decoded challenge bytes, not the base64 text
	// it was handed (spec section 4.2 and the end-to-end handshake
	// scenario).
	rawChallenge, err := base64.StdEncoding.DecodeString(challengeBody.Challenge)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, rawChallenge)

	require.NoError(t, conn.WriteJSON(Frame{
		Type:    FrameRegisterProof,
		Payload: mustJSON(t, registerProofPayload{Signature: base64.StdEncoding.EncodeToString(sig)}),
	}))

	var ackFrame Frame
	require.NoError(t, conn.ReadJSON(&ackFrame))
	require.Equal(t, FrameRegisterAck, ackFrame.Type)

	var ackBody registerAckPayload
	require.NoError(t, decodeJSON(ackFrame.Payload, &ackBody))
	require.True(t, ackBody.Success)

	return conn, priv
}

func TestRegisterHandshakeSucceeds(t *testing.T) {
	ts, _ := newTestServer(t)
	conn, _ := dialAndRegister(t, ts, "WSP-AAAA-BBBB-CCCC")
	defer conn.Close()
}

func TestRegisterRejectsMalformedWhisperID(t *testing.T) {
	ts, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Frame{
		Type:    FrameRegister,
		Payload: mustJSON(t, registerPayload{WhisperID: "not-a-valid-id"}),
	}))

	var errFrame Frame
	require.NoError(t, conn.ReadJSON(&errFrame))
	require.Equal(t, FrameError, errFrame.Type)

	var body errorPayload
	require.NoError(t, decodeJSON(errFrame.Payload, &body))
	require.Equal(t, "INVALID_WHISPER_ID", body.Code)
}

func TestMalformedJSONFrameKeepsSocketOpen(t *testing.T) {
	ts, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json at all")))

	var errFrame Frame
	require.NoError(t, conn.ReadJSON(&errFrame))
	require.Equal(t, FrameError, errFrame.Type)

	var body errorPayload
	require.NoError(t, decodeJSON(errFrame.Payload, &body))
	require.Equal(t, "PARSE_ERROR", body.Code)

	// The socket stays open: a subsequent well-formed frame is still
	// dispatched normally (this socket never registered, so it gets the
	// ordinary NOT_REGISTERED gate rather than a dead connection).
	require.NoError(t, conn.WriteJSON(Frame{Type: FramePing}))
	var next Frame
	require.NoError(t, conn.ReadJSON(&next))
	require.Equal(t, FrameError, next.Type)

	var nextBody errorPayload
	require.NoError(t, decodeJSON(next.Payload, &nextBody))
	require.Equal(t, "NOT_REGISTERED", nextBody.Code)
}

func TestPingReceivesPong(t *testing.T) {
	ts, _ := newTestServer(t)
	conn, _ := dialAndRegister(t, ts, "WSP-AAAA-BBBB-CCCC")
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Frame{Type: FramePing}))

	var pong Frame
	require.NoError(t, conn.ReadJSON(&pong))
	require.Equal(t, FramePong, pong.Type)
}

func TestSendMessageDeliveredBetweenTwoConnections(t *testing.T) {
	ts, _ := newTestServer(t)

	connA, _ := dialAndRegister(t, ts, "WSP-AAAA-AAAA-AAAA")
	defer connA.Close()
	connB, _ := dialAndRegister(t, ts, "WSP-BBBB-BBBB-BBBB")
	defer connB.Close()

	require.NoError(t, connA.WriteJSON(Frame{
		Type: FrameSendMessage,
		Payload: mustJSON(t, sendMessagePayload{
			MessageID:        "msg-1",
			ToWhisperID:      "WSP-BBBB-BBBB-BBBB",
			EncryptedContent: "encrypted-blob",
			Nonce:            "nonce-value",
		}),
	}))

	connB.SetReadDeadline(time.Now().Add(5 * time.Second))
	var received Frame
	require.NoError(t, connB.ReadJSON(&received))
	require.Equal(t, FrameMessageReceived, received.Type)

	var env queue.Envelope
	require.NoError(t, decodeJSON(received.Payload, &env))
	require.Equal(t, "encrypted-blob", env.EncryptedContent)

	connA.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack Frame
	require.NoError(t, connA.ReadJSON(&ack))
	require.Equal(t, FrameMessageDelivered, ack.Type)

	var ackBody messageDeliveredPayload
	require.NoError(t, decodeJSON(ack.Payload, &ackBody))
	require.Equal(t, "delivered", ackBody.Status)
}

func TestUnregisteredSocketGetsNotRegisteredError(t *testing.T) {
	ts, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Frame{
		Type: FrameSendMessage,
		Payload: mustJSON(t, sendMessagePayload{
			ToWhisperID:      "WSP-BBBB-BBBB-BBBB",
			EncryptedContent: "x",
		}),
	}))

	var errFrame Frame
	require.NoError(t, conn.ReadJSON(&errFrame))
	require.Equal(t, FrameError, errFrame.Type)

	var body errorPayload
	require.NoError(t, decodeJSON(errFrame.Payload, &body))
	require.Equal(t, "NOT_REGISTERED", body.Code)
}

func TestDisconnectDuringCallSignalsPeer(t *testing.T) {
	ts, _ := newTestServer(t)

	caller, _ := dialAndRegister(t, ts, "WSP-AAAA-AAAA-AAAA")
	callee, _ := dialAndRegister(t, ts, "WSP-BBBB-BBBB-BBBB")
	defer callee.Close()

	require.NoError(t, caller.WriteJSON(Frame{
		Type: FrameCallInitiate,
		Payload: mustJSON(t, callInitiatePayload{
			ToWhisperID: "WSP-BBBB-BBBB-BBBB",
			CallID:      "call-xyz",
			Offer:       "sdp-offer",
		}),
	}))

	callee.SetReadDeadline(time.Now().Add(5 * time.Second))
	var incoming Frame
	require.NoError(t, callee.ReadJSON(&incoming))
	require.Equal(t, FrameIncomingCall, incoming.Type)

	caller.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ringing Frame
	require.NoError(t, caller.ReadJSON(&ringing))
	require.Equal(t, FrameCallRinging, ringing.Type)

	require.NoError(t, caller.Close())

	callee.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ended Frame
	require.NoError(t, callee.ReadJSON(&ended))
	require.Equal(t, FrameCallEnded, ended.Type)

	var body callEndedPayload
	require.NoError(t, decodeJSON(ended.Payload, &body))
	require.Equal(t, "WSP-AAAA-AAAA-AAAA", body.FromWhisperID)
	require.Equal(t, "call-xyz", body.CallID)
}

func TestBlockedSenderGetsBlockedError(t *testing.T) {
	ts, srv := newTestServer(t)

	connA, _ := dialAndRegister(t, ts, "WSP-AAAA-AAAA-AAAA")
	defer connA.Close()
	connB, _ := dialAndRegister(t, ts, "WSP-BBBB-BBBB-BBBB")
	defer connB.Close()

	require.NoError(t, srv.Blocks.Block(context.Background(), "WSP-BBBB-BBBB-BBBB", "WSP-AAAA-AAAA-AAAA"))

	require.NoError(t, connA.WriteJSON(Frame{
		Type: FrameSendMessage,
		Payload: mustJSON(t, sendMessagePayload{
			MessageID:        "msg-2",
			ToWhisperID:      "WSP-BBBB-BBBB-BBBB",
			EncryptedContent: "encrypted-blob",
			Nonce:            "nonce-value",
		}),
	}))

	connA.SetReadDeadline(time.Now().Add(5 * time.Second))
	var errFrame Frame
	require.NoError(t, connA.ReadJSON(&errFrame))
	require.Equal(t, FrameError, errFrame.Type)

	var body errorPayload
	require.NoError(t, decodeJSON(errFrame.Payload, &body))
	require.Equal(t, "BLOCKED", body.Code)
}

// TestDeleteAccountClearsQueuedMessages verifies spec section 4.8's
// account-deletion contract: queued envelopes belonging to a deleted
// account must not survive the deletion.
func TestDeleteAccountClearsQueuedMessages(t *testing.T) {
	ts, srv := newTestServer(t)

	victim, victimKey := dialAndRegister(t, ts, "WSP-BBBB-BBBB-BBBB")

	// Simulate a message enqueued by another server instance via cross-
	// instance pub/sub that has not yet been drained to victim's live
	// socket — the scenario spec section 4.8 guards against.
	_, err := srv.Queue.Enqueue(context.Background(), "WSP-BBBB-BBBB-BBBB", queue.Envelope{
		FromWhisperID:    "WSP-AAAA-AAAA-AAAA",
		EncryptedContent: "ct",
		Nonce:            "n",
	})
	require.NoError(t, err)

	n, err := srv.Queue.Len(context.Background(), "WSP-BBBB-BBBB-BBBB")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	ts2 := time.Now().Unix()
	sig := ed25519.Sign(victimKey, []byte("DELETE_MY_ACCOUNT:"+strconv.FormatInt(ts2, 10)))
	require.NoError(t, victim.WriteJSON(Frame{
		Type: FrameDeleteAccount,
		Payload: mustJSON(t, deleteAccountPayload{
			Confirmation: "DELETE_MY_ACCOUNT",
			Timestamp:    ts2,
			Signature:    base64.StdEncoding.EncodeToString(sig),
		}),
	}))

	victim.SetReadDeadline(time.Now().Add(5 * time.Second))
	var deleted Frame
	require.NoError(t, victim.ReadJSON(&deleted))
	require.Equal(t, FrameAccountDeleted, deleted.Type)

	n, err = srv.Queue.Len(context.Background(), "WSP-BBBB-BBBB-BBBB")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	_, present, err := srv.Store.Get(context.Background(), kv.Keys.Registered("WSP-BBBB-BBBB-BBBB"))
	require.NoError(t, err)
	require.False(t, present, "registered:<wid> should not survive account deletion")
}
