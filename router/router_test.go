package router

import (
	"context"
	"testing"
	"time"

	"github.com/fatihtunali/whisper-relay/block"
	"github.com/fatihtunali/whisper-relay/directory"
	"github.com/fatihtunali/whisper-relay/kv"
	"github.com/fatihtunali/whisper-relay/presence"
	"github.com/fatihtunali/whisper-relay/queue"
	"github.com/stretchr/testify/require"
)

type recordingEmitter struct {
	sent []string
}

func (e *recordingEmitter) Send(frameType string, payload interface{}) error {
	e.sent = append(e.sent, frameType)
	return nil
}

func (e *recordingEmitter) Close(code int, reason string) error { return nil }

func newTestRouter(t *testing.T) (*Router, *presence.Manager, kv.Store) {
	t.Helper()
	store := kv.NewMemoryStore()
	pm := presence.New(store)
	t.Cleanup(pm.Stop)
	blocks := block.New(store)
	q := queue.New(store)
	dir := directory.New(store)
	r := New(store, pm, blocks, q, dir, nil)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return r, pm, store
}

func TestRouteDeliversLiveWhenRecipientOnline(t *testing.T) {
	ctx := context.Background()
	r, pm, _ := newTestRouter(t)

	em := &recordingEmitter{}
	pm.Register(ctx, &presence.Session{SocketID: "s1", WhisperID: "WSP-BBBB", Emitter: em})

	status, err := r.Route(ctx, queue.Envelope{FromWhisperID: "WSP-AAAA", ToWhisperID: "WSP-BBBB", EncryptedContent: "ct"})
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, status)
	require.Contains(t, em.sent, "message_received")
}

func TestRouteDropsMessageBetweenBlockedParties(t *testing.T) {
	ctx := context.Background()
	r, pm, store := newTestRouter(t)

	em := &recordingEmitter{}
	pm.Register(ctx, &presence.Session{SocketID: "s1", WhisperID: "WSP-BBBB", Emitter: em})

	blocks := block.New(store)
	require.NoError(t, blocks.Block(ctx, "WSP-BBBB", "WSP-AAAA"))

	_, err := r.Route(ctx, queue.Envelope{FromWhisperID: "WSP-AAAA", ToWhisperID: "WSP-BBBB", EncryptedContent: "ct"})
	require.ErrorIs(t, err, ErrBlocked)
	require.Empty(t, em.sent)
}

func TestRouteQueuesForOfflineRecipient(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRouter(t)

	status, err := r.Route(ctx, queue.Envelope{FromWhisperID: "WSP-AAAA", ToWhisperID: "WSP-BBBB", EncryptedContent: "ct"})
	require.NoError(t, err)
	require.Equal(t, StatusPending, status)
}

func TestRouteDedupSkipsRepeatMessageID(t *testing.T) {
	ctx := context.Background()
	r, pm, _ := newTestRouter(t)
	r.SetDedupWindow(time.Minute)

	em := &recordingEmitter{}
	pm.Register(ctx, &presence.Session{SocketID: "s1", WhisperID: "WSP-BBBB", Emitter: em})

	status, err := r.Route(ctx, queue.Envelope{ID: "msg-dup", FromWhisperID: "WSP-AAAA", ToWhisperID: "WSP-BBBB", EncryptedContent: "ct"})
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, status)
	require.Len(t, em.sent, 1)

	status, err = r.Route(ctx, queue.Envelope{ID: "msg-dup", FromWhisperID: "WSP-AAAA", ToWhisperID: "WSP-BBBB", EncryptedContent: "ct"})
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, status)
	require.Len(t, em.sent, 1, "a repeated message ID within the dedup window must not be redelivered")
}

func TestRouteReceiptRejectsMisroutedSender(t *testing.T) {
	ctx := context.Background()
	r, pm, _ := newTestRouter(t)

	em := &recordingEmitter{}
	pm.Register(ctx, &presence.Session{SocketID: "s1", WhisperID: "WSP-AAAA", Emitter: em})

	_, err := r.Route(ctx, queue.Envelope{ID: "msg-1", FromWhisperID: "WSP-AAAA", ToWhisperID: "WSP-BBBB", EncryptedContent: "ct"})
	require.NoError(t, err)

	err = r.RouteReceipt(ctx, ReceiptDelivered, "msg-1", "WSP-CCCC")
	require.Error(t, err)
	var misrouted *ErrReceiptMisrouted
	require.ErrorAs(t, err, &misrouted)
}

func TestRouteReceiptDeliversToOriginalSender(t *testing.T) {
	ctx := context.Background()
	r, pm, _ := newTestRouter(t)

	senderEm := &recordingEmitter{}
	pm.Register(ctx, &presence.Session{SocketID: "s1", WhisperID: "WSP-AAAA", Emitter: senderEm})

	_, err := r.Route(ctx, queue.Envelope{ID: "msg-1", FromWhisperID: "WSP-AAAA", ToWhisperID: "WSP-BBBB", EncryptedContent: "ct"})
	require.NoError(t, err)

	err = r.RouteReceipt(ctx, ReceiptDelivered, "msg-1", "WSP-BBBB")
	require.NoError(t, err)
	require.Contains(t, senderEm.sent, "delivery_status")
}
