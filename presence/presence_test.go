package presence

import (
	"context"
	"testing"
	"time"

	"github.com/fatihtunali/whisper-relay/kv"
	"github.com/stretchr/testify/require"
)

type fakeEmitter struct {
	closed     bool
	closeCode  int
	closeMsg   string
	sentFrames []string
}

func (f *fakeEmitter) Send(frameType string, payload interface{}) error {
	f.sentFrames = append(f.sentFrames, frameType)
	return nil
}

func (f *fakeEmitter) Close(code int, reason string) error {
	f.closed = true
	f.closeCode = code
	f.closeMsg = reason
	return nil
}

func newSession(whisperID, socketID string) (*Session, *fakeEmitter) {
	em := &fakeEmitter{}
	return &Session{
		SocketID:    socketID,
		WhisperID:   whisperID,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
		Emitter:     em,
	}, em
}

func TestRegisterBindsSession(t *testing.T) {
	ctx := context.Background()
	m := New(kv.NewMemoryStore())
	defer m.Stop()

	sess, _ := newSession("WSP-AAAA-BBBB-CCCC", "sock-1")
	evicted := m.Register(ctx, sess)
	require.Nil(t, evicted)

	got, ok := m.Get("WSP-AAAA-BBBB-CCCC")
	require.True(t, ok)
	require.Equal(t, "sock-1", got.SocketID)
}

func TestOnlineCountReflectsLocalSessions(t *testing.T) {
	ctx := context.Background()
	m := New(kv.NewMemoryStore())
	defer m.Stop()

	require.Equal(t, 0, m.OnlineCount())

	a, _ := newSession("WSP-AAAA-BBBB-CCCC", "sock-1")
	m.Register(ctx, a)
	require.Equal(t, 1, m.OnlineCount())

	b, _ := newSession("WSP-DDDD-EEEE-FFFF", "sock-2")
	m.Register(ctx, b)
	require.Equal(t, 2, m.OnlineCount())

	m.Unregister(ctx, a)
	require.Equal(t, 1, m.OnlineCount())
}

func TestRegisterEvictsPriorSession(t *testing.T) {
	ctx := context.Background()
	m := New(kv.NewMemoryStore())
	defer m.Stop()

	first, firstEmitter := newSession("WSP-AAAA-BBBB-CCCC", "sock-1")
	m.Register(ctx, first)

	second, _ := newSession("WSP-AAAA-BBBB-CCCC", "sock-2")
	evicted := m.Register(ctx, second)

	require.NotNil(t, evicted)
	require.Equal(t, "sock-1", evicted.SocketID)
	require.True(t, firstEmitter.closed)

	got, ok := m.Get("WSP-AAAA-BBBB-CCCC")
	require.True(t, ok)
	require.Equal(t, "sock-2", got.SocketID)
}

func TestUnregisterIgnoresSupersededSession(t *testing.T) {
	ctx := context.Background()
	m := New(kv.NewMemoryStore())
	defer m.Stop()

	first, _ := newSession("WSP-AAAA-BBBB-CCCC", "sock-1")
	m.Register(ctx, first)

	second, _ := newSession("WSP-AAAA-BBBB-CCCC", "sock-2")
	m.Register(ctx, second)

	// The evicted session's own disconnect handler must not unregister
	// the session that replaced it.
	m.Unregister(ctx, first)

	got, ok := m.Get("WSP-AAAA-BBBB-CCCC")
	require.True(t, ok)
	require.Equal(t, "sock-2", got.SocketID)
}

// TestPurgeAccountClearsRegisteredTier verifies PurgeAccount removes the
// 24-hour Registered tier that a plain Unregister leaves in place.
func TestPurgeAccountClearsRegisteredTier(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	m := New(store)
	defer m.Stop()

	sess, _ := newSession("WSP-AAAA-BBBB-DDDD", "sock-1")
	m.Register(ctx, sess)

	_, present, err := store.Get(ctx, kv.Keys.Registered("WSP-AAAA-BBBB-DDDD"))
	require.NoError(t, err)
	require.True(t, present)

	m.Unregister(ctx, sess)

	// A plain disconnect must not touch the Registered tier.
	_, present, err = store.Get(ctx, kv.Keys.Registered("WSP-AAAA-BBBB-DDDD"))
	require.NoError(t, err)
	require.True(t, present)

	require.NoError(t, m.PurgeAccount(ctx, "WSP-AAAA-BBBB-DDDD"))

	_, present, err = store.Get(ctx, kv.Keys.Registered("WSP-AAAA-BBBB-DDDD"))
	require.NoError(t, err)
	require.False(t, present)

	_, present, err = store.Get(ctx, kv.Keys.Presence("WSP-AAAA-BBBB-DDDD"))
	require.NoError(t, err)
	require.False(t, present)
}

func TestIsOnlineRespectsHideOnlineStatus(t *testing.T) {
	ctx := context.Background()
	m := New(kv.NewMemoryStore())
	defer m.Stop()

	sess, _ := newSession("WSP-AAAA-BBBB-CCCC", "sock-1")
	sess.Prefs.HideOnlineStatus = true
	m.Register(ctx, sess)

	online, err := m.IsOnline(ctx, "WSP-AAAA-BBBB-CCCC")
	require.NoError(t, err)
	require.False(t, online)

	// Routing still sees the live session regardless of the preference.
	_, ok := m.Get("WSP-AAAA-BBBB-CCCC")
	require.True(t, ok)
}

func TestSweepStaleClosesIdleConnections(t *testing.T) {
	ctx := context.Background()
	m := New(kv.NewMemoryStore())
	defer m.Stop()

	frozen := time.Now()
	m.now = func() time.Time { return frozen }

	sess, emitter := newSession("WSP-AAAA-BBBB-CCCC", "sock-1")
	sess.LastPing = frozen.Add(-3 * time.Minute)
	m.Register(ctx, sess)
	sess.LastPing = frozen.Add(-3 * time.Minute)

	m.sweepStale()

	require.True(t, emitter.closed)
	_, ok := m.Get("WSP-AAAA-BBBB-CCCC")
	require.False(t, ok)
}

func TestPingRefreshesLastPing(t *testing.T) {
	ctx := context.Background()
	m := New(kv.NewMemoryStore())
	defer m.Stop()

	sess, _ := newSession("WSP-AAAA-BBBB-CCCC", "sock-1")
	sess.LastPing = time.Now().Add(-1 * time.Minute)
	m.Register(ctx, sess)

	before := sess.LastPing
	m.Ping(ctx, "WSP-AAAA-BBBB-CCCC")
	require.True(t, sess.LastPing.After(before))
}
