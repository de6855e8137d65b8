// Package presence implements the Connection Manager: the live-socket
// table bound to authenticated Whisper IDs, the Active/Registered
// presence tiers mirrored into the KV store for cross-instance
// visibility, and the one-socket-per-user eviction rule.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fatihtunali/whisper-relay/kv"
	"github.com/sirupsen/logrus"
)

// ActiveTTL is the presence:<wid> KV entry lifetime, refreshed on every
// ping. It drives real-time routing decisions across instances.
const ActiveTTL = 5 * time.Minute

// RegisteredTTL is the registered:<wid> KV entry lifetime, refreshed on
// any successful authentication. It feeds admin counts only and never
// affects routing.
const RegisteredTTL = 24 * time.Hour

// IdleTimeout is how long a socket may go without a ping before the
// stale-connection sweep closes it.
const IdleTimeout = 2 * time.Minute

// SweepInterval is how often the stale-connection sweep runs.
const SweepInterval = 60 * time.Second

// PrivacyPrefs mirrors the client-controlled privacy toggles carried on
// every session.
type PrivacyPrefs struct {
	SendReadReceipts    bool
	SendTypingIndicator bool
	HideOnlineStatus    bool
}

// Emitter is the narrow capability the Connection Manager needs from a
// live socket: the ability to push a frame to it and to close it with a
// reason. The WebSocket front-end implements this; tests use a fake.
type Emitter interface {
	Send(frameType string, payload interface{}) error
	Close(code int, reason string) error
}

// Session is a live, authenticated WebSocket connection.
type Session struct {
	SocketID    string
	WhisperID   string
	ConnectedAt time.Time
	LastPing    time.Time
	Platform    string
	Prefs       PrivacyPrefs
	Emitter     Emitter
}

// Manager holds the mapping from Whisper ID to live Session. The map
// itself is local to one server instance — spec section 5 is explicit
// that cross-instance delivery goes through KV pub/sub, never through a
// remote call into another instance's in-memory table.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store    kv.Store
	now      func() time.Time
	stopChan chan struct{}
}

// New creates a Manager backed by store and starts its stale-connection
// sweep.
func New(store kv.Store) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		store:    store,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Stop halts the background sweep.
func (m *Manager) Stop() {
	close(m.stopChan)
}

// Register binds sess to its WhisperID. If a prior session already holds
// that Whisper ID, it is evicted (closed with reason "New connection
// established") and returned so the caller can finish tearing it down.
func (m *Manager) Register(ctx context.Context, sess *Session) (evicted *Session) {
	m.mu.Lock()
	evicted = m.sessions[sess.WhisperID]
	m.sessions[sess.WhisperID] = sess
	m.mu.Unlock()

	if evicted != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Register",
			"whisper_id": sess.WhisperID,
			"old_socket": evicted.SocketID,
			"new_socket": sess.SocketID,
		}).Info("presence: superseding prior session")
		_ = evicted.Emitter.Close(1000, "New connection established")
	}

	m.touchActive(ctx, sess.WhisperID)
	m.touchRegistered(ctx, sess.WhisperID)

	return evicted
}

// Unregister removes sess if it is still the session bound to its
// Whisper ID (a superseded session must not unregister the session that
// replaced it).
func (m *Manager) Unregister(ctx context.Context, sess *Session) {
	m.mu.Lock()
	current, ok := m.sessions[sess.WhisperID]
	if ok && current.SocketID == sess.SocketID {
		delete(m.sessions, sess.WhisperID)
	}
	m.mu.Unlock()

	if err := m.store.Delete(ctx, kv.Keys.Presence(sess.WhisperID)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Unregister",
			"whisper_id": sess.WhisperID,
			"error":      err.Error(),
		}).Warn("presence: failed to clear presence key")
	}
}

// Get returns the live session bound to whisperID, if this instance
// holds it locally.
func (m *Manager) Get(whisperID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[whisperID]
	return sess, ok
}

// OnlineCount returns the number of sockets held live by this
// instance. It is process-local, the same scope as the sessions map
// it reads — admin's /stats endpoint reports it per-instance rather
// than cluster-wide, since the KV store this relay depends on exposes
// no primitive for enumerating every presence:<wid> key across
// instances.
func (m *Manager) OnlineCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Ping refreshes a session's last-ping time and the active presence TTL.
func (m *Manager) Ping(ctx context.Context, whisperID string) {
	m.mu.Lock()
	sess, ok := m.sessions[whisperID]
	if ok {
		sess.LastPing = m.now()
	}
	m.mu.Unlock()

	if ok {
		m.touchActive(ctx, whisperID)
	}
}

// IsOnline reports whether whisperID appears online to a querying peer.
// A user held by this instance who has set HideOnlineStatus reports
// offline here even though routing still delivers to their live socket
// — see Get. For a user held by another instance the answer comes from
// the presence key alone, which does not record that preference.
func (m *Manager) IsOnline(ctx context.Context, whisperID string) (bool, error) {
	m.mu.RLock()
	sess, ok := m.sessions[whisperID]
	m.mu.RUnlock()

	if ok {
		return !sess.Prefs.HideOnlineStatus, nil
	}

	_, present, err := m.store.Get(ctx, kv.Keys.Presence(whisperID))
	if err != nil {
		return false, err
	}
	return present, nil
}

// PurgeAccount clears every presence trace of whisperID, including the
// 24-hour Registered tier that a plain disconnect (Unregister) leaves
// alone. Account deletion (spec section 4.8: "remove from presence...
// stores") must not leave a stale registered:<wid> key lingering for up
// to a day after the account no longer exists.
func (m *Manager) PurgeAccount(ctx context.Context, whisperID string) error {
	var errs []error
	if err := m.store.Delete(ctx, kv.Keys.Presence(whisperID)); err != nil {
		errs = append(errs, err)
	}
	if err := m.store.Delete(ctx, kv.Keys.Registered(whisperID)); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("presence: purge account: %v", errs)
	}
	return nil
}

func (m *Manager) touchActive(ctx context.Context, whisperID string) {
	if err := m.store.Set(ctx, kv.Keys.Presence(whisperID), "1", ActiveTTL); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "touchActive",
			"whisper_id": whisperID,
			"error":      err.Error(),
		}).Warn("presence: failed to refresh active TTL")
	}
}

func (m *Manager) touchRegistered(ctx context.Context, whisperID string) {
	if err := m.store.Set(ctx, kv.Keys.Registered(whisperID), "1", RegisteredTTL); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "touchRegistered",
			"whisper_id": whisperID,
			"error":      err.Error(),
		}).Warn("presence: failed to refresh registered TTL")
	}
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.sweepStale()
		}
	}
}

// sweepStale closes any session whose last ping is older than
// IdleTimeout. The sweep is idempotent — closing an already-closed
// emitter is expected to be a no-op — and always runs the normal
// disconnect path via Unregister rather than special-casing timeouts.
func (m *Manager) sweepStale() {
	cutoff := m.now().Add(-IdleTimeout)

	m.mu.RLock()
	var stale []*Session
	for _, sess := range m.sessions {
		if sess.LastPing.Before(cutoff) {
			stale = append(stale, sess)
		}
	}
	m.mu.RUnlock()

	for _, sess := range stale {
		logrus.WithFields(logrus.Fields{
			"function":   "sweepStale",
			"whisper_id": sess.WhisperID,
			"socket_id":  sess.SocketID,
		}).Info("presence: closing idle connection")
		_ = sess.Emitter.Close(1000, "idle timeout")
		m.Unregister(context.Background(), sess)
	}
}
