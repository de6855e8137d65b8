// Package call implements the Call Queue described in spec sections 2.9
// and 4.7: at most one pending call offer per callee with a 60-second
// TTL, consumed exactly once when the callee comes online. Live signal
// forwarding (answer, ICE candidates, end) needs no KV state — every
// such frame already names its target Whisper ID, so the wsapi handlers
// forward it directly through the presence table. The package also keeps
// a process-local in-flight call table (StartCall/EndCall/CallsInvolving)
// so a dropped socket can be reported to the peer as call_ended.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fatihtunali/whisper-relay/kv"
	"github.com/sirupsen/logrus"
)

// OfferTTL is how long a pending call offer waits for the callee to come
// online before it is silently discarded.
const OfferTTL = 60 * time.Second

// SweepInterval is the 10-second offer sweep cadence. No goroutine in
// this package runs a sweep: an offer expires through the KV key's own
// TTL (OfferTTL) and the age check in TakePendingOffer.
const SweepInterval = 10 * time.Second

// Offer is a pending incoming-call notification waiting for its callee
// to come online. The call ID is client-chosen (the caller mints it) so
// that answer/ICE/end frames can reference the same call without the
// server inventing an identifier of its own.
type Offer struct {
	ID         string    `json:"id"`
	CallerID   string    `json:"callerId"`
	CalleeID   string    `json:"calleeId"`
	SDP        string    `json:"sdp"`
	IsVideo    bool      `json:"isVideo"`
	CallerName string    `json:"callerName,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// LiveCall records the two parties of a call whose signaling is
// in-flight between two locally-held sockets. Unlike pending offers
// this is process-local, not KV-backed: it exists only to let a
// disconnect on either leg notify the other (spec section 4.7, "a
// socket close during an in-flight call is treated as an end signal to
// the peer"), the same local-only scope as presence.Manager's session
// table.
type LiveCall struct {
	CallerID string
	CalleeID string
}

// Manager tracks at most one pending call offer per callee, plus the
// set of calls currently in-flight between two locally-held sockets.
// Pending-offer state lives in the shared KV store, not in memory,
// since the caller and callee sockets may be bound to different server
// instances; live-call tracking is local by necessity since it is only
// meaningful to the instance holding both legs.
type Manager struct {
	store kv.Store
	now   func() time.Time

	mu   sync.Mutex
	live map[string]LiveCall
}

// New creates a Manager backed by store.
func New(store kv.Store) *Manager {
	return &Manager{store: store, now: time.Now, live: make(map[string]LiveCall)}
}

// StartCall records that callID is now in-flight between caller and
// callee. Called once the caller's offer has been forwarded live (an
// offer that only reaches the Call Queue because the callee is offline
// has no in-flight peer to notify yet).
func (m *Manager) StartCall(callID, caller, callee string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[callID] = LiveCall{CallerID: caller, CalleeID: callee}
}

// EndCall removes callID from the in-flight set. Idempotent.
func (m *Manager) EndCall(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, callID)
}

// EndedCall is one in-flight call torn down by a disconnecting socket.
type EndedCall struct {
	CallID string
	LiveCall
}

// CallsInvolving returns, and removes, every in-flight call naming
// whisperId as either party. Used on disconnect: each returned call's
// other party is the one that needs a synthesized call_ended.
func (m *Manager) CallsInvolving(whisperID string) []EndedCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []EndedCall
	for id, lc := range m.live {
		if lc.CallerID == whisperID || lc.CalleeID == whisperID {
			out = append(out, EndedCall{CallID: id, LiveCall: lc})
			delete(m.live, id)
		}
	}
	return out
}

// QueueOffer stores a pending offer for calleeID, superseding any
// previous one — the spec is explicit that a new offer replaces the
// prior pending offer rather than queueing both.
func (m *Manager) QueueOffer(ctx context.Context, callID, callerID, calleeID, sdp string, isVideo bool, callerName string) error {
	offer := Offer{
		ID:         callID,
		CallerID:   callerID,
		CalleeID:   calleeID,
		SDP:        sdp,
		IsVideo:    isVideo,
		CallerName: callerName,
		CreatedAt:  m.now(),
	}

	raw, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("call: encode offer: %w", err)
	}
	if err := m.store.Set(ctx, kv.Keys.CallOffer(calleeID), string(raw), OfferTTL); err != nil {
		return fmt.Errorf("call: store offer: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "QueueOffer",
		"call_id":  callID,
		"caller":   callerID,
		"callee":   calleeID,
	}).Info("call: offer queued for offline callee")

	return nil
}

// TakePendingOffer returns and clears the pending offer for calleeID, if
// any and if it has not expired. Called once, immediately after a
// successful authentication.
func (m *Manager) TakePendingOffer(ctx context.Context, calleeID string) (Offer, bool, error) {
	raw, ok, err := m.store.Get(ctx, kv.Keys.CallOffer(calleeID))
	if err != nil {
		return Offer{}, false, fmt.Errorf("call: get offer: %w", err)
	}
	if !ok {
		return Offer{}, false, nil
	}
	if err := m.store.Delete(ctx, kv.Keys.CallOffer(calleeID)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "TakePendingOffer",
			"callee":   calleeID,
			"error":    err.Error(),
		}).Warn("call: failed to clear consumed offer")
	}

	var offer Offer
	if err := json.Unmarshal([]byte(raw), &offer); err != nil {
		return Offer{}, false, fmt.Errorf("call: decode offer: %w", err)
	}
	if m.now().After(offer.CreatedAt.Add(OfferTTL)) {
		return Offer{}, false, nil
	}
	return offer, true, nil
}
