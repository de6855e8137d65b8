// Package auth implements the challenge-response handshake described in
// spec section 4.2: a socket claims a Whisper ID and a signing key, the
// server hands it a random challenge, and the socket proves possession of
// the matching private key by returning a detached Ed25519 signature.
package auth

import (
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/fatihtunali/whisper-relay/crypto"
	"github.com/sirupsen/logrus"
)

// ErrNoChallenge is returned when register_proof arrives without a prior
// register on the same socket.
var ErrNoChallenge = errors.New("auth: no pending challenge for this socket")

// ErrChallengeExpired is returned when register_proof arrives more than
// ChallengeTTL after its challenge was issued.
var ErrChallengeExpired = errors.New("auth: challenge expired")

// ErrAuthFailed is returned when the supplied signature does not verify.
var ErrAuthFailed = errors.New("auth: signature verification failed")

// ChallengeTTL is how long a pending challenge remains valid.
const ChallengeTTL = 30 * time.Second

// SweepInterval is how often expired challenges are purged from memory.
const SweepInterval = 60 * time.Second

// Registration carries everything a register frame supplies, beyond the
// identity being claimed: the fields needed to populate the directories
// and the session once the proof succeeds.
type Registration struct {
	WhisperID           string
	EncryptionPublicKey string
	SigningPublicKey    string
	PushToken           string
	VoIPToken           string
	Platform            string
}

// pendingChallenge is the in-memory record described in spec section 3.
// It is intentionally socket-local, not stored in the shared KV store:
// the challenge only matters to the one connection that requested it,
// and its lifetime (seconds) is far shorter than anything worth a
// cross-instance round trip.
type pendingChallenge struct {
	registration Registration
	challenge    string
	expiresAt    time.Time
}

// Service tracks one pending challenge per socket and verifies proofs
// against it.
type Service struct {
	mu       sync.Mutex
	pending  map[string]pendingChallenge
	now      func() time.Time
	stopChan chan struct{}
}

// NewService creates an auth Service and starts its background sweep of
// expired challenges.
func NewService() *Service {
	s := &Service{
		pending:  make(map[string]pendingChallenge),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// BeginChallenge stores reg as the pending registration for socketID,
// mints a fresh random challenge, and returns it for the register_challenge
// frame. Any previously pending challenge for this socket is replaced.
func (s *Service) BeginChallenge(socketID string, reg Registration) (string, error) {
	challenge, err := crypto.NewChallenge()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.pending[socketID] = pendingChallenge{
		registration: reg,
		challenge:    challenge,
		expiresAt:    s.now().Add(ChallengeTTL),
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "BeginChallenge",
		"socket_id":  socketID,
		"whisper_id": reg.WhisperID,
	}).Debug("auth: challenge issued")

	return challenge, nil
}

// VerifyProof checks signatureB64 against the pending challenge for
// socketID. On any terminal outcome — success or failure — the pending
// challenge is removed, so a replayed proof never succeeds twice.
func (s *Service) VerifyProof(socketID, signatureB64 string) (Registration, error) {
	pc, ok := s.takePending(socketID)
	if !ok {
		return Registration{}, ErrNoChallenge
	}

	if s.now().After(pc.expiresAt) {
		return Registration{}, ErrChallengeExpired
	}

	// The challenge is handed to the client as base64 text (spec section
	// 4.2's register_challenge{challenge}), but spec section 8 and the
	// end-to-end handshake scenario are explicit that the client signs
	// the *decoded* 32 random bytes, not the base64 text itself. Decode
	// before verifying so a spec-conformant client's signature checks
	// out.
	raw, err := base64.StdEncoding.DecodeString(pc.challenge)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "VerifyProof",
			"socket_id": socketID,
			"error":     err.Error(),
		}).Warn("auth: stored challenge was not valid base64")
		return Registration{}, ErrAuthFailed
	}

	ok, err := crypto.VerifyDetached(pc.registration.SigningPublicKey, string(raw), signatureB64)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "VerifyProof",
			"socket_id": socketID,
			"error":     err.Error(),
		}).Warn("auth: malformed signature or key")
		return Registration{}, ErrAuthFailed
	}
	if !ok {
		return Registration{}, ErrAuthFailed
	}

	logrus.WithFields(logrus.Fields{
		"function":   "VerifyProof",
		"socket_id":  socketID,
		"whisper_id": pc.registration.WhisperID,
	}).Info("auth: proof verified")

	return pc.registration, nil
}

// Forget discards any pending challenge for socketID, called on socket
// close before a proof arrives.
func (s *Service) Forget(socketID string) {
	s.mu.Lock()
	delete(s.pending, socketID)
	s.mu.Unlock()
}

// Stop halts the background sweep.
func (s *Service) Stop() {
	close(s.stopChan)
}

func (s *Service) takePending(socketID string) (pendingChallenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pc, ok := s.pending[socketID]
	if ok {
		delete(s.pending, socketID)
	}
	return pc, ok
}

func (s *Service) sweepLoop() {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *Service) sweepExpired() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for socketID, pc := range s.pending {
		if now.After(pc.expiresAt) {
			delete(s.pending, socketID)
		}
	}
}
