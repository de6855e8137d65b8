package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func signChallenge(t *testing.T, priv ed25519.PrivateKey, challenge string) string {
	t.Helper()
	sig := ed25519.Sign(priv, []byte(challenge))
	return base64.StdEncoding.EncodeToString(sig)
}

func newRegistration(t *testing.T) (Registration, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return Registration{
		WhisperID:        "WSP-AAAA-BBBB-CCCC",
		SigningPublicKey: base64.StdEncoding.EncodeToString(pub),
	}, priv
}

func TestRegisterThenProofSucceeds(t *testing.T) {
	s := NewService()
	defer s.Stop()

	reg, priv := newRegistration(t)
	challenge, err := s.BeginChallenge("sock-1", reg)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(challenge)
	require.NoError(t, err)

	sig := signChallenge(t, priv, string(raw))
	got, err := s.VerifyProof("sock-1", sig)
	require.NoError(t, err)
	require.Equal(t, reg.WhisperID, got.WhisperID)
}

func TestBitFlippedSignatureFails(t *testing.T) {
	s := NewService()
	defer s.Stop()

	reg, priv := newRegistration(t)
	challenge, err := s.BeginChallenge("sock-1", reg)
	require.NoError(t, err)

	raw, _ := base64.StdEncoding.DecodeString(challenge)
	sigBytes := ed25519.Sign(priv, raw)
	sigBytes[0] ^= 0xFF
	sig := base64.StdEncoding.EncodeToString(sigBytes)

	_, err = s.VerifyProof("sock-1", sig)
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestProofWithoutChallengeFails(t *testing.T) {
	s := NewService()
	defer s.Stop()

	_, err := s.VerifyProof("never-registered", "anything")
	require.ErrorIs(t, err, ErrNoChallenge)
}

func TestExpiredChallengeFails(t *testing.T) {
	s := NewService()
	defer s.Stop()

	frozen := time.Now()
	s.now = func() time.Time { return frozen }

	reg, priv := newRegistration(t)
	challenge, err := s.BeginChallenge("sock-1", reg)
	require.NoError(t, err)

	s.now = func() time.Time { return frozen.Add(31 * time.Second) }

	raw, _ := base64.StdEncoding.DecodeString(challenge)
	sig := signChallenge(t, priv, string(raw))

	_, err = s.VerifyProof("sock-1", sig)
	require.ErrorIs(t, err, ErrChallengeExpired)
}

func TestReplayedProofCannotSucceedTwice(t *testing.T) {
	s := NewService()
	defer s.Stop()

	reg, priv := newRegistration(t)
	challenge, err := s.BeginChallenge("sock-1", reg)
	require.NoError(t, err)

	raw, _ := base64.StdEncoding.DecodeString(challenge)
	sig := signChallenge(t, priv, string(raw))

	_, err = s.VerifyProof("sock-1", sig)
	require.NoError(t, err)

	_, err = s.VerifyProof("sock-1", sig)
	require.ErrorIs(t, err, ErrNoChallenge)
}

func TestReplayingYesterdaysSignatureFails(t *testing.T) {
	s := NewService()
	defer s.Stop()

	reg, priv := newRegistration(t)

	// Sign yesterday's challenge bytes directly rather than today's.
	staleSig := signChallenge(t, priv, "a-stale-challenge-value")

	_, err := s.BeginChallenge("sock-1", reg)
	require.NoError(t, err)

	_, err = s.VerifyProof("sock-1", staleSig)
	require.ErrorIs(t, err, ErrAuthFailed)
}
