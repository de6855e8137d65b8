// Package crypto implements the cryptographic primitives the relay itself
// needs to perform: verifying that a claimed Whisper ID controls the
// signing key it claims, and minting short-lived TURN credentials. The
// relay never holds or derives a shared secret for message content — all
// payload encryption happens on client devices — so this package is
// deliberately narrow next to a client-side crypto library.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ChallengeSize is the number of random bytes handed to a client to sign
// during the register/register_proof handshake.
const ChallengeSize = 32

// NewChallenge generates ChallengeSize cryptographically random bytes and
// returns their base64 encoding, ready to ship in a register_challenge frame.
func NewChallenge() (string, error) {
	buf := make([]byte, ChallengeSize)
	if _, err := rand.Read(buf); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewChallenge",
			"error":    err.Error(),
		}).Error("failed to read random bytes for challenge")
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
