package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// ErrInvalidKeyLength is returned when a base64-decoded public key is not
// exactly ed25519.PublicKeySize bytes.
var ErrInvalidKeyLength = errors.New("crypto: invalid public key length")

// VerifyDetached verifies a base64-encoded Ed25519 detached signature of
// message against a base64-encoded 32-byte public key. It never logs the
// signing key material — only its length, in keeping with the relay's
// zero-knowledge posture.
func VerifyDetached(publicKeyB64, message, signatureB64 string) (bool, error) {
	pubKey, err := decodeKey(publicKeyB64)
	if err != nil {
		return false, err
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, errors.New("crypto: malformed signature encoding")
	}

	if len(sig) != ed25519.SignatureSize {
		return false, errors.New("crypto: invalid signature length")
	}

	ok := ed25519.Verify(pubKey, []byte(message), sig)

	logrus.WithFields(logrus.Fields{
		"function": "VerifyDetached",
		"key_len":  len(pubKey),
		"verified": ok,
	}).Debug("ed25519 signature verification")

	return ok, nil
}

// decodeKey base64-decodes a 32-byte Ed25519 public key.
func decodeKey(keyB64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, errors.New("crypto: malformed public key encoding")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidKeyLength
	}
	return ed25519.PublicKey(raw), nil
}

// screenScalar is an arbitrary fixed scalar used only to probe a
// candidate X25519 public key for contributory behavior — it is never a
// real private key and no shared secret derived from it is ever used.
var screenScalar = [32]byte{
	1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
	17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32,
}

// ValidateX25519PublicKey checks that a base64-encoded encryption public
// key decodes to exactly 32 bytes and, when multiplied by a fixed probe
// scalar, does not produce the all-zero output that low-order points
// (the identity, or one of the other known small-subgroup elements)
// yield. The relay never performs the real Diffie-Hellman itself — that
// happens between clients — but it caches this key in the Public-Key
// Directory for other clients to fetch, so it rejects degenerate values
// up front instead of letting them reach a peer's key agreement.
func ValidateX25519PublicKey(keyB64 string) error {
	raw, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return errors.New("crypto: malformed encryption key encoding")
	}
	if len(raw) != 32 {
		return ErrInvalidKeyLength
	}

	if _, err := curve25519.X25519(screenScalar[:], raw); err != nil {
		return errors.New("crypto: encryption key is a low-order point")
	}
	return nil
}
