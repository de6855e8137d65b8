// Package directory implements the Public-Key Directory and Push Token
// Directory: persistent maps from Whisper ID to the identity material and
// push metadata a client registered with. Both are updated on every
// successful authentication and consumed by the router (to attach a
// cached sender key for offline delivery) and the push dispatcher.
package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/fatihtunali/whisper-relay/kv"
	"github.com/sirupsen/logrus"
)

// Identity is a user's immutable-for-the-life-of-the-account key material.
type Identity struct {
	EncryptionPublicKey string // base64 X25519 public key
	SigningPublicKey    string // base64 Ed25519 public key
}

// PushTokens is the push metadata registered alongside an identity.
type PushTokens struct {
	PushToken string // general push token (APNs/FCM/Expo)
	VoIPToken string // optional iOS VoIP token
	Platform  string // "ios", "android", ...
}

// Directory stores identity and push-token entries keyed by Whisper ID.
type Directory struct {
	store kv.Store
}

// New creates a Directory backed by store.
func New(store kv.Store) *Directory {
	return &Directory{store: store}
}

// UpsertIdentity records the encryption/signing public keys for whisperID,
// called on every successful authentication.
func (d *Directory) UpsertIdentity(ctx context.Context, whisperID string, id Identity) error {
	if err := d.store.Set(ctx, kv.Keys.PubKey(whisperID), id.EncryptionPublicKey, 0); err != nil {
		return fmt.Errorf("directory: store encryption key: %w", err)
	}
	if err := d.store.Set(ctx, kv.Keys.SignKey(whisperID), id.SigningPublicKey, 0); err != nil {
		return fmt.Errorf("directory: store signing key: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "UpsertIdentity",
		"whisper_id": whisperID,
	}).Info("directory: identity updated")

	return nil
}

// LookupIdentity returns the stored identity for whisperID, if any.
func (d *Directory) LookupIdentity(ctx context.Context, whisperID string) (Identity, bool, error) {
	enc, ok, err := d.store.Get(ctx, kv.Keys.PubKey(whisperID))
	if err != nil || !ok {
		return Identity{}, false, err
	}
	sign, ok, err := d.store.Get(ctx, kv.Keys.SignKey(whisperID))
	if err != nil || !ok {
		return Identity{}, false, err
	}
	return Identity{EncryptionPublicKey: enc, SigningPublicKey: sign}, true, nil
}

// UpsertPushTokens records push metadata for whisperID. An empty field
// leaves the previously registered value for that field untouched,
// since a register frame that omits a token is not a client request to
// clear it.
func (d *Directory) UpsertPushTokens(ctx context.Context, whisperID string, tokens PushTokens) error {
	if tokens.PushToken != "" {
		if err := d.store.Set(ctx, kv.Keys.Push(whisperID), tokens.PushToken, 0); err != nil {
			return fmt.Errorf("directory: store push token: %w", err)
		}
	}
	if tokens.VoIPToken != "" {
		if err := d.store.Set(ctx, kv.Keys.VoIP(whisperID), tokens.VoIPToken, 0); err != nil {
			return fmt.Errorf("directory: store voip token: %w", err)
		}
	}
	if tokens.Platform != "" {
		if err := d.store.Set(ctx, kv.Keys.Platform(whisperID), tokens.Platform, 0); err != nil {
			return fmt.Errorf("directory: store platform: %w", err)
		}
	}
	return nil
}

// LookupPushTokens returns the stored push metadata for whisperID.
func (d *Directory) LookupPushTokens(ctx context.Context, whisperID string) (PushTokens, error) {
	push, _, err := d.store.Get(ctx, kv.Keys.Push(whisperID))
	if err != nil {
		return PushTokens{}, err
	}
	voip, _, err := d.store.Get(ctx, kv.Keys.VoIP(whisperID))
	if err != nil {
		return PushTokens{}, err
	}
	platform, _, err := d.store.Get(ctx, kv.Keys.Platform(whisperID))
	if err != nil {
		return PushTokens{}, err
	}
	return PushTokens{PushToken: push, VoIPToken: voip, Platform: platform}, nil
}

// TouchLastSeen refreshes the persistent last-seen marker used for admin
// visibility; it carries no TTL and is informational only.
func (d *Directory) TouchLastSeen(ctx context.Context, whisperID string, at time.Time) error {
	return d.store.Set(ctx, kv.Keys.LastSeen(whisperID), at.Format(time.RFC3339), 0)
}

// Delete removes every directory entry for whisperID. Called from account
// deletion so no directory key outlives the account.
func (d *Directory) Delete(ctx context.Context, whisperID string) error {
	keys := []string{
		kv.Keys.PubKey(whisperID),
		kv.Keys.SignKey(whisperID),
		kv.Keys.Push(whisperID),
		kv.Keys.VoIP(whisperID),
		kv.Keys.Platform(whisperID),
		kv.Keys.LastSeen(whisperID),
	}
	for _, key := range keys {
		if err := d.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("directory: delete %s: %w", key, err)
		}
	}
	return nil
}
