// Package block implements the Block Registry: the blocker-to-blocked
// set that the router consults before routing any message, receipt, or
// call signal between two Whisper IDs.
package block

import (
	"context"
	"fmt"

	"github.com/fatihtunali/whisper-relay/kv"
	"github.com/sirupsen/logrus"
)

// Registry stores block relationships keyed by blocker. It is a thin
// wrapper over the KV store's set primitives — durability and cross-
// instance visibility come from the store, not from any in-memory cache.
type Registry struct {
	store kv.Store
}

// New creates a Registry backed by store.
func New(store kv.Store) *Registry {
	return &Registry{store: store}
}

// Block records that blocker has blocked blocked. Idempotent. The
// relationship is mirrored into a blocked-by reverse index so a deleted
// account's ClearAllInvolving can find every blocker who named it
// without requiring a key-enumeration primitive the KV interface
// deliberately doesn't expose.
func (r *Registry) Block(ctx context.Context, blocker, blocked string) error {
	if err := r.store.SAdd(ctx, kv.Keys.Blocked(blocker), blocked); err != nil {
		return fmt.Errorf("block: add %s->%s: %w", blocker, blocked, err)
	}
	if err := r.store.SAdd(ctx, kv.Keys.BlockedBy(blocked), blocker); err != nil {
		return fmt.Errorf("block: add reverse %s->%s: %w", blocker, blocked, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Block",
		"blocker":  blocker,
		"blocked":  blocked,
	}).Info("block: relationship recorded")
	return nil
}

// Unblock removes a previously recorded block relationship. Idempotent.
func (r *Registry) Unblock(ctx context.Context, blocker, blocked string) error {
	if err := r.store.SRem(ctx, kv.Keys.Blocked(blocker), blocked); err != nil {
		return fmt.Errorf("block: remove %s->%s: %w", blocker, blocked, err)
	}
	if err := r.store.SRem(ctx, kv.Keys.BlockedBy(blocked), blocker); err != nil {
		return fmt.Errorf("block: remove reverse %s->%s: %w", blocker, blocked, err)
	}
	return nil
}

// ClearAllInvolving removes every block relationship naming wid in
// either direction: blocks wid placed on others, and blocks others
// placed on wid. Used by account deletion (spec section 4.8), which
// requires clearing "all blocks involving this user in either
// direction" rather than just the user's own outgoing block list.
func (r *Registry) ClearAllInvolving(ctx context.Context, wid string) error {
	blockedByWid, err := r.store.SMembers(ctx, kv.Keys.Blocked(wid))
	if err != nil {
		return fmt.Errorf("block: list blocked by %s: %w", wid, err)
	}
	for _, other := range blockedByWid {
		if err := r.store.SRem(ctx, kv.Keys.BlockedBy(other), wid); err != nil {
			return fmt.Errorf("block: clear reverse %s->%s: %w", wid, other, err)
		}
	}
	if err := r.store.Delete(ctx, kv.Keys.Blocked(wid)); err != nil {
		return fmt.Errorf("block: delete blocked set for %s: %w", wid, err)
	}

	blockers, err := r.store.SMembers(ctx, kv.Keys.BlockedBy(wid))
	if err != nil {
		return fmt.Errorf("block: list blockers of %s: %w", wid, err)
	}
	for _, blocker := range blockers {
		if err := r.store.SRem(ctx, kv.Keys.Blocked(blocker), wid); err != nil {
			return fmt.Errorf("block: clear forward %s->%s: %w", blocker, wid, err)
		}
	}
	return r.store.Delete(ctx, kv.Keys.BlockedBy(wid))
}

// IsBlocked reports whether blocked is blocked by blocker. Delivery in
// either direction between a blocker and a blocked party must be
// suppressed, so callers are expected to check both orderings where
// the spec requires it (see HasBlockBetween).
func (r *Registry) IsBlocked(ctx context.Context, blocker, blocked string) (bool, error) {
	ok, err := r.store.SIsMember(ctx, kv.Keys.Blocked(blocker), blocked)
	if err != nil {
		return false, fmt.Errorf("block: check %s->%s: %w", blocker, blocked, err)
	}
	return ok, nil
}

// HasBlockBetween reports whether a has blocked b, or b has blocked a.
// The router uses this single check for every direct message, and wsapi
// uses it for reactions, typing, call initiation, and group fan-out, so
// a block is symmetric in its effect on those even though the
// underlying relationship is directional. Receipts and the call
// answer/ICE/end frames are not checked.
func (r *Registry) HasBlockBetween(ctx context.Context, a, b string) (bool, error) {
	aBlocksB, err := r.IsBlocked(ctx, a, b)
	if err != nil {
		return false, err
	}
	if aBlocksB {
		return true, nil
	}
	return r.IsBlocked(ctx, b, a)
}

// ListBlocked returns every Whisper ID blocker has blocked.
func (r *Registry) ListBlocked(ctx context.Context, blocker string) ([]string, error) {
	members, err := r.store.SMembers(ctx, kv.Keys.Blocked(blocker))
	if err != nil {
		return nil, fmt.Errorf("block: list %s: %w", blocker, err)
	}
	return members, nil
}
