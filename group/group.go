// Package group implements the Group Store described in spec sections
// 2.8 and 4.6: group metadata, membership, the reverse per-user index
// used to list a user's groups, and pending invitations for members who
// were offline at creation time. Fan-out delivery itself lives in the
// wsapi handlers, which ask Members for the current roster.
package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fatihtunali/whisper-relay/kv"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a group ID has no matching metadata.
var ErrNotFound = errors.New("group: not found")

// ErrNotCreator is returned when a non-creator attempts an operation
// reserved for the group's creator (renaming, adding/removing members,
// destroying).
var ErrNotCreator = errors.New("group: caller is not the creator")

// ErrNotMember is returned when a non-member attempts an operation that
// requires current membership (sending a group message).
var ErrNotMember = errors.New("group: caller is not a member")

// Group is the persistent metadata for a group conversation. The group
// ID itself is client-chosen (see ids.IsGroupID) — the store only ever
// validates its shape before use, the same posture it takes toward
// Whisper IDs.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatorID string    `json:"creatorId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Invite is a pending group-creation notification queued for a member
// who was offline when the group was created. It is drained, in full,
// on that member's next successful authentication.
type Invite struct {
	GroupID   string   `json:"groupId"`
	Name      string   `json:"name"`
	CreatorID string   `json:"creatorId"`
	Members   []string `json:"members"`
}

// Store persists groups, membership, and pending invitations.
type Store struct {
	store kv.Store
	now   func() time.Time
}

// New creates a Store backed by store.
func New(store kv.Store) *Store {
	return &Store{store: store, now: time.Now}
}

// Create registers a new group with the given client-supplied groupID,
// owned by creatorID, with membership set to {creatorID} ∪ members. The
// creator is always a member, regardless of whether it appears in
// members.
func (s *Store) Create(ctx context.Context, groupID, name, creatorID string, members []string) (Group, error) {
	g := Group{
		ID:        groupID,
		Name:      name,
		CreatorID: creatorID,
		CreatedAt: s.now(),
	}

	if err := s.saveMeta(ctx, g); err != nil {
		return Group{}, err
	}

	all := append([]string{creatorID}, members...)
	if err := s.store.SAdd(ctx, kv.Keys.GroupMembers(g.ID), all...); err != nil {
		return Group{}, fmt.Errorf("group: seed roster: %w", err)
	}
	for _, m := range all {
		if err := s.store.SAdd(ctx, kv.Keys.UserGroups(m), g.ID); err != nil {
			return Group{}, fmt.Errorf("group: index group for %s: %w", m, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Create",
		"group_id": g.ID,
		"creator":  creatorID,
		"members":  len(all),
	}).Info("group: created")

	return g, nil
}

// Get returns the metadata for groupID.
func (s *Store) Get(ctx context.Context, groupID string) (Group, error) {
	raw, ok, err := s.store.Get(ctx, kv.Keys.Group(groupID))
	if err != nil {
		return Group{}, err
	}
	if !ok {
		return Group{}, ErrNotFound
	}
	var g Group
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return Group{}, fmt.Errorf("group: decode metadata: %w", err)
	}
	return g, nil
}

// Rename changes a group's name. Only the creator may do this.
func (s *Store) Rename(ctx context.Context, groupID, callerID, newName string) error {
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return err
	}
	if g.CreatorID != callerID {
		return ErrNotCreator
	}
	g.Name = newName
	return s.saveMeta(ctx, g)
}

// AddMembers adds new members to groupID. Only the creator may do this.
func (s *Store) AddMembers(ctx context.Context, groupID, callerID string, adds []string) error {
	if len(adds) == 0 {
		return nil
	}
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return err
	}
	if g.CreatorID != callerID {
		return ErrNotCreator
	}
	if err := s.store.SAdd(ctx, kv.Keys.GroupMembers(groupID), adds...); err != nil {
		return fmt.Errorf("group: add members: %w", err)
	}
	for _, m := range adds {
		if err := s.store.SAdd(ctx, kv.Keys.UserGroups(m), groupID); err != nil {
			return fmt.Errorf("group: index group for %s: %w", m, err)
		}
	}
	return nil
}

// RemoveMembers removes members from groupID. Only the creator may do
// this; the creator cannot remove themself this way (see Leave).
func (s *Store) RemoveMembers(ctx context.Context, groupID, callerID string, removes []string) error {
	if len(removes) == 0 {
		return nil
	}
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return err
	}
	if g.CreatorID != callerID {
		return ErrNotCreator
	}
	for _, m := range removes {
		if m == g.CreatorID {
			continue
		}
		if err := s.store.SRem(ctx, kv.Keys.GroupMembers(groupID), m); err != nil {
			return fmt.Errorf("group: remove member %s: %w", m, err)
		}
		if err := s.store.SRem(ctx, kv.Keys.UserGroups(m), groupID); err != nil {
			return fmt.Errorf("group: unindex group for %s: %w", m, err)
		}
	}
	return nil
}

// Members returns the current member roster of groupID.
func (s *Store) Members(ctx context.Context, groupID string) ([]string, error) {
	members, err := s.store.SMembers(ctx, kv.Keys.GroupMembers(groupID))
	if err != nil {
		return nil, fmt.Errorf("group: members: %w", err)
	}
	return members, nil
}

// IsMember reports whether whisperID belongs to groupID.
func (s *Store) IsMember(ctx context.Context, groupID, whisperID string) (bool, error) {
	ok, err := s.store.SIsMember(ctx, kv.Keys.GroupMembers(groupID), whisperID)
	if err != nil {
		return false, fmt.Errorf("group: is member: %w", err)
	}
	return ok, nil
}

// Leave removes whisperID from groupID. If whisperID is the creator,
// the group is destroyed instead, since groups have no ownership
// transfer in this system.
func (s *Store) Leave(ctx context.Context, groupID, whisperID string) error {
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return err
	}
	if g.CreatorID == whisperID {
		return s.destroy(ctx, g)
	}

	if err := s.store.SRem(ctx, kv.Keys.GroupMembers(groupID), whisperID); err != nil {
		return fmt.Errorf("group: remove member: %w", err)
	}
	return s.store.SRem(ctx, kv.Keys.UserGroups(whisperID), groupID)
}

// DestroyCreatedBy destroys every group whisperID created, used when an
// account is deleted. Returns the IDs of destroyed groups so
// the caller can notify remaining members.
func (s *Store) DestroyCreatedBy(ctx context.Context, whisperID string) ([]string, error) {
	groupIDs, err := s.GroupsFor(ctx, whisperID)
	if err != nil {
		return nil, err
	}

	var destroyed []string
	for _, gid := range groupIDs {
		g, err := s.Get(ctx, gid)
		if err != nil {
			continue
		}
		if g.CreatorID != whisperID {
			continue
		}
		if err := s.destroy(ctx, g); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "DestroyCreatedBy",
				"group_id": gid,
				"error":    err.Error(),
			}).Warn("group: failed to destroy group during account cleanup")
			continue
		}
		destroyed = append(destroyed, gid)
	}
	return destroyed, nil
}

func (s *Store) destroy(ctx context.Context, g Group) error {
	members, err := s.Members(ctx, g.ID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if err := s.store.SRem(ctx, kv.Keys.UserGroups(m), g.ID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "destroy",
				"group_id": g.ID,
				"member":   m,
				"error":    err.Error(),
			}).Warn("group: failed to clear member index")
		}
	}

	if err := s.store.Delete(ctx, kv.Keys.GroupMembers(g.ID)); err != nil {
		return fmt.Errorf("group: clear roster: %w", err)
	}
	if err := s.store.Delete(ctx, kv.Keys.Group(g.ID)); err != nil {
		return fmt.Errorf("group: clear metadata: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "destroy",
		"group_id": g.ID,
	}).Info("group: destroyed")

	return nil
}

// GroupsFor returns every group ID whisperID currently belongs to.
func (s *Store) GroupsFor(ctx context.Context, whisperID string) ([]string, error) {
	ids, err := s.store.SMembers(ctx, kv.Keys.UserGroups(whisperID))
	if err != nil {
		return nil, fmt.Errorf("group: groups for: %w", err)
	}
	return ids, nil
}

// QueueInvite records a pending group-creation notification for a
// member who was offline at creation time. It is delivered verbatim,
// exactly once, on that member's next successful authentication.
func (s *Store) QueueInvite(ctx context.Context, memberID string, inv Invite) error {
	raw, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("group: encode invite: %w", err)
	}
	return s.store.Set(ctx, kv.Keys.GroupInvite(memberID, inv.GroupID), string(raw), 0)
}

// DrainInvites returns every pending group-creation notification queued
// for memberID and clears them. Called once, immediately after a
// successful authentication.
func (s *Store) DrainInvites(ctx context.Context, memberID string) ([]Invite, error) {
	groupIDs, err := s.GroupsFor(ctx, memberID)
	if err != nil {
		return nil, err
	}

	var invites []Invite
	for _, gid := range groupIDs {
		key := kv.Keys.GroupInvite(memberID, gid)
		raw, ok, err := s.store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var inv Invite
		if err := json.Unmarshal([]byte(raw), &inv); err != nil {
			continue
		}
		invites = append(invites, inv)
		if err := s.store.Delete(ctx, key); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "DrainInvites",
				"member_id": memberID,
				"group_id":  gid,
				"error":     err.Error(),
			}).Warn("group: failed to clear drained invite")
		}
	}
	return invites, nil
}

func (s *Store) saveMeta(ctx context.Context, g Group) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("group: encode metadata: %w", err)
	}
	if err := s.store.Set(ctx, kv.Keys.Group(g.ID), string(raw), 0); err != nil {
		return fmt.Errorf("group: store metadata: %w", err)
	}
	return nil
}
