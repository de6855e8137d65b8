package wsapi

import (
	"context"
	"errors"

	"github.com/fatihtunali/whisper-relay/group"
	"github.com/fatihtunali/whisper-relay/ids"
	"github.com/sirupsen/logrus"
)

type groupMessageReceivedPayload struct {
	GroupID          string `json:"groupId"`
	FromWhisperID    string `json:"fromWhisperId"`
	EncryptedContent string `json:"encryptedContent"`
	Nonce            string `json:"nonce"`
	SenderName       string `json:"senderName,omitempty"`
}

type groupUpdatedPayload struct {
	GroupID string   `json:"groupId"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

type memberLeftGroupPayload struct {
	GroupID   string `json:"groupId"`
	WhisperID string `json:"whisperId"`
}

func (c *conn_) handleCreateGroup(ctx context.Context, frame Frame) {
	var p createGroupPayload
	if err := unmarshalOrError(c, frame, &p); err != nil {
		return
	}

	if !ids.IsGroupID(p.GroupID) {
		c.sendError("INVALID_GROUP_ID", "groupId does not match the required shape")
		return
	}
	if len(p.Name) == 0 || len(p.Name) > 50 {
		c.sendError("INVALID_NAME", "group name must be 1-50 characters")
		return
	}
	if len(p.Members) == 0 {
		c.sendError("INVALID_MEMBERS", "a group requires at least one other member")
		return
	}
	for _, m := range p.Members {
		if !ids.IsWhisperID(m) {
			c.sendError("INVALID_WHISPER_ID", "members must be valid whisperIds")
			return
		}
	}

	g, err := c.server.Groups.Create(ctx, p.GroupID, p.Name, c.whisperID, p.Members)
	if err != nil {
		c.sendError("INTERNAL", "failed to create group")
		return
	}

	members, err := c.server.Groups.Members(ctx, g.ID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleCreateGroup",
			"group_id": g.ID,
			"error":    err.Error(),
		}).Warn("wsapi: failed to load roster after create")
		return
	}

	for _, member := range members {
		if member == c.whisperID {
			continue
		}
		payload := groupCreatedPayload{GroupID: g.ID, Name: g.Name, CreatorID: g.CreatorID, Members: members}
		if sess, ok := c.server.Presence.Get(member); ok {
			_ = sess.Emitter.Send(string(FrameGroupCreated), payload)
			continue
		}

		inv := group.Invite{GroupID: g.ID, Name: g.Name, CreatorID: g.CreatorID, Members: members}
		if err := c.server.Groups.QueueInvite(ctx, member, inv); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleCreateGroup",
				"group_id": g.ID,
				"member":   member,
				"error":    err.Error(),
			}).Warn("wsapi: failed to queue group invite")
			continue
		}
		if c.server.Dispatch != nil {
			tokens, err := c.server.Directory.LookupPushTokens(ctx, member)
			if err == nil {
				_ = c.server.Dispatch.SendGroupInvitePush(ctx, dispatchTokensFrom(tokens), g.Name)
			}
		}
	}
}

func (c *conn_) handleSendGroupMessage(ctx context.Context, frame Frame) {
	var p sendGroupMessagePayload
	if err := unmarshalOrError(c, frame, &p); err != nil {
		return
	}
	if !ids.IsGroupID(p.GroupID) {
		c.sendError("INVALID_GROUP_ID", "groupId does not match the required shape")
		return
	}

	isMember, err := c.server.Groups.IsMember(ctx, p.GroupID, c.whisperID)
	if err != nil {
		c.sendError("INTERNAL", "failed to check group membership")
		return
	}
	if !isMember {
		c.sendError("UNAUTHORIZED", "you are not a member of this group")
		return
	}

	members, err := c.server.Groups.Members(ctx, p.GroupID)
	if err != nil {
		c.sendError("INTERNAL", "failed to load group roster")
		return
	}

	payload := groupMessageReceivedPayload{
		GroupID:          p.GroupID,
		FromWhisperID:    c.whisperID,
		EncryptedContent: p.EncryptedContent,
		Nonce:            p.Nonce,
		SenderName:       p.SenderName,
	}

	for _, member := range members {
		if member == c.whisperID {
			continue
		}
		blocked, err := c.server.Blocks.HasBlockBetween(ctx, c.whisperID, member)
		if err == nil && blocked {
			continue
		}
		if sess, ok := c.server.Presence.Get(member); ok {
			_ = sess.Emitter.Send(string(FrameGroupMessageRecv), payload)
			continue
		}
		if c.server.GroupQueueOffline {
			// Spec section 9 leaves offline group-message queueing as a
			// configurable, off-by-default behavior: the relay tracked
			// here simply notes the miss rather than minting a direct
			// envelope, since group chat has no per-recipient ciphertext
			// to enqueue under this transport's encryption model.
			logrus.WithFields(logrus.Fields{
				"function": "handleSendGroupMessage",
				"group_id": p.GroupID,
				"member":   member,
			}).Debug("wsapi: offline group member missed a live-only group message")
		}
	}
}

func (c *conn_) handleUpdateGroup(ctx context.Context, frame Frame) {
	var p updateGroupPayload
	if err := unmarshalOrError(c, frame, &p); err != nil {
		return
	}
	if !ids.IsGroupID(p.GroupID) {
		c.sendError("INVALID_GROUP_ID", "groupId does not match the required shape")
		return
	}
	for _, m := range append(append([]string{}, p.AddMembers...), p.RemoveMembers...) {
		if !ids.IsWhisperID(m) {
			c.sendError("INVALID_WHISPER_ID", "member ids must be valid whisperIds")
			return
		}
	}

	g, err := c.server.Groups.Get(ctx, p.GroupID)
	if err != nil {
		c.sendError("NOT_FOUND", "group does not exist")
		return
	}
	if g.CreatorID != c.whisperID {
		c.sendError("UNAUTHORIZED", "only the creator may update this group")
		return
	}

	beforeMembers, err := c.server.Groups.Members(ctx, p.GroupID)
	if err != nil {
		c.sendError("INTERNAL", "failed to load group roster")
		return
	}

	if p.Name != nil {
		if err := c.server.Groups.Rename(ctx, p.GroupID, c.whisperID, *p.Name); err != nil {
			c.sendError("INTERNAL", "failed to rename group")
			return
		}
	}
	if len(p.AddMembers) > 0 {
		if err := c.server.Groups.AddMembers(ctx, p.GroupID, c.whisperID, p.AddMembers); err != nil {
			c.sendError("INTERNAL", "failed to add members")
			return
		}
	}
	if len(p.RemoveMembers) > 0 {
		if err := c.server.Groups.RemoveMembers(ctx, p.GroupID, c.whisperID, p.RemoveMembers); err != nil {
			c.sendError("INTERNAL", "failed to remove members")
			return
		}
	}

	g, err = c.server.Groups.Get(ctx, p.GroupID)
	if err != nil {
		return
	}
	afterMembers, err := c.server.Groups.Members(ctx, p.GroupID)
	if err != nil {
		return
	}

	notify := make(map[string]struct{}, len(beforeMembers)+len(afterMembers))
	for _, m := range beforeMembers {
		notify[m] = struct{}{}
	}
	for _, m := range afterMembers {
		notify[m] = struct{}{}
	}

	payload := groupUpdatedPayload{GroupID: g.ID, Name: g.Name, Members: afterMembers}
	for member := range notify {
		if sess, ok := c.server.Presence.Get(member); ok {
			_ = sess.Emitter.Send(string(FrameGroupUpdated), payload)
		}
	}
}

func (c *conn_) handleLeaveGroup(ctx context.Context, frame Frame) {
	var p leaveGroupPayload
	if err := unmarshalOrError(c, frame, &p); err != nil {
		return
	}
	if !ids.IsGroupID(p.GroupID) {
		c.sendError("INVALID_GROUP_ID", "groupId does not match the required shape")
		return
	}

	if _, err := c.server.Groups.Get(ctx, p.GroupID); err != nil {
		if errors.Is(err, group.ErrNotFound) {
			c.sendError("NOT_FOUND", "group does not exist")
			return
		}
		c.sendError("INTERNAL", "failed to load group")
		return
	}

	members, err := c.server.Groups.Members(ctx, p.GroupID)
	if err != nil {
		c.sendError("INTERNAL", "failed to load group roster")
		return
	}

	if err := c.server.Groups.Leave(ctx, p.GroupID, c.whisperID); err != nil {
		c.sendError("INTERNAL", "failed to leave group")
		return
	}

	payload := memberLeftGroupPayload{GroupID: p.GroupID, WhisperID: c.whisperID}
	for _, member := range members {
		if sess, ok := c.server.Presence.Get(member); ok {
			_ = sess.Emitter.Send(string(FrameMemberLeftGroup), payload)
		}
	}
}
