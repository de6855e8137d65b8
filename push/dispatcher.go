package push

import (
	"context"

	"github.com/sirupsen/logrus"
)

// apnsSender and expoSender are the narrow capabilities Dispatcher
// needs, so tests can substitute fakes instead of reaching the network.
type apnsSender interface {
	Send(ctx context.Context, deviceToken string, pushType PushType, payload map[string]interface{}) error
}

type expoSender interface {
	Send(ctx context.Context, expoToken, title, body string, data map[string]interface{}) error
}

// Tokens is the subset of a recipient's registered push metadata the
// dispatcher needs to pick a transport.
type Tokens struct {
	PushToken string
	VoIPToken string
	Platform  string // "ios" or "android"
}

// Dispatcher routes push notifications to APNs (iOS) or Expo (Android
// and any other platform). Every notification body is content-free: it
// never carries ciphertext, plaintext, or anything beyond a short prefix
// of the sender's Whisper ID.
type Dispatcher struct {
	apns apnsSender
	expo expoSender
}

// New creates a Dispatcher. Either apns or expo may be nil if that
// transport is not configured; sends that would use a nil transport are
// skipped with a warning log rather than panicking.
func New(apns apnsSender, expo expoSender) *Dispatcher {
	return &Dispatcher{apns: apns, expo: expo}
}

// idPrefix returns the short, non-identifying prefix of a Whisper ID
// that is safe to surface in a notification body — enough for a user to
// recognize a contact, never the full opaque identifier.
func idPrefix(whisperID string) string {
	if len(whisperID) > 8 {
		return whisperID[:8]
	}
	return whisperID
}

// SendMessagePush notifies recipient that a new message is waiting from
// fromID. The notification body never contains ciphertext or plaintext.
func (d *Dispatcher) SendMessagePush(ctx context.Context, tokens Tokens, fromID string) error {
	return d.send(ctx, tokens, PushTypeAlert, "New message", "New message from "+idPrefix(fromID), nil)
}

// SendCallPush notifies recipient of an incoming call from fromID over
// the general alert channel. Sent alongside SendVoIPPush on iOS (as a
// backstop if VoIP push fails) and as the only call notification on
// Android.
func (d *Dispatcher) SendCallPush(ctx context.Context, tokens Tokens, fromID string, isVideo bool) error {
	body := "Incoming voice call from " + idPrefix(fromID)
	if isVideo {
		body = "Incoming video call from " + idPrefix(fromID)
	}
	return d.send(ctx, tokens, PushTypeAlert, "Incoming call", body, map[string]interface{}{"channel": "calls"})
}

// SendVoIPPush notifies recipient of an incoming call from fromID over
// iOS's dedicated VoIP push channel, which wakes the app into its native
// call UI even if it was terminated. It is a no-op if tokens.VoIPToken
// is empty or the platform is not iOS.
func (d *Dispatcher) SendVoIPPush(ctx context.Context, tokens Tokens, fromID, callID string, isVideo bool) error {
	if tokens.VoIPToken == "" || tokens.Platform != "ios" {
		return nil
	}
	if d.apns == nil {
		logrus.Warn("push: voip push requested but apns client is not configured")
		return nil
	}
	return d.apns.Send(ctx, tokens.VoIPToken, PushTypeVoIP, map[string]interface{}{
		"aps": map[string]interface{}{
			"content-available": 1,
		},
		"callId":  callID,
		"from":    idPrefix(fromID),
		"isVideo": isVideo,
	})
}

// SendGroupInvitePush notifies recipient that they were added to a group
// named groupName, used when the member was offline at creation time.
func (d *Dispatcher) SendGroupInvitePush(ctx context.Context, tokens Tokens, groupName string) error {
	return d.send(ctx, tokens, PushTypeAlert, "Group invite", `Added to "`+groupName+`"`, nil)
}

func (d *Dispatcher) send(ctx context.Context, tokens Tokens, pushType PushType, title, body string, data map[string]interface{}) error {
	if tokens.PushToken == "" {
		return nil
	}

	if tokens.Platform == "ios" {
		if d.apns == nil {
			logrus.Warn("push: ios push requested but apns client is not configured")
			return nil
		}
		return d.apns.Send(ctx, tokens.PushToken, pushType, map[string]interface{}{
			"aps": map[string]interface{}{
				"alert": map[string]interface{}{
					"title": title,
					"body":  body,
				},
				"sound": "default",
			},
		})
	}

	if d.expo == nil {
		logrus.Warn("push: android push requested but expo client is not configured")
		return nil
	}
	return d.expo.Send(ctx, tokens.PushToken, title, body, data)
}
