package push

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeAPNS struct {
	calls []PushType
}

func (f *fakeAPNS) Send(ctx context.Context, deviceToken string, pushType PushType, payload map[string]interface{}) error {
	f.calls = append(f.calls, pushType)
	return nil
}

type fakeExpo struct {
	sent int
}

func (f *fakeExpo) Send(ctx context.Context, expoToken, title, body string, data map[string]interface{}) error {
	f.sent++
	return nil
}

func TestSendMessagePushRoutesByPlatform(t *testing.T) {
	apns := &fakeAPNS{}
	expo := &fakeExpo{}
	d := New(apns, expo)

	err := d.SendMessagePush(context.Background(), Tokens{PushToken: "tok", Platform: "ios"}, "WSP-AAAA-BBBB-CCCC")
	require.NoError(t, err)
	require.Equal(t, []PushType{PushTypeAlert}, apns.calls)
	require.Equal(t, 0, expo.sent)

	err = d.SendMessagePush(context.Background(), Tokens{PushToken: "tok", Platform: "android"}, "WSP-AAAA-BBBB-CCCC")
	require.NoError(t, err)
	require.Equal(t, 1, expo.sent)
}

func TestSendMessagePushSkipsWithoutToken(t *testing.T) {
	d := New(&fakeAPNS{}, &fakeExpo{})
	err := d.SendMessagePush(context.Background(), Tokens{Platform: "ios"}, "WSP-AAAA-BBBB-CCCC")
	require.NoError(t, err)
}

func TestSendVoIPPushOnlyForIOSWithToken(t *testing.T) {
	apns := &fakeAPNS{}
	d := New(apns, &fakeExpo{})

	require.NoError(t, d.SendVoIPPush(context.Background(), Tokens{Platform: "android", VoIPToken: "x"}, "WSP-AAAA-BBBB-CCCC", "call-1", false))
	require.Empty(t, apns.calls)

	require.NoError(t, d.SendVoIPPush(context.Background(), Tokens{Platform: "ios", VoIPToken: "voip-tok"}, "WSP-AAAA-BBBB-CCCC", "call-1", true))
	require.Equal(t, []PushType{PushTypeVoIP}, apns.calls)
}

func TestSendGroupInvitePush(t *testing.T) {
	apns := &fakeAPNS{}
	d := New(apns, &fakeExpo{})

	require.NoError(t, d.SendGroupInvitePush(context.Background(), Tokens{PushToken: "tok", Platform: "ios"}, "Road Trip"))
	require.Equal(t, []PushType{PushTypeAlert}, apns.calls)
}
