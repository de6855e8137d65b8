package directory

import (
	"context"
	"testing"
	"time"

	"github.com/fatihtunali/whisper-relay/kv"
	"github.com/stretchr/testify/require"
)

func TestUpsertAndLookupIdentity(t *testing.T) {
	ctx := context.Background()
	d := New(kv.NewMemoryStore())

	_, ok, err := d.LookupIdentity(ctx, "WSP-AAAA-BBBB-CCCC")
	require.NoError(t, err)
	require.False(t, ok)

	id := Identity{EncryptionPublicKey: "enc-key", SigningPublicKey: "sign-key"}
	require.NoError(t, d.UpsertIdentity(ctx, "WSP-AAAA-BBBB-CCCC", id))

	got, ok, err := d.LookupIdentity(ctx, "WSP-AAAA-BBBB-CCCC")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, got)
}

func TestPushTokensRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := New(kv.NewMemoryStore())

	require.NoError(t, d.UpsertPushTokens(ctx, "WSP-AAAA-BBBB-CCCC", PushTokens{
		PushToken: "expo-token",
		VoIPToken: "voip-token",
		Platform:  "ios",
	}))

	got, err := d.LookupPushTokens(ctx, "WSP-AAAA-BBBB-CCCC")
	require.NoError(t, err)
	require.Equal(t, "expo-token", got.PushToken)
	require.Equal(t, "voip-token", got.VoIPToken)
}

func TestDeleteRemovesAllEntries(t *testing.T) {
	ctx := context.Background()
	d := New(kv.NewMemoryStore())

	require.NoError(t, d.UpsertIdentity(ctx, "WSP-AAAA-BBBB-CCCC", Identity{EncryptionPublicKey: "e", SigningPublicKey: "s"}))
	require.NoError(t, d.UpsertPushTokens(ctx, "WSP-AAAA-BBBB-CCCC", PushTokens{PushToken: "p"}))
	require.NoError(t, d.TouchLastSeen(ctx, "WSP-AAAA-BBBB-CCCC", time.Now()))

	require.NoError(t, d.Delete(ctx, "WSP-AAAA-BBBB-CCCC"))

	_, ok, err := d.LookupIdentity(ctx, "WSP-AAAA-BBBB-CCCC")
	require.NoError(t, err)
	require.False(t, ok)

	tokens, err := d.LookupPushTokens(ctx, "WSP-AAAA-BBBB-CCCC")
	require.NoError(t, err)
	require.Empty(t, tokens.PushToken)
}
