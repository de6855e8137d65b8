package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowTypingThrottles(t *testing.T) {
	l := New()
	frozen := time.Now()
	l.now = func() time.Time { return frozen }

	require.True(t, l.AllowTyping("WSP-AAAA", "WSP-BBBB"))
	require.False(t, l.AllowTyping("WSP-AAAA", "WSP-BBBB"))

	l.now = func() time.Time { return frozen.Add(3 * time.Second) }
	require.True(t, l.AllowTyping("WSP-AAAA", "WSP-BBBB"))
}

func TestAllowTypingIsPerPair(t *testing.T) {
	l := New()
	require.True(t, l.AllowTyping("WSP-AAAA", "WSP-BBBB"))
	require.True(t, l.AllowTyping("WSP-AAAA", "WSP-CCCC"))
	require.True(t, l.AllowTyping("WSP-BBBB", "WSP-AAAA"))
}

func TestForgetClearsEntries(t *testing.T) {
	l := New()
	require.True(t, l.AllowTyping("WSP-AAAA", "WSP-BBBB"))
	l.Forget("WSP-AAAA")
	require.True(t, l.AllowTyping("WSP-AAAA", "WSP-BBBB"))
}
