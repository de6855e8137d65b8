package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearRelayEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"LISTEN_ADDR", "ADMIN_LISTEN_ADDR", "REDIS_URL", "TURN_SECRET",
		"TURN_URLS", "TURN_CREDENTIAL_TTL", "APNS_KEY_ID", "APNS_TEAM_ID",
		"APNS_KEY_PATH", "APNS_BUNDLE_ID", "APNS_PRODUCTION", "ADMIN_API_KEY",
		"GROUP_QUEUE_OFFLINE", "DEDUP_WINDOW",
	}
	for _, v := range vars {
		old, had := os.LookupEnv(v)
		os.Unsetenv(v)
		t.Cleanup(func() {
			if had {
				os.Setenv(v, old)
			}
		})
	}
}

func TestLoadAppliesDefaultsWithNoFileOrEnv(t *testing.T) {
	clearRelayEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8443", cfg.ListenAddr)
	require.Equal(t, ":8444", cfg.AdminListenAddr)
	require.Equal(t, "redis://127.0.0.1:6379/0", cfg.RedisURL)
	require.Equal(t, 6*time.Hour, cfg.TURNCredentialTTL)
	require.Empty(t, cfg.TURNSecret)
	require.False(t, cfg.GroupQueueOffline)
	require.Zero(t, cfg.DedupWindow)
}

func TestLoadEnvOverridesYAMLFile(t *testing.T) {
	clearRelayEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9000"
redis_url: "redis://file-host:6379/0"
turn_secret: "from-file"
group_queue_offline: true
`), 0o600))

	os.Setenv("TURN_SECRET", "from-env")
	os.Setenv("DEDUP_WINDOW", "30s")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddr, "YAML value should apply when env is silent")
	require.Equal(t, "redis://file-host:6379/0", cfg.RedisURL)
	require.Equal(t, "from-env", cfg.TURNSecret, "env must win over YAML")
	require.True(t, cfg.GroupQueueOffline)
	require.Equal(t, 30*time.Second, cfg.DedupWindow)
}

func TestLoadMissingYAMLFileIsNotAnError(t *testing.T) {
	clearRelayEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, ":8443", cfg.ListenAddr)
}

func TestLoadParsesTurnURLsAsCommaList(t *testing.T) {
	clearRelayEnv(t)
	os.Setenv("TURN_URLS", "turn:a.example.com:3478, turn:b.example.com:3478")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, []string{"turn:a.example.com:3478", "turn:b.example.com:3478"}, cfg.TURNURLs)
}

func TestValidateRejectsEmptyListenAddr(t *testing.T) {
	cfg := Defaults()
	cfg.ListenAddr = ""
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsIncompleteAPNSConfig(t *testing.T) {
	cfg := Defaults()
	cfg.APNSKeyPath = "/etc/whisper-relay/apns.p8"
	require.Error(t, cfg.Validate())
}
