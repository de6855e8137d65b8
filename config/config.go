// Package config loads the relay's runtime configuration the way
// spec section 6 describes it: a set of recognized environment
// variables, with an optional on-disk YAML file providing defaults
// that the environment then overrides. Nothing here talks to the
// network or the KV store directly — cmd/relayd wires the resulting
// Config into every other package's constructor.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of relay-wide settings. Every field maps to
// one environment variable (and, optionally, one YAML key) named in
// the doc comment above it.
type Config struct {
	// ListenAddr is the address the WebSocket relay listens on.
	// LISTEN_ADDR, default ":8443".
	ListenAddr string `yaml:"listen_addr"`
	// AdminListenAddr is the address the admin HTTP surface listens
	// on. ADMIN_LISTEN_ADDR, default ":8444".
	AdminListenAddr string `yaml:"admin_listen_addr"`

	// RedisURL is the presence/queue store endpoint. REDIS_URL,
	// default "redis://127.0.0.1:6379/0".
	RedisURL string `yaml:"redis_url"`

	// TURNSecret is the HMAC key used to mint TURN credentials.
	// TURN_SECRET. Empty disables get_turn_credentials.
	TURNSecret string `yaml:"turn_secret"`
	// TURNURLs is the list of STUN/TURN server URLs handed back
	// alongside minted credentials. TURN_URLS, comma-separated.
	TURNURLs []string `yaml:"turn_urls"`
	// TURNCredentialTTL controls how long a minted credential stays
	// valid. TURN_CREDENTIAL_TTL, a Go duration string, default "6h".
	TURNCredentialTTL time.Duration `yaml:"turn_credential_ttl"`

	// APNSKeyID, APNSTeamID, APNSKeyPath, APNSBundleID, APNSProduction
	// configure VoIP/alert push over APNs. When APNSKeyPath is empty,
	// APNs push is disabled and the dispatcher falls back to Expo push
	// only. APNS_KEY_ID, APNS_TEAM_ID, APNS_KEY_PATH, APNS_BUNDLE_ID,
	// APNS_PRODUCTION.
	APNSKeyID      string `yaml:"apns_key_id"`
	APNSTeamID     string `yaml:"apns_team_id"`
	APNSKeyPath    string `yaml:"apns_key_path"`
	APNSBundleID   string `yaml:"apns_bundle_id"`
	APNSProduction bool   `yaml:"apns_production"`

	// AdminAPIKey gates every endpoint under the admin HTTP surface.
	// ADMIN_API_KEY. An empty key refuses every admin request.
	AdminAPIKey string `yaml:"admin_api_key"`

	// GroupQueueOffline is passed to wsapi.Server. GROUP_QUEUE_OFFLINE,
	// default false. With either value group messages reach only the
	// members connected at send time and are not queued for offline
	// members; true only adds a debug log line for each missed member.
	GroupQueueOffline bool `yaml:"group_queue_offline"`

	// DedupWindow, when non-zero, makes the router remember delivered
	// message IDs per recipient for this long and silently drop a
	// repeat with the same ID instead of delivering it twice.
	// DEDUP_WINDOW, a Go duration string, default 0 (disabled).
	DedupWindow time.Duration `yaml:"dedup_window"`
}

// Defaults returns a Config populated with the relay's built-in
// defaults, before any YAML file or environment variable is applied.
func Defaults() Config {
	return Config{
		ListenAddr:        ":8443",
		AdminListenAddr:   ":8444",
		RedisURL:          "redis://127.0.0.1:6379/0",
		TURNCredentialTTL: 6 * time.Hour,
	}
}

// Load builds a Config starting from Defaults, layering in yamlPath
// (if non-empty and present on disk), then layering in recognized
// environment variables on top. Environment variables always win —
// the YAML file exists only to avoid repeating long-lived settings on
// every deploy.
func Load(yamlPath string) (Config, error) {
	cfg := Defaults()

	if yamlPath != "" {
		if err := applyYAMLFile(&cfg, yamlPath); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("ADMIN_LISTEN_ADDR"); ok {
		cfg.AdminListenAddr = v
	}
	if v, ok := os.LookupEnv("REDIS_URL"); ok {
		cfg.RedisURL = v
	}
	if v, ok := os.LookupEnv("TURN_SECRET"); ok {
		cfg.TURNSecret = v
	}
	if v, ok := os.LookupEnv("TURN_URLS"); ok {
		cfg.TURNURLs = splitCommaList(v)
	}
	if v, ok := os.LookupEnv("TURN_CREDENTIAL_TTL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TURNCredentialTTL = d
		}
	}
	if v, ok := os.LookupEnv("APNS_KEY_ID"); ok {
		cfg.APNSKeyID = v
	}
	if v, ok := os.LookupEnv("APNS_TEAM_ID"); ok {
		cfg.APNSTeamID = v
	}
	if v, ok := os.LookupEnv("APNS_KEY_PATH"); ok {
		cfg.APNSKeyPath = v
	}
	if v, ok := os.LookupEnv("APNS_BUNDLE_ID"); ok {
		cfg.APNSBundleID = v
	}
	if v, ok := os.LookupEnv("APNS_PRODUCTION"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.APNSProduction = b
		}
	}
	if v, ok := os.LookupEnv("ADMIN_API_KEY"); ok {
		cfg.AdminAPIKey = v
	}
	if v, ok := os.LookupEnv("GROUP_QUEUE_OFFLINE"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.GroupQueueOffline = b
		}
	}
	if v, ok := os.LookupEnv("DEDUP_WINDOW"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DedupWindow = d
		}
	}
}

func splitCommaList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports an error for settings that would leave the relay
// unable to start. Settings that merely disable an optional feature
// (an empty TURNSecret, an empty APNSKeyPath, an empty AdminAPIKey)
// are left to the components that consume them — those are intended,
// documented degraded modes, not configuration errors.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: LISTEN_ADDR must not be empty")
	}
	if c.AdminListenAddr == "" {
		return fmt.Errorf("config: ADMIN_LISTEN_ADDR must not be empty")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("config: REDIS_URL must not be empty")
	}
	if c.APNSKeyPath != "" && (c.APNSKeyID == "" || c.APNSTeamID == "" || c.APNSBundleID == "") {
		return fmt.Errorf("config: APNS_KEY_PATH requires APNS_KEY_ID, APNS_TEAM_ID, and APNS_BUNDLE_ID")
	}
	return nil
}
