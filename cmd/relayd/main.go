// Command relayd is the Whisper Relay process entrypoint: it loads
// configuration, wires every component package together, and serves
// the WebSocket relay and the admin HTTP surface until told to stop.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatihtunali/whisper-relay/admin"
	"github.com/fatihtunali/whisper-relay/auth"
	"github.com/fatihtunali/whisper-relay/block"
	"github.com/fatihtunali/whisper-relay/call"
	"github.com/fatihtunali/whisper-relay/config"
	"github.com/fatihtunali/whisper-relay/directory"
	"github.com/fatihtunali/whisper-relay/group"
	"github.com/fatihtunali/whisper-relay/kv"
	"github.com/fatihtunali/whisper-relay/presence"
	"github.com/fatihtunali/whisper-relay/push"
	"github.com/fatihtunali/whisper-relay/queue"
	"github.com/fatihtunali/whisper-relay/ratelimit"
	"github.com/fatihtunali/whisper-relay/router"
	"github.com/fatihtunali/whisper-relay/wsapi"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to an optional YAML config file; environment variables always take precedence")
	logLevel := flag.String("log-level", envOr("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flag.Parse()

	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		logrus.SetLevel(lvl)
	} else {
		logrus.WithField("log_level", *logLevel).Warn("relayd: unrecognized log level, defaulting to info")
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithField("error", err.Error()).Fatal("relayd: failed to load configuration")
	}

	store, err := kv.NewRedisStore(cfg.RedisURL)
	if err != nil {
		logrus.WithField("error", err.Error()).Fatal("relayd: failed to connect to Redis")
	}
	defer store.Close()

	pm := presence.New(store)
	defer pm.Stop()

	blocks := block.New(store)
	q := queue.New(store)
	dir := directory.New(store)
	groups := group.New(store)
	calls := call.New(store)
	limiter := ratelimit.New()
	authSvc := auth.NewService()
	defer authSvc.Stop()

	dispatch := buildDispatcher(cfg)

	r := router.New(store, pm, blocks, q, dir, dispatch)
	r.SetDedupWindow(cfg.DedupWindow)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		logrus.WithField("error", err.Error()).Fatal("relayd: failed to start router")
	}
	defer r.Stop()

	relay := &wsapi.Server{
		Store:             store,
		Auth:              authSvc,
		Presence:          pm,
		Router:            r,
		Queue:             q,
		Directory:         dir,
		Blocks:            blocks,
		Groups:            groups,
		Calls:             calls,
		Dispatch:          dispatch,
		Limiter:           limiter,
		TURNSecret:        cfg.TURNSecret,
		TURNURLs:          cfg.TURNURLs,
		TURNCredentialTTL: cfg.TURNCredentialTTL,
		GroupQueueOffline: cfg.GroupQueueOffline,
	}

	adminSrv := &admin.Server{
		APIKey:            cfg.AdminAPIKey,
		Store:             store,
		Presence:          pm,
		Directory:         dir,
		Blocks:            blocks,
		Groups:            groups,
		Queue:             q,
		Limiter:           limiter,
		TURNSecret:        cfg.TURNSecret,
		TURNURLs:          cfg.TURNURLs,
		TURNCredentialTTL: cfg.TURNCredentialTTL,
	}

	relayHTTP := &http.Server{Addr: cfg.ListenAddr, Handler: relay}
	adminHTTP := &http.Server{Addr: cfg.AdminListenAddr, Handler: adminSrv.Mux()}

	go func() {
		logrus.WithField("addr", cfg.ListenAddr).Info("relayd: relay listening")
		if err := relayHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithField("error", err.Error()).Fatal("relayd: relay server failed")
		}
	}()
	go func() {
		logrus.WithField("addr", cfg.AdminListenAddr).Info("relayd: admin listening")
		if err := adminHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithField("error", err.Error()).Fatal("relayd: admin server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logrus.Info("relayd: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = relayHTTP.Shutdown(shutdownCtx)
	_ = adminHTTP.Shutdown(shutdownCtx)
}

// buildDispatcher constructs the push Dispatcher from cfg, leaving the
// APNs transport nil (not a typed-nil *push.APNSClient) when its
// configuration is incomplete so Dispatcher's own nil checks see a
// true nil interface rather than a non-nil interface wrapping a nil
// pointer.
func buildDispatcher(cfg config.Config) *push.Dispatcher {
	expoClient := push.NewExpoClient(&http.Client{Timeout: 10 * time.Second})

	if cfg.APNSKeyPath == "" {
		return push.New(nil, expoClient)
	}

	keyBytes, err := os.ReadFile(cfg.APNSKeyPath)
	if err != nil {
		logrus.WithField("error", err.Error()).Warn("relayd: failed to read APNs key, VoIP push disabled")
		return push.New(nil, expoClient)
	}
	privateKey, err := push.ParseAPNSKey(keyBytes)
	if err != nil {
		logrus.WithField("error", err.Error()).Warn("relayd: failed to parse APNs key, VoIP push disabled")
		return push.New(nil, expoClient)
	}

	apnsClient := push.NewAPNSClient(push.APNSConfig{
		KeyID:      cfg.APNSKeyID,
		TeamID:     cfg.APNSTeamID,
		BundleID:   cfg.APNSBundleID,
		PrivateKey: privateKey,
		Production: cfg.APNSProduction,
	}, &http.Client{Timeout: 10 * time.Second})

	return push.New(apnsClient, expoClient)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
