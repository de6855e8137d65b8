// Package admin implements the thin, out-of-band HTTP surface spec
// section 9 describes: health and stats probes, TURN credential
// minting for operational checks, and the moderation endpoints (ban,
// unban, delete-user) that the WebSocket protocol itself has no frame
// for. Every endpoint except /health requires the ADMIN_API_KEY bearer
// token; /health answers without one.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/fatihtunali/whisper-relay/block"
	"github.com/fatihtunali/whisper-relay/crypto"
	"github.com/fatihtunali/whisper-relay/directory"
	"github.com/fatihtunali/whisper-relay/group"
	"github.com/fatihtunali/whisper-relay/ids"
	"github.com/fatihtunali/whisper-relay/kv"
	"github.com/fatihtunali/whisper-relay/presence"
	"github.com/fatihtunali/whisper-relay/queue"
	"github.com/fatihtunali/whisper-relay/ratelimit"
	"github.com/sirupsen/logrus"
)

// BanTTL is how long a ban key lives before it lapses on its own. A
// ban is meant to be a deliberate, reviewed moderation action rather
// than a permanent record, so it expires rather than accumulating
// forever in the KV store.
const BanTTL = 30 * 24 * time.Hour

// Server is the admin HTTP surface. It holds direct references to the
// same component instances wsapi.Server wires up — it is a second
// front door onto the same relay state, not a separate subsystem.
type Server struct {
	APIKey string

	Store     kv.Store
	Presence  *presence.Manager
	Directory *directory.Directory
	Blocks    *block.Registry
	Groups    *group.Store
	Queue     *queue.Queue
	Limiter   *ratelimit.Limiter

	TURNSecret        string
	TURNURLs          []string
	TURNCredentialTTL time.Duration
}

type statsResponse struct {
	OnlineCount int `json:"onlineCount"`
}

type turnCredentialsResponse struct {
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	TTL        int64    `json:"ttl"`
	URLs       []string `json:"urls"`
}

type banRequest struct {
	WhisperID string `json:"whisperId"`
	Reason    string `json:"reason,omitempty"`
}

type whisperIDRequest struct {
	WhisperID string `json:"whisperId"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Mux builds the admin HTTP surface. The caller runs it behind its
// own listener (typically a separate port from the relay's WebSocket
// listener), per Config.AdminListenAddr.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.authenticated(s.handleStats))
	mux.HandleFunc("/turn-credentials", s.authenticated(s.handleTURNCredentials))
	mux.HandleFunc("/admin/ban", s.authenticated(s.handleBan))
	mux.HandleFunc("/admin/unban", s.authenticated(s.handleUnban))
	mux.HandleFunc("/admin/delete-user", s.authenticated(s.handleDeleteUser))
	return mux
}

// authenticated wraps next so it only runs for requests carrying a
// valid "Authorization: Bearer <ADMIN_API_KEY>" header. A server with
// no configured APIKey refuses every admin request — there is no
// "wide open" degraded mode for the moderation surface.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.APIKey == "" {
			writeError(w, http.StatusServiceUnavailable, "admin API is not configured on this server")
			return
		}
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, prefix) || auth[len(prefix):] != s.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid or missing admin API key")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{OnlineCount: s.Presence.OnlineCount()})
}

func (s *Server) handleTURNCredentials(w http.ResponseWriter, r *http.Request) {
	whisperID := r.URL.Query().Get("whisperId")
	if !ids.IsWhisperID(whisperID) {
		writeError(w, http.StatusBadRequest, "whisperId query parameter is required and must be valid")
		return
	}
	if s.TURNSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "TURN credentials are not configured on this server")
		return
	}
	ttl := s.TURNCredentialTTL
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	creds := crypto.MintTURNCredentials(s.TURNSecret, whisperID, ttl, time.Now())
	writeJSON(w, http.StatusOK, turnCredentialsResponse{
		Username:   creds.Username,
		Credential: creds.Password,
		TTL:        int64(creds.TTL.Seconds()),
		URLs:       s.TURNURLs,
	})
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !ids.IsWhisperID(req.WhisperID) {
		writeError(w, http.StatusBadRequest, "whisperId does not match the required shape")
		return
	}

	ctx := r.Context()
	if err := s.Store.Set(ctx, kv.Keys.Banned(req.WhisperID), req.Reason, BanTTL); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleBan",
			"whisper_id": req.WhisperID,
			"error":      err.Error(),
		}).Warn("admin: failed to record ban")
		writeError(w, http.StatusInternalServerError, "failed to record ban")
		return
	}

	// A ban only stops future register attempts unless the account is
	// currently connected — disconnect it now so the ban takes effect
	// immediately rather than only when the live connection next ends.
	if sess, ok := s.Presence.Get(req.WhisperID); ok {
		_ = sess.Emitter.Close(1008, "account banned")
		s.Presence.Unregister(ctx, sess)
	}

	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	var req whisperIDRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !ids.IsWhisperID(req.WhisperID) {
		writeError(w, http.StatusBadRequest, "whisperId does not match the required shape")
		return
	}

	if err := s.Store.Delete(r.Context(), kv.Keys.Banned(req.WhisperID)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleUnban",
			"whisper_id": req.WhisperID,
			"error":      err.Error(),
		}).Warn("admin: failed to clear ban")
		writeError(w, http.StatusInternalServerError, "failed to clear ban")
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	var req whisperIDRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !ids.IsWhisperID(req.WhisperID) {
		writeError(w, http.StatusBadRequest, "whisperId does not match the required shape")
		return
	}

	s.deleteUser(r.Context(), req.WhisperID)
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// deleteUser performs the same teardown wsapi's user-initiated account
// deletion does — destroy groups the account created, leave the ones
// it didn't, unblock everyone, clear directory and rate-limiter state
// — but administratively, with no live socket or signed confirmation
// required. It also severs any active connection immediately.
func (s *Server) deleteUser(ctx context.Context, whisperID string) {
	if s.Queue != nil {
		if err := s.Queue.Clear(ctx, whisperID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "deleteUser",
				"whisper_id": whisperID,
				"error":      err.Error(),
			}).Warn("admin: failed to clear queued messages for deleted account")
		}
	}
	if _, err := s.Groups.DestroyCreatedBy(ctx, whisperID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "deleteUser",
			"whisper_id": whisperID,
			"error":      err.Error(),
		}).Warn("admin: failed to destroy groups created by deleted account")
	}
	if groups, err := s.Groups.GroupsFor(ctx, whisperID); err == nil {
		for _, gid := range groups {
			_ = s.Groups.Leave(ctx, gid, whisperID)
		}
	}
	if err := s.Blocks.ClearAllInvolving(ctx, whisperID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "deleteUser",
			"whisper_id": whisperID,
			"error":      err.Error(),
		}).Warn("admin: failed to clear blocks for deleted account")
	}
	if err := s.Directory.Delete(ctx, whisperID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "deleteUser",
			"whisper_id": whisperID,
			"error":      err.Error(),
		}).Warn("admin: failed to clear directory entries")
	}
	s.Limiter.Forget(whisperID)

	if sess, ok := s.Presence.Get(whisperID); ok {
		_ = sess.Emitter.Close(1000, "account deleted")
		s.Presence.Unregister(ctx, sess)
	}
	if err := s.Presence.PurgeAccount(ctx, whisperID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "deleteUser",
			"whisper_id": whisperID,
			"error":      err.Error(),
		}).Warn("admin: failed to purge presence entries for deleted account")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
