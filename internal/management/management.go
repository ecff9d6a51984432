// Package management provides the admin/stats HTTP surface for runtime
// inspection and configuration of the running gateway.
//
// Endpoints:
//
//	GET  /status              - health, uptime, current settings
//	GET  /stats                - metrics snapshot (admin or stats token)
//	GET  /settings              - current detection Settings snapshot
//	POST /settings              - publish a new Settings snapshot
//	GET  /dictionary            - list dictionary entries
//	POST /dictionary            - add or replace a dictionary entry
//	POST /dictionary/remove     - remove a dictionary entry {"term":"..."}
//	GET  /sessions              - list sessions, sorted by createdAt descending
//	GET  /sessions/search       - search sessions ?q=...
//	POST /sessions/delete       - delete one session {"sessionId":"..."}
//	POST /sessions/delete-all   - delete every session
//	POST /sessions/extend       - extend a session's ttl {"sessionId":"...","ttlSeconds":...}
package management

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anonamoose/gateway/internal/config"
	"github.com/anonamoose/gateway/internal/detect"
	"github.com/anonamoose/gateway/internal/logger"
	"github.com/anonamoose/gateway/internal/metrics"
	"github.com/anonamoose/gateway/internal/sqlstore"
	"github.com/anonamoose/gateway/internal/store"
)

// Server is the management API server.
type Server struct {
	cfg      *config.Config
	settings *config.SettingsStore
	sessions *store.Store
	dict     *sqlstore.DB
	metrics  *metrics.Metrics
	log      *logger.Logger

	startTime time.Time

	adminToken string // API_TOKEN; empty disables the check
	statsToken string // STATS_TOKEN; grants read-only access to /status and /stats
}

// New creates a management server wired to the shared settings store,
// rehydration store, and dictionary database.
func New(cfg *config.Config, settings *config.SettingsStore, sessions *store.Store, dict *sqlstore.DB, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:        cfg,
		settings:   settings,
		sessions:   sessions,
		dict:       dict,
		metrics:    m,
		log:        logger.New("MANAGEMENT", cfg.LogLevel),
		startTime:  time.Now(),
		adminToken: cfg.APIToken,
		statsToken: cfg.StatsToken,
	}
	if s.adminToken != "" {
		s.log.Info("boot", "bearer admin token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/stats", s.requireAnyToken(s.handleStats))
	mux.HandleFunc("/settings", s.requireAdmin(s.handleSettings))
	mux.HandleFunc("/dictionary", s.requireAdmin(s.handleDictionary))
	mux.HandleFunc("/dictionary/remove", s.requireAdmin(s.handleDictionaryRemove))
	mux.HandleFunc("/sessions", s.requireAdmin(s.handleSessions))
	mux.HandleFunc("/sessions/search", s.requireAdmin(s.handleSessionsSearch))
	mux.HandleFunc("/sessions/delete", s.requireAdmin(s.handleSessionsDelete))
	mux.HandleFunc("/sessions/delete-all", s.requireAdmin(s.handleSessionsDeleteAll))
	mux.HandleFunc("/sessions/extend", s.requireAdmin(s.handleSessionsExtend))
	return mux
}

// requireAdmin gates a handler behind the admin (API_TOKEN) bearer token.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.tokenMatches(r, s.adminToken) {
			s.unauthorized(w, r)
			return
		}
		next(w, r)
	}
}

// requireAnyToken gates a handler behind either the admin or stats token.
func (s *Server) requireAnyToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.tokenMatches(r, s.adminToken) && !s.tokenMatches(r, s.statsToken) {
			s.unauthorized(w, r)
			return
		}
		next(w, r)
	}
}

// tokenMatches reports whether the request's bearer token equals want. An
// empty want means the check is disabled.
func (s *Server) tokenMatches(r *http.Request, want string) bool {
	if want == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	got := strings.TrimSpace(auth[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) unauthorized(w http.ResponseWriter, r *http.Request) {
	s.log.Warnf("auth", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "kind": "Unauthorized"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Status   string           `json:"status"`
		Uptime   string           `json:"uptime"`
		Port     int              `json:"port"`
		Settings *config.Settings `json:"settings"`
	}{
		Status:   "running",
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		Port:     s.cfg.Port,
		Settings: s.settings.Get(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.settings.Get())
	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
		var next config.Settings
		if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
			http.Error(w, "invalid settings body", http.StatusBadRequest)
			return
		}
		s.settings.Publish(&next)
		if s.dict != nil {
			if err := s.dict.SaveSettings(&next); err != nil {
				s.log.Errorf("settings", "persist failed: %v", err)
			}
		}
		s.log.Info("settings", "published a new settings snapshot")
		writeJSON(w, http.StatusOK, &next)
	default:
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDictionary(w http.ResponseWriter, r *http.Request) {
	if s.dict == nil {
		http.Error(w, "dictionary persistence not enabled", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		entries, err := s.dict.ListDictionary()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
		var entry detect.DictionaryEntry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil || entry.Term == "" {
			http.Error(w, `invalid request: need {"term","category","caseSensitive"}`, http.StatusBadRequest)
			return
		}
		if err := s.dict.UpsertDictionaryEntry(entry); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.log.Infof("dictionary", "upserted term %q", entry.Term)
		writeJSON(w, http.StatusOK, entry)
	default:
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDictionaryRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if s.dict == nil {
		http.Error(w, "dictionary persistence not enabled", http.StatusServiceUnavailable)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	var req struct {
		Term string `json:"term"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Term == "" {
		http.Error(w, `invalid request: need {"term":"..."}`, http.StatusBadRequest)
		return
	}
	ok, err := s.dict.DeleteDictionaryEntry(req.Term)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": ok})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	sessions, err := s.sessions.GetAllSessions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionsSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	results, err := s.sessions.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleSessionsDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		http.Error(w, `invalid request: need {"sessionId":"..."}`, http.StatusBadRequest)
		return
	}
	ok, err := s.sessions.Delete(r.Context(), req.SessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": ok})
}

func (s *Server) handleSessionsDeleteAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	n, err := s.sessions.DeleteAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.log.Infof("sessions", "deleted all %d sessions", n)
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleSessionsExtend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	var req struct {
		SessionID  string `json:"sessionId"`
		TTLSeconds int    `json:"ttlSeconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.TTLSeconds <= 0 {
		http.Error(w, `invalid request: need {"sessionId","ttlSeconds"}`, http.StatusBadRequest)
		return
	}
	ok, err := s.sessions.Extend(r.Context(), req.SessionID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"extended": ok})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe starts the management HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.ManagementPort)
	s.log.Infof("boot", "listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
