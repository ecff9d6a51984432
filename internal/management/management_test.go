package management

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anonamoose/gateway/internal/config"
	"github.com/anonamoose/gateway/internal/metrics"
	"github.com/anonamoose/gateway/internal/sqlstore"
	"github.com/anonamoose/gateway/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:           3000,
		ManagementPort: 3001,
		LogLevel:       "error",
		BindAddress:    "127.0.0.1",
	}
}

func newTestServer(t *testing.T, adminToken, statsToken string) *Server {
	t.Helper()
	cfg := testConfig()
	cfg.APIToken = adminToken
	cfg.StatsToken = statsToken
	settings := config.NewSettingsStore(&config.Settings{EnableDictionary: true, Locale: "AU"})
	sessions := store.New(store.NewLocalBackend(100, nil))
	db, err := sqlstore.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return New(cfg, settings, sessions, db, nil)
}

// --- auth ---

func TestAuth_NoToken_PassThrough(t *testing.T) {
	srv := newTestServer(t, "", "")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with no token configured, got %d", w.Code)
	}
}

func TestAuth_AdminToken_GrantsSettingsAccess(t *testing.T) {
	srv := newTestServer(t, "secret123", "")
	req := httptest.NewRequest(http.MethodGet, "/settings", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with valid admin token, got %d", w.Code)
	}
}

func TestAuth_InvalidToken(t *testing.T) {
	srv := newTestServer(t, "secret123", "")
	req := httptest.NewRequest(http.MethodGet, "/settings", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", w.Code)
	}
}

func TestAuth_MissingToken(t *testing.T) {
	srv := newTestServer(t, "secret123", "")
	req := httptest.NewRequest(http.MethodGet, "/settings", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with missing token, got %d", w.Code)
	}
}

func TestAuth_StatsToken_GrantsStatsButNotSettings(t *testing.T) {
	srv := newTestServer(t, "admin-secret", "stats-secret")
	// /stats answers 503 without a metrics sink.
	srv.metrics = metrics.New()

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "Bearer stats-secret")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("stats token should grant /stats, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/settings", nil)
	req.Header.Set("Authorization", "Bearer stats-secret")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("stats token should not grant /settings, got %d", w.Code)
	}
}

// --- status ---

func TestStatus_OK(t *testing.T) {
	srv := newTestServer(t, "", "")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["status"] != "running" {
		t.Errorf("expected status=running, got %v", resp["status"])
	}
}

// --- settings ---

func TestSettings_GetReflectsPublished(t *testing.T) {
	srv := newTestServer(t, "", "")
	req := httptest.NewRequest(http.MethodGet, "/settings", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var got config.Settings
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Locale != "AU" {
		t.Errorf("expected seeded locale AU, got %q", got.Locale)
	}
}

func TestSettings_PostPublishesNewSnapshot(t *testing.T) {
	srv := newTestServer(t, "", "")
	body := `{"enableDictionary":false,"locale":"NZ"}`
	req := httptest.NewRequest(http.MethodPost, "/settings", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if srv.settings.Get().Locale != "NZ" {
		t.Errorf("expected published settings to take effect, got %q", srv.settings.Get().Locale)
	}
}

func TestSettings_PostInvalidBody(t *testing.T) {
	srv := newTestServer(t, "", "")
	req := httptest.NewRequest(http.MethodPost, "/settings", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- dictionary ---

func TestDictionary_AddListRemove(t *testing.T) {
	srv := newTestServer(t, "", "")

	addBody := `{"Term":"Acme Corp","Category":"ORG","CaseSensitive":true}`
	req := httptest.NewRequest(http.MethodPost, "/dictionary", strings.NewReader(addBody))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("add: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/dictionary", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if !strings.Contains(w.Body.String(), "Acme Corp") {
		t.Errorf("expected listed entry, got %s", w.Body.String())
	}

	removeBody := `{"term":"Acme Corp"}`
	req = httptest.NewRequest(http.MethodPost, "/dictionary/remove", strings.NewReader(removeBody))
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("remove: expected 200, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/dictionary", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if strings.Contains(w.Body.String(), "Acme Corp") {
		t.Errorf("expected entry removed, got %s", w.Body.String())
	}
}

func TestDictionary_AddEmptyTerm(t *testing.T) {
	srv := newTestServer(t, "", "")
	req := httptest.NewRequest(http.MethodPost, "/dictionary", strings.NewReader(`{"Term":""}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty term, got %d", w.Code)
	}
}

// --- sessions ---

func TestSessions_ListEmpty(t *testing.T) {
	srv := newTestServer(t, "", "")
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "null" && strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty session list, got %s", w.Body.String())
	}
}

func TestSessions_DeleteAll(t *testing.T) {
	srv := newTestServer(t, "", "")
	req := httptest.NewRequest(http.MethodPost, "/sessions/delete-all", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestSessions_DeleteMissingSessionID(t *testing.T) {
	srv := newTestServer(t, "", "")
	req := httptest.NewRequest(http.MethodPost, "/sessions/delete", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing sessionId, got %d", w.Code)
	}
}

func TestSessions_ExtendWrongMethod(t *testing.T) {
	srv := newTestServer(t, "", "")
	req := httptest.NewRequest(http.MethodGet, "/sessions/extend", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", w.Code)
	}
}

// --- stats ---

func TestStats_NilMetrics_ServiceUnavailable(t *testing.T) {
	srv := newTestServer(t, "", "")
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with metrics disabled, got %d", w.Code)
	}
}
