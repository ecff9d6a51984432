package config

import (
	"encoding/json"
	"os"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Port != 3000 {
		t.Errorf("Port: got %d, want 3000", cfg.Port)
	}
	if cfg.ManagementPort != 3001 {
		t.Errorf("ManagementPort: got %d, want 3001", cfg.ManagementPort)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
	if cfg.DBPath != "anonamoose.db" {
		t.Errorf("DBPath: got %s", cfg.DBPath)
	}
	if cfg.MaxLocalSessions != 10_000 {
		t.Errorf("MaxLocalSessions: got %d, want 10000", cfg.MaxLocalSessions)
	}
	if cfg.NERBreakerThreshold != 3 {
		t.Errorf("NERBreakerThreshold: got %d, want 3", cfg.NERBreakerThreshold)
	}
	if cfg.Settings == nil {
		t.Fatal("Settings should not be nil")
	}
	if !cfg.Settings.EnableDictionary || !cfg.Settings.EnableRegex ||
		!cfg.Settings.EnableNames || !cfg.Settings.EnableNER {
		t.Error("all detection layers should default to enabled")
	}
	if cfg.Settings.NERMinConfidence != 0.6 {
		t.Errorf("NERMinConfidence: got %f, want 0.6", cfg.Settings.NERMinConfidence)
	}
	if !cfg.Settings.TokenizePlaceholders {
		t.Error("TokenizePlaceholders should default to true")
	}
}

func TestLoadEnv_Port(t *testing.T) {
	t.Setenv("PORT", "9090")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.Port != 9090 {
		t.Errorf("Port: got %d, want 9090", cfg.Port)
	}
}

func TestLoadEnv_MgmtPort(t *testing.T) {
	t.Setenv("MGMT_PORT", "9091")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.ManagementPort != 9091 {
		t.Errorf("ManagementPort: got %d, want 9091", cfg.ManagementPort)
	}
}

func TestLoadEnv_DBPath(t *testing.T) {
	t.Setenv("ANONAMOOSE_DB_PATH", "/var/lib/anonamoose/gateway.db")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.DBPath != "/var/lib/anonamoose/gateway.db" {
		t.Errorf("DBPath: got %s", cfg.DBPath)
	}
}

func TestLoadEnv_APIToken(t *testing.T) {
	t.Setenv("API_TOKEN", "secret-admin-token")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.APIToken != "secret-admin-token" {
		t.Errorf("APIToken: got %s", cfg.APIToken)
	}
}

func TestLoadEnv_StatsToken(t *testing.T) {
	t.Setenv("STATS_TOKEN", "secret-stats-token")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.StatsToken != "secret-stats-token" {
		t.Errorf("StatsToken: got %s", cfg.StatsToken)
	}
}

func TestLoadEnv_RedisURL(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("RedisURL: got %s", cfg.RedisURL)
	}
}

func TestLoadEnv_NERModelCache(t *testing.T) {
	t.Setenv("NER_MODEL_CACHE", "/var/cache/ner-models")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.NERModelPath != "/var/cache/ner-models" {
		t.Errorf("NERModelPath: got %s", cfg.NERModelPath)
	}
}

func TestLoadEnv_NERMinConfidence(t *testing.T) {
	t.Setenv("NER_MIN_CONFIDENCE", "0.85")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.Settings.NERMinConfidence != 0.85 {
		t.Errorf("NERMinConfidence: got %f, want 0.85", cfg.Settings.NERMinConfidence)
	}
}

func TestLoadEnv_Locale(t *testing.T) {
	t.Setenv("LOCALE", "NZ")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.Settings.Locale != "NZ" {
		t.Errorf("Locale: got %s, want NZ", cfg.Settings.Locale)
	}
}

func TestLoadEnv_DisableNER(t *testing.T) {
	t.Setenv("ENABLE_NER", "false")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.Settings.EnableNER {
		t.Error("EnableNER should be false")
	}
}

func TestLoadEnv_DisableDictionary(t *testing.T) {
	t.Setenv("ENABLE_DICTIONARY", "false")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.Settings.EnableDictionary {
		t.Error("EnableDictionary should be false")
	}
}

func TestLoadEnv_MaxLocalSessions(t *testing.T) {
	t.Setenv("MAX_LOCAL_SESSIONS", "500")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.MaxLocalSessions != 500 {
		t.Errorf("MaxLocalSessions: got %d, want 500", cfg.MaxLocalSessions)
	}
}

func TestLoadEnv_MaxLocalSessions_Zero_Ignored(t *testing.T) {
	t.Setenv("MAX_LOCAL_SESSIONS", "0")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.MaxLocalSessions != 10_000 {
		t.Errorf("MaxLocalSessions: got %d, want 10000 (zero should be ignored)", cfg.MaxLocalSessions)
	}
}

func TestLoadEnv_NERBreakerThreshold(t *testing.T) {
	t.Setenv("NER_BREAKER_THRESHOLD", "5")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.NERBreakerThreshold != 5 {
		t.Errorf("NERBreakerThreshold: got %d, want 5", cfg.NERBreakerThreshold)
	}
}

func TestLoadEnv_InvalidPort_Ignored(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.Port != 3000 {
		t.Errorf("Port: got %d, want 3000 (invalid env should be ignored)", cfg.Port)
	}
}

func TestLoadFile_ValidJSON(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "config-*.json")
	if err != nil {
		t.Fatal(err)
	}

	data, marshalErr := json.Marshal(map[string]any{
		"port":     9999,
		"dbPath":   "custom.db",
		"logLevel": "debug",
	})
	if marshalErr != nil {
		t.Fatal(marshalErr)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	cfg := defaults()
	loadFile(cfg, f.Name())

	if cfg.Port != 9999 {
		t.Errorf("Port: got %d, want 9999", cfg.Port)
	}
	if cfg.DBPath != "custom.db" {
		t.Errorf("DBPath: got %s", cfg.DBPath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
}

func TestLoadFile_Missing_IsNoOp(t *testing.T) {
	cfg := defaults()
	loadFile(cfg, "/nonexistent/path/config.json")
	if cfg.Port != 3000 {
		t.Errorf("Port changed unexpectedly: %d", cfg.Port)
	}
}

func TestLoadFile_InvalidJSON_PreservesDefaults(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "config-bad-*.json")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{this is not json}"); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	cfg := defaults()
	loadFile(cfg, f.Name())
	if cfg.Port != 3000 {
		t.Errorf("Port changed on bad JSON: %d", cfg.Port)
	}
}

func TestLoad_ReturnsNonNil(t *testing.T) {
	cfg := Load()
	if cfg == nil {
		t.Fatal("Load() returned nil")
	}
	if cfg.Port <= 0 {
		t.Errorf("Port should be positive, got %d", cfg.Port)
	}
}
