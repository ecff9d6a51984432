// Package config loads and holds all gateway configuration.
// Settings are layered: defaults → gateway-config.json → environment variables (env vars win).
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
)

// Config holds the full gateway configuration: ports, auth tokens, storage
// locations, and the initial detection Settings snapshot.
type Config struct {
	Port           int    `json:"port"`
	ManagementPort int    `json:"managementPort"`
	LogLevel       string `json:"logLevel"`
	BindAddress    string `json:"bindAddress"`

	DBPath       string `json:"dbPath"`
	APIToken     string `json:"apiToken"`
	StatsToken   string `json:"statsToken"`
	RedisURL     string `json:"redisUrl"` // optional; empty = local-only store
	NERModelPath string `json:"nerModelCache"`
	NERCachePath string `json:"nerCachePath"` // bbolt classification cache; empty disables it

	// Upstream base URLs for the two mediated protocols (C8).
	ChatCompletionsUpstream string `json:"chatCompletionsUpstream"`
	MessagesUpstream        string `json:"messagesUpstream"`

	// MaxLocalSessions bounds the local store backend (§5 capacity protection).
	MaxLocalSessions int `json:"maxLocalSessions"`

	// DefaultSessionTTLSeconds is applied to sessions created without an
	// explicit ttl.
	DefaultSessionTTLSeconds int `json:"defaultSessionTtlSeconds"`

	// NERBreakerThreshold is the consecutive-failure count (§4.4) that opens
	// the NER circuit breaker; NERBreakerCooldownSeconds is the open-state
	// cooldown before a half-open probe is attempted.
	NERBreakerThreshold      int `json:"nerBreakerThreshold"`
	NERBreakerCooldownSeconds int `json:"nerBreakerCooldownSeconds"`

	// Settings is the initial detection-layer configuration snapshot (§3,
	// §9 dynamic configuration). Mutated only by publishing a fresh pointer.
	Settings *Settings `json:"settings"`
}

// Settings is the immutable, swap-on-write configuration snapshot detectors
// read at layer entry (§9). A new Settings value is built and the pointer
// swapped; existing readers keep using their already-read pointer.
type Settings struct {
	EnableDictionary bool `json:"enableDictionary"`
	EnableRegex      bool `json:"enableRegex"`
	EnableNames      bool `json:"enableNames"`
	EnableNER        bool `json:"enableNER"`

	NERModel         string  `json:"nerModel"`
	NERMinConfidence float64 `json:"nerMinConfidence"`

	TokenizePlaceholders bool   `json:"tokenizePlaceholders"`
	PlaceholderPrefix    string `json:"placeholderPrefix"`
	PlaceholderSuffix    string `json:"placeholderSuffix"`

	// Locale restricts regional regex pattern sets. One of AU, NZ, UK, US,
	// or "" (unset, all regional patterns active).
	Locale string `json:"locale"`
}

// Load returns config with defaults overridden by gateway-config.json and env vars.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "gateway-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		Port:           3000,
		ManagementPort: 3001,
		LogLevel:       "info",
		BindAddress:    "0.0.0.0",

		DBPath:       "anonamoose.db",
		NERModelPath: "ner-model-cache",
		NERCachePath: "ner-classifications.bbolt",

		ChatCompletionsUpstream: "https://api.openai.com",
		MessagesUpstream:        "https://api.anthropic.com",

		MaxLocalSessions:         10_000,
		DefaultSessionTTLSeconds: 3600,

		NERBreakerThreshold:       3,
		NERBreakerCooldownSeconds: 30,

		Settings: &Settings{
			EnableDictionary: true,
			EnableRegex:      true,
			EnableNames:      true,
			EnableNER:        true,

			NERModel:         "dslim/bert-base-NER",
			NERMinConfidence: 0.6,

			TokenizePlaceholders: true,
			PlaceholderPrefix:    "",
			PlaceholderSuffix:    "",
		},
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is a controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("MGMT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagementPort = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("ANONAMOOSE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("API_TOKEN"); v != "" {
		cfg.APIToken = v
	}
	if v := os.Getenv("STATS_TOKEN"); v != "" {
		cfg.StatsToken = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("NER_MODEL_CACHE"); v != "" {
		cfg.NERModelPath = v
	}
	if v := os.Getenv("NER_CACHE_PATH"); v != "" {
		cfg.NERCachePath = v
	}
	if v := os.Getenv("CHAT_COMPLETIONS_UPSTREAM"); v != "" {
		cfg.ChatCompletionsUpstream = v
	}
	if v := os.Getenv("MESSAGES_UPSTREAM"); v != "" {
		cfg.MessagesUpstream = v
	}
	if v := os.Getenv("MAX_LOCAL_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxLocalSessions = n
		}
	}
	if v := os.Getenv("DEFAULT_SESSION_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DefaultSessionTTLSeconds = n
		}
	}
	if v := os.Getenv("NER_BREAKER_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.NERBreakerThreshold = n
		}
	}
	if v := os.Getenv("NER_BREAKER_COOLDOWN_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.NERBreakerCooldownSeconds = n
		}
	}
	if v := os.Getenv("NER_MIN_CONFIDENCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Settings.NERMinConfidence = f
		}
	}
	if v := os.Getenv("LOCALE"); v != "" {
		cfg.Settings.Locale = v
	}
	if v := os.Getenv("ENABLE_NER"); v == "false" {
		cfg.Settings.EnableNER = false
	}
	if v := os.Getenv("ENABLE_DICTIONARY"); v == "false" {
		cfg.Settings.EnableDictionary = false
	}
	if v := os.Getenv("ENABLE_REGEX"); v == "false" {
		cfg.Settings.EnableRegex = false
	}
	if v := os.Getenv("ENABLE_NAMES"); v == "false" {
		cfg.Settings.EnableNames = false
	}
}
