// Command gateway runs the PII-anonymizing LLM gateway.
//
// It mediates chat-completion, messages, and embeddings traffic to an
// upstream LLM API, redacting personally identifiable information on the
// way out and rehydrating it on the way back into responses bound for the
// original caller. A separate management API exposes health, stats, dynamic
// configuration, dictionary, and session administration.
//
// Usage:
//
//	# Direct upstream access
//	./gateway
//
//	# Custom ports and upstreams
//	PORT=4000 MGMT_PORT=4001 CHAT_COMPLETIONS_UPSTREAM=https://my-proxy ./gateway
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anonamoose/gateway/internal/config"
	"github.com/anonamoose/gateway/internal/detect"
	"github.com/anonamoose/gateway/internal/logger"
	"github.com/anonamoose/gateway/internal/management"
	"github.com/anonamoose/gateway/internal/mediator"
	"github.com/anonamoose/gateway/internal/metrics"
	"github.com/anonamoose/gateway/internal/pipeline"
	"github.com/anonamoose/gateway/internal/sqlstore"
	"github.com/anonamoose/gateway/internal/store"
)

func main() {
	cfg := config.Load()
	printBanner(cfg)

	db, err := sqlstore.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("[BOOT] Fatal: opening database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("[BOOT] database close error: %v", err)
		}
	}()

	initial, err := db.LoadSettings(cfg.Settings)
	if err != nil {
		log.Printf("[BOOT] could not load persisted settings, using defaults: %v", err)
		initial = cfg.Settings
	}
	settingsStore := config.NewSettingsStore(initial)

	m := metrics.New()

	entries, err := db.ListDictionary()
	if err != nil {
		log.Printf("[BOOT] could not load persisted dictionary: %v", err)
	}
	dict, err := detect.NewDictionary(entries)
	if err != nil {
		log.Fatalf("[BOOT] Fatal: building dictionary: %v", err)
	}

	regexLog := logger.New("REGEX", cfg.LogLevel)
	regex := detect.NewRegexDetector(func(category string, err any) {
		regexLog.Warnf("fault", "pattern for category %s panicked: %v", category, err)
		m.ValidatorFaults.Add(1)
	})

	name := detect.NewNameDetector(detect.DefaultGivenNames, detect.DefaultCommonWords)

	ner := detect.NewNERDetector(detect.NERDetectorOptions{
		ModelPath:        cfg.NERModelPath,
		ModelName:        cfg.Settings.NERModel,
		BreakerThreshold: cfg.NERBreakerThreshold,
		BreakerCooldown:  time.Duration(cfg.NERBreakerCooldownSeconds) * time.Second,
		OnLatency:        m.RecordNERLatency,
		OnBreakerOpen:    func() { m.NERBreakerOpens.Add(1) },
		OnBreakerTrip:    func() { m.NERBreakerTrips.Add(1) },
		CachePath:        cfg.NERCachePath,
	})
	defer func() {
		if err := ner.Close(); err != nil {
			log.Printf("[BOOT] ner detector close error: %v", err)
		}
	}()

	p := pipeline.New(dict, ner, regex, name, m)

	ctx, cancelBackend := context.WithTimeout(context.Background(), 5*time.Second)
	backend := store.NewBackend(ctx, cfg.RedisURL, cfg.MaxLocalSessions, logger.New("STORE", cfg.LogLevel))
	cancelBackend()
	sessions := store.New(backend)
	defer func() {
		if err := sessions.Close(); err != nil {
			log.Printf("[BOOT] session store close error: %v", err)
		}
	}()

	mgmt := management.New(cfg, settingsStore, sessions, db, m)
	go func() {
		if err := mgmt.ListenAndServe(); err != nil {
			log.Fatalf("[MANAGEMENT] Fatal: %v", err)
		}
	}()

	med := mediator.New(cfg, settingsStore, p, sessions, m)
	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	log.Printf("[MEDIATOR] Listening on %s", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           med.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Printf("[MEDIATOR] Shutting down…")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("[MEDIATOR] Shutdown error: %v", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[MEDIATOR] Fatal: %v", err)
	}
}

func printBanner(cfg *config.Config) {
	settings := cfg.Settings
	if settings == nil {
		settings = &config.Settings{}
	}
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║              Anonamoose Gateway  (Go)                 ║
╚══════════════════════════════════════════════════════╝
  Port            : %d
  Management port : %d
  Chat upstream   : %s
  Messages upstream: %s
  Database        : %s
  Dictionary      : %v
  Regex           : %v
  Names           : %v
  NER             : %v (%s)

  Point clients here:
    %s/v1/chat/completions
    %s/v1/messages

  Check status:
    curl http://localhost:%d/status
`, cfg.Port, cfg.ManagementPort,
		cfg.ChatCompletionsUpstream, cfg.MessagesUpstream,
		cfg.DBPath,
		settings.EnableDictionary, settings.EnableRegex, settings.EnableNames,
		settings.EnableNER, settings.NERModel,
		fmt.Sprintf("http://localhost:%d", cfg.Port), fmt.Sprintf("http://localhost:%d", cfg.Port),
		cfg.ManagementPort)
}
