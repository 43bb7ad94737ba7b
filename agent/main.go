package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/haasonsaas/warden/pkg/config"
	"github.com/haasonsaas/warden/pkg/credstore"
	"github.com/haasonsaas/warden/pkg/protocol"
	"github.com/haasonsaas/warden/pkg/transport"
)

var (
	configPath   = flag.String("config", "/etc/warden/agent.yaml", "Config file path")
	serverURL    = flag.String("server", "", "Collector URL (overrides config)")
	onboardEmail = flag.String("email", "", "Employee email; triggers onboarding when the device is not activated")
	adminEmails  = flag.String("admins", "", "Comma-separated admin emails recorded during onboarding")
	Version      = "dev"
)

// Agent holds everything the background loops share: the bootstrap config,
// the credential store, and the transport client. It is built once at startup
// and passed explicitly; there are no package-level singletons.
type Agent struct {
	cfg      *config.AgentConfig
	store    *credstore.Store
	client   *transport.Client
	state    *credstore.Config
	handlers map[protocol.CommandType]CommandHandler
}

func main() {
	flag.Parse()

	configureLogger()
	log.Info().Str("version", Version).Msg("Warden agent starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	applyLogging(cfg.Logging)

	store := credstore.New(cfg.State.ConfigPath, cfg.State.KeyPath, cfg.State.BootstrapPath)
	state, err := store.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load credential store")
	}

	// A stale login past the force-login window demands re-activation.
	if state.Activated && loginExpired(state) {
		log.Warn().Msg("Force-login interval elapsed, re-activation required")
		state.Activated = false
		if err := store.Save(state); err != nil {
			log.Fatal().Err(err).Msg("Failed to persist re-activation flag")
		}
	}

	if !state.Activated {
		if *onboardEmail == "" {
			log.Fatal().Msg("Device not activated; run with -email to onboard")
		}
		state, err = runOnboarding(store, cfg, *onboardEmail, splitEmails(*adminEmails))
		if err != nil {
			log.Fatal().Err(err).Msg("Onboarding failed")
		}
	}

	if state.AgentVersion == "" {
		state.AgentVersion = cfg.Version
	}
	state.LastLogin = time.Now().Unix()
	if err := store.Save(state); err != nil {
		log.Fatal().Err(err).Msg("Failed to persist login time")
	}

	client, err := clientFromState(cfg, state)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build transport client")
	}

	agent := &Agent{cfg: cfg, store: store, client: client, state: state, handlers: defaultHandlers()}
	log.Info().Str("device_id", state.DeviceID).Str("server", baseURL(cfg, state)).Msg("Agent initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info().Msg("Shutdown requested")
		cancel()
	}()

	var wg sync.WaitGroup
	runLoop := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			log.Info().Str("loop", name).Msg("Loop stopped")
		}()
	}
	runLoop("commands", agent.commandLoop)
	runLoop("policy-sync", agent.policySyncLoop)
	runLoop("update-sync", agent.updateSyncLoop)
	runLoop("native-listener", agent.nativeListener)

	wg.Wait()
	log.Info().Msg("Agent stopped")
}

func clientFromState(cfg *config.AgentConfig, state *credstore.Config) (*transport.Client, error) {
	return transport.New(transport.Options{
		BaseURL:        baseURL(cfg, state),
		Token:          state.Token,
		ClientCertPath: state.ClientCertPath,
		ClientKeyPath:  state.ClientKeyPath,
		CABundlePath:   state.CABundlePath,
		Timeout:        time.Duration(cfg.Server.RequestTimeout) * time.Second,
		RetryInitialMs: cfg.Server.RetryInitialMs,
		RetryMaxMs:     cfg.Server.RetryMaxMs,
		RetryMax:       cfg.Server.RetryMaxRetries,
	})
}

// baseURL prefers the server recorded during activation; the bootstrap config
// is the fallback for first contact.
func baseURL(cfg *config.AgentConfig, state *credstore.Config) string {
	if state.ServerURL != "" {
		return state.ServerURL
	}
	return cfg.Server.URL
}

func loginExpired(state *credstore.Config) bool {
	if state.ForceLoginInterval <= 0 || state.LastLogin == 0 {
		return false
	}
	return time.Since(time.Unix(state.LastLogin, 0)) > time.Duration(state.ForceLoginInterval)*time.Second
}

func splitEmails(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func configureLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("WARDEN_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	log.Logger = newLogger(os.Getenv("WARDEN_LOG_FORMAT")).Level(level)
	zerolog.SetGlobalLevel(level)
}

func applyLogging(cfg config.LoggingConfig) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil {
		level = parsed
	}
	format := "console"
	if cfg.JSON {
		format = "json"
	}
	log.Logger = newLogger(format).Level(level)
	zerolog.SetGlobalLevel(level)
}

func newLogger(format string) zerolog.Logger {
	if format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}
