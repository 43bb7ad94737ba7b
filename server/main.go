package main

import (
	"context"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/haasonsaas/warden/pkg/telemetry"
)

var (
	listen     = flag.String("listen", envOr("WARDEN_LISTEN", ":8080"), "Listen address")
	dbPath     = flag.String("db", envOr("WARDEN_DB", "data/collector.db"), "Database path")
	storageDir = flag.String("storage", envOr("WARDEN_STORAGE", "data/uploads"), "Event payload storage directory")
	Version    = "dev"
)

// Server wires the persistence layer and collaborators for all handlers. One
// instance is built at startup and shared; handlers hold no other state.
type Server struct {
	db           *gorm.DB
	storageDir   string
	adminToken   string
	mailer       Mailer
	alerts       *AlertConfig
	policyPath   string
	manifestPath string
	logger       zerolog.Logger
}

func main() {
	_ = godotenv.Load()
	flag.Parse()

	logger := setupLogger()
	logger.Info().Str("version", Version).Msg("Warden collector starting")

	// Immediate transactions serialize the poll and verify read-then-write
	// sequences; busy_timeout keeps concurrent writers from erroring out.
	dsn := *dbPath + "?_busy_timeout=5000&_txlock=immediate"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}
	if err := db.AutoMigrate(&Device{}, &OTPRecord{}, &CommandRecord{}, &EventRecord{}); err != nil {
		logger.Fatal().Err(err).Msg("Failed to migrate schema")
	}

	if err := os.MkdirAll(*storageDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", *storageDir).Msg("Failed to create storage directory")
	}

	adminToken := os.Getenv("WARDEN_ADMIN_TOKEN")
	if adminToken == "" {
		logger.Warn().Msg("WARDEN_ADMIN_TOKEN not set; admin endpoints will reject all callers")
	}

	srv := &Server{
		db:           db,
		storageDir:   *storageDir,
		adminToken:   adminToken,
		mailer:       mailerFromEnv(logger),
		alerts:       loadAlertConfig(envOr("WARDEN_ALERT_CONFIG", "data/alert_config.json"), logger),
		policyPath:   envOr("WARDEN_POLICY_FILE", "data/policy_master.json"),
		manifestPath: envOr("WARDEN_MANIFEST_FILE", "data/update_manifest.json"),
		logger:       logger,
	}
	srv.ensureDefaultPolicyFiles()

	ctx := context.Background()
	provider, err := telemetry.SetupTracing(ctx, "warden-server", Version, os.Getenv("WARDEN_OTLP_ENDPOINT"), os.Getenv("WARDEN_OTLP_INSECURE") == "true", 1)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to configure tracing")
	}
	if os.Getenv("WARDEN_LOG_SPANS") == "true" {
		telemetry.WithLogSpans(provider)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(withRequestContext(logger))
	srv.registerRoutes(r)

	logger.Info().Str("listen", *listen).Msg("Listening")
	if err := r.Run(*listen); err != nil {
		logger.Fatal().Err(err).Msg("Server exited")
	}
}

func (s *Server) registerRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	api.POST("/register_device", s.handleRegisterDevice)
	api.POST("/request_otp", s.handleRequestOTP)
	api.POST("/verify_otp", s.handleVerifyOTP)
	api.POST("/devices/:device_id/bind", s.handleBindDevice)
	api.POST("/events", s.handleReceiveEvent)
	api.POST("/events/:event_id/thumbnail", s.handleReceiveThumbnail)
	api.GET("/agents/:device_id/commands", s.handlePollCommands)
	api.POST("/agents/:device_id/commands", s.requireAdmin, s.handleCreateCommand)
	api.GET("/policy", s.handleGetPolicy)

	r.GET("/update/manifest/:device_id", s.handleGetManifest)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "healthy", "version": Version})
	})

	admin := r.Group("/admin", s.requireAdmin)
	admin.GET("/devices", s.handleListDevices)
	admin.GET("/devices/:device_id", s.handleGetDevice)
	admin.POST("/devices/:device_id/activate", s.handleAdminActivate)
	admin.POST("/devices/:device_id/bind", s.handleAdminBind)
	admin.PUT("/policy", s.handleUpdatePolicy)
}

func setupLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("WARDEN_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	var logger zerolog.Logger
	if os.Getenv("WARDEN_LOG_FORMAT") == "json" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		logger = zerolog.New(writer).With().Timestamp().Logger()
	}
	logger = logger.Level(level)
	log.Logger = logger
	zerolog.SetGlobalLevel(level)
	return logger
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
