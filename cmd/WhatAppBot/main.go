package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Nimako/WhatAppBot/internal/api"
	"github.com/Nimako/WhatAppBot/internal/backend"
	"github.com/Nimako/WhatAppBot/internal/flow"
	"github.com/Nimako/WhatAppBot/internal/lockfile"
	"github.com/Nimako/WhatAppBot/internal/messaging"
	"github.com/Nimako/WhatAppBot/internal/metrics"
	"github.com/Nimako/WhatAppBot/internal/recovery"
	"github.com/Nimako/WhatAppBot/internal/signature"
	"github.com/Nimako/WhatAppBot/internal/store"
	"github.com/Nimako/WhatAppBot/internal/twiliowhatsapp"
	"github.com/Nimako/WhatAppBot/internal/util"
	"github.com/Nimako/WhatAppBot/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for WhatAppBot state data
	DefaultStateDir = "/var/lib/whatappbot"
	// DefaultDBFileName is the default SQLite session database filename
	DefaultDBFileName = "whatappbot.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// shutdownTimeout bounds the HTTP drain on exit
	shutdownTimeout = 15 * time.Second
)

func main() {
	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)
	initializeLogger(*flags.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping WhatAppBot", "state_dir", *flags.stateDir, "api_addr", *flags.apiAddr,
		"store", store.DetectDSNType(*flags.dbDSN), "whatsapp_enabled", *flags.whatsappEnabled)
	if err := run(ctx, flags); err != nil {
		slog.Error("WhatAppBot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("WhatAppBot exited successfully")
}

// Config holds environment configuration
type Config struct {
	APIAddr           string
	DatabaseURL       string
	StateDir          string
	WhatsAppDSN       string
	WhatsAppEnabled   bool
	WebBaseURL        string
	PublicURL         string
	ValidateSignature bool
	PipelineTimeout   time.Duration
	LogLevel          string
}

// Flags holds command line flag values
type Flags struct {
	apiAddr           *string
	dbDSN             *string
	stateDir          *string
	waDSN             *string
	whatsappEnabled   *bool
	qrOutput          *string
	numeric           *bool
	webBaseURL        *string
	publicURL         *string
	validateSignature *bool
	pipelineTimeout   *time.Duration
	logLevel          *string
}

// initializeLogger installs a text slog handler at the given level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// parseLogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func parseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		APIAddr:           util.GetEnvOrDefault("API_ADDR", api.DefaultAddr),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		StateDir:          util.GetEnvOrDefault("STATE_DIR", DefaultStateDir),
		WhatsAppDSN:       os.Getenv("WHATSAPP_DB_DSN"),
		WhatsAppEnabled:   util.ParseBoolEnv("WHATSAPP_ENABLED", false),
		WebBaseURL:        os.Getenv("WEB_BASE_URL"),
		PublicURL:         os.Getenv("PUBLIC_URL"),
		ValidateSignature: util.ParseBoolEnv("VALIDATE_TWILIO_SIGNATURE", false),
		PipelineTimeout:   util.ParseDurationEnv("PIPELINE_TIMEOUT", flow.DefaultPipelineTimeout),
		LogLevel:          util.GetEnvOrDefault("LOG_LEVEL", "info"),
	}

	// File databases default into the state directory.
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}

	slog.Debug("environment variables loaded",
		"API_ADDR", config.APIAddr,
		"STATE_DIR", config.StateDir,
		"WHATSAPP_ENABLED", config.WhatsAppEnabled,
		"WEB_BASE_URL", config.WebBaseURL,
		"VALIDATE_TWILIO_SIGNATURE", config.ValidateSignature)
	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		apiAddr:           flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		dbDSN:             flag.String("db-dsn", config.DatabaseURL, "session store DSN: SQLite path, postgres:// or redis:// URL (overrides $DATABASE_URL)"),
		stateDir:          flag.String("state-dir", config.StateDir, "state directory for lock and database files (overrides $STATE_DIR)"),
		waDSN:             flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow device database DSN (overrides $WHATSAPP_DB_DSN)"),
		whatsappEnabled:   flag.Bool("whatsapp", config.WhatsAppEnabled, "enable the whatsmeow channel (overrides $WHATSAPP_ENABLED)"),
		qrOutput:          flag.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:           flag.Bool("numeric-code", false, "print the raw login code instead of a QR code"),
		webBaseURL:        flag.String("web-base-url", config.WebBaseURL, "web chat base URL shown in the menu (overrides $WEB_BASE_URL)"),
		publicURL:         flag.String("public-url", config.PublicURL, "public base URL Twilio calls, for signature checks (overrides $PUBLIC_URL)"),
		validateSignature: flag.Bool("validate-twilio-signature", config.ValidateSignature, "reject unsigned Twilio webhooks (overrides $VALIDATE_TWILIO_SIGNATURE)"),
		pipelineTimeout:   flag.Duration("pipeline-timeout", config.PipelineTimeout, "bound on one background enquiry (overrides $PIPELINE_TIMEOUT)"),
		logLevel:          flag.String("log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)"),
	}
	flag.Parse()

	// Follow an overridden state directory unless the DSN was set explicitly.
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		}
		if *flags.waDSN == "file:"+filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)+"?_foreign_keys=on" {
			*flags.waDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		}
	}
	return flags
}

// buildStoreOptions constructs session store options
func buildStoreOptions(flags Flags) []store.Option {
	return []store.Option{store.WithDSN(*flags.dbDSN)}
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(*flags.waDSN)}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildBackendOptions wires the signature service when SIGNATURE_URL is set.
func buildBackendOptions() []backend.Option {
	var opts []backend.Option
	if os.Getenv("SIGNATURE_URL") != "" {
		opts = append(opts, backend.WithSignatureProvider(signature.NewProvider()))
	}
	return opts
}

// buildAPIOptions constructs API server options
func buildAPIOptions(flags Flags, twilioToken string, reg prometheus.Gatherer) ([]api.Option, error) {
	apiOpts := []api.Option{api.WithAddr(*flags.apiAddr), api.WithGatherer(reg)}
	if *flags.validateSignature {
		if twilioToken == "" {
			return nil, errors.New("twilio signature validation requires TWILIO_AUTH_TOKEN")
		}
		apiOpts = append(apiOpts, api.WithTwilioSignature(twilioToken, *flags.publicURL))
	}
	return apiOpts, nil
}

// newRegistry returns the registry served on /metrics.
func newRegistry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return reg, nil
}

// channels holds the outbound services that were configured.
type channels struct {
	twilio   *messaging.TwilioService
	whatsapp *messaging.WhatsAppService
	waClient *whatsapp.Client
}

// notifier orders the configured services Twilio first. Unconfigured
// services are passed as untyped nil.
func (c channels) notifier() *messaging.FallbackNotifier {
	var primary, secondary messaging.Service
	if c.twilio != nil {
		primary = c.twilio
	}
	if c.whatsapp != nil {
		secondary = c.whatsapp
	}
	return messaging.NewFallbackNotifier(primary, secondary)
}

func (c channels) stop() {
	if c.twilio != nil {
		c.twilio.Stop()
	}
	if c.whatsapp != nil {
		c.whatsapp.Stop()
	}
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// openChannels starts Twilio when credentials are present and whatsmeow when
// enabled. At least one must come up.
func openChannels(ctx context.Context, flags Flags) (channels, string, error) {
	var ch channels
	var twilioToken string

	if os.Getenv("TWILIO_ACCOUNT_SID") != "" {
		tw, err := twiliowhatsapp.NewClient()
		if err != nil {
			return ch, "", fmt.Errorf("failed to create Twilio client: %w", err)
		}
		twilioToken = tw.AuthToken()
		ch.twilio = messaging.NewTwilioService(tw)
		if err := ch.twilio.Start(ctx); err != nil {
			return ch, "", fmt.Errorf("failed to start Twilio service: %w", err)
		}
	}

	if *flags.whatsappEnabled {
		wa, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			ch.stop()
			return ch, "", fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		ch.waClient = wa
		ch.whatsapp = messaging.NewWhatsAppService(wa)
		if err := ch.whatsapp.Start(ctx); err != nil {
			ch.stop()
			return ch, "", fmt.Errorf("failed to start WhatsApp service: %w", err)
		}
	}

	if ch.twilio == nil && ch.whatsapp == nil {
		return ch, "", errors.New("no messaging channel configured: set TWILIO_ACCOUNT_SID or WHATSAPP_ENABLED")
	}
	return ch, twilioToken, nil
}

// run wires every component and blocks until ctx is cancelled or the HTTP
// server fails.
func run(ctx context.Context, flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir,
		lockfile.WithAddr(*flags.apiAddr),
		lockfile.WithStore(store.DetectDSNType(*flags.dbDSN)))
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.New(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	ch, twilioToken, err := openChannels(ctx, flags)
	if err != nil {
		return err
	}
	defer ch.stop()
	notifier := ch.notifier()

	reg, err := newRegistry()
	if err != nil {
		return err
	}

	backendClient := backend.NewClient(buildBackendOptions()...)
	if err := backendClient.Configured(); err != nil {
		slog.Warn("Backend API not configured; purchases will answer service unavailable", "error", err)
	}

	engine := flow.NewEngine(st, backendClient, notifier,
		flow.WithWebBaseURL(*flags.webBaseURL),
		flow.WithPipelineTimeout(*flags.pipelineTimeout))
	defer engine.Wait()

	manager := recovery.NewRecoveryManager(st, notifier)
	manager.RegisterRecoverable(recovery.InterruptedEnquiries{})
	if err := manager.RecoverAll(ctx); err != nil {
		slog.Warn("Startup recovery incomplete", "error", err)
	}

	respHandler := messaging.NewResponseHandler(engine.HandleMessage, st, notifier)
	if ch.twilio != nil {
		respHandler.TrackReceipts(ctx, ch.twilio)
	}
	if ch.whatsapp != nil {
		respHandler.Start(ctx, ch.whatsapp)
	}

	apiOpts, err := buildAPIOptions(flags, twilioToken, reg)
	if err != nil {
		return err
	}
	server := api.NewServer(respHandler, st, apiOpts...)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("API server shutdown incomplete", "error", err)
	}
	return nil
}
