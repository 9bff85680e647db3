package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/carquery/leadbot/internal/api"
	"github.com/carquery/leadbot/internal/bot"
	"github.com/carquery/leadbot/internal/crm"
	"github.com/carquery/leadbot/internal/flow"
	"github.com/carquery/leadbot/internal/genai"
	"github.com/carquery/leadbot/internal/messaging"
	"github.com/carquery/leadbot/internal/pipeline"
	"github.com/carquery/leadbot/internal/scheduler"
	"github.com/carquery/leadbot/internal/store"
	"github.com/carquery/leadbot/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for lead bot state data
	DefaultStateDir = "/var/lib/leadbot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "leadbot.db"
	// DefaultRetrySchedule is the default cron schedule for the CRM retry sweep
	DefaultRetrySchedule = "@every 5m"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	st, err := openStore(flags)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	crmClient, err := crm.NewClient(st, buildCRMOptions(config)...)
	if err != nil {
		slog.Error("Failed to create CRM client", "error", err)
		os.Exit(1)
	}

	// One-time OAuth bootstrap: exchange the authorization code, store the
	// token pair, and exit.
	if *flags.crmAuthCode != "" {
		if err := crmClient.Tokens().ExchangeCode(context.Background(), *flags.crmAuthCode); err != nil {
			slog.Error("CRM authorization failed", "error", err)
			os.Exit(1)
		}
		slog.Info("CRM authorization complete, token pair stored")
		return
	}

	genaiClient, err := genai.NewClient(buildGenAIOptions(config, flags)...)
	if err != nil {
		slog.Error("Failed to create GenAI client", "error", err)
		os.Exit(1)
	}

	// Outbound transport. The platform gateway implements messaging.Service;
	// until one is attached the recorder keeps the bot in dry-run mode.
	msgr := messaging.NewRecorder()

	states := flow.NewStoreBasedStateManager(st)
	processor := pipeline.NewProcessor(st, crmClient, msgr, buildPipelineOptions(config)...)
	engine := flow.NewEngine(states, msgr, processor)
	freetext := flow.NewFreetext(states, msgr, genaiClient, st)
	router := bot.NewRouter(msgr, engine, freetext)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(config.RetrySchedule, func() {
		processor.RetryFailed(context.Background())
	}); err != nil {
		slog.Error("Failed to schedule retry sweep", "error", err, "schedule", config.RetrySchedule)
		os.Exit(1)
	}
	slog.Info("Retry sweep scheduled", "schedule", config.RetrySchedule)

	server := api.NewServer(st, processor, api.WithAddr(*flags.apiAddr), api.WithEventSink(router))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("API server failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown failed", "error", err)
		}
	}
	slog.Info("Lead bot exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string

	OpenAIKey         string
	OpenAIBaseURL     string
	Model             string
	FallbackModel     string
	FallbackThreshold float64

	CrmSubdomain          string
	CrmClientID           string
	CrmClientSecret       string
	CrmRedirectURI        string
	CrmPipelineID         int64
	CrmStatusID           int64
	CrmResponsibleUserID  int64
	CrmFields             crm.FieldConfig
	OperatorChatID        string
	LeadMaxRetries        int
	RetrySchedule         string

	APIAddr string
}

// Flags holds command line flag values
type Flags struct {
	dbDSN       *string
	openaiKey   *string
	apiAddr     *string
	crmAuthCode *string
}

// initializeLogger sets up structured logging; level comes from $LOG_LEVEL.
func initializeLogger() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		StateDir:          os.Getenv("LEADBOT_STATE_DIR"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:     os.Getenv("OPENAI_BASE_URL"),
		Model:             os.Getenv("OPENAI_MODEL"),
		FallbackModel:     os.Getenv("OPENAI_FALLBACK_MODEL"),
		FallbackThreshold: util.ParseFloatEnv("OPENAI_FALLBACK_THRESHOLD", genai.DefaultFallbackThreshold),

		CrmSubdomain:         os.Getenv("AMOCRM_SUBDOMAIN"),
		CrmClientID:          os.Getenv("AMOCRM_CLIENT_ID"),
		CrmClientSecret:      os.Getenv("AMOCRM_CLIENT_SECRET"),
		CrmRedirectURI:       os.Getenv("AMOCRM_REDIRECT_URI"),
		CrmPipelineID:        util.ParseInt64Env("AMOCRM_PIPELINE_ID", 0),
		CrmStatusID:          util.ParseInt64Env("AMOCRM_STATUS_ID", 0),
		CrmResponsibleUserID: util.ParseInt64Env("AMOCRM_RESPONSIBLE_USER_ID", 0),
		CrmFields: crm.FieldConfig{
			CarBrand:     util.ParseInt64Env("AMOCRM_FIELD_CAR_BRAND", 0),
			Year:         util.ParseInt64Env("AMOCRM_FIELD_YEAR", 0),
			Budget:       util.ParseInt64Env("AMOCRM_FIELD_BUDGET", 0),
			Mileage:      util.ParseInt64Env("AMOCRM_FIELD_MILEAGE", 0),
			Transmission: util.ParseInt64Env("AMOCRM_FIELD_TRANSMISSION", 0),
			Drive:        util.ParseInt64Env("AMOCRM_FIELD_DRIVE", 0),
			BodyType:     util.ParseInt64Env("AMOCRM_FIELD_BODY_TYPE", 0),
			VIN:          util.ParseInt64Env("AMOCRM_FIELD_VIN", 0),
			CheckType:    util.ParseInt64Env("AMOCRM_FIELD_CHECK_TYPE", 0),
		},
		OperatorChatID: os.Getenv("OPERATOR_CHAT_ID"),
		LeadMaxRetries: util.ParseIntEnv("LEAD_MAX_RETRIES", pipeline.DefaultMaxRetries),
		RetrySchedule:  os.Getenv("RETRY_SCHEDULE"),

		APIAddr: os.Getenv("API_ADDR"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No LEADBOT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	if config.RetrySchedule == "" {
		config.RetrySchedule = DefaultRetrySchedule
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"LEADBOT_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"AMOCRM_SUBDOMAIN", config.CrmSubdomain,
		"API_ADDR", config.APIAddr,
		"RETRY_SCHEDULE", config.RetrySchedule)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "admin API address (overrides $API_ADDR)"),
		crmAuthCode: flag.String("crm-auth-code", "", "amoCRM authorization code for one-time OAuth bootstrap"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"crmAuthCodeSet", *flags.crmAuthCode != "")

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return nil
	}
	stateDir := filepath.Dir(*flags.dbDSN)
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	return os.MkdirAll(stateDir, 0755)
}

// openStore selects the storage backend from the DSN.
func openStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildCRMOptions constructs CRM client configuration options
func buildCRMOptions(config Config) []crm.Option {
	return []crm.Option{
		crm.WithCredentials(config.CrmSubdomain, config.CrmClientID, config.CrmClientSecret, config.CrmRedirectURI),
		crm.WithPipeline(config.CrmPipelineID, config.CrmStatusID, config.CrmResponsibleUserID),
		crm.WithFieldConfig(config.CrmFields),
	}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config Config, flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if config.OpenAIBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(config.OpenAIBaseURL))
	}
	if config.Model != "" || config.FallbackModel != "" {
		model, fallback := config.Model, config.FallbackModel
		if model == "" {
			model = genai.DefaultModel
		}
		if fallback == "" {
			fallback = genai.DefaultFallbackModel
		}
		genaiOpts = append(genaiOpts, genai.WithModels(model, fallback))
	}
	genaiOpts = append(genaiOpts, genai.WithFallbackThreshold(config.FallbackThreshold))
	return genaiOpts
}

// buildPipelineOptions constructs lead pipeline configuration options
func buildPipelineOptions(config Config) []pipeline.Option {
	var pipeOpts []pipeline.Option
	if config.OperatorChatID != "" {
		pipeOpts = append(pipeOpts, pipeline.WithOperatorChat(config.OperatorChatID))
	}
	if config.LeadMaxRetries > 0 {
		pipeOpts = append(pipeOpts, pipeline.WithMaxRetries(config.LeadMaxRetries))
	}
	return pipeOpts
}
