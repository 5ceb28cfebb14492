package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/conectcrm/triageflow/internal/api"
	"github.com/conectcrm/triageflow/internal/util"
	"github.com/conectcrm/triageflow/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for TriageFlow state data
	DefaultStateDir = "/var/lib/triageflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "triageflow.db"
	// DefaultCompanyID is used when no company id is configured
	DefaultCompanyID = "default"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()

	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	runCfg := buildRunConfig(config, flags)

	slog.Info("Bootstrapping TriageFlow with configured modules")
	slog.Debug("Final configuration",
		"company_id", runCfg.CompanyID,
		"state_dir", runCfg.StateDir,
		"dsn_set", runCfg.DSN != "",
		"api_addr", runCfg.Addr,
		"use_twilio", runCfg.UseTwilio,
		"use_whatsapp", runCfg.UseWhatsApp,
		"ticket_api_set", runCfg.TicketBaseURL != "")
	if err := api.Run(runCfg); err != nil {
		slog.Error("TriageFlow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("TriageFlow exited successfully")
}

// Config holds environment configuration
type Config struct {
	CompanyID          string
	DatabaseURL        string
	StateDir           string
	OpenAIKey          string
	OpenAIModel        string
	APIAddr            string
	UseTwilio          bool
	UseWhatsApp        bool
	WhatsAppDSN        string
	TicketAPIURL       string
	TicketAPIToken     string
	IdleTimeoutMin     int
	SweepSchedule      string
	FallbackDepartment string
}

// Flags holds command line flag values
type Flags struct {
	companyID     *string
	stateDir      *string
	dbDSN         *string
	openaiKey     *string
	apiAddr       *string
	qrOutput      *string
	numeric       *bool
	idleTimeout   *int
	sweepSchedule *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
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
		CompanyID:          os.Getenv("COMPANY_ID"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		StateDir:           os.Getenv("TRIAGEFLOW_STATE_DIR"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        os.Getenv("OPENAI_MODEL"),
		APIAddr:            os.Getenv("API_ADDR"),
		UseTwilio:          util.ParseBoolEnv("USE_TWILIO", false),
		UseWhatsApp:        util.ParseBoolEnv("USE_WHATSAPP", false),
		WhatsAppDSN:        os.Getenv("WHATSAPP_DB_DSN"),
		TicketAPIURL:       os.Getenv("TICKET_API_URL"),
		TicketAPIToken:     os.Getenv("TICKET_API_TOKEN"),
		IdleTimeoutMin:     util.ParseIntEnv("IDLE_TIMEOUT_MINUTES", 0),
		SweepSchedule:      os.Getenv("SWEEP_SCHEDULE"),
		FallbackDepartment: os.Getenv("FALLBACK_DEPARTMENT"),
	}

	if config.CompanyID == "" {
		config.CompanyID = DefaultCompanyID
		slog.Debug("No COMPANY_ID set, using default", "company_id", config.CompanyID)
	}
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No TRIAGEFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("TRIAGEFLOW_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"COMPANY_ID", config.CompanyID,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"TRIAGEFLOW_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"USE_TWILIO", config.UseTwilio,
		"USE_WHATSAPP", config.UseWhatsApp,
		"TICKET_API_URL_SET", config.TicketAPIURL != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		companyID:     flag.String("company-id", config.CompanyID, "company id this deployment serves (overrides $COMPANY_ID)"),
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for TriageFlow data (overrides $TRIAGEFLOW_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN for the store (overrides $DATABASE_URL)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for intent matching (overrides $OPENAI_API_KEY)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		qrOutput:      flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:       flag.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		idleTimeout:   flag.Int("idle-timeout", config.IdleTimeoutMin, "session idle timeout in minutes (overrides $IDLE_TIMEOUT_MINUTES)"),
		sweepSchedule: flag.String("sweep-schedule", config.SweepSchedule, "cron expression for the expiry sweep (overrides $SWEEP_SCHEDULE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"companyID", *flags.companyID,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"idleTimeout", *flags.idleTimeout,
		"sweepSchedule", *flags.sweepSchedule)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
		slog.Debug("State directory created successfully", "state_dir", stateDir)
	}
	return nil
}

// buildRunConfig assembles the service configuration from environment and flags
func buildRunConfig(config Config, flags Flags) api.RunConfig {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if config.WhatsAppDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(config.WhatsAppDSN))
	}

	var idleTimeout time.Duration
	if *flags.idleTimeout > 0 {
		idleTimeout = time.Duration(*flags.idleTimeout) * time.Minute
	}

	return api.RunConfig{
		CompanyID:          *flags.companyID,
		StateDir:           *flags.stateDir,
		DSN:                *flags.dbDSN,
		Addr:               *flags.apiAddr,
		UseTwilio:          config.UseTwilio,
		UseWhatsApp:        config.UseWhatsApp,
		WhatsAppOpts:       waOpts,
		OpenAIKey:          *flags.openaiKey,
		OpenAIModel:        config.OpenAIModel,
		TicketBaseURL:      config.TicketAPIURL,
		TicketToken:        config.TicketAPIToken,
		IdleTimeout:        idleTimeout,
		SweepSchedule:      *flags.sweepSchedule,
		FallbackDepartment: config.FallbackDepartment,
	}
}
