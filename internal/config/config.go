package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the BridgeCall server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir       string
	HTTPPort      int
	PublicBaseURL string // externally reachable base URL for webhooks and the media stream
	LogLevel      string
	LogFormat     string // log output format: "text" or "json"

	// Telephony provider credentials.
	TelephonyAccountSID string
	TelephonyAuthToken  string
	TelephonyAPIBase    string
	TelephonyFromNumber string
	SalesNumber         string // the sales team line dialed for every lead call

	// AI voice provider credentials.
	AIAPIKey  string
	AIAgentID string
	AIBaseURL string

	// End-of-call report delivery.
	ReportWebhookURL string
	ReportRetries    int
	ReportRetryDelay time.Duration
	ReportTimeout    time.Duration

	// SessionMaxAge is the janitor's eviction backstop for sessions that
	// never reached a clean teardown.
	SessionMaxAge time.Duration
}

// defaults
const (
	defaultDataDir          = "./data"
	defaultHTTPPort         = 8080
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultTelephonyAPIBase = "https://api.twilio.com"
	defaultAIBaseURL        = "https://api.elevenlabs.io"
	defaultReportRetries    = 3
	defaultReportRetryDelay = 2 * time.Second
	defaultReportTimeout    = 10 * time.Second
	defaultSessionMaxAge    = 2 * time.Hour
)

// envPrefix is the prefix for all BridgeCall environment variables.
const envPrefix = "BRIDGECALL_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("bridgecall", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.PublicBaseURL, "public-base-url", "", "externally reachable base URL for provider webhooks (e.g., https://calls.example.com)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.TelephonyAccountSID, "telephony-account-sid", "", "telephony provider account SID")
	fs.StringVar(&cfg.TelephonyAuthToken, "telephony-auth-token", "", "telephony provider auth token")
	fs.StringVar(&cfg.TelephonyAPIBase, "telephony-api-base", defaultTelephonyAPIBase, "telephony provider API base URL")
	fs.StringVar(&cfg.TelephonyFromNumber, "telephony-from-number", "", "caller ID for outbound calls (E.164)")
	fs.StringVar(&cfg.SalesNumber, "sales-number", "", "sales team phone number dialed for every lead call (E.164)")
	fs.StringVar(&cfg.AIAPIKey, "ai-api-key", "", "AI voice provider API key")
	fs.StringVar(&cfg.AIAgentID, "ai-agent-id", "", "AI voice provider conversational agent id")
	fs.StringVar(&cfg.AIBaseURL, "ai-base-url", defaultAIBaseURL, "AI voice provider API base URL")
	fs.StringVar(&cfg.ReportWebhookURL, "report-webhook-url", "", "automation webhook URL for end-of-call reports (empty disables delivery)")
	fs.IntVar(&cfg.ReportRetries, "report-retries", defaultReportRetries, "delivery attempts per report")
	fs.DurationVar(&cfg.ReportRetryDelay, "report-retry-delay", defaultReportRetryDelay, "delay between report delivery attempts")
	fs.DurationVar(&cfg.ReportTimeout, "report-timeout", defaultReportTimeout, "per-attempt HTTP timeout for report delivery")
	fs.DurationVar(&cfg.SessionMaxAge, "session-max-age", defaultSessionMaxAge, "age after which stale sessions are evicted regardless of state")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":              envPrefix + "DATA_DIR",
		"http-port":             envPrefix + "HTTP_PORT",
		"public-base-url":       envPrefix + "PUBLIC_BASE_URL",
		"log-level":             envPrefix + "LOG_LEVEL",
		"log-format":            envPrefix + "LOG_FORMAT",
		"telephony-account-sid": envPrefix + "TELEPHONY_ACCOUNT_SID",
		"telephony-auth-token":  envPrefix + "TELEPHONY_AUTH_TOKEN",
		"telephony-api-base":    envPrefix + "TELEPHONY_API_BASE",
		"telephony-from-number": envPrefix + "TELEPHONY_FROM_NUMBER",
		"sales-number":          envPrefix + "SALES_NUMBER",
		"ai-api-key":            envPrefix + "AI_API_KEY",
		"ai-agent-id":           envPrefix + "AI_AGENT_ID",
		"ai-base-url":           envPrefix + "AI_BASE_URL",
		"report-webhook-url":    envPrefix + "REPORT_WEBHOOK_URL",
		"report-retries":        envPrefix + "REPORT_RETRIES",
		"report-retry-delay":    envPrefix + "REPORT_RETRY_DELAY",
		"report-timeout":        envPrefix + "REPORT_TIMEOUT",
		"session-max-age":       envPrefix + "SESSION_MAX_AGE",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "public-base-url":
			cfg.PublicBaseURL = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "telephony-account-sid":
			cfg.TelephonyAccountSID = val
		case "telephony-auth-token":
			cfg.TelephonyAuthToken = val
		case "telephony-api-base":
			cfg.TelephonyAPIBase = val
		case "telephony-from-number":
			cfg.TelephonyFromNumber = val
		case "sales-number":
			cfg.SalesNumber = val
		case "ai-api-key":
			cfg.AIAPIKey = val
		case "ai-agent-id":
			cfg.AIAgentID = val
		case "ai-base-url":
			cfg.AIBaseURL = val
		case "report-webhook-url":
			cfg.ReportWebhookURL = val
		case "report-retries":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ReportRetries = v
			}
		case "report-retry-delay":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.ReportRetryDelay = v
			}
		case "report-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.ReportTimeout = v
			}
		case "session-max-age":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.SessionMaxAge = v
			}
		}
	}
}

// validate checks that the config values are sane and that every required
// credential is present. Missing credentials fail startup rather than the
// first call.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.PublicBaseURL == "" {
		return fmt.Errorf("public-base-url is required")
	}
	u, err := url.Parse(c.PublicBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("public-base-url must be an absolute http(s) URL, got %q", c.PublicBaseURL)
	}
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")

	if c.TelephonyAccountSID == "" {
		return fmt.Errorf("telephony-account-sid is required")
	}
	if c.TelephonyAuthToken == "" {
		return fmt.Errorf("telephony-auth-token is required")
	}
	if c.TelephonyFromNumber == "" {
		return fmt.Errorf("telephony-from-number is required")
	}
	if c.SalesNumber == "" {
		return fmt.Errorf("sales-number is required")
	}
	if c.AIAPIKey == "" {
		return fmt.Errorf("ai-api-key is required")
	}
	if c.AIAgentID == "" {
		return fmt.Errorf("ai-agent-id is required")
	}

	if c.ReportRetries < 1 {
		return fmt.Errorf("report-retries must be at least 1, got %d", c.ReportRetries)
	}
	if c.ReportRetryDelay < 0 {
		return fmt.Errorf("report-retry-delay must not be negative, got %s", c.ReportRetryDelay)
	}
	if c.ReportTimeout <= 0 {
		return fmt.Errorf("report-timeout must be positive, got %s", c.ReportTimeout)
	}
	if c.SessionMaxAge <= 0 {
		return fmt.Errorf("session-max-age must be positive, got %s", c.SessionMaxAge)
	}

	return nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
