package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the bridgeconnect server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	HTTPPort       int
	LogLevel       string
	LogFormat      string // log output format: "text" or "json"
	APIKey         string // call-control provider API key
	APIBaseURL     string
	ConnectionID   string // call-control application used for outbound dials
	DialOutNumbers string // comma-separated E.164 candidate numbers
	PublicURL      string // base URL the provider reaches us on; derived from webhooks if empty
	RingbackURL    string
	Prompt         string
	InvalidPrompt  string
	AcceptDigit    string
	GatherTimeout  time.Duration
	Voice          string
	Language       string
	FallbackNumber string // inbound callers are transferred here when no candidate accepts

	SessionRetention time.Duration
	PendingEventWait time.Duration
	MaxSessionAge    time.Duration
	MaxParallelDials int
	JanitorInterval  time.Duration

	CommandRate  float64
	CommandBurst int
	WebhookRate  float64
	WebhookBurst int
}

// defaults
const (
	defaultHTTPPort         = 8080
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultAPIBaseURL       = "https://api.telnyx.com/v2"
	defaultRingbackURL      = "https://telnyx-mms-demo.s3.us-east-2.amazonaws.com/audio_clips/ring.mp3"
	defaultPrompt           = "Press 1 to be connected to the caller, press any other key to hang up"
	defaultAcceptDigit      = "1"
	defaultGatherTimeout    = 10 * time.Second
	defaultVoice            = "female"
	defaultLanguage         = "en-US"
	defaultSessionRetention = 2 * time.Minute
	defaultPendingEventWait = 5 * time.Second
	defaultMaxSessionAge    = time.Hour
	defaultJanitorInterval  = 10 * time.Second
	defaultCommandRate      = 20
	defaultCommandBurst     = 40
	defaultWebhookRate      = 50
	defaultWebhookBurst     = 100
)

// envPrefix is the prefix for all bridgeconnect environment variables.
const envPrefix = "BRIDGECONNECT_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("bridgeconnect", flag.ContinueOnError)

	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.APIKey, "api-key", "", "call-control provider API key")
	fs.StringVar(&cfg.APIBaseURL, "api-base-url", defaultAPIBaseURL, "call-control provider REST base URL")
	fs.StringVar(&cfg.ConnectionID, "connection-id", "", "call-control application id used for outbound calls")
	fs.StringVar(&cfg.DialOutNumbers, "dial-out-numbers", "", "comma-separated list of numbers to ring for every inbound call")
	fs.StringVar(&cfg.PublicURL, "public-url", "", "public base URL for outbound webhooks (derived from inbound webhooks if empty)")
	fs.StringVar(&cfg.RingbackURL, "ringback-url", defaultRingbackURL, "audio played to the caller while candidates are dialed (empty disables)")
	fs.StringVar(&cfg.Prompt, "prompt", defaultPrompt, "text spoken to a candidate who answers")
	fs.StringVar(&cfg.InvalidPrompt, "invalid-prompt", "", "text spoken when a candidate enters an invalid digit")
	fs.StringVar(&cfg.AcceptDigit, "accept-digit", defaultAcceptDigit, "digit a candidate presses to take the call")
	fs.DurationVar(&cfg.GatherTimeout, "gather-timeout", defaultGatherTimeout, "how long a candidate has to press a digit")
	fs.StringVar(&cfg.Voice, "voice", defaultVoice, "text-to-speech voice for the prompt")
	fs.StringVar(&cfg.Language, "language", defaultLanguage, "text-to-speech language for the prompt")
	fs.StringVar(&cfg.FallbackNumber, "fallback-number", "", "number the caller is transferred to when nobody accepts (hang up if empty)")
	fs.DurationVar(&cfg.SessionRetention, "session-retention", defaultSessionRetention, "how long settled sessions absorb late events before eviction")
	fs.DurationVar(&cfg.PendingEventWait, "pending-event-wait", defaultPendingEventWait, "how long events for not-yet-registered legs are held")
	fs.DurationVar(&cfg.MaxSessionAge, "max-session-age", defaultMaxSessionAge, "sessions older than this are evicted whatever their state")
	fs.IntVar(&cfg.MaxParallelDials, "max-parallel-dials", 0, "concurrent dial requests per inbound call (0 dials all at once)")
	fs.DurationVar(&cfg.JanitorInterval, "janitor-interval", defaultJanitorInterval, "how often parked events and finished sessions are swept")
	fs.Float64Var(&cfg.CommandRate, "command-rate", defaultCommandRate, "call-control commands per second")
	fs.IntVar(&cfg.CommandBurst, "command-burst", defaultCommandBurst, "call-control command burst size")
	fs.Float64Var(&cfg.WebhookRate, "webhook-rate", defaultWebhookRate, "webhook requests per second per source IP")
	fs.IntVar(&cfg.WebhookBurst, "webhook-burst", defaultWebhookBurst, "webhook burst size per source IP")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	applyEnvOverrides(fs)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides sets every flag that was not given on the command line
// from its BRIDGECONNECT_ environment variable, when present. The env var
// name is the flag name upper-cased with dashes replaced by underscores.
func applyEnvOverrides(fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		if err := f.Value.Set(val); err != nil {
			slog.Warn("ignoring invalid environment value",
				"env", envVar,
				"error", err,
			)
		}
	})
}

// validate checks that the config values are sane.
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

	if c.APIKey == "" {
		return fmt.Errorf("api-key is required")
	}
	if c.ConnectionID == "" {
		return fmt.Errorf("connection-id is required")
	}
	if c.APIBaseURL == "" {
		return fmt.Errorf("api-base-url must not be empty")
	}
	c.APIBaseURL = strings.TrimRight(c.APIBaseURL, "/")
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")

	if len(c.Candidates()) == 0 {
		return fmt.Errorf("dial-out-numbers must list at least one number")
	}

	if len(c.AcceptDigit) != 1 || !strings.ContainsAny(c.AcceptDigit, "0123456789*#") {
		return fmt.Errorf("accept-digit must be a single DTMF digit, got %q", c.AcceptDigit)
	}

	if c.GatherTimeout <= 0 {
		return fmt.Errorf("gather-timeout must be positive, got %s", c.GatherTimeout)
	}
	if c.SessionRetention <= 0 {
		return fmt.Errorf("session-retention must be positive, got %s", c.SessionRetention)
	}
	if c.PendingEventWait <= 0 {
		return fmt.Errorf("pending-event-wait must be positive, got %s", c.PendingEventWait)
	}
	if c.MaxSessionAge < c.SessionRetention {
		return fmt.Errorf("max-session-age (%s) must not be shorter than session-retention (%s)", c.MaxSessionAge, c.SessionRetention)
	}
	if c.MaxParallelDials < 0 {
		return fmt.Errorf("max-parallel-dials must not be negative, got %d", c.MaxParallelDials)
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("janitor-interval must be positive, got %s", c.JanitorInterval)
	}
	if c.CommandRate <= 0 || c.CommandBurst < 1 {
		return fmt.Errorf("command-rate and command-burst must be positive")
	}
	if c.WebhookRate <= 0 || c.WebhookBurst < 1 {
		return fmt.Errorf("webhook-rate and webhook-burst must be positive")
	}

	return nil
}

// Candidates returns the configured dial-out numbers with blanks and
// duplicates removed, in configuration order. A fresh slice is returned on
// every call.
func (c *Config) Candidates() []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range strings.Split(c.DialOutNumbers, ",") {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.HTTPPort)
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
