package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/aymnn34/calls/internal/logging"
)

const (
	envPort            = "PORT"
	envLogLevel        = "LOG_LEVEL"
	envLogFormat       = "LOG_FORMAT"
	envMaxMessageBytes = "SIGNALING_MAX_MESSAGE_BYTES"
	envRateLimit       = "SIGNALING_RATE_LIMIT"
	envShutdownTimeout = "SHUTDOWN_TIMEOUT"
	envAllowedOrigins  = "ALLOWED_ORIGINS"

	DefaultPort            = 8080
	DefaultMaxMessageBytes = int64(64 * 1024)
	DefaultShutdownTimeout = 10 * time.Second
)

// Server holds the signaling server settings.
type Server struct {
	Port            int
	LogLevel        slog.Level
	LogFormat       string
	MaxMessageBytes int64

	// RateLimit is envelopes per second per connection; zero disables it.
	RateLimit       float64
	ShutdownTimeout time.Duration

	// AllowedOrigins restricts WebSocket upgrades by Origin header. Empty
	// allows any origin.
	AllowedOrigins []string
}

// ListenAddr is the address passed to net.Listen.
func (s Server) ListenAddr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// LoadServer reads server settings: flags > environment > defaults.
func LoadServer(args []string) (Server, error) {
	return loadServer(os.LookupEnv, args)
}

func loadServer(lookup func(string) (string, bool), args []string) (Server, error) {
	port, err := envIntOrDefault(lookup, envPort, DefaultPort)
	if err != nil {
		return Server{}, err
	}
	maxBytes, err := envIntOrDefault(lookup, envMaxMessageBytes, int(DefaultMaxMessageBytes))
	if err != nil {
		return Server{}, err
	}
	rateLimit, err := envFloatOrDefault(lookup, envRateLimit, 0)
	if err != nil {
		return Server{}, err
	}
	shutdown, err := envDurationOrDefault(lookup, envShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Server{}, err
	}

	fs := pflag.NewFlagSet("calls-server", pflag.ContinueOnError)
	fs.IntVar(&port, "port", port, "port to listen on (env PORT)")
	logLevel := fs.String("log-level", envOrDefault(lookup, envLogLevel, "info"), "debug, info, warn or error (env LOG_LEVEL)")
	logFormat := fs.String("log-format", envOrDefault(lookup, envLogFormat, "text"), "text or json (env LOG_FORMAT)")
	fs.IntVar(&maxBytes, "max-message-bytes", maxBytes, "largest accepted signaling frame (env SIGNALING_MAX_MESSAGE_BYTES)")
	fs.Float64Var(&rateLimit, "rate-limit", rateLimit, "envelopes per second per connection, 0 disables (env SIGNALING_RATE_LIMIT)")
	fs.DurationVar(&shutdown, "shutdown-timeout", shutdown, "graceful shutdown deadline (env SHUTDOWN_TIMEOUT)")
	origins := fs.StringSlice("allowed-origins", splitList(envOrDefault(lookup, envAllowedOrigins, "")), "allowed WebSocket origins, empty allows any (env ALLOWED_ORIGINS)")

	if err := fs.Parse(args); err != nil {
		return Server{}, err
	}

	cfg := Server{
		Port:            port,
		LogLevel:        logging.ParseLevel(*logLevel, slog.LevelInfo),
		LogFormat:       strings.ToLower(*logFormat),
		MaxMessageBytes: int64(maxBytes),
		RateLimit:       rateLimit,
		ShutdownTimeout: shutdown,
		AllowedOrigins:  *origins,
	}
	if err := cfg.validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

func (s Server) validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("invalid port %d", s.Port)
	}
	if s.LogFormat != "text" && s.LogFormat != "json" {
		return fmt.Errorf("unsupported log format %q", s.LogFormat)
	}
	if s.MaxMessageBytes <= 0 {
		return fmt.Errorf("max message bytes must be positive, got %d", s.MaxMessageBytes)
	}
	if s.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative, got %v", s.RateLimit)
	}
	return nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envFloatOrDefault(lookup func(string) (string, bool), key string, fallback float64) (float64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return f, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return b, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
