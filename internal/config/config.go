// Package config holds the settings of a streaming session.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Version is reported in the default user agent.
const Version = "1.0.0"

// Config holds the configuration for a session.
type Config struct {
	// UserAgent is sent with every request.
	UserAgent string
	// Headers is a raw header block ("Key: Value\r\n") sent with every request.
	Headers string
	// Cookies is sent as the Cookie header with every request.
	Cookies string
	// RequestTimeout bounds the wait for response headers.
	RequestTimeout time.Duration

	// ReloadRetryDelay is the pause after a failed playlist reload.
	ReloadRetryDelay time.Duration
	// MaxReloadRetries is the number of consecutive reload failures tolerated
	// while no segment is available.
	MaxReloadRetries int
	// ReloadTimeout is how long reloads may keep failing before giving up.
	ReloadTimeout time.Duration

	// OpenRetryDelay is the pause after a failed segment open.
	OpenRetryDelay time.Duration
	// SegmentExpiry is the minimum time a segment open may keep failing
	// before the segment is skipped.
	SegmentExpiry time.Duration
	// StallTimeout is how long reads may keep timing out before the
	// segment is abandoned.
	StallTimeout time.Duration
	// PollInterval bounds every interruptible wait.
	PollInterval time.Duration

	// OpenRetries is the number of extra attempts to load the initial playlist.
	OpenRetries int
	// OpenRetryWait is the pause between initial playlist attempts.
	OpenRetryWait time.Duration

	// EstimatorWindow is the number of bandwidth samples kept.
	EstimatorWindow int
	// SwitchMargin is the fraction of the estimate a variant may use.
	SwitchMargin float64

	// MaxSegments caps the segments kept per media playlist.
	MaxSegments int
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	durations := map[string]time.Duration{
		"request timeout":    c.RequestTimeout,
		"reload retry delay": c.ReloadRetryDelay,
		"reload timeout":     c.ReloadTimeout,
		"open retry delay":   c.OpenRetryDelay,
		"segment expiry":     c.SegmentExpiry,
		"stall timeout":      c.StallTimeout,
		"poll interval":      c.PollInterval,
		"open retry wait":    c.OpenRetryWait,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %v", name, d)
		}
	}

	if c.MaxReloadRetries < 0 || c.OpenRetries < 0 || c.EstimatorWindow < 0 || c.MaxSegments < 0 {
		return fmt.Errorf("retry counts and limits must not be negative")
	}

	if c.SwitchMargin < 0 || c.SwitchMargin > 1 {
		return fmt.Errorf("switch margin must be within [0, 1], got %v", c.SwitchMargin)
	}

	// Set defaults
	if c.UserAgent == "" {
		c.UserAgent = "hlsreader/" + Version
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.ReloadRetryDelay == 0 {
		c.ReloadRetryDelay = 1 * time.Second
	}
	if c.MaxReloadRetries == 0 {
		c.MaxReloadRetries = 20
	}
	if c.ReloadTimeout == 0 {
		c.ReloadTimeout = 60 * time.Second
	}
	if c.OpenRetryDelay == 0 {
		c.OpenRetryDelay = 200 * time.Millisecond
	}
	if c.SegmentExpiry == 0 {
		c.SegmentExpiry = 30 * time.Second
	}
	if c.StallTimeout == 0 {
		c.StallTimeout = 60 * time.Second
	}
	if c.PollInterval == 0 || c.PollInterval > 100*time.Millisecond {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.OpenRetries == 0 {
		c.OpenRetries = 5
	}
	if c.OpenRetryWait == 0 {
		c.OpenRetryWait = 100 * time.Millisecond
	}
	if c.EstimatorWindow == 0 {
		c.EstimatorWindow = 100
	}
	if c.SwitchMargin == 0 {
		c.SwitchMargin = 0.8
	}
	if c.MaxSegments == 0 {
		c.MaxSegments = 4096
	}

	return nil
}

// Load reads environment files into the process environment. With no
// paths, ".env" is used. Callers may ignore the error when the file is
// optional.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// FromEnv builds a Config from HLS_* environment variables. Unset
// variables keep their zero value so Validate applies the defaults.
func FromEnv() Config {
	return Config{
		UserAgent:        GetEnv("HLS_USER_AGENT", ""),
		Headers:          GetEnv("HLS_HEADERS", ""),
		Cookies:          GetEnv("HLS_COOKIES", ""),
		RequestTimeout:   GetEnvDuration("HLS_REQUEST_TIMEOUT", 0),
		ReloadRetryDelay: GetEnvDuration("HLS_RELOAD_RETRY_DELAY", 0),
		MaxReloadRetries: GetEnvInt("HLS_MAX_RELOAD_RETRIES", 0),
		ReloadTimeout:    GetEnvDuration("HLS_RELOAD_TIMEOUT", 0),
		OpenRetryDelay:   GetEnvDuration("HLS_OPEN_RETRY_DELAY", 0),
		SegmentExpiry:    GetEnvDuration("HLS_SEGMENT_EXPIRY", 0),
		StallTimeout:     GetEnvDuration("HLS_STALL_TIMEOUT", 0),
		PollInterval:     GetEnvDuration("HLS_POLL_INTERVAL", 0),
		OpenRetries:      GetEnvInt("HLS_OPEN_RETRIES", 0),
		OpenRetryWait:    GetEnvDuration("HLS_OPEN_RETRY_WAIT", 0),
		EstimatorWindow:  GetEnvInt("HLS_ESTIMATOR_WINDOW", 0),
		SwitchMargin:     GetEnvFloat("HLS_SWITCH_MARGIN", 0),
		MaxSegments:      GetEnvInt("HLS_MAX_SEGMENTS", 0),
	}
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvFloat returns the floating point value of the environment variable
// named by key, or fallback if the variable is unset, empty, or invalid.
func GetEnvFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return fallback
}

// GetEnvDuration parses the environment variable named by key with
// time.ParseDuration, returning fallback when unset or invalid.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}
