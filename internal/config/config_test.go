package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestValidate_Defaults(t *testing.T) {
	var c Config
	if err := c.Validate(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if c.RequestTimeout != 5*time.Second {
		t.Errorf("Expected request timeout 5s, got %v", c.RequestTimeout)
	}
	if c.ReloadRetryDelay != time.Second {
		t.Errorf("Expected reload retry delay 1s, got %v", c.ReloadRetryDelay)
	}
	if c.OpenRetryDelay != 200*time.Millisecond {
		t.Errorf("Expected open retry delay 200ms, got %v", c.OpenRetryDelay)
	}
	if c.SegmentExpiry != 30*time.Second {
		t.Errorf("Expected segment expiry 30s, got %v", c.SegmentExpiry)
	}
	if c.PollInterval != 100*time.Millisecond {
		t.Errorf("Expected poll interval 100ms, got %v", c.PollInterval)
	}
	if c.OpenRetries != 5 {
		t.Errorf("Expected 5 open retries, got %d", c.OpenRetries)
	}
	if c.EstimatorWindow != 100 {
		t.Errorf("Expected estimator window 100, got %d", c.EstimatorWindow)
	}
	if c.SwitchMargin != 0.8 {
		t.Errorf("Expected switch margin 0.8, got %v", c.SwitchMargin)
	}
	if c.MaxSegments != 4096 {
		t.Errorf("Expected max segments 4096, got %d", c.MaxSegments)
	}
	if !strings.HasPrefix(c.UserAgent, "hlsreader/") {
		t.Errorf("Expected default user agent, got %q", c.UserAgent)
	}
}

func TestValidate_KeepsExplicitValues(t *testing.T) {
	c := Config{
		RequestTimeout: 2 * time.Second,
		PollInterval:   20 * time.Millisecond,
		SwitchMargin:   0.5,
		UserAgent:      "custom",
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if c.RequestTimeout != 2*time.Second || c.PollInterval != 20*time.Millisecond {
		t.Errorf("Explicit durations were overwritten: %v, %v", c.RequestTimeout, c.PollInterval)
	}
	if c.SwitchMargin != 0.5 || c.UserAgent != "custom" {
		t.Errorf("Explicit values were overwritten: %v, %q", c.SwitchMargin, c.UserAgent)
	}
}

func TestValidate_PollIntervalCapped(t *testing.T) {
	c := Config{PollInterval: time.Second}
	if err := c.Validate(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if c.PollInterval != 100*time.Millisecond {
		t.Errorf("Expected poll interval capped at 100ms, got %v", c.PollInterval)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative timeout", Config{RequestTimeout: -time.Second}},
		{"negative retries", Config{OpenRetries: -1}},
		{"margin above one", Config{SwitchMargin: 1.5}},
		{"negative window", Config{EstimatorWindow: -3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("HLS_USER_AGENT", "env-agent")
	t.Setenv("HLS_REQUEST_TIMEOUT", "3s")
	t.Setenv("HLS_OPEN_RETRIES", "9")
	t.Setenv("HLS_SEGMENT_EXPIRY", "not-a-duration")
	t.Setenv("HLS_SWITCH_MARGIN", "0.65")
	t.Setenv("HLS_POLL_INTERVAL", "20ms")
	t.Setenv("HLS_OPEN_RETRY_WAIT", "250ms")
	t.Setenv("HLS_ESTIMATOR_WINDOW", "lots")

	c := FromEnv()

	if c.UserAgent != "env-agent" {
		t.Errorf("Expected user agent from env, got %q", c.UserAgent)
	}
	if c.RequestTimeout != 3*time.Second {
		t.Errorf("Expected 3s request timeout, got %v", c.RequestTimeout)
	}
	if c.OpenRetries != 9 {
		t.Errorf("Expected 9 open retries, got %d", c.OpenRetries)
	}
	if c.SegmentExpiry != 0 {
		t.Errorf("Expected invalid duration to fall back to zero, got %v", c.SegmentExpiry)
	}
	if c.SwitchMargin != 0.65 {
		t.Errorf("Expected switch margin 0.65, got %v", c.SwitchMargin)
	}
	if c.PollInterval != 20*time.Millisecond {
		t.Errorf("Expected 20ms poll interval, got %v", c.PollInterval)
	}
	if c.OpenRetryWait != 250*time.Millisecond {
		t.Errorf("Expected 250ms open retry wait, got %v", c.OpenRetryWait)
	}
	if c.EstimatorWindow != 0 {
		t.Errorf("Expected invalid integer to fall back to zero, got %d", c.EstimatorWindow)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("HLS_TEST_LOADED_VALUE=yes\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("HLS_TEST_LOADED_VALUE") })

	if err := Load(path); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got := GetEnv("HLS_TEST_LOADED_VALUE", "no"); got != "yes" {
		t.Errorf("Expected value from env file, got %q", got)
	}

	if err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("Expected error for missing env file, got nil")
	}
}
