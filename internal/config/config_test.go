package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("ENV", "")
	t.Setenv("DISPATCH_SYSTEM_IDS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.LogLevel)
	}
	if cfg.Env != "development" {
		t.Errorf("expected env 'development', got %s", cfg.Env)
	}
	if cfg.DispatchPaceDelay != 50*time.Millisecond {
		t.Errorf("expected 50ms pace delay, got %s", cfg.DispatchPaceDelay)
	}
	if len(cfg.SystemRecipientIDs) != 3 || cfg.SystemRecipientIDs[0] != 1087968824 {
		t.Errorf("unexpected system ids: %v", cfg.SystemRecipientIDs)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ENV", "production")
	t.Setenv("DISPATCH_PACE_DELAY", "200ms")
	t.Setenv("RETRY_MULTIPLIER", "3.5")
	t.Setenv("DISPATCH_SYSTEM_IDS", "1, 2,3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.LogLevel)
	}
	if cfg.Env != "production" {
		t.Errorf("expected env 'production', got %s", cfg.Env)
	}
	if cfg.DispatchPaceDelay != 200*time.Millisecond {
		t.Errorf("expected 200ms pace delay, got %s", cfg.DispatchPaceDelay)
	}
	if cfg.RetryMultiplier != 3.5 {
		t.Errorf("expected multiplier 3.5, got %v", cfg.RetryMultiplier)
	}
	if len(cfg.SystemRecipientIDs) != 3 || cfg.SystemRecipientIDs[2] != 3 {
		t.Errorf("unexpected system ids: %v", cfg.SystemRecipientIDs)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"PORT", "not-a-number"},
		{"DISPATCH_PACE_DELAY", "fast"},
		{"RETRY_MULTIPLIER", "0.5"},
		{"DISPATCH_SYSTEM_IDS", "1,abc"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}
