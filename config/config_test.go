package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RefreshMaxRetries != 3 {
		t.Errorf("RefreshMaxRetries = %d, want 3", cfg.RefreshMaxRetries)
	}
	if cfg.RefreshBaseDelay != 500*time.Millisecond {
		t.Errorf("RefreshBaseDelay = %v, want 500ms", cfg.RefreshBaseDelay)
	}
	if cfg.ExpirySafetyBuffer != 30*time.Second {
		t.Errorf("ExpirySafetyBuffer = %v, want 30s", cfg.ExpirySafetyBuffer)
	}
	if cfg.LinkedInRefreshBuffer != 24*time.Hour {
		t.Errorf("LinkedInRefreshBuffer = %v, want 24h", cfg.LinkedInRefreshBuffer)
	}
	if cfg.GoogleScopes == "" || cfg.LinkedInScopes == "" {
		t.Error("provider scope defaults missing")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TOKEN_REFRESH_MAX_RETRIES", "5")
	t.Setenv("TOKEN_REFRESH_BASE_DELAY", "250ms")
	t.Setenv("TOKEN_REFRESH_JITTER", "0.5")
	t.Setenv("GOOGLE_TOKEN_REFRESH_BUFFER", "15m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RefreshMaxRetries != 5 {
		t.Errorf("RefreshMaxRetries = %d, want 5", cfg.RefreshMaxRetries)
	}
	if cfg.RefreshBaseDelay != 250*time.Millisecond {
		t.Errorf("RefreshBaseDelay = %v, want 250ms", cfg.RefreshBaseDelay)
	}
	if cfg.RefreshJitterFactor != 0.5 {
		t.Errorf("RefreshJitterFactor = %v, want 0.5", cfg.RefreshJitterFactor)
	}
	if cfg.GoogleRefreshBuffer != 15*time.Minute {
		t.Errorf("GoogleRefreshBuffer = %v, want 15m", cfg.GoogleRefreshBuffer)
	}
}

func TestLoadRejectsBadJitter(t *testing.T) {
	t.Setenv("TOKEN_REFRESH_JITTER", "1.5")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for jitter >= 1")
	}
}

func TestLoadRejectsNonPositiveRetries(t *testing.T) {
	t.Setenv("TOKEN_REFRESH_MAX_RETRIES", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero retries")
	}
}

func TestEnvDurationIgnoresGarbage(t *testing.T) {
	t.Setenv("TOKEN_REFRESH_MAX_DELAY", "not-a-duration")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RefreshMaxDelay != 10*time.Second {
		t.Errorf("RefreshMaxDelay = %v, want default 10s", cfg.RefreshMaxDelay)
	}
}
