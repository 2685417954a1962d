package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.RateMinSpacing != 200*time.Millisecond {
		t.Errorf("Expected min spacing 200ms, got %s", cfg.RateMinSpacing)
	}
	if cfg.RateBurst != 5 {
		t.Errorf("Expected burst 5, got %d", cfg.RateBurst)
	}
	if cfg.RateBackoffMax != 30*time.Second {
		t.Errorf("Expected backoff cap 30s, got %s", cfg.RateBackoffMax)
	}
	if cfg.MaxPlausibleSpeed != 200 {
		t.Errorf("Expected plausible speed 200, got %v", cfg.MaxPlausibleSpeed)
	}
	if cfg.ReconcileWindow != 15*time.Minute {
		t.Errorf("Expected reconcile window 15m, got %s", cfg.ReconcileWindow)
	}
	if cfg.TripLookback != 30*24*time.Hour {
		t.Errorf("Expected lookback 30d, got %s", cfg.TripLookback)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MAX_PLAUSIBLE_SPEED", "250")
	t.Setenv("RATE_MAX_RETRIES", "5")
	t.Setenv("OVERSPEED_COOLDOWN", "2m")
	t.Setenv("DEBUG", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MaxPlausibleSpeed != 250 {
		t.Errorf("Expected 250, got %v", cfg.MaxPlausibleSpeed)
	}
	if cfg.RateMaxRetries != 5 {
		t.Errorf("Expected 5 retries, got %d", cfg.RateMaxRetries)
	}
	if cfg.OverspeedCooldown != 2*time.Minute {
		t.Errorf("Expected 2m, got %s", cfg.OverspeedCooldown)
	}
	if !cfg.Debug {
		t.Error("Expected debug mode")
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("RATE_BURST", "lots")
	t.Setenv("VENDOR_TIMEOUT", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RateBurst != 5 {
		t.Errorf("Expected fallback burst 5, got %d", cfg.RateBurst)
	}
	if cfg.VendorTimeout != 30*time.Second {
		t.Errorf("Expected fallback timeout 30s, got %s", cfg.VendorTimeout)
	}
}

func TestValidateRejectsBadRanges(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"zero burst", map[string]string{"RATE_BURST": "0"}},
		{"negative retries", map[string]string{"RATE_MAX_RETRIES": "-1"}},
		{"cap below base", map[string]string{"RATE_BACKOFF_BASE": "10s", "RATE_BACKOFF_MAX": "1s"}},
		{"confidence above one", map[string]string{"IGNITION_MIN_CONFIDENCE": "1.5"}},
		{"zero plausible speed", map[string]string{"MAX_PLAUSIBLE_SPEED": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Expected validation error, got nil")
			}
		})
	}
}
