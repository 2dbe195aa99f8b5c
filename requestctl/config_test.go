package requestctl

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
	if cfg.WindowSize != time.Second || cfg.MaxPerWindow != 5 {
		t.Errorf("window = %v/%d, want 1s/5", cfg.WindowSize, cfg.MaxPerWindow)
	}
	if cfg.MinSpacing != 100*time.Millisecond {
		t.Errorf("MinSpacing = %v, want 100ms", cfg.MinSpacing)
	}
	if cfg.BackoffCooldown != 5*time.Second {
		t.Errorf("BackoffCooldown = %v, want 5s", cfg.BackoffCooldown)
	}
	if cfg.ShortWindow != time.Second || cfg.EmergencyCeiling != 10 {
		t.Errorf("breaker = %v/%d, want 1s/10", cfg.ShortWindow, cfg.EmergencyCeiling)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative ttl", func(c *Config) { c.TTL = -time.Second }},
		{"negative max entries", func(c *Config) { c.MaxEntries = -1 }},
		{"negative max per window", func(c *Config) { c.MaxPerWindow = -1 }},
		{"max without window", func(c *Config) { c.WindowSize = 0 }},
		{"negative spacing", func(c *Config) { c.MinSpacing = -1 }},
		{"negative cooldown", func(c *Config) { c.BackoffCooldown = -1 }},
		{"negative ceiling", func(c *Config) { c.EmergencyCeiling = -1 }},
		{"ceiling without window", func(c *Config) { c.ShortWindow = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}

	disabled := DefaultConfig()
	disabled.MaxPerWindow = 0
	disabled.WindowSize = 0
	disabled.EmergencyCeiling = 0
	disabled.ShortWindow = 0
	if err := disabled.Validate(); err != nil {
		t.Errorf("disabled limits should validate, got %v", err)
	}
}

func TestOverloadError(t *testing.T) {
	inner := errors.New("429 Too Many Requests")
	err := &OverloadError{Target: "/jobs", StatusCode: 429, RetryAfter: 2 * time.Second, Err: inner}

	want := "overloaded: /jobs (status 429), retry after 2s: 429 Too Many Requests"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, inner) {
		t.Error("Expected OverloadError to unwrap")
	}
	if _, ok := AsOverload(inner); ok {
		t.Error("plain error is not an overload")
	}
}
