package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected address %q", cfg.HTTPAddress)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != defaultAllowedOrigin {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.PingInterval >= cfg.PongWait {
		t.Fatalf("ping interval must be shorter than pong wait")
	}
}

func TestLoadHonoursEnvironment(t *testing.T) {
	t.Setenv("NOTESYNC_HTTP_ADDRESS", "127.0.0.1:9999")
	t.Setenv("NOTESYNC_REALTIME_POLL_TIMEOUT", "5s")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:9999" {
		t.Fatalf("expected env override, got %q", cfg.HTTPAddress)
	}
	if cfg.PollTimeout != 5*time.Second {
		t.Fatalf("expected poll timeout override, got %v", cfg.PollTimeout)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testCases := []struct {
		name  string
		key   string
		value any
	}{
		{name: "empty-database", key: keyDatabasePath, value: " "},
		{name: "ping-after-pong", key: keyPingInterval, value: 2 * time.Minute},
		{name: "idle-below-poll", key: keyPollIdleTimeout, value: time.Second},
		{name: "zero-buffer", key: keySendBufferSize, value: 0},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(testCase.key, testCase.value)
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected validation error for %s", testCase.key)
			}
		})
	}
}

func TestLoadClient(t *testing.T) {
	configViper := NewViper()
	configViper.Set(keyClientServerURL, "http://relay.example:8080/")
	cfg, err := LoadClient(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServerURL != "http://relay.example:8080" {
		t.Fatalf("expected trailing slash to be trimmed, got %q", cfg.ServerURL)
	}
	if cfg.AutosaveInterval != 5*time.Second || cfg.RequestTimeout != 10*time.Second {
		t.Fatalf("unexpected client timings %v / %v", cfg.AutosaveInterval, cfg.RequestTimeout)
	}

	configViper.Set(keyClientTransport, "carrier-pigeon")
	if _, err := LoadClient(configViper); err == nil {
		t.Fatalf("expected invalid transport to be rejected")
	}
}
