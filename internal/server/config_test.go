package server

import (
	"net/http/httptest"
	"testing"
	"time"
)

// resetConfig restores the default configuration after a test mutates
// the process-wide settings.
func resetConfig(t *testing.T) {
	t.Helper()
	t.Cleanup(func() { SetConfig(NewConfig()) })
}

// TestNewConfigDefaults verifies the default configuration values.
func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	if cfg.Port != ":8080" {
		t.Errorf("expected default port :8080, got %q", cfg.Port)
	}
	if cfg.MaxMessageSize != 4096 {
		t.Errorf("expected default message size 4096, got %d", cfg.MaxMessageSize)
	}
	if cfg.RateLimit.Burst != 5 || cfg.RateLimit.RefillInterval != time.Second {
		t.Errorf("unexpected default rate limit: %+v", cfg.RateLimit)
	}
	if cfg.DefaultRoomID != "general" || cfg.DefaultChannel != "general" {
		t.Errorf("unexpected default room settings: %+v", cfg)
	}
	if cfg.RoomGraceWindow != 5*time.Minute || cfg.SweepInterval != 5*time.Minute {
		t.Errorf("unexpected default lifecycle tuning: %+v", cfg)
	}
	if !cfg.NotifyActiveElsewhere {
		t.Error("expected NotifyActiveElsewhere to default to true")
	}
}

// TestNewConfigFromEnv verifies environment overrides are applied.
func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9191")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://staging.example.com")
	t.Setenv("MAX_MESSAGE_SIZE", "2048")
	t.Setenv("RATE_LIMIT_BURST", "10")
	t.Setenv("SESSION_SECRET", "swordfish")
	t.Setenv("ROOM_GRACE_WINDOW", "600")
	t.Setenv("NOTIFY_ACTIVE_ELSEWHERE", "false")

	cfg := NewConfigFromEnv()

	if cfg.Port != ":9191" {
		t.Errorf("expected env port, got %q", cfg.Port)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("unexpected origins: %v", cfg.AllowedOrigins)
	}
	if cfg.MaxMessageSize != 2048 {
		t.Errorf("expected env message size, got %d", cfg.MaxMessageSize)
	}
	if cfg.RateLimit.Burst != 10 {
		t.Errorf("expected env burst, got %d", cfg.RateLimit.Burst)
	}
	if cfg.SessionSecret != "swordfish" {
		t.Errorf("expected env secret, got %q", cfg.SessionSecret)
	}
	if cfg.RoomGraceWindow != 10*time.Minute {
		t.Errorf("expected 10m grace window, got %v", cfg.RoomGraceWindow)
	}
	if cfg.NotifyActiveElsewhere {
		t.Error("expected NotifyActiveElsewhere override to false")
	}
}

// TestNewConfigFromEnvIgnoresGarbage verifies malformed numeric values
// fall back to defaults.
func TestNewConfigFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("MAX_MESSAGE_SIZE", "not-a-number")
	t.Setenv("RATE_LIMIT_BURST", "-3")
	t.Setenv("ROOM_GRACE_WINDOW", "soon")

	cfg := NewConfigFromEnv()

	if cfg.MaxMessageSize != 4096 {
		t.Errorf("expected default message size, got %d", cfg.MaxMessageSize)
	}
	if cfg.RateLimit.Burst != 5 {
		t.Errorf("expected default burst, got %d", cfg.RateLimit.Burst)
	}
	if cfg.RoomGraceWindow != 5*time.Minute {
		t.Errorf("expected default grace window, got %v", cfg.RoomGraceWindow)
	}
}

// TestSetConfigSanitizes verifies zero values are replaced before the
// configuration becomes active.
func TestSetConfigSanitizes(t *testing.T) {
	resetConfig(t)

	SetConfig(&Config{})
	cfg := currentConfig()

	if cfg.Port != ":8080" || cfg.MaxMessageSize != 4096 {
		t.Errorf("sanitizer did not apply defaults: %+v", cfg)
	}
	if cfg.DefaultRoomID != "general" || cfg.RoomGraceWindow != 5*time.Minute {
		t.Errorf("sanitizer did not apply lifecycle defaults: %+v", cfg)
	}
}

// TestOriginAllowList verifies origin checks against the configured
// allowlist, including normalization and the wildcard.
func TestOriginAllowList(t *testing.T) {
	resetConfig(t)

	SetConfig(&Config{AllowedOrigins: []string{"https://App.Example.com"}})

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://app.example.com")
	if !isOriginAllowed(r) {
		t.Error("configured origin should be allowed regardless of case")
	}

	r.Header.Set("Origin", "https://evil.example.com")
	if isOriginAllowed(r) {
		t.Error("unlisted origin should be blocked")
	}

	r.Header.Del("Origin")
	if isOriginAllowed(r) {
		t.Error("missing origin header should be blocked")
	}

	SetConfig(&Config{AllowedOrigins: []string{"*"}})
	r.Header.Set("Origin", "https://anything.example.com")
	if !isOriginAllowed(r) {
		t.Error("wildcard configuration should allow any valid origin")
	}
}

// TestNormalizeOrigin verifies scheme/host normalization and rejection
// of malformed origins.
func TestNormalizeOrigin(t *testing.T) {
	if got, ok := normalizeOrigin("HTTPS://App.Example.com"); !ok || got != "https://app.example.com" {
		t.Errorf("unexpected normalization: %q ok=%v", got, ok)
	}
	if _, ok := normalizeOrigin("not a url"); ok {
		t.Error("malformed origin should be rejected")
	}
	if _, ok := normalizeOrigin("/relative/path"); ok {
		t.Error("origin without scheme and host should be rejected")
	}
}

// TestRateLimiterBurstAndRefill verifies the token bucket allows the
// configured burst, then throttles until tokens refill.
func TestRateLimiterBurstAndRefill(t *testing.T) {
	clock := newFixedClock()
	rl := newRateLimiterAt(3, time.Second, clock.Now)

	for i := 0; i < 3; i++ {
		if !rl.allow() {
			t.Fatalf("request %d within burst should be allowed", i+1)
		}
	}
	if rl.allow() {
		t.Error("request beyond burst should be throttled")
	}

	// One third of the interval refills one token at capacity 3.
	clock.Advance(334 * time.Millisecond)
	if !rl.allow() {
		t.Error("request after refill should be allowed")
	}
	if rl.allow() {
		t.Error("only one token should have refilled")
	}
}

// TestRateLimiterCapacityClamp verifies idle time never accumulates more
// than the configured burst.
func TestRateLimiterCapacityClamp(t *testing.T) {
	clock := newFixedClock()
	rl := newRateLimiterAt(2, time.Second, clock.Now)

	clock.Advance(time.Minute)
	allowed := 0
	for i := 0; i < 5; i++ {
		if rl.allow() {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("expected the burst of 2 after a long idle, got %d", allowed)
	}
}
