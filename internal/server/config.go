// Package server provides configuration helpers that define runtime
// defaults, validation, and tuning parameters for the Harbour chat core.
package server

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings including security
// controls and chat lifecycle tuning.
type Config struct {
	Port            string
	AllowedOrigins  []string
	MaxMessageSize  int64
	RateLimit       RateLimitConfig
	SessionSecret   string
	DatabasePath    string
	DefaultRoomID   string
	DefaultRoomName string
	DefaultChannel  string
	RoomGraceWindow time.Duration
	SweepInterval   time.Duration
	HistoryLimit    int
	PreviewLength   int
	// NotifyActiveElsewhere controls whether a room member who is online
	// in a different context still gets a durable notification when a
	// room message arrives.
	NotifyActiveElsewhere bool
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		SessionSecret:         "",
		DatabasePath:          "harbour.db",
		DefaultRoomID:         "general",
		DefaultRoomName:       "General",
		DefaultChannel:        "general",
		RoomGraceWindow:       5 * time.Minute,
		SweepInterval:         5 * time.Minute,
		HistoryLimit:          50,
		PreviewLength:         80,
		NotifyActiveElsewhere: true,
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = ":8080"
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "harbour.db"
	}

	if cfg.DefaultRoomID == "" {
		cfg.DefaultRoomID = "general"
	}

	if cfg.DefaultRoomName == "" {
		cfg.DefaultRoomName = "General"
	}

	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = "general"
	}

	if cfg.RoomGraceWindow <= 0 {
		cfg.RoomGraceWindow = 5 * time.Minute
	}

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}

	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}

	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = 80
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		defaultCfg := defaultConfig()
		sanitizeConfig(defaultCfg)
		return
	}

	sanitized := *cfg
	sanitized.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	sanitizeConfig(sanitized)
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}

	if secret := os.Getenv("SESSION_SECRET"); secret != "" {
		cfg.SessionSecret = secret
	}

	if path := os.Getenv("DATABASE_PATH"); path != "" {
		cfg.DatabasePath = path
	}

	if roomID := os.Getenv("DEFAULT_ROOM_ID"); roomID != "" {
		cfg.DefaultRoomID = roomID
	}

	if roomName := os.Getenv("DEFAULT_ROOM_NAME"); roomName != "" {
		cfg.DefaultRoomName = roomName
	}

	if grace := os.Getenv("ROOM_GRACE_WINDOW"); grace != "" {
		cfg.RoomGraceWindow = parseSeconds(grace, cfg.RoomGraceWindow)
	}

	if sweep := os.Getenv("ROOM_SWEEP_INTERVAL"); sweep != "" {
		cfg.SweepInterval = parseSeconds(sweep, cfg.SweepInterval)
	}

	if limit := os.Getenv("HISTORY_LIMIT"); limit != "" {
		cfg.HistoryLimit = parseIntValue(limit, cfg.HistoryLimit)
	}

	if notify := os.Getenv("NOTIFY_ACTIVE_ELSEWHERE"); notify != "" {
		if parsed, err := strconv.ParseBool(notify); err == nil {
			cfg.NotifyActiveElsewhere = parsed
		}
	}

	return &cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
