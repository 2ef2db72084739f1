package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"mentorlink-rtc/pkg/constants"
)

// Config holds all configuration for the session coordination client
type Config struct {
	Agent     AgentConfig
	Signaling SignalingConfig
	ICE       ICEConfig
	Media     MediaConfig
	Security  SecurityConfig
	Reconnect ReconnectConfig
	Log       LogConfig
}

// AgentConfig holds settings for the session-agent binary
type AgentConfig struct {
	DiagnosticsPort int
	Environment     string // development, staging, production
	ServiceName     string
}

// SignalingConfig holds signaling server connection settings
type SignalingConfig struct {
	URL               string
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	HeartbeatInterval time.Duration
	ReadLimitBytes    int64
}

// ICEConfig holds STUN/TURN server settings for peer connections
type ICEConfig struct {
	URLs       []string
	Username   string
	Credential string
}

// MediaConfig holds capture device bounds
type MediaConfig struct {
	MaxWidth      int
	MaxHeight     int
	MaxFrameRate  int
	MaxSampleRate int
}

// SecurityConfig holds envelope validation limits
type SecurityConfig struct {
	FreshnessTolerance   time.Duration
	RateLimitMaxMessages int
	RateLimitWindow      time.Duration
	MaxChatMessageLength int
	MaxWarnings          int
}

// ReconnectConfig holds reconnection backoff policy
type ReconnectConfig struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxAttempts   int
	ProbeInterval time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Agent: AgentConfig{
			DiagnosticsPort: getEnvAsInt("DIAGNOSTICS_PORT", 9091),
			Environment:     getEnv("ENV", "development"),
			ServiceName:     getEnv("SERVICE_NAME", "session-agent"),
		},
		Signaling: SignalingConfig{
			URL:               getEnv("SIGNALING_URL", "wss://localhost:8443/ws/session"),
			ConnectTimeout:    getEnvAsDuration("SIGNALING_CONNECT_TIMEOUT", constants.ConnectTimeout),
			WriteTimeout:      getEnvAsDuration("SIGNALING_WRITE_TIMEOUT", constants.WebSocketWriteTimeout),
			PingInterval:      getEnvAsDuration("SIGNALING_PING_INTERVAL", constants.WebSocketPingInterval),
			HeartbeatInterval: getEnvAsDuration("SIGNALING_HEARTBEAT_INTERVAL", constants.HeartbeatInterval),
			ReadLimitBytes:    int64(getEnvAsInt("SIGNALING_READ_LIMIT_BYTES", 512*1024)),
		},
		ICE: ICEConfig{
			URLs:       getEnvAsSlice("ICE_SERVERS", []string{"stun:stun.l.google.com:19302"}),
			Username:   getEnv("ICE_USERNAME", ""),
			Credential: getEnv("ICE_CREDENTIAL", ""),
		},
		Media: MediaConfig{
			MaxWidth:      getEnvAsInt("MEDIA_MAX_WIDTH", constants.MaxVideoWidth),
			MaxHeight:     getEnvAsInt("MEDIA_MAX_HEIGHT", constants.MaxVideoHeight),
			MaxFrameRate:  getEnvAsInt("MEDIA_MAX_FRAMERATE", constants.MaxVideoFrameRate),
			MaxSampleRate: getEnvAsInt("MEDIA_MAX_SAMPLE_RATE", constants.MaxAudioSampleRate),
		},
		Security: SecurityConfig{
			FreshnessTolerance:   getEnvAsDuration("SECURITY_FRESHNESS_TOLERANCE", constants.FreshnessTolerance),
			RateLimitMaxMessages: getEnvAsInt("SECURITY_RATE_LIMIT_MAX", constants.RateLimitMaxMessages),
			RateLimitWindow:      getEnvAsDuration("SECURITY_RATE_LIMIT_WINDOW", constants.RateLimitWindow),
			MaxChatMessageLength: getEnvAsInt("SECURITY_MAX_CHAT_LENGTH", constants.MaxChatMessageLength),
			MaxWarnings:          getEnvAsInt("SECURITY_MAX_WARNINGS", constants.MaxSecurityWarnings),
		},
		Reconnect: ReconnectConfig{
			BaseDelay:     getEnvAsDuration("RECONNECT_BASE_DELAY", constants.ReconnectBaseDelay),
			MaxDelay:      getEnvAsDuration("RECONNECT_MAX_DELAY", constants.ReconnectMaxDelay),
			MaxAttempts:   getEnvAsInt("RECONNECT_MAX_ATTEMPTS", constants.ReconnectMaxAttempts),
			ProbeInterval: getEnvAsDuration("HEALTH_PROBE_INTERVAL", constants.HealthProbeInterval),
		},
		Log: LogConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Format:   getEnv("LOG_FORMAT", "json"),
			Output:   getEnv("LOG_OUTPUT", "stdout"),
			FilePath: getEnv("LOG_FILE_PATH", ""),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks required configuration values
func (c *Config) validate() error {
	if c.Signaling.URL == "" {
		return fmt.Errorf("SIGNALING_URL is required")
	}
	if !strings.HasPrefix(c.Signaling.URL, "ws://") && !strings.HasPrefix(c.Signaling.URL, "wss://") {
		return fmt.Errorf("SIGNALING_URL must be a ws:// or wss:// URL")
	}
	if c.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be at least 1")
	}
	if c.Security.RateLimitMaxMessages < 1 {
		return fmt.Errorf("SECURITY_RATE_LIMIT_MAX must be at least 1")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
