package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	// Remote speech service. BearerToken is preferred over the API key when
	// both are configured.
	SpeechEndpoint    string
	SpeechDeployment  string
	SpeechAPIVersion  string
	SpeechAPIKey      string
	SpeechBearerToken string
	SpeechClientID    string
	DialTimeout       time.Duration

	// Session defaults applied when the client config omits a field, and
	// used wholesale for telephony connections that send no config at all.
	DefaultModel        string
	DefaultVoice        string
	DefaultLocale       string
	DefaultInstructions string
	WelcomeMessage      string

	DefaultAvatarCharacter string
	DefaultAvatarStyle     string

	// Orchestration timeouts.
	ConfigWaitTimeout time.Duration
	SdpTimeout        time.Duration
	DrainTimeout      time.Duration

	// Tooling.
	MCPServerURL       string
	WeatherGeocodeURL  string
	WeatherForecastURL string
	ToolHTTPTimeout    time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "voxbridge"),
		AllowAnyOrigin:         false,
		SpeechEndpoint:         stringsTrimSpace("SPEECH_ENDPOINT"),
		SpeechDeployment:       envOrDefault("SPEECH_DEPLOYMENT", "gpt-4o-realtime-preview"),
		SpeechAPIVersion:       envOrDefault("SPEECH_API_VERSION", "2025-04-01-preview"),
		SpeechAPIKey:           stringsTrimSpace("SPEECH_API_KEY"),
		SpeechBearerToken:      stringsTrimSpace("SPEECH_BEARER_TOKEN"),
		SpeechClientID:         stringsTrimSpace("SPEECH_CLIENT_ID"),
		DefaultModel:           envOrDefault("DEFAULT_MODEL", "gpt-4o-realtime-preview"),
		DefaultVoice:           envOrDefault("DEFAULT_VOICE", "en-US-AvaNeural"),
		DefaultLocale:          envOrDefault("DEFAULT_LOCALE", "en-US"),
		DefaultInstructions:    envOrDefault("DEFAULT_INSTRUCTIONS", "You are a helpful voice assistant. Keep answers short and conversational."),
		WelcomeMessage:         stringsTrimSpace("WELCOME_MESSAGE"),
		DefaultAvatarCharacter: envOrDefault("DEFAULT_AVATAR_CHARACTER", "lisa"),
		DefaultAvatarStyle:     envOrDefault("DEFAULT_AVATAR_STYLE", "casual-sitting"),
		MCPServerURL:           stringsTrimSpace("MCP_SERVER_URL"),
		WeatherGeocodeURL:      stringsTrimSpace("WEATHER_GEOCODE_URL"),
		WeatherForecastURL:     stringsTrimSpace("WEATHER_FORECAST_URL"),
		DatabaseURL:            stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:        15 * time.Second,
		DialTimeout:            10 * time.Second,
		ConfigWaitTimeout:      3 * time.Second,
		SdpTimeout:             20 * time.Second,
		DrainTimeout:           2 * time.Second,
		ToolHTTPTimeout:        15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DialTimeout, err = durationFromEnv("SPEECH_DIAL_TIMEOUT", cfg.DialTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ConfigWaitTimeout, err = durationFromEnv("APP_CONFIG_WAIT_TIMEOUT", cfg.ConfigWaitTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SdpTimeout, err = durationFromEnv("APP_SDP_TIMEOUT", cfg.SdpTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DrainTimeout, err = durationFromEnv("APP_DRAIN_TIMEOUT", cfg.DrainTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ToolHTTPTimeout, err = durationFromEnv("TOOL_HTTP_TIMEOUT", cfg.ToolHTTPTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SpeechEndpoint == "" {
		return Config{}, fmt.Errorf("SPEECH_ENDPOINT is required")
	}
	if cfg.ConfigWaitTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_CONFIG_WAIT_TIMEOUT must be positive")
	}
	if cfg.SdpTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_SDP_TIMEOUT must be positive")
	}
	if cfg.DrainTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_DRAIN_TIMEOUT must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
