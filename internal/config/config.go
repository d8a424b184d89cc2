package config

import (
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultHTTPAddr           = ":8090"
	defaultDBPath             = "/data/hub_bridge.db"
	defaultPeerTimeout        = 5 * time.Second
	defaultSensorPollInterval = 10 * time.Second
	defaultStatusPollInterval = 30 * time.Second
	defaultRuleSyncInterval   = 30 * time.Second
	defaultLogMirrorInterval  = 60 * time.Second
	defaultRetryAttempts      = 3
	defaultRetryBaseDelay     = 400 * time.Millisecond
)

// Config stores runtime settings for the bridge process. The peer token and
// rolling-code secret are injected here and nowhere else.
type Config struct {
	HTTPAddr string
	DBPath   string
	LogLevel slog.Level

	PeerBaseURL string
	PeerToken   string
	PeerSecret  string
	PeerTimeout time.Duration

	SensorPollInterval time.Duration
	StatusPollInterval time.Duration
	RuleSyncInterval   time.Duration
	LogMirrorInterval  time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration

	MQTTBroker      string
	MQTTClientID    string
	MQTTTopicPrefix string
}

// Load reads configuration from an optional .env file, a config.yaml in the
// working directory, and environment variables, in increasing precedence.
func Load() (Config, error) {
	// Missing .env is fine; env vars and config file still apply.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	cfg := Config{
		HTTPAddr: stringOr(v, "HTTP_ADDR", defaultHTTPAddr),
		DBPath:   stringOr(v, "DB_PATH", defaultDBPath),
		LogLevel: parseLogLevel(v.GetString("LOG_LEVEL")),

		PeerBaseURL: strings.TrimSuffix(strings.TrimSpace(v.GetString("PEER_BASE_URL")), "/"),
		PeerToken:   strings.TrimSpace(v.GetString("PEER_TOKEN")),
		PeerSecret:  strings.TrimSpace(v.GetString("PEER_SECRET")),
		PeerTimeout: durationOr(v, "PEER_TIMEOUT", defaultPeerTimeout),

		SensorPollInterval: durationOr(v, "SENSOR_POLL_INTERVAL", defaultSensorPollInterval),
		StatusPollInterval: durationOr(v, "STATUS_POLL_INTERVAL", defaultStatusPollInterval),
		RuleSyncInterval:   durationOr(v, "RULE_SYNC_INTERVAL", defaultRuleSyncInterval),
		LogMirrorInterval:  durationOr(v, "LOG_MIRROR_INTERVAL", defaultLogMirrorInterval),

		RetryAttempts:  intOr(v, "RETRY_ATTEMPTS", defaultRetryAttempts),
		RetryBaseDelay: durationOr(v, "RETRY_BASE_DELAY", defaultRetryBaseDelay),

		MQTTBroker:      strings.TrimSpace(v.GetString("MQTT_BROKER")),
		MQTTClientID:    stringOr(v, "MQTT_CLIENT_ID", "hub-bridge"),
		MQTTTopicPrefix: stringOr(v, "MQTT_TOPIC_PREFIX", "hubbridge"),
	}

	if cfg.PeerBaseURL == "" {
		return Config{}, errors.New("PEER_BASE_URL is required")
	}
	if cfg.PeerToken == "" {
		return Config{}, errors.New("PEER_TOKEN is required")
	}
	if cfg.PeerSecret == "" {
		return Config{}, errors.New("PEER_SECRET is required")
	}
	return cfg, nil
}

// DBDir returns the target directory for DBPath.
func (c Config) DBDir() string {
	return filepath.Dir(c.DBPath)
}

// MQTTEnabled reports whether the optional MQTT publisher should start.
func (c Config) MQTTEnabled() bool {
	return c.MQTTBroker != ""
}

func stringOr(v *viper.Viper, key, fallback string) string {
	value := strings.TrimSpace(v.GetString(key))
	if value == "" {
		return fallback
	}
	return value
}

func durationOr(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func intOr(v *viper.Viper, key string, fallback int) int {
	if !v.IsSet(key) {
		return fallback
	}
	value := v.GetInt(key)
	if value <= 0 {
		return fallback
	}
	return value
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
