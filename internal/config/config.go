package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	BackendBedrock   = "bedrock"
	BackendWebSocket = "websocket"
)

type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Region   string `yaml:"region"`
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	Backend     string `yaml:"backend"`
	ModelID     string `yaml:"model_id"`
	UpstreamURL string `yaml:"upstream_url"`

	MaxEventSize  int   `yaml:"max_event_size"`
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`

	JWTSecret      string   `yaml:"jwt_secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	DatabaseURL           string `yaml:"database_url"`
	SessionRetentionHours int    `yaml:"session_retention_hours"`
	AbandonedAfterHours   int    `yaml:"abandoned_after_hours"`

	MetadataEndpoint string `yaml:"metadata_endpoint"`

	// Static credentials come from the environment only.
	AccessKeyID     string `yaml:"-"`
	SecretAccessKey string `yaml:"-"`
	SessionToken    string `yaml:"-"`
}

func Default() Config {
	return Config{
		Host:                  "0.0.0.0",
		Port:                  8081,
		Region:                "us-east-1",
		LogLevel:              "info",
		Backend:               BackendBedrock,
		ModelID:               "amazon.nova-sonic-v1:0",
		MaxEventSize:          10000,
		MaxFrameBytes:         1 << 20,
		AllowedOrigins:        []string{"*"},
		SessionRetentionHours: 24 * 30,
		AbandonedAfterHours:   6,
	}
}

// LoadFromEnv loads the file named by RELAY_CONFIG_FILE, if any.
func LoadFromEnv() (Config, error) {
	return Load(os.Getenv("RELAY_CONFIG_FILE"))
}

// Load applies defaults, then the YAML file at path (when non-empty), then
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Host = envOrDefault("HOST", c.Host)
	c.Region = envOrDefault("AWS_DEFAULT_REGION", c.Region)
	c.LogLevel = envOrDefault("LOGLEVEL", c.LogLevel)
	c.Backend = strings.ToLower(envOrDefault("RELAY_BACKEND", c.Backend))
	c.ModelID = envOrDefault("RELAY_MODEL_ID", c.ModelID)
	c.UpstreamURL = envOrDefault("RELAY_UPSTREAM_URL", c.UpstreamURL)
	c.JWTSecret = envOrDefault("RELAY_JWT_SECRET", c.JWTSecret)
	c.DatabaseURL = envOrDefault("RELAY_DATABASE_URL", c.DatabaseURL)
	c.MetadataEndpoint = envOrDefault("RELAY_METADATA_ENDPOINT", c.MetadataEndpoint)
	if raw := os.Getenv("RELAY_ALLOWED_ORIGINS"); raw != "" {
		c.AllowedOrigins = splitCSV(raw)
	}
	if raw := os.Getenv("RELAY_LOG_JSON"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("RELAY_LOG_JSON: %w", err)
		}
		c.LogJSON = v
	}

	c.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	c.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	c.SessionToken = os.Getenv("AWS_SESSION_TOKEN")

	var err error
	if c.Port, err = envInt("PORT", c.Port); err != nil {
		return err
	}
	if c.MaxEventSize, err = envInt("RELAY_MAX_EVENT_SIZE", c.MaxEventSize); err != nil {
		return err
	}
	frame, err := envInt("RELAY_MAX_FRAME_BYTES", int(c.MaxFrameBytes))
	if err != nil {
		return err
	}
	c.MaxFrameBytes = int64(frame)
	if c.SessionRetentionHours, err = envInt("RELAY_SESSION_RETENTION_HOURS", c.SessionRetentionHours); err != nil {
		return err
	}
	if c.AbandonedAfterHours, err = envInt("RELAY_ABANDONED_AFTER_HOURS", c.AbandonedAfterHours); err != nil {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port))
	}
	switch c.Backend {
	case BackendBedrock:
		if c.ModelID == "" {
			errs = append(errs, fmt.Errorf("RELAY_MODEL_ID is required for the bedrock backend"))
		}
	case BackendWebSocket:
		if c.UpstreamURL == "" {
			errs = append(errs, fmt.Errorf("RELAY_UPSTREAM_URL is required for the websocket backend"))
		} else if !strings.HasPrefix(c.UpstreamURL, "wss://") && !strings.HasPrefix(c.UpstreamURL, "ws://") {
			errs = append(errs, fmt.Errorf("RELAY_UPSTREAM_URL must be a ws:// or wss:// URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("RELAY_BACKEND must be one of bedrock|websocket, got %q", c.Backend))
	}
	if c.Region == "" {
		errs = append(errs, fmt.Errorf("AWS_DEFAULT_REGION is required"))
	}
	if c.MaxEventSize < 1024 {
		errs = append(errs, fmt.Errorf("RELAY_MAX_EVENT_SIZE must be at least 1024, got %d", c.MaxEventSize))
	}
	if c.MaxFrameBytes < int64(c.MaxEventSize) {
		errs = append(errs, fmt.Errorf("RELAY_MAX_FRAME_BYTES must be at least RELAY_MAX_EVENT_SIZE"))
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		errs = append(errs, fmt.Errorf("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set together"))
	}
	if c.SessionRetentionHours <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_SESSION_RETENTION_HOURS must be positive"))
	}
	if c.AbandonedAfterHours <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_ABANDONED_AFTER_HOURS must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) HasStaticCredentials() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

func envOrDefault(k, v string) string {
	if raw := os.Getenv(k); raw != "" {
		return raw
	}
	return v
}

func envInt(k string, d int) (int, error) {
	raw := os.Getenv(k)
	if raw == "" {
		return d, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
