package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix           = "GRIDVAULT"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "gridvault.db"
	defaultLogLevel     = "info"
	defaultCookieName   = "gridvault_session"
	defaultIssuer       = "gridvault"
	defaultBatchSize    = 500
	defaultCacheSize    = 128
	defaultMaxRetries   = 3
	defaultSessionTTL   = 12 * time.Hour
	defaultPingInterval = 25 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultReadTimeout  = 60 * time.Second
)

// AppConfig captures runtime configuration for the API server and CLI.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	SessionCookieName  string
	SessionIssuer      string
	SessionSecret      string
	SessionTTL         time.Duration
	IngestBatchSize    int
	HistoryCacheSize   int
	ConflictMaxRetries int
	LivePingInterval   time.Duration
	LiveWriteTimeout   time.Duration
	LiveReadTimeout    time.Duration
	CORSOrigins        []string
}

// LoadDotEnv reads a local .env file into the process environment when one exists.
// Variables already set in the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	existing := make([]string, 0, len(paths))
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			existing = append(existing, path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", path, err)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultIssuer)
	configViper.SetDefault("session.ttl", defaultSessionTTL)
	configViper.SetDefault("ingest.batch_size", defaultBatchSize)
	configViper.SetDefault("history.cache_size", defaultCacheSize)
	configViper.SetDefault("conflicts.max_retries", defaultMaxRetries)
	configViper.SetDefault("live.ping_interval", defaultPingInterval)
	configViper.SetDefault("live.write_timeout", defaultWriteTimeout)
	configViper.SetDefault("live.read_timeout", defaultReadTimeout)
	configViper.SetDefault("cors.origins", []string{})
}

// ReadFile merges a YAML or JSON config file into the viper instance.
func ReadFile(configViper *viper.Viper, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	configViper.SetConfigFile(path)
	if err := configViper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SessionCookieName:  configViper.GetString("session.cookie_name"),
		SessionIssuer:      configViper.GetString("session.issuer"),
		SessionSecret:      configViper.GetString("session.signing_secret"),
		SessionTTL:         configViper.GetDuration("session.ttl"),
		IngestBatchSize:    configViper.GetInt("ingest.batch_size"),
		HistoryCacheSize:   configViper.GetInt("history.cache_size"),
		ConflictMaxRetries: configViper.GetInt("conflicts.max_retries"),
		LivePingInterval:   configViper.GetDuration("live.ping_interval"),
		LiveWriteTimeout:   configViper.GetDuration("live.write_timeout"),
		LiveReadTimeout:    configViper.GetDuration("live.read_timeout"),
		CORSOrigins:        splitOrigins(configViper.GetStringSlice("cors.origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("session.issuer is required")
	}
	if c.IngestBatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be positive")
	}
	if c.HistoryCacheSize <= 0 {
		return fmt.Errorf("history.cache_size must be positive")
	}
	if c.ConflictMaxRetries <= 0 {
		return fmt.Errorf("conflicts.max_retries must be positive")
	}
	return nil
}

// splitOrigins accepts both list values and a single comma separated env value.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
