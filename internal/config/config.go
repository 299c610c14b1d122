package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix              = "FIELDOPS"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = "sqlite"
	defaultDatabasePath    = "fieldops.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultCookieName      = "fieldops_session"
	defaultIssuer          = "fieldops-auth"
	defaultTokenTTLMinutes = 720
	defaultStorageDriver   = "local"
	defaultStorageRoot     = "redline-files"
	defaultUploadMaxBytes  = 50 << 20
	defaultEventStream     = "fieldops:redline-events"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	HTTPAllowedOrigins []string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	LogLevel  string
	LogFormat string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	AuthTokenTTL      time.Duration

	StorageDriver        string
	StorageLocalRoot     string
	StoragePublicBaseURL string
	StorageGCSBucket     string
	UploadMaxBytes       int64

	EventsRedisAddress  string
	EventsRedisPassword string
	EventsRedisDB       int
	EventsRedisStream   string

	MetricsEnabled bool
}

// LoadDotEnv reads KEY=VALUE pairs from the given files into the process environment.
// Missing files are ignored; variables that are already set win.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
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
	configViper.SetDefault("http.allowed_origins", "")
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("storage.driver", defaultStorageDriver)
	configViper.SetDefault("storage.local_root", defaultStorageRoot)
	configViper.SetDefault("storage.public_base_url", "")
	configViper.SetDefault("storage.gcs_bucket", "")
	configViper.SetDefault("upload.max_bytes", defaultUploadMaxBytes)
	configViper.SetDefault("events.redis_address", "")
	configViper.SetDefault("events.redis_password", "")
	configViper.SetDefault("events.redis_db", 0)
	configViper.SetDefault("events.redis_stream", defaultEventStream)
	configViper.SetDefault("metrics.enabled", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          strings.TrimSpace(configViper.GetString("http.address")),
		HTTPAllowedOrigins:   splitList(configViper.GetString("http.allowed_origins")),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:         strings.TrimSpace(configViper.GetString("database.path")),
		DatabaseDSN:          strings.TrimSpace(configViper.GetString("database.dsn")),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		AuthSigningSecret:    configViper.GetString("auth.signing_secret"),
		AuthIssuer:           strings.TrimSpace(configViper.GetString("auth.issuer")),
		AuthCookieName:       strings.TrimSpace(configViper.GetString("auth.cookie_name")),
		AuthTokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		StorageDriver:        strings.ToLower(strings.TrimSpace(configViper.GetString("storage.driver"))),
		StorageLocalRoot:     strings.TrimSpace(configViper.GetString("storage.local_root")),
		StoragePublicBaseURL: strings.TrimSpace(configViper.GetString("storage.public_base_url")),
		StorageGCSBucket:     strings.TrimSpace(configViper.GetString("storage.gcs_bucket")),
		UploadMaxBytes:       configViper.GetInt64("upload.max_bytes"),
		EventsRedisAddress:   strings.TrimSpace(configViper.GetString("events.redis_address")),
		EventsRedisPassword:  configViper.GetString("events.redis_password"),
		EventsRedisDB:        configViper.GetInt("events.redis_db"),
		EventsRedisStream:    strings.TrimSpace(configViper.GetString("events.redis_stream")),
		MetricsEnabled:       configViper.GetBool("metrics.enabled"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.AuthCookieName == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.AuthTokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if c.DatabasePath == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if c.DatabaseDSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	switch c.StorageDriver {
	case "local":
		if c.StorageLocalRoot == "" {
			return fmt.Errorf("storage.local_root is required")
		}
	case "gcs":
		if c.StorageGCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for gcs")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.StorageDriver)
	}
	if c.UploadMaxBytes <= 0 {
		return fmt.Errorf("upload.max_bytes must be positive")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log.format %q is not supported", c.LogFormat)
	}
	if c.EventsRedisAddress != "" && c.EventsRedisStream == "" {
		return fmt.Errorf("events.redis_stream is required when events.redis_address is set")
	}
	return nil
}

// splitList parses a comma separated setting, dropping empty entries.
func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
