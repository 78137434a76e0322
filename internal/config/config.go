// Package config loads process configuration from the environment, per
// spec.md §6.5: a single prefix with `__` as the component separator,
// covering service identity, storage/transport endpoints, JWT secret,
// object-store settings, and the MLS/E2EE tunables.
//
// Grounded on histeeria-Histeeria/backend/internal/config/config.go's
// viper+godotenv load shape, adapted from that teacher's dotted
// mapstructure/BindEnv pairs (REST-service-oriented: database, email,
// OAuth providers) to this spec's messaging-core key set.
package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the single prefix spec.md §6.5 requires; component
// separator is "__" (e.g. WIRELINE__OBJECT_STORE__BUCKET).
const EnvPrefix = "WIRELINE"

// Config is the fully resolved process configuration.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service"`
	Storage       StorageConfig       `mapstructure:"storage"`
	PubSub        PubSubConfig        `mapstructure:"pubsub"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	ObjectStore   ObjectStoreConfig   `mapstructure:"object_store"`
	MLS           MLSConfig           `mapstructure:"mls"`
	E2EE          E2EEConfig          `mapstructure:"e2ee"`
}

type ServiceConfig struct {
	Name string `mapstructure:"name"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// StorageConfig names the KV and wide-column log endpoints (spec.md §6.3
// calls these "KV PD endpoints" and "wide-column nodes" respectively).
type StorageConfig struct {
	KVEndpoints       []string `mapstructure:"kv_endpoints"`
	WideColumnNodes   []string `mapstructure:"wide_column_nodes"`
}

type PubSubConfig struct {
	URL string `mapstructure:"url"`
}

type ObservabilityConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	LogLevel string `mapstructure:"log_level"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type ObjectStoreConfig struct {
	Endpoint            string        `mapstructure:"endpoint"`
	AccessKey           string        `mapstructure:"access_key"`
	SecretKey           string        `mapstructure:"secret_key"`
	Bucket              string        `mapstructure:"bucket"`
	MaxFileSize         int64         `mapstructure:"max_file_size"`
	ChunkSize           int64         `mapstructure:"chunk_size"`
	PresignedExpiry     time.Duration `mapstructure:"presigned_expiry"`
	ThumbnailWidth      int           `mapstructure:"thumbnail_width"`
	ThumbnailHeight     int           `mapstructure:"thumbnail_height"`
	ThumbnailQuality    int           `mapstructure:"thumbnail_quality"`
	ThumbnailEnabled    bool          `mapstructure:"thumbnail_enabled"`
}

type MLSConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxGroupSize int           `mapstructure:"max_group_size"`
	PackageTTL   time.Duration `mapstructure:"package_ttl"`
	Ciphersuite  string        `mapstructure:"ciphersuite"`
}

type E2EEConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	MaxSkippedKeys int  `mapstructure:"max_skipped_keys"`
}

// Load reads a .env file if present, then resolves Config from the
// environment, applying the defaults spec.md's sibling sections document
// (e.g. 30-day key-package TTL, 1000 max skipped keys, 3600s presign
// expiry, 256 max group size).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("config: no .env file found, using environment variables")
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	v.SetDefault("service.name", "wireline")
	v.SetDefault("service.host", "0.0.0.0")
	v.SetDefault("service.port", 8443)
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("object_store.max_file_size", 100*1024*1024)
	v.SetDefault("object_store.chunk_size", 4*1024*1024)
	v.SetDefault("object_store.presigned_expiry", 3600*time.Second)
	v.SetDefault("object_store.thumbnail_width", 256)
	v.SetDefault("object_store.thumbnail_height", 256)
	v.SetDefault("object_store.thumbnail_quality", 80)
	v.SetDefault("object_store.thumbnail_enabled", true)
	v.SetDefault("mls.enabled", true)
	v.SetDefault("mls.max_group_size", 256)
	v.SetDefault("mls.package_ttl", 30*24*time.Hour)
	v.SetDefault("mls.ciphersuite", "MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519")
	v.SetDefault("e2ee.enabled", true)
	v.SetDefault("e2ee.max_skipped_keys", 1000)

	bind := func(key, env string) { _ = v.BindEnv(key, EnvPrefix+"__"+env) }
	bind("service.name", "SERVICE_NAME")
	bind("service.host", "HOST")
	bind("service.port", "PORT")
	bind("storage.kv_endpoints", "KV_ENDPOINTS")
	bind("storage.wide_column_nodes", "WIDE_COLUMN_NODES")
	bind("pubsub.url", "PUBSUB_URL")
	bind("observability.endpoint", "OBSERVABILITY_ENDPOINT")
	bind("observability.log_level", "LOG_LEVEL")
	bind("jwt.secret", "JWT_SECRET")
	bind("object_store.endpoint", "OBJECT_STORE__ENDPOINT")
	bind("object_store.access_key", "OBJECT_STORE__ACCESS_KEY")
	bind("object_store.secret_key", "OBJECT_STORE__SECRET_KEY")
	bind("object_store.bucket", "OBJECT_STORE__BUCKET")
	bind("object_store.max_file_size", "OBJECT_STORE__MAX_FILE_SIZE")
	bind("object_store.chunk_size", "OBJECT_STORE__CHUNK_SIZE")
	bind("object_store.presigned_expiry", "OBJECT_STORE__PRESIGNED_EXPIRY")
	bind("object_store.thumbnail_width", "OBJECT_STORE__THUMBNAIL_WIDTH")
	bind("object_store.thumbnail_height", "OBJECT_STORE__THUMBNAIL_HEIGHT")
	bind("object_store.thumbnail_quality", "OBJECT_STORE__THUMBNAIL_QUALITY")
	bind("object_store.thumbnail_enabled", "OBJECT_STORE__THUMBNAIL_ENABLED")
	bind("mls.enabled", "MLS__ENABLED")
	bind("mls.max_group_size", "MLS__MAX_GROUP_SIZE")
	bind("mls.package_ttl", "MLS__PACKAGE_TTL")
	bind("mls.ciphersuite", "MLS__CIPHERSUITE")
	bind("e2ee.enabled", "E2EE__ENABLED")
	bind("e2ee.max_skipped_keys", "E2EE__MAX_SKIPPED_KEYS")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.JWT.Secret == "" {
		return &ValidationError{Field: "JWT_SECRET", Msg: "required configuration field is missing"}
	}
	if len(cfg.JWT.Secret) < 32 {
		return &ValidationError{Field: "JWT_SECRET", Msg: "must be at least 32 characters long"}
	}
	if cfg.ObjectStore.Bucket == "" {
		return &ValidationError{Field: "OBJECT_STORE__BUCKET", Msg: "required configuration field is missing"}
	}
	return nil
}

// ValidationError reports one missing or malformed configuration field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}
