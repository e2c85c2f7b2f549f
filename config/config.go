package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. SIGMADEX_API_PORT.
const EnvPrefix = "SIGMADEX"

// CorpusConfig locates the rule tree indexed at startup.
type CorpusConfig struct {
	// Root is the rule directory (SIGMADEX_CORPUS_DIR, default: ./rules)
	Root       string   `mapstructure:"root" validate:"required"`
	Extensions []string `mapstructure:"extensions" validate:"min=1,dive,startswith=.,max=16"`
}

// StorageConfig holds the index database settings.
type StorageConfig struct {
	// SQLitePath is destroyed and recreated on every start (SIGMADEX_SQLITE_PATH)
	SQLitePath   string `mapstructure:"sqlite_path" validate:"required"`
	ReadPoolSize int    `mapstructure:"read_pool_size" validate:"min=1,max=256"`
}

// RateLimitConfig is the per-client token bucket. RequestsPerSecond of 0 disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int     `mapstructure:"burst" validate:"gte=0"`
}

// APIConfig holds the HTTP server settings.
type APIConfig struct {
	Host            string          `mapstructure:"host"`
	Port            int             `mapstructure:"port" validate:"min=1,max=65535"`
	AllowedOrigins  []string        `mapstructure:"allowed_origins" validate:"dive,required"`
	TrustProxy      bool            `mapstructure:"trust_proxy"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration   `mapstructure:"idle_timeout" validate:"gt=0"`
	RequestTimeout  time.Duration   `mapstructure:"request_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout" validate:"gt=0"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
}

// SearchConfig tunes the search service.
type SearchConfig struct {
	// MaxResults caps rows per search; 0 means unlimited
	MaxResults       int   `mapstructure:"max_results" validate:"gte=0"`
	CacheSize        int   `mapstructure:"cache_size" validate:"gte=0"`
	MaxDocumentBytes int64 `mapstructure:"max_document_bytes" validate:"gt=0"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// Config holds all configuration for the sigmadex service
type Config struct {
	Corpus  CorpusConfig  `mapstructure:"corpus"`
	Storage StorageConfig `mapstructure:"storage"`
	API     APIConfig     `mapstructure:"api"`
	Search  SearchConfig  `mapstructure:"search"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// Address returns the host:port the API listens on.
func (c *Config) Address() string {
	return net.JoinHostPort(c.API.Host, strconv.Itoa(c.API.Port))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("corpus.root", "./rules")
	v.SetDefault("corpus.extensions", []string{".yml"})

	v.SetDefault("storage.sqlite_path", "./data/sigmadex.db")
	v.SetDefault("storage.read_pool_size", 8)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 5000)
	v.SetDefault("api.allowed_origins", []string{"*"})
	v.SetDefault("api.trust_proxy", false)
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "30s")
	v.SetDefault("api.idle_timeout", "60s")
	v.SetDefault("api.request_timeout", "15s")
	v.SetDefault("api.shutdown_timeout", "10s")
	v.SetDefault("api.rate_limit.requests_per_second", 50)
	v.SetDefault("api.rate_limit.burst", 100)

	v.SetDefault("search.max_results", 0)
	v.SetDefault("search.cache_size", 256)
	v.SetDefault("search.max_document_bytes", 10<<20)

	v.SetDefault("logging.level", "info")
}

// loadFromEnv sets up environment variable loading
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// shorter names for the settings most often overridden in containers
	_ = v.BindEnv("corpus.root", EnvPrefix+"_CORPUS_DIR", EnvPrefix+"_CORPUS_ROOT")
	_ = v.BindEnv("storage.sqlite_path", EnvPrefix+"_SQLITE_PATH", EnvPrefix+"_STORAGE_SQLITE_PATH")
	_ = v.BindEnv("api.port", EnvPrefix+"_PORT", EnvPrefix+"_API_PORT")
	_ = v.BindEnv("logging.level", EnvPrefix+"_LOG_LEVEL", EnvPrefix+"_LOGGING_LEVEL")
}

// LoadConfig loads configuration from defaults, an optional YAML file and
// SIGMADEX_* environment variables, in increasing order of precedence.
//
// With an empty configFile, config.yaml is looked up in . and ./config and
// its absence is not an error.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	loadFromEnv(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("unable to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	config.ResolvePaths()

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// ResolvePaths cleans configured paths and trims extensions. Extensions
// keep their case since files are matched on them exactly.
func (c *Config) ResolvePaths() {
	if c.Corpus.Root != "" {
		c.Corpus.Root = filepath.Clean(c.Corpus.Root)
	}
	if c.Storage.SQLitePath != "" && c.Storage.SQLitePath != ":memory:" {
		c.Storage.SQLitePath = filepath.Clean(c.Storage.SQLitePath)
	}
	for i, ext := range c.Corpus.Extensions {
		c.Corpus.Extensions[i] = strings.TrimSpace(ext)
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
}

var validate = validator.New()

// validateConfig checks struct tags, then the rules tags cannot express.
func validateConfig(config *Config) error {
	if err := validate.Struct(config); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: failed %q check (value: %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}

	if config.API.RateLimit.RequestsPerSecond > 0 && config.API.RateLimit.Burst < 1 {
		return fmt.Errorf("api.rate_limit.burst must be at least 1 when rate limiting is enabled")
	}

	if config.API.Host != "" && net.ParseIP(config.API.Host) == nil && !isValidHostname(config.API.Host) {
		return fmt.Errorf("invalid api.host: %s", config.API.Host)
	}

	for _, origin := range config.API.AllowedOrigins {
		if origin == "*" && len(config.API.AllowedOrigins) > 1 {
			return fmt.Errorf("api.allowed_origins: \"*\" cannot be combined with explicit origins")
		}
	}

	return nil
}

func isValidHostname(host string) bool {
	if len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for i, ch := range label {
			alnum := (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')
			if !alnum && !(ch == '-' && i > 0 && i < len(label)-1) {
				return false
			}
		}
	}
	return true
}
