package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends understood by the bootstrap package.
const (
	BackendMemory  = "memory"
	BackendMongoDB = "mongodb"
	BackendRedis   = "redis"
	BackendBBolt   = "bbolt"
)

// ServerConfig holds all configuration for the token engine host.
// Tags use mapstructure for Viper unmarshalling; every key can be overridden by an
// SSO_-prefixed environment variable.
type ServerConfig struct {
	Issuer    string `mapstructure:"ISSUER"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`

	OtelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
	TracingEnabled  bool   `mapstructure:"TRACING_ENABLED"`
	MetricsEnabled  bool   `mapstructure:"METRICS_ENABLED"`

	// Persistence
	StoreBackend   string        `mapstructure:"STORE_BACKEND"`
	LockBackend    string        `mapstructure:"LOCK_BACKEND"`
	MongoURI       string        `mapstructure:"MONGO_URI"`
	MongoDBName    string        `mapstructure:"MONGO_DB_NAME"`
	RedisAddr      string        `mapstructure:"REDIS_ADDR"`
	RedisPassword  string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int           `mapstructure:"REDIS_DB"`
	RedisKeyPrefix string        `mapstructure:"REDIS_KEY_PREFIX"`
	BBoltPath      string        `mapstructure:"BBOLT_PATH"`
	SeedFile       string        `mapstructure:"SEED_FILE"`
	CleanupEvery   time.Duration `mapstructure:"CLEANUP_INTERVAL"`

	// Keys
	SigningKeyFiles  []string      `mapstructure:"SIGNING_KEY_FILES"`
	SigningAlgorithm string        `mapstructure:"SIGNING_ALGORITHM"`
	KeyGracePeriod   time.Duration `mapstructure:"KEY_GRACE_PERIOD"`

	// Lifetimes
	AccessTokenTTL            time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	IDTokenTTL                time.Duration `mapstructure:"ID_TOKEN_TTL"`
	AuthCodeTTL               time.Duration `mapstructure:"AUTH_CODE_TTL"`
	RefreshTokenAbsoluteTTL   time.Duration `mapstructure:"REFRESH_TOKEN_ABSOLUTE_TTL"`
	RefreshTokenSlidingTTL    time.Duration `mapstructure:"REFRESH_TOKEN_SLIDING_TTL"`
	RefreshTokenReuseInterval time.Duration `mapstructure:"REFRESH_TOKEN_REUSE_INTERVAL"`
	DeviceCodeTTL             time.Duration `mapstructure:"DEVICE_CODE_TTL"`
	DevicePollInterval        time.Duration `mapstructure:"DEVICE_POLL_INTERVAL"`
	PushedAuthorizationTTL    time.Duration `mapstructure:"PAR_TTL"`

	// Engine behaviour
	LockTimeout           time.Duration `mapstructure:"LOCK_TIMEOUT"`
	ClientCacheTTL        time.Duration `mapstructure:"CLIENT_CACHE_TTL"`
	ResourceCacheTTL      time.Duration `mapstructure:"RESOURCE_CACHE_TTL"`
	NegativeCacheTTL      time.Duration `mapstructure:"NEGATIVE_CACHE_TTL"`
	CORSCaseSensitive     bool          `mapstructure:"CORS_CASE_SENSITIVE"`
	CORSAllowedOrigins    []string      `mapstructure:"CORS_ALLOWED_ORIGINS"`
	PKCEAllowPlain        bool          `mapstructure:"PKCE_ALLOW_PLAIN"`
	ExposeErrorDetails    bool          `mapstructure:"EXPOSE_ERROR_DETAILS"`
	DeviceVerificationURI string        `mapstructure:"DEVICE_VERIFICATION_URI"`
}

// LoadConfig reads configuration from file, environment variables, and defaults.
// cfgFile overrides the search path when set.
func LoadConfig(cfgFile string) (*ServerConfig, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/ssoengine/")
		v.AddConfigPath("$HOME/.ssoengine")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SSO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file means defaults and environment variables only.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultOptions("http://localhost:8080")

	v.SetDefault("ISSUER", d.Issuer)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)
	v.SetDefault("OTEL_SERVICE_NAME", "ssoengine")
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("METRICS_ENABLED", true)

	v.SetDefault("STORE_BACKEND", BackendMemory)
	v.SetDefault("LOCK_BACKEND", BackendMemory)
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017/ssoengine")
	v.SetDefault("MONGO_DB_NAME", "ssoengine")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_KEY_PREFIX", "sso:")
	v.SetDefault("BBOLT_PATH", "./data/grants.db")
	v.SetDefault("SEED_FILE", "")
	v.SetDefault("CLEANUP_INTERVAL", 10*time.Minute)

	v.SetDefault("SIGNING_KEY_FILES", []string{})
	v.SetDefault("SIGNING_ALGORITHM", d.SigningAlgorithm)
	v.SetDefault("KEY_GRACE_PERIOD", d.KeyGracePeriod)

	v.SetDefault("ACCESS_TOKEN_TTL", d.ClientDefaults.AccessTokenLifetime)
	v.SetDefault("ID_TOKEN_TTL", d.ClientDefaults.IdentityTokenLifetime)
	v.SetDefault("AUTH_CODE_TTL", d.ClientDefaults.AuthorizationCodeLifetime)
	v.SetDefault("REFRESH_TOKEN_ABSOLUTE_TTL", d.ClientDefaults.AbsoluteRefreshTokenLifetime)
	v.SetDefault("REFRESH_TOKEN_SLIDING_TTL", d.ClientDefaults.SlidingRefreshTokenLifetime)
	v.SetDefault("REFRESH_TOKEN_REUSE_INTERVAL", d.RefreshTokenReuseInterval)
	v.SetDefault("DEVICE_CODE_TTL", d.ClientDefaults.DeviceCodeLifetime)
	v.SetDefault("DEVICE_POLL_INTERVAL", d.ClientDefaults.PollingInterval)
	v.SetDefault("PAR_TTL", d.PushedAuthorizationLifetime)

	v.SetDefault("LOCK_TIMEOUT", d.LockTimeout)
	v.SetDefault("CLIENT_CACHE_TTL", d.Caching.ClientTTL)
	v.SetDefault("RESOURCE_CACHE_TTL", d.Caching.ResourceTTL)
	v.SetDefault("NEGATIVE_CACHE_TTL", d.Caching.NegativeTTL)
	v.SetDefault("CORS_CASE_SENSITIVE", d.CORS.CaseSensitive)
	v.SetDefault("CORS_ALLOWED_ORIGINS", []string{})
	v.SetDefault("PKCE_ALLOW_PLAIN", d.PKCE.AllowPlainChallengeMethod)
	v.SetDefault("EXPOSE_ERROR_DETAILS", d.ExposeErrorDetails)
	v.SetDefault("DEVICE_VERIFICATION_URI", "")
}

// Options converts the host configuration into engine options.
func (c *ServerConfig) Options() Options {
	o := DefaultOptions(c.Issuer)
	o.SigningAlgorithm = c.SigningAlgorithm
	o.KeyGracePeriod = c.KeyGracePeriod

	o.ClientDefaults.AccessTokenLifetime = c.AccessTokenTTL
	o.ClientDefaults.IdentityTokenLifetime = c.IDTokenTTL
	o.ClientDefaults.AuthorizationCodeLifetime = c.AuthCodeTTL
	o.ClientDefaults.AbsoluteRefreshTokenLifetime = c.RefreshTokenAbsoluteTTL
	o.ClientDefaults.SlidingRefreshTokenLifetime = c.RefreshTokenSlidingTTL
	o.ClientDefaults.DeviceCodeLifetime = c.DeviceCodeTTL
	o.ClientDefaults.PollingInterval = c.DevicePollInterval

	o.RefreshTokenReuseInterval = c.RefreshTokenReuseInterval
	o.PushedAuthorizationLifetime = c.PushedAuthorizationTTL
	o.LockTimeout = c.LockTimeout
	o.Caching.ClientTTL = c.ClientCacheTTL
	o.Caching.ResourceTTL = c.ResourceCacheTTL
	o.Caching.NegativeTTL = c.NegativeCacheTTL
	o.CORS.CaseSensitive = c.CORSCaseSensitive
	o.CORS.AllowedOrigins = c.CORSAllowedOrigins
	o.PKCE.AllowPlainChallengeMethod = c.PKCEAllowPlain
	o.ExposeErrorDetails = c.ExposeErrorDetails
	if c.DeviceVerificationURI != "" {
		o.Device.VerificationURI = c.DeviceVerificationURI
	}
	return o
}
