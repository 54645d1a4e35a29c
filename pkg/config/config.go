package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	devAccessSecret  = "dev_access_secret"
	devRefreshSecret = "dev_refresh_secret"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Auth     AuthConfig
	CORS     CORSConfig
	Log      LogConfig
	Signals  SignalsConfig
	Audit    AuditConfig
	Kafka    KafkaConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig describes the optional redis backing the revocation registry and cache.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	AccessSecret      string
	RefreshSecret     string
	Expiration        time.Duration
	RefreshExpiration time.Duration
	Issuer            string
	Audience          string
}

// AuthConfig tunes password hashing, the refresh-token cap and cookie transport.
type AuthConfig struct {
	BcryptCost         int
	RefreshTokenLimit  int
	AccessCookieName   string
	RefreshCookieName  string
	CookieSecure       bool
	CookieDomain       string
	RefreshCookiePath  string
	AccessCookiePath   string
	SameSiteStrictMode bool
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// SignalsConfig governs cache behaviour for signal aggregates.
type SignalsConfig struct {
	StatsCacheTTL time.Duration
}

// AuditConfig sizes the asynchronous audit writer.
type AuditConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
}

// KafkaConfig enables signal event publishing when brokers are set.
type KafkaConfig struct {
	Brokers     []string
	SignalTopic string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("REDIS_ENABLED"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		AccessSecret:      v.GetString("JWT_ACCESS_SECRET"),
		RefreshSecret:     v.GetString("JWT_REFRESH_SECRET"),
		Expiration:        parseDuration(v.GetString("JWT_ACCESS_EXPIRATION"), 15*time.Minute),
		RefreshExpiration: parseDuration(v.GetString("JWT_REFRESH_EXPIRATION"), 7*24*time.Hour),
		Issuer:            v.GetString("JWT_ISSUER"),
		Audience:          v.GetString("JWT_AUDIENCE"),
	}

	cfg.Auth = AuthConfig{
		BcryptCost:         v.GetInt("BCRYPT_COST"),
		RefreshTokenLimit:  v.GetInt("REFRESH_TOKEN_LIMIT"),
		AccessCookieName:   v.GetString("AUTH_ACCESS_COOKIE"),
		RefreshCookieName:  v.GetString("AUTH_REFRESH_COOKIE"),
		CookieSecure:       v.GetBool("AUTH_COOKIE_SECURE") || cfg.Env == EnvProduction,
		CookieDomain:       v.GetString("AUTH_COOKIE_DOMAIN"),
		AccessCookiePath:   v.GetString("AUTH_ACCESS_COOKIE_PATH"),
		RefreshCookiePath:  v.GetString("AUTH_REFRESH_COOKIE_PATH"),
		SameSiteStrictMode: v.GetBool("AUTH_COOKIE_SAMESITE_STRICT"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Signals = SignalsConfig{
		StatsCacheTTL: parseDuration(v.GetString("SIGNAL_STATS_CACHE_TTL"), 5*time.Minute),
	}

	cfg.Audit = AuditConfig{
		Workers:    v.GetInt("AUDIT_WORKERS"),
		BufferSize: v.GetInt("AUDIT_BUFFER"),
		MaxRetries: v.GetInt("AUDIT_MAX_RETRIES"),
	}

	cfg.Kafka = KafkaConfig{
		Brokers:     splitAndTrim(v.GetString("KAFKA_BROKERS")),
		SignalTopic: v.GetString("KAFKA_SIGNAL_TOPIC"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations that must never reach production.
func (c *Config) Validate() error {
	if c.JWT.AccessSecret == "" || c.JWT.RefreshSecret == "" {
		return errors.New("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET are required")
	}
	if c.Env != EnvProduction {
		return nil
	}
	if c.JWT.AccessSecret == devAccessSecret || c.JWT.RefreshSecret == devRefreshSecret {
		return errors.New("development JWT secrets are not allowed in production")
	}
	if c.JWT.AccessSecret == c.JWT.RefreshSecret {
		return errors.New("access and refresh secrets must differ")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "signalhub")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_ENABLED", true)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_ACCESS_SECRET", devAccessSecret)
	v.SetDefault("JWT_REFRESH_SECRET", devRefreshSecret)
	v.SetDefault("JWT_ACCESS_EXPIRATION", "15m")
	v.SetDefault("JWT_REFRESH_EXPIRATION", "168h")
	v.SetDefault("JWT_ISSUER", "signalhub-api")
	v.SetDefault("JWT_AUDIENCE", "signalhub-clients")

	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("REFRESH_TOKEN_LIMIT", 5)
	v.SetDefault("AUTH_ACCESS_COOKIE", "accessToken")
	v.SetDefault("AUTH_REFRESH_COOKIE", "refreshToken")
	v.SetDefault("AUTH_COOKIE_SECURE", false)
	v.SetDefault("AUTH_COOKIE_DOMAIN", "")
	v.SetDefault("AUTH_ACCESS_COOKIE_PATH", "/")
	v.SetDefault("AUTH_REFRESH_COOKIE_PATH", "/")
	v.SetDefault("AUTH_COOKIE_SAMESITE_STRICT", true)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("SIGNAL_STATS_CACHE_TTL", "5m")

	v.SetDefault("AUDIT_WORKERS", 2)
	v.SetDefault("AUDIT_BUFFER", 64)
	v.SetDefault("AUDIT_MAX_RETRIES", 3)

	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_SIGNAL_TOPIC", "signals.events")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

// isMissingFile covers the path error viper returns when SetConfigFile points at an absent .env.
func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
