package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
	EnvTest        Environment = "test"
)

type Config struct {
	Environment Environment
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Auth        AuthConfig
	BruteForce  BruteForceConfig
	Lockout     LockoutConfig
	Detector    DetectorConfig
	Audit       AuditConfig
	Logging     LoggingConfig
	Security    SecurityConfig
	Tenants     TenantsConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	TLSCert      string
	TLSKey       string
	// BaseURL is the public origin advertised in discovery metadata.
	BaseURL string
}

type DatabaseConfig struct {
	Driver          string // postgres, memory
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

type RedisConfig struct {
	Enabled      bool
	Host         string
	Port         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type AuthConfig struct {
	JWTSecret            string
	Issuer               string
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	AuthorizationCodeTTL time.Duration
	SessionTTL           time.Duration
	SecondFactorTTL      time.Duration
	// CredentialCheckTimeout bounds the user lookup + password verification.
	CredentialCheckTimeout time.Duration
	// TimeoutCountsAsFailure makes a timed-out credential check count
	// against the brute-force and lockout counters.
	TimeoutCountsAsFailure bool
	SessionScopes          []string
}

type BruteForceConfig struct {
	CaptchaThreshold int
	LockThreshold    int
	Window           time.Duration
	Backend          string // redis, memory
}

type LockoutConfig struct {
	Threshold    int
	Duration     time.Duration
	MaxRetries   int
	SweepEnabled bool
}

type DetectorConfig struct {
	HistoryWindow time.Duration
	HistoryLimit  int
	IPv4Prefix    int
	IPv6Prefix    int
	HourBandSize  int
	// Location is the IANA zone used for hour-of-day comparisons.
	Location string
}

type AuditConfig struct {
	Retention     time.Duration
	SweepInterval time.Duration
}

type LoggingConfig struct {
	Level        string
	Format       string
	Caller       bool
	SamplingRate int
}

type SecurityConfig struct {
	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitBackend  string
	AllowedOrigins    []string
	MaxRequestSize    int64
	RequireHTTPS      bool
	AdminAPIKey       string
	BcryptCost        int
	// AllowDevCaptcha accepts any non-empty captcha token.
	AllowDevCaptcha bool
	// CaptchaVerifyURL is a siteverify endpoint; empty means no provider.
	CaptchaVerifyURL string
	CaptchaSecret    string
	CaptchaTimeout   time.Duration

	PasswordMinLength int
	PwnedCheck        bool
	PwnedAPI          string
	PwnedTimeout      time.Duration
	PwnedFailOpen     bool
}

type TenantsConfig struct {
	IDs []string
	// Hosts maps request hosts to tenant ids: "auth.a.com=tenant-a,...".
	Hosts map[string]string
	// Scopes is the tenant-wide allow-list applied to every tenant.
	Scopes []string
}

func Load() *Config {
	return &Config{
		Environment: Environment(getEnv("ENVIRONMENT", string(EnvDevelopment))),
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "localhost"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDurationEnv("IDLE_TIMEOUT", 60*time.Second),
			TLSCert:      getEnv("TLS_CERT", ""),
			TLSKey:       getEnv("TLS_KEY", ""),
			BaseURL:      getEnv("BASE_URL", ""),
		},
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", "postgres"),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			Name:            getEnv("DB_NAME", "authkernel"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getDurationEnv("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			QueryTimeout:    getDurationEnv("DB_QUERY_TIMEOUT", 3*time.Second),
		},
		Redis: RedisConfig{
			Enabled:      getBoolEnv("REDIS_ENABLED", true),
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnv("REDIS_PORT", "6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getIntEnv("REDIS_DB", 0),
			PoolSize:     getIntEnv("REDIS_POOL_SIZE", 20),
			DialTimeout:  getDurationEnv("REDIS_DIAL_TIMEOUT", 2*time.Second),
			ReadTimeout:  getDurationEnv("REDIS_READ_TIMEOUT", 500*time.Millisecond),
			WriteTimeout: getDurationEnv("REDIS_WRITE_TIMEOUT", 500*time.Millisecond),
		},
		Auth: AuthConfig{
			JWTSecret:              getEnv("JWT_SECRET", generateRandomSecret()),
			Issuer:                 getEnv("TOKEN_ISSUER", "authkernel"),
			AccessTokenTTL:         getDurationEnv("ACCESS_TOKEN_TTL", 15*time.Minute),
			RefreshTokenTTL:        getDurationEnv("REFRESH_TOKEN_TTL", 30*24*time.Hour),
			AuthorizationCodeTTL:   getDurationEnv("AUTH_CODE_TTL", 10*time.Minute),
			SessionTTL:             getDurationEnv("SESSION_TTL", 30*24*time.Hour),
			SecondFactorTTL:        getDurationEnv("SECOND_FACTOR_TTL", 5*time.Minute),
			CredentialCheckTimeout: getDurationEnv("CREDENTIAL_CHECK_TIMEOUT", 5*time.Second),
			TimeoutCountsAsFailure: getBoolEnv("LOGIN_TIMEOUT_COUNTS_AS_FAILURE", false),
			SessionScopes:          parseStringArray(getEnv("SESSION_SCOPES", "openid,profile")),
		},
		BruteForce: BruteForceConfig{
			CaptchaThreshold: getIntEnv("BRUTEFORCE_CAPTCHA_THRESHOLD", 3),
			LockThreshold:    getIntEnv("BRUTEFORCE_LOCK_THRESHOLD", 5),
			Window:           getDurationEnv("BRUTEFORCE_WINDOW", 15*time.Minute),
			Backend:          getEnv("BRUTEFORCE_BACKEND", "redis"),
		},
		Lockout: LockoutConfig{
			Threshold:    getIntEnv("LOCKOUT_THRESHOLD", 10),
			Duration:     getDurationEnv("LOCKOUT_DURATION", 30*time.Minute),
			MaxRetries:   getIntEnv("LOCKOUT_MAX_RETRIES", 3),
			SweepEnabled: getBoolEnv("LOCKOUT_SWEEP_ENABLED", true),
		},
		Detector: DetectorConfig{
			HistoryWindow: getDurationEnv("DETECTOR_HISTORY_WINDOW", 30*24*time.Hour),
			HistoryLimit:  getIntEnv("DETECTOR_HISTORY_LIMIT", 500),
			IPv4Prefix:    getIntEnv("DETECTOR_IPV4_PREFIX", 24),
			IPv6Prefix:    getIntEnv("DETECTOR_IPV6_PREFIX", 48),
			HourBandSize:  getIntEnv("DETECTOR_HOUR_BAND", 4),
			Location:      getEnv("DETECTOR_LOCATION", "UTC"),
		},
		Audit: AuditConfig{
			Retention:     getDurationEnv("AUDIT_RETENTION", 90*24*time.Hour),
			SweepInterval: getDurationEnv("SWEEP_INTERVAL", 30*time.Minute),
		},
		Logging: LoggingConfig{
			Level:        getEnv("LOG_LEVEL", "info"),
			Format:       getEnv("LOG_FORMAT", "json"),
			Caller:       getBoolEnv("LOG_CALLER", false),
			SamplingRate: getIntEnv("LOG_SAMPLING_RATE", 0),
		},
		Security: SecurityConfig{
			RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 100),
			RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
			RateLimitBackend:  getEnv("RATE_LIMIT_BACKEND", "redis"),
			AllowedOrigins:    parseStringArray(getEnv("ALLOWED_ORIGINS", "*")),
			MaxRequestSize:    getInt64Env("MAX_REQUEST_SIZE", 1024*1024),
			RequireHTTPS:      getBoolEnv("REQUIRE_HTTPS", false),
			AdminAPIKey:       getEnv("ADMIN_API_KEY", ""),
			BcryptCost:        getIntEnv("BCRYPT_COST", 12),
			AllowDevCaptcha:   getBoolEnv("ALLOW_DEV_CAPTCHA", false),
			CaptchaVerifyURL:  getEnv("CAPTCHA_VERIFY_URL", ""),
			CaptchaSecret:     getEnv("CAPTCHA_SECRET", ""),
			CaptchaTimeout:    getDurationEnv("CAPTCHA_TIMEOUT", 5*time.Second),
			PasswordMinLength: getIntEnv("PASSWORD_MIN_LENGTH", 12),
			PwnedCheck:        getBoolEnv("PWNED_CHECK_ENABLED", true),
			PwnedAPI:          getEnv("PWNED_API_URL", ""),
			PwnedTimeout:      getDurationEnv("PWNED_TIMEOUT", 3*time.Second),
			PwnedFailOpen:     getBoolEnv("PWNED_FAIL_OPEN", true),
		},
		Tenants: TenantsConfig{
			IDs:    parseStringArray(getEnv("TENANT_IDS", "default")),
			Hosts:  parseStringMap(getEnv("TENANT_HOSTS", "")),
			Scopes: parseStringArray(getEnv("TENANT_SCOPES", "openid,profile,email,read,write")),
		},
	}
}

// Validate rejects configurations that would weaken the security kernel.
func (c *Config) Validate() error {
	var problems []string

	if c.Auth.JWTSecret == "" || len(c.Auth.JWTSecret) < 32 {
		problems = append(problems, "JWT_SECRET must be at least 32 characters")
	}
	if c.Auth.AccessTokenTTL <= 0 || c.Auth.RefreshTokenTTL <= 0 || c.Auth.AuthorizationCodeTTL <= 0 {
		problems = append(problems, "token TTLs must be positive")
	}
	if c.BruteForce.CaptchaThreshold <= 0 || c.BruteForce.LockThreshold <= c.BruteForce.CaptchaThreshold {
		problems = append(problems, "BRUTEFORCE_LOCK_THRESHOLD must exceed BRUTEFORCE_CAPTCHA_THRESHOLD")
	}
	if c.Lockout.Threshold <= c.BruteForce.LockThreshold {
		problems = append(problems, "LOCKOUT_THRESHOLD must exceed BRUTEFORCE_LOCK_THRESHOLD")
	}
	if c.Lockout.Duration <= 0 || c.BruteForce.Window <= 0 {
		problems = append(problems, "lockout durations must be positive")
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "memory" {
		problems = append(problems, "DB_DRIVER must be 'postgres' or 'memory'")
	}
	if c.Database.QueryTimeout <= 0 {
		problems = append(problems, "DB_QUERY_TIMEOUT must be positive")
	}
	if c.BruteForce.Backend == "redis" && !c.Redis.Enabled {
		problems = append(problems, "BRUTEFORCE_BACKEND=redis requires REDIS_ENABLED")
	}
	if len(c.Tenants.IDs) == 0 && len(c.Tenants.Hosts) == 0 {
		problems = append(problems, "at least one tenant must be configured")
	}
	if c.Security.CaptchaVerifyURL != "" && c.Security.CaptchaSecret == "" {
		problems = append(problems, "CAPTCHA_SECRET is required with CAPTCHA_VERIFY_URL")
	}
	if c.Environment == EnvProduction {
		if c.Database.Driver == "memory" {
			problems = append(problems, "memory store is not allowed in production")
		}
		if c.BruteForce.Backend == "memory" {
			problems = append(problems, "memory brute-force counters are not allowed in production")
		}
		if c.Security.AllowDevCaptcha {
			problems = append(problems, "ALLOW_DEV_CAPTCHA is not allowed in production")
		}
		if c.Security.CaptchaVerifyURL == "" {
			problems = append(problems, "CAPTCHA_VERIFY_URL is required in production")
		}
		if c.Security.AdminAPIKey == "" {
			problems = append(problems, "ADMIN_API_KEY is required in production")
		}
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// DSN returns the lib/pq connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func parseStringArray(value string) []string {
	if value == "" {
		return []string{}
	}
	if value == "*" {
		return []string{"*"}
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseStringMap(value string) map[string]string {
	out := make(map[string]string)
	for _, pair := range parseStringArray(value) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func generateRandomSecret() string {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return secret
	}

	log.Println("WARNING: JWT_SECRET not set, using development default. Set JWT_SECRET in production!")
	return "development-only-secret-change-me-before-deploying"
}
