package config

import "time"

func LoadTestConfig() *Config {
	return &Config{
		Environment: EnvTest,
		Server: ServerConfig{
			Host:         "localhost",
			Port:         "18080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:       "memory",
			Host:         "localhost",
			Port:         "5432",
			User:         "test",
			Password:     "test",
			Name:         "test_authkernel",
			SSLMode:      "disable",
			QueryTimeout: time.Second,
		},
		Redis: RedisConfig{
			Enabled: false,
		},
		Auth: AuthConfig{
			JWTSecret:              "test-secret-key-for-integration-testing-only",
			Issuer:                 "authkernel-test",
			AccessTokenTTL:         15 * time.Minute,
			RefreshTokenTTL:        30 * 24 * time.Hour,
			AuthorizationCodeTTL:   10 * time.Minute,
			SessionTTL:             30 * 24 * time.Hour,
			SecondFactorTTL:        5 * time.Minute,
			CredentialCheckTimeout: time.Second,
			SessionScopes:          []string{"openid"},
		},
		BruteForce: BruteForceConfig{
			CaptchaThreshold: 3,
			LockThreshold:    5,
			Window:           15 * time.Minute,
			Backend:          "memory",
		},
		Lockout: LockoutConfig{
			Threshold:  10,
			Duration:   30 * time.Minute,
			MaxRetries: 3,
		},
		Detector: DetectorConfig{
			HistoryWindow: 30 * 24 * time.Hour,
			HistoryLimit:  500,
			IPv4Prefix:    24,
			IPv6Prefix:    48,
			HourBandSize:  4,
			Location:      "UTC",
		},
		Audit: AuditConfig{
			Retention:     90 * 24 * time.Hour,
			SweepInterval: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "error",
			Format: "json",
		},
		Security: SecurityConfig{
			RateLimitRequests: 1000,
			RateLimitWindow:   time.Minute,
			RateLimitBackend:  "memory",
			AllowedOrigins:    []string{"*"},
			MaxRequestSize:    1024 * 1024,
			AdminAPIKey:       "test-admin-key",
			BcryptCost:        4,
			AllowDevCaptcha:   true,
			PasswordMinLength: 12,
			PwnedCheck:        false,
			PwnedFailOpen:     true,
		},
		Tenants: TenantsConfig{
			IDs:    []string{"tenant-1", "tenant-2"},
			Hosts:  map[string]string{},
			Scopes: []string{"openid", "profile", "email", "read", "write"},
		},
	}
}
