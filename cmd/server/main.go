package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"authkernel/internal/admin"
	"authkernel/internal/auditlog"
	"authkernel/internal/auth"
	"authkernel/internal/authcode"
	"authkernel/internal/bruteforce"
	"authkernel/internal/cache"
	"authkernel/internal/clients"
	"authkernel/internal/config"
	"authkernel/internal/db"
	"authkernel/internal/detector"
	"authkernel/internal/discovery"
	"authkernel/internal/handlers"
	"authkernel/internal/lockout"
	"authkernel/internal/logging"
	"authkernel/internal/middleware"
	"authkernel/internal/monitoring"
	"authkernel/internal/ratelimit"
	"authkernel/internal/scopes"
	isecurity "authkernel/internal/security"
	"authkernel/internal/session"
	"authkernel/internal/sweeper"
	"authkernel/internal/tenant"
	"authkernel/internal/tokens"
	"authkernel/internal/users"
	"authkernel/pkg/jwt"
	"authkernel/pkg/security"
)

const version = "1.0.0"

func main() {
	cfg := config.Load()

	logger := logging.New(&logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Caller:       cfg.Logging.Caller,
		TimeFormat:   time.RFC3339Nano,
		SamplingRate: cfg.Logging.SamplingRate,
		Service:      "authkernel",
	})
	logging.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Configuration validation failed: %v", err)
	}

	logger.InfoEvent().
		Str("environment", string(cfg.Environment)).
		Str("log_level", cfg.Logging.Level).
		Str("db_driver", cfg.Database.Driver).
		Strs("tenants", cfg.Tenants.IDs).
		Msg("Starting authorization kernel")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, &cfg.Database, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer store.Close()

	metrics := monitoring.NewService()
	metrics.AddHealthCheck("database", store.Ping)
	if reg, err := metrics.RegisterOTel(otel.Meter("authkernel")); err != nil {
		logger.WithError(err).Warn("Failed to register OpenTelemetry instruments")
	} else {
		defer reg.Unregister()
	}

	// Redis backs the client cache, the pending second-factor logins, the
	// rate limiter and the brute-force counters.
	var redisClient redis.UniversalClient
	if cfg.Redis.Enabled {
		redisClient = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        []string{cfg.Redis.Host + ":" + cfg.Redis.Port},
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			// the guard fails open, so a missing Redis degrades rather than stops
			logger.WithError(err).Warn("Redis unreachable at startup")
		} else {
			logger.InfoEvent().
				Str("host", cfg.Redis.Host).
				Str("port", cfg.Redis.Port).
				Msg("Connected to Redis")
		}
		cancel()
		metrics.AddHealthCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	var cacheService cache.Cache
	if redisClient != nil {
		cacheService = cache.NewRedisCache(redisClient)
	} else {
		cacheService = cache.NewMemoryCache()
		logger.Warn("Using in-memory cache (not suitable for multi-instance deployments)")
	}
	defer cacheService.Close()

	var counters bruteforce.CounterStore
	switch cfg.BruteForce.Backend {
	case "redis":
		counters = bruteforce.NewRedisCounterStore(redisClient)
	case "memory":
		counters = bruteforce.NewMemoryCounterStore()
		logger.Warn("Using in-memory brute-force counters")
	default:
		logger.Fatalf("Invalid brute-force backend: %s (must be 'memory' or 'redis')", cfg.BruteForce.Backend)
	}

	rateLimitConfig := &ratelimit.Config{
		MaxRequests: cfg.Security.RateLimitRequests,
		Window:      cfg.Security.RateLimitWindow,
	}
	var rateLimiter ratelimit.RateLimiter
	switch cfg.Security.RateLimitBackend {
	case "redis":
		if redisClient == nil {
			logger.Fatal("Rate limit backend set to 'redis' but Redis is not enabled")
		}
		rateLimiter = ratelimit.NewRedisRateLimiter(redisClient, rateLimitConfig)
	case "memory":
		rateLimiter = ratelimit.NewMemoryRateLimiter(rateLimitConfig)
		logger.Warn("Using in-memory rate limiter (not suitable for distributed deployments)")
	default:
		logger.Fatalf("Invalid rate limit backend: %s (must be 'memory' or 'redis')", cfg.Security.RateLimitBackend)
	}
	defer rateLimiter.Close()

	location, err := time.LoadLocation(cfg.Detector.Location)
	if err != nil {
		logger.WithError(err).Fatal("Invalid DETECTOR_LOCATION")
	}

	hasher := security.NewHasher(cfg.Security.BcryptCost)
	scopeRegistry := scopes.NewRegistry(cfg.Tenants.Scopes)
	registry := clients.NewRegistry(store, cacheService, scopeRegistry, hasher, clients.Config{
		AccessTokenTTL:  cfg.Auth.AccessTokenTTL,
		RefreshTokenTTL: cfg.Auth.RefreshTokenTTL,
	})
	codes := authcode.NewIssuer(store, registry, metrics, cfg.Auth.AuthorizationCodeTTL)
	tokenService := tokens.NewService(store, registry, codes, jwt.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer), metrics,
		tokens.Config{AccessTokenTTL: cfg.Auth.AccessTokenTTL, RefreshTokenTTL: cfg.Auth.RefreshTokenTTL})
	audit := auditlog.New(store, cfg.Audit.Retention)
	sessions := session.NewManager(store, audit, metrics, cfg.Auth.SessionTTL)
	lockouts := lockout.NewManager(store, metrics, lockout.Config{
		Threshold:  cfg.Lockout.Threshold,
		Duration:   cfg.Lockout.Duration,
		MaxRetries: cfg.Lockout.MaxRetries,
	})

	var captcha auth.CaptchaVerifier = auth.DenyCaptchaVerifier{}
	switch {
	case cfg.Security.CaptchaVerifyURL != "":
		captcha = auth.NewSiteVerifyCaptchaVerifier(cfg.Security.CaptchaVerifyURL, cfg.Security.CaptchaSecret, cfg.Security.CaptchaTimeout)
	case cfg.Security.AllowDevCaptcha:
		captcha = auth.DevCaptchaVerifier{}
		logger.Warn("Development captcha verifier enabled")
	default:
		logger.Warn("No captcha provider configured; captcha-gated logins wait for the counter to decay")
	}
	timeoutPolicy := auth.TimeoutAuditOnly
	if cfg.Auth.TimeoutCountsAsFailure {
		timeoutPolicy = auth.TimeoutCountsAsFailure
	}

	authService := auth.NewService(auth.Deps{
		Users:    store,
		Sessions: sessions,
		Tokens:   tokenService,
		Guard: bruteforce.NewGuard(counters, metrics, bruteforce.Config{
			CaptchaThreshold: cfg.BruteForce.CaptchaThreshold,
			LockThreshold:    cfg.BruteForce.LockThreshold,
			Window:           cfg.BruteForce.Window,
		}),
		Lockout: lockouts,
		Detector: detector.New(audit, metrics, detector.Config{
			HistoryWindow: cfg.Detector.HistoryWindow,
			HistoryLimit:  cfg.Detector.HistoryLimit,
			IPv4Prefix:    cfg.Detector.IPv4Prefix,
			IPv6Prefix:    cfg.Detector.IPv6Prefix,
			HourBandSize:  cfg.Detector.HourBandSize,
			Location:      location,
		}),
		Audit:        audit,
		Cache:        cacheService,
		Hasher:       hasher,
		Captcha:      captcha,
		SecondFactor: auth.DenySecondFactorVerifier{},
		Metrics:      metrics,
	}, auth.Config{
		CredentialCheckTimeout: cfg.Auth.CredentialCheckTimeout,
		SecondFactorTTL:        cfg.Auth.SecondFactorTTL,
		TimeoutPolicy:          timeoutPolicy,
		SessionScopes:          cfg.Auth.SessionScopes,
	})

	pwned := isecurity.NewPwnedPasswordChecker(cfg.Security.PwnedCheck, cfg.Security.PwnedTimeout, cfg.Security.PwnedFailOpen).
		WithBaseURL(cfg.Security.PwnedAPI)
	policy := users.DefaultPasswordPolicy()
	if cfg.Security.PasswordMinLength > 0 {
		policy.MinLength = cfg.Security.PasswordMinLength
	}
	userService := users.NewService(store, hasher, pwned, policy)

	resolver := tenant.NewResolver(tenant.NewStaticDirectory(cfg.Tenants.IDs, cfg.Tenants.Hosts))
	mw := middleware.NewMiddleware(authService, metrics, rateLimiter, resolver, logger,
		middleware.Config{AdminAPIKey: cfg.Security.AdminAPIKey})

	adminService := admin.NewService(admin.Deps{
		Clients:  registry,
		Users:    userService,
		Lockout:  lockouts,
		Sessions: sessions,
		Tokens:   tokenService,
		Audit:    audit,
		Metrics:  metrics,
		Health:   db.NewHealthChecker(store),
	}, admin.Config{Version: version})

	router := mux.NewRouter()
	router.Use(mw.Logger)
	router.Use(mw.PanicRecovery)
	router.Use(mw.CORS(cfg.Security.AllowedOrigins))
	router.Use(mw.SecurityHeaders)
	router.Use(mw.RequestSizeLimit(cfg.Security.MaxRequestSize))
	if cfg.Security.RequireHTTPS {
		router.Use(mw.RequireHTTPS)
	}

	router.HandleFunc("/health", metrics.ServeHealthCheck).Methods(http.MethodGet)
	router.HandleFunc("/metrics", metrics.ServeMetrics).Methods(http.MethodGet)

	adminRouter := router.PathPrefix("/api/admin").Subrouter()
	adminRouter.Use(mw.Tenant, mw.RequireAdmin)
	adminService.RegisterRoutes(adminRouter)

	baseURL := cfg.Server.BaseURL
	if baseURL == "" {
		scheme := "http"
		if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
			scheme = "https"
		}
		baseURL = scheme + "://" + cfg.Server.Host + ":" + cfg.Server.Port
	}
	metadata := discovery.NewService(cfg.Auth.Issuer, baseURL, scopeRegistry)

	kernel := router.NewRoute().Subrouter()
	kernel.Use(mw.Tenant, mw.RateLimit)
	kernel.Handle("/.well-known/oauth-authorization-server", metadata).Methods(http.MethodGet)
	handlers.NewHandler(authService, tokenService, codes, registry, mw).RegisterRoutes(kernel)

	jobs := []sweeper.Job{
		{Name: "authorization_codes", Run: codes.Sweep},
		{Name: "tokens", Run: tokenService.Sweep},
		{Name: "sessions", Run: sessions.Sweep},
		{Name: "login_logs", Run: audit.Sweep},
	}
	if cfg.Lockout.SweepEnabled {
		jobs = append(jobs, sweeper.Job{Name: "expired_locks", Run: func(ctx context.Context, now time.Time) (int64, error) {
			n, err := lockouts.AutoUnlockSweep(ctx, now)
			return int64(n), err
		}})
	}
	sweeps := sweeper.New(cfg.Audit.SweepInterval, metrics, logger, jobs...)
	sweeps.Start(ctx)
	defer sweeps.Stop()

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.InfoEvent().
			Str("host", cfg.Server.Host).
			Str("port", cfg.Server.Port).
			Msg("Authorization kernel listening")
		if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
			if err := srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Fatal("Failed to start HTTPS server")
			}
		} else {
			logger.Warn("Using HTTP without TLS - insecure for production!")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Fatal("Failed to start server")
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	logger.Info("Server exited")
}
