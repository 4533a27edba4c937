package middleware

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"authkernel/internal/apperrors"
	"authkernel/internal/auth"
	"authkernel/internal/logging"
	"authkernel/internal/monitoring"
	"authkernel/internal/ratelimit"
	"authkernel/internal/security"
	"authkernel/internal/tenant"
	pkgsecurity "authkernel/pkg/security"
)

type Middleware struct {
	auth     *auth.Service
	metrics  *monitoring.Service
	limiter  ratelimit.RateLimiter
	tenants  *tenant.Resolver
	logger   *logging.Logger
	adminKey string
}

type Config struct {
	AdminAPIKey string
}

func NewMiddleware(authService *auth.Service, metrics *monitoring.Service, limiter ratelimit.RateLimiter,
	tenants *tenant.Resolver, logger *logging.Logger, cfg Config) *Middleware {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Middleware{
		auth:     authService,
		metrics:  metrics,
		limiter:  limiter,
		tenants:  tenants,
		logger:   logger,
		adminKey: cfg.AdminAPIKey,
	}
}

type contextKey int

const (
	principalKey contextKey = iota
	clientIPKey
)

// Principal is the caller authenticated by RequireAuth.
type Principal = auth.TokenValidation

// PrincipalFromContext returns the caller set by RequireAuth.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}

// ClientIPFromContext returns the address resolved by Logger.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}

// Logger assigns a request id, attaches a request-scoped logger to the
// context and writes one access log line per request.
func (m *Middleware) Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)

		clientIP := getClientIP(r)
		reqLogger := m.logger.WithRequestID(requestID)
		ctx := logging.WithRequestID(r.Context(), requestID)
		ctx = logging.WithLogger(ctx, reqLogger)
		ctx = context.WithValue(ctx, clientIPKey, clientIP)

		m.metrics.IncrementRequests()
		m.metrics.IncrementActiveRequests()
		m.metrics.RecordEndpointRequest(r.URL.Path)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		duration := time.Since(start)
		m.metrics.DecrementActiveRequests()
		m.metrics.RecordResponseTime(r.URL.Path, duration)

		event := reqLogger.InfoEvent()
		if wrapped.statusCode >= 500 {
			event = reqLogger.ErrorEvent()
		} else if wrapped.statusCode >= 400 {
			event = reqLogger.WarnEvent()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration", duration).
			Str("client_ip", clientIP).
			Str("user_agent", pkgsecurity.SanitizeInput(r.UserAgent(), 200)).
			Msg("request completed")
	})
}

// Tenant resolves the tenant from the X-Tenant-ID header or the host and
// stores it in the request context. Unknown tenants are rejected.
func (m *Middleware) Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := m.tenants.Resolve(r.Context(), r.Header.Get(tenant.HeaderName), r.Host)
		if err != nil {
			logging.FromContext(r.Context()).WithError(err).Debug("tenant resolution failed")
			WriteError(w, r, apperrors.InvalidArgument("unknown tenant"))
			return
		}
		ctx := tenant.WithTenant(r.Context(), tenantID)
		ctx = logging.WithLogger(ctx, logging.FromContext(ctx).WithTenantID(tenantID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimit limits requests per tenant and client address. A limiter
// outage lets the request through.
func (m *Middleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		tenantID, _ := tenant.FromContext(r.Context())
		key := tenantID + ":" + ClientIPFromContext(r.Context())

		result, err := m.limiter.Allow(r.Context(), key)
		if err != nil {
			logging.FromContext(r.Context()).WithError(err).Warn("rate limiter unavailable; allowing request")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))
		if !result.Allowed {
			m.metrics.Inc(monitoring.RateLimited)
			WriteError(w, r, apperrors.ResourceExhausted("rate limit exceeded", result.RetryAfter(time.Now())))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuth validates the bearer token and stores the caller in the
// request context. Tokens of ended sessions are rejected.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractBearerToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			WriteError(w, r, apperrors.Unauthenticated("bearer token required"))
			return
		}
		v, err := m.auth.ValidateToken(r.Context(), token)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if !v.Valid {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			WriteError(w, r, apperrors.Unauthenticated("invalid token"))
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, v)
		ctx = logging.WithLogger(ctx, logging.FromContext(ctx).WithUserID(v.UserID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope must run after RequireAuth.
func (m *Middleware) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				WriteError(w, r, apperrors.Unauthenticated("no authentication context"))
				return
			}
			for _, s := range p.Scopes {
				if s == scope {
					next.ServeHTTP(w, r)
					return
				}
			}
			WriteError(w, r, apperrors.PermissionDenied("scope '"+scope+"' required"))
		})
	}
}

// RequireAdmin checks the X-Admin-Key header in constant time. With no
// key configured every admin request is refused.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Admin-Key")
		if m.adminKey == "" || key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(m.adminKey)) != 1 {
			WriteError(w, r, apperrors.Unauthenticated("admin key required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowedOrigin := ""
			for _, allowed := range allowedOrigins {
				if allowed == "*" || allowed == origin {
					allowedOrigin = allowed
					break
				}
			}
			if allowedOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-ID, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "3600")
				if allowedOrigin != "*" {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
					w.Header().Add("Vary", "Origin")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders applies the per-endpoint policy from the security
// package. HSTS is only sent over TLS.
func (m *Middleware) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		policy := security.GetSecurityPolicy(r.URL.Path)
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", policy.FrameOptions)
		h.Set("Content-Security-Policy", policy.CSP)
		h.Set("Cache-Control", policy.CacheControl)
		h.Set("Pragma", "no-cache")
		h.Set("Referrer-Policy", security.ReferrerPolicy())
		h.Set("Permissions-Policy", security.PermissionsPolicy())
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) PanicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.FromContext(r.Context()).ErrorEvent().
					Interface("panic", rec).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("stack", string(debug.Stack())).
					Msg("panic recovered")
				m.metrics.RecordError("panic")
				WriteError(w, r, apperrors.Internal("internal server error", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) RequestSizeLimit(maxSize int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxSize {
				http.Error(w, "Request entity too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			next.ServeHTTP(w, r)
		})
	}
}

func (m *Middleware) RequireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
			http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func ExtractBearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
