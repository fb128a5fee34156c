package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/tributary-ai/routing-engine/internal/model"
	"github.com/tributary-ai/routing-engine/internal/security"
)

// SecurityMiddlewareConfig holds configuration for security middleware
type SecurityMiddlewareConfig struct {
	Auth       *security.Config           `yaml:"auth"`
	RateLimit  *security.RateLimitConfig  `yaml:"rate_limit"`
	Validation *security.ValidationConfig `yaml:"validation"`
	Audit      *security.AuditConfig      `yaml:"audit"`
}

// SecurityMiddleware combines all security middleware components
type SecurityMiddleware struct {
	authProvider *security.DefaultAuthProvider
	rateLimiter  security.RateLimiter
	keyExtractor func(*http.Request) string
	validator    *security.RequestValidator
	auditor      *security.AuditLogger
	logger       *logrus.Logger
}

// NewSecurityMiddleware creates a new security middleware stack
func NewSecurityMiddleware(config *SecurityMiddlewareConfig, logger *logrus.Logger) (*SecurityMiddleware, error) {
	// Initialize authentication provider
	var authProvider *security.DefaultAuthProvider
	if config.Auth != nil {
		authProvider = security.NewDefaultAuthProvider(config.Auth, logger)
	}
	
	// Initialize rate limiter. A configured RedisURL promotes the limiter
	// from per-process token buckets to a Redis-backed shared counter, so
	// the limit holds across every engine instance behind the same backend
	//.
	var rateLimiter security.RateLimiter
	keyExtractor := security.DefaultKeyExtractor
	if config.RateLimit != nil && config.RateLimit.Enabled {
		if config.RateLimit.RedisURL != "" {
			opts, err := redis.ParseURL(config.RateLimit.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("rate limit redis url: %w", err)
			}
			rateLimiter = security.NewRedisRateLimiter(redis.NewClient(opts), config.RateLimit, logger)
		} else {
			rateLimiter = security.NewInMemoryRateLimiter(config.RateLimit, logger)
		}
		switch config.RateLimit.KeyExtractor {
		case "api_key":
			keyExtractor = security.APIKeyExtractor
		case "model_aware":
			keyExtractor = security.ModelAwareKeyExtractor
		}
	}
	
	// Initialize request validator
	var validator *security.RequestValidator
	var err error
	if config.Validation != nil {
		validator, err = security.NewRequestValidator(config.Validation, logger)
		if err != nil {
			return nil, err
		}
	}
	
	// Initialize audit logger
	var auditor *security.AuditLogger
	if config.Audit != nil {
		auditor = security.NewAuditLogger(config.Audit, logger)
	}
	
	return &SecurityMiddleware{
		authProvider: authProvider,
		rateLimiter:  rateLimiter,
		keyExtractor: keyExtractor,
		validator:    validator,
		auditor:      auditor,
		logger:       logger,
	}, nil
}

// Handler creates the complete security middleware chain
func (s *SecurityMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		// Build middleware chain in reverse order (innermost first): each
		// wrapper added later runs earlier, so a request passes headers ->
		// validation -> rate limiting -> authentication -> audit -> next.
		handler := next

		// 1. Audit logging (innermost - sees only requests that passed
		// every check below)
		if s.auditor != nil {
			handler = s.auditor.AuditMiddleware()(handler)
		}

		// 2. Authentication (runs after rate limiting and validation)
		if s.authProvider != nil {
			handler = s.authProvider.AuthMiddleware()(handler)
		}

		// 3. Rate limiting (runs before authentication)
		if s.rateLimiter != nil {
			handler = security.RateLimitMiddleware(s.rateLimiter, s.keyExtractor)(handler)
		}

		// 4. Request validation (first check a request meets)
		if s.validator != nil {
			handler = s.validator.ValidationMiddleware()(handler)
		}

		// 5. Security headers (outermost - set on every response, including
		// rejections)
		handler = s.securityHeadersMiddleware()(handler)
		
		return handler
	}
}

// AuthenticationOnly returns only the authentication middleware
func (s *SecurityMiddleware) AuthenticationOnly() func(http.Handler) http.Handler {
	if s.authProvider != nil {
		return s.authProvider.AuthMiddleware()
	}
	return func(next http.Handler) http.Handler { return next }
}

// RateLimitingOnly returns only the rate limiting middleware
func (s *SecurityMiddleware) RateLimitingOnly() func(http.Handler) http.Handler {
	if s.rateLimiter != nil {
		return security.RateLimitMiddleware(s.rateLimiter, s.keyExtractor)
	}
	return func(next http.Handler) http.Handler { return next }
}

// ValidationOnly returns only the validation middleware
func (s *SecurityMiddleware) ValidationOnly() func(http.Handler) http.Handler {
	if s.validator != nil {
		return s.validator.ValidationMiddleware()
	}
	return func(next http.Handler) http.Handler { return next }
}

// AuditOnly returns only the audit logging middleware
func (s *SecurityMiddleware) AuditOnly() func(http.Handler) http.Handler {
	if s.auditor != nil {
		return s.auditor.AuditMiddleware()
	}
	return func(next http.Handler) http.Handler { return next }
}

// securityHeadersMiddleware adds security headers to responses
func (s *SecurityMiddleware) securityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Security headers
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-XSS-Protection", "1; mode=block")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Content-Security-Policy", "default-src 'self'")
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			
			// Remove server information
			w.Header().Del("Server")
			w.Header().Set("Server", "Routing-Engine/1.0")
			
			// Add custom security headers
			w.Header().Set("X-API-Version", "1.0")
			w.Header().Set("X-Request-ID", r.Header.Get("X-Request-ID"))
			
			next.ServeHTTP(w, r)
		})
	}
}

// Stop gracefully stops all middleware components
func (s *SecurityMiddleware) Stop() {
	if s.auditor != nil {
		s.auditor.Stop()
	}
	
	if rateLimiter, ok := s.rateLimiter.(*security.InMemoryRateLimiter); ok {
		rateLimiter.Stop()
	}
}

// GetStats returns security middleware statistics
func (s *SecurityMiddleware) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})
	
	// Add audit stats
	if s.auditor != nil {
		stats["audit_events_logged"] = s.auditor.GetEventCount()
	}
	
	stats["rate_limiter_enabled"] = s.rateLimiter != nil
	if _, ok := s.rateLimiter.(*security.RedisRateLimiter); ok {
		stats["rate_limiter_backend"] = "redis"
	} else if s.rateLimiter != nil {
		stats["rate_limiter_backend"] = "in_memory"
	}
	
	// Add validator stats
	stats["validation_enabled"] = s.validator != nil
	
	// Add auth stats
	stats["authentication_enabled"] = s.authProvider != nil
	
	return stats
}

// HealthCheck performs health checks on all security components, including
// a live round-trip through the configured rate limiter (in-memory or
// Redis-backed) so a broken Redis connection surfaces here instead of on
// the first real request.
func (s *SecurityMiddleware) HealthCheck() error {
	if s.authProvider == nil {
		return fmt.Errorf("authentication provider not initialized")
	}

	if s.rateLimiter != nil {
		if _, err := s.rateLimiter.GetLimits(context.Background(), "__health_check__"); err != nil {
			return fmt.Errorf("rate limiter unhealthy: %w", err)
		}
	}

	return nil
}

// LogSecurityEvent is a convenience method to log security events
func (s *SecurityMiddleware) LogSecurityEvent(ctx context.Context, eventType security.AuditEventType, message string, details map[string]interface{}) {
	if s.auditor != nil {
		s.auditor.LogEvent(ctx, eventType, message, details)
	}
}

// Custom middleware for specific security scenarios

// APIKeyOnlyMiddleware creates middleware that only accepts API key
// authentication, used by operator/admin routes that must never fall back
// to JWT. Rejections use the engine's own AuthenticationFailure envelope
// rather than plain-text http.Error bodies.
func (s *SecurityMiddleware) APIKeyOnlyMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				apiKey = r.Header.Get("API-Key")
			}

			if apiKey == "" {
				security.WriteEngineError(w, r, model.NewError(model.ErrAuthentication, "middleware", "API key required", nil))
				return
			}

			ctx := context.WithValue(r.Context(), "client_ip", getClientIPFromRequest(r))
			authInfo, err := s.authProvider.ValidateAPIKey(ctx, apiKey)
			if err != nil {
				s.logger.WithField("api_key_prefix", maskAPIKey(apiKey)).Warn("Invalid API key")
				security.WriteEngineError(w, r, model.NewError(model.ErrAuthentication, "middleware", "invalid API key", err))
				return
			}

			ctx = context.WithValue(r.Context(), "auth_info", authInfo)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// JWTOnlyMiddleware creates middleware that only accepts JWT authentication,
// rejecting a missing or invalid token with the engine's
// AuthenticationFailure envelope. It copies the token's model scope
// (AllowedModels) into the request's AuthInfo but does not check the
// requested model against it.
func (s *SecurityMiddleware) JWTOnlyMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				security.WriteEngineError(w, r, model.NewError(model.ErrAuthentication, "middleware", "JWT token required", nil))
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")

			claims, err := s.authProvider.ValidateJWT(token)
			if err != nil {
				s.logger.WithError(err).Warn("Invalid JWT token")
				security.WriteEngineError(w, r, model.NewError(model.ErrAuthentication, "middleware", "invalid JWT token", err))
				return
			}

			authInfo := &security.AuthInfo{
				UserID:        claims.UserID,
				Permissions:   claims.Permissions,
				AllowedModels: claims.AllowedModels,
				Metadata:      claims.Metadata,
				ExpiresAt:     &claims.ExpiresAt.Time,
			}

			ctx := context.WithValue(r.Context(), "auth_info", authInfo)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CORSMiddleware creates CORS middleware for cross-origin requests
func (s *SecurityMiddleware) CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			
			// Check if origin is allowed
			allowed := false
			for _, allowedOrigin := range allowedOrigins {
				if allowedOrigin == "*" || allowedOrigin == origin {
					allowed = true
					break
				}
			}
			
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
			
			// Handle preflight OPTIONS requests
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			
			next.ServeHTTP(w, r)
		})
	}
}

// Helper functions

func getClientIPFromRequest(r *http.Request) string {
	// Check X-Forwarded-For header
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	
	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	
	// Fall back to RemoteAddr
	ip := r.RemoteAddr
	if colonIndex := strings.LastIndex(ip, ":"); colonIndex != -1 {
		ip = ip[:colonIndex]
	}
	
	return ip
}

func maskAPIKey(apiKey string) string {
	if len(apiKey) <= 8 {
		return "****"
	}
	return apiKey[:4] + "****" + apiKey[len(apiKey)-4:]
}