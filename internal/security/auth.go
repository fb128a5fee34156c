package security

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/tributary-ai/routing-engine/internal/model"
)

// AuthProvider defines the interface for authentication providers
type AuthProvider interface {
	Authenticate(ctx context.Context, token string) (*AuthInfo, error)
	ValidateAPIKey(ctx context.Context, apiKey string) (*AuthInfo, error)
	GenerateJWT(userID string, claims map[string]interface{}) (string, error)
	ValidateJWT(tokenString string) (*JWTClaims, error)
}

// AuthInfo contains authenticated caller information. AllowedModels scopes
// which model names this caller's credential may route to; an empty slice
// means unrestricted.
type AuthInfo struct {
	UserID        string            `json:"user_id"`
	APIKey        string            `json:"api_key,omitempty"`
	Permissions   []string          `json:"permissions"`
	AllowedModels []string          `json:"allowed_models,omitempty"`
	Metadata      map[string]string `json:"metadata"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
}

// modelAllowed reports whether model is permitted for this caller. An empty
// AllowedModels list means the credential is unscoped.
func (a *AuthInfo) modelAllowed(requestedModel string) bool {
	if len(a.AllowedModels) == 0 || requestedModel == "" {
		return true
	}
	for _, m := range a.AllowedModels {
		if m == requestedModel {
			return true
		}
	}
	return false
}

// JWTClaims represents JWT token claims
type JWTClaims struct {
	UserID        string            `json:"user_id"`
	Permissions   []string          `json:"permissions"`
	AllowedModels []string          `json:"allowed_models,omitempty"`
	Metadata      map[string]string `json:"metadata"`
	jwt.RegisteredClaims
}

// Config holds authentication configuration. KeyScopes maps an API key to
// the model names it may route to; a key absent from KeyScopes (or mapped
// to an empty slice) is unrestricted.
type Config struct {
	APIKeys        []string            `yaml:"api_keys"`
	KeyScopes      map[string][]string `yaml:"key_scopes"`
	JWTSecret      string              `yaml:"jwt_secret"`
	JWTExpiry      time.Duration       `yaml:"jwt_expiry"`
	RequireAuth    bool                `yaml:"require_auth"`
	AllowedOrigins []string            `yaml:"allowed_origins"`
	TrustedProxies []string            `yaml:"trusted_proxies"`
}

// DefaultAuthProvider implements the AuthProvider interface
type DefaultAuthProvider struct {
	config *Config
	logger *logrus.Logger
}

// NewDefaultAuthProvider creates a new authentication provider
func NewDefaultAuthProvider(config *Config, logger *logrus.Logger) *DefaultAuthProvider {
	if config.JWTExpiry == 0 {
		config.JWTExpiry = 24 * time.Hour
	}

	return &DefaultAuthProvider{
		config: config,
		logger: logger,
	}
}

// Authenticate validates a token (API key or JWT)
func (a *DefaultAuthProvider) Authenticate(ctx context.Context, token string) (*AuthInfo, error) {
	// Try API key first
	if authInfo, err := a.ValidateAPIKey(ctx, token); err == nil {
		return authInfo, nil
	}

	// Try JWT token
	if claims, err := a.ValidateJWT(token); err == nil {
		return &AuthInfo{
			UserID:        claims.UserID,
			Permissions:   claims.Permissions,
			AllowedModels: claims.AllowedModels,
			Metadata:      claims.Metadata,
			ExpiresAt:     &claims.ExpiresAt.Time,
		}, nil
	}

	return nil, errors.New("invalid authentication token")
}

// ValidateAPIKey validates an API key and attaches its model scope, if any.
func (a *DefaultAuthProvider) ValidateAPIKey(ctx context.Context, apiKey string) (*AuthInfo, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	// Use constant-time comparison to prevent timing attacks
	for i, validKey := range a.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(validKey)) == 1 {
			return &AuthInfo{
				UserID:        generateUserID(apiKey),
				APIKey:        apiKey,
				Permissions:   []string{"api:access"},
				AllowedModels: a.config.KeyScopes[validKey],
				Metadata: map[string]string{
					"key_index": string(rune(i)),
					"auth_type": "api_key",
				},
			}, nil
		}
	}

	a.logger.WithFields(logrus.Fields{
		"api_key_prefix": maskAPIKey(apiKey),
		"remote_ip":      getClientIP(ctx),
	}).Warn("Invalid API key attempted")

	return nil, errors.New("invalid API key")
}

// GenerateJWT generates a new JWT token
func (a *DefaultAuthProvider) GenerateJWT(userID string, claims map[string]interface{}) (string, error) {
	now := time.Now()

	jwtClaims := &JWTClaims{
		UserID:   userID,
		Metadata: make(map[string]string),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "routing-engine",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.JWTExpiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	// Add custom claims
	for key, value := range claims {
		switch key {
		case "permissions":
			if perms, ok := value.([]string); ok {
				jwtClaims.Permissions = perms
			}
		case "allowed_models":
			if models, ok := value.([]string); ok {
				jwtClaims.AllowedModels = models
			}
		default:
			if strVal, ok := value.(string); ok {
				jwtClaims.Metadata[key] = strVal
			}
		}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims)
	return token.SignedString([]byte(a.config.JWTSecret))
}

// ValidateJWT validates a JWT token
func (a *DefaultAuthProvider) ValidateJWT(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.config.JWTSecret), nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid JWT token")
}

// AuthMiddleware creates authentication middleware. On chat endpoints it
// also enforces the authenticated credential's model scope (AllowedModels)
// against the request body's "model" field, rejecting with the engine's
// AuthenticationFailure kind the way every other layer reports a denial.
func (a *DefaultAuthProvider) AuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip auth for health check endpoints
			if strings.HasPrefix(r.URL.Path, "/health") {
				next.ServeHTTP(w, r)
				return
			}

			// Skip auth if not required
			if !a.config.RequireAuth {
				next.ServeHTTP(w, r)
				return
			}

			// Extract token from Authorization header or API-Key header
			token := extractToken(r)
			if token == "" {
				a.writeUnauthorized(w, r, "missing authentication token")
				return
			}

			// Authenticate token
			ctx := context.WithValue(r.Context(), "client_ip", getClientIPFromRequest(r))
			authInfo, err := a.Authenticate(ctx, token)
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"error":      err.Error(),
					"path":       r.URL.Path,
					"method":     r.Method,
					"remote_ip":  getClientIPFromRequest(r),
					"user_agent": r.UserAgent(),
				}).Warn("Authentication failed")

				a.writeUnauthorized(w, r, "invalid authentication token")
				return
			}

			if r.Method == http.MethodPost && isChatEndpoint(r.URL.Path) {
				requestedModel, restoredBody, err := peekRequestModel(r)
				if err == nil {
					r.Body = restoredBody
					if !authInfo.modelAllowed(requestedModel) {
						a.logger.WithFields(logrus.Fields{
							"user_id": authInfo.UserID,
							"model":   requestedModel,
						}).Warn("API key not scoped for requested model")
						a.writeUnauthorized(w, r, "credential is not scoped for model "+requestedModel)
						return
					}
				}
			}

			// Add auth info to request context
			ctx = context.WithValue(r.Context(), "auth_info", authInfo)

			// Log successful authentication
			a.logger.WithFields(logrus.Fields{
				"user_id":   authInfo.UserID,
				"auth_type": authInfo.Metadata["auth_type"],
				"path":      r.URL.Path,
				"method":    r.Method,
				"remote_ip": getClientIPFromRequest(r),
			}).Debug("Authentication successful")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// peekRequestModel reads the request body to extract its "model" field
// without consuming it for downstream handlers.
func peekRequestModel(r *http.Request) (string, io.ReadCloser, error) {
	if r.Body == nil {
		return "", r.Body, nil
	}
	orig := r.Body
	body, err := io.ReadAll(io.LimitReader(orig, 64*1024))
	var restored io.ReadCloser = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(body), orig), orig}
	r.Body = restored
	if err != nil {
		return "", restored, err
	}

	var decoded struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", restored, err
	}
	return decoded.Model, restored, nil
}

// Helper functions

func extractToken(r *http.Request) string {
	// Try Authorization header first (Bearer token)
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	// Try API-Key header
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return apiKey
	}

	// Try API-Key header (alternative)
	if apiKey := r.Header.Get("API-Key"); apiKey != "" {
		return apiKey
	}

	return ""
}

func generateUserID(apiKey string) string {
	// Generate a consistent user ID from API key ("user_" + first 8 chars)
	if len(apiKey) >= 8 {
		return "user_" + apiKey[:8]
	}
	return "user_" + apiKey
}

func maskAPIKey(apiKey string) string {
	if len(apiKey) <= 8 {
		return "****"
	}
	return apiKey[:4] + "****" + apiKey[len(apiKey)-4:]
}

func getClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value("client_ip").(string); ok {
		return ip
	}
	return "unknown"
}

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

// writeUnauthorized renders an authentication failure as the caller's own
// protocol error envelope, same as every other rejection in the request
// path.
func (a *DefaultAuthProvider) writeUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	writeEngineError(w, r, model.NewError(model.ErrAuthentication, "security", message, nil))
}

// GetAuthInfo extracts authentication info from request context
func GetAuthInfo(ctx context.Context) (*AuthInfo, bool) {
	if authInfo, ok := ctx.Value("auth_info").(*AuthInfo); ok {
		return authInfo, true
	}
	return nil, false
}
