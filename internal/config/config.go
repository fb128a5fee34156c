// Package config loads and validates the engine's configuration snapshot.
// The CLI/daemon supervisor that watches the file on disk is
// out of scope for the engine itself; this package provides the loader the
// supervisor calls and the validated struct the engine receives.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/routing-engine/internal/model"
)

// ProviderConfig describes one backend provider.
type ProviderConfig struct {
	Name          string            `yaml:"name"`
	Endpoint      string            `yaml:"endpoint"`
	APIKey        interface{}       `yaml:"apiKey"` // string or []string
	CustomHeaders map[string]string `yaml:"customHeaders"`
	Models        []string          `yaml:"models"`
	Timeout       time.Duration     `yaml:"timeout"`
	MaxRetries    int               `yaml:"maxRetries"`
	ProviderType  string            `yaml:"providerType"` // openai-compatible | anthropic-native | other
	Weight        float64           `yaml:"weight"`

	// ServerCompatibility quirks: operator-declared
	// per-provider adjustments applied after transformation, before the
	// wire body leaves for this provider.
	MaxTokensCeiling    int  `yaml:"maxTokensCeiling"`
	ForceNonStreaming   bool `yaml:"forceNonStreaming"`
	NormalizeToolSchema bool `yaml:"normalizeToolSchema"`

	// ResolvedKeys is populated from APIKey by Normalize(); the Protocol
	// layer picks the first entry.
	ResolvedKeys []string `yaml:"-"`
}

// Normalize fills ResolvedKeys from the loosely-typed APIKey field.
func (p *ProviderConfig) Normalize() {
	switch v := p.APIKey.(type) {
	case string:
		if v != "" {
			p.ResolvedKeys = []string{v}
		}
	case []interface{}:
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				p.ResolvedKeys = append(p.ResolvedKeys, s)
			}
		}
	case []string:
		p.ResolvedKeys = v
	}
	if p.ProviderType == "" {
		p.ProviderType = "openai-compatible"
	}
	if p.Weight == 0 {
		p.Weight = 1
	}
}

// RouterConfig holds the route expressions: a default, per-category
// overrides, and per-model overrides.
type RouterConfig struct {
	Default    string            `yaml:"default"`
	Categories map[string]string `yaml:"categories"`
	ModelMap   map[string]string `yaml:"modelMap"`
}

// ZeroFallbackPolicy is the routing.zeroFallbackPolicy block.
type ZeroFallbackPolicy struct {
	Enabled    bool `yaml:"enabled"`
	StrictMode bool `yaml:"strictMode"`
	MaxRetries int  `yaml:"maxRetries"`
}

// RoutingConfig wraps the zero-fallback policy.
type RoutingConfig struct {
	ZeroFallbackPolicy ZeroFallbackPolicy `yaml:"zeroFallbackPolicy"`
}

// PerformanceConfig is the performance.* block.
type PerformanceConfig struct {
	MaxConcurrentDecisions int `yaml:"maxConcurrentDecisions"`
	DecisionTimeoutMs      int `yaml:"decisionTimeoutMs"`
	HistoryRetention       int `yaml:"historyRetention"`
}

// DestroyRuleConfig mirrors model.DestroyRule for YAML decoding.
type DestroyRuleConfig struct {
	StatusCode    int      `yaml:"statusCode"`
	ErrorPatterns []string `yaml:"errorPatterns"`
	Enabled       bool     `yaml:"enabled"`
}

// RateLimitRuleConfig mirrors model.RateLimitRule for YAML decoding.
type RateLimitRuleConfig struct {
	BlockDuration          time.Duration `yaml:"blockDuration"`
	MaxConsecutiveFailures int           `yaml:"maxConsecutiveFailures"`
	ResetInterval          time.Duration `yaml:"resetInterval"`
}

// BlacklistSettings is the blacklistSettings.* block.
type BlacklistSettings struct {
	DestroyRules    []DestroyRuleConfig `yaml:"destroyRules"`
	RateLimitRule   RateLimitRuleConfig `yaml:"rateLimitRule"`
	PersistenceFile string              `yaml:"persistenceFile"`
	RedisURL        string              `yaml:"redisUrl"` // optional mirror alongside the JSON file
}

// DebugConfig is the debug.* block.
type DebugConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
}

// APIValidationConfig is the validation.* block: OpenAPI request-schema
// enforcement on the inbound chat endpoints, backed by the same
// docs/openapi.yaml document the Swagger UI serves so the enforced schema
// and the published docs cannot drift apart.
type APIValidationConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SpecPath   string `yaml:"specPath"`
	StrictMode bool   `yaml:"strictMode"`
}

// HTTPConfig controls the inbound HTTP server.
type HTTPConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	MaxHeaderBytes int           `yaml:"maxHeaderBytes"`
	MaxBodyBytes   int64         `yaml:"maxBodyBytes"`
}

// LoggingConfig controls log level, format, and destination.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Config is the full configuration snapshot, the immutable
// record the engine builds its runtime state from. Reloads build a new
// Config and install its routes and rules through internal/router's
// atomic snapshot pointers (UpdateRoutes/UpdateRules).
type Config struct {
	HTTP        HTTPConfig          `yaml:"http"`
	Logging     LoggingConfig       `yaml:"logging"`
	Providers   []ProviderConfig    `yaml:"providers"`
	Router      RouterConfig        `yaml:"router"`
	Routing     RoutingConfig       `yaml:"routing"`
	Performance PerformanceConfig   `yaml:"performance"`
	Blacklist   BlacklistSettings   `yaml:"blacklistSettings"`
	Debug       DebugConfig         `yaml:"debug"`
	Security    SecurityConfig      `yaml:"security"`
	Validation  APIValidationConfig `yaml:"validation"`
}

// SecurityConfig is the ambient auth/rate-limit/CORS/validation block the
// security package is wired from.
type SecurityConfig struct {
	APIKeys           []string         `yaml:"apiKeys"`
	JWTSecret         string           `yaml:"jwtSecret"`
	RateLimiting      RateLimitConfig  `yaml:"rateLimiting"`
	CORS              CORSConfig       `yaml:"cors"`
	RequestValidation ValidationConfig `yaml:"requestValidation"`
}

type RateLimitConfig struct {
	Enabled        bool          `yaml:"enabled"`
	RequestsPerMin int           `yaml:"requestsPerMinute"`
	BurstSize      int           `yaml:"burstSize"`
	WindowDuration time.Duration `yaml:"windowDuration"`
	RedisURL       string        `yaml:"redisUrl"`
	KeyExtractor   string        `yaml:"keyExtractor"` // default | api_key | model_aware
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
	AllowedMethods []string `yaml:"allowedMethods"`
	AllowedHeaders []string `yaml:"allowedHeaders"`
}

type ValidationConfig struct {
	MaxRequestSize   int64 `yaml:"maxRequestSize"`
	MaxMessageLength int   `yaml:"maxMessageLength"`
	MaxMessages      int   `yaml:"maxMessages"`
}

// LoadConfig loads, defaults, overrides from env, and validates a
// configuration snapshot: defaults, then file, then env overrides, then
// validation.
func LoadConfig(path string) (*Config, error) {
	c := &Config{}
	c.setDefaults()

	if path != "" {
		if err := c.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	c.loadFromEnv()

	for i := range c.Providers {
		c.Providers[i].Normalize()
	}

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return c, nil
}

func (c *Config) setDefaults() {
	c.HTTP = HTTPConfig{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
		MaxBodyBytes:   10 << 20,
	}
	c.Logging = LoggingConfig{Level: "info", Format: "json", Output: "stdout"}
	c.Routing = RoutingConfig{ZeroFallbackPolicy: ZeroFallbackPolicy{Enabled: true, MaxRetries: 3}}
	c.Performance = PerformanceConfig{
		MaxConcurrentDecisions: 100,
		DecisionTimeoutMs:      30000,
		HistoryRetention:       500,
	}
	c.Blacklist = BlacklistSettings{
		RateLimitRule: RateLimitRuleConfig{
			BlockDuration:          time.Minute,
			MaxConsecutiveFailures: 3,
			ResetInterval:          5 * time.Minute,
		},
		PersistenceFile: "blacklist_state.json",
	}
	c.Debug = DebugConfig{Enabled: false, Level: "info"}
	c.Validation = APIValidationConfig{Enabled: true, SpecPath: "docs/openapi.yaml"}
	c.Security = SecurityConfig{
		RateLimiting: RateLimitConfig{Enabled: false, RequestsPerMin: 60, BurstSize: 10, WindowDuration: time.Minute},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
		},
		RequestValidation: ValidationConfig{MaxRequestSize: 10 << 20, MaxMessageLength: 100000, MaxMessages: 50},
	}
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

func (c *Config) loadFromEnv() {
	if port := os.Getenv("ROUTING_ENGINE_PORT"); port != "" {
		c.HTTP.Port = port
	}
	if level := os.Getenv("ROUTING_ENGINE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("ROUTING_ENGINE_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if redisURL := os.Getenv("ROUTING_ENGINE_REDIS_URL"); redisURL != "" {
		c.Blacklist.RedisURL = redisURL
		c.Security.RateLimiting.RedisURL = redisURL
	}
	for i := range c.Providers {
		envVar := "ROUTING_ENGINE_" + strings.ToUpper(c.Providers[i].Name) + "_API_KEY"
		if key := os.Getenv(envVar); key != "" {
			c.Providers[i].APIKey = key
		}
	}
	if maxRetries := os.Getenv("ROUTING_ENGINE_MAX_RETRIES"); maxRetries != "" {
		if n, err := strconv.Atoi(maxRetries); err == nil {
			c.Routing.ZeroFallbackPolicy.MaxRetries = n
		}
	}
}

func (c *Config) validate() error {
	if c.HTTP.Port == "" {
		return fmt.Errorf("http port cannot be empty")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider name cannot be empty")
		}
		if p.Endpoint == "" {
			return fmt.Errorf("provider %q: endpoint cannot be empty", p.Name)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("provider %q: must declare at least one model", p.Name)
		}
	}

	// The engine refuses to start with silent fallback allowed.
	if !c.Routing.ZeroFallbackPolicy.Enabled {
		return fmt.Errorf("zeroFallbackPolicy.enabled must be true; the engine never starts with silent fallback allowed")
	}
	if c.Router.Default == "" {
		return fmt.Errorf("router.default must declare a non-empty fallback route expression")
	}
	if c.Performance.MaxConcurrentDecisions <= 0 {
		return fmt.Errorf("performance.maxConcurrentDecisions must be positive")
	}
	if c.Routing.ZeroFallbackPolicy.MaxRetries <= 0 {
		return fmt.Errorf("routing.zeroFallbackPolicy.maxRetries must be positive")
	}
	if c.Validation.Enabled && c.Validation.SpecPath == "" {
		return fmt.Errorf("validation.specPath must be set when validation is enabled")
	}
	return nil
}

// ParseRouteExpression parses "provider,model;provider,model;..." into an
// ordered list of (provider, model) pairs.
func ParseRouteExpression(expr string) ([][2]string, error) {
	var out [][2]string
	for _, seg := range strings.Split(expr, ";") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		parts := strings.SplitN(seg, ",", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed route expression segment %q", seg)
		}
		out = append(out, [2]string{strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("route expression %q yields no pipelines", expr)
	}
	return out, nil
}

// DestroyRulesToModel converts the YAML-decoded destroy rules to the
// model package's representation.
func (c *Config) DestroyRulesToModel() []model.DestroyRule {
	out := make([]model.DestroyRule, 0, len(c.Blacklist.DestroyRules))
	for _, r := range c.Blacklist.DestroyRules {
		out = append(out, model.DestroyRule{StatusCode: r.StatusCode, ErrorPatterns: r.ErrorPatterns, Enabled: r.Enabled})
	}
	return out
}

// RateLimitRuleToModel converts the YAML-decoded rate-limit rule.
func (c *Config) RateLimitRuleToModel() model.RateLimitRule {
	r := c.Blacklist.RateLimitRule
	return model.RateLimitRule{BlockDuration: r.BlockDuration, MaxConsecutiveFailures: r.MaxConsecutiveFailures, ResetInterval: r.ResetInterval}
}
