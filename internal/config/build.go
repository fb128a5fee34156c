package config

import (
	"fmt"
	"time"

	"github.com/tributary-ai/routing-engine/internal/compat"
	"github.com/tributary-ai/routing-engine/internal/middleware"
	"github.com/tributary-ai/routing-engine/internal/model"
	"github.com/tributary-ai/routing-engine/internal/security"
	"github.com/tributary-ai/routing-engine/internal/server"
)

// ToQuirks converts one provider's declared ServerCompatibility overrides
// into the compat layer's input type.
func (p ProviderConfig) ToQuirks() compat.Quirks {
	return compat.Quirks{
		MaxTokensCeiling:    p.MaxTokensCeiling,
		ForceNonStreaming:   p.ForceNonStreaming,
		NormalizeToolSchema: p.NormalizeToolSchema,
	}
}

// BuildRoutes converts the configured providers into the Core Router's
// RouteInfo candidate set. Every provider becomes exactly
// one route; the Protocol layer uses the first of the provider's resolved
// keys, and no layer spreads requests across the other keys.
func (c *Config) BuildRoutes() []model.RouteInfo {
	routes := make([]model.RouteInfo, 0, len(c.Providers))
	for _, p := range c.Providers {
		var keyRef string
		if len(p.ResolvedKeys) > 0 {
			keyRef = p.ResolvedKeys[0]
		}
		routes = append(routes, model.RouteInfo{
			ID:              p.Name,
			ProviderID:      p.Name,
			ProviderType:    model.ProviderType(p.ProviderType),
			SupportedModels: p.Models,
			Weight:          p.Weight,
			Available:       true,
			Health:          model.HealthHealthy,
			Metadata: model.RouteMetadata{
				Endpoint:      p.Endpoint,
				APIKeyRef:     keyRef,
				CustomHeaders: p.CustomHeaders,
			},
			TimeoutMs:  int(p.Timeout / time.Millisecond),
			MaxRetries: p.MaxRetries,
		})
	}
	return routes
}

// BuildRules converts router.default/categories/modelMap into
// the Core Router's RoutingRules. Each route expression's provider half
// becomes the rule's Targets; the model half is advisory context only
// (RoutingDecision.Model always comes directly from the caller's request,
// never remapped by a rule).
func (c *Config) BuildRules() (*model.RoutingRules, error) {
	defaultRule, err := ruleFromExpression("default", "Default fallback route", c.Router.Default)
	if err != nil {
		return nil, fmt.Errorf("router.default: %w", err)
	}

	rr := &model.RoutingRules{
		Version:    "1",
		Default:    defaultRule,
		ByCategory: make(map[string]*model.RoutingRule, len(c.Router.Categories)),
		ByModel:    make(map[string]*model.RoutingRule, len(c.Router.ModelMap)),
	}

	for category, expr := range c.Router.Categories {
		rule, err := ruleFromExpression("category-"+category, "Category route: "+category, expr)
		if err != nil {
			return nil, fmt.Errorf("router.categories[%s]: %w", category, err)
		}
		rr.ByCategory[category] = rule
	}
	for modelName, expr := range c.Router.ModelMap {
		rule, err := ruleFromExpression("model-"+modelName, "Model route: "+modelName, expr)
		if err != nil {
			return nil, fmt.Errorf("router.modelMap[%s]: %w", modelName, err)
		}
		rr.ByModel[modelName] = rule
	}
	return rr, nil
}

func ruleFromExpression(id, name, expr string) (*model.RoutingRule, error) {
	pairs, err := ParseRouteExpression(expr)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(pairs))
	targets := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		provider := pair[0]
		if seen[provider] {
			continue
		}
		seen[provider] = true
		targets = append(targets, provider)
	}
	return &model.RoutingRule{
		ID:           id,
		Name:         name,
		Enabled:      true,
		RulePriority: model.RulePriorityNormal,
		Targets:      targets,
	}, nil
}

// ToServerConfig bridges the engine's http.*, security, and validation YAML
// sections into the HTTP server's ServerConfig. Validation points
// kin-openapi at the same docs/openapi.yaml the Swagger handler serves, so
// the published document and the enforced inbound schema stay one file.
func (c *Config) ToServerConfig() *server.ServerConfig {
	return &server.ServerConfig{
		Port:           c.HTTP.Port,
		ReadTimeout:    c.HTTP.ReadTimeout,
		WriteTimeout:   c.HTTP.WriteTimeout,
		MaxHeaderBytes: c.HTTP.MaxHeaderBytes,
		Security:       c.ToMiddlewareConfig(),
		Validation: &middleware.ValidationConfig{
			Enabled:    c.Validation.Enabled,
			SpecPath:   c.Validation.SpecPath,
			StrictMode: c.Validation.StrictMode,
		},
	}
}

// ToMiddlewareConfig bridges the engine's flat security YAML section into
// the layered SecurityMiddlewareConfig. Audit is left disabled here: the
// engine already emits its own structured events (internal/events) for the
// occurrences the audit log would otherwise duplicate.
func (c *Config) ToMiddlewareConfig() *middleware.SecurityMiddlewareConfig {
	return &middleware.SecurityMiddlewareConfig{
		Auth: &security.Config{
			APIKeys:        c.Security.APIKeys,
			JWTSecret:      c.Security.JWTSecret,
			RequireAuth:    len(c.Security.APIKeys) > 0 || c.Security.JWTSecret != "",
			AllowedOrigins: c.Security.CORS.AllowedOrigins,
		},
		RateLimit: &security.RateLimitConfig{
			Enabled:           c.Security.RateLimiting.Enabled,
			RequestsPerMinute: c.Security.RateLimiting.RequestsPerMin,
			BurstSize:         c.Security.RateLimiting.BurstSize,
			WindowDuration:    c.Security.RateLimiting.WindowDuration,
			RedisURL:          c.Security.RateLimiting.RedisURL,
			KeyExtractor:      c.Security.RateLimiting.KeyExtractor,
		},
		Validation: &security.ValidationConfig{
			MaxRequestSize: c.Security.RequestValidation.MaxRequestSize,
		},
		Audit: &security.AuditConfig{Enabled: false},
	}
}
