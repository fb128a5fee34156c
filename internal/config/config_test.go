package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, yamlBody string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0644))
	return path
}

const minimalYAML = `
providers:
  - name: lmstudio
    endpoint: http://localhost:1234/v1
    apiKey: sk-x
    models: ["claude-3-5-sonnet"]
router:
  default: "lmstudio,claude-3-5-sonnet"
routing:
  zeroFallbackPolicy:
    enabled: true
`

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeTempConfig(t, minimalYAML)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTP.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 30*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, 100, cfg.Performance.MaxConcurrentDecisions)
	assert.Equal(t, 3, cfg.Routing.ZeroFallbackPolicy.MaxRetries)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, []string{"sk-x"}, cfg.Providers[0].ResolvedKeys)
	assert.True(t, cfg.Validation.Enabled)
	assert.Equal(t, "docs/openapi.yaml", cfg.Validation.SpecPath)
}

func TestLoadConfig_RejectsEnabledValidationWithoutSpecPath(t *testing.T) {
	path := writeTempConfig(t, minimalYAML+`
validation:
  enabled: true
  specPath: ""
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation.specPath")
}

func TestLoadConfig_RejectsDisabledZeroFallback(t *testing.T) {
	path := writeTempConfig(t, `
providers:
  - name: lmstudio
    endpoint: http://localhost:1234/v1
    apiKey: sk-x
    models: ["m"]
router:
  default: "lmstudio,m"
routing:
  zeroFallbackPolicy:
    enabled: false
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zeroFallbackPolicy")
}

func TestLoadConfig_RejectsMissingDefaultRoute(t *testing.T) {
	path := writeTempConfig(t, `
providers:
  - name: lmstudio
    endpoint: http://localhost:1234/v1
    apiKey: sk-x
    models: ["m"]
routing:
  zeroFallbackPolicy:
    enabled: true
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "router.default")
}

func TestLoadConfig_RequiresAtLeastOneProvider(t *testing.T) {
	path := writeTempConfig(t, `
routing:
  zeroFallbackPolicy:
    enabled: true
router:
  default: "x,y"
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one provider")
}

func TestParseRouteExpression(t *testing.T) {
	pairs, err := ParseRouteExpression("providerA,mX;providerB,mX")
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"providerA", "mX"}, {"providerB", "mX"}}, pairs)

	_, err = ParseRouteExpression("malformed")
	assert.Error(t, err)

	_, err = ParseRouteExpression("")
	assert.Error(t, err)
}

func TestEnvOverridesProviderKeyAndPort(t *testing.T) {
	path := writeTempConfig(t, minimalYAML)
	os.Setenv("ROUTING_ENGINE_PORT", "9090")
	os.Setenv("ROUTING_ENGINE_LMSTUDIO_API_KEY", "sk-from-env")
	defer os.Unsetenv("ROUTING_ENGINE_PORT")
	defer os.Unsetenv("ROUTING_ENGINE_LMSTUDIO_API_KEY")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.HTTP.Port)
	assert.Equal(t, []string{"sk-from-env"}, cfg.Providers[0].ResolvedKeys)
}
