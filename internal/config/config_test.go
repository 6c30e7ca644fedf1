package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "askbot.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.FreeCredits())
	assert.Equal(t, 5, cfg.Bot.DefaultGrant)
	assert.Equal(t, []int{401}, cfg.WhatsApp.TerminalCauses)
	assert.Equal(t, 3*time.Second, cfg.WhatsApp.RetryDelay.D())
	assert.Equal(t, 60*time.Second, cfg.WhatsApp.ConnectTimeout.D())
	assert.Equal(t, ":3000", cfg.ListenAddr())
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"http": {"port": 8080},
		"whatsapp": {"terminalCauses": [401, 403, 405], "retryDelay": "2s", "terminalQR": false},
		"bot": {"freeCredits": 0, "defaultGrant": 10, "name": "Meraj"},
		"llm": {"apiKeys": ["k1", "k2"]}
	}`)

	cfg, err := load(path, envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, []int{401, 403, 405}, cfg.WhatsApp.TerminalCauses)
	assert.Equal(t, 2*time.Second, cfg.WhatsApp.RetryDelay.D())
	assert.False(t, cfg.TerminalQR())
	assert.Equal(t, 0, cfg.FreeCredits())
	assert.Equal(t, 10, cfg.Bot.DefaultGrant)
	assert.Equal(t, "Meraj", cfg.Bot.Name)
	assert.Equal(t, []string{"k1", "k2"}, cfg.LLM.APIKeys)

	// untouched values keep their defaults
	assert.Equal(t, ".", cfg.Bot.CommandPrefix)
	assert.Equal(t, 60*time.Second, cfg.WhatsApp.ConnectTimeout.D())
	assert.True(t, cfg.NotifyCreditTarget())
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `{"http": {"port": 8080}, "bot": {"defaultGrant": 10}}`)

	cfg, err := load(path, envMap(map[string]string{
		"PORT":            "9090",
		"DEFAULT_GRANT":   "7",
		"FREE_CREDITS":    "3",
		"API_KEY":         "primary",
		"API_KEYS":        "primary, fallback1,,fallback2",
		"TERMINAL_CAUSES": "401,500",
		"RETRY_DELAY":     "2.5",
		"OWNER_NUMBER":    "917001234567",
		"LLM_DRIVER":      "anthropic",
	}))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 7, cfg.Bot.DefaultGrant)
	assert.Equal(t, 3, cfg.FreeCredits())
	assert.Equal(t, []string{"primary", "fallback1", "fallback2"}, cfg.LLM.APIKeys)
	assert.Equal(t, []int{401, 500}, cfg.WhatsApp.TerminalCauses)
	assert.Equal(t, 2500*time.Millisecond, cfg.WhatsApp.RetryDelay.D())
	assert.Equal(t, "917001234567", cfg.WhatsApp.PairPhone)
	assert.Equal(t, "anthropic", cfg.LLM.Driver)
	require.NoError(t, cfg.Validate())
}

func TestEnvInvalidValues(t *testing.T) {
	_, err := load("", envMap(map[string]string{"DATA_DIR": t.TempDir(), "PORT": "abc"}))
	require.Error(t, err)

	_, err = load("", envMap(map[string]string{"DATA_DIR": t.TempDir(), "TERMINAL_CAUSES": "401,x"}))
	require.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"port":      func(c *Config) { c.HTTP.Port = 0 },
		"prefix":    func(c *Config) { c.Bot.CommandPrefix = "" },
		"grant":     func(c *Config) { c.Bot.DefaultGrant = -1 },
		"delay":     func(c *Config) { c.WhatsApp.RetryDelay = 0 },
		"phone":     func(c *Config) { c.WhatsApp.PairPhone = "+91 700" },
		"driver":    func(c *Config) { c.LLM.Driver = "bard" },
		"freeCreds": func(c *Config) { n := -2; c.Bot.FreeCredits = &n },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
