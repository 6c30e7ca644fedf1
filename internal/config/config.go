// Package config provides configuration loading for askbot.
//
// Values are layered: built-in defaults, then an optional askbot.json file,
// then environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"

	"github.com/roelfdiedericks/askbot/internal/logging"
	"github.com/roelfdiedericks/askbot/internal/paths"
)

// Config represents the merged askbot configuration
type Config struct {
	DataDir  string         `json:"dataDir"`
	LogLevel string         `json:"logLevel"`
	HTTP     HTTPConfig     `json:"http"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	LLM      LLMConfig      `json:"llm"`
	Bot      BotConfig      `json:"bot"`
	Ledger   LedgerConfig   `json:"ledger"`
}

// HTTPConfig configures the status page
type HTTPConfig struct {
	Port   int    `json:"port"`
	Listen string `json:"listen"` // overrides Port when set, e.g. "127.0.0.1:3000"
}

// WhatsAppConfig configures the connection supervisor
type WhatsAppConfig struct {
	PairPhone      string   `json:"pairPhone"`      // digits only; enables pairing-code login
	TerminalCauses []int    `json:"terminalCauses"` // disconnect causes that wipe credentials
	RetryDelay     Duration `json:"retryDelay"`
	WipeDelay      Duration `json:"wipeDelay"`
	ConnectTimeout Duration `json:"connectTimeout"`
	TerminalQR     *bool    `json:"terminalQR"` // render pending QR codes on stdout
}

// LLMConfig configures the completion provider
type LLMConfig struct {
	Driver         string   `json:"driver"` // "gemini", "anthropic", "openai"
	Model          string   `json:"model"`  // "" selects the driver's default model
	BaseURL        string   `json:"baseURL"`
	APIKeys        []string `json:"apiKeys"` // first = primary, rest = rotation fallbacks
	MaxTokens      int      `json:"maxTokens"`
	RequestTimeout Duration `json:"requestTimeout"`
}

// BotConfig configures command handling and credit accounting
type BotConfig struct {
	Name               string   `json:"name"`
	CommandPrefix      string   `json:"commandPrefix"`
	FreeCredits        *int     `json:"freeCredits"`
	DefaultGrant       int      `json:"defaultGrant"`
	NotifyCreditTarget *bool    `json:"notifyCreditTarget"`
	IncludeMemory      *bool    `json:"includeMemory"` // send the knowledge base with every ask
	AskCooldown        Duration `json:"askCooldown"`
	MaxConcurrent      int      `json:"maxConcurrent"`
}

// LedgerConfig configures ledger backups
type LedgerConfig struct {
	BackupSchedule string `json:"backupSchedule"` // cron expression, "" or "off" disables
	BackupCount    int    `json:"backupCount"`
}

// Duration is a time.Duration that reads "3s" style strings (or plain seconds) from JSON.
type Duration time.Duration

// D returns the value as a time.Duration
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalJSON writes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "1m30s" or a number of seconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := parseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		LogLevel: "info",
		HTTP:     HTTPConfig{Port: 3000},
		WhatsApp: WhatsAppConfig{
			TerminalCauses: []int{401},
			RetryDelay:     Duration(3 * time.Second),
			WipeDelay:      Duration(1 * time.Second),
			ConnectTimeout: Duration(60 * time.Second),
			TerminalQR:     boolPtr(true),
		},
		LLM: LLMConfig{
			Driver:         "gemini",
			MaxTokens:      2048,
			RequestTimeout: Duration(90 * time.Second),
		},
		Bot: BotConfig{
			Name:               "Askbot",
			CommandPrefix:      ".",
			FreeCredits:        intPtr(1),
			DefaultGrant:       5,
			NotifyCreditTarget: boolPtr(true),
			IncludeMemory:      boolPtr(true),
			MaxConcurrent:      4,
		},
		Ledger: LedgerConfig{
			BackupSchedule: "@daily",
			BackupCount:    5,
		},
	}
}

// Load builds the configuration from defaults, the config file at path (or the
// discovered askbot.json when path is empty) and the process environment.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	// DATA_DIR decides where the config file is searched for
	if dir, ok := lookup("DATA_DIR"); ok && dir != "" {
		cfg.DataDir = dir
	}

	if path == "" {
		found, err := paths.ConfigPath(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		path = found
	}

	if path != "" {
		fileCfg, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride, mergo.WithoutDereference); err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
		logging.L_debug("config: file merged", "path", path)
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &fileCfg, nil
}

// applyEnv overlays environment variables onto cfg
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var firstErr error
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: invalid integer %q", key, v)
			}
			return
		}
		*dst = n
	}
	dur := func(key string, dst *Duration) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		d, err := parseDuration(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", key, err)
			}
			return
		}
		*dst = Duration(d)
	}
	flag := func(key string, dst **bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: invalid boolean %q", key, v)
			}
			return
		}
		*dst = &b
	}

	str("DATA_DIR", &cfg.DataDir)
	str("LOG_LEVEL", &cfg.LogLevel)
	num("PORT", &cfg.HTTP.Port)

	str("OWNER_NUMBER", &cfg.WhatsApp.PairPhone)
	str("PAIR_PHONE", &cfg.WhatsApp.PairPhone)
	if v, ok := lookup("TERMINAL_CAUSES"); ok && strings.TrimSpace(v) != "" {
		causes, err := parseIntList(v)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("TERMINAL_CAUSES: %w", err)
		}
		if err == nil {
			cfg.WhatsApp.TerminalCauses = causes
		}
	}
	dur("RETRY_DELAY", &cfg.WhatsApp.RetryDelay)
	dur("WIPE_DELAY", &cfg.WhatsApp.WipeDelay)
	dur("CONNECT_TIMEOUT", &cfg.WhatsApp.ConnectTimeout)
	flag("TERMINAL_QR", &cfg.WhatsApp.TerminalQR)

	str("LLM_DRIVER", &cfg.LLM.Driver)
	str("LLM_MODEL", &cfg.LLM.Model)
	str("LLM_BASE_URL", &cfg.LLM.BaseURL)
	num("LLM_MAX_TOKENS", &cfg.LLM.MaxTokens)
	dur("REQUEST_TIMEOUT", &cfg.LLM.RequestTimeout)

	// API_KEY is the primary credential, API_KEYS adds rotation fallbacks
	var keys []string
	if v, ok := lookup("API_KEY"); ok {
		keys = appendKeys(keys, v)
	}
	if v, ok := lookup("API_KEYS"); ok {
		keys = appendKeys(keys, v)
	}
	if len(keys) > 0 {
		cfg.LLM.APIKeys = keys
	}

	str("BOT_NAME", &cfg.Bot.Name)
	str("COMMAND_PREFIX", &cfg.Bot.CommandPrefix)
	if v, ok := lookup("FREE_CREDITS"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("FREE_CREDITS: invalid integer %q", v)
		}
		if err == nil {
			cfg.Bot.FreeCredits = &n
		}
	}
	num("DEFAULT_GRANT", &cfg.Bot.DefaultGrant)
	flag("NOTIFY_CREDIT_TARGET", &cfg.Bot.NotifyCreditTarget)
	flag("INCLUDE_MEMORY", &cfg.Bot.IncludeMemory)
	dur("ASK_COOLDOWN", &cfg.Bot.AskCooldown)
	num("MAX_CONCURRENT", &cfg.Bot.MaxConcurrent)

	str("BACKUP_SCHEDULE", &cfg.Ledger.BackupSchedule)
	num("BACKUP_COUNT", &cfg.Ledger.BackupCount)

	return firstErr
}

// appendKeys appends comma separated keys, skipping blanks and duplicates
func appendKeys(keys []string, raw string) []string {
	for _, k := range strings.Split(raw, ",") {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		dup := false
		for _, existing := range keys {
			if existing == k {
				dup = true
				break
			}
		}
		if !dup {
			keys = append(keys, k)
		}
	}
	return keys
}

func parseIntList(raw string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid cause %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}

// Validate reports configuration that makes startup impossible
func (c *Config) Validate() error {
	if c.HTTP.Listen == "" && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		return fmt.Errorf("http port %d out of range", c.HTTP.Port)
	}
	if c.Bot.CommandPrefix == "" {
		return fmt.Errorf("command prefix must not be empty")
	}
	if c.FreeCredits() < 0 {
		return fmt.Errorf("free credits must be >= 0")
	}
	if c.Bot.DefaultGrant < 0 {
		return fmt.Errorf("default grant must be >= 0")
	}
	if c.WhatsApp.RetryDelay <= 0 || c.WhatsApp.WipeDelay <= 0 {
		return fmt.Errorf("reconnect delays must be positive")
	}
	if c.WhatsApp.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	for _, r := range c.WhatsApp.PairPhone {
		if r < '0' || r > '9' {
			return fmt.Errorf("pair phone must contain digits only (country code, no +)")
		}
	}
	switch c.LLM.Driver {
	case "gemini", "anthropic", "openai":
	default:
		return fmt.Errorf("unknown llm driver %q", c.LLM.Driver)
	}
	return nil
}

// ListenAddr returns the status page listen address
func (c *Config) ListenAddr() string {
	if c.HTTP.Listen != "" {
		return c.HTTP.Listen
	}
	return fmt.Sprintf(":%d", c.HTTP.Port)
}

// FreeCredits returns the lazily granted balance for new users
func (c *Config) FreeCredits() int {
	if c.Bot.FreeCredits == nil {
		return 1
	}
	return *c.Bot.FreeCredits
}

// TerminalQR reports whether pending QR codes are rendered on stdout
func (c *Config) TerminalQR() bool {
	return c.WhatsApp.TerminalQR == nil || *c.WhatsApp.TerminalQR
}

// NotifyCreditTarget reports whether grant targets receive a notification
func (c *Config) NotifyCreditTarget() bool {
	return c.Bot.NotifyCreditTarget == nil || *c.Bot.NotifyCreditTarget
}

// IncludeMemory reports whether ask prompts carry the knowledge base
func (c *Config) IncludeMemory() bool {
	return c.Bot.IncludeMemory == nil || *c.Bot.IncludeMemory
}

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }
