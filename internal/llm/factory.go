package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/roelfdiedericks/askbot/internal/config"
	. "github.com/roelfdiedericks/askbot/internal/logging"
)

// New builds the provider for cfg: one driver instance per API key, wrapped
// in a Rotation. Returns ErrNotConfigured when no key is available.
func New(ctx context.Context, cfg config.LLMConfig) (Provider, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "gemini"
	}

	keys := make([]string, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	// local openai-compatible servers don't need a key
	if len(keys) == 0 && driver == "openai" && cfg.BaseURL != "" {
		keys = []string{""}
	}
	if len(keys) == 0 {
		return nil, ErrNotConfigured
	}

	providers := make([]Provider, 0, len(keys))
	for i, key := range keys {
		pc := ProviderConfig{
			Name:      fmt.Sprintf("%s#%d", driver, i+1),
			Model:     cfg.Model,
			BaseURL:   cfg.BaseURL,
			APIKey:    key,
			MaxTokens: cfg.MaxTokens,
			Timeout:   cfg.RequestTimeout.D(),
		}

		p, err := newDriver(ctx, driver, pc)
		if err != nil {
			return nil, fmt.Errorf("llm provider %s: %w", pc.Name, err)
		}
		providers = append(providers, p)
	}

	L_info("llm: provider configured", "driver", driver, "model", cfg.Model, "credentials", len(providers))
	return NewRotation(driver, providers...), nil
}

func newDriver(ctx context.Context, driver string, pc ProviderConfig) (Provider, error) {
	switch driver {
	case "gemini":
		return NewGemini(ctx, pc)
	case "anthropic":
		return NewAnthropic(pc)
	case "openai":
		return NewOpenAI(pc)
	default:
		return nil, fmt.Errorf("unknown driver %q", driver)
	}
}
