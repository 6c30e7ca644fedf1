// Package llm provides the completion providers behind the ask command.
package llm

import (
	"context"
	"time"
)

// Provider produces a completion for a single prompt
type Provider interface {
	// Name identifies the provider (and credential) in logs
	Name() string
	// Complete returns the model's answer to prompt. system may be empty.
	Complete(ctx context.Context, prompt, system string) (string, error)
}

// ProviderConfig configures one driver instance
type ProviderConfig struct {
	Name      string
	Model     string
	BaseURL   string
	APIKey    string
	MaxTokens int
	Timeout   time.Duration // per request; 0 means no limit
}

// withTimeout applies cfg.Timeout to ctx
func (cfg ProviderConfig) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cfg.Timeout)
}

// Default models per driver
const (
	DefaultGeminiModel    = "gemini-flash-latest"
	DefaultAnthropicModel = "claude-3-5-haiku-latest"
	DefaultOpenAIModel    = "gpt-4o-mini"
)
