package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	. "github.com/roelfdiedericks/askbot/internal/logging"
)

// AnthropicProvider talks to the Anthropic Messages API
type AnthropicProvider struct {
	cfg    ProviderConfig
	client anthropic.Client
}

// NewAnthropic creates an Anthropic provider
func NewAnthropic(cfg ProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	L_debug("llm: anthropic provider ready", "name", cfg.Name, "model", cfg.Model)
	return &AnthropicProvider{cfg: cfg, client: anthropic.NewClient(opts...)}, nil
}

// Name implements Provider
func (p *AnthropicProvider) Name() string {
	return p.cfg.Name
}

// Complete implements Provider
func (p *AnthropicProvider) Complete(ctx context.Context, prompt, system string) (string, error) {
	ctx, cancel := p.cfg.withTimeout(ctx)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		MaxTokens: int64(p.cfg.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", NewProviderError(p.cfg.Name, err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", &ProviderError{Provider: p.cfg.Name, Type: ErrorTypeEmpty, Err: errEmptyResponse}
	}
	return text, nil
}
