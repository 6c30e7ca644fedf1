package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	. "github.com/roelfdiedericks/askbot/internal/logging"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint
type OpenAIProvider struct {
	cfg    ProviderConfig
	client *openai.Client
}

// NewOpenAI creates an OpenAI-compatible provider. The key may be empty
// for local servers when BaseURL is set.
func NewOpenAI(cfg ProviderConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai: API key required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "not-needed"
	}

	config := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		baseURL := cfg.BaseURL
		if !strings.HasSuffix(baseURL, "/v1") && !strings.HasSuffix(baseURL, "/v1/") {
			baseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
		}
		config.BaseURL = baseURL
	}

	L_debug("llm: openai provider ready", "name", cfg.Name, "model", cfg.Model, "baseURL", config.BaseURL)
	return &OpenAIProvider{cfg: cfg, client: openai.NewClientWithConfig(config)}, nil
}

// Name implements Provider
func (p *OpenAIProvider) Name() string {
	return p.cfg.Name
}

// Complete implements Provider
func (p *OpenAIProvider) Complete(ctx context.Context, prompt, system string) (string, error) {
	ctx, cancel := p.cfg.withTimeout(ctx)
	defer cancel()

	var messages []openai.ChatCompletionMessage
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:    p.cfg.Model,
		Messages: messages,
	}
	if p.cfg.MaxTokens > 0 {
		req.MaxTokens = p.cfg.MaxTokens
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", NewProviderError(p.cfg.Name, err)
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Provider: p.cfg.Name, Type: ErrorTypeEmpty, Err: errEmptyResponse}
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", &ProviderError{Provider: p.cfg.Name, Type: ErrorTypeEmpty, Err: errEmptyResponse}
	}
	return text, nil
}
