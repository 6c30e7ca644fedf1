package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	. "github.com/roelfdiedericks/askbot/internal/logging"
)

var errEmptyResponse = errors.New("empty response")

// GeminiProvider talks to the Gemini API through google.golang.org/genai
type GeminiProvider struct {
	cfg    ProviderConfig
	client *genai.Client
}

// NewGemini creates a Gemini provider. No request is made until Complete.
func NewGemini(ctx context.Context, cfg ProviderConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	L_debug("llm: gemini provider ready", "name", cfg.Name, "model", cfg.Model)
	return &GeminiProvider{cfg: cfg, client: client}, nil
}

// Name implements Provider
func (p *GeminiProvider) Name() string {
	return p.cfg.Name
}

// Complete implements Provider
func (p *GeminiProvider) Complete(ctx context.Context, prompt, system string) (string, error) {
	ctx, cancel := p.cfg.withTimeout(ctx)
	defer cancel()

	gc := &genai.GenerateContentConfig{}
	if p.cfg.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(p.cfg.MaxTokens)
	}
	if system != "" {
		gc.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.cfg.Model, genai.Text(prompt), gc)
	if err != nil {
		return "", NewProviderError(p.cfg.Name, err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", &ProviderError{Provider: p.cfg.Name, Type: ErrorTypeEmpty, Err: errEmptyResponse}
	}
	return text, nil
}
