package suggest

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiProvider generates suggestions with the Gemini API.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGemini creates the provider. model may be empty to use the default.
func NewGemini(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiProvider{client: client, model: model}, nil
}

// Name returns the provider identifier.
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// GenerateSuggestion produces a suggestion for the composed context window.
func (p *GeminiProvider) GenerateSuggestion(ctx context.Context, contextWindow string) (string, error) {
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(contextWindow), &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0.4),
		MaxOutputTokens: 256,
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return resp.Text(), nil
}
