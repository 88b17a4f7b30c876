package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/vitwit/x402-gate/types"
	"google.golang.org/genai"
)

// Google serves completions through the Gemini generateContent API.
type Google struct {
	client *genai.Client
}

func NewGoogle(ctx context.Context, cfg types.ProviderConfig, httpClient *http.Client) (*Google, error) {
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = strings.TrimRight(cfg.BaseURL, "/") + "/"
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}
	return &Google{client: client}, nil
}

func (p *Google) Name() string { return "google" }

func (p *Google) Complete(ctx context.Context, model, input string) (*Completion, error) {
	resp, err := p.client.Models.GenerateContent(ctx, model, genai.Text(input), &genai.GenerateContentConfig{
		MaxOutputTokens: MaxOutputUnits,
	})
	if err != nil {
		return nil, fmt.Errorf("google request failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, errors.New("google returned no candidates")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			text.WriteString(part.Text)
		}
	}

	out := &Completion{Content: text.String()}
	if u := resp.UsageMetadata; u != nil {
		out.InputUnits = int64(u.PromptTokenCount)
		out.OutputUnits = int64(u.CandidatesTokenCount)
	}
	return out, nil
}
