package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/vitwit/x402-gate/types"
)

// OpenAI serves chat completions through the OpenAI API.
type OpenAI struct {
	client *openai.Client
}

func NewOpenAI(cfg types.ProviderConfig, httpClient *http.Client) *OpenAI {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if httpClient != nil {
		config.HTTPClient = httpClient
	}
	return &OpenAI{client: openai.NewClientWithConfig(config)}
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Complete(ctx context.Context, model, input string) (*Completion, error) {
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: input},
		},
	}
	// Reasoning models reject temperature and max_tokens.
	if strings.HasPrefix(model, "o1") {
		req.MaxCompletionTokens = MaxOutputUnits
	} else {
		req.MaxTokens = MaxOutputUnits
		req.Temperature = 0.7
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, &APIError{Provider: p.Name(), StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
		}
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai returned no choices")
	}

	return &Completion{
		Content:     resp.Choices[0].Message.Content,
		InputUnits:  int64(resp.Usage.PromptTokens),
		OutputUnits: int64(resp.Usage.CompletionTokens),
	}, nil
}
