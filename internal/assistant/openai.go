package assistant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI is a Provider backed by the chat completions API.
type OpenAI struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAI creates a provider for apiKey.
func NewOpenAI(apiKey, model string, maxTokens int) *OpenAI {
	return newOpenAI(openai.DefaultConfig(apiKey), model, maxTokens)
}

func newOpenAI(cfg openai.ClientConfig, model string, maxTokens int) *OpenAI {
	if model == "" {
		model = openai.GPT3Dot5Turbo
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model, maxTokens: maxTokens}
}

// Complete sends turns and returns the first choice's text.
func (o *OpenAI) Complete(ctx context.Context, turns []Turn) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: string(t.Role), Content: t.Content})
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     o.model,
		Messages:  msgs,
		MaxTokens: o.maxTokens,
	})
	if err != nil {
		if isQuota(err) {
			return "", fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		}
		return "", fmt.Errorf("assistant: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func isQuota(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests ||
			apiErr.Code == "insufficient_quota" ||
			apiErr.Type == "insufficient_quota"
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}
