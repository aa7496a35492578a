package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/clipforge/internal/domain"
	"github.com/timmy/clipforge/internal/prompts"
)

// OpenAICompatible generates clip metadata through an OpenAI-compatible chat completions endpoint.
type OpenAICompatible struct {
	client    *resty.Client
	model     string
	endpoint  string
	maxTokens int
}

// NewOpenAICompatible creates a metadata generator.
// Parameters:
//   - apiKey: bearer token for the endpoint.
//   - baseURL: API root; empty uses https://api.openai.com/v1.
//   - model: chat model name.
//   - maxTokens: transcript token budget.
//   - timeout: per-request timeout.
// Returns:
//   - *OpenAICompatible: initialized generator.
func NewOpenAICompatible(apiKey, baseURL, model string, maxTokens int, timeout time.Duration) *OpenAICompatible {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+apiKey)
	client.SetHeader("Content-Type", "application/json")
	if timeout > 0 {
		client.SetTimeout(timeout)
	}

	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &OpenAICompatible{
		client:    client,
		model:     model,
		endpoint:  baseURL + "/chat/completions",
		maxTokens: maxTokens,
	}
}

// Model returns the model identifier.
func (o *OpenAICompatible) Model() string {
	return o.model
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// GenerateMetadata sends the transcript to the chat endpoint and parses the JSON reply.
func (o *OpenAICompatible) GenerateMetadata(ctx context.Context, transcript string) (*GeneratedMetadata, error) {
	req := chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompts.MetadataSystemPrompt},
			{Role: "user", Content: prompts.MetadataUserPrompt(TruncateTokens(transcript, o.maxTokens))},
		},
		MaxTokens:      400,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	var resp chatResponse
	httpResp, err := o.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&resp).
		Post(o.endpoint)
	if err != nil {
		return nil, domain.NewToolError("openai-metadata", "request failed", err)
	}

	if code := httpResp.StatusCode(); code < 200 || code >= 300 {
		msg := fmt.Sprintf("HTTP %d: %s", code, truncate(string(httpResp.Body()), 300))
		if resp.Error != nil {
			msg = fmt.Sprintf("HTTP %d: %s", code, resp.Error.Message)
		}
		// 4xx other than rate limiting will not succeed on retry
		if code >= 400 && code < 500 && code != 429 {
			return nil, domain.NewPermanentToolError("openai-metadata", msg, nil)
		}
		return nil, domain.NewToolError("openai-metadata", msg, nil)
	}
	if len(resp.Choices) == 0 {
		return nil, domain.NewToolError("openai-metadata", "no choices in response", nil)
	}
	return parseMetadataReply("openai-metadata", resp.Choices[0].Message.Content)
}
