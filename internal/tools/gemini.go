package tools

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/timmy/clipforge/internal/domain"
	"github.com/timmy/clipforge/internal/prompts"
	"google.golang.org/genai"
)

// Gemini generates clip metadata with the Gemini API.
type Gemini struct {
	client    *genai.Client
	model     string
	maxTokens int
	timeout   time.Duration
}

// NewGemini creates a Gemini metadata generator. maxTokens bounds the transcript sent.
func NewGemini(ctx context.Context, apiKey, baseURL, model string, maxTokens int, timeout time.Duration) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	return &Gemini{client: c, model: model, maxTokens: maxTokens, timeout: timeout}, nil
}

// Model returns the model identifier.
func (g *Gemini) Model() string {
	return g.model
}

// GenerateMetadata asks Gemini for a JSON title, description and keyword list.
func (g *Gemini) GenerateMetadata(ctx context.Context, transcript string) (*GeneratedMetadata, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	prompt := prompts.MetadataUserPrompt(TruncateTokens(transcript, g.maxTokens))
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(prompts.MetadataSystemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return nil, domain.NewToolError("gemini", "API call failed", err)
	}

	var reply strings.Builder
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part != nil {
				reply.WriteString(part.Text)
			}
		}
	}
	return parseMetadataReply("gemini", reply.String())
}
