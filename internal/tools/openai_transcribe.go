package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/timmy/clipforge/internal/domain"
)

// OpenAITranscriber transcribes audio through the OpenAI audio transcription API
// or any server implementing it.
type OpenAITranscriber struct {
	client   openai.Client
	model    string
	language string
	timeout  time.Duration
}

// NewOpenAITranscriber creates a transcriber. An empty baseURL uses the OpenAI default.
func NewOpenAITranscriber(apiKey, baseURL, model, language string, timeout time.Duration) *OpenAITranscriber {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = string(openai.AudioModelWhisper1)
	}
	return &OpenAITranscriber{
		client:   openai.NewClient(opts...),
		model:    model,
		language: language,
		timeout:  timeout,
	}
}

type verboseTranscription struct {
	Text     string `json:"text"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// Transcribe uploads audioPath and returns the segment-level transcript.
func (o *OpenAITranscriber) Transcribe(ctx context.Context, audioPath string) (domain.TranscriptSegments, error) {
	if err := requireFile("openai-transcribe", audioPath); err != nil {
		return nil, err
	}
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, domain.NewToolError("openai-transcribe", "open audio", err)
	}
	defer f.Close()

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	params := openai.AudioTranscriptionNewParams{
		File:                   f,
		Model:                  openai.AudioModel(o.model),
		ResponseFormat:         openai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []string{"segment"},
	}
	if o.language != "" {
		params.Language = openai.String(o.language)
	}

	var resp verboseTranscription
	if _, err := o.client.Audio.Transcriptions.New(ctx, params, option.WithResponseBodyInto(&resp)); err != nil {
		return nil, domain.NewToolError("openai-transcribe", fmt.Sprintf("transcription request failed for %s", audioPath), err)
	}

	segments := make(domain.TranscriptSegments, 0, len(resp.Segments))
	for _, seg := range resp.Segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			segments = append(segments, domain.TranscriptSegment{Start: seg.Start, End: seg.End, Text: text})
		}
	}
	if len(segments) == 0 && strings.TrimSpace(resp.Text) != "" {
		segments = append(segments, domain.TranscriptSegment{Text: strings.TrimSpace(resp.Text)})
	}
	return segments, nil
}
