package tools

import (
	"context"
	"fmt"

	"github.com/timmy/clipforge/internal/config"
)

// NewToolset wires the external tools selected by configuration.
// Parameters:
//   - ctx: context for client initialization.
//   - cfg: application configuration.
// Returns:
//   - *Toolset: tools backed by local binaries and the configured AI providers.
//   - error: non-nil if a provider is unknown or cannot be initialized.
func NewToolset(ctx context.Context, cfg *config.Config) (*Toolset, error) {
	runner := ExecRunner{}
	ff := NewFFmpeg(cfg.Tools.FFmpegPath, cfg.Tools.FFprobePath, cfg.Clip.EditMethod, cfg.Tools.FFmpegTimeout, runner)

	var transcriber Transcriber
	switch cfg.Transcribe.Provider {
	case "whisper", "":
		transcriber = NewWhisperCLI(cfg.Transcribe.WhisperPath, cfg.Transcribe.WhisperModel,
			cfg.Transcribe.Language, cfg.Tools.TranscribeTimeout, runner)
	case "openai":
		transcriber = NewOpenAITranscriber(cfg.Transcribe.APIKey, cfg.Transcribe.BaseURL,
			cfg.Transcribe.OpenAIModel, cfg.Transcribe.Language, cfg.Tools.TranscribeTimeout)
	default:
		return nil, fmt.Errorf("unsupported transcribe provider %q", cfg.Transcribe.Provider)
	}

	var generator MetadataGenerator
	switch cfg.Metadata.Provider {
	case "gemini", "":
		g, err := NewGemini(ctx, cfg.Metadata.Gemini.APIKey, cfg.Metadata.Gemini.BaseURL,
			cfg.Metadata.Gemini.Model, cfg.Metadata.MaxTranscriptTokens, cfg.Tools.MetadataTimeout)
		if err != nil {
			return nil, fmt.Errorf("init gemini: %w", err)
		}
		generator = g
	case "openai":
		generator = NewOpenAICompatible(cfg.Metadata.OpenAI.APIKey, cfg.Metadata.OpenAI.BaseURL,
			cfg.Metadata.OpenAI.Model, cfg.Metadata.MaxTranscriptTokens, cfg.Tools.MetadataTimeout)
	default:
		return nil, fmt.Errorf("unsupported metadata provider %q", cfg.Metadata.Provider)
	}

	return &Toolset{
		Downloader:  NewYTDLP(cfg.Tools.YTDLPPath, cfg.Paths.DownloadDir, cfg.Tools.DownloadTimeout, ff, runner),
		Cutter:      ff,
		Editor:      ff,
		Audio:       ff,
		Transcriber: transcriber,
		Metadata:    generator,
	}, nil
}
