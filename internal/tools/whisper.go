package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/timmy/clipforge/internal/domain"
)

// WhisperCLI transcribes audio with the whisper.cpp command line tool.
type WhisperCLI struct {
	bin      string
	model    string
	language string
	timeout  time.Duration
	runner   Runner
}

// NewWhisperCLI creates a whisper.cpp transcriber. model is a ggml model file
// path or a model name such as "base.en", resolved to models/ggml-<name>.bin.
func NewWhisperCLI(bin, model, language string, timeout time.Duration, runner Runner) *WhisperCLI {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &WhisperCLI{
		bin:      bin,
		model:    resolveWhisperModel(model),
		language: language,
		timeout:  timeout,
		runner:   runner,
	}
}

func resolveWhisperModel(model string) string {
	if strings.HasSuffix(model, ".bin") || strings.ContainsRune(model, os.PathSeparator) {
		return model
	}
	return filepath.Join("models", "ggml-"+model+".bin")
}

// whisperOutput is the subset of whisper.cpp's -oj output that is used.
type whisperOutput struct {
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

// Transcribe runs whisper.cpp on audioPath and returns segments with offsets in seconds.
func (w *WhisperCLI) Transcribe(ctx context.Context, audioPath string) (domain.TranscriptSegments, error) {
	if err := requireFile("whisper", audioPath); err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(audioPath, filepath.Ext(audioPath))
	jsonPath := prefix + ".json"
	defer os.Remove(jsonPath)

	args := []string{"-m", w.model, "-f", audioPath, "-oj", "-of", prefix, "-np"}
	if w.language != "" {
		args = append(args, "-l", w.language)
	}
	if _, err := runTool(ctx, w.runner, "whisper", w.timeout, w.bin, args...); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, domain.NewToolError("whisper", "read transcript output", err)
	}
	return parseWhisperJSON(raw)
}

func parseWhisperJSON(raw []byte) (domain.TranscriptSegments, error) {
	var out whisperOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, domain.NewPermanentToolError("whisper", "unreadable transcript output", err)
	}
	segments := make(domain.TranscriptSegments, 0, len(out.Transcription))
	for _, item := range out.Transcription {
		text := strings.TrimSpace(item.Text)
		if text == "" {
			continue
		}
		segments = append(segments, domain.TranscriptSegment{
			Start: float64(item.Offsets.From) / 1000,
			End:   float64(item.Offsets.To) / 1000,
			Text:  text,
		})
	}
	return segments, nil
}
