package tools

import (
	"context"

	"github.com/timmy/clipforge/internal/domain"
)

// DownloadRequest describes one source acquisition.
type DownloadRequest struct {
	JobID      string
	URL        string
	Resolution string
	// SkipIfExists returns the existing file instead of downloading again.
	SkipIfExists bool
}

// DownloadResult describes the acquired source file.
type DownloadResult struct {
	FilePath        string
	Title           string
	DurationSeconds float64
	Skipped         bool
}

// GeneratedMetadata is the title, description and keywords produced for a clip.
type GeneratedMetadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
}

// Downloader acquires a source video.
type Downloader interface {
	Download(ctx context.Context, req DownloadRequest) (*DownloadResult, error)
}

// ClipCutter extracts the [start, end] range of src into dst.
type ClipCutter interface {
	CutClip(ctx context.Context, src, dst string, start, end float64) error
}

// ClipEditor reformats a clip to a target aspect ratio. Editing an already
// reformatted clip leaves it unchanged.
type ClipEditor interface {
	EditClip(ctx context.Context, src, dst string, aspectRatio float64) error
}

// AudioExtractor writes the audio track of src to dst as 16 kHz mono WAV.
type AudioExtractor interface {
	ExtractAudio(ctx context.Context, src, dst string) error
}

// Transcriber turns an audio file into timed segments.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (domain.TranscriptSegments, error)
}

// MetadataGenerator produces clip metadata from transcript text.
type MetadataGenerator interface {
	GenerateMetadata(ctx context.Context, transcript string) (*GeneratedMetadata, error)
	Model() string
}

// DurationProber reads the duration of a media file in seconds.
type DurationProber interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// Toolset bundles the external capabilities used by the services.
type Toolset struct {
	Downloader  Downloader
	Cutter      ClipCutter
	Editor      ClipEditor
	Audio       AudioExtractor
	Transcriber Transcriber
	Metadata    MetadataGenerator
}
