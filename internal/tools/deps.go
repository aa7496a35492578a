package tools

import (
	"os/exec"

	"github.com/timmy/clipforge/internal/config"
)

// Dependency is the availability of one external binary.
type Dependency struct {
	Name     string `json:"name"`
	Command  string `json:"command"`
	Found    bool   `json:"found"`
	Path     string `json:"path,omitempty"`
	Required bool   `json:"required"`
}

// CheckDependencies reports which configured binaries can be found on PATH.
// whisper-cli is only required when the whisper transcription provider is selected.
func CheckDependencies(cfg *config.Config) []Dependency {
	deps := []Dependency{
		{Name: "yt-dlp", Command: cfg.Tools.YTDLPPath, Required: true},
		{Name: "ffmpeg", Command: cfg.Tools.FFmpegPath, Required: true},
		{Name: "ffprobe", Command: cfg.Tools.FFprobePath, Required: true},
		{Name: "whisper", Command: cfg.Transcribe.WhisperPath, Required: cfg.Transcribe.Provider != "openai"},
	}
	for i := range deps {
		if path, err := exec.LookPath(deps[i].Command); err == nil {
			deps[i].Found = true
			deps[i].Path = path
		}
	}
	return deps
}

// MissingRequired returns the names of required binaries that were not found.
func MissingRequired(deps []Dependency) []string {
	var missing []string
	for _, d := range deps {
		if d.Required && !d.Found {
			missing = append(missing, d.Name)
		}
	}
	return missing
}
