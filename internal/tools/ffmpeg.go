package tools

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/timmy/clipforge/internal/domain"
)

// aspectTolerance is how close a clip's aspect ratio must be to the target to skip editing.
const aspectTolerance = 0.01

// FFmpeg implements clip cutting, editing, audio extraction and duration probing.
type FFmpeg struct {
	ffmpeg     string
	ffprobe    string
	editMethod string
	timeout    time.Duration
	runner     Runner
}

// NewFFmpeg creates an FFmpeg tool. editMethod is "crop" (center crop) or "resize" (scale and pad).
func NewFFmpeg(ffmpegPath, ffprobePath, editMethod string, timeout time.Duration, runner Runner) *FFmpeg {
	if runner == nil {
		runner = ExecRunner{}
	}
	if editMethod == "" {
		editMethod = "crop"
	}
	return &FFmpeg{
		ffmpeg:     ffmpegPath,
		ffprobe:    ffprobePath,
		editMethod: editMethod,
		timeout:    timeout,
		runner:     runner,
	}
}

// CutClip re-encodes the [start, end] range of src into dst.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - src: source video path.
//   - dst: output clip path; parent directories are created.
//   - start: range start in seconds.
//   - end: range end in seconds.
// Returns:
//   - error: ToolError on invalid range or ffmpeg failure.
func (f *FFmpeg) CutClip(ctx context.Context, src, dst string, start, end float64) error {
	if end <= start {
		return domain.NewPermanentToolError("ffmpeg", fmt.Sprintf("invalid clip range %.3f-%.3f", start, end), nil)
	}
	if err := requireFile("ffmpeg", src); err != nil {
		return err
	}

	return f.writeAtomically(ctx, dst, func(tmp string) []string {
		return []string{
			"-y",
			"-ss", formatSeconds(start),
			"-to", formatSeconds(end),
			"-i", src,
			"-c:v", "libx264",
			"-preset", "medium",
			"-crf", "23",
			"-pix_fmt", "yuv420p",
			"-c:a", "aac",
			"-b:a", "128k",
			"-movflags", "+faststart",
			tmp,
		}
	})
}

// EditClip reformats src to aspectRatio (width/height) and writes dst. When src
// already has the target ratio it is copied unchanged, so repeated edits of the
// same file are no-ops.
func (f *FFmpeg) EditClip(ctx context.Context, src, dst string, aspectRatio float64) error {
	if aspectRatio <= 0 {
		return domain.NewPermanentToolError("ffmpeg", fmt.Sprintf("invalid aspect ratio %v", aspectRatio), nil)
	}
	if err := requireFile("ffmpeg", src); err != nil {
		return err
	}

	w, h, err := f.probeDimensions(ctx, src)
	if err != nil {
		return err
	}
	filter, ok := editFilter(f.editMethod, w, h, aspectRatio)
	if !ok {
		if src == dst {
			return nil
		}
		return copyFile(src, dst)
	}

	return f.writeAtomically(ctx, dst, func(tmp string) []string {
		return []string{
			"-y",
			"-i", src,
			"-vf", filter,
			"-c:v", "libx264",
			"-preset", "medium",
			"-crf", "23",
			"-pix_fmt", "yuv420p",
			"-c:a", "copy",
			"-movflags", "+faststart",
			tmp,
		}
	})
}

// editFilter returns the ffmpeg video filter that converts a w x h frame to
// target, or false when the frame already matches.
func editFilter(method string, w, h int, target float64) (string, bool) {
	current := float64(w) / float64(h)
	if math.Abs(current-target) < aspectTolerance {
		return "", false
	}

	if method == "resize" {
		// scale to fit inside the target frame, then pad to it
		outW, outH := w, h
		if current > target {
			outH = even(float64(w) / target)
		} else {
			outW = even(float64(h) * target)
		}
		return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
			outW, outH, outW, outH), true
	}

	cropW, cropH := w, h
	x, y := 0, 0
	if current > target {
		cropW = even(float64(h) * target)
		x = (w - cropW) / 2
	} else {
		cropH = even(float64(w) / target)
		y = (h - cropH) / 2
	}
	return fmt.Sprintf("crop=%d:%d:%d:%d", cropW, cropH, x, y), true
}

// ExtractAudio writes the audio track of src to dst as 16 kHz mono PCM WAV.
func (f *FFmpeg) ExtractAudio(ctx context.Context, src, dst string) error {
	if err := requireFile("ffmpeg", src); err != nil {
		return err
	}
	return f.writeAtomically(ctx, dst, func(tmp string) []string {
		return []string{
			"-y",
			"-i", src,
			"-vn",
			"-acodec", "pcm_s16le",
			"-ar", "16000",
			"-ac", "1",
			tmp,
		}
	})
}

// ProbeDuration returns the container duration of path in seconds.
func (f *FFmpeg) ProbeDuration(ctx context.Context, path string) (float64, error) {
	out, err := runTool(ctx, f.runner, "ffprobe", f.timeout, f.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, err
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || duration <= 0 {
		return 0, domain.NewPermanentToolError("ffprobe", fmt.Sprintf("unreadable duration %q", strings.TrimSpace(string(out))), err)
	}
	return duration, nil
}

func (f *FFmpeg) probeDimensions(ctx context.Context, path string) (int, int, error) {
	out, err := runTool(ctx, f.runner, "ffprobe", f.timeout, f.ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "csv=s=x:p=0",
		path,
	)
	if err != nil {
		return 0, 0, err
	}
	var w, h int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%dx%d", &w, &h); err != nil || w <= 0 || h <= 0 {
		return 0, 0, domain.NewPermanentToolError("ffprobe", fmt.Sprintf("unreadable dimensions %q", strings.TrimSpace(string(out))), err)
	}
	return w, h, nil
}

// writeAtomically runs ffmpeg into a temporary sibling of dst and renames it
// into place on success, so dst never holds a partial file.
func (f *FFmpeg) writeAtomically(ctx context.Context, dst string, args func(tmp string) []string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return domain.NewPermanentToolError("ffmpeg", "create output directory", err)
	}
	ext := filepath.Ext(dst)
	tmp := strings.TrimSuffix(dst, ext) + ".part" + ext
	defer os.Remove(tmp)

	if _, err := runTool(ctx, f.runner, "ffmpeg", f.timeout, f.ffmpeg, args(tmp)...); err != nil {
		return err
	}
	if err := requireFile("ffmpeg", tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return domain.NewToolError("ffmpeg", "move output into place", err)
	}
	return nil
}

// requireFile fails with a permanent ToolError unless path is a non-empty file.
func requireFile(tool, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return domain.NewPermanentToolError(tool, fmt.Sprintf("input file not found: %s", path), nil)
	}
	if info.IsDir() || info.Size() == 0 {
		return domain.NewPermanentToolError(tool, fmt.Sprintf("input file is empty: %s", path), nil)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return domain.NewToolError("ffmpeg", "open source", err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return domain.NewPermanentToolError("ffmpeg", "create output directory", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return domain.NewToolError("ffmpeg", "create output", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return domain.NewToolError("ffmpeg", "copy clip", err)
	}
	return out.Close()
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

// even rounds v down to an even pixel count, as libx264 with yuv420p requires.
func even(v float64) int {
	n := int(v)
	return n - n%2
}
