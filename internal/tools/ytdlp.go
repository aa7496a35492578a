package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/timmy/clipforge/internal/domain"
	"github.com/timmy/clipforge/internal/logger"
)

// maxTitleBytes bounds the title part of a job's download directory name.
const maxTitleBytes = 60

// YTDLP downloads source videos with yt-dlp.
type YTDLP struct {
	bin         string
	downloadDir string
	timeout     time.Duration
	prober      DurationProber
	runner      Runner
}

// NewYTDLP creates a downloader writing under downloadDir. prober reads the
// duration of the downloaded file.
func NewYTDLP(bin, downloadDir string, timeout time.Duration, prober DurationProber, runner Runner) *YTDLP {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &YTDLP{
		bin:         bin,
		downloadDir: downloadDir,
		timeout:     timeout,
		prober:      prober,
		runner:      runner,
	}
}

type videoInfo struct {
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
}

// Download fetches req.URL at req.Resolution into
// <downloadDir>/video_<job>_<title>/video_<resolution>.mp4.
// A per-job file lock keeps two workers from downloading the same job at once.
// With SkipIfExists an earlier download of the job is reused without
// contacting the source; the result then carries no title.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: source URL, resolution and job identity.
// Returns:
//   - *DownloadResult: local path, title and probed duration.
//   - error: ToolError if yt-dlp or the probe fails.
func (y *YTDLP) Download(ctx context.Context, req DownloadRequest) (*DownloadResult, error) {
	if err := os.MkdirAll(y.downloadDir, 0755); err != nil {
		return nil, domain.NewPermanentToolError("yt-dlp", "create download directory", err)
	}

	lock := flock.New(filepath.Join(y.downloadDir, fmt.Sprintf(".video_%s.lock", req.JobID)))
	locked, err := lock.TryLockContext(ctx, 500*time.Millisecond)
	if err != nil {
		return nil, domain.NewToolError("yt-dlp", "acquire download lock", err)
	}
	if !locked {
		return nil, domain.NewToolError("yt-dlp", "download lock busy", nil)
	}
	defer lock.Unlock()

	var (
		result *DownloadResult
		info   = &videoInfo{}
	)
	if existing := y.existingDownload(req); req.SkipIfExists && existing != "" {
		logger.CtxInfo(ctx, "Source already present at %s, skipping download", existing)
		result = &DownloadResult{FilePath: existing, Skipped: true}
	} else {
		result, info, err = y.fetch(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	duration, err := y.prober.ProbeDuration(ctx, result.FilePath)
	if err != nil {
		if info.Duration <= 0 {
			return nil, err
		}
		logger.CtxWarn(ctx, "ffprobe failed, using reported duration %.2fs: %v", info.Duration, err)
		duration = info.Duration
	}
	result.DurationSeconds = duration
	return result, nil
}

// existingDownload returns the non-empty file an earlier download of the job
// left for req.Resolution, or "".
func (y *YTDLP) existingDownload(req DownloadRequest) string {
	pattern := filepath.Join(y.downloadDir, fmt.Sprintf("video_%s_*", req.JobID), resolutionFile(req.Resolution))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return ""
	}
	for _, m := range matches {
		if fileHasContent(m) {
			return m
		}
	}
	return ""
}

// fetch runs a single yt-dlp call into a staging directory and moves the
// result to the title-named job directory once the title is known.
func (y *YTDLP) fetch(ctx context.Context, req DownloadRequest) (*DownloadResult, *videoInfo, error) {
	staging := filepath.Join(y.downloadDir, fmt.Sprintf(".video_%s.partial", req.JobID))
	if err := os.RemoveAll(staging); err != nil {
		return nil, nil, domain.NewPermanentToolError("yt-dlp", "clear staging directory", err)
	}
	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, nil, domain.NewPermanentToolError("yt-dlp", "create staging directory", err)
	}
	staged := filepath.Join(staging, resolutionFile(req.Resolution))

	out, err := runTool(ctx, y.runner, "yt-dlp", y.timeout, y.bin,
		"--no-playlist",
		"--newline",
		"--no-progress",
		"-f", formatSelector(req.Resolution),
		"--merge-output-format", "mp4",
		"-o", staged,
		"--print-json",
		req.URL,
	)
	if err != nil {
		return nil, nil, err
	}
	if !fileHasContent(staged) {
		return nil, nil, domain.NewToolError("yt-dlp", fmt.Sprintf("no output file at %s", staged), nil)
	}
	info, err := parseVideoInfo(out)
	if err != nil {
		return nil, nil, err
	}

	dir := filepath.Join(y.downloadDir, fmt.Sprintf("video_%s_%s", req.JobID,
		SanitizeFilename(info.Title, maxTitleBytes, "untitled")))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, domain.NewPermanentToolError("yt-dlp", "create job directory", err)
	}
	target := filepath.Join(dir, resolutionFile(req.Resolution))
	if err := os.Rename(staged, target); err != nil {
		return nil, nil, domain.NewToolError("yt-dlp", "move download into job directory", err)
	}
	if err := os.RemoveAll(staging); err != nil {
		logger.CtxWarn(ctx, "Failed to remove staging directory %s: %v", staging, err)
	}
	return &DownloadResult{FilePath: target, Title: info.Title}, info, nil
}

// parseVideoInfo reads the info object --print-json writes as the last JSON
// line of stdout.
func parseVideoInfo(out []byte) (*videoInfo, error) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var info videoInfo
		if err := json.Unmarshal([]byte(line), &info); err != nil {
			return nil, domain.NewPermanentToolError("yt-dlp", "unreadable video info", err)
		}
		return &info, nil
	}
	return nil, domain.NewPermanentToolError("yt-dlp", "no video info in output", nil)
}

func resolutionFile(resolution string) string {
	return fmt.Sprintf("video_%s.mp4", resolution)
}

// formatSelector maps a resolution label to a yt-dlp format expression.
func formatSelector(resolution string) string {
	height := strings.TrimSuffix(resolution, "p")
	if resolution == "" || resolution == "best" || height == resolution {
		return "bestvideo+bestaudio/best"
	}
	return fmt.Sprintf("bestvideo[height<=%s]+bestaudio/best[height<=%s]", height, height)
}

func fileHasContent(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}
