package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/timmy/clipforge/internal/domain"
	"github.com/timmy/clipforge/internal/service"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 14
	statusIndent     = "  "
)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

// kindForView maps a derived job status class onto a status line kind.
func kindForView(view service.JobView) statusKind {
	switch view.StatusClass {
	case service.StatusClassComplete:
		return statusOK
	case service.StatusClassError:
		return statusError
	case service.StatusClassRunning, service.StatusClassProcessing:
		return statusWarn
	default:
		return statusInfo
	}
}

func kindForClip(status domain.ClipStatus) statusKind {
	switch status {
	case domain.ClipStatusCompleted:
		return statusOK
	case domain.ClipStatusFailed:
		return statusError
	case domain.ClipStatusQueued:
		return statusInfo
	default:
		return statusWarn
	}
}

func jobLines(detail *service.JobDetail, colorize bool) []string {
	job := detail.Job
	message := detail.View.Status
	if detail.View.StepLabel != "" {
		message += " (" + detail.View.StepLabel + ")"
	}
	lines := []string{
		renderStatusLine("Job", kindForView(detail.View), message, colorize),
		fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "ID:", job.ID),
		fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Source:", job.SourceURL),
	}
	if job.Title != "" {
		lines = append(lines, fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Title:", job.Title))
	}
	if job.DurationSeconds > 0 {
		lines = append(lines, fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Duration:", formatClock(job.DurationSeconds)))
	}
	if detail.LatestRun != nil {
		run := detail.LatestRun
		kind := statusInfo
		switch run.Status {
		case domain.AgentRunSuccess:
			kind = statusOK
		case domain.AgentRunFailed:
			kind = statusError
		case domain.AgentRunRunning:
			kind = statusWarn
		}
		msg := fmt.Sprintf("%s %s (attempt %d)", run.AgentType, run.Status, run.Attempt)
		lines = append(lines, renderStatusLine("Latest run", kind, msg, colorize))
	}
	if b := detail.LastBatch; b != nil {
		kind := statusOK
		if b.Failed > 0 {
			kind = statusError
		}
		lines = append(lines, renderStatusLine("Last batch", kind, b.Summary(), colorize))
	}
	return lines
}

func clipRows(clips []service.ClipView, colorize bool) [][]string {
	rows := make([][]string, 0, len(clips))
	for _, c := range clips {
		status := string(c.Status)
		if colorize {
			status = statusKindColor(kindForClip(c.Status)) + status + ansiReset
		}
		detail := ""
		switch {
		case c.ErrorMessage != nil:
			detail = *c.ErrorMessage
		case c.Metadata != nil && c.Metadata.Title != "":
			detail = c.Metadata.Title
		case c.URL != "":
			detail = c.URL
		}
		rows = append(rows, []string{
			shortID(c.ID),
			formatClock(c.StartTime) + "-" + formatClock(c.EndTime),
			string(c.Intent),
			status,
			truncate(detail, 60),
		})
	}
	return rows
}

// formatClock renders seconds as H:MM:SS or M:SS.
func formatClock(seconds float64) string {
	total := int(math.Round(seconds))
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
