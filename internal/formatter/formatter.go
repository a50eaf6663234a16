// package formatter renders stored videos and sync history as JSON, CSV, Markdown or plain text
package formatter

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/desertthunder/ytsync/internal/models"
	"github.com/desertthunder/ytsync/internal/shared"
)

// Format names an output encoding.
type Format string

const (
	FormatText     Format = "txt"
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
	FormatMarkdown Format = "markdown"
)

// ParseFormat accepts a format name or a common alias ("md", "text").
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "txt", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	case "md", "markdown":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("%w: unknown format %q (want txt, json, csv or markdown)", shared.ErrInvalidFlag, s)
	}
}

// Extension is the file suffix for f.
func (f Format) Extension() string {
	if f == FormatMarkdown {
		return "md"
	}
	return string(f)
}

// ExportVideos renders videos in the given format. Title heads the Markdown and text forms.
func ExportVideos(f Format, title string, videos []models.Video) ([]byte, error) {
	switch f {
	case FormatJSON:
		return shared.MarshalJSON(videos, true)
	case FormatCSV:
		return VideosToCSV(videos)
	case FormatMarkdown:
		return VideosToMarkdown(title, videos), nil
	default:
		return VideosToText(title, videos), nil
	}
}

// VideosToCSV writes one row per video with columns: ExternalID, ChannelID, Title, Duration, Views, Published, URL
func VideosToCSV(videos []models.Video) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	headers := []string{"ExternalID", "ChannelID", "Title", "Duration", "Views", "Published", "URL"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, v := range videos {
		record := []string{
			v.ExternalID,
			v.ChannelID,
			v.Title,
			strconv.Itoa(v.Duration),
			strconv.FormatInt(v.ViewCount, 10),
			dateOrEmpty(v.PublishedAt),
			WatchURL(v),
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// VideosToMarkdown renders a heading, a count and a numbered list of linked titles.
func VideosToMarkdown(title string, videos []models.Video) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "# %s\n\n", title)
	fmt.Fprintf(&buf, "**Videos**: %d\n\n", len(videos))

	for i, v := range videos {
		published := ""
		if !v.PublishedAt.IsZero() {
			published = fmt.Sprintf(" (%s)", dateOrEmpty(v.PublishedAt))
		}
		fmt.Fprintf(&buf, "%d. [%s](%s) [%s]%s\n", i+1, v.Title, WatchURL(v), Clock(v.Duration), published)
	}

	return buf.Bytes()
}

// VideosToText renders a plain numbered list.
func VideosToText(title string, videos []models.Video) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "%s\n", title)
	fmt.Fprintf(&buf, "Videos: %d\n\n", len(videos))

	for i, v := range videos {
		fmt.Fprintf(&buf, "%d. %s [%s] %s\n", i+1, v.Title, Clock(v.Duration), v.ExternalID)
	}

	return buf.Bytes()
}

// runRow is the JSON shape of a history entry.
type runRow struct {
	ID          string     `json:"id"`
	Identity    string     `json:"identity"`
	Outcome     string     `json:"outcome"`
	Success     bool       `json:"success"`
	Cancelled   bool       `json:"cancelled"`
	Targets     int        `json:"targets"`
	Committed   int        `json:"committed"`
	RateLimited int        `json:"rate_limited"`
	Failed      int        `json:"failed"`
	Message     string     `json:"message"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

func toRunRow(r *models.SyncRun) runRow {
	return runRow{
		ID:          r.ID(),
		Identity:    r.Identity(),
		Outcome:     r.State(),
		Success:     r.Success(),
		Cancelled:   r.Cancelled(),
		Targets:     r.Targets(),
		Committed:   r.Committed(),
		RateLimited: r.RateLimited(),
		Failed:      r.Failed(),
		Message:     r.Message(),
		StartedAt:   r.StartedAt(),
		FinishedAt:  r.FinishedAt(),
	}
}

// ExportRuns renders sync history in the given format.
func ExportRuns(f Format, runs []*models.SyncRun) ([]byte, error) {
	switch f {
	case FormatJSON:
		rows := make([]runRow, len(runs))
		for i, r := range runs {
			rows[i] = toRunRow(r)
		}
		return shared.MarshalJSON(rows, true)
	case FormatCSV:
		return RunsToCSV(runs)
	case FormatMarkdown:
		return RunsToMarkdown(runs), nil
	default:
		return RunsToText(runs), nil
	}
}

// RunsToCSV writes one row per run.
func RunsToCSV(runs []*models.SyncRun) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	headers := []string{"ID", "Identity", "Outcome", "Targets", "Committed", "RateLimited", "Failed", "Started", "Duration", "Message"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, r := range runs {
		record := []string{
			r.ID(),
			r.Identity(),
			r.State(),
			strconv.Itoa(r.Targets()),
			strconv.Itoa(r.Committed()),
			strconv.Itoa(r.RateLimited()),
			strconv.Itoa(r.Failed()),
			r.StartedAt().UTC().Format(time.RFC3339),
			runDuration(r),
			r.Message(),
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// RunsToMarkdown renders history as a table.
func RunsToMarkdown(runs []*models.SyncRun) []byte {
	var buf bytes.Buffer

	buf.WriteString("# Sync history\n\n")
	buf.WriteString("| Started | Identity | Outcome | Committed | Duration | Message |\n")
	buf.WriteString("|---|---|---|---|---|---|\n")
	for _, r := range runs {
		fmt.Fprintf(&buf, "| %s | %s | %s | %d | %s | %s |\n",
			r.StartedAt().UTC().Format(time.RFC3339), r.Identity(), r.State(), r.Committed(),
			runDuration(r), strings.ReplaceAll(r.Message(), "|", `\|`))
	}

	return buf.Bytes()
}

// RunsToText renders one line per run, newest first as given.
func RunsToText(runs []*models.SyncRun) []byte {
	var buf bytes.Buffer

	if len(runs) == 0 {
		buf.WriteString("No sync runs recorded\n")
		return buf.Bytes()
	}

	for _, r := range runs {
		fmt.Fprintf(&buf, "%s  %-10s %-9s %5d  %6s  %s\n",
			r.StartedAt().Local().Format("2006-01-02 15:04"), r.Identity(), r.State(),
			r.Committed(), runDuration(r), r.Message())
	}

	return buf.Bytes()
}

// WriteExport writes data to path, creating or truncating it.
func WriteExport(path string, data []byte) error {
	if path == "" {
		return fmt.Errorf("%w: output path", shared.ErrMissingArgument)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// WatchURL links to the video on its platform, or returns "" for unknown platforms.
func WatchURL(v models.Video) string {
	if v.Platform == models.PlatformYouTube && v.ExternalID != "" {
		return "https://www.youtube.com/watch?v=" + v.ExternalID
	}
	return ""
}

// Clock renders seconds as m:ss, or h:mm:ss from an hour up.
func Clock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h, m, s := seconds/3600, (seconds%3600)/60, seconds%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func dateOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}

func runDuration(r *models.SyncRun) string {
	if r.FinishedAt() == nil {
		return "-"
	}
	return shared.HumanDuration(r.Duration())
}
