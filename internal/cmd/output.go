package cmd

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/studyflow/pkg/jobregistry"
	"github.com/3leaps/studyflow/pkg/output"
)

// newRecordWriter returns a JSONL writer for source, tagged with a fresh
// session id.
func newRecordWriter(w io.Writer, source string) *output.JSONLWriter {
	return output.NewJSONLWriter(w, uuid.New().String(), source)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printJobTable(w io.Writer, items []jobregistry.HistoryItem) {
	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tTITLE\tPATIENT\tDATE\tTOP FINDING")
	for _, item := range items {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			displayID(item.ID),
			item.Status,
			formatPercent(item.Progress),
			item.Title,
			dash(item.PatientLabel),
			formatDate(item.Date),
			topFinding(item.Pathologies),
		)
	}
	_ = tw.Flush()
}

func printJob(w io.Writer, j jobregistry.Job) {
	tw := newTable(w)
	row := func(k, v string) { _, _ = fmt.Fprintf(tw, "%s:\t%s\n", k, v) }
	row("Job", displayID(j.ID))
	row("Status", string(j.Status))
	row("Progress", formatPercent(j.Progress))
	if j.Title != "" {
		row("Title", j.Title)
	}
	if j.FileName != "" {
		row("File", j.FileName)
	}
	if j.PatientLabel != "" {
		row("Patient", j.PatientLabel)
	}
	if len(j.Tags) > 0 {
		row("Tags", strings.Join(j.Tags, ", "))
	}
	if j.TotalFiles > 0 {
		row("Images", fmt.Sprintf("%d", j.TotalFiles))
	}
	if j.TotalBytes > 0 {
		row("Size", formatSize(j.TotalBytes))
	}
	if j.ETASeconds != nil && !j.Status.Terminal() {
		row("ETA", (time.Duration(*j.ETASeconds) * time.Second).String())
	}
	if !j.CreatedAt.IsZero() {
		row("Created", formatDate(j.CreatedAt))
	}
	if j.Message != "" {
		row("Message", j.Message)
	}
	row("Results", yesNo(j.Results != nil))
	_ = tw.Flush()
}

func printResults(w io.Writer, p *jobregistry.ResultsPayload) {
	if p == nil {
		_, _ = fmt.Fprintln(w, "No results.")
		return
	}
	if len(p.Summary) > 0 {
		tw := newTable(w)
		for _, k := range sortedKeys(p.Summary) {
			_, _ = fmt.Fprintf(tw, "%s:\t%s\n", k, p.Summary[k])
		}
		_ = tw.Flush()
		_, _ = fmt.Fprintln(w)
	}

	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "STUDY\tSERIES\tP(PATHOLOGY)\tP(ANOMALY)\tPATHOLOGY\tTIME")
	for _, r := range p.Rows {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			strOr(r.StudyUID),
			strOr(r.SeriesUID),
			floatOr(r.ProbabilityOfPathology, "%.3f"),
			floatOr(r.ProbabilityOfAnomaly, "%.3f"),
			strOr(r.MostDangerousPathologyType),
			floatOr(r.ProcessingTime, "%.1fs"),
		)
	}
	_ = tw.Flush()
}

func displayID(id jobregistry.JobID) string {
	if id.IsPending() {
		return "(" + id.String() + ")"
	}
	return id.String()
}

func topFinding(p []jobregistry.RankedPathology) string {
	if len(p) == 0 {
		return "-"
	}
	return fmt.Sprintf("%s (%.2f)", p[0].Type, p[0].Probability)
}

func formatPercent(p float64) string {
	return fmt.Sprintf("%.0f%%", p)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// formatSize formats bytes as human-readable size.
func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func strOr(s *string) string {
	if s == nil {
		return "-"
	}
	return dash(*s)
}

func floatOr(f *float64, format string) string {
	if f == nil {
		return "-"
	}
	return fmt.Sprintf(format, *f)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
