package jobregistry

import (
	"sort"
	"time"
)

// HistoryItem is a read-only list projection of a Job.
type HistoryItem struct {
	ID           JobID
	Title        string
	PatientLabel string
	Date         time.Time
	Status       Status
	Progress     float64
	Tags         []string

	// Pathologies lists the distinct pathology types found, most probable first.
	Pathologies []RankedPathology
}

// RankedPathology is one entry in a HistoryItem's pathology ranking.
type RankedPathology struct {
	Type        string
	Probability float64
}

// History projects jobs into list items, preserving order.
func History(jobs []Job) []HistoryItem {
	out := make([]HistoryItem, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, historyItem(j))
	}
	return out
}

func historyItem(j Job) HistoryItem {
	title := j.Title
	if title == "" {
		title = j.FileName
	}
	if title == "" {
		title = j.ID.String()
	}
	date := j.CreatedAt
	if date.IsZero() {
		date = j.UpdatedAt
	}
	item := HistoryItem{
		ID:           j.ID,
		Title:        title,
		PatientLabel: j.PatientLabel,
		Date:         date,
		Status:       j.Status,
		Progress:     j.Progress,
		Tags:         append([]string(nil), j.Tags...),
	}
	if j.Results != nil {
		item.Pathologies = rankPathologies(j.Results.Rows)
	}
	return item
}

// rankPathologies keeps the highest probability per pathology type.
func rankPathologies(rows []ResultRow) []RankedPathology {
	best := make(map[string]float64)
	for _, row := range rows {
		if row.MostDangerousPathologyType == nil || *row.MostDangerousPathologyType == "" {
			continue
		}
		p := 0.0
		if row.ProbabilityOfPathology != nil {
			p = *row.ProbabilityOfPathology
		}
		kind := *row.MostDangerousPathologyType
		if cur, ok := best[kind]; !ok || p > cur {
			best[kind] = p
		}
	}

	out := make([]RankedPathology, 0, len(best))
	for kind, p := range best {
		out = append(out, RankedPathology{Type: kind, Probability: p})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability > out[j].Probability
		}
		return out[i].Type < out[j].Type
	})
	return out
}
