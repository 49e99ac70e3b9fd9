package jobregistry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory_ProjectsJobs(t *testing.T) {
	created := time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC)
	jobs := []Job{
		{
			ID:           Assigned("1"),
			Title:        "Head CT",
			PatientLabel: "P-001",
			CreatedAt:    created,
			Status:       StatusSucceeded,
			Tags:         []string{"ct"},
			Results: &ResultsPayload{Rows: []ResultRow{
				{MostDangerousPathologyType: Ptr("hemorrhage"), ProbabilityOfPathology: Ptr(0.4)},
				{MostDangerousPathologyType: Ptr("fracture"), ProbabilityOfPathology: Ptr(0.9)},
				{MostDangerousPathologyType: Ptr("hemorrhage"), ProbabilityOfPathology: Ptr(0.7)},
				{ProbabilityOfPathology: Ptr(0.99)},
			}},
		},
		{ID: Pending("local-2"), FileName: "study.zip", Status: StatusRunning, Progress: 42},
	}

	items := History(jobs)
	require.Len(t, items, 2)

	assert.Equal(t, "Head CT", items[0].Title)
	assert.Equal(t, created, items[0].Date)
	assert.Equal(t, []RankedPathology{
		{Type: "fracture", Probability: 0.9},
		{Type: "hemorrhage", Probability: 0.7},
	}, items[0].Pathologies)

	assert.Equal(t, "study.zip", items[1].Title)
	assert.Equal(t, 42.0, items[1].Progress)
	assert.Empty(t, items[1].Pathologies)
}
