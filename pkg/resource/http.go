package resource

import (
	"context"
	"fmt"

	"github.com/3leaps/studyflow/pkg/apiclient"
	"github.com/3leaps/studyflow/pkg/archive"
	"github.com/3leaps/studyflow/pkg/joberr"
)

// JobFileFetcher downloads the primary file of a job.
type JobFileFetcher interface {
	FetchJobFile(ctx context.Context, jobID string) (*apiclient.JobFile, error)
}

// JobSource fetches job files from the analysis backend.
type JobSource struct {
	api JobFileFetcher
}

// NewJobSource returns a source backed by api.
func NewJobSource(api JobFileFetcher) *JobSource {
	return &JobSource{api: api}
}

// Fetch implements Source.
func (s *JobSource) Fetch(ctx context.Context, ref Ref) ([]archive.Blob, error) {
	if ref.Kind != KindJob {
		return nil, joberr.Validation("FetchJobFile", fmt.Sprintf("not a job reference: %s", ref))
	}
	f, err := s.api.FetchJobFile(ctx, ref.JobID)
	if err != nil {
		return nil, err
	}
	name := f.Name
	if name == "" {
		name = ref.JobID + ".zip"
	}
	return []archive.Blob{{Name: name, Data: f.Data}}, nil
}
