package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/3leaps/studyflow/pkg/joberr"
	"github.com/3leaps/studyflow/pkg/jobregistry"
	"github.com/3leaps/studyflow/pkg/manifest"
	"github.com/3leaps/studyflow/pkg/upload"
)

// Retry resubmits the file set originally submitted for id. An attempt from
// this session is reused directly; otherwise the recorded submission
// manifest is read back and every listed file must still match its
// recorded size and digest.
func (w *Workspace) Retry(ctx context.Context, id jobregistry.JobID) (*upload.Attempt, error) {
	const op = "RetryUpload"

	if prev := w.attemptFor(id); prev != nil {
		a, err := w.uploads.Retry(ctx, prev)
		if err != nil {
			return nil, err
		}
		w.track(a)
		return a, nil
	}

	if w.store == nil || !id.IsAssigned() {
		return nil, joberr.Validation(op, fmt.Sprintf("no submission recorded for job %s", id))
	}
	path := w.store.SubmissionPath(id.String())
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, joberr.Validation(op, fmt.Sprintf("no submission recorded for job %s", id))
	}
	sub, err := manifest.Load(path)
	if err != nil {
		return nil, joberr.Wrap(op, id.String(), joberr.ErrValidation, err)
	}

	req, err := RequestFromSubmission(sub)
	if err != nil {
		return nil, err
	}
	return w.Upload(ctx, req)
}

// RequestFromSubmission re-reads the files listed in sub. A file that is
// missing or no longer matches its recorded size or digest is a validation
// error.
func RequestFromSubmission(sub *manifest.Submission) (upload.Request, error) {
	const op = "RetryUpload"

	files := make([]upload.File, 0, len(sub.Files))
	for _, entry := range sub.Files {
		data, err := os.ReadFile(entry.Path)
		if err != nil {
			return upload.Request{}, joberr.Wrap(op, sub.JobID, joberr.ErrValidation, fmt.Errorf("read %s: %w", entry.Path, err))
		}
		if int64(len(data)) != entry.Size || (entry.SHA256 != "" && manifest.Digest(data) != entry.SHA256) {
			return upload.Request{}, joberr.Validation(op, fmt.Sprintf("%s changed since it was submitted", entry.Path))
		}
		files = append(files, upload.File{Name: filepath.Base(entry.Path), Path: entry.Path, Data: data})
	}

	return upload.Request{
		Files:        files,
		Title:        sub.Title,
		Description:  sub.Description,
		PatientLabel: sub.PatientLabel,
		Tags:         sub.Tags,
	}, nil
}
