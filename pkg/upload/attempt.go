package upload

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/3leaps/studyflow/pkg/jobregistry"
	"github.com/3leaps/studyflow/pkg/manifest"
)

// Outcome is how an attempt settled.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Result describes a settled attempt.
type Result struct {
	// Placeholder is the local id the attempt started under.
	Placeholder jobregistry.JobID

	// ID is the server-assigned id. Zero unless the server accepted the job.
	ID jobregistry.JobID

	Outcome Outcome

	// Status is what a view holding Placeholder should show: the job's
	// status after a handoff, Failed after a rollback and Idle after a
	// cancellation.
	Status jobregistry.Status

	Err     error
	Message string
}

// Attempt is one in-flight upload.
type Attempt struct {
	coord       *Coordinator
	placeholder jobregistry.JobID
	request     Request
	submission  *manifest.Submission
	primaryName string
	total       int64

	aborted atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	// Loop-owned.
	startedAt time.Time
	settled   bool
	result    Result
}

// Placeholder returns the local id of the optimistic record.
func (a *Attempt) Placeholder() jobregistry.JobID { return a.placeholder }

// FileName is the name the primary file is sent under.
func (a *Attempt) FileName() string { return a.primaryName }

// Size is the primary file's size in bytes.
func (a *Attempt) Size() int64 { return a.total }

// Request returns a copy of the original request.
func (a *Attempt) Request() Request {
	r := a.request
	r.Files = slices.Clone(a.request.Files)
	r.Tags = slices.Clone(a.request.Tags)
	return r
}

// Submission returns the recorded file set.
func (a *Attempt) Submission() manifest.Submission {
	s := *a.submission
	s.Files = slices.Clone(a.submission.Files)
	return s
}

// Cancel aborts the attempt. No progress is applied after Cancel returns and
// the attempt settles as cancelled even if the server already accepted it.
func (a *Attempt) Cancel() {
	a.aborted.Store(true)
	a.cancel()
}

// Cancelled reports whether Cancel was called.
func (a *Attempt) Cancelled() bool { return a.aborted.Load() }

// Done is closed once the attempt settles.
func (a *Attempt) Done() <-chan struct{} { return a.done }

// Wait blocks until the attempt settles or ctx is done.
func (a *Attempt) Wait(ctx context.Context) (Result, error) {
	select {
	case <-a.done:
		return a.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
