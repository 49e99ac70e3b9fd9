// Package upload turns a picked file set into one tracked analysis job.
//
// Start inserts an optimistic placeholder record into the registry before
// any network round trip, streams the primary file to the backend while
// republishing byte progress, and on success swaps the placeholder for the
// server-assigned id in one registry mutation before handing the job to the
// push channel. On failure the placeholder is removed. Cancellation is a
// separate, silent outcome.
//
// All registry access happens on the event loop. The HTTP transfer runs on
// its own goroutine and every completion it posts is checked against the
// attempt's aborted flag and settled state before it touches the registry.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/studyflow/internal/metrics"
	"github.com/3leaps/studyflow/pkg/apiclient"
	"github.com/3leaps/studyflow/pkg/archive"
	"github.com/3leaps/studyflow/pkg/eventloop"
	"github.com/3leaps/studyflow/pkg/joberr"
	"github.com/3leaps/studyflow/pkg/jobregistry"
	"github.com/3leaps/studyflow/pkg/manifest"
	"github.com/3leaps/studyflow/pkg/match"
	"github.com/3leaps/studyflow/pkg/results"
)

// BundleName is the primary file name used when several files are packed
// into one upload.
const BundleName = "studies.zip"

// PlaceholderPrefix starts every locally generated job id.
const PlaceholderPrefix = "local-"

// Creator submits a job to the backend.
type Creator interface {
	CreateJob(ctx context.Context, req apiclient.CreateRequest, progress apiclient.ProgressFunc) (*apiclient.JobDocument, error)
}

// Handoff receives server-assigned ids after a successful upload.
type Handoff interface {
	Watch(id jobregistry.JobID)
}

// HandoffFunc adapts a function to Handoff.
type HandoffFunc func(id jobregistry.JobID)

// Watch implements Handoff.
func (f HandoffFunc) Watch(id jobregistry.JobID) { f(id) }

// SubmissionRecorder persists the submitted file set for later retries.
// It is called off the loop.
type SubmissionRecorder func(jobID string, sub *manifest.Submission) error

// File is one picked file.
type File struct {
	// Name is the display name; only its trailing segment is sent.
	Name string

	// Path is where the file was read from, recorded for retries. Optional.
	Path string

	Data []byte
}

// Request is one submission.
type Request struct {
	Files []File

	Title        string
	Description  string
	PatientLabel string
	Tags         []string
}

// Coordinator runs uploads against one registry.
type Coordinator struct {
	loop      *eventloop.Loop
	reg       *jobregistry.Registry
	api       Creator
	handoff   Handoff
	accept    *match.Matcher
	extractor *archive.Extractor
	record    SubmissionRecorder
	settled   []func(Result)

	log     *zap.Logger
	metrics *metrics.Collector
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHandoff sets where assigned ids go after a successful upload.
func WithHandoff(h Handoff) Option {
	return func(c *Coordinator) { c.handoff = h }
}

// WithMatcher overrides the accepted-file matcher. Defaults to match.Upload().
func WithMatcher(m *match.Matcher) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.accept = m
		}
	}
}

// WithExtractor overrides the archive extractor used to count images.
func WithExtractor(e *archive.Extractor) Option {
	return func(c *Coordinator) {
		if e != nil {
			c.extractor = e
		}
	}
}

// WithRecorder persists submissions once the server assigns an id.
func WithRecorder(r SubmissionRecorder) Option {
	return func(c *Coordinator) { c.record = r }
}

// OnSettled registers fn to run on the loop when an attempt settles.
func OnSettled(fn func(Result)) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.settled = append(c.settled, fn)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics records upload outcomes in m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New creates a coordinator.
func New(loop *eventloop.Loop, reg *jobregistry.Registry, api Creator, opts ...Option) *Coordinator {
	c := &Coordinator{
		loop:      loop,
		reg:       reg,
		api:       api,
		accept:    match.Upload(),
		extractor: archive.New(),
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Accepted returns the files whose names the coordinator accepts, in order.
func (c *Coordinator) Accepted(files []File) []File {
	out := make([]File, 0, len(files))
	for _, f := range files {
		if c.accept.Match(f.Name) {
			out = append(out, f)
		}
	}
	return out
}

// Start validates req, inserts the optimistic record and begins the upload.
//
// Start must not be called from the loop. It returns once the placeholder is
// visible in the registry. A validation error is returned before any state
// is created.
func (c *Coordinator) Start(ctx context.Context, req Request) (*Attempt, error) {
	const op = "StartUpload"

	accepted := c.Accepted(req.Files)
	if len(req.Files) == 0 {
		return nil, joberr.Validation(op, "no files selected")
	}
	if len(accepted) == 0 {
		return nil, joberr.Validation(op, "no supported files selected (expected .dcm, .dicom or .zip)")
	}

	primaryName, primary, bundled, err := buildPrimary(accepted)
	if err != nil {
		return nil, joberr.Wrap(op, "", joberr.ErrValidation, err)
	}

	uploadCtx, cancel := context.WithCancel(ctx)
	a := &Attempt{
		coord:       c,
		placeholder: jobregistry.Pending(PlaceholderPrefix + uuid.NewString()),
		request:     req,
		primaryName: primaryName,
		total:       int64(len(primary)),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	a.submission = newSubmission(req, accepted, primaryName, a.total, bundled, c.loop.Clock().Now())

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = primaryName
	}

	err = c.loop.Do(ctx, func() {
		now := c.loop.Clock().Now()
		a.startedAt = now
		c.reg.Upsert(jobregistry.Patch{
			ID:           a.placeholder,
			Status:       jobregistry.Ptr(jobregistry.StatusQueued),
			Progress:     jobregistry.Ptr(0.0),
			CreatedAt:    &now,
			UpdatedAt:    &now,
			TotalFiles:   jobregistry.Ptr(len(accepted)),
			TotalBytes:   jobregistry.Ptr(a.total),
			Title:        &title,
			Description:  nonEmpty(req.Description),
			FileName:     &primaryName,
			PatientLabel: nonEmpty(req.PatientLabel),
			Tags:         req.Tags,
		})
	})
	if err != nil {
		cancel()
		// The insert may still run after Do gave up; the queue is FIFO so
		// this removal lands behind it.
		c.loop.Post(func() { c.rollback(a) })
		return nil, joberr.Wrap(op, "", joberr.ErrCancelled, err)
	}

	c.metrics.RecordUpload(metrics.OutcomeStarted)
	c.log.Info("Upload started",
		zap.String("job_id", a.placeholder.String()),
		zap.String("file", primaryName),
		zap.Int("files", len(accepted)),
		zap.Int64("bytes", a.total),
	)

	c.countImages(uploadCtx, a, accepted)
	c.transfer(uploadCtx, a, apiclient.CreateRequest{
		FileName:    primaryName,
		Body:        bytes.NewReader(primary),
		Size:        a.total,
		Title:       strings.TrimSpace(req.Title),
		Description: strings.TrimSpace(req.Description),
	})
	return a, nil
}

// Retry resubmits prev's original file set unchanged.
func (c *Coordinator) Retry(ctx context.Context, prev *Attempt) (*Attempt, error) {
	if prev == nil {
		return nil, joberr.Validation("RetryUpload", "nothing to retry")
	}
	return c.Start(ctx, prev.Request())
}

// countImages extracts the accepted files in parallel with the transfer and
// refines TotalFiles to the number of sniffed images.
func (c *Coordinator) countImages(ctx context.Context, a *Attempt, files []File) {
	blobs := make([]archive.Blob, len(files))
	for i, f := range files {
		blobs[i] = archive.Blob{Name: f.Name, Data: f.Data}
	}
	c.extractor.ExtractParallel(ctx, c.loop, blobs, func(r archive.Result) {
		if r.Err != nil {
			if !joberr.IsCancelled(r.Err) {
				c.log.Debug("Image count unavailable", zap.String("job_id", a.placeholder.String()), zap.Error(r.Err))
			}
			return
		}
		if a.aborted.Load() {
			return
		}
		id := a.placeholder
		if a.settled {
			if a.result.Outcome != OutcomeSucceeded {
				return
			}
			id = a.result.ID
		}
		if _, ok := c.reg.Get(id); !ok {
			return
		}
		c.reg.Upsert(jobregistry.Patch{ID: id, TotalFiles: jobregistry.Ptr(len(archive.Images(r.Files)))})
	})
}

func (c *Coordinator) transfer(ctx context.Context, a *Attempt, req apiclient.CreateRequest) {
	progress := func(loaded, total int64) {
		if a.aborted.Load() {
			return
		}
		c.loop.Post(func() { c.onProgress(a, loaded, total) })
	}

	go func() {
		doc, err := c.api.CreateJob(ctx, req, progress)
		if !c.loop.Post(func() { c.finish(a, doc, err) }) {
			a.cancel()
		}
	}()
}

// onProgress runs on the loop.
func (c *Coordinator) onProgress(a *Attempt, loaded, total int64) {
	if a.aborted.Load() || a.settled {
		return
	}
	if _, ok := c.reg.Get(a.placeholder); !ok {
		return
	}

	pct := Percent(loaded, total)
	p := jobregistry.Patch{
		ID:       a.placeholder,
		Status:   jobregistry.Ptr(jobregistry.StatusRunning),
		Progress: &pct,
	}
	if eta, ok := estimate(loaded, total, c.loop.Clock().Now().Sub(a.startedAt)); ok {
		p.ETASeconds = &eta
	}
	c.reg.Upsert(p)
}

// finish runs on the loop and settles a.
func (c *Coordinator) finish(a *Attempt, doc *apiclient.JobDocument, err error) {
	if a.settled {
		return
	}
	defer a.cancel()

	switch {
	case a.aborted.Load() || (err != nil && joberr.IsCancelled(err)):
		c.rollback(a)
		c.settle(a, Result{
			Placeholder: a.placeholder,
			Outcome:     OutcomeCancelled,
			Status:      jobregistry.StatusIdle,
			Err:         joberr.Wrap("Upload", "", joberr.ErrCancelled, context.Canceled),
			Message:     "Upload cancelled",
		})
	case err != nil:
		c.rollback(a)
		c.settle(a, Result{
			Placeholder: a.placeholder,
			Outcome:     OutcomeFailed,
			Status:      jobregistry.StatusFailed,
			Err:         err,
			Message:     failureMessage(err),
		})
	default:
		id := jobregistry.Assigned(doc.JobID())
		if !c.reg.Swap(a.placeholder, id) {
			// The placeholder was removed underneath us (workspace reset).
			c.settle(a, Result{
				Placeholder: a.placeholder,
				ID:          id,
				Outcome:     OutcomeCancelled,
				Status:      jobregistry.StatusIdle,
				Err:         joberr.Wrap("Upload", id.String(), joberr.ErrCancelled, context.Canceled),
				Message:     "Upload discarded",
			})
			return
		}
		c.reg.Upsert(results.PatchFromDocument(*doc))
		c.reg.Upsert(jobregistry.Patch{ID: id, ETASeconds: jobregistry.Ptr(0.0)})

		c.metrics.AddUploadBytes(a.total)
		c.persist(a, id)

		status := jobregistry.StatusQueued
		if j, ok := c.reg.Get(id); ok {
			status = j.Status
		}
		c.settle(a, Result{
			Placeholder: a.placeholder,
			ID:          id,
			Outcome:     OutcomeSucceeded,
			Status:      status,
		})
		if c.handoff != nil {
			c.handoff.Watch(id)
		}
	}
}

func (c *Coordinator) rollback(a *Attempt) {
	c.reg.Remove(a.placeholder)
}

func (c *Coordinator) settle(a *Attempt, r Result) {
	a.settled = true
	a.result = r
	close(a.done)

	c.metrics.RecordUpload(string(r.Outcome))
	fields := []zap.Field{
		zap.String("job_id", r.Placeholder.String()),
		zap.String("outcome", string(r.Outcome)),
	}
	if !r.ID.IsZero() {
		fields = append(fields, zap.String("assigned_id", r.ID.String()))
	}
	switch r.Outcome {
	case OutcomeFailed:
		c.log.Warn("Upload failed", append(fields, zap.Error(r.Err))...)
	default:
		c.log.Info("Upload settled", fields...)
	}

	for _, fn := range c.settled {
		fn(r)
	}
}

func (c *Coordinator) persist(a *Attempt, id jobregistry.JobID) {
	if c.record == nil {
		return
	}
	sub := *a.submission
	sub.JobID = id.String()
	go func() {
		if err := c.record(id.String(), &sub); err != nil {
			c.log.Warn("Failed to record submission", zap.String("job_id", id.String()), zap.Error(err))
		}
	}()
}

// Percent returns min(100, round(loaded*100/total)). An unknown total
// reports 0.
func Percent(loaded, total int64) float64 {
	if total <= 0 || loaded <= 0 {
		return 0
	}
	return math.Min(100, math.Round(float64(loaded)*100/float64(total)))
}

// estimate returns the remaining seconds at the average rate so far.
func estimate(loaded, total int64, elapsed time.Duration) (float64, bool) {
	if total <= 0 || loaded <= 0 || elapsed <= 0 {
		return 0, false
	}
	remaining := total - loaded
	if remaining <= 0 {
		return 0, true
	}
	rate := float64(loaded) / elapsed.Seconds()
	return math.Round(float64(remaining)/rate*10) / 10, true
}

func failureMessage(err error) string {
	var je *joberr.Error
	switch {
	case errors.As(err, &je) && je.Status != 0:
		return fmt.Sprintf("Upload failed: server responded %d", je.Status)
	case joberr.IsParse(err):
		return "Upload failed: unexpected server response"
	case joberr.IsValidation(err):
		return "Upload failed: " + err.Error()
	default:
		return "Upload failed: server unreachable"
	}
}

func buildPrimary(files []File) (string, []byte, bool, error) {
	if len(files) == 1 {
		return match.BaseName(files[0].Name), files[0].Data, false, nil
	}
	blobs := make([]archive.Blob, len(files))
	for i, f := range files {
		blobs[i] = archive.Blob{Name: f.Name, Data: f.Data}
	}
	data, err := archive.Bundle(blobs)
	if err != nil {
		return "", nil, false, err
	}
	return BundleName, data, true, nil
}

func newSubmission(req Request, files []File, primaryName string, size int64, bundled bool, now time.Time) *manifest.Submission {
	entries := make([]manifest.FileEntry, len(files))
	for i, f := range files {
		path := f.Path
		if path == "" {
			path = f.Name
		}
		entries[i] = manifest.Entry(path, f.Data)
	}
	return &manifest.Submission{
		Version:      manifest.DefaultVersion,
		SubmittedAt:  now.UTC(),
		Title:        strings.TrimSpace(req.Title),
		Description:  strings.TrimSpace(req.Description),
		PatientLabel: strings.TrimSpace(req.PatientLabel),
		Tags:         req.Tags,
		Primary:      manifest.PrimaryFile{Name: primaryName, Size: size, Bundled: bundled},
		Files:        entries,
	}
}

func nonEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
