package workspace

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/studyflow/pkg/apiclient"
	"github.com/3leaps/studyflow/pkg/archive"
	"github.com/3leaps/studyflow/pkg/joberr"
	"github.com/3leaps/studyflow/pkg/jobregistry"
	"github.com/3leaps/studyflow/pkg/realtime"
	"github.com/3leaps/studyflow/pkg/resource"
	"github.com/3leaps/studyflow/pkg/results"
	"github.com/3leaps/studyflow/pkg/upload"
)

// ErrRemoved is returned by WaitFor when the job disappears while waiting.
var ErrRemoved = errors.New("job removed")

// Jobs returns every job in list order.
func (w *Workspace) Jobs(ctx context.Context) ([]jobregistry.Job, error) {
	var out []jobregistry.Job
	err := w.loop.Do(ctx, func() { out = w.reg.List() })
	return out, err
}

// History returns the list projection of every job.
func (w *Workspace) History(ctx context.Context) ([]jobregistry.HistoryItem, error) {
	jobs, err := w.Jobs(ctx)
	if err != nil {
		return nil, err
	}
	return jobregistry.History(jobs), nil
}

// Get returns the job for id.
func (w *Workspace) Get(ctx context.Context, id jobregistry.JobID) (jobregistry.Job, bool, error) {
	var (
		job jobregistry.Job
		ok  bool
	)
	err := w.loop.Do(ctx, func() { job, ok = w.reg.Get(id) })
	return job, ok, err
}

// Subscribe registers fn for committed registry changes. fn runs on the loop
// and must not block.
func (w *Workspace) Subscribe(ctx context.Context, fn jobregistry.Listener) (func(), error) {
	var unsub func()
	if err := w.loop.Do(ctx, func() { unsub = w.reg.Subscribe(fn) }); err != nil {
		return func() {}, err
	}
	return func() { w.loop.Post(unsub) }, nil
}

// OnSyncState registers fn for channel state changes. fn runs on the loop.
func (w *Workspace) OnSyncState(ctx context.Context, fn realtime.StateListener) (func(), error) {
	var unsub func()
	if err := w.loop.Do(ctx, func() { unsub = w.sync.OnStateChange(fn) }); err != nil {
		return func() {}, err
	}
	return func() { w.loop.Post(unsub) }, nil
}

// SyncState returns id's channel state.
func (w *Workspace) SyncState(ctx context.Context, id jobregistry.JobID) (realtime.State, error) {
	state := realtime.StateIdle
	err := w.loop.Do(ctx, func() { state = w.sync.State(id) })
	return state, err
}

// LoadCache inserts every cached job into the registry. It reports how many
// were loaded.
func (w *Workspace) LoadCache(ctx context.Context) (int, error) {
	if w.store == nil {
		return 0, nil
	}
	cached, err := w.store.List()
	if err != nil {
		return 0, err
	}
	err = w.loop.Do(ctx, func() {
		for _, j := range cached {
			w.reg.Upsert(jobregistry.PatchOf(j.ID, j))
		}
	})
	return len(cached), err
}

// Hydrate loads the cache, then merges the server's job list on top. The
// cached records stay in place if the server cannot be reached.
func (w *Workspace) Hydrate(ctx context.Context) error {
	if _, err := w.LoadCache(ctx); err != nil {
		w.log.Warn("Failed to read job cache", zap.Error(err))
	}

	docs, err := w.api.ListJobs(ctx)
	if err != nil {
		return err
	}
	return w.loop.Do(ctx, func() {
		for _, doc := range docs {
			if doc.JobID() == "" {
				continue
			}
			w.reg.Upsert(results.PatchFromDocument(doc))
		}
	})
}

// Merge applies a fetched job document to the registry.
func (w *Workspace) Merge(ctx context.Context, doc apiclient.JobDocument) error {
	if doc.JobID() == "" {
		return joberr.Validation("MergeJob", "job document has no id")
	}
	return w.loop.Do(ctx, func() { w.reg.Upsert(results.PatchFromDocument(doc)) })
}

// Open makes id the actively viewed job. A job the registry does not know
// yet is fetched first; if the fetch fails for any reason other than
// not-found, a bare record is inserted and the push channel fills it in.
func (w *Workspace) Open(ctx context.Context, id jobregistry.JobID) (jobregistry.Job, error) {
	if !id.IsAssigned() {
		return jobregistry.Job{}, joberr.Validation("OpenJob", fmt.Sprintf("%q is not a server job id", id))
	}

	_, known, err := w.Get(ctx, id)
	if err != nil {
		return jobregistry.Job{}, err
	}

	patch := jobregistry.Patch{ID: id}
	if !known {
		doc, err := w.api.FetchJob(ctx, id.String())
		switch {
		case err == nil:
			patch = results.PatchFromDocument(*doc)
			patch.ID = id
		case joberr.IsNotFound(err), joberr.IsCancelled(err):
			return jobregistry.Job{}, err
		default:
			w.log.Warn("Failed to fetch job, relying on push channel", zap.String("job_id", id.String()), zap.Error(err))
		}
	}

	var job jobregistry.Job
	err = w.loop.Do(ctx, func() {
		if !known {
			w.reg.Upsert(patch)
		}
		w.sync.Switch(id)
		job, _ = w.reg.Get(id)
	})
	return job, err
}

// Watch opens a push channel for id without changing the active job.
func (w *Workspace) Watch(ctx context.Context, id jobregistry.JobID) error {
	return w.loop.Do(ctx, func() { w.sync.Watch(id) })
}

// Active returns the actively viewed job.
func (w *Workspace) Active(ctx context.Context) (jobregistry.JobID, error) {
	var id jobregistry.JobID
	err := w.loop.Do(ctx, func() { id = w.sync.Active() })
	return id, err
}

// WaitFor blocks until the job for id satisfies cond and returns it. A
// placeholder id keeps being followed after it is swapped for the assigned
// id. ErrRemoved is returned if the job is removed first.
func (w *Workspace) WaitFor(ctx context.Context, id jobregistry.JobID, cond func(jobregistry.Job) bool) (jobregistry.Job, error) {
	type outcome struct {
		job jobregistry.Job
		err error
	}
	out := make(chan outcome, 1)
	deliver := func(o outcome) {
		select {
		case out <- o:
		default:
		}
	}

	var unsub func()
	err := w.loop.Do(ctx, func() {
		current := id
		unsub = w.reg.Subscribe(func(c jobregistry.Change) {
			switch {
			case c.Kind == jobregistry.ChangeSwapped && c.PreviousID == current:
				current = c.Job.ID
			case c.Job.ID != current:
				return
			case c.Kind == jobregistry.ChangeRemoved:
				deliver(outcome{job: c.Job, err: ErrRemoved})
				return
			}
			if cond(c.Job) {
				deliver(outcome{job: c.Job})
			}
		})
		j, ok := w.reg.Get(current)
		if !ok && current.IsPending() {
			// The upload may already have settled.
			if assigned, settled := w.settledID(current); settled {
				if assigned.IsZero() {
					deliver(outcome{err: ErrRemoved})
					return
				}
				current = assigned
				j, ok = w.reg.Get(current)
			}
		}
		if ok && cond(j) {
			deliver(outcome{job: j})
		}
	})
	if err != nil {
		return jobregistry.Job{}, err
	}
	defer w.loop.Post(unsub)

	select {
	case o := <-out:
		return o.job, o.err
	case <-ctx.Done():
		return jobregistry.Job{}, ctx.Err()
	}
}

// Results returns id's results, fetching and storing them if the job does
// not carry any yet.
func (w *Workspace) Results(ctx context.Context, id jobregistry.JobID) (*jobregistry.ResultsPayload, error) {
	job, known, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if known && job.Results != nil {
		return job.Results, nil
	}

	doc, err := w.api.FetchResults(ctx, id.String())
	if err != nil {
		return nil, err
	}
	payload, err := results.Normalize(doc.Results, doc.ParsedAt.Time)
	if err != nil {
		return nil, joberr.Wrap("FetchResults", id.String(), joberr.ErrParse, err)
	}
	err = w.loop.Do(ctx, func() {
		if _, ok := w.reg.Get(id); ok {
			w.reg.Upsert(jobregistry.Patch{ID: id, Results: payload})
		}
	})
	return payload, err
}

// Resources fetches ref and extracts its images.
func (w *Workspace) Resources(ctx context.Context, ref resource.Ref) ([]archive.File, error) {
	return resource.Load(ctx, w.resources, w.extractor, ref)
}

// Upload starts a submission. It returns once the optimistic record is in
// the registry.
func (w *Workspace) Upload(ctx context.Context, req upload.Request) (*upload.Attempt, error) {
	a, err := w.uploads.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	w.track(a)
	return a, nil
}

// Cancel aborts the in-flight upload whose placeholder is id. It reports
// whether one was found.
func (w *Workspace) Cancel(id jobregistry.JobID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, a := range w.attempts {
		if a.Placeholder() == id {
			a.Cancel()
			return true
		}
	}
	return false
}

// Reset forgets every job: channels and fetches are stopped, in-flight
// uploads cancelled and the registry emptied. With a store attached the
// cache is emptied too.
func (w *Workspace) Reset(ctx context.Context) error {
	w.mu.Lock()
	attempts := w.attempts
	w.attempts = nil
	w.mu.Unlock()
	for _, a := range attempts {
		a.Cancel()
	}

	return w.loop.Do(ctx, func() {
		for _, j := range w.reg.List() {
			w.sync.Stop(j.ID)
			w.resolver.Forget(j.ID)
		}
		w.reg.Reset()
	})
}

// DefaultSettledAttempts is how many settled uploads a workspace remembers.
const DefaultSettledAttempts = 16

// track records a and forgets the oldest settled attempts beyond
// keepSettled.
func (w *Workspace) track(a *upload.Attempt) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts = append(w.attempts, a)

	settled := 0
	for _, at := range w.attempts {
		select {
		case <-at.Done():
			settled++
		default:
		}
	}
	if settled <= w.keepSettled {
		return
	}

	drop := settled - w.keepSettled
	kept := make([]*upload.Attempt, 0, len(w.attempts)-drop)
	for _, at := range w.attempts {
		if drop > 0 {
			select {
			case <-at.Done():
				drop--
				continue
			default:
			}
		}
		kept = append(kept, at)
	}
	w.attempts = kept
}

// settledID reports the assigned id of the settled attempt for placeholder.
// A zero id means the attempt settled without one.
func (w *Workspace) settledID(placeholder jobregistry.JobID) (jobregistry.JobID, bool) {
	a := w.attemptFor(placeholder)
	if a == nil {
		return jobregistry.JobID{}, false
	}
	select {
	case <-a.Done():
		r, _ := a.Wait(context.Background())
		return r.ID, true
	default:
		return jobregistry.JobID{}, false
	}
}

// attemptFor finds the tracked attempt for a placeholder or assigned id.
func (w *Workspace) attemptFor(id jobregistry.JobID) *upload.Attempt {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.attempts) - 1; i >= 0; i-- {
		a := w.attempts[i]
		if a.Placeholder() == id {
			return a
		}
		select {
		case <-a.Done():
			if r, _ := a.Wait(context.Background()); r.ID == id {
				return a
			}
		default:
		}
	}
	return nil
}

var _ API = (*apiclient.Client)(nil)
