// Package jobregistry holds the client's single source of truth for analysis
// jobs and the on-disk cache that mirrors it.
//
// A Registry is not safe for concurrent use. It is owned by one
// eventloop.Loop and every call must happen on that loop (or on a single
// goroutine in tests). That serialization is what makes upserts apply in call
// order without locks.
package jobregistry

import (
	"math"
	"reflect"
	"slices"

	"go.uber.org/zap"
)

// ChangeKind describes a committed registry mutation.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
	ChangeSwapped ChangeKind = "swapped"
)

// Change is delivered to subscribers after a mutation commits.
type Change struct {
	Kind ChangeKind

	// Job is a copy of the record after the mutation (before it, for removals).
	Job Job

	// PreviousID is the placeholder id replaced by a swap.
	PreviousID JobID
}

// Listener receives committed changes.
type Listener func(Change)

// Registry maps job ids to job records and notifies subscribers of changes.
type Registry struct {
	jobs  []Job
	index map[JobID]int

	listeners []subscription
	nextSubID int

	pending   []Change
	notifying bool

	log *zap.Logger
}

type subscription struct {
	id int
	fn Listener
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for dropped-patch diagnostics.
func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		index: make(map[JobID]int),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers fn for every committed mutation and returns a function
// that removes it.
func (r *Registry) Subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	r.nextSubID++
	id := r.nextSubID
	r.listeners = append(r.listeners, subscription{id: id, fn: fn})
	return func() {
		r.listeners = slices.DeleteFunc(r.listeners, func(s subscription) bool { return s.id == id })
	}
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id JobID) (Job, bool) {
	i, ok := r.index[id]
	if !ok {
		return Job{}, false
	}
	return r.jobs[i].Clone(), true
}

// Len returns the number of records.
func (r *Registry) Len() int {
	return len(r.jobs)
}

// List returns copies of all records in insertion order.
func (r *Registry) List() []Job {
	out := make([]Job, len(r.jobs))
	for i, j := range r.jobs {
		out[i] = j.Clone()
	}
	return out
}

// Upsert merges the supplied fields of p into the record for p.ID, creating
// the record if absent. It reports whether anything was committed.
//
// Patches without an id are dropped. Merging a patch that changes nothing
// commits nothing and notifies no one.
func (r *Registry) Upsert(p Patch) bool {
	if p.ID.IsZero() {
		r.log.Warn("Dropping job patch without id")
		return false
	}

	i, exists := r.index[p.ID]
	current := Job{ID: p.ID, Status: StatusIdle}
	if exists {
		current = r.jobs[i]
	}

	next, changed := merge(current, p)
	if exists && !changed {
		return false
	}

	if exists {
		r.jobs[i] = next
		r.emit(Change{Kind: ChangeUpdated, Job: next.Clone()})
		return true
	}

	r.index[p.ID] = len(r.jobs)
	r.jobs = append(r.jobs, next)
	r.emit(Change{Kind: ChangeCreated, Job: next.Clone()})
	return true
}

// Remove deletes the record for id and reports whether it existed.
func (r *Registry) Remove(id JobID) bool {
	i, ok := r.index[id]
	if !ok {
		return false
	}
	removed := r.jobs[i]
	r.jobs = slices.Delete(r.jobs, i, i+1)
	r.reindex()
	r.emit(Change{Kind: ChangeRemoved, Job: removed.Clone()})
	return true
}

// Reset removes every record.
func (r *Registry) Reset() {
	for len(r.jobs) > 0 {
		r.Remove(r.jobs[len(r.jobs)-1].ID)
	}
}

// Swap replaces the record for from with one keyed by to, in a single
// committed mutation. The record keeps its position and fields. If a record
// for to already exists, from's fields are merged into it and from's
// position wins.
//
// Swap reports false if from does not exist or from == to.
func (r *Registry) Swap(from, to JobID) bool {
	if to.IsZero() || from == to {
		return false
	}
	i, ok := r.index[from]
	if !ok {
		return false
	}

	moved := r.jobs[i]
	moved.ID = to
	if j, exists := r.index[to]; exists {
		target := r.jobs[j]
		merged, _ := merge(target, PatchOf(to, moved))
		moved = merged
		r.jobs = slices.Delete(r.jobs, j, j+1)
		if j < i {
			i--
		}
	}

	r.jobs[i] = moved
	r.reindex()
	r.emit(Change{Kind: ChangeSwapped, Job: moved.Clone(), PreviousID: from})
	return true
}

func (r *Registry) reindex() {
	clear(r.index)
	for i, j := range r.jobs {
		r.index[j.ID] = i
	}
}

// emit delivers c to every listener. Mutations made by listeners are queued
// and delivered after the current change, so every listener observes changes
// in commit order.
func (r *Registry) emit(c Change) {
	r.pending = append(r.pending, c)
	if r.notifying {
		return
	}
	r.notifying = true
	defer func() { r.notifying = false }()

	for len(r.pending) > 0 {
		next := r.pending[0]
		r.pending = r.pending[1:]
		for _, s := range slices.Clone(r.listeners) {
			s.fn(next)
		}
	}
}

// merge applies p to j and reports whether any field changed.
//
// Status moves only along allowed transitions; a rejected status leaves the
// rest of the patch in effect. Progress never decreases while the job is
// running.
func merge(j Job, p Patch) (Job, bool) {
	changed := false
	prevStatus := j.Status

	if p.Status != nil && j.Status.CanTransition(*p.Status) {
		j.Status = *p.Status
		changed = true
	}

	if p.Progress != nil {
		v := clampPercent(*p.Progress)
		regress := prevStatus == StatusRunning && j.Status == StatusRunning && v < j.Progress
		if !regress && v != j.Progress {
			j.Progress = v
			changed = true
		}
	}

	changed = setField(&j.CreatedAt, p.CreatedAt) || changed
	changed = setField(&j.UpdatedAt, p.UpdatedAt) || changed
	changed = setField(&j.TotalFiles, p.TotalFiles) || changed
	changed = setField(&j.TotalBytes, p.TotalBytes) || changed
	changed = setField(&j.Title, p.Title) || changed
	changed = setField(&j.Description, p.Description) || changed
	changed = setField(&j.FileName, p.FileName) || changed
	changed = setField(&j.PatientLabel, p.PatientLabel) || changed
	changed = setField(&j.Message, p.Message) || changed

	if p.ETASeconds != nil && (j.ETASeconds == nil || *j.ETASeconds != *p.ETASeconds) {
		eta := *p.ETASeconds
		j.ETASeconds = &eta
		changed = true
	}
	if p.Tags != nil && !slices.Equal(j.Tags, p.Tags) {
		j.Tags = slices.Clone(p.Tags)
		changed = true
	}
	if p.Results != nil && !reflect.DeepEqual(j.Results, p.Results) {
		j.Results = p.Results
		changed = true
	}

	return j, changed
}

func setField[T comparable](dst *T, src *T) bool {
	if src == nil || *dst == *src {
		return false
	}
	*dst = *src
	return true
}

func clampPercent(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(v, 100)
}
