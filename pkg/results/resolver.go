package results

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/studyflow/internal/metrics"
	"github.com/3leaps/studyflow/pkg/apiclient"
	"github.com/3leaps/studyflow/pkg/eventloop"
	"github.com/3leaps/studyflow/pkg/joberr"
	"github.com/3leaps/studyflow/pkg/jobregistry"
)

// Default retry settings for transport failures.
const (
	DefaultRetryDelay = 5 * time.Second
	DefaultMaxRetries = 3
)

// Fetcher retrieves the results sub-resource of a job.
type Fetcher interface {
	FetchResults(ctx context.Context, jobID string) (*apiclient.ResultsDocument, error)
}

// Resolver fetches results once per job, the first time it succeeds.
//
// Trigger and Force must be called on the loop. Fetches run on their own
// goroutines and post completions back to the loop, where the result is
// upserted into the registry if the job still exists.
//
// A not-found response means results are not materialized yet and is
// ignored. Transport failures are retried silently after RetryDelay, up to
// MaxRetries times.
type Resolver struct {
	loop  *eventloop.Loop
	reg   *jobregistry.Registry
	fetch Fetcher
	norm  *Normalizer

	retryDelay time.Duration
	maxRetries int

	log     *zap.Logger
	metrics *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc

	// Loop-owned state.
	fired    map[jobregistry.JobID]bool
	attempts map[jobregistry.JobID]*attempt
}

type attempt struct {
	cancel context.CancelFunc
	timer  eventloop.Timer
	tries  int
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) ResolverOption {
	return func(r *Resolver) {
		if log != nil {
			r.log = log
		}
	}
}

// WithMetrics records fetch outcomes in c.
func WithMetrics(c *metrics.Collector) ResolverOption {
	return func(r *Resolver) { r.metrics = c }
}

// WithRetry sets the transport retry policy.
func WithRetry(delay time.Duration, max int) ResolverOption {
	return func(r *Resolver) {
		if delay > 0 {
			r.retryDelay = delay
		}
		if max >= 0 {
			r.maxRetries = max
		}
	}
}

// NewResolver creates a resolver writing into reg.
func NewResolver(loop *eventloop.Loop, reg *jobregistry.Registry, fetch Fetcher, opts ...ResolverOption) *Resolver {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Resolver{
		loop:       loop,
		reg:        reg,
		fetch:      fetch,
		retryDelay: DefaultRetryDelay,
		maxRetries: DefaultMaxRetries,
		log:        zap.NewNop(),
		ctx:        ctx,
		cancel:     cancel,
		fired:      make(map[jobregistry.JobID]bool),
		attempts:   make(map[jobregistry.JobID]*attempt),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.norm = NewNormalizer(r.log)
	return r
}

// Trigger fetches results for id unless it already fired. It reports whether
// a fetch was started.
func (r *Resolver) Trigger(id jobregistry.JobID) bool {
	if !id.IsAssigned() || r.fired[id] || r.ctx.Err() != nil {
		return false
	}
	r.fired[id] = true
	r.start(id, 0)
	return true
}

// Force fetches results for id even if it already fired, replacing any
// fetch in flight.
func (r *Resolver) Force(id jobregistry.JobID) bool {
	if !id.IsAssigned() || r.ctx.Err() != nil {
		return false
	}
	r.stop(id)
	r.fired[id] = true
	r.start(id, 0)
	return true
}

// Fired reports whether id has been triggered.
func (r *Resolver) Fired(id jobregistry.JobID) bool {
	return r.fired[id]
}

// Forget stops any fetch for id and lets it fire again.
func (r *Resolver) Forget(id jobregistry.JobID) {
	r.stop(id)
	delete(r.fired, id)
}

// Close cancels every fetch and retry. Later triggers are ignored.
func (r *Resolver) Close() {
	r.cancel()
	for id := range r.attempts {
		r.stop(id)
	}
}

func (r *Resolver) stop(id jobregistry.JobID) {
	a, ok := r.attempts[id]
	if !ok {
		return
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	delete(r.attempts, id)
}

func (r *Resolver) start(id jobregistry.JobID, tries int) {
	ctx, cancel := context.WithCancel(r.ctx)
	a := &attempt{cancel: cancel, tries: tries}
	r.attempts[id] = a

	r.log.Debug("Fetching results", zap.String("job_id", id.String()), zap.Int("attempt", tries+1))

	go func() {
		doc, err := r.fetch.FetchResults(ctx, id.String())
		r.loop.Post(func() { r.complete(id, a, doc, err) })
	}()
}

// complete runs on the loop.
func (r *Resolver) complete(id jobregistry.JobID, a *attempt, doc *apiclient.ResultsDocument, err error) {
	if r.attempts[id] != a {
		return
	}
	a.cancel()
	delete(r.attempts, id)

	if _, exists := r.reg.Get(id); !exists {
		return
	}

	switch {
	case err == nil:
	case joberr.IsCancelled(err):
		return
	case joberr.IsNotFound(err):
		r.metrics.RecordResults(metrics.ResultsNotFound)
		r.log.Debug("Results not materialized yet", zap.String("job_id", id.String()))
		return
	default:
		r.metrics.RecordResults(metrics.ResultsError)
		r.retry(id, a.tries, err)
		return
	}

	payload, err := r.norm.Normalize(doc.Results, doc.ParsedAt.Time)
	if err != nil {
		r.metrics.RecordResults(metrics.ResultsError)
		r.log.Warn("Discarding malformed results", zap.String("job_id", id.String()), zap.Error(err))
		return
	}

	r.metrics.RecordResults(metrics.ResultsFetched)
	r.reg.Upsert(jobregistry.Patch{ID: id, Results: payload})
}

func (r *Resolver) retry(id jobregistry.JobID, tries int, err error) {
	if tries >= r.maxRetries || r.ctx.Err() != nil {
		r.log.Warn("Giving up on results fetch",
			zap.String("job_id", id.String()),
			zap.Int("attempts", tries+1),
			zap.Error(err),
		)
		return
	}
	r.log.Debug("Retrying results fetch",
		zap.String("job_id", id.String()),
		zap.Duration("delay", r.retryDelay),
		zap.Error(err),
	)

	a := &attempt{tries: tries + 1}
	r.attempts[id] = a
	a.timer = r.loop.After(r.retryDelay, func() {
		if r.attempts[id] != a {
			return
		}
		r.start(id, a.tries)
	})
}
