// Package workspace wires the job lifecycle components into one engine.
//
// A Workspace owns the event loop, the job registry and everything that
// writes into it: the upload coordinator, the push-channel sync, the results
// resolver and the optional on-disk cache. Callers on any goroutine use its
// methods; each one hops onto the loop for registry access.
package workspace

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/studyflow/internal/metrics"
	"github.com/3leaps/studyflow/pkg/apiclient"
	"github.com/3leaps/studyflow/pkg/archive"
	"github.com/3leaps/studyflow/pkg/eventloop"
	"github.com/3leaps/studyflow/pkg/jobregistry"
	"github.com/3leaps/studyflow/pkg/manifest"
	"github.com/3leaps/studyflow/pkg/realtime"
	"github.com/3leaps/studyflow/pkg/resource"
	"github.com/3leaps/studyflow/pkg/results"
	"github.com/3leaps/studyflow/pkg/upload"
)

// CloseTimeout bounds how long Close waits for the loop to tear down.
const CloseTimeout = 5 * time.Second

// API is the backend surface the workspace needs.
type API interface {
	upload.Creator
	results.Fetcher
	resource.JobFileFetcher
	FetchJob(ctx context.Context, jobID string) (*apiclient.JobDocument, error)
	ListJobs(ctx context.Context) ([]apiclient.JobDocument, error)
}

// Workspace is the job lifecycle engine.
type Workspace struct {
	loop      *eventloop.Loop
	reg       *jobregistry.Registry
	api       API
	store     *jobregistry.Store
	uploads   *upload.Coordinator
	sync      *realtime.Sync
	resolver  *results.Resolver
	resources resource.Source
	extractor *archive.Extractor

	log     *zap.Logger
	metrics *metrics.Collector

	syncOpts     []realtime.Option
	uploadOpts   []upload.Option
	resolverOpts []results.ResolverOption

	mu          sync.Mutex
	attempts    []*upload.Attempt
	keepSettled int
	stop        context.CancelFunc
	done        chan struct{}
	closed      bool

	// Loop-owned.
	unsubscribe []func()
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithStore mirrors server-assigned jobs into s and records submissions
// next to them for later retries.
func WithStore(s *jobregistry.Store) Option {
	return func(w *Workspace) { w.store = s }
}

// WithResources overrides where resource references are fetched from.
// Defaults to job files on the backend.
func WithResources(src resource.Source) Option {
	return func(w *Workspace) {
		if src != nil {
			w.resources = src
		}
	}
}

// WithExtractor overrides the archive extractor.
func WithExtractor(e *archive.Extractor) Option {
	return func(w *Workspace) {
		if e != nil {
			w.extractor = e
		}
	}
}

// WithSyncOptions passes options to the push-channel sync.
func WithSyncOptions(opts ...realtime.Option) Option {
	return func(w *Workspace) { w.syncOpts = append(w.syncOpts, opts...) }
}

// WithUploadOptions passes options to the upload coordinator.
func WithUploadOptions(opts ...upload.Option) Option {
	return func(w *Workspace) { w.uploadOpts = append(w.uploadOpts, opts...) }
}

// WithResolverOptions passes options to the results resolver.
func WithResolverOptions(opts ...results.ResolverOption) Option {
	return func(w *Workspace) { w.resolverOpts = append(w.resolverOpts, opts...) }
}

// WithSettledAttempts sets how many settled uploads stay available for
// in-session retries. In-flight uploads are always tracked.
func WithSettledAttempts(n int) Option {
	return func(w *Workspace) {
		if n >= 0 {
			w.keepSettled = n
		}
	}
}

// WithLogger sets the logger for the workspace and its components.
func WithLogger(log *zap.Logger) Option {
	return func(w *Workspace) {
		if log != nil {
			w.log = log
		}
	}
}

// WithMetrics records lifecycle metrics in m.
func WithMetrics(m *metrics.Collector) Option {
	return func(w *Workspace) { w.metrics = m }
}

// New builds a workspace on loop. Call Start to run the loop.
func New(loop *eventloop.Loop, api API, dial realtime.Dialer, opts ...Option) *Workspace {
	w := &Workspace{
		loop:        loop,
		api:         api,
		extractor:   archive.New(),
		log:         zap.NewNop(),
		keepSettled: DefaultSettledAttempts,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.resources == nil {
		w.resources = resource.NewRouter().Handle(resource.KindJob, resource.NewJobSource(api))
	}

	w.reg = jobregistry.NewRegistry(jobregistry.WithLogger(w.log.Named("registry")))

	w.resolver = results.NewResolver(loop, w.reg, api, append([]results.ResolverOption{
		results.WithLogger(w.log.Named("results")),
		results.WithMetrics(w.metrics),
	}, w.resolverOpts...)...)

	w.sync = realtime.New(loop, w.reg, dial, append([]realtime.Option{
		realtime.WithResults(w.resolver),
		realtime.WithLogger(w.log.Named("sync")),
		realtime.WithMetrics(w.metrics),
	}, w.syncOpts...)...)

	uploadOpts := []upload.Option{
		upload.WithHandoff(w.sync),
		upload.WithExtractor(w.extractor),
		upload.WithLogger(w.log.Named("upload")),
		upload.WithMetrics(w.metrics),
	}
	if w.store != nil {
		uploadOpts = append(uploadOpts, upload.WithRecorder(w.recordSubmission))
		w.unsubscribe = append(w.unsubscribe, w.reg.Subscribe(jobregistry.Persist(w.store, w.log.Named("cache"))))
	}
	w.uploads = upload.New(loop, w.reg, api, append(uploadOpts, w.uploadOpts...)...)
	return w
}

// Start runs the event loop on its own goroutine until ctx is done or Close
// is called.
func (w *Workspace) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil || w.closed {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.stop = cancel
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		if err := w.loop.Run(ctx); err != nil && ctx.Err() == nil {
			w.log.Error("Event loop stopped", zap.Error(err))
		}
	}()
}

// Close cancels in-flight uploads, tears down every channel and fetch, and
// stops the loop.
func (w *Workspace) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	attempts := w.attempts
	w.attempts = nil
	stop, done := w.stop, w.done
	w.mu.Unlock()

	for _, a := range attempts {
		a.Cancel()
	}

	if done == nil {
		w.teardown()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), CloseTimeout)
	defer cancel()
	err := w.loop.Do(ctx, w.teardown)
	stop()
	<-done
	return err
}

func (w *Workspace) teardown() {
	w.sync.Close()
	w.resolver.Close()
	for _, unsub := range w.unsubscribe {
		unsub()
	}
	w.unsubscribe = nil
}

// Loop returns the workspace's event loop.
func (w *Workspace) Loop() *eventloop.Loop { return w.loop }

// Store returns the job cache, or nil.
func (w *Workspace) Store() *jobregistry.Store { return w.store }

func (w *Workspace) recordSubmission(jobID string, sub *manifest.Submission) error {
	return manifest.Save(w.store.SubmissionPath(jobID), sub)
}
