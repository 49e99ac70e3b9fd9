package cmd

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/studyflow/internal/config"
	"github.com/3leaps/studyflow/internal/metrics"
	"github.com/3leaps/studyflow/internal/observability"
	"github.com/3leaps/studyflow/pkg/apiclient"
	"github.com/3leaps/studyflow/pkg/archive"
	"github.com/3leaps/studyflow/pkg/eventloop"
	"github.com/3leaps/studyflow/pkg/jobregistry"
	"github.com/3leaps/studyflow/pkg/match"
	"github.com/3leaps/studyflow/pkg/realtime"
	"github.com/3leaps/studyflow/pkg/resource"
	"github.com/3leaps/studyflow/pkg/resource/s3"
	"github.com/3leaps/studyflow/pkg/results"
	"github.com/3leaps/studyflow/pkg/upload"
	"github.com/3leaps/studyflow/pkg/workspace"
)

// env is the runtime built from configuration for one command.
type env struct {
	cfg     *config.Config
	api     *apiclient.Client
	store   *jobregistry.Store
	ws      *workspace.Workspace
	metrics *metrics.Collector

	metricsSrv *http.Server
}

// newEnv builds the API client, job cache and workspace, and starts the
// workspace loop. Callers must Close it.
func newEnv(ctx context.Context, extra ...upload.Option) (*env, error) {
	cfg := appCfg
	if cfg == nil {
		cfg = config.GetConfig()
	}
	log := observability.CLILogger

	api, err := apiclient.New(apiclient.Config{
		BaseURL:   cfg.API.BaseURL,
		WSURL:     cfg.API.WSURL,
		Timeout:   cfg.API.Timeout,
		RateLimit: cfg.API.RateLimit,
		Tokens:    apiclient.StaticToken(cfg.API.Token),
		Logger:    log.Named("api"),
	})
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid API configuration", err)
	}

	matcher, err := match.New(match.Config{Includes: acceptPatterns(cfg), Excludes: cfg.Upload.Exclude})
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid upload patterns", err)
	}

	e := &env{cfg: cfg, api: api}
	if cfg.Metrics.Enabled {
		e.metrics = metrics.NewCollector()
		e.serveMetrics(log)
	}

	extractor := archive.New(archive.WithMaxEntrySize(cfg.Upload.MaxEntrySize))
	resources, err := resourceRouter(ctx, cfg, api)
	if err != nil {
		e.Close()
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid storage configuration", err)
	}

	var syncOpts []realtime.Option
	if cfg.Sync.Backoff > 0 {
		syncOpts = append(syncOpts, realtime.WithBackoff(cfg.Sync.Backoff))
	}
	if cfg.Sync.FaultRate > 0 {
		syncOpts = append(syncOpts, realtime.WithFaults(realtime.NewRandomFaults(cfg.Sync.FaultRate, uint64(time.Now().UnixNano()))))
		log.Warn("Injecting push channel faults", zap.Float64("rate", cfg.Sync.FaultRate))
	}

	opts := []workspace.Option{
		workspace.WithResources(resources),
		workspace.WithExtractor(extractor),
		workspace.WithSyncOptions(syncOpts...),
		workspace.WithUploadOptions(append([]upload.Option{upload.WithMatcher(matcher)}, extra...)...),
		workspace.WithResolverOptions(results.WithRetry(cfg.Results.RetryDelay, cfg.Results.MaxRetries)),
		workspace.WithLogger(log),
		workspace.WithMetrics(e.metrics),
	}
	if dir := strings.TrimSpace(cfg.Workspace.Dir); dir != "" {
		e.store = jobregistry.NewStore(dir)
		opts = append(opts, workspace.WithStore(e.store))
	}

	loop := eventloop.New(eventloop.WithLogger(log.Named("loop")))
	dialer := realtime.NewWebsocketDialer(api, cfg.Sync.HandshakeTimeout)
	e.ws = workspace.New(loop, api, dialer, opts...)
	e.ws.Start(ctx)
	return e, nil
}

// Close stops the workspace and the metrics listener.
func (e *env) Close() {
	if e.ws != nil {
		if err := e.ws.Close(); err != nil {
			observability.CLILogger.Debug("Workspace close", zap.Error(err))
		}
	}
	if e.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.metricsSrv.Shutdown(ctx)
	}
}

func (e *env) serveMetrics(log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.metrics.Handler())
	e.metricsSrv = &http.Server{
		Addr:              e.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := e.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("Metrics listener stopped", zap.String("addr", e.cfg.Metrics.Addr), zap.Error(err))
		}
	}()
	log.Debug("Serving metrics", zap.String("addr", e.cfg.Metrics.Addr))
}

func acceptPatterns(cfg *config.Config) []string {
	if len(cfg.Upload.Accept) == 0 {
		return match.UploadPatterns
	}
	return cfg.Upload.Accept
}

// resourceRouter resolves job references against the API, and s3:// ones
// against storage when a bucket or endpoint is configured.
func resourceRouter(ctx context.Context, cfg *config.Config, api *apiclient.Client) (*resource.Router, error) {
	router := resource.NewRouter().Handle(resource.KindJob, resource.NewJobSource(api))

	st := cfg.Storage
	if strings.TrimSpace(st.Bucket) == "" && strings.TrimSpace(st.Endpoint) == "" {
		return router, nil
	}
	src, err := s3.New(ctx, s3.Config{
		Bucket:          st.Bucket,
		Region:          st.Region,
		Endpoint:        st.Endpoint,
		Profile:         st.Profile,
		AccessKeyID:     st.AccessKeyID,
		SecretAccessKey: st.SecretAccessKey,
		ForcePathStyle:  st.ForcePathStyle,
	})
	if err != nil {
		return nil, err
	}
	return router.Handle(resource.KindS3, src), nil
}

// parseJobID accepts a server job id, with or without a "job:" prefix.
func parseJobID(raw string) (jobregistry.JobID, error) {
	ref, err := resource.Parse(raw)
	if err != nil {
		return jobregistry.JobID{}, err
	}
	if ref.Kind != resource.KindJob {
		return jobregistry.JobID{}, exitError(foundry.ExitInvalidArgument, "Expected a job id", errors.New(raw))
	}
	return jobregistry.Assigned(ref.JobID), nil
}
