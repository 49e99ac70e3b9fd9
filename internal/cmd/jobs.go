package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/studyflow/internal/observability"
	"github.com/3leaps/studyflow/pkg/joberr"
	"github.com/3leaps/studyflow/pkg/jobregistry"
	"github.com/3leaps/studyflow/pkg/output"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect analysis jobs",
	Long: `List and inspect analysis jobs.

Jobs are read from the local cache first and then refreshed from the
backend. With --offline only the cache is consulted.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsOffline bool

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)

	jobsCmd.PersistentFlags().BoolVar(&jobsOffline, "offline", false, "Use the local cache only")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	log := observability.CLILogger

	e, err := newEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	if jobsOffline {
		if _, err := e.ws.LoadCache(ctx); err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to read job cache", err)
		}
	} else if err := e.ws.Hydrate(ctx); err != nil {
		log.Warn("Backend unreachable, showing cached jobs", zap.Error(err))
	}

	if jsonOutput {
		jobs, err := e.ws.Jobs(ctx)
		if err != nil {
			return err
		}
		jw := newRecordWriter(cmd.OutOrStdout(), "jobs")
		defer func() { _ = jw.Close() }()
		for _, j := range jobs {
			if err := jw.WriteJob(ctx, output.JobFrom(j)); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
			}
		}
		return nil
	}

	items, err := e.ws.History(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		log.Info("No jobs")
		return nil
	}
	printJobTable(cmd.OutOrStdout(), items)
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	id, err := parseJobID(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job id", err)
	}

	e, err := newEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	job, err := lookupJob(cmd, e, id)
	if err != nil {
		return err
	}
	if jsonOutput {
		jw := newRecordWriter(cmd.OutOrStdout(), "status")
		defer func() { _ = jw.Close() }()
		return jw.WriteJob(ctx, output.JobFrom(job))
	}
	printJob(cmd.OutOrStdout(), job)
	return nil
}

// lookupJob returns id from the cache or, unless offline, the backend. The
// backend's view wins when both have it.
func lookupJob(cmd *cobra.Command, e *env, id jobregistry.JobID) (jobregistry.Job, error) {
	ctx := commandContext(cmd)
	log := observability.CLILogger

	if _, err := e.ws.LoadCache(ctx); err != nil {
		log.Warn("Failed to read job cache", zap.Error(err))
	}
	if !jobsOffline {
		doc, err := e.api.FetchJob(ctx, id.String())
		switch {
		case err == nil:
			if err := e.ws.Merge(ctx, *doc); err != nil {
				return jobregistry.Job{}, err
			}
		case joberr.IsNotFound(err):
			log.Error("Job not found", zap.String("job_id", id.String()))
			return jobregistry.Job{}, exitError(foundry.ExitFileNotFound, "Job not found", err)
		default:
			log.Warn("Backend unreachable, using cached job", zap.Error(err))
		}
	}

	job, ok, err := e.ws.Get(ctx, id)
	if err != nil {
		return jobregistry.Job{}, err
	}
	if !ok {
		return jobregistry.Job{}, exitError(foundry.ExitFileNotFound, "Job not found", &joberr.Error{Op: "GetJob", JobID: id.String(), Err: joberr.ErrNotFound})
	}
	return job, nil
}
