package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/studyflow/internal/observability"
	"github.com/3leaps/studyflow/pkg/joberr"
	"github.com/3leaps/studyflow/pkg/output"
)

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job until it finishes",
	Long: `Open the push channel for a job and report its progress until it
succeeds or fails, then print its results.

A dropped channel is reopened after the configured backoff. A job that
already finished is not reconnected; its results are fetched directly.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	log := observability.CLILogger

	id, err := parseJobID(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job id", err)
	}

	e, err := newEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	if n, err := e.ws.LoadCache(ctx); err != nil {
		log.Warn("Failed to read job cache", zap.Error(err))
	} else {
		log.Debug("Loaded job cache", zap.Int("jobs", n))
	}

	var jw *output.JSONLWriter
	if jsonOutput {
		jw = newRecordWriter(cmd.OutOrStdout(), "watch")
		defer func() { _ = jw.Close() }()
	}

	f := newFollower(ctx, e.ws, cmd.OutOrStdout(), jw)
	if err := f.Start(id); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to follow job", err)
	}
	defer f.Stop()

	job, err := e.ws.Open(ctx, id)
	if err != nil {
		if joberr.IsNotFound(err) {
			log.Error("Job not found", zap.String("job_id", id.String()))
			return exitError(foundry.ExitFileNotFound, "Job not found", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open job", err)
	}
	e.ws.Loop().Post(func() { f.snapshot(job) })

	return finishJob(ctx, e.ws, id, cmd, jw)
}
