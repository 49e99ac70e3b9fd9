package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/studyflow/internal/observability"
	"github.com/3leaps/studyflow/pkg/joberr"
	"github.com/3leaps/studyflow/pkg/output"
	"github.com/3leaps/studyflow/pkg/upload"
)

var retryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Resubmit the files of an earlier job",
	Long: `Submit again the file set recorded for a job in the local cache.

Every recorded file must still exist with its original size and digest.
The new submission gets a new job id; the original job is left as is.`,
	Args: cobra.ExactArgs(1),
	RunE: runRetry,
}

var retryWait bool

func init() {
	rootCmd.AddCommand(retryCmd)

	retryCmd.Flags().BoolVar(&retryWait, "wait", false, "Follow the new job until it finishes and print results")
}

func runRetry(cmd *cobra.Command, args []string) error {
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

	var jw *output.JSONLWriter
	if jsonOutput {
		jw = newRecordWriter(cmd.OutOrStdout(), "retry")
		defer func() { _ = jw.Close() }()
	}

	attempt, err := e.ws.Retry(ctx, id)
	if err != nil {
		log.Error("Cannot retry job", zap.String("job_id", id.String()), zap.Error(err))
		if joberr.IsValidation(err) {
			return exitError(foundry.ExitFileNotFound, "Cannot retry job", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot retry job", err)
	}

	f := newFollower(ctx, e.ws, cmd.OutOrStdout(), jw)
	if err := f.Start(attempt.Placeholder()); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to follow upload", err)
	}
	defer f.Stop()

	res, err := attempt.Wait(ctx)
	if err != nil {
		attempt.Cancel()
		return exitError(foundry.ExitSignalInt, "Retry interrupted", err)
	}
	if res.Outcome != upload.OutcomeSucceeded {
		if jw != nil && res.Err != nil {
			_ = jw.WriteError(ctx, output.ErrorFrom(id.String(), res.Err))
		}
		return exitError(uploadExitCode(res.Err), "Retry failed", res.Err)
	}

	f.Follow(res.ID)
	log.Info("Job resubmitted", zap.String("previous", id.String()), zap.String("job_id", res.ID.String()))
	if !retryWait {
		if jw == nil {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), res.ID)
		}
		return nil
	}
	return finishJob(ctx, e.ws, res.ID, cmd, jw)
}
