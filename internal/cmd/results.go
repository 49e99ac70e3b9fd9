package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/studyflow/internal/observability"
	"github.com/3leaps/studyflow/pkg/joberr"
	"github.com/3leaps/studyflow/pkg/jobregistry"
	"github.com/3leaps/studyflow/pkg/output"
	"github.com/3leaps/studyflow/pkg/results"
)

var resultsCmd = &cobra.Command{
	Use:   "results [job-id]",
	Short: "Show a job's analysis results",
	Long: `Print the normalized results of a finished job.

Cached results are used when present; otherwise they are fetched from the
backend. With --xlsx the results are also written as a workbook. With
--workbook a local results workbook is normalized instead of asking the
backend.`,
	Example: `  studyflow results 42
  studyflow results 42 --xlsx findings.xlsx
  studyflow results --workbook downloaded.xlsx --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResults,
}

var (
	resultsXLSX     string
	resultsWorkbook string
)

func init() {
	rootCmd.AddCommand(resultsCmd)

	resultsCmd.Flags().StringVar(&resultsXLSX, "xlsx", "", "Also write results to this workbook")
	resultsCmd.Flags().StringVar(&resultsWorkbook, "workbook", "", "Normalize a local results workbook")
}

func runResults(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	log := observability.CLILogger

	var (
		id      jobregistry.JobID
		payload *jobregistry.ResultsPayload
	)
	switch {
	case resultsWorkbook != "":
		data, err := os.ReadFile(resultsWorkbook)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to read workbook", err)
		}
		payload, err = results.NewNormalizer(log.Named("results")).ParseWorkbook(data, time.Now().UTC())
		if err != nil {
			log.Error("Workbook is not a results workbook", zap.String("path", resultsWorkbook), zap.Error(err))
			return exitError(foundry.ExitInvalidArgument, "Invalid workbook", err)
		}
		id = jobregistry.Pending(resultsWorkbook)

	case len(args) == 1:
		var err error
		id, err = parseJobID(args[0])
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid job id", err)
		}
		e, err := newEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if _, err := e.ws.LoadCache(ctx); err != nil {
			log.Warn("Failed to read job cache", zap.Error(err))
		}
		payload, err = e.ws.Results(ctx, id)
		if err != nil {
			if joberr.IsNotFound(err) {
				log.Error("Results not available", zap.String("job_id", id.String()))
				return exitError(foundry.ExitFileNotFound, "Results not available", err)
			}
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to fetch results", err)
		}

	default:
		return exitError(foundry.ExitInvalidArgument, "A job id or --workbook is required", nil)
	}

	if resultsXLSX != "" {
		data, err := results.ExportWorkbook(payload)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to build workbook", err)
		}
		if err := os.WriteFile(resultsXLSX, data, 0o644); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write workbook", err)
		}
		log.Info("Workbook written", zap.String("path", resultsXLSX), zap.Int("rows", len(payload.Rows)))
	}

	if jsonOutput {
		jw := newRecordWriter(cmd.OutOrStdout(), "results")
		defer func() { _ = jw.Close() }()
		return jw.WriteResults(ctx, output.ResultsFrom(id, payload))
	}
	if len(payload.Rows) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No findings.")
		return nil
	}
	printResults(cmd.OutOrStdout(), payload)
	return nil
}
