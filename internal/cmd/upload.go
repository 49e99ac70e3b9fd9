package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/studyflow/internal/observability"
	"github.com/3leaps/studyflow/pkg/joberr"
	"github.com/3leaps/studyflow/pkg/jobregistry"
	"github.com/3leaps/studyflow/pkg/output"
	"github.com/3leaps/studyflow/pkg/upload"
	"github.com/3leaps/studyflow/pkg/workspace"
)

// cancelGrace bounds how long an interrupted upload waits to settle.
const cancelGrace = 5 * time.Second

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Submit a study for analysis",
	Long: `Upload one or more DICOM files or ZIP archives as a single analysis job.

Several files are bundled into one ZIP before sending. Files that are
neither images nor archives are skipped. With --wait the command follows
the job over its push channel and prints the results when it finishes.

Interrupting the command cancels an upload that is still in flight.`,
	Example: `  studyflow upload study.zip --title "Head CT" --patient P-001
  studyflow upload series/*.dcm --tag ct --tag follow-up --wait`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUpload,
}

var (
	uploadTitle       string
	uploadDescription string
	uploadPatient     string
	uploadTags        []string
	uploadWait        bool
)

func init() {
	rootCmd.AddCommand(uploadCmd)

	uploadCmd.Flags().StringVar(&uploadTitle, "title", "", "Job title (defaults to the file name)")
	uploadCmd.Flags().StringVar(&uploadDescription, "description", "", "Free-text description")
	uploadCmd.Flags().StringVar(&uploadPatient, "patient", "", "Patient label")
	uploadCmd.Flags().StringSliceVar(&uploadTags, "tag", nil, "Tag (repeatable)")
	uploadCmd.Flags().BoolVar(&uploadWait, "wait", false, "Follow the job until it finishes and print results")
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	log := observability.CLILogger

	files, err := readUploadFiles(args)
	if err != nil {
		log.Error("Failed to read input", zap.Error(err))
		return exitError(foundry.ExitFileReadError, "Failed to read input", err)
	}

	e, err := newEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	var jw *output.JSONLWriter
	if jsonOutput {
		jw = newRecordWriter(cmd.OutOrStdout(), "upload")
		defer func() { _ = jw.Close() }()
	}

	attempt, err := e.ws.Upload(ctx, upload.Request{
		Files:        files,
		Title:        uploadTitle,
		Description:  uploadDescription,
		PatientLabel: uploadPatient,
		Tags:         uploadTags,
	})
	if err != nil {
		log.Error("Upload rejected", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Upload rejected", err)
	}

	f := newFollower(ctx, e.ws, cmd.OutOrStdout(), jw)
	if err := f.Start(attempt.Placeholder()); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to follow upload", err)
	}
	defer f.Stop()

	res, err := attempt.Wait(ctx)
	if err != nil {
		attempt.Cancel()
		grace, cancel := context.WithTimeout(context.Background(), cancelGrace)
		defer cancel()
		_, _ = attempt.Wait(grace)
		if jw != nil {
			_ = jw.WriteProgress(grace, &output.ProgressRecord{JobID: attempt.Placeholder().String(), Phase: output.PhaseCancelled})
		}
		return exitError(foundry.ExitSignalInt, "Upload interrupted", err)
	}

	switch res.Outcome {
	case upload.OutcomeCancelled:
		return exitError(foundry.ExitSignalInt, "Upload cancelled", res.Err)
	case upload.OutcomeFailed:
		if jw != nil {
			_ = jw.WriteError(ctx, output.ErrorFrom(res.Placeholder.String(), res.Err))
		}
		log.Error("Upload failed", zap.String("file", attempt.FileName()), zap.String("message", res.Message))
		return exitError(uploadExitCode(res.Err), "Upload failed", res.Err)
	}

	f.Follow(res.ID)
	log.Info("Job created",
		zap.String("job_id", res.ID.String()),
		zap.String("file", attempt.FileName()),
		zap.String("size", formatSize(attempt.Size())),
	)
	if !uploadWait {
		if jw == nil {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), res.ID)
		}
		return nil
	}
	return finishJob(ctx, e.ws, res.ID, cmd, jw)
}

// finishJob waits for id to finish and prints its results.
func finishJob(ctx context.Context, ws *workspace.Workspace, id jobregistry.JobID, cmd *cobra.Command, jw *output.JSONLWriter) error {
	job, err := waitTerminal(ctx, ws, id)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return exitError(foundry.ExitSignalInt, "Interrupted", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Lost track of job", err)
	}
	if job.Status == jobregistry.StatusFailed {
		msg := job.Message
		if msg == "" {
			msg = "analysis failed"
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Job failed", errors.New(msg))
	}

	payload, err := ws.Results(ctx, id)
	if err != nil {
		if jw != nil {
			_ = jw.WriteError(ctx, output.ErrorFrom(id.String(), err))
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to fetch results", err)
	}
	if jw != nil {
		return jw.WriteResults(ctx, output.ResultsFrom(id, payload))
	}
	printResults(cmd.OutOrStdout(), payload)
	return nil
}

func readUploadFiles(paths []string) ([]upload.File, error) {
	files := make([]upload.File, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, err
		}
		files = append(files, upload.File{Name: filepath.Base(abs), Path: abs, Data: data})
	}
	return files, nil
}

func uploadExitCode(err error) int {
	switch {
	case joberr.IsValidation(err):
		return foundry.ExitInvalidArgument
	case joberr.IsCancelled(err):
		return foundry.ExitSignalInt
	}
	return foundry.ExitExternalServiceUnavailable
}
