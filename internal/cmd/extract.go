package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/studyflow/internal/observability"
	"github.com/3leaps/studyflow/pkg/archive"
	"github.com/3leaps/studyflow/pkg/output"
	"github.com/3leaps/studyflow/pkg/resource"
)

var extractCmd = &cobra.Command{
	Use:   "extract [file]...",
	Short: "List the images a submission would contain",
	Long: `Open local files or ZIP archives, or a stored resource, and list the
candidate files they contain with whether each one looks like a DICOM
image. With --out the images are written to a directory.

--from accepts a server job id (job:42 or 42) or an s3://bucket/key
reference; a key ending in "/" takes every object below it.`,
	Example: `  studyflow extract study.zip
  studyflow extract --from 42 --out ./images
  studyflow extract --from s3://studies/2026/ct-0193/`,
	RunE: runExtract,
}

var (
	extractFrom string
	extractOut  string
)

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().StringVar(&extractFrom, "from", "", "Resource reference to fetch instead of local files")
	extractCmd.Flags().StringVar(&extractOut, "out", "", "Write extracted images to this directory")
}

func runExtract(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	log := observability.CLILogger

	if extractFrom == "" && len(args) == 0 {
		return exitError(foundry.ExitInvalidArgument, "Files or --from are required", nil)
	}

	var (
		files  []archive.File
		source string
		err    error
	)
	if extractFrom != "" {
		ref, perr := resource.Parse(extractFrom)
		if perr != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid resource reference", perr)
		}
		e, eerr := newEnv(ctx)
		if eerr != nil {
			return eerr
		}
		defer e.Close()
		source = ref.String()
		files, err = e.ws.Resources(ctx, ref)
	} else {
		blobs := make([]archive.Blob, 0, len(args))
		for _, p := range args {
			data, rerr := os.ReadFile(p)
			if rerr != nil {
				return exitError(foundry.ExitFileReadError, "Failed to read input", rerr)
			}
			blobs = append(blobs, archive.Blob{Name: filepath.Base(p), Data: data})
		}
		files, err = archive.New(archive.WithMaxEntrySize(appCfg.Upload.MaxEntrySize)).Extract(ctx, blobs)
	}
	if err != nil {
		log.Error("Extraction failed", zap.String("source", source), zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Extraction failed", err)
	}

	if extractOut != "" {
		written, werr := writeImages(extractOut, archive.Images(files))
		if werr != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write images", werr)
		}
		log.Info("Images written", zap.String("dir", extractOut), zap.Int("count", written))
	}

	if jsonOutput {
		jw := newRecordWriter(cmd.OutOrStdout(), "extract")
		defer func() { _ = jw.Close() }()
		for _, f := range files {
			rec := &output.FileRecord{Name: f.Name, Size: f.Size(), SniffedAsImage: f.SniffedAsImage, Source: source}
			if err := jw.WriteFile(ctx, rec); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
			}
		}
		return nil
	}

	tw := newTable(cmd.OutOrStdout())
	_, _ = fmt.Fprintln(tw, "NAME\tSIZE\tIMAGE")
	for _, f := range files {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Name, formatSize(f.Size()), yesNo(f.SniffedAsImage))
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\n%d files, %d images\n", len(files), len(archive.Images(files)))
	return nil
}

// writeImages writes files into dir. Duplicate names get a numeric suffix.
func writeImages(dir string, files []archive.File) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	seen := make(map[string]int)
	for _, f := range files {
		name := f.Name
		if n := seen[name]; n > 0 {
			ext := filepath.Ext(name)
			name = fmt.Sprintf("%s-%d%s", name[:len(name)-len(ext)], n, ext)
		}
		seen[f.Name]++
		if err := os.WriteFile(filepath.Join(dir, name), f.Data, 0o644); err != nil {
			return 0, err
		}
	}
	return len(files), nil
}
