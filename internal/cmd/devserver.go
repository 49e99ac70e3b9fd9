package cmd

import (
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/studyflow/internal/metrics"
	"github.com/3leaps/studyflow/internal/observability"
	"github.com/3leaps/studyflow/internal/server"
	"github.com/3leaps/studyflow/internal/server/backend"
	"github.com/3leaps/studyflow/internal/server/handlers"
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run a local analysis backend for development",
	Long: `Serve the job API and push channels from memory.

Uploaded studies are processed by a simulator that advances each job in
steps and attaches a generated results workbook when it succeeds. The API
token (--token or api.token) is required from clients when set.`,
	Example: `  studyflow devserver --port 8000
  studyflow devserver --fail-rate 0.2 --step 200ms`,
	Args: cobra.NoArgs,
	RunE: runDevserver,
}

var (
	devHost     string
	devPort     int
	devStep     time.Duration
	devSteps    int
	devFailRate float64
)

func init() {
	rootCmd.AddCommand(devserverCmd)

	devserverCmd.Flags().StringVar(&devHost, "host", "", "Listen host (default from server.host)")
	devserverCmd.Flags().IntVar(&devPort, "port", 0, "Listen port (default from server.port)")
	devserverCmd.Flags().DurationVar(&devStep, "step", 0, "Simulated processing step (default from server.simulator_step)")
	devserverCmd.Flags().IntVar(&devSteps, "steps", backend.DefaultSteps, "Simulated processing steps per job")
	devserverCmd.Flags().Float64Var(&devFailRate, "fail-rate", 0, "Probability that a simulated job fails")
}

func runDevserver(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	log := observability.CLILogger
	cfg := appCfg.Server

	host, port := cfg.Host, cfg.Port
	if devHost != "" {
		host = devHost
	}
	if cmd.Flags().Changed("port") {
		port = devPort
	}
	step := cfg.SimulatorStep
	if devStep > 0 {
		step = devStep
	}
	if devFailRate < 0 || devFailRate > 1 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --fail-rate", nil)
	}

	opts := []server.Option{
		server.WithToken(appCfg.API.Token),
		server.WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
		server.WithTimeouts(cfg.ReadTimeout, cfg.WriteTimeout, cfg.IdleTimeout, cfg.ShutdownTimeout),
		server.WithSimulator(
			backend.WithStep(step),
			backend.WithSteps(devSteps),
			backend.WithFailureRate(devFailRate),
		),
		server.WithLogger(log.Named("devserver")),
	}
	if appCfg.Metrics.Enabled {
		opts = append(opts, server.WithMetrics(metrics.NewCollector()))
	}

	srv := server.New(host, port, opts...)
	if err := srv.Listen(); err != nil {
		log.Error("Failed to bind", zap.String("addr", srv.Addr()), zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start dev server", err)
	}
	log.Info("Dev server ready",
		zap.String("api", "http://"+srv.Addr()),
		zap.Duration("step", step),
		zap.Bool("auth", appCfg.API.Token != ""),
	)

	if err := srv.ListenAndServe(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Dev server failed", err)
	}
	return nil
}
