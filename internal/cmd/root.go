// Package cmd implements the studyflow command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/studyflow/internal/config"
	"github.com/3leaps/studyflow/internal/observability"
)

// versionInfo is stamped by main via SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata for the version command and the dev
// server's /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// AppIdentity names the binary and its config surface.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var appIdentity *AppIdentity

// GetAppIdentity returns the identity set up by the root command, or nil
// before it ran.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

// Persistent flags.
var (
	cfgFile    string
	verbose    bool
	jsonOutput bool
	apiURL     string
	apiToken   string
	workDir    string
)

// appCfg is the configuration loaded for the running command.
var appCfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "studyflow",
	Short: "Submit imaging studies for analysis and follow them to results",
	Long: `studyflow uploads DICOM studies to the analysis backend, follows each job
over its push channel until it finishes, and fetches the normalized results.

Jobs are cached under the workspace directory so their last known state is
available offline, and every submission is recorded so it can be retried.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: ./studyflow.yaml, then the user config dir)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	pf.BoolVar(&jsonOutput, "json", false, "Emit JSONL records instead of tables")
	pf.StringVar(&apiURL, "api-url", "", "Analysis API base URL")
	pf.StringVar(&apiToken, "token", "", "Bearer token for the API")
	pf.StringVar(&workDir, "workspace", "", "Job cache directory")
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	appIdentity = &AppIdentity{
		BinaryName: config.AppName,
		EnvPrefix:  strings.TrimSuffix(config.EnvPrefix, "_"),
		ConfigName: config.FileName,
	}

	config.UseFile(cfgFile)
	cfg, err := config.Load(commandContext(cmd), flagOverrides())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	appCfg = cfg

	observability.InitFromLevel(config.AppName, cfg.Logging.Level, cfg.Logging.Encoding, verbose)
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("file", config.ConfigFile()),
		zap.String("api", cfg.API.BaseURL),
		zap.String("workspace", cfg.Workspace.Dir),
	)
	return nil
}

// flagOverrides maps explicitly set persistent flags onto config paths.
func flagOverrides() map[string]any {
	out := map[string]any{}
	set := func(path, val string) {
		if strings.TrimSpace(val) == "" {
			return
		}
		parts := strings.SplitN(path, ".", 2)
		section, ok := out[parts[0]].(map[string]any)
		if !ok {
			section = map[string]any{}
			out[parts[0]] = section
		}
		section[parts[1]] = val
	}
	set("api.base_url", apiURL)
	set("api.token", apiToken)
	set("workspace.dir", workDir)
	return out
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(strings.ToLower(message))
	}
	return &ExitError{Code: code, Message: message, Err: err}
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "Error:", err)

	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	return 1
}
