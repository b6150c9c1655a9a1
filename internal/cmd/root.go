// Package cmd implements the genimpute command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/genimpute/internal/config"
	"github.com/3leaps/genimpute/internal/observability"
)

// VersionInfo describes the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

var versionInfo = VersionInfo{Version: "dev", Commit: "HEAD", BuildDate: "unknown"}

// SetVersionInfo is called from main with values injected at link time.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile string
	verbose bool

	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "genimpute",
	Short: "Parallel genotype imputation runner",
	Long: `genimpute dispatches one imputation job per chromosome region against a
reference panel, supervises the jobs with bounded concurrency and stops the
whole run on the first failure. Once every region succeeded it merges the
per-region outputs into indexed, password protected archives.

Configuration is read from genimpute.yaml, GENIMPUTE_* environment variables
and a .env file in the working directory.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ./genimpute.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCodeOf(err))
	}
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	config.ConfigFile = cfgFile
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	appConfig = cfg

	observability.InitCLILogger("genimpute", verbose)
	if !verbose {
		observability.CLILogger = observability.NewLogger("genimpute", observability.ParseLevel(cfg.Logging.Level))
	}
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("storage", cfg.Storage.Provider),
		zap.String("data_dir", cfg.DataDir))
	return nil
}

// currentConfig returns the loaded configuration, loading defaults when a
// command runs without the root pre-run hook.
func currentConfig() *config.Config {
	if appConfig != nil {
		return appConfig
	}
	if cfg := config.GetConfig(); cfg != nil {
		return cfg
	}
	cfg, err := config.Load(rootCmd.Context())
	if err != nil {
		return &config.Config{}
	}
	return cfg
}
