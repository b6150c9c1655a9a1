package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/genimpute/internal/config"
	"github.com/3leaps/genimpute/internal/observability"
	"github.com/3leaps/genimpute/internal/server"
	"github.com/3leaps/genimpute/internal/server/handlers"
	"github.com/3leaps/genimpute/pkg/export"
	"github.com/3leaps/genimpute/pkg/jobunit"
	"github.com/3leaps/genimpute/pkg/notify"
	"github.com/3leaps/genimpute/pkg/output"
	"github.com/3leaps/genimpute/pkg/pipeline"
	"github.com/3leaps/genimpute/pkg/refpanel"
	"github.com/3leaps/genimpute/pkg/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Impute every region and export the results",
	Long: `Run a complete imputation: build one job per chunk manifest in the chunk
directory, run the jobs against the configured reference panel and, when
every region succeeded, merge the outputs into encrypted archives.

Progress records are written as JSONL to stdout (or --output). Pressing
Ctrl-C kills every job and ends the run as canceled.

Example:
  genimpute run --chunk-dir chunks --refpanel hapmap2
  genimpute run --chunk-dir chunks --refpanel 1000g-phase3 --phasing eagle --serve`,
	RunE: func(cmd *cobra.Command, _ []string) error { return runStages(cmd, true, true) },
}

var imputeCmd = &cobra.Command{
	Use:   "impute",
	Short: "Run the imputation jobs without exporting",
	RunE:  func(cmd *cobra.Command, _ []string) error { return runStages(cmd, true, false) },
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Package imputed region outputs into archives",
	Long: `Merge the raw per-region outputs below run.output_prefix into one
password protected zip per region. Chromosome X parts are merged in PAR1,
nonPAR, PAR2 order. Regions listed in export.index_regions get a tabix index.`,
	RunE: func(cmd *cobra.Command, _ []string) error { return runStages(cmd, false, true) },
}

type runFlags struct {
	runID      string
	chunkDir   string
	refPanel   string
	phasing    string
	output     string
	noProgress bool
	serve      bool
}

var rf runFlags

func init() {
	for _, c := range []*cobra.Command{runCmd, imputeCmd, exportCmd} {
		rootCmd.AddCommand(c)
		c.Flags().StringVar(&rf.runID, "run-id", "", "Run identifier (default: generated)")
		c.Flags().StringVarP(&rf.output, "output", "o", "", "Write JSONL records to this file instead of stdout")
		c.Flags().BoolVar(&rf.serve, "serve", false, "Serve progress over HTTP while running")
	}
	for _, c := range []*cobra.Command{runCmd, imputeCmd} {
		c.Flags().StringVar(&rf.chunkDir, "chunk-dir", "", "Directory of per-region chunk manifests")
		c.Flags().StringVar(&rf.refPanel, "refpanel", "", "Reference panel id")
		c.Flags().StringVar(&rf.phasing, "phasing", "", "Phasing method: eagle, shapeit, hapiur or none")
		c.Flags().BoolVar(&rf.noProgress, "no-progress", false, "Disable the terminal progress bar")
	}
}

// applyRunFlags copies explicitly set flags over the loaded config.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("chunk-dir") {
		cfg.Run.ChunkDir = rf.chunkDir
	}
	if cmd.Flags().Changed("refpanel") {
		cfg.Run.RefPanel = rf.refPanel
	}
	if cmd.Flags().Changed("phasing") {
		cfg.Run.Phasing = rf.phasing
	}
}

func newRunID() string {
	return fmt.Sprintf("job-%s-%s", time.Now().UTC().Format("20060102-150405"), uuid.NewString()[:8])
}

func runStages(cmd *cobra.Command, impute, exportStage bool) error {
	cfgCopy := *currentConfig()
	cfg := &cfgCopy
	applyRunFlags(cmd, cfg)

	runID := rf.runID
	if runID == "" {
		runID = newRunID()
	}
	logger := observability.CLILogger.With(zap.String("run_id", runID))

	ctx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	pcfg, err := pipelineConfig(cfg, runID)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid run configuration", err)
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("Failed to open storage", zap.String("provider", cfg.Storage.Provider), zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open storage", err)
	}
	defer closeStore()

	var panels *refpanel.Registry
	var backend scheduler.Backend
	if impute {
		panels, err = refpanel.Load(cfg.Panels)
		if err != nil {
			logger.Error("Failed to load reference panels", zap.String("path", cfg.Panels), zap.Error(err))
			return exitError(foundry.ExitFileReadError, "Failed to load reference panels", err)
		}
		executor, err := newExecutor(cfg, logger)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid executor configuration", err)
		}
		backend = executor
	}

	var dest io.Writer = os.Stdout
	if rf.output != "" {
		f, err := os.Create(rf.output)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to create output file", err)
		}
		defer func() { _ = f.Close() }()
		dest = f
	}
	out := output.NewJSONLWriter(dest, runID)
	defer func() { _ = out.Close() }()

	bus, err := connectBus(cfg)
	if err != nil {
		logger.Warn("Event bus unavailable, continuing without NATS", zap.Error(err))
		bus = &eventBus{}
	}
	defer bus.Close()

	rec := notify.NewRecorder()
	sink := newSink(cfg, runID, out, rec, bus)

	opts := []pipeline.Option{pipeline.WithLogger(logger), pipeline.WithOutput(out)}
	if exportStage && cfg.Notify.Enabled {
		mailer, err := newMailer(cfg, bus)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid notification configuration", err)
		}
		opts = append(opts, pipeline.WithMailer(mailer))
	}

	p := pipeline.New(pcfg, store, backend, panels, sink, opts...)

	if rf.serve {
		stopServer := startProgressServer(cfg, p, rec, logger)
		defer stopServer()
	}

	if impute {
		var bar *progressBar
		if !rf.noProgress {
			bar = startProgressBar(os.Stderr, p.Snapshot, time.Second)
		}
		_, err := p.Impute(ctx)
		if bar != nil {
			bar.Stop()
		}
		if err != nil {
			return runExitError(err)
		}
	}

	if exportStage {
		res, err := p.Export(ctx)
		if err != nil {
			return runExitError(err)
		}
		printArchives(res)
	}
	return nil
}

// runExitError maps pipeline errors onto exit codes.
func runExitError(err error) error {
	switch {
	case errors.Is(err, pipeline.ErrCancelled), errors.Is(err, context.Canceled):
		return exitError(foundry.ExitSignalInt, "Run canceled", err)
	case errors.Is(err, pipeline.ErrJobFailed):
		return exitError(foundry.ExitExternalServiceUnavailable, "Imputation failed", err)
	case errors.Is(err, pipeline.ErrNotification):
		return exitError(foundry.ExitExternalServiceUnavailable, "Notification failed", err)
	case errors.Is(err, pipeline.ErrNoRegions):
		return exitError(foundry.ExitFileNotFound, "Nothing to export", err)
	case errors.Is(err, refpanel.ErrPanelNotFound),
		errors.Is(err, refpanel.ErrAuxFileNotFound),
		errors.Is(err, refpanel.ErrUnknownPhasing),
		errors.Is(err, refpanel.ErrNoPhasingMethod),
		errors.Is(err, jobunit.ErrNoChunks):
		return exitError(foundry.ExitInvalidArgument, "Invalid run input", err)
	case errors.Is(err, export.ErrMissingHeader):
		return exitError(foundry.ExitFileNotFound, "Export failed", err)
	}
	var toolErr *export.ToolError
	if errors.As(err, &toolErr) {
		return exitError(foundry.ExitExternalServiceUnavailable, "Export failed", err)
	}
	return exitError(foundry.ExitFileWriteError, "Run failed", err)
}

func printArchives(res *export.Result) {
	if res == nil {
		return
	}
	for _, a := range res.Archives {
		observability.CLILogger.Info("Archive written",
			zap.String("region", a.Region),
			zap.String("path", a.Path),
			zap.Int64("size", a.Size),
			zap.Bool("indexed", a.Indexed))
	}
}

func startProgressServer(cfg *config.Config, p *pipeline.Pipeline, rec *notify.Recorder, logger *zap.Logger) func() {
	handlers.InitHealthManager(versionInfo.Version)
	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithProgress(handlers.NewProgress(p, rec)),
		server.WithVersion(server.VersionInfo(versionInfo)),
		server.WithLogger(logger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout))

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Warn("Progress server stopped", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
