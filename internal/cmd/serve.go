package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/genimpute/internal/config"
	"github.com/3leaps/genimpute/internal/observability"
	"github.com/3leaps/genimpute/internal/server"
	"github.com/3leaps/genimpute/internal/server/handlers"
	"github.com/3leaps/genimpute/pkg/jobregistry"
	"github.com/3leaps/genimpute/pkg/region"
	"github.com/3leaps/genimpute/pkg/scheduler"
	"github.com/3leaps/genimpute/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve health probes and job progress over HTTP",
	Long: `Start the HTTP server without running a pipeline. /progress reports the
latest job of every region found in the job registry.

Endpoints:
  GET /health, /health/live, /health/ready, /health/startup
  GET /version
  GET /progress, /progress.html, /events`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := currentConfig()
	logger := observability.CLILogger

	host, port := cfg.Server.Host, cfg.Server.Port
	if cmd.Flags().Changed("host") {
		host = serveHost
	}
	if cmd.Flags().Changed("port") {
		port = servePort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobsRoot, err := jobsRootDir(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	jobs := jobregistry.NewStore(jobsRoot)

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("identity", identityHealthChecker{
		binaryName: "genimpute",
		envPrefix:  config.EnvPrefix,
		configName: config.ConfigName,
	})
	hm.RegisterChecker("jobs", jobRegistryHealthChecker{store: jobs})

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Warn("Storage unavailable, storage health check disabled", zap.Error(err))
	} else {
		defer closeStore()
		hm.RegisterChecker("storage", storageHealthChecker{store: store, prefix: cfg.Run.OutputPrefix})
	}

	srv := server.New(host, port,
		server.WithProgress(handlers.NewProgress(registryStates{store: jobs}, nil)),
		server.WithVersion(server.VersionInfo(versionInfo)),
		server.WithLogger(logger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return exitError(foundry.ExitSignalInt, "HTTP server shutdown failed", err)
	}
	return nil
}

// identityHealthChecker fails when the binary identity is incomplete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}

type jobRegistryHealthChecker struct {
	store *jobregistry.Store
}

func (c jobRegistryHealthChecker) CheckHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.store.List(); err != nil {
		return fmt.Errorf("job registry: %w", err)
	}
	return nil
}

type storageHealthChecker struct {
	store  *storage.Store
	prefix string
}

func (c storageHealthChecker) CheckHealth(ctx context.Context) error {
	if _, err := c.store.ListDirectories(ctx, c.prefix); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

// registryStates reports the most recent job of each region in the job
// registry as a progress snapshot.
type registryStates struct {
	store *jobregistry.Store
}

func (r registryStates) Snapshot() []scheduler.RegionState {
	jobs, err := r.store.List()
	if err != nil {
		return nil
	}

	latest := make(map[string]scheduler.RegionState)
	for _, j := range jobs {
		if _, seen := latest[j.Region]; seen || j.Region == "" {
			continue
		}
		st := scheduler.RegionState{
			Region: j.Region,
			State:  jobState(j.State),
			JobID:  j.JobID,
			Killed: j.State == jobregistry.JobStateStopped,
		}
		if j.StartedAt != nil {
			st.StartedAt = *j.StartedAt
		}
		if j.EndedAt != nil {
			st.EndedAt = *j.EndedAt
		}
		latest[j.Region] = st
	}

	out := make([]scheduler.RegionState, 0, len(latest))
	for _, st := range latest {
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return region.Less(out[i].Region, out[k].Region) })
	return out
}

func jobState(s jobregistry.JobState) scheduler.JobState {
	switch s {
	case jobregistry.JobStateQueued:
		return scheduler.Waiting
	case jobregistry.JobStateRunning, jobregistry.JobStateStopping:
		return scheduler.Running
	case jobregistry.JobStateSuccess:
		return scheduler.Succeeded
	}
	return scheduler.Failed
}
