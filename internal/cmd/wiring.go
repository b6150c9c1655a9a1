package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/3leaps/genimpute/internal/config"
	"github.com/3leaps/genimpute/internal/observability"
	"github.com/3leaps/genimpute/pkg/export"
	"github.com/3leaps/genimpute/pkg/jobregistry"
	"github.com/3leaps/genimpute/pkg/jobunit"
	"github.com/3leaps/genimpute/pkg/notify"
	"github.com/3leaps/genimpute/pkg/output"
	"github.com/3leaps/genimpute/pkg/pipeline"
	"github.com/3leaps/genimpute/pkg/provider"
	"github.com/3leaps/genimpute/pkg/provider/file"
	"github.com/3leaps/genimpute/pkg/provider/s3"
	"github.com/3leaps/genimpute/pkg/refpanel"
	"github.com/3leaps/genimpute/pkg/scheduler"
	"github.com/3leaps/genimpute/pkg/storage"
)

// openStore opens the configured storage provider. The returned close
// function releases the provider.
func openStore(ctx context.Context, cfg *config.Config) (*storage.Store, func(), error) {
	var p provider.Provider
	switch cfg.Storage.Provider {
	case "s3":
		sp, err := s3.New(ctx, s3.Config{
			Bucket:          cfg.Storage.S3.Bucket,
			Region:          cfg.Storage.S3.Region,
			Endpoint:        cfg.Storage.S3.Endpoint,
			Profile:         cfg.Storage.S3.Profile,
			AccessKeyID:     cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: cfg.Storage.S3.SecretAccessKey,
			ForcePathStyle:  cfg.Storage.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, nil, err
		}
		p = sp
	default:
		base := cfg.Storage.File.BaseDir
		if base == "" {
			wd, err := os.Getwd()
			if err != nil {
				return nil, nil, err
			}
			base = wd
		}
		fp, err := file.New(file.Config{BaseDir: base})
		if err != nil {
			return nil, nil, err
		}
		p = fp
	}
	return storage.New(p), func() { _ = p.Close() }, nil
}

func jobsRootDir(cfg *config.Config) (string, error) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		return "", fmt.Errorf("data_dir is not configured")
	}
	return filepath.Join(cfg.DataDir, "jobs"), nil
}

func newExecutor(cfg *config.Config, logger *zap.Logger) (*jobregistry.Executor, error) {
	root, err := jobsRootDir(cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.Executor.Command) == 0 {
		return nil, fmt.Errorf("executor.command is not configured")
	}
	return jobregistry.NewExecutor(jobregistry.Config{
		Root:      root,
		Command:   cfg.Executor.Command,
		WorkDir:   cfg.Executor.WorkDir,
		Env:       cfg.Executor.Env,
		KillGrace: cfg.Executor.KillGrace,
	}, logger)
}

// eventBus holds the optional NATS connection shared by the event sink and
// the nats mail transport.
type eventBus struct {
	conn *nats.Conn
}

func connectBus(cfg *config.Config) (*eventBus, error) {
	bus := &eventBus{}
	if cfg.Events.NATSURL == "" {
		return bus, nil
	}
	nc, err := notify.Connect(cfg.Events.NATSURL)
	if err != nil {
		return nil, err
	}
	bus.conn = nc
	return bus, nil
}

func (b *eventBus) Close() {
	if b.conn != nil {
		_ = b.conn.Drain()
	}
}

// newSink fans task reports out to the log, the JSONL output, the in-memory
// recorder and, when connected, NATS.
func newSink(cfg *config.Config, runID string, out output.Writer, rec *notify.Recorder, bus *eventBus) notify.Sink {
	logger := observability.CLILogger
	sinks := []notify.Sink{notify.NewLogSink(logger), rec}
	if out != nil {
		sinks = append(sinks, notify.NewJSONLSink(out))
	}
	if bus != nil && bus.conn != nil {
		sinks = append(sinks, notify.NewNATSSink(bus.conn, cfg.Events.SubjectPrefix, runID, logger))
	}
	return notify.Multi(sinks...)
}

func newMailer(cfg *config.Config, bus *eventBus) (notify.Mailer, error) {
	switch cfg.Notify.Transport {
	case "nats":
		if bus == nil || bus.conn == nil {
			return nil, fmt.Errorf("notify.transport nats requires events.nats_url")
		}
		return notify.NewNATSMailer(bus.conn, cfg.Notify.NATSSubject), nil
	default:
		return notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.Notify.SMTP.Host,
			Port:     cfg.Notify.SMTP.Port,
			Username: cfg.Notify.SMTP.Username,
			Password: cfg.Notify.SMTP.Password,
			From:     cfg.Notify.SMTP.From,
		}), nil
	}
}

// pipelineConfig maps the application config onto a pipeline run.
func pipelineConfig(cfg *config.Config, runID string) (pipeline.Config, error) {
	var phasing refpanel.PhasingMethod
	if strings.TrimSpace(cfg.Run.Phasing) != "" {
		m, err := refpanel.ParsePhasingMethod(cfg.Run.Phasing)
		if err != nil {
			return pipeline.Config{}, err
		}
		phasing = m
	}

	logDir := cfg.Run.LogDir
	return pipeline.Config{
		RunID:    runID,
		ChunkDir: cfg.Run.ChunkDir,
		Units: jobunit.Config{
			RunID:    runID,
			RefPanel: cfg.Run.RefPanel,
			Phasing:  phasing,
			Params: jobunit.Params{
				Rounds:     cfg.Run.Rounds,
				Window:     cfg.Run.Window,
				Population: cfg.Run.Population,
			},
			OutputPrefix:  cfg.Run.OutputPrefix,
			StagingPrefix: cfg.Run.StagingPrefix,
			LogDir:        logDir,
			Queue:         cfg.Run.Queue,
			NoCache:       cfg.Run.NoCache,
			MinimacBin:    cfg.Run.MinimacBin,
		},
		Scheduler: scheduler.Config{
			Concurrency:   cfg.Scheduler.Concurrency,
			PollInterval:  cfg.Scheduler.PollInterval,
			PollRate:      cfg.Scheduler.PollRate,
			KillTimeout:   cfg.Scheduler.KillTimeout,
			MaxPollErrors: cfg.Scheduler.MaxPollErrors,
			LogDir:        logDir,
		},
		Export: export.Config{
			LocalDir:      cfg.Export.LocalDir,
			IndexRegions:  cfg.Export.IndexRegions,
			TabixPath:     cfg.Export.TabixPath,
			AESEncryption: cfg.Export.AESEncryption,
		},
		Notify: pipeline.NotifyConfig{
			Enabled:   cfg.Notify.Enabled,
			ServerURL: cfg.Notify.ServerURL,
			Recipient: notify.Recipient{Name: cfg.Notify.UserName, Email: cfg.Notify.UserEmail},
		},
		Stats: pipeline.Stats{
			Samples:      cfg.Run.Samples,
			Genotypes:    cfg.Run.Genotypes,
			Input23andMe: cfg.Run.Input23andMe,
		},
		ProgressInterval: cfg.Scheduler.ProgressInterval,
	}, nil
}
