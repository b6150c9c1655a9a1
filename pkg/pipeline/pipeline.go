// Package pipeline runs the imputation and export stages of one run.
//
// The impute stage builds one job unit per chunk manifest, dispatches the
// units through the scheduler and reports progress to a notify.Sink. The
// export stage merges the raw per-region outputs into encrypted archives,
// submits the run counters and delivers the archive password.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/genimpute/pkg/export"
	"github.com/3leaps/genimpute/pkg/jobunit"
	"github.com/3leaps/genimpute/pkg/notify"
	"github.com/3leaps/genimpute/pkg/output"
	"github.com/3leaps/genimpute/pkg/refpanel"
	"github.com/3leaps/genimpute/pkg/region"
	"github.com/3leaps/genimpute/pkg/scheduler"
	"github.com/3leaps/genimpute/pkg/storage"
)

var (
	// ErrJobFailed is returned when a region's job failed and the run was
	// stopped.
	ErrJobFailed = errors.New("imputation failed")

	// ErrCancelled is returned when the run was cancelled by the user.
	ErrCancelled = errors.New("canceled by user")

	// ErrNotification is returned when the export succeeded but the
	// password could not be delivered.
	ErrNotification = errors.New("notification failed")

	// ErrNoRegions is returned by Export when storage holds no region
	// outputs.
	ErrNoRegions = errors.New("no imputed regions found")
)

// DefaultProgressInterval is the delay between progress updates while jobs
// run.
const DefaultProgressInterval = 5 * time.Second

// Stats are input statistics gathered before imputation and submitted as
// counters after export.
type Stats struct {
	Samples      int64
	Genotypes    int64
	Input23andMe bool
}

// NotifyConfig controls password delivery.
type NotifyConfig struct {
	// Enabled generates a random archive password and mails it. When
	// false, archives use export.DefaultPassword.
	Enabled   bool
	ServerURL string
	Recipient notify.Recipient
}

// Config configures a Pipeline.
type Config struct {
	// RunID identifies the run; it names jobs and the results link.
	RunID string

	// ChunkDir holds one chunk manifest per region.
	ChunkDir string

	// Units configures job unit building. Units.OutputPrefix is also the
	// storage root the export stage reads and deletes.
	Units jobunit.Config

	Scheduler scheduler.Config
	Export    export.Config
	Notify    NotifyConfig
	Stats     Stats

	// ProgressInterval is the delay between progress updates.
	// Default: 5s
	ProgressInterval time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithOutput sets the JSONL record writer for job, archive and summary
// records.
func WithOutput(w output.Writer) Option {
	return func(p *Pipeline) { p.out = w }
}

// WithMailer sets the mailer used when notification is enabled.
func WithMailer(m notify.Mailer) Option {
	return func(p *Pipeline) { p.mailer = m }
}

// Pipeline runs the stages of a single run.
type Pipeline struct {
	cfg     Config
	store   *storage.Store
	backend scheduler.Backend
	panels  *refpanel.Registry
	sink    notify.Sink
	out     output.Writer
	mailer  notify.Mailer
	logger  *zap.Logger

	mu    sync.Mutex
	sched *scheduler.Scheduler
}

// New creates a Pipeline.
func New(cfg Config, store *storage.Store, backend scheduler.Backend, panels *refpanel.Registry, sink notify.Sink, opts ...Option) *Pipeline {
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	if cfg.Units.RunID == "" {
		cfg.Units.RunID = cfg.RunID
	}
	if cfg.Notify.ServerURL == "" {
		cfg.Notify.ServerURL = notify.DefaultServerURL
	}
	if sink == nil {
		sink = notify.Discard{}
	}
	p := &Pipeline{
		cfg:     cfg,
		store:   store,
		backend: backend,
		panels:  panels,
		sink:    sink,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Snapshot returns the region states of the running or finished impute
// stage. It returns nil before the stage has dispatched anything.
func (p *Pipeline) Snapshot() []scheduler.RegionState {
	p.mu.Lock()
	s := p.sched
	p.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Snapshot()
}

// Cancel requests cancellation of the impute stage.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	s := p.sched
	p.mu.Unlock()
	if s != nil {
		s.Cancel()
	}
}

// Run imputes and, when every region succeeded, exports.
func (p *Pipeline) Run(ctx context.Context) (*export.Result, error) {
	if _, err := p.Impute(ctx); err != nil {
		return nil, err
	}
	return p.Export(ctx)
}

// Impute builds the job units and runs them to a verdict. A failed or
// cancelled run returns the result together with ErrJobFailed or
// ErrCancelled.
func (p *Pipeline) Impute(ctx context.Context) (*scheduler.Result, error) {
	builder, err := jobunit.NewBuilder(p.cfg.Units, p.panels, p.store, p.logger)
	if err != nil {
		p.configError(ctx, err)
		return nil, err
	}
	p.printPanel(builder.Panel())

	p.sink.BeginTask("Start Imputation...")
	units, err := builder.BuildAll(ctx, p.cfg.ChunkDir)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, jobunit.ErrNoChunks) {
			msg = "No chunks passed the QC step."
		}
		p.sink.EndTask(msg, notify.StatusError)
		p.writeError(ctx, output.ErrCodeConfig, msg, "")
		return nil, err
	}

	var sched *scheduler.Scheduler
	observer := scheduler.ObserverFuncs{
		Start: func(name string) {
			p.writeJob(ctx, sched, name)
		},
		Finish: func(name string, success bool) {
			p.onJobFinish(ctx, sched, name, success)
		},
	}
	sched = scheduler.New(p.backend, p.cfg.Scheduler,
		scheduler.WithObserver(observer),
		scheduler.WithLogger(p.logger))

	p.mu.Lock()
	p.sched = sched
	p.mu.Unlock()

	stop := p.reportProgress(sched)
	res, err := sched.Run(ctx, units)
	stop()
	if err != nil {
		p.sink.EndTask(err.Error(), notify.StatusError)
		p.writeError(ctx, output.ErrCodeInternal, err.Error(), "")
		return nil, err
	}

	p.sink.Println("All jobs terminated.")
	progress := scheduler.RenderHTML(res.States)

	switch res.Verdict {
	case scheduler.VerdictFailed:
		msg := fmt.Sprintf("Imputation on chromosome %s failed. Imputation was stopped.", res.FirstFailure)
		p.sink.Println(msg)
		p.sink.EndTask(progress, notify.StatusError)
		p.printSummary(res)
		p.writeError(ctx, output.ErrCodeJobFailed, msg, res.FirstFailure)
		p.writeSummary(ctx, res)
		return res, fmt.Errorf("%w: chromosome %s", ErrJobFailed, res.FirstFailure)

	case scheduler.VerdictCancelled:
		p.sink.Println("Canceled by user.")
		p.sink.EndTask(progress, notify.StatusError)
		p.printSummary(res)
		p.writeError(ctx, output.ErrCodeCancelled, "Canceled by user.", "")
		p.writeSummary(ctx, res)
		return res, ErrCancelled
	}

	p.printSummary(res)
	p.sink.EndTask(progress, notify.StatusOK)
	p.writeSummary(ctx, res)
	return res, nil
}

// Export packages the raw region outputs, submits counters and delivers
// the archive password. A notification failure returns the result
// together with ErrNotification.
func (p *Pipeline) Export(ctx context.Context) (*export.Result, error) {
	root := p.cfg.Units.OutputPrefix
	bundles, err := region.NewRegistry(p.store, p.logger).Discover(ctx, root)
	if err != nil {
		p.sink.BeginTask("Export data...")
		p.sink.EndTask("Data compression failed: "+err.Error(), notify.StatusError)
		p.writeError(ctx, output.ErrCodeExport, err.Error(), "")
		return nil, err
	}
	if len(bundles) == 0 {
		p.sink.BeginTask("Export data...")
		p.sink.EndTask("Data compression failed: "+ErrNoRegions.Error(), notify.StatusError)
		p.writeError(ctx, output.ErrCodeExport, ErrNoRegions.Error(), "")
		return nil, ErrNoRegions
	}
	for _, b := range bundles {
		p.sink.Println("Find files " + b.Name)
	}

	password := export.DefaultPassword
	if p.cfg.Notify.Enabled {
		password, err = export.GeneratePassword()
		if err != nil {
			return nil, fmt.Errorf("generate password: %w", err)
		}
	}

	cfg := p.cfg.Export
	cfg.Password = password
	if cfg.RawRoot == "" {
		cfg.RawRoot = root
	}
	res, err := export.New(p.store, cfg, p.sink, export.WithLogger(p.logger)).Export(ctx, bundles)
	if err != nil {
		p.writeError(ctx, output.ErrCodeExport, err.Error(), "")
		return nil, err
	}
	for _, a := range res.Archives {
		p.writeArchive(ctx, a)
	}

	p.submitCounters(len(res.Archives))

	n := &notify.Notifier{
		Enabled:   p.cfg.Notify.Enabled,
		ServerURL: p.cfg.Notify.ServerURL,
		Mailer:    p.mailer,
		Sink:      p.sink,
	}
	p.sink.BeginTask("Send notification...")
	if err := n.Notify(ctx, p.cfg.RunID, p.cfg.Notify.Recipient, password); err != nil {
		p.writeError(ctx, output.ErrCodeNotification, err.Error(), "")
		return res, fmt.Errorf("%w: %w", ErrNotification, err)
	}
	return res, nil
}

func (p *Pipeline) printPanel(panel *refpanel.Panel) {
	p.sink.Println("Reference Panel: ")
	p.sink.Println("  Name: " + panel.ID)
	p.sink.Println("  Location: " + panel.Location)
	p.sink.Println("  Legend: " + panel.Legend)
	p.sink.Println("  Version: " + panel.Version)
}

func (p *Pipeline) printSummary(res *scheduler.Result) {
	for _, line := range strings.Split(strings.TrimRight(scheduler.RenderText(res.States), "\n"), "\n") {
		p.sink.Println(line)
	}
}

// reportProgress pushes the badge view to the sink until the returned func
// is called.
func (p *Pipeline) reportProgress(s *scheduler.Scheduler) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.sink.UpdateTask(scheduler.RenderHTML(s.Snapshot()), notify.StatusRunning)
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (p *Pipeline) onJobFinish(ctx context.Context, s *scheduler.Scheduler, name string, success bool) {
	st := p.writeJob(ctx, s, name)
	jobID := st.JobID
	if jobID == "" {
		jobID = "-"
	}
	if success {
		p.sink.Println(fmt.Sprintf("Job chr_%s (%s) executed successfully.", name, jobID))
		return
	}
	p.sink.Println(fmt.Sprintf("Job chr_%s (%s) failed.", name, jobID))
}

func (p *Pipeline) submitCounters(regions int) {
	p.sink.Counter("samples", p.cfg.Stats.Samples)
	p.sink.Counter("genotypes", p.cfg.Stats.Genotypes)
	p.sink.Counter("chromosomes", int64(regions))
	p.sink.Counter("runs", 1)
	p.sink.Counter("refpanel_"+p.cfg.Units.RefPanel, 1)

	phasing := p.cfg.Units.Phasing
	if phasing == "" {
		phasing = refpanel.PhasingNone
	}
	p.sink.Counter("phasing_"+phasing.String(), 1)

	var input23 int64
	if p.cfg.Stats.Input23andMe {
		input23 = 1
	}
	p.sink.Counter("23andme-input", input23)
}

func (p *Pipeline) configError(ctx context.Context, err error) {
	p.sink.BeginTask("Start Imputation...")
	p.sink.EndTask(err.Error(), notify.StatusError)
	p.writeError(ctx, output.ErrCodeConfig, err.Error(), "")
}

func (p *Pipeline) writeJob(ctx context.Context, s *scheduler.Scheduler, name string) scheduler.RegionState {
	var st scheduler.RegionState
	for _, rs := range s.Snapshot() {
		if rs.Region == name {
			st = rs
			break
		}
	}
	if p.out == nil {
		return st
	}
	rec := &output.JobRecord{Region: name, State: st.State.String(), JobID: st.JobID, Killed: st.Killed}
	if err := p.out.WriteJob(context.WithoutCancel(ctx), rec); err != nil {
		p.logger.Debug("Failed to write job record", zap.String("region", name), zap.Error(err))
	}
	return st
}

func (p *Pipeline) writeArchive(ctx context.Context, a export.Archive) {
	if p.out == nil {
		return
	}
	rec := &output.ArchiveRecord{
		Region:     a.Region,
		Path:       a.Path,
		Size:       a.Size,
		Encryption: a.Encryption.String(),
		Indexed:    a.Indexed,
	}
	if err := p.out.WriteArchive(context.WithoutCancel(ctx), rec); err != nil {
		p.logger.Debug("Failed to write archive record", zap.String("region", a.Region), zap.Error(err))
	}
}

func (p *Pipeline) writeError(ctx context.Context, code, msg, regionName string) {
	if p.out == nil {
		return
	}
	if err := p.out.WriteError(context.WithoutCancel(ctx), &output.ErrorRecord{Code: code, Message: msg, Region: regionName}); err != nil {
		p.logger.Debug("Failed to write error record", zap.Error(err))
	}
}

func (p *Pipeline) writeSummary(ctx context.Context, res *scheduler.Result) {
	if p.out == nil {
		return
	}
	c := scheduler.CountStates(res.States)
	sum := &output.SummaryRecord{
		Verdict:       res.Verdict.String(),
		FirstFailure:  res.FirstFailure,
		Regions:       c.Total(),
		Succeeded:     c.Succeeded,
		Failed:        c.Failed,
		Duration:      res.Duration,
		DurationHuman: res.Duration.Round(time.Millisecond).String(),
	}
	if err := p.out.WriteSummary(context.WithoutCancel(ctx), sum); err != nil {
		p.logger.Debug("Failed to write summary record", zap.Error(err))
	}
}
