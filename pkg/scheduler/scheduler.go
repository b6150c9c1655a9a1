// Package scheduler runs one cluster job per region with bounded
// parallelism.
//
// Jobs are dispatched in input order with at most Config.Concurrency running
// at once. The first job to fail, or an external cancel, kills every job
// that is still waiting or running; the run then drains and reports a
// single verdict.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/genimpute/pkg/jobunit"
)

var (
	// ErrAlreadyStarted is returned when Run is called twice on a Scheduler.
	ErrAlreadyStarted = errors.New("scheduler already started")

	// ErrDuplicateRegion is returned when two units share a region.
	ErrDuplicateRegion = errors.New("duplicate region")
)

// Config configures scheduler behavior.
type Config struct {
	// Concurrency is the maximum number of running jobs.
	// Default: 25
	Concurrency int

	// PollInterval is the delay between backend state polls per job.
	// Default: 5s
	PollInterval time.Duration

	// PollRate caps backend polls per second across all jobs.
	// Zero means unlimited.
	PollRate float64

	// KillTimeout bounds how long a killed job is polled for confirmation
	// before it is recorded as failed regardless.
	// Default: 30s
	KillTimeout time.Duration

	// MaxPollErrors is the number of consecutive poll errors after which a
	// job is considered failed.
	// Default: 3
	MaxPollErrors int

	// LogDir receives logs of failed jobs. Empty disables log retrieval.
	LogDir string
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:   25,
		PollInterval:  5 * time.Second,
		KillTimeout:   30 * time.Second,
		MaxPollErrors: 3,
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

type job struct {
	unit      jobunit.Unit
	state     JobState
	handle    Handle
	submitted bool
	killed    bool
	startedAt time.Time
	endedAt   time.Time
}

// Scheduler supervises one run. It is safe for single use only; Cancel and
// Snapshot may be called concurrently with Run.
type Scheduler struct {
	backend  Backend
	config   Config
	observer Observer
	logger   *zap.Logger
	limiter  *rate.Limiter

	started atomic.Bool

	// mu guards everything below.
	mu              sync.Mutex
	order           []string
	jobs            map[string]*job
	firstFailure    string
	cancelRequested bool
	killIssued      bool
	running         int
	killCh          chan struct{}
}

// New creates a scheduler for backend.
func New(backend Backend, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = def.KillTimeout
	}
	if cfg.MaxPollErrors <= 0 {
		cfg.MaxPollErrors = def.MaxPollErrors
	}

	s := &Scheduler{
		backend:  backend,
		config:   cfg,
		observer: ObserverFuncs{},
		logger:   zap.NewNop(),
		jobs:     make(map[string]*job),
		killCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.PollRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.PollRate), 1)
	}
	return s
}

// Run executes every unit to a terminal state and returns the verdict.
//
// Units are submitted one at a time from the calling goroutine, in input
// order, each once a concurrency slot is free. A unit whose submission fails
// is recorded as failed and its slot is released immediately.
//
// Cancelling ctx is treated as an external cancel request: jobs are killed
// and the run still drains before Run returns. Backend calls made while
// draining use a context detached from ctx so kills can be confirmed.
func (s *Scheduler) Run(ctx context.Context, units []jobunit.Unit) (*Result, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}
	if err := s.register(units); err != nil {
		return nil, err
	}

	start := time.Now()
	stopWatch := context.AfterFunc(ctx, s.Cancel)
	defer stopWatch()

	backendCtx := context.WithoutCancel(ctx)
	sem := make(chan struct{}, s.config.Concurrency)
	var wg sync.WaitGroup

	for _, u := range units {
		acquired := false
		select {
		case sem <- struct{}{}:
			acquired = true
		case <-s.killCh:
		}
		if s.isKilled() {
			s.killWaiting(u.Region)
			if acquired {
				<-sem
			}
			continue
		}

		h, err := s.backend.Submit(backendCtx, u)
		if err != nil {
			s.logger.Error("Job submission failed", zap.String("region", u.Region), zap.Error(err))
			s.finish(u.Region, false, false)
			<-sem
			continue
		}
		s.markRunning(u.Region, h)

		wg.Add(1)
		go func(u jobunit.Unit, h Handle) {
			defer wg.Done()
			defer func() { <-sem }()
			s.monitor(backendCtx, u, h)
		}(u, h)
	}
	wg.Wait()

	s.logger.Info("All jobs terminated")
	s.fetchFailedLogs(backendCtx)

	return s.result(time.Since(start)), nil
}

// Cancel requests cooperative cancellation of the run. It is idempotent.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	if s.cancelRequested {
		s.mu.Unlock()
		return
	}
	s.cancelRequested = true
	trigger := !s.killIssued
	s.killIssued = true
	s.mu.Unlock()

	if trigger {
		s.logger.Info("Canceled by user, killing all jobs")
		close(s.killCh)
	}
}

// Snapshot returns the per-region states in dispatch order.
func (s *Scheduler) Snapshot() []RegionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Running returns the number of jobs currently running.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) register(units []jobunit.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range units {
		if _, dup := s.jobs[u.Region]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateRegion, u.Region)
		}
		s.order = append(s.order, u.Region)
		s.jobs[u.Region] = &job{unit: u, state: Waiting}
	}
	return nil
}

func (s *Scheduler) isKilled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killIssued
}

// killWaiting fails a job that was never dispatched.
func (s *Scheduler) killWaiting(region string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[region]
	if j.state.canTransition(Failed) {
		j.state = Failed
		j.killed = true
		j.endedAt = time.Now()
	}
}

// monitor polls a submitted job until it is terminal or the run is killed.
func (s *Scheduler) monitor(ctx context.Context, u jobunit.Unit, h Handle) {
	log := s.logger.With(zap.String("region", u.Region), zap.String("job", u.Name), zap.String("job_id", h.ID))
	log.Info("Job started")

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	pollErrors := 0
	for {
		st, err := s.poll(ctx, h)
		switch {
		case err != nil:
			pollErrors++
			log.Warn("Job poll failed", zap.Int("consecutive", pollErrors), zap.Error(err))
			if pollErrors >= s.config.MaxPollErrors {
				s.finish(u.Region, false, false)
				return
			}
		case st.Terminal():
			s.finish(u.Region, st == BackendSucceeded, false)
			return
		default:
			pollErrors = 0
		}

		select {
		case <-ticker.C:
		case <-s.killCh:
			s.killRunning(ctx, u.Region, h, log)
			return
		}
	}
}

// killRunning asks the backend to stop h and waits, bounded by KillTimeout,
// for it to confirm. The job is recorded as failed either way.
func (s *Scheduler) killRunning(ctx context.Context, region string, h Handle, log *zap.Logger) {
	if err := s.backend.Kill(ctx, h); err != nil {
		log.Warn("Kill request failed", zap.Error(err))
	}

	deadline := time.NewTimer(s.config.KillTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

wait:
	for {
		st, err := s.poll(ctx, h)
		if err == nil && st.Terminal() {
			break
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			log.Warn("Job did not confirm termination", zap.Duration("timeout", s.config.KillTimeout))
			break wait
		}
	}
	s.finish(region, false, true)
}

func (s *Scheduler) poll(ctx context.Context, h Handle) (BackendState, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return BackendPending, err
		}
	}
	return s.backend.Poll(ctx, h)
}

func (s *Scheduler) markRunning(region string, h Handle) {
	s.mu.Lock()
	j := s.jobs[region]
	if j.state.canTransition(Running) {
		j.state = Running
		j.handle = h
		j.submitted = true
		j.startedAt = time.Now()
		s.running++
	}
	s.mu.Unlock()

	s.observer.OnJobStart(region)
}

// finish records the terminal state and fires the cascade if this is the
// first failure and nothing was cancelled yet.
func (s *Scheduler) finish(region string, success, killed bool) {
	state := Failed
	if success {
		state = Succeeded
	}

	s.mu.Lock()
	j := s.jobs[region]
	if j.state.canTransition(state) {
		if j.state == Running {
			s.running--
		}
		j.state = state
		j.killed = killed
		j.endedAt = time.Now()
	}
	trigger := false
	if !success && !s.killIssued {
		s.killIssued = true
		s.firstFailure = region
		trigger = true
	}
	s.mu.Unlock()

	s.observer.OnJobFinish(region, success)

	if trigger {
		s.logger.Info("Kill all running jobs", zap.String("first_failure", region))
		close(s.killCh)
	}
}

// fetchFailedLogs pulls backend logs for failed jobs. Errors are logged and
// otherwise ignored.
func (s *Scheduler) fetchFailedLogs(ctx context.Context) {
	if s.config.LogDir == "" {
		return
	}

	s.mu.Lock()
	var handles []Handle
	for _, region := range s.order {
		j := s.jobs[region]
		if j.state == Failed && j.submitted {
			handles = append(handles, j.handle)
		}
	}
	s.mu.Unlock()

	if len(handles) == 0 {
		return
	}
	if err := os.MkdirAll(s.config.LogDir, 0o755); err != nil {
		s.logger.Info("Error while downloading log files", zap.Error(err))
		return
	}
	for _, h := range handles {
		if err := s.backend.FetchLogs(ctx, h, s.config.LogDir); err != nil {
			s.logger.Info("Error while downloading log files", zap.String("region", h.Region), zap.Error(err))
		}
	}
}

func (s *Scheduler) snapshotLocked() []RegionState {
	out := make([]RegionState, 0, len(s.order))
	for _, region := range s.order {
		j := s.jobs[region]
		out = append(out, RegionState{
			Region:    region,
			State:     j.state,
			JobID:     j.handle.ID,
			Killed:    j.killed,
			StartedAt: j.startedAt,
			EndedAt:   j.endedAt,
		})
	}
	return out
}

func (s *Scheduler) result(d time.Duration) *Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := &Result{
		FirstFailure:    s.firstFailure,
		CancelRequested: s.cancelRequested,
		States:          s.snapshotLocked(),
		Duration:        d,
	}
	switch {
	case s.firstFailure != "":
		res.Verdict = VerdictFailed
	case s.cancelRequested:
		res.Verdict = VerdictCancelled
	default:
		res.Verdict = VerdictSucceeded
		for _, st := range res.States {
			if st.State != Succeeded {
				res.Verdict = VerdictFailed
				break
			}
		}
	}
	return res
}
