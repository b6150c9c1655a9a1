package jobregistry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/genimpute/pkg/jobunit"
	"github.com/3leaps/genimpute/pkg/scheduler"
)

// DefaultKillGrace is how long a job may take to exit after SIGTERM before
// it is sent SIGKILL.
const DefaultKillGrace = 10 * time.Second

// Config configures an Executor.
type Config struct {
	// Root is the job registry directory.
	Root string

	// Command is the argv template run once per region.
	Command []string

	// WorkDir is the working directory of every job. Empty inherits ours.
	WorkDir string

	// Env is appended to the inherited environment.
	Env []string

	KillGrace time.Duration
}

type process struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// Executor runs region jobs as managed child processes and implements
// scheduler.Backend.
//
// Each job gets a record directory holding job.json, the unit spec and the
// captured stdout/stderr.
type Executor struct {
	store     *Store
	command   *CommandTemplate
	workDir   string
	env       []string
	killGrace time.Duration
	logger    *zap.Logger

	mu    sync.Mutex
	procs map[string]*process
}

var _ scheduler.Backend = (*Executor)(nil)

func NewExecutor(cfg Config, logger *zap.Logger) (*Executor, error) {
	tpl, err := CompileCommand(cfg.Command)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("job registry root dir is empty")
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		store:     NewStore(cfg.Root),
		command:   tpl,
		workDir:   cfg.WorkDir,
		env:       cfg.Env,
		killGrace: cfg.KillGrace,
		logger:    logger,
		procs:     make(map[string]*process),
	}, nil
}

func (e *Executor) Store() *Store {
	return e.store
}

// Submit writes the unit spec and starts the job's process. It returns once
// the process has started.
func (e *Executor) Submit(ctx context.Context, u jobunit.Unit) (scheduler.Handle, error) {
	if err := ctx.Err(); err != nil {
		return scheduler.Handle{}, err
	}

	jobID := uuid.New().String()
	jobDir := e.store.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return scheduler.Handle{}, fmt.Errorf("create job dir: %w", err)
	}

	specPath := e.store.SpecPath(jobID)
	if err := writeJSONAtomic(jobDir, specPath, u); err != nil {
		return scheduler.Handle{}, fmt.Errorf("write job spec: %w", err)
	}

	argv, err := e.command.Expand(UnitVars(u, specPath))
	if err != nil {
		return scheduler.Handle{}, fmt.Errorf("expand job command: %w", err)
	}

	now := time.Now().UTC()
	rec := &JobRecord{
		JobID:      jobID,
		Name:       u.Name,
		Region:     u.Region,
		State:      JobStateQueued,
		SpecPath:   specPath,
		Command:    argv,
		CreatedAt:  now,
		StdoutPath: e.store.StdoutPath(jobID),
		StderrPath: e.store.StderrPath(jobID),
	}

	stdoutFile, err := os.Create(rec.StdoutPath)
	if err != nil {
		return scheduler.Handle{}, fmt.Errorf("create stdout log: %w", err)
	}
	stderrFile, err := os.Create(rec.StderrPath)
	if err != nil {
		_ = stdoutFile.Close()
		return scheduler.Handle{}, fmt.Errorf("create stderr log: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = e.workDir
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = append(os.Environ(), e.env...)

	if err := cmd.Start(); err != nil {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
		rec.State = JobStateFailed
		rec.Error = err.Error()
		_ = e.store.Write(rec)
		return scheduler.Handle{}, fmt.Errorf("start job %s: %w", u.Name, err)
	}

	rec.State = JobStateRunning
	rec.PID = cmd.Process.Pid
	rec.StartedAt = &now
	rec.LastHeartbeat = func() *time.Time { t := now; return &t }()

	p := &process{cmd: cmd, done: make(chan struct{})}
	e.mu.Lock()
	e.procs[jobID] = p
	err = e.store.Write(rec)
	e.mu.Unlock()
	if err != nil {
		_ = cmd.Process.Kill()
	}

	go e.wait(jobID, p, stdoutFile, stderrFile)

	if err != nil {
		return scheduler.Handle{}, err
	}
	e.logger.Debug("Job process started", zap.String("job_id", jobID), zap.String("region", u.Region), zap.Int("pid", rec.PID))
	return scheduler.Handle{ID: jobID, Region: u.Region}, nil
}

// wait reaps the process and records its outcome.
func (e *Executor) wait(jobID string, p *process, logs ...*os.File) {
	waitErr := p.cmd.Wait()
	for _, f := range logs {
		_ = f.Close()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		delete(e.procs, jobID)
		close(p.done)
	}()

	rec, err := e.store.read(jobID)
	if err != nil {
		e.logger.Warn("Job record unreadable after exit", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	now := time.Now().UTC()
	code := p.cmd.ProcessState.ExitCode()
	rec.EndedAt = &now
	rec.LastHeartbeat = &now
	rec.ExitCode = &code
	switch {
	case rec.State == JobStateStopping:
		rec.State = JobStateStopped
	case waitErr == nil:
		rec.State = JobStateSuccess
	default:
		rec.State = JobStateFailed
		rec.Error = waitErr.Error()
	}
	if err := e.store.Write(rec); err != nil {
		e.logger.Warn("Job record not updated", zap.String("job_id", jobID), zap.Error(err))
	}
}

// Poll reports the job's state. Jobs started by this executor are answered
// from memory until their process has been reaped and dropped from procs.
func (e *Executor) Poll(_ context.Context, h scheduler.Handle) (scheduler.BackendState, error) {
	e.mu.Lock()
	p, ok := e.procs[h.ID]
	e.mu.Unlock()
	if ok {
		select {
		case <-p.done:
		default:
			return scheduler.BackendRunning, nil
		}
	}

	rec, err := e.store.Get(h.ID)
	if err != nil {
		return scheduler.BackendPending, fmt.Errorf("poll job %s: %w", h.ID, err)
	}
	return rec.State.BackendState(), nil
}

// Kill stops the job. See Stop.
func (e *Executor) Kill(_ context.Context, h scheduler.Handle) error {
	return e.Stop(h.ID)
}

// Stop sends SIGTERM to the job's process, escalating to SIGKILL after the
// kill grace period for processes this executor owns. Stopping a terminal
// job is a no-op.
func (e *Executor) Stop(jobID string) error {
	e.mu.Lock()
	rec, err := e.store.read(jobID)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("stop job %s: %w", jobID, err)
	}
	if rec.State.Terminal() {
		e.mu.Unlock()
		return nil
	}
	p := e.procs[jobID]
	rec.State = JobStateStopping
	if p == nil && rec.PID <= 0 {
		rec.State = JobStateStopped
	}
	if err := e.store.Write(rec); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("stop job %s: %w", jobID, err)
	}
	e.mu.Unlock()
	if rec.State == JobStateStopped {
		return nil
	}

	var proc *os.Process
	if p != nil {
		proc = p.cmd.Process
	} else {
		if proc, err = os.FindProcess(rec.PID); err != nil {
			return fmt.Errorf("stop job %s: %w", jobID, err)
		}
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("stop job %s: %w", jobID, err)
	}

	if p != nil {
		go func() {
			t := time.NewTimer(e.killGrace)
			defer t.Stop()
			select {
			case <-p.done:
			case <-t.C:
				e.logger.Warn("Job ignored SIGTERM, sending SIGKILL", zap.String("job_id", jobID))
				_ = p.cmd.Process.Kill()
			}
		}()
	}
	return nil
}

// FetchLogs concatenates the job's stdout and stderr into
// <destDir>/chr_<region>.log.
func (e *Executor) FetchLogs(_ context.Context, h scheduler.Handle, destDir string) error {
	rec, err := e.store.Get(h.ID)
	if err != nil {
		return fmt.Errorf("fetch logs %s: %w", h.ID, err)
	}

	dest := filepath.Join(destDir, "chr_"+rec.Region+".log")
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("fetch logs %s: %w", h.ID, err)
	}
	for _, src := range []string{rec.StdoutPath, rec.StderrPath} {
		if src == "" {
			continue
		}
		if err := appendFile(out, src); err != nil {
			_ = out.Close()
			return fmt.Errorf("fetch logs %s: %w", h.ID, err)
		}
	}
	return out.Close()
}

func appendFile(dst io.Writer, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(dst, f)
	return err
}
