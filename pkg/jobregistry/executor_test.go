package jobregistry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/genimpute/pkg/jobunit"
	"github.com/3leaps/genimpute/pkg/refpanel"
	"github.com/3leaps/genimpute/pkg/scheduler"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("executor tests need /bin/sh")
	}
}

func newShellExecutor(t *testing.T, script string) *Executor {
	t.Helper()
	e, err := NewExecutor(Config{
		Root:      t.TempDir(),
		Command:   []string{"/bin/sh", "-c", script, "job", "{region}", "{spec}"},
		WorkDir:   t.TempDir(),
		KillGrace: 200 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return e
}

func testUnit(region string) jobunit.Unit {
	return jobunit.Unit{
		Name:    "run-chr-" + region,
		Region:  region,
		Output:  "output/" + region,
		Phasing: refpanel.PhasingEagle,
		Params:  jobunit.Params{Rounds: 5, Window: 500000},
	}
}

func waitTerminal(t *testing.T, e *Executor, h scheduler.Handle) scheduler.BackendState {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st, err := e.Poll(context.Background(), h)
		require.NoError(t, err)
		if st.Terminal() {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not terminate", h.ID)
	return scheduler.BackendPending
}

func TestExecutor_SubmitSucceeds(t *testing.T) {
	requireShell(t)
	e := newShellExecutor(t, `echo "imputing chr$1"; test -s "$2"`)

	h, err := e.Submit(context.Background(), testUnit("20"))
	require.NoError(t, err)
	assert.Equal(t, "20", h.Region)
	assert.Equal(t, scheduler.BackendSucceeded, waitTerminal(t, e, h))

	rec, err := e.Store().Get(h.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateSuccess, rec.State)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)
	assert.NotNil(t, rec.EndedAt)

	stdout, err := os.ReadFile(rec.StdoutPath)
	require.NoError(t, err)
	assert.Equal(t, "imputing chr20\n", string(stdout))

	assert.Zero(t, e.trackedProcs(), "reaped processes are released")

	b, err := os.ReadFile(rec.SpecPath)
	require.NoError(t, err)
	var spec jobunit.Unit
	require.NoError(t, json.Unmarshal(b, &spec))
	assert.Equal(t, testUnit("20"), spec)
}

func TestExecutor_NonZeroExitFails(t *testing.T) {
	requireShell(t)
	e := newShellExecutor(t, `echo "boom" >&2; exit 3`)

	h, err := e.Submit(context.Background(), testUnit("7"))
	require.NoError(t, err)
	assert.Equal(t, scheduler.BackendFailed, waitTerminal(t, e, h))

	rec, err := e.Store().Get(h.ID)
	require.NoError(t, err)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 3, *rec.ExitCode)
	assert.NotEmpty(t, rec.Error)

	logDir := t.TempDir()
	require.NoError(t, e.FetchLogs(context.Background(), h, logDir))
	logs, err := os.ReadFile(filepath.Join(logDir, "chr_7.log"))
	require.NoError(t, err)
	assert.Equal(t, "boom\n", string(logs))
}

func TestExecutor_Kill(t *testing.T) {
	requireShell(t)
	e := newShellExecutor(t, `sleep 30`)

	h, err := e.Submit(context.Background(), testUnit("1"))
	require.NoError(t, err)

	st, err := e.Poll(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, scheduler.BackendRunning, st)

	require.NoError(t, e.Kill(context.Background(), h))
	assert.Equal(t, scheduler.BackendKilled, waitTerminal(t, e, h))

	// Stopping a terminal job is a no-op.
	require.NoError(t, e.Stop(h.ID))
	rec, err := e.Store().Get(h.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateStopped, rec.State)
}

func (e *Executor) trackedProcs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.procs)
}

func TestExecutor_ReleasesReapedProcesses(t *testing.T) {
	requireShell(t)
	e := newShellExecutor(t, `sleep 0.1`)

	var handles []scheduler.Handle
	for _, r := range []string{"1", "2", "3"} {
		h, err := e.Submit(context.Background(), testUnit(r))
		require.NoError(t, err)
		handles = append(handles, h)
	}
	assert.Equal(t, 3, e.trackedProcs())

	for _, h := range handles {
		assert.Equal(t, scheduler.BackendSucceeded, waitTerminal(t, e, h))
	}
	assert.Zero(t, e.trackedProcs())

	// Terminal jobs keep answering from their records.
	st, err := e.Poll(context.Background(), handles[0])
	require.NoError(t, err)
	assert.Equal(t, scheduler.BackendSucceeded, st)
}

func TestExecutor_KillEscalates(t *testing.T) {
	requireShell(t)
	e := newShellExecutor(t, `trap '' TERM; while :; do sleep 0.05; done`)

	h, err := e.Submit(context.Background(), testUnit("2"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, e.Kill(context.Background(), h))
	assert.Equal(t, scheduler.BackendKilled, waitTerminal(t, e, h))
}

func TestExecutor_StartFailure(t *testing.T) {
	e, err := NewExecutor(Config{
		Root:    t.TempDir(),
		Command: []string{filepath.Join(t.TempDir(), "missing-binary"), "{region}"},
	}, nil)
	require.NoError(t, err)

	_, err = e.Submit(context.Background(), testUnit("3"))
	require.Error(t, err)

	jobs, err := e.Store().List()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, JobStateFailed, jobs[0].State)
}

func TestExecutor_SubmitHonorsCancelledContext(t *testing.T) {
	e := newShellExecutor(t, `true`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Submit(ctx, testUnit("4"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewExecutor_Validation(t *testing.T) {
	_, err := NewExecutor(Config{Root: t.TempDir()}, nil)
	assert.Error(t, err)

	_, err = NewExecutor(Config{Command: []string{"true"}}, nil)
	assert.Error(t, err)

	_, err = NewExecutor(Config{Root: t.TempDir(), Command: []string{"impute", "{unknown}"}}, nil)
	assert.ErrorContains(t, err, "unsupported placeholder")
}
