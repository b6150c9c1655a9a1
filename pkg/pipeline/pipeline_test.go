package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/genimpute/pkg/chunkfile"
	"github.com/3leaps/genimpute/pkg/export"
	"github.com/3leaps/genimpute/pkg/jobunit"
	"github.com/3leaps/genimpute/pkg/notify"
	"github.com/3leaps/genimpute/pkg/output"
	"github.com/3leaps/genimpute/pkg/provider/file"
	"github.com/3leaps/genimpute/pkg/refpanel"
	"github.com/3leaps/genimpute/pkg/scheduler"
	"github.com/3leaps/genimpute/pkg/storage"
)

// imputeBackend writes a region's raw shards to storage on submit and
// reports the job done on the first poll.
type imputeBackend struct {
	store *storage.Store
	fail  string

	mu        sync.Mutex
	submitted []string
}

func (b *imputeBackend) Submit(ctx context.Context, u jobunit.Unit) (scheduler.Handle, error) {
	b.mu.Lock()
	b.submitted = append(b.submitted, u.Region)
	b.mu.Unlock()

	if u.Region != b.fail {
		prefix := u.Output + "/chunk_" + u.Region + "_0001"
		for key, body := range map[string]string{
			prefix + ".header.dose.vcf.gz": "H" + u.Region,
			prefix + ".data.dose.vcf.gz":   "D" + u.Region,
			prefix + ".info":               "SNP\tRsq\n" + u.Region + ":1\t0.9\n",
		} {
			if err := b.store.PutReader(ctx, key, strings.NewReader(body), int64(len(body))); err != nil {
				return scheduler.Handle{}, err
			}
		}
	}
	return scheduler.Handle{ID: "job_" + u.Region, Region: u.Region}, nil
}

func (b *imputeBackend) Poll(_ context.Context, h scheduler.Handle) (scheduler.BackendState, error) {
	if h.Region == b.fail {
		return scheduler.BackendFailed, nil
	}
	return scheduler.BackendSucceeded, nil
}

func (b *imputeBackend) Kill(context.Context, scheduler.Handle) error { return nil }

func (b *imputeBackend) FetchLogs(context.Context, scheduler.Handle, string) error { return nil }

type captureMailer struct {
	sent []notify.Message
}

func (m *captureMailer) Send(_ context.Context, msg notify.Message) error {
	m.sent = append(m.sent, msg)
	return nil
}

type fixture struct {
	store    *storage.Store
	panels   *refpanel.Registry
	chunkDir string
	localDir string
	rec      *notify.Recorder
	out      bytes.Buffer
}

func newFixture(t *testing.T, regions ...string) *fixture {
	t.Helper()
	p, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	panels, err := refpanel.NewRegistry(&refpanel.Panel{
		ID:       "1000g",
		Build:    "hg19",
		Location: "refpanels/1000g/chr$chr.m3vcf.gz",
	})
	require.NoError(t, err)

	f := &fixture{
		store:    storage.New(p),
		panels:   panels,
		chunkDir: t.TempDir(),
		localDir: t.TempDir(),
		rec:      notify.NewRecorder(),
	}
	// Every file in chunkDir is a manifest, so chunk data lives elsewhere.
	dataDir := t.TempDir()
	for _, r := range regions {
		vcf := filepath.Join(dataDir, "chunk_"+r+".vcf.gz")
		require.NoError(t, os.WriteFile(vcf, []byte(filepath.Base(vcf)), 0o644))
		require.NoError(t, os.WriteFile(vcf+".tbi", []byte("idx"), 0o644))
		line := chunkfile.Chunk{ID: filepath.Base(vcf), Chromosome: r, Start: 1, End: 10, Phased: true, VCFPath: vcf, IndexPath: vcf + ".tbi"}.String()
		require.NoError(t, os.WriteFile(filepath.Join(f.chunkDir, r), []byte(line+"\n"), 0o644))
	}
	return f
}

func (f *fixture) config() Config {
	return Config{
		RunID:    "run-1",
		ChunkDir: f.chunkDir,
		Units: jobunit.Config{
			RefPanel:      "1000g",
			OutputPrefix:  "run-1/output",
			StagingPrefix: "run-1/tmp",
			LogDir:        f.localDir,
		},
		Scheduler: scheduler.Config{
			Concurrency:  2,
			PollInterval: time.Millisecond,
			KillTimeout:  50 * time.Millisecond,
		},
		Export: export.Config{
			LocalDir:     f.localDir,
			IndexRegions: []string{},
		},
		Stats:            Stats{Samples: 51, Genotypes: 1200},
		ProgressInterval: time.Millisecond,
	}
}

func (f *fixture) pipeline(cfg Config, backend scheduler.Backend, opts ...Option) *Pipeline {
	opts = append(opts, WithOutput(output.NewJSONLWriter(&f.out, cfg.RunID)))
	return New(cfg, f.store, backend, f.panels, f.rec, opts...)
}

func (f *fixture) lines() []string {
	var out []string
	for _, ev := range f.rec.Events() {
		if ev.Kind == notify.KindLine {
			out = append(out, ev.Message)
		}
	}
	return out
}

func TestRun_ImputesAndExportsEveryRegion(t *testing.T) {
	f := newFixture(t, "20", "21", "22")
	backend := &imputeBackend{store: f.store}

	res, err := f.pipeline(f.config(), backend).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Archives, 3)
	assert.Equal(t, export.DefaultPassword, res.Password)
	for i, name := range []string{"20", "21", "22"} {
		assert.Equal(t, name, res.Archives[i].Region)
		assert.FileExists(t, filepath.Join(f.localDir, export.ArchiveName(name)))
	}
	assert.ElementsMatch(t, []string{"20", "21", "22"}, backend.submitted)

	lines := f.lines()
	assert.Contains(t, lines, "All jobs terminated.")
	assert.Contains(t, lines, "  [OK]   Chr 21 (job_21)")
	assert.Contains(t, lines, "Job chr_22 (job_22) executed successfully.")

	counters := f.rec.Counters()
	assert.Equal(t, int64(51), counters["samples"])
	assert.Equal(t, int64(1200), counters["genotypes"])
	assert.Equal(t, int64(3), counters["chromosomes"])
	assert.Equal(t, int64(1), counters["runs"])
	assert.Equal(t, int64(1), counters["refpanel_1000g"])
	assert.Equal(t, int64(1), counters["phasing_none"])
	assert.Contains(t, counters, "23andme-input")

	_, msg, status := f.rec.Current()
	assert.Equal(t, notify.DisabledMessage(export.DefaultPassword), msg)
	assert.Equal(t, notify.StatusOK, status)

	keys, err := f.store.ListAll(context.Background(), "run-1/output")
	require.NoError(t, err)
	assert.Empty(t, keys)

	assert.Contains(t, f.out.String(), `"verdict":"succeeded"`)
	assert.Contains(t, f.out.String(), `"type":"genimpute.archive.v1"`)
}

func TestRun_FailureStopsBeforeExport(t *testing.T) {
	f := newFixture(t, "20", "21", "22")
	backend := &imputeBackend{store: f.store, fail: "21"}
	p := f.pipeline(f.config(), backend)

	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrJobFailed)
	assert.Contains(t, err.Error(), "chromosome 21")

	assert.Contains(t, f.lines(), "Imputation on chromosome 21 failed. Imputation was stopped.")
	for _, st := range p.Snapshot() {
		assert.True(t, st.State.Terminal(), st.Region)
	}

	entries, err := os.ReadDir(f.localDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, ".zip", filepath.Ext(e.Name()))
	}
	assert.Contains(t, f.out.String(), `"verdict":"failed"`)
	assert.Contains(t, f.out.String(), `"code":"JOB_FAILED"`)
}

// blockingBackend keeps jobs running until they are killed and calls
// onSubmit for every submission.
type blockingBackend struct {
	imputeBackend
	onSubmit func()

	mu     sync.Mutex
	killed map[string]bool
}

func (b *blockingBackend) Submit(ctx context.Context, u jobunit.Unit) (scheduler.Handle, error) {
	h, err := b.imputeBackend.Submit(ctx, u)
	if b.onSubmit != nil {
		b.onSubmit()
	}
	return h, err
}

func (b *blockingBackend) Poll(_ context.Context, h scheduler.Handle) (scheduler.BackendState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.killed[h.Region] {
		return scheduler.BackendKilled, nil
	}
	return scheduler.BackendRunning, nil
}

func (b *blockingBackend) Kill(_ context.Context, h scheduler.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.killed[h.Region] = true
	return nil
}

func TestImpute_CancelledByUser(t *testing.T) {
	f := newFixture(t, "20", "21", "22")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	backend := &blockingBackend{
		imputeBackend: imputeBackend{store: f.store},
		onSubmit:      func() { once.Do(cancel) },
		killed:        map[string]bool{},
	}

	res, err := f.pipeline(f.config(), backend).Impute(ctx)
	require.ErrorIs(t, err, ErrCancelled)
	require.NotNil(t, res)
	assert.Equal(t, scheduler.VerdictCancelled, res.Verdict)
	assert.Empty(t, res.FirstFailure)
	for _, st := range res.States {
		assert.Equal(t, scheduler.Failed, st.State, st.Region)
	}
	assert.Contains(t, f.lines(), "Canceled by user.")
	assert.Contains(t, f.out.String(), `"verdict":"cancelled"`)
}

func TestImpute_NoChunks(t *testing.T) {
	f := newFixture(t)
	cfg := f.config()
	cfg.ChunkDir = filepath.Join(t.TempDir(), "missing")

	_, err := f.pipeline(cfg, &imputeBackend{store: f.store}).Impute(context.Background())
	require.ErrorIs(t, err, jobunit.ErrNoChunks)

	_, msg, status := f.rec.Current()
	assert.Equal(t, "No chunks passed the QC step.", msg)
	assert.Equal(t, notify.StatusError, status)
}

func TestImpute_UnknownPanel(t *testing.T) {
	f := newFixture(t, "20")
	cfg := f.config()
	cfg.Units.RefPanel = "hapmap2"

	_, err := f.pipeline(cfg, &imputeBackend{store: f.store}).Impute(context.Background())
	require.ErrorIs(t, err, refpanel.ErrPanelNotFound)
	assert.Contains(t, f.out.String(), `"code":"CONFIG"`)
}

func seedRaw(t *testing.T, s *storage.Store, regions ...string) {
	t.Helper()
	for _, r := range regions {
		b := &imputeBackend{store: s}
		_, err := b.Submit(context.Background(), jobunit.Unit{Region: r, Output: "run-1/output/" + r})
		require.NoError(t, err)
	}
}

func TestExport_MailsGeneratedPassword(t *testing.T) {
	f := newFixture(t)
	seedRaw(t, f.store, "1", "2")
	cfg := f.config()
	cfg.Notify = NotifyConfig{
		Enabled:   true,
		ServerURL: "https://impute.example.org",
		Recipient: notify.Recipient{Name: "Ada", Email: "ada@example.org"},
	}
	mailer := &captureMailer{}

	res, err := f.pipeline(cfg, nil, WithMailer(mailer)).Export(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, export.DefaultPassword, res.Password)
	assert.Len(t, res.Password, 16)
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, []string{"ada@example.org"}, mailer.sent[0].To)
	assert.Equal(t, "Job run-1 is complete.", mailer.sent[0].Subject)
	assert.Contains(t, mailer.sent[0].Body, res.Password)
	assert.Contains(t, mailer.sent[0].Body, "https://impute.example.org/start.html#!jobs/run-1/results")

	_, msg, status := f.rec.Current()
	assert.Equal(t, notify.SentMessage("ada@example.org"), msg)
	assert.Equal(t, notify.StatusOK, status)
}

func TestExport_MissingRecipient(t *testing.T) {
	f := newFixture(t)
	seedRaw(t, f.store, "1")
	cfg := f.config()
	cfg.Notify = NotifyConfig{Enabled: true}

	res, err := f.pipeline(cfg, nil, WithMailer(&captureMailer{})).Export(context.Background())
	require.ErrorIs(t, err, ErrNotification)
	require.ErrorIs(t, err, notify.ErrNoRecipient)
	require.NotNil(t, res)
	assert.Len(t, res.Archives, 1)

	_, msg, status := f.rec.Current()
	assert.Equal(t, notify.NoRecipientMessage, msg)
	assert.Equal(t, notify.StatusError, status)
}

func TestExport_NoRegions(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline(f.config(), nil).Export(context.Background())
	require.ErrorIs(t, err, ErrNoRegions)
}
