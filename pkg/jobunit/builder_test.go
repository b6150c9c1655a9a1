package jobunit

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/genimpute/pkg/chunkfile"
	"github.com/3leaps/genimpute/pkg/provider/file"
	"github.com/3leaps/genimpute/pkg/refpanel"
	"github.com/3leaps/genimpute/pkg/storage"
)

type fixture struct {
	store    *storage.Store
	panels   *refpanel.Registry
	chunkDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	store := storage.New(p)

	for _, key := range []string{"maps/eagle.map.gz", "refpanels/eagle/chr20.bcf", "refpanels/eagle/chrX.PAR1.bcf"} {
		require.NoError(t, store.PutReader(context.Background(), key, strings.NewReader("x"), 1))
	}

	panels, err := refpanel.NewRegistry(&refpanel.Panel{
		ID:         "1000g",
		Build:      "hg19",
		Location:   "refpanels/1000g/chr$chr.m3vcf.gz",
		MapMinimac: "maps/minimac.map",
		MapShapeIT: "maps/shapeit-missing.tar.gz",
		MapEagle:   "maps/eagle.map.gz",
		RefEagle:   "refpanels/eagle/chr$chr.bcf",
	})
	require.NoError(t, err)

	return &fixture{store: store, panels: panels, chunkDir: t.TempDir()}
}

// addRegion writes a manifest for region with one chunk per phased flag.
func (f *fixture) addRegion(t *testing.T, region string, phased ...bool) string {
	t.Helper()
	var buf bytes.Buffer
	for i, p := range phased {
		name := "chunk_" + region + "_" + string(rune('a'+i)) + ".vcf.gz"
		require.NoError(t, os.WriteFile(filepath.Join(f.chunkDir, name), []byte(name), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(f.chunkDir, name+".tbi"), []byte("idx"), 0o644))
		buf.WriteString(chunkfile.Chunk{ID: name, Chromosome: region, Start: 1, End: 10, Phased: p, VCFPath: name, IndexPath: name + ".tbi"}.String() + "\n")
	}
	path := filepath.Join(f.chunkDir, region)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func (f *fixture) builder(t *testing.T, phasing refpanel.PhasingMethod) *Builder {
	t.Helper()
	b, err := NewBuilder(Config{
		RunID:         "job-20261019",
		RefPanel:      "1000g",
		Phasing:       phasing,
		Params:        Params{Rounds: 5, Window: 500000, Population: "eur"},
		OutputPrefix:  "job-20261019/output",
		StagingPrefix: "job-20261019/tmp",
		LogDir:        "/var/log/genimpute",
		Queue:         "default",
	}, f.panels, f.store, nil)
	require.NoError(t, err)
	return b
}

func TestBuild_UnphasedUsesConfiguredMethod(t *testing.T) {
	f := newFixture(t)
	manifest := f.addRegion(t, "20", true, false, true)

	u, err := f.builder(t, refpanel.PhasingEagle).Build(context.Background(), "20", manifest)
	require.NoError(t, err)

	assert.Equal(t, "job-20261019-chr-20", u.Name)
	assert.Equal(t, "20", u.Region)
	assert.Equal(t, "job-20261019/tmp/20/20", u.InputManifest)
	assert.Equal(t, "job-20261019/output/20", u.Output)
	assert.Equal(t, "/var/log/genimpute/chr_20.log", u.LogPath)
	assert.Equal(t, "refpanels/1000g/chr20.m3vcf.gz", u.RefPanelPath)
	assert.Equal(t, "hg19", u.Build)
	assert.Equal(t, "maps/minimac.map", u.MapMinimac)
	assert.Equal(t, refpanel.PhasingEagle, u.Phasing)
	assert.Equal(t, "maps/eagle.map.gz", u.MapEagle)
	assert.Equal(t, "refpanels/eagle/chr20.bcf", u.RefEagle)
	assert.Equal(t, Params{Rounds: 5, Window: 500000, Population: "eur"}, u.Params)
	assert.Equal(t, "default", u.Queue)
}

func TestBuild_AllPhasedSkipsPhasing(t *testing.T) {
	f := newFixture(t)
	manifest := f.addRegion(t, "X.PAR1", true, true)

	u, err := f.builder(t, refpanel.PhasingEagle).Build(context.Background(), "X.PAR1", manifest)
	require.NoError(t, err)
	assert.Equal(t, refpanel.PhasingNone, u.Phasing)
	assert.Empty(t, u.MapEagle)
	assert.Empty(t, u.RefEagle)
	assert.Equal(t, "refpanels/1000g/chrX.PAR1.m3vcf.gz", u.RefPanelPath)
}

func TestBuild_MissingAuxFileFailsFast(t *testing.T) {
	f := newFixture(t)
	manifest := f.addRegion(t, "20", false)

	_, err := f.builder(t, refpanel.PhasingShapeIT).Build(context.Background(), "20", manifest)
	require.ErrorIs(t, err, refpanel.ErrAuxFileNotFound)
	assert.Contains(t, err.Error(), "maps/shapeit-missing.tar.gz")

	staged, err := f.store.ListAll(context.Background(), "job-20261019/tmp")
	require.NoError(t, err)
	assert.Empty(t, staged, "nothing is staged when validation fails")

	// Eagle reference is resolved per region; chr7 has none.
	manifest7 := f.addRegion(t, "7", false)
	_, err = f.builder(t, refpanel.PhasingEagle).Build(context.Background(), "7", manifest7)
	assert.ErrorIs(t, err, refpanel.ErrAuxFileNotFound)
}

func TestBuild_UnphasedWithoutMethod(t *testing.T) {
	f := newFixture(t)
	manifest := f.addRegion(t, "20", false)

	_, err := f.builder(t, refpanel.PhasingNone).Build(context.Background(), "20", manifest)
	assert.ErrorIs(t, err, refpanel.ErrNoPhasingMethod)
}

func TestNewBuilder_UnknownPanel(t *testing.T) {
	f := newFixture(t)
	_, err := NewBuilder(Config{RefPanel: "hrc"}, f.panels, f.store, nil)
	assert.ErrorIs(t, err, refpanel.ErrPanelNotFound)
}

func TestBuildAll(t *testing.T) {
	f := newFixture(t)
	f.addRegion(t, "20", true)
	f.addRegion(t, "X.PAR1", true)

	// addRegion leaves chunk files next to the manifests; keep only manifests.
	dir := t.TempDir()
	for _, r := range []string{"20", "X.PAR1"} {
		data, err := os.ReadFile(filepath.Join(f.chunkDir, r))
		require.NoError(t, err)
		var lines []string
		for _, l := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			c, err := chunkfile.Parse(l)
			require.NoError(t, err)
			c.VCFPath = filepath.Join(f.chunkDir, c.VCFPath)
			c.IndexPath = filepath.Join(f.chunkDir, c.IndexPath)
			lines = append(lines, c.String())
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, r), []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	}

	units, err := f.builder(t, refpanel.PhasingEagle).BuildAll(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "20", units[0].Region)
	assert.Equal(t, "X.PAR1", units[1].Region)
}

func TestListManifests_NoChunks(t *testing.T) {
	_, err := ListManifests(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrNoChunks)

	_, err = ListManifests(t.TempDir())
	assert.ErrorIs(t, err, ErrNoChunks)
}
