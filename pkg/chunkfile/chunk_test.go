package chunkfile

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/genimpute/pkg/provider/file"
	"github.com/3leaps/genimpute/pkg/storage"
)

func TestParse_RoundTrip(t *testing.T) {
	line := "chunk_20_0001\t20\t1\t20000000\ttrue\tchunks/chunk_20_0001.vcf.gz\tchunks/chunk_20_0001.vcf.gz.tbi\t532\t0"
	c, err := Parse(line)
	require.NoError(t, err)
	assert.Equal(t, "20", c.Chromosome)
	assert.Equal(t, int64(20000000), c.End)
	assert.True(t, c.Phased)
	assert.Equal(t, []string{"532", "0"}, c.Extra)
	assert.Equal(t, line, c.String())
}

func TestParse_Errors(t *testing.T) {
	tests := []string{
		"too\tfew",
		"id\t20\tx\t2\ttrue\ta\tb",
		"id\t20\t1\ty\ttrue\ta\tb",
		"id\t20\t1\t2\tmaybe\ta\tb",
	}
	for _, line := range tests {
		_, err := Parse(line)
		assert.ErrorIs(t, err, ErrMalformedLine, line)
	}

	_, err := Read(strings.NewReader("# comment\n\nid\t20\t1\t2\t1\ta\tb\nbroken\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 4")
}

func TestAllPhased(t *testing.T) {
	assert.True(t, AllPhased(nil))
	assert.True(t, AllPhased([]Chunk{{Phased: true}, {Phased: true}}))
	assert.False(t, AllPhased([]Chunk{{Phased: true}, {Phased: false}, {Phased: true}}))
}

func writeChunkDir(t *testing.T, phased ...bool) string {
	t.Helper()
	dir := t.TempDir()
	var buf bytes.Buffer
	for i, p := range phased {
		vcf := filepath.Join("chunks", "chunk_20_000"+string(rune('1'+i))+".vcf.gz")
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "chunks"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, vcf), []byte("vcf"+vcf), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, vcf+".tbi"), []byte("tbi"), 0o644))
		c := Chunk{ID: "c" + string(rune('1'+i)), Chromosome: "20", Start: 1, End: 2, Phased: p, VCFPath: vcf, IndexPath: vcf + ".tbi"}
		buf.WriteString(c.String() + "\n")
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20"), buf.Bytes(), 0o644))
	return dir
}

func TestConvert(t *testing.T) {
	src := writeChunkDir(t, true, false)
	p, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	store := storage.New(p)
	ctx := context.Background()

	res, err := Convert(ctx, store, filepath.Join(src, "20"), "tmp/job-1/chunks")
	require.NoError(t, err)
	assert.True(t, res.NeedsPhasing, "one unphased chunk forces phasing")
	assert.Equal(t, "tmp/job-1/chunks/20", res.ManifestKey)
	require.Len(t, res.Chunks, 2)
	assert.Equal(t, "tmp/job-1/chunks/chunk_20_0001.vcf.gz", res.Chunks[0].VCFPath)
	assert.Equal(t, "tmp/job-1/chunks/chunk_20_0001.vcf.gz.tbi", res.Chunks[0].IndexPath)

	rc, err := store.Open(ctx, res.ManifestKey)
	require.NoError(t, err)
	staged, err := Read(rc)
	_ = rc.Close()
	require.NoError(t, err)
	assert.Equal(t, res.Chunks, staged)

	// Retrying yields the same keys and content.
	again, err := Convert(ctx, store, filepath.Join(src, "20"), "tmp/job-1/chunks")
	require.NoError(t, err)
	assert.Equal(t, res, again)

	keys, err := store.ListAll(ctx, "tmp/job-1/chunks")
	require.NoError(t, err)
	assert.Len(t, keys, 5)

	rc, err = store.Open(ctx, "tmp/job-1/chunks/chunk_20_0002.vcf.gz")
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	assert.Equal(t, "vcfchunks/chunk_20_0002.vcf.gz", string(body))
}

func TestConvert_AllPhased(t *testing.T) {
	src := writeChunkDir(t, true, true, true)
	p, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	res, err := Convert(context.Background(), storage.New(p), filepath.Join(src, "20"), "staged")
	require.NoError(t, err)
	assert.False(t, res.NeedsPhasing)
}

func TestConvert_MissingChunkFile(t *testing.T) {
	src := writeChunkDir(t, true)
	require.NoError(t, os.Remove(filepath.Join(src, "chunks", "chunk_20_0001.vcf.gz")))
	p, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = Convert(context.Background(), storage.New(p), filepath.Join(src, "20"), "staged")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage chunk c1")
}
