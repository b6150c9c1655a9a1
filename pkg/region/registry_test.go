package region

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/genimpute/pkg/provider/file"
	"github.com/3leaps/genimpute/pkg/storage"
)

func TestRegistry_Discover(t *testing.T) {
	p, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	store := storage.New(p)
	ctx := context.Background()

	keys := []string{
		"output/20/chunk_20_0002.data.dose.vcf.gz",
		"output/20/chunk_20_0001.data.dose.vcf.gz",
		"output/20/chunk_20_0001.header.dose.vcf.gz",
		"output/20/chunk_20_0001.info",
		"output/20/_SUCCESS",
		"output/X.PAR2/chunk_X.PAR2_0001.data.dose.vcf.gz",
		"output/X.PAR2/chunk_X.PAR2_0001.info",
		"output/X.nonPAR/chunk_X.nonPAR_0001.data.dose.vcf.gz",
		"output/X.nonPAR/chunk_X.nonPAR_0001.info",
		"output/X.PAR1/chunk_X.PAR1_0001.header.dose.vcf.gz",
		"output/X.PAR1/chunk_X.PAR1_0001.data.dose.vcf.gz",
		"output/X.PAR1/chunk_X.PAR1_0001.info",
		"output/_temporary/ignored.info",
		"output/3/chunk_3_0001.data.dose.vcf.gz",
	}
	for _, k := range keys {
		require.NoError(t, store.PutReader(ctx, k, strings.NewReader(k), int64(len(k))))
	}

	bundles, err := NewRegistry(store, nil).Discover(ctx, "output")
	require.NoError(t, err)
	require.Len(t, bundles, 3)

	assert.Equal(t, "3", bundles[0].Name)
	assert.Equal(t, "20", bundles[1].Name)
	assert.Equal(t, "X", bundles[2].Name)

	chr20 := bundles[1]
	assert.Equal(t, []string{
		"output/20/chunk_20_0001.data.dose.vcf.gz",
		"output/20/chunk_20_0002.data.dose.vcf.gz",
	}, chr20.DataShards)
	assert.Equal(t, "output/20/chunk_20_0001.header.dose.vcf.gz", chr20.Header())
	assert.Equal(t, []string{"output/20/chunk_20_0001.info"}, chr20.InfoShards)

	chrX := bundles[2]
	assert.Len(t, chrX.Dirs, 3)
	assert.Equal(t, []string{
		"output/X.PAR1/chunk_X.PAR1_0001.data.dose.vcf.gz",
		"output/X.nonPAR/chunk_X.nonPAR_0001.data.dose.vcf.gz",
		"output/X.PAR2/chunk_X.PAR2_0001.data.dose.vcf.gz",
	}, chrX.DataShards)
	assert.Equal(t, []string{
		"output/X.PAR1/chunk_X.PAR1_0001.info",
		"output/X.nonPAR/chunk_X.nonPAR_0001.info",
		"output/X.PAR2/chunk_X.PAR2_0001.info",
	}, chrX.InfoShards)
	assert.Equal(t, "output/X.PAR1/chunk_X.PAR1_0001.header.dose.vcf.gz", chrX.Header())

	assert.Empty(t, bundles[0].Header())
}

func TestRegistry_DiscoverEmpty(t *testing.T) {
	p, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	bundles, err := NewRegistry(storage.New(p), nil).Discover(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, bundles)
}
