package chunkfile

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/3leaps/genimpute/pkg/storage"
)

// Result describes a converted manifest.
type Result struct {
	// ManifestKey is the storage key of the rewritten manifest.
	ManifestKey string

	Chunks []Chunk

	// NeedsPhasing is true when at least one chunk is unphased.
	NeedsPhasing bool
}

// Convert stages every chunk's VCF and index file from local disk into store
// under targetPrefix, rewrites the entries to the staged keys and stores the
// rewritten manifest next to them. Target keys derive from source file names
// and puts overwrite, so a retried conversion yields the same result.
func Convert(ctx context.Context, store *storage.Store, manifestPath, targetPrefix string) (*Result, error) {
	f, err := os.Open(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("open chunk manifest: %w", err)
	}
	chunks, err := Read(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("read chunk manifest %s: %w", manifestPath, err)
	}

	baseDir := filepath.Dir(manifestPath)
	for i := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := &chunks[i]

		vcfKey := storage.Join(targetPrefix, filepath.Base(c.VCFPath))
		if err := store.Put(ctx, localPath(baseDir, c.VCFPath), vcfKey); err != nil {
			return nil, fmt.Errorf("stage chunk %s: %w", c.ID, err)
		}
		indexKey := storage.Join(targetPrefix, filepath.Base(c.IndexPath))
		if err := store.Put(ctx, localPath(baseDir, c.IndexPath), indexKey); err != nil {
			return nil, fmt.Errorf("stage chunk %s index: %w", c.ID, err)
		}
		c.VCFPath = vcfKey
		c.IndexPath = indexKey
	}

	var buf bytes.Buffer
	if err := Write(&buf, chunks); err != nil {
		return nil, err
	}
	manifestKey := storage.Join(targetPrefix, filepath.Base(manifestPath))
	if err := store.PutReader(ctx, manifestKey, &buf, int64(buf.Len())); err != nil {
		return nil, fmt.Errorf("write chunk manifest: %w", err)
	}

	return &Result{
		ManifestKey:  manifestKey,
		Chunks:       chunks,
		NeedsPhasing: !AllPhased(chunks),
	}, nil
}

// localPath resolves relative chunk paths against the manifest directory.
func localPath(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
