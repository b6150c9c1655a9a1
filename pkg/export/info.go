package export

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/3leaps/genimpute/pkg/storage"
)

// infoHeaderPrefix starts the column header line of an info shard.
const infoHeaderPrefix = "SNP"

// mergeInfo concatenates info shards in order into a gzip file at dest. The
// column header is kept from the first shard only; every other line is
// copied unchanged. It returns the number of records written.
func mergeInfo(ctx context.Context, store *storage.Store, shards []string, dest string) (int64, error) {
	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", dest, err)
	}
	zw, err := gzip.NewWriterLevel(f, gzip.DefaultCompression)
	if err != nil {
		_ = f.Close()
		return 0, err
	}
	bw := bufio.NewWriter(zw)

	var records int64
	for i, shard := range shards {
		if err := ctx.Err(); err != nil {
			_ = f.Close()
			return 0, err
		}
		n, err := copyInfo(ctx, store, shard, bw, i == 0)
		if err != nil {
			_ = f.Close()
			return 0, err
		}
		records += n
	}

	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("write %s: %w", dest, err)
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("write %s: %w", dest, err)
	}
	return records, f.Close()
}

func copyInfo(ctx context.Context, store *storage.Store, shard string, w *bufio.Writer, keepHeader bool) (int64, error) {
	rc, err := store.Open(ctx, shard)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rc.Close() }()

	var records int64
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, infoHeaderPrefix) {
			if !keepHeader {
				continue
			}
			keepHeader = false
		} else {
			records++
		}
		if _, err := w.WriteString(line); err != nil {
			return 0, err
		}
		if err := w.WriteByte('\n'); err != nil {
			return 0, err
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("read %s: %w", shard, err)
	}
	return records, nil
}
