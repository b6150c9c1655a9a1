package export

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/3leaps/genimpute/pkg/storage"
)

// bgzfEOF is the empty BGZF block that terminates a BGZF file.
var bgzfEOF = []byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00,
	0x00, 0xff, 0x06, 0x00, 0x42, 0x43, 0x02, 0x00,
	0x1b, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
}

// eofStripper forwards everything but the final len(bgzfEOF) bytes; finish
// writes them unless they are the EOF block.
type eofStripper struct {
	w    io.Writer
	tail []byte
}

func (s *eofStripper) Write(p []byte) (int, error) {
	buf := append(s.tail, p...)
	if len(buf) <= len(bgzfEOF) {
		s.tail = buf
		return len(p), nil
	}
	n := len(buf) - len(bgzfEOF)
	if _, err := s.w.Write(buf[:n]); err != nil {
		return 0, err
	}
	s.tail = append(make([]byte, 0, len(bgzfEOF)), buf[n:]...)
	return len(p), nil
}

func (s *eofStripper) finish() error {
	if bytes.Equal(s.tail, bgzfEOF) {
		return nil
	}
	_, err := s.w.Write(s.tail)
	return err
}

// mergeVCF writes header followed by every data shard to dest as one BGZF
// stream. Blocks are copied verbatim; only trailing EOF blocks are dropped
// and a single one is appended.
func mergeVCF(ctx context.Context, store *storage.Store, header string, data []string, dest string, progress func(string)) error {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	bw := bufio.NewWriterSize(f, 1<<20)

	for _, shard := range append([]string{header}, data...) {
		if err := ctx.Err(); err != nil {
			_ = f.Close()
			return err
		}
		if progress != nil && shard != header {
			progress(shard)
		}
		if err := appendShard(ctx, store, shard, bw); err != nil {
			_ = f.Close()
			return err
		}
	}

	if _, err := bw.Write(bgzfEOF); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return f.Close()
}

func appendShard(ctx context.Context, store *storage.Store, shard string, w io.Writer) error {
	rc, err := store.Open(ctx, shard)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	s := &eofStripper{w: w}
	if _, err := io.Copy(s, rc); err != nil {
		return fmt.Errorf("read %s: %w", shard, err)
	}
	if err := s.finish(); err != nil {
		return fmt.Errorf("read %s: %w", shard, err)
	}
	return nil
}
