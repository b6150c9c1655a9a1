// Package chunkfile reads and rewrites per-region chunk manifests.
//
// A manifest has one tab separated line per work chunk:
//
//	id  chromosome  start  end  phased  vcf-path  index-path  [extra...]
//
// Extra columns are carried through unchanged. Blank lines and lines
// starting with "#" are ignored.
package chunkfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const minColumns = 7

// ErrMalformedLine indicates a manifest line that cannot be parsed.
var ErrMalformedLine = errors.New("malformed chunk line")

// Chunk is one work chunk of a region.
type Chunk struct {
	ID         string
	Chromosome string
	Start      int64
	End        int64
	Phased     bool
	VCFPath    string
	IndexPath  string
	Extra      []string
}

// Parse parses one manifest line.
func Parse(line string) (Chunk, error) {
	cols := strings.Split(strings.TrimRight(line, "\r\n"), "\t")
	if len(cols) < minColumns {
		return Chunk{}, fmt.Errorf("%w: want %d columns, got %d", ErrMalformedLine, minColumns, len(cols))
	}
	start, err := strconv.ParseInt(cols[2], 10, 64)
	if err != nil {
		return Chunk{}, fmt.Errorf("%w: start: %v", ErrMalformedLine, err)
	}
	end, err := strconv.ParseInt(cols[3], 10, 64)
	if err != nil {
		return Chunk{}, fmt.Errorf("%w: end: %v", ErrMalformedLine, err)
	}
	phased, err := parseBool(cols[4])
	if err != nil {
		return Chunk{}, fmt.Errorf("%w: phased: %v", ErrMalformedLine, err)
	}
	c := Chunk{
		ID:         cols[0],
		Chromosome: cols[1],
		Start:      start,
		End:        end,
		Phased:     phased,
		VCFPath:    cols[5],
		IndexPath:  cols[6],
	}
	if len(cols) > minColumns {
		c.Extra = append([]string(nil), cols[minColumns:]...)
	}
	return c, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "yes":
		return true, nil
	case "0", "false", "no":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

// String serializes c as a manifest line without the trailing newline.
func (c Chunk) String() string {
	cols := []string{
		c.ID,
		c.Chromosome,
		strconv.FormatInt(c.Start, 10),
		strconv.FormatInt(c.End, 10),
		strconv.FormatBool(c.Phased),
		c.VCFPath,
		c.IndexPath,
	}
	cols = append(cols, c.Extra...)
	return strings.Join(cols, "\t")
}

// Read parses every chunk line from r.
func Read(r io.Reader) ([]Chunk, error) {
	var chunks []Chunk
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := sc.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		c, err := Parse(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		chunks = append(chunks, c)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return chunks, nil
}

// Write serializes chunks to w, one per line.
func Write(w io.Writer, chunks []Chunk) error {
	bw := bufio.NewWriter(w)
	for _, c := range chunks {
		if _, err := bw.WriteString(c.String() + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// AllPhased reports whether every chunk is phased. An empty list counts as
// phased.
func AllPhased(chunks []Chunk) bool {
	for _, c := range chunks {
		if !c.Phased {
			return false
		}
	}
	return true
}
