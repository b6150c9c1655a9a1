// Package export merges each region's raw imputation shards into one
// compressed variant file and one compressed info file and packages them
// into an encrypted zip archive per region.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"go.uber.org/zap"

	"github.com/3leaps/genimpute/pkg/notify"
	"github.com/3leaps/genimpute/pkg/region"
	"github.com/3leaps/genimpute/pkg/storage"
)

// ErrMissingHeader is returned when a region has no header shard.
var ErrMissingHeader = errors.New("no header shard")

// Config configures an Assembler.
type Config struct {
	// LocalDir receives the archives. Merge buffers are created below it.
	LocalDir string

	// IndexRegions are tabix-indexed after merging.
	// Default: ["22"]
	IndexRegions []string

	// TabixPath is the tabix binary. Default: "tabix" on PATH.
	TabixPath string

	// AESEncryption selects AES-256 over standard zip encryption.
	AESEncryption bool

	// Password protects every archive. Default: DefaultPassword.
	Password string

	// RawRoot is deleted from storage once every region is packaged. When
	// empty, the bundles' own directories are deleted instead.
	RawRoot string
}

// DefaultIndexRegions are the regions indexed when none are configured.
func DefaultIndexRegions() []string {
	return []string{"22"}
}

// Archive describes one packaged region.
type Archive struct {
	Region     string     `json:"region"`
	Path       string     `json:"path"`
	Size       int64      `json:"size"`
	Records    int64      `json:"records"`
	Indexed    bool       `json:"indexed"`
	Encryption Encryption `json:"-"`
}

// Result is the outcome of an export.
type Result struct {
	Password string
	Archives []Archive
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Assembler) { a.logger = l }
}

// Assembler exports region bundles. It is not safe for concurrent use.
type Assembler struct {
	store  *storage.Store
	cfg    Config
	sink   notify.Sink
	logger *zap.Logger
}

func New(store *storage.Store, cfg Config, sink notify.Sink, opts ...Option) *Assembler {
	if cfg.IndexRegions == nil {
		cfg.IndexRegions = DefaultIndexRegions()
	}
	if cfg.Password == "" {
		cfg.Password = DefaultPassword
	}
	if sink == nil {
		sink = notify.Discard{}
	}
	a := &Assembler{store: store, cfg: cfg, sink: sink, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Export packages every bundle and then deletes the raw outputs. Any error
// aborts the export; archives already written are left in LocalDir but
// must not be delivered.
func (a *Assembler) Export(ctx context.Context, bundles []*region.Bundle) (*Result, error) {
	a.sink.BeginTask("Export data...")

	res, err := a.export(ctx, bundles)
	if err != nil {
		var te *ToolError
		if errors.As(err, &te) {
			a.sink.EndTask("Error during index creation: "+te.Output, notify.StatusError)
		} else {
			a.sink.EndTask("Data compression failed: "+err.Error(), notify.StatusError)
		}
		return nil, err
	}

	a.sink.EndTask("Exported data.", notify.StatusOK)
	return res, nil
}

func (a *Assembler) export(ctx context.Context, bundles []*region.Bundle) (*Result, error) {
	if err := os.MkdirAll(a.cfg.LocalDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	res := &Result{Password: a.cfg.Password}
	for _, b := range bundles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		archive, err := a.exportRegion(ctx, b)
		if err != nil {
			return nil, err
		}
		res.Archives = append(res.Archives, archive)
	}

	if err := a.deleteRaw(ctx, bundles); err != nil {
		return nil, err
	}
	return res, nil
}

func (a *Assembler) exportRegion(ctx context.Context, b *region.Bundle) (Archive, error) {
	name := b.Name
	log := a.logger.With(zap.String("region", name))
	a.sink.Println("Export and merge chromosome " + name)

	ordered := orderedCopy(b)
	header := ordered.Header()
	if header == "" {
		return Archive{}, fmt.Errorf("chromosome %s: %w", name, ErrMissingHeader)
	}

	work, err := os.MkdirTemp(a.cfg.LocalDir, ".export-chr"+name+"-")
	if err != nil {
		return Archive{}, fmt.Errorf("create merge dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(work) }()

	dosePath := filepath.Join(work, "chr"+name+".dose.vcf.gz")
	infoPath := filepath.Join(work, "chr"+name+".info.gz")

	records, err := mergeInfo(ctx, a.store, ordered.InfoShards, infoPath)
	if err != nil {
		return Archive{}, fmt.Errorf("merge info for chromosome %s: %w", name, err)
	}

	err = mergeVCF(ctx, a.store, header, ordered.DataShards, dosePath, func(shard string) {
		a.sink.Println("Read file " + shard)
	})
	if err != nil {
		return Archive{}, fmt.Errorf("merge dosages for chromosome %s: %w", name, err)
	}

	indexed := slices.Contains(a.cfg.IndexRegions, name)
	if indexed {
		if err := tabix(ctx, a.cfg.TabixPath, dosePath); err != nil {
			return Archive{}, fmt.Errorf("index chromosome %s: %w", name, err)
		}
	}

	enc := EncryptionStandard
	if a.cfg.AESEncryption {
		enc = EncryptionAES256
	}
	dest := filepath.Join(a.cfg.LocalDir, ArchiveName(name))
	if err := writeArchive(dest, a.cfg.Password, enc, dosePath, infoPath); err != nil {
		return Archive{}, err
	}

	st, err := os.Stat(dest)
	if err != nil {
		return Archive{}, fmt.Errorf("stat archive: %w", err)
	}
	log.Info("Region exported",
		zap.String("archive", dest),
		zap.Int64("bytes", st.Size()),
		zap.Int("data_shards", len(ordered.DataShards)),
		zap.Int64("info_records", records),
		zap.Bool("indexed", indexed))

	return Archive{
		Region:     name,
		Path:       dest,
		Size:       st.Size(),
		Records:    records,
		Indexed:    indexed,
		Encryption: enc,
	}, nil
}

func (a *Assembler) deleteRaw(ctx context.Context, bundles []*region.Bundle) error {
	if a.cfg.RawRoot != "" {
		if err := a.store.Delete(ctx, a.cfg.RawRoot); err != nil {
			return fmt.Errorf("delete raw outputs: %w", err)
		}
		return nil
	}
	for _, b := range bundles {
		for _, dir := range b.Dirs {
			if err := a.store.Delete(ctx, dir); err != nil {
				return fmt.Errorf("delete raw outputs: %w", err)
			}
		}
	}
	return nil
}

// ArchiveName is the archive file name of a region.
func ArchiveName(name string) string {
	return "chr_" + name + ".zip"
}

// orderedCopy returns b with cloned shard lists in merge order, leaving b
// untouched.
func orderedCopy(b *region.Bundle) *region.Bundle {
	c := &region.Bundle{
		Name:         b.Name,
		Dirs:         b.Dirs,
		HeaderShards: slices.Clone(b.HeaderShards),
		DataShards:   slices.Clone(b.DataShards),
		InfoShards:   slices.Clone(b.InfoShards),
	}
	c.Order()
	return c
}
