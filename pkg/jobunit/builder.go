package jobunit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/genimpute/pkg/chunkfile"
	"github.com/3leaps/genimpute/pkg/refpanel"
	"github.com/3leaps/genimpute/pkg/storage"
)

// ErrNoChunks indicates the chunk directory is missing or empty, i.e. no
// chunk passed quality control.
var ErrNoChunks = errors.New("no chunks passed the QC step")

// Config is the per-run configuration the Builder applies to every region.
type Config struct {
	RunID string

	// RefPanel is the id of the panel in the registry.
	RefPanel string

	Phasing refpanel.PhasingMethod
	Params  Params

	// OutputPrefix is the storage prefix under which each region writes
	// <OutputPrefix>/<region>.
	OutputPrefix string

	// StagingPrefix receives staged chunk files and rewritten manifests.
	StagingPrefix string

	// LogDir is the local directory for per-region job logs.
	LogDir string

	Queue      string
	NoCache    bool
	MinimacBin string
}

// Builder turns chunk manifests into Units.
type Builder struct {
	cfg    Config
	panel  *refpanel.Panel
	store  *storage.Store
	logger *zap.Logger
}

// NewBuilder resolves the configured panel. An unknown panel id is a
// configuration error reported before anything is dispatched.
func NewBuilder(cfg Config, panels *refpanel.Registry, store *storage.Store, logger *zap.Logger) (*Builder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	panel, err := panels.Get(cfg.RefPanel)
	if err != nil {
		return nil, err
	}
	if cfg.Phasing == "" {
		cfg.Phasing = refpanel.PhasingNone
	}
	return &Builder{cfg: cfg, panel: panel, store: store, logger: logger}, nil
}

// Panel returns the resolved reference panel.
func (b *Builder) Panel() *refpanel.Panel { return b.panel }

// Build creates the Unit for region from its local chunk manifest.
//
// Auxiliary files for the configured phasing method are validated first.
// The resulting Unit only carries a phasing method when some chunk is
// unphased.
func (b *Builder) Build(ctx context.Context, region, manifestPath string) (Unit, error) {
	log := b.logger.With(zap.String("region", region))

	if err := b.panel.Validate(ctx, b.store, b.cfg.Phasing, region); err != nil {
		return Unit{}, err
	}

	conv, err := chunkfile.Convert(ctx, b.store, manifestPath, storage.Join(b.cfg.StagingPrefix, region))
	if err != nil {
		return Unit{}, fmt.Errorf("region %s: %w", region, err)
	}

	u := Unit{
		Name:          fmt.Sprintf("%s-chr-%s", b.cfg.RunID, region),
		Region:        region,
		InputManifest: conv.ManifestKey,
		Output:        storage.Join(b.cfg.OutputPrefix, region),
		LogPath:       filepath.Join(b.cfg.LogDir, "chr_"+region+".log"),
		RefPanel:      b.panel.ID,
		RefPanelPath:  b.panel.PathFor(region),
		Build:         b.panel.Build,
		MapMinimac:    b.panel.MapMinimac,
		Phasing:       refpanel.PhasingNone,
		Params:        b.cfg.Params,
		Queue:         b.cfg.Queue,
		NoCache:       b.cfg.NoCache,
		MinimacBin:    b.cfg.MinimacBin,
	}

	if !conv.NeedsPhasing {
		log.Info("Input data is phased")
		return u, nil
	}

	if b.cfg.Phasing == refpanel.PhasingNone {
		return Unit{}, fmt.Errorf("region %s: %w", region, refpanel.ErrNoPhasingMethod)
	}
	log.Info("Input data is unphased", zap.String("phasing", b.cfg.Phasing.String()))
	u.Phasing = b.cfg.Phasing
	switch b.cfg.Phasing {
	case refpanel.PhasingShapeIT:
		u.MapShapeIT = b.panel.MapShapeIT
		u.MapPatternShapeIT = b.panel.MapPatternShapeIT
	case refpanel.PhasingHapiUR:
		u.MapHapiUR = b.panel.MapHapiUR
		u.MapPatternHapiUR = b.panel.MapPatternHapiUR
	case refpanel.PhasingEagle:
		u.MapEagle = b.panel.MapEagle
		u.RefEagle = refpanel.ResolvePattern(b.panel.RefEagle, region)
	}
	return u, nil
}

// BuildAll builds one Unit per manifest file in chunkDir. The file name is
// the region token. Units are returned in sorted file name order, which is
// the dispatch order.
func (b *Builder) BuildAll(ctx context.Context, chunkDir string) ([]Unit, error) {
	manifests, err := ListManifests(chunkDir)
	if err != nil {
		return nil, err
	}
	units := make([]Unit, 0, len(manifests))
	for _, m := range manifests {
		u, err := b.Build(ctx, filepath.Base(m), m)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, nil
}

// ListManifests returns the chunk manifest files in dir, sorted. Hidden
// files and directories are skipped.
func ListManifests(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoChunks
		}
		return nil, fmt.Errorf("list chunk manifests: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	if len(out) == 0 {
		return nil, ErrNoChunks
	}
	sort.Strings(out)
	return out, nil
}
