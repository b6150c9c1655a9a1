package region

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/genimpute/pkg/storage"
)

// ShardKind classifies a file in a raw output directory.
type ShardKind int

const (
	ShardUnknown ShardKind = iota
	ShardHeader
	ShardData
	ShardInfo
)

// Shard file patterns, matched against the base name.
const (
	HeaderPattern = "*.header.dose.vcf.gz"
	DataPattern   = "*.data.dose.vcf.gz"
	InfoPattern   = "*.info"
)

// Classify returns the shard kind of a file name. Names starting with "_"
// or "." are bookkeeping files and never shards.
func Classify(name string) ShardKind {
	if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
		return ShardUnknown
	}
	for _, c := range []struct {
		pattern string
		kind    ShardKind
	}{
		{HeaderPattern, ShardHeader},
		{DataPattern, ShardData},
		{InfoPattern, ShardInfo},
	} {
		if ok, _ := doublestar.Match(c.pattern, name); ok {
			return c.kind
		}
	}
	return ShardUnknown
}

// Bundle is the set of shards exported as one region.
type Bundle struct {
	// Name is the canonical region name.
	Name string

	// Dirs are the raw output directories the shards were collected from.
	Dirs []string

	HeaderShards []string
	DataShards   []string
	InfoShards   []string
}

// Header returns the header shard used for the merged file, or "" when the
// bundle has none.
func (b *Bundle) Header() string {
	if len(b.HeaderShards) == 0 {
		return ""
	}
	return b.HeaderShards[0]
}

// Add appends a shard path to the matching list. Unknown kinds are ignored.
func (b *Bundle) Add(kind ShardKind, shardPath string) {
	switch kind {
	case ShardHeader:
		b.HeaderShards = append(b.HeaderShards, shardPath)
	case ShardData:
		b.DataShards = append(b.DataShards, shardPath)
	case ShardInfo:
		b.InfoShards = append(b.InfoShards, shardPath)
	}
}

// Order puts the shard lists into merge order: lexicographic path order,
// then for X a stable sort by sub-region. The result does not depend on
// the order shards were added in.
func (b *Bundle) Order() {
	sort.Strings(b.HeaderShards)
	sort.Strings(b.DataShards)
	sort.Strings(b.InfoShards)
	if b.Name == X {
		SortBySubRegion(b.HeaderShards)
		SortBySubRegion(b.DataShards)
		SortBySubRegion(b.InfoShards)
	}
}

// Registry groups raw output directories into region bundles.
type Registry struct {
	store  *storage.Store
	logger *zap.Logger
}

// NewRegistry creates a Registry reading from store.
func NewRegistry(store *storage.Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, logger: logger}
}

// Discover lists the directories directly below root (one per region or
// sub-region job), collects their shards and returns one ordered bundle per
// canonical region, in natural region order.
func (r *Registry) Discover(ctx context.Context, root string) ([]*Bundle, error) {
	dirs, err := r.store.ListDirectories(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("discover regions under %s: %w", root, err)
	}

	byName := make(map[string]*Bundle)
	for _, dir := range dirs {
		dirName := storage.Base(dir)
		if strings.HasPrefix(dirName, "_") || strings.HasPrefix(dirName, ".") {
			continue
		}
		name := Canonical(dirName)
		r.logger.Debug("Find files", zap.String("dir", dir), zap.String("region", name))

		files, err := r.store.ListFiles(ctx, dir)
		if err != nil {
			return nil, fmt.Errorf("discover region %s: %w", dirName, err)
		}

		b, ok := byName[name]
		if !ok {
			b = &Bundle{Name: name}
			byName[name] = b
		}
		b.Dirs = append(b.Dirs, dir)
		for _, f := range files {
			b.Add(Classify(storage.Base(f)), f)
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	Sort(names)

	bundles := make([]*Bundle, 0, len(names))
	for _, name := range names {
		b := byName[name]
		b.Order()
		bundles = append(bundles, b)
	}
	return bundles, nil
}
