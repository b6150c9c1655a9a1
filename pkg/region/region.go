// Package region names imputation regions and orders their output shards.
//
// A region is a chromosome ("1".."22", "X", ...) or one of the three
// sub-regions of chromosome X produced by chunking (X.PAR1, X.nonPAR,
// X.PAR2). Sub-regions are dispatched as independent jobs but exported as the
// single canonical region "X".
package region

import (
	"path"
	"sort"
	"strconv"
	"strings"
)

// Sex chromosome sub-region tokens in canonical merge order.
const (
	XPAR1   = "X.PAR1"
	XNonPAR = "X.nonPAR"
	XPAR2   = "X.PAR2"

	// X is the canonical name the sub-regions collapse to.
	X = "X"
)

var subRegionOrder = []string{XPAR1, XNonPAR, XPAR2}

var displayLabels = map[string]string{
	XPAR1:   "X1",
	XNonPAR: "X2",
	XPAR2:   "X3",
}

// Canonical maps a region or sub-region token to the region it is exported
// under.
func Canonical(name string) string {
	if strings.HasPrefix(name, X+".") {
		return X
	}
	return name
}

// IsSubRegion reports whether name is an X sub-region token.
func IsSubRegion(name string) bool {
	return strings.HasPrefix(name, X+".")
}

// DisplayLabel returns the short label used in progress summaries.
func DisplayLabel(name string) string {
	if label, ok := displayLabels[name]; ok {
		return label
	}
	return name
}

// ShardToken returns the token following the first "_" in the shard's file
// name, e.g. "X.PAR1" for "chunk_X.PAR1_0001_0020000000.data.dose.vcf.gz".
// The second return is false when the name has no such token.
func ShardToken(shardPath string) (string, bool) {
	parts := strings.Split(path.Base(shardPath), "_")
	if len(parts) < 2 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// OrderKey is the position of the shard's sub-region in the canonical
// PAR1, nonPAR, PAR2 order. Shards with an absent or unknown token get
// len(order) and therefore sort last.
func OrderKey(shardPath string) int {
	token, ok := ShardToken(shardPath)
	if ok {
		for i, name := range subRegionOrder {
			if token == name {
				return i
			}
		}
	}
	return len(subRegionOrder)
}

// SortBySubRegion stable-sorts paths in place by OrderKey. Ties keep their
// incoming order.
func SortBySubRegion(paths []string) {
	sort.SliceStable(paths, func(i, j int) bool {
		return OrderKey(paths[i]) < OrderKey(paths[j])
	})
}

// Less orders region names naturally: numeric chromosomes ascending, then
// everything else lexicographically.
func Less(a, b string) bool {
	ai, aErr := strconv.Atoi(a)
	bi, bErr := strconv.Atoi(b)
	switch {
	case aErr == nil && bErr == nil:
		return ai < bi
	case aErr == nil:
		return true
	case bErr == nil:
		return false
	}
	return a < b
}

// Sort orders region names with Less.
func Sort(names []string) {
	sort.SliceStable(names, func(i, j int) bool { return Less(names[i], names[j]) })
}
