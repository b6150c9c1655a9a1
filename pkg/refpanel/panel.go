// Package refpanel describes reference panels and the auxiliary files each
// phasing method needs.
package refpanel

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ChrPlaceholder is substituted with the region token in panel path patterns.
const ChrPlaceholder = "$chr"

var (
	// ErrPanelNotFound indicates the configured panel id is not registered.
	ErrPanelNotFound = errors.New("reference panel not found")

	// ErrAuxFileNotFound indicates a map or reference file required by the
	// phasing method is missing.
	ErrAuxFileNotFound = errors.New("file not found")

	// ErrUnknownPhasing indicates an unsupported phasing method name.
	ErrUnknownPhasing = errors.New("unknown phasing method")

	// ErrNoPhasingMethod indicates unphased input with phasing disabled.
	ErrNoPhasingMethod = errors.New("input data is unphased but no phasing method is configured")
)

// PhasingMethod selects how haplotype phase is resolved before imputation.
type PhasingMethod string

const (
	PhasingNone    PhasingMethod = "none"
	PhasingShapeIT PhasingMethod = "shapeit"
	PhasingHapiUR  PhasingMethod = "hapiur"
	PhasingEagle   PhasingMethod = "eagle"
)

// ParsePhasingMethod parses a configured method name. The empty string
// parses as PhasingNone.
func ParsePhasingMethod(s string) (PhasingMethod, error) {
	switch m := PhasingMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case "", PhasingNone:
		return PhasingNone, nil
	case PhasingShapeIT, PhasingHapiUR, PhasingEagle:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPhasing, s)
}

func (m PhasingMethod) String() string { return string(m) }

// Panel is one registered reference panel.
type Panel struct {
	ID      string `yaml:"id" json:"id"`
	Build   string `yaml:"build" json:"build"`
	Version string `yaml:"version,omitempty" json:"version,omitempty"`
	Legend  string `yaml:"legend,omitempty" json:"legend,omitempty"`

	// Location is the per-region panel file pattern, e.g.
	// "refpanels/hapmap2/hapmap_r22.chr$chr.CEU.hg18.m3vcf.gz".
	Location string `yaml:"location" json:"location"`

	MapMinimac string `yaml:"map_minimac,omitempty" json:"map_minimac,omitempty"`

	MapShapeIT        string `yaml:"map_shapeit,omitempty" json:"map_shapeit,omitempty"`
	MapPatternShapeIT string `yaml:"map_pattern_shapeit,omitempty" json:"map_pattern_shapeit,omitempty"`
	MapHapiUR         string `yaml:"map_hapiur,omitempty" json:"map_hapiur,omitempty"`
	MapPatternHapiUR  string `yaml:"map_pattern_hapiur,omitempty" json:"map_pattern_hapiur,omitempty"`
	MapEagle          string `yaml:"map_eagle,omitempty" json:"map_eagle,omitempty"`

	// RefEagle is a per-region pattern like Location.
	RefEagle string `yaml:"ref_eagle,omitempty" json:"ref_eagle,omitempty"`

	Populations []string `yaml:"populations,omitempty" json:"populations,omitempty"`
}

// ResolvePattern substitutes every ChrPlaceholder in pattern with region.
func ResolvePattern(pattern, region string) string {
	return strings.ReplaceAll(pattern, ChrPlaceholder, region)
}

// PathFor returns the panel file for region.
func (p *Panel) PathFor(region string) string {
	return ResolvePattern(p.Location, region)
}

// AuxFile is an auxiliary file a phasing method needs.
type AuxFile struct {
	Kind string
	Path string
}

// RequiredFiles lists the auxiliary files method needs for region, with
// per-region patterns already resolved.
func (p *Panel) RequiredFiles(method PhasingMethod, region string) []AuxFile {
	switch method {
	case PhasingShapeIT:
		return []AuxFile{{Kind: "Map ShapeIT", Path: p.MapShapeIT}}
	case PhasingHapiUR:
		return []AuxFile{{Kind: "Map HapiUR", Path: p.MapHapiUR}}
	case PhasingEagle:
		return []AuxFile{
			{Kind: "Eagle map", Path: p.MapEagle},
			{Kind: "Eagle reference", Path: ResolvePattern(p.RefEagle, region)},
		}
	}
	return nil
}

// FileChecker reports whether a storage key exists.
type FileChecker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// MissingFileError names the auxiliary file that failed validation.
type MissingFileError struct {
	Panel  string
	Method PhasingMethod
	File   AuxFile
}

func (e *MissingFileError) Error() string {
	path := e.File.Path
	if path == "" {
		path = "<unset>"
	}
	return fmt.Sprintf("%s '%s' not found (panel %s, phasing %s)", e.File.Kind, path, e.Panel, e.Method)
}

func (e *MissingFileError) Unwrap() error { return ErrAuxFileNotFound }

// Validate checks that every file method needs for region exists. It stops at
// the first missing file.
func (p *Panel) Validate(ctx context.Context, files FileChecker, method PhasingMethod, region string) error {
	for _, aux := range p.RequiredFiles(method, region) {
		if aux.Path == "" {
			return &MissingFileError{Panel: p.ID, Method: method, File: aux}
		}
		ok, err := files.Exists(ctx, aux.Path)
		if err != nil {
			return fmt.Errorf("check %s: %w", aux.Kind, err)
		}
		if !ok {
			return &MissingFileError{Panel: p.ID, Method: method, File: aux}
		}
	}
	return nil
}
