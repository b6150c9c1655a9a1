package refpanel

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultFilename is the panel registry file name looked up in the
// application directory.
const DefaultFilename = "panels.yaml"

// Registry holds the panels known to a deployment, keyed by id.
type Registry struct {
	panels map[string]*Panel
}

type registryFile struct {
	Panels []*Panel `yaml:"panels"`
}

// Load reads a YAML panel registry from path.
func Load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("panel registry not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read panel registry: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadFromReader(f)
}

// LoadFromReader parses a YAML panel registry.
func LoadFromReader(r io.Reader) (*Registry, error) {
	var file registryFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("panel registry is empty")
		}
		return nil, fmt.Errorf("failed to parse panel registry: %w", err)
	}
	return NewRegistry(file.Panels...)
}

// NewRegistry builds a registry from panels. Ids must be unique and panels
// must name a location.
func NewRegistry(panels ...*Panel) (*Registry, error) {
	reg := &Registry{panels: make(map[string]*Panel, len(panels))}
	for _, p := range panels {
		if p == nil || p.ID == "" {
			return nil, errors.New("panel id is required")
		}
		if p.Location == "" {
			return nil, fmt.Errorf("panel %s: location is required", p.ID)
		}
		if _, dup := reg.panels[p.ID]; dup {
			return nil, fmt.Errorf("panel %s: duplicate id", p.ID)
		}
		reg.panels[p.ID] = p
	}
	return reg, nil
}

// Get returns the panel with the given id.
func (r *Registry) Get(id string) (*Panel, error) {
	p, ok := r.panels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPanelNotFound, id)
	}
	return p, nil
}

// IDs returns the registered panel ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.panels))
	for id := range r.panels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
