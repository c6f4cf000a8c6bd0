// Package preset holds the catalog of decomposition strategies whose
// template hints are handed to the planner.
package preset

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

//go:embed presets.yaml
var defaultPresets []byte

var (
	// ErrEmptyID is returned when a preset has no id
	ErrEmptyID = errors.New("preset id is empty")

	// ErrDuplicateID is returned when two presets share an id
	ErrDuplicateID = errors.New("duplicate preset id")
)

// Preset is a named decomposition strategy
type Preset struct {
	ID           string `yaml:"id" json:"id"`
	Name         string `yaml:"name" json:"name"`
	TemplateHint string `yaml:"templateHint" json:"templateHint"`
}

// Catalog is an immutable, ordered set of presets
type Catalog struct {
	presets []Preset
	byID    map[string]int
}

type catalogFile struct {
	Presets []Preset `yaml:"presets"`
}

// Load reads a YAML catalog
func Load(r io.Reader) (*Catalog, error) {
	var file catalogFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode presets: %w", err)
	}

	c := &Catalog{
		presets: make([]Preset, 0, len(file.Presets)),
		byID:    make(map[string]int, len(file.Presets)),
	}
	for i, p := range file.Presets {
		if p.ID == "" {
			return nil, fmt.Errorf("presets[%d]: %w", i, ErrEmptyID)
		}
		if _, ok := c.byID[p.ID]; ok {
			return nil, fmt.Errorf("presets[%d]: %w: %s", i, ErrDuplicateID, p.ID)
		}
		c.byID[p.ID] = len(c.presets)
		c.presets = append(c.presets, p)
	}
	return c, nil
}

// Default returns the built-in catalog
func Default() *Catalog {
	c, err := Load(bytes.NewReader(defaultPresets))
	if err != nil {
		panic(fmt.Sprintf("embedded presets are invalid: %v", err))
	}
	return c
}

// Get returns the preset with the given id
func (c *Catalog) Get(id string) (Preset, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Preset{}, false
	}
	return c.presets[i], true
}

// List returns all presets in file order
func (c *Catalog) List() []Preset {
	out := make([]Preset, len(c.presets))
	copy(out, c.presets)
	return out
}

// Hint returns the template hint of a preset, or "" when unknown
func (c *Catalog) Hint(id string) string {
	p, _ := c.Get(id)
	return p.TemplateHint
}
