// Package catalog holds the conversation techniques ("modules") the agent
// can apply on a turn.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fyrsmithlabs/turnd/internal/session"
	"gopkg.in/yaml.v3"
)

// ErrEmpty is returned when a catalog file defines no modules.
var ErrEmpty = errors.New("catalog: no modules defined")

// Module is one reusable technique.
type Module struct {
	ID           string          `yaml:"id" toml:"id" json:"id"`
	Name         string          `yaml:"name" toml:"name" json:"name"`
	Description  string          `yaml:"description" toml:"description" json:"description"`
	Guidelines   []string        `yaml:"guidelines" toml:"guidelines" json:"guidelines"`
	ApplicableTo []session.Phase `yaml:"applicable_to" toml:"applicable_to" json:"applicable_to"`
}

// AppliesTo reports whether m is meant for phase. An empty list means all.
func (m Module) AppliesTo(phase session.Phase) bool {
	if len(m.ApplicableTo) == 0 {
		return true
	}
	for _, p := range m.ApplicableTo {
		if p == phase {
			return true
		}
	}
	return false
}

// Catalog is an immutable, ordered set of modules.
type Catalog struct {
	modules []Module
	byID    map[string]int
}

// New validates modules and builds a catalog.
func New(modules []Module) (*Catalog, error) {
	if len(modules) == 0 {
		return nil, ErrEmpty
	}
	c := &Catalog{modules: make([]Module, 0, len(modules)), byID: make(map[string]int, len(modules))}
	for i, m := range modules {
		m.ID = strings.TrimSpace(m.ID)
		if m.ID == "" {
			return nil, fmt.Errorf("catalog: module %d has no id", i)
		}
		if _, dup := c.byID[m.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate module id %q", m.ID)
		}
		for _, p := range m.ApplicableTo {
			if !p.Valid() {
				return nil, fmt.Errorf("catalog: module %q has invalid phase %d", m.ID, p)
			}
		}
		c.byID[m.ID] = len(c.modules)
		c.modules = append(c.modules, m)
	}
	return c, nil
}

type file struct {
	Modules []Module `yaml:"modules" toml:"modules"`
}

// Load reads a catalog file. Files ending in .toml are decoded as TOML,
// everything else as YAML. An empty path yields the built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		var f file
		if _, err := toml.DecodeFile(path, &f); err != nil {
			return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
		}
		return New(f.Modules)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return New(f.Modules)
}

// Get returns the module with id.
func (c *Catalog) Get(id string) (Module, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Module{}, false
	}
	return c.modules[i], true
}

// Has reports whether id names a module.
func (c *Catalog) Has(id string) bool {
	_, ok := c.byID[id]
	return ok
}

// List returns all modules in catalog order.
func (c *Catalog) List() []Module {
	out := make([]Module, len(c.modules))
	copy(out, c.modules)
	return out
}

// First returns the first module; catalogs are never empty.
func (c *Catalog) First() Module {
	return c.modules[0]
}

// ForPhase lists the modules that apply to phase.
func (c *Catalog) ForPhase(phase session.Phase) []Module {
	var out []Module
	for _, m := range c.modules {
		if m.AppliesTo(phase) {
			out = append(out, m)
		}
	}
	return out
}

// GuidelinesText renders a module's guidelines as a dash list.
func (c *Catalog) GuidelinesText(id string) string {
	m, ok := c.Get(id)
	if !ok {
		return ""
	}
	lines := make([]string, 0, len(m.Guidelines))
	for _, g := range m.Guidelines {
		lines = append(lines, "- "+g)
	}
	return strings.Join(lines, "\n")
}

// Excerpt returns the first n non-empty lines of GuidelinesText.
func (c *Catalog) Excerpt(id string, n int) string {
	if n <= 0 {
		return ""
	}
	var out []string
	for _, line := range strings.Split(c.GuidelinesText(id), "\n") {
		if strings.TrimSpace(strings.TrimPrefix(line, "-")) == "" {
			continue
		}
		out = append(out, line)
		if len(out) == n {
			break
		}
	}
	return strings.Join(out, "\n")
}
