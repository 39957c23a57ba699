package workflow

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"rpportal/internal/models"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yml
var defaultCatalogYAML []byte

// TypeSpec describes how one application type behaves.
type TypeSpec struct {
	Type  models.ApplicationType `yaml:"type" json:"type"`
	Label string                 `yaml:"label" json:"label"`
	// MonthlyCap is the number of submissions allowed per calendar month; 0 means unlimited.
	MonthlyCap     int      `yaml:"monthly_cap" json:"monthly_cap"`
	RequiredFields []string `yaml:"required_fields" json:"required_fields"`
	UsesTesting    bool     `yaml:"uses_testing" json:"uses_testing"`
}

// Limited reports whether the type has a monthly cap.
func (t TypeSpec) Limited() bool {
	return t.MonthlyCap > 0
}

// Catalog is the lookup table of application types.
type Catalog struct {
	specs map[models.ApplicationType]TypeSpec
	order []models.ApplicationType
}

type catalogFile struct {
	Types []TypeSpec `yaml:"types"`
}

var (
	defaultCatalog     *Catalog
	defaultCatalogOnce sync.Once
)

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	defaultCatalogOnce.Do(func() {
		c, err := ParseCatalog(defaultCatalogYAML)
		if err != nil {
			panic(fmt.Sprintf("workflow: invalid built-in catalog: %v", err))
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// LoadCatalog reads a catalog file. An empty path yields the built-in catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes and validates a YAML catalog document.
func ParseCatalog(raw []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if len(file.Types) == 0 {
		return nil, errors.New("catalog defines no application types")
	}

	c := &Catalog{specs: make(map[models.ApplicationType]TypeSpec, len(file.Types))}
	for i, spec := range file.Types {
		spec.Type = models.ApplicationType(strings.TrimSpace(string(spec.Type)))
		if spec.Type == "" {
			return nil, fmt.Errorf("catalog entry %d has no type", i)
		}
		if _, dup := c.specs[spec.Type]; dup {
			return nil, fmt.Errorf("catalog type %q defined twice", spec.Type)
		}
		if spec.MonthlyCap < 0 {
			return nil, fmt.Errorf("catalog type %q has negative monthly_cap", spec.Type)
		}
		if spec.Label == "" {
			spec.Label = string(spec.Type)
		}
		fields := make([]string, 0, len(spec.RequiredFields))
		for _, f := range spec.RequiredFields {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
		spec.RequiredFields = fields

		c.specs[spec.Type] = spec
		c.order = append(c.order, spec.Type)
	}
	return c, nil
}

// Lookup returns the spec for t.
func (c *Catalog) Lookup(t models.ApplicationType) (TypeSpec, bool) {
	spec, ok := c.specs[t]
	return spec, ok
}

// Types returns every spec in file order.
func (c *Catalog) Types() []TypeSpec {
	out := make([]TypeSpec, 0, len(c.order))
	for _, t := range c.order {
		out = append(out, c.specs[t])
	}
	return out
}
