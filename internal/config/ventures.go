package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/venturecrane/crane-relay/internal/errs"
	"github.com/venturecrane/crane-relay/pkg/models"
)

//go:embed ventures.schema.json
var venturesSchema []byte

// VentureCodePattern is the syntax every venture code must match.
var VentureCodePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,31}$`)

// Catalog is the immutable venture and schedule configuration. An empty
// catalog accepts any syntactically valid venture code.
type Catalog struct {
	Ventures []models.Venture      `yaml:"ventures"`
	Schedule []models.ScheduleItem `yaml:"schedule"`

	byCode map[string]models.Venture
}

// LoadCatalog reads the venture file at path. An empty path yields an
// empty catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return NewCatalog(nil, nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ventures file: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog validates YAML against the catalog schema and decodes it.
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse ventures file: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("ventures file: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(venturesSchema)
	if err != nil {
		return nil, fmt.Errorf("compile ventures schema: %w", err)
	}
	if result := schema.ValidateJSON(asJSON); !result.IsValid() {
		return nil, fmt.Errorf("ventures file failed schema validation: %v", result.Errors)
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode ventures file: %w", err)
	}
	return checkCatalog(NewCatalog(c.Ventures, c.Schedule))
}

// NewCatalog builds a catalog from already-validated entries.
func NewCatalog(ventures []models.Venture, schedule []models.ScheduleItem) *Catalog {
	c := &Catalog{Ventures: ventures, Schedule: schedule, byCode: make(map[string]models.Venture, len(ventures))}
	if c.Ventures == nil {
		c.Ventures = []models.Venture{}
	}
	for _, v := range ventures {
		c.byCode[v.Code] = v
	}
	return c
}

func checkCatalog(c *Catalog) (*Catalog, error) {
	if len(c.byCode) != len(c.Ventures) {
		return nil, fmt.Errorf("ventures file: duplicate venture code")
	}
	names := make(map[string]bool, len(c.Schedule))
	for _, it := range c.Schedule {
		if names[it.Name] {
			return nil, fmt.Errorf("ventures file: duplicate schedule item %q", it.Name)
		}
		names[it.Name] = true
		if it.Scope != nil {
			if _, ok := c.byCode[*it.Scope]; !ok {
				return nil, fmt.Errorf("ventures file: schedule item %q has unknown scope %q", it.Name, *it.Scope)
			}
		}
	}
	return c, nil
}

// CheckVenture validates a venture code against the catalog.
func (c *Catalog) CheckVenture(code string) error {
	switch {
	case code == "":
		return errs.Field("venture", "required")
	case !VentureCodePattern.MatchString(code):
		return errs.Field("venture", "must match "+VentureCodePattern.String())
	}
	if len(c.byCode) == 0 {
		return nil
	}
	if _, ok := c.byCode[code]; !ok {
		return errs.Field("venture", "unknown venture "+code)
	}
	return nil
}

// Venture returns the configured venture with code.
func (c *Catalog) Venture(code string) (models.Venture, bool) {
	v, ok := c.byCode[code]
	return v, ok
}
