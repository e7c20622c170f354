// Package stages defines the ordered stage sets for each creative format.
package stages

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/maestro/internal/core/domain"
)

var (
	// ErrUnknownFormat is returned when a project names a format with no stage set.
	ErrUnknownFormat = errors.New("unknown creative format")

	// ErrInvalidFormat is returned when a stage set is malformed.
	ErrInvalidFormat = errors.New("invalid format definition")

	// ErrNoEligibleStages is returned when no stage can run with the given workers.
	ErrNoEligibleStages = errors.New("no stages eligible for the given workers")
)

// DefaultFormat is used when fallback to a default stage set is enabled.
const DefaultFormat = "article"

// Definition describes one stage of a format.
type Definition struct {
	Name              string               `yaml:"name"               json:"name"`
	Worker            string               `yaml:"worker"             json:"worker"`
	Requires          []string             `yaml:"requires"           json:"requires,omitempty"`
	Gates             []domain.GateBinding `yaml:"gates"              json:"gates,omitempty"`
	EstimatedDuration time.Duration        `yaml:"estimated_duration" json:"estimated_duration"`
}

// Format is an ordered stage set.
type Format struct {
	ID          string       `yaml:"id"          json:"id"`
	Description string       `yaml:"description" json:"description"`
	Stages      []Definition `yaml:"stages"      json:"stages"`
}

// Validate checks the stage set is usable.
func (f Format) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidFormat)
	}
	if len(f.Stages) == 0 {
		return fmt.Errorf("%w: %s has no stages", ErrInvalidFormat, f.ID)
	}
	seen := make(map[string]bool, len(f.Stages))
	for _, s := range f.Stages {
		if s.Name == "" || s.Worker == "" {
			return fmt.Errorf("%w: %s has a stage without name or worker", ErrInvalidFormat, f.ID)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: %s repeats stage %s", ErrInvalidFormat, f.ID, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Catalog holds the formats known to the process.
type Catalog struct {
	mu       sync.RWMutex
	formats  map[string]Format
	fallback bool
}

// NewCatalog creates a catalog with the built-in formats. With fallback
// set, unknown formats resolve to DefaultFormat instead of failing.
func NewCatalog(fallback bool) *Catalog {
	c := &Catalog{
		formats:  make(map[string]Format),
		fallback: fallback,
	}
	for _, f := range builtinFormats() {
		c.formats[f.ID] = f
	}
	return c
}

// Register adds or replaces a format.
func (c *Catalog) Register(f Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.formats[f.ID] = f
	return nil
}

// Lookup returns the format registered under id.
func (c *Catalog) Lookup(id string) (Format, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if f, ok := c.formats[id]; ok {
		return f, nil
	}
	if c.fallback {
		if f, ok := c.formats[DefaultFormat]; ok {
			return f, nil
		}
	}
	return Format{}, fmt.Errorf("%w: %q", ErrUnknownFormat, id)
}

// Formats returns every registered format ordered by id.
func (c *Catalog) Formats() []Format {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Format, 0, len(c.formats))
	for _, f := range c.formats {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Build instantiates the stages of format id for a new workflow. When
// workers is non-empty, stages bound to other workers are dropped along
// with requirements naming them.
func (c *Catalog) Build(id string, workers []string) (Format, []domain.Stage, error) {
	f, err := c.Lookup(id)
	if err != nil {
		return Format{}, nil, err
	}

	dropped := make(map[string]bool)
	var defs []Definition
	for _, d := range f.Stages {
		if len(workers) > 0 && !slices.Contains(workers, d.Worker) {
			dropped[d.Name] = true
			continue
		}
		defs = append(defs, d)
	}
	if len(defs) == 0 {
		return Format{}, nil, fmt.Errorf("%w: format %s", ErrNoEligibleStages, f.ID)
	}

	out := make([]domain.Stage, len(defs))
	for i, d := range defs {
		var requires []string
		for _, r := range d.Requires {
			if !dropped[r] {
				requires = append(requires, r)
			}
		}
		gates := make([]domain.GateBinding, len(d.Gates))
		copy(gates, d.Gates)

		out[i] = domain.Stage{
			Name:              d.Name,
			Worker:            d.Worker,
			Status:            domain.StageStatusNotStarted,
			Requires:          requires,
			Gates:             gates,
			EstimatedDuration: d.EstimatedDuration,
		}
	}
	return f, out, nil
}
