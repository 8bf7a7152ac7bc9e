package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/stepflow"
	"gopkg.in/yaml.v3"
)

// PlanFile is the on-disk form of a plan.
type PlanFile struct {
	Name        string          `yaml:"name" json:"name"`
	Description string          `yaml:"description" json:"description"`
	Query       string          `yaml:"query" json:"query"`
	Steps       []stepflow.Step `yaml:"steps" json:"steps"`
}

// PlanFileLoader decodes a PlanFile from raw bytes.
type PlanFileLoader interface {
	Decode(data []byte) (*PlanFile, error)
	Format() string // e.g., "yaml", "json"
}

var (
	loaderMu       sync.RWMutex
	loaderRegistry = make(map[string]PlanFileLoader)
)

// RegisterPlanFileLoader registers a loader for its format, replacing any previous one.
func RegisterPlanFileLoader(loader PlanFileLoader) {
	loaderMu.Lock()
	defer loaderMu.Unlock()
	loaderRegistry[loader.Format()] = loader
}

// GetPlanFileLoader retrieves a loader by format name (e.g., "yaml").
func GetPlanFileLoader(format string) (PlanFileLoader, bool) {
	loaderMu.RLock()
	defer loaderMu.RUnlock()
	loader, ok := loaderRegistry[format]
	return loader, ok
}

// YAMLLoader decodes YAML plan files.
type YAMLLoader struct{}

func (YAMLLoader) Decode(data []byte) (*PlanFile, error) {
	var pf PlanFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("failed to parse plan YAML: %w", err)
	}
	return &pf, nil
}

func (YAMLLoader) Format() string { return "yaml" }

// JSONLoader decodes JSON plan files.
type JSONLoader struct{}

func (JSONLoader) Decode(data []byte) (*PlanFile, error) {
	var pf PlanFile
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("failed to parse plan JSON: %w", err)
	}
	return &pf, nil
}

func (JSONLoader) Format() string { return "json" }

func init() {
	RegisterPlanFileLoader(YAMLLoader{})
	RegisterPlanFileLoader(JSONLoader{})
}

// FormatOf picks a loader format from the file extension, defaulting to yaml.
func FormatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

// LoadPlanFile reads and decodes the plan file at path.
func LoadPlanFile(path string) (*PlanFile, error) {
	format := FormatOf(path)
	loader, ok := GetPlanFileLoader(format)
	if !ok {
		return nil, fmt.Errorf("no %s plan loader registered", format)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan file: %w", err)
	}
	pf, err := loader.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pf, nil
}

// ToPlan converts the file into a Plan.
func (pf *PlanFile) ToPlan() *stepflow.Plan {
	plan := stepflow.NewPlan(pf.Query, pf.Steps...)
	plan.Metadata.Timestamp = time.Now().UTC()
	if pf.Name != "" || pf.Description != "" {
		plan.Metadata.Extra = map[string]any{"name": pf.Name, "description": pf.Description}
	}
	return plan
}

// LoadAndValidatePlan loads a plan file, validates its dependency graph and returns the Plan.
func LoadAndValidatePlan(path string) (*stepflow.Plan, error) {
	pf, err := LoadPlanFile(path)
	if err != nil {
		return nil, err
	}
	plan := pf.ToPlan()
	if _, err := BuildGraph(plan); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return plan, nil
}
