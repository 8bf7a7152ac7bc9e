// Package prompt renders the planner and solver prompts handed to model-backed flows.
package prompt

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/ZanzyTHEbar/stepflow"
)

// Built-in prompt names.
const (
	Planner = "planner"
	Solver  = "solver"
)

// Registry holds named prompt templates.
type Registry struct {
	mu      sync.RWMutex
	prompts map[string]*template.Template
}

var funcs = template.FuncMap{
	"join": strings.Join,
	"text": func(v stepflow.Value) string { return v.Text() },
}

// NewRegistry creates a registry preloaded with the planner and solver prompts.
func NewRegistry() *Registry {
	r := &Registry{prompts: make(map[string]*template.Template)}
	// The built-in templates are constants; a parse failure is a programming error.
	if err := r.Define(Planner, plannerTemplate); err != nil {
		panic(err)
	}
	if err := r.Define(Solver, solverTemplate); err != nil {
		panic(err)
	}
	return r
}

// Define parses text and registers it under name, replacing any previous prompt.
func (r *Registry) Define(name, text string) error {
	t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return fmt.Errorf("failed to define prompt '%s': %w", name, err)
	}
	r.mu.Lock()
	r.prompts[name] = t
	r.mu.Unlock()
	return nil
}

// Names returns the registered prompt names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.prompts))
	for name := range r.prompts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render executes the prompt registered under name with data.
func (r *Registry) Render(name string, data any) (string, error) {
	r.mu.RLock()
	t, ok := r.prompts[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("prompt '%s' not found", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt '%s': %w", name, err)
	}
	return buf.String(), nil
}

// ToolSpec is one tool as shown to the planner.
type ToolSpec struct {
	Name        string
	Description string
	Category    string
	Returns     string
	Params      []string
	Examples    []string
}

// PlannerData is the input of the planner prompt.
type PlannerData struct {
	Query string
	Tools []ToolSpec
}

// NewPlannerData flattens tool schemas into sorted ToolSpecs.
func NewPlannerData(input stepflow.PlannerInput) PlannerData {
	data := PlannerData{Query: input.Query}
	for name, schema := range input.ToolSchemas {
		spec := ToolSpec{Name: name}
		spec.Description, _ = schema["description"].(string)
		spec.Category, _ = schema["category"].(string)
		spec.Returns, _ = schema["returns"].(string)
		spec.Examples, _ = schema["examples"].([]string)
		if params, ok := schema["parameters"].(map[string]string); ok {
			for p, desc := range params {
				spec.Params = append(spec.Params, p+": "+desc)
			}
			sort.Strings(spec.Params)
		}
		data.Tools = append(data.Tools, spec)
	}
	sort.Slice(data.Tools, func(i, j int) bool { return data.Tools[i].Name < data.Tools[j].Name })
	return data
}

// RenderPlanner renders the planner prompt for input.
func (r *Registry) RenderPlanner(input stepflow.PlannerInput) (string, error) {
	return r.Render(Planner, NewPlannerData(input))
}

// RenderSolver renders the solver prompt for input.
func (r *Registry) RenderSolver(input stepflow.SolverInput) (string, error) {
	return r.Render(Solver, input)
}

const plannerTemplate = `Generate a plan to answer the query: "{{.Query}}"

Available tools:
{{range .Tools}}
### {{.Name}}{{if .Category}} ({{.Category}}){{end}}
{{.Description}}
{{- if .Params}}
Parameters:
{{- range .Params}}
  - {{.}}
{{- end}}
{{- end}}
{{- if .Returns}}
Returns: {{.Returns}}
{{- end}}
{{- if .Examples}}
Examples: {{join .Examples "; "}}
{{- end}}
{{end}}
Output the plan as JSON: {"steps": [{"tool": "...", "params": {...}, "depends_on": [...], "when": "..."}]}.

Steps are identified by their zero-based position. A parameter may reference an
earlier step's result with ${step[N].data...}: use .name for properties, [i] for
array elements and .*.name to collect a property from every element. Only
reference earlier steps. "depends_on" and "when" are optional; "when" is a
boolean expression over the same references, e.g. len(${step[1].data}) > 0.
`

const solverTemplate = `Answer the query: "{{.Query}}"

Step results:
{{- range .Results}}
- step {{.StepIndex}} ({{.Tool}}): {{if .Success}}{{text .Data}}{{else}}failed [{{.ErrorCode}}] {{.Error}}{{end}}
{{- end}}

Use only the successful results. Mention failed steps if they leave the answer incomplete.
`
