// Package resolver substitutes ${step[N]...} references inside step
// parameters with values taken from earlier step results.
package resolver

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ZanzyTHEbar/stepflow"
)

// SegmentKind identifies one path segment of a template expression.
type SegmentKind uint8

const (
	SegmentProperty SegmentKind = iota
	SegmentIndex
	SegmentWildcard
)

// Segment is one step of a template path.
type Segment struct {
	Kind  SegmentKind
	Name  string // property name for SegmentProperty
	Index int    // element index for SegmentIndex
}

func (s Segment) String() string {
	switch s.Kind {
	case SegmentIndex:
		return "[" + strconv.Itoa(s.Index) + "]"
	case SegmentWildcard:
		return ".*"
	default:
		return "." + s.Name
	}
}

// Expression is a parsed ${step[N]...} reference.
type Expression struct {
	Raw      string // the full ${...} text
	Step     int
	Segments []Segment
}

// PathPrefix renders the expression up to and including segment n-1.
// PathPrefix(0) is just "step[N]".
func (e *Expression) PathPrefix(n int) string {
	var b strings.Builder
	b.WriteString("step[")
	b.WriteString(strconv.Itoa(e.Step))
	b.WriteByte(']')
	for i := 0; i < n && i < len(e.Segments); i++ {
		b.WriteString(e.Segments[i].String())
	}
	return b.String()
}

func (e *Expression) String() string { return e.PathPrefix(len(e.Segments)) }

var (
	// placeholderRe finds every ${...} substring, template or not.
	placeholderRe = regexp.MustCompile(`\$\{([^{}]*)\}`)
	// exprRe is the full grammar of a template body.
	exprRe = regexp.MustCompile(`^step\[(\d+)\]((?:\.[A-Za-z_][A-Za-z0-9_]*|\[\d+\]|\.\*)*)$`)
	// segmentRe splits the path part of a body into segments.
	segmentRe = regexp.MustCompile(`\.\*|\.[A-Za-z_][A-Za-z0-9_]*|\[\d+\]`)
	// stepPrefixRe decides whether a non-matching body was meant as a reference.
	stepPrefixRe = regexp.MustCompile(`^\s*step\s*\[`)
)

// Parse parses a template body such as "step[0].data.*.id" (without the ${ }).
func Parse(body string) (*Expression, error) {
	m := exprRe.FindStringSubmatch(body)
	if m == nil {
		return nil, stepflow.NewValidationError(fmt.Sprintf("malformed template expression '${%s}'", body), nil)
	}
	step, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, stepflow.NewValidationError(fmt.Sprintf("invalid step index in '${%s}'", body), err)
	}

	expr := &Expression{Raw: "${" + body + "}", Step: step}
	for _, tok := range segmentRe.FindAllString(m[2], -1) {
		switch {
		case tok == ".*":
			expr.Segments = append(expr.Segments, Segment{Kind: SegmentWildcard})
		case tok[0] == '[':
			idx, err := strconv.Atoi(tok[1 : len(tok)-1])
			if err != nil {
				return nil, stepflow.NewValidationError(fmt.Sprintf("invalid array index in '${%s}'", body), err)
			}
			expr.Segments = append(expr.Segments, Segment{Kind: SegmentIndex, Index: idx})
		default:
			expr.Segments = append(expr.Segments, Segment{Kind: SegmentProperty, Name: tok[1:]})
		}
	}
	return expr, nil
}

// occurrence is one ${...} found inside a string.
type occurrence struct {
	start, end int
	expr       *Expression
}

// scan finds the template references in s. Bodies that look like a step
// reference but do not parse are reported as errors; any other ${...} is literal text.
func scan(s string) ([]occurrence, error) {
	if !strings.Contains(s, "${") {
		return nil, nil
	}
	var out []occurrence
	for _, loc := range placeholderRe.FindAllStringSubmatchIndex(s, -1) {
		body := s[loc[2]:loc[3]]
		expr, err := Parse(body)
		if err != nil {
			if stepPrefixRe.MatchString(body) {
				return nil, err
			}
			continue
		}
		out = append(out, occurrence{start: loc[0], end: loc[1], expr: expr})
	}
	return out, nil
}

// IsFullTemplate reports whether s is exactly one template reference with no surrounding text.
func IsFullTemplate(s string) bool {
	occ, err := scan(s)
	return err == nil && len(occ) == 1 && occ[0].start == 0 && occ[0].end == len(s)
}

// HasTemplates reports whether any string inside v contains a template reference.
func HasTemplates(v stepflow.Value) bool {
	found := false
	walkStrings(v, func(s string) bool {
		occ, _ := scan(s)
		found = len(occ) > 0
		return !found
	})
	return found
}

// ExtractTemplates returns every well-formed template reference inside v, in walk order.
// Map keys are visited in sorted order so the result is deterministic.
func ExtractTemplates(v stepflow.Value) []*Expression {
	var out []*Expression
	walkStrings(v, func(s string) bool {
		occ, _ := scan(s)
		for _, o := range occ {
			out = append(out, o.expr)
		}
		return true
	})
	return out
}

// StepDependencies returns the sorted, de-duplicated step indices referenced anywhere in params.
func StepDependencies(params map[string]stepflow.Value) []int {
	seen := make(map[int]struct{})
	for _, v := range params {
		for _, expr := range ExtractTemplates(v) {
			seen[expr.Step] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// ValidateTemplates returns the first malformed step reference inside params, naming the parameter.
func ValidateTemplates(params map[string]stepflow.Value) error {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var firstErr error
		walkStrings(params[k], func(s string) bool {
			if _, err := scan(s); err != nil {
				firstErr = err
				return false
			}
			return true
		})
		if firstErr != nil {
			return stepflow.NewValidationError(fmt.Sprintf("parameter '%s'", k), firstErr)
		}
	}
	return nil
}

// walkStrings visits every String leaf of v. Returning false from fn stops the walk.
func walkStrings(v stepflow.Value, fn func(string) bool) bool {
	switch v.Kind() {
	case stepflow.KindString:
		s, _ := v.AsString()
		return fn(s)
	case stepflow.KindSequence:
		items, _ := v.AsSequence()
		for _, item := range items {
			if !walkStrings(item, fn) {
				return false
			}
		}
	case stepflow.KindMap:
		m, _ := v.AsMap()
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !walkStrings(m[k], fn) {
				return false
			}
		}
	}
	return true
}

func sortedKeys(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
