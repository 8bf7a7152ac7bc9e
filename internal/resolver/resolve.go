package resolver

import (
	"strings"

	"github.com/ZanzyTHEbar/stepflow"
)

// ResultSource is the read side of a step result store.
type ResultSource interface {
	Get(index int) (stepflow.StepResult, bool)
}

// Evaluate resolves a single parsed expression against source.
func Evaluate(expr *Expression, source ResultSource) (stepflow.Value, error) {
	result, ok := source.Get(expr.Step)
	if !ok {
		return stepflow.Null(), stepflow.NewStepNotFoundError(expr.Step)
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "unknown error"
		}
		return stepflow.Null(), stepflow.NewStepFailedError(expr.Step, msg)
	}

	current := result.AsValue()
	segs := expr.Segments
	for i := 0; i < len(segs); i++ {
		seg := segs[i]
		switch seg.Kind {
		case SegmentProperty:
			if current.Kind() != stepflow.KindMap {
				return stepflow.Null(), stepflow.NewTypeMismatchError(expr.PathPrefix(i), "map", current.Kind())
			}
			next, ok := current.Get(seg.Name)
			if !ok {
				return stepflow.Null(), stepflow.NewPathNotFoundError(expr.PathPrefix(i), seg.Name)
			}
			current = next

		case SegmentIndex:
			items, ok := current.AsSequence()
			if !ok {
				return stepflow.Null(), stepflow.NewTypeMismatchError(expr.PathPrefix(i), "sequence", current.Kind())
			}
			if seg.Index >= len(items) {
				return stepflow.Null(), stepflow.NewIndexOutOfBoundsError(expr.PathPrefix(i), seg.Index, len(items))
			}
			current = items[seg.Index]

		case SegmentWildcard:
			items, ok := current.AsSequence()
			if !ok {
				return stepflow.Null(), stepflow.NewWildcardOnNonArrayError(expr.PathPrefix(i), current.Kind())
			}
			// "*.name" projects name out of every element and consumes both segments.
			// A trailing "*" or one followed by an index leaves the sequence as is.
			if i+1 < len(segs) && segs[i+1].Kind == SegmentProperty {
				name := segs[i+1].Name
				projected := make([]stepflow.Value, 0, len(items))
				for _, item := range items {
					if v, ok := item.Get(name); ok {
						projected = append(projected, v)
					}
				}
				current = stepflow.Sequence(projected...)
				i++
			}
		}
	}
	return current, nil
}

// Resolve returns v with every template reference replaced. A string that is
// exactly one reference takes the referenced value and its type; references
// embedded in longer text are rendered with Value.Text. Maps and sequences
// are resolved recursively and keep their shape.
func Resolve(v stepflow.Value, source ResultSource) (stepflow.Value, error) {
	switch v.Kind() {
	case stepflow.KindString:
		s, _ := v.AsString()
		return resolveString(s, source)

	case stepflow.KindSequence:
		items, _ := v.AsSequence()
		out := make([]stepflow.Value, len(items))
		for i, item := range items {
			r, err := Resolve(item, source)
			if err != nil {
				return stepflow.Null(), err
			}
			out[i] = r
		}
		return stepflow.Sequence(out...), nil

	case stepflow.KindMap:
		m, _ := v.AsMap()
		out := make(map[string]stepflow.Value, len(m))
		for k, item := range m {
			r, err := Resolve(item, source)
			if err != nil {
				return stepflow.Null(), err
			}
			out[k] = r
		}
		return stepflow.Map(out), nil

	default:
		return v, nil
	}
}

// ResolveParams resolves every parameter independently.
func ResolveParams(params map[string]stepflow.Value, source ResultSource) (map[string]stepflow.Value, error) {
	out := make(map[string]stepflow.Value, len(params))
	for k, v := range params {
		r, err := Resolve(v, source)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

func resolveString(s string, source ResultSource) (stepflow.Value, error) {
	occ, err := scan(s)
	if err != nil {
		return stepflow.Null(), err
	}
	if len(occ) == 0 {
		return stepflow.String(s), nil
	}
	if len(occ) == 1 && occ[0].start == 0 && occ[0].end == len(s) {
		return Evaluate(occ[0].expr, source)
	}

	var b strings.Builder
	last := 0
	for _, o := range occ {
		val, err := Evaluate(o.expr, source)
		if err != nil {
			return stepflow.Null(), err
		}
		b.WriteString(s[last:o.start])
		b.WriteString(val.Text())
		last = o.end
	}
	b.WriteString(s[last:])
	return stepflow.String(b.String()), nil
}

// IsShortCircuit reports whether a resolution error means an upstream step
// failed, in which case the dependent step must not be invoked.
func IsShortCircuit(err error) bool {
	return stepflow.HasCode(err, stepflow.ErrCodeStepFailed)
}

