package resolver

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"

	"github.com/ZanzyTHEbar/stepflow"
)

// functionRegistry holds custom functions callable from guard conditions.
type functionRegistry struct {
	mu        sync.RWMutex
	functions map[string]govaluate.ExpressionFunction
}

var globalFunctions = &functionRegistry{functions: builtinFunctions()}

// RegisterFunction makes fn callable by name from every guard condition.
func RegisterFunction(name string, fn govaluate.ExpressionFunction) {
	globalFunctions.mu.Lock()
	defer globalFunctions.mu.Unlock()
	globalFunctions.functions[name] = fn
}

// functions returns a copy of the registered functions.
func functions() map[string]govaluate.ExpressionFunction {
	globalFunctions.mu.RLock()
	defer globalFunctions.mu.RUnlock()
	out := make(map[string]govaluate.ExpressionFunction, len(globalFunctions.functions))
	for k, v := range globalFunctions.functions {
		out[k] = v
	}
	return out
}

func builtinFunctions() map[string]govaluate.ExpressionFunction {
	return map[string]govaluate.ExpressionFunction{
		"len": func(args ...any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("len expects 1 argument, got %d", len(args))
			}
			switch t := args[0].(type) {
			case string:
				return float64(len(t)), nil
			case sequenceArg:
				return float64(len(t)), nil
			case []any:
				return float64(len(t)), nil
			case map[string]any:
				return float64(len(t)), nil
			case nil:
				return 0.0, nil
			default:
				return nil, fmt.Errorf("len: unsupported argument %T", args[0])
			}
		},
		"empty": func(args ...any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("empty expects 1 argument, got %d", len(args))
			}
			switch t := args[0].(type) {
			case nil:
				return true, nil
			case string:
				return t == "", nil
			case sequenceArg:
				return len(t) == 0, nil
			case []any:
				return len(t) == 0, nil
			case map[string]any:
				return len(t) == 0, nil
			default:
				return false, nil
			}
		},
	}
}

// Condition is a parsed guard expression. Template references inside it
// become govaluate variables named ref0, ref1, ...
type Condition struct {
	Source string
	refs   []*Expression
	eval   *govaluate.EvaluableExpression
}

// ParseCondition rewrites the references in src into variables and compiles the result.
func ParseCondition(src string) (*Condition, error) {
	if strings.TrimSpace(src) == "" {
		return nil, stepflow.NewValidationError("empty condition", nil)
	}
	occ, err := scan(src)
	if err != nil {
		return nil, err
	}

	quoted := quotedOffsets(src)
	var b strings.Builder
	refs := make([]*Expression, 0, len(occ))
	last := 0
	for i, o := range occ {
		if quoted[o.start] {
			return nil, stepflow.NewValidationError(fmt.Sprintf(
				"invalid condition '%s': reference ${%s} sits inside a quoted string; compare it unquoted, e.g. ${%s} == 'a'",
				src, o.expr, o.expr), nil)
		}
		b.WriteString(src[last:o.start])
		b.WriteString(" ref" + strconv.Itoa(i) + " ")
		refs = append(refs, o.expr)
		last = o.end
	}
	b.WriteString(src[last:])

	eval, err := govaluate.NewEvaluableExpressionWithFunctions(b.String(), functions())
	if err != nil {
		return nil, stepflow.NewValidationError(fmt.Sprintf("invalid condition '%s'", src), err)
	}
	return &Condition{Source: src, refs: refs, eval: eval}, nil
}

// quotedOffsets marks the byte offsets of src that fall inside a single- or
// double-quoted literal. A backslash escapes the next byte.
func quotedOffsets(src string) []bool {
	in := make([]bool, len(src))
	var quote byte
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case quote == 0 && (c == '\'' || c == '"'):
			quote = c
		case quote != 0 && c == '\\':
			in[i] = true
			if i+1 < len(src) {
				i++
				in[i] = true
			}
		case quote != 0 && c == quote:
			quote = 0
		case quote != 0:
			in[i] = true
		}
	}
	return in
}

// Dependencies returns the step indices the condition reads.
func (c *Condition) Dependencies() []int {
	seen := make(map[int]struct{}, len(c.refs))
	for _, r := range c.refs {
		seen[r.Step] = struct{}{}
	}
	return sortedKeys(seen)
}

// Evaluate resolves the condition's references and evaluates it. The result must be boolean.
func (c *Condition) Evaluate(source ResultSource) (bool, error) {
	vars := make(map[string]any, len(c.refs))
	for i, ref := range c.refs {
		v, err := Evaluate(ref, source)
		if err != nil {
			return false, err
		}
		vars["ref"+strconv.Itoa(i)] = conditionArg(v)
	}

	out, err := c.eval.Evaluate(vars)
	if err != nil {
		return false, stepflow.NewError(stepflow.ErrCodeValidation, "condition",
			fmt.Sprintf("failed to evaluate condition '%s'", c.Source), err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, stepflow.NewError(stepflow.ErrCodeTypeMismatch, "condition",
			fmt.Sprintf("condition '%s' produced %T, expected bool", c.Source, out), nil)
	}
	return b, nil
}

// sequenceArg keeps govaluate from spreading a sequence variable into
// separate function arguments.
type sequenceArg []any

func conditionArg(v stepflow.Value) any {
	if v.Kind() == stepflow.KindSequence {
		return sequenceArg(v.Any().([]any))
	}
	return v.Any()
}

// ValidateCondition checks a guard expression without evaluating it.
func ValidateCondition(src string) error {
	_, err := ParseCondition(src)
	return err
}
