package cel

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
)

// Evaluator holds a compiled CEL predicate over a record's JSON form.
type Evaluator struct {
	Name       string
	Expression string
	program    cel.Program
}

// NewEvaluator compiles expression. The record is bound to the variable "data" as a
// map of string to dyn, e.g. "data.coins >= 0.0 && size(data.inventory) <= 50".
// The expression must produce a bool.
func NewEvaluator(name string, expression string) (*Evaluator, error) {
	if name == "" {
		return nil, fmt.Errorf("name can't be empty string")
	}
	if expression == "" {
		return nil, fmt.Errorf("expression can't be empty string")
	}

	env, err := cel.NewEnv(
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %v", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling CEL expression: %v", issues.Err())
	}
	if ot := ast.OutputType(); !ot.IsAssignableType(cel.BoolType) {
		return nil, fmt.Errorf("CEL expression %q yields %v, want bool", name, ot)
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error creating Program: %v", err)
	}
	return &Evaluator{
		Name:       name,
		Expression: expression,
		program:    p,
	}, nil
}

// Evaluate runs the predicate against data.
func (e *Evaluator) Evaluate(data map[string]any) (bool, error) {
	out, _, err := e.program.Eval(map[string]any{
		"data": data,
	})
	if err != nil {
		return false, fmt.Errorf("error evaluating CEL expression: %v", err)
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(true))
	if err != nil {
		return false, fmt.Errorf("error ConvertToNative, got err: %v", err)
	}
	v, ok := nv.(bool)
	if !ok {
		return false, fmt.Errorf("error converting to bool, nv: %v", nv)
	}
	return v, nil
}
