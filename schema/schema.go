// Package schema validates records before they are cached or written.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/sharedcode/lyra"
	"github.com/sharedcode/lyra/cel"
)

// Validator checks a record.
type Validator[T any] interface {
	// Validate returns nil or a ValidationFailure error describing the first problem.
	Validate(record *T) error
}

// Func adapts a predicate returning (ok, reason).
type Func[T any] func(record *T) (bool, string)

// Validate implements Validator.
func (f Func[T]) Validate(record *T) error {
	if record == nil {
		return lyra.NewError(lyra.ValidationFailure, "record is nil")
	}
	if ok, reason := f(record); !ok {
		if reason == "" {
			reason = "record rejected"
		}
		return lyra.Error{Code: lyra.ValidationFailure, Err: fmt.Errorf("%s", reason)}
	}
	return nil
}

// CEL validates the record's JSON form with a CEL predicate bound to "data".
type CEL[T any] struct {
	eval *cel.Evaluator
}

// NewCEL compiles expression, e.g. "data.coins >= 0.0".
func NewCEL[T any](name, expression string) (*CEL[T], error) {
	e, err := cel.NewEvaluator(name, expression)
	if err != nil {
		return nil, lyra.WrapError(lyra.UsageFailure, err, name)
	}
	return &CEL[T]{eval: e}, nil
}

// Validate implements Validator.
func (c *CEL[T]) Validate(record *T) error {
	if record == nil {
		return lyra.NewError(lyra.ValidationFailure, "record is nil")
	}
	b, err := json.Marshal(record)
	if err != nil {
		return lyra.WrapError(lyra.ValidationFailure, err, c.eval.Name)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return lyra.WrapError(lyra.ValidationFailure, fmt.Errorf("record is not a JSON object: %w", err), c.eval.Name)
	}
	ok, err := c.eval.Evaluate(m)
	if err != nil {
		return lyra.WrapError(lyra.ValidationFailure, err, c.eval.Name)
	}
	if !ok {
		return lyra.WrapError(lyra.ValidationFailure, fmt.Errorf("%s is false", c.eval.Expression), c.eval.Name)
	}
	return nil
}

// All runs validators in order and returns the first failure.
func All[T any](validators ...Validator[T]) Validator[T] {
	return all[T](validators)
}

type all[T any] []Validator[T]

func (a all[T]) Validate(record *T) error {
	for _, v := range a {
		if v == nil {
			continue
		}
		if err := v.Validate(record); err != nil {
			return err
		}
	}
	return nil
}
