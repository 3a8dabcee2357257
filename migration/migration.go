// Package migration upgrades stored records through an ordered list of versioned steps.
package migration

import (
	"encoding/json"
	"fmt"

	"github.com/sharedcode/lyra"
)

// Step upgrades a record to TargetVersion. Apply receives a private copy and may
// modify it in place. Applying a step to a record it already upgraded must not
// change it again.
type Step struct {
	TargetVersion int
	Name          string
	Apply         func(data map[string]any) (map[string]any, error)
}

// Runner applies steps in order.
type Runner struct {
	steps []Step
}

// NewRunner validates that step versions are positive and strictly ascending.
func NewRunner(steps []Step) (*Runner, error) {
	prev := 0
	for i, s := range steps {
		if s.Apply == nil {
			return nil, lyra.NewError(lyra.UsageFailure, "migration step %d (%s) has no Apply", i, s.Name)
		}
		if s.TargetVersion <= prev {
			return nil, lyra.NewError(lyra.UsageFailure, "migration step %q version %d must be greater than %d", s.Name, s.TargetVersion, prev)
		}
		prev = s.TargetVersion
	}
	return &Runner{steps: append([]Step(nil), steps...)}, nil
}

// Latest returns the version records are upgraded to, 0 with no steps.
func (r *Runner) Latest() int {
	if r == nil || len(r.steps) == 0 {
		return 0
	}
	return r.steps[len(r.steps)-1].TargetVersion
}

// Needed reports whether a record at stored needs Run.
func (r *Runner) Needed(stored int) bool {
	return stored < r.Latest()
}

// Run applies every step above stored, in order, to a copy of data. It returns the
// upgraded record and the version it is at. A record newer than Latest is refused.
func (r *Runner) Run(data map[string]any, stored int) (map[string]any, int, error) {
	latest := r.Latest()
	if stored > latest {
		return nil, stored, lyra.NewError(lyra.MigrationFailed, "stored schema version %d is newer than %d", stored, latest)
	}
	cur, err := DeepCopy(data)
	if err != nil {
		return nil, stored, lyra.WrapError(lyra.MigrationFailed, err, "copy")
	}
	if r == nil {
		return cur, stored, nil
	}
	version := stored
	for _, s := range r.steps {
		if s.TargetVersion <= stored {
			continue
		}
		next, err := s.apply(cur)
		if err != nil {
			return nil, version, lyra.WrapError(lyra.MigrationFailed, err, s.Name)
		}
		cur = next
		version = s.TargetVersion
	}
	return cur, version, nil
}

func (s Step) apply(data map[string]any) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %q (v%d) panicked: %v", s.Name, s.TargetVersion, r)
		}
	}()
	out, err = s.Apply(data)
	if err != nil {
		return nil, fmt.Errorf("step %q (v%d): %w", s.Name, s.TargetVersion, err)
	}
	if out == nil {
		return nil, fmt.Errorf("step %q (v%d) returned no record", s.Name, s.TargetVersion)
	}
	return out, nil
}

// AddFields returns a step that sets each missing field to its default. Existing
// fields are left alone, so the step is idempotent.
func AddFields(version int, name string, defaults map[string]any) Step {
	return Step{
		TargetVersion: version,
		Name:          name,
		Apply: func(data map[string]any) (map[string]any, error) {
			for k, v := range defaults {
				if _, ok := data[k]; ok {
					continue
				}
				c, err := copyValue(v)
				if err != nil {
					return nil, err
				}
				data[k] = c
			}
			return data, nil
		},
	}
}

// Transform returns a step that decodes the record into T, calls fn and re-encodes it.
func Transform[T any](version int, name string, fn func(*T) error) Step {
	return Step{
		TargetVersion: version,
		Name:          name,
		Apply: func(data map[string]any) (map[string]any, error) {
			b, err := json.Marshal(data)
			if err != nil {
				return nil, err
			}
			var v T
			if err := json.Unmarshal(b, &v); err != nil {
				return nil, err
			}
			if err := fn(&v); err != nil {
				return nil, err
			}
			if b, err = json.Marshal(v); err != nil {
				return nil, err
			}
			var out map[string]any
			if err := json.Unmarshal(b, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}
}

// DeepCopy copies a JSON-shaped map.
func DeepCopy(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func copyValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	err = json.Unmarshal(b, &out)
	return out, err
}
