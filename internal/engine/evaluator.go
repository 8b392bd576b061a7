package engine

import (
	"context"
	"fmt"

	"hydrocontrol/internal/script"
)

// EvaluateConditions folds conds left to right. Each condition's Logic joins
// it to the result so far; the first condition's Logic is ignored and an
// empty Logic means AND.
func EvaluateConditions(conds []script.Condition, readings map[script.Sensor]script.Reading) (bool, error) {
	if len(conds) == 0 {
		return false, nil
	}
	var result bool
	for i := range conds {
		c := &conds[i]
		r, ok := readings[c.Sensor]
		var met bool
		if ok {
			var err error
			if met, err = c.Evaluate(r); err != nil {
				return false, fmt.Errorf("condition %d: %w", i, err)
			}
		}
		if i == 0 {
			result = met
			continue
		}
		if c.Logic == "OR" {
			result = result || met
		} else {
			result = result && met
		}
	}
	return result, nil
}

// conditionsMet reads the device's cached readings and evaluates conds.
func (e *Engine) conditionsMet(ctx context.Context, deviceID string, conds []script.Condition) (bool, error) {
	if e.meas == nil {
		return false, nil
	}
	readings, err := e.meas.Readings(ctx, deviceID)
	if err != nil {
		return false, err
	}
	return EvaluateConditions(conds, readings)
}
