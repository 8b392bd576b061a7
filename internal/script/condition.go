package script

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"
)

// Sensor names a measured quantity a condition can test.
type Sensor string

const (
	SensorTemperature Sensor = "temperature"
	SensorHumidity    Sensor = "humidity"
	SensorEC          Sensor = "ec"
	SensorPH          Sensor = "ph"
	SensorTDS         Sensor = "tds"
	SensorWaterLevel  Sensor = "water_level"
	SensorLevel       Sensor = "level"
)

// Known reports whether s is a supported sensor.
func (s Sensor) Known() bool {
	switch s {
	case SensorTemperature, SensorHumidity, SensorEC, SensorPH, SensorTDS, SensorWaterLevel, SensorLevel:
		return true
	}
	return false
}

// Ordinal reports whether s reports a Level instead of a number.
func (s Sensor) Ordinal() bool {
	return s == SensorWaterLevel || s == SensorLevel
}

// Operator compares a reading against a condition value.
type Operator string

const (
	Less         Operator = "<"
	Greater      Operator = ">"
	LessEqual    Operator = "<="
	GreaterEqual Operator = ">="
	Equal        Operator = "=="
	NotEqual     Operator = "!="
)

func (o Operator) known() bool {
	switch o {
	case Less, Greater, LessEqual, GreaterEqual, Equal, NotEqual:
		return true
	}
	return false
}

// Level is the ordinal reading of a level sensor.
type Level int

const (
	LevelEmpty Level = iota
	LevelLow
	LevelMedium
	LevelHigh
)

var levelNames = [...]string{"vazio", "baixo", "medio", "alto"}

func (l Level) String() string {
	if l < LevelEmpty || l > LevelHigh {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel reads one of vazio, baixo, medio or alto.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range levelNames {
		if s == name {
			return Level(i), nil
		}
	}
	return 0, fmt.Errorf("unknown level %q", s)
}

// Condition tests one sensor. Value is a number (or numeric string) for
// continuous sensors and a level name for level sensors.
type Condition struct {
	Sensor   Sensor          `json:"sensor"`
	Operator Operator        `json:"operator"`
	Value    json.RawMessage `json:"value"`
	Logic    string          `json:"logic,omitempty"`
}

// Number decodes Value as a float.
func (c *Condition) Number() (float64, error) {
	raw := bytes.TrimSpace(c.Value)
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing value")
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("value %s is not a number", raw)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("value %q is not a number", s)
	}
	return f, nil
}

// Level decodes Value as a level name.
func (c *Condition) Level() (Level, error) {
	var s string
	if err := json.Unmarshal(c.Value, &s); err != nil {
		return 0, fmt.Errorf("value %s is not a level", bytes.TrimSpace(c.Value))
	}
	return ParseLevel(s)
}

// Check reports the first malformed field of c as a field name and message.
func (c *Condition) Check() (field, msg string) {
	if !c.Sensor.Known() {
		return "sensor", fmt.Sprintf("unknown sensor %q", c.Sensor)
	}
	if !c.Operator.known() {
		return "operator", fmt.Sprintf("unknown operator %q", c.Operator)
	}
	if c.Sensor.Ordinal() {
		if c.Operator != Equal && c.Operator != NotEqual {
			return "operator", fmt.Sprintf("%s only supports == and !=", c.Sensor)
		}
		if _, err := c.Level(); err != nil {
			return "value", err.Error()
		}
		return "", ""
	}
	if _, err := c.Number(); err != nil {
		return "value", err.Error()
	}
	return "", ""
}

// Reading is the current value of a sensor.
type Reading struct {
	Value float64
	Level Level
}

// Evaluate tests r against c.
func (c *Condition) Evaluate(r Reading) (bool, error) {
	if field, msg := c.Check(); field != "" {
		return false, fmt.Errorf("%s: %s", field, msg)
	}
	if c.Sensor.Ordinal() {
		want, _ := c.Level()
		if c.Operator == Equal {
			return r.Level == want, nil
		}
		return r.Level != want, nil
	}
	threshold, _ := c.Number()
	return compare(c.Operator, r.Value, threshold)
}

var (
	exprMu sync.Mutex
	exprs  = map[Operator]*govaluate.EvaluableExpression{}
)

func expressionFor(op Operator) (*govaluate.EvaluableExpression, error) {
	exprMu.Lock()
	defer exprMu.Unlock()
	if e, ok := exprs[op]; ok {
		return e, nil
	}
	e, err := govaluate.NewEvaluableExpression("reading " + string(op) + " threshold")
	if err != nil {
		return nil, err
	}
	exprs[op] = e
	return e, nil
}

func compare(op Operator, reading, threshold float64) (bool, error) {
	expr, err := expressionFor(op)
	if err != nil {
		return false, err
	}
	res, err := expr.Evaluate(map[string]interface{}{
		"reading":   reading,
		"threshold": threshold,
	})
	if err != nil {
		return false, err
	}
	ok, isBool := res.(bool)
	if !isBool {
		return false, fmt.Errorf("expression returned %T", res)
	}
	return ok, nil
}
