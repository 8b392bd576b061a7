package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"hydrocontrol/internal/script"
)

// ParseReadings decodes a device state payload. Unknown keys are ignored;
// level sensors accept a level name or its ordinal.
func ParseReadings(payload []byte) (map[script.Sensor]script.Reading, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decoding readings: %w", err)
	}
	out := map[script.Sensor]script.Reading{}
	for k, v := range raw {
		s := script.Sensor(k)
		if !s.Known() || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			continue
		}
		r, err := parseReading(s, v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[s] = r
	}
	return out, nil
}

func parseReading(s script.Sensor, v json.RawMessage) (script.Reading, error) {
	var f float64
	numErr := json.Unmarshal(v, &f)
	if s.Ordinal() {
		if numErr == nil {
			l := script.Level(int(f))
			if l < script.LevelEmpty || l > script.LevelHigh {
				return script.Reading{}, fmt.Errorf("level %v out of range", f)
			}
			return script.Reading{Value: f, Level: l}, nil
		}
		var name string
		if err := json.Unmarshal(v, &name); err != nil {
			return script.Reading{}, fmt.Errorf("value %s is not a level", v)
		}
		l, err := script.ParseLevel(name)
		if err != nil {
			return script.Reading{}, err
		}
		return script.Reading{Value: float64(l), Level: l}, nil
	}
	if numErr == nil {
		return script.Reading{Value: f}, nil
	}
	var str string
	if err := json.Unmarshal(v, &str); err != nil {
		return script.Reading{}, fmt.Errorf("value %s is not a number", v)
	}
	f, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return script.Reading{}, fmt.Errorf("value %q is not a number", str)
	}
	return script.Reading{Value: f}, nil
}

// IngestReadings stores a device state payload in the measurement cache.
func (e *Engine) IngestReadings(ctx context.Context, deviceID string, payload []byte) error {
	if e.meas == nil {
		return nil
	}
	readings, err := ParseReadings(payload)
	if err != nil {
		log.WithError(err).WithField("device", deviceID).Warn("discarding malformed readings")
		return err
	}
	if len(readings) == 0 {
		return nil
	}
	return e.meas.StoreReadings(ctx, deviceID, readings)
}
