package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

const scriptRule = `{
  "device_id": "ESP32_MASTER_1",
  "rule_name": "Top up EC",
  "priority": 70,
  "script": {
    "instructions": [
      {"type": "if",
       "condition": {"sensor": "ec", "operator": "<", "value": 1200},
       "then": [{"type": "relay_action", "target": "master", "relay_number": 4, "action": "on", "duration_seconds": 3}]}
    ]
  }
}`

const ecConfig = `{
  "base_dose": 1525, "flow_rate": 1, "volume": 10, "ec_setpoint": 1500,
  "nutrients": [
    {"name": "Grow", "relay_number": 0, "ml_per_liter": 2},
    {"name": "Micro", "relay_number": 1, "ml_per_liter": 2},
    {"name": "Bloom", "relay_number": 2, "ml_per_liter": 1}
  ]
}`

func TestRunRule(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"-rule", writeFile(t, "rule.json", scriptRule)}, &out)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, out.String())
	}
	if !strings.Contains(out.String(), `ok (script rule "Top up EC", priority 70)`) {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunRuleInvalid(t *testing.T) {
	bad := strings.Replace(scriptRule, `"relay_number": 4`, `"relay_number": 16`, 1)
	var out bytes.Buffer
	if code := run([]string{"-rule", writeFile(t, "rule.json", bad)}, &out); code != 1 {
		t.Fatalf("exit %d: %s", code, out.String())
	}
	if !strings.Contains(out.String(), "relay_number") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunPreview(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"-ec", writeFile(t, "ec.json", ecConfig), "-measured", "1650"}, &out)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, out.String())
	}
	if !strings.Contains(out.String(), `"total_dose_ml": 4.92`) {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	code = run([]string{"-ec", writeFile(t, "ec.json", ecConfig), "-measured", "1500"}, &out)
	if code != 0 || !strings.Contains(out.String(), "nothing to dose") {
		t.Errorf("at setpoint: exit %d, %q", code, out.String())
	}
}

func TestRunUsage(t *testing.T) {
	var out bytes.Buffer
	if code := run(nil, &out); code != 2 {
		t.Errorf("exit %d", code)
	}
	if code := run([]string{"-rule", filepath.Join(t.TempDir(), "missing.json")}, &out); code != 1 {
		t.Errorf("missing file: exit %d", code)
	}
}
