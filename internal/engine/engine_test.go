package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"hydrocontrol/internal/errcode"
	"hydrocontrol/internal/models"
	"hydrocontrol/internal/relay"
	"hydrocontrol/internal/script"
	"hydrocontrol/internal/taskqueue"
)

func decodeInput(t *testing.T, s string) RuleInput {
	t.Helper()
	var in RuleInput
	if err := json.Unmarshal([]byte(s), &in); err != nil {
		t.Fatalf("decode input: %v", err)
	}
	return in
}

const compositeJSON = `{
	"device_id": "dev1",
	"rule_name": "Low EC",
	"priority": 140,
	"conditions": [{"sensor": "ec", "operator": "<", "value": 1200}],
	"actions": [{"relay_ids": 3, "relay_names": "Pump", "duration": 30}]
}`

const scriptJSON = `{
	"device_id": "dev1",
	"rule_name": "Script",
	"rule_id": "RULE_A",
	"script": {
		"instructions": [
			{"type": "relay_action", "target": "master", "relay_number": 1, "action": "on", "duration_seconds": 5},
			{"type": "if", "condition": {"sensor": "ph", "operator": ">", "value": 6.5},
			 "then": [{"type": "relay_action", "target": "master", "relay_number": 1, "action": "off"}],
			 "else": [{"type": "relay_action", "target": "slave", "slave_mac": "11:22:33:44:55:66", "relay_number": 2, "action": "on"}]}
		],
		"chained_events": [
			{"target_rule_id": "RULE_B", "trigger_on": "success", "delay_ms": 2000},
			{"target_rule_id": "RULE_C", "trigger_on": "failure"}
		]
	}
}`

func TestBuildRuleComposite(t *testing.T) {
	r, err := BuildRule(decodeInput(t, compositeJSON))
	if err != nil {
		t.Fatalf("BuildRule: %v", err)
	}
	if r.RuleJSON.IsScript() {
		t.Fatal("expected composite form")
	}
	if r.Priority != 100 {
		t.Errorf("priority = %d, want clamped 100", r.Priority)
	}
	a := r.RuleJSON.Actions[0]
	if len(a.RelayIDs) != 1 || a.RelayIDs[0] != 3 || len(a.RelayNames) != 1 || a.RelayNames[0] != "Pump" {
		t.Errorf("scalar relay fields not normalized: %+v", a)
	}
	if !r.Enabled {
		t.Error("rules default to enabled")
	}
}

func TestBuildRuleScriptDefaults(t *testing.T) {
	r, err := BuildRule(decodeInput(t, scriptJSON))
	if err != nil {
		t.Fatalf("BuildRule: %v", err)
	}
	s := r.RuleJSON.Script
	if s == nil {
		t.Fatal("expected script form")
	}
	if s.CooldownSeconds != DefaultCooldownSeconds || s.MaxExecutionsPerHour != DefaultMaxExecutionsPerHour {
		t.Errorf("defaults = %d/%d", s.CooldownSeconds, s.MaxExecutionsPerHour)
	}
	if r.Priority != DefaultRulePriority {
		t.Errorf("priority = %d", r.Priority)
	}
}

func TestBuildRuleRejects(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*RuleInput)
		field string
	}{
		{"no name", func(in *RuleInput) { in.Name = " " }, "rule_name"},
		{"no device", func(in *RuleInput) { in.DeviceID = "" }, "device_id"},
		{"short rule id", func(in *RuleInput) { in.RuleID = "ab" }, "rule_id"},
		{"no conditions", func(in *RuleInput) { in.Conditions = nil }, "conditions"},
		{"bad operator", func(in *RuleInput) { in.Conditions[0].Operator = "~" }, "conditions[0].operator"},
		{"no actions", func(in *RuleInput) { in.Actions = nil }, "actions"},
		{"length mismatch", func(in *RuleInput) { in.Actions[0].RelayNames = models.StringList{"a", "b"} }, "actions[0].relay_ids"},
		{"negative duration", func(in *RuleInput) { in.Actions[0].Duration = -1 }, "actions[0].duration"},
		{"short circadian", func(in *RuleInput) {
			in.Circadian = &models.CircadianCycle{Enabled: true, OnDurationMs: 1000, OffDurationMs: 1000, TotalCycleMs: 2000}
		}, "circadian_cycle.total_cycle_ms"},
		{"circadian sum", func(in *RuleInput) {
			in.Circadian = &models.CircadianCycle{Enabled: true, OnDurationMs: 1000, OffDurationMs: 1000, TotalCycleMs: models.DayMs}
		}, "circadian_cycle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := decodeInput(t, compositeJSON)
			tt.edit(&in)
			_, err := BuildRule(in)
			if errcode.KindOf(err) != errcode.KindValidation {
				t.Fatalf("err = %v, want validation", err)
			}
			if got := errcode.FieldOf(err); got != tt.field {
				t.Errorf("field = %q, want %q", got, tt.field)
			}
		})
	}
}

func TestSaveRuleCreateAndUpdate(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	in := decodeInput(t, compositeJSON)
	r1, err := h.eng.SaveRule(ctx, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	r2, err := h.eng.SaveRule(ctx, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r1.RuleID == "" || r1.RuleID == r2.RuleID || r1.ID == r2.ID {
		t.Errorf("generated ids should be fresh: %s/%d %s/%d", r1.RuleID, r1.ID, r2.RuleID, r2.ID)
	}

	in.ID = r1.ID
	in.Name = "Renamed"
	up, err := h.eng.SaveRule(ctx, in)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if up.ID != r1.ID || up.RuleID != r1.RuleID || up.Name != "Renamed" {
		t.Errorf("update = %+v", up)
	}

	in.ID = 999
	_, err = h.eng.SaveRule(ctx, in)
	if !errors.Is(err, errcode.NotFound) {
		t.Errorf("update of missing rule: %v", err)
	}
}

func TestSaveRuleUpdateKeepsDevice(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.store.devices["dev2"] = &models.Device{DeviceID: "dev2", MACAddress: "01:02:03:04:05:06", UserEmail: "a@b.c"}

	r, err := h.eng.SaveRule(ctx, decodeInput(t, compositeJSON))
	if err != nil {
		t.Fatal(err)
	}

	in := decodeInput(t, compositeJSON)
	in.ID = r.ID
	in.DeviceID = "dev2"
	_, err = h.eng.SaveRule(ctx, in)
	if errcode.Of(err) != errcode.InvalidParams || errcode.FieldOf(err) != "device_id" {
		t.Fatalf("move to another device: %v", err)
	}
	if got := h.store.rules[r.ID].DeviceID; got != "dev1" {
		t.Errorf("stored rule device = %q", got)
	}
}

func TestSaveRuleIdempotentRuleID(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	in := decodeInput(t, scriptJSON)
	a, err := h.eng.SaveRule(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.eng.SaveRule(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID || len(h.store.rules) != 1 {
		t.Errorf("same rule_id created twice: %d vs %d (%d rules)", a.ID, b.ID, len(h.store.rules))
	}
}

func TestSaveRuleUnknownDevice(t *testing.T) {
	h := newHarness()
	in := decodeInput(t, compositeJSON)
	in.DeviceID = "ghost"
	_, err := h.eng.SaveRule(context.Background(), in)
	if errcode.Of(err) != errcode.DeviceNotRegistered {
		t.Errorf("err = %v", err)
	}
}

func TestExecuteScriptRule(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	if _, err := h.eng.SaveRule(ctx, decodeInput(t, scriptJSON)); err != nil {
		t.Fatal(err)
	}

	x, err := h.eng.ExecuteRule(ctx, "dev1", "RULE_A", nil)
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	if x.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s (%v)", x.Outcome, x.Errors)
	}
	if len(h.iss.reqs) != 2 {
		t.Fatalf("issued %d commands, want 2", len(h.iss.reqs))
	}
	first := h.iss.reqs[0]
	if first.RelayNumber != 1 || first.Action != relay.Off {
		t.Errorf("last action on master-1 should win: %+v", first)
	}
	if first.CommandType != models.CommandRule || first.TriggeredBy != "rule" || first.RuleID != "RULE_A" || *first.Priority != DefaultRulePriority {
		t.Errorf("rule attribution missing: %+v", first)
	}
	if h.iss.reqs[1].SlaveMACAddress == "" {
		t.Errorf("slave action lost its address: %+v", h.iss.reqs[1])
	}

	if len(h.queue.rules) != 1 {
		t.Fatalf("chained = %+v", h.queue.rules)
	}
	q := h.queue.rules[0]
	if q.p.RuleID != "RULE_B" || q.delay != 2*time.Second || len(q.p.Chain) != 1 || q.p.Chain[0] != "RULE_A" {
		t.Errorf("chained event = %+v", q)
	}
}

func TestChainedEventCycleSkipped(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	in := decodeInput(t, scriptJSON)
	in.Script.ChainedEvents = []script.ChainedEvent{
		{TargetRuleID: "RULE_A", TriggerOn: script.OnSuccess},
		{TargetRuleID: "RULE_Z", TriggerOn: script.OnSuccess},
		{TargetRuleID: "RULE_B", TriggerOn: script.OnSuccess},
	}
	if _, err := h.eng.SaveRule(ctx, in); err != nil {
		t.Fatal(err)
	}
	x, err := h.eng.ExecuteRule(ctx, "dev1", "RULE_A", []string{"RULE_Z"})
	if err != nil {
		t.Fatal(err)
	}
	if len(x.Chained) != 1 || x.Chained[0] != "RULE_B" {
		t.Errorf("chained = %v, want only RULE_B", x.Chained)
	}
}

func TestExecuteFailureTriggersFailureEvents(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	if _, err := h.eng.SaveRule(ctx, decodeInput(t, scriptJSON)); err != nil {
		t.Fatal(err)
	}
	h.iss.fail = map[int]error{2: errcode.Downstream("test", errBoom)}
	x, err := h.eng.ExecuteRule(ctx, "", "RULE_A", nil)
	if err != nil {
		t.Fatal(err)
	}
	if x.Outcome != OutcomeFailure || len(x.Errors) != 1 {
		t.Fatalf("execution = %+v", x)
	}
	if len(h.queue.rules) != 1 || h.queue.rules[0].p.RuleID != "RULE_C" {
		t.Errorf("failure chain = %+v", h.queue.rules)
	}
}

func TestExecuteCompositeRule(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	r, err := h.eng.SaveRule(ctx, decodeInput(t, compositeJSON))
	if err != nil {
		t.Fatal(err)
	}

	x, err := h.eng.ExecuteRuleByID(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if x.Outcome != OutcomeSkipped {
		t.Errorf("no readings: outcome = %s", x.Outcome)
	}

	h.meas.readings["dev1"] = map[script.Sensor]script.Reading{script.SensorEC: {Value: 1100}}
	x, err = h.eng.ExecuteRuleByID(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if x.Outcome != OutcomeSuccess || len(h.iss.reqs) != 1 {
		t.Fatalf("outcome = %s, reqs = %d", x.Outcome, len(h.iss.reqs))
	}
	req := h.iss.reqs[0]
	if req.RelayNumber != 3 || req.DurationSeconds != 30 || *req.Priority != 100 {
		t.Errorf("request = %+v", req)
	}

	if err := h.eng.SetRuleEnabled(ctx, r.ID, false); err != nil {
		t.Fatal(err)
	}
	x, _ = h.eng.ExecuteRuleByID(ctx, r.ID)
	if x.Outcome != OutcomeSkipped || x.Reason != "rule disabled" {
		t.Errorf("disabled rule: %+v", x)
	}
}

func TestEvaluateConditionsLogic(t *testing.T) {
	num := func(s script.Sensor, op script.Operator, v, logic string) script.Condition {
		return script.Condition{Sensor: s, Operator: op, Value: json.RawMessage(v), Logic: logic}
	}
	readings := map[script.Sensor]script.Reading{
		script.SensorEC:         {Value: 1000},
		script.SensorPH:         {Value: 7},
		script.SensorWaterLevel: {Level: script.LevelLow},
	}
	tests := []struct {
		name  string
		conds []script.Condition
		want  bool
	}{
		{"single true", []script.Condition{num(script.SensorEC, script.Less, "1200", "")}, true},
		{"and false", []script.Condition{
			num(script.SensorEC, script.Less, "1200", ""),
			num(script.SensorPH, script.Less, "6", "AND"),
		}, false},
		{"or true", []script.Condition{
			num(script.SensorPH, script.Less, "6", ""),
			num(script.SensorEC, script.Less, "1200", "OR"),
		}, true},
		{"level", []script.Condition{num(script.SensorWaterLevel, script.Equal, `"baixo"`, "")}, true},
		{"missing reading", []script.Condition{num(script.SensorTDS, script.Greater, "1", "")}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		got, err := EvaluateConditions(tt.conds, readings)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCircadianOn(t *testing.T) {
	cc := &models.CircadianCycle{Enabled: true, OnDurationMs: 18 * 3600 * 1000, OffDurationMs: 6 * 3600 * 1000, TotalCycleMs: models.DayMs, StartTime: "06:00"}
	at := func(h, m int) time.Time { return time.Date(2024, 1, 1, h, m, 0, 0, time.UTC) }
	tests := []struct {
		t    time.Time
		want bool
	}{
		{at(6, 0), true},
		{at(23, 59), true},
		{at(0, 30), false},
		{at(5, 59), false},
	}
	for _, tt := range tests {
		if got := circadianOn(cc, tt.t); got != tt.want {
			t.Errorf("circadianOn(%s) = %v, want %v", tt.t.Format("15:04"), got, tt.want)
		}
	}
}

func TestRuleCRUDErrors(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	if _, err := h.eng.GetRule(ctx, 5); !errors.Is(err, errcode.NotFound) {
		t.Errorf("GetRule: %v", err)
	}
	if err := h.eng.DeleteRule(ctx, 5); !errors.Is(err, errcode.NotFound) {
		t.Errorf("DeleteRule: %v", err)
	}
	if _, err := h.eng.ListRules(ctx, ""); errcode.KindOf(err) != errcode.KindValidation {
		t.Errorf("ListRules: %v", err)
	}
	if err := h.eng.HandleRule(ctx, taskqueue.RulePayload{DeviceID: "dev1", RuleID: "RULE_GONE"}); err != nil {
		t.Errorf("missing queued rule should be dropped: %v", err)
	}
}
