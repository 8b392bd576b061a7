package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"hydrocontrol/internal/commands"
	"hydrocontrol/internal/errcode"
	"hydrocontrol/internal/metrics"
	"hydrocontrol/internal/models"
	"hydrocontrol/internal/relay"
	"hydrocontrol/internal/script"
	"hydrocontrol/internal/taskqueue"
)

// Outcome of one rule execution.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// Execution reports what a rule run issued.
type Execution struct {
	RuleID   string            `json:"rule_id"`
	DeviceID string            `json:"device_id"`
	Outcome  Outcome           `json:"outcome"`
	Reason   string            `json:"reason,omitempty"`
	Commands []commands.Issued `json:"commands"`
	Errors   []string          `json:"errors,omitempty"`
	Chained  []string          `json:"chained,omitempty"`
}

// ExecuteRule turns a stored rule into relay commands. chain lists the rules
// already run in this trigger sequence; chained events pointing back into it
// are not scheduled. An empty deviceID looks the rule up across devices.
func (e *Engine) ExecuteRule(ctx context.Context, deviceID, ruleID string, chain []string) (*Execution, error) {
	const op = "engine.ExecuteRule"
	var (
		r   *models.Rule
		err error
	)
	if deviceID == "" {
		r, err = e.store.FindRuleByRuleID(ctx, ruleID)
	} else {
		r, err = e.store.GetRuleByRuleID(ctx, deviceID, ruleID)
	}
	if err != nil {
		return nil, storeErr(op, err, fmt.Sprintf("rule %q", ruleID))
	}
	return e.execute(ctx, r, chain), nil
}

// ExecuteRuleByID runs the rule with the given persisted id.
func (e *Engine) ExecuteRuleByID(ctx context.Context, id int64) (*Execution, error) {
	r, err := e.store.GetRule(ctx, id)
	if err != nil {
		return nil, storeErr("engine.ExecuteRuleByID", err, fmt.Sprintf("rule %d", id))
	}
	return e.execute(ctx, r, nil), nil
}

func (e *Engine) execute(ctx context.Context, r *models.Rule, chain []string) *Execution {
	x := &Execution{RuleID: r.RuleID, DeviceID: r.DeviceID, Commands: []commands.Issued{}}
	entry := log.WithField("rule", r.RuleID).WithField("device", r.DeviceID)

	if !r.Enabled {
		x.Outcome, x.Reason = OutcomeSkipped, "rule disabled"
		metrics.RuleExecutions.WithLabelValues(string(x.Outcome)).Inc()
		return x
	}

	var reqs []commands.Request
	if r.RuleJSON.IsScript() {
		reqs = scriptRequests(r)
	} else {
		met, err := e.conditionsMet(ctx, r.DeviceID, r.RuleJSON.Conditions)
		if err != nil {
			entry.WithError(err).Warn("conditions not evaluated")
		}
		if !met {
			x.Outcome, x.Reason = OutcomeSkipped, "conditions not met"
			metrics.RuleExecutions.WithLabelValues(string(x.Outcome)).Inc()
			return x
		}
		reqs = compositeRequests(r, e.now())
	}

	x.Outcome = OutcomeSuccess
	for _, req := range reqs {
		issued, err := e.issue(ctx, req)
		if err != nil {
			x.Outcome = OutcomeFailure
			x.Errors = append(x.Errors, fmt.Sprintf("%s: %v", req.Address().Key(), err))
			entry.WithError(err).WithField("relay", req.Address().Key()).Warn("rule command rejected")
			continue
		}
		x.Commands = append(x.Commands, *issued)
	}
	entry.Infof("rule executed: %s, %d commands", x.Outcome, len(x.Commands))
	metrics.RuleExecutions.WithLabelValues(string(x.Outcome)).Inc()

	x.Chained = e.scheduleChained(ctx, r, x.Outcome, chain)
	return x
}

// scriptRequests extracts every relay action of the script tree. Later
// actions on the same relay replace earlier ones.
func scriptRequests(r *models.Rule) []commands.Request {
	var (
		out   []commands.Request
		index = map[string]int{}
	)
	for _, ra := range script.RelayActions(r.RuleJSON.Script.Instructions) {
		req := ruleRequest(r, ra.RelayNumber, ra.Action, ra.DurationSeconds)
		if ra.Target == relay.TargetSlave {
			req.SlaveMACAddress = ra.SlaveMAC
		}
		key := req.Address().Key()
		if i, ok := index[key]; ok {
			out[i] = req
			continue
		}
		index[key] = len(out)
		out = append(out, req)
	}
	return out
}

// compositeRequests turns every relay of every action into one command. A
// circadian cycle decides between on and off for the current time of day.
func compositeRequests(r *models.Rule, now time.Time) []commands.Request {
	action := relay.On
	if cc := r.RuleJSON.CircadianCycle; cc != nil && cc.Enabled && !circadianOn(cc, now) {
		action = relay.Off
	}
	var out []commands.Request
	for _, a := range r.RuleJSON.Actions {
		for _, n := range a.RelayIDs {
			req := ruleRequest(r, n, action, a.Duration)
			if a.SlaveMACAddress != "" {
				req.SlaveMACAddress = a.SlaveMACAddress
				req.SlaveName = a.TargetDeviceID
			}
			out = append(out, req)
		}
	}
	return out
}

func ruleRequest(r *models.Rule, number int, action relay.Action, duration int) commands.Request {
	priority := r.Priority
	return commands.Request{
		MasterDeviceID:  r.DeviceID,
		RelayNumber:     number,
		Action:          action,
		DurationSeconds: duration,
		TriggeredBy:     "rule",
		RuleID:          r.RuleID,
		RuleName:        r.Name,
		CommandType:     models.CommandRule,
		Priority:        &priority,
	}
}

// circadianOn reports whether now falls inside the on part of the cycle. The
// cycle starts at StartTime (HH:MM, default midnight) in Timezone.
func circadianOn(cc *models.CircadianCycle, now time.Time) bool {
	if cc.TotalCycleMs <= 0 {
		return true
	}
	if cc.Timezone != "" {
		if loc, err := time.LoadLocation(cc.Timezone); err == nil {
			now = now.In(loc)
		}
	}
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if cc.StartTime != "" {
		if t, err := time.Parse("15:04", cc.StartTime); err == nil {
			start = start.Add(time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute)
		}
	}
	elapsed := now.Sub(start).Milliseconds() % cc.TotalCycleMs
	if elapsed < 0 {
		elapsed += cc.TotalCycleMs
	}
	return elapsed < cc.OnDurationMs
}

// scheduleChained enqueues the chained events matching outcome. Targets that
// already ran in this sequence are dropped.
func (e *Engine) scheduleChained(ctx context.Context, r *models.Rule, outcome Outcome, chain []string) []string {
	if !r.RuleJSON.IsScript() || e.queue == nil {
		return nil
	}
	visited := append(append([]string{}, chain...), r.RuleID)
	var scheduled []string
	for _, ev := range r.RuleJSON.Script.ChainedEvents {
		if string(ev.TriggerOn) != string(outcome) {
			continue
		}
		if contains(visited, ev.TargetRuleID) {
			log.WithField("rule", r.RuleID).Warnf("chained event to %s skipped: cycle %s", ev.TargetRuleID, strings.Join(visited, " -> "))
			continue
		}
		p := taskqueue.RulePayload{DeviceID: r.DeviceID, RuleID: ev.TargetRuleID, Chain: visited}
		if err := e.queue.EnqueueRule(ctx, p, time.Duration(ev.DelayMs)*time.Millisecond); err != nil {
			log.WithError(err).WithField("rule", r.RuleID).Errorf("chained event to %s not scheduled", ev.TargetRuleID)
			continue
		}
		scheduled = append(scheduled, ev.TargetRuleID)
	}
	return scheduled
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

// HandleRule runs a queued rule task.
func (e *Engine) HandleRule(ctx context.Context, p taskqueue.RulePayload) error {
	_, err := e.ExecuteRule(ctx, p.DeviceID, p.RuleID, p.Chain)
	if errors.Is(err, errcode.NotFound) {
		log.WithField("rule", p.RuleID).Warn("queued rule no longer exists")
		return nil
	}
	return err
}
