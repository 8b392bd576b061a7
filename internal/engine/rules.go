package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"hydrocontrol/internal/errcode"
	"hydrocontrol/internal/models"
	"hydrocontrol/internal/relay"
	"hydrocontrol/internal/script"
	"hydrocontrol/internal/utils"

	"github.com/google/uuid"
)

// Rule defaults.
const (
	DefaultRulePriority          = 50
	DefaultCooldownSeconds       = 60
	DefaultMaxExecutionsPerHour  = 10
	DefaultIntervalBetweenChecks = 5
	minRuleIDLength              = 3
)

// RuleInput is authored rule content. ID is zero when creating.
type RuleInput struct {
	ID          int64                  `json:"id,omitempty"`
	RuleID      string                 `json:"rule_id,omitempty"`
	DeviceID    string                 `json:"device_id"`
	Name        string                 `json:"rule_name"`
	Description string                 `json:"rule_description,omitempty"`
	Enabled     *bool                  `json:"enabled,omitempty"`
	Priority    *int                   `json:"priority,omitempty"`
	Script      *script.Script         `json:"script,omitempty"`
	Conditions  []script.Condition     `json:"conditions,omitempty"`
	Actions     []models.Action        `json:"actions,omitempty"`
	Circadian   *models.CircadianCycle `json:"circadian_cycle,omitempty"`
	CreatedBy   string                 `json:"created_by,omitempty"`
}

// NewRuleID returns a previously unseen rule identifier.
func NewRuleID() string {
	return "RULE_" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

// BuildRule validates in and returns the persisted shape. The script form is
// used whenever at least one instruction exists. It does not touch the store.
func BuildRule(in RuleInput) (*models.Rule, error) {
	const op = "engine.BuildRule"
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, errcode.Invalid(op, "rule_name", "rule_name is required")
	}
	deviceID := strings.TrimSpace(in.DeviceID)
	if deviceID == "" {
		return nil, errcode.Invalid(op, "device_id", "device_id is required")
	}
	if in.RuleID != "" && len(in.RuleID) < minRuleIDLength {
		return nil, errcode.Invalid(op, "rule_id", fmt.Sprintf("rule_id must have at least %d characters", minRuleIDLength))
	}

	priority := DefaultRulePriority
	if in.Priority != nil {
		priority = utils.Clamp(*in.Priority, 0, 100)
	}
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	createdBy := in.CreatedBy
	if createdBy == "" {
		createdBy = "system"
	}

	var body models.RuleJSON
	if in.Script != nil && len(in.Script.Instructions) > 0 {
		s, res, err := script.ValidateScript(*in.Script)
		if err != nil {
			return nil, errcode.Invalid(op, "script.instructions", err.Error())
		}
		if !res.OK() {
			return nil, res.Err()
		}
		if s.CooldownSeconds == 0 {
			s.CooldownSeconds = DefaultCooldownSeconds
		}
		if s.MaxExecutionsPerHour == 0 {
			s.MaxExecutionsPerHour = DefaultMaxExecutionsPerHour
		}
		body.Script = &s
	} else {
		if err := validateComposite(in.Conditions, in.Actions, in.Circadian); err != nil {
			return nil, err
		}
		body.Conditions = in.Conditions
		body.Actions = normalizeActions(in.Actions)
		body.CircadianCycle = in.Circadian
		body.IntervalBetweenExecutions = DefaultIntervalBetweenChecks
		body.Priority = priority
	}

	return &models.Rule{
		ID:          in.ID,
		DeviceID:    deviceID,
		RuleID:      in.RuleID,
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		RuleJSON:    body,
		Enabled:     enabled,
		Priority:    priority,
		CreatedBy:   createdBy,
	}, nil
}

func validateComposite(conds []script.Condition, actions []models.Action, cc *models.CircadianCycle) error {
	const op = "engine.validateComposite"
	if len(conds) == 0 {
		return errcode.Invalid(op, "conditions", "rule needs a script or at least one condition")
	}
	for i := range conds {
		if field, msg := conds[i].Check(); field != "" {
			return errcode.Invalid(op, fmt.Sprintf("conditions[%d].%s", i, field), msg)
		}
		if l := conds[i].Logic; l != "" && l != "AND" && l != "OR" {
			return errcode.Invalid(op, fmt.Sprintf("conditions[%d].logic", i), "logic must be AND or OR")
		}
	}
	if len(actions) == 0 {
		return errcode.Invalid(op, "actions", "rule needs at least one action")
	}
	for i, a := range actions {
		field := func(f string) string { return fmt.Sprintf("actions[%d].%s", i, f) }
		if len(a.RelayIDs) == 0 {
			return errcode.Invalid(op, field("relay_ids"), "relay_ids must not be empty")
		}
		if len(a.RelayNames) == 0 {
			return errcode.Invalid(op, field("relay_names"), "relay_names must not be empty")
		}
		if len(a.RelayIDs) != len(a.RelayNames) {
			return errcode.Invalid(op, field("relay_ids"), "relay_ids and relay_names must have the same length")
		}
		if a.Duration < 0 {
			return errcode.Invalid(op, field("duration"), "duration must not be negative")
		}
		limit := relay.MaxMasterRelay
		if a.SlaveMACAddress != "" {
			limit = relay.MaxSlaveRelay
		}
		for _, id := range a.RelayIDs {
			if id < 0 || id > limit {
				return errcode.Invalid(op, field("relay_ids"), fmt.Sprintf("relay %d out of range 0-%d", id, limit))
			}
		}
	}
	if cc != nil {
		switch {
		case cc.OnDurationMs < 0:
			return errcode.Invalid(op, "circadian_cycle.on_duration_ms", "must not be negative")
		case cc.OffDurationMs < 0:
			return errcode.Invalid(op, "circadian_cycle.off_duration_ms", "must not be negative")
		case cc.TotalCycleMs != models.DayMs:
			return errcode.Invalid(op, "circadian_cycle.total_cycle_ms", "must be 86400000 (24h)")
		case cc.OnDurationMs+cc.OffDurationMs != cc.TotalCycleMs:
			return errcode.Invalid(op, "circadian_cycle", "on_duration_ms + off_duration_ms must equal total_cycle_ms")
		}
	}
	return nil
}

func normalizeActions(in []models.Action) []models.Action {
	out := make([]models.Action, len(in))
	for i, a := range in {
		if a.RelayIDs == nil {
			a.RelayIDs = models.IntList{}
		}
		if a.RelayNames == nil {
			a.RelayNames = models.StringList{}
		}
		out[i] = a
	}
	return out
}

// SaveRule creates or updates a rule. Updates must carry the persisted id;
// creates reuse a caller-supplied rule_id idempotently or generate one.
func (e *Engine) SaveRule(ctx context.Context, in RuleInput) (*models.Rule, error) {
	const op = "engine.SaveRule"
	r, err := BuildRule(in)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.GetDevice(ctx, r.DeviceID); err != nil {
		if errors.Is(err, errcode.NotFound) {
			return nil, errcode.Precondition(errcode.DeviceNotRegistered, op, fmt.Sprintf("device %q is not registered", r.DeviceID))
		}
		return nil, errcode.Downstream(op, err)
	}

	if r.ID != 0 {
		existing, err := e.store.GetRule(ctx, r.ID)
		if err != nil {
			return nil, storeErr(op, err, fmt.Sprintf("rule %d", r.ID))
		}
		if existing.DeviceID != r.DeviceID {
			return nil, errcode.Invalid(op, "device_id", fmt.Sprintf("rule %d belongs to device %q", r.ID, existing.DeviceID))
		}
		r.RuleID = existing.RuleID
		r.CreatedBy = existing.CreatedBy
		r.CreatedAt = existing.CreatedAt
		if err := e.store.UpdateRule(ctx, r); err != nil {
			log.WithError(err).WithField("rule", r.RuleID).Error("update rule failed")
			return nil, storeErr(op, err, fmt.Sprintf("rule %d", r.ID))
		}
		log.WithField("rule", r.RuleID).Info("rule updated")
		return r, nil
	}

	if r.RuleID != "" {
		existing, err := e.store.GetRuleByRuleID(ctx, r.DeviceID, r.RuleID)
		switch {
		case err == nil:
			r.ID = existing.ID
			r.CreatedBy = existing.CreatedBy
			r.CreatedAt = existing.CreatedAt
			if err := e.store.UpdateRule(ctx, r); err != nil {
				log.WithError(err).WithField("rule", r.RuleID).Error("update rule failed")
				return nil, errcode.Downstream(op, err)
			}
			return r, nil
		case !errors.Is(err, errcode.NotFound):
			return nil, errcode.Downstream(op, err)
		}
	} else {
		r.RuleID = NewRuleID()
	}

	id, err := e.store.InsertRule(ctx, r)
	if err != nil {
		log.WithError(err).WithField("rule", r.RuleID).Error("insert rule failed")
		return nil, errcode.Downstream(op, err)
	}
	r.ID = id
	log.WithField("rule", r.RuleID).Info("rule created")
	return r, nil
}

// GetRule returns one rule by its persisted id.
func (e *Engine) GetRule(ctx context.Context, id int64) (*models.Rule, error) {
	r, err := e.store.GetRule(ctx, id)
	if err != nil {
		return nil, storeErr("engine.GetRule", err, fmt.Sprintf("rule %d", id))
	}
	return r, nil
}

// ListRules returns the rules of a device.
func (e *Engine) ListRules(ctx context.Context, deviceID string) ([]models.Rule, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, errcode.Invalid("engine.ListRules", "device_id", "device_id is required")
	}
	rules, err := e.store.ListRules(ctx, deviceID)
	if err != nil {
		return nil, errcode.Downstream("engine.ListRules", err)
	}
	return rules, nil
}

// DeleteRule removes a rule by its persisted id.
func (e *Engine) DeleteRule(ctx context.Context, id int64) error {
	if err := e.store.DeleteRule(ctx, id); err != nil {
		return storeErr("engine.DeleteRule", err, fmt.Sprintf("rule %d", id))
	}
	log.WithField("id", id).Info("rule deleted")
	return nil
}

// SetRuleEnabled toggles a rule without touching its content.
func (e *Engine) SetRuleEnabled(ctx context.Context, id int64, enabled bool) error {
	if err := e.store.SetRuleEnabled(ctx, id, enabled); err != nil {
		return storeErr("engine.SetRuleEnabled", err, fmt.Sprintf("rule %d", id))
	}
	return nil
}

// storeErr keeps NotFound as a precondition and wraps everything else.
func storeErr(op string, err error, what string) error {
	if errors.Is(err, errcode.NotFound) {
		return errcode.Precondition(errcode.NotFound, op, what+" not found")
	}
	return errcode.Downstream(op, err)
}
