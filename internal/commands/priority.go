package commands

import (
	"context"
	"errors"

	"hydrocontrol/internal/errcode"
	"hydrocontrol/internal/models"
)

// Default priorities per command type. Higher wins on a relay conflict.
const (
	PriorityManual      = 10
	PriorityRule        = 50
	PriorityPeristaltic = 80
)

// InferType returns explicit when set, otherwise derives the type from
// triggeredBy.
func InferType(explicit models.CommandType, triggeredBy string) models.CommandType {
	if explicit != "" {
		return explicit
	}
	switch triggeredBy {
	case "automation", "rule":
		return models.CommandRule
	case "peristaltic":
		return models.CommandPeristaltic
	default:
		return models.CommandManual
	}
}

// DefaultPriority is the fallback priority of a command type.
func DefaultPriority(t models.CommandType) int {
	switch t {
	case models.CommandPeristaltic:
		return PriorityPeristaltic
	case models.CommandRule:
		return PriorityRule
	default:
		return PriorityManual
	}
}

// RulePriorities looks up the stored priority of a rule.
type RulePriorities interface {
	RulePriority(ctx context.Context, deviceID, ruleID string) (int, error)
}

// ResolvePriority applies explicit > rule-derived > type default. A rule
// that cannot be found falls through to the type default; any other lookup
// failure is returned.
func ResolvePriority(ctx context.Context, rules RulePriorities, explicit *int, t models.CommandType, deviceID, ruleID string) (int, error) {
	if explicit != nil {
		return *explicit, nil
	}
	if t == models.CommandRule && ruleID != "" && rules != nil {
		p, err := rules.RulePriority(ctx, deviceID, ruleID)
		switch {
		case err == nil:
			return p, nil
		case !errors.Is(err, errcode.NotFound):
			return 0, err
		}
	}
	return DefaultPriority(t), nil
}
