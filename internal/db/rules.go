package db

import (
	"context"

	"hydrocontrol/internal/errcode"
	"hydrocontrol/internal/models"

	"github.com/jackc/pgx/v5"
)

const ruleColumns = `id, device_id, rule_id, rule_name, rule_description, rule_json, enabled, priority,
	created_by, created_at, updated_at`

func scanRule(row pgx.Row) (*models.Rule, error) {
	var r models.Rule
	err := row.Scan(&r.ID, &r.DeviceID, &r.RuleID, &r.Name, &r.Description, &r.RuleJSON,
		&r.Enabled, &r.Priority, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// GetRule fetches a rule by its persisted id
func (d *DB) GetRule(ctx context.Context, id int64) (*models.Rule, error) {
	return scanRule(d.pool.QueryRow(ctx, "SELECT "+ruleColumns+" FROM decision_rules WHERE id = $1", id))
}

// GetRuleByRuleID fetches a device's rule by its stable rule_id.
func (d *DB) GetRuleByRuleID(ctx context.Context, deviceID, ruleID string) (*models.Rule, error) {
	return scanRule(d.pool.QueryRow(ctx,
		"SELECT "+ruleColumns+" FROM decision_rules WHERE device_id = $1 AND rule_id = $2", deviceID, ruleID))
}

// FindRuleByRuleID fetches a rule by rule_id on any device.
func (d *DB) FindRuleByRuleID(ctx context.Context, ruleID string) (*models.Rule, error) {
	return scanRule(d.pool.QueryRow(ctx,
		"SELECT "+ruleColumns+" FROM decision_rules WHERE rule_id = $1 ORDER BY id LIMIT 1", ruleID))
}

// RulePriority returns the stored priority of a rule.
func (d *DB) RulePriority(ctx context.Context, deviceID, ruleID string) (int, error) {
	var p int
	err := d.pool.QueryRow(ctx,
		"SELECT priority FROM decision_rules WHERE device_id = $1 AND rule_id = $2", deviceID, ruleID).Scan(&p)
	if err != nil {
		return 0, notFound(err)
	}
	return p, nil
}

// ListRules fetches the rules of a device, highest priority first.
func (d *DB) ListRules(ctx context.Context, deviceID string) ([]models.Rule, error) {
	rows, err := d.pool.Query(ctx,
		"SELECT "+ruleColumns+" FROM decision_rules WHERE device_id = $1 ORDER BY priority DESC, id", deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := []models.Rule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// InsertRule creates a rule and returns its id.
func (d *DB) InsertRule(ctx context.Context, r *models.Rule) (int64, error) {
	err := d.pool.QueryRow(ctx, `
		INSERT INTO decision_rules (device_id, rule_id, rule_name, rule_description, rule_json, enabled, priority, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`,
		r.DeviceID, r.RuleID, r.Name, r.Description, r.RuleJSON, r.Enabled, r.Priority, r.CreatedBy,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return r.ID, nil
}

// UpdateRule rewrites a rule's content. rule_id and created_by never change.
func (d *DB) UpdateRule(ctx context.Context, r *models.Rule) error {
	err := d.pool.QueryRow(ctx, `
		UPDATE decision_rules SET
			rule_name = $2, rule_description = $3, rule_json = $4, enabled = $5, priority = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		r.ID, r.Name, r.Description, r.RuleJSON, r.Enabled, r.Priority,
	).Scan(&r.UpdatedAt)
	return notFound(err)
}

// DeleteRule removes a rule by id.
func (d *DB) DeleteRule(ctx context.Context, id int64) error {
	tag, err := d.pool.Exec(ctx, "DELETE FROM decision_rules WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errcode.NotFound
	}
	return nil
}

// SetRuleEnabled toggles a rule.
func (d *DB) SetRuleEnabled(ctx context.Context, id int64, enabled bool) error {
	tag, err := d.pool.Exec(ctx, "UPDATE decision_rules SET enabled = $2, updated_at = NOW() WHERE id = $1", id, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errcode.NotFound
	}
	return nil
}
