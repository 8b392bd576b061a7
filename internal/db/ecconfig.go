package db

import (
	"context"

	"hydrocontrol/internal/errcode"
	"hydrocontrol/internal/models"

	"github.com/jackc/pgx/v5"
)

const ecColumns = `device_id, base_dose, flow_rate, volume, ec_setpoint, kp, auto_enabled,
	interval_between_checks_seconds, recirculation_seconds, nutrients, updated_at`

func scanECConfig(row pgx.Row) (*models.ECControllerConfig, error) {
	var c models.ECControllerConfig
	err := row.Scan(&c.DeviceID, &c.BaseDose, &c.FlowRate, &c.Volume, &c.ECSetpoint, &c.Kp, &c.AutoEnabled,
		&c.IntervalBetweenChecksSeconds, &c.RecirculationSeconds, &c.Nutrients, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if c.Nutrients == nil {
		c.Nutrients = []models.NutrientConfig{}
	}
	return &c, nil
}

// GetECConfig fetches the dosing configuration of a device
func (d *DB) GetECConfig(ctx context.Context, deviceID string) (*models.ECControllerConfig, error) {
	return scanECConfig(d.pool.QueryRow(ctx, "SELECT "+ecColumns+" FROM ec_controller_config WHERE device_id = $1", deviceID))
}

// UpsertECConfig inserts or replaces a configuration keyed by device_id.
func (d *DB) UpsertECConfig(ctx context.Context, c *models.ECControllerConfig) error {
	nutrients := c.Nutrients
	if nutrients == nil {
		nutrients = []models.NutrientConfig{}
	}
	return d.pool.QueryRow(ctx, `
		INSERT INTO ec_controller_config (
			device_id, base_dose, flow_rate, volume, ec_setpoint, kp, auto_enabled,
			interval_between_checks_seconds, recirculation_seconds, nutrients, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (device_id) DO UPDATE SET
			base_dose = EXCLUDED.base_dose,
			flow_rate = EXCLUDED.flow_rate,
			volume = EXCLUDED.volume,
			ec_setpoint = EXCLUDED.ec_setpoint,
			kp = EXCLUDED.kp,
			auto_enabled = EXCLUDED.auto_enabled,
			interval_between_checks_seconds = EXCLUDED.interval_between_checks_seconds,
			recirculation_seconds = EXCLUDED.recirculation_seconds,
			nutrients = EXCLUDED.nutrients,
			updated_at = NOW()
		RETURNING updated_at`,
		c.DeviceID, c.BaseDose, c.FlowRate, c.Volume, c.ECSetpoint, c.Kp, c.AutoEnabled,
		c.IntervalBetweenChecksSeconds, c.RecirculationSeconds, nutrients,
	).Scan(&c.UpdatedAt)
}

// SetAutoEnabled flips auto_enabled on an existing configuration only.
func (d *DB) SetAutoEnabled(ctx context.Context, deviceID string, enabled bool) error {
	tag, err := d.pool.Exec(ctx,
		"UPDATE ec_controller_config SET auto_enabled = $2, updated_at = NOW() WHERE device_id = $1", deviceID, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errcode.NotFound
	}
	return nil
}

// ListAutoEnabled returns every configuration with auto dosing on.
func (d *DB) ListAutoEnabled(ctx context.Context) ([]models.ECControllerConfig, error) {
	rows, err := d.pool.Query(ctx, "SELECT "+ecColumns+" FROM ec_controller_config WHERE auto_enabled")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ECControllerConfig
	for rows.Next() {
		c, err := scanECConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
