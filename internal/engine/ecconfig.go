package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"hydrocontrol/internal/errcode"
	"hydrocontrol/internal/models"
	"hydrocontrol/internal/relay"
)

// Automatic EC defaults.
const (
	DefaultCheckIntervalSeconds = 300
	DefaultRecirculationSeconds = 60
)

func checkInterval(c models.ECControllerConfig) time.Duration {
	s := c.IntervalBetweenChecksSeconds
	if s <= 0 {
		s = DefaultCheckIntervalSeconds
	}
	return time.Duration(s) * time.Second
}

// ValidateECConfig checks and normalizes a dosing configuration. Kp is
// always the fixed proportional gain.
func ValidateECConfig(in models.ECControllerConfig) (models.ECControllerConfig, error) {
	const op = "engine.ValidateECConfig"
	c := in
	c.DeviceID = strings.TrimSpace(c.DeviceID)
	if c.DeviceID == "" {
		return c, errcode.Invalid(op, "device_id", "device_id is required")
	}
	for field, v := range map[string]float64{
		"base_dose":   c.BaseDose,
		"flow_rate":   c.FlowRate,
		"volume":      c.Volume,
		"ec_setpoint": c.ECSetpoint,
	} {
		if v < 0 {
			return c, errcode.Invalid(op, field, field+" must not be negative")
		}
	}
	if c.IntervalBetweenChecksSeconds < 0 {
		return c, errcode.Invalid(op, "interval_between_checks_seconds", "must not be negative")
	}
	if c.IntervalBetweenChecksSeconds == 0 {
		c.IntervalBetweenChecksSeconds = DefaultCheckIntervalSeconds
	}
	if c.RecirculationSeconds < 0 {
		return c, errcode.Invalid(op, "recirculation_seconds", "must not be negative")
	}
	if c.RecirculationSeconds == 0 {
		c.RecirculationSeconds = DefaultRecirculationSeconds
	}
	c.Kp = models.DefaultKp

	seen := map[int]bool{}
	c.Nutrients = make([]models.NutrientConfig, 0, len(in.Nutrients))
	for i, n := range in.Nutrients {
		field := func(f string) string { return fmt.Sprintf("nutrients[%d].%s", i, f) }
		n.Name = strings.TrimSpace(n.Name)
		if n.Name == "" {
			return c, errcode.Invalid(op, field("name"), "name is required")
		}
		if n.RelayNumber < 0 || n.RelayNumber > relay.MaxMasterRelay {
			return c, errcode.Invalid(op, field("relay_number"), fmt.Sprintf("relay %d out of range 0-%d", n.RelayNumber, relay.MaxMasterRelay))
		}
		if seen[n.RelayNumber] {
			log.WithField("device", c.DeviceID).Warnf("relay %d shared by more than one nutrient", n.RelayNumber)
		}
		seen[n.RelayNumber] = true
		if n.MlPerLiter < 0 {
			return c, errcode.Invalid(op, field("ml_per_liter"), "ml_per_liter must not be negative")
		}
		c.Nutrients = append(c.Nutrients, n)
	}
	return c, nil
}

// GetECConfig returns the stored configuration or, when none exists, the
// default one. The default is never persisted here.
func (e *Engine) GetECConfig(ctx context.Context, deviceID string) (*models.ECControllerConfig, bool, error) {
	c, err := e.store.GetECConfig(ctx, deviceID)
	if errors.Is(err, errcode.NotFound) {
		d := models.DefaultECConfig(deviceID)
		return &d, false, nil
	}
	if err != nil {
		return nil, false, errcode.Downstream("engine.GetECConfig", err)
	}
	return c, true, nil
}

// SaveECConfig upserts a configuration keyed by device. The stored
// auto_enabled flag is kept; only Activate and Deactivate change it.
func (e *Engine) SaveECConfig(ctx context.Context, in models.ECControllerConfig) (*models.ECControllerConfig, error) {
	const op = "engine.SaveECConfig"
	c, err := ValidateECConfig(in)
	if err != nil {
		return nil, err
	}
	prev, err := e.store.GetECConfig(ctx, c.DeviceID)
	switch {
	case err == nil:
		c.AutoEnabled = prev.AutoEnabled
	case errors.Is(err, errcode.NotFound):
		c.AutoEnabled = false
	default:
		return nil, errcode.Downstream(op, err)
	}
	now := e.now()
	c.UpdatedAt = &now
	if err := e.store.UpsertECConfig(ctx, &c); err != nil {
		log.WithError(err).WithField("device", c.DeviceID).Error("saving EC configuration failed")
		return nil, errcode.Downstream(op, err)
	}
	if e.sessions != nil {
		if s, ok := e.sessions.Get(c.DeviceID); ok {
			s.ConfigSaved(c)
		}
	}
	if c.AutoEnabled && e.scheduler != nil {
		if err := e.scheduler.ScheduleAutoDose(c.DeviceID, checkInterval(c)); err != nil {
			log.WithError(err).WithField("device", c.DeviceID).Warn("auto EC schedule not refreshed")
		}
	}
	log.WithField("device", c.DeviceID).Info("EC configuration saved")
	return &c, nil
}

// ActivateAutoEC re-reads the stored configuration and enables automatic
// dosing. A device without a stored configuration cannot be activated.
func (e *Engine) ActivateAutoEC(ctx context.Context, deviceID string) (*models.ECControllerConfig, error) {
	const op = "engine.ActivateAutoEC"
	c, err := e.store.GetECConfig(ctx, deviceID)
	if err != nil {
		return nil, storeErr(op, err, fmt.Sprintf("EC configuration for %q", deviceID))
	}
	if err := e.store.SetAutoEnabled(ctx, deviceID, true); err != nil {
		return nil, storeErr(op, err, fmt.Sprintf("EC configuration for %q", deviceID))
	}
	c.AutoEnabled = true
	if e.scheduler != nil {
		if err := e.scheduler.ScheduleAutoDose(deviceID, checkInterval(*c)); err != nil {
			log.WithError(err).WithField("device", deviceID).Error("auto EC schedule failed")
			return nil, errcode.Downstream(op, err)
		}
	}
	log.WithField("device", deviceID).Info("auto EC activated")
	return c, nil
}

// DeactivateAutoEC disables automatic dosing and drops its schedule.
func (e *Engine) DeactivateAutoEC(ctx context.Context, deviceID string) error {
	if err := e.store.SetAutoEnabled(ctx, deviceID, false); err != nil {
		return storeErr("engine.DeactivateAutoEC", err, fmt.Sprintf("EC configuration for %q", deviceID))
	}
	if e.scheduler != nil {
		e.scheduler.UnscheduleAutoDose(deviceID)
	}
	log.WithField("device", deviceID).Info("auto EC deactivated")
	return nil
}
