package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"hydrocontrol/internal/commands"
	"hydrocontrol/internal/dosing"
	"hydrocontrol/internal/errcode"
	"hydrocontrol/internal/metrics"
	"hydrocontrol/internal/models"
	"hydrocontrol/internal/relay"
	"hydrocontrol/internal/utils"
)

// DoseRun reports one automatic dosing pass.
type DoseRun struct {
	DeviceID string            `json:"device_id"`
	Skipped  string            `json:"skipped,omitempty"`
	Plan     *dosing.Plan      `json:"plan,omitempty"`
	Commands []commands.Issued `json:"commands"`
	Errors   []string          `json:"errors,omitempty"`
}

func gateKey(deviceID string) string { return "ec:gate:" + deviceID }

// PreviewDosing computes a plan without dispatching it. measured overrides
// the cached EC when set. A nil plan means nothing to dose.
func (e *Engine) PreviewDosing(ctx context.Context, deviceID string, measured *float64) (*dosing.Plan, error) {
	const op = "engine.PreviewDosing"
	cfg, _, err := e.GetECConfig(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	ec, err := e.measuredEC(ctx, deviceID, measured)
	if err != nil {
		return nil, err
	}
	if ec == nil {
		return nil, errcode.Precondition(errcode.NotFound, op, fmt.Sprintf("no EC reading for %q", deviceID))
	}
	return dosing.ComputeDosage(*cfg, *ec), nil
}

func (e *Engine) measuredEC(ctx context.Context, deviceID string, override *float64) (*float64, error) {
	if override != nil {
		return override, nil
	}
	if e.meas == nil {
		return nil, nil
	}
	v, ok, err := e.meas.LatestEC(ctx, deviceID)
	if err != nil {
		return nil, errcode.Downstream("engine.measuredEC", err)
	}
	if !ok {
		return nil, nil
	}
	return &v, nil
}

// RunAutoDose performs one automatic EC correction. It does nothing unless
// auto dosing is enabled, and at most once per check interval.
func (e *Engine) RunAutoDose(ctx context.Context, deviceID string) (*DoseRun, error) {
	const op = "engine.RunAutoDose"
	run := &DoseRun{DeviceID: deviceID, Commands: []commands.Issued{}}
	cfg, err := e.store.GetECConfig(ctx, deviceID)
	if errors.Is(err, errcode.NotFound) {
		run.Skipped = "no configuration"
		return run, nil
	}
	if err != nil {
		return nil, errcode.Downstream(op, err)
	}
	if !cfg.AutoEnabled {
		run.Skipped = "auto dosing disabled"
		return run, nil
	}
	ec, err := e.measuredEC(ctx, deviceID, nil)
	if err != nil {
		return nil, err
	}
	if ec == nil {
		run.Skipped = "no EC reading"
		return run, nil
	}
	run.Plan = dosing.ComputeDosage(*cfg, *ec)
	if run.Plan == nil {
		run.Skipped = "nothing to dose"
		return run, nil
	}
	// the interval only starts once a dose is actually due
	if e.gate != nil {
		ok, err := e.gate.Acquire(ctx, gateKey(deviceID), checkInterval(*cfg))
		if err != nil {
			return nil, errcode.Downstream(op, err)
		}
		if !ok {
			run.Skipped = "check interval not elapsed"
			return run, nil
		}
	}

	entry := log.WithField("device", deviceID)
	entry.Infof("dosing %.2f ml for EC %.2f (setpoint %.2f)", run.Plan.TotalDoseMl, *ec, cfg.ECSetpoint)
	for _, d := range run.Plan.Doses {
		issued, err := e.issue(ctx, commands.Request{
			MasterDeviceID:  deviceID,
			RelayNumber:     d.RelayNumber,
			Action:          relay.On,
			DurationSeconds: utils.CeilSeconds(d.DurationSeconds, 1),
			TriggeredBy:     "peristaltic",
			CommandType:     models.CommandPeristaltic,
		})
		if err != nil {
			run.Errors = append(run.Errors, fmt.Sprintf("%s: %v", d.Name, err))
			entry.WithError(err).WithField("nutrient", d.Name).Warn("dose command rejected")
			continue
		}
		metrics.DosedMl.Add(d.DoseMl)
		run.Commands = append(run.Commands, *issued)
	}
	return run, nil
}

// HandleAutoDose runs a queued automatic dosing task.
func (e *Engine) HandleAutoDose(ctx context.Context, deviceID string) error {
	run, err := e.RunAutoDose(ctx, deviceID)
	if err != nil {
		return err
	}
	if run.Skipped != "" {
		log.WithField("device", deviceID).Debugf("auto dose skipped: %s", run.Skipped)
	}
	return nil
}

// ManualDose runs one nutrient pump long enough to deliver its full
// concentration for the reservoir volume.
func (e *Engine) ManualDose(ctx context.Context, deviceID string, relayNumber int) (*commands.Issued, error) {
	const op = "engine.ManualDose"
	cfg, _, err := e.GetECConfig(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	var nutrient *models.NutrientConfig
	for i := range cfg.Nutrients {
		if cfg.Nutrients[i].RelayNumber == relayNumber {
			nutrient = &cfg.Nutrients[i]
			break
		}
	}
	if nutrient == nil {
		return nil, errcode.Precondition(errcode.NotFound, op, fmt.Sprintf("no nutrient on relay %d", relayNumber))
	}
	seconds := dosing.ManualDurationSeconds(*nutrient, *cfg)
	issued, err := e.issue(ctx, commands.Request{
		MasterDeviceID:  deviceID,
		RelayNumber:     relayNumber,
		Action:          relay.On,
		DurationSeconds: seconds,
		TriggeredBy:     "manual",
		CommandType:     models.CommandManual,
	})
	if err != nil {
		return nil, err
	}
	if cfg.FlowRate > 0 {
		metrics.DosedMl.Add(math.Max(0, float64(seconds)*cfg.FlowRate))
	}
	return issued, nil
}
