// Package dosing turns a measured EC error into per-nutrient pump runs.
package dosing

import (
	"math"

	"hydrocontrol/internal/models"
	"hydrocontrol/internal/utils"
)

// DefaultActivationSeconds is used for manual runs of a nutrient without a
// configured concentration.
const DefaultActivationSeconds = 10

// negligibleMl is the smallest total correction worth dosing.
const negligibleMl = 0.001

// Dose is one nutrient's share of a plan.
type Dose struct {
	Name            string  `json:"name"`
	RelayNumber     int     `json:"relay_number"`
	DoseMl          float64 `json:"dose_ml"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Plan is the set of pump runs that corrects one EC error.
type Plan struct {
	MeasuredEC      float64 `json:"measured_ec"`
	Setpoint        float64 `json:"ec_setpoint"`
	Error           float64 `json:"error"`
	K               float64 `json:"k"`
	TotalMlPerLiter float64 `json:"total_ml_per_liter"`
	TotalDoseMl     float64 `json:"total_dose_ml"`
	Doses           []Dose  `json:"doses"`
}

// ComputeDosage returns the plan for cfg at measuredEC, or nil when the
// configuration is incomplete or the correction is negligible. Emitted values
// are rounded to two decimals; intermediates are not.
func ComputeDosage(cfg models.ECControllerConfig, measuredEC float64) *Plan {
	total := 0.0
	for _, n := range cfg.Nutrients {
		total += n.MlPerLiter
	}
	if total <= 0 || cfg.BaseDose <= 0 || cfg.FlowRate <= 0 || cfg.Volume <= 0 {
		return nil
	}

	k := cfg.BaseDose / total
	errEC := math.Abs(measuredEC - cfg.ECSetpoint)
	totalDose := (cfg.Volume / (k * cfg.FlowRate)) * errEC
	if totalDose <= negligibleMl {
		return nil
	}

	plan := &Plan{
		MeasuredEC:      measuredEC,
		Setpoint:        cfg.ECSetpoint,
		Error:           utils.Round2(errEC),
		K:               utils.Round2(k),
		TotalMlPerLiter: utils.Round2(total),
		TotalDoseMl:     utils.Round2(totalDose),
	}
	for _, n := range cfg.Nutrients {
		if n.MlPerLiter <= 0 {
			continue
		}
		dose := totalDose * (n.MlPerLiter / total)
		plan.Doses = append(plan.Doses, Dose{
			Name:            n.Name,
			RelayNumber:     n.RelayNumber,
			DoseMl:          utils.Round2(dose),
			DurationSeconds: utils.Round2(dose / cfg.FlowRate),
		})
	}
	return plan
}

// ManualDurationSeconds is the whole-second run time that delivers one
// nutrient's full concentration for the reservoir volume.
func ManualDurationSeconds(n models.NutrientConfig, cfg models.ECControllerConfig) int {
	if n.MlPerLiter <= 0 || cfg.Volume <= 0 || cfg.FlowRate <= 0 {
		return DefaultActivationSeconds
	}
	return int(math.Ceil(n.MlPerLiter * cfg.Volume / cfg.FlowRate))
}
