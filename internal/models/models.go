package models

import (
	"bytes"
	"encoding/json"
	"time"

	"hydrocontrol/internal/relay"
	"hydrocontrol/internal/script"
)

// Device is a registered master controller.
type Device struct {
	DeviceID   string     `json:"device_id"`
	DeviceName string     `json:"device_name"`
	MACAddress string     `json:"mac_address"`
	UserEmail  string     `json:"user_email"`
	IPAddress  string     `json:"ip_address,omitempty"`
	IsOnline   bool       `json:"is_online"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
}

// SlaveDevice is a controller reachable through a master's radio link.
type SlaveDevice struct {
	DeviceID       string   `json:"device_id"`
	DeviceName     string   `json:"device_name"`
	MACAddress     string   `json:"mac_address"`
	MasterDeviceID string   `json:"master_device_id"`
	IsOnline       bool     `json:"is_online"`
	RelayNames     []string `json:"relay_names"`
}

// RelayState is the authoritative state of one relay. MAC is empty for
// relays wired to the master.
type RelayState struct {
	MAC           string `json:"slave_mac,omitempty"`
	RelayNumber   int    `json:"relay_number"`
	State         bool   `json:"state"`
	HasTimer      bool   `json:"has_timer"`
	RemainingTime int    `json:"remaining_time"`
}

// Key returns the relay key of the state.
func (s RelayState) Key() string { return relay.Key(s.MAC, s.RelayNumber) }

// CommandStatus is owned by the executor; this side only reads it.
type CommandStatus string

const (
	StatusPending   CommandStatus = "pending"
	StatusSent      CommandStatus = "sent"
	StatusCompleted CommandStatus = "completed"
	StatusFailed    CommandStatus = "failed"
)

// CommandType classifies who asked for a command.
type CommandType string

const (
	CommandManual      CommandType = "manual"
	CommandRule        CommandType = "rule"
	CommandPeristaltic CommandType = "peristaltic"
)

// Valid reports whether t is a known command type.
func (t CommandType) Valid() bool {
	return t == CommandManual || t == CommandRule || t == CommandPeristaltic
}

// RelayCommand is one persisted relay command.
type RelayCommand struct {
	ID               int64         `json:"id"`
	DeviceID         string        `json:"device_id"`
	MasterMACAddress string        `json:"master_mac_address"`
	UserEmail        string        `json:"user_email"`
	TargetDeviceID   string        `json:"target_device_id,omitempty"`
	SlaveMACAddress  string        `json:"slave_mac_address,omitempty"`
	SlaveDeviceID    string        `json:"slave_device_id,omitempty"`
	RelayNumber      int           `json:"relay_number"`
	Action           relay.Action  `json:"action"`
	DurationSeconds  int           `json:"duration_seconds"`
	Status           CommandStatus `json:"status"`
	CommandType      CommandType   `json:"command_type"`
	Priority         int           `json:"priority"`
	TriggeredBy      string        `json:"triggered_by"`
	RuleID           string        `json:"rule_id,omitempty"`
	RuleName         string        `json:"rule_name,omitempty"`
	CreatedBy        string        `json:"created_by"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// RelayKey returns the key of the relay the command addresses.
func (c RelayCommand) RelayKey() string { return relay.Key(c.SlaveMACAddress, c.RelayNumber) }

// Ack is the executor's report on a command.
type Ack struct {
	CommandID      int64         `json:"command_id"`
	DeviceID       string        `json:"device_id"`
	TargetDeviceID string        `json:"target_device_id,omitempty"`
	SlaveMAC       string        `json:"slave_mac_address,omitempty"`
	RelayNumber    int           `json:"relay_number"`
	Action         relay.Action  `json:"action"`
	Status         CommandStatus `json:"status"`
	Success        bool          `json:"success"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// AckFilter narrows the acknowledgment feed.
type AckFilter struct {
	MasterDeviceID string
	CommandID      int64
	Limit          int
}

// Rule is a persisted decision rule.
type Rule struct {
	ID          int64     `json:"id"`
	DeviceID    string    `json:"device_id"`
	RuleID      string    `json:"rule_id"`
	Name        string    `json:"rule_name"`
	Description string    `json:"rule_description,omitempty"`
	RuleJSON    RuleJSON  `json:"rule_json"`
	Enabled     bool      `json:"enabled"`
	Priority    int       `json:"priority"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RuleJSON holds either the script form or the composite form of a rule.
type RuleJSON struct {
	Script *script.Script `json:"script,omitempty"`

	Conditions                []script.Condition `json:"conditions,omitempty"`
	Actions                   []Action           `json:"actions,omitempty"`
	CircadianCycle            *CircadianCycle    `json:"circadian_cycle,omitempty"`
	DelayBeforeExecution      int                `json:"delay_before_execution,omitempty"`
	IntervalBetweenExecutions int                `json:"interval_between_executions,omitempty"`
	Priority                  int                `json:"priority,omitempty"`
}

// IsScript reports whether the rule uses the sequential script form.
func (r RuleJSON) IsScript() bool { return r.Script != nil }

// Action is one step of a composite rule. RelayIDs and RelayNames are
// always arrays, even when stored as scalars.
type Action struct {
	RelayIDs        IntList    `json:"relay_ids"`
	RelayNames      StringList `json:"relay_names"`
	Duration        int        `json:"duration"`
	TargetDeviceID  string     `json:"target_device_id,omitempty"`
	SlaveMACAddress string     `json:"slave_mac_address,omitempty"`
}

// CircadianCycle splits a 24h day into an on and an off phase.
type CircadianCycle struct {
	Enabled       bool   `json:"enabled"`
	OnDurationMs  int64  `json:"on_duration_ms"`
	OffDurationMs int64  `json:"off_duration_ms"`
	TotalCycleMs  int64  `json:"total_cycle_ms"`
	StartTime     string `json:"start_time,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

// DayMs is the only accepted circadian cycle length.
const DayMs int64 = 86400000

// IntList decodes from a JSON number, an array of numbers or null.
type IntList []int

func (l *IntList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = IntList{}
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var xs []int
		if err := json.Unmarshal(data, &xs); err != nil {
			return err
		}
		if xs == nil {
			xs = []int{}
		}
		*l = xs
		return nil
	}
	var x int
	if err := json.Unmarshal(data, &x); err != nil {
		return err
	}
	*l = IntList{x}
	return nil
}

func (l IntList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]int(l))
}

// StringList decodes from a JSON string, an array of strings or null.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = StringList{}
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var xs []string
		if err := json.Unmarshal(data, &xs); err != nil {
			return err
		}
		if xs == nil {
			xs = []string{}
		}
		*l = xs
		return nil
	}
	var x string
	if err := json.Unmarshal(data, &x); err != nil {
		return err
	}
	*l = StringList{x}
	return nil
}

func (l StringList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(l))
}

// NutrientConfig maps one nutrient to the relay driving its pump.
type NutrientConfig struct {
	Name        string  `json:"name"`
	RelayNumber int     `json:"relay_number"`
	MlPerLiter  float64 `json:"ml_per_liter"`
}

// DefaultKp is the fixed proportional gain.
const DefaultKp = 1.0

// ECControllerConfig is the per-device dosing configuration.
type ECControllerConfig struct {
	DeviceID                     string           `json:"device_id"`
	BaseDose                     float64          `json:"base_dose"`
	FlowRate                     float64          `json:"flow_rate"`
	Volume                       float64          `json:"volume"`
	ECSetpoint                   float64          `json:"ec_setpoint"`
	Kp                           float64          `json:"kp"`
	AutoEnabled                  bool             `json:"auto_enabled"`
	IntervalBetweenChecksSeconds int              `json:"interval_between_checks_seconds"`
	RecirculationSeconds         int              `json:"recirculation_seconds"`
	Nutrients                    []NutrientConfig `json:"nutrients"`
	UpdatedAt                    *time.Time       `json:"updated_at,omitempty"`
}

// DefaultECConfig is returned for devices without a stored configuration.
func DefaultECConfig(deviceID string) ECControllerConfig {
	return ECControllerConfig{
		DeviceID:  deviceID,
		Kp:        DefaultKp,
		Nutrients: []NutrientConfig{},
	}
}
