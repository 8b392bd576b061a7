package script

import (
	"bytes"
	"encoding/json"
	"fmt"

	"hydrocontrol/internal/relay"
)

// Type tags an instruction variant on the wire.
type Type string

const (
	TypeWhile       Type = "while"
	TypeIf          Type = "if"
	TypeRelayAction Type = "relay_action"
	TypeSwitch      Type = "switch"
	TypeReturn      Type = "return"
)

// Instruction is one node of a script tree. Implemented by *While, *If,
// *RelayAction, *Switch and *Return.
type Instruction interface {
	Type() Type
}

// List is an ordered instruction sequence with a type-tagged JSON codec.
type List []Instruction

// While repeats Body while Condition holds, pausing DelayMs between iterations.
type While struct {
	Condition *Condition `json:"condition,omitempty"`
	Body      List       `json:"body"`
	DelayMs   int        `json:"delay_ms,omitempty"`
}

// If runs Then when Condition holds, otherwise Else.
type If struct {
	Condition *Condition `json:"condition,omitempty"`
	Then      List       `json:"then"`
	Else      List       `json:"else,omitempty"`
}

// RelayAction switches one relay on or off. A zero DurationSeconds holds the
// state until the next command.
type RelayAction struct {
	Target          relay.Target `json:"target"`
	SlaveMAC        string       `json:"slave_mac,omitempty"`
	RelayNumber     int          `json:"relay_number"`
	Action          relay.Action `json:"action"`
	DurationSeconds int          `json:"duration_seconds,omitempty"`
}

// Address resolves the flat target fields into a relay address.
func (r *RelayAction) Address() (relay.Address, error) {
	return relay.Resolve(r.Target, r.SlaveMAC, r.RelayNumber)
}

// SwitchMode selects how a Switch toggles its relay.
type SwitchMode string

const (
	SwitchTimer SwitchMode = "timer"
	SwitchCycle SwitchMode = "cycle"
)

// Switch toggles a relay for DurationMs (timer) or repeats on/off phases
// CycleCount times (cycle). CycleCount 0 runs until the script ends.
type Switch struct {
	Target      relay.Target `json:"target,omitempty"`
	SlaveMAC    string       `json:"slave_mac,omitempty"`
	RelayNumber int          `json:"relay_number"`
	Mode        SwitchMode   `json:"switch_mode"`
	DurationMs  int          `json:"duration_ms,omitempty"`
	CycleOnMs   int          `json:"cycle_on_ms,omitempty"`
	CycleOffMs  int          `json:"cycle_off_ms,omitempty"`
	CycleCount  int          `json:"cycle_count"`
}

// Address resolves the relay toggled by the switch.
func (s *Switch) Address() (relay.Address, error) {
	return relay.Resolve(s.Target, s.SlaveMAC, s.RelayNumber)
}

// Return terminates the enclosing loop or script.
type Return struct{}

func (*While) Type() Type       { return TypeWhile }
func (*If) Type() Type          { return TypeIf }
func (*RelayAction) Type() Type { return TypeRelayAction }
func (*Switch) Type() Type      { return TypeSwitch }
func (*Return) Type() Type      { return TypeReturn }

func (w *While) MarshalJSON() ([]byte, error) {
	type plain While
	return json.Marshal(struct {
		Type Type `json:"type"`
		*plain
	}{TypeWhile, (*plain)(w)})
}

func (i *If) MarshalJSON() ([]byte, error) {
	type plain If
	return json.Marshal(struct {
		Type Type `json:"type"`
		*plain
	}{TypeIf, (*plain)(i)})
}

func (r *RelayAction) MarshalJSON() ([]byte, error) {
	type plain RelayAction
	return json.Marshal(struct {
		Type Type `json:"type"`
		*plain
	}{TypeRelayAction, (*plain)(r)})
}

func (s *Switch) MarshalJSON() ([]byte, error) {
	type plain Switch
	return json.Marshal(struct {
		Type Type `json:"type"`
		*plain
	}{TypeSwitch, (*plain)(s)})
}

func (*Return) MarshalJSON() ([]byte, error) {
	return []byte(`{"type":"return"}`), nil
}

// Decode reads one type-tagged instruction.
func Decode(data []byte) (Instruction, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	var in Instruction
	switch head.Type {
	case TypeWhile:
		in = &While{}
	case TypeIf:
		in = &If{}
	case TypeRelayAction:
		in = &RelayAction{}
	case TypeSwitch:
		in = &Switch{}
	case TypeReturn:
		return &Return{}, nil
	default:
		return nil, fmt.Errorf("unknown instruction type %q", head.Type)
	}
	if err := json.Unmarshal(data, in); err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	return in, nil
}

func (l *List) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*l = nil
		return nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(List, 0, len(raws))
	for i, raw := range raws {
		in, err := Decode(raw)
		if err != nil {
			return fmt.Errorf("instruction %d: %w", i, err)
		}
		out = append(out, in)
	}
	*l = out
	return nil
}

func (l List) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Instruction(l))
}

// Trigger selects which rule outcome fires a chained event.
type Trigger string

const (
	OnSuccess Trigger = "success"
	OnFailure Trigger = "failure"
)

// ChainedEvent schedules evaluation of another rule after this one completes.
type ChainedEvent struct {
	TargetRuleID string  `json:"target_rule_id"`
	TriggerOn    Trigger `json:"trigger_on"`
	DelayMs      int     `json:"delay_ms"`
}

// Script is the sequential form of a rule.
type Script struct {
	Instructions         List           `json:"instructions"`
	LoopIntervalMs       int            `json:"loop_interval_ms,omitempty"`
	MaxIterations        int            `json:"max_iterations"`
	CooldownSeconds      int            `json:"cooldown_seconds"`
	MaxExecutionsPerHour int            `json:"max_executions_per_hour"`
	ChainedEvents        []ChainedEvent `json:"chained_events,omitempty"`
}
