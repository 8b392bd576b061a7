package script

import (
	"errors"
	"fmt"
	"strings"

	"hydrocontrol/internal/errcode"
	"hydrocontrol/internal/relay"
)

// Defaults applied while validating.
const (
	DefaultDelayMs    = 1000
	DefaultTimerMs    = 1000
	DefaultCycleOnMs  = 5000
	DefaultCycleOffMs = 5000
)

// ErrCyclic is returned when an instruction list contains itself.
var ErrCyclic = errors.New("instruction tree is cyclic")

// FieldError is one recoverable validation failure.
type FieldError struct {
	Path  string `json:"path"`
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string {
	if e.Path == "" {
		return e.Field + ": " + e.Msg
	}
	return e.Path + "." + e.Field + ": " + e.Msg
}

// Result is the outcome of validation: a normalized copy of the input with
// defaults applied, and every recoverable error found.
type Result struct {
	Instructions List         `json:"instructions"`
	Errors       []FieldError `json:"errors,omitempty"`
}

// OK reports whether no errors were found.
func (r Result) OK() bool { return len(r.Errors) == 0 }

// Err folds the errors into one validation error naming the first field.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, fe := range r.Errors {
		msgs[i] = fe.Error()
	}
	first := r.Errors[0]
	field := first.Field
	if first.Path != "" {
		field = first.Path + "." + first.Field
	}
	return errcode.Invalid("validate", field, strings.Join(msgs, "; "))
}

// Validate checks instrs recursively and returns a normalized copy. The
// input is never modified. Recoverable problems are collected in the Result;
// the returned error is reserved for trees that cannot be interpreted at
// all: unknown relay targets, nil or foreign nodes, and cycles.
func Validate(instrs List, required bool) (Result, error) {
	v := &validator{stack: map[Instruction]struct{}{}}
	if required && len(instrs) == 0 {
		v.add("", "instructions", "at least one instruction is required")
	}
	out, err := v.list("instructions", instrs)
	if err != nil {
		return Result{}, err
	}
	return Result{Instructions: out, Errors: v.errs}, nil
}

// ValidateScript validates s.Instructions (required) plus the script limits
// and chained events.
func ValidateScript(s Script) (Script, Result, error) {
	res, err := Validate(s.Instructions, true)
	if err != nil {
		return Script{}, Result{}, err
	}
	out := s
	out.Instructions = res.Instructions
	if s.MaxIterations < 0 {
		res.Errors = append(res.Errors, FieldError{Field: "max_iterations", Msg: "must not be negative"})
	}
	if s.CooldownSeconds < 0 {
		res.Errors = append(res.Errors, FieldError{Field: "cooldown_seconds", Msg: "must not be negative"})
	}
	if s.MaxExecutionsPerHour < 0 {
		res.Errors = append(res.Errors, FieldError{Field: "max_executions_per_hour", Msg: "must not be negative"})
	}
	if len(s.ChainedEvents) > 0 {
		out.ChainedEvents = make([]ChainedEvent, len(s.ChainedEvents))
		copy(out.ChainedEvents, s.ChainedEvents)
	}
	for i, ev := range out.ChainedEvents {
		path := fmt.Sprintf("chained_events[%d]", i)
		if strings.TrimSpace(ev.TargetRuleID) == "" {
			res.Errors = append(res.Errors, FieldError{Path: path, Field: "target_rule_id", Msg: "is required"})
		}
		if ev.TriggerOn == "" {
			out.ChainedEvents[i].TriggerOn = OnSuccess
		} else if ev.TriggerOn != OnSuccess && ev.TriggerOn != OnFailure {
			res.Errors = append(res.Errors, FieldError{Path: path, Field: "trigger_on", Msg: "must be success or failure"})
		}
		if ev.DelayMs < 0 {
			res.Errors = append(res.Errors, FieldError{Path: path, Field: "delay_ms", Msg: "must not be negative"})
		}
	}
	return out, res, nil
}

type validator struct {
	errs  []FieldError
	stack map[Instruction]struct{}
}

func (v *validator) add(path, field, msg string) {
	v.errs = append(v.errs, FieldError{Path: path, Field: field, Msg: msg})
}

func (v *validator) list(path string, in List) (List, error) {
	if in == nil {
		return nil, nil
	}
	out := make(List, 0, len(in))
	for i, ins := range in {
		n, err := v.node(fmt.Sprintf("%s[%d]", path, i), ins)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (v *validator) enter(path string, ins Instruction) error {
	if _, seen := v.stack[ins]; seen {
		return fmt.Errorf("%s: %w", path, ErrCyclic)
	}
	v.stack[ins] = struct{}{}
	return nil
}

func (v *validator) leave(ins Instruction) { delete(v.stack, ins) }

func (v *validator) node(path string, ins Instruction) (Instruction, error) {
	switch n := ins.(type) {
	case *While:
		if n == nil {
			return nil, fmt.Errorf("%s: nil while", path)
		}
		if err := v.enter(path, n); err != nil {
			return nil, err
		}
		defer v.leave(n)
		out := &While{DelayMs: n.DelayMs}
		out.Condition = v.condition(path, n.Condition)
		if out.DelayMs <= 0 {
			out.DelayMs = DefaultDelayMs
		}
		body, err := v.list(path+".body", n.Body)
		if err != nil {
			return nil, err
		}
		out.Body = body
		return out, nil

	case *If:
		if n == nil {
			return nil, fmt.Errorf("%s: nil if", path)
		}
		if err := v.enter(path, n); err != nil {
			return nil, err
		}
		defer v.leave(n)
		out := &If{}
		out.Condition = v.condition(path, n.Condition)
		then, err := v.list(path+".then", n.Then)
		if err != nil {
			return nil, err
		}
		els, err := v.list(path+".else", n.Else)
		if err != nil {
			return nil, err
		}
		out.Then, out.Else = then, els
		return out, nil

	case *RelayAction:
		if n == nil {
			return nil, fmt.Errorf("%s: nil relay_action", path)
		}
		out := *n
		if err := v.address(path, &out.Target, &out.SlaveMAC, out.RelayNumber); err != nil {
			return nil, err
		}
		if !out.Action.Valid() {
			v.add(path, "action", "must be on or off")
		}
		if out.DurationSeconds < 0 {
			v.add(path, "duration_seconds", "must not be negative")
		}
		return &out, nil

	case *Switch:
		if n == nil {
			return nil, fmt.Errorf("%s: nil switch", path)
		}
		out := *n
		if err := v.address(path, &out.Target, &out.SlaveMAC, out.RelayNumber); err != nil {
			return nil, err
		}
		switch out.Mode {
		case SwitchTimer:
			if out.DurationMs <= 0 {
				out.DurationMs = DefaultTimerMs
			}
		case SwitchCycle:
			if out.CycleOnMs <= 0 {
				out.CycleOnMs = DefaultCycleOnMs
			}
			if out.CycleOffMs <= 0 {
				out.CycleOffMs = DefaultCycleOffMs
			}
			if out.CycleCount < 0 {
				v.add(path, "cycle_count", "must not be negative")
			}
		default:
			v.add(path, "switch_mode", "must be timer or cycle")
		}
		return &out, nil

	case *Return:
		return &Return{}, nil

	case nil:
		return nil, fmt.Errorf("%s: nil instruction", path)

	default:
		return nil, fmt.Errorf("%s: unsupported instruction %T", path, ins)
	}
}

func (v *validator) condition(path string, c *Condition) *Condition {
	if c == nil {
		v.add(path, "condition", "is required")
		return nil
	}
	out := *c
	if len(c.Value) > 0 {
		out.Value = append([]byte(nil), c.Value...)
	}
	if field, msg := out.Check(); field != "" {
		v.add(path+".condition", field, msg)
	}
	return &out
}

// address normalizes the target fields. Missing targets mean master; an
// unknown target is a hard failure.
func (v *validator) address(path string, target *relay.Target, mac *string, number int) error {
	switch *target {
	case "":
		*target = relay.TargetMaster
	case relay.TargetMaster, relay.TargetSlave:
	default:
		return fmt.Errorf("%s: unknown relay target %q", path, *target)
	}
	if *target == relay.TargetMaster {
		*mac = ""
		if number < 0 || number > relay.MaxMasterRelay {
			v.add(path, "relay_number", fmt.Sprintf("must be between 0 and %d", relay.MaxMasterRelay))
		}
		return nil
	}
	if strings.TrimSpace(*mac) == "" {
		v.add(path, "slave_mac", "is required for slave targets")
	} else {
		*mac = relay.NormalizeMAC(*mac)
	}
	if number < 0 || number > relay.MaxSlaveRelay {
		v.add(path, "relay_number", fmt.Sprintf("must be between 0 and %d", relay.MaxSlaveRelay))
	}
	return nil
}
