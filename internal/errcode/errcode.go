package errcode

import "errors"

// Code is a stable, API-facing error identifier.
type Code string

func (c Code) Error() string { return string(c) }

const (
	OK Code = "ok"

	// validation
	InvalidParams Code = "invalid_params"

	// precondition
	DeviceNotRegistered Code = "device_not_registered"
	MissingRadioAddress Code = "missing_radio_address"
	MissingOwner        Code = "missing_owner"
	NotFound            Code = "not_found"

	// downstream
	Persistence Code = "persistence"

	// asynchronous
	ExecutionFailed Code = "execution_failed"

	Error Code = "error" // generic fallback
)

// Kind groups codes into the four reporting classes.
type Kind int

const (
	KindNone Kind = iota
	KindValidation
	KindPrecondition
	KindDownstream
	KindExecution
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPrecondition:
		return "precondition"
	case KindDownstream:
		return "downstream"
	case KindExecution:
		return "execution"
	default:
		return "none"
	}
}

// E keeps the operation, offending field and cause next to a Code.
type E struct {
	C     Code
	Op    string
	Field string
	Msg   string
	Err   error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return string(e.C) + ": " + e.Msg
	}
	if e.Err != nil {
		return string(e.C) + ": " + e.Err.Error()
	}
	return string(e.C)
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is match an E against its bare Code.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// Invalid reports a malformed field.
func Invalid(op, field, msg string) *E {
	return &E{C: InvalidParams, Op: op, Field: field, Msg: msg}
}

// Precondition reports a missing or incomplete referenced record.
func Precondition(c Code, op, msg string) *E {
	return &E{C: c, Op: op, Msg: msg}
}

// Downstream wraps a store failure.
func Downstream(op string, err error) *E {
	return &E{C: Persistence, Op: op, Msg: "store operation failed", Err: err}
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Error
}

// FieldOf returns the offending field of a validation error, if any.
func FieldOf(err error) string {
	var e *E
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}

// KindOf classifies err.
func KindOf(err error) Kind {
	switch Of(err) {
	case OK:
		return KindNone
	case InvalidParams:
		return KindValidation
	case DeviceNotRegistered, MissingRadioAddress, MissingOwner, NotFound:
		return KindPrecondition
	case ExecutionFailed:
		return KindExecution
	default:
		return KindDownstream
	}
}
