// Package commands issues relay commands and tracks them until the executor
// acknowledges them.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"hydrocontrol/internal/errcode"
	"hydrocontrol/internal/metrics"
	"hydrocontrol/internal/models"
	"hydrocontrol/internal/relay"
	"hydrocontrol/internal/utils"

	"github.com/sirupsen/logrus"
)

// Limits enforced on every issued command.
const (
	MaxRelayNumber     = 15
	MaxDurationSeconds = 86400
	MinPriority        = 0
	MaxPriority        = 100
)

var log = utils.Component("COMMANDS")

// Store is the record store the issuer needs.
type Store interface {
	RulePriorities
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
	InsertCommand(ctx context.Context, cmd *models.RelayCommand) (int64, error)
}

// Notifier is told about every persisted command so the master can fetch it
// without waiting for its next poll.
type Notifier interface {
	NotifyCommand(cmd models.RelayCommand) error
}

// Request carries the caller's view of a command.
type Request struct {
	MasterDeviceID  string             `json:"master_device_id"`
	SlaveMACAddress string             `json:"slave_mac_address,omitempty"`
	SlaveName       string             `json:"slave_name,omitempty"`
	RelayNumber     int                `json:"relay_number"`
	Action          relay.Action       `json:"action"`
	DurationSeconds int                `json:"duration_seconds"`
	TriggeredBy     string             `json:"triggered_by,omitempty"`
	RuleID          string             `json:"rule_id,omitempty"`
	RuleName        string             `json:"rule_name,omitempty"`
	CommandType     models.CommandType `json:"command_type,omitempty"`
	Priority        *int               `json:"priority,omitempty"`

	relayMissing bool
}

// UnmarshalJSON records whether relay_number was present, since 0 is a
// valid relay.
func (r *Request) UnmarshalJSON(data []byte) error {
	type plain Request
	var w struct {
		plain
		RelayNumber *int `json:"relay_number"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Request(w.plain)
	if w.RelayNumber == nil {
		r.relayMissing = true
	} else {
		r.RelayNumber = *w.RelayNumber
	}
	return nil
}

// Address returns the relay the request targets.
func (r Request) Address() relay.Address {
	if r.SlaveMACAddress != "" {
		return relay.Slave{MAC: relay.NormalizeMAC(r.SlaveMACAddress), Number: r.RelayNumber}
	}
	return relay.Master{Number: r.RelayNumber}
}

// Issued is a persisted command plus the resolved routing facts.
type Issued struct {
	Command            models.RelayCommand `json:"command"`
	DeviceIDForCommand string              `json:"device_id"`
	RelayKey           string              `json:"relay_key"`
	IsSlave            bool                `json:"is_slave"`
}

// Issuer validates, enriches and persists relay commands.
type Issuer struct {
	store    Store
	notifier Notifier
}

// NewIssuer builds an issuer. notifier may be nil.
func NewIssuer(store Store, notifier Notifier) *Issuer {
	return &Issuer{store: store, notifier: notifier}
}

// Validate checks the caller-supplied parameters. It has no side effects.
func Validate(req Request) error {
	const op = "commands.Validate"
	if strings.TrimSpace(req.MasterDeviceID) == "" {
		return errcode.Invalid(op, "master_device_id", "master_device_id is required")
	}
	if req.relayMissing {
		return errcode.Invalid(op, "relay_number", "relay_number is required")
	}
	if req.RelayNumber < 0 || req.RelayNumber > MaxRelayNumber {
		return errcode.Invalid(op, "relay_number", fmt.Sprintf("relay_number must be between 0 and %d", MaxRelayNumber))
	}
	if !req.Action.Valid() {
		return errcode.Invalid(op, "action", "action must be 'on' or 'off'")
	}
	if req.DurationSeconds < 0 || req.DurationSeconds > MaxDurationSeconds {
		return errcode.Invalid(op, "duration_seconds", fmt.Sprintf("duration_seconds must be between 0 and %d", MaxDurationSeconds))
	}
	if req.CommandType != "" && !req.CommandType.Valid() {
		return errcode.Invalid(op, "command_type", "command_type must be manual, rule or peristaltic")
	}
	if req.Priority != nil && (*req.Priority < MinPriority || *req.Priority > MaxPriority) {
		return errcode.Invalid(op, "priority", fmt.Sprintf("priority must be between %d and %d", MinPriority, MaxPriority))
	}
	return nil
}

// Issue persists a pending command. Validation and precondition failures
// happen before anything is written.
func (i *Issuer) Issue(ctx context.Context, req Request) (*Issued, error) {
	issued, err := i.issue(ctx, req)
	if err != nil {
		metrics.IssueFailures.WithLabelValues(string(errcode.Of(err))).Inc()
		return nil, err
	}
	metrics.CommandsIssued.WithLabelValues(string(issued.Command.CommandType)).Inc()
	return issued, nil
}

func (i *Issuer) issue(ctx context.Context, req Request) (*Issued, error) {
	const op = "commands.Issue"
	if err := Validate(req); err != nil {
		return nil, err
	}

	slaveMAC := relay.NormalizeMAC(req.SlaveMACAddress)
	deviceIDForCommand := req.MasterDeviceID
	if slaveMAC != "" {
		deviceIDForCommand = slaveMAC
	}

	device, err := i.store.GetDevice(ctx, req.MasterDeviceID)
	switch {
	case errors.Is(err, errcode.NotFound) || (err == nil && device == nil):
		return nil, errcode.Precondition(errcode.DeviceNotRegistered, op,
			fmt.Sprintf("device %q is not registered", req.MasterDeviceID))
	case err != nil:
		log.WithError(err).WithField("device", req.MasterDeviceID).Error("device lookup failed")
		return nil, errcode.Downstream(op, err)
	}
	if strings.TrimSpace(device.MACAddress) == "" {
		return nil, errcode.Precondition(errcode.MissingRadioAddress, op,
			fmt.Sprintf("master %q has no mac_address registered", req.MasterDeviceID))
	}
	if strings.TrimSpace(device.UserEmail) == "" {
		return nil, errcode.Precondition(errcode.MissingOwner, op,
			fmt.Sprintf("master %q has no user_email registered", req.MasterDeviceID))
	}

	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "manual"
	}
	cmdType := InferType(req.CommandType, triggeredBy)
	priority, err := ResolvePriority(ctx, i.store, req.Priority, cmdType, req.MasterDeviceID, req.RuleID)
	if err != nil {
		log.WithError(err).WithField("rule", req.RuleID).Error("rule priority lookup failed")
		return nil, errcode.Downstream(op, err)
	}

	cmd := models.RelayCommand{
		DeviceID:         req.MasterDeviceID,
		MasterMACAddress: device.MACAddress,
		UserEmail:        device.UserEmail,
		RelayNumber:      req.RelayNumber,
		Action:           req.Action,
		DurationSeconds:  req.DurationSeconds,
		Status:           models.StatusPending,
		CommandType:      cmdType,
		Priority:         priority,
		TriggeredBy:      triggeredBy,
		RuleID:           req.RuleID,
		RuleName:         req.RuleName,
		CreatedBy:        "web_interface",
	}
	if slaveMAC != "" {
		cmd.SlaveMACAddress = slaveMAC
		cmd.TargetDeviceID = req.SlaveName
		cmd.SlaveDeviceID = relay.SlaveDeviceID(slaveMAC)
	}

	id, err := i.store.InsertCommand(ctx, &cmd)
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"device": req.MasterDeviceID,
			"slave":  slaveMAC,
			"relay":  req.RelayNumber,
			"rule":   req.RuleID,
		}).Error("insert command failed")
		return nil, errcode.Downstream(op, err)
	}
	cmd.ID = id

	if i.notifier != nil {
		if err := i.notifier.NotifyCommand(cmd); err != nil {
			log.WithError(err).WithField("command", id).Warn("command nudge not delivered")
		}
	}

	log.WithFields(logrus.Fields{
		"command":  id,
		"device":   deviceIDForCommand,
		"relay":    req.RelayNumber,
		"action":   req.Action,
		"type":     cmdType,
		"priority": priority,
	}).Info("command issued")

	return &Issued{
		Command:            cmd,
		DeviceIDForCommand: deviceIDForCommand,
		RelayKey:           cmd.RelayKey(),
		IsSlave:            slaveMAC != "",
	}, nil
}
