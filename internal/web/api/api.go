// Package api holds the HTTP handlers of the control plane.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"hydrocontrol/internal/commands"
	"hydrocontrol/internal/dosing"
	"hydrocontrol/internal/engine"
	"hydrocontrol/internal/errcode"
	"hydrocontrol/internal/models"
	"hydrocontrol/internal/utils"

	"github.com/gin-gonic/gin"
)

var log = utils.Component("API")

// EngineInterface defines the methods needed from the engine
type EngineInterface interface {
	Issue(ctx context.Context, req commands.Request) (*commands.Issued, error)

	SaveRule(ctx context.Context, in engine.RuleInput) (*models.Rule, error)
	GetRule(ctx context.Context, id int64) (*models.Rule, error)
	ListRules(ctx context.Context, deviceID string) ([]models.Rule, error)
	DeleteRule(ctx context.Context, id int64) error
	SetRuleEnabled(ctx context.Context, id int64, enabled bool) error
	ExecuteRuleByID(ctx context.Context, id int64) (*engine.Execution, error)

	GetECConfig(ctx context.Context, deviceID string) (*models.ECControllerConfig, bool, error)
	SaveECConfig(ctx context.Context, in models.ECControllerConfig) (*models.ECControllerConfig, error)
	ActivateAutoEC(ctx context.Context, deviceID string) (*models.ECControllerConfig, error)
	DeactivateAutoEC(ctx context.Context, deviceID string) error
	PreviewDosing(ctx context.Context, deviceID string, measured *float64) (*dosing.Plan, error)
	RunAutoDose(ctx context.Context, deviceID string) (*engine.DoseRun, error)
	ManualDose(ctx context.Context, deviceID string, relayNumber int) (*commands.Issued, error)
}

// Store is the record store read directly by the handlers.
type Store interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
	UpsertDevice(ctx context.Context, dev *models.Device) error
	Slaves(ctx context.Context, masterID string) ([]models.SlaveDevice, error)
	RelayStates(ctx context.Context, masterID string) ([]models.RelayState, error)
	Acks(ctx context.Context, f models.AckFilter) ([]models.Ack, error)
}

// respondError writes err as {error, code, field}. Validation and
// precondition failures are 400, store failures 500. notFound404 turns a
// not_found into 404 for routes addressing one record.
func respondError(c *gin.Context, err error, notFound404 bool) {
	code := errcode.Of(err)
	status := http.StatusInternalServerError
	switch errcode.KindOf(err) {
	case errcode.KindValidation, errcode.KindPrecondition:
		status = http.StatusBadRequest
		if notFound404 && code == errcode.NotFound {
			status = http.StatusNotFound
		}
	}
	if status == http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		_ = c.Error(err)
	}
	body := gin.H{"error": message(err), "code": code}
	if field := errcode.FieldOf(err); field != "" {
		body["field"] = field
	}
	c.JSON(status, body)
}

func message(err error) string {
	var e *errcode.E
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	if errcode.KindOf(err) == errcode.KindDownstream {
		return "internal error"
	}
	return err.Error()
}

func badRequest(c *gin.Context, field, msg string) {
	respondError(c, errcode.Invalid("api", field, msg), false)
}

// idParam parses the numeric :id path parameter.
func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "id", "id must be a positive integer")
		return 0, false
	}
	return id, true
}
