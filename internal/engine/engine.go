// Package engine composes validation, persistence, dosing and command
// issuance into the operations the API and the workers call.
package engine

import (
	"context"
	"time"

	"hydrocontrol/internal/commands"
	"hydrocontrol/internal/models"
	"hydrocontrol/internal/script"
	"hydrocontrol/internal/session"
	"hydrocontrol/internal/taskqueue"
	"hydrocontrol/internal/utils"
)

var log = utils.Component("ENGINE")

// Store is the record store the engine needs.
type Store interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)

	GetRule(ctx context.Context, id int64) (*models.Rule, error)
	GetRuleByRuleID(ctx context.Context, deviceID, ruleID string) (*models.Rule, error)
	FindRuleByRuleID(ctx context.Context, ruleID string) (*models.Rule, error)
	ListRules(ctx context.Context, deviceID string) ([]models.Rule, error)
	InsertRule(ctx context.Context, r *models.Rule) (int64, error)
	UpdateRule(ctx context.Context, r *models.Rule) error
	DeleteRule(ctx context.Context, id int64) error
	SetRuleEnabled(ctx context.Context, id int64, enabled bool) error

	GetECConfig(ctx context.Context, deviceID string) (*models.ECControllerConfig, error)
	UpsertECConfig(ctx context.Context, cfg *models.ECControllerConfig) error
	SetAutoEnabled(ctx context.Context, deviceID string, enabled bool) error
	ListAutoEnabled(ctx context.Context) ([]models.ECControllerConfig, error)
}

// Measurements is the cache of the latest sensor readings.
type Measurements interface {
	LatestEC(ctx context.Context, deviceID string) (float64, bool, error)
	Readings(ctx context.Context, deviceID string) (map[script.Sensor]script.Reading, error)
	StoreReadings(ctx context.Context, deviceID string, readings map[script.Sensor]script.Reading) error
}

// Gate admits at most one holder of key per ttl.
type Gate interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Queue schedules asynchronous work.
type Queue interface {
	EnqueueRule(ctx context.Context, p taskqueue.RulePayload, delay time.Duration) error
	EnqueueAutoDose(ctx context.Context, deviceID string) error
}

// Scheduler runs periodic automatic EC checks.
type Scheduler interface {
	ScheduleAutoDose(deviceID string, every time.Duration) error
	UnscheduleAutoDose(deviceID string)
}

// Issuer persists commands.
type Issuer interface {
	Issue(ctx context.Context, req commands.Request) (*commands.Issued, error)
}

// Deps are the collaborators of an Engine. Queue, Scheduler, Gate and
// Sessions may be nil.
type Deps struct {
	Store        Store
	Issuer       Issuer
	Measurements Measurements
	Gate         Gate
	Queue        Queue
	Scheduler    Scheduler
	Sessions     *session.Manager
}

// Engine is the rule orchestration layer.
type Engine struct {
	store     Store
	issuer    Issuer
	meas      Measurements
	gate      Gate
	queue     Queue
	scheduler Scheduler
	sessions  *session.Manager
	now       func() time.Time
}

// NewEngine creates a new engine instance
func NewEngine(d Deps) *Engine {
	return &Engine{
		store:     d.Store,
		issuer:    d.Issuer,
		meas:      d.Measurements,
		gate:      d.Gate,
		queue:     d.Queue,
		scheduler: d.Scheduler,
		sessions:  d.Sessions,
		now:       time.Now,
	}
}

// Start restores the automatic EC schedules of every enabled device.
func (e *Engine) Start(ctx context.Context) error {
	if e.scheduler == nil {
		return nil
	}
	cfgs, err := e.store.ListAutoEnabled(ctx)
	if err != nil {
		log.WithError(err).Error("loading auto EC configurations")
		return err
	}
	for _, c := range cfgs {
		if err := e.scheduler.ScheduleAutoDose(c.DeviceID, checkInterval(c)); err != nil {
			log.WithError(err).WithField("device", c.DeviceID).Warn("auto EC schedule not restored")
		}
	}
	log.Infof("engine started, %d auto EC schedules", len(cfgs))
	return nil
}

// issue routes a command through the device's open session, if any, so the
// optimistic state and tracking stay in one place.
func (e *Engine) issue(ctx context.Context, req commands.Request) (*commands.Issued, error) {
	if e.sessions != nil {
		if s, ok := e.sessions.Get(req.MasterDeviceID); ok {
			return s.Issue(ctx, req)
		}
	}
	return e.issuer.Issue(ctx, req)
}

// Issue persists one command. Exposed for the command API.
func (e *Engine) Issue(ctx context.Context, req commands.Request) (*commands.Issued, error) {
	return e.issue(ctx, req)
}
