// Package taskqueue runs rule executions and automatic dosing on asynq.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hydrocontrol/internal/utils"

	"github.com/hibiken/asynq"
)

var log = utils.Component("TASKQUEUE")

// Task types.
const (
	TypeRuleExecute = "rule:execute"
	TypeAutoDose    = "ec:auto_dose"
)

const (
	maxRetry    = 3
	taskTimeout = 30 * time.Second
)

// RulePayload asks for one rule execution. Chain lists the rules already run
// in the same trigger sequence.
type RulePayload struct {
	DeviceID string   `json:"device_id"`
	RuleID   string   `json:"rule_id"`
	Chain    []string `json:"chain,omitempty"`
}

// AutoDosePayload asks for one automatic dosing pass.
type AutoDosePayload struct {
	DeviceID string `json:"device_id"`
}

// NewRuleTask builds a rule:execute task.
func NewRuleTask(p RulePayload) (*asynq.Task, error) {
	if p.RuleID == "" {
		return nil, fmt.Errorf("rule task without rule_id")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRuleExecute, b), nil
}

// NewAutoDoseTask builds an ec:auto_dose task.
func NewAutoDoseTask(deviceID string) (*asynq.Task, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("auto dose task without device_id")
	}
	b, err := json.Marshal(AutoDosePayload{DeviceID: deviceID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeAutoDose, b), nil
}

// enqueuer is the part of asynq.Client the queue uses.
type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Queue enqueues tasks.
type Queue struct {
	client enqueuer
}

// NewQueue connects a queue to the Redis at redisAddr.
func NewQueue(redisAddr string) *Queue {
	return &Queue{client: asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})}
}

// EnqueueRule schedules a rule execution after delay.
func (q *Queue) EnqueueRule(ctx context.Context, p RulePayload, delay time.Duration) error {
	task, err := NewRuleTask(p)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.MaxRetry(maxRetry), asynq.Timeout(taskTimeout)}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	info, err := q.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		log.WithError(err).WithField("rule", p.RuleID).Error("enqueue rule failed")
		return err
	}
	log.WithField("rule", p.RuleID).Debugf("enqueued task %s (delay %s)", info.ID, delay)
	return nil
}

// EnqueueAutoDose schedules an automatic dosing pass now. Duplicates for the
// same device are collapsed while one is pending.
func (q *Queue) EnqueueAutoDose(ctx context.Context, deviceID string) error {
	task, err := NewAutoDoseTask(deviceID)
	if err != nil {
		return err
	}
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(1),
		asynq.Timeout(taskTimeout),
		asynq.Unique(time.Minute),
	)
	if err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
		log.WithError(err).WithField("device", deviceID).Error("enqueue auto dose failed")
		return err
	}
	return nil
}

// Close releases the client connection.
func (q *Queue) Close() error {
	return q.client.Close()
}
