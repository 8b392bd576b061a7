// Package scheduler triggers periodic automatic EC checks.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hydrocontrol/internal/utils"

	"github.com/robfig/cron/v3"
)

var log = utils.Component("SCHEDULER")

// Enqueuer hands a due check to the task queue.
type Enqueuer interface {
	EnqueueAutoDose(ctx context.Context, deviceID string) error
}

// Scheduler keeps one cron entry per device with automatic dosing enabled.
type Scheduler struct {
	cron      *cron.Cron
	enqueuer  Enqueuer
	jobMap    map[string]cron.EntryID // device id -> cron entry
	jobMapMux sync.RWMutex
}

// NewScheduler creates a scheduler
func NewScheduler(enqueuer Enqueuer) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		enqueuer: enqueuer,
		jobMap:   make(map[string]cron.EntryID),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info("cron scheduler started")
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("cron scheduler stopped")
}

// Spec is the cron expression for a fixed interval. Sub-second parts are
// dropped and the minimum is one second.
func Spec(every time.Duration) string {
	every = every.Truncate(time.Second)
	if every < time.Second {
		every = time.Second
	}
	return fmt.Sprintf("@every %s", every)
}

// ScheduleAutoDose adds or replaces the check schedule for deviceID.
func (s *Scheduler) ScheduleAutoDose(deviceID string, every time.Duration) error {
	if deviceID == "" {
		return fmt.Errorf("schedule without device id")
	}
	spec := Spec(every)
	entryID, err := s.cron.AddFunc(spec, func() {
		if err := s.enqueuer.EnqueueAutoDose(context.Background(), deviceID); err != nil {
			log.WithError(err).WithField("device", deviceID).Error("auto dose not enqueued")
		}
	})
	if err != nil {
		log.WithError(err).WithField("device", deviceID).Errorf("invalid schedule %q", spec)
		return err
	}

	s.jobMapMux.Lock()
	if old, ok := s.jobMap[deviceID]; ok {
		s.cron.Remove(old)
	}
	s.jobMap[deviceID] = entryID
	s.jobMapMux.Unlock()

	log.WithField("device", deviceID).Infof("auto dose scheduled %s (entry %d)", spec, entryID)
	return nil
}

// UnscheduleAutoDose removes the schedule for deviceID, if any.
func (s *Scheduler) UnscheduleAutoDose(deviceID string) {
	s.jobMapMux.Lock()
	defer s.jobMapMux.Unlock()
	if entryID, ok := s.jobMap[deviceID]; ok {
		s.cron.Remove(entryID)
		delete(s.jobMap, deviceID)
		log.WithField("device", deviceID).Info("auto dose unscheduled")
	}
}

// Scheduled reports whether deviceID has a schedule.
func (s *Scheduler) Scheduled(deviceID string) bool {
	s.jobMapMux.RLock()
	defer s.jobMapMux.RUnlock()
	_, ok := s.jobMap[deviceID]
	return ok
}

// GetScheduledJobCount returns the number of currently scheduled jobs
func (s *Scheduler) GetScheduledJobCount() int {
	s.jobMapMux.RLock()
	defer s.jobMapMux.RUnlock()
	return len(s.jobMap)
}
