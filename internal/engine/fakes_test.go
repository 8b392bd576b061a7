package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"hydrocontrol/internal/commands"
	"hydrocontrol/internal/errcode"
	"hydrocontrol/internal/models"
	"hydrocontrol/internal/script"
	"hydrocontrol/internal/taskqueue"
)

type fakeStore struct {
	mu      sync.Mutex
	devices map[string]*models.Device
	rules   map[int64]*models.Rule
	nextID  int64
	ec      map[string]*models.ECControllerConfig
	failEC  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		devices: map[string]*models.Device{
			"dev1": {DeviceID: "dev1", MACAddress: "AA:BB:CC:DD:EE:FF", UserEmail: "a@b.c"},
		},
		rules: map[int64]*models.Rule{},
		ec:    map[string]*models.ECControllerConfig{},
	}
}

func (f *fakeStore) GetDevice(_ context.Context, id string) (*models.Device, error) {
	if d, ok := f.devices[id]; ok {
		return d, nil
	}
	return nil, errcode.NotFound
}

func (f *fakeStore) GetRule(_ context.Context, id int64) (*models.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rules[id]; ok {
		c := *r
		return &c, nil
	}
	return nil, errcode.NotFound
}

func (f *fakeStore) GetRuleByRuleID(_ context.Context, deviceID, ruleID string) (*models.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rules {
		if r.DeviceID == deviceID && r.RuleID == ruleID {
			c := *r
			return &c, nil
		}
	}
	return nil, errcode.NotFound
}

func (f *fakeStore) FindRuleByRuleID(_ context.Context, ruleID string) (*models.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rules {
		if r.RuleID == ruleID {
			c := *r
			return &c, nil
		}
	}
	return nil, errcode.NotFound
}

func (f *fakeStore) ListRules(_ context.Context, deviceID string) ([]models.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Rule
	for _, r := range f.rules {
		if r.DeviceID == deviceID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertRule(_ context.Context, r *models.Rule) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	c := *r
	c.ID = f.nextID
	f.rules[c.ID] = &c
	return c.ID, nil
}

func (f *fakeStore) UpdateRule(_ context.Context, r *models.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rules[r.ID]; !ok {
		return errcode.NotFound
	}
	c := *r
	f.rules[r.ID] = &c
	return nil
}

func (f *fakeStore) DeleteRule(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rules[id]; !ok {
		return errcode.NotFound
	}
	delete(f.rules, id)
	return nil
}

func (f *fakeStore) SetRuleEnabled(_ context.Context, id int64, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rules[id]
	if !ok {
		return errcode.NotFound
	}
	r.Enabled = enabled
	return nil
}

func (f *fakeStore) GetECConfig(_ context.Context, id string) (*models.ECControllerConfig, error) {
	if f.failEC != nil {
		return nil, f.failEC
	}
	if c, ok := f.ec[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, errcode.NotFound
}

func (f *fakeStore) UpsertECConfig(_ context.Context, c *models.ECControllerConfig) error {
	cp := *c
	f.ec[c.DeviceID] = &cp
	return nil
}

func (f *fakeStore) SetAutoEnabled(_ context.Context, id string, enabled bool) error {
	c, ok := f.ec[id]
	if !ok {
		return errcode.NotFound
	}
	c.AutoEnabled = enabled
	return nil
}

func (f *fakeStore) ListAutoEnabled(context.Context) ([]models.ECControllerConfig, error) {
	var out []models.ECControllerConfig
	for _, c := range f.ec {
		if c.AutoEnabled {
			out = append(out, *c)
		}
	}
	return out, nil
}

type fakeIssuer struct {
	reqs   []commands.Request
	nextID int64
	fail   map[int]error
}

func (f *fakeIssuer) Issue(_ context.Context, req commands.Request) (*commands.Issued, error) {
	if err, ok := f.fail[req.RelayNumber]; ok {
		return nil, err
	}
	f.reqs = append(f.reqs, req)
	f.nextID++
	return &commands.Issued{
		Command: models.RelayCommand{
			ID:          f.nextID,
			DeviceID:    req.MasterDeviceID,
			RelayNumber: req.RelayNumber,
			Action:      req.Action,
			Status:      models.StatusPending,
			CommandType: req.CommandType,
		},
		DeviceIDForCommand: req.MasterDeviceID,
		RelayKey:           req.Address().Key(),
	}, nil
}

type fakeMeas struct {
	ec       map[string]float64
	readings map[string]map[script.Sensor]script.Reading
	err      error
}

func newFakeMeas() *fakeMeas {
	return &fakeMeas{ec: map[string]float64{}, readings: map[string]map[script.Sensor]script.Reading{}}
}

func (f *fakeMeas) LatestEC(_ context.Context, id string) (float64, bool, error) {
	if f.err != nil {
		return 0, false, f.err
	}
	v, ok := f.ec[id]
	return v, ok, nil
}

func (f *fakeMeas) Readings(_ context.Context, id string) (map[script.Sensor]script.Reading, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.readings[id], nil
}

func (f *fakeMeas) StoreReadings(_ context.Context, id string, r map[script.Sensor]script.Reading) error {
	if f.readings[id] == nil {
		f.readings[id] = map[script.Sensor]script.Reading{}
	}
	for k, v := range r {
		f.readings[id][k] = v
		if k == script.SensorEC {
			f.ec[id] = v.Value
		}
	}
	return nil
}

type fakeGate struct {
	held map[string]bool
}

func (g *fakeGate) Acquire(_ context.Context, key string, _ time.Duration) (bool, error) {
	if g.held == nil {
		g.held = map[string]bool{}
	}
	if g.held[key] {
		return false, nil
	}
	g.held[key] = true
	return true, nil
}

type queued struct {
	p     taskqueue.RulePayload
	delay time.Duration
}

type fakeQueue struct {
	rules []queued
	doses []string
}

func (q *fakeQueue) EnqueueRule(_ context.Context, p taskqueue.RulePayload, d time.Duration) error {
	q.rules = append(q.rules, queued{p, d})
	return nil
}

func (q *fakeQueue) EnqueueAutoDose(_ context.Context, id string) error {
	q.doses = append(q.doses, id)
	return nil
}

type fakeScheduler struct {
	every map[string]time.Duration
}

func (s *fakeScheduler) ScheduleAutoDose(id string, every time.Duration) error {
	if s.every == nil {
		s.every = map[string]time.Duration{}
	}
	s.every[id] = every
	return nil
}

func (s *fakeScheduler) UnscheduleAutoDose(id string) { delete(s.every, id) }

type harness struct {
	eng   *Engine
	store *fakeStore
	iss   *fakeIssuer
	meas  *fakeMeas
	gate  *fakeGate
	queue *fakeQueue
	sched *fakeScheduler
}

func newHarness() *harness {
	h := &harness{
		store: newFakeStore(),
		iss:   &fakeIssuer{},
		meas:  newFakeMeas(),
		gate:  &fakeGate{},
		queue: &fakeQueue{},
		sched: &fakeScheduler{},
	}
	h.eng = NewEngine(Deps{
		Store:        h.store,
		Issuer:       h.iss,
		Measurements: h.meas,
		Gate:         h.gate,
		Queue:        h.queue,
		Scheduler:    h.sched,
	})
	return h
}

var errBoom = errors.New("boom")
