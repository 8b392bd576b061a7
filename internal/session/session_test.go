package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hydrocontrol/internal/commands"
	"hydrocontrol/internal/errcode"
	"hydrocontrol/internal/models"
	"hydrocontrol/internal/relay"
)

type fakeStore struct {
	mu       sync.Mutex
	states   []models.RelayState
	slaves   []models.SlaveDevice
	acks     []models.Ack
	cfg      *models.ECControllerConfig
	ackCalls int
	cfgCalls int
	gate     chan struct{}
}

func (f *fakeStore) RelayStates(context.Context, string) ([]models.RelayState, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.RelayState(nil), f.states...), nil
}

func (f *fakeStore) Slaves(context.Context, string) ([]models.SlaveDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slaves, nil
}

func (f *fakeStore) Acks(_ context.Context, _ models.AckFilter) ([]models.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ackCalls++
	return f.acks, nil
}

func (f *fakeStore) GetECConfig(context.Context, string) (*models.ECControllerConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfgCalls++
	if f.cfg == nil {
		return nil, errcode.NotFound
	}
	c := *f.cfg
	return &c, nil
}

type fakeMeas struct {
	ec float64
	ok bool
}

func (m *fakeMeas) LatestEC(context.Context, string) (float64, bool, error) {
	return m.ec, m.ok, nil
}

type fakeIssuer struct {
	next int64
	err  error
}

func (i *fakeIssuer) Issue(_ context.Context, req commands.Request) (*commands.Issued, error) {
	if i.err != nil {
		return nil, i.err
	}
	i.next++
	cmd := models.RelayCommand{
		ID:              i.next,
		DeviceID:        req.MasterDeviceID,
		SlaveMACAddress: relay.NormalizeMAC(req.SlaveMACAddress),
		RelayNumber:     req.RelayNumber,
		Action:          req.Action,
		Status:          models.StatusPending,
	}
	return &commands.Issued{Command: cmd, RelayKey: cmd.RelayKey()}, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestSession(store *fakeStore, opts ...Option) *Session {
	return New(context.Background(), "ESP32_A", DefaultConfig(), store, &fakeMeas{}, &fakeIssuer{}, opts...)
}

func TestAckCompletedAdoptsState(t *testing.T) {
	store := &fakeStore{}
	s := newTestSession(store)
	out, err := s.Issue(context.Background(), commands.Request{RelayNumber: 4, Action: relay.On})
	if err != nil {
		t.Fatal(err)
	}
	// the poll overwrites the optimistic value before the ack arrives
	s.Revert("master-4", false)
	if !s.Pending(out.Command.ID) {
		t.Fatal("command should be tracked")
	}

	store.acks = []models.Ack{{CommandID: out.Command.ID, RelayNumber: 4, Action: relay.On, Status: models.StatusCompleted}}
	if err := s.PollAcks(context.Background()); err != nil {
		t.Fatal(err)
	}
	r, _ := s.Relay("master-4")
	if !r.State {
		t.Fatal("completed ack should set state to true")
	}
	if s.Pending(out.Command.ID) {
		t.Fatal("tracking entry should be removed")
	}
}

func TestAckFailedKeepsOptimisticState(t *testing.T) {
	store := &fakeStore{}
	var reported []error
	s := newTestSession(store, WithErrorHandler(func(err error) { reported = append(reported, err) }))
	out, err := s.Issue(context.Background(), commands.Request{SlaveMACAddress: "aa:bb", RelayNumber: 1, Action: relay.On})
	if err != nil {
		t.Fatal(err)
	}
	store.acks = []models.Ack{{CommandID: out.Command.ID, Action: relay.On, Status: models.StatusFailed}}
	if err := s.PollAcks(context.Background()); err != nil {
		t.Fatal(err)
	}
	r, _ := s.Relay("AA:BB-1")
	if !r.State {
		t.Fatal("failed ack must not revert the optimistic state")
	}
	if s.Pending(out.Command.ID) {
		t.Fatal("failed command should no longer be tracked")
	}
	if len(reported) != 1 || errcode.Of(reported[0]) != errcode.ExecutionFailed {
		t.Fatalf("reported = %v", reported)
	}
}

func TestAckSentKeepsTracking(t *testing.T) {
	store := &fakeStore{}
	s := newTestSession(store)
	out, _ := s.Issue(context.Background(), commands.Request{RelayNumber: 2, Action: relay.Off})
	store.acks = []models.Ack{
		{CommandID: out.Command.ID, Status: models.StatusSent},
		{CommandID: 999, Status: models.StatusCompleted, Action: relay.On},
	}
	if err := s.PollAcks(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.Pending(out.Command.ID) {
		t.Fatal("sent command should still be tracked")
	}
	if _, ok := s.Relay("master-999"); ok {
		t.Fatal("untracked ack must not touch state")
	}
}

func TestAckPollIdleWithoutTrackedCommands(t *testing.T) {
	store := &fakeStore{}
	s := newTestSession(store)
	if err := s.PollAcks(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.ackCalls != 0 {
		t.Fatalf("ack feed read %d times with nothing tracked", store.ackCalls)
	}
}

func TestIssueFailureLeavesStateAlone(t *testing.T) {
	s := New(context.Background(), "ESP32_A", DefaultConfig(), &fakeStore{}, nil, &fakeIssuer{err: errcode.Invalid("x", "relay_number", "bad")})
	if _, err := s.Issue(context.Background(), commands.Request{RelayNumber: 20, Action: relay.On}); err == nil {
		t.Fatal("expected error")
	}
	if snap := s.Snapshot(); len(snap.Relays) != 0 || snap.Pending != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRelayPollMergesByKey(t *testing.T) {
	store := &fakeStore{states: []models.RelayState{{RelayNumber: 0, State: true, HasTimer: true, RemainingTime: 30}}}
	s := newTestSession(store)
	s.Revert("master-1", true)
	s.Revert("AA:BB-0", true)
	if err := s.PollRelays(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if len(snap.Relays) != 3 {
		t.Fatalf("relays = %v", snap.Relays)
	}
	if r := snap.Relays["master-0"]; !r.State || !r.HasTimer || r.RemainingTime != 30 {
		t.Fatalf("master-0 = %+v", r)
	}
	if !snap.Relays["master-1"].State || !snap.Relays["AA:BB-0"].State {
		t.Fatal("keys absent from the poll must keep their value")
	}
}

func TestTopologyPoll(t *testing.T) {
	store := &fakeStore{slaves: []models.SlaveDevice{{DeviceID: "ESP32_SLAVE_AA_BB", MACAddress: "AA:BB"}}}
	s := newTestSession(store)
	if err := s.PollTopology(context.Background()); err != nil {
		t.Fatal(err)
	}
	if snap := s.Snapshot(); len(snap.Slaves) != 1 {
		t.Fatalf("slaves = %v", snap.Slaves)
	}
}

func TestECPollRecomputesError(t *testing.T) {
	store := &fakeStore{cfg: &models.ECControllerConfig{ECSetpoint: 1500}}
	meas := &fakeMeas{ec: 1650, ok: true}
	s := New(context.Background(), "ESP32_A", DefaultConfig(), store, meas, &fakeIssuer{})
	if err := s.PollEC(context.Background()); err != nil {
		t.Fatal(err)
	}
	if snap := s.Snapshot(); snap.ECError != 150 || !snap.HasEC {
		t.Fatalf("error = %v", snap.ECError)
	}

	// no new sample, new setpoint: the error still follows
	meas.ok = false
	store.cfg.ECSetpoint = 1600
	if err := s.PollEC(context.Background()); err != nil {
		t.Fatal(err)
	}
	if snap := s.Snapshot(); snap.ECError != 50 || snap.MeasuredEC != 1650 {
		t.Fatalf("after setpoint change: %+v", snap)
	}

	s.SetSetpoint(1700)
	if snap := s.Snapshot(); snap.ECError != -50 {
		t.Fatalf("after local setpoint: %v", snap.ECError)
	}
}

func TestECErrorZeroWithoutReading(t *testing.T) {
	store := &fakeStore{cfg: &models.ECControllerConfig{ECSetpoint: 1500}}
	meas := &fakeMeas{}
	s := New(context.Background(), "ESP32_A", DefaultConfig(), store, meas, &fakeIssuer{})
	if err := s.PollEC(context.Background()); err != nil {
		t.Fatal(err)
	}
	if snap := s.Snapshot(); snap.HasEC || snap.ECError != 0 || snap.Setpoint != 1500 {
		t.Fatalf("poll without reading: %+v", snap)
	}

	s.SetSetpoint(1700)
	if snap := s.Snapshot(); snap.ECError != 0 {
		t.Fatalf("after local setpoint: %v", snap.ECError)
	}
	s.ConfigSaved(models.ECControllerConfig{ECSetpoint: 1200})
	if snap := s.Snapshot(); snap.ECError != 0 {
		t.Fatalf("after save: %v", snap.ECError)
	}

	meas.ec, meas.ok = 1300, true
	if err := s.PollEC(context.Background()); err != nil {
		t.Fatal(err)
	}
	if snap := s.Snapshot(); !snap.HasEC || snap.ECError != 100 {
		t.Fatalf("first reading: %+v", snap)
	}
}

func TestJustSavedWindowSkipsReadBack(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := &fakeStore{cfg: &models.ECControllerConfig{ECSetpoint: 1000}}
	s := New(context.Background(), "ESP32_A", DefaultConfig(), store, &fakeMeas{}, &fakeIssuer{}, WithClock(c.now))

	s.ConfigSaved(models.ECControllerConfig{ECSetpoint: 1400})
	if err := s.PollEC(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.cfgCalls != 0 {
		t.Fatal("config read back inside the just-saved window")
	}
	if snap := s.Snapshot(); snap.Setpoint != 1400 {
		t.Fatalf("optimistic setpoint overwritten: %v", snap.Setpoint)
	}

	c.advance(2 * time.Second)
	if s.JustSaved() {
		t.Fatal("window should expire")
	}
	if err := s.PollEC(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.cfgCalls != 1 {
		t.Fatalf("config reads = %d, want 1", store.cfgCalls)
	}
	if snap := s.Snapshot(); snap.Setpoint != 1000 {
		t.Fatalf("setpoint = %v, want stored value", snap.Setpoint)
	}
}

func TestStopDiscardsLateResults(t *testing.T) {
	store := &fakeStore{
		states: []models.RelayState{{RelayNumber: 5, State: true}},
		gate:   make(chan struct{}),
	}
	s := newTestSession(store)
	done := make(chan error, 1)
	go func() { done <- s.PollRelays(context.Background()) }()

	s.Stop()
	close(store.gate)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poll did not return")
	}
	if _, ok := s.Relay("master-5"); ok {
		t.Fatal("result applied after Stop")
	}
}

func TestStartStop(t *testing.T) {
	store := &fakeStore{states: []models.RelayState{{RelayNumber: 0, State: true}}}
	s := newTestSession(store)
	ch, cancel := s.Subscribe()
	defer cancel()
	s.Start()
	select {
	case snap := <-ch:
		if snap.DeviceID != "ESP32_A" {
			t.Fatalf("snapshot for %s", snap.DeviceID)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot after start")
	}
	s.Stop()
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	for range ch {
	}
}

func TestManager(t *testing.T) {
	m := NewManager(context.Background(), DefaultConfig(), &fakeStore{}, nil, &fakeIssuer{})
	a := m.Open("ESP32_A")
	if m.Open("ESP32_A") != a {
		t.Fatal("Open should reuse the running session")
	}
	if _, ok := m.Get("ESP32_B"); ok {
		t.Fatal("unexpected session")
	}
	m.Open("ESP32_B")
	if len(m.Devices()) != 2 {
		t.Fatalf("devices = %v", m.Devices())
	}
	if !m.Close("ESP32_A") || m.Close("ESP32_A") {
		t.Fatal("close semantics")
	}
	m.CloseAll()
	if len(m.Devices()) != 0 {
		t.Fatal("sessions left after CloseAll")
	}
}

func TestPollErrorsAreDownstream(t *testing.T) {
	s := New(context.Background(), "ESP32_A", DefaultConfig(), errStore{&fakeStore{}}, nil, &fakeIssuer{})
	if err := s.PollRelays(context.Background()); errcode.KindOf(err) != errcode.KindDownstream {
		t.Fatalf("err = %v", err)
	}
}

type errStore struct{ *fakeStore }

func (errStore) RelayStates(context.Context, string) ([]models.RelayState, error) {
	return nil, errors.New("db down")
}
