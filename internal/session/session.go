// Package session keeps a per-device view of relay state consistent with
// asynchronously executed commands.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hydrocontrol/internal/commands"
	"hydrocontrol/internal/errcode"
	"hydrocontrol/internal/metrics"
	"hydrocontrol/internal/models"
	"hydrocontrol/internal/utils"

	"github.com/sirupsen/logrus"
)

var log = utils.Component("SESSION")

// Store is the read side of the record store the pollers use.
type Store interface {
	RelayStates(ctx context.Context, masterID string) ([]models.RelayState, error)
	Slaves(ctx context.Context, masterID string) ([]models.SlaveDevice, error)
	Acks(ctx context.Context, f models.AckFilter) ([]models.Ack, error)
	GetECConfig(ctx context.Context, deviceID string) (*models.ECControllerConfig, error)
}

// Measurements returns the latest measured EC of a device.
type Measurements interface {
	LatestEC(ctx context.Context, deviceID string) (float64, bool, error)
}

// Issuer persists commands.
type Issuer interface {
	Issue(ctx context.Context, req commands.Request) (*commands.Issued, error)
}

// Config holds poll intervals and the just-saved window.
type Config struct {
	RelayInterval    time.Duration
	TopologyInterval time.Duration
	AckInterval      time.Duration
	ECInterval       time.Duration
	JustSavedWindow  time.Duration
	AckFeedLimit     int
}

// DefaultConfig returns the standard intervals.
func DefaultConfig() Config {
	return Config{
		RelayInterval:    10 * time.Second,
		TopologyInterval: 30 * time.Second,
		AckInterval:      5 * time.Second,
		ECInterval:       10 * time.Second,
		JustSavedWindow:  2 * time.Second,
		AckFeedLimit:     100,
	}
}

// Relay is the locally known state of one relay.
type Relay struct {
	State         bool `json:"state"`
	HasTimer      bool `json:"has_timer"`
	RemainingTime int  `json:"remaining_time"`
}

// Snapshot is a copy of the session's view.
type Snapshot struct {
	DeviceID   string               `json:"device_id"`
	Relays     map[string]Relay     `json:"relays"`
	Slaves     []models.SlaveDevice `json:"slaves"`
	MeasuredEC float64              `json:"measured_ec"`
	HasEC      bool                 `json:"has_ec"`
	Setpoint   float64              `json:"ec_setpoint"`
	ECError    float64              `json:"ec_error"`
	Pending    int                  `json:"pending_commands"`
	LastError  string               `json:"last_error,omitempty"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// Session owns the pollers and local state of one selected device.
type Session struct {
	deviceID string
	cfg      Config
	store    Store
	meas     Measurements
	issuer   Issuer
	tracker  *commands.Tracker
	onError  func(error)
	now      func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	mu         sync.Mutex
	relays     map[string]Relay
	slaves     []models.SlaveDevice
	measuredEC float64
	hasEC      bool
	setpoint   float64
	ecError    float64
	savedAt    time.Time
	lastErr    error
	updatedAt  time.Time
	subs       map[chan Snapshot]struct{}
}

// Option configures a Session.
type Option func(*Session)

// WithErrorHandler receives every poll and execution error.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Session) { s.onError = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// New creates a stopped session for deviceID. parent bounds its lifetime.
func New(parent context.Context, deviceID string, cfg Config, store Store, meas Measurements, issuer Issuer, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		deviceID: deviceID,
		cfg:      cfg,
		store:    store,
		meas:     meas,
		issuer:   issuer,
		tracker:  commands.NewTracker(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		relays:   map[string]Relay{},
		subs:     map[chan Snapshot]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DeviceID returns the master this session follows.
func (s *Session) DeviceID() string { return s.deviceID }

// Start launches the four pollers. Each runs once immediately.
func (s *Session) Start() {
	s.mu.Lock()
	if s.started || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(4)
	go s.loop("relays", s.cfg.RelayInterval, s.PollRelays)
	go s.loop("topology", s.cfg.TopologyInterval, s.PollTopology)
	go s.loop("acks", s.cfg.AckInterval, s.PollAcks)
	go s.loop("ec", s.cfg.ECInterval, s.PollEC)
	log.WithField("device", s.deviceID).Info("session started")
}

// Stop cancels every poller and waits for them. Results arriving after Stop
// are discarded.
func (s *Session) Stop() {
	s.cancel()
	s.wg.Wait()
	s.mu.Lock()
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
	s.mu.Unlock()
	log.WithField("device", s.deviceID).Info("session stopped")
}

// Done is closed once the session is stopped.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Session) loop(name string, every time.Duration, poll func(context.Context) error) {
	defer s.wg.Done()
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	s.run(name, poll)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.run(name, poll)
		}
	}
}

func (s *Session) run(name string, poll func(context.Context) error) {
	if err := poll(s.ctx); err != nil && s.ctx.Err() == nil {
		s.report(fmt.Errorf("%s poll: %w", name, err))
	}
}

func (s *Session) report(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	log.WithError(err).WithFields(logrus.Fields{
		"device": s.deviceID,
		"kind":   errcode.KindOf(err).String(),
	}).Warn("session error")
	if s.onError != nil {
		s.onError(err)
	}
}

// apply runs fn under the state lock unless the session was stopped.
func (s *Session) apply(fn func()) bool {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	defer s.mu.Unlock()
	fn()
	s.updatedAt = s.now()
	if len(s.subs) == 0 {
		return true
	}
	snap := s.snapshotLocked()
	for ch := range s.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	return true
}

// PollRelays merges the authoritative relay states into the cache. Keys
// absent from the result keep their current value.
func (s *Session) PollRelays(ctx context.Context) error {
	states, err := s.store.RelayStates(ctx, s.deviceID)
	if err != nil {
		return errcode.Downstream("session.PollRelays", err)
	}
	s.apply(func() {
		for _, st := range states {
			s.relays[st.Key()] = Relay{State: st.State, HasTimer: st.HasTimer, RemainingTime: st.RemainingTime}
		}
	})
	return nil
}

// PollTopology refreshes the slaves reachable through the master.
func (s *Session) PollTopology(ctx context.Context) error {
	slaves, err := s.store.Slaves(ctx, s.deviceID)
	if err != nil {
		return errcode.Downstream("session.PollTopology", err)
	}
	s.apply(func() { s.slaves = slaves })
	return nil
}

// PollAcks resolves tracked commands. It does nothing while no command is
// tracked. A completed ack adopts the commanded state; a failed ack only
// drops the tracking entry and reports an execution error.
func (s *Session) PollAcks(ctx context.Context) error {
	if s.tracker.Len() == 0 {
		return nil
	}
	acks, err := s.store.Acks(ctx, models.AckFilter{MasterDeviceID: s.deviceID, Limit: s.cfg.AckFeedLimit})
	if err != nil {
		return errcode.Downstream("session.PollAcks", err)
	}
	var failures []error
	s.apply(func() {
		for _, ack := range acks {
			key, ok := s.tracker.Lookup(ack.CommandID)
			if !ok {
				continue
			}
			switch ack.Status {
			case models.StatusCompleted:
				r := s.relays[key]
				r.State = ack.Action.State()
				s.relays[key] = r
				s.tracker.Forget(ack.CommandID)
				metrics.AcksApplied.WithLabelValues(string(ack.Status)).Inc()
			case models.StatusFailed:
				s.tracker.Forget(ack.CommandID)
				metrics.AcksApplied.WithLabelValues(string(ack.Status)).Inc()
				failures = append(failures, &errcode.E{
					C:   errcode.ExecutionFailed,
					Op:  "session.PollAcks",
					Msg: fmt.Sprintf("command %d on %s reported failed", ack.CommandID, key),
				})
			}
		}
	})
	for _, f := range failures {
		s.report(f)
	}
	return nil
}

// PollEC refreshes the measured EC and, outside the just-saved window, the
// stored setpoint. The control error is recomputed on every call.
func (s *Session) PollEC(ctx context.Context) error {
	var (
		ec     float64
		hasEC  bool
		cfg    *models.ECControllerConfig
		errOut error
	)
	if s.meas != nil {
		v, ok, err := s.meas.LatestEC(ctx, s.deviceID)
		if err != nil {
			errOut = errcode.Downstream("session.PollEC", err)
		} else {
			ec, hasEC = v, ok
		}
	}
	if !s.JustSaved() {
		c, err := s.store.GetECConfig(ctx, s.deviceID)
		switch {
		case err == nil:
			cfg = c
		case errcode.Of(err) == errcode.NotFound:
		default:
			if errOut == nil {
				errOut = errcode.Downstream("session.PollEC", err)
			}
		}
	}
	s.apply(func() {
		if hasEC {
			s.measuredEC, s.hasEC = ec, true
		}
		// a save may have landed while the config was being read
		if cfg != nil && !s.justSavedLocked() {
			s.setpoint = cfg.ECSetpoint
		}
		s.updateErrorLocked()
	})
	return errOut
}

// updateErrorLocked keeps the error at zero until an EC reading exists.
func (s *Session) updateErrorLocked() {
	if !s.hasEC {
		s.ecError = 0
		return
	}
	s.ecError = s.measuredEC - s.setpoint
}

// JustSaved reports whether a configuration write happened inside the window.
func (s *Session) JustSaved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.justSavedLocked()
}

func (s *Session) justSavedLocked() bool {
	return !s.savedAt.IsZero() && s.now().Sub(s.savedAt) < s.cfg.JustSavedWindow
}

// ConfigSaved adopts a freshly written configuration and opens the
// just-saved window.
func (s *Session) ConfigSaved(cfg models.ECControllerConfig) {
	s.apply(func() {
		s.savedAt = s.now()
		s.setpoint = cfg.ECSetpoint
		s.updateErrorLocked()
	})
}

// SetSetpoint updates the setpoint locally and recomputes the error.
func (s *Session) SetSetpoint(sp float64) {
	s.apply(func() {
		s.setpoint = sp
		s.updateErrorLocked()
	})
}

// Issue persists a command for this device, applies the commanded state
// optimistically and tracks the command until acknowledged.
func (s *Session) Issue(ctx context.Context, req commands.Request) (*commands.Issued, error) {
	req.MasterDeviceID = s.deviceID
	out, err := s.issuer.Issue(ctx, req)
	if err != nil {
		return nil, err
	}
	s.apply(func() {
		r := s.relays[out.RelayKey]
		r.State = out.Command.Action.State()
		s.relays[out.RelayKey] = r
		s.tracker.Track(out.Command.ID, out.RelayKey)
	})
	return out, nil
}

// Revert sets a relay's local state explicitly, typically after a failed ack.
func (s *Session) Revert(relayKey string, state bool) {
	s.apply(func() {
		r := s.relays[relayKey]
		r.State = state
		s.relays[relayKey] = r
	})
}

// Relay returns the cached state of relayKey.
func (s *Session) Relay(relayKey string) (Relay, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relays[relayKey]
	return r, ok
}

// Pending reports whether command id is still tracked.
func (s *Session) Pending(id int64) bool {
	_, ok := s.tracker.Lookup(id)
	return ok
}

// Snapshot copies the current view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	relays := make(map[string]Relay, len(s.relays))
	for k, v := range s.relays {
		relays[k] = v
	}
	slaves := make([]models.SlaveDevice, len(s.slaves))
	copy(slaves, s.slaves)
	snap := Snapshot{
		DeviceID:   s.deviceID,
		Relays:     relays,
		Slaves:     slaves,
		MeasuredEC: s.measuredEC,
		HasEC:      s.hasEC,
		Setpoint:   s.setpoint,
		ECError:    s.ecError,
		Pending:    s.tracker.Len(),
		UpdatedAt:  s.updatedAt,
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

// Subscribe returns a channel that receives a snapshot after every change.
// Slow readers miss intermediate snapshots. The channel is closed by the
// returned cancel func or by Stop.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
			s.mu.Unlock()
		})
	}
}
