// Package monitor runs the per-resource integrity cycle: it samples the
// forward-progress counter, persists it, checks the health of dependency
// groups, audits peers for stale progress and escalates the resource's own
// state through statemgmt when something is wrong.
//
// One Monitor exists per process. The composition root constructs it and
// hands it to whatever needs to report progress.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gointegrity/pkg/clock"
	"gointegrity/pkg/logging"
	"gointegrity/pkg/metrics"
	"gointegrity/pkg/state"
	"gointegrity/pkg/statemgmt"
	"gointegrity/storage"
)

// PeerPinger invokes a peer's self-test. Any error, transport failures
// included, counts as a failed peer.
type PeerPinger interface {
	Ping(ctx context.Context, resource string) error
}

// Hooks are optional callbacks that replace default behavior.
type Hooks struct {
	// TestTransaction runs on the test-transaction interval. The default
	// calls EndTransaction.
	TestTransaction func(ctx context.Context, m *Monitor) error
	// SubsystemTest checks the local node. A failure forces the dependency
	// bit on regardless of peer health.
	SubsystemTest func(ctx context.Context) error
}

// Config configures a Monitor. Any interval <= 0 disables its check.
type Config struct {
	ResourceName string
	Domain       string
	NodeType     string
	Site         string
	// Address is advertised on the progress record so peers can reach this
	// resource whether or not it takes part in replica audits.
	Address      string

	CycleInterval             time.Duration
	FPMonitorInterval         time.Duration
	FailedCounterThreshold    int
	TestTransInterval         time.Duration
	WriteFPCInterval          time.Duration
	CheckDependencyInterval   time.Duration
	MaxFPCUpdateInterval      time.Duration
	RefreshStateAuditInterval time.Duration
	StateAuditInterval        time.Duration

	// DependencyGroups is an AND of OR-groups of resource names.
	DependencyGroups  [][]string
	RemoteHealthCheck bool
	PeerTimeout       time.Duration
}

// Monitor is the integrity monitor of one resource.
type Monitor struct {
	cfg    Config
	mgr    *statemgmt.Manager
	store  storage.ProgressStore
	pinger PeerPinger
	clock  clock.Clock
	logger *slog.Logger
	hooks  Hooks

	fpMu      sync.Mutex
	fpCounter int64

	notWellMu sync.RWMutex
	notWell   map[string]string

	cycleMu   sync.Mutex
	checks    []*check
	lastCycle time.Time
	lastBeat  atomic.Int64

	// owned by the forward-progress check
	lastFPC  int64
	missed   int
	fpcAlarm bool

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option { return func(m *Monitor) { m.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.logger = l } }

// WithPeerPinger sets the remote self-test client used when
// RemoteHealthCheck is on.
func WithPeerPinger(p PeerPinger) Option { return func(m *Monitor) { m.pinger = p } }

// WithHooks replaces the default hooks. Nil fields keep their defaults.
func WithHooks(h Hooks) Option {
	return func(m *Monitor) {
		if h.TestTransaction != nil {
			m.hooks.TestTransaction = h.TestTransaction
		}
		if h.SubsystemTest != nil {
			m.hooks.SubsystemTest = h.SubsystemTest
		}
	}
}

// New validates cfg and builds a Monitor around mgr. It does not touch the
// store until Start or Run.
func New(cfg Config, mgr *statemgmt.Manager, store storage.ProgressStore, opts ...Option) (*Monitor, error) {
	if mgr == nil {
		return nil, errors.New("monitor: state manager is required")
	}
	if store == nil {
		return nil, errors.New("monitor: progress store is required")
	}
	if cfg.ResourceName == "" {
		cfg.ResourceName = mgr.ResourceName()
	}
	if cfg.ResourceName != mgr.ResourceName() {
		return nil, fmt.Errorf("monitor: resource %q does not match state manager %q", cfg.ResourceName, mgr.ResourceName())
	}
	if cfg.Domain == "" {
		cfg.Domain = mgr.Domain()
	}
	if cfg.FPMonitorInterval > 0 && cfg.FailedCounterThreshold <= 0 {
		return nil, fmt.Errorf("monitor: failed counter threshold must be positive, got %d", cfg.FailedCounterThreshold)
	}
	for i, g := range cfg.DependencyGroups {
		if len(g) == 0 {
			return nil, fmt.Errorf("monitor: dependency group %d is empty", i)
		}
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = time.Second
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = 2 * time.Second
	}

	m := &Monitor{
		cfg:     cfg,
		mgr:     mgr,
		store:   store,
		clock:   clock.Real(),
		notWell: make(map[string]string),
		hooks: Hooks{
			TestTransaction: func(_ context.Context, m *Monitor) error {
				m.EndTransaction()
				return nil
			},
			SubsystemTest: func(context.Context) error { return nil },
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDefault(m.logger).With("component", "monitor", "resource", cfg.ResourceName)

	m.checks = []*check{
		{name: "forward_progress", interval: cfg.FPMonitorInterval, run: m.checkForwardProgress},
		{name: "test_transaction", interval: cfg.TestTransInterval, run: m.testTransaction},
		{name: "write_fpc", interval: cfg.WriteFPCInterval, run: m.writeFPC},
		{name: "dependency", interval: cfg.CheckDependencyInterval, run: m.checkDependencies},
		{name: "refresh_state_audit", interval: cfg.RefreshStateAuditInterval, run: m.refreshStateAudit},
		{name: "state_audit", interval: cfg.StateAuditInterval, run: m.stateAudit},
	}
	return m, nil
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config { return m.cfg }

// Start creates or refreshes the resource's progress record. The in-memory
// counter resumes from the persisted value so it never goes backwards.
func (m *Monitor) Start(ctx context.Context) error {
	rec, found, err := m.store.FindProgress(ctx, m.cfg.Domain, m.cfg.ResourceName)
	if err != nil {
		return fmt.Errorf("load progress record: %w", err)
	}
	m.fpMu.Lock()
	if found && rec.Counter > m.fpCounter {
		m.fpCounter = rec.Counter
	}
	m.lastFPC = m.fpCounter
	m.fpMu.Unlock()

	if err := m.persistProgress(ctx); err != nil {
		return err
	}
	m.logger.Info("integrity monitor started", "counter", m.FPCounter(), "groups", len(m.cfg.DependencyGroups))
	return nil
}

// Run starts the monitor and cycles until ctx is done or Stop is called.
func (m *Monitor) Run(ctx context.Context) error {
	m.runMu.Lock()
	if m.cancel != nil {
		m.runMu.Unlock()
		return errors.New("monitor: already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.runMu.Unlock()

	defer func() {
		cancel()
		m.running.Store(false)
		m.runMu.Lock()
		m.cancel = nil
		m.runMu.Unlock()
		close(done)
	}()

	if err := m.Start(ctx); err != nil {
		return err
	}
	m.running.Store(true)
	for {
		m.RunCycle(ctx)
		if err := m.clock.Sleep(ctx, m.cfg.CycleInterval); err != nil {
			m.logger.Info("integrity monitor stopped")
			return nil
		}
	}
}

// Stop ends a running Run loop and waits for it to return.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunCycle runs every check whose interval has elapsed since it last ran.
// The elapsed time is measured on the monitor's clock.
func (m *Monitor) RunCycle(ctx context.Context) {
	m.cycleMu.Lock()
	now := m.clock.Now()
	delta := m.cfg.CycleInterval
	if !m.lastCycle.IsZero() {
		delta = now.Sub(m.lastCycle)
	}
	m.lastCycle = now
	due := make([]*check, 0, len(m.checks))
	for _, c := range m.checks {
		if c.due(delta) {
			due = append(due, c)
		}
	}
	m.cycleMu.Unlock()

	for _, c := range due {
		if ctx.Err() != nil {
			return
		}
		m.runCheck(ctx, c)
	}
	m.lastBeat.Store(m.clock.Now().UnixNano())
}

// StartTransaction reports whether the resource may take work: it fails
// when locked, when disabled, or when it is a standby.
func (m *Monitor) StartTransaction(ctx context.Context) error {
	s, err := m.mgr.CurrentState(ctx)
	if err != nil {
		return err
	}
	return m.checkServing(s)
}

func (m *Monitor) checkServing(s state.State) error {
	if s.Admin == state.AdminLocked {
		return &AdministrativeStateError{Resource: m.cfg.ResourceName, State: s.Admin}
	}
	if s.Op == state.OpDisabled {
		return &OperationalStateError{Resource: m.cfg.ResourceName, State: s.Op, Avail: s.Avail}
	}
	if s.Standby == state.StandbyHot || s.Standby == state.StandbyCold {
		return &StandbyStatusError{Resource: m.cfg.ResourceName, Status: s.Standby}
	}
	return nil
}

// EndTransaction records forward progress. While any subsystem reports
// itself not well the counter does not advance.
func (m *Monitor) EndTransaction() {
	m.notWellMu.RLock()
	vetoed := len(m.notWell) > 0
	m.notWellMu.RUnlock()
	if vetoed {
		return
	}
	m.fpMu.Lock()
	m.fpCounter++
	m.fpMu.Unlock()
}

// FPCounter returns the in-memory forward-progress counter.
func (m *Monitor) FPCounter() int64 {
	m.fpMu.Lock()
	defer m.fpMu.Unlock()
	return m.fpCounter
}

// AllSeemsWell registers (seemsWell false) or clears (seemsWell true) a
// not-well report under key.
func (m *Monitor) AllSeemsWell(key string, seemsWell bool, msg string) error {
	if key == "" {
		return errors.New("monitor: report key is required")
	}
	m.notWellMu.Lock()
	defer m.notWellMu.Unlock()
	if seemsWell {
		if _, ok := m.notWell[key]; ok {
			delete(m.notWell, key)
			m.logger.Info("subsystem reports well", "key", key, "msg", msg)
		}
		return nil
	}
	if prev, ok := m.notWell[key]; !ok || prev != msg {
		m.logger.Warn("subsystem reports not well", "key", key, "msg", msg)
	}
	m.notWell[key] = msg
	return nil
}

// NotWellReports returns a snapshot of the outstanding not-well reports.
func (m *Monitor) NotWellReports() map[string]string {
	m.notWellMu.RLock()
	defer m.notWellMu.RUnlock()
	out := make(map[string]string, len(m.notWell))
	for k, v := range m.notWell {
		out[k] = v
	}
	return out
}

// EvaluateSanity is the self-test a peer invokes remotely. It fails when
// the local subsystem test fails, when the cycle loop has stalled, when
// any subsystem reports not well, or when the resource is disabled.
func (m *Monitor) EvaluateSanity(ctx context.Context) error {
	if err := m.hooks.SubsystemTest(ctx); err != nil {
		return fmt.Errorf("subsystem test: %w", err)
	}
	if m.running.Load() {
		last := time.Unix(0, m.lastBeat.Load())
		if stall := m.stallAfter(); m.lastBeat.Load() != 0 && m.clock.Now().Sub(last) > stall {
			return fmt.Errorf("%s: monitor cycle stalled since %s", m.cfg.ResourceName, last.Format(time.RFC3339))
		}
	}
	if reports := m.NotWellReports(); len(reports) > 0 {
		return &NotWellError{Resource: m.cfg.ResourceName, Reports: reports}
	}
	s, err := m.mgr.CurrentState(ctx)
	if err != nil {
		return err
	}
	if s.Op == state.OpDisabled {
		return &OperationalStateError{Resource: m.cfg.ResourceName, State: s.Op, Avail: s.Avail}
	}
	return nil
}

func (m *Monitor) stallAfter() time.Duration {
	d := 10 * m.cfg.CycleInterval
	for _, c := range m.checks {
		if 2*c.interval > d {
			d = 2 * c.interval
		}
	}
	return d
}

func (m *Monitor) persistProgress(ctx context.Context) error {
	counter := m.FPCounter()
	err := m.store.UpsertProgress(ctx, storage.ProgressRecord{
		ResourceName: m.cfg.ResourceName,
		Domain:       m.cfg.Domain,
		NodeType:     m.cfg.NodeType,
		Site:         m.cfg.Site,
		Address:      m.cfg.Address,
		Counter:      counter,
		LastUpdated:  m.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("write progress record: %w", err)
	}
	metrics.ForwardProgress.Set(float64(counter))
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
