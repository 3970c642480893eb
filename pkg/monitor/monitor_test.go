package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gointegrity/pkg/clock"
	"gointegrity/pkg/logging"
	"gointegrity/pkg/state"
	"gointegrity/pkg/statemgmt"
	"gointegrity/storage"
)

const domain = "pdp"

type fixture struct {
	t     *testing.T
	ctx   context.Context
	clk   *clock.Fake
	store *storage.MemoryStore
	mgr   *statemgmt.Manager
	mon   *Monitor
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		clk:   clock.NewFake(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)),
		store: storage.NewMemoryStore(),
	}
	f.mgr = f.manager("A")
	cfg.ResourceName = "A"
	cfg.Domain = domain
	opts = append([]Option{WithClock(f.clk), WithLogger(logging.Discard())}, opts...)
	mon, err := New(cfg, f.mgr, f.store, opts...)
	require.NoError(t, err)
	require.NoError(t, mon.Start(f.ctx))
	f.mon = mon
	return f
}

// manager creates and initializes the state record of a resource.
func (f *fixture) manager(name string) *statemgmt.Manager {
	f.t.Helper()
	m, err := statemgmt.New(statemgmt.Config{
		ResourceName: name,
		Domain:       domain,
		Store:        f.store,
		Clock:        f.clk,
		Logger:       logging.Discard(),
	})
	require.NoError(f.t, err)
	_, err = m.InitializeState(f.ctx)
	require.NoError(f.t, err)
	return m
}

func (f *fixture) progress(name, site string, at time.Time) {
	f.t.Helper()
	require.NoError(f.t, f.store.UpsertProgress(f.ctx, storage.ProgressRecord{
		ResourceName: name, Domain: domain, Site: site, LastUpdated: at,
	}))
}

func (f *fixture) tick(n int) {
	for i := 0; i < n; i++ {
		f.clk.Advance(time.Second)
		f.mon.RunCycle(f.ctx)
	}
}

func (f *fixture) state() state.State {
	f.t.Helper()
	s, err := f.mgr.CurrentState(f.ctx)
	require.NoError(f.t, err)
	return s
}

func TestNewValidates(t *testing.T) {
	st := storage.NewMemoryStore()
	mgr, err := statemgmt.New(statemgmt.Config{ResourceName: "A", Domain: domain, Store: st})
	require.NoError(t, err)

	_, err = New(Config{FPMonitorInterval: time.Second}, mgr, st)
	assert.Error(t, err, "threshold must be positive while the check is on")

	_, err = New(Config{ResourceName: "B"}, mgr, st)
	assert.Error(t, err)

	_, err = New(Config{DependencyGroups: [][]string{{"B"}, {}}}, mgr, st)
	assert.Error(t, err)

	m, err := New(Config{}, mgr, st)
	require.NoError(t, err)
	assert.Equal(t, domain, m.Config().Domain)
	assert.Equal(t, time.Second, m.Config().CycleInterval)
}

func TestForwardProgressEscalatesAndRecovers(t *testing.T) {
	f := newFixture(t, Config{FPMonitorInterval: time.Second, FailedCounterThreshold: 3})
	var mu sync.Mutex
	var opChanges int
	f.mgr.AddObserver(statemgmt.ObserverFunc(func(_ *statemgmt.Manager, field string) {
		mu.Lock()
		defer mu.Unlock()
		if field == statemgmt.FieldOpState {
			opChanges++
		}
	}))

	f.tick(2)
	assert.Equal(t, state.OpEnabled, f.state().Op)

	f.tick(1)
	assert.Equal(t, state.OpDisabled, f.state().Op)
	assert.Equal(t, state.AvailFailed, f.state().Avail)

	f.tick(5)
	assert.Equal(t, 1, opChanges, "an outstanding alarm is not re-raised")

	f.mon.EndTransaction()
	f.tick(1)
	assert.Equal(t, state.State{Admin: state.AdminUnlocked, Op: state.OpEnabled}, f.state())
	assert.Equal(t, 2, opChanges)
}

func TestStartAdvertisesAddress(t *testing.T) {
	f := newFixture(t, Config{Address: "a.pdp.svc:7400", Site: "east"})
	rec, found, err := f.store.FindProgress(f.ctx, domain, "A")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a.pdp.svc:7400", rec.Address)
	assert.Equal(t, "east", rec.Site)
}

// A peer's state audit may disable this resource while it is still making
// progress; the next progress check must bring it back.
func TestProgressReenablesAfterPeerDisabled(t *testing.T) {
	f := newFixture(t, Config{
		FPMonitorInterval:      time.Second,
		FailedCounterThreshold: 3,
		TestTransInterval:      time.Second,
	})
	peer := f.manager("B")

	f.tick(2)
	require.Equal(t, state.OpEnabled, f.state().Op)

	require.NoError(t, peer.DisableFailedOther(f.ctx, "A"))
	require.Equal(t, state.OpDisabled, f.state().Op)
	assert.True(t, f.state().Avail.HasFailed())

	f.tick(30)
	assert.Equal(t, state.State{Admin: state.AdminUnlocked, Op: state.OpEnabled}, f.state())
}

func TestNotWellReportVetoesProgress(t *testing.T) {
	f := newFixture(t, Config{
		FPMonitorInterval:      time.Second,
		FailedCounterThreshold: 2,
		TestTransInterval:      time.Second,
	})

	f.tick(4)
	assert.Equal(t, state.OpEnabled, f.state().Op, "default test transaction keeps progress moving")

	require.NoError(t, f.mon.AllSeemsWell("db", false, "connection pool exhausted"))
	before := f.mon.FPCounter()
	f.mon.EndTransaction()
	assert.Equal(t, before, f.mon.FPCounter())

	var nw *NotWellError
	require.True(t, errors.As(f.mon.EvaluateSanity(f.ctx), &nw))
	assert.Equal(t, map[string]string{"db": "connection pool exhausted"}, nw.Reports)

	f.tick(3)
	assert.Equal(t, state.OpDisabled, f.state().Op)

	require.NoError(t, f.mon.AllSeemsWell("db", true, "recovered"))
	assert.Empty(t, f.mon.NotWellReports())
	f.tick(2)
	assert.Equal(t, state.OpEnabled, f.state().Op)
	assert.NoError(t, f.mon.EvaluateSanity(f.ctx))

	assert.Error(t, f.mon.AllSeemsWell("", false, "x"))
}

func TestWriteBackPersistsCounter(t *testing.T) {
	f := newFixture(t, Config{WriteFPCInterval: 2 * time.Second, NodeType: "pdp-d", Site: "east"})

	rec, found, err := f.store.FindProgress(f.ctx, domain, "A")
	require.NoError(t, err)
	require.True(t, found, "Start creates the record")
	assert.Equal(t, int64(0), rec.Counter)

	for i := 0; i < 5; i++ {
		f.mon.EndTransaction()
	}
	f.tick(1)
	rec, _, _ = f.store.FindProgress(f.ctx, domain, "A")
	assert.Equal(t, int64(0), rec.Counter, "not due yet")

	f.tick(1)
	rec, _, _ = f.store.FindProgress(f.ctx, domain, "A")
	assert.Equal(t, int64(5), rec.Counter)
	assert.Equal(t, "east", rec.Site)
	assert.Equal(t, f.clk.Now(), rec.LastUpdated)

	restarted, err := New(Config{}, f.mgr, f.store, WithClock(f.clk), WithLogger(logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, restarted.Start(f.ctx))
	assert.Equal(t, int64(5), restarted.FPCounter(), "counter resumes from the persisted value")
}

func TestDependencyGroupFailureAndRecovery(t *testing.T) {
	f := newFixture(t, Config{
		CheckDependencyInterval: time.Second,
		MaxFPCUpdateInterval:    30 * time.Second,
		DependencyGroups:        [][]string{{"B", "C"}},
	})
	b := f.manager("B")
	c := f.manager("C")
	f.progress("B", "", f.clk.Now())
	f.progress("C", "", f.clk.Now())

	f.tick(1)
	assert.Equal(t, state.OpEnabled, f.state().Op)

	require.NoError(t, b.Lock(f.ctx))
	f.tick(1)
	assert.Equal(t, state.OpEnabled, f.state().Op, "one healthy member keeps the group healthy")

	require.NoError(t, c.DisableFailed(f.ctx))
	f.tick(1)
	assert.Equal(t, state.OpDisabled, f.state().Op)
	assert.Equal(t, state.AvailDependency, f.state().Avail)

	require.NoError(t, b.Unlock(f.ctx))
	f.tick(1)
	assert.Equal(t, state.OpEnabled, f.state().Op)
	assert.Equal(t, state.AvailNull, f.state().Avail)
}

func TestDependencyOnStaleOrMissingProgress(t *testing.T) {
	f := newFixture(t, Config{
		CheckDependencyInterval: time.Second,
		MaxFPCUpdateInterval:    10 * time.Second,
		DependencyGroups:        [][]string{{"B"}, {"C"}},
	})
	f.manager("B")
	f.manager("C")
	f.progress("B", "", f.clk.Now())

	f.tick(1)
	assert.Equal(t, state.AvailDependency, f.state().Avail, "C has no progress record")

	f.progress("C", "", f.clk.Now())
	f.tick(1)
	assert.Equal(t, state.OpEnabled, f.state().Op)

	f.tick(10)
	assert.Equal(t, state.AvailDependency, f.state().Avail, "both records went stale")
}

func TestSubsystemTestFailureForcesDependency(t *testing.T) {
	healthy := true
	f := newFixture(t, Config{CheckDependencyInterval: time.Second}, WithHooks(Hooks{
		SubsystemTest: func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("disk full")
		},
	}))

	f.tick(1)
	assert.Equal(t, state.OpEnabled, f.state().Op, "no groups and a passing self test")

	healthy = false
	f.tick(1)
	assert.Equal(t, state.AvailDependency, f.state().Avail)
	assert.Error(t, f.mon.EvaluateSanity(f.ctx))

	healthy = true
	f.tick(1)
	assert.Equal(t, state.OpEnabled, f.state().Op)
}

type fakePinger struct {
	mu    sync.Mutex
	fails map[string]error
	calls []string
}

func (p *fakePinger) Ping(ctx context.Context, resource string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, resource)
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("ping without deadline")
	}
	return p.fails[resource]
}

func TestRemoteHealthCheckUsesPinger(t *testing.T) {
	pinger := &fakePinger{fails: map[string]error{"B": errors.New("connection refused")}}
	f := newFixture(t, Config{
		CheckDependencyInterval: time.Second,
		DependencyGroups:        [][]string{{"B", "C"}},
		RemoteHealthCheck:       true,
	}, WithPeerPinger(pinger))
	f.progress("B", "", f.clk.Now())
	f.progress("C", "", f.clk.Now())

	f.tick(1)
	assert.Equal(t, state.OpEnabled, f.state().Op)
	assert.Equal(t, []string{"B", "C"}, pinger.calls)

	pinger.mu.Lock()
	pinger.fails["C"] = context.DeadlineExceeded
	pinger.mu.Unlock()
	f.tick(1)
	assert.Equal(t, state.AvailDependency, f.state().Avail, "transport errors count as failures")
}

func TestStateAuditDisablesStalePeers(t *testing.T) {
	f := newFixture(t, Config{
		Site:                 "east",
		StateAuditInterval:   time.Second,
		MaxFPCUpdateInterval: 10 * time.Second,
	})
	long := f.clk.Now().Add(-time.Minute)

	b := f.manager("B")
	require.NoError(t, b.Promote(f.ctx))
	f.progress("B", "east", long)

	f.manager("C")
	f.progress("C", "west", long)

	f.manager("D")
	f.progress("D", "east", f.clk.Now())

	require.NoError(t, f.store.UpsertNodeState(f.ctx, storage.NodeState{
		ResourceName: "E", Domain: domain,
		State: state.State{Admin: state.AdminUnlocked, Op: state.OpDisabled, Avail: state.AvailFailed, Standby: state.StandbyProvidingService},
	}))
	f.progress("E", "east", long)

	f.progress("F", "east", long)

	f.tick(1)

	sb, err := f.mgr.StateOf(f.ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, state.State{Admin: state.AdminUnlocked, Op: state.OpDisabled, Avail: state.AvailFailed, Standby: state.StandbyCold}, sb)

	sc, _ := f.mgr.StateOf(f.ctx, "C")
	assert.Equal(t, state.OpEnabled, sc.Op, "other sites are out of scope")

	sd, _ := f.mgr.StateOf(f.ctx, "D")
	assert.Equal(t, state.OpEnabled, sd.Op)

	se, _ := f.mgr.StateOf(f.ctx, "E")
	assert.Equal(t, state.StandbyCold, se.Standby)

	assert.Equal(t, state.OpEnabled, f.state().Op, "own record is never audited")
}

func TestRefreshStateAuditRenotifiesObservers(t *testing.T) {
	f := newFixture(t, Config{RefreshStateAuditInterval: 2 * time.Second})
	var fields []string
	f.mgr.AddObserver(statemgmt.ObserverFunc(func(_ *statemgmt.Manager, field string) {
		fields = append(fields, field)
	}))
	require.NoError(t, f.mgr.Lock(f.ctx))

	f.tick(4)
	assert.Equal(t, []string{statemgmt.FieldAdminState, statemgmt.FieldAdminState, statemgmt.FieldAdminState}, fields)
	assert.Equal(t, state.AdminLocked, f.state().Admin)
}

func TestPanickingCheckDoesNotStopCycle(t *testing.T) {
	f := newFixture(t, Config{TestTransInterval: time.Second, WriteFPCInterval: time.Second}, WithHooks(Hooks{
		TestTransaction: func(context.Context, *Monitor) error { panic("boom") },
	}))

	assert.NotPanics(t, func() { f.tick(2) })
	rec, _, err := f.store.FindProgress(f.ctx, domain, "A")
	require.NoError(t, err)
	assert.Equal(t, f.clk.Now(), rec.LastUpdated, "later checks still ran")
}

func TestStartTransaction(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := f.ctx

	assert.NoError(t, f.mon.StartTransaction(ctx))

	require.NoError(t, f.mgr.Lock(ctx))
	var ase *AdministrativeStateError
	assert.True(t, errors.As(f.mon.StartTransaction(ctx), &ase))
	require.NoError(t, f.mgr.Unlock(ctx))

	require.NoError(t, f.mgr.DisableFailed(ctx))
	var ose *OperationalStateError
	require.True(t, errors.As(f.mon.StartTransaction(ctx), &ose))
	assert.Equal(t, state.AvailFailed, ose.Avail)
	require.NoError(t, f.mgr.EnableNotFailed(ctx))

	require.NoError(t, f.mgr.Demote(ctx))
	var sse *StandbyStatusError
	require.True(t, errors.As(f.mon.StartTransaction(ctx), &sse))
	assert.Equal(t, state.StandbyHot, sse.Status)

	require.NoError(t, f.mgr.Promote(ctx))
	assert.NoError(t, f.mon.StartTransaction(ctx))
}

func TestRunStopsOnStop(t *testing.T) {
	f := newFixture(t, Config{TestTransInterval: time.Second})

	errc := make(chan error, 1)
	go func() { errc <- f.mon.Run(context.Background()) }()

	require.Eventually(t, func() bool { return f.mon.FPCounter() > 3 }, 2*time.Second, 5*time.Millisecond)
	f.mon.Stop()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	f.mon.Stop()
}
