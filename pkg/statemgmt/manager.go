// Package statemgmt owns a resource's persisted state. Every mutation goes
// through a named action: the current record is read, the transition table
// decides the next state, the record is written back and observers are
// notified, all inside one process-wide critical section.
package statemgmt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gointegrity/pkg/clock"
	"gointegrity/pkg/logging"
	"gointegrity/pkg/metrics"
	"gointegrity/pkg/state"
	"gointegrity/storage"
)

// Field names passed to observers.
const (
	FieldAdminState    = "adminState"
	FieldOpState       = "opState"
	FieldAvailStatus   = "availStatus"
	FieldStandbyStatus = "standbyStatus"
)

// ErrNotFound is returned by accessors when the resource has no record.
var ErrNotFound = errors.New("resource state not found")

// transitionMu serializes transitions of every Manager in the process.
var transitionMu sync.Mutex

// StateManagementError wraps a store failure during a transition. The store
// is left untouched when it is returned.
type StateManagementError struct {
	Resource string
	Action   state.Action
	Err      error
}

func (e *StateManagementError) Error() string {
	return fmt.Sprintf("state management %s on %s: %v", e.Action, e.Resource, e.Err)
}

func (e *StateManagementError) Unwrap() error { return e.Err }

// Observer receives a call after every transition of the resource it is
// registered on. It runs inside the critical section and must not block.
type Observer interface {
	StateChanged(m *Manager, field string)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(m *Manager, field string)

func (f ObserverFunc) StateChanged(m *Manager, field string) { f(m, field) }

// Config configures a Manager.
type Config struct {
	ResourceName string
	Domain       string
	Store        storage.StateStore
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Manager manages the state of one resource.
type Manager struct {
	resource string
	domain   string
	store    storage.StateStore
	clock    clock.Clock
	logger   *slog.Logger

	obsMu     sync.RWMutex
	observers []Observer
}

// New creates a Manager. It does not touch the store; call InitializeState
// once at process start.
func New(cfg Config) (*Manager, error) {
	if cfg.ResourceName == "" {
		return nil, errors.New("resource name is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("state store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Manager{
		resource: cfg.ResourceName,
		domain:   cfg.Domain,
		store:    cfg.Store,
		clock:    cfg.Clock,
		logger:   logging.OrDefault(cfg.Logger).With("component", "statemgmt", "resource", cfg.ResourceName),
	}, nil
}

// ResourceName returns the managed resource name.
func (m *Manager) ResourceName() string { return m.resource }

// Domain returns the domain the resource's records live in.
func (m *Manager) Domain() string { return m.domain }

// AddObserver registers o for notifications on this resource.
func (m *Manager) AddObserver(o Observer) {
	m.obsMu.Lock()
	m.observers = append(m.observers, o)
	m.obsMu.Unlock()
}

// InitializeState writes the start-of-life record: the administrative state
// survives a restart (unlocked for a new resource), everything else is reset
// to enabled with null availability and standby status.
func (m *Manager) InitializeState(ctx context.Context) (state.State, error) {
	transitionMu.Lock()
	defer transitionMu.Unlock()

	ns, err := m.store.UpdateNodeState(ctx, m.domain, m.resource, func(cur storage.NodeState, found bool) (storage.NodeState, error) {
		admin := state.AdminUnlocked
		if found && cur.State.Admin != "" {
			admin = cur.State.Admin
		}
		cur.State = state.State{Admin: admin, Op: state.OpEnabled}
		cur.LastUpdated = m.clock.Now()
		return cur, nil
	})
	if err != nil {
		return state.State{}, &StateManagementError{Resource: m.resource, Action: "initialize", Err: err}
	}
	m.logger.Info("state initialized", "state", ns.State.String())
	return ns.State, nil
}

// Lock sets the administrative state to locked.
func (m *Manager) Lock(ctx context.Context) error {
	return m.apply(ctx, state.ActionLock, FieldAdminState)
}

// Unlock sets the administrative state to unlocked.
func (m *Manager) Unlock(ctx context.Context) error {
	return m.apply(ctx, state.ActionUnlock, FieldAdminState)
}

// DisableFailed disables the resource with the failed availability bit.
func (m *Manager) DisableFailed(ctx context.Context) error {
	return m.apply(ctx, state.ActionDisableFailed, FieldOpState)
}

// EnableNotFailed clears the failed bit, enabling the resource when no
// dependency failure remains.
func (m *Manager) EnableNotFailed(ctx context.Context) error {
	return m.apply(ctx, state.ActionEnableNotFailed, FieldOpState)
}

// DisableDependency disables the resource with the dependency bit.
func (m *Manager) DisableDependency(ctx context.Context) error {
	return m.apply(ctx, state.ActionDisableDependency, FieldOpState)
}

// EnableNoDependency clears the dependency bit, enabling the resource when
// it has not also failed.
func (m *Manager) EnableNoDependency(ctx context.Context) error {
	return m.apply(ctx, state.ActionEnableNoDependency, FieldOpState)
}

// Promote moves the resource to providingservice. When the resource is
// locked or disabled the state is still normalized and persisted, and a
// *state.StandbyStatusError is returned.
func (m *Manager) Promote(ctx context.Context) error {
	return m.apply(ctx, state.ActionPromote, FieldStandbyStatus)
}

// Demote moves the resource to hotstandby, or coldstandby if it cannot serve.
func (m *Manager) Demote(ctx context.Context) error {
	return m.apply(ctx, state.ActionDemote, FieldStandbyStatus)
}

// Apply runs a named action. It is what operator commands call.
func (m *Manager) Apply(ctx context.Context, action state.Action) error {
	out, err := m.ApplyOutcome(ctx, action)
	if err != nil {
		return err
	}
	return out.Err
}

// ApplyOutcome runs a named action and returns the committed state along
// with any refusal in Outcome.Err. The error return is set only when
// nothing was committed.
func (m *Manager) ApplyOutcome(ctx context.Context, action state.Action) (state.Outcome, error) {
	switch action {
	case state.ActionLock, state.ActionUnlock:
		return m.applyOutcome(ctx, action, FieldAdminState)
	case state.ActionPromote, state.ActionDemote:
		return m.applyOutcome(ctx, action, FieldStandbyStatus)
	default:
		return m.applyOutcome(ctx, action, FieldOpState)
	}
}

// DisableFailedOther disables a peer that cannot update its own record.
// Observers are not notified; this is not a transition of this resource.
func (m *Manager) DisableFailedOther(ctx context.Context, resource string) error {
	_, err := m.transition(ctx, resource, state.ActionDisableFailed)
	return err
}

// DemoteOther demotes a peer that cannot update its own record.
func (m *Manager) DemoteOther(ctx context.Context, resource string) error {
	_, err := m.transition(ctx, resource, state.ActionDemote)
	return err
}

func (m *Manager) apply(ctx context.Context, action state.Action, field string) error {
	out, err := m.applyOutcome(ctx, action, field)
	if err != nil {
		return err
	}
	return out.Err
}

func (m *Manager) applyOutcome(ctx context.Context, action state.Action, field string) (state.Outcome, error) {
	transitionMu.Lock()
	defer transitionMu.Unlock()

	out, err := m.transitionLocked(ctx, m.resource, action)
	if err != nil {
		return out, err
	}

	m.obsMu.RLock()
	observers := append([]Observer(nil), m.observers...)
	m.obsMu.RUnlock()
	for _, o := range observers {
		o.StateChanged(m, field)
	}
	return out, nil
}

func (m *Manager) transition(ctx context.Context, resource string, action state.Action) (state.Outcome, error) {
	transitionMu.Lock()
	defer transitionMu.Unlock()
	out, err := m.transitionLocked(ctx, resource, action)
	if err != nil {
		return out, err
	}
	return out, out.Err
}

// transitionLocked reads, transitions and writes resource's record in one
// store transaction. The caller holds transitionMu.
func (m *Manager) transitionLocked(ctx context.Context, resource string, action state.Action) (state.Outcome, error) {
	var out state.Outcome
	var from state.State
	_, err := m.store.UpdateNodeState(ctx, m.domain, resource, func(cur storage.NodeState, found bool) (storage.NodeState, error) {
		if !found {
			return cur, fmt.Errorf("%s/%s: %w", m.domain, resource, ErrNotFound)
		}
		from = cur.State
		next, err := state.Next(cur.State, action)
		if err != nil {
			return cur, err
		}
		out = next
		cur.State = next.State
		cur.LastUpdated = m.clock.Now()
		return cur, nil
	})
	if err != nil {
		metrics.StateTransitions.WithLabelValues(string(action), "error").Inc()
		m.logger.Error("state transition failed", "target", resource, "action", action, "error", err)
		if errors.Is(err, state.ErrStateTransition) {
			return state.Outcome{}, err
		}
		return state.Outcome{}, &StateManagementError{Resource: resource, Action: action, Err: err}
	}

	result := "ok"
	if out.Err != nil {
		result = "refused"
	}
	metrics.StateTransitions.WithLabelValues(string(action), result).Inc()
	if from != out.State {
		m.logger.Info("state transition", "target", resource, "action", action, "from", from.String(), "to", out.State.String())
	}
	return out, nil
}

// CurrentState re-reads the resource's record from the store.
func (m *Manager) CurrentState(ctx context.Context) (state.State, error) {
	return m.StateOf(ctx, m.resource)
}

// StateOf reads any resource's record in this Manager's domain.
func (m *Manager) StateOf(ctx context.Context, resource string) (state.State, error) {
	ns, found, err := m.store.FindNodeState(ctx, m.domain, resource)
	if err != nil {
		return state.State{}, &StateManagementError{Resource: resource, Action: "read", Err: err}
	}
	if !found {
		return state.State{}, fmt.Errorf("%s/%s: %w", m.domain, resource, ErrNotFound)
	}
	return ns.State, nil
}

// LastUpdated returns when the resource's record was last written.
func (m *Manager) LastUpdated(ctx context.Context) (time.Time, error) {
	ns, found, err := m.store.FindNodeState(ctx, m.domain, m.resource)
	if err != nil {
		return time.Time{}, err
	}
	if !found {
		return time.Time{}, ErrNotFound
	}
	return ns.LastUpdated, nil
}

func (m *Manager) AdminState(ctx context.Context) (state.AdminState, error) {
	s, err := m.CurrentState(ctx)
	return s.Admin, err
}

func (m *Manager) OpState(ctx context.Context) (state.OpState, error) {
	s, err := m.CurrentState(ctx)
	return s.Op, err
}

func (m *Manager) AvailStatus(ctx context.Context) (state.AvailStatus, error) {
	s, err := m.CurrentState(ctx)
	return s.Avail, err
}

func (m *Manager) StandbyStatus(ctx context.Context) (state.StandbyStatus, error) {
	s, err := m.CurrentState(ctx)
	return s.Standby, err
}
