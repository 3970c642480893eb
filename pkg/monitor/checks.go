package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gointegrity/pkg/metrics"
	"gointegrity/pkg/state"
	"gointegrity/pkg/statemgmt"
)

// check is one periodic sub-check with its own elapsed-time accumulator.
type check struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error

	elapsed time.Duration // guarded by Monitor.cycleMu
	mu      sync.Mutex
}

// due adds delta to the accumulator and reports whether the check should
// run now, resetting the accumulator if so.
func (c *check) due(delta time.Duration) bool {
	if c.interval <= 0 {
		return false
	}
	c.elapsed += delta
	if c.elapsed < c.interval {
		return false
	}
	c.elapsed = 0
	return true
}

// runCheck runs c unless a previous run of it is still in progress. Errors
// and panics are logged and counted; they never reach the cycle loop.
func (m *Monitor) runCheck(ctx context.Context, c *check) {
	if !c.mu.TryLock() {
		m.logger.Debug("check still running, skipping", "check", c.name)
		return
	}
	defer c.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			metrics.CheckErrors.WithLabelValues(c.name).Inc()
			m.logger.Error("check panicked", "check", c.name, "panic", r)
		}
	}()
	if err := c.run(ctx); err != nil {
		metrics.CheckErrors.WithLabelValues(c.name).Inc()
		m.logger.Error("check failed", "check", c.name, "error", err)
	}
}

// checkForwardProgress disables the resource after FailedCounterThreshold
// consecutive checks without progress and re-enables it once progress
// resumes.
func (m *Monitor) checkForwardProgress(ctx context.Context) error {
	cur := m.FPCounter()
	if cur == m.lastFPC {
		m.missed++
	} else {
		m.missed = 0
	}
	m.lastFPC = cur
	metrics.ForwardProgress.Set(float64(cur))
	metrics.MissedProgressCycles.Set(float64(m.missed))

	switch {
	case m.missed >= m.cfg.FailedCounterThreshold && !m.fpcAlarm:
		m.logger.Warn("forward progress stalled", "counter", cur, "missed", m.missed)
		if err := m.mgr.DisableFailed(ctx); err != nil {
			return fmt.Errorf("disable after lost progress: %w", err)
		}
		m.fpcAlarm = true
	case m.missed == 0:
		// The failed bit may have been set by a peer, so recovery keys off
		// the persisted status rather than our own alarm.
		avail, err := m.mgr.AvailStatus(ctx)
		if err != nil {
			return fmt.Errorf("read availability status: %w", err)
		}
		if avail.HasFailed() {
			m.logger.Info("forward progress resumed", "counter", cur, "peer_disabled", !m.fpcAlarm)
			if err := m.mgr.EnableNotFailed(ctx); err != nil {
				return fmt.Errorf("enable after resumed progress: %w", err)
			}
		}
		m.fpcAlarm = false
	}
	return nil
}

func (m *Monitor) testTransaction(ctx context.Context) error {
	return m.hooks.TestTransaction(ctx, m)
}

func (m *Monitor) writeFPC(ctx context.Context) error {
	return m.persistProgress(ctx)
}

// checkDependencies sets the dependency bit when the subsystem test fails
// or any group has no healthy member, and clears it once every group has
// one. Transitions happen only when the bit actually changes.
func (m *Monitor) checkDependencies(ctx context.Context) error {
	var failure string
	if err := m.hooks.SubsystemTest(ctx); err != nil {
		metrics.DependencyFailures.WithLabelValues("self_test").Inc()
		failure = "subsystem test failed: " + err.Error()
	} else {
		for _, group := range m.cfg.DependencyGroups {
			if !m.groupHealthy(ctx, group) {
				metrics.DependencyFailures.WithLabelValues("group").Inc()
				failure = "no healthy member in dependency group " + strings.Join(group, ",")
				break
			}
		}
	}

	avail, err := m.mgr.AvailStatus(ctx)
	if err != nil {
		return fmt.Errorf("read availability status: %w", err)
	}
	if failure != "" {
		if avail.HasDependency() {
			return nil
		}
		m.logger.Warn("dependency check failed", "reason", failure)
		return m.mgr.DisableDependency(ctx)
	}
	if avail.HasDependency() {
		m.logger.Info("dependencies healthy again")
		return m.mgr.EnableNoDependency(ctx)
	}
	return nil
}

func (m *Monitor) groupHealthy(ctx context.Context, group []string) bool {
	for _, member := range group {
		err := m.checkMember(ctx, member)
		if err == nil {
			return true
		}
		m.logger.Debug("dependency member unhealthy", "member", member, "error", err)
	}
	return false
}

// checkMember tests one dependency: its progress record must be fresh,
// then either its remote self-test must pass or its persisted state must
// be unlocked, enabled and not cold standby.
func (m *Monitor) checkMember(ctx context.Context, member string) error {
	rec, found, err := m.store.FindProgress(ctx, m.cfg.Domain, member)
	if err != nil {
		return fmt.Errorf("read progress: %w", err)
	}
	if !found {
		return errors.New("no progress record")
	}
	if maxAge := m.cfg.MaxFPCUpdateInterval; maxAge > 0 {
		if age := m.clock.Now().Sub(rec.LastUpdated); age > maxAge {
			return fmt.Errorf("progress stale for %s", age.Truncate(time.Second))
		}
	}

	if m.cfg.RemoteHealthCheck && m.pinger != nil {
		pctx, cancel := context.WithTimeout(ctx, m.cfg.PeerTimeout)
		defer cancel()
		if err := m.pinger.Ping(pctx, member); err != nil {
			return fmt.Errorf("remote self test: %w", err)
		}
		return nil
	}

	s, err := m.mgr.StateOf(ctx, member)
	if err != nil {
		return err
	}
	switch {
	case s.Admin == state.AdminLocked:
		return errors.New("locked")
	case s.Op == state.OpDisabled:
		return fmt.Errorf("disabled (%s)", s.Avail)
	case s.Standby == state.StandbyCold:
		return errors.New("cold standby")
	}
	return nil
}

// refreshStateAudit re-applies the current administrative state so
// observers are notified again.
func (m *Monitor) refreshStateAudit(ctx context.Context) error {
	admin, err := m.mgr.AdminState(ctx)
	if err != nil {
		return fmt.Errorf("read administrative state: %w", err)
	}
	if admin == state.AdminLocked {
		return m.mgr.Lock(ctx)
	}
	return m.mgr.Unlock(ctx)
}

// stateAudit disables peers in the same site whose progress record has gone
// stale: an enabled peer is disabled as failed, a disabled peer still
// providing service is demoted.
func (m *Monitor) stateAudit(ctx context.Context) error {
	maxAge := m.cfg.MaxFPCUpdateInterval
	if maxAge <= 0 {
		return nil
	}
	recs, err := m.store.ListProgress(ctx, m.cfg.Domain)
	if err != nil {
		return fmt.Errorf("list progress: %w", err)
	}
	now := m.clock.Now()
	var errs []error
	for _, rec := range recs {
		if rec.ResourceName == m.cfg.ResourceName || rec.Site != m.cfg.Site {
			continue
		}
		if now.Sub(rec.LastUpdated) <= maxAge {
			continue
		}
		s, err := m.mgr.StateOf(ctx, rec.ResourceName)
		if errors.Is(err, statemgmt.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch {
		case s.Op == state.OpEnabled:
			m.logger.Warn("disabling peer with stale progress", "peer", rec.ResourceName, "last_updated", rec.LastUpdated)
			if err := m.mgr.DisableFailedOther(ctx, rec.ResourceName); err != nil {
				errs = append(errs, err)
				continue
			}
			metrics.PeersDisabled.Inc()
		case s.Standby == state.StandbyProvidingService:
			m.logger.Warn("demoting disabled peer still providing service", "peer", rec.ResourceName)
			if err := m.mgr.DemoteOther(ctx, rec.ResourceName); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
