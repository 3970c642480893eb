// Package audit rotates the replica-audit designation among the resources of
// a domain and runs the replica audit on whichever resource holds it.
//
// There is no coordinator. Every resource reads the same designation records,
// orders them by name and applies the same rule to decide whose turn it is;
// the store's exclusive flip settles any race.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gointegrity/pkg/clock"
	"gointegrity/pkg/cluster"
	"gointegrity/pkg/logging"
	"gointegrity/pkg/metrics"
	"gointegrity/storage"
)

// designateMu serializes designation flips within the process.
var designateMu sync.Mutex

// Runner runs a replica audit on behalf of a designated resource.
type Runner interface {
	Audit(ctx context.Context, self, domain string) (*Report, error)
}

// DesignatorConfig configures a Designator.
type DesignatorConfig struct {
	ResourceName string
	Domain       string
	NodeType     string
	Site         string
	// Address is where peers reach this resource's store.
	Address string

	// CompletionInterval is how long a designation record may go without
	// an update before it is stale.
	CompletionInterval time.Duration
	// SleepInterval is the wait between cycles while it is not our turn.
	SleepInterval time.Duration
	// TouchInterval is the wait between updates of our record while we
	// hold a completed designation.
	TouchInterval time.Duration
	// ErrorBackoff is the wait after a store error.
	ErrorBackoff time.Duration

	Store  storage.DesignationStore
	Runner Runner
	Clock  clock.Clock
	Logger *slog.Logger
}

// Designator is the designation loop of one resource.
type Designator struct {
	cfg    DesignatorConfig
	logger *slog.Logger

	mu          sync.Mutex
	role        cluster.Role
	completed   bool
	completedAt time.Time
	lastReport  *Report
}

// NewDesignator validates cfg and fills in defaults.
func NewDesignator(cfg DesignatorConfig) (*Designator, error) {
	if cfg.ResourceName == "" || cfg.Domain == "" {
		return nil, errors.New("designator: resource name and domain are required")
	}
	if cfg.Store == nil || cfg.Runner == nil {
		return nil, errors.New("designator: store and runner are required")
	}
	if cfg.CompletionInterval <= 0 {
		cfg.CompletionInterval = 30 * time.Second
	}
	if cfg.SleepInterval <= 0 {
		cfg.SleepInterval = 5 * time.Second
	}
	if cfg.TouchInterval <= 0 {
		cfg.TouchInterval = 5 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Designator{
		cfg:    cfg,
		logger: logging.OrDefault(cfg.Logger).With("component", "designator", "resource", cfg.ResourceName, "domain", cfg.Domain),
		role:   cluster.RoleWaiting,
	}, nil
}

// Register creates this resource's designation record, or refreshes its
// metadata after a restart. A restarted resource never resumes a
// designation it held before.
func (d *Designator) Register(ctx context.Context) error {
	now := d.cfg.Clock.Now()
	err := d.cfg.Store.UpsertDesignation(ctx, storage.DesignationRecord{
		ResourceName: d.cfg.ResourceName,
		Domain:       d.cfg.Domain,
		NodeType:     d.cfg.NodeType,
		Site:         d.cfg.Site,
		Address:      d.cfg.Address,
		LastUpdated:  now,
	})
	if err != nil {
		return fmt.Errorf("register designation record: %w", err)
	}
	d.logger.Info("registered for audit designation", "address", d.cfg.Address)
	return nil
}

// Role reports whether this resource currently holds the designation.
func (d *Designator) Role() cluster.Role {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.role
}

// LastReport returns the report of the most recent audit this resource ran.
func (d *Designator) LastReport() *Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastReport
}

// Run registers and then cycles until ctx is done. Store errors are logged
// and retried after ErrorBackoff.
func (d *Designator) Run(ctx context.Context) error {
	for {
		err := d.Register(ctx)
		if err == nil {
			break
		}
		d.logger.Error("designation registration failed", "error", err)
		if d.cfg.Clock.Sleep(ctx, d.cfg.ErrorBackoff) != nil {
			return nil
		}
	}
	for {
		wait, err := d.Cycle(ctx)
		if err != nil {
			d.logger.Error("designation cycle failed", "error", err)
		}
		if d.cfg.Clock.Sleep(ctx, wait) != nil {
			d.logger.Info("designator stopped")
			return nil
		}
	}
}

// Cycle runs one iteration of the designation protocol and returns how
// long to wait before the next one.
//
// While waiting, the resource keeps its own record fresh and checks whether
// it is the next candidate; if so it takes the designation, runs the audit
// and enters the hold phase. During the hold phase it touches its record
// every TouchInterval until twice CompletionInterval has passed since the
// audit finished. It then releases: it stops touching the record, which
// goes stale so the next resource in order takes over.
func (d *Designator) Cycle(ctx context.Context) (time.Duration, error) {
	d.mu.Lock()
	completed, completedAt := d.completed, d.completedAt
	d.mu.Unlock()

	now := d.cfg.Clock.Now()
	if completed {
		if now.Sub(completedAt) >= 2*d.cfg.CompletionInterval {
			d.release()
			return d.cfg.SleepInterval, nil
		}
		if err := d.cfg.Store.TouchDesignation(ctx, d.cfg.Domain, d.cfg.ResourceName, now); err != nil {
			return d.cfg.ErrorBackoff, fmt.Errorf("touch designation: %w", err)
		}
		return d.cfg.TouchInterval, nil
	}

	recs, err := d.cfg.Store.ListDesignation(ctx, d.cfg.Domain)
	if err != nil {
		return d.cfg.ErrorBackoff, fmt.Errorf("list designation records: %w", err)
	}

	own := -1
	for i := range recs {
		if recs[i].ResourceName == d.cfg.ResourceName {
			own = i
			break
		}
	}
	switch {
	case own < 0:
		if err := d.Register(ctx); err != nil {
			return d.cfg.ErrorBackoff, err
		}
		recs = append(recs, storage.DesignationRecord{ResourceName: d.cfg.ResourceName, Domain: d.cfg.Domain, LastUpdated: now})
	case !recs[own].Designated:
		// A released designation is left to go stale; anything else is
		// kept fresh so peers count us as a candidate.
		if err := d.cfg.Store.TouchDesignation(ctx, d.cfg.Domain, d.cfg.ResourceName, now); err != nil {
			return d.cfg.ErrorBackoff, fmt.Errorf("touch designation: %w", err)
		}
		recs[own].LastUpdated = now
	}

	roster := cluster.RosterFromDesignations(recs, now, d.cfg.CompletionInterval)
	if cur, n, ok := roster.Designated(); ok && n > 1 {
		d.logger.Warn("multiple resources designated", "count", n, "using", cur.ID)
	}
	candidate, ok := roster.NextCandidate(d.cfg.ResourceName)
	if !ok || candidate != d.cfg.ResourceName {
		d.setRole(cluster.RoleWaiting)
		return d.cfg.SleepInterval, nil
	}

	if err := d.designate(ctx, roster); err != nil {
		return d.cfg.ErrorBackoff, err
	}
	d.runAudit(ctx)
	return d.cfg.TouchInterval, nil
}

func (d *Designator) designate(ctx context.Context, roster *cluster.Roster) error {
	ctx, span := tracer.Start(ctx, "audit.Designate",
		trace.WithAttributes(
			attribute.String("audit.resource", d.cfg.ResourceName),
			attribute.Int("audit.roster_size", roster.Len()),
		))
	defer span.End()

	prev, _, hadPrev := roster.Designated()

	designateMu.Lock()
	err := d.cfg.Store.SetDesignatedExclusive(ctx, d.cfg.Domain, d.cfg.ResourceName, d.cfg.Clock.Now())
	designateMu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("set designation: %w", err)
	}

	d.setRole(cluster.RoleDesignated)
	if hadPrev && prev.ID != d.cfg.ResourceName {
		d.logger.Info("took over stale audit designation", "previous", prev.ID, "previous_last_seen", prev.LastSeen)
	} else {
		d.logger.Info("designated for replica audit")
	}
	return nil
}

// runAudit runs the audit and enters the hold phase whatever its outcome,
// so a failing audit is not retried in a tight loop.
func (d *Designator) runAudit(ctx context.Context) {
	report, err := d.cfg.Runner.Audit(ctx, d.cfg.ResourceName, d.cfg.Domain)
	switch {
	case errors.Is(err, ErrAuditImpossible):
		d.logger.Warn("replica audit skipped", "error", err)
	case err != nil:
		d.logger.Error("replica audit failed", "error", err)
	}

	now := d.cfg.Clock.Now()
	if terr := d.cfg.Store.TouchDesignation(ctx, d.cfg.Domain, d.cfg.ResourceName, now); terr != nil {
		d.logger.Warn("touch designation after audit", "error", terr)
	}

	d.mu.Lock()
	d.completed = true
	d.completedAt = now
	if report != nil {
		d.lastReport = report
	}
	d.mu.Unlock()
}

func (d *Designator) release() {
	d.mu.Lock()
	d.completed = false
	d.role = cluster.RoleWaiting
	d.mu.Unlock()
	metrics.Designated.Set(0)
	d.logger.Info("releasing audit designation")
}

func (d *Designator) setRole(r cluster.Role) {
	d.mu.Lock()
	d.role = r
	d.mu.Unlock()
	if r == cluster.RoleDesignated {
		metrics.Designated.Set(1)
	} else {
		metrics.Designated.Set(0)
	}
}
