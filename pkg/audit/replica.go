package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gointegrity/pkg/clock"
	"gointegrity/pkg/cluster"
	"gointegrity/pkg/logging"
	"gointegrity/pkg/metrics"
	"gointegrity/storage"
)

var tracer = otel.Tracer("gointegrity.audit")

// ErrAuditImpossible is returned when the domain has fewer than two
// registered resources, so there is nothing to compare against.
var ErrAuditImpossible = errors.New("replica audit impossible")

// PeerFetcher reads audited entities from a peer's store. A nil keys slice
// fetches the whole class.
type PeerFetcher interface {
	FetchEntities(ctx context.Context, address, class string, keys []string) (map[string][]byte, error)
}

// AuditorConfig configures an Auditor.
type AuditorConfig struct {
	Local        storage.EntityStore
	Designations storage.DesignationStore
	Peers        PeerFetcher
	Clock        clock.Clock
	Logger       *slog.Logger

	// TimeCheckRecords is how many records are compared between two
	// "still alive" touches of the auditor's designation record.
	TimeCheckRecords int
	// TimeCheckSleep pauses the first pass at every time check.
	TimeCheckSleep time.Duration
	// TouchInterval is the longest the designation record goes untouched
	// across peer fetches, whether or not they return records.
	TouchInterval time.Duration
	// Verbose logs a per-record diff for every confirmed mismatch.
	Verbose bool
}

// Auditor compares the audited entities of this resource with those of
// every peer in the domain.
type Auditor struct {
	cfg    AuditorConfig
	logger *slog.Logger
}

// Mismatch is one record found to differ in both passes.
type Mismatch struct {
	Class string `json:"class" yaml:"class"`
	Key   string `json:"key" yaml:"key"`
	Peer  string `json:"peer" yaml:"peer"`
	// LocalMissing and PeerMissing flag a record present on one side only.
	LocalMissing bool   `json:"localMissing,omitempty" yaml:"localMissing,omitempty"`
	PeerMissing  bool   `json:"peerMissing,omitempty" yaml:"peerMissing,omitempty"`
	Local        []byte `json:"-" yaml:"-"`
	Remote       []byte `json:"-" yaml:"-"`
}

// Report is the outcome of one audit run.
type Report struct {
	RunID      string        `json:"runId" yaml:"runId"`
	Resource   string        `json:"resource" yaml:"resource"`
	Domain     string        `json:"domain" yaml:"domain"`
	Started    time.Time     `json:"started" yaml:"started"`
	Finished   time.Time     `json:"finished" yaml:"finished"`
	Peers      int           `json:"peers" yaml:"peers"`
	Classes    int           `json:"classes" yaml:"classes"`
	Compared   int           `json:"compared" yaml:"compared"`
	Suspects   int           `json:"suspects" yaml:"suspects"`
	Mismatches []Mismatch    `json:"mismatches" yaml:"mismatches"`
	PeerErrors []string      `json:"peerErrors,omitempty" yaml:"peerErrors,omitempty"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
}

// NewAuditor validates cfg and returns an Auditor.
func NewAuditor(cfg AuditorConfig) (*Auditor, error) {
	if cfg.Local == nil || cfg.Designations == nil || cfg.Peers == nil {
		return nil, errors.New("auditor: local store, designation store and peer fetcher are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.TimeCheckRecords <= 0 {
		cfg.TimeCheckRecords = 100
	}
	if cfg.TouchInterval <= 0 {
		cfg.TouchInterval = 5 * time.Second
	}
	return &Auditor{
		cfg:    cfg,
		logger: logging.OrDefault(cfg.Logger).With("component", "replica_auditor"),
	}, nil
}

// suspects maps class to peer to keys that differed in the first pass.
type suspects map[string]map[string]map[string]struct{}

func (s suspects) add(class, peer, key string) {
	byPeer, ok := s[class]
	if !ok {
		byPeer = make(map[string]map[string]struct{})
		s[class] = byPeer
	}
	keys, ok := byPeer[peer]
	if !ok {
		keys = make(map[string]struct{})
		byPeer[peer] = keys
	}
	keys[key] = struct{}{}
}

// run carries the state of one Audit call.
type run struct {
	self      string
	domain    string
	report    *Report
	compared  int
	lastTouch time.Time
}

// Audit compares every tracked class between this resource and each peer
// registered in domain. Only mismatches seen in both passes are reported.
// Peer errors are logged and recorded in the report; they do not abort the
// audit.
func (a *Auditor) Audit(ctx context.Context, self, domain string) (*Report, error) {
	started := a.cfg.Clock.Now()
	ctx, span := tracer.Start(ctx, "audit.Replica",
		trace.WithAttributes(
			attribute.String("audit.resource", self),
			attribute.String("audit.domain", domain),
		))
	defer span.End()

	recs, err := a.cfg.Designations.ListDesignation(ctx, domain)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.AuditsRun.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("list designation records: %w", err)
	}
	if len(recs) <= 1 {
		err := fmt.Errorf("%w: %d resource(s) registered in domain %s", ErrAuditImpossible, len(recs), domain)
		span.SetStatus(codes.Error, err.Error())
		metrics.AuditsRun.WithLabelValues("impossible").Inc()
		return nil, err
	}
	classes, err := a.cfg.Local.ListTrackedClasses(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.AuditsRun.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("list tracked classes: %w", err)
	}

	var peers []cluster.Member
	for _, rec := range recs {
		if rec.ResourceName != self {
			peers = append(peers, cluster.MemberFromDesignation(rec))
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })

	r := &run{
		self:      self,
		domain:    domain,
		lastTouch: started,
		report: &Report{
			RunID:      uuid.NewString(),
			Resource:   self,
			Domain:     domain,
			Started:    started,
			Peers:      len(peers),
			Classes:    len(classes),
			Mismatches: []Mismatch{},
		},
	}
	logger := a.logger.With("run_id", r.report.RunID, "resource", self, "domain", domain)
	logger.Info("replica audit started", "peers", len(peers), "classes", len(classes))

	sus := a.firstPass(ctx, r, logger, classes, peers)
	a.secondPass(ctx, r, logger, sus, peers)

	r.report.Compared = r.compared
	r.report.Finished = a.cfg.Clock.Now()
	r.report.Duration = r.report.Finished.Sub(started)
	metrics.AuditDuration.Observe(r.report.Duration.Seconds())

	result := "ok"
	if len(r.report.Mismatches) > 0 {
		result = "mismatch"
	}
	metrics.AuditsRun.WithLabelValues(result).Inc()
	span.SetAttributes(
		attribute.Int("audit.compared", r.report.Compared),
		attribute.Int("audit.suspects", r.report.Suspects),
		attribute.Int("audit.mismatches", len(r.report.Mismatches)),
	)
	span.SetStatus(codes.Ok, "")
	logger.Info("replica audit finished",
		"compared", r.report.Compared,
		"suspects", r.report.Suspects,
		"mismatches", len(r.report.Mismatches),
		"peer_errors", len(r.report.PeerErrors),
		"duration", r.report.Duration)
	return r.report, nil
}

func (a *Auditor) firstPass(ctx context.Context, r *run, logger *slog.Logger, classes []string, peers []cluster.Member) suspects {
	ctx, span := tracer.Start(ctx, "audit.pass1")
	defer span.End()

	sus := make(suspects)
	for _, class := range classes {
		if ctx.Err() != nil {
			break
		}
		local, err := a.cfg.Local.FindAuditedEntities(ctx, class)
		if err != nil {
			a.peerError(r, logger, "local", class, err)
			continue
		}
		for _, peer := range peers {
			remote, err := a.cfg.Peers.FetchEntities(ctx, peer.Address, class, nil)
			a.touchIfDue(ctx, r, logger)
			if err != nil {
				a.peerError(r, logger, peer.ID, class, err)
				continue
			}
			for _, key := range unionKeys(local, remote) {
				if !sameRecord(local, remote, key) {
					sus.add(class, peer.ID, key)
				}
				a.timeCheck(ctx, r, logger)
			}
		}
	}
	for _, byPeer := range sus {
		for _, keys := range byPeer {
			r.report.Suspects += len(keys)
		}
	}
	span.SetAttributes(attribute.Int("audit.suspects", r.report.Suspects))
	return sus
}

func (a *Auditor) secondPass(ctx context.Context, r *run, logger *slog.Logger, sus suspects, peers []cluster.Member) {
	if len(sus) == 0 {
		return
	}
	ctx, span := tracer.Start(ctx, "audit.pass2")
	defer span.End()

	addresses := make(map[string]string, len(peers))
	for _, p := range peers {
		addresses[p.ID] = p.Address
	}

	for _, class := range sortedKeys(sus) {
		byPeer := sus[class]
		for _, peer := range sortedKeys(byPeer) {
			if ctx.Err() != nil {
				return
			}
			keys := sortedKeys(byPeer[peer])
			local, err := a.cfg.Local.FindAuditedEntitiesByKeys(ctx, class, keys)
			if err != nil {
				a.peerError(r, logger, "local", class, err)
				continue
			}
			remote, err := a.cfg.Peers.FetchEntities(ctx, addresses[peer], class, keys)
			a.touchIfDue(ctx, r, logger)
			if err != nil {
				a.peerError(r, logger, peer, class, err)
				continue
			}

			var confirmed []string
			for _, key := range keys {
				if sameRecord(local, remote, key) {
					continue
				}
				lv, lok := local[key]
				rv, rok := remote[key]
				r.report.Mismatches = append(r.report.Mismatches, Mismatch{
					Class: class, Key: key, Peer: peer,
					LocalMissing: !lok, PeerMissing: !rok,
					Local: lv, Remote: rv,
				})
				confirmed = append(confirmed, key)
				if a.cfg.Verbose {
					logger.Error("replica record differs", "class", class, "peer", peer, "key", key,
						"diff", recordDiff(r.self, peer, lv, rv))
				}
			}
			if len(confirmed) > 0 {
				metrics.AuditMismatches.WithLabelValues(class, peer).Add(float64(len(confirmed)))
				logger.Error("replica mismatch", "class", class, "peer", peer, "count", len(confirmed), "keys", confirmed)
			}
		}
	}
	span.SetAttributes(attribute.Int("audit.mismatches", len(r.report.Mismatches)))
}

// timeCheck touches the auditor's designation record every
// TimeCheckRecords comparisons so peers do not see it as stale, and
// optionally yields for TimeCheckSleep.
func (a *Auditor) timeCheck(ctx context.Context, r *run, logger *slog.Logger) {
	r.compared++
	if r.compared%a.cfg.TimeCheckRecords != 0 {
		return
	}
	a.touch(ctx, r, logger)
	if a.cfg.TimeCheckSleep > 0 {
		_ = a.cfg.Clock.Sleep(ctx, a.cfg.TimeCheckSleep)
	}
}

// touchIfDue touches the designation record when TouchInterval has passed
// since the last touch. Slow or failing peer fetches compare nothing, so
// the record count alone cannot keep it fresh.
func (a *Auditor) touchIfDue(ctx context.Context, r *run, logger *slog.Logger) {
	if a.cfg.Clock.Now().Sub(r.lastTouch) >= a.cfg.TouchInterval {
		a.touch(ctx, r, logger)
	}
}

func (a *Auditor) touch(ctx context.Context, r *run, logger *slog.Logger) {
	now := a.cfg.Clock.Now()
	if err := a.cfg.Designations.TouchDesignation(ctx, r.domain, r.self, now); err != nil {
		logger.Warn("touch designation during audit", "error", err)
		return
	}
	r.lastTouch = now
}

func (a *Auditor) peerError(r *run, logger *slog.Logger, peer, class string, err error) {
	r.report.PeerErrors = append(r.report.PeerErrors, fmt.Sprintf("%s/%s: %v", peer, class, err))
	logger.Warn("audit fetch failed", "peer", peer, "class", class, "error", err)
}

func sameRecord(local, remote map[string][]byte, key string) bool {
	lv, lok := local[key]
	rv, rok := remote[key]
	return lok == rok && bytes.Equal(lv, rv)
}

func unionKeys(a, b map[string][]byte) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	return sortedKeys(seen)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// recordDiff renders a unified diff of two serialized records, indenting
// JSON first so single-line documents diff field by field.
func recordDiff(self, peer string, local, remote []byte) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(pretty(local)),
		B:        difflib.SplitLines(pretty(remote)),
		FromFile: self,
		ToFile:   peer,
		Context:  1,
	})
	if err != nil {
		return err.Error()
	}
	return diff
}

func pretty(b []byte) string {
	if b == nil {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, b, "", "  "); err != nil {
		return string(b) + "\n"
	}
	buf.WriteByte('\n')
	return buf.String()
}
