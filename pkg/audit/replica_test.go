package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gointegrity/pkg/clock"
	"gointegrity/pkg/logging"
	"gointegrity/storage"
)

const domain = "pdp"

var t0 = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

// storeFetcher serves peer fetches straight from in-process stores keyed by
// address.
type storeFetcher struct {
	mu     sync.Mutex
	stores map[string]storage.EntityStore
	fail   map[string]error
	// beforeFetch runs before every fetch, failing ones included.
	beforeFetch func(address string)
	// afterFetch runs after every successful fetch.
	afterFetch func(address, class string, keys []string)
}

func (f *storeFetcher) FetchEntities(ctx context.Context, address, class string, keys []string) (map[string][]byte, error) {
	f.mu.Lock()
	st, ok := f.stores[address]
	err := f.fail[address]
	hook := f.afterFetch
	before := f.beforeFetch
	f.mu.Unlock()
	if before != nil {
		before(address)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("unknown peer " + address)
	}
	var out map[string][]byte
	if keys == nil {
		out, err = st.FindAuditedEntities(ctx, class)
	} else {
		out, err = st.FindAuditedEntitiesByKeys(ctx, class, keys)
	}
	if err == nil && hook != nil {
		hook(address, class, keys)
	}
	return out, err
}

// testCluster is a domain whose designation records live in one shared
// store while each resource keeps its own entity store.
type testCluster struct {
	t        *testing.T
	ctx      context.Context
	clk      *clock.Fake
	shared   *storage.MemoryStore
	entities map[string]*storage.MemoryStore
	fetcher  *storeFetcher
}

func newTestCluster(t *testing.T, names ...string) *testCluster {
	t.Helper()
	c := &testCluster{
		t:        t,
		ctx:      context.Background(),
		clk:      clock.NewFake(t0),
		shared:   storage.NewMemoryStore(),
		entities: make(map[string]*storage.MemoryStore),
		fetcher:  &storeFetcher{stores: make(map[string]storage.EntityStore), fail: make(map[string]error)},
	}
	for _, n := range names {
		st := storage.NewMemoryStore()
		c.entities[n] = st
		c.fetcher.stores[addr(n)] = st
		require.NoError(t, c.shared.UpsertDesignation(c.ctx, storage.DesignationRecord{
			ResourceName: n, Domain: domain, Address: addr(n), LastUpdated: t0,
		}))
	}
	return c
}

func addr(name string) string { return strings.ToLower(name) + ".pdp.svc:7400" }

// put writes the same record to every named resource.
func (c *testCluster) put(class, key, val string, names ...string) {
	c.t.Helper()
	for _, n := range names {
		require.NoError(c.t, c.entities[n].PutAuditedEntity(c.ctx, class, key, []byte(val)))
	}
}

func (c *testCluster) auditor(self string, mod func(*AuditorConfig)) *Auditor {
	c.t.Helper()
	cfg := AuditorConfig{
		Local:        c.entities[self],
		Designations: c.shared,
		Peers:        c.fetcher,
		Clock:        c.clk,
		Logger:       logging.Discard(),
	}
	if mod != nil {
		mod(&cfg)
	}
	a, err := NewAuditor(cfg)
	require.NoError(c.t, err)
	return a
}

func TestIdenticalReplicasReportNothing(t *testing.T) {
	c := newTestCluster(t, "A", "B", "C")
	c.put("Widgets", "1", `{"id":1,"color":"red"}`, "A", "B", "C")
	c.put("Widgets", "2", `{"id":2,"color":"blue"}`, "A", "B", "C")
	c.put("Gadgets", "g", `{"id":"g"}`, "A", "B", "C")

	r, err := c.auditor("A", nil).Audit(c.ctx, "A", domain)
	require.NoError(t, err)
	assert.Empty(t, r.Mismatches)
	assert.Zero(t, r.Suspects)
	assert.Equal(t, 2, r.Peers)
	assert.Equal(t, 2, r.Classes)
	assert.Equal(t, 6, r.Compared)
	assert.NotEmpty(t, r.RunID)
}

func TestOneSidedRecordsAreReported(t *testing.T) {
	c := newTestCluster(t, "A", "B", "C")
	c.put("Widgets", "1", `{"id":1}`, "A", "B", "C")
	c.put("Widgets", "9", `{"id":9}`, "A", "C")
	c.put("Widgets", "x", `{"id":"x"}`, "C")

	r, err := c.auditor("A", nil).Audit(c.ctx, "A", domain)
	require.NoError(t, err)
	require.Len(t, r.Mismatches, 2)

	assert.Equal(t, "B", r.Mismatches[0].Peer)
	assert.Equal(t, "9", r.Mismatches[0].Key)
	assert.True(t, r.Mismatches[0].PeerMissing)

	assert.Equal(t, "C", r.Mismatches[1].Peer)
	assert.Equal(t, "x", r.Mismatches[1].Key)
	assert.True(t, r.Mismatches[1].LocalMissing)
}

func TestTransientMismatchIsNotReported(t *testing.T) {
	c := newTestCluster(t, "A", "B", "C")
	c.put("Widgets", "7", `{"id":7,"qty":5}`, "A", "C")
	c.put("Widgets", "7", `{"id":7,"qty":4}`, "B")

	var once sync.Once
	c.fetcher.afterFetch = func(address, class string, keys []string) {
		if address == addr("B") && keys == nil {
			// replication catches up between the passes
			once.Do(func() { c.put("Widgets", "7", `{"id":7,"qty":5}`, "B") })
		}
	}

	r, err := c.auditor("A", nil).Audit(c.ctx, "A", domain)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Suspects)
	assert.Empty(t, r.Mismatches)
}

func TestPersistentMismatchIsConfirmed(t *testing.T) {
	c := newTestCluster(t, "A", "B")
	c.put("Widgets", "7", `{"id":7,"qty":5}`, "A")
	c.put("Widgets", "7", `{"id":7,"qty":4}`, "B")

	r, err := c.auditor("A", func(cfg *AuditorConfig) { cfg.Verbose = true }).Audit(c.ctx, "A", domain)
	require.NoError(t, err)
	require.Len(t, r.Mismatches, 1)
	m := r.Mismatches[0]
	assert.Equal(t, "Widgets", m.Class)
	assert.Equal(t, "7", m.Key)
	assert.Equal(t, []byte(`{"id":7,"qty":4}`), m.Remote)
}

func TestAuditImpossibleWithoutPeers(t *testing.T) {
	c := newTestCluster(t, "A")
	_, err := c.auditor("A", nil).Audit(c.ctx, "A", domain)
	assert.ErrorIs(t, err, ErrAuditImpossible)

	_, err = c.auditor("A", nil).Audit(c.ctx, "A", "empty-domain")
	assert.ErrorIs(t, err, ErrAuditImpossible)
}

func TestPeerErrorsDoNotAbortAudit(t *testing.T) {
	c := newTestCluster(t, "A", "B", "C")
	c.put("Widgets", "1", `{"id":1}`, "A", "C")
	c.put("Widgets", "1", `{"id":2}`, "B")
	c.fetcher.fail[addr("C")] = errors.New("connection refused")

	r, err := c.auditor("A", nil).Audit(c.ctx, "A", domain)
	require.NoError(t, err)
	require.Len(t, r.Mismatches, 1)
	assert.Equal(t, "B", r.Mismatches[0].Peer)
	require.Len(t, r.PeerErrors, 1)
	assert.Contains(t, r.PeerErrors[0], "C/Widgets")
}

func TestTimeCheckKeepsDesignationFresh(t *testing.T) {
	c := newTestCluster(t, "A", "B")
	for _, k := range []string{"1", "2", "3", "4"} {
		c.put("Widgets", k, `{}`, "A", "B")
	}
	c.clk.Advance(time.Minute)

	a := c.auditor("A", func(cfg *AuditorConfig) {
		cfg.TimeCheckRecords = 2
		cfg.TimeCheckSleep = time.Second
	})
	_, err := a.Audit(c.ctx, "A", domain)
	require.NoError(t, err)

	recs, err := c.shared.ListDesignation(c.ctx, domain)
	require.NoError(t, err)
	require.Equal(t, "A", recs[0].ResourceName)
	assert.Equal(t, t0.Add(time.Minute+time.Second), recs[0].LastUpdated, "touched at the second time check, before its sleep")
	assert.Equal(t, t0, recs[1].LastUpdated)
	assert.Equal(t, t0.Add(time.Minute+2*time.Second), c.clk.Now())
}

func TestSlowPeersKeepDesignationFresh(t *testing.T) {
	c := newTestCluster(t, "A", "B", "C")
	for _, class := range []string{"Widgets", "Gadgets", "Sprockets"} {
		c.put(class, "1", `{}`, "A", "B")
	}
	c.put("Widgets", "2", `{"v":1}`, "A")
	c.put("Widgets", "2", `{"v":2}`, "B")
	c.fetcher.fail[addr("C")] = errors.New("deadline exceeded")

	lastUpdated := func() time.Time {
		recs, err := c.shared.ListDesignation(c.ctx, domain)
		require.NoError(t, err)
		for _, rec := range recs {
			if rec.ResourceName == "A" {
				return rec.LastUpdated
			}
		}
		t.Fatal("no designation record for A")
		return time.Time{}
	}
	var fetches int
	var maxAge time.Duration
	c.fetcher.beforeFetch = func(string) {
		fetches++
		if age := c.clk.Now().Sub(lastUpdated()); age > maxAge {
			maxAge = age
		}
		c.clk.Advance(8 * time.Second)
	}

	a := c.auditor("A", func(cfg *AuditorConfig) { cfg.TimeCheckRecords = 1000 })
	r, err := a.Audit(c.ctx, "A", domain)
	require.NoError(t, err)

	assert.Equal(t, 7, fetches, "six first-pass fetches and one second-pass fetch")
	require.Len(t, r.Mismatches, 1)
	assert.Len(t, r.PeerErrors, 3)
	assert.LessOrEqual(t, maxAge, 5*time.Second, "the record never ages past the touch interval between fetches")
	assert.Equal(t, c.clk.Now(), lastUpdated(), "touched after the last, second-pass fetch")
}

func TestRecordDiff(t *testing.T) {
	d := recordDiff("A", "B", []byte(`{"id":7,"qty":5}`), []byte(`{"id":7,"qty":4}`))
	assert.Contains(t, d, "--- A")
	assert.Contains(t, d, "+++ B")
	assert.Contains(t, d, `-  "qty": 5`)
	assert.Contains(t, d, `+  "qty": 4`)

	d = recordDiff("A", "B", nil, []byte("plain"))
	assert.Contains(t, d, "+plain")
}
