package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gointegrity/storage"
)

func TestPoolResolve(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	now := time.Now()
	require.NoError(t, st.UpsertDesignation(ctx, storage.DesignationRecord{ResourceName: "pdp-1", Domain: "pdp", Address: "pdp-1:7400", LastUpdated: now}))
	require.NoError(t, st.UpsertDesignation(ctx, storage.DesignationRecord{ResourceName: "pdp-2", Domain: "pdp", LastUpdated: now}))
	require.NoError(t, st.UpsertDesignation(ctx, storage.DesignationRecord{ResourceName: "pap-1", Domain: "pap", Address: "pap-1:7400", LastUpdated: now}))

	p := NewPool("pdp", st, nil)
	defer p.Close()

	addr, err := p.resolve(ctx, "pdp-1")
	require.NoError(t, err)
	assert.Equal(t, "pdp-1:7400", addr)

	_, err = p.resolve(ctx, "pdp-2")
	assert.ErrorContains(t, err, "no advertised address")

	_, err = p.resolve(ctx, "pap-1")
	assert.ErrorIs(t, err, storage.ErrNotFound, "resources of other domains are not resolved")
}

func TestPoolResolvesFromProgressRecords(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	now := time.Now()
	// pdp-2 does not audit, so it has a progress record but no designation.
	require.NoError(t, st.UpsertDesignation(ctx, storage.DesignationRecord{ResourceName: "pdp-1", Domain: "pdp", Address: "pdp-1:7400", LastUpdated: now}))
	require.NoError(t, st.UpsertProgress(ctx, storage.ProgressRecord{ResourceName: "pdp-1", Domain: "pdp", Address: "pdp-1:7401", LastUpdated: now}))
	require.NoError(t, st.UpsertProgress(ctx, storage.ProgressRecord{ResourceName: "pdp-2", Domain: "pdp", Address: "pdp-2:7400", LastUpdated: now}))
	require.NoError(t, st.UpsertProgress(ctx, storage.ProgressRecord{ResourceName: "pdp-3", Domain: "pdp", LastUpdated: now}))

	p := NewPool("pdp", st, nil)
	defer p.Close()

	addr, err := p.resolve(ctx, "pdp-2")
	require.NoError(t, err)
	assert.Equal(t, "pdp-2:7400", addr)

	addr, err = p.resolve(ctx, "pdp-1")
	require.NoError(t, err)
	assert.Equal(t, "pdp-1:7400", addr, "the designation record wins")

	_, err = p.resolve(ctx, "pdp-3")
	assert.ErrorContains(t, err, "no advertised address")
}

func TestPoolFetchWithoutAddress(t *testing.T) {
	p := NewPool("pdp", storage.NewMemoryStore(), nil)
	defer p.Close()
	_, err := p.FetchEntities(context.Background(), "", "Policy", nil)
	assert.Error(t, err)
}

func TestPoolClosed(t *testing.T) {
	p := NewPool("pdp", storage.NewMemoryStore(), nil)
	require.NoError(t, p.Close())
	_, err := p.FetchEntities(context.Background(), "pdp-1:7400", "Policy", nil)
	assert.ErrorContains(t, err, "closed")
}
