package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockpay/installment-engine/core"
	"github.com/lockpay/installment-engine/registry"
	"github.com/lockpay/installment-engine/store/sqlite"
)

func newTestRegistry(t *testing.T) (*registry.Registry, core.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return registry.New(store, nil), store
}

const imei = "356938035643809"

func TestRegisterOrTransfer_FirstSight_CreatesEntry(t *testing.T) {
	// GIVEN an IMEI the platform has never seen
	// WHEN agent A registers it
	// THEN the entry is created with first = current = A
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	entry, err := r.RegisterOrTransfer(ctx, imei, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, core.AgentID("agent-a"), entry.FirstRegisteredAgent)
	assert.Equal(t, core.AgentID("agent-a"), entry.CurrentAgent)
	assert.False(t, entry.Blacklisted)
}

func TestRegisterOrTransfer_Transfer_PreservesFirstAgent(t *testing.T) {
	// GIVEN an IMEI first registered by agent A
	// WHEN agent B registers the same IMEI
	// THEN current ownership transfers to B while first stays A, forever
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.RegisterOrTransfer(ctx, imei, "agent-a")
	require.NoError(t, err)

	entry, err := r.RegisterOrTransfer(ctx, imei, "agent-b")
	require.NoError(t, err)
	assert.Equal(t, core.AgentID("agent-a"), entry.FirstRegisteredAgent)
	assert.Equal(t, core.AgentID("agent-b"), entry.CurrentAgent)

	// Round-trip back to A: first agent still never changes.
	entry, err = r.RegisterOrTransfer(ctx, imei, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, core.AgentID("agent-a"), entry.FirstRegisteredAgent)
	assert.Equal(t, core.AgentID("agent-a"), entry.CurrentAgent)
}

func TestRegisterOrTransfer_SameAgent_Idempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.RegisterOrTransfer(ctx, imei, "agent-a")
	require.NoError(t, err)
	again, err := r.RegisterOrTransfer(ctx, imei, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, first.CurrentAgent, again.CurrentAgent)
}

func TestRegisterOrTransfer_Blacklisted_Rejected(t *testing.T) {
	// GIVEN a blacklisted IMEI
	// WHEN any agent tries to register it
	// THEN the sale-bound path refuses with ErrBlacklisted, while Lookup
	//      still reads the entry for audit
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.RegisterOrTransfer(ctx, imei, "agent-a")
	require.NoError(t, err)
	require.NoError(t, r.Blacklist(ctx, imei, "admin"))

	_, err = r.RegisterOrTransfer(ctx, imei, "agent-b")
	assert.ErrorIs(t, err, core.ErrBlacklisted)

	entry, err := r.Lookup(ctx, imei)
	require.NoError(t, err)
	assert.True(t, entry.Blacklisted)
	assert.Equal(t, core.AgentID("agent-a"), entry.CurrentAgent)
}

func TestBlacklist_Unblacklist_RoundTrip(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.RegisterOrTransfer(ctx, imei, "agent-a")
	require.NoError(t, err)

	require.NoError(t, r.Blacklist(ctx, imei, "admin"))
	require.NoError(t, r.Blacklist(ctx, imei, "admin")) // idempotent
	require.NoError(t, r.Unblacklist(ctx, imei, "admin"))

	entry, err := r.Lookup(ctx, imei)
	require.NoError(t, err)
	assert.False(t, entry.Blacklisted)

	_, err = r.RegisterOrTransfer(ctx, imei, "agent-b")
	assert.NoError(t, err)
}

func TestLookup_UnknownIMEI_NotFound(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Lookup(context.Background(), "000000000000000")
	var nf *core.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestBlacklist_UnknownIMEI_NotFound(t *testing.T) {
	r, _ := newTestRegistry(t)

	err := r.Blacklist(context.Background(), "000000000000000", "admin")
	var nf *core.NotFoundError
	assert.ErrorAs(t, err, &nf)
}
