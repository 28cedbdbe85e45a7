/*
memory_test.go - In-memory store contract tests

The memory store must honor the same constraint and transaction contract as
the sqlite store, since engine tests and dev servers run against either.
*/
package memory_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockpay/installment-engine/core"
	"github.com/lockpay/installment-engine/store/memory"
)

var testTime = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func seedSale(t *testing.T, store *memory.Store, phoneID core.PhoneID) *core.Sale {
	t.Helper()
	s := &core.Sale{
		ID:               core.SaleID(core.NewID("sale")),
		AgentID:          "agent-1",
		CustomerID:       "cust-1",
		PhoneID:          phoneID,
		SalePrice:        core.MustMoney("200000"),
		DownPayment:      core.MustMoney("50000"),
		TotalPayable:     core.MustMoney("220000"),
		BalanceRemaining: core.MustMoney("170000"),
		Installments:     4,
		Interval:         core.IntervalWeekly,
		Status:           core.SaleActive,
		CreatedAt:        testTime,
	}
	require.NoError(t, store.CreateSale(context.Background(), s))
	return s
}

func TestMemory_OneActiveSalePerPhone(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	sale := seedSale(t, store, "phone-1")
	dupe := *sale
	dupe.ID = core.SaleID(core.NewID("sale"))
	assert.ErrorIs(t, store.CreateSale(ctx, &dupe), core.ErrDuplicateActiveSale)

	other := *sale
	other.ID = core.SaleID(core.NewID("sale"))
	other.PhoneID = "phone-2"
	assert.NoError(t, store.CreateSale(ctx, &other))
}

func TestMemory_DuplicatePeriodAndReference(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	periodStart := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 0, 6)
	s := &core.Settlement{
		ID:          core.SettlementID(core.NewID("stl")),
		AgentID:     "agent-1",
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		TotalAmount: core.MustMoney("5000"),
		AmountPaid:  core.ZeroMoney(),
		Status:      core.SettlementPending,
		DueDate:     periodEnd.AddDate(0, 0, 3),
		CreatedAt:   testTime,
	}
	require.NoError(t, store.CreateSettlement(ctx, s))

	dupe := *s
	dupe.ID = core.SettlementID(core.NewID("stl"))
	assert.ErrorIs(t, store.CreateSettlement(ctx, &dupe), core.ErrDuplicatePeriod)

	sp := &core.SettlementPayment{
		ID:           core.NewID("stlpay"),
		SettlementID: s.ID,
		Amount:       core.MustMoney("2000"),
		Reference:    "ref-1",
		PaidAt:       testTime,
		ConfirmedAt:  testTime,
	}
	require.NoError(t, store.CreateSettlementPayment(ctx, sp))
	sp2 := *sp
	sp2.ID = core.NewID("stlpay")
	assert.ErrorIs(t, store.CreateSettlementPayment(ctx, &sp2), core.ErrDuplicateReference)
}

func TestMemory_WithTx_SnapshotRestoreOnError(t *testing.T) {
	// GIVEN a transaction that writes and then fails
	// WHEN WithTx returns the error
	// THEN the store state is exactly what it was before the transaction
	store := memory.New()
	ctx := context.Background()

	boom := errors.New("boom")
	var saleID core.SaleID
	err := store.WithTx(ctx, func(tx core.Store) error {
		s := seedTxSale(t, tx)
		saleID = s.ID
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetSale(ctx, saleID)
	var nf *core.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func seedTxSale(t *testing.T, tx core.Store) *core.Sale {
	t.Helper()
	s := &core.Sale{
		ID:               core.SaleID(core.NewID("sale")),
		AgentID:          "agent-1",
		CustomerID:       "cust-1",
		PhoneID:          "phone-1",
		SalePrice:        core.MustMoney("200000"),
		TotalPayable:     core.MustMoney("220000"),
		BalanceRemaining: core.MustMoney("170000"),
		Installments:     4,
		Interval:         core.IntervalWeekly,
		Status:           core.SaleActive,
		CreatedAt:        testTime,
	}
	require.NoError(t, tx.CreateSale(context.Background(), s))
	return s
}

func TestMemory_WithTx_CommitVisible(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	var saleID core.SaleID
	require.NoError(t, store.WithTx(ctx, func(tx core.Store) error {
		saleID = seedTxSale(t, tx).ID
		return nil
	}))

	got, err := store.GetSale(ctx, saleID)
	require.NoError(t, err)
	assert.Equal(t, saleID, got.ID)
}

func TestMemory_CommandTokenStripped(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	cmd := &core.DeviceCommand{
		ID:            core.CommandID(core.NewID("cmd")),
		PhoneID:       "phone-1",
		AgentID:       "agent-1",
		Type:          core.CommandLock,
		Status:        core.CommandPending,
		Reason:        "payment overdue",
		IssuedBy:      "admin",
		AuthTokenHash: "hash",
		Token:         "raw-token",
		ExpiresAt:     testTime.Add(time.Hour),
		CreatedAt:     testTime,
		UpdatedAt:     testTime,
	}
	require.NoError(t, store.CreateCommand(ctx, cmd))

	got, err := store.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Token)
	assert.Equal(t, "hash", got.AuthTokenHash)
}

func TestMemory_TransitionCommandGuard(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	cmd := &core.DeviceCommand{
		ID:        core.CommandID(core.NewID("cmd")),
		PhoneID:   "phone-1",
		Type:      core.CommandLock,
		Status:    core.CommandPending,
		Reason:    "payment overdue",
		ExpiresAt: testTime.Add(time.Hour),
		CreatedAt: testTime,
		UpdatedAt: testTime,
	}
	require.NoError(t, store.CreateCommand(ctx, cmd))

	cmd.Status = core.CommandExecuted
	err := store.TransitionCommand(ctx, cmd, core.CommandAcknowledged)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	cmd.Status = core.CommandSent
	assert.NoError(t, store.TransitionCommand(ctx, cmd, core.CommandPending))
}

func TestMemory_RegistryFirstAgentPreserved(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	require.NoError(t, store.SaveRegistryEntry(ctx, &core.RegistryEntry{
		IMEI:                 "356938035643809",
		FirstRegisteredAgent: "agent-a",
		CurrentAgent:         "agent-a",
		CreatedAt:            testTime,
	}))
	require.NoError(t, store.SaveRegistryEntry(ctx, &core.RegistryEntry{
		IMEI:                 "356938035643809",
		FirstRegisteredAgent: "agent-b",
		CurrentAgent:         "agent-b",
		CreatedAt:            testTime,
	}))

	got, err := store.FindRegistryEntry(ctx, "356938035643809")
	require.NoError(t, err)
	assert.Equal(t, core.AgentID("agent-a"), got.FirstRegisteredAgent)
	assert.Equal(t, core.AgentID("agent-b"), got.CurrentAgent)
}

func TestMemory_FindPhoneByIMEI_LatestRowWins(t *testing.T) {
	// A device re-inventoried after transfer leaves older rows behind; the
	// lookup must resolve to the most recent one regardless of map order.
	store := memory.New()
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		old := &core.Phone{
			ID: core.PhoneID(fmt.Sprintf("phone-old-%d", i)), AgentID: "agent-a",
			IMEI: "356938035643809", Brand: "Samsung", Model: "A15",
			Status:    core.PhoneReturned,
			CreatedAt: testTime.Add(-time.Duration(8-i) * time.Hour),
			UpdatedAt: testTime.Add(-time.Duration(8-i) * time.Hour),
		}
		require.NoError(t, store.CreatePhone(ctx, old))
	}
	current := &core.Phone{
		ID: "phone-new", AgentID: "agent-b", IMEI: "356938035643809",
		Brand: "Samsung", Model: "A15", Status: core.PhoneInInventory,
		CreatedAt: testTime, UpdatedAt: testTime,
	}
	require.NoError(t, store.CreatePhone(ctx, current))

	got, err := store.FindPhoneByIMEI(ctx, "356938035643809")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, core.PhoneID("phone-new"), got.ID)
	assert.Equal(t, core.PhoneInInventory, got.Status)
}
