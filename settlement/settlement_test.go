/*
settlement_test.go - Periodic agent billing tests

COVERAGE:
  - Period derivation: Monday-anchored weeks, calendar months
  - Generation: fee x inventory, invoice numbering, idempotent reruns
  - Confirmation: partial then paid, monotonic amount_paid, replay no-op
  - Orphans: no-settlement and already-paid payments surfaced, never applied
  - Device status projection
*/
package settlement_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockpay/installment-engine/core"
	"github.com/lockpay/installment-engine/settlement"
	"github.com/lockpay/installment-engine/store/sqlite"
)

// =============================================================================
// PERIODS
// =============================================================================

func TestWeeklyPeriodFor_MondayAnchored(t *testing.T) {
	// 2026-03-04 is a Wednesday; its week runs Mon 03-02 .. Sun 03-08.
	p := settlement.WeeklyPeriodFor(time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC), p.End)

	// A Monday and the following Sunday map to the same period.
	assert.Equal(t, p, settlement.WeeklyPeriodFor(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, p, settlement.WeeklyPeriodFor(time.Date(2026, 3, 8, 23, 59, 0, 0, time.UTC)))
}

func TestMonthlyPeriodFor_CalendarMonth(t *testing.T) {
	p := settlement.MonthlyPeriodFor(time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), p.End)
}

// =============================================================================
// FIXTURE
// =============================================================================

type settlementFixture struct {
	accounting *settlement.Accounting
	store      core.Store
	now        time.Time
	period     settlement.Period

	agent *core.Agent
	phone *core.Phone
}

func newTestAccounting(t *testing.T) *settlementFixture {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) // Wednesday
	acc := settlement.New(store, nil).WithClock(func() time.Time { return now })

	ctx := context.Background()
	agent := &core.Agent{
		ID:               "agent-1",
		BusinessName:     "Tunde Phones",
		Status:           core.AgentActive,
		AccountReference: "acct-tunde",
		CreatedAt:        now,
	}
	require.NoError(t, store.CreateAgent(ctx, agent))

	phone := &core.Phone{
		ID:        core.PhoneID(core.NewID("phone")),
		AgentID:   agent.ID,
		IMEI:      "356938035643809",
		Brand:     "Samsung",
		Model:     "A15",
		Status:    core.PhoneInInventory,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreatePhone(ctx, phone))

	return &settlementFixture{
		accounting: acc,
		store:      store,
		now:        now,
		period:     settlement.WeeklyPeriodFor(now),
		agent:      agent,
		phone:      phone,
	}
}

func (f *settlementFixture) addPhones(t *testing.T, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		require.NoError(t, f.store.CreatePhone(ctx, &core.Phone{
			ID:        core.PhoneID(core.NewID("phone")),
			AgentID:   f.agent.ID,
			IMEI:      fmt.Sprintf("35693803564%04d", i),
			Brand:     "Samsung",
			Model:     "A15",
			Status:    core.PhoneInInventory,
			CreatedAt: f.now,
			UpdatedAt: f.now,
		}))
	}
}

// =============================================================================
// GENERATION
// =============================================================================

func TestGenerateSettlements_FeeTimesInventory(t *testing.T) {
	// GIVEN an active agent holding 5 phones
	// WHEN weekly settlements are generated at 1000 per phone
	// THEN one settlement for 5000 exists with the period-stamped invoice
	f := newTestAccounting(t)
	ctx := context.Background()
	f.addPhones(t, 4) // plus the fixture phone = 5

	created, skipped, err := f.accounting.GenerateSettlements(ctx, f.period, core.MustMoney("1000"), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Zero(t, skipped)

	s, err := f.store.FindSettlement(ctx, f.agent.ID, f.period.Start, f.period.End)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.True(t, s.TotalAmount.Equal(core.MustMoney("5000")))
	assert.True(t, s.AmountPaid.IsZero())
	assert.Equal(t, core.SettlementPending, s.Status)
	assert.Equal(t, "INV-agent-1-20260302", s.InvoiceNumber)
	// Default due date: three days after period end.
	assert.Equal(t, f.period.End.AddDate(0, 0, 3), s.DueDate)
}

func TestGenerateSettlements_Rerun_SkipsExisting(t *testing.T) {
	// GIVEN settlements already generated for the period
	// WHEN the trigger fires again
	// THEN nothing new is created and existing rows are untouched
	f := newTestAccounting(t)
	ctx := context.Background()

	created, _, err := f.accounting.GenerateSettlements(ctx, f.period, core.MustMoney("1000"), time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, created)

	created, skipped, err := f.accounting.GenerateSettlements(ctx, f.period, core.MustMoney("1000"), time.Time{})
	require.NoError(t, err)
	assert.Zero(t, created)
	assert.Equal(t, 1, skipped)

	list, err := f.accounting.SettlementsForAgent(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestGenerateSettlements_AgentWithoutPhones_Skipped(t *testing.T) {
	f := newTestAccounting(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateAgent(ctx, &core.Agent{
		ID:           "agent-empty",
		BusinessName: "No Stock Ltd",
		Status:       core.AgentActive,
		CreatedAt:    f.now,
	}))

	created, skipped, err := f.accounting.GenerateSettlements(ctx, f.period, core.MustMoney("1000"), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, skipped)
}

// =============================================================================
// CONFIRMATION
// =============================================================================

func TestConfirmPayment_PartialThenPaid(t *testing.T) {
	// GIVEN a settlement of 5000
	// WHEN 2000 then 3000 are confirmed under distinct references
	// THEN the settlement moves pending -> partial -> paid with amount_paid
	//      accumulating monotonically
	f := newTestAccounting(t)
	ctx := context.Background()
	f.addPhones(t, 4)
	_, _, err := f.accounting.GenerateSettlements(ctx, f.period, core.MustMoney("1000"), time.Time{})
	require.NoError(t, err)

	s, err := f.accounting.ConfirmPayment(ctx, f.agent.ID, f.period, core.MustMoney("2000"), "ref-1", f.now)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, core.SettlementPartial, s.Status)
	assert.True(t, s.AmountPaid.Equal(core.MustMoney("2000")))
	assert.True(t, s.Outstanding().Equal(core.MustMoney("3000")))
	assert.Nil(t, s.PaidAt)

	s, err = f.accounting.ConfirmPayment(ctx, f.agent.ID, f.period, core.MustMoney("3000"), "ref-2", f.now)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, core.SettlementPaid, s.Status)
	assert.True(t, s.AmountPaid.Equal(core.MustMoney("5000")))
	assert.True(t, s.Outstanding().IsZero())
	require.NotNil(t, s.PaidAt)
	assert.Equal(t, "ref-2", s.PaymentReference)
}

func TestConfirmPayment_ReplayedReference_NoOp(t *testing.T) {
	// GIVEN a confirmed payment with reference ref-1
	// WHEN the webhook re-delivers the same reference
	// THEN the settlement state comes back unchanged, nothing re-applied
	f := newTestAccounting(t)
	ctx := context.Background()
	f.addPhones(t, 4)
	_, _, err := f.accounting.GenerateSettlements(ctx, f.period, core.MustMoney("1000"), time.Time{})
	require.NoError(t, err)

	_, err = f.accounting.ConfirmPayment(ctx, f.agent.ID, f.period, core.MustMoney("2000"), "ref-1", f.now)
	require.NoError(t, err)

	s, err := f.accounting.ConfirmPayment(ctx, f.agent.ID, f.period, core.MustMoney("2000"), "ref-1", f.now)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.True(t, s.AmountPaid.Equal(core.MustMoney("2000")), "replay must not double-apply")
	assert.Equal(t, core.SettlementPartial, s.Status)
}

func TestConfirmPayment_NoSettlementForPeriod_Orphaned(t *testing.T) {
	// GIVEN no settlement exists for the period
	// WHEN a payment is confirmed
	// THEN it is recorded as an orphan and (nil, nil) returned
	f := newTestAccounting(t)
	ctx := context.Background()

	s, err := f.accounting.ConfirmPayment(ctx, f.agent.ID, f.period, core.MustMoney("2000"), "ref-lost", f.now)
	require.NoError(t, err)
	assert.Nil(t, s)

	orphans, err := f.accounting.Orphans(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "ref-lost", orphans[0].Reference)
	assert.True(t, orphans[0].Amount.Equal(core.MustMoney("2000")))

	// Re-delivery after a settlement appears must NOT apply the orphaned
	// reference; manual reconciliation owns it now.
	f.addPhones(t, 4)
	_, _, err = f.accounting.GenerateSettlements(ctx, f.period, core.MustMoney("1000"), time.Time{})
	require.NoError(t, err)

	s, err = f.accounting.ConfirmPayment(ctx, f.agent.ID, f.period, core.MustMoney("2000"), "ref-lost", f.now)
	require.NoError(t, err)
	assert.Nil(t, s)

	got, err := f.store.FindSettlement(ctx, f.agent.ID, f.period.Start, f.period.End)
	require.NoError(t, err)
	assert.True(t, got.AmountPaid.IsZero())
}

func TestConfirmPayment_AlreadyPaidSettlement_Orphaned(t *testing.T) {
	// GIVEN a fully paid settlement
	// WHEN a further payment arrives for the same period
	// THEN it becomes an orphan instead of overpaying the settlement
	f := newTestAccounting(t)
	ctx := context.Background()
	f.addPhones(t, 4)
	_, _, err := f.accounting.GenerateSettlements(ctx, f.period, core.MustMoney("1000"), time.Time{})
	require.NoError(t, err)
	_, err = f.accounting.ConfirmPayment(ctx, f.agent.ID, f.period, core.MustMoney("5000"), "ref-1", f.now)
	require.NoError(t, err)

	s, err := f.accounting.ConfirmPayment(ctx, f.agent.ID, f.period, core.MustMoney("1000"), "ref-2", f.now)
	require.NoError(t, err)
	assert.Nil(t, s)

	orphans, err := f.accounting.Orphans(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
}

func TestConfirmPayment_Validation(t *testing.T) {
	f := newTestAccounting(t)
	ctx := context.Background()
	var valErr *core.ValidationError

	_, err := f.accounting.ConfirmPayment(ctx, f.agent.ID, f.period, core.ZeroMoney(), "ref", f.now)
	assert.ErrorAs(t, err, &valErr)
	_, err = f.accounting.ConfirmPayment(ctx, f.agent.ID, f.period, core.MustMoney("100"), "", f.now)
	assert.ErrorAs(t, err, &valErr)
}

// =============================================================================
// DEVICE STATUS
// =============================================================================

func TestStatusForDevice_NoSettlement(t *testing.T) {
	f := newTestAccounting(t)

	status, err := f.accounting.StatusForDevice(context.Background(), f.phone.IMEI, f.now)
	require.NoError(t, err)
	assert.False(t, status.HasSettlement)
	assert.False(t, status.IsDue)
}

func TestStatusForDevice_DueAndPaid(t *testing.T) {
	// GIVEN the agent's current-week settlement
	// WHEN the device asks before and after full payment
	// THEN the projection moves from due to paid
	f := newTestAccounting(t)
	ctx := context.Background()
	f.addPhones(t, 4)
	_, _, err := f.accounting.GenerateSettlements(ctx, f.period, core.MustMoney("1000"), time.Time{})
	require.NoError(t, err)

	status, err := f.accounting.StatusForDevice(ctx, f.phone.IMEI, f.now)
	require.NoError(t, err)
	assert.True(t, status.HasSettlement)
	assert.True(t, status.IsDue)
	assert.False(t, status.IsPaid)
	assert.True(t, status.TotalAmount.Equal(core.MustMoney("5000")))
	assert.True(t, status.Outstanding.Equal(core.MustMoney("5000")))

	_, err = f.accounting.ConfirmPayment(ctx, f.agent.ID, f.period, core.MustMoney("5000"), "ref-1", f.now)
	require.NoError(t, err)

	status, err = f.accounting.StatusForDevice(ctx, f.phone.IMEI, f.now)
	require.NoError(t, err)
	assert.True(t, status.IsPaid)
	assert.False(t, status.IsDue)
	assert.True(t, status.Outstanding.IsZero())
}

func TestStatusForDevice_OverduePastDueDate(t *testing.T) {
	// GIVEN an unpaid settlement due 3 days after the period end
	// WHEN the device asks within the same week but past the due date
	// THEN the status reports overdue, not due
	f := newTestAccounting(t)
	ctx := context.Background()
	period := settlement.Period{
		Start: f.period.Start.AddDate(0, 0, -7),
		End:   f.period.End.AddDate(0, 0, -7),
	}
	_, _, err := f.accounting.GenerateSettlements(ctx, period, core.MustMoney("1000"), time.Time{})
	require.NoError(t, err)

	// The previous week's settlement fell due on Wednesday; ask a week later
	// about that same period via a direct read.
	s, err := f.store.FindSettlement(ctx, f.agent.ID, period.Start, period.End)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.True(t, s.IsOverdue(f.now.AddDate(0, 0, 1)))
	assert.False(t, s.IsOverdue(period.End))
}
