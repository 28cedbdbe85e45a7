/*
ledger_test.go - Sale lifecycle tests

COVERAGE:
  - Sale creation: financed balance, exact schedule split, phone flip
  - Payment application: oldest-first allocation, balance bracketing,
    completion with unlock issuance, overpayment clamp
  - Idempotency: gateway reference replay returns the original record
  - Guards: duplicate active sale (sequential and under concurrent
    creators), blacklisted IMEI, terms validation
  - Default: overdue sweep, grace evaluation, terminal defaulted state
*/
package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockpay/installment-engine/core"
	"github.com/lockpay/installment-engine/enforcement"
	"github.com/lockpay/installment-engine/ledger"
	"github.com/lockpay/installment-engine/store/sqlite"
)

// =============================================================================
// FIXTURE
// =============================================================================

type ledgerFixture struct {
	ledger     *ledger.Ledger
	dispatcher *enforcement.Dispatcher
	store      core.Store
	now        time.Time

	agent    *core.Agent
	phone    *core.Phone
	customer *core.Customer
}

func newTestLedger(t *testing.T) *ledgerFixture {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	dispatcher := enforcement.New(store, nil).WithClock(clock)
	l := ledger.New(store, dispatcher, nil).WithClock(clock)

	ctx := context.Background()
	agent := &core.Agent{
		ID:           core.AgentID(core.NewID("agent")),
		BusinessName: "Tunde Phones",
		Status:       core.AgentActive,
		CreatedAt:    now,
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

	customer := &core.Customer{
		ID:          core.CustomerID(core.NewID("cust")),
		AgentID:     agent.ID,
		FullName:    "Ada Obi",
		PhoneNumber: "+2348012345678",
		CreatedAt:   now,
	}
	require.NoError(t, store.CreateCustomer(ctx, customer))

	return &ledgerFixture{
		ledger:     l,
		dispatcher: dispatcher,
		store:      store,
		now:        now,
		agent:      agent,
		phone:      phone,
		customer:   customer,
	}
}

func (f *ledgerFixture) terms() ledger.SaleTerms {
	return ledger.SaleTerms{
		AgentID:      f.agent.ID,
		CustomerID:   f.customer.ID,
		PhoneID:      f.phone.ID,
		SalePrice:    core.MustMoney("200000"),
		DownPayment:  core.MustMoney("50000"),
		TotalPayable: core.MustMoney("220000"),
		Installments: 4,
		Interval:     core.IntervalWeekly,
		SoldBy:       "agent",
	}
}

// =============================================================================
// SALE CREATION
// =============================================================================

func TestCreateSale_FinancedBalanceAndSchedule(t *testing.T) {
	// GIVEN an in-inventory phone and a customer of the same agent
	// WHEN a sale is created: price 200000, down 50000, payable 220000,
	//      4 weekly installments
	// THEN the financed balance is 170000, the schedule is 4 x 42500 due at
	//      weekly offsets, and the phone flips to sold_active
	f := newTestLedger(t)
	ctx := context.Background()

	sale, schedule, err := f.ledger.CreateSale(ctx, f.terms())
	require.NoError(t, err)

	assert.Equal(t, core.SaleActive, sale.Status)
	assert.True(t, sale.BalanceRemaining.Equal(core.MustMoney("170000")),
		"balance %s", sale.BalanceRemaining)

	require.Len(t, schedule, 4)
	base := core.Day(f.now)
	for i, row := range schedule {
		assert.Equal(t, i+1, row.Number)
		assert.Equal(t, core.InstallmentPending, row.Status)
		assert.True(t, row.AmountDue.Equal(core.MustMoney("42500")),
			"installment %d amount %s", row.Number, row.AmountDue)
		assert.Equal(t, base.AddDate(0, 0, 7*(i+1)), row.DueDate)
	}

	phone, err := f.store.GetPhone(ctx, f.phone.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PhoneSoldActive, phone.Status)
}

func TestCreateSale_UnevenSplit_RemainderOnLastInstallment(t *testing.T) {
	// GIVEN a financed balance of 100000 over 3 installments
	// WHEN the sale is created
	// THEN the schedule sums exactly to 100000 with the remainder on row 3
	f := newTestLedger(t)
	terms := f.terms()
	terms.SalePrice = core.MustMoney("90000")
	terms.DownPayment = core.MustMoney("0")
	terms.TotalPayable = core.MustMoney("100000")
	terms.Installments = 3

	_, schedule, err := f.ledger.CreateSale(context.Background(), terms)
	require.NoError(t, err)
	require.Len(t, schedule, 3)

	assert.True(t, schedule[0].AmountDue.Equal(core.MustMoney("33333.33")))
	assert.True(t, schedule[1].AmountDue.Equal(core.MustMoney("33333.33")))
	assert.True(t, schedule[2].AmountDue.Equal(core.MustMoney("33333.34")))

	sum := core.ZeroMoney()
	for _, row := range schedule {
		sum = sum.Add(row.AmountDue)
	}
	assert.True(t, sum.Equal(core.MustMoney("100000")))
}

func TestCreateSale_SecondSaleOnSoldPhone_Rejected(t *testing.T) {
	// GIVEN a phone already sold under an active sale
	// WHEN a second sale is attempted on the same phone
	// THEN it fails with a state error (the phone is no longer in inventory)
	f := newTestLedger(t)
	ctx := context.Background()

	_, _, err := f.ledger.CreateSale(ctx, f.terms())
	require.NoError(t, err)

	_, _, err = f.ledger.CreateSale(ctx, f.terms())
	var stateErr *core.StateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestCreateSale_DuplicateActiveSale_InsertLosesRace(t *testing.T) {
	// GIVEN an active sale, with the phone status manually reset to
	//       in_inventory (simulating a racing creator that passed the
	//       pre-check on stale state)
	// WHEN a second sale insert is attempted
	// THEN the storage constraint rejects it with ErrDuplicateActiveSale
	f := newTestLedger(t)
	ctx := context.Background()

	_, _, err := f.ledger.CreateSale(ctx, f.terms())
	require.NoError(t, err)

	phone, err := f.store.GetPhone(ctx, f.phone.ID)
	require.NoError(t, err)
	phone.Status = core.PhoneInInventory
	require.NoError(t, f.store.UpdatePhone(ctx, phone))

	_, _, err = f.ledger.CreateSale(ctx, f.terms())
	assert.ErrorIs(t, err, core.ErrDuplicateActiveSale)
}

func TestCreateSale_ConcurrentCreators_ExactlyOneWins(t *testing.T) {
	// GIVEN one in-inventory phone and two creators racing to sell it
	// WHEN both CreateSale calls run concurrently
	// THEN exactly one sale lands and exactly one active sale row exists
	f := newTestLedger(t)
	ctx := context.Background()

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = f.ledger.CreateSale(ctx, f.terms())
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		// A loser that read stale phone state hits the one-active-sale
		// index; one that read committed state hits the phone-status
		// guard. Both are refusals of a second sale.
		assert.True(t, core.IsConflict(err) || core.IsState(err),
			"unexpected loser error: %v", err)
	}
	assert.Equal(t, 1, wins)

	sale, err := f.store.ActiveSaleForPhone(ctx, f.phone.ID)
	require.NoError(t, err)
	require.NotNil(t, sale)

	phone, err := f.store.GetPhone(ctx, f.phone.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PhoneSoldActive, phone.Status)
}

func TestCreateSale_BlacklistedIMEI_Rejected(t *testing.T) {
	// GIVEN the phone's IMEI is blacklisted in the registry
	// WHEN a sale is attempted
	// THEN it fails with ErrBlacklisted and the phone stays in inventory
	f := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, f.store.SaveRegistryEntry(ctx, &core.RegistryEntry{
		IMEI:                 f.phone.IMEI,
		FirstRegisteredAgent: f.agent.ID,
		CurrentAgent:         f.agent.ID,
		Blacklisted:          true,
		CreatedAt:            f.now,
	}))

	_, _, err := f.ledger.CreateSale(ctx, f.terms())
	assert.ErrorIs(t, err, core.ErrBlacklisted)

	phone, err := f.store.GetPhone(ctx, f.phone.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PhoneInInventory, phone.Status)
}

func TestCreateSale_TermsValidation(t *testing.T) {
	f := newTestLedger(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*ledger.SaleTerms)
	}{
		{"zero price", func(tm *ledger.SaleTerms) { tm.SalePrice = core.ZeroMoney() }},
		{"negative down payment", func(tm *ledger.SaleTerms) { tm.DownPayment = core.MustMoney("-1") }},
		{"payable below price", func(tm *ledger.SaleTerms) { tm.TotalPayable = core.MustMoney("199999") }},
		{"down payment above payable", func(tm *ledger.SaleTerms) { tm.DownPayment = core.MustMoney("220001") }},
		{"zero installments", func(tm *ledger.SaleTerms) { tm.Installments = 0 }},
		{"bad interval", func(tm *ledger.SaleTerms) { tm.Interval = "fortnightly" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			terms := f.terms()
			tc.mutate(&terms)
			_, _, err := f.ledger.CreateSale(ctx, terms)
			var valErr *core.ValidationError
			assert.ErrorAs(t, err, &valErr)
		})
	}
}

// =============================================================================
// PAYMENT APPLICATION
// =============================================================================

func TestApplyPayment_AllocatesOldestFirst(t *testing.T) {
	// GIVEN an active sale with balance 170000 over 4 x 42500
	// WHEN a payment of exactly one installment is applied
	// THEN installment 1 is paid, the rest stay pending, balance is 127500
	f := newTestLedger(t)
	ctx := context.Background()
	sale, _, err := f.ledger.CreateSale(ctx, f.terms())
	require.NoError(t, err)

	record, err := f.ledger.ApplyPayment(ctx, sale.ID, core.MustMoney("42500"), core.MethodCash, "", "agent")
	require.NoError(t, err)

	assert.True(t, record.BalanceBefore.Equal(core.MustMoney("170000")))
	assert.True(t, record.BalanceAfter.Equal(core.MustMoney("127500")))

	stmt, err := f.ledger.PaymentStatus(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, core.InstallmentPaid, stmt.Installments[0].Status)
	for _, row := range stmt.Installments[1:] {
		assert.Equal(t, core.InstallmentPending, row.Status)
	}
	assert.True(t, stmt.Sale.BalanceRemaining.Equal(core.MustMoney("127500")))
}

func TestApplyPayment_PartialInstallment_RowStaysPending(t *testing.T) {
	// GIVEN an active sale with 4 x 42500 due
	// WHEN a payment smaller than one installment arrives
	// THEN the balance drops but no installment flips (whole-or-nothing)
	f := newTestLedger(t)
	ctx := context.Background()
	sale, _, err := f.ledger.CreateSale(ctx, f.terms())
	require.NoError(t, err)

	_, err = f.ledger.ApplyPayment(ctx, sale.ID, core.MustMoney("40000"), core.MethodCash, "", "agent")
	require.NoError(t, err)

	stmt, err := f.ledger.PaymentStatus(ctx, sale.ID)
	require.NoError(t, err)
	assert.True(t, stmt.Sale.BalanceRemaining.Equal(core.MustMoney("130000")))
	for _, row := range stmt.Installments {
		assert.Equal(t, core.InstallmentPending, row.Status)
	}
}

func TestApplyPayment_FinalPayment_CompletesSaleAndIssuesUnlock(t *testing.T) {
	// GIVEN a sale paid down to 127500
	// WHEN the remaining balance arrives in one payment
	// THEN the sale completes, the phone flips to sold_completed, and a
	//      pending unlock command exists for the phone
	f := newTestLedger(t)
	ctx := context.Background()
	sale, _, err := f.ledger.CreateSale(ctx, f.terms())
	require.NoError(t, err)

	_, err = f.ledger.ApplyPayment(ctx, sale.ID, core.MustMoney("42500"), core.MethodCash, "", "agent")
	require.NoError(t, err)
	record, err := f.ledger.ApplyPayment(ctx, sale.ID, core.MustMoney("127500"), core.MethodCash, "", "agent")
	require.NoError(t, err)
	assert.True(t, record.BalanceAfter.IsZero())

	got, err := f.store.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SaleCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	phone, err := f.store.GetPhone(ctx, f.phone.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PhoneSoldCompleted, phone.Status)

	cmds, err := f.store.PendingCommandsForPhone(ctx, f.phone.ID)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, core.CommandUnlock, cmds[0].Type)
	assert.Equal(t, core.CommandPending, cmds[0].Status)
}

func TestApplyPayment_Overpayment_ClampsBalanceKeepsAmount(t *testing.T) {
	// GIVEN an active sale with balance 170000
	// WHEN 180000 is tendered
	// THEN the balance clamps at zero while the record keeps the full amount
	f := newTestLedger(t)
	ctx := context.Background()
	sale, _, err := f.ledger.CreateSale(ctx, f.terms())
	require.NoError(t, err)

	record, err := f.ledger.ApplyPayment(ctx, sale.ID, core.MustMoney("180000"), core.MethodTransfer, "", "agent")
	require.NoError(t, err)

	assert.True(t, record.Amount.Equal(core.MustMoney("180000")))
	assert.True(t, record.BalanceAfter.IsZero())

	got, err := f.store.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SaleCompleted, got.Status)
	assert.True(t, got.BalanceRemaining.IsZero())
}

func TestApplyPayment_ExternalRefReplay_ReturnsOriginalRecord(t *testing.T) {
	// GIVEN a gateway payment applied with reference txn-001
	// WHEN the same reference is delivered again
	// THEN the original record comes back and the balance moves only once
	f := newTestLedger(t)
	ctx := context.Background()
	sale, _, err := f.ledger.CreateSale(ctx, f.terms())
	require.NoError(t, err)

	first, err := f.ledger.ApplyPayment(ctx, sale.ID, core.MustMoney("42500"), core.MethodGateway, "txn-001", "gateway")
	require.NoError(t, err)
	replay, err := f.ledger.ApplyPayment(ctx, sale.ID, core.MustMoney("42500"), core.MethodGateway, "txn-001", "gateway")
	require.NoError(t, err)

	assert.Equal(t, first.ID, replay.ID)

	got, err := f.store.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.True(t, got.BalanceRemaining.Equal(core.MustMoney("127500")))

	payments, err := f.store.PaymentsForSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestApplyPayment_NonActiveSale_Rejected(t *testing.T) {
	// GIVEN a completed sale
	// WHEN another payment arrives
	// THEN it is refused with a state error
	f := newTestLedger(t)
	ctx := context.Background()
	sale, _, err := f.ledger.CreateSale(ctx, f.terms())
	require.NoError(t, err)
	_, err = f.ledger.ApplyPayment(ctx, sale.ID, core.MustMoney("170000"), core.MethodCash, "", "agent")
	require.NoError(t, err)

	_, err = f.ledger.ApplyPayment(ctx, sale.ID, core.MustMoney("1000"), core.MethodCash, "", "agent")
	var stateErr *core.StateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestApplyPayment_NonPositiveAmount_Rejected(t *testing.T) {
	f := newTestLedger(t)
	ctx := context.Background()
	sale, _, err := f.ledger.CreateSale(ctx, f.terms())
	require.NoError(t, err)

	_, err = f.ledger.ApplyPayment(ctx, sale.ID, core.ZeroMoney(), core.MethodCash, "", "agent")
	var valErr *core.ValidationError
	assert.ErrorAs(t, err, &valErr)
}

// =============================================================================
// OVERDUE AND DEFAULT
// =============================================================================

func TestMarkOverdue_FlipsPastDuePendingRows(t *testing.T) {
	// GIVEN a weekly schedule created on 2026-03-02
	// WHEN the sweep runs 15 days later
	// THEN exactly the two past-due installments flip to overdue
	f := newTestLedger(t)
	ctx := context.Background()
	sale, _, err := f.ledger.CreateSale(ctx, f.terms())
	require.NoError(t, err)

	flipped, err := f.ledger.MarkOverdue(ctx, f.now.AddDate(0, 0, 15))
	require.NoError(t, err)
	assert.Equal(t, 2, flipped)

	stmt, err := f.ledger.PaymentStatus(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, core.InstallmentOverdue, stmt.Installments[0].Status)
	assert.Equal(t, core.InstallmentOverdue, stmt.Installments[1].Status)
	assert.Equal(t, core.InstallmentPending, stmt.Installments[2].Status)
	assert.Equal(t, core.InstallmentPending, stmt.Installments[3].Status)

	// Rerunning the sweep at the same instant flips nothing new.
	again, err := f.ledger.MarkOverdue(ctx, f.now.AddDate(0, 0, 15))
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestOverdue_ListsRowsWithDayCounts(t *testing.T) {
	// GIVEN a sale with its first installment 3 days past due
	// WHEN the agent's overdue view is built
	// THEN it contains that one row with DaysOverdue = 3
	f := newTestLedger(t)
	ctx := context.Background()
	sale, _, err := f.ledger.CreateSale(ctx, f.terms())
	require.NoError(t, err)

	rows, err := f.ledger.Overdue(ctx, f.agent.ID, f.now.AddDate(0, 0, 10))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, sale.ID, rows[0].Sale.ID)
	assert.Equal(t, 1, rows[0].Installment.Number)
	assert.Equal(t, 3, rows[0].DaysOverdue)
}

func TestIsInDefault_RespectsGrace(t *testing.T) {
	// GIVEN a sale whose first installment fell due on day 7
	// WHEN checked with a 7-day grace at day 13 and day 15
	// THEN it is not in default inside grace, and in default past it
	f := newTestLedger(t)
	ctx := context.Background()
	sale, _, err := f.ledger.CreateSale(ctx, f.terms())
	require.NoError(t, err)

	grace := 7 * 24 * time.Hour
	inDefault, err := f.ledger.IsInDefault(ctx, sale.ID, f.now.AddDate(0, 0, 13), grace)
	require.NoError(t, err)
	assert.False(t, inDefault)

	inDefault, err = f.ledger.IsInDefault(ctx, sale.ID, f.now.AddDate(0, 0, 15), grace)
	require.NoError(t, err)
	assert.True(t, inDefault)
}

func TestMarkDefaulted_TerminalState(t *testing.T) {
	// GIVEN an active sale marked defaulted
	// WHEN a payment or a second default is attempted
	// THEN both are refused; defaulted is terminal
	f := newTestLedger(t)
	ctx := context.Background()
	sale, _, err := f.ledger.CreateSale(ctx, f.terms())
	require.NoError(t, err)

	got, err := f.ledger.MarkDefaulted(ctx, sale.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, core.SaleDefaulted, got.Status)

	var stateErr *core.StateError
	_, err = f.ledger.ApplyPayment(ctx, sale.ID, core.MustMoney("42500"), core.MethodCash, "", "agent")
	assert.ErrorAs(t, err, &stateErr)
	_, err = f.ledger.MarkDefaulted(ctx, sale.ID, "admin")
	assert.ErrorAs(t, err, &stateErr)
}
