/*
Package ledger owns the Sale's financial lifecycle.

PURPOSE:
  Creation of installment sales, application of payments, completion and
  default detection. This is the core state machine: every mutation here
  must leave Sale.BalanceRemaining, the installment schedule, the immutable
  PaymentRecord trail and the phone lifecycle mutually consistent.

CRITICAL INVARIANTS:
  1. 0 <= BalanceRemaining <= TotalPayable after every mutation.
  2. Installment amounts sum EXACTLY to TotalPayable - DownPayment.
     No rounding drift: the integer-division remainder goes to the last
     installment (see core.Money.Split).
  3. At most one active sale per phone. The storage layer enforces it at
     insert time, so two concurrent creators serialize on the constraint
     instead of both passing a stale pre-check.
  4. PaymentRecords are append-only; BalanceBefore/BalanceAfter always
     bracket the sale balance around the record's application.
  5. All of a payment's effects commit together or not at all. A crash
     between the record insert and the sale update is not observable.

PAYMENT ALLOCATION:
  Payments mark installments paid oldest-due-first, whole-or-nothing: a
  partially covered installment stays pending until fully covered. This is
  the audit-friendly policy; per-row partial accumulation is deliberately
  not supported.

OVERPAYMENT:
  Paying more than the remaining balance clamps the balance at zero. The
  record keeps the full tendered amount, so the excess is visible in the
  trail (amount vs balance_before) without becoming agent credit.

COMPLETION:
  When the balance reaches zero the sale flips to completed, the phone to
  sold_completed, and an unlock command is issued - all inside the same
  transaction, via the enforcement dispatcher.

SEE ALSO:
  - core/store.go: transaction boundary and constraint ownership
  - enforcement/dispatcher.go: command issuance coupled to completion
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lockpay/installment-engine/core"
)

// CommandIssuer is the slice of the enforcement dispatcher the ledger needs:
// issuing a command on a caller-provided store view so it joins the sale's
// transaction.
type CommandIssuer interface {
	IssueOn(ctx context.Context, store core.Store, req core.CommandRequest) (*core.DeviceCommand, error)
}

// Ledger is the sale lifecycle engine.
type Ledger struct {
	store    core.Store
	issuer   CommandIssuer
	audit    core.Recorder
	now      func() time.Time
}

func New(store core.Store, issuer CommandIssuer, audit core.Recorder) *Ledger {
	if audit == nil {
		audit = core.NopRecorder{}
	}
	return &Ledger{store: store, issuer: issuer, audit: audit, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the ledger's clock. Tests only.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// =============================================================================
// SALE CREATION
// =============================================================================

// SaleTerms are the inputs to CreateSale.
type SaleTerms struct {
	AgentID    core.AgentID
	CustomerID core.CustomerID
	PhoneID    core.PhoneID

	SalePrice    core.Money
	DownPayment  core.Money
	TotalPayable core.Money

	Installments int
	Interval     core.BillingInterval
	SoldBy       string
}

func (t SaleTerms) validate() error {
	switch {
	case !t.SalePrice.IsPositive():
		return &core.ValidationError{Field: "sale_price", Message: "must be positive"}
	case t.DownPayment.IsNegative():
		return &core.ValidationError{Field: "down_payment", Message: "must not be negative"}
	case t.TotalPayable.LessThan(t.SalePrice):
		return &core.ValidationError{Field: "total_payable", Message: "must be at least the sale price"}
	case t.DownPayment.GreaterThan(t.TotalPayable):
		return &core.ValidationError{Field: "down_payment", Message: "must not exceed total payable"}
	case t.Installments < 1:
		return &core.ValidationError{Field: "installments", Message: "must be at least 1"}
	case t.Interval != core.IntervalWeekly && t.Interval != core.IntervalMonthly:
		return &core.ValidationError{Field: "interval", Message: "must be weekly or monthly"}
	}
	return nil
}

// CreateSale creates a sale, its installment schedule, and flips the phone
// to sold_active, atomically. Any failure aborts the whole transaction: no
// partial sale/schedule/phone-status combination can persist.
func (l *Ledger) CreateSale(ctx context.Context, terms SaleTerms) (*core.Sale, []core.Installment, error) {
	if err := terms.validate(); err != nil {
		return nil, nil, err
	}

	now := l.now()
	sale := &core.Sale{
		ID:               core.SaleID(core.NewID("sale")),
		AgentID:          terms.AgentID,
		CustomerID:       terms.CustomerID,
		PhoneID:          terms.PhoneID,
		SalePrice:        terms.SalePrice,
		DownPayment:      terms.DownPayment,
		TotalPayable:     terms.TotalPayable,
		BalanceRemaining: terms.TotalPayable.Sub(terms.DownPayment),
		Installments:     terms.Installments,
		Interval:         terms.Interval,
		Status:           core.SaleActive,
		CreatedAt:        now,
	}

	var schedule []core.Installment
	err := l.store.WithTx(ctx, func(tx core.Store) error {
		phone, err := tx.GetPhone(ctx, terms.PhoneID)
		if err != nil {
			return err
		}
		if phone.AgentID != terms.AgentID {
			return &core.NotFoundError{Kind: "phone", ID: string(terms.PhoneID)}
		}
		if phone.Status != core.PhoneInInventory {
			return &core.StateError{Entity: "phone", ID: string(phone.ID), From: string(phone.Status), To: string(core.PhoneSoldActive)}
		}

		entry, err := tx.FindRegistryEntry(ctx, phone.IMEI)
		if err != nil {
			return err
		}
		if entry != nil && entry.Blacklisted {
			return core.ErrBlacklisted
		}

		customer, err := tx.GetCustomer(ctx, terms.CustomerID)
		if err != nil {
			return err
		}
		if customer.AgentID != terms.AgentID {
			return &core.NotFoundError{Kind: "customer", ID: string(terms.CustomerID)}
		}

		// The partial unique index on (phone, status=active) makes this
		// insert the race arbiter, not a prior SELECT.
		if err := tx.CreateSale(ctx, sale); err != nil {
			return err
		}

		schedule = buildSchedule(sale, now)
		if err := reconcileSchedule(sale, schedule); err != nil {
			return err
		}
		if err := tx.CreateInstallments(ctx, schedule); err != nil {
			return err
		}

		phone.Status = core.PhoneSoldActive
		phone.UpdatedAt = now
		return tx.UpdatePhone(ctx, phone)
	})
	if err != nil {
		return nil, nil, err
	}

	l.audit.Record(ctx, terms.SoldBy, "sale_created", "sale", string(sale.ID), map[string]string{
		"phone_id":      string(sale.PhoneID),
		"total_payable": sale.TotalPayable.String(),
	})
	return sale, schedule, nil
}

// buildSchedule generates N installments. Due date for installment i is the
// creation date plus i periods; amounts are the exact split of the financed
// balance with the remainder on the last row.
func buildSchedule(sale *core.Sale, createdAt time.Time) []core.Installment {
	parts := sale.BalanceRemaining.Split(sale.Installments)
	rows := make([]core.Installment, sale.Installments)
	base := core.Day(createdAt)
	for i := range rows {
		var due time.Time
		if sale.Interval == core.IntervalWeekly {
			due = base.AddDate(0, 0, 7*(i+1))
		} else {
			due = base.AddDate(0, i+1, 0)
		}
		rows[i] = core.Installment{
			ID:        core.NewID("inst"),
			SaleID:    sale.ID,
			Number:    i + 1,
			DueDate:   due,
			AmountDue: parts[i],
			Status:    core.InstallmentPending,
		}
	}
	return rows
}

// reconcileSchedule is the advisory creation-time check: schedule amounts
// must sum exactly to the financed balance.
func reconcileSchedule(sale *core.Sale, rows []core.Installment) error {
	sum := core.ZeroMoney()
	for _, r := range rows {
		sum = sum.Add(r.AmountDue)
	}
	if !sum.Equal(sale.BalanceRemaining) {
		return fmt.Errorf("schedule sum %s != financed balance %s for sale %s",
			sum, sale.BalanceRemaining, sale.ID)
	}
	return nil
}

// =============================================================================
// PAYMENT APPLICATION
// =============================================================================

// ApplyPayment records a payment against an active sale and allocates it to
// the schedule oldest-due-first. Gateway-referenced payments are idempotent
// on externalRef: a replay returns the previously created record unchanged.
func (l *Ledger) ApplyPayment(ctx context.Context, saleID core.SaleID, amount core.Money, method core.PaymentMethod, externalRef, actor string) (*core.PaymentRecord, error) {
	if !amount.IsPositive() {
		return nil, &core.ValidationError{Field: "amount", Message: "must be positive"}
	}

	if externalRef != "" {
		prior, err := l.store.FindPaymentByExternalRef(ctx, externalRef)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return prior, nil
		}
	}

	now := l.now()
	record := &core.PaymentRecord{
		ID:          core.NewID("pay"),
		SaleID:      saleID,
		Amount:      amount,
		Method:      method,
		ExternalRef: externalRef,
		Status:      core.PaymentConfirmed,
		CreatedAt:   now,
	}

	var completed bool
	err := l.store.WithTx(ctx, func(tx core.Store) error {
		sale, err := tx.GetSale(ctx, saleID)
		if err != nil {
			return err
		}
		if sale.Status != core.SaleActive {
			return &core.StateError{Entity: "sale", ID: string(saleID), From: string(sale.Status), To: "payment"}
		}

		record.AgentID = sale.AgentID
		record.BalanceBefore = sale.BalanceRemaining
		record.BalanceAfter = sale.BalanceRemaining.Sub(amount).ClampZero()

		// Unique reference constraint backstops the pre-check above: a
		// concurrent replay loses here and is resolved after the tx.
		if err := tx.CreatePaymentRecord(ctx, record); err != nil {
			return err
		}

		if err := l.allocate(ctx, tx, saleID, amount, now); err != nil {
			return err
		}

		sale.BalanceRemaining = record.BalanceAfter
		if sale.BalanceRemaining.IsZero() {
			completed = true
			sale.Status = core.SaleCompleted
			completedAt := now
			sale.CompletedAt = &completedAt

			phone, err := tx.GetPhone(ctx, sale.PhoneID)
			if err != nil {
				return err
			}
			phone.Status = core.PhoneSoldCompleted
			phone.UpdatedAt = now
			if err := tx.UpdatePhone(ctx, phone); err != nil {
				return err
			}

			if l.issuer != nil {
				if _, err := l.issuer.IssueOn(ctx, tx, core.CommandRequest{
					PhoneID:  sale.PhoneID,
					AgentID:  sale.AgentID,
					SaleID:   sale.ID,
					Type:     core.CommandUnlock,
					Reason:   "payment completed",
					IssuedBy: "system",
				}); err != nil {
					return err
				}
			}
		}
		return tx.UpdateSale(ctx, sale)
	})
	if err != nil {
		if errors.Is(err, core.ErrDuplicateReference) && externalRef != "" {
			return l.store.FindPaymentByExternalRef(ctx, externalRef)
		}
		return nil, err
	}

	meta := map[string]string{
		"amount":        amount.String(),
		"balance_after": record.BalanceAfter.String(),
	}
	l.audit.Record(ctx, actor, "payment_applied", "sale", string(saleID), meta)
	if completed {
		l.audit.Record(ctx, actor, "sale_completed", "sale", string(saleID), nil)
	}
	return record, nil
}

// allocate marks installments paid oldest-due-first until the amount (or the
// schedule) is exhausted. Whole-or-nothing per row.
func (l *Ledger) allocate(ctx context.Context, tx core.Store, saleID core.SaleID, amount core.Money, now time.Time) error {
	rows, err := tx.InstallmentsForSale(ctx, saleID)
	if err != nil {
		return err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].DueDate.Before(rows[j].DueDate) })

	remaining := amount
	paidDate := core.Day(now)
	for i := range rows {
		row := rows[i]
		if row.Status != core.InstallmentPending && row.Status != core.InstallmentOverdue {
			continue
		}
		if remaining.LessThan(row.AmountDue) {
			break
		}
		remaining = remaining.Sub(row.AmountDue)
		row.Status = core.InstallmentPaid
		row.PaidDate = &paidDate
		if err := tx.UpdateInstallment(ctx, &row); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// OVERDUE AND DEFAULT
// =============================================================================

// MarkOverdue is the periodic sweep flipping past-due pending installments
// to overdue. Driven by an external trigger, never spontaneous.
func (l *Ledger) MarkOverdue(ctx context.Context, asOf time.Time) (int, error) {
	return l.store.MarkOverdueInstallments(ctx, asOf)
}

// IsInDefault reports whether the sale's oldest unpaid installment is past
// due by more than grace as of asOf. The caller decides whether to act.
func (l *Ledger) IsInDefault(ctx context.Context, saleID core.SaleID, asOf time.Time, grace time.Duration) (bool, error) {
	sale, err := l.store.GetSale(ctx, saleID)
	if err != nil {
		return false, err
	}
	if sale.Status != core.SaleActive {
		return false, nil
	}
	rows, err := l.store.InstallmentsForSale(ctx, saleID)
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		if row.Status == core.InstallmentPending || row.Status == core.InstallmentOverdue {
			if core.Day(asOf).After(row.DueDate.Add(grace)) {
				return true, nil
			}
		}
	}
	return false, nil
}

// MarkDefaulted transitions an active sale to defaulted. Terminal: there is
// no path back to active after catch-up payment.
func (l *Ledger) MarkDefaulted(ctx context.Context, saleID core.SaleID, actor string) (*core.Sale, error) {
	var sale *core.Sale
	err := l.store.WithTx(ctx, func(tx core.Store) error {
		var err error
		sale, err = tx.GetSale(ctx, saleID)
		if err != nil {
			return err
		}
		if sale.Status != core.SaleActive {
			return &core.StateError{Entity: "sale", ID: string(saleID), From: string(sale.Status), To: string(core.SaleDefaulted)}
		}
		sale.Status = core.SaleDefaulted
		return tx.UpdateSale(ctx, sale)
	})
	if err != nil {
		return nil, err
	}
	l.audit.Record(ctx, actor, "sale_defaulted", "sale", string(saleID), nil)
	return sale, nil
}

// =============================================================================
// VIEWS
// =============================================================================

// Statement is the full financial picture of one sale.
type Statement struct {
	Sale         *core.Sale
	Installments []core.Installment
	Payments     []core.PaymentRecord
}

// PaymentStatus returns sale, schedule and payment history in one view.
func (l *Ledger) PaymentStatus(ctx context.Context, saleID core.SaleID) (*Statement, error) {
	sale, err := l.store.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	rows, err := l.store.InstallmentsForSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Number < rows[j].Number })
	payments, err := l.store.PaymentsForSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	return &Statement{Sale: sale, Installments: rows, Payments: payments}, nil
}

// OverdueRow is one overdue installment with its sale context.
type OverdueRow struct {
	Installment core.Installment
	Sale        core.Sale
	DaysOverdue int
}

// Overdue lists an agent's overdue installments across active sales.
func (l *Ledger) Overdue(ctx context.Context, agentID core.AgentID, asOf time.Time) ([]OverdueRow, error) {
	sales, err := l.store.ListSales(ctx, agentID, core.SaleActive)
	if err != nil {
		return nil, err
	}
	today := core.Day(asOf)
	var out []OverdueRow
	for _, sale := range sales {
		rows, err := l.store.InstallmentsForSale(ctx, sale.ID)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if row.IsOverdue(asOf) {
				out = append(out, OverdueRow{
					Installment: row,
					Sale:        sale,
					DaysOverdue: int(today.Sub(row.DueDate).Hours() / 24),
				})
			}
		}
	}
	return out, nil
}
