/*
Package settlement tracks agent-level periodic billing.

PURPOSE:
  One settlement row per (agent, period), generated on a periodic cadence
  and paid down by confirmed gateway payments until it reaches paid. This
  accounting is independent of individual customer sales: it is what the
  agent owes the platform, not what customers owe the agent.

KEY RULES:
  - Settlements are keyed by EXPLICIT (agent, period). There is no "most
    recent pending" scan: when multiple periods are open, the caller names
    the one it means.
  - amount_paid is monotonically non-decreasing. Only confirmed gateway
    payments move it; sale payments never touch it.
  - Idempotency: the payment reference is checked before and enforced at
    insert, so a replayed webhook is a no-op returning the existing state.
  - A payment with no settlement to absorb it becomes an orphan row for
    manual reconciliation. Never dropped, never auto-applied to an
    arbitrary period.
  - This package only consumes and reconciles periods. Generation is the
    periodic external trigger (GenerateSettlements); confirmation never
    invents periods.

SEE ALSO:
  - gateway/processor.go: routes webhook events into ConfirmPayment
  - core/store.go: (agent, period) and reference uniqueness live in the store
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lockpay/installment-engine/core"
)

// =============================================================================
// PERIODS
// =============================================================================

// Period is one billing window, day-granular, inclusive on both ends.
type Period struct {
	Start time.Time
	End   time.Time
}

func (p Period) String() string {
	return p.Start.Format("2006-01-02") + ".." + p.End.Format("2006-01-02")
}

// WeeklyPeriodFor returns the Monday-to-Sunday week containing t.
func WeeklyPeriodFor(t time.Time) Period {
	day := core.Day(t)
	offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
	start := day.AddDate(0, 0, -offset)
	return Period{Start: start, End: start.AddDate(0, 0, 6)}
}

// MonthlyPeriodFor returns the calendar month containing t.
func MonthlyPeriodFor(t time.Time) Period {
	day := core.Day(t)
	start := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, -1)}
}

// =============================================================================
// ACCOUNTING ENGINE
// =============================================================================

type Accounting struct {
	store core.Store
	audit core.Recorder
	now   func() time.Time
}

func New(store core.Store, audit core.Recorder) *Accounting {
	if audit == nil {
		audit = core.NopRecorder{}
	}
	return &Accounting{store: store, audit: audit, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the engine's clock. Tests only.
func (a *Accounting) WithClock(now func() time.Time) *Accounting {
	a.now = now
	return a
}

// ConfirmPayment applies a confirmed gateway payment to the settlement for
// (agent, period).
//
// Replays of the same reference return the already-updated settlement and
// apply nothing. If no open settlement exists for the period the payment is
// recorded as an orphan and (nil, nil) is returned: surfaced, not applied,
// never dropped.
func (a *Accounting) ConfirmPayment(ctx context.Context, agentID core.AgentID, period Period, amount core.Money, externalRef string, paidAt time.Time) (*core.Settlement, error) {
	if !amount.IsPositive() {
		return nil, &core.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if externalRef == "" {
		return nil, &core.ValidationError{Field: "external_ref", Message: "must not be empty"}
	}

	if prior, err := a.replay(ctx, externalRef); prior != nil || err != nil {
		return prior, err
	}
	// A reference that was already orphaned stays orphaned: re-delivery must
	// not apply it to a settlement generated in the meantime, or manual
	// reconciliation of the orphan would double-count it.
	if orphan, err := a.store.FindOrphanPaymentByReference(ctx, externalRef); orphan != nil || err != nil {
		return nil, err
	}

	now := a.now()
	var settled *core.Settlement
	var orphaned bool
	err := a.store.WithTx(ctx, func(tx core.Store) error {
		orphaned = false
		s, err := tx.FindSettlement(ctx, agentID, period.Start, period.End)
		if err != nil {
			return err
		}
		if s == nil || s.Status == core.SettlementPaid {
			orphaned = true
			note := "no settlement for period " + period.String()
			if s != nil {
				note = "settlement " + string(s.ID) + " already paid"
			}
			return tx.CreateOrphanPayment(ctx, &core.OrphanPayment{
				ID:               core.NewID("orphan"),
				AccountReference: string(agentID),
				Reference:        externalRef,
				Amount:           amount,
				PaidAt:           paidAt,
				Note:             note,
				CreatedAt:        now,
			})
		}

		if err := tx.CreateSettlementPayment(ctx, &core.SettlementPayment{
			ID:           core.NewID("stlpay"),
			SettlementID: s.ID,
			Amount:       amount,
			Reference:    externalRef,
			Method:       "bank_transfer",
			PaidAt:       paidAt,
			ConfirmedAt:  now,
		}); err != nil {
			return err
		}

		// Monotonic by construction: only ever added to.
		s.AmountPaid = s.AmountPaid.Add(amount)
		if s.AmountPaid.GreaterThanOrEqual(s.TotalAmount) {
			s.Status = core.SettlementPaid
			s.PaymentReference = externalRef
			paidTime := now
			s.PaidAt = &paidTime
		} else {
			s.Status = core.SettlementPartial
		}
		settled = s
		return tx.UpdateSettlement(ctx, s)
	})
	if err != nil {
		// Concurrent replay lost the insert race; resolve to the winner.
		if errors.Is(err, core.ErrDuplicateReference) {
			return a.replay(ctx, externalRef)
		}
		return nil, err
	}

	if orphaned {
		a.audit.Record(ctx, "gateway", "orphan_payment_recorded", "agent", string(agentID), map[string]string{
			"reference": externalRef,
			"amount":    amount.String(),
		})
		return nil, nil
	}

	a.audit.Record(ctx, "gateway", "settlement_payment_confirmed", "settlement", string(settled.ID), map[string]string{
		"reference":   externalRef,
		"amount":      amount.String(),
		"amount_paid": settled.AmountPaid.String(),
		"status":      string(settled.Status),
	})
	return settled, nil
}

// replay returns the settlement previously updated by externalRef, or nil
// if the reference is new.
func (a *Accounting) replay(ctx context.Context, externalRef string) (*core.Settlement, error) {
	p, err := a.store.FindSettlementPaymentByReference(ctx, externalRef)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	return a.store.GetSettlement(ctx, p.SettlementID)
}

// =============================================================================
// GENERATION - the periodic external trigger
// =============================================================================

// GenerateSettlements creates one settlement per active agent for the
// period: fee per phone times inventory count. Reruns for the same period
// skip existing rows, so the trigger is safe to fire twice.
func (a *Accounting) GenerateSettlements(ctx context.Context, period Period, feePerPhone core.Money, dueDate time.Time) (created, skipped int, err error) {
	if !feePerPhone.IsPositive() {
		return 0, 0, &core.ValidationError{Field: "fee_per_phone", Message: "must be positive"}
	}
	if dueDate.IsZero() {
		dueDate = period.End.AddDate(0, 0, 3)
	}

	agents, err := a.store.ListAgents(ctx, core.AgentActive)
	if err != nil {
		return 0, 0, err
	}

	now := a.now()
	for _, agent := range agents {
		count, err := a.store.CountPhones(ctx, agent.ID)
		if err != nil {
			return created, skipped, err
		}
		if count == 0 {
			skipped++
			continue
		}

		s := &core.Settlement{
			ID:            core.SettlementID(core.NewID("stl")),
			AgentID:       agent.ID,
			PeriodStart:   period.Start,
			PeriodEnd:     period.End,
			TotalAmount:   feePerPhone.Mul(int64(count)),
			AmountPaid:    core.ZeroMoney(),
			Status:        core.SettlementPending,
			DueDate:       core.Day(dueDate),
			InvoiceNumber: fmt.Sprintf("INV-%s-%s", agent.ID, period.Start.Format("20060102")),
			CreatedAt:     now,
		}
		if err := a.store.CreateSettlement(ctx, s); err != nil {
			if errors.Is(err, core.ErrDuplicatePeriod) {
				skipped++
				continue
			}
			return created, skipped, err
		}
		created++
		a.audit.Record(ctx, "system", "settlement_generated", "settlement", string(s.ID), map[string]string{
			"agent":  string(agent.ID),
			"period": period.String(),
			"total":  s.TotalAmount.String(),
		})
	}
	return created, skipped, nil
}

// =============================================================================
// DEVICE-FACING STATUS
// =============================================================================

// DeviceStatus is what the companion app needs to decide whether to show the
// payment overlay and to poll for confirmation.
type DeviceStatus struct {
	HasSettlement bool
	IsDue         bool
	IsPaid        bool
	IsOverdue     bool

	SettlementID     core.SettlementID
	TotalAmount      core.Money
	AmountPaid       core.Money
	Outstanding      core.Money
	DueDate          time.Time
	InvoiceNumber    string
	PaymentReference string
}

// StatusForDevice reports the current-week settlement state for the agent
// owning the phone with this IMEI.
func (a *Accounting) StatusForDevice(ctx context.Context, imei string, asOf time.Time) (*DeviceStatus, error) {
	phone, err := a.store.FindPhoneByIMEI(ctx, imei)
	if err != nil {
		return nil, err
	}
	if phone == nil {
		return nil, &core.NotFoundError{Kind: "phone", ID: imei}
	}

	period := WeeklyPeriodFor(asOf)
	s, err := a.store.FindSettlement(ctx, phone.AgentID, period.Start, period.End)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return &DeviceStatus{}, nil
	}

	status := &DeviceStatus{
		HasSettlement:    true,
		IsPaid:           s.Status == core.SettlementPaid,
		IsOverdue:        s.IsOverdue(asOf),
		SettlementID:     s.ID,
		TotalAmount:      s.TotalAmount,
		AmountPaid:       s.AmountPaid,
		Outstanding:      s.Outstanding(),
		DueDate:          s.DueDate,
		InvoiceNumber:    s.InvoiceNumber,
		PaymentReference: s.PaymentReference,
	}
	status.IsDue = !status.IsPaid && !status.IsOverdue
	return status, nil
}

// Orphans lists unreconciled payments for the admin surface.
func (a *Accounting) Orphans(ctx context.Context) ([]core.OrphanPayment, error) {
	return a.store.ListOrphanPayments(ctx)
}

// SettlementsForAgent lists an agent's settlement history.
func (a *Accounting) SettlementsForAgent(ctx context.Context, agentID core.AgentID) ([]core.Settlement, error) {
	return a.store.ListSettlements(ctx, agentID)
}
