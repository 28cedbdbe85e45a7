/*
Package gateway is the boundary to the external payment gateway.

PURPOSE:
  The gateway itself (account provisioning, webhook signatures, HTTP client)
  is an opaque external collaborator: this package defines only the surface
  the core consumes. The one piece of real logic here is the Processor,
  which routes confirmed webhook events into settlement accounting or the
  sale ledger with the transaction reference as the idempotency key.

BOUNDARY RULE:
  No gateway call ever happens inside a financial transaction. Events
  arrive already confirmed; the local transaction that applies them is
  purely local.
*/
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lockpay/installment-engine/core"
	"github.com/lockpay/installment-engine/ledger"
	"github.com/lockpay/installment-engine/secrets"
	"github.com/lockpay/installment-engine/settlement"
)

// EventSuccessfulTransaction is the only event type the core acts on.
const EventSuccessfulTransaction = "SUCCESSFUL_TRANSACTION"

// WebhookEvent is the slice of the gateway's webhook payload the core needs.
// TransactionReference is the idempotency key for the whole pipeline.
type WebhookEvent struct {
	EventType            string
	TransactionReference string
	AccountReference     string
	Amount               core.Money
	PaidAt               time.Time
}

// ReservedAccount is a gateway-held virtual account an agent pays into.
type ReservedAccount struct {
	AccountReference string
	AccountNumber    string
	AccountName      string
	BankName         string
	BankCode         string
}

// Client is the outbound gateway surface. Implementations live outside the
// core; anything they do must complete before a local transaction begins.
// Failures should be wrapped in core.ExternalError so callers back off.
type Client interface {
	CreateReservedAccount(ctx context.Context, accountReference, accountName, email string) (*ReservedAccount, error)
	VerifySignature(payload []byte, signature string) bool
}

// =============================================================================
// WEBHOOK SIGNATURES
// =============================================================================

// WebhookSecretID keys the platform-wide webhook signing secret in the
// secrets resolver. Webhook signatures are per-platform, not per-agent.
const WebhookSecretID core.AgentID = "platform-webhook"

// HMACVerifier checks webhook payload signatures: hex-encoded HMAC-SHA512 of
// the raw body under the platform secret, as the gateway computes them.
type HMACVerifier struct {
	secrets secrets.Resolver
}

func NewHMACVerifier(resolver secrets.Resolver) *HMACVerifier {
	return &HMACVerifier{secrets: resolver}
}

// Verify reports whether signature matches payload. Comparison is constant
// time.
func (v *HMACVerifier) Verify(ctx context.Context, payload []byte, signature string) (bool, error) {
	secret, err := v.secrets.GetSecret(ctx, WebhookSecretID)
	if err != nil {
		return false, err
	}
	mac := hmac.New(sha512.New, secret)
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(signature))), nil
}

// =============================================================================
// PROCESSOR - webhook event routing
// =============================================================================

// Outcome says what a processed event did.
type Outcome string

const (
	OutcomeIgnored     Outcome = "ignored"      // non-success event type
	OutcomeSettlement  Outcome = "settlement"   // applied to a settlement
	OutcomeSalePayment Outcome = "sale_payment" // applied to a sale
	OutcomeOrphaned    Outcome = "orphaned"     // recorded for reconciliation
)

// Processor routes inbound events. Account references resolve in order:
// an agent's reserved account means a settlement payment; a "sale-" prefixed
// reference means an installment payment on that sale; anything else is
// recorded as an orphan, never dropped.
type Processor struct {
	store       core.Store
	settlements *settlement.Accounting
	sales       *ledger.Ledger
	log         *logrus.Logger
}

func NewProcessor(store core.Store, settlements *settlement.Accounting, sales *ledger.Ledger, log *logrus.Logger) *Processor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Processor{store: store, settlements: settlements, sales: sales, log: log}
}

// Process applies one webhook event. Replays (same transaction reference)
// are no-ops by construction of the downstream engines.
func (p *Processor) Process(ctx context.Context, ev WebhookEvent) (Outcome, error) {
	if ev.EventType != EventSuccessfulTransaction {
		return OutcomeIgnored, nil
	}
	if ev.TransactionReference == "" {
		return "", &core.ValidationError{Field: "transaction_reference", Message: "must not be empty"}
	}
	if !ev.Amount.IsPositive() {
		return "", &core.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if ev.PaidAt.IsZero() {
		ev.PaidAt = time.Now().UTC()
	}

	agent, err := p.store.FindAgentByAccountReference(ctx, ev.AccountReference)
	if err != nil {
		return "", err
	}
	if agent != nil {
		period := settlement.WeeklyPeriodFor(ev.PaidAt)
		s, err := p.settlements.ConfirmPayment(ctx, agent.ID, period, ev.Amount, ev.TransactionReference, ev.PaidAt)
		if err != nil {
			return "", err
		}
		if s == nil {
			p.log.WithFields(logrus.Fields{
				"agent":     agent.ID,
				"reference": ev.TransactionReference,
			}).Warn("settlement payment orphaned")
			return OutcomeOrphaned, nil
		}
		return OutcomeSettlement, nil
	}

	if strings.HasPrefix(ev.AccountReference, "sale-") {
		_, err := p.sales.ApplyPayment(ctx, core.SaleID(ev.AccountReference), ev.Amount, core.MethodGateway, ev.TransactionReference, "gateway")
		if err != nil {
			return "", err
		}
		return OutcomeSalePayment, nil
	}

	// Unknown account: keep the money visible for manual reconciliation.
	err = p.store.CreateOrphanPayment(ctx, &core.OrphanPayment{
		ID:               core.NewID("orphan"),
		AccountReference: ev.AccountReference,
		Reference:        ev.TransactionReference,
		Amount:           ev.Amount,
		PaidAt:           ev.PaidAt,
		Note:             "unknown account reference",
		CreatedAt:        time.Now().UTC(),
	})
	if err != nil && !errors.Is(err, core.ErrDuplicateReference) {
		return "", err
	}
	p.log.WithField("account", ev.AccountReference).Warn("payment for unknown account recorded as orphan")
	return OutcomeOrphaned, nil
}
