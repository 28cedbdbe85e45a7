/*
Package core provides the shared domain kernel for the installment engine.

PURPOSE:
  This package contains the entities and contracts every other package builds
  on: money arithmetic, typed identifiers, the entity structs for phones,
  sales, installments, payments, settlements and device commands, the error
  taxonomy, and the storage interfaces. Engine packages (registry, ledger,
  settlement, enforcement) contain the rules; this package contains the nouns.

KEY CONCEPTS IN THIS FILE (types.go):
  - Typed IDs: AgentID, PhoneID, SaleID, ... prevent mixing identifiers
  - RegistryEntry: global IMEI record (first owner, current owner, blacklist)
  - Sale + Installment + PaymentRecord: the financial contract and its trail
  - Settlement + SettlementPayment: agent-level periodic billing
  - DeviceCommand: the lock/unlock command state machine row

DESIGN PRINCIPLES:
  1. Immutability where it matters: PaymentRecords are never edited, only
     their status is promoted pending -> confirmed.
  2. Precision: Money uses decimal.Decimal (see money.go), never float.
  3. State machines are explicit: every enum below names its legal values,
     and the engines enforce the legal transitions.

SEE ALSO:
  - money.go:  Money arithmetic and exact installment splitting
  - errors.go: Error taxonomy (validation / conflict / not found / state)
  - store.go:  Persistence interfaces implemented by store/sqlite and
    store/memory
*/
package core

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	AgentID      string
	PhoneID      string
	CustomerID   string
	SaleID       string
	CommandID    string
	SettlementID string
	HeartbeatID  string
)

// NewID returns a random identifier with the given prefix, e.g. "sale-3fa2...".
func NewID(prefix string) string {
	var b [8]byte
	rand.Read(b[:])
	return prefix + "-" + hex.EncodeToString(b[:])
}

// =============================================================================
// AGENT - the reseller operating sales and owning inventory
// =============================================================================

type AgentStatus string

const (
	AgentActive     AgentStatus = "active"
	AgentRestricted AgentStatus = "restricted"
	AgentDisabled   AgentStatus = "disabled"
)

type Agent struct {
	ID           AgentID
	BusinessName string
	Status       AgentStatus

	// AccountReference is the reserved gateway account this agent pays
	// settlements into. Inbound webhook events are routed by it.
	AccountReference string

	CreatedAt time.Time
}

// =============================================================================
// PHONE REGISTRY - global IMEI tracking
// =============================================================================

// RegistryEntry is the platform-wide record for one physical device.
// At most one entry exists per IMEI. Entries are never deleted.
type RegistryEntry struct {
	IMEI string

	// FirstRegisteredAgent never changes after creation.
	FirstRegisteredAgent AgentID
	// CurrentAgent changes on ownership transfer.
	CurrentAgent AgentID

	Blacklisted bool
	CreatedAt   time.Time
}

// =============================================================================
// PHONE - one device in one agent's inventory
// =============================================================================

type PhoneStatus string

const (
	PhoneInInventory   PhoneStatus = "in_inventory"
	PhoneSoldActive    PhoneStatus = "sold_active"
	PhoneSoldCompleted PhoneStatus = "sold_completed"
	PhoneReturned      PhoneStatus = "returned"
)

type Phone struct {
	ID      PhoneID
	AgentID AgentID
	IMEI    string
	Brand   string
	Model   string

	// Locked is only ever written by the enforcement dispatcher when a
	// device command reaches executed. Sale logic never touches it.
	Locked bool

	Status    PhoneStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// CUSTOMER - agent-scoped buyer profile
// =============================================================================

// Customer may be edited but never deleted while a Sale references it;
// the ledger keeps pointing at the customer id permanently.
type Customer struct {
	ID          CustomerID
	AgentID     AgentID
	FullName    string
	PhoneNumber string
	Email       string
	Address     string
	CreatedAt   time.Time
}

// =============================================================================
// SALE - the installment purchase contract
// =============================================================================

type SaleStatus string

const (
	SaleActive    SaleStatus = "active"
	SaleCompleted SaleStatus = "completed"
	SaleDefaulted SaleStatus = "defaulted"
	SaleCancelled SaleStatus = "cancelled"
)

// BillingInterval is the cadence of the installment schedule.
type BillingInterval string

const (
	IntervalWeekly  BillingInterval = "weekly"
	IntervalMonthly BillingInterval = "monthly"
)

type Sale struct {
	ID         SaleID
	AgentID    AgentID
	CustomerID CustomerID
	PhoneID    PhoneID

	SalePrice        Money
	DownPayment      Money
	TotalPayable     Money // sale price + financing cost
	BalanceRemaining Money // always within [0, TotalPayable]

	Installments int
	Interval     BillingInterval

	Status      SaleStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// =============================================================================
// INSTALLMENT - one scheduled partial payment within a Sale
// =============================================================================

type InstallmentStatus string

const (
	InstallmentPending InstallmentStatus = "pending"
	InstallmentPaid    InstallmentStatus = "paid"
	InstallmentOverdue InstallmentStatus = "overdue"
	InstallmentWaived  InstallmentStatus = "waived"
)

// Installment is marked paid whole-or-nothing: payments are allocated to the
// oldest unpaid installment first, and a partially covered installment stays
// pending until fully covered.
type Installment struct {
	ID        string
	SaleID    SaleID
	Number    int // 1..N
	DueDate   time.Time
	AmountDue Money
	Status    InstallmentStatus
	PaidDate  *time.Time
}

// IsOverdue reports whether the installment is past due and unpaid as of now,
// regardless of whether a sweep has flipped its stored status yet.
func (i Installment) IsOverdue(now time.Time) bool {
	if i.Status != InstallmentPending && i.Status != InstallmentOverdue {
		return false
	}
	return i.DueDate.Before(truncateToDay(now))
}

// =============================================================================
// PAYMENT RECORD - immutable append-only ledger entry
// =============================================================================

type PaymentMethod string

const (
	MethodGateway  PaymentMethod = "gateway"
	MethodCash     PaymentMethod = "cash"
	MethodTransfer PaymentMethod = "transfer"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentDisputed  PaymentStatus = "disputed"
)

// PaymentRecord is the audit source of truth for balance changes.
// BalanceBefore/BalanceAfter bracket the sale balance around this payment.
// Once written, only Status may ever change (pending -> confirmed).
type PaymentRecord struct {
	ID      string
	AgentID AgentID
	SaleID  SaleID

	Amount Money
	Method PaymentMethod

	// ExternalRef is the gateway transaction reference, empty for cash.
	// It doubles as the idempotency key for webhook replays.
	ExternalRef string

	Status        PaymentStatus
	BalanceBefore Money
	BalanceAfter  Money

	CreatedAt time.Time
}

// =============================================================================
// SETTLEMENT - agent-level periodic billing, one row per (agent, period)
// =============================================================================

type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
	SettlementPartial SettlementStatus = "partial"
	SettlementPaid    SettlementStatus = "paid"
	SettlementOverdue SettlementStatus = "overdue"
)

type Settlement struct {
	ID      SettlementID
	AgentID AgentID

	PeriodStart time.Time
	PeriodEnd   time.Time

	TotalAmount Money
	AmountPaid  Money // monotonically non-decreasing

	Status        SettlementStatus
	DueDate       time.Time
	InvoiceNumber string

	// PaymentReference holds the reference of the payment that completed
	// the settlement, for reconciliation display.
	PaymentReference string
	PaidAt           *time.Time

	CreatedAt time.Time
}

// Outstanding returns the unpaid remainder, never negative.
func (s Settlement) Outstanding() Money {
	return s.TotalAmount.Sub(s.AmountPaid).ClampZero()
}

// IsOverdue reports whether payment is late as of now.
func (s Settlement) IsOverdue(now time.Time) bool {
	if s.Status != SettlementPending && s.Status != SettlementPartial {
		return false
	}
	return s.DueDate.Before(truncateToDay(now))
}

// SettlementPayment is one confirmed gateway payment applied to a settlement.
// Reference is globally unique; replays of the same reference are no-ops.
type SettlementPayment struct {
	ID           string
	SettlementID SettlementID
	Amount       Money
	Reference    string
	Method       string
	PaidAt       time.Time
	ConfirmedAt  time.Time
}

// OrphanPayment records money that arrived with no settlement to absorb it.
// Never silently dropped; surfaced for manual reconciliation.
type OrphanPayment struct {
	ID               string
	AccountReference string
	Reference        string
	Amount           Money
	PaidAt           time.Time
	Note             string
	CreatedAt        time.Time
}

// =============================================================================
// DEVICE COMMAND - lock/unlock instruction state machine
// =============================================================================

type CommandType string

const (
	CommandLock   CommandType = "lock"
	CommandUnlock CommandType = "unlock"
)

type CommandStatus string

const (
	CommandPending      CommandStatus = "pending"
	CommandSent         CommandStatus = "sent"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandExecuted     CommandStatus = "executed"
	CommandFailed       CommandStatus = "failed"
	CommandExpired      CommandStatus = "expired"
)

// DeviceCommand moves strictly forward:
//
//	pending -> sent -> acknowledged -> executed
//	pending|sent -> expired (time-based) | failed (device-reported)
//
// No transition ever regresses.
type DeviceCommand struct {
	ID      CommandID
	PhoneID PhoneID
	AgentID AgentID
	SaleID  SaleID // empty for manually issued commands

	Type   CommandType
	Status CommandStatus
	Reason string

	IssuedBy string

	// AuthTokenHash is the SHA-256 of the one-time command token.
	// The raw token is returned to the issuer once and never stored.
	AuthTokenHash string

	// Token holds the raw token only on the freshly issued command value.
	// Stores must never persist it and poll responses must never carry it.
	Token string

	ExpiresAt      time.Time
	AcknowledgedAt *time.Time
	ExecutedAt     *time.Time

	DeviceResponse string
	ErrorMessage   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CommandRequest carries the parameters for issuing a device command.
// ExpiresAt may be zero; issuance then applies the dispatcher's default TTL.
type CommandRequest struct {
	PhoneID   PhoneID
	AgentID   AgentID
	SaleID    SaleID
	Type      CommandType
	Reason    string
	IssuedBy  string
	ExpiresAt time.Time
}

// IsExpired is a pure function of the clock: a command past ExpiresAt while
// still pending or sent is logically expired even if no sweep has flipped
// its stored status yet. Readers must never execute such a command.
func (c DeviceCommand) IsExpired(now time.Time) bool {
	if c.Status != CommandPending && c.Status != CommandSent {
		return false
	}
	return now.After(c.ExpiresAt)
}

// =============================================================================
// LOCK DECISION - pure query result
// =============================================================================

// LockDecision is the answer to "should this phone be locked right now".
// Producing it has no side effects; issuing a command from it is a separate,
// explicit caller action so decision and effect stay independently auditable.
type LockDecision struct {
	ShouldLock   bool
	Reason       string
	Balance      Money
	OverdueCount int
}

// =============================================================================
// DEVICE HEARTBEAT - append-only health reports
// =============================================================================

// DeviceHeartbeat is a health snapshot reported by the enforcement app.
// Rows are append-only; the newest row is the device's last known state.
// Locked here is the device's self-reported flag, not Phone.Locked, which
// only command execution writes.
type DeviceHeartbeat struct {
	ID      HeartbeatID
	PhoneID PhoneID

	AndroidVersion string
	AppVersion     string
	BatteryLevel   int

	DeviceAdminEnabled bool
	Locked             bool
	LockReason         string

	ReportedAt time.Time
}

// =============================================================================
// SMALL TIME HELPERS
// =============================================================================

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Day truncates a time to midnight UTC. Due dates and period bounds are
// day-granular throughout.
func Day(t time.Time) time.Time { return truncateToDay(t) }
