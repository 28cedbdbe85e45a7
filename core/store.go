/*
store.go - Persistence interfaces for the installment engine

PURPOSE:
  Defines the contract between the engines and the database. Implementations
  live in store/sqlite (production) and store/memory (tests/dev).

TRANSACTION BOUNDARY:
  Every financial mutation runs inside WithTx: sale creation, payment
  application, settlement confirmation, and command transitions that touch
  the phone lock flag. The callback receives a Store view scoped to one
  database transaction; if it returns an error everything rolls back, so a
  crash between a PaymentRecord insert and the sale update is never
  observable.

HARD CONSTRAINTS THE STORE OWNS:
  - registry: one entry per IMEI
  - sales: at most one active sale per phone (partial unique index; the
    insert itself loses the race, not a prior SELECT)
  - settlements: one per (agent, period)
  - settlement payments / gateway-referenced sale payments: unique
    reference, the idempotency backstop

NIL-VS-ERROR CONVENTION:
  Lookups by primary key return a NotFoundError when missing.
  "Find if any" queries (ActiveSaleForPhone, FindRegistryEntry,
  FindSettlement, payment-by-reference) return (nil, nil) when absent,
  because absence is a normal answer on those paths.
*/
package core

import (
	"context"
	"time"
)

// =============================================================================
// PER-CONCERN STORES
// =============================================================================

// RegistryStore persists the global IMEI registry.
type RegistryStore interface {
	// FindRegistryEntry returns (nil, nil) when the IMEI has never been seen.
	FindRegistryEntry(ctx context.Context, imei string) (*RegistryEntry, error)

	// SaveRegistryEntry inserts or updates the entry for its IMEI.
	// FirstRegisteredAgent is written once and never overwritten.
	SaveRegistryEntry(ctx context.Context, e *RegistryEntry) error
}

// InventoryStore persists agents, phones and customers.
type InventoryStore interface {
	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id AgentID) (*Agent, error)
	ListAgents(ctx context.Context, status AgentStatus) ([]Agent, error)
	// FindAgentByAccountReference returns (nil, nil) when no agent owns the
	// gateway account.
	FindAgentByAccountReference(ctx context.Context, ref string) (*Agent, error)

	CreatePhone(ctx context.Context, p *Phone) error
	GetPhone(ctx context.Context, id PhoneID) (*Phone, error)
	// FindPhoneByIMEI returns (nil, nil) when unknown.
	FindPhoneByIMEI(ctx context.Context, imei string) (*Phone, error)
	UpdatePhone(ctx context.Context, p *Phone) error
	ListPhones(ctx context.Context, agentID AgentID) ([]Phone, error)
	CountPhones(ctx context.Context, agentID AgentID) (int, error)

	CreateCustomer(ctx context.Context, c *Customer) error
	GetCustomer(ctx context.Context, id CustomerID) (*Customer, error)
	UpdateCustomer(ctx context.Context, c *Customer) error
	// DeleteCustomer fails with ErrCustomerInUse if any sale references the
	// customer. Ledger integrity beats tidiness.
	DeleteCustomer(ctx context.Context, id CustomerID) error
	ListCustomers(ctx context.Context, agentID AgentID) ([]Customer, error)
}

// SaleStore persists sales, installment schedules and payment records.
type SaleStore interface {
	// CreateSale inserts the sale. Returns ErrDuplicateActiveSale when the
	// phone already has an active sale; the uniqueness check happens at
	// insert time so concurrent creators serialize on the constraint.
	CreateSale(ctx context.Context, s *Sale) error
	GetSale(ctx context.Context, id SaleID) (*Sale, error)
	UpdateSale(ctx context.Context, s *Sale) error
	ListSales(ctx context.Context, agentID AgentID, status SaleStatus) ([]Sale, error)
	// ActiveSaleForPhone returns (nil, nil) when the phone has no active sale.
	ActiveSaleForPhone(ctx context.Context, phoneID PhoneID) (*Sale, error)

	CreateInstallments(ctx context.Context, rows []Installment) error
	InstallmentsForSale(ctx context.Context, saleID SaleID) ([]Installment, error)
	UpdateInstallment(ctx context.Context, row *Installment) error
	// MarkOverdueInstallments flips pending rows past due as of asOf to
	// overdue, across all sales. Returns the number flipped.
	MarkOverdueInstallments(ctx context.Context, asOf time.Time) (int, error)

	CreatePaymentRecord(ctx context.Context, r *PaymentRecord) error
	PaymentsForSale(ctx context.Context, saleID SaleID) ([]PaymentRecord, error)
	// FindPaymentByExternalRef returns (nil, nil) when the reference has not
	// been seen. Used for webhook replay detection on sale payments.
	FindPaymentByExternalRef(ctx context.Context, ref string) (*PaymentRecord, error)
}

// SettlementStore persists periodic agent billing.
type SettlementStore interface {
	// CreateSettlement returns ErrDuplicatePeriod when (agent, period)
	// already exists.
	CreateSettlement(ctx context.Context, s *Settlement) error
	GetSettlement(ctx context.Context, id SettlementID) (*Settlement, error)
	// FindSettlement looks up by explicit (agent, period); (nil, nil) when
	// none exists. There is deliberately no "latest pending" query.
	FindSettlement(ctx context.Context, agentID AgentID, periodStart, periodEnd time.Time) (*Settlement, error)
	UpdateSettlement(ctx context.Context, s *Settlement) error
	ListSettlements(ctx context.Context, agentID AgentID) ([]Settlement, error)

	// CreateSettlementPayment returns ErrDuplicateReference when the
	// reference was already recorded.
	CreateSettlementPayment(ctx context.Context, p *SettlementPayment) error
	// FindSettlementPaymentByReference returns (nil, nil) when unseen.
	FindSettlementPaymentByReference(ctx context.Context, ref string) (*SettlementPayment, error)

	// CreateOrphanPayment returns ErrDuplicateReference when the reference
	// was already orphaned.
	CreateOrphanPayment(ctx context.Context, p *OrphanPayment) error
	// FindOrphanPaymentByReference returns (nil, nil) when unseen.
	FindOrphanPaymentByReference(ctx context.Context, ref string) (*OrphanPayment, error)
	ListOrphanPayments(ctx context.Context) ([]OrphanPayment, error)
}

// CommandStore persists device commands.
type CommandStore interface {
	CreateCommand(ctx context.Context, c *DeviceCommand) error
	GetCommand(ctx context.Context, id CommandID) (*DeviceCommand, error)
	// PendingCommandsForPhone returns commands in {pending, sent}, oldest
	// first. Expiry filtering is the dispatcher's job.
	PendingCommandsForPhone(ctx context.Context, phoneID PhoneID) ([]DeviceCommand, error)
	// TransitionCommand persists c's current field values, guarded by the
	// allowed prior statuses: the update applies only if the stored status
	// is one of from. Returns ErrInvalidTransition otherwise, which is how
	// concurrent transitions serialize.
	TransitionCommand(ctx context.Context, c *DeviceCommand, from ...CommandStatus) error
	// ExpireCommands flips pending/sent commands past expiry to expired.
	ExpireCommands(ctx context.Context, now time.Time) (int, error)

	CreateHeartbeat(ctx context.Context, h *DeviceHeartbeat) error
	// LatestHeartbeat returns the phone's most recent heartbeat, or
	// (nil, nil) when the device has never reported.
	LatestHeartbeat(ctx context.Context, phoneID PhoneID) (*DeviceHeartbeat, error)
}

// =============================================================================
// COMPOSED STORE
// =============================================================================

// Store is the full persistence surface plus the transaction boundary.
type Store interface {
	RegistryStore
	InventoryStore
	SaleStore
	SettlementStore
	CommandStore
	AuditStore

	// WithTx executes fn within one database transaction. fn's Store view
	// writes are committed iff fn returns nil.
	WithTx(ctx context.Context, fn func(Store) error) error
}
