/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY REPRESENTATION:
  All monetary values cross the wire as decimal strings ("42500.00"),
  never as floats. Parsing happens in the handlers via core.ParseMoney.

VALIDATION:
  Request types carry go-playground/validator struct tags; handlers run
  the validator before touching domain logic.

SEE ALSO:
  - handlers.go: Uses these types
  - core/types.go: The domain model these project
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/lockpay/installment-engine/core"
	"github.com/lockpay/installment-engine/ledger"
	"github.com/lockpay/installment-engine/settlement"
)

// =============================================================================
// AGENTS, PHONES, CUSTOMERS
// =============================================================================

type AgentDTO struct {
	ID               string `json:"id"`
	BusinessName     string `json:"business_name"`
	Status           string `json:"status"`
	AccountReference string `json:"account_reference,omitempty"`
	CreatedAt        string `json:"created_at,omitempty"`
}

type CreateAgentRequest struct {
	BusinessName     string `json:"business_name" validate:"required"`
	AccountReference string `json:"account_reference"`
}

type PhoneDTO struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	IMEI      string `json:"imei"`
	Brand     string `json:"brand,omitempty"`
	Model     string `json:"model,omitempty"`
	Locked    bool   `json:"locked"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at,omitempty"`
}

type RegisterPhoneRequest struct {
	IMEI  string `json:"imei" validate:"required,min=14,max=16,numeric"`
	Brand string `json:"brand"`
	Model string `json:"model"`
}

type CustomerDTO struct {
	ID          string `json:"id"`
	AgentID     string `json:"agent_id"`
	FullName    string `json:"full_name"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Email       string `json:"email,omitempty"`
	Address     string `json:"address,omitempty"`
}

type CreateCustomerRequest struct {
	FullName    string `json:"full_name" validate:"required"`
	PhoneNumber string `json:"phone_number"`
	Email       string `json:"email" validate:"omitempty,email"`
	Address     string `json:"address"`
}

// =============================================================================
// REGISTRY
// =============================================================================

type RegistryEntryDTO struct {
	IMEI                 string `json:"imei"`
	FirstRegisteredAgent string `json:"first_registered_agent"`
	CurrentAgent         string `json:"current_agent"`
	Blacklisted          bool   `json:"blacklisted"`
	CreatedAt            string `json:"created_at,omitempty"`
}

// =============================================================================
// SALES AND PAYMENTS
// =============================================================================

type SaleDTO struct {
	ID               string  `json:"id"`
	AgentID          string  `json:"agent_id"`
	CustomerID       string  `json:"customer_id"`
	PhoneID          string  `json:"phone_id"`
	SalePrice        string  `json:"sale_price"`
	DownPayment      string  `json:"down_payment"`
	TotalPayable     string  `json:"total_payable"`
	BalanceRemaining string  `json:"balance_remaining"`
	Installments     int     `json:"installments"`
	Interval         string  `json:"interval"`
	Status           string  `json:"status"`
	CreatedAt        string  `json:"created_at,omitempty"`
	CompletedAt      *string `json:"completed_at,omitempty"`
}

type InstallmentDTO struct {
	Number    int     `json:"number"`
	DueDate   string  `json:"due_date"`
	AmountDue string  `json:"amount_due"`
	Status    string  `json:"status"`
	PaidDate  *string `json:"paid_date,omitempty"`
}

type CreateSaleRequest struct {
	AgentID      string `json:"agent_id" validate:"required"`
	CustomerID   string `json:"customer_id" validate:"required"`
	PhoneID      string `json:"phone_id" validate:"required"`
	SalePrice    string `json:"sale_price" validate:"required"`
	DownPayment  string `json:"down_payment" validate:"required"`
	TotalPayable string `json:"total_payable" validate:"required"`
	Installments int    `json:"installments" validate:"required,min=1"`
	Interval     string `json:"interval" validate:"required,oneof=weekly monthly"`
	SoldBy       string `json:"sold_by"`
}

type SaleCreatedResponse struct {
	Sale     SaleDTO          `json:"sale"`
	Schedule []InstallmentDTO `json:"schedule"`
}

type PaymentRecordDTO struct {
	ID            string `json:"id"`
	SaleID        string `json:"sale_id"`
	Amount        string `json:"amount"`
	Method        string `json:"method"`
	ExternalRef   string `json:"external_ref,omitempty"`
	Status        string `json:"status"`
	BalanceBefore string `json:"balance_before"`
	BalanceAfter  string `json:"balance_after"`
	CreatedAt     string `json:"created_at,omitempty"`
}

type RecordPaymentRequest struct {
	Amount      string `json:"amount" validate:"required"`
	Method      string `json:"method" validate:"required,oneof=gateway cash transfer"`
	ExternalRef string `json:"external_ref"`
	RecordedBy  string `json:"recorded_by"`
}

type StatementDTO struct {
	Sale         SaleDTO            `json:"sale"`
	Installments []InstallmentDTO   `json:"installments"`
	Payments     []PaymentRecordDTO `json:"payments"`
}

type OverdueRowDTO struct {
	SaleID      string `json:"sale_id"`
	CustomerID  string `json:"customer_id"`
	PhoneID     string `json:"phone_id"`
	Number      int    `json:"installment_number"`
	DueDate     string `json:"due_date"`
	AmountDue   string `json:"amount_due"`
	DaysOverdue int    `json:"days_overdue"`
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

type SettlementDTO struct {
	ID               string  `json:"id"`
	AgentID          string  `json:"agent_id"`
	PeriodStart      string  `json:"period_start"`
	PeriodEnd        string  `json:"period_end"`
	TotalAmount      string  `json:"total_amount"`
	AmountPaid       string  `json:"amount_paid"`
	Outstanding      string  `json:"outstanding"`
	Status           string  `json:"status"`
	DueDate          string  `json:"due_date"`
	InvoiceNumber    string  `json:"invoice_number"`
	PaymentReference string  `json:"payment_reference,omitempty"`
	PaidAt           *string `json:"paid_at,omitempty"`
}

type GenerateSettlementsRequest struct {
	// PeriodOf is any date inside the target week, YYYY-MM-DD.
	// Defaults to today.
	PeriodOf    string `json:"period_of"`
	FeePerPhone string `json:"fee_per_phone" validate:"required"`
	DueDate     string `json:"due_date"`
}

type GenerateSettlementsResponse struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

type DeviceSettlementDTO struct {
	HasSettlement    bool   `json:"has_settlement"`
	IsDue            bool   `json:"is_due"`
	IsPaid           bool   `json:"is_paid"`
	IsOverdue        bool   `json:"is_overdue"`
	SettlementID     string `json:"settlement_id,omitempty"`
	TotalAmount      string `json:"total_amount,omitempty"`
	AmountPaid       string `json:"amount_paid,omitempty"`
	Outstanding      string `json:"outstanding,omitempty"`
	DueDate          string `json:"due_date,omitempty"`
	InvoiceNumber    string `json:"invoice_number,omitempty"`
	PaymentReference string `json:"payment_reference,omitempty"`
}

type OrphanPaymentDTO struct {
	ID               string `json:"id"`
	AccountReference string `json:"account_reference"`
	Reference        string `json:"reference"`
	Amount           string `json:"amount"`
	PaidAt           string `json:"paid_at"`
	Note             string `json:"note,omitempty"`
}

// =============================================================================
// DEVICE COMMANDS
// =============================================================================

// CommandDTO is the poll-facing projection. It never carries the raw token
// or its hash.
type CommandDTO struct {
	ID        string `json:"id"`
	PhoneID   string `json:"phone_id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
	ExpiresAt string `json:"expires_at"`
	CreatedAt string `json:"created_at,omitempty"`
}

// IssuedCommandDTO is returned to the issuer only; Token appears exactly
// once, here.
type IssuedCommandDTO struct {
	CommandDTO
	Token string `json:"token"`
}

type IssueCommandRequest struct {
	PhoneID  string `json:"phone_id" validate:"required"`
	Type     string `json:"type" validate:"required,oneof=lock unlock"`
	Reason   string `json:"reason" validate:"required"`
	IssuedBy string `json:"issued_by" validate:"required"`
}

type CommandResultRequest struct {
	DeviceResponse string `json:"device_response"`
	ErrorMessage   string `json:"error_message"`
}

type LockDecisionDTO struct {
	ShouldLock   bool   `json:"should_lock"`
	Reason       string `json:"reason"`
	Balance      string `json:"balance,omitempty"`
	OverdueCount int    `json:"overdue_count"`
}

// HeartbeatRequest is the enforcement app's health report.
type HeartbeatRequest struct {
	AndroidVersion     string `json:"android_version" validate:"required"`
	AppVersion         string `json:"app_version" validate:"required"`
	BatteryLevel       int    `json:"battery_level" validate:"min=0,max=100"`
	DeviceAdminEnabled bool   `json:"device_admin_enabled"`
	Locked             bool   `json:"locked"`
	LockReason         string `json:"lock_reason"`
}

type HeartbeatDTO struct {
	ID                 string `json:"id"`
	PhoneID            string `json:"phone_id"`
	AndroidVersion     string `json:"android_version"`
	AppVersion         string `json:"app_version"`
	BatteryLevel       int    `json:"battery_level"`
	DeviceAdminEnabled bool   `json:"device_admin_enabled"`
	Locked             bool   `json:"locked"`
	LockReason         string `json:"lock_reason,omitempty"`
	ReportedAt         string `json:"reported_at"`
}

// =============================================================================
// WEBHOOKS
// =============================================================================

// WebhookRequest mirrors the gateway's payload shape. AmountPaid arrives as
// a JSON number; json.Number keeps the exact decimal text for core.ParseMoney.
type WebhookRequest struct {
	EventType string `json:"eventType"`
	EventData struct {
		TransactionReference string      `json:"transactionReference"`
		AccountReference     string      `json:"accountReference"`
		AmountPaid           json.Number `json:"amountPaid"`
		PaidOn               string      `json:"paidOn"`
	} `json:"eventData"`
}

type WebhookResponse struct {
	Outcome string `json:"outcome"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// PROJECTION HELPERS
// =============================================================================

func dateStr(t time.Time) string { return t.UTC().Format("2006-01-02") }

func timeStr(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func timePtrStr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := timeStr(*t)
	return &s
}

func toAgentDTO(a *core.Agent) AgentDTO {
	return AgentDTO{
		ID:               string(a.ID),
		BusinessName:     a.BusinessName,
		Status:           string(a.Status),
		AccountReference: a.AccountReference,
		CreatedAt:        timeStr(a.CreatedAt),
	}
}

func toPhoneDTO(p *core.Phone) PhoneDTO {
	return PhoneDTO{
		ID:        string(p.ID),
		AgentID:   string(p.AgentID),
		IMEI:      p.IMEI,
		Brand:     p.Brand,
		Model:     p.Model,
		Locked:    p.Locked,
		Status:    string(p.Status),
		CreatedAt: timeStr(p.CreatedAt),
	}
}

func toCustomerDTO(c *core.Customer) CustomerDTO {
	return CustomerDTO{
		ID:          string(c.ID),
		AgentID:     string(c.AgentID),
		FullName:    c.FullName,
		PhoneNumber: c.PhoneNumber,
		Email:       c.Email,
		Address:     c.Address,
	}
}

func toSaleDTO(s *core.Sale) SaleDTO {
	return SaleDTO{
		ID:               string(s.ID),
		AgentID:          string(s.AgentID),
		CustomerID:       string(s.CustomerID),
		PhoneID:          string(s.PhoneID),
		SalePrice:        s.SalePrice.String(),
		DownPayment:      s.DownPayment.String(),
		TotalPayable:     s.TotalPayable.String(),
		BalanceRemaining: s.BalanceRemaining.String(),
		Installments:     s.Installments,
		Interval:         string(s.Interval),
		Status:           string(s.Status),
		CreatedAt:        timeStr(s.CreatedAt),
		CompletedAt:      timePtrStr(s.CompletedAt),
	}
}

func toInstallmentDTO(i core.Installment) InstallmentDTO {
	return InstallmentDTO{
		Number:    i.Number,
		DueDate:   dateStr(i.DueDate),
		AmountDue: i.AmountDue.String(),
		Status:    string(i.Status),
		PaidDate:  timePtrStr(i.PaidDate),
	}
}

func toPaymentDTO(r *core.PaymentRecord) PaymentRecordDTO {
	return PaymentRecordDTO{
		ID:            r.ID,
		SaleID:        string(r.SaleID),
		Amount:        r.Amount.String(),
		Method:        string(r.Method),
		ExternalRef:   r.ExternalRef,
		Status:        string(r.Status),
		BalanceBefore: r.BalanceBefore.String(),
		BalanceAfter:  r.BalanceAfter.String(),
		CreatedAt:     timeStr(r.CreatedAt),
	}
}

func toStatementDTO(st *ledger.Statement) StatementDTO {
	out := StatementDTO{
		Sale:         toSaleDTO(st.Sale),
		Installments: make([]InstallmentDTO, len(st.Installments)),
		Payments:     make([]PaymentRecordDTO, len(st.Payments)),
	}
	for i, row := range st.Installments {
		out.Installments[i] = toInstallmentDTO(row)
	}
	for i, p := range st.Payments {
		rec := p
		out.Payments[i] = toPaymentDTO(&rec)
	}
	return out
}

func toSettlementDTO(s *core.Settlement) SettlementDTO {
	return SettlementDTO{
		ID:               string(s.ID),
		AgentID:          string(s.AgentID),
		PeriodStart:      dateStr(s.PeriodStart),
		PeriodEnd:        dateStr(s.PeriodEnd),
		TotalAmount:      s.TotalAmount.String(),
		AmountPaid:       s.AmountPaid.String(),
		Outstanding:      s.Outstanding().String(),
		Status:           string(s.Status),
		DueDate:          dateStr(s.DueDate),
		InvoiceNumber:    s.InvoiceNumber,
		PaymentReference: s.PaymentReference,
		PaidAt:           timePtrStr(s.PaidAt),
	}
}

func toDeviceSettlementDTO(st *settlement.DeviceStatus) DeviceSettlementDTO {
	dto := DeviceSettlementDTO{
		HasSettlement: st.HasSettlement,
		IsDue:         st.IsDue,
		IsPaid:        st.IsPaid,
		IsOverdue:     st.IsOverdue,
	}
	if st.HasSettlement {
		dto.SettlementID = string(st.SettlementID)
		dto.TotalAmount = st.TotalAmount.String()
		dto.AmountPaid = st.AmountPaid.String()
		dto.Outstanding = st.Outstanding.String()
		dto.DueDate = dateStr(st.DueDate)
		dto.InvoiceNumber = st.InvoiceNumber
		dto.PaymentReference = st.PaymentReference
	}
	return dto
}

func toCommandDTO(c *core.DeviceCommand) CommandDTO {
	return CommandDTO{
		ID:        string(c.ID),
		PhoneID:   string(c.PhoneID),
		Type:      string(c.Type),
		Status:    string(c.Status),
		Reason:    c.Reason,
		ExpiresAt: timeStr(c.ExpiresAt),
		CreatedAt: timeStr(c.CreatedAt),
	}
}

func toHeartbeatDTO(h *core.DeviceHeartbeat) HeartbeatDTO {
	return HeartbeatDTO{
		ID:                 string(h.ID),
		PhoneID:            string(h.PhoneID),
		AndroidVersion:     h.AndroidVersion,
		AppVersion:         h.AppVersion,
		BatteryLevel:       h.BatteryLevel,
		DeviceAdminEnabled: h.DeviceAdminEnabled,
		Locked:             h.Locked,
		LockReason:         h.LockReason,
		ReportedAt:         timeStr(h.ReportedAt),
	}
}
