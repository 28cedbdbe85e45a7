/*
handlers.go - HTTP API handlers for the installment engine

PURPOSE:
  Exposes the engines via REST API. Handles HTTP request/response, JSON
  serialization and validation, and delegates to domain logic.

ENDPOINTS:
  Agents:
    GET    /api/agents                     List agents
    POST   /api/agents                     Create agent
    GET    /api/agents/{id}                Get agent
    GET    /api/agents/{id}/phones         List inventory
    POST   /api/agents/{id}/phones         Register phone (registry + inventory)
    GET    /api/agents/{id}/customers      List customers
    POST   /api/agents/{id}/customers      Create customer
    GET    /api/agents/{id}/sales          List sales (?status=)
    GET    /api/agents/{id}/overdue        Overdue installments
    GET    /api/agents/{id}/settlements    Settlement history

  Customers:
    PUT    /api/customers/{id}             Update customer
    DELETE /api/customers/{id}             Delete (409 if sales reference it)

  Sales:
    POST   /api/sales                      Create sale with schedule
    GET    /api/sales/{id}                 Full statement
    POST   /api/sales/{id}/payments        Record a payment
    POST   /api/sales/{id}/default         Mark defaulted

  Registry:
    GET    /api/registry/{imei}            Lookup
    POST   /api/registry/{imei}/blacklist  Blacklist
    DELETE /api/registry/{imei}/blacklist  Unblacklist

  Devices (called by the on-phone client):
    GET    /api/devices/{imei}/commands    Poll deliverable commands
    GET    /api/devices/{imei}/enforcement Lock decision
    GET    /api/devices/{imei}/settlement  Current-period settlement view
    POST   /api/devices/{imei}/heartbeat   Record a health report
    GET    /api/devices/{imei}/heartbeat   Latest health report

  Commands:
    POST   /api/commands                   Issue (returns one-time token)
    POST   /api/commands/{id}/acknowledge
    POST   /api/commands/{id}/execute
    POST   /api/commands/{id}/fail

  Admin:
    POST   /api/admin/settlements/generate
    GET    /api/admin/orphans

  Scenarios (dev/demo only, see scenarios.go):
    GET    /api/scenarios
    POST   /api/scenarios/load

  Webhooks:
    POST   /webhooks/gateway

ERROR HANDLING:
  Domain errors map to HTTP status by category:
  - 400: validation errors
  - 404: not found
  - 409: conflicts (duplicate active sale, blacklisted, duplicate period)
  - 422: illegal state transitions, expired commands
  - 500: everything else

SECURITY NOTE:
  No authentication middleware currently. Device endpoints would carry the
  per-command token in production; see secrets/ for the signing material.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/lockpay/installment-engine/core"
	"github.com/lockpay/installment-engine/enforcement"
	"github.com/lockpay/installment-engine/gateway"
	"github.com/lockpay/installment-engine/ledger"
	"github.com/lockpay/installment-engine/registry"
	"github.com/lockpay/installment-engine/settlement"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       core.Store
	Registry    *registry.Registry
	Ledger      *ledger.Ledger
	Dispatcher  *enforcement.Dispatcher
	Settlements *settlement.Accounting
	Processor   *gateway.Processor

	// Verifier, when set, gates the webhook endpoint on a valid payload
	// signature. Nil means unsigned webhooks are accepted (dev only).
	Verifier *gateway.HMACVerifier

	Log      *logrus.Logger
	validate *validator.Validate
}

// NewHandler wires the full engine stack on top of one store.
func NewHandler(store core.Store, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	audit := core.NewStoreRecorder(store, log)

	dispatcher := enforcement.New(store, audit)
	saleLedger := ledger.New(store, dispatcher, audit)
	accounting := settlement.New(store, audit)

	return &Handler{
		Store:       store,
		Registry:    registry.New(store, audit),
		Ledger:      saleLedger,
		Dispatcher:  dispatcher,
		Settlements: accounting,
		Processor:   gateway.NewProcessor(store, accounting, saleLedger, log),
		Log:         log,
		validate:    validator.New(),
	}
}

// decode parses and validates a JSON request body.
func (h *Handler) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &core.ValidationError{Field: "body", Message: "invalid JSON"}
	}
	if err := h.validate.Struct(dst); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			return &core.ValidationError{Field: errs[0].Field(), Message: "failed " + errs[0].Tag() + " check"}
		}
		return &core.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}

// =============================================================================
// AGENT HANDLERS
// =============================================================================

// ListAgents returns all agents, optionally filtered by ?status=.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Store.ListAgents(r.Context(), core.AgentStatus(r.URL.Query().Get("status")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]AgentDTO, len(agents))
	for i := range agents {
		dtos[i] = toAgentDTO(&agents[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAgent creates an agent.
func (h *Handler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req CreateAgentRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}

	agent := &core.Agent{
		ID:               core.AgentID(core.NewID("agent")),
		BusinessName:     req.BusinessName,
		Status:           core.AgentActive,
		AccountReference: req.AccountReference,
		CreatedAt:        time.Now().UTC(),
	}
	if err := h.Store.CreateAgent(r.Context(), agent); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgentDTO(agent))
}

// GetAgent returns one agent.
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.Store.GetAgent(r.Context(), core.AgentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentDTO(agent))
}

// =============================================================================
// PHONE HANDLERS
// =============================================================================

// ListPhones returns an agent's inventory.
func (h *Handler) ListPhones(w http.ResponseWriter, r *http.Request) {
	phones, err := h.Store.ListPhones(r.Context(), core.AgentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]PhoneDTO, len(phones))
	for i := range phones {
		dtos[i] = toPhoneDTO(&phones[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RegisterPhone registers a device in the global registry and the agent's
// inventory. A transfer from another agent follows the registry's rules.
func (h *Handler) RegisterPhone(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agentID := core.AgentID(chi.URLParam(r, "id"))

	var req RegisterPhoneRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}

	if _, err := h.Store.GetAgent(ctx, agentID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	if _, err := h.Registry.RegisterOrTransfer(ctx, req.IMEI, agentID); err != nil {
		h.writeDomainError(w, err)
		return
	}

	now := time.Now().UTC()
	phone := &core.Phone{
		ID:        core.PhoneID(core.NewID("phone")),
		AgentID:   agentID,
		IMEI:      req.IMEI,
		Brand:     req.Brand,
		Model:     req.Model,
		Status:    core.PhoneInInventory,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.Store.CreatePhone(ctx, phone); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPhoneDTO(phone))
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// ListCustomers returns an agent's customers.
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.Store.ListCustomers(r.Context(), core.AgentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]CustomerDTO, len(customers))
	for i := range customers {
		dtos[i] = toCustomerDTO(&customers[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateCustomer creates a customer under an agent.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agentID := core.AgentID(chi.URLParam(r, "id"))

	var req CreateCustomerRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}
	if _, err := h.Store.GetAgent(ctx, agentID); err != nil {
		h.writeDomainError(w, err)
		return
	}

	customer := &core.Customer{
		ID:          core.CustomerID(core.NewID("cust")),
		AgentID:     agentID,
		FullName:    req.FullName,
		PhoneNumber: req.PhoneNumber,
		Email:       req.Email,
		Address:     req.Address,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.Store.CreateCustomer(ctx, customer); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCustomerDTO(customer))
}

// UpdateCustomer edits customer contact details.
func (h *Handler) UpdateCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := core.CustomerID(chi.URLParam(r, "id"))

	var req CreateCustomerRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}
	customer, err := h.Store.GetCustomer(ctx, id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	customer.FullName = req.FullName
	customer.PhoneNumber = req.PhoneNumber
	customer.Email = req.Email
	customer.Address = req.Address
	if err := h.Store.UpdateCustomer(ctx, customer); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(customer))
}

// DeleteCustomer removes a customer; 409 while any sale references them.
func (h *Handler) DeleteCustomer(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteCustomer(r.Context(), core.CustomerID(chi.URLParam(r, "id"))); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// REGISTRY HANDLERS
// =============================================================================

// LookupIMEI returns the registry entry for a device.
func (h *Handler) LookupIMEI(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Registry.Lookup(r.Context(), chi.URLParam(r, "imei"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RegistryEntryDTO{
		IMEI:                 entry.IMEI,
		FirstRegisteredAgent: string(entry.FirstRegisteredAgent),
		CurrentAgent:         string(entry.CurrentAgent),
		Blacklisted:          entry.Blacklisted,
		CreatedAt:            timeStr(entry.CreatedAt),
	})
}

// BlacklistIMEI marks a device stolen/blocked.
func (h *Handler) BlacklistIMEI(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Blacklist(r.Context(), chi.URLParam(r, "imei"), actorOf(r)); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnblacklistIMEI clears the blacklist flag.
func (h *Handler) UnblacklistIMEI(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Unblacklist(r.Context(), chi.URLParam(r, "imei"), actorOf(r)); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// SALE HANDLERS
// =============================================================================

// CreateSale opens an installment sale and returns the generated schedule.
func (h *Handler) CreateSale(w http.ResponseWriter, r *http.Request) {
	var req CreateSaleRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}

	price, err := core.ParseMoney(req.SalePrice)
	if err != nil {
		h.writeDomainError(w, &core.ValidationError{Field: "sale_price", Message: "not a decimal"})
		return
	}
	down, err := core.ParseMoney(req.DownPayment)
	if err != nil {
		h.writeDomainError(w, &core.ValidationError{Field: "down_payment", Message: "not a decimal"})
		return
	}
	payable, err := core.ParseMoney(req.TotalPayable)
	if err != nil {
		h.writeDomainError(w, &core.ValidationError{Field: "total_payable", Message: "not a decimal"})
		return
	}

	sale, schedule, err := h.Ledger.CreateSale(r.Context(), ledger.SaleTerms{
		AgentID:      core.AgentID(req.AgentID),
		CustomerID:   core.CustomerID(req.CustomerID),
		PhoneID:      core.PhoneID(req.PhoneID),
		SalePrice:    price,
		DownPayment:  down,
		TotalPayable: payable,
		Installments: req.Installments,
		Interval:     core.BillingInterval(req.Interval),
		SoldBy:       req.SoldBy,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := SaleCreatedResponse{Sale: toSaleDTO(sale), Schedule: make([]InstallmentDTO, len(schedule))}
	for i, row := range schedule {
		resp.Schedule[i] = toInstallmentDTO(row)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetSale returns the full statement: sale, schedule and payment history.
func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	st, err := h.Ledger.PaymentStatus(r.Context(), core.SaleID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(st))
}

// ListSales returns an agent's sales, optionally filtered by ?status=.
func (h *Handler) ListSales(w http.ResponseWriter, r *http.Request) {
	sales, err := h.Store.ListSales(r.Context(),
		core.AgentID(chi.URLParam(r, "id")),
		core.SaleStatus(r.URL.Query().Get("status")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]SaleDTO, len(sales))
	for i := range sales {
		dtos[i] = toSaleDTO(&sales[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RecordPayment applies a payment to a sale. The external reference, when
// present, makes replays idempotent.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}
	amount, err := core.ParseMoney(req.Amount)
	if err != nil {
		h.writeDomainError(w, &core.ValidationError{Field: "amount", Message: "not a decimal"})
		return
	}

	record, err := h.Ledger.ApplyPayment(r.Context(),
		core.SaleID(chi.URLParam(r, "id")),
		amount, core.PaymentMethod(req.Method), req.ExternalRef, req.RecordedBy)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(record))
}

// MarkDefaulted moves an active sale to defaulted.
func (h *Handler) MarkDefaulted(w http.ResponseWriter, r *http.Request) {
	sale, err := h.Ledger.MarkDefaulted(r.Context(), core.SaleID(chi.URLParam(r, "id")), actorOf(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTO(sale))
}

// ListOverdue reports an agent's overdue installments.
func (h *Handler) ListOverdue(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Ledger.Overdue(r.Context(), core.AgentID(chi.URLParam(r, "id")), time.Now().UTC())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]OverdueRowDTO, len(rows))
	for i, row := range rows {
		dtos[i] = OverdueRowDTO{
			SaleID:      string(row.Sale.ID),
			CustomerID:  string(row.Sale.CustomerID),
			PhoneID:     string(row.Sale.PhoneID),
			Number:      row.Installment.Number,
			DueDate:     dateStr(row.Installment.DueDate),
			AmountDue:   row.Installment.AmountDue.String(),
			DaysOverdue: row.DaysOverdue,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// DEVICE HANDLERS (called by the on-phone client)
// =============================================================================

// PollCommands returns deliverable commands for a device and advances them
// to sent. The response never carries tokens or hashes.
func (h *Handler) PollCommands(w http.ResponseWriter, r *http.Request) {
	cmds, err := h.Dispatcher.PollPending(r.Context(), chi.URLParam(r, "imei"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]CommandDTO, len(cmds))
	for i := range cmds {
		dtos[i] = toCommandDTO(&cmds[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetLockDecision reports whether the device should be locked right now.
func (h *Handler) GetLockDecision(w http.ResponseWriter, r *http.Request) {
	d, err := h.Dispatcher.EvaluateLockDecision(r.Context(), chi.URLParam(r, "imei"), time.Now().UTC())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LockDecisionDTO{
		ShouldLock:   d.ShouldLock,
		Reason:       d.Reason,
		Balance:      d.Balance.String(),
		OverdueCount: d.OverdueCount,
	})
}

// RecordHeartbeat stores a device health report.
func (h *Handler) RecordHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}
	hb, err := h.Dispatcher.RecordHeartbeat(r.Context(), chi.URLParam(r, "imei"), enforcement.HeartbeatReport{
		AndroidVersion:     req.AndroidVersion,
		AppVersion:         req.AppVersion,
		BatteryLevel:       req.BatteryLevel,
		DeviceAdminEnabled: req.DeviceAdminEnabled,
		Locked:             req.Locked,
		LockReason:         req.LockReason,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toHeartbeatDTO(hb))
}

// GetDeviceHealth returns the device's latest heartbeat, 404 when it has
// never reported.
func (h *Handler) GetDeviceHealth(w http.ResponseWriter, r *http.Request) {
	imei := chi.URLParam(r, "imei")
	hb, err := h.Dispatcher.DeviceHealth(r.Context(), imei)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if hb == nil {
		h.writeDomainError(w, &core.NotFoundError{Kind: "heartbeat", ID: imei})
		return
	}
	writeJSON(w, http.StatusOK, toHeartbeatDTO(hb))
}

// GetDeviceSettlement reports the owning agent's current-period settlement.
func (h *Handler) GetDeviceSettlement(w http.ResponseWriter, r *http.Request) {
	st, err := h.Settlements.StatusForDevice(r.Context(), chi.URLParam(r, "imei"), time.Now().UTC())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceSettlementDTO(st))
}

// =============================================================================
// COMMAND HANDLERS
// =============================================================================

// IssueCommand issues a lock/unlock command. The one-time token appears in
// this response and nowhere else.
func (h *Handler) IssueCommand(w http.ResponseWriter, r *http.Request) {
	var req IssueCommandRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}

	phone, err := h.Store.GetPhone(r.Context(), core.PhoneID(req.PhoneID))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	cmd, err := h.Dispatcher.IssueCommand(r.Context(), core.CommandRequest{
		PhoneID:  phone.ID,
		AgentID:  phone.AgentID,
		Type:     core.CommandType(req.Type),
		Reason:   req.Reason,
		IssuedBy: req.IssuedBy,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, IssuedCommandDTO{CommandDTO: toCommandDTO(cmd), Token: cmd.Token})
}

// AcknowledgeCommand marks a delivered command acknowledged.
func (h *Handler) AcknowledgeCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.Dispatcher.Acknowledge(r.Context(), core.CommandID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommandDTO(cmd))
}

// ExecuteCommand marks a command executed and flips the phone's lock flag.
func (h *Handler) ExecuteCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandResultRequest
	if r.ContentLength > 0 {
		if err := h.decode(r, &req); err != nil {
			h.writeDomainError(w, err)
			return
		}
	}
	cmd, err := h.Dispatcher.Execute(r.Context(), core.CommandID(chi.URLParam(r, "id")), req.DeviceResponse)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommandDTO(cmd))
}

// FailCommand records a device-reported failure.
func (h *Handler) FailCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandResultRequest
	if r.ContentLength > 0 {
		if err := h.decode(r, &req); err != nil {
			h.writeDomainError(w, err)
			return
		}
	}
	cmd, err := h.Dispatcher.Fail(r.Context(), core.CommandID(chi.URLParam(r, "id")), req.ErrorMessage)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommandDTO(cmd))
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// ListSettlements returns an agent's settlement history.
func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Settlements.SettlementsForAgent(r.Context(), core.AgentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]SettlementDTO, len(rows))
	for i := range rows {
		dtos[i] = toSettlementDTO(&rows[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GenerateSettlements creates the period's settlement for every agent with
// inventory. Idempotent: existing (agent, period) rows are skipped.
func (h *Handler) GenerateSettlements(w http.ResponseWriter, r *http.Request) {
	var req GenerateSettlementsRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}

	fee, err := core.ParseMoney(req.FeePerPhone)
	if err != nil {
		h.writeDomainError(w, &core.ValidationError{Field: "fee_per_phone", Message: "not a decimal"})
		return
	}

	anchor := time.Now().UTC()
	if req.PeriodOf != "" {
		if anchor, err = time.Parse("2006-01-02", req.PeriodOf); err != nil {
			h.writeDomainError(w, &core.ValidationError{Field: "period_of", Message: "use YYYY-MM-DD"})
			return
		}
	}
	var due time.Time
	if req.DueDate != "" {
		if due, err = time.Parse("2006-01-02", req.DueDate); err != nil {
			h.writeDomainError(w, &core.ValidationError{Field: "due_date", Message: "use YYYY-MM-DD"})
			return
		}
	}

	created, skipped, err := h.Settlements.GenerateSettlements(r.Context(), settlement.WeeklyPeriodFor(anchor), fee, due)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GenerateSettlementsResponse{Created: created, Skipped: skipped})
}

// ListOrphans returns unmatched payments awaiting manual reconciliation.
func (h *Handler) ListOrphans(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Settlements.Orphans(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]OrphanPaymentDTO, len(rows))
	for i, p := range rows {
		dtos[i] = OrphanPaymentDTO{
			ID:               p.ID,
			AccountReference: p.AccountReference,
			Reference:        p.Reference,
			Amount:           p.Amount.String(),
			PaidAt:           timeStr(p.PaidAt),
			Note:             p.Note,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// WEBHOOK HANDLER
// =============================================================================

// GatewayWebhook ingests a payment-gateway event. Always answers 200 for
// well-formed payloads so the gateway stops retrying; replays are no-ops.
func (h *Handler) GatewayWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid webhook payload", err)
		return
	}

	if h.Verifier != nil {
		ok, err := h.Verifier.Verify(r.Context(), payload, r.Header.Get("x-gateway-signature"))
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, "Invalid signature", nil)
			return
		}
	}

	var req WebhookRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid webhook payload", err)
		return
	}

	amount, err := core.ParseMoney(req.EventData.AmountPaid.String())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amountPaid", err)
		return
	}
	var paidAt time.Time
	if req.EventData.PaidOn != "" {
		// The gateway sends "2006-01-02 15:04:05.000" timestamps.
		paidAt, _ = time.Parse("2006-01-02 15:04:05.000", req.EventData.PaidOn)
		if paidAt.IsZero() {
			paidAt, _ = time.Parse(time.RFC3339, req.EventData.PaidOn)
		}
	}

	outcome, err := h.Processor.Process(r.Context(), gateway.WebhookEvent{
		EventType:            req.EventType,
		TransactionReference: req.EventData.TransactionReference,
		AccountReference:     req.EventData.AccountReference,
		Amount:               amount,
		PaidAt:               paidAt,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WebhookResponse{Outcome: string(outcome)})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the error taxonomy in core to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case core.IsValidation(err):
		writeError(w, http.StatusBadRequest, "Validation failed", err)
	case core.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case core.IsConflict(err):
		writeError(w, http.StatusConflict, "Conflict", err)
	case core.IsState(err):
		writeError(w, http.StatusUnprocessableEntity, "Illegal state transition", err)
	default:
		h.Log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

// actorOf names the caller for audit purposes. With no auth layer yet this
// falls back to a header or "api".
func actorOf(r *http.Request) string {
	if v := r.Header.Get("X-Actor"); v != "" {
		return v
	}
	return "api"
}
