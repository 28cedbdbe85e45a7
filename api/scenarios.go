/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for demos and frontend development. Each scenario creates an agent
	with inventory, customers, sales, and whatever enforcement or settlement
	state the scenario demonstrates.

AVAILABLE SCENARIOS:

	fresh-agent:     Agent with inventory, no sales yet
	active-sale:     Sale mid-term, first installment paid
	overdue-lock:    Sale with overdue installments and a pending lock
	settlement-week: Current-week settlement partially paid

HOW SCENARIOS WORK:
 1. Create an agent (fresh IDs each load, so reloading never conflicts)
 2. Register phones through the registry, as the API would
 3. Create customers and sales through the ledger
 4. Apply the payments / sweeps / commands the scenario calls for

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "overdue-lock"}

NOTE:

	Scenarios write real rows. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: the engines the loaders drive
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lockpay/installment-engine/core"
	"github.com/lockpay/installment-engine/ledger"
	"github.com/lockpay/installment-engine/settlement"
)

// =============================================================================
// SCENARIO CATALOG
// =============================================================================

// Scenario describes one loadable demo dataset.
type Scenario struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var scenarios = []Scenario{
	{
		ID:          "fresh-agent",
		Name:        "Fresh agent",
		Description: "An agent with phones in inventory and customers, no sales yet",
	},
	{
		ID:          "active-sale",
		Name:        "Active sale",
		Description: "A weekly installment sale with the first installment paid",
	},
	{
		ID:          "overdue-lock",
		Name:        "Overdue with lock pending",
		Description: "A sale two installments overdue, lock command awaiting the device",
	},
	{
		ID:          "settlement-week",
		Name:        "Settlement week",
		Description: "A current-week settlement partially paid via the gateway",
	},
}

// LoadScenarioRequest selects the scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// LoadScenarioResponse reports what the loader created.
type LoadScenarioResponse struct {
	ScenarioID string `json:"scenario_id"`
	AgentID    string `json:"agent_id"`
	SaleID     string `json:"sale_id,omitempty"`
	Detail     string `json:"detail"`
}

// ListScenarios returns the scenario catalog.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario populates the database with one scenario's data.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}

	var (
		resp LoadScenarioResponse
		err  error
	)
	ctx := r.Context()
	switch req.ScenarioID {
	case "fresh-agent":
		resp, err = h.loadFreshAgentScenario(ctx)
	case "active-sale":
		resp, err = h.loadActiveSaleScenario(ctx)
	case "overdue-lock":
		resp, err = h.loadOverdueLockScenario(ctx)
	case "settlement-week":
		resp, err = h.loadSettlementWeekScenario(ctx)
	default:
		h.writeDomainError(w, &core.ValidationError{Field: "scenario_id", Message: "unknown scenario"})
		return
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	resp.ScenarioID = req.ScenarioID
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// LOADERS
// =============================================================================

// scenarioSeed is the common base: one agent, three phones in inventory,
// two customers.
type scenarioSeed struct {
	agent     *core.Agent
	phones    []*core.Phone
	customers []*core.Customer
}

func (h *Handler) seedAgent(ctx context.Context, label string) (*scenarioSeed, error) {
	now := time.Now().UTC()
	agent := &core.Agent{
		ID:               core.AgentID(core.NewID("agent")),
		BusinessName:     label,
		Status:           core.AgentActive,
		AccountReference: "acct-" + core.NewID("demo"),
		CreatedAt:        now,
	}
	if err := h.Store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}

	seed := &scenarioSeed{agent: agent}
	for i, model := range []string{"A15", "A25", "Redmi 13"} {
		imei := fmt.Sprintf("35%013d", time.Now().UnixNano()%1e13+int64(i))
		if _, err := h.Registry.RegisterOrTransfer(ctx, imei, agent.ID); err != nil {
			return nil, err
		}
		phone := &core.Phone{
			ID:        core.PhoneID(core.NewID("phone")),
			AgentID:   agent.ID,
			IMEI:      imei,
			Brand:     "Samsung",
			Model:     model,
			Status:    core.PhoneInInventory,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := h.Store.CreatePhone(ctx, phone); err != nil {
			return nil, err
		}
		seed.phones = append(seed.phones, phone)
	}

	for i, name := range []string{"Ada Obi", "Bola Ade"} {
		customer := &core.Customer{
			ID:          core.CustomerID(core.NewID("cust")),
			AgentID:     agent.ID,
			FullName:    name,
			PhoneNumber: fmt.Sprintf("+23480%08d", time.Now().UnixNano()%1e8+int64(i)),
			CreatedAt:   now,
		}
		if err := h.Store.CreateCustomer(ctx, customer); err != nil {
			return nil, err
		}
		seed.customers = append(seed.customers, customer)
	}
	return seed, nil
}

func (h *Handler) seedSale(ctx context.Context, seed *scenarioSeed) (*core.Sale, error) {
	sale, _, err := h.Ledger.CreateSale(ctx, ledger.SaleTerms{
		AgentID:      seed.agent.ID,
		CustomerID:   seed.customers[0].ID,
		PhoneID:      seed.phones[0].ID,
		SalePrice:    core.MustMoney("200000"),
		DownPayment:  core.MustMoney("50000"),
		TotalPayable: core.MustMoney("220000"),
		Installments: 4,
		Interval:     core.IntervalWeekly,
		SoldBy:       "demo",
	})
	return sale, err
}

func (h *Handler) loadFreshAgentScenario(ctx context.Context) (LoadScenarioResponse, error) {
	seed, err := h.seedAgent(ctx, "Demo: Fresh Agent")
	if err != nil {
		return LoadScenarioResponse{}, err
	}
	return LoadScenarioResponse{
		AgentID: string(seed.agent.ID),
		Detail:  "3 phones in inventory, 2 customers, no sales",
	}, nil
}

func (h *Handler) loadActiveSaleScenario(ctx context.Context) (LoadScenarioResponse, error) {
	seed, err := h.seedAgent(ctx, "Demo: Active Sale")
	if err != nil {
		return LoadScenarioResponse{}, err
	}
	sale, err := h.seedSale(ctx, seed)
	if err != nil {
		return LoadScenarioResponse{}, err
	}
	if _, err := h.Ledger.ApplyPayment(ctx, sale.ID, core.MustMoney("42500"), core.MethodCash, "", "demo"); err != nil {
		return LoadScenarioResponse{}, err
	}
	return LoadScenarioResponse{
		AgentID: string(seed.agent.ID),
		SaleID:  string(sale.ID),
		Detail:  "sale mid-term, 1 of 4 installments paid, balance 127500",
	}, nil
}

func (h *Handler) loadOverdueLockScenario(ctx context.Context) (LoadScenarioResponse, error) {
	seed, err := h.seedAgent(ctx, "Demo: Overdue Lock")
	if err != nil {
		return LoadScenarioResponse{}, err
	}
	sale, err := h.seedSale(ctx, seed)
	if err != nil {
		return LoadScenarioResponse{}, err
	}

	// Backdate the first two installments so the sweep flags them.
	rows, err := h.Store.InstallmentsForSale(ctx, sale.ID)
	if err != nil {
		return LoadScenarioResponse{}, err
	}
	today := core.Day(time.Now().UTC())
	for i := range rows {
		if rows[i].Number <= 2 {
			rows[i].DueDate = today.AddDate(0, 0, -7*(3-rows[i].Number))
			if err := h.Store.UpdateInstallment(ctx, &rows[i]); err != nil {
				return LoadScenarioResponse{}, err
			}
		}
	}
	if _, err := h.Ledger.MarkOverdue(ctx, time.Now().UTC()); err != nil {
		return LoadScenarioResponse{}, err
	}

	if _, err := h.Dispatcher.IssueCommand(ctx, core.CommandRequest{
		PhoneID:  seed.phones[0].ID,
		AgentID:  seed.agent.ID,
		SaleID:   sale.ID,
		Type:     core.CommandLock,
		Reason:   "payment overdue",
		IssuedBy: "demo",
	}); err != nil {
		return LoadScenarioResponse{}, err
	}
	return LoadScenarioResponse{
		AgentID: string(seed.agent.ID),
		SaleID:  string(sale.ID),
		Detail:  "2 installments overdue, lock command pending delivery",
	}, nil
}

func (h *Handler) loadSettlementWeekScenario(ctx context.Context) (LoadScenarioResponse, error) {
	seed, err := h.seedAgent(ctx, "Demo: Settlement Week")
	if err != nil {
		return LoadScenarioResponse{}, err
	}

	now := time.Now().UTC()
	period := settlement.WeeklyPeriodFor(now)
	s := &core.Settlement{
		ID:            core.SettlementID(core.NewID("stl")),
		AgentID:       seed.agent.ID,
		PeriodStart:   period.Start,
		PeriodEnd:     period.End,
		TotalAmount:   core.MustMoney("3000"),
		AmountPaid:    core.ZeroMoney(),
		Status:        core.SettlementPending,
		DueDate:       period.End.AddDate(0, 0, 3),
		InvoiceNumber: fmt.Sprintf("INV-%s-%s", seed.agent.ID, period.Start.Format("20060102")),
		CreatedAt:     now,
	}
	if err := h.Store.CreateSettlement(ctx, s); err != nil {
		return LoadScenarioResponse{}, err
	}

	if _, err := h.Settlements.ConfirmPayment(ctx, seed.agent.ID, period,
		core.MustMoney("1000"), "demo-"+core.NewID("ref"), now); err != nil {
		return LoadScenarioResponse{}, err
	}
	return LoadScenarioResponse{
		AgentID: string(seed.agent.ID),
		Detail:  "weekly settlement of 3000 with 1000 paid, 2000 outstanding",
	}, nil
}
