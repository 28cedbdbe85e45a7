/*
Package memory provides an in-memory core.Store for tests and development.

Entities are held by value in maps, so getters return copies and nothing a
caller mutates leaks back without an explicit update call. WithTx snapshots
the whole state and restores it when the callback fails, which models the
sqlite store's rollback closely enough for engine tests.
*/
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lockpay/installment-engine/core"
)

type tables struct {
	registry           map[string]core.RegistryEntry
	agents             map[core.AgentID]core.Agent
	phones             map[core.PhoneID]core.Phone
	customers          map[core.CustomerID]core.Customer
	sales              map[core.SaleID]core.Sale
	installments       map[string]core.Installment
	payments           map[string]core.PaymentRecord
	settlements        map[core.SettlementID]core.Settlement
	settlementPayments map[string]core.SettlementPayment // keyed by reference
	orphans            map[string]core.OrphanPayment     // keyed by reference
	commands           map[core.CommandID]core.DeviceCommand
	heartbeats         []core.DeviceHeartbeat // append-only, insertion order
	audit              []core.AuditEntry
}

func newTables() *tables {
	return &tables{
		registry:           make(map[string]core.RegistryEntry),
		agents:             make(map[core.AgentID]core.Agent),
		phones:             make(map[core.PhoneID]core.Phone),
		customers:          make(map[core.CustomerID]core.Customer),
		sales:              make(map[core.SaleID]core.Sale),
		installments:       make(map[string]core.Installment),
		payments:           make(map[string]core.PaymentRecord),
		settlements:        make(map[core.SettlementID]core.Settlement),
		settlementPayments: make(map[string]core.SettlementPayment),
		orphans:            make(map[string]core.OrphanPayment),
		commands:           make(map[core.CommandID]core.DeviceCommand),
	}
}

func (t *tables) clone() *tables {
	c := newTables()
	for k, v := range t.registry {
		c.registry[k] = v
	}
	for k, v := range t.agents {
		c.agents[k] = v
	}
	for k, v := range t.phones {
		c.phones[k] = v
	}
	for k, v := range t.customers {
		c.customers[k] = v
	}
	for k, v := range t.sales {
		c.sales[k] = v
	}
	for k, v := range t.installments {
		c.installments[k] = v
	}
	for k, v := range t.payments {
		c.payments[k] = v
	}
	for k, v := range t.settlements {
		c.settlements[k] = v
	}
	for k, v := range t.settlementPayments {
		c.settlementPayments[k] = v
	}
	for k, v := range t.orphans {
		c.orphans[k] = v
	}
	for k, v := range t.commands {
		c.commands[k] = v
	}
	c.heartbeats = append([]core.DeviceHeartbeat(nil), t.heartbeats...)
	c.audit = append([]core.AuditEntry(nil), t.audit...)
	return c
}

// Store is the in-memory implementation of core.Store.
type Store struct {
	mu   sync.Mutex
	data *tables
}

func New() *Store {
	return &Store{data: newTables()}
}

// WithTx runs fn against a snapshot-backed view; any error restores the
// pre-transaction state.
func (s *Store) WithTx(_ context.Context, fn func(core.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(&txView{data: s.data}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// Every public method locks and delegates to the unlocked implementation on
// tables; txView calls the same implementations with the lock already held.

func (s *Store) run(fn func(*tables) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

// txView is the transaction-scoped Store handed to WithTx callbacks.
type txView struct {
	data *tables
}

func (v *txView) WithTx(_ context.Context, fn func(core.Store) error) error {
	// Already inside a transaction; just run in the same scope.
	return fn(v)
}

// =============================================================================
// REGISTRY
// =============================================================================

func (t *tables) findRegistryEntry(imei string) (*core.RegistryEntry, error) {
	if e, ok := t.registry[imei]; ok {
		return &e, nil
	}
	return nil, nil
}

func (t *tables) saveRegistryEntry(e *core.RegistryEntry) error {
	if existing, ok := t.registry[e.IMEI]; ok {
		// First owner is written once, ever.
		e.FirstRegisteredAgent = existing.FirstRegisteredAgent
	}
	t.registry[e.IMEI] = *e
	return nil
}

func (s *Store) FindRegistryEntry(_ context.Context, imei string) (e *core.RegistryEntry, err error) {
	s.run(func(t *tables) error { e, err = t.findRegistryEntry(imei); return nil })
	return
}

func (s *Store) SaveRegistryEntry(_ context.Context, e *core.RegistryEntry) error {
	return s.run(func(t *tables) error { return t.saveRegistryEntry(e) })
}

func (v *txView) FindRegistryEntry(_ context.Context, imei string) (*core.RegistryEntry, error) {
	return v.data.findRegistryEntry(imei)
}

func (v *txView) SaveRegistryEntry(_ context.Context, e *core.RegistryEntry) error {
	return v.data.saveRegistryEntry(e)
}

// =============================================================================
// AGENTS, PHONES, CUSTOMERS
// =============================================================================

func (t *tables) createAgent(a *core.Agent) error {
	t.agents[a.ID] = *a
	return nil
}

func (t *tables) getAgent(id core.AgentID) (*core.Agent, error) {
	if a, ok := t.agents[id]; ok {
		return &a, nil
	}
	return nil, &core.NotFoundError{Kind: "agent", ID: string(id)}
}

func (t *tables) listAgents(status core.AgentStatus) ([]core.Agent, error) {
	var out []core.Agent
	for _, a := range t.agents {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tables) findAgentByAccountReference(ref string) (*core.Agent, error) {
	if ref == "" {
		return nil, nil
	}
	for _, a := range t.agents {
		if a.AccountReference == ref {
			agent := a
			return &agent, nil
		}
	}
	return nil, nil
}

func (t *tables) createPhone(p *core.Phone) error {
	t.phones[p.ID] = *p
	return nil
}

func (t *tables) getPhone(id core.PhoneID) (*core.Phone, error) {
	if p, ok := t.phones[id]; ok {
		return &p, nil
	}
	return nil, &core.NotFoundError{Kind: "phone", ID: string(id)}
}

func (t *tables) findPhoneByIMEI(imei string) (*core.Phone, error) {
	// A re-inventoried device leaves older rows behind; resolve to the
	// newest row, matching the sqlite lookup.
	var latest *core.Phone
	for _, p := range t.phones {
		if p.IMEI != imei {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			phone := p
			latest = &phone
		}
	}
	return latest, nil
}

func (t *tables) updatePhone(p *core.Phone) error {
	if _, ok := t.phones[p.ID]; !ok {
		return &core.NotFoundError{Kind: "phone", ID: string(p.ID)}
	}
	t.phones[p.ID] = *p
	return nil
}

func (t *tables) listPhones(agentID core.AgentID) ([]core.Phone, error) {
	var out []core.Phone
	for _, p := range t.phones {
		if p.AgentID == agentID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tables) countPhones(agentID core.AgentID) (int, error) {
	n := 0
	for _, p := range t.phones {
		if p.AgentID == agentID {
			n++
		}
	}
	return n, nil
}

func (t *tables) createCustomer(c *core.Customer) error {
	t.customers[c.ID] = *c
	return nil
}

func (t *tables) getCustomer(id core.CustomerID) (*core.Customer, error) {
	if c, ok := t.customers[id]; ok {
		return &c, nil
	}
	return nil, &core.NotFoundError{Kind: "customer", ID: string(id)}
}

func (t *tables) updateCustomer(c *core.Customer) error {
	if _, ok := t.customers[c.ID]; !ok {
		return &core.NotFoundError{Kind: "customer", ID: string(c.ID)}
	}
	t.customers[c.ID] = *c
	return nil
}

func (t *tables) deleteCustomer(id core.CustomerID) error {
	if _, ok := t.customers[id]; !ok {
		return &core.NotFoundError{Kind: "customer", ID: string(id)}
	}
	for _, sale := range t.sales {
		if sale.CustomerID == id {
			return core.ErrCustomerInUse
		}
	}
	delete(t.customers, id)
	return nil
}

func (t *tables) listCustomers(agentID core.AgentID) ([]core.Customer, error) {
	var out []core.Customer
	for _, c := range t.customers {
		if c.AgentID == agentID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateAgent(_ context.Context, a *core.Agent) (err error) {
	return s.run(func(t *tables) error { return t.createAgent(a) })
}
func (s *Store) GetAgent(_ context.Context, id core.AgentID) (a *core.Agent, err error) {
	s.run(func(t *tables) error { a, err = t.getAgent(id); return nil })
	return
}
func (s *Store) ListAgents(_ context.Context, status core.AgentStatus) (out []core.Agent, err error) {
	s.run(func(t *tables) error { out, err = t.listAgents(status); return nil })
	return
}
func (s *Store) FindAgentByAccountReference(_ context.Context, ref string) (a *core.Agent, err error) {
	s.run(func(t *tables) error { a, err = t.findAgentByAccountReference(ref); return nil })
	return
}
func (s *Store) CreatePhone(_ context.Context, p *core.Phone) error {
	return s.run(func(t *tables) error { return t.createPhone(p) })
}
func (s *Store) GetPhone(_ context.Context, id core.PhoneID) (p *core.Phone, err error) {
	s.run(func(t *tables) error { p, err = t.getPhone(id); return nil })
	return
}
func (s *Store) FindPhoneByIMEI(_ context.Context, imei string) (p *core.Phone, err error) {
	s.run(func(t *tables) error { p, err = t.findPhoneByIMEI(imei); return nil })
	return
}
func (s *Store) UpdatePhone(_ context.Context, p *core.Phone) error {
	return s.run(func(t *tables) error { return t.updatePhone(p) })
}
func (s *Store) ListPhones(_ context.Context, agentID core.AgentID) (out []core.Phone, err error) {
	s.run(func(t *tables) error { out, err = t.listPhones(agentID); return nil })
	return
}
func (s *Store) CountPhones(_ context.Context, agentID core.AgentID) (n int, err error) {
	s.run(func(t *tables) error { n, err = t.countPhones(agentID); return nil })
	return
}
func (s *Store) CreateCustomer(_ context.Context, c *core.Customer) error {
	return s.run(func(t *tables) error { return t.createCustomer(c) })
}
func (s *Store) GetCustomer(_ context.Context, id core.CustomerID) (c *core.Customer, err error) {
	s.run(func(t *tables) error { c, err = t.getCustomer(id); return nil })
	return
}
func (s *Store) UpdateCustomer(_ context.Context, c *core.Customer) error {
	return s.run(func(t *tables) error { return t.updateCustomer(c) })
}
func (s *Store) DeleteCustomer(_ context.Context, id core.CustomerID) error {
	return s.run(func(t *tables) error { return t.deleteCustomer(id) })
}
func (s *Store) ListCustomers(_ context.Context, agentID core.AgentID) (out []core.Customer, err error) {
	s.run(func(t *tables) error { out, err = t.listCustomers(agentID); return nil })
	return
}

func (v *txView) CreateAgent(_ context.Context, a *core.Agent) error { return v.data.createAgent(a) }
func (v *txView) GetAgent(_ context.Context, id core.AgentID) (*core.Agent, error) {
	return v.data.getAgent(id)
}
func (v *txView) ListAgents(_ context.Context, status core.AgentStatus) ([]core.Agent, error) {
	return v.data.listAgents(status)
}
func (v *txView) FindAgentByAccountReference(_ context.Context, ref string) (*core.Agent, error) {
	return v.data.findAgentByAccountReference(ref)
}
func (v *txView) CreatePhone(_ context.Context, p *core.Phone) error { return v.data.createPhone(p) }
func (v *txView) GetPhone(_ context.Context, id core.PhoneID) (*core.Phone, error) {
	return v.data.getPhone(id)
}
func (v *txView) FindPhoneByIMEI(_ context.Context, imei string) (*core.Phone, error) {
	return v.data.findPhoneByIMEI(imei)
}
func (v *txView) UpdatePhone(_ context.Context, p *core.Phone) error { return v.data.updatePhone(p) }
func (v *txView) ListPhones(_ context.Context, agentID core.AgentID) ([]core.Phone, error) {
	return v.data.listPhones(agentID)
}
func (v *txView) CountPhones(_ context.Context, agentID core.AgentID) (int, error) {
	return v.data.countPhones(agentID)
}
func (v *txView) CreateCustomer(_ context.Context, c *core.Customer) error {
	return v.data.createCustomer(c)
}
func (v *txView) GetCustomer(_ context.Context, id core.CustomerID) (*core.Customer, error) {
	return v.data.getCustomer(id)
}
func (v *txView) UpdateCustomer(_ context.Context, c *core.Customer) error {
	return v.data.updateCustomer(c)
}
func (v *txView) DeleteCustomer(_ context.Context, id core.CustomerID) error {
	return v.data.deleteCustomer(id)
}
func (v *txView) ListCustomers(_ context.Context, agentID core.AgentID) ([]core.Customer, error) {
	return v.data.listCustomers(agentID)
}

// =============================================================================
// SALES, INSTALLMENTS, PAYMENTS
// =============================================================================

func (t *tables) createSale(s *core.Sale) error {
	if s.Status == core.SaleActive {
		for _, existing := range t.sales {
			if existing.PhoneID == s.PhoneID && existing.Status == core.SaleActive {
				return core.ErrDuplicateActiveSale
			}
		}
	}
	t.sales[s.ID] = *s
	return nil
}

func (t *tables) getSale(id core.SaleID) (*core.Sale, error) {
	if s, ok := t.sales[id]; ok {
		return &s, nil
	}
	return nil, &core.NotFoundError{Kind: "sale", ID: string(id)}
}

func (t *tables) updateSale(s *core.Sale) error {
	if _, ok := t.sales[s.ID]; !ok {
		return &core.NotFoundError{Kind: "sale", ID: string(s.ID)}
	}
	t.sales[s.ID] = *s
	return nil
}

func (t *tables) listSales(agentID core.AgentID, status core.SaleStatus) ([]core.Sale, error) {
	var out []core.Sale
	for _, s := range t.sales {
		if s.AgentID == agentID && (status == "" || s.Status == status) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tables) activeSaleForPhone(phoneID core.PhoneID) (*core.Sale, error) {
	for _, s := range t.sales {
		if s.PhoneID == phoneID && s.Status == core.SaleActive {
			sale := s
			return &sale, nil
		}
	}
	return nil, nil
}

func (t *tables) createInstallments(rows []core.Installment) error {
	for _, r := range rows {
		t.installments[r.ID] = r
	}
	return nil
}

func (t *tables) installmentsForSale(saleID core.SaleID) ([]core.Installment, error) {
	var out []core.Installment
	for _, r := range t.installments {
		if r.SaleID == saleID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (t *tables) updateInstallment(r *core.Installment) error {
	if _, ok := t.installments[r.ID]; !ok {
		return &core.NotFoundError{Kind: "installment", ID: r.ID}
	}
	t.installments[r.ID] = *r
	return nil
}

func (t *tables) markOverdueInstallments(asOf time.Time) (int, error) {
	today := core.Day(asOf)
	n := 0
	for id, r := range t.installments {
		if r.Status == core.InstallmentPending && r.DueDate.Before(today) {
			r.Status = core.InstallmentOverdue
			t.installments[id] = r
			n++
		}
	}
	return n, nil
}

func (t *tables) createPaymentRecord(r *core.PaymentRecord) error {
	if r.ExternalRef != "" {
		for _, existing := range t.payments {
			if existing.ExternalRef == r.ExternalRef {
				return core.ErrDuplicateReference
			}
		}
	}
	t.payments[r.ID] = *r
	return nil
}

func (t *tables) paymentsForSale(saleID core.SaleID) ([]core.PaymentRecord, error) {
	var out []core.PaymentRecord
	for _, r := range t.payments {
		if r.SaleID == saleID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *tables) findPaymentByExternalRef(ref string) (*core.PaymentRecord, error) {
	for _, r := range t.payments {
		if r.ExternalRef != "" && r.ExternalRef == ref {
			rec := r
			return &rec, nil
		}
	}
	return nil, nil
}

func (s *Store) CreateSale(_ context.Context, sale *core.Sale) error {
	return s.run(func(t *tables) error { return t.createSale(sale) })
}
func (s *Store) GetSale(_ context.Context, id core.SaleID) (sale *core.Sale, err error) {
	s.run(func(t *tables) error { sale, err = t.getSale(id); return nil })
	return
}
func (s *Store) UpdateSale(_ context.Context, sale *core.Sale) error {
	return s.run(func(t *tables) error { return t.updateSale(sale) })
}
func (s *Store) ListSales(_ context.Context, agentID core.AgentID, status core.SaleStatus) (out []core.Sale, err error) {
	s.run(func(t *tables) error { out, err = t.listSales(agentID, status); return nil })
	return
}
func (s *Store) ActiveSaleForPhone(_ context.Context, phoneID core.PhoneID) (sale *core.Sale, err error) {
	s.run(func(t *tables) error { sale, err = t.activeSaleForPhone(phoneID); return nil })
	return
}
func (s *Store) CreateInstallments(_ context.Context, rows []core.Installment) error {
	return s.run(func(t *tables) error { return t.createInstallments(rows) })
}
func (s *Store) InstallmentsForSale(_ context.Context, saleID core.SaleID) (out []core.Installment, err error) {
	s.run(func(t *tables) error { out, err = t.installmentsForSale(saleID); return nil })
	return
}
func (s *Store) UpdateInstallment(_ context.Context, r *core.Installment) error {
	return s.run(func(t *tables) error { return t.updateInstallment(r) })
}
func (s *Store) MarkOverdueInstallments(_ context.Context, asOf time.Time) (n int, err error) {
	s.run(func(t *tables) error { n, err = t.markOverdueInstallments(asOf); return nil })
	return
}
func (s *Store) CreatePaymentRecord(_ context.Context, r *core.PaymentRecord) error {
	return s.run(func(t *tables) error { return t.createPaymentRecord(r) })
}
func (s *Store) PaymentsForSale(_ context.Context, saleID core.SaleID) (out []core.PaymentRecord, err error) {
	s.run(func(t *tables) error { out, err = t.paymentsForSale(saleID); return nil })
	return
}
func (s *Store) FindPaymentByExternalRef(_ context.Context, ref string) (r *core.PaymentRecord, err error) {
	s.run(func(t *tables) error { r, err = t.findPaymentByExternalRef(ref); return nil })
	return
}

func (v *txView) CreateSale(_ context.Context, sale *core.Sale) error {
	return v.data.createSale(sale)
}
func (v *txView) GetSale(_ context.Context, id core.SaleID) (*core.Sale, error) {
	return v.data.getSale(id)
}
func (v *txView) UpdateSale(_ context.Context, sale *core.Sale) error {
	return v.data.updateSale(sale)
}
func (v *txView) ListSales(_ context.Context, agentID core.AgentID, status core.SaleStatus) ([]core.Sale, error) {
	return v.data.listSales(agentID, status)
}
func (v *txView) ActiveSaleForPhone(_ context.Context, phoneID core.PhoneID) (*core.Sale, error) {
	return v.data.activeSaleForPhone(phoneID)
}
func (v *txView) CreateInstallments(_ context.Context, rows []core.Installment) error {
	return v.data.createInstallments(rows)
}
func (v *txView) InstallmentsForSale(_ context.Context, saleID core.SaleID) ([]core.Installment, error) {
	return v.data.installmentsForSale(saleID)
}
func (v *txView) UpdateInstallment(_ context.Context, r *core.Installment) error {
	return v.data.updateInstallment(r)
}
func (v *txView) MarkOverdueInstallments(_ context.Context, asOf time.Time) (int, error) {
	return v.data.markOverdueInstallments(asOf)
}
func (v *txView) CreatePaymentRecord(_ context.Context, r *core.PaymentRecord) error {
	return v.data.createPaymentRecord(r)
}
func (v *txView) PaymentsForSale(_ context.Context, saleID core.SaleID) ([]core.PaymentRecord, error) {
	return v.data.paymentsForSale(saleID)
}
func (v *txView) FindPaymentByExternalRef(_ context.Context, ref string) (*core.PaymentRecord, error) {
	return v.data.findPaymentByExternalRef(ref)
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

func settlementKeyMatch(s core.Settlement, agentID core.AgentID, start, end time.Time) bool {
	return s.AgentID == agentID && s.PeriodStart.Equal(start) && s.PeriodEnd.Equal(end)
}

func (t *tables) createSettlement(s *core.Settlement) error {
	for _, existing := range t.settlements {
		if settlementKeyMatch(existing, s.AgentID, s.PeriodStart, s.PeriodEnd) {
			return core.ErrDuplicatePeriod
		}
	}
	t.settlements[s.ID] = *s
	return nil
}

func (t *tables) getSettlement(id core.SettlementID) (*core.Settlement, error) {
	if s, ok := t.settlements[id]; ok {
		return &s, nil
	}
	return nil, &core.NotFoundError{Kind: "settlement", ID: string(id)}
}

func (t *tables) findSettlement(agentID core.AgentID, start, end time.Time) (*core.Settlement, error) {
	for _, s := range t.settlements {
		if settlementKeyMatch(s, agentID, start, end) {
			out := s
			return &out, nil
		}
	}
	return nil, nil
}

func (t *tables) updateSettlement(s *core.Settlement) error {
	if _, ok := t.settlements[s.ID]; !ok {
		return &core.NotFoundError{Kind: "settlement", ID: string(s.ID)}
	}
	t.settlements[s.ID] = *s
	return nil
}

func (t *tables) listSettlements(agentID core.AgentID) ([]core.Settlement, error) {
	var out []core.Settlement
	for _, s := range t.settlements {
		if s.AgentID == agentID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.After(out[j].PeriodStart) })
	return out, nil
}

func (t *tables) createSettlementPayment(p *core.SettlementPayment) error {
	if _, ok := t.settlementPayments[p.Reference]; ok {
		return core.ErrDuplicateReference
	}
	t.settlementPayments[p.Reference] = *p
	return nil
}

func (t *tables) findSettlementPaymentByReference(ref string) (*core.SettlementPayment, error) {
	if p, ok := t.settlementPayments[ref]; ok {
		return &p, nil
	}
	return nil, nil
}

func (t *tables) createOrphanPayment(p *core.OrphanPayment) error {
	if _, ok := t.orphans[p.Reference]; ok {
		return core.ErrDuplicateReference
	}
	t.orphans[p.Reference] = *p
	return nil
}

func (t *tables) findOrphanPaymentByReference(ref string) (*core.OrphanPayment, error) {
	if p, ok := t.orphans[ref]; ok {
		return &p, nil
	}
	return nil, nil
}

func (t *tables) listOrphanPayments() ([]core.OrphanPayment, error) {
	var out []core.OrphanPayment
	for _, p := range t.orphans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateSettlement(_ context.Context, row *core.Settlement) error {
	return s.run(func(t *tables) error { return t.createSettlement(row) })
}
func (s *Store) GetSettlement(_ context.Context, id core.SettlementID) (row *core.Settlement, err error) {
	s.run(func(t *tables) error { row, err = t.getSettlement(id); return nil })
	return
}
func (s *Store) FindSettlement(_ context.Context, agentID core.AgentID, start, end time.Time) (row *core.Settlement, err error) {
	s.run(func(t *tables) error { row, err = t.findSettlement(agentID, start, end); return nil })
	return
}
func (s *Store) UpdateSettlement(_ context.Context, row *core.Settlement) error {
	return s.run(func(t *tables) error { return t.updateSettlement(row) })
}
func (s *Store) ListSettlements(_ context.Context, agentID core.AgentID) (out []core.Settlement, err error) {
	s.run(func(t *tables) error { out, err = t.listSettlements(agentID); return nil })
	return
}
func (s *Store) CreateSettlementPayment(_ context.Context, p *core.SettlementPayment) error {
	return s.run(func(t *tables) error { return t.createSettlementPayment(p) })
}
func (s *Store) FindSettlementPaymentByReference(_ context.Context, ref string) (p *core.SettlementPayment, err error) {
	s.run(func(t *tables) error { p, err = t.findSettlementPaymentByReference(ref); return nil })
	return
}
func (s *Store) CreateOrphanPayment(_ context.Context, p *core.OrphanPayment) error {
	return s.run(func(t *tables) error { return t.createOrphanPayment(p) })
}
func (s *Store) FindOrphanPaymentByReference(_ context.Context, ref string) (p *core.OrphanPayment, err error) {
	s.run(func(t *tables) error { p, err = t.findOrphanPaymentByReference(ref); return nil })
	return
}
func (s *Store) ListOrphanPayments(_ context.Context) (out []core.OrphanPayment, err error) {
	s.run(func(t *tables) error { out, err = t.listOrphanPayments(); return nil })
	return
}

func (v *txView) CreateSettlement(_ context.Context, row *core.Settlement) error {
	return v.data.createSettlement(row)
}
func (v *txView) GetSettlement(_ context.Context, id core.SettlementID) (*core.Settlement, error) {
	return v.data.getSettlement(id)
}
func (v *txView) FindSettlement(_ context.Context, agentID core.AgentID, start, end time.Time) (*core.Settlement, error) {
	return v.data.findSettlement(agentID, start, end)
}
func (v *txView) UpdateSettlement(_ context.Context, row *core.Settlement) error {
	return v.data.updateSettlement(row)
}
func (v *txView) ListSettlements(_ context.Context, agentID core.AgentID) ([]core.Settlement, error) {
	return v.data.listSettlements(agentID)
}
func (v *txView) CreateSettlementPayment(_ context.Context, p *core.SettlementPayment) error {
	return v.data.createSettlementPayment(p)
}
func (v *txView) FindSettlementPaymentByReference(_ context.Context, ref string) (*core.SettlementPayment, error) {
	return v.data.findSettlementPaymentByReference(ref)
}
func (v *txView) CreateOrphanPayment(_ context.Context, p *core.OrphanPayment) error {
	return v.data.createOrphanPayment(p)
}
func (v *txView) FindOrphanPaymentByReference(_ context.Context, ref string) (*core.OrphanPayment, error) {
	return v.data.findOrphanPaymentByReference(ref)
}
func (v *txView) ListOrphanPayments(_ context.Context) ([]core.OrphanPayment, error) {
	return v.data.listOrphanPayments()
}

// =============================================================================
// DEVICE COMMANDS
// =============================================================================

func (t *tables) createCommand(c *core.DeviceCommand) error {
	stored := *c
	stored.Token = "" // never persisted
	t.commands[c.ID] = stored
	return nil
}

func (t *tables) getCommand(id core.CommandID) (*core.DeviceCommand, error) {
	if c, ok := t.commands[id]; ok {
		return &c, nil
	}
	return nil, &core.NotFoundError{Kind: "device_command", ID: string(id)}
}

func (t *tables) pendingCommandsForPhone(phoneID core.PhoneID) ([]core.DeviceCommand, error) {
	var out []core.DeviceCommand
	for _, c := range t.commands {
		if c.PhoneID == phoneID && (c.Status == core.CommandPending || c.Status == core.CommandSent) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *tables) transitionCommand(c *core.DeviceCommand, from []core.CommandStatus) error {
	stored, ok := t.commands[c.ID]
	if !ok {
		return &core.NotFoundError{Kind: "device_command", ID: string(c.ID)}
	}
	allowed := false
	for _, f := range from {
		if stored.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return core.ErrInvalidTransition
	}
	next := *c
	next.Token = ""
	t.commands[c.ID] = next
	return nil
}

func (t *tables) expireCommands(now time.Time) (int, error) {
	n := 0
	for id, c := range t.commands {
		if c.IsExpired(now) {
			c.Status = core.CommandExpired
			c.UpdatedAt = now
			t.commands[id] = c
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateCommand(_ context.Context, c *core.DeviceCommand) error {
	return s.run(func(t *tables) error { return t.createCommand(c) })
}
func (s *Store) GetCommand(_ context.Context, id core.CommandID) (c *core.DeviceCommand, err error) {
	s.run(func(t *tables) error { c, err = t.getCommand(id); return nil })
	return
}
func (s *Store) PendingCommandsForPhone(_ context.Context, phoneID core.PhoneID) (out []core.DeviceCommand, err error) {
	s.run(func(t *tables) error { out, err = t.pendingCommandsForPhone(phoneID); return nil })
	return
}
func (s *Store) TransitionCommand(_ context.Context, c *core.DeviceCommand, from ...core.CommandStatus) error {
	return s.run(func(t *tables) error { return t.transitionCommand(c, from) })
}
func (s *Store) ExpireCommands(_ context.Context, now time.Time) (n int, err error) {
	s.run(func(t *tables) error { n, err = t.expireCommands(now); return nil })
	return
}

func (v *txView) CreateCommand(_ context.Context, c *core.DeviceCommand) error {
	return v.data.createCommand(c)
}
func (v *txView) GetCommand(_ context.Context, id core.CommandID) (*core.DeviceCommand, error) {
	return v.data.getCommand(id)
}
func (v *txView) PendingCommandsForPhone(_ context.Context, phoneID core.PhoneID) ([]core.DeviceCommand, error) {
	return v.data.pendingCommandsForPhone(phoneID)
}
func (v *txView) TransitionCommand(_ context.Context, c *core.DeviceCommand, from ...core.CommandStatus) error {
	return v.data.transitionCommand(c, from)
}
func (v *txView) ExpireCommands(_ context.Context, now time.Time) (int, error) {
	return v.data.expireCommands(now)
}

// =============================================================================
// DEVICE HEARTBEATS
// =============================================================================

func (t *tables) createHeartbeat(h *core.DeviceHeartbeat) error {
	t.heartbeats = append(t.heartbeats, *h)
	return nil
}

func (t *tables) latestHeartbeat(phoneID core.PhoneID) (*core.DeviceHeartbeat, error) {
	// Insertion order breaks reported_at ties, matching the sqlite lookup.
	var latest *core.DeviceHeartbeat
	for _, h := range t.heartbeats {
		if h.PhoneID != phoneID {
			continue
		}
		if latest == nil || !h.ReportedAt.Before(latest.ReportedAt) {
			hb := h
			latest = &hb
		}
	}
	return latest, nil
}

func (s *Store) CreateHeartbeat(_ context.Context, h *core.DeviceHeartbeat) error {
	return s.run(func(t *tables) error { return t.createHeartbeat(h) })
}
func (s *Store) LatestHeartbeat(_ context.Context, phoneID core.PhoneID) (h *core.DeviceHeartbeat, err error) {
	s.run(func(t *tables) error { h, err = t.latestHeartbeat(phoneID); return nil })
	return
}

func (v *txView) CreateHeartbeat(_ context.Context, h *core.DeviceHeartbeat) error {
	return v.data.createHeartbeat(h)
}
func (v *txView) LatestHeartbeat(_ context.Context, phoneID core.PhoneID) (*core.DeviceHeartbeat, error) {
	return v.data.latestHeartbeat(phoneID)
}

// =============================================================================
// AUDIT
// =============================================================================

func (s *Store) AppendAudit(_ context.Context, e core.AuditEntry) error {
	return s.run(func(t *tables) error { t.audit = append(t.audit, e); return nil })
}

func (s *Store) QueryAudit(_ context.Context, entityType, entityID string) (out []core.AuditEntry, err error) {
	s.run(func(t *tables) error {
		for _, e := range t.audit {
			if (entityType == "" || e.EntityType == entityType) && (entityID == "" || e.EntityID == entityID) {
				out = append(out, e)
			}
		}
		return nil
	})
	return
}

func (v *txView) AppendAudit(_ context.Context, e core.AuditEntry) error {
	v.data.audit = append(v.data.audit, e)
	return nil
}

func (v *txView) QueryAudit(_ context.Context, entityType, entityID string) ([]core.AuditEntry, error) {
	var out []core.AuditEntry
	for _, e := range v.data.audit {
		if (entityType == "" || e.EntityType == entityType) && (entityID == "" || e.EntityID == entityID) {
			out = append(out, e)
		}
	}
	return out, nil
}
