/*
Package sqlite provides the SQLite-backed implementation of core.Store.

PURPOSE:
  Production persistence for the installment engine. In production, the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

HARD CONSTRAINTS LIVE HERE:
  - idx_sales_one_active_per_phone: at most one active sale per phone. The
    partial unique index means the INSERT itself is the race arbiter;
    concurrent creators serialize on the constraint, not on a prior SELECT.
  - idx_settlements_agent_period: one settlement per (agent, period).
  - settlement_payments.reference / orphan_payments.reference /
    idx_payments_external_ref: globally unique payment references, the
    idempotency backstop behind webhook replays.

  Constraint violations are mapped to the typed errors in core by index name.

ENCODING:
  Times are stored as UTC RFC3339 strings, so lexicographic comparison in SQL
  matches chronological comparison. Money values are stored as decimal TEXT,
  never as floating point.

CONCURRENCY:
  A single mutex serializes access on top of WAL mode. WithTx holds the mutex
  for the whole transaction and hands the callback a txStore view whose
  methods run against the open *sql.Tx without re-locking.

USAGE:
  store, err := sqlite.New("./data/engine.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper migration
  tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - core/store.go: interface definitions and the nil-vs-error convention
  - store/memory: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lockpay/installment-engine/core"
	_ "github.com/mattn/go-sqlite3"
)

// Store implements core.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New creates a SQLite store at the given path. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: the store serializes access anyway, and :memory:
	// databases exist per-connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Agents (resellers)
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		business_name TEXT NOT NULL,
		status TEXT NOT NULL,
		account_reference TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_account_reference
		ON agents(account_reference) WHERE account_reference != '';

	-- Global IMEI registry, one row per physical device, never deleted
	CREATE TABLE IF NOT EXISTS registry (
		imei TEXT PRIMARY KEY,
		first_registered_agent TEXT NOT NULL,
		current_agent TEXT NOT NULL,
		blacklisted INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Phones (per-agent inventory)
	CREATE TABLE IF NOT EXISTS phones (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		imei TEXT NOT NULL,
		brand TEXT,
		model TEXT,
		locked INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_phones_agent ON phones(agent_id);
	CREATE INDEX IF NOT EXISTS idx_phones_imei ON phones(imei);

	-- Customers
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		full_name TEXT NOT NULL,
		phone_number TEXT,
		email TEXT,
		address TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_customers_agent ON customers(agent_id);

	-- Sales
	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		phone_id TEXT NOT NULL,
		sale_price TEXT NOT NULL,
		down_payment TEXT NOT NULL,
		total_payable TEXT NOT NULL,
		balance_remaining TEXT NOT NULL,
		installments INTEGER NOT NULL,
		interval TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	-- CRITICAL: at most one active sale per phone. The insert loses the
	-- race here, not at a prior SELECT.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sales_one_active_per_phone
		ON sales(phone_id) WHERE status = 'active';

	CREATE INDEX IF NOT EXISTS idx_sales_agent_status ON sales(agent_id, status);

	-- Installment schedule rows
	CREATE TABLE IF NOT EXISTS installments (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		due_date TEXT NOT NULL,
		amount_due TEXT NOT NULL,
		status TEXT NOT NULL,
		paid_date TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_installments_sale ON installments(sale_id);
	CREATE INDEX IF NOT EXISTS idx_installments_status_due
		ON installments(status, due_date);

	-- Payment records (append-only; only status may change after insert)
	CREATE TABLE IF NOT EXISTS payment_records (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		sale_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		external_ref TEXT,
		status TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_sale ON payment_records(sale_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_external_ref
		ON payment_records(external_ref) WHERE external_ref IS NOT NULL;

	-- Settlements, one per (agent, period)
	CREATE TABLE IF NOT EXISTS settlements (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		status TEXT NOT NULL,
		due_date TEXT NOT NULL,
		invoice_number TEXT NOT NULL,
		payment_reference TEXT NOT NULL DEFAULT '',
		paid_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_settlements_agent_period
		ON settlements(agent_id, period_start, period_end);

	-- Settlement payments, globally unique reference
	CREATE TABLE IF NOT EXISTS settlement_payments (
		id TEXT PRIMARY KEY,
		settlement_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		reference TEXT NOT NULL UNIQUE,
		method TEXT NOT NULL,
		paid_at TEXT NOT NULL,
		confirmed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_settlement_payments_settlement
		ON settlement_payments(settlement_id);

	-- Orphan payments, money with no settlement to absorb it
	CREATE TABLE IF NOT EXISTS orphan_payments (
		id TEXT PRIMARY KEY,
		account_reference TEXT NOT NULL,
		reference TEXT NOT NULL UNIQUE,
		amount TEXT NOT NULL,
		paid_at TEXT NOT NULL,
		note TEXT,
		created_at TEXT NOT NULL
	);

	-- Device commands
	CREATE TABLE IF NOT EXISTS device_commands (
		id TEXT PRIMARY KEY,
		phone_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		sale_id TEXT,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL,
		issued_by TEXT NOT NULL,
		auth_token_hash TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		acknowledged_at TEXT,
		executed_at TEXT,
		device_response TEXT,
		error_message TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_commands_phone_status
		ON device_commands(phone_id, status);
	CREATE INDEX IF NOT EXISTS idx_commands_status_expires
		ON device_commands(status, expires_at);

	-- Device heartbeats (append-only health reports)
	CREATE TABLE IF NOT EXISTS device_heartbeats (
		id TEXT PRIMARY KEY,
		phone_id TEXT NOT NULL,
		android_version TEXT NOT NULL,
		app_version TEXT NOT NULL,
		battery_level INTEGER NOT NULL,
		device_admin_enabled INTEGER NOT NULL,
		locked INTEGER NOT NULL,
		lock_reason TEXT,
		reported_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_heartbeats_phone_reported
		ON device_heartbeats(phone_id, reported_at);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		metadata_json TEXT,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_log(entity_type, entity_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx, so the same query code
// serves direct calls and transaction-scoped calls.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TRANSACTION BOUNDARY
// =============================================================================

// WithTx executes fn within one database transaction. The callback's Store
// view runs against the open transaction; returning an error rolls back.
func (s *Store) WithTx(ctx context.Context, fn func(core.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{parent: s, tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore is the transaction-scoped view handed to WithTx callbacks.
// It runs every operation against the open *sql.Tx without re-locking.
type txStore struct {
	parent *Store
	tx     *sql.Tx
}

// WithTx inside a transaction just runs fn in the same scope.
func (ts *txStore) WithTx(_ context.Context, fn func(core.Store) error) error {
	return fn(ts)
}

// =============================================================================
// REGISTRY
// =============================================================================

func findRegistryEntry(ctx context.Context, db dbtx, imei string) (*core.RegistryEntry, error) {
	row := db.QueryRowContext(ctx, `
		SELECT imei, first_registered_agent, current_agent, blacklisted, created_at
		FROM registry WHERE imei = ?`, imei)

	var e core.RegistryEntry
	var first, current, createdAt string
	var blacklisted int
	if err := row.Scan(&e.IMEI, &first, &current, &blacklisted, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	e.FirstRegisteredAgent = core.AgentID(first)
	e.CurrentAgent = core.AgentID(current)
	e.Blacklisted = blacklisted != 0
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

func saveRegistryEntry(ctx context.Context, db dbtx, e *core.RegistryEntry) error {
	// Upsert; first_registered_agent is written once and never overwritten.
	_, err := db.ExecContext(ctx, `
		INSERT INTO registry (imei, first_registered_agent, current_agent, blacklisted, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(imei) DO UPDATE SET
			current_agent = excluded.current_agent,
			blacklisted = excluded.blacklisted`,
		e.IMEI, string(e.FirstRegisteredAgent), string(e.CurrentAgent),
		boolInt(e.Blacklisted), formatTime(e.CreatedAt))
	return err
}

func (s *Store) FindRegistryEntry(ctx context.Context, imei string) (*core.RegistryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findRegistryEntry(ctx, s.db, imei)
}

func (s *Store) SaveRegistryEntry(ctx context.Context, e *core.RegistryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveRegistryEntry(ctx, s.db, e)
}

func (ts *txStore) FindRegistryEntry(ctx context.Context, imei string) (*core.RegistryEntry, error) {
	return findRegistryEntry(ctx, ts.tx, imei)
}

func (ts *txStore) SaveRegistryEntry(ctx context.Context, e *core.RegistryEntry) error {
	return saveRegistryEntry(ctx, ts.tx, e)
}

// =============================================================================
// AGENTS
// =============================================================================

func createAgent(ctx context.Context, db dbtx, a *core.Agent) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO agents (id, business_name, status, account_reference, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(a.ID), a.BusinessName, string(a.Status), a.AccountReference,
		formatTime(a.CreatedAt))
	return err
}

func scanAgent(row interface{ Scan(...any) error }) (*core.Agent, error) {
	var a core.Agent
	var id, status, createdAt string
	if err := row.Scan(&id, &a.BusinessName, &status, &a.AccountReference, &createdAt); err != nil {
		return nil, err
	}
	a.ID = core.AgentID(id)
	a.Status = core.AgentStatus(status)
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

func getAgent(ctx context.Context, db dbtx, id core.AgentID) (*core.Agent, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, business_name, status, account_reference, created_at
		FROM agents WHERE id = ?`, string(id))
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Kind: "agent", ID: string(id)}
	}
	return a, err
}

func listAgents(ctx context.Context, db dbtx, status core.AgentStatus) ([]core.Agent, error) {
	query := `SELECT id, business_name, status, account_reference, created_at FROM agents`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func findAgentByAccountReference(ctx context.Context, db dbtx, ref string) (*core.Agent, error) {
	if ref == "" {
		return nil, nil
	}
	row := db.QueryRowContext(ctx, `
		SELECT id, business_name, status, account_reference, created_at
		FROM agents WHERE account_reference = ?`, ref)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (s *Store) CreateAgent(ctx context.Context, a *core.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createAgent(ctx, s.db, a)
}

func (s *Store) GetAgent(ctx context.Context, id core.AgentID) (*core.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getAgent(ctx, s.db, id)
}

func (s *Store) ListAgents(ctx context.Context, status core.AgentStatus) ([]core.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return listAgents(ctx, s.db, status)
}

func (s *Store) FindAgentByAccountReference(ctx context.Context, ref string) (*core.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findAgentByAccountReference(ctx, s.db, ref)
}

func (ts *txStore) CreateAgent(ctx context.Context, a *core.Agent) error {
	return createAgent(ctx, ts.tx, a)
}

func (ts *txStore) GetAgent(ctx context.Context, id core.AgentID) (*core.Agent, error) {
	return getAgent(ctx, ts.tx, id)
}

func (ts *txStore) ListAgents(ctx context.Context, status core.AgentStatus) ([]core.Agent, error) {
	return listAgents(ctx, ts.tx, status)
}

func (ts *txStore) FindAgentByAccountReference(ctx context.Context, ref string) (*core.Agent, error) {
	return findAgentByAccountReference(ctx, ts.tx, ref)
}

// =============================================================================
// PHONES
// =============================================================================

const phoneColumns = `id, agent_id, imei, brand, model, locked, status, created_at, updated_at`

func createPhone(ctx context.Context, db dbtx, p *core.Phone) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO phones (`+phoneColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(p.ID), string(p.AgentID), p.IMEI, p.Brand, p.Model,
		boolInt(p.Locked), string(p.Status),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	return err
}

func scanPhone(row interface{ Scan(...any) error }) (*core.Phone, error) {
	var p core.Phone
	var id, agentID, status, createdAt, updatedAt string
	var brand, model sql.NullString
	var locked int
	if err := row.Scan(&id, &agentID, &p.IMEI, &brand, &model, &locked, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.ID = core.PhoneID(id)
	p.AgentID = core.AgentID(agentID)
	p.Brand = brand.String
	p.Model = model.String
	p.Locked = locked != 0
	p.Status = core.PhoneStatus(status)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func getPhone(ctx context.Context, db dbtx, id core.PhoneID) (*core.Phone, error) {
	row := db.QueryRowContext(ctx, `SELECT `+phoneColumns+` FROM phones WHERE id = ?`, string(id))
	p, err := scanPhone(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Kind: "phone", ID: string(id)}
	}
	return p, err
}

func findPhoneByIMEI(ctx context.Context, db dbtx, imei string) (*core.Phone, error) {
	// Latest row wins when a device has been re-inventoried after transfer.
	row := db.QueryRowContext(ctx, `
		SELECT `+phoneColumns+` FROM phones WHERE imei = ?
		ORDER BY created_at DESC LIMIT 1`, imei)
	p, err := scanPhone(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func updatePhone(ctx context.Context, db dbtx, p *core.Phone) error {
	res, err := db.ExecContext(ctx, `
		UPDATE phones SET agent_id = ?, imei = ?, brand = ?, model = ?,
			locked = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		string(p.AgentID), p.IMEI, p.Brand, p.Model,
		boolInt(p.Locked), string(p.Status), formatTime(p.UpdatedAt),
		string(p.ID))
	if err != nil {
		return err
	}
	return requireRow(res, "phone", string(p.ID))
}

func listPhones(ctx context.Context, db dbtx, agentID core.AgentID) ([]core.Phone, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+phoneColumns+` FROM phones WHERE agent_id = ? ORDER BY id`,
		string(agentID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Phone
	for rows.Next() {
		p, err := scanPhone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func countPhones(ctx context.Context, db dbtx, agentID core.AgentID) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM phones WHERE agent_id = ?`, string(agentID)).Scan(&n)
	return n, err
}

func (s *Store) CreatePhone(ctx context.Context, p *core.Phone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createPhone(ctx, s.db, p)
}

func (s *Store) GetPhone(ctx context.Context, id core.PhoneID) (*core.Phone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getPhone(ctx, s.db, id)
}

func (s *Store) FindPhoneByIMEI(ctx context.Context, imei string) (*core.Phone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findPhoneByIMEI(ctx, s.db, imei)
}

func (s *Store) UpdatePhone(ctx context.Context, p *core.Phone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updatePhone(ctx, s.db, p)
}

func (s *Store) ListPhones(ctx context.Context, agentID core.AgentID) ([]core.Phone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return listPhones(ctx, s.db, agentID)
}

func (s *Store) CountPhones(ctx context.Context, agentID core.AgentID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countPhones(ctx, s.db, agentID)
}

func (ts *txStore) CreatePhone(ctx context.Context, p *core.Phone) error {
	return createPhone(ctx, ts.tx, p)
}

func (ts *txStore) GetPhone(ctx context.Context, id core.PhoneID) (*core.Phone, error) {
	return getPhone(ctx, ts.tx, id)
}

func (ts *txStore) FindPhoneByIMEI(ctx context.Context, imei string) (*core.Phone, error) {
	return findPhoneByIMEI(ctx, ts.tx, imei)
}

func (ts *txStore) UpdatePhone(ctx context.Context, p *core.Phone) error {
	return updatePhone(ctx, ts.tx, p)
}

func (ts *txStore) ListPhones(ctx context.Context, agentID core.AgentID) ([]core.Phone, error) {
	return listPhones(ctx, ts.tx, agentID)
}

func (ts *txStore) CountPhones(ctx context.Context, agentID core.AgentID) (int, error) {
	return countPhones(ctx, ts.tx, agentID)
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func createCustomer(ctx context.Context, db dbtx, c *core.Customer) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO customers (id, agent_id, full_name, phone_number, email, address, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(c.ID), string(c.AgentID), c.FullName, c.PhoneNumber, c.Email,
		c.Address, formatTime(c.CreatedAt))
	return err
}

func scanCustomer(row interface{ Scan(...any) error }) (*core.Customer, error) {
	var c core.Customer
	var id, agentID, createdAt string
	var phone, email, address sql.NullString
	if err := row.Scan(&id, &agentID, &c.FullName, &phone, &email, &address, &createdAt); err != nil {
		return nil, err
	}
	c.ID = core.CustomerID(id)
	c.AgentID = core.AgentID(agentID)
	c.PhoneNumber = phone.String
	c.Email = email.String
	c.Address = address.String
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

func getCustomer(ctx context.Context, db dbtx, id core.CustomerID) (*core.Customer, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, agent_id, full_name, phone_number, email, address, created_at
		FROM customers WHERE id = ?`, string(id))
	c, err := scanCustomer(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Kind: "customer", ID: string(id)}
	}
	return c, err
}

func updateCustomer(ctx context.Context, db dbtx, c *core.Customer) error {
	res, err := db.ExecContext(ctx, `
		UPDATE customers SET full_name = ?, phone_number = ?, email = ?, address = ?
		WHERE id = ?`,
		c.FullName, c.PhoneNumber, c.Email, c.Address, string(c.ID))
	if err != nil {
		return err
	}
	return requireRow(res, "customer", string(c.ID))
}

func deleteCustomer(ctx context.Context, db dbtx, id core.CustomerID) error {
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sales WHERE customer_id = ?`, string(id)).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return core.ErrCustomerInUse
	}
	res, err := db.ExecContext(ctx, `DELETE FROM customers WHERE id = ?`, string(id))
	if err != nil {
		return err
	}
	return requireRow(res, "customer", string(id))
}

func listCustomers(ctx context.Context, db dbtx, agentID core.AgentID) ([]core.Customer, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, agent_id, full_name, phone_number, email, address, created_at
		FROM customers WHERE agent_id = ? ORDER BY id`, string(agentID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) CreateCustomer(ctx context.Context, c *core.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createCustomer(ctx, s.db, c)
}

func (s *Store) GetCustomer(ctx context.Context, id core.CustomerID) (*core.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getCustomer(ctx, s.db, id)
}

func (s *Store) UpdateCustomer(ctx context.Context, c *core.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateCustomer(ctx, s.db, c)
}

func (s *Store) DeleteCustomer(ctx context.Context, id core.CustomerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteCustomer(ctx, s.db, id)
}

func (s *Store) ListCustomers(ctx context.Context, agentID core.AgentID) ([]core.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return listCustomers(ctx, s.db, agentID)
}

func (ts *txStore) CreateCustomer(ctx context.Context, c *core.Customer) error {
	return createCustomer(ctx, ts.tx, c)
}

func (ts *txStore) GetCustomer(ctx context.Context, id core.CustomerID) (*core.Customer, error) {
	return getCustomer(ctx, ts.tx, id)
}

func (ts *txStore) UpdateCustomer(ctx context.Context, c *core.Customer) error {
	return updateCustomer(ctx, ts.tx, c)
}

func (ts *txStore) DeleteCustomer(ctx context.Context, id core.CustomerID) error {
	return deleteCustomer(ctx, ts.tx, id)
}

func (ts *txStore) ListCustomers(ctx context.Context, agentID core.AgentID) ([]core.Customer, error) {
	return listCustomers(ctx, ts.tx, agentID)
}

// =============================================================================
// SALES
// =============================================================================

const saleColumns = `id, agent_id, customer_id, phone_id, sale_price, down_payment,
	total_payable, balance_remaining, installments, interval, status, created_at, completed_at`

func createSale(ctx context.Context, db dbtx, sale *core.Sale) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(sale.ID), string(sale.AgentID), string(sale.CustomerID),
		string(sale.PhoneID),
		sale.SalePrice.String(), sale.DownPayment.String(),
		sale.TotalPayable.String(), sale.BalanceRemaining.String(),
		sale.Installments, string(sale.Interval), string(sale.Status),
		formatTime(sale.CreatedAt), nullTime(sale.CompletedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrDuplicateActiveSale
		}
		return fmt.Errorf("failed to create sale: %w", err)
	}
	return nil
}

func scanSale(row interface{ Scan(...any) error }) (*core.Sale, error) {
	var sale core.Sale
	var id, agentID, customerID, phoneID string
	var price, down, payable, balance string
	var interval, status, createdAt string
	var completedAt sql.NullString
	if err := row.Scan(&id, &agentID, &customerID, &phoneID,
		&price, &down, &payable, &balance,
		&sale.Installments, &interval, &status, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	sale.ID = core.SaleID(id)
	sale.AgentID = core.AgentID(agentID)
	sale.CustomerID = core.CustomerID(customerID)
	sale.PhoneID = core.PhoneID(phoneID)
	sale.SalePrice = core.MustMoney(price)
	sale.DownPayment = core.MustMoney(down)
	sale.TotalPayable = core.MustMoney(payable)
	sale.BalanceRemaining = core.MustMoney(balance)
	sale.Interval = core.BillingInterval(interval)
	sale.Status = core.SaleStatus(status)
	sale.CreatedAt = parseTime(createdAt)
	sale.CompletedAt = parseNullTime(completedAt)
	return &sale, nil
}

func getSale(ctx context.Context, db dbtx, id core.SaleID) (*core.Sale, error) {
	row := db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = ?`, string(id))
	sale, err := scanSale(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Kind: "sale", ID: string(id)}
	}
	return sale, err
}

func updateSale(ctx context.Context, db dbtx, sale *core.Sale) error {
	res, err := db.ExecContext(ctx, `
		UPDATE sales SET balance_remaining = ?, status = ?, completed_at = ?
		WHERE id = ?`,
		sale.BalanceRemaining.String(), string(sale.Status),
		nullTime(sale.CompletedAt), string(sale.ID))
	if err != nil {
		return err
	}
	return requireRow(res, "sale", string(sale.ID))
}

func listSales(ctx context.Context, db dbtx, agentID core.AgentID, status core.SaleStatus) ([]core.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE agent_id = ?`
	args := []any{string(agentID)}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Sale
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sale)
	}
	return out, rows.Err()
}

func activeSaleForPhone(ctx context.Context, db dbtx, phoneID core.PhoneID) (*core.Sale, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+saleColumns+` FROM sales WHERE phone_id = ? AND status = 'active'`,
		string(phoneID))
	sale, err := scanSale(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sale, err
}

func (s *Store) CreateSale(ctx context.Context, sale *core.Sale) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createSale(ctx, s.db, sale)
}

func (s *Store) GetSale(ctx context.Context, id core.SaleID) (*core.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getSale(ctx, s.db, id)
}

func (s *Store) UpdateSale(ctx context.Context, sale *core.Sale) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateSale(ctx, s.db, sale)
}

func (s *Store) ListSales(ctx context.Context, agentID core.AgentID, status core.SaleStatus) ([]core.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return listSales(ctx, s.db, agentID, status)
}

func (s *Store) ActiveSaleForPhone(ctx context.Context, phoneID core.PhoneID) (*core.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return activeSaleForPhone(ctx, s.db, phoneID)
}

func (ts *txStore) CreateSale(ctx context.Context, sale *core.Sale) error {
	return createSale(ctx, ts.tx, sale)
}

func (ts *txStore) GetSale(ctx context.Context, id core.SaleID) (*core.Sale, error) {
	return getSale(ctx, ts.tx, id)
}

func (ts *txStore) UpdateSale(ctx context.Context, sale *core.Sale) error {
	return updateSale(ctx, ts.tx, sale)
}

func (ts *txStore) ListSales(ctx context.Context, agentID core.AgentID, status core.SaleStatus) ([]core.Sale, error) {
	return listSales(ctx, ts.tx, agentID, status)
}

func (ts *txStore) ActiveSaleForPhone(ctx context.Context, phoneID core.PhoneID) (*core.Sale, error) {
	return activeSaleForPhone(ctx, ts.tx, phoneID)
}

// =============================================================================
// INSTALLMENTS
// =============================================================================

func createInstallments(ctx context.Context, db dbtx, rows []core.Installment) error {
	for _, r := range rows {
		_, err := db.ExecContext(ctx, `
			INSERT INTO installments (id, sale_id, number, due_date, amount_due, status, paid_date)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, string(r.SaleID), r.Number, formatTime(r.DueDate),
			r.AmountDue.String(), string(r.Status), nullTime(r.PaidDate))
		if err != nil {
			return fmt.Errorf("failed to create installment %d: %w", r.Number, err)
		}
	}
	return nil
}

func installmentsForSale(ctx context.Context, db dbtx, saleID core.SaleID) ([]core.Installment, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, sale_id, number, due_date, amount_due, status, paid_date
		FROM installments WHERE sale_id = ? ORDER BY number`, string(saleID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Installment
	for rows.Next() {
		var r core.Installment
		var saleID, dueDate, amount, status string
		var paidDate sql.NullString
		if err := rows.Scan(&r.ID, &saleID, &r.Number, &dueDate, &amount, &status, &paidDate); err != nil {
			return nil, err
		}
		r.SaleID = core.SaleID(saleID)
		r.DueDate = parseTime(dueDate)
		r.AmountDue = core.MustMoney(amount)
		r.Status = core.InstallmentStatus(status)
		r.PaidDate = parseNullTime(paidDate)
		out = append(out, r)
	}
	return out, rows.Err()
}

func updateInstallment(ctx context.Context, db dbtx, r *core.Installment) error {
	res, err := db.ExecContext(ctx, `
		UPDATE installments SET status = ?, paid_date = ? WHERE id = ?`,
		string(r.Status), nullTime(r.PaidDate), r.ID)
	if err != nil {
		return err
	}
	return requireRow(res, "installment", r.ID)
}

func markOverdueInstallments(ctx context.Context, db dbtx, asOf time.Time) (int, error) {
	// RFC3339 UTC strings compare lexicographically in date order.
	res, err := db.ExecContext(ctx, `
		UPDATE installments SET status = 'overdue'
		WHERE status = 'pending' AND due_date < ?`,
		formatTime(core.Day(asOf)))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) CreateInstallments(ctx context.Context, rows []core.Installment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createInstallments(ctx, s.db, rows)
}

func (s *Store) InstallmentsForSale(ctx context.Context, saleID core.SaleID) ([]core.Installment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return installmentsForSale(ctx, s.db, saleID)
}

func (s *Store) UpdateInstallment(ctx context.Context, r *core.Installment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateInstallment(ctx, s.db, r)
}

func (s *Store) MarkOverdueInstallments(ctx context.Context, asOf time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markOverdueInstallments(ctx, s.db, asOf)
}

func (ts *txStore) CreateInstallments(ctx context.Context, rows []core.Installment) error {
	return createInstallments(ctx, ts.tx, rows)
}

func (ts *txStore) InstallmentsForSale(ctx context.Context, saleID core.SaleID) ([]core.Installment, error) {
	return installmentsForSale(ctx, ts.tx, saleID)
}

func (ts *txStore) UpdateInstallment(ctx context.Context, r *core.Installment) error {
	return updateInstallment(ctx, ts.tx, r)
}

func (ts *txStore) MarkOverdueInstallments(ctx context.Context, asOf time.Time) (int, error) {
	return markOverdueInstallments(ctx, ts.tx, asOf)
}

// =============================================================================
// PAYMENT RECORDS
// =============================================================================

func createPaymentRecord(ctx context.Context, db dbtx, r *core.PaymentRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO payment_records
		(id, agent_id, sale_id, amount, method, external_ref, status,
		 balance_before, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.AgentID), string(r.SaleID),
		r.Amount.String(), string(r.Method), nullString(r.ExternalRef),
		string(r.Status), r.BalanceBefore.String(), r.BalanceAfter.String(),
		formatTime(r.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrDuplicateReference
		}
		return fmt.Errorf("failed to create payment record: %w", err)
	}
	return nil
}

func scanPayment(row interface{ Scan(...any) error }) (*core.PaymentRecord, error) {
	var r core.PaymentRecord
	var agentID, saleID, amount, method, status string
	var before, after, createdAt string
	var externalRef sql.NullString
	if err := row.Scan(&r.ID, &agentID, &saleID, &amount, &method, &externalRef,
		&status, &before, &after, &createdAt); err != nil {
		return nil, err
	}
	r.AgentID = core.AgentID(agentID)
	r.SaleID = core.SaleID(saleID)
	r.Amount = core.MustMoney(amount)
	r.Method = core.PaymentMethod(method)
	r.ExternalRef = externalRef.String
	r.Status = core.PaymentStatus(status)
	r.BalanceBefore = core.MustMoney(before)
	r.BalanceAfter = core.MustMoney(after)
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

const paymentColumns = `id, agent_id, sale_id, amount, method, external_ref, status,
	balance_before, balance_after, created_at`

func paymentsForSale(ctx context.Context, db dbtx, saleID core.SaleID) ([]core.PaymentRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payment_records
		WHERE sale_id = ? ORDER BY created_at`, string(saleID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.PaymentRecord
	for rows.Next() {
		r, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func findPaymentByExternalRef(ctx context.Context, db dbtx, ref string) (*core.PaymentRecord, error) {
	if ref == "" {
		return nil, nil
	}
	row := db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payment_records WHERE external_ref = ?`, ref)
	r, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *Store) CreatePaymentRecord(ctx context.Context, r *core.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createPaymentRecord(ctx, s.db, r)
}

func (s *Store) PaymentsForSale(ctx context.Context, saleID core.SaleID) ([]core.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return paymentsForSale(ctx, s.db, saleID)
}

func (s *Store) FindPaymentByExternalRef(ctx context.Context, ref string) (*core.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findPaymentByExternalRef(ctx, s.db, ref)
}

func (ts *txStore) CreatePaymentRecord(ctx context.Context, r *core.PaymentRecord) error {
	return createPaymentRecord(ctx, ts.tx, r)
}

func (ts *txStore) PaymentsForSale(ctx context.Context, saleID core.SaleID) ([]core.PaymentRecord, error) {
	return paymentsForSale(ctx, ts.tx, saleID)
}

func (ts *txStore) FindPaymentByExternalRef(ctx context.Context, ref string) (*core.PaymentRecord, error) {
	return findPaymentByExternalRef(ctx, ts.tx, ref)
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

const settlementColumns = `id, agent_id, period_start, period_end, total_amount,
	amount_paid, status, due_date, invoice_number, payment_reference, paid_at, created_at`

func createSettlement(ctx context.Context, db dbtx, row *core.Settlement) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO settlements (`+settlementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(row.ID), string(row.AgentID),
		formatTime(row.PeriodStart), formatTime(row.PeriodEnd),
		row.TotalAmount.String(), row.AmountPaid.String(), string(row.Status),
		formatTime(row.DueDate), row.InvoiceNumber, row.PaymentReference,
		nullTime(row.PaidAt), formatTime(row.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrDuplicatePeriod
		}
		return fmt.Errorf("failed to create settlement: %w", err)
	}
	return nil
}

func scanSettlement(row interface{ Scan(...any) error }) (*core.Settlement, error) {
	var st core.Settlement
	var id, agentID, periodStart, periodEnd string
	var total, paid, status, dueDate, createdAt string
	var paidAt sql.NullString
	if err := row.Scan(&id, &agentID, &periodStart, &periodEnd,
		&total, &paid, &status, &dueDate, &st.InvoiceNumber,
		&st.PaymentReference, &paidAt, &createdAt); err != nil {
		return nil, err
	}
	st.ID = core.SettlementID(id)
	st.AgentID = core.AgentID(agentID)
	st.PeriodStart = parseTime(periodStart)
	st.PeriodEnd = parseTime(periodEnd)
	st.TotalAmount = core.MustMoney(total)
	st.AmountPaid = core.MustMoney(paid)
	st.Status = core.SettlementStatus(status)
	st.DueDate = parseTime(dueDate)
	st.PaidAt = parseNullTime(paidAt)
	st.CreatedAt = parseTime(createdAt)
	return &st, nil
}

func getSettlement(ctx context.Context, db dbtx, id core.SettlementID) (*core.Settlement, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE id = ?`, string(id))
	st, err := scanSettlement(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Kind: "settlement", ID: string(id)}
	}
	return st, err
}

func findSettlement(ctx context.Context, db dbtx, agentID core.AgentID, start, end time.Time) (*core.Settlement, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+settlementColumns+` FROM settlements
		WHERE agent_id = ? AND period_start = ? AND period_end = ?`,
		string(agentID), formatTime(start), formatTime(end))
	st, err := scanSettlement(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return st, err
}

func updateSettlement(ctx context.Context, db dbtx, row *core.Settlement) error {
	res, err := db.ExecContext(ctx, `
		UPDATE settlements SET amount_paid = ?, status = ?,
			payment_reference = ?, paid_at = ?
		WHERE id = ?`,
		row.AmountPaid.String(), string(row.Status),
		row.PaymentReference, nullTime(row.PaidAt), string(row.ID))
	if err != nil {
		return err
	}
	return requireRow(res, "settlement", string(row.ID))
}

func listSettlements(ctx context.Context, db dbtx, agentID core.AgentID) ([]core.Settlement, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+settlementColumns+` FROM settlements
		WHERE agent_id = ? ORDER BY period_start DESC`, string(agentID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func createSettlementPayment(ctx context.Context, db dbtx, p *core.SettlementPayment) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO settlement_payments
		(id, settlement_id, amount, reference, method, paid_at, confirmed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, string(p.SettlementID), p.Amount.String(), p.Reference,
		p.Method, formatTime(p.PaidAt), formatTime(p.ConfirmedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrDuplicateReference
		}
		return fmt.Errorf("failed to create settlement payment: %w", err)
	}
	return nil
}

func findSettlementPaymentByReference(ctx context.Context, db dbtx, ref string) (*core.SettlementPayment, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, settlement_id, amount, reference, method, paid_at, confirmed_at
		FROM settlement_payments WHERE reference = ?`, ref)

	var p core.SettlementPayment
	var settlementID, amount, paidAt, confirmedAt string
	err := row.Scan(&p.ID, &settlementID, &amount, &p.Reference, &p.Method, &paidAt, &confirmedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.SettlementID = core.SettlementID(settlementID)
	p.Amount = core.MustMoney(amount)
	p.PaidAt = parseTime(paidAt)
	p.ConfirmedAt = parseTime(confirmedAt)
	return &p, nil
}

func createOrphanPayment(ctx context.Context, db dbtx, p *core.OrphanPayment) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO orphan_payments
		(id, account_reference, reference, amount, paid_at, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AccountReference, p.Reference, p.Amount.String(),
		formatTime(p.PaidAt), p.Note, formatTime(p.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrDuplicateReference
		}
		return fmt.Errorf("failed to create orphan payment: %w", err)
	}
	return nil
}

func scanOrphan(row interface{ Scan(...any) error }) (*core.OrphanPayment, error) {
	var p core.OrphanPayment
	var amount, paidAt, createdAt string
	var note sql.NullString
	if err := row.Scan(&p.ID, &p.AccountReference, &p.Reference, &amount,
		&paidAt, &note, &createdAt); err != nil {
		return nil, err
	}
	p.Amount = core.MustMoney(amount)
	p.PaidAt = parseTime(paidAt)
	p.Note = note.String
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

func findOrphanPaymentByReference(ctx context.Context, db dbtx, ref string) (*core.OrphanPayment, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, account_reference, reference, amount, paid_at, note, created_at
		FROM orphan_payments WHERE reference = ?`, ref)
	p, err := scanOrphan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func listOrphanPayments(ctx context.Context, db dbtx) ([]core.OrphanPayment, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, account_reference, reference, amount, paid_at, note, created_at
		FROM orphan_payments ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.OrphanPayment
	for rows.Next() {
		p, err := scanOrphan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) CreateSettlement(ctx context.Context, row *core.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createSettlement(ctx, s.db, row)
}

func (s *Store) GetSettlement(ctx context.Context, id core.SettlementID) (*core.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getSettlement(ctx, s.db, id)
}

func (s *Store) FindSettlement(ctx context.Context, agentID core.AgentID, start, end time.Time) (*core.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findSettlement(ctx, s.db, agentID, start, end)
}

func (s *Store) UpdateSettlement(ctx context.Context, row *core.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateSettlement(ctx, s.db, row)
}

func (s *Store) ListSettlements(ctx context.Context, agentID core.AgentID) ([]core.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return listSettlements(ctx, s.db, agentID)
}

func (s *Store) CreateSettlementPayment(ctx context.Context, p *core.SettlementPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createSettlementPayment(ctx, s.db, p)
}

func (s *Store) FindSettlementPaymentByReference(ctx context.Context, ref string) (*core.SettlementPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findSettlementPaymentByReference(ctx, s.db, ref)
}

func (s *Store) CreateOrphanPayment(ctx context.Context, p *core.OrphanPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createOrphanPayment(ctx, s.db, p)
}

func (s *Store) FindOrphanPaymentByReference(ctx context.Context, ref string) (*core.OrphanPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findOrphanPaymentByReference(ctx, s.db, ref)
}

func (s *Store) ListOrphanPayments(ctx context.Context) ([]core.OrphanPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return listOrphanPayments(ctx, s.db)
}

func (ts *txStore) CreateSettlement(ctx context.Context, row *core.Settlement) error {
	return createSettlement(ctx, ts.tx, row)
}

func (ts *txStore) GetSettlement(ctx context.Context, id core.SettlementID) (*core.Settlement, error) {
	return getSettlement(ctx, ts.tx, id)
}

func (ts *txStore) FindSettlement(ctx context.Context, agentID core.AgentID, start, end time.Time) (*core.Settlement, error) {
	return findSettlement(ctx, ts.tx, agentID, start, end)
}

func (ts *txStore) UpdateSettlement(ctx context.Context, row *core.Settlement) error {
	return updateSettlement(ctx, ts.tx, row)
}

func (ts *txStore) ListSettlements(ctx context.Context, agentID core.AgentID) ([]core.Settlement, error) {
	return listSettlements(ctx, ts.tx, agentID)
}

func (ts *txStore) CreateSettlementPayment(ctx context.Context, p *core.SettlementPayment) error {
	return createSettlementPayment(ctx, ts.tx, p)
}

func (ts *txStore) FindSettlementPaymentByReference(ctx context.Context, ref string) (*core.SettlementPayment, error) {
	return findSettlementPaymentByReference(ctx, ts.tx, ref)
}

func (ts *txStore) CreateOrphanPayment(ctx context.Context, p *core.OrphanPayment) error {
	return createOrphanPayment(ctx, ts.tx, p)
}

func (ts *txStore) FindOrphanPaymentByReference(ctx context.Context, ref string) (*core.OrphanPayment, error) {
	return findOrphanPaymentByReference(ctx, ts.tx, ref)
}

func (ts *txStore) ListOrphanPayments(ctx context.Context) ([]core.OrphanPayment, error) {
	return listOrphanPayments(ctx, ts.tx)
}

// =============================================================================
// DEVICE COMMANDS
// =============================================================================

const commandColumns = `id, phone_id, agent_id, sale_id, type, status, reason,
	issued_by, auth_token_hash, expires_at, acknowledged_at, executed_at,
	device_response, error_message, created_at, updated_at`

func createCommand(ctx context.Context, db dbtx, c *core.DeviceCommand) error {
	// c.Token is deliberately absent from the column list; the raw token
	// lives only on the in-memory value handed back to the issuer.
	_, err := db.ExecContext(ctx, `
		INSERT INTO device_commands (`+commandColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(c.ID), string(c.PhoneID), string(c.AgentID), nullString(string(c.SaleID)),
		string(c.Type), string(c.Status), c.Reason, c.IssuedBy, c.AuthTokenHash,
		formatTime(c.ExpiresAt), nullTime(c.AcknowledgedAt), nullTime(c.ExecutedAt),
		c.DeviceResponse, c.ErrorMessage,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	return err
}

func scanCommand(row interface{ Scan(...any) error }) (*core.DeviceCommand, error) {
	var c core.DeviceCommand
	var id, phoneID, agentID, cmdType, status, createdAt, updatedAt, expiresAt string
	var saleID, ackAt, execAt, response, errMsg sql.NullString
	if err := row.Scan(&id, &phoneID, &agentID, &saleID, &cmdType, &status,
		&c.Reason, &c.IssuedBy, &c.AuthTokenHash, &expiresAt,
		&ackAt, &execAt, &response, &errMsg, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.ID = core.CommandID(id)
	c.PhoneID = core.PhoneID(phoneID)
	c.AgentID = core.AgentID(agentID)
	c.SaleID = core.SaleID(saleID.String)
	c.Type = core.CommandType(cmdType)
	c.Status = core.CommandStatus(status)
	c.ExpiresAt = parseTime(expiresAt)
	c.AcknowledgedAt = parseNullTime(ackAt)
	c.ExecutedAt = parseNullTime(execAt)
	c.DeviceResponse = response.String
	c.ErrorMessage = errMsg.String
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func getCommand(ctx context.Context, db dbtx, id core.CommandID) (*core.DeviceCommand, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM device_commands WHERE id = ?`, string(id))
	c, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Kind: "device_command", ID: string(id)}
	}
	return c, err
}

func pendingCommandsForPhone(ctx context.Context, db dbtx, phoneID core.PhoneID) ([]core.DeviceCommand, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+commandColumns+` FROM device_commands
		WHERE phone_id = ? AND status IN ('pending', 'sent')
		ORDER BY created_at`, string(phoneID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.DeviceCommand
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func transitionCommand(ctx context.Context, db dbtx, c *core.DeviceCommand, from []core.CommandStatus) error {
	if len(from) == 0 {
		return core.ErrInvalidTransition
	}
	placeholders := strings.Repeat("?, ", len(from)-1) + "?"
	args := []any{
		string(c.Status), nullTime(c.AcknowledgedAt), nullTime(c.ExecutedAt),
		c.DeviceResponse, c.ErrorMessage, formatTime(c.UpdatedAt),
		string(c.ID),
	}
	for _, f := range from {
		args = append(args, string(f))
	}

	// The status guard in the WHERE clause is what serializes concurrent
	// transitions: whoever commits first wins, the loser updates zero rows.
	res, err := db.ExecContext(ctx, `
		UPDATE device_commands
		SET status = ?, acknowledged_at = ?, executed_at = ?,
			device_response = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := getCommand(ctx, db, c.ID); err != nil {
			return err
		}
		return core.ErrInvalidTransition
	}
	return nil
}

func expireCommands(ctx context.Context, db dbtx, now time.Time) (int, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE device_commands SET status = 'expired', updated_at = ?
		WHERE status IN ('pending', 'sent') AND expires_at < ?`,
		formatTime(now), formatTime(now))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) CreateCommand(ctx context.Context, c *core.DeviceCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createCommand(ctx, s.db, c)
}

func (s *Store) GetCommand(ctx context.Context, id core.CommandID) (*core.DeviceCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getCommand(ctx, s.db, id)
}

func (s *Store) PendingCommandsForPhone(ctx context.Context, phoneID core.PhoneID) ([]core.DeviceCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pendingCommandsForPhone(ctx, s.db, phoneID)
}

func (s *Store) TransitionCommand(ctx context.Context, c *core.DeviceCommand, from ...core.CommandStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return transitionCommand(ctx, s.db, c, from)
}

func (s *Store) ExpireCommands(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return expireCommands(ctx, s.db, now)
}

func (ts *txStore) CreateCommand(ctx context.Context, c *core.DeviceCommand) error {
	return createCommand(ctx, ts.tx, c)
}

func (ts *txStore) GetCommand(ctx context.Context, id core.CommandID) (*core.DeviceCommand, error) {
	return getCommand(ctx, ts.tx, id)
}

func (ts *txStore) PendingCommandsForPhone(ctx context.Context, phoneID core.PhoneID) ([]core.DeviceCommand, error) {
	return pendingCommandsForPhone(ctx, ts.tx, phoneID)
}

func (ts *txStore) TransitionCommand(ctx context.Context, c *core.DeviceCommand, from ...core.CommandStatus) error {
	return transitionCommand(ctx, ts.tx, c, from)
}

func (ts *txStore) ExpireCommands(ctx context.Context, now time.Time) (int, error) {
	return expireCommands(ctx, ts.tx, now)
}

// =============================================================================
// DEVICE HEARTBEATS
// =============================================================================

const heartbeatColumns = `id, phone_id, android_version, app_version,
	battery_level, device_admin_enabled, locked, lock_reason, reported_at`

func createHeartbeat(ctx context.Context, db dbtx, h *core.DeviceHeartbeat) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO device_heartbeats (`+heartbeatColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(h.ID), string(h.PhoneID), h.AndroidVersion, h.AppVersion,
		h.BatteryLevel, boolInt(h.DeviceAdminEnabled), boolInt(h.Locked),
		h.LockReason, formatTime(h.ReportedAt))
	return err
}

func latestHeartbeat(ctx context.Context, db dbtx, phoneID core.PhoneID) (*core.DeviceHeartbeat, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+heartbeatColumns+` FROM device_heartbeats
		WHERE phone_id = ?
		ORDER BY reported_at DESC, rowid DESC LIMIT 1`, string(phoneID))

	var h core.DeviceHeartbeat
	var id, pid, reportedAt string
	var adminEnabled, locked int
	var lockReason sql.NullString
	err := row.Scan(&id, &pid, &h.AndroidVersion, &h.AppVersion,
		&h.BatteryLevel, &adminEnabled, &locked, &lockReason, &reportedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h.ID = core.HeartbeatID(id)
	h.PhoneID = core.PhoneID(pid)
	h.DeviceAdminEnabled = adminEnabled != 0
	h.Locked = locked != 0
	h.LockReason = lockReason.String
	h.ReportedAt = parseTime(reportedAt)
	return &h, nil
}

func (s *Store) CreateHeartbeat(ctx context.Context, h *core.DeviceHeartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createHeartbeat(ctx, s.db, h)
}

func (s *Store) LatestHeartbeat(ctx context.Context, phoneID core.PhoneID) (*core.DeviceHeartbeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return latestHeartbeat(ctx, s.db, phoneID)
}

func (ts *txStore) CreateHeartbeat(ctx context.Context, h *core.DeviceHeartbeat) error {
	return createHeartbeat(ctx, ts.tx, h)
}

func (ts *txStore) LatestHeartbeat(ctx context.Context, phoneID core.PhoneID) (*core.DeviceHeartbeat, error) {
	return latestHeartbeat(ctx, ts.tx, phoneID)
}

// =============================================================================
// AUDIT
// =============================================================================

func appendAudit(ctx context.Context, db dbtx, e core.AuditEntry) error {
	metadataJSON, _ := json.Marshal(e.Metadata)
	_, err := db.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor, action, entity_type, entity_id, metadata_json, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Actor, e.Action, e.EntityType, e.EntityID,
		string(metadataJSON), formatTime(e.Timestamp))
	return err
}

func queryAudit(ctx context.Context, db dbtx, entityType, entityID string) ([]core.AuditEntry, error) {
	query := `SELECT id, actor, action, entity_type, entity_id, metadata_json, timestamp FROM audit_log`
	var clauses []string
	var args []any
	if entityType != "" {
		clauses = append(clauses, "entity_type = ?")
		args = append(args, entityType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id = ?")
		args = append(args, entityID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.AuditEntry
	for rows.Next() {
		var e core.AuditEntry
		var metadataJSON sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.EntityType, &e.EntityID,
			&metadataJSON, &ts); err != nil {
			return nil, err
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			json.Unmarshal([]byte(metadataJSON.String), &e.Metadata)
		}
		e.Timestamp = parseTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) AppendAudit(ctx context.Context, e core.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendAudit(ctx, s.db, e)
}

func (s *Store) QueryAudit(ctx context.Context, entityType, entityID string) ([]core.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queryAudit(ctx, s.db, entityType, entityID)
}

func (ts *txStore) AppendAudit(ctx context.Context, e core.AuditEntry) error {
	return appendAudit(ctx, ts.tx, e)
}

func (ts *txStore) QueryAudit(ctx context.Context, entityType, entityID string) ([]core.AuditEntry, error) {
	return queryAudit(ctx, ts.tx, entityType, entityID)
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &core.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
