/*
handlers_test.go - HTTP surface tests

Exercises the full router over httptest: request decoding and validation,
domain error mapping, and the JSON projections. Engine semantics have their
own package tests; these cover the glue.
*/
package api_test

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockpay/installment-engine/api"
	"github.com/lockpay/installment-engine/gateway"
	"github.com/lockpay/installment-engine/secrets"
	"github.com/lockpay/installment-engine/store/sqlite"
)

// =============================================================================
// FIXTURE
// =============================================================================

type apiFixture struct {
	server *httptest.Server
}

func newTestAPI(t *testing.T) *apiFixture {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	server := httptest.NewServer(api.NewRouter(api.NewHandler(store, log)))
	t.Cleanup(server.Close)
	return &apiFixture{server: server}
}

// do sends a JSON request and decodes the JSON response into out (when out
// is non-nil), returning the status code.
func (f *apiFixture) do(t *testing.T, method, path string, body, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// seed helpers walk the public API rather than the store, so every test
// doubles as coverage of the create endpoints.

func (f *apiFixture) createAgent(t *testing.T, name, accountRef string) api.AgentDTO {
	t.Helper()
	var agent api.AgentDTO
	status := f.do(t, http.MethodPost, "/api/agents",
		api.CreateAgentRequest{BusinessName: name, AccountReference: accountRef}, &agent)
	require.Equal(t, http.StatusCreated, status)
	return agent
}

func (f *apiFixture) registerPhone(t *testing.T, agentID, imei string) api.PhoneDTO {
	t.Helper()
	var phone api.PhoneDTO
	status := f.do(t, http.MethodPost, "/api/agents/"+agentID+"/phones",
		api.RegisterPhoneRequest{IMEI: imei, Brand: "Samsung", Model: "A15"}, &phone)
	require.Equal(t, http.StatusCreated, status)
	return phone
}

func (f *apiFixture) createCustomer(t *testing.T, agentID, name string) api.CustomerDTO {
	t.Helper()
	var customer api.CustomerDTO
	status := f.do(t, http.MethodPost, "/api/agents/"+agentID+"/customers",
		api.CreateCustomerRequest{FullName: name, PhoneNumber: "+2348012345678"}, &customer)
	require.Equal(t, http.StatusCreated, status)
	return customer
}

func (f *apiFixture) createSale(t *testing.T, agentID, customerID, phoneID string) api.SaleCreatedResponse {
	t.Helper()
	var resp api.SaleCreatedResponse
	status := f.do(t, http.MethodPost, "/api/sales", api.CreateSaleRequest{
		AgentID:      agentID,
		CustomerID:   customerID,
		PhoneID:      phoneID,
		SalePrice:    "200000",
		DownPayment:  "50000",
		TotalPayable: "220000",
		Installments: 4,
		Interval:     "weekly",
		SoldBy:       "agent",
	}, &resp)
	require.Equal(t, http.StatusCreated, status)
	return resp
}

const testIMEI = "356938035643809"

// =============================================================================
// SALE FLOW
// =============================================================================

func TestAPI_SaleLifecycle(t *testing.T) {
	// GIVEN an agent with a registered phone and a customer
	// WHEN a sale is created and paid down over the API
	// THEN each response reflects the ledger: schedule, balances, statement
	f := newTestAPI(t)
	agent := f.createAgent(t, "Tunde Phones", "")
	phone := f.registerPhone(t, agent.ID, testIMEI)
	customer := f.createCustomer(t, agent.ID, "Ada Obi")

	sale := f.createSale(t, agent.ID, customer.ID, phone.ID)
	assert.Equal(t, "170000.00", sale.Sale.BalanceRemaining)
	require.Len(t, sale.Schedule, 4)
	assert.Equal(t, "42500.00", sale.Schedule[0].AmountDue)

	var payment api.PaymentRecordDTO
	status := f.do(t, http.MethodPost, "/api/sales/"+sale.Sale.ID+"/payments",
		api.RecordPaymentRequest{Amount: "42500", Method: "cash", RecordedBy: "agent"}, &payment)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "127500.00", payment.BalanceAfter)

	var stmt api.StatementDTO
	status = f.do(t, http.MethodGet, "/api/sales/"+sale.Sale.ID, nil, &stmt)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "active", stmt.Sale.Status)
	assert.Equal(t, "paid", stmt.Installments[0].Status)
	assert.Equal(t, "pending", stmt.Installments[1].Status)
	require.Len(t, stmt.Payments, 1)

	// Paying off the rest completes the sale and queues the unlock.
	status = f.do(t, http.MethodPost, "/api/sales/"+sale.Sale.ID+"/payments",
		api.RecordPaymentRequest{Amount: "127500", Method: "cash", RecordedBy: "agent"}, &payment)
	require.Equal(t, http.StatusCreated, status)

	status = f.do(t, http.MethodGet, "/api/sales/"+sale.Sale.ID, nil, &stmt)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", stmt.Sale.Status)

	var cmds []api.CommandDTO
	status = f.do(t, http.MethodGet, "/api/devices/"+testIMEI+"/commands", nil, &cmds)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, cmds, 1)
	assert.Equal(t, "unlock", cmds[0].Type)
}

func TestAPI_CreateSale_SecondSaleSamePhone_422(t *testing.T) {
	f := newTestAPI(t)
	agent := f.createAgent(t, "Tunde Phones", "")
	phone := f.registerPhone(t, agent.ID, testIMEI)
	customer := f.createCustomer(t, agent.ID, "Ada Obi")
	f.createSale(t, agent.ID, customer.ID, phone.ID)

	status := f.do(t, http.MethodPost, "/api/sales", api.CreateSaleRequest{
		AgentID: agent.ID, CustomerID: customer.ID, PhoneID: phone.ID,
		SalePrice: "200000", DownPayment: "50000", TotalPayable: "220000",
		Installments: 4, Interval: "weekly",
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestAPI_CreateSale_ValidationFailures_400(t *testing.T) {
	f := newTestAPI(t)

	// Missing required fields.
	status := f.do(t, http.MethodPost, "/api/sales", api.CreateSaleRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	// Non-decimal money.
	status = f.do(t, http.MethodPost, "/api/sales", api.CreateSaleRequest{
		AgentID: "a", CustomerID: "c", PhoneID: "p",
		SalePrice: "lots", DownPayment: "0", TotalPayable: "1",
		Installments: 1, Interval: "weekly",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPI_GetSale_Unknown_404(t *testing.T) {
	f := newTestAPI(t)
	status := f.do(t, http.MethodGet, "/api/sales/sale-missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestAPI_RegistryLookupAndBlacklist(t *testing.T) {
	// GIVEN a registered phone
	// WHEN the IMEI is blacklisted
	// THEN lookups still read it, but registering it for a sale conflicts
	f := newTestAPI(t)
	agent := f.createAgent(t, "Tunde Phones", "")
	f.registerPhone(t, agent.ID, testIMEI)

	status := f.do(t, http.MethodPost, "/api/registry/"+testIMEI+"/blacklist", nil, nil)
	require.Equal(t, http.StatusNoContent, status)

	var entry api.RegistryEntryDTO
	status = f.do(t, http.MethodGet, "/api/registry/"+testIMEI, nil, &entry)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, entry.Blacklisted)
	assert.Equal(t, agent.ID, entry.CurrentAgent)

	other := f.createAgent(t, "Bola Gadgets", "")
	status = f.do(t, http.MethodPost, "/api/agents/"+other.ID+"/phones",
		api.RegisterPhoneRequest{IMEI: testIMEI}, nil)
	assert.Equal(t, http.StatusConflict, status)

	status = f.do(t, http.MethodDelete, "/api/registry/"+testIMEI+"/blacklist", nil, nil)
	require.Equal(t, http.StatusNoContent, status)
	status = f.do(t, http.MethodPost, "/api/agents/"+other.ID+"/phones",
		api.RegisterPhoneRequest{IMEI: testIMEI}, nil)
	assert.Equal(t, http.StatusCreated, status)
}

func TestAPI_RegisterPhone_BadIMEI_400(t *testing.T) {
	f := newTestAPI(t)
	agent := f.createAgent(t, "Tunde Phones", "")

	status := f.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/phones",
		api.RegisterPhoneRequest{IMEI: "short"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

// =============================================================================
// COMMANDS
// =============================================================================

func TestAPI_CommandFlow(t *testing.T) {
	// GIVEN a sold phone and an issued lock command
	// WHEN the device polls, acknowledges and executes
	// THEN the phone reports locked and the command is terminal
	f := newTestAPI(t)
	agent := f.createAgent(t, "Tunde Phones", "")
	phone := f.registerPhone(t, agent.ID, testIMEI)

	var issued api.IssuedCommandDTO
	status := f.do(t, http.MethodPost, "/api/commands", api.IssueCommandRequest{
		PhoneID: phone.ID, Type: "lock", Reason: "payment overdue", IssuedBy: "admin",
	}, &issued)
	require.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, issued.Token, "raw token must come back to the issuer")

	var cmds []api.CommandDTO
	status = f.do(t, http.MethodGet, "/api/devices/"+testIMEI+"/commands", nil, &cmds)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, cmds, 1)
	assert.Equal(t, "sent", cmds[0].Status)

	var cmd api.CommandDTO
	status = f.do(t, http.MethodPost, "/api/commands/"+issued.ID+"/acknowledge", nil, &cmd)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "acknowledged", cmd.Status)

	status = f.do(t, http.MethodPost, "/api/commands/"+issued.ID+"/execute",
		api.CommandResultRequest{DeviceResponse: "locked ok"}, &cmd)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "executed", cmd.Status)

	var phones []api.PhoneDTO
	status = f.do(t, http.MethodGet, "/api/agents/"+agent.ID+"/phones", nil, &phones)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, phones, 1)
	assert.True(t, phones[0].Locked)

	// Re-executing a terminal command is a state error.
	status = f.do(t, http.MethodPost, "/api/commands/"+issued.ID+"/execute", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestAPI_LockDecision(t *testing.T) {
	f := newTestAPI(t)
	agent := f.createAgent(t, "Tunde Phones", "")
	f.registerPhone(t, agent.ID, testIMEI)

	var decision api.LockDecisionDTO
	status := f.do(t, http.MethodGet, "/api/devices/"+testIMEI+"/enforcement", nil, &decision)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, decision.ShouldLock)
	assert.Equal(t, "no active sale", decision.Reason)
}

// =============================================================================
// SETTLEMENTS AND WEBHOOK
// =============================================================================

func TestAPI_SettlementGenerationAndWebhook(t *testing.T) {
	// GIVEN an agent with one phone and a generated weekly settlement
	// WHEN the gateway delivers a confirmed transaction for the agent's
	//      reserved account, twice
	// THEN the settlement is paid once and the replay is a no-op
	f := newTestAPI(t)
	agent := f.createAgent(t, "Tunde Phones", "acct-tunde")
	f.registerPhone(t, agent.ID, testIMEI)

	var gen api.GenerateSettlementsResponse
	status := f.do(t, http.MethodPost, "/api/admin/settlements/generate",
		api.GenerateSettlementsRequest{FeePerPhone: "1000"}, &gen)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, gen.Created)

	// No paidOn: the processor stamps the payment "now", landing it in the
	// same week the settlement was just generated for.
	webhook := map[string]any{
		"eventType": "SUCCESSFUL_TRANSACTION",
		"eventData": map[string]any{
			"transactionReference": "txn-900",
			"accountReference":     "acct-tunde",
			"amountPaid":           1000,
		},
	}
	var resp api.WebhookResponse
	status = f.do(t, http.MethodPost, "/webhooks/gateway", webhook, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "settlement", resp.Outcome)

	status = f.do(t, http.MethodPost, "/webhooks/gateway", webhook, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "settlement", resp.Outcome)

	var settlements []api.SettlementDTO
	status = f.do(t, http.MethodGet, "/api/agents/"+agent.ID+"/settlements", nil, &settlements)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, settlements, 1)
	assert.Equal(t, "paid", settlements[0].Status)
	assert.Equal(t, "1000.00", settlements[0].AmountPaid)

	var device api.DeviceSettlementDTO
	status = f.do(t, http.MethodGet, "/api/devices/"+testIMEI+"/settlement", nil, &device)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, device.IsPaid)
}

func TestAPI_Webhook_UnknownAccount_Orphaned(t *testing.T) {
	f := newTestAPI(t)

	var resp api.WebhookResponse
	status := f.do(t, http.MethodPost, "/webhooks/gateway", map[string]any{
		"eventType": "SUCCESSFUL_TRANSACTION",
		"eventData": map[string]any{
			"transactionReference": "txn-901",
			"accountReference":     "acct-nobody",
			"amountPaid":           500,
		},
	}, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "orphaned", resp.Outcome)

	var orphans []api.OrphanPaymentDTO
	status = f.do(t, http.MethodGet, "/api/admin/orphans", nil, &orphans)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, orphans, 1)
	assert.Equal(t, "txn-901", orphans[0].Reference)
}

func TestAPI_Webhook_IgnoredEventType(t *testing.T) {
	f := newTestAPI(t)

	var resp api.WebhookResponse
	status := f.do(t, http.MethodPost, "/webhooks/gateway", map[string]any{
		"eventType": "FAILED_TRANSACTION",
		"eventData": map[string]any{"transactionReference": "txn-902", "amountPaid": 1},
	}, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ignored", resp.Outcome)
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func TestAPI_CustomerCRUD(t *testing.T) {
	f := newTestAPI(t)
	agent := f.createAgent(t, "Tunde Phones", "")
	customer := f.createCustomer(t, agent.ID, "Ada Obi")

	var updated api.CustomerDTO
	status := f.do(t, http.MethodPut, "/api/customers/"+customer.ID,
		api.CreateCustomerRequest{FullName: "Ada Obi-Eze", PhoneNumber: "+2348012345678"}, &updated)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Ada Obi-Eze", updated.FullName)

	status = f.do(t, http.MethodDelete, "/api/customers/"+customer.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, status)

	var customers []api.CustomerDTO
	status = f.do(t, http.MethodGet, "/api/agents/"+agent.ID+"/customers", nil, &customers)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, customers)
}

func TestAPI_DeleteCustomer_WithSale_409(t *testing.T) {
	f := newTestAPI(t)
	agent := f.createAgent(t, "Tunde Phones", "")
	phone := f.registerPhone(t, agent.ID, testIMEI)
	customer := f.createCustomer(t, agent.ID, "Ada Obi")
	f.createSale(t, agent.ID, customer.ID, phone.ID)

	status := f.do(t, http.MethodDelete, "/api/customers/"+customer.ID, nil, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestAPI_Webhook_SignatureVerification(t *testing.T) {
	// GIVEN a handler configured with a webhook signing secret
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	secret := []byte("webhook-secret")
	handler := api.NewHandler(store, log)
	handler.Verifier = gateway.NewHMACVerifier(secrets.NewStatic(secret))

	server := httptest.NewServer(api.NewRouter(handler))
	t.Cleanup(server.Close)

	payload := []byte(`{"eventType":"OTHER_EVENT","transactionRef":"txn-sig-1","amountPaid":"100.00","accountReference":"acct-none"}`)

	post := func(signature string) int {
		req, err := http.NewRequest(http.MethodPost, server.URL+"/webhooks/gateway", bytes.NewReader(payload))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set("x-gateway-signature", signature)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	// WHEN the signature is missing or wrong THEN the webhook is rejected
	assert.Equal(t, http.StatusUnauthorized, post(""))
	assert.Equal(t, http.StatusUnauthorized, post("deadbeef"))

	// WHEN the payload is correctly signed THEN it is accepted
	mac := hmac.New(sha512.New, secret)
	mac.Write(payload)
	assert.Equal(t, http.StatusOK, post(hex.EncodeToString(mac.Sum(nil))))
}

func TestAPI_DeviceHeartbeat(t *testing.T) {
	// GIVEN a registered device
	// WHEN it posts health reports
	// THEN the latest one is served back, and unknown devices get 404
	f := newTestAPI(t)
	agent := f.createAgent(t, "Tunde Phones", "")
	f.registerPhone(t, agent.ID, testIMEI)

	var first api.HeartbeatDTO
	status := f.do(t, http.MethodPost, "/api/devices/"+testIMEI+"/heartbeat",
		api.HeartbeatRequest{AndroidVersion: "14", AppVersion: "1.0.0", BatteryLevel: 90}, &first)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, 90, first.BatteryLevel)

	status = f.do(t, http.MethodPost, "/api/devices/"+testIMEI+"/heartbeat",
		api.HeartbeatRequest{AndroidVersion: "14", AppVersion: "1.0.1", BatteryLevel: 40, Locked: true}, nil)
	require.Equal(t, http.StatusCreated, status)

	var latest api.HeartbeatDTO
	status = f.do(t, http.MethodGet, "/api/devices/"+testIMEI+"/heartbeat", nil, &latest)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1.0.1", latest.AppVersion)
	assert.True(t, latest.Locked)

	status = f.do(t, http.MethodPost, "/api/devices/000000000000000/heartbeat",
		api.HeartbeatRequest{AndroidVersion: "14", AppVersion: "1.0.0", BatteryLevel: 50}, nil)
	assert.Equal(t, http.StatusNotFound, status)

	// Out-of-range battery level fails request validation.
	status = f.do(t, http.MethodPost, "/api/devices/"+testIMEI+"/heartbeat",
		api.HeartbeatRequest{AndroidVersion: "14", AppVersion: "1.0.0", BatteryLevel: 180}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}
