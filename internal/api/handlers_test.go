package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealescrow/internal/config"
	"dealescrow/internal/engine"
	"dealescrow/internal/escrow"
	"dealescrow/internal/ledger"
	"dealescrow/internal/logger"
	"dealescrow/internal/models"
	"dealescrow/internal/storage"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeService struct {
	mu       sync.Mutex
	deals    map[string]*models.Deal
	prepared []engine.DeployParams
	executed []engine.ActionRequest
	funded   chan string
	execErr  error
	syncErr  error
}

func newFakeService() *fakeService {
	return &fakeService{deals: map[string]*models.Deal{}, funded: make(chan string, 4)}
}

func (s *fakeService) Prepare(_ context.Context, p engine.DeployParams) (*models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepared = append(s.prepared, p)
	if p.Customer == "" {
		return nil, engine.ErrInvalidDeal
	}
	if existing, ok := s.deals[p.DealID]; ok {
		if existing.MetadataHash != p.MetadataHash {
			return nil, engine.ErrDealExists
		}
		return existing.Clone(), nil
	}
	d := &models.Deal{
		ID:              p.DealID,
		ContractAddress: "0:" + models.Address(p.DealID),
		Customer:        p.Customer,
		Buyer:           p.Buyer,
		ServiceWallet:   p.ServiceWallet,
		Arbiter:         p.Arbiter,
		ItemPrice:       p.ItemPrice,
		BuyerFee:        p.BuyerFee,
		ServiceFee:      p.ServiceFee,
		Insurance:       p.Insurance,
		MetadataHash:    p.MetadataHash,
		Status:          models.StatusNew,
	}
	s.deals[d.ID] = d
	return d, nil
}

func (s *fakeService) Fund(_ context.Context, id string) (*models.Deal, error) {
	s.funded <- id
	return s.Get(context.Background(), id)
}

func (s *fakeService) Get(_ context.Context, id string) (*models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return d.Clone(), nil
}

func (s *fakeService) List(_ context.Context, statuses ...models.Status) ([]*models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Deal
	for _, d := range s.deals {
		if len(statuses) == 0 || containsStatus(statuses, d.Status) {
			out = append(out, d.Clone())
		}
	}
	return out, nil
}

func containsStatus(list []models.Status, s models.Status) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func (s *fakeService) Execute(ctx context.Context, req engine.ActionRequest) (*models.Deal, escrow.Result, error) {
	s.mu.Lock()
	s.executed = append(s.executed, req)
	err := s.execErr
	s.mu.Unlock()

	d, getErr := s.Get(ctx, req.DealID)
	if getErr != nil {
		return nil, escrow.Result{}, getErr
	}
	if err != nil {
		return d, escrow.Result{}, err
	}
	res, err := escrow.NewMachine(escrow.DefaultPolicy()).Apply(d, req.Action, req.Actor, base)
	return d, res, err
}

func (s *fakeService) Sync(ctx context.Context, id string) (*models.Deal, error) {
	s.mu.Lock()
	err := s.syncErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *fakeService) Policy() escrow.Policy {
	return escrow.DefaultPolicy()
}

func (s *fakeService) put(d *models.Deal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deals[d.ID] = d
}

func testDeal(status models.Status) *models.Deal {
	return &models.Deal{
		ID:               "d1",
		ContractAddress:  "0:d1",
		Customer:         "EQ-customer",
		Buyer:            "EQ-buyer",
		ServiceWallet:    "EQ-service",
		Arbiter:          "EQ-arbiter",
		ItemPrice:        900,
		BuyerFee:         50,
		ServiceFee:       30,
		Insurance:        20,
		PurchaseDeadline: base.Add(24 * time.Hour),
		ShipDeadline:     base.Add(72 * time.Hour),
		ConfirmDeadline:  base.Add(240 * time.Hour),
		Status:           status,
	}
}

func newTestServer(t *testing.T, svc Service) *httptest.Server {
	t.Helper()
	router := NewRouter(t.Context(), svc, config.EscrowConfig{
		ServiceWallet: "EQ-service",
		Arbiter:       "EQ-arbiter",
	}, logger.NewNop())
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

const createBody = `{
	"customer": "EQ-customer",
	"buyer": "EQ-buyer",
	"item_price": 900, "buyer_fee": 50, "service_fee": 30, "insurance": 20,
	"purchase_deadline": "2026-03-02T12:00:00Z",
	"ship_deadline": "2026-03-04T12:00:00Z",
	"confirm_deadline": "2026-03-11T12:00:00Z"`

func TestCreateDealStartsDeploy(t *testing.T) {
	svc := newFakeService()
	srv := newTestServer(t, svc)

	resp, body := do(t, srv, http.MethodPost, "/api/v1/deals", createBody+`}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "NEW", body["status"])

	id, _ := body["id"].(string)
	assert.Len(t, id, 12)

	select {
	case funded := <-svc.funded:
		assert.Equal(t, id, funded)
	case <-time.After(3 * time.Second):
		t.Fatal("деплой не запущен")
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.Len(t, svc.prepared, 1)
	p := svc.prepared[0]
	assert.Equal(t, models.Address("EQ-service"), p.ServiceWallet)
	assert.Equal(t, models.Address("EQ-arbiter"), p.Arbiter)
	assert.True(t, p.MetadataHash.IsZero())
}

func TestCreateDealRetryReturnsSameDeal(t *testing.T) {
	svc := newFakeService()
	srv := newTestServer(t, svc)

	body := createBody + `, "id": "order-7", "title": "Phone", "created_at": "2026-02-28T09:30:00Z"}`
	created := time.Date(2026, 2, 28, 9, 30, 0, 0, time.UTC)

	resp, first := do(t, srv, http.MethodPost, "/api/v1/deals", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	<-svc.funded

	resp, second := do(t, srv, http.MethodPost, "/api/v1/deals", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	<-svc.funded

	assert.Equal(t, "order-7", second["id"])
	assert.Equal(t, first["metadata_hash"], second["metadata_hash"])
	assert.Equal(t, first["contract_address"], second["contract_address"])
	assert.Equal(t, ledger.MetadataHash("order-7", "Phone", created).Hex(), second["metadata_hash"])

	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.Len(t, svc.prepared, 2)
	assert.Equal(t, svc.prepared[0], svc.prepared[1])
	assert.Len(t, svc.deals, 1)
}

func TestCreateDealTitleNeedsOrderFields(t *testing.T) {
	svc := newFakeService()
	srv := newTestServer(t, svc)

	resp, body := do(t, srv, http.MethodPost, "/api/v1/deals", createBody+`, "title": "Phone"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, errTitleNeedsOrder.Error(), body["error"])

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/deals", createBody+`, "id": "order-7", "title": "Phone"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Empty(t, svc.prepared)
}

func TestCreateDealRejectsMalformedHash(t *testing.T) {
	srv := newTestServer(t, newFakeService())

	long := strings.Repeat("ab", 36)
	resp, _ := do(t, srv, http.MethodPost, "/api/v1/deals", createBody+`, "metadata_hash": "`+long+`"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	exact := strings.Repeat("ab", 32)
	resp, body := do(t, srv, http.MethodPost, "/api/v1/deals", createBody+`, "metadata_hash": "0x`+exact+`"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, exact, body["metadata_hash"])
}

func TestCreateDealValidation(t *testing.T) {
	srv := newTestServer(t, newFakeService())

	resp, body := do(t, srv, http.MethodPost, "/api/v1/deals", `{"buyer":"EQ-buyer"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, body["error"])

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/deals", `{"unknown": 1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetDeal(t *testing.T) {
	svc := newFakeService()
	svc.put(testDeal(models.StatusFunded))
	srv := newTestServer(t, svc)

	resp, body := do(t, srv, http.MethodGet, "/api/v1/deals/d1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "FUNDED", body["status"])

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/deals/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListDealsByStatus(t *testing.T) {
	svc := newFakeService()
	svc.put(testDeal(models.StatusFunded))
	other := testDeal(models.StatusCompleted)
	other.ID = "d2"
	svc.put(other)
	srv := newTestServer(t, svc)

	resp, body := do(t, srv, http.MethodGet, "/api/v1/deals?status=completed", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/deals?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecuteActionGuardViolation(t *testing.T) {
	svc := newFakeService()
	svc.put(testDeal(models.StatusFunded))
	srv := newTestServer(t, svc)

	resp, body := do(t, srv, http.MethodPost, "/api/v1/deals/d1/actions", `{"action":"mark_purchased","actor":"EQ-customer"}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, float64(102), body["code"])
	assert.Equal(t, "role", body["violation"])
}

func TestExecuteActionAccepted(t *testing.T) {
	svc := newFakeService()
	svc.put(testDeal(models.StatusShipped))
	srv := newTestServer(t, svc)

	resp, body := do(t, srv, http.MethodPost, "/api/v1/deals/d1/actions", `{"action":"confirm_delivery","actor":"EQ-customer"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	result, _ := body["result"].(map[string]any)
	assert.Equal(t, "COMPLETED", result["to"])
	byAddress, _ := body["payout_by_address"].(map[string]any)
	assert.Equal(t, float64(970), byAddress["EQ-buyer"])
	assert.Equal(t, float64(30), byAddress["EQ-service"])
}

func TestExecuteActionErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{engine.ErrActionPending, http.StatusConflict},
		{&ledger.RejectedError{Code: 400, Reason: "bad"}, http.StatusBadGateway},
		{&ledger.NetworkError{Op: "sendBocReturnHash", Err: errors.New("down")}, http.StatusServiceUnavailable},
		{&engine.InconsistentLedgerStateError{DealID: "d1"}, http.StatusInternalServerError},
		{engine.ErrInvalidDisputeReason, http.StatusBadRequest},
	}
	for _, tc := range cases {
		svc := newFakeService()
		svc.put(testDeal(models.StatusPurchased))
		svc.execErr = tc.err
		srv := newTestServer(t, svc)

		resp, _ := do(t, srv, http.MethodPost, "/api/v1/deals/d1/actions", `{"action":"open_dispute","actor":"EQ-customer"}`)
		assert.Equal(t, tc.status, resp.StatusCode, tc.err.Error())
	}
}

func TestExecuteActionBadRequest(t *testing.T) {
	svc := newFakeService()
	svc.put(testDeal(models.StatusFunded))
	srv := newTestServer(t, svc)

	resp, _ := do(t, srv, http.MethodPost, "/api/v1/deals/d1/actions", `{"action":"teleport","actor":"EQ-buyer"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/deals/d1/actions", `{"action":"mark_purchased"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeployDealRetry(t *testing.T) {
	svc := newFakeService()
	svc.put(testDeal(models.StatusDeployFailed))
	srv := newTestServer(t, svc)

	resp, _ := do(t, srv, http.MethodPost, "/api/v1/deals/d1/deploy", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	select {
	case id := <-svc.funded:
		assert.Equal(t, "d1", id)
	case <-time.After(3 * time.Second):
		t.Fatal("деплой не запущен")
	}

	funded := testDeal(models.StatusFunded)
	funded.ID = "d2"
	svc.put(funded)
	resp, _ = do(t, srv, http.MethodPost, "/api/v1/deals/d2/deploy", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSyncDeal(t *testing.T) {
	svc := newFakeService()
	svc.put(testDeal(models.StatusFunded))
	srv := newTestServer(t, svc)

	resp, body := do(t, srv, http.MethodPost, "/api/v1/deals/d1/sync", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "FUNDED", body["status"])

	svc.mu.Lock()
	svc.syncErr = &engine.InconsistentLedgerStateError{DealID: "d1", Local: models.StatusPurchased, Remote: models.StatusFunded}
	svc.mu.Unlock()
	resp, _ = do(t, srv, http.MethodPost, "/api/v1/deals/d1/sync", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestPreviewPayout(t *testing.T) {
	svc := newFakeService()
	svc.put(testDeal(models.StatusDispute))
	srv := newTestServer(t, svc)

	resp, body := do(t, srv, http.MethodGet, "/api/v1/deals/d1/payout", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1000), body["total"])
	payouts, _ := body["payouts"].([]any)
	assert.Len(t, payouts, 3)

	resp, body = do(t, srv, http.MethodGet, "/api/v1/deals/d1/payout?status=resolved_split", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payouts, _ = body["payouts"].([]any)
	require.Len(t, payouts, 1)
	split, _ := payouts[0].(map[string]any)
	byRole, _ := split["by_role"].(map[string]any)
	assert.Equal(t, float64(485), byRole["customer"])
	assert.Equal(t, float64(485), byRole["buyer"])
	assert.Equal(t, float64(30), byRole["service"])

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/deals/d1/payout?status=completed", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/deals/d1/payout?status=shipped", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, newFakeService())
	resp, _ := do(t, srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWriteJSONLogsThroughHandlerLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api.log")
	h := &Handlers{log: logger.New(logger.Config{Level: "info", Format: "json", Output: path})}

	rec := httptest.NewRecorder()
	h.writeJSON(rec, http.StatusOK, map[string]any{"total": math.Inf(1)})
	assert.Equal(t, http.StatusOK, rec.Code)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"api"`)
	assert.Contains(t, string(data), "Не удалось закодировать ответ.")
}
