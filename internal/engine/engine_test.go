package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xssnick/tonutils-go/tvm/cell"

	"dealescrow/internal/config"
	"dealescrow/internal/escrow"
	"dealescrow/internal/ledger"
	"dealescrow/internal/logger"
	"dealescrow/internal/models"
	"dealescrow/internal/storage"
)

const (
	customer = models.Address("0:c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1")
	buyer    = models.Address("0:b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2")
	service  = models.Address("0:5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e")
	arbiter  = models.Address("0:a4a4a4a4a4a4a4a4a4a4a4a4a4a4a4a4a4a4a4a4a4a4a4a4a4a4a4a4a4a4a4a4")
)

var (
	base     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testCode = cell.BeginCell().MustStoreSlice([]byte("escrow-code-v1"), 112).EndCell()
)

type fakeContract struct {
	active  bool
	balance models.Amount
	status  models.Status
	lt      uint64
}

// fakeChain — леджер и подписант в одном: подписанные транзакции применяются при Submit.
type fakeChain struct {
	mu         sync.Mutex
	contracts  map[models.Address]*fakeContract
	funding    map[string]ledger.FundingRequest
	actions    map[string]ledger.ActionRequest
	seq        int
	submits    []ledger.SignedTransaction
	submitErrs []error
	signErr    error

	// dropFunding: финансирование принимается, но не доходит до контракта.
	dropFunding bool
	// manual: действия не меняют статус контракта, пока тест не вызовет setStatus.
	manual bool
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		contracts: make(map[models.Address]*fakeContract),
		funding:   make(map[string]ledger.FundingRequest),
		actions:   make(map[string]ledger.ActionRequest),
	}
}

func (c *fakeChain) SignFunding(_ context.Context, req ledger.FundingRequest) (ledger.SignedTransaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signErr != nil {
		return ledger.SignedTransaction{}, c.signErr
	}
	c.seq++
	boc := fmt.Sprintf("funding-%d", c.seq)
	c.funding[boc] = req
	return ledger.SignedTransaction{DealID: req.DealID, Kind: ledger.TxKindFunding, Destination: req.ContractAddress, Boc: boc}, nil
}

func (c *fakeChain) SignAction(_ context.Context, req ledger.ActionRequest) (ledger.SignedTransaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signErr != nil {
		return ledger.SignedTransaction{}, c.signErr
	}
	c.seq++
	boc := fmt.Sprintf("action-%d", c.seq)
	c.actions[boc] = req
	return ledger.SignedTransaction{DealID: req.DealID, Kind: ledger.TxKindAction, Destination: req.ContractAddress, Boc: boc}, nil
}

func (c *fakeChain) Submit(_ context.Context, tx ledger.SignedTransaction) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits = append(c.submits, tx)
	if len(c.submitErrs) > 0 {
		err := c.submitErrs[0]
		c.submitErrs = c.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}

	switch tx.Kind {
	case ledger.TxKindFunding:
		req := c.funding[tx.Boc]
		if !c.dropFunding {
			ct := c.contract(req.ContractAddress)
			ct.active = true
			ct.balance += req.Amount
			ct.lt++
		}
	case ledger.TxKindAction:
		req := c.actions[tx.Boc]
		if !c.manual {
			ct := c.contract(req.ContractAddress)
			to, _ := escrow.Target(req.Action)
			ct.status = to
			ct.lt++
		}
	}
	return "tx-" + tx.Boc, nil
}

func (c *fakeChain) QueryAddress(_ context.Context, addr models.Address) (ledger.AddressInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.contracts[addr]
	if !ok {
		return ledger.AddressInfo{State: "uninitialized"}, nil
	}
	state := "uninitialized"
	if ct.active {
		state = "active"
	}
	return ledger.AddressInfo{Balance: ct.balance, State: state, LastTransactionCursor: ct.lt}, nil
}

func (c *fakeChain) QueryMethod(_ context.Context, addr models.Address, method string, _ []ledger.StackEntry) ([]ledger.StackEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.contracts[addr]
	if !ok || method != ledger.MethodStatus {
		return nil, ledger.ErrMethodNotFound
	}
	code, _ := ledger.EncodeStatus(ct.status)
	return []ledger.StackEntry{{Type: "num", Value: fmt.Sprintf("0x%x", code)}}, nil
}

func (c *fakeChain) contract(addr models.Address) *fakeContract {
	ct, ok := c.contracts[addr]
	if !ok {
		ct = &fakeContract{status: models.StatusNew}
		c.contracts[addr] = ct
	}
	return ct
}

// setStatus имитирует транзакцию, изменившую статус контракта.
func (c *fakeChain) setStatus(addr models.Address, status models.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct := c.contract(addr)
	ct.status = status
	ct.lt++
}

func (c *fakeChain) submitCount(kind ledger.TxKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, tx := range c.submits {
		if tx.Kind == kind {
			n++
		}
	}
	return n
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		SubmitTimeout:       time.Second,
		SubmitAttempts:      3,
		RetryBackoff:        time.Millisecond,
		DeployPollAttempts:  3,
		DeployPollInterval:  time.Millisecond,
		PendingTTL:          time.Minute,
		SyncInterval:        time.Minute,
		TimeoutInterval:     time.Minute,
		ConfirmPollAttempts: 3,
		MutateAttempts:      5,
	}
}

type testEnv struct {
	engine *Engine
	chain  *fakeChain
	repo   *storage.DealRepo
	now    time.Time
}

func newTestEnv(t *testing.T, tweak ...func(*config.EngineConfig)) *testEnv {
	t.Helper()
	db, err := storage.InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := storage.NewDealRepo(db)

	cfg := &config.Config{
		Escrow: config.EscrowConfig{
			ServiceWallet: service,
			Arbiter:       arbiter,
			Payout:        escrow.DefaultPolicy(),
		},
		Engine: testEngineConfig(),
	}
	for _, fn := range tweak {
		fn(&cfg.Engine)
	}

	chain := newFakeChain()
	env := &testEnv{chain: chain, repo: repo, now: base}
	env.engine = New(cfg, testCode, chain, chain, repo, logger.NewNop())
	env.engine.SetClock(func() time.Time { return env.now })
	return env
}

func testParams(id string) DeployParams {
	return DeployParams{
		DealID:           id,
		Customer:         customer,
		Buyer:            buyer,
		ServiceWallet:    service,
		Arbiter:          arbiter,
		ItemPrice:        900,
		BuyerFee:         50,
		ServiceFee:       30,
		Insurance:        20,
		PurchaseDeadline: base.Add(24 * time.Hour),
		ShipDeadline:     base.Add(72 * time.Hour),
		ConfirmDeadline:  base.Add(240 * time.Hour),
		MetadataHash:     ledger.MetadataHash(id, "Наушники", base),
	}
}

// fundedDeal разворачивает сделку и возвращает её в статусе FUNDED.
func (env *testEnv) fundedDeal(t *testing.T, id string) *models.Deal {
	t.Helper()
	d, err := env.engine.Deploy(t.Context(), testParams(id))
	require.NoError(t, err)
	require.Equal(t, models.StatusFunded, d.Status)
	return d
}

// act выполняет действие и сверяет сделку с леджером.
func (env *testEnv) act(t *testing.T, id string, action models.Action, actor models.Address) (*models.Deal, escrow.Result) {
	t.Helper()
	_, res, err := env.engine.Execute(t.Context(), ActionRequest{DealID: id, Action: action, Actor: actor})
	require.NoError(t, err)
	d, err := env.engine.Sync(t.Context(), id)
	require.NoError(t, err)
	return d, res
}
