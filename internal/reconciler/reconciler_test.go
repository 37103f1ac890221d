package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradehook/internal/config"
	"tradehook/internal/core"
	"tradehook/internal/exchange/mock"
	"tradehook/internal/queue"
	"tradehook/pkg/breaker"
	apperrors "tradehook/pkg/errors"
	"tradehook/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu          sync.Mutex
	accounts    map[string]*core.ExchangeAccount
	positions   map[string][]*core.Position
	orders      []*core.Order
	trades      map[string]*core.Trade
	pnl         []*core.PnLRecord
	deactivated map[string]string
	fills       []fillUpdate
}

type fillUpdate struct {
	orderID   string
	filled    decimal.Decimal
	remaining decimal.Decimal
	status    string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:    make(map[string]*core.ExchangeAccount),
		positions:   make(map[string][]*core.Position),
		trades:      make(map[string]*core.Trade),
		deactivated: make(map[string]string),
	}
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }
func (f *fakeStore) Close()                         {}

func (f *fakeStore) GetWebhookByPath(ctx context.Context, urlPath string) (*core.Webhook, error) {
	return nil, apperrors.New(apperrors.KindInternal, "not implemented")
}
func (f *fakeStore) RecordWebhookDelivery(ctx context.Context, webhookID string, success bool) (bool, error) {
	return false, nil
}

func (f *fakeStore) GetAccount(ctx context.Context, id string) (*core.ExchangeAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.accounts[id]; ok {
		return a, nil
	}
	return nil, apperrors.New(apperrors.KindNoAccount, "no account")
}
func (f *fakeStore) GetPrimaryAccount(ctx context.Context, userID, exchange string) (*core.ExchangeAccount, error) {
	return nil, apperrors.New(apperrors.KindNoAccount, "no account")
}
func (f *fakeStore) ListActiveAccounts(ctx context.Context) ([]*core.ExchangeAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*core.ExchangeAccount
	for _, a := range f.accounts {
		if a.IsActive {
			out = append(out, a)
		}
	}
	return out, nil
}
func (f *fakeStore) DeactivateAccount(ctx context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated[id] = reason
	if a, ok := f.accounts[id]; ok {
		a.IsActive = false
	}
	return nil
}

func (f *fakeStore) CreateJob(ctx context.Context, job *core.Job) (bool, *core.Job, error) {
	return true, job, nil
}
func (f *fakeStore) GetJob(ctx context.Context, id string) (*core.Job, error) {
	return nil, apperrors.New(apperrors.KindInternal, "no job")
}
func (f *fakeStore) MarkJobProcessing(ctx context.Context, id string) error { return nil }
func (f *fakeStore) MarkJobCompleted(ctx context.Context, id string) error  { return nil }
func (f *fakeStore) MarkJobFailed(ctx context.Context, id, lastError string) error {
	return nil
}

func (f *fakeStore) UpsertOrder(ctx context.Context, order *core.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, order)
	return nil
}
func (f *fakeStore) GetLatestOpenOrder(ctx context.Context, accountID, symbol string) (*core.Order, error) {
	return nil, apperrors.New(apperrors.KindInternal, "no order")
}
func (f *fakeStore) ListOpenOrderSymbols(ctx context.Context, accountID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]struct{})
	var symbols []string
	for _, o := range f.orders {
		if o.AccountID != accountID {
			continue
		}
		switch o.Status {
		case core.OrderSubmitted, core.OrderOpen, core.OrderPartiallyFilled:
			if _, ok := seen[o.Symbol]; !ok {
				seen[o.Symbol] = struct{}{}
				symbols = append(symbols, o.Symbol)
			}
		}
	}
	return symbols, nil
}
func (f *fakeStore) FindOrderForTrade(ctx context.Context, accountID, exchangeOrderID, clientOrderID string) (*core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.AccountID == accountID && o.ExchangeOrderID == exchangeOrderID {
			return o, nil
		}
	}
	return nil, apperrors.New(apperrors.KindInternal, "no order")
}
func (f *fakeStore) UpdateOrderFill(ctx context.Context, orderID string, filled, remaining decimal.Decimal, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fills = append(f.fills, fillUpdate{orderID, filled, remaining, status})
	return nil
}

func (f *fakeStore) ReplacePositions(ctx context.Context, accountID string, positions []*core.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[accountID] = positions
	return nil
}
func (f *fakeStore) GetPositions(ctx context.Context, accountID string) ([]*core.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions[accountID], nil
}

func (f *fakeStore) LatestTradeTime(ctx context.Context, accountID, symbol string) (time.Time, error) {
	return time.Time{}, nil
}
func (f *fakeStore) InsertTrade(ctx context.Context, trade *core.Trade) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.trades[trade.TradeID+"/"+trade.OrderID]; ok {
		return false, nil
	}
	f.trades[trade.TradeID+"/"+trade.OrderID] = trade
	return true, nil
}
func (f *fakeStore) InsertPnLRecord(ctx context.Context, rec *core.PnLRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pnl = append(f.pnl, rec)
	return nil
}

type fakeVault struct{}

func (fakeVault) Encrypt(plaintext string) (string, error)  { return plaintext, nil }
func (fakeVault) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }
func (fakeVault) EncryptCredentials(creds *core.Credentials) (string, string, string, error) {
	return creds.APIKey, creds.Secret, creds.Passphrase, nil
}
func (fakeVault) DecryptCredentials(apiKeyEnc, secretEnc, passphraseEnc string) (*core.Credentials, error) {
	return &core.Credentials{APIKey: apiKeyEnc, Secret: secretEnc, Passphrase: passphraseEnc}, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*core.AccountUpdateEvent
}

func (p *fakePublisher) PublishAccountUpdate(ctx context.Context, ev *core.AccountUpdateEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type testRig struct {
	store      *fakeStore
	exchange   *mock.Exchange
	publisher  *fakePublisher
	reconciler *Reconciler
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	store := newFakeStore()
	ex := mock.New()
	pub := &fakePublisher{}
	rec := NewReconciler(store, fakeVault{}, pub, breaker.NewRegistry(breaker.DefaultConfig, logger), config.ExchangesConfig{}, logger)
	rec.newAdapter = func(tag string, creds *core.Credentials, testnet bool, cfg config.ExchangesConfig, log core.ILogger) (core.IExchange, error) {
		return ex, nil
	}

	store.accounts["acct1"] = &core.ExchangeAccount{
		ID: "acct1", UserID: "user1", Exchange: "mock", IsActive: true,
		APIKeyEnc: "k", SecretEnc: "s",
	}
	return &testRig{store: store, exchange: ex, publisher: pub, reconciler: rec}
}

func TestReconcileSyncsPositionsAndSnapshotsPnL(t *testing.T) {
	rig := newRig(t)
	rig.exchange.Positions = []*core.Position{
		{
			Symbol: "BTCUSDT", Side: core.PositionLong,
			Size:          decimal.RequireFromString("0.5"),
			UnrealizedPnL: decimal.RequireFromString("120.5"),
			RealizedPnL:   decimal.RequireFromString("30"),
		},
		{
			Symbol: "ETHUSDT", Side: core.PositionShort,
			Size:          decimal.NewFromInt(2),
			UnrealizedPnL: decimal.RequireFromString("-20.5"),
			RealizedPnL:   decimal.NewFromInt(10),
		},
	}

	err := rig.reconciler.HandleReconcile(context.Background(), queue.ReconcilePayload{AccountID: "acct1"})
	require.NoError(t, err)

	stored := rig.store.positions["acct1"]
	require.Len(t, stored, 2)
	for _, pos := range stored {
		assert.Equal(t, "acct1", pos.AccountID)
		assert.Equal(t, "mock", pos.Exchange)
		assert.False(t, pos.UpdatedAt.IsZero())
	}

	require.Len(t, rig.store.pnl, 1)
	rec := rig.store.pnl[0]
	assert.Equal(t, "acct1", rec.AccountID)
	assert.Equal(t, "user1", rec.UserID)
	assert.True(t, rec.RealizedPnL.Equal(decimal.NewFromInt(40)), "realized %s", rec.RealizedPnL)
	assert.True(t, rec.UnrealizedPnL.Equal(decimal.NewFromInt(100)), "unrealized %s", rec.UnrealizedPnL)
	assert.True(t, rec.Equity.Equal(decimal.NewFromInt(140)), "equity %s", rec.Equity)

	require.Len(t, rig.publisher.events, 1)
	assert.Equal(t, "account_update", rig.publisher.events[0].Type)
	assert.Equal(t, "user1", rig.publisher.events[0].UserID)
}

func TestReconcileFlatAccountClearsPositions(t *testing.T) {
	rig := newRig(t)
	rig.store.positions["acct1"] = []*core.Position{
		{AccountID: "acct1", Symbol: "BTCUSDT", Size: decimal.NewFromInt(1)},
	}

	err := rig.reconciler.HandleReconcile(context.Background(), queue.ReconcilePayload{AccountID: "acct1"})
	require.NoError(t, err)

	assert.Empty(t, rig.store.positions["acct1"])
	require.Len(t, rig.store.pnl, 1)
	assert.True(t, rig.store.pnl[0].Equity.IsZero())
}

func TestReconcileInactiveAccountSkips(t *testing.T) {
	rig := newRig(t)
	rig.store.accounts["acct1"].IsActive = false
	rig.exchange.Errs["GetPositions"] = apperrors.New(apperrors.KindExchangeTransient, "must not be called")

	err := rig.reconciler.HandleReconcile(context.Background(), queue.ReconcilePayload{AccountID: "acct1"})
	require.NoError(t, err)
	assert.Empty(t, rig.store.pnl)
	assert.Empty(t, rig.publisher.events)
}

func TestReconcileDeactivatesOnCredentialRefusal(t *testing.T) {
	rig := newRig(t)
	rig.exchange.Errs["GetPositions"] = apperrors.New(apperrors.KindCredentialsInvalid, "key revoked")

	err := rig.reconciler.HandleReconcile(context.Background(), queue.ReconcilePayload{AccountID: "acct1"})
	require.NoError(t, err)

	reason, ok := rig.store.deactivated["acct1"]
	require.True(t, ok, "account must be deactivated")
	assert.Contains(t, reason, "credentials")
	assert.Empty(t, rig.publisher.events)
}

func TestReconcilePositionFailureAbortsCycle(t *testing.T) {
	rig := newRig(t)
	rig.exchange.Errs["GetPositions"] = apperrors.New(apperrors.KindExchangeLogical, "bad request")

	err := rig.reconciler.HandleReconcile(context.Background(), queue.ReconcilePayload{AccountID: "acct1"})
	require.Error(t, err)
	assert.Empty(t, rig.store.pnl)
	assert.Empty(t, rig.publisher.events)
}

func TestReconcileAppliesFillsToOrders(t *testing.T) {
	rig := newRig(t)
	rig.exchange.Positions = []*core.Position{
		{Symbol: "BTCUSDT", Side: core.PositionLong, Size: decimal.NewFromInt(1)},
	}
	rig.exchange.Trades = []*core.Trade{
		{
			TradeID: "t1", OrderID: "ex-1", Symbol: "BTCUSDT", Side: core.SideBuy,
			Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(50000),
			Timestamp: time.Now(),
		},
	}
	rig.store.orders = []*core.Order{{
		ID: "o1", AccountID: "acct1", ExchangeOrderID: "ex-1", Symbol: "BTCUSDT",
		Quantity: decimal.NewFromInt(1), Filled: decimal.Zero,
		Status: core.OrderSubmitted,
	}}

	err := rig.reconciler.HandleReconcile(context.Background(), queue.ReconcilePayload{AccountID: "acct1"})
	require.NoError(t, err)

	require.Len(t, rig.store.fills, 1)
	fill := rig.store.fills[0]
	assert.Equal(t, "o1", fill.orderID)
	assert.True(t, fill.filled.Equal(decimal.NewFromInt(1)))
	assert.True(t, fill.remaining.IsZero())
	assert.Equal(t, core.OrderFilled, fill.status)

	// A second cycle must not double-apply the same fill.
	err = rig.reconciler.HandleReconcile(context.Background(), queue.ReconcilePayload{AccountID: "acct1"})
	require.NoError(t, err)
	assert.Len(t, rig.store.fills, 1)
}

func TestReconcileAppliesFillAfterInstantClose(t *testing.T) {
	rig := newRig(t)
	// A reduce-only close filled instantly: the exchange reports no
	// position and no open order any more, only the fill itself.
	rig.exchange.Trades = []*core.Trade{
		{
			TradeID: "t9", OrderID: "ex-9", Symbol: "BTCUSDT", Side: core.SideSell,
			Quantity: decimal.RequireFromString("0.5"), Price: decimal.NewFromInt(51000),
			Timestamp: time.Now(),
		},
	}
	rig.store.orders = []*core.Order{{
		ID: "o9", AccountID: "acct1", ExchangeOrderID: "ex-9", Symbol: "BTCUSDT",
		Quantity: decimal.RequireFromString("0.5"), Filled: decimal.Zero,
		Status: core.OrderSubmitted, ReduceOnly: true,
	}}

	err := rig.reconciler.HandleReconcile(context.Background(), queue.ReconcilePayload{AccountID: "acct1"})
	require.NoError(t, err)

	require.Len(t, rig.store.fills, 1)
	fill := rig.store.fills[0]
	assert.Equal(t, "o9", fill.orderID)
	assert.Equal(t, core.OrderFilled, fill.status)
	assert.True(t, fill.remaining.IsZero())
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued map[string]time.Duration
}

func (q *fakeQueue) EnqueueExecute(ctx context.Context, jobID, alertID string) error { return nil }
func (q *fakeQueue) EnqueueReconcile(ctx context.Context, accountID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued[accountID] = delay
	return nil
}
func (q *fakeQueue) Close() error { return nil }

func TestSchedulerTickEnqueuesActiveAccounts(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	store := newFakeStore()
	store.accounts["a1"] = &core.ExchangeAccount{ID: "a1", IsActive: true}
	store.accounts["a2"] = &core.ExchangeAccount{ID: "a2", IsActive: true}
	store.accounts["a3"] = &core.ExchangeAccount{ID: "a3", IsActive: false}

	q := &fakeQueue{enqueued: make(map[string]time.Duration)}
	sched := NewScheduler(store, q, config.ReconcileConfig{
		Interval:  30 * time.Second,
		MaxJitter: 10 * time.Second,
	}, logger)

	sched.tick(context.Background())

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.enqueued) == 2
	}, time.Second, 10*time.Millisecond)

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.NotContains(t, q.enqueued, "a3")
	for id, delay := range q.enqueued {
		assert.GreaterOrEqual(t, delay, time.Duration(0), "account %s", id)
		assert.Less(t, delay, 10*time.Second, "account %s", id)
	}
}
