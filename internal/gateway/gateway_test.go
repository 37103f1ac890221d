package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"tradehook/internal/config"
	"tradehook/internal/core"
	"tradehook/internal/health"
	apperrors "tradehook/pkg/errors"
	"tradehook/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu         sync.Mutex
	webhooks   map[string]*core.Webhook
	accounts   map[string]*core.ExchangeAccount
	primaries  map[string]*core.ExchangeAccount
	jobs       map[string]*core.Job
	deliveries []bool
	failCreate bool
}

func (f *fakeStore) webhookByID(id string) *core.Webhook {
	for _, w := range f.webhooks {
		if w.ID == id {
			return w
		}
	}
	return nil
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		webhooks:  make(map[string]*core.Webhook),
		accounts:  make(map[string]*core.ExchangeAccount),
		primaries: make(map[string]*core.ExchangeAccount),
		jobs:      make(map[string]*core.Job),
	}
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }
func (f *fakeStore) Close()                         {}

func (f *fakeStore) GetWebhookByPath(ctx context.Context, urlPath string) (*core.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.webhooks[urlPath]; ok {
		return w, nil
	}
	return nil, apperrors.New(apperrors.KindInternal, "no webhook")
}
func (f *fakeStore) RecordWebhookDelivery(ctx context.Context, webhookID string, success bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, success)
	w := f.webhookByID(webhookID)
	if w == nil {
		return false, nil
	}
	if success {
		w.ConsecutiveErrors = 0
		return false, nil
	}
	w.ConsecutiveErrors++
	if w.ErrorThreshold > 0 && w.ConsecutiveErrors >= w.ErrorThreshold && w.Status == core.WebhookActive {
		w.Status = core.WebhookPaused
		return true, nil
	}
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
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.primaries[userID+"/"+exchange]; ok {
		return a, nil
	}
	return nil, apperrors.New(apperrors.KindNoAccount, "no primary")
}
func (f *fakeStore) ListActiveAccounts(ctx context.Context) ([]*core.ExchangeAccount, error) {
	return nil, nil
}
func (f *fakeStore) DeactivateAccount(ctx context.Context, id, reason string) error { return nil }

func (f *fakeStore) CreateJob(ctx context.Context, job *core.Job) (bool, *core.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return false, nil, apperrors.New(apperrors.KindInternal, "insert failed")
	}
	if existing, ok := f.jobs[job.AlertID]; ok {
		return false, existing, nil
	}
	f.jobs[job.AlertID] = job
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

func (f *fakeStore) UpsertOrder(ctx context.Context, order *core.Order) error { return nil }
func (f *fakeStore) GetLatestOpenOrder(ctx context.Context, accountID, symbol string) (*core.Order, error) {
	return nil, apperrors.New(apperrors.KindInternal, "no order")
}
func (f *fakeStore) ListOpenOrderSymbols(ctx context.Context, accountID string) ([]string, error) {
	return nil, nil
}
func (f *fakeStore) FindOrderForTrade(ctx context.Context, accountID, exchangeOrderID, clientOrderID string) (*core.Order, error) {
	return nil, apperrors.New(apperrors.KindInternal, "no order")
}
func (f *fakeStore) UpdateOrderFill(ctx context.Context, orderID string, filled, remaining decimal.Decimal, status string) error {
	return nil
}
func (f *fakeStore) ReplacePositions(ctx context.Context, accountID string, positions []*core.Position) error {
	return nil
}
func (f *fakeStore) GetPositions(ctx context.Context, accountID string) ([]*core.Position, error) {
	return nil, nil
}
func (f *fakeStore) LatestTradeTime(ctx context.Context, accountID, symbol string) (time.Time, error) {
	return time.Time{}, nil
}
func (f *fakeStore) InsertTrade(ctx context.Context, trade *core.Trade) (bool, error) {
	return true, nil
}
func (f *fakeStore) InsertPnLRecord(ctx context.Context, rec *core.PnLRecord) error { return nil }

type fakeQueue struct {
	mu       sync.Mutex
	executed []string
	fail     bool
}

func (q *fakeQueue) EnqueueExecute(ctx context.Context, jobID, alertID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail {
		return apperrors.New(apperrors.KindInternal, "redis down")
	}
	q.executed = append(q.executed, alertID)
	return nil
}
func (q *fakeQueue) EnqueueReconcile(ctx context.Context, accountID string, delay time.Duration) error {
	return nil
}
func (q *fakeQueue) Close() error { return nil }

type fakeLimiter struct {
	deny bool
}

func (l *fakeLimiter) Allow(ctx context.Context, key string, perMinute, perHour int) (bool, error) {
	return !l.deny, nil
}

type testRig struct {
	store   *fakeStore
	queue   *fakeQueue
	limiter *fakeLimiter
	server  *Server
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	store := newFakeStore()
	q := &fakeQueue{}
	limiter := &fakeLimiter{}
	checker := health.NewManager(time.Second, logger)
	server := NewServer(":0", "/metrics", store, q, limiter, checker, config.WebhookConfig{ErrorThreshold: 5}, logger)

	store.webhooks["hook1"] = &core.Webhook{
		ID: "wh1", UserID: "user1", URLPath: "hook1", Secret: "topsecret",
		Status: core.WebhookActive, RatePerMinute: 60, RatePerHour: 600,
	}
	store.accounts["acct1"] = &core.ExchangeAccount{
		ID: "acct1", UserID: "user1", Exchange: "binance", IsActive: true,
	}
	store.primaries["user1/binance"] = store.accounts["acct1"]
	return &testRig{store: store, queue: q, limiter: limiter, server: server}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (r *testRig) post(t *testing.T, path, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/tv/"+path, bytes.NewReader([]byte(body)))
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	w := httptest.NewRecorder()
	r.server.engine.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestWebhookAcceptsSignedAlert(t *testing.T) {
	rig := newRig(t)
	body := `{"ticker":"BTCUSDT","action":"buy","alert_id":"a1","exchange":"binance","size_mode":"quote","size_value":"100"}`

	w := rig.post(t, "hook1", body, sign("topsecret", []byte(body)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decodeBody(t, w)
	assert.Equal(t, "a1", resp["alert_id"])
	assert.NotEmpty(t, resp["job_id"])

	require.Len(t, rig.queue.executed, 1)
	job := rig.store.jobs["a1"]
	require.NotNil(t, job)
	assert.Equal(t, "acct1", job.AccountID)
	assert.Equal(t, "wh1", job.WebhookID)
	assert.JSONEq(t, body, string(job.Payload))
	assert.Equal(t, []bool{true}, rig.store.deliveries)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	rig := newRig(t)
	body := `{"ticker":"BTCUSDT","action":"buy","alert_id":"a1","exchange":"binance"}`

	w := rig.post(t, "hook1", body, sign("wrongsecret", []byte(body)))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "auth/signature_invalid", decodeBody(t, w)["code"])
	assert.Empty(t, rig.queue.executed)

	// Absent signature on a non-public webhook is the same refusal.
	w = rig.post(t, "hook1", body, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// Both refusals feed the consecutive-error counter.
	assert.Equal(t, []bool{false, false}, rig.store.deliveries)
}

func TestWebhookAutoPausesAfterConsecutiveSignatureFailures(t *testing.T) {
	rig := newRig(t)
	rig.store.webhooks["hook1"].ErrorThreshold = 3
	body := `{"ticker":"BTCUSDT","action":"buy","alert_id":"a1","exchange":"binance"}`

	for i := 0; i < 3; i++ {
		w := rig.post(t, "hook1", body, "sha256=deadbeef")
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}
	assert.Equal(t, core.WebhookPaused, rig.store.webhooks["hook1"].Status)

	// Once paused, even a correctly signed alert is refused.
	w := rig.post(t, "hook1", body, sign("topsecret", []byte(body)))
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, rig.queue.executed)
}

func TestWebhookPublicAllowsUnsigned(t *testing.T) {
	rig := newRig(t)
	rig.store.webhooks["hook1"].IsPublic = true
	body := `{"ticker":"BTCUSDT","action":"buy","alert_id":"a1","exchange":"binance"}`

	w := rig.post(t, "hook1", body, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// A supplied signature must still match.
	w = rig.post(t, "hook1", body, "sha256=deadbeef")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookDuplicateAlertReturnsExistingJob(t *testing.T) {
	rig := newRig(t)
	body := `{"ticker":"BTCUSDT","action":"buy","alert_id":"a1","exchange":"binance"}`
	sig := sign("topsecret", []byte(body))

	w := rig.post(t, "hook1", body, sig)
	require.Equal(t, http.StatusOK, w.Code)
	first := decodeBody(t, w)["job_id"]

	w = rig.post(t, "hook1", body, sig)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, true, resp["duplicate"])
	assert.Equal(t, first, resp["job_id"])

	assert.Len(t, rig.queue.executed, 1, "duplicate must not re-enqueue")
}

func TestWebhookRateLimited(t *testing.T) {
	rig := newRig(t)
	rig.limiter.deny = true
	body := `{"ticker":"BTCUSDT","action":"buy","alert_id":"a1","exchange":"binance"}`

	w := rig.post(t, "hook1", body, sign("topsecret", []byte(body)))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate/limit_exceeded", decodeBody(t, w)["code"])
	assert.Empty(t, rig.store.jobs, "rate-limited alert must not consume the identifier")
}

func TestWebhookUnknownPath(t *testing.T) {
	rig := newRig(t)
	w := rig.post(t, "nope", `{}`, "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookPausedRefused(t *testing.T) {
	rig := newRig(t)
	rig.store.webhooks["hook1"].Status = core.WebhookPaused
	body := `{"ticker":"BTCUSDT","action":"buy","alert_id":"a1"}`

	w := rig.post(t, "hook1", body, sign("topsecret", []byte(body)))
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhookValidation(t *testing.T) {
	rig := newRig(t)
	cases := []string{
		`not json`,
		`{"action":"buy","alert_id":"a1"}`,
		`{"ticker":"BTCUSDT","action":"hodl","alert_id":"a1"}`,
		`{"ticker":"BTCUSDT","action":"buy","alert_id":"a1","size_value":"-5"}`,
		`{"ticker":"BTCUSDT","action":"buy","alert_id":"a1","size_value":"0"}`,
		`{"ticker":"BTCUSDT","action":"buy","alert_id":"a1","quantity":"1","stop_loss":0}`,
		`{"ticker":"BTCUSDT","action":"buy","alert_id":"a1","quantity":"1","take_profit":"0"}`,
		`{"ticker":"BTCUSDT","action":"buy","alert_id":"a1","quantity":"1","leverage":0}`,
	}
	for _, body := range cases {
		w := rig.post(t, "hook1", body, sign("topsecret", []byte(body)))
		assert.Equal(t, http.StatusBadRequest, w.Code, "body=%s", body)
	}
}

func TestWebhookNoAccountResolvable(t *testing.T) {
	rig := newRig(t)
	body := `{"ticker":"BTCUSDT","action":"buy","alert_id":"a1","exchange":"okx"}`

	w := rig.post(t, "hook1", body, sign("topsecret", []byte(body)))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "config/no_account", decodeBody(t, w)["code"])
}

func TestWebhookRejectsForeignAccount(t *testing.T) {
	rig := newRig(t)
	rig.store.accounts["other"] = &core.ExchangeAccount{ID: "other", UserID: "mallory", Exchange: "binance"}
	body := `{"ticker":"BTCUSDT","action":"buy","alert_id":"a1","account_id":"other"}`

	w := rig.post(t, "hook1", body, sign("topsecret", []byte(body)))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "config/no_account", decodeBody(t, w)["code"])
}

func TestWebhookFingerprintFallback(t *testing.T) {
	rig := newRig(t)
	body := `{"ticker":"BTCUSDT","action":"buy","exchange":"binance","size_value":"100"}`
	sig := sign("topsecret", []byte(body))

	w := rig.post(t, "hook1", body, sig)
	require.Equal(t, http.StatusOK, w.Code)
	alertID, _ := decodeBody(t, w)["alert_id"].(string)
	assert.Len(t, alertID, 64, "fingerprint should be a sha256 hex digest")

	// Same payload in the same second resolves to the same identifier.
	w = rig.post(t, "hook1", body, sig)
	require.Equal(t, http.StatusOK, w.Code)
	second := decodeBody(t, w)
	if second["duplicate"] == true {
		assert.Equal(t, alertID, second["alert_id"])
	}
}

func TestFingerprintDeterminism(t *testing.T) {
	now := time.Now()
	a := &core.Alert{Ticker: "BTCUSDT", Action: "buy", Strategy: "s1", SizeValue: decimal.NewFromInt(100)}
	b := &core.Alert{Ticker: "BTCUSDT", Action: "buy", Strategy: "s1", SizeValue: decimal.NewFromInt(100)}
	assert.Equal(t, fingerprint(a, now), fingerprint(b, now))
	assert.NotEqual(t, fingerprint(a, now), fingerprint(a, now.Add(time.Second)))

	c := &core.Alert{Ticker: "BTCUSDT", Action: "sell", Strategy: "s1", SizeValue: decimal.NewFromInt(100)}
	assert.NotEqual(t, fingerprint(a, now), fingerprint(c, now))
}

func TestWebhookStoreFailureIs5xx(t *testing.T) {
	rig := newRig(t)
	rig.store.failCreate = true
	body := `{"ticker":"BTCUSDT","action":"buy","alert_id":"a1","exchange":"binance"}`

	w := rig.post(t, "hook1", body, sign("topsecret", []byte(body)))
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	rig := newRig(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	rig.server.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decodeBody(t, w)["status"])
}
