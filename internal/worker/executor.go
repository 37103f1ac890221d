// Package worker implements the execution side of the pipeline: it
// consumes jobs, sizes the order against live balance and price, routes
// it through the exchange adapter behind a circuit breaker, and
// persists the outcome.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tradehook/internal/config"
	"tradehook/internal/core"
	"tradehook/internal/exchange"
	"tradehook/internal/queue"
	"tradehook/pkg/breaker"
	apperrors "tradehook/pkg/errors"
	"tradehook/pkg/retry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AdapterFactory builds the adapter for one account. Tests swap it for
// a mock.
type AdapterFactory func(tag string, creds *core.Credentials, testnet bool, cfg config.ExchangesConfig, logger core.ILogger) (core.IExchange, error)

// Executor consumes execution jobs.
type Executor struct {
	store      core.IStore
	vault      core.IVault
	breakers   *breaker.Registry
	exchanges  config.ExchangesConfig
	newAdapter AdapterFactory
	logger     core.ILogger
}

// NewExecutor wires the execution worker.
func NewExecutor(store core.IStore, vault core.IVault, breakers *breaker.Registry, exchanges config.ExchangesConfig, logger core.ILogger) *Executor {
	return &Executor{
		store:      store,
		vault:      vault,
		breakers:   breakers,
		exchanges:  exchanges,
		newAdapter: exchange.New,
		logger:     logger.WithField("component", "executor"),
	}
}

// HandleExecute processes one queued job end to end. The returned
// error's classification drives the queue retry decision.
func (e *Executor) HandleExecute(ctx context.Context, p queue.ExecutePayload) error {
	log := e.logger.WithFields(map[string]interface{}{"jobId": p.JobID, "alertId": p.AlertID})

	job, err := e.store.GetJob(ctx, p.JobID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "load job", err)
	}
	if job.Status == core.JobCompleted {
		log.Info("Job already completed, refusing redelivery")
		return nil
	}
	if err := e.store.MarkJobProcessing(ctx, job.ID); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "mark job processing", err)
	}

	if err := e.execute(ctx, job, log); err != nil {
		if markErr := e.store.MarkJobFailed(ctx, job.ID, err.Error()); markErr != nil {
			log.Error("Failed to record job failure", "error", markErr)
		}
		log.Warn("Job failed", "error", err, "kind", string(apperrors.KindOf(err)))
		return err
	}

	if err := e.store.MarkJobCompleted(ctx, job.ID); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "mark job completed", err)
	}
	log.Info("Job completed")
	return nil
}

func (e *Executor) execute(ctx context.Context, job *core.Job, log core.ILogger) error {
	var alert core.Alert
	if err := json.Unmarshal(job.Payload, &alert); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "decode alert payload", err)
	}

	account, err := e.store.GetAccount(ctx, job.AccountID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindNoAccount, "load account", err)
	}
	if !account.IsActive {
		return apperrors.Newf(apperrors.KindAccountInactive, "account %s is inactive", account.ID)
	}

	creds, err := e.vault.DecryptCredentials(account.APIKeyEnc, account.SecretEnc, account.PassphraseEnc)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "decrypt credentials", err)
	}

	adapter, err := e.newAdapter(account.Exchange, creds, account.Testnet, e.exchanges, e.logger)
	if err != nil {
		return err
	}

	switch alert.Action {
	case core.ActionBuy, core.ActionSell:
		return e.executeEntry(ctx, adapter, account, &alert, log)
	case core.ActionClose:
		symbol := adapter.NormalizeSymbol(alert.Ticker)
		_, err := e.closePosition(ctx, adapter, account, &alert, symbol, log)
		return err
	case core.ActionCloseAll:
		return e.closeAll(ctx, adapter, account, &alert, log)
	default:
		return apperrors.Newf(apperrors.KindInvalidSize, "unknown action %q", alert.Action)
	}
}

// executeEntry opens or extends a position.
func (e *Executor) executeEntry(ctx context.Context, adapter core.IExchange, account *core.ExchangeAccount, alert *core.Alert, log core.ILogger) error {
	symbol := adapter.NormalizeSymbol(alert.Ticker)

	price, err := e.resolvePrice(ctx, adapter, account.ID, symbol)
	if err != nil {
		return err
	}

	var balances map[string]decimal.Decimal
	if alert.SizeMode == core.SizeModePercentage {
		if err := e.callExchange(ctx, adapter.Name(), "balance", func() error {
			var err error
			balances, err = adapter.GetBalances(ctx)
			return err
		}); err != nil {
			return err
		}
	}

	qty, err := computeQuantity(alert, price, freeQuote(balances))
	if err != nil {
		return err
	}

	if !alert.ReduceOnly {
		check, err := adapter.ValidateBalance(ctx, symbol, alert.Action, qty, price, alert.Leverage)
		if err != nil {
			return err
		}
		if !check.IsValid {
			return apperrors.Newf(apperrors.KindInsufficientFunds, "balance guard: %s", check.Reason)
		}
	}

	if alert.Leverage > 1 {
		if err := adapter.SetLeverage(ctx, symbol, alert.Leverage); err != nil {
			// Best-effort; the exchange enforces its own bounds.
			log.Warn("Set leverage failed", "symbol", symbol, "leverage", alert.Leverage, "error", err)
		}
	}

	req := &core.PlaceOrderRequest{
		Symbol:        symbol,
		Side:          alert.Action,
		Type:          core.OrderTypeMarket,
		Amount:        qty,
		Price:         price,
		ClientOrderID: clientOrderID(alert.AlertID, false),
		ReduceOnly:    alert.ReduceOnly,
		StopLoss:      alert.StopLoss,
		TakeProfit:    alert.TakeProfit,
	}

	var placed *core.Order
	err = e.breakers.Execute(placeOrderKey(adapter.Name()), func() error {
		var err error
		placed, err = adapter.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		return err
	}

	return e.persistOrder(ctx, placed, req, account.ID, log)
}

// closePosition exits the open position for one symbol with a
// reduce-only market order. A missing position completes the job.
func (e *Executor) closePosition(ctx context.Context, adapter core.IExchange, account *core.ExchangeAccount, alert *core.Alert, symbol string, log core.ILogger) (bool, error) {
	var positions []*core.Position
	if err := e.callExchange(ctx, adapter.Name(), "positions", func() error {
		var err error
		positions, err = adapter.GetPositions(ctx, symbol)
		return err
	}); err != nil {
		return false, err
	}
	if len(positions) == 0 {
		log.Info("No open position to close, skipping", "symbol", symbol)
		return false, nil
	}

	pos := positions[0]
	side := core.SideSell
	if pos.Side == core.PositionShort {
		side = core.SideBuy
	}

	req := &core.PlaceOrderRequest{
		Symbol:        symbol,
		Side:          side,
		Type:          core.OrderTypeMarket,
		Amount:        pos.Size.Abs(),
		Price:         pos.MarkPrice,
		ClientOrderID: clientOrderID(alert.AlertID, true),
		ReduceOnly:    true,
	}

	var placed *core.Order
	err := e.breakers.Execute(placeOrderKey(adapter.Name()), func() error {
		var err error
		placed, err = adapter.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		return false, err
	}
	return true, e.persistOrder(ctx, placed, req, account.ID, log)
}

// closeAll exits every open position on the account. The job completes
// if any close succeeded; it fails only when every close failed.
func (e *Executor) closeAll(ctx context.Context, adapter core.IExchange, account *core.ExchangeAccount, alert *core.Alert, log core.ILogger) error {
	var positions []*core.Position
	if err := e.callExchange(ctx, adapter.Name(), "positions", func() error {
		var err error
		positions, err = adapter.GetPositions(ctx, "")
		return err
	}); err != nil {
		return err
	}
	if len(positions) == 0 {
		log.Info("No open positions to close")
		return nil
	}

	var closed int
	var lastErr error
	for _, pos := range positions {
		ok, err := e.closePosition(ctx, adapter, account, alert, pos.Symbol, log)
		if err != nil {
			log.Warn("Close failed", "symbol", pos.Symbol, "error", err)
			lastErr = err
			continue
		}
		if ok {
			closed++
		}
	}
	if closed == 0 && lastErr != nil {
		return lastErr
	}
	log.Info("Close-all finished", "closed", closed, "total", len(positions))
	return nil
}

// resolvePrice walks the price-source fallback chain: live ticker,
// stored mark price, most recent open order. Refuses to trade blind.
func (e *Executor) resolvePrice(ctx context.Context, adapter core.IExchange, accountID, symbol string) (decimal.Decimal, error) {
	var ticker *core.Ticker
	err := e.callExchange(ctx, adapter.Name(), "ticker", func() error {
		var err error
		ticker, err = adapter.GetTicker(ctx, symbol)
		return err
	})
	if err == nil && ticker != nil && ticker.Price.IsPositive() {
		return ticker.Price, nil
	}
	e.logger.Warn("Ticker unavailable, falling back", "symbol", symbol, "error", err)

	if positions, perr := e.store.GetPositions(ctx, accountID); perr == nil {
		for _, p := range positions {
			if p.Symbol == symbol && p.MarkPrice.IsPositive() {
				return p.MarkPrice, nil
			}
		}
	}

	if order, oerr := e.store.GetLatestOpenOrder(ctx, accountID, symbol); oerr == nil && order.Price.IsPositive() {
		return order.Price, nil
	}

	return decimal.Zero, apperrors.Newf(apperrors.KindPriceUnavailable, "no price source for %s", symbol)
}

// callExchange wraps an adapter read with the per-operation breaker and
// the in-attempt retry policy.
func (e *Executor) callExchange(ctx context.Context, tag, op string, fn func() error) error {
	key := fmt.Sprintf("exchange-%s-%s", op, tag)
	return retry.Do(ctx, retry.DefaultPolicy, func() error {
		return e.breakers.Execute(key, fn)
	})
}

func (e *Executor) persistOrder(ctx context.Context, placed *core.Order, req *core.PlaceOrderRequest, accountID string, log core.ILogger) error {
	order := placed
	if order == nil {
		order = &core.Order{}
	}
	order.ID = uuid.NewString()
	order.AccountID = accountID
	if order.ClientOrderID == "" {
		order.ClientOrderID = req.ClientOrderID
	}
	if order.Status == "" {
		order.Status = core.OrderSubmitted
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}

	if err := e.store.UpsertOrder(ctx, order); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "persist order", err)
	}
	log.Info("Order persisted",
		"symbol", order.Symbol,
		"side", order.Side,
		"quantity", order.Quantity.String(),
		"clientOrderId", order.ClientOrderID,
		"status", order.Status)
	return nil
}

// clientOrderID builds the deterministic-per-attempt identifier; the
// epoch suffix makes retried attempts distinguishable while exchange
// dedup on the full id stays the last line of defense.
func clientOrderID(alertID string, isClose bool) string {
	prefix := "tv"
	if isClose {
		prefix = "tv_close"
	}
	return fmt.Sprintf("%s_%s_%d", prefix, sanitizeAlertID(alertID), time.Now().UnixMilli())
}

func sanitizeAlertID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, id)
}

func placeOrderKey(tag string) string {
	return "exchange-place-order-" + tag
}
