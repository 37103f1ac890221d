// Package reconciler periodically mirrors exchange state into the
// store: open positions, execution fills and a PnL snapshot per
// account. The exchange is the source of truth; local rows converge
// toward it every cycle.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"tradehook/internal/config"
	"tradehook/internal/core"
	"tradehook/internal/exchange"
	"tradehook/internal/queue"
	"tradehook/pkg/breaker"
	apperrors "tradehook/pkg/errors"
	"tradehook/pkg/retry"

	"github.com/shopspring/decimal"
)

// AdapterFactory builds the adapter for one account. Tests swap it for
// a mock.
type AdapterFactory func(tag string, creds *core.Credentials, testnet bool, cfg config.ExchangesConfig, logger core.ILogger) (core.IExchange, error)

// Reconciler runs one account-level reconciliation cycle per queued
// task.
type Reconciler struct {
	store      core.IStore
	vault      core.IVault
	publisher  core.IPublisher
	breakers   *breaker.Registry
	exchanges  config.ExchangesConfig
	newAdapter AdapterFactory
	logger     core.ILogger
}

// NewReconciler wires the reconciliation worker.
func NewReconciler(store core.IStore, vault core.IVault, publisher core.IPublisher, breakers *breaker.Registry, exchanges config.ExchangesConfig, logger core.ILogger) *Reconciler {
	return &Reconciler{
		store:      store,
		vault:      vault,
		publisher:  publisher,
		breakers:   breakers,
		exchanges:  exchanges,
		newAdapter: exchange.New,
		logger:     logger.WithField("component", "reconciler"),
	}
}

// HandleReconcile runs one cycle for the account in the payload. A
// credentials refusal deactivates the account instead of retrying.
func (r *Reconciler) HandleReconcile(ctx context.Context, p queue.ReconcilePayload) error {
	log := r.logger.WithField("accountId", p.AccountID)

	account, err := r.store.GetAccount(ctx, p.AccountID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "load account", err)
	}
	if !account.IsActive {
		log.Debug("Account inactive, skipping cycle")
		return nil
	}

	creds, err := r.vault.DecryptCredentials(account.APIKeyEnc, account.SecretEnc, account.PassphraseEnc)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "decrypt credentials", err)
	}

	adapter, err := r.newAdapter(account.Exchange, creds, account.Testnet, r.exchanges, r.logger)
	if err != nil {
		return err
	}

	if err := r.reconcile(ctx, adapter, account, log); err != nil {
		if apperrors.IsKind(err, apperrors.KindCredentialsInvalid) {
			log.Warn("Credentials rejected by exchange, deactivating account", "error", err)
			if dErr := r.store.DeactivateAccount(ctx, account.ID, "credentials rejected during reconciliation"); dErr != nil {
				log.Error("Failed to deactivate account", "error", dErr)
			}
			return nil
		}
		return err
	}

	ev := &core.AccountUpdateEvent{
		Type:      "account_update",
		AccountID: account.ID,
		UserID:    account.UserID,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := r.publisher.PublishAccountUpdate(ctx, ev); err != nil {
		// The cycle already converged; subscribers catch up next round.
		log.Warn("Account update publish failed", "error", err)
	}
	return nil
}

func (r *Reconciler) reconcile(ctx context.Context, adapter core.IExchange, account *core.ExchangeAccount, log core.ILogger) error {
	positions, err := r.syncPositions(ctx, adapter, account, log)
	if err != nil {
		return err
	}

	r.syncTrades(ctx, adapter, account, positions, log)

	return r.snapshotPnL(ctx, account, positions, log)
}

// syncPositions replaces the stored position set with the live one.
// A failure here aborts the cycle: stale positions are safer than a
// half-applied set.
func (r *Reconciler) syncPositions(ctx context.Context, adapter core.IExchange, account *core.ExchangeAccount, log core.ILogger) ([]*core.Position, error) {
	var positions []*core.Position
	if err := r.callExchange(ctx, adapter.Name(), "positions", func() error {
		var err error
		positions, err = adapter.GetPositions(ctx, "")
		return err
	}); err != nil {
		return nil, err
	}

	now := time.Now()
	for _, pos := range positions {
		pos.AccountID = account.ID
		if pos.Exchange == "" {
			pos.Exchange = account.Exchange
		}
		pos.UpdatedAt = now
	}

	if err := r.store.ReplacePositions(ctx, account.ID, positions); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "replace positions", err)
	}
	log.Debug("Positions synced", "count", len(positions))
	return positions, nil
}

// syncTrades pulls fills since the per-symbol watermark and applies
// them to the matching orders. Per-symbol failures are logged and
// skipped; the watermark keeps the next cycle idempotent.
func (r *Reconciler) syncTrades(ctx context.Context, adapter core.IExchange, account *core.ExchangeAccount, positions []*core.Position, log core.ILogger) {
	for _, symbol := range r.tradeSymbols(ctx, adapter, account.ID, positions, log) {
		since, err := r.store.LatestTradeTime(ctx, account.ID, symbol)
		if err != nil {
			log.Warn("Trade watermark lookup failed", "symbol", symbol, "error", err)
			continue
		}

		var trades []*core.Trade
		if err := r.callExchange(ctx, adapter.Name(), "trades", func() error {
			var err error
			trades, err = adapter.GetTrades(ctx, symbol, since)
			return err
		}); err != nil {
			log.Warn("Trade fetch failed", "symbol", symbol, "error", err)
			continue
		}

		for _, trade := range trades {
			trade.AccountID = account.ID
			inserted, err := r.store.InsertTrade(ctx, trade)
			if err != nil {
				log.Warn("Trade insert failed", "tradeId", trade.TradeID, "error", err)
				continue
			}
			if inserted {
				r.applyFill(ctx, account.ID, trade, log)
			}
		}
	}
}

// tradeSymbols collects the symbols worth polling for fills: live
// positions, anything with an unfilled exchange order still out, and
// local orders not yet in a terminal status. The last set matters for
// instant fills: a reduce-only close can fill and drop its position
// before the next cycle ever sees it.
func (r *Reconciler) tradeSymbols(ctx context.Context, adapter core.IExchange, accountID string, positions []*core.Position, log core.ILogger) []string {
	seen := make(map[string]struct{})
	var symbols []string
	add := func(s string) {
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		symbols = append(symbols, s)
	}

	for _, pos := range positions {
		add(pos.Symbol)
	}

	var open []*core.Order
	if err := r.callExchange(ctx, adapter.Name(), "open-orders", func() error {
		var err error
		open, err = adapter.GetOpenOrders(ctx, "")
		return err
	}); err == nil {
		for _, o := range open {
			add(o.Symbol)
		}
	}

	local, err := r.store.ListOpenOrderSymbols(ctx, accountID)
	if err != nil {
		log.Warn("Open order symbol lookup failed", "error", err)
	}
	for _, symbol := range local {
		add(symbol)
	}
	return symbols
}

// applyFill folds one new trade into its order's fill progress.
func (r *Reconciler) applyFill(ctx context.Context, accountID string, trade *core.Trade, log core.ILogger) {
	order, err := r.store.FindOrderForTrade(ctx, accountID, trade.OrderID, "")
	if err != nil {
		log.Debug("No local order for trade", "tradeId", trade.TradeID, "exchangeOrderId", trade.OrderID)
		return
	}

	filled := order.Filled.Add(trade.Quantity)
	remaining := order.Quantity.Sub(filled)
	status := core.OrderPartiallyFilled
	if !remaining.IsPositive() {
		remaining = decimal.Zero
		status = core.OrderFilled
	}
	if err := r.store.UpdateOrderFill(ctx, order.ID, filled, remaining, status); err != nil {
		log.Warn("Order fill update failed", "orderId", order.ID, "error", err)
	}
}

// snapshotPnL appends one PnL record summing the live position set.
func (r *Reconciler) snapshotPnL(ctx context.Context, account *core.ExchangeAccount, positions []*core.Position, log core.ILogger) error {
	var realized, unrealized decimal.Decimal
	for _, pos := range positions {
		realized = realized.Add(pos.RealizedPnL)
		unrealized = unrealized.Add(pos.UnrealizedPnL)
	}

	rec := &core.PnLRecord{
		AccountID:     account.ID,
		UserID:        account.UserID,
		RealizedPnL:   realized,
		UnrealizedPnL: unrealized,
		Equity:        realized.Add(unrealized),
		Timestamp:     time.Now(),
	}
	if err := r.store.InsertPnLRecord(ctx, rec); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "insert pnl record", err)
	}
	log.Debug("PnL snapshot recorded",
		"realized", realized.String(),
		"unrealized", unrealized.String())
	return nil
}

// callExchange wraps an adapter read with the per-operation breaker and
// the in-attempt retry policy.
func (r *Reconciler) callExchange(ctx context.Context, tag, op string, fn func() error) error {
	key := fmt.Sprintf("exchange-%s-%s", op, tag)
	return retry.Do(ctx, retry.DefaultPolicy, func() error {
		return r.breakers.Execute(key, fn)
	})
}
