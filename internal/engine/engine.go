// Package engine implements the matching engine orchestrator: the
// single entry point that runs an order through static validation,
// signature verification, pair and balance admission, matching, and
// synchronous per-trade settlement, all serialized behind one global
// mutex — the order books and the vault cache are mutable state and
// only ever touched under that mutex.
package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"darkpool-match/internal/apperr"
	"darkpool-match/internal/book"
	"darkpool-match/internal/model"
	"darkpool-match/internal/settlement"
	"darkpool-match/internal/vault"
	"darkpool-match/internal/walletkey"
)

// OrderRequest is the wire-shaped order as it arrives at the REST
// boundary, before pair resolution or sequencing.
type OrderRequest struct {
	OrderID     string
	Account     string
	Base        string
	Quote       string
	Side        model.Side
	Type        model.OrderType
	Price       decimal.Decimal // ignored (may be zero) when Type == OrderTypeMarket
	Quantity    decimal.Decimal
	TimeInForce model.TimeInForce
	Timestamp   int64
	Signature   []byte
}

// TradeOutcome pairs one matched trade with its settlement result.
type TradeOutcome struct {
	Trade            model.Trade
	SettlementStatus model.SettlementStatus
	TxID             string
	FailureReason    string
}

// SubmitResult is what the REST layer hands back for POST /orders.
type SubmitResult struct {
	OrderID string
	Status  model.OrderStatus
	Trades  []TradeOutcome
}

// Settler is the settlement boundary the engine depends on —
// satisfied by *settlement.Driver in production and by a deterministic
// fake in tests, mirroring the vault.BalanceSource interface seam.
type Settler interface {
	Settle(ctx context.Context, ins settlement.Instruction) (settlement.Result, error)
}

// Engine is the matching orchestrator for one asset pair — the pair
// the settlement contract was deployed with. The engine resolves it
// once at startup from the contract's token_a/token_b pair; orders
// naming any other pair are rejected.
type Engine struct {
	mu sync.Mutex

	pair model.Pair // resolved base/quote contract addresses

	book    *book.Book
	vault   *vault.Cache
	settler Settler
	orders  map[string]*model.Order
	nextSeq uint64

	log *zap.SugaredLogger
}

// New builds an engine for the already-resolved pair. Bootstrap
// (resolving the pair via settlement.Driver.ResolvePair) happens in
// main, before this constructor runs, so the engine never has to
// handle "pair not yet known".
func New(pair model.Pair, policy book.SelfTradePolicy, vaultCache *vault.Cache, settler Settler, log *zap.SugaredLogger) *Engine {
	return &Engine{
		pair:    pair,
		book:    book.NewBook(pair, policy),
		vault:   vaultCache,
		settler: settler,
		orders:  make(map[string]*model.Order),
		log:     log,
	}
}

// Pair reports the engine's single supported asset pair.
func (e *Engine) Pair() model.Pair { return e.pair }

func (e *Engine) nextSequence() uint64 {
	e.nextSeq++
	return e.nextSeq
}

// Submit runs req through validation, admission, matching, and
// settlement, and returns the order's terminal (or resting) state
// plus every trade it produced.
func (e *Engine) Submit(ctx context.Context, req OrderRequest) (SubmitResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.orders[req.OrderID]; exists {
		return SubmitResult{}, apperr.New(apperr.KindDuplicateOrderID, "order id already known")
	}
	if err := validateStatic(req); err != nil {
		return SubmitResult{}, err
	}
	if err := verifySignature(req); err != nil {
		return SubmitResult{}, err
	}
	if req.Base != e.pair.Base || req.Quote != e.pair.Quote {
		return SubmitResult{}, apperr.New(apperr.KindPairNotSupported, "pair not supported by this engine")
	}

	order := &model.Order{
		OrderID:     req.OrderID,
		Account:     req.Account,
		Pair:        e.pair,
		Side:        req.Side,
		Type:        req.Type,
		Price:       req.Price,
		Quantity:    req.Quantity,
		TimeInForce: req.TimeInForce,
		Timestamp:   req.Timestamp,
		Status:      model.OrderStatusPending,
		Signature:   req.Signature,
	}

	token, amount, err := e.requiredReservation(order)
	if err != nil {
		return SubmitResult{}, err
	}
	available, err := e.vault.Available(ctx, order.Account, token)
	if err != nil {
		return SubmitResult{}, err
	}
	if amount > available {
		return SubmitResult{}, apperr.New(apperr.KindInsufficientFunds, "insufficient available balance")
	}
	e.vault.Reserve(order.Account, token, amount)

	order.Sequence = e.nextSequence()
	e.orders[order.OrderID] = order

	addRes, err := e.book.Add(order)
	if err != nil {
		return SubmitResult{}, apperr.Wrap(apperr.KindInternal, "book add", err)
	}
	if addRes.FinalStatus == model.OrderStatusRejected {
		// Nothing matched and the order never rests: release its
		// reservation and report this as a rejection error rather than a
		// successful response body. FOK uses the dedicated unfillable
		// kind; the narrower market-order/no-liquidity edge case the
		// book also reports as Rejected falls back to insufficient funds,
		// the closest existing taxonomy entry.
		e.vault.Release(order.Account, token, amount)
		kind := apperr.KindInsufficientFunds
		if order.TimeInForce == model.TimeInForceFOK {
			kind = apperr.KindFOKUnfillable
		}
		return SubmitResult{}, apperr.New(kind, "order rejected: no achievable match")
	}

	outcomes := e.settleTrades(ctx, addRes.Trades)

	return SubmitResult{OrderID: order.OrderID, Status: order.Status, Trades: outcomes}, nil
}

func validateStatic(req OrderRequest) error {
	if req.OrderID == "" || req.Account == "" || req.Base == "" || req.Quote == "" {
		return apperr.New(apperr.KindClientInput, "missing required field")
	}
	if req.Quantity.Sign() <= 0 {
		return apperr.New(apperr.KindClientInput, "quantity must be positive")
	}
	switch req.Type {
	case model.OrderTypeLimit:
		if req.Price.Sign() <= 0 {
			return apperr.New(apperr.KindClientInput, "price must be positive for limit orders")
		}
	case model.OrderTypeMarket:
	default:
		return apperr.New(apperr.KindClientInput, "invalid order_type")
	}
	switch req.TimeInForce {
	case model.TimeInForceGTC, model.TimeInForceIOC, model.TimeInForceFOK:
	default:
		return apperr.New(apperr.KindClientInput, "invalid time_in_force")
	}
	switch req.Side {
	case model.SideBuy, model.SideSell:
	default:
		return apperr.New(apperr.KindClientInput, "invalid side")
	}
	if req.TimeInForce == model.TimeInForceFOK && req.Type == model.OrderTypeMarket {
		return apperr.New(apperr.KindClientInput, "FOK requires a limit price")
	}
	return nil
}

func verifySignature(req OrderRequest) error {
	canonical := walletkey.CanonicalOrder{
		OrderID:     req.OrderID,
		UserAddress: req.Account,
		AssetPair:   walletkey.AssetPair{Base: req.Base, Quote: req.Quote},
		Side:        string(req.Side),
		OrderType:   string(req.Type),
		Quantity:    req.Quantity.String(),
		TimeInForce: string(req.TimeInForce),
		Timestamp:   req.Timestamp,
	}
	if req.Type == model.OrderTypeLimit {
		p := req.Price.String()
		canonical.Price = &p
	}
	return walletkey.VerifyOrder(canonical, req.Signature)
}

// requiredReservation computes the (token, amount) the order must
// reserve at admission.
func (e *Engine) requiredReservation(order *model.Order) (token string, amount int64, err error) {
	if order.Side == model.SideSell {
		amount, err = settlement.ToStroops(order.Quantity)
		return e.pair.Base, amount, err
	}
	if order.Type == model.OrderTypeLimit {
		amount, err = settlement.ToStroops(order.Price.Mul(order.Quantity))
		return e.pair.Quote, amount, err
	}
	// Market buy: no price limit, so walk the full ask depth and reserve
	// the worst-case cost of filling this quantity against it. Pricing
	// only the best level under-reserves whenever the order must walk
	// past it, letting a large market buy settle for more than it set
	// aside.
	_, asks := e.book.Snapshot(math.MaxInt32)
	if len(asks) == 0 {
		return "", 0, apperr.New(apperr.KindInsufficientFunds, "no opposite liquidity for market buy")
	}
	remaining := order.Quantity
	cost := decimal.Zero
	for _, lvl := range asks {
		if remaining.Sign() <= 0 {
			break
		}
		qty := lvl.Quantity
		if qty.GreaterThan(remaining) {
			qty = remaining
		}
		cost = cost.Add(qty.Mul(lvl.Price))
		remaining = remaining.Sub(qty)
	}
	// Any quantity beyond visible depth can never actually match — a
	// market order never rests — so it costs nothing to reserve against.
	amount, err = settlement.ToStroops(cost)
	return e.pair.Quote, amount, err
}

// settleTrades drives every matched trade through settlement in
// production order — a batch's trades settle in the same order they
// were produced — compensating on the first failure and unwinding
// every trade after it in the same batch.
func (e *Engine) settleTrades(ctx context.Context, trades []model.Trade) []TradeOutcome {
	outcomes := make([]TradeOutcome, 0, len(trades))
	compensating := false

	for _, trade := range trades {
		if compensating {
			e.unwindTrade(trade)
			outcomes = append(outcomes, TradeOutcome{
				Trade:            trade,
				SettlementStatus: model.SettlementFailed,
				FailureReason:    "cancelled: an earlier trade in this batch failed to settle",
			})
			continue
		}

		baseAmt, quoteAmt, err := tradeStroopAmounts(trade)
		if err != nil {
			// Admission already rejects any single order whose magnitude
			// would overflow at scaling; this can only fire if two
			// individually-valid orders cross into a trade whose notional
			// does not. Nothing has touched the vault yet, so unwinding
			// the match itself is enough.
			e.log.Errorw("trade overflowed stroop scaling, unwinding",
				"trade_id", fmt.Sprintf("%x", trade.TradeID), "err", err)
			e.unwindTrade(trade)
			compensating = true
			outcomes = append(outcomes, TradeOutcome{
				Trade:            trade,
				SettlementStatus: model.SettlementFailed,
				FailureReason:    err.Error(),
			})
			continue
		}

		e.applyOptimisticDeltas(trade, baseAmt, quoteAmt)

		ins := settlement.BuildInstruction(trade, baseAmt, quoteAmt, e.pair.Base, e.pair.Quote, time.Now().Unix())
		result, err := e.settler.Settle(ctx, ins)
		if err != nil {
			e.log.Errorw("settlement failed, compensating",
				"trade_id", fmt.Sprintf("%x", trade.TradeID), "kind", apperr.KindOf(err), "err", err)
			e.rollbackDeltas(trade, baseAmt, quoteAmt)
			e.unwindTrade(trade)
			compensating = true
			reason := result.Reason
			if reason == "" {
				reason = err.Error()
			}
			outcomes = append(outcomes, TradeOutcome{
				Trade:            trade,
				SettlementStatus: model.SettlementFailed,
				FailureReason:    reason,
			})
			continue
		}

		e.vault.Invalidate(trade.BuyAccount, e.pair.Quote)
		e.vault.Invalidate(trade.BuyAccount, e.pair.Base)
		e.vault.Invalidate(trade.SellAccount, e.pair.Base)
		e.vault.Invalidate(trade.SellAccount, e.pair.Quote)

		outcomes = append(outcomes, TradeOutcome{
			Trade:            trade,
			SettlementStatus: model.SettlementSettled,
			TxID:             result.TxID,
		})
	}

	return outcomes
}

// tradeStroopAmounts scales a trade's base and quote legs once, so
// every step of settlement and its compensation path works off the
// same checked amounts instead of re-scaling (and re-checking) the
// same decimal repeatedly.
func tradeStroopAmounts(trade model.Trade) (base, quote int64, err error) {
	base, err = settlement.ToStroops(trade.Quantity)
	if err != nil {
		return 0, 0, err
	}
	quote, err = settlement.ToStroops(trade.Price.Mul(trade.Quantity))
	if err != nil {
		return 0, 0, err
	}
	return base, quote, nil
}

// applyOptimisticDeltas adjusts the vault cache's committed figures
// and releases the filled share of each side's reservation, ahead of
// the on-chain settlement call actually landing.
func (e *Engine) applyOptimisticDeltas(trade model.Trade, baseAmt, quoteAmt int64) {
	e.vault.ApplyDelta(trade.BuyAccount, e.pair.Quote, -quoteAmt)
	e.vault.ApplyDelta(trade.BuyAccount, e.pair.Base, baseAmt)
	e.vault.ApplyDelta(trade.SellAccount, e.pair.Base, -baseAmt)
	e.vault.ApplyDelta(trade.SellAccount, e.pair.Quote, quoteAmt)

	e.vault.Release(trade.BuyAccount, e.pair.Quote, quoteAmt)
	e.vault.Release(trade.SellAccount, e.pair.Base, baseAmt)
}

// rollbackDeltas reverses applyOptimisticDeltas and restores the
// reservation it released, since the trade that justified releasing
// it never actually settled.
func (e *Engine) rollbackDeltas(trade model.Trade, baseAmt, quoteAmt int64) {
	e.vault.ApplyDelta(trade.BuyAccount, e.pair.Quote, quoteAmt)
	e.vault.ApplyDelta(trade.BuyAccount, e.pair.Base, -baseAmt)
	e.vault.ApplyDelta(trade.SellAccount, e.pair.Base, baseAmt)
	e.vault.ApplyDelta(trade.SellAccount, e.pair.Quote, -quoteAmt)

	e.vault.Reserve(trade.BuyAccount, e.pair.Quote, quoteAmt)
	e.vault.Reserve(trade.SellAccount, e.pair.Base, baseAmt)
}

// unwindTrade reverts both participating orders' fills and re-rests
// them at their original price but at the tail of their price level,
// forfeiting the time priority they held before the match.
func (e *Engine) unwindTrade(trade model.Trade) {
	if o, ok := e.orders[trade.BuyOrderID]; ok {
		e.unwindOrder(o, trade.Quantity)
	}
	if o, ok := e.orders[trade.SellOrderID]; ok {
		e.unwindOrder(o, trade.Quantity)
	}
}

// unwindOrder removes any current resting remnant of order (a no-op
// if it isn't resting), reverts qty of its fill, and re-rests it —
// unless it is a market order, which the book never rests; a market
// order caught in a failed settlement has no price to rest at and is
// simply cancelled instead, a deliberate, narrow exception.
func (e *Engine) unwindOrder(order *model.Order, qty decimal.Decimal) {
	e.book.Cancel(order.OrderID, order.Account)
	order.FilledQuantity = order.FilledQuantity.Sub(qty)
	if order.Type == model.OrderTypeMarket {
		order.Status = model.OrderStatusCancelled
		return
	}
	e.book.RestTail(order)
}

// GetOrder returns a defensive copy of a known order, regardless of
// its current status.
func (e *Engine) GetOrder(orderID string) (*model.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// Cancel verifies the cancellation envelope and removes the order
// from the book if it is still resting, releasing its remaining
// reservation.
func (e *Engine) Cancel(orderID, account string, sig []byte) (*model.Order, error) {
	if err := walletkey.VerifyCancel(orderID, account, sig); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	result, order := e.book.Cancel(orderID, account)
	switch result {
	case book.CancelOK:
		token, amount, err := e.releaseToken(order)
		if err != nil {
			return nil, err
		}
		e.vault.Release(order.Account, token, amount)
		return order.Clone(), nil
	case book.CancelNotOwner:
		return nil, apperr.New(apperr.KindNotOwner, "not the order owner")
	default:
		if known, ok := e.orders[orderID]; ok {
			// Already terminal: idempotent success, nothing to release.
			return known.Clone(), nil
		}
		return nil, apperr.New(apperr.KindNotFound, "order not found")
	}
}

func (e *Engine) releaseToken(order *model.Order) (token string, amount int64, err error) {
	remaining := order.Remaining()
	if order.Side == model.SideSell {
		amount, err = settlement.ToStroops(remaining)
		return e.pair.Base, amount, err
	}
	amount, err = settlement.ToStroops(order.Price.Mul(remaining))
	return e.pair.Quote, amount, err
}

// Snapshot returns the top depth levels of the book, best price first.
func (e *Engine) Snapshot(depth int) (bids, asks []book.LevelView) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Snapshot(depth)
}
