package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"darkpool-match/internal/apperr"
	"darkpool-match/internal/book"
	"darkpool-match/internal/model"
	"darkpool-match/internal/settlement"
	"darkpool-match/internal/vault"
	"darkpool-match/internal/walletkey"
)

const (
	base  = "CBASE0000000000000000000000000000000000000000000000000000"
	quote = "CQUOTE000000000000000000000000000000000000000000000000000"
)

// fakeBalanceSource reports an effectively unlimited balance for any
// account so admission never rejects on funds in tests that aren't
// specifically exercising that path.
type fakeBalanceSource struct{ balance int64 }

func (f *fakeBalanceSource) GetBalance(ctx context.Context, account, token string) (int64, error) {
	return f.balance, nil
}

// fakeSettler lets each test script exactly how settlement behaves,
// per call, without standing up a Soroban RPC server.
type fakeSettler struct {
	results []settlement.Result
	errs    []error
	calls   int
}

func (f *fakeSettler) Settle(ctx context.Context, ins settlement.Instruction) (settlement.Result, error) {
	i := f.calls
	f.calls++
	var result settlement.Result
	if i < len(f.results) {
		result = f.results[i]
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return result, f.errs[i]
	}
	if i < len(f.results) {
		return result, nil
	}
	return settlement.Result{Status: model.SettlementSettled, TxID: "default-tx"}, nil
}

func signedRequest(t *testing.T, kp *keypair.Full, req OrderRequest) OrderRequest {
	t.Helper()
	req.Account = kp.Address()

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
	digest, err := walletkey.Digest(canonical)
	require.NoError(t, err)
	sig, err := kp.Sign(digest[:])
	require.NoError(t, err)
	req.Signature = sig
	return req
}

func cancelSig(t *testing.T, kp *keypair.Full, orderID string) []byte {
	t.Helper()
	digest, err := walletkey.DigestCancel(orderID, kp.Address())
	require.NoError(t, err)
	sig, err := kp.Sign(digest[:])
	require.NoError(t, err)
	return sig
}

func newTestEngine(t *testing.T, policy book.SelfTradePolicy, settler Settler) *Engine {
	t.Helper()
	vc := vault.New(&fakeBalanceSource{balance: 1_000_000_000_000}, time.Minute, nil)
	return New(model.Pair{Base: base, Quote: quote}, policy, vc, settler, zap.NewNop().Sugar())
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCleanCrossSettlesSuccessfully(t *testing.T) {
	settler := &fakeSettler{}
	e := newTestEngine(t, book.PolicySkipMatch, settler)
	seller, _ := keypair.Random()
	buyer, _ := keypair.Random()

	sellReq := signedRequest(t, seller, OrderRequest{
		OrderID: "s1", Base: base, Quote: quote, Side: model.SideSell, Type: model.OrderTypeLimit,
		Price: d("1.0"), Quantity: d("10"), TimeInForce: model.TimeInForceGTC, Timestamp: 1,
	})
	_, err := e.Submit(context.Background(), sellReq)
	require.NoError(t, err)

	buyReq := signedRequest(t, buyer, OrderRequest{
		OrderID: "b1", Base: base, Quote: quote, Side: model.SideBuy, Type: model.OrderTypeLimit,
		Price: d("1.0"), Quantity: d("10"), TimeInForce: model.TimeInForceGTC, Timestamp: 2,
	})
	res, err := e.Submit(context.Background(), buyReq)
	require.NoError(t, err)

	assert.Equal(t, model.OrderStatusFilled, res.Status)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, model.SettlementSettled, res.Trades[0].SettlementStatus)
	assert.True(t, res.Trades[0].Trade.Quantity.Equal(d("10")))
}

func TestPriceTimePriorityAcrossTwoMakers(t *testing.T) {
	settler := &fakeSettler{}
	e := newTestEngine(t, book.PolicySkipMatch, settler)
	early, _ := keypair.Random()
	late, _ := keypair.Random()
	taker, _ := keypair.Random()

	_, err := e.Submit(context.Background(), signedRequest(t, early, OrderRequest{
		OrderID: "early", Base: base, Quote: quote, Side: model.SideSell, Type: model.OrderTypeLimit,
		Price: d("1.0"), Quantity: d("5"), TimeInForce: model.TimeInForceGTC, Timestamp: 1,
	}))
	require.NoError(t, err)
	_, err = e.Submit(context.Background(), signedRequest(t, late, OrderRequest{
		OrderID: "late", Base: base, Quote: quote, Side: model.SideSell, Type: model.OrderTypeLimit,
		Price: d("1.0"), Quantity: d("5"), TimeInForce: model.TimeInForceGTC, Timestamp: 2,
	}))
	require.NoError(t, err)

	res, err := e.Submit(context.Background(), signedRequest(t, taker, OrderRequest{
		OrderID: "taker", Base: base, Quote: quote, Side: model.SideBuy, Type: model.OrderTypeLimit,
		Price: d("1.0"), Quantity: d("5"), TimeInForce: model.TimeInForceGTC, Timestamp: 3,
	}))
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "early", res.Trades[0].Trade.SellOrderID)
}

func TestFOKRejectedOutrightWhenUnfillable(t *testing.T) {
	settler := &fakeSettler{}
	e := newTestEngine(t, book.PolicySkipMatch, settler)
	seller, _ := keypair.Random()
	buyer, _ := keypair.Random()

	_, err := e.Submit(context.Background(), signedRequest(t, seller, OrderRequest{
		OrderID: "s1", Base: base, Quote: quote, Side: model.SideSell, Type: model.OrderTypeLimit,
		Price: d("1.0"), Quantity: d("3"), TimeInForce: model.TimeInForceGTC, Timestamp: 1,
	}))
	require.NoError(t, err)

	_, err = e.Submit(context.Background(), signedRequest(t, buyer, OrderRequest{
		OrderID: "fok1", Base: base, Quote: quote, Side: model.SideBuy, Type: model.OrderTypeLimit,
		Price: d("1.0"), Quantity: d("10"), TimeInForce: model.TimeInForceFOK, Timestamp: 2,
	}))
	require.Error(t, err)
	assert.Equal(t, apperr.KindFOKUnfillable, apperr.KindOf(err))
	assert.Equal(t, 0, settler.calls, "FOK rejection must never reach settlement")
}

func TestIOCDropsResidualAfterPartialFill(t *testing.T) {
	settler := &fakeSettler{}
	e := newTestEngine(t, book.PolicySkipMatch, settler)
	seller, _ := keypair.Random()
	buyer, _ := keypair.Random()

	_, err := e.Submit(context.Background(), signedRequest(t, seller, OrderRequest{
		OrderID: "s1", Base: base, Quote: quote, Side: model.SideSell, Type: model.OrderTypeLimit,
		Price: d("1.0"), Quantity: d("3"), TimeInForce: model.TimeInForceGTC, Timestamp: 1,
	}))
	require.NoError(t, err)

	res, err := e.Submit(context.Background(), signedRequest(t, buyer, OrderRequest{
		OrderID: "ioc1", Base: base, Quote: quote, Side: model.SideBuy, Type: model.OrderTypeLimit,
		Price: d("1.0"), Quantity: d("10"), TimeInForce: model.TimeInForceIOC, Timestamp: 2,
	}))
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPartiallyFilled, res.Status)
	require.Len(t, res.Trades, 1)

	bids, _ := e.Snapshot(10)
	assert.Empty(t, bids, "IOC residual must never rest")
}

func TestSelfTradeSkipMatchLeavesRestingOrderInBook(t *testing.T) {
	settler := &fakeSettler{}
	e := newTestEngine(t, book.PolicySkipMatch, settler)
	same, _ := keypair.Random()

	_, err := e.Submit(context.Background(), signedRequest(t, same, OrderRequest{
		OrderID: "own-sell", Base: base, Quote: quote, Side: model.SideSell, Type: model.OrderTypeLimit,
		Price: d("1.0"), Quantity: d("5"), TimeInForce: model.TimeInForceGTC, Timestamp: 1,
	}))
	require.NoError(t, err)

	res, err := e.Submit(context.Background(), signedRequest(t, same, OrderRequest{
		OrderID: "own-buy", Base: base, Quote: quote, Side: model.SideBuy, Type: model.OrderTypeLimit,
		Price: d("1.0"), Quantity: d("5"), TimeInForce: model.TimeInForceGTC, Timestamp: 2,
	}))
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.Equal(t, model.OrderStatusPending, res.Status)

	_, asks := e.Snapshot(10)
	require.Len(t, asks, 1)
	assert.True(t, asks[0].Quantity.Equal(d("5")))
}

func TestSettlementFailureCompensatesAndRestsBothOrders(t *testing.T) {
	settler := &fakeSettler{
		errs: []error{errors.New("simulated rpc failure")},
	}
	e := newTestEngine(t, book.PolicySkipMatch, settler)
	seller, _ := keypair.Random()
	buyer, _ := keypair.Random()

	_, err := e.Submit(context.Background(), signedRequest(t, seller, OrderRequest{
		OrderID: "s1", Base: base, Quote: quote, Side: model.SideSell, Type: model.OrderTypeLimit,
		Price: d("1.0"), Quantity: d("10"), TimeInForce: model.TimeInForceGTC, Timestamp: 1,
	}))
	require.NoError(t, err)

	res, err := e.Submit(context.Background(), signedRequest(t, buyer, OrderRequest{
		OrderID: "b1", Base: base, Quote: quote, Side: model.SideBuy, Type: model.OrderTypeLimit,
		Price: d("1.0"), Quantity: d("10"), TimeInForce: model.TimeInForceGTC, Timestamp: 2,
	}))
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, model.SettlementFailed, res.Trades[0].SettlementStatus)

	// Both sides lost their fill and went back to resting, at the tail
	// of their (now-shared) price level.
	bids, asks := e.Snapshot(10)
	require.Len(t, bids, 1)
	require.Len(t, asks, 1)
	assert.True(t, bids[0].Quantity.Equal(d("10")))
	assert.True(t, asks[0].Quantity.Equal(d("10")))

	buyOrder, ok := e.GetOrder("b1")
	require.True(t, ok)
	assert.True(t, buyOrder.FilledQuantity.IsZero())
	assert.Equal(t, model.OrderStatusPending, buyOrder.Status)
}

func TestDuplicateOrderIDRejected(t *testing.T) {
	settler := &fakeSettler{}
	e := newTestEngine(t, book.PolicySkipMatch, settler)
	acct, _ := keypair.Random()

	req := signedRequest(t, acct, OrderRequest{
		OrderID: "dup", Base: base, Quote: quote, Side: model.SideBuy, Type: model.OrderTypeLimit,
		Price: d("1.0"), Quantity: d("1"), TimeInForce: model.TimeInForceGTC, Timestamp: 1,
	})
	_, err := e.Submit(context.Background(), req)
	require.NoError(t, err)

	_, err = e.Submit(context.Background(), req)
	require.Error(t, err)
}

func TestCancelRequiresMatchingSignature(t *testing.T) {
	settler := &fakeSettler{}
	e := newTestEngine(t, book.PolicySkipMatch, settler)
	acct, _ := keypair.Random()
	other, _ := keypair.Random()

	_, err := e.Submit(context.Background(), signedRequest(t, acct, OrderRequest{
		OrderID: "c1", Base: base, Quote: quote, Side: model.SideBuy, Type: model.OrderTypeLimit,
		Price: d("1.0"), Quantity: d("1"), TimeInForce: model.TimeInForceGTC, Timestamp: 1,
	}))
	require.NoError(t, err)

	_, err = e.Cancel("c1", acct.Address(), []byte("not a real signature"))
	assert.Error(t, err)

	// A genuinely signed cancellation succeeds.
	sig := cancelSig(t, acct, "c1")
	order, err := e.Cancel("c1", acct.Address(), sig)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, order.Status)
	_ = other
}
