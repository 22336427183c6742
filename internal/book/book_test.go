package book

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"darkpool-match/internal/model"
)

var testPair = model.Pair{Base: "CXLM...", Quote: "CUSDC..."}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newOrder(id, account string, side model.Side, price, qty string, tif model.TimeInForce) *model.Order {
	return &model.Order{
		OrderID:     id,
		Account:     account,
		Pair:        testPair,
		Side:        side,
		Type:        model.OrderTypeLimit,
		Price:       d(price),
		Quantity:    d(qty),
		TimeInForce: tif,
		Status:      model.OrderStatusPending,
	}
}

func TestAddRestsWhenNoCross(t *testing.T) {
	b := NewBook(testPair, PolicySkipMatch)

	res, err := b.Add(newOrder("o1", "alice", model.SideBuy, "10.00", "5", model.TimeInForceGTC))
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.Equal(t, model.OrderStatusPending, res.FinalStatus)

	bids, asks := b.Snapshot(10)
	require.Len(t, bids, 1)
	assert.True(t, bids[0].Price.Equal(d("10.00")))
	assert.Empty(t, asks)
}

func TestAddMatchesAcrossSpreadPriceTimePriority(t *testing.T) {
	b := NewBook(testPair, PolicySkipMatch)

	_, err := b.Add(newOrder("ask1", "maker1", model.SideSell, "10.00", "3", model.TimeInForceGTC))
	require.NoError(t, err)
	_, err = b.Add(newOrder("ask2", "maker2", model.SideSell, "10.00", "4", model.TimeInForceGTC))
	require.NoError(t, err)

	res, err := b.Add(newOrder("buy1", "taker", model.SideBuy, "10.00", "5", model.TimeInForceGTC))
	require.NoError(t, err)

	require.Len(t, res.Trades, 2)
	assert.Equal(t, "ask1", res.Trades[0].SellOrderID)
	assert.True(t, res.Trades[0].Quantity.Equal(d("3")))
	assert.Equal(t, "ask2", res.Trades[1].SellOrderID)
	assert.True(t, res.Trades[1].Quantity.Equal(d("2")))
	assert.Equal(t, model.OrderStatusFilled, res.FinalStatus)

	resting, ok := b.Get("ask2")
	require.True(t, ok)
	assert.Equal(t, model.OrderStatusPartiallyFilled, resting.Status)
	assert.True(t, resting.Remaining().Equal(d("2")))
}

func TestFOKRejectedWhenUnfillable(t *testing.T) {
	b := NewBook(testPair, PolicySkipMatch)
	_, err := b.Add(newOrder("ask1", "maker1", model.SideSell, "10.00", "3", model.TimeInForceGTC))
	require.NoError(t, err)

	res, err := b.Add(newOrder("buy1", "taker", model.SideBuy, "10.00", "5", model.TimeInForceFOK))
	require.NoError(t, err)

	assert.Equal(t, model.OrderStatusRejected, res.FinalStatus)
	assert.Empty(t, res.Trades)

	// Book must be untouched: the maker's order still rests in full.
	resting, ok := b.Get("ask1")
	require.True(t, ok)
	assert.True(t, resting.Remaining().Equal(d("3")))
}

func TestFOKFillsWhenAchievable(t *testing.T) {
	b := NewBook(testPair, PolicySkipMatch)
	_, err := b.Add(newOrder("ask1", "maker1", model.SideSell, "10.00", "3", model.TimeInForceGTC))
	require.NoError(t, err)
	_, err = b.Add(newOrder("ask2", "maker2", model.SideSell, "10.01", "4", model.TimeInForceGTC))
	require.NoError(t, err)

	res, err := b.Add(newOrder("buy1", "taker", model.SideBuy, "10.01", "5", model.TimeInForceFOK))
	require.NoError(t, err)

	assert.Equal(t, model.OrderStatusFilled, res.FinalStatus)
	require.Len(t, res.Trades, 2)
}

func TestIOCDropsResidual(t *testing.T) {
	b := NewBook(testPair, PolicySkipMatch)
	_, err := b.Add(newOrder("ask1", "maker1", model.SideSell, "10.00", "2", model.TimeInForceGTC))
	require.NoError(t, err)

	res, err := b.Add(newOrder("buy1", "taker", model.SideBuy, "10.00", "5", model.TimeInForceIOC))
	require.NoError(t, err)

	assert.Equal(t, model.OrderStatusPartiallyFilled, res.FinalStatus)
	require.Len(t, res.Trades, 1)

	_, ok := b.Get("buy1")
	assert.False(t, ok, "IOC residual must never rest")
}

func TestSelfTradeSkipMatchLeavesRestingOrderIntact(t *testing.T) {
	b := NewBook(testPair, PolicySkipMatch)
	_, err := b.Add(newOrder("ask1", "alice", model.SideSell, "10.00", "3", model.TimeInForceGTC))
	require.NoError(t, err)
	_, err = b.Add(newOrder("ask2", "bob", model.SideSell, "10.00", "3", model.TimeInForceGTC))
	require.NoError(t, err)

	res, err := b.Add(newOrder("buy1", "alice", model.SideBuy, "10.00", "3", model.TimeInForceGTC))
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, "ask2", res.Trades[0].SellOrderID)
	assert.Equal(t, model.OrderStatusFilled, res.FinalStatus)

	skipped, ok := b.Get("ask1")
	require.True(t, ok, "self-trade candidate must still rest untouched")
	assert.True(t, skipped.Remaining().Equal(d("3")))
}

func TestSelfTradeCancelNewerHaltsIncomingOrder(t *testing.T) {
	b := NewBook(testPair, PolicyCancelNewer)
	_, err := b.Add(newOrder("ask1", "alice", model.SideSell, "10.00", "3", model.TimeInForceGTC))
	require.NoError(t, err)

	res, err := b.Add(newOrder("buy1", "alice", model.SideBuy, "10.00", "3", model.TimeInForceGTC))
	require.NoError(t, err)

	assert.Empty(t, res.Trades)
	assert.Equal(t, model.OrderStatusCancelled, res.FinalStatus)

	_, ok := b.Get("buy1")
	assert.False(t, ok)
	resting, ok := b.Get("ask1")
	require.True(t, ok)
	assert.True(t, resting.Remaining().Equal(d("3")))
}

func TestMarketOrderCrossesAnyPrice(t *testing.T) {
	b := NewBook(testPair, PolicySkipMatch)
	_, err := b.Add(newOrder("ask1", "maker1", model.SideSell, "99.00", "1", model.TimeInForceGTC))
	require.NoError(t, err)

	market := newOrder("buy1", "taker", model.SideBuy, "0", "1", model.TimeInForceIOC)
	market.Type = model.OrderTypeMarket

	res, err := b.Add(market)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.True(t, res.Trades[0].Price.Equal(d("99.00")))
}

func TestMarketOrderPartialFillReportsPartiallyFilledNotRejected(t *testing.T) {
	b := NewBook(testPair, PolicySkipMatch)
	_, err := b.Add(newOrder("ask1", "maker1", model.SideSell, "99.00", "1", model.TimeInForceGTC))
	require.NoError(t, err)

	market := newOrder("buy1", "taker", model.SideBuy, "0", "5", model.TimeInForceIOC)
	market.Type = model.OrderTypeMarket

	res, err := b.Add(market)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.True(t, res.Trades[0].Quantity.Equal(d("1")))
	// Four units of residual never found a match, but one unit did: the
	// order already produced a real, settling trade, so it is reported
	// partially filled rather than rejected outright.
	assert.Equal(t, model.OrderStatusPartiallyFilled, res.FinalStatus)
	assert.True(t, market.Remaining().Equal(d("4")))

	_, ok := b.Get("buy1")
	assert.False(t, ok, "market order residual must never rest")
}

func TestCancelIsIdempotentAndOwnerScoped(t *testing.T) {
	b := NewBook(testPair, PolicySkipMatch)
	_, err := b.Add(newOrder("o1", "alice", model.SideBuy, "10.00", "5", model.TimeInForceGTC))
	require.NoError(t, err)

	result, _ := b.Cancel("o1", "bob")
	assert.Equal(t, CancelNotOwner, result)

	result, order := b.Cancel("o1", "alice")
	assert.Equal(t, CancelOK, result)
	assert.Equal(t, model.OrderStatusCancelled, order.Status)

	result, _ = b.Cancel("o1", "alice")
	assert.Equal(t, CancelNotFound, result)
}

func TestDuplicateOrderIDRejected(t *testing.T) {
	b := NewBook(testPair, PolicySkipMatch)
	order := newOrder("dup", "alice", model.SideBuy, "10.00", "1", model.TimeInForceGTC)
	_, err := b.Add(order)
	require.NoError(t, err)

	_, err = b.Add(newOrder("dup", "alice", model.SideBuy, "10.00", "1", model.TimeInForceGTC))
	require.Error(t, err)
	var dupErr *ErrDuplicateOrderID
	assert.ErrorAs(t, err, &dupErr)
}

func TestRestTailForfeitsTimePriority(t *testing.T) {
	b := NewBook(testPair, PolicySkipMatch)
	first := newOrder("first", "alice", model.SideBuy, "10.00", "5", model.TimeInForceGTC)
	_, err := b.Add(first)
	require.NoError(t, err)

	unwound := newOrder("unwound", "bob", model.SideBuy, "10.00", "2", model.TimeInForceGTC)
	unwound.FilledQuantity = d("0")
	b.RestTail(unwound)

	bids, _ := b.Snapshot(10)
	require.Len(t, bids, 1)
	assert.True(t, bids[0].Quantity.Equal(d("7")))

	// A crossing sell should match "first" before "unwound" despite
	// "unwound" having been re-admitted more recently in wall-clock
	// terms — FIFO position, not account history, decides priority.
	res, err := b.Add(newOrder("sell1", "carol", model.SideSell, "10.00", "7", model.TimeInForceGTC))
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)
	assert.Equal(t, "first", res.Trades[0].BuyOrderID)
	assert.Equal(t, "unwound", res.Trades[1].BuyOrderID)
}
