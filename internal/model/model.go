// Package model defines the data types shared across the matching core:
// orders, trades, asset pairs, and their enumerated fields. It has no
// dependencies on any other internal package so every component can
// import it without risking an import cycle.
package model

import (
	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType distinguishes limit orders (which carry a price) from
// market orders (which cross at whatever price is available).
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// TimeInForce controls how a residual (unmatched) quantity is handled.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderStatus is the lifecycle state of an order. Filled, Cancelled and
// Rejected are terminal.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether the status is one the order can never leave.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Pair is an asset pair identified by the resolved on-chain contract
// addresses of its base and quote tokens, read from the settlement
// contract once at startup. The engine compares the base/quote a client
// submits directly against these addresses; short symbols such as
// "XLM" or "USDC" are not resolved and do not match.
type Pair struct {
	Base  string
	Quote string
}

// Order is a single limit or market order, at any point in its
// lifecycle. Only the matching engine mutates an Order after admission.
type Order struct {
	OrderID        string
	Account        string // Ed25519 account address, Stellar strkey "G..." form
	Pair           Pair
	Side           Side
	Type           OrderType
	Price          decimal.Decimal // zero/ignored for Type == OrderTypeMarket
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	TimeInForce    TimeInForce
	Timestamp      int64 // client-supplied seconds; copied onto trades it takes as taker, never used for book ordering
	Sequence       uint64
	Status         OrderStatus
	Signature      []byte
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Clone returns a value copy safe to hand outside the engine's lock.
func (o *Order) Clone() *Order {
	cp := *o
	return &cp
}

// Trade is an immutable record of one match between a resting (maker)
// and an incoming (taker) order.
type Trade struct {
	TradeID     [32]byte
	BuyOrderID  string
	SellOrderID string
	BuyAccount  string
	SellAccount string
	Pair        Pair
	Price       decimal.Decimal // maker's price
	Quantity    decimal.Decimal
	Timestamp   int64
}

// SettlementStatus reports what happened when a trade was submitted to
// the contract.
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
	SettlementSettled SettlementStatus = "settled"
	SettlementFailed  SettlementStatus = "failed"
)

// SettledTrade pairs a Trade with the outcome of its settlement
// attempt: an explicit settlement status per trade rather than a bare
// boolean. The engine itself reports outcomes as engine.TradeOutcome.
type SettledTrade struct {
	Trade
	SettlementStatus SettlementStatus
	TxID             string
}
