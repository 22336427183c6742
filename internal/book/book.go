// Package book implements the per-pair price-time priority order book.
// A Book is not internally synchronized: the matching engine serializes
// all mutation through its own global matching mutex, so the book does
// not need — and deliberately does not take — a lock of its own.
package book

import (
	"container/list"

	rbt "github.com/emirpasic/gods/v2/trees/redblacktree"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"darkpool-match/internal/model"
)

// SelfTradePolicy selects how a crossing pair of orders from the same
// account is handled, configured via SELF_TRADE_POLICY.
type SelfTradePolicy string

const (
	// PolicySkipMatch is the default: the resting order is skipped for
	// this pass (left intact) and the walk continues to the next
	// order at the level.
	PolicySkipMatch SelfTradePolicy = "skip-match"
	// PolicyCancelNewer halts the incoming order's matching the
	// instant a self-trade is encountered. Because resting orders are
	// always admitted (and sequenced) before the incoming order that
	// crosses them, "newer" always resolves to the incoming order: its
	// unmatched remainder is dropped regardless of time-in-force, and
	// its final status reflects only what it filled before the
	// self-trade was hit.
	PolicyCancelNewer SelfTradePolicy = "cancel-newer"
)

// Level is one price level: a FIFO queue of resting orders plus the
// aggregate remaining quantity, kept in sync incrementally so
// Snapshot never has to re-sum the queue.
type Level struct {
	Price    decimal.Decimal
	Orders   *list.List // of *model.Order, oldest (best time priority) first
	Quantity decimal.Decimal
}

type indexEntry struct {
	side  model.Side
	level *Level
	elem  *list.Element
}

// Book is the order book for one asset pair.
type Book struct {
	Pair   model.Pair
	Policy SelfTradePolicy

	bids  *rbt.Tree[decimal.Decimal, *Level] // comparator descending: Keys() best (highest) price first
	asks  *rbt.Tree[decimal.Decimal, *Level] // comparator ascending: Keys() best (lowest) price first
	index map[string]*indexEntry
}

func bidComparator(a, b decimal.Decimal) int { return b.Cmp(a) } // descending
func askComparator(a, b decimal.Decimal) int { return a.Cmp(b) } // ascending

// NewBook creates an empty book for pair.
func NewBook(pair model.Pair, policy SelfTradePolicy) *Book {
	if policy == "" {
		policy = PolicySkipMatch
	}
	return &Book{
		Pair:   pair,
		Policy: policy,
		bids:   rbt.NewWith[decimal.Decimal, *Level](bidComparator),
		asks:   rbt.NewWith[decimal.Decimal, *Level](askComparator),
		index:  make(map[string]*indexEntry),
	}
}

func (b *Book) treeFor(side model.Side) *rbt.Tree[decimal.Decimal, *Level] {
	if side == model.SideBuy {
		return b.bids
	}
	return b.asks
}

func (b *Book) oppositeTree(side model.Side) *rbt.Tree[decimal.Decimal, *Level] {
	if side == model.SideBuy {
		return b.asks
	}
	return b.bids
}

// levelFor returns (creating if needed) the level at price on the given side's tree.
func levelFor(tree *rbt.Tree[decimal.Decimal, *Level], price decimal.Decimal) *Level {
	if lvl, ok := tree.Get(price); ok {
		return lvl
	}
	lvl := &Level{Price: price, Orders: list.New(), Quantity: decimal.Zero}
	tree.Put(price, lvl)
	return lvl
}

// restAtTail inserts order at the tail of its price level's FIFO queue
// and records it in the secondary index. Used both by normal resting
// (new orders) and by the engine's settlement-failure compensation
// path, which re-inserts orders at the tail deliberately to forfeit
// their former time priority.
func (b *Book) restAtTail(order *model.Order) {
	tree := b.treeFor(order.Side)
	lvl := levelFor(tree, order.Price)
	elem := lvl.Orders.PushBack(order)
	lvl.Quantity = lvl.Quantity.Add(order.Remaining())
	b.index[order.OrderID] = &indexEntry{side: order.Side, level: lvl, elem: elem}
}

// removeElem removes a resting order's element from its level,
// dropping the level entirely once it is empty.
func (b *Book) removeElem(order *model.Order, entry *indexEntry) {
	entry.level.Orders.Remove(entry.elem)
	entry.level.Quantity = entry.level.Quantity.Sub(order.Remaining())
	if entry.level.Orders.Len() == 0 {
		b.treeFor(order.Side).Remove(order.Price)
	}
	delete(b.index, order.OrderID)
}

// AddResult is the outcome of Add.
type AddResult struct {
	Trades      []model.Trade
	FinalStatus model.OrderStatus
}

// ErrDuplicateOrderID is returned by Add when order.OrderID already
// rests in (or is indexed by) this book.
type ErrDuplicateOrderID struct{ OrderID string }

func (e *ErrDuplicateOrderID) Error() string { return "duplicate order id: " + e.OrderID }

// Add matches an incoming order against the opposite side and, for
// GTC orders with a residual, rests it. The caller (the engine) is
// responsible for everything upstream (admission, sequencing) and
// downstream (settlement) of this call; Add only ever touches book
// state and the order's own Filled/Status fields.
func (b *Book) Add(order *model.Order) (AddResult, error) {
	if _, exists := b.index[order.OrderID]; exists {
		return AddResult{}, &ErrDuplicateOrderID{OrderID: order.OrderID}
	}

	if order.TimeInForce == model.TimeInForceFOK {
		if !b.fokAchievable(order) {
			order.Status = model.OrderStatusRejected
			return AddResult{FinalStatus: model.OrderStatusRejected}, nil
		}
	}

	trades, selfTradeHalted := b.match(order)

	switch {
	case order.Remaining().IsZero():
		order.Status = model.OrderStatusFilled
	case order.TimeInForce == model.TimeInForceGTC && order.Type == model.OrderTypeLimit && !selfTradeHalted:
		b.restAtTail(order)
		if len(trades) > 0 {
			order.Status = model.OrderStatusPartiallyFilled
		} else {
			order.Status = model.OrderStatusPending
		}
	default:
		// IOC, FOK (already matched fully or it would have been
		// rejected above), Market, or a cancel-newer self-trade halt:
		// the residual is dropped, never rests.
		if len(trades) > 0 {
			order.Status = model.OrderStatusPartiallyFilled
		} else if order.TimeInForce == model.TimeInForceIOC || selfTradeHalted {
			order.Status = model.OrderStatusCancelled
		} else {
			order.Status = model.OrderStatusRejected
		}
	}

	return AddResult{Trades: trades, FinalStatus: order.Status}, nil
}

// RestTail is the compensation-path entry point: re-insert a partially
// unwound order at its original price, at the tail of that level,
// forfeiting its former time priority.
func (b *Book) RestTail(order *model.Order) {
	order.Status = model.OrderStatusPending
	if order.FilledQuantity.Sign() > 0 {
		order.Status = model.OrderStatusPartiallyFilled
	}
	b.restAtTail(order)
}

// CancelResult is the outcome of Cancel.
type CancelResult int

const (
	CancelOK CancelResult = iota
	CancelNotFound
	CancelNotOwner
)

// Cancel removes a resting order. Cancelling an order that is not
// resting (already terminal, or never existed) is idempotent and
// returns CancelNotFound — the engine treats "already terminal" and
// "never existed" identically at this layer.
func (b *Book) Cancel(orderID, account string) (CancelResult, *model.Order) {
	entry, ok := b.index[orderID]
	if !ok {
		return CancelNotFound, nil
	}
	order := findInLevel(entry)
	if order.Account != account {
		return CancelNotOwner, nil
	}
	b.removeElem(order, entry)
	order.Status = model.OrderStatusCancelled
	return CancelOK, order
}

func findInLevel(entry *indexEntry) *model.Order {
	return entry.elem.Value.(*model.Order)
}

// Get returns the resting order with id, if any.
func (b *Book) Get(orderID string) (*model.Order, bool) {
	entry, ok := b.index[orderID]
	if !ok {
		return nil, false
	}
	return findInLevel(entry), true
}

// LevelView is a read-only, account-free aggregate view of one price
// level, used for Snapshot.
type LevelView struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Count    int
}

// Snapshot returns the top depth levels per side, best price first.
func (b *Book) Snapshot(depth int) (bids, asks []LevelView) {
	return snapshotSide(b.bids, depth), snapshotSide(b.asks, depth)
}

// snapshotSide relies on Keys() returning prices in the tree's own
// comparator order, which for both bids (descending comparator) and
// asks (ascending comparator) means best price first.
func snapshotSide(tree *rbt.Tree[decimal.Decimal, *Level], depth int) []LevelView {
	keys := tree.Keys()
	out := make([]LevelView, 0, min(depth, len(keys)))
	for _, price := range keys {
		if len(out) >= depth {
			break
		}
		lvl, ok := tree.Get(price)
		if !ok {
			continue
		}
		out = append(out, LevelView{Price: lvl.Price, Quantity: lvl.Quantity, Count: lvl.Orders.Len()})
	}
	return out
}

// priceCrosses reports whether taker's limit would cross a resting
// order at restingPrice. Market orders have no limit — treated as
// +infinity on the buy side and zero on the sell side — so they
// cross everything.
func priceCrosses(taker *model.Order, restingPrice decimal.Decimal) bool {
	if taker.Type == model.OrderTypeMarket {
		return true
	}
	if taker.Side == model.SideBuy {
		return taker.Price.GreaterThanOrEqual(restingPrice)
	}
	return taker.Price.LessThanOrEqual(restingPrice)
}

func buildTrade(taker, maker *model.Order, qty decimal.Decimal) model.Trade {
	t := model.Trade{
		TradeID:   uuidTradeID(),
		Pair:      taker.Pair,
		Price:     maker.Price,
		Quantity:  qty,
		Timestamp: taker.Timestamp,
	}
	if taker.Side == model.SideBuy {
		t.BuyOrderID, t.BuyAccount = taker.OrderID, taker.Account
		t.SellOrderID, t.SellAccount = maker.OrderID, maker.Account
	} else {
		t.SellOrderID, t.SellAccount = taker.OrderID, taker.Account
		t.BuyOrderID, t.BuyAccount = maker.OrderID, maker.Account
	}
	return t
}

// match walks the opposite side of the book best-price-first,
// executing trades against taker until it is filled, the book runs
// out of crossing levels, or (cancel-newer policy only) a self-trade
// is hit and the walk is halted outright.
func (b *Book) match(taker *model.Order) (trades []model.Trade, selfTradeHalted bool) {
	oppTree := b.oppositeTree(taker.Side)

	for _, price := range oppTree.Keys() {
		if taker.Remaining().IsZero() {
			break
		}
		lvl, ok := oppTree.Get(price)
		if !ok || lvl.Orders.Len() == 0 {
			continue
		}
		if !priceCrosses(taker, price) {
			break
		}

		e := lvl.Orders.Front()
		for e != nil && !taker.Remaining().IsZero() {
			maker := e.Value.(*model.Order)
			next := e.Next()

			if maker.Account == taker.Account {
				if b.Policy == PolicyCancelNewer {
					return trades, true
				}
				e = next
				continue
			}

			qty := decimal.Min(taker.Remaining(), maker.Remaining())
			trades = append(trades, buildTrade(taker, maker, qty))
			taker.FilledQuantity = taker.FilledQuantity.Add(qty)
			maker.FilledQuantity = maker.FilledQuantity.Add(qty)
			lvl.Quantity = lvl.Quantity.Sub(qty)

			if maker.Remaining().IsZero() {
				maker.Status = model.OrderStatusFilled
				lvl.Orders.Remove(e)
				delete(b.index, maker.OrderID)
			} else {
				maker.Status = model.OrderStatusPartiallyFilled
			}
			e = next
		}

		if lvl.Orders.Len() == 0 {
			oppTree.Remove(price)
		}
	}

	return trades, false
}

// fokAchievable pre-scans the book, without mutating anything, to
// decide whether taker's full remaining quantity could be filled
// right now. A fill-or-kill order must be rejected outright, with
// zero effect on the book, unless its entire quantity can be matched
// immediately, so the scan honours the same price limit and
// self-trade policy the real match pass would apply.
func (b *Book) fokAchievable(taker *model.Order) bool {
	oppTree := b.oppositeTree(taker.Side)
	need := taker.Remaining()
	got := decimal.Zero

	for _, price := range oppTree.Keys() {
		if got.GreaterThanOrEqual(need) {
			break
		}
		lvl, ok := oppTree.Get(price)
		if !ok {
			continue
		}
		if !priceCrosses(taker, price) {
			break
		}
		for e := lvl.Orders.Front(); e != nil; e = e.Next() {
			maker := e.Value.(*model.Order)
			if maker.Account == taker.Account {
				if b.Policy == PolicyCancelNewer {
					return got.GreaterThanOrEqual(need)
				}
				continue
			}
			got = got.Add(maker.Remaining())
			if got.GreaterThanOrEqual(need) {
				break
			}
		}
	}

	return got.GreaterThanOrEqual(need)
}

// uuidTradeID derives a 32-byte engine-generated trade identifier from
// two concatenated random UUIDs. uuid.NewRandom draws 16 bytes from
// crypto/rand per call, so two draws give a full 32 random bytes.
func uuidTradeID() [32]byte {
	var id [32]byte
	a, _ := uuid.NewRandom()
	c, _ := uuid.NewRandom()
	copy(id[0:16], a[:])
	copy(id[16:32], c[:])
	return id
}
