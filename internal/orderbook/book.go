// Package orderbook is the in-memory, per-market limit order book:
// price levels keyed by fixed-point tick, FIFO within a level for
// price-time priority. It holds no locks of its own — callers run it
// under the single-writer serialization internal/engine gives each
// market.
package orderbook

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"yesno-exchange/internal/model"
	"yesno-exchange/internal/money"
)

// Entry is a resting order in the book.
type Entry struct {
	OrderID      string
	UserID       string
	Side         model.Side
	Price        decimal.Decimal
	RemainingQty int
	CreatedAt    time.Time
}

// Before reports time-priority: e occurred strictly before o, tying
// on OrderID for a total order when timestamps collide.
func (e *Entry) Before(o *Entry) bool {
	if !e.CreatedAt.Equal(o.CreatedAt) {
		return e.CreatedAt.Before(o.CreatedAt)
	}
	return e.OrderID < o.OrderID
}

// Level is a price level with a FIFO queue of orders.
type Level struct {
	Price  decimal.Decimal
	Orders []*Entry
}

func (l *Level) TotalQty() int {
	t := 0
	for _, o := range l.Orders {
		t += o.RemainingQty
	}
	return t
}

// Book is an in-memory limit order book for a single market.
type Book struct {
	bids     map[int64]*Level // tick -> Level
	asks     map[int64]*Level
	bidTicks []int64 // sorted descending (best bid first)
	askTicks []int64 // sorted ascending (best ask first)
	index    map[string]*Entry
}

func New() *Book {
	return &Book{
		bids:  make(map[int64]*Level),
		asks:  make(map[int64]*Level),
		index: make(map[string]*Entry),
	}
}

// ── Queries ──────────────────────────────────────────

func (b *Book) Size() int { return len(b.index) }

// TopBid returns the oldest resting order at the best bid price, the
// maker candidate for a crossing match.
func (b *Book) TopBid() *Entry {
	if len(b.bidTicks) == 0 {
		return nil
	}
	level := b.bids[b.bidTicks[0]]
	if len(level.Orders) == 0 {
		return nil
	}
	return level.Orders[0]
}

// TopAsk returns the oldest resting order at the best ask price.
func (b *Book) TopAsk() *Entry {
	if len(b.askTicks) == 0 {
		return nil
	}
	level := b.asks[b.askTicks[0]]
	if len(level.Orders) == 0 {
		return nil
	}
	return level.Orders[0]
}

// BestAskExcluding returns the best-priced, oldest resting ask not
// owned by userID — the matcher's self-trade-prevention fallback when
// TopBid and TopAsk belong to the same user.
func (b *Book) BestAskExcluding(userID string) *Entry {
	for _, tick := range b.askTicks {
		for _, e := range b.asks[tick].Orders {
			if e.UserID != userID {
				return e
			}
		}
	}
	return nil
}

func (b *Book) Snapshot(depth int) model.BookSnapshot {
	var out model.BookSnapshot
	for i := 0; i < len(b.bidTicks) && i < depth; i++ {
		t := b.bidTicks[i]
		out.Bids = append(out.Bids, model.BookLevel{Price: money.FromTick(t), Qty: b.bids[t].TotalQty()})
	}
	for i := 0; i < len(b.askTicks) && i < depth; i++ {
		t := b.askTicks[i]
		out.Asks = append(out.Asks, model.BookLevel{Price: money.FromTick(t), Qty: b.asks[t].TotalQty()})
	}
	if out.Bids == nil {
		out.Bids = []model.BookLevel{}
	}
	if out.Asks == nil {
		out.Asks = []model.BookLevel{}
	}
	return out
}

// ── Add / Remove ─────────────────────────────────────

func (b *Book) Add(e *Entry) {
	if _, exists := b.index[e.OrderID]; exists {
		return
	}
	b.index[e.OrderID] = e
	if e.Side == model.SideBuy {
		b.addToSide(b.bids, &b.bidTicks, e, false) // desc: best bid first
	} else {
		b.addToSide(b.asks, &b.askTicks, e, true) // asc: best ask first
	}
}

func (b *Book) Remove(orderID string) *Entry {
	e, ok := b.index[orderID]
	if !ok {
		return nil
	}
	delete(b.index, orderID)
	if e.Side == model.SideBuy {
		b.removeFromSide(b.bids, &b.bidTicks, e)
	} else {
		b.removeFromSide(b.asks, &b.askTicks, e)
	}
	return e
}

// ── Matching ─────────────────────────────────────────

// ApplyFill reduces a resting order's remaining qty, removing it from
// the book once fully filled. Returns the remaining qty after fill.
func (b *Book) ApplyFill(orderID string, fillQty int) int {
	e := b.index[orderID]
	if e == nil {
		return 0
	}
	e.RemainingQty -= fillQty
	if e.RemainingQty <= 0 {
		b.Remove(orderID)
		return 0
	}
	return e.RemainingQty
}

// ── Internals ────────────────────────────────────────

func (b *Book) addToSide(m map[int64]*Level, ticks *[]int64, e *Entry, asc bool) {
	tick := money.Tick(e.Price)
	level, ok := m[tick]
	if !ok {
		level = &Level{Price: e.Price}
		m[tick] = level
		*ticks = append(*ticks, tick)
		if asc {
			sort.Slice(*ticks, func(i, j int) bool { return (*ticks)[i] < (*ticks)[j] })
		} else {
			sort.Slice(*ticks, func(i, j int) bool { return (*ticks)[i] > (*ticks)[j] })
		}
	}
	level.Orders = append(level.Orders, e)
}

func (b *Book) removeFromSide(m map[int64]*Level, ticks *[]int64, e *Entry) {
	tick := money.Tick(e.Price)
	level, ok := m[tick]
	if !ok {
		return
	}
	for i, o := range level.Orders {
		if o.OrderID == e.OrderID {
			level.Orders = append(level.Orders[:i], level.Orders[i+1:]...)
			break
		}
	}
	if len(level.Orders) == 0 {
		delete(m, tick)
		for i, t := range *ticks {
			if t == tick {
				*ticks = append((*ticks)[:i], (*ticks)[i+1:]...)
				break
			}
		}
	}
}
