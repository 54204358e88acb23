// Package model holds the domain entities shared by the trading engine
// and its HTTP boundary: events, markets, orders, wallets, positions
// and the append-only transaction log.
package model

import (
	"time"

	"github.com/shopspring/decimal"
	"yesno-exchange/internal/money"
)

// ── Enums ────────────────────────────────────────────

type EventState string

const (
	EventOpen    EventState = "OPEN"
	EventClosed  EventState = "CLOSED"
	EventSettled EventState = "SETTLED"
)

type MarketState string

const (
	MarketActive    MarketState = "ACTIVE"
	MarketSuspended MarketState = "SUSPENDED"
	MarketSettled   MarketState = "SETTLED"
)

type Side string

const (
	SideBuy  Side = "BUY"  // buy YES shares
	SideSell Side = "SELL" // buy NO shares
)

type OrderState string

const (
	OrderPending         OrderState = "PENDING"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCancelled       OrderState = "CANCELLED"
)

// Outcome is the binary resolution of a market.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

type TxnType string

const (
	TxnDeposit        TxnType = "DEPOSIT"
	TxnWithdrawal     TxnType = "WITHDRAWAL"
	TxnOrderPlaced    TxnType = "ORDER_PLACED"
	TxnOrderExecuted  TxnType = "ORDER_EXECUTED"
	TxnOrderCancelled TxnType = "ORDER_CANCELLED"
	TxnSettlement     TxnType = "SETTLEMENT"
)

// ── Domain objects ───────────────────────────────────

// Event is read by the engine only for its identifier and state; the
// rest of the CRUD around it (title, description, comments) is an
// external collaborator's concern.
type Event struct {
	ID          string     `json:"id" db:"id"`
	Title       string     `json:"title" db:"title"`
	Description string     `json:"description" db:"description"`
	State       EventState `json:"state" db:"state"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
}

// Market is an independent order book for one binary outcome of an
// Event. LastPrice is nil until the first execution.
type Market struct {
	ID        string           `json:"id" db:"id"`
	EventID   string           `json:"eventId" db:"event_id"`
	Outcome   string           `json:"outcome" db:"outcome_label"`
	State     MarketState      `json:"state" db:"state"`
	LastPrice *decimal.Decimal `json:"lastPrice" db:"last_price"`
	CreatedAt time.Time        `json:"createdAt" db:"created_at"`
}

// Order is a resting or terminal limit order for YES/NO shares,
// expressed uniformly as a YES-price per spec.md §3.
type Order struct {
	ID             string           `json:"id" db:"id"`
	UserID         string           `json:"userId" db:"user_id"`
	MarketID       string           `json:"marketId" db:"market_id"`
	Side           Side             `json:"side" db:"side"`
	Price          decimal.Decimal  `json:"price" db:"price"`
	Quantity       int              `json:"quantity" db:"quantity"`
	FilledQuantity int              `json:"filledQuantity" db:"filled_quantity"`
	State          OrderState       `json:"state" db:"state"`
	ExecutionPrice *decimal.Decimal `json:"executionPrice" db:"execution_price"`
	LockedAmount   decimal.Decimal  `json:"lockedAmount" db:"locked_amount"`
	CreatedAt      time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time        `json:"updatedAt" db:"updated_at"`
}

// RemainingQty is the unfilled portion of the order.
func (o *Order) RemainingQty() int { return o.Quantity - o.FilledQuantity }

// IsLive reports whether the order can still rest on a book or cancel.
func (o *Order) IsLive() bool {
	return o.State == OrderPending || o.State == OrderPartiallyFilled
}

// Wallet is the single per-user ledger balance: available funds plus
// funds locked against open orders.
type Wallet struct {
	UserID    string          `json:"userId" db:"user_id"`
	Available decimal.Decimal `json:"available" db:"available"`
	Locked    decimal.Decimal `json:"locked" db:"locked"`
}

// Total is the wallet's full balance, available and locked together.
func (w Wallet) Total() decimal.Decimal { return w.Available.Add(w.Locked) }

// Position is a user's YES/NO share holding in one market, tracked as
// a weighted-average cost per side rather than individual lots.
type Position struct {
	UserID     string           `json:"userId" db:"user_id"`
	MarketID   string           `json:"marketId" db:"market_id"`
	YesShares  int              `json:"yesShares" db:"yes_shares"`
	NoShares   int              `json:"noShares" db:"no_shares"`
	AvgYesCost *decimal.Decimal `json:"avgYesCost" db:"avg_yes_cost"`
	AvgNoCost  *decimal.Decimal `json:"avgNoCost" db:"avg_no_cost"`
}

// NetExposure is yesShares - noShares.
func (p Position) NetExposure() int { return p.YesShares - p.NoShares }

// Transaction is an append-only audit record of a monetary event.
type Transaction struct {
	ID          int64           `json:"id" db:"id"`
	UserID      string          `json:"userId" db:"user_id"`
	Type        TxnType         `json:"type" db:"type"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	OrderID     *string         `json:"orderId,omitempty" db:"order_id"`
	Description string          `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
}

// ── Request/response shapes for the admission boundary ──────────────

// PlaceOrderReq is the input to Admission.PlaceOrder.
type PlaceOrderReq struct {
	MarketID string          `json:"marketId"`
	Side     Side            `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

// BookLevel is one aggregated price level of a market's order book.
type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   int             `json:"qty"`
}

// BookSnapshot is a point-in-time view of a market's live orders.
type BookSnapshot struct {
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
}

// CalcRequiredFunds computes the funds Admission must lock before an
// order can rest, per spec.md §4.2. BUY locks price*qty (the YES
// purchase cost); SELL locks (1-price)*qty (the complementary NO
// purchase cost). This engine charges no taker/maker fee.
func CalcRequiredFunds(side Side, price decimal.Decimal, qty int) decimal.Decimal {
	q := decimal.NewFromInt(int64(qty))
	if side == SideBuy {
		return money.Round4(price.Mul(q))
	}
	return money.Round4(money.Invert(price).Mul(q))
}
