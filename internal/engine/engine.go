// Package engine wires Admission, the Matcher and Settlement behind
// a per-market actor, the serialization unit spec.md §5 requires:
// every admission, match, cancel and settlement on a market runs on
// that market's own goroutine, reading and replaying its
// command channel one at a time, so cross-market operations never
// block each other.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"yesno-exchange/internal/admission"
	"yesno-exchange/internal/apperr"
	"yesno-exchange/internal/db"
	"yesno-exchange/internal/ledger"
	"yesno-exchange/internal/matcher"
	"yesno-exchange/internal/model"
	"yesno-exchange/internal/orderbook"
	"yesno-exchange/internal/position"
	"yesno-exchange/internal/settlement"
)

// PublishFunc broadcasts a live book/trade update for a market; nil
// when no WS hub is attached.
type PublishFunc func(marketID, msgType string, data any)

// ── Manager ──────────────────────────────────────────

// Manager owns one MarketEngine per market, starting each lazily and
// keeping it running for the life of the process.
type Manager struct {
	mu      sync.RWMutex
	engines map[string]*MarketEngine

	store             *db.Store
	admission         *admission.Admission
	matcher           *matcher.Matcher
	settlement        *settlement.Settlement
	publish           PublishFunc
	queueDepth        int
	settlementTimeout time.Duration
}

// NewManager wires the Manager against store, with settlementTimeout
// bounding how long a single market's Settle call may run before its
// context is cancelled (a settlement iterates every open order and
// position on the market, so an operator-triggered settle on a very
// large market should not be allowed to hang the actor goroutine
// indefinitely). A non-positive settlementTimeout disables the bound.
func NewManager(store *db.Store, l *ledger.Ledger, pos *position.Store, pub PublishFunc, queueDepth int, settlementTimeout time.Duration) *Manager {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &Manager{
		engines:           make(map[string]*MarketEngine),
		store:             store,
		admission:         admission.New(store, l),
		matcher:           matcher.New(store, l, pos),
		settlement:        settlement.New(store, l, pos),
		publish:           pub,
		queueDepth:        queueDepth,
		settlementTimeout: settlementTimeout,
	}
}

// Boot starts an engine for every ACTIVE market, so resting orders
// rejoin their in-memory book across a restart. SUSPENDED markets are
// not started here; their engine starts on first use via getOrStart.
func (m *Manager) Boot(ctx context.Context) error {
	markets, err := m.store.ListActiveMarkets(ctx)
	if err != nil {
		return err
	}
	for _, mkt := range markets {
		if err := m.StartEngine(ctx, mkt.ID); err != nil {
			return fmt.Errorf("boot %s: %w", mkt.ID, err)
		}
	}
	log.Printf("[engine] booted %d market engines", len(markets))
	return nil
}

func (m *Manager) StartEngine(ctx context.Context, marketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.engines[marketID]; ok {
		return nil
	}
	eng, err := newMarketEngine(ctx, marketID, m)
	if err != nil {
		return err
	}
	m.engines[marketID] = eng
	go eng.run(context.Background())
	return nil
}

func (m *Manager) getOrStart(ctx context.Context, marketID string) (*MarketEngine, error) {
	m.mu.RLock()
	eng, ok := m.engines[marketID]
	m.mu.RUnlock()
	if ok {
		return eng, nil
	}
	if err := m.StartEngine(ctx, marketID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engines[marketID], nil
}

// PlaceOrder admits an order then lets that market's actor run the
// matcher against it before replying.
func (m *Manager) PlaceOrder(ctx context.Context, req model.PlaceOrderReq, userID string) (*model.Order, int, error) {
	eng, err := m.getOrStart(ctx, req.MarketID)
	if err != nil {
		return nil, 0, err
	}
	return eng.PlaceOrder(ctx, req, userID)
}

func (m *Manager) CancelOrder(ctx context.Context, marketID, orderID string) (*model.Order, error) {
	eng, err := m.getOrStart(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return eng.CancelOrder(ctx, orderID)
}

// Match is the administrative re-match trigger of spec.md §6.
func (m *Manager) Match(ctx context.Context, marketID string) (int, error) {
	eng, err := m.getOrStart(ctx, marketID)
	if err != nil {
		return 0, err
	}
	return eng.Match(ctx)
}

func (m *Manager) Settle(ctx context.Context, marketID string, outcome model.Outcome) (*model.Market, error) {
	eng, err := m.getOrStart(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return eng.Settle(ctx, outcome)
}

func (m *Manager) SuspendMarket(ctx context.Context, marketID string) (*model.Market, error) {
	eng, err := m.getOrStart(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return eng.Suspend(ctx)
}

func (m *Manager) ResumeMarket(ctx context.Context, marketID string) (*model.Market, error) {
	eng, err := m.getOrStart(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return eng.Resume(ctx)
}

func (m *Manager) BookSnapshot(marketID string) model.BookSnapshot {
	m.mu.RLock()
	eng, ok := m.engines[marketID]
	m.mu.RUnlock()
	if !ok {
		return model.BookSnapshot{Bids: []model.BookLevel{}, Asks: []model.BookLevel{}}
	}
	return eng.bookSnapshot()
}

// ── MarketEngine ─────────────────────────────────────

// MarketEngine is the single-writer actor for one market: its book
// and every operation below run exclusively on its own goroutine.
type MarketEngine struct {
	marketID string
	book     *orderbook.Book
	cmdCh    chan command

	mgr *Manager
}

func newMarketEngine(ctx context.Context, marketID string, mgr *Manager) (*MarketEngine, error) {
	book := orderbook.New()
	orders, err := mgr.store.GetOpenOrders(ctx, marketID)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		o := &orders[i]
		book.Add(&orderbook.Entry{
			OrderID:      o.ID,
			UserID:       o.UserID,
			Side:         o.Side,
			Price:        o.Price,
			RemainingQty: o.RemainingQty(),
			CreatedAt:    o.CreatedAt,
		})
	}
	log.Printf("[engine] market %s: loaded %d resting orders", marketID, len(orders))
	return &MarketEngine{
		marketID: marketID,
		book:     book,
		cmdCh:    make(chan command, mgr.queueDepth),
		mgr:      mgr,
	}, nil
}

func (e *MarketEngine) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmdCh:
			cmd.exec(e)
		}
	}
}

func (e *MarketEngine) bookSnapshot() model.BookSnapshot { return e.book.Snapshot(20) }

// ── Commands ─────────────────────────────────────────
// Every public method below sends a command onto cmdCh and blocks on
// a reply channel, so concurrent callers still only ever touch the
// book and its matching loop from the engine's own goroutine.

type command interface{ exec(e *MarketEngine) }

type placeResult struct {
	order   *model.Order
	matches int
	err     error
}

type placeCmd struct {
	ctx    context.Context
	req    model.PlaceOrderReq
	userID string
	ch     chan<- placeResult
}

type cancelResult struct {
	order *model.Order
	err   error
}

type cancelCmd struct {
	ctx     context.Context
	orderID string
	ch      chan<- cancelResult
}

type matchResult struct {
	matches int
	err     error
}

type matchCmd struct {
	ctx context.Context
	ch  chan<- matchResult
}

type settleResult struct {
	market *model.Market
	err    error
}

type settleCmd struct {
	ctx     context.Context
	outcome model.Outcome
	ch      chan<- settleResult
}

func (c placeCmd) exec(e *MarketEngine) {
	order, matches, err := e.processOrder(c.ctx, c.req, c.userID)
	c.ch <- placeResult{order: order, matches: matches, err: err}
}

func (c cancelCmd) exec(e *MarketEngine) {
	order, err := e.processCancel(c.ctx, c.orderID)
	c.ch <- cancelResult{order: order, err: err}
}

func (c matchCmd) exec(e *MarketEngine) {
	n, err := e.processMatch(c.ctx)
	c.ch <- matchResult{matches: n, err: err}
}

func (c settleCmd) exec(e *MarketEngine) {
	market, err := e.processSettle(c.ctx, c.outcome)
	c.ch <- settleResult{market: market, err: err}
}

type transitionResult struct {
	market *model.Market
	err    error
}

type suspendCmd struct {
	ctx context.Context
	ch  chan<- transitionResult
}

type resumeCmd struct {
	ctx context.Context
	ch  chan<- transitionResult
}

func (c suspendCmd) exec(e *MarketEngine) {
	m, err := e.mgr.admission.SuspendMarket(c.ctx, e.marketID)
	c.ch <- transitionResult{market: m, err: err}
}

func (c resumeCmd) exec(e *MarketEngine) {
	m, err := e.mgr.admission.ResumeMarket(c.ctx, e.marketID)
	c.ch <- transitionResult{market: m, err: err}
}

func (e *MarketEngine) Suspend(ctx context.Context) (*model.Market, error) {
	ch := make(chan transitionResult, 1)
	e.cmdCh <- suspendCmd{ctx: ctx, ch: ch}
	r := <-ch
	return r.market, r.err
}

func (e *MarketEngine) Resume(ctx context.Context) (*model.Market, error) {
	ch := make(chan transitionResult, 1)
	e.cmdCh <- resumeCmd{ctx: ctx, ch: ch}
	r := <-ch
	return r.market, r.err
}

// PlaceOrder admits req then runs the matcher against the resulting
// book, all on this market's actor goroutine.
func (e *MarketEngine) PlaceOrder(ctx context.Context, req model.PlaceOrderReq, userID string) (*model.Order, int, error) {
	ch := make(chan placeResult, 1)
	e.cmdCh <- placeCmd{ctx: ctx, req: req, userID: userID, ch: ch}
	r := <-ch
	return r.order, r.matches, r.err
}

func (e *MarketEngine) CancelOrder(ctx context.Context, orderID string) (*model.Order, error) {
	ch := make(chan cancelResult, 1)
	e.cmdCh <- cancelCmd{ctx: ctx, orderID: orderID, ch: ch}
	r := <-ch
	return r.order, r.err
}

func (e *MarketEngine) Match(ctx context.Context) (int, error) {
	ch := make(chan matchResult, 1)
	e.cmdCh <- matchCmd{ctx: ctx, ch: ch}
	r := <-ch
	return r.matches, r.err
}

func (e *MarketEngine) Settle(ctx context.Context, outcome model.Outcome) (*model.Market, error) {
	ch := make(chan settleResult, 1)
	e.cmdCh <- settleCmd{ctx: ctx, outcome: outcome, ch: ch}
	r := <-ch
	return r.market, r.err
}

// ── Operation bodies (run only on the actor goroutine) ──────────────

func (e *MarketEngine) processOrder(ctx context.Context, req model.PlaceOrderReq, userID string) (*model.Order, int, error) {
	order, err := e.mgr.admission.PlaceOrder(ctx, req, userID)
	if err != nil {
		return nil, 0, err
	}
	e.book.Add(&orderbook.Entry{
		OrderID:      order.ID,
		UserID:       order.UserID,
		Side:         order.Side,
		Price:        order.Price,
		RemainingQty: order.RemainingQty(),
		CreatedAt:    order.CreatedAt,
	})

	n, err := e.mgr.matcher.Run(ctx, e.book, e.marketID)
	if err != nil {
		return order, n, err
	}

	refreshed, err := e.mgr.store.GetOrder(ctx, order.ID)
	if err == nil && refreshed != nil {
		order = refreshed
	}
	e.publishBook()
	return order, n, nil
}

func (e *MarketEngine) processCancel(ctx context.Context, orderID string) (*model.Order, error) {
	order, err := e.mgr.admission.Cancel(ctx, orderID)
	if err != nil {
		return nil, err
	}
	e.book.Remove(orderID)
	e.publishBook()
	return order, nil
}

func (e *MarketEngine) processSettle(ctx context.Context, outcome model.Outcome) (*model.Market, error) {
	if e.mgr.settlementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.mgr.settlementTimeout)
		defer cancel()
	}
	market, err := e.mgr.settlement.Settle(ctx, e.marketID, outcome)
	if err != nil {
		return nil, err
	}
	e.book = orderbook.New() // market is read-only from here on
	e.publishBook()
	return market, nil
}

// processMatch is the administrative re-match trigger: unlike
// processOrder it has no preceding admission step, so it validates
// the market is still open before draining the book.
func (e *MarketEngine) processMatch(ctx context.Context) (int, error) {
	market, err := e.mgr.store.GetMarket(ctx, e.marketID)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "load market", err)
	}
	if market == nil {
		return 0, apperr.NotFoundf("market %s not found", e.marketID)
	}
	if market.State != model.MarketActive {
		return 0, apperr.IllegalStatef("market %s is not ACTIVE", e.marketID)
	}

	n, err := e.mgr.matcher.Run(ctx, e.book, e.marketID)
	if err != nil {
		return n, err
	}
	e.publishBook()
	return n, nil
}

func (e *MarketEngine) publishBook() {
	if e.mgr.publish == nil {
		return
	}
	e.mgr.publish(e.marketID, "book_snapshot", e.book.Snapshot(20))
}
