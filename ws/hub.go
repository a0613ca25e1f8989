// Package ws fans engine, risk, funding and liquidation events out to
// websocket subscribers. The hub owns subscription state and the latest
// depth snapshots; a pusher goroutine emits the periodic market frames and
// drives the kline machine. Everything a loop publishes is cached or
// broadcast without blocking: a subscriber that cannot keep up is dropped,
// never waited on.
package ws

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/book"
	"github.com/openalpha/perp-engine/metrics"
	"github.com/openalpha/perp-engine/repo"
	"github.com/openalpha/perp-engine/types"
)

// Hub tracks connected clients and their subscriptions: a token set for
// market frames, at most one trader for account frames, and a risk flag.
type Hub struct {
	repos   *repo.Repos
	markets map[string]types.MarketConfig
	metrics *metrics.Collector
	logger  log.Logger
	now     func() time.Time

	klines *klineMachine

	mu       sync.RWMutex
	clients  map[*Client]bool
	byToken  map[string]map[*Client]bool
	byTrader map[string]map[*Client]bool
	risk     map[*Client]bool

	depthMu sync.RWMutex
	depth   map[string]book.Snapshot
}

// NewHub wires a hub over the repositories. collector may be nil.
func NewHub(repos *repo.Repos, markets map[string]types.MarketConfig, collector *metrics.Collector, logger log.Logger) *Hub {
	h := &Hub{
		repos:    repos,
		markets:  markets,
		metrics:  collector,
		logger:   logger.With("module", "ws"),
		now:      time.Now,
		clients:  make(map[*Client]bool),
		byToken:  make(map[string]map[*Client]bool),
		byTrader: make(map[string]map[*Client]bool),
		risk:     make(map[*Client]bool),
		depth:    make(map[string]book.Snapshot),
	}
	h.klines = newKlineMachine(func() time.Time { return h.now() })
	return h
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(n))
	}
}

// remove detaches a client from every index. Idempotent; the send channel
// stays open so late publishes cannot panic, they fall through to the
// client's done signal instead.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for token := range c.tokens {
		h.dropFromIndex(h.byToken, token, c)
	}
	if c.trader != "" {
		h.dropFromIndex(h.byTrader, c.trader, c)
	}
	delete(h.risk, c)
	n := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(n))
	}
}

func (h *Hub) dropFromIndex(idx map[string]map[*Client]bool, key string, c *Client) {
	if set, ok := idx[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// subscribeToken registers a client for a token's market frames and sends
// the subscribe snapshot: current market data and the resting book.
func (h *Hub) subscribeToken(ctx context.Context, c *Client, token string) {
	nowMs := h.now().UnixMilli()
	if _, ok := h.markets[token]; !ok {
		h.sendTo(c, errorFrame("unknown token "+token, nowMs))
		return
	}
	h.mu.Lock()
	if h.byToken[token] == nil {
		h.byToken[token] = make(map[*Client]bool)
	}
	h.byToken[token][c] = true
	c.tokens[token] = true
	h.mu.Unlock()

	h.sendTo(c, h.marketDataSnapshot(ctx, token, nowMs))
	h.sendTo(c, h.orderbookSnapshot(token, nowMs))
}

func (h *Hub) unsubscribeToken(c *Client, token string) {
	h.mu.Lock()
	h.dropFromIndex(h.byToken, token, c)
	delete(c.tokens, token)
	h.mu.Unlock()
}

// subscribeTrader registers a client for one trader's account frames and
// sends the account snapshot: open positions, balance and working orders.
func (h *Hub) subscribeTrader(ctx context.Context, c *Client, trader string) {
	trader = strings.ToLower(trader)
	nowMs := h.now().UnixMilli()

	h.mu.Lock()
	if c.trader != "" && c.trader != trader {
		h.dropFromIndex(h.byTrader, c.trader, c)
	}
	c.trader = trader
	if h.byTrader[trader] == nil {
		h.byTrader[trader] = make(map[*Client]bool)
	}
	h.byTrader[trader][c] = true
	h.mu.Unlock()

	for _, pos := range h.repos.Positions.ByUser(ctx, trader) {
		if pos.IsOpen() {
			h.sendTo(c, positionFrame(pos, nowMs))
		}
	}
	if b, err := h.repos.Balances.Get(ctx, trader); err == nil {
		h.sendTo(c, balanceFrame(b, nowMs))
	}
	h.sendTo(c, ordersFrame(trader, h.workingOrders(ctx, trader), nowMs))
}

func (h *Hub) unsubscribeTrader(c *Client) {
	h.mu.Lock()
	if c.trader != "" {
		h.dropFromIndex(h.byTrader, c.trader, c)
		c.trader = ""
	}
	h.mu.Unlock()
}

// subscribeRisk registers for the risk feed and snapshots the current rows.
func (h *Hub) subscribeRisk(ctx context.Context, c *Client) {
	h.mu.Lock()
	h.risk[c] = true
	h.mu.Unlock()

	nowMs := h.now().UnixMilli()
	for _, pos := range h.repos.Positions.AllOpen(ctx) {
		h.sendTo(c, riskFrame(pos, nowMs))
	}
}

func (h *Hub) unsubscribeRisk(c *Client) {
	h.mu.Lock()
	delete(h.risk, c)
	h.mu.Unlock()
}

// workingOrders lists a trader's resting and waiting orders across markets.
func (h *Hub) workingOrders(ctx context.Context, trader string) []*types.Order {
	var out []*types.Order
	for token := range h.markets {
		for _, o := range h.repos.Orders.PendingByToken(ctx, token) {
			if o.Trader == trader {
				out = append(out, o)
			}
		}
		for _, o := range h.repos.Orders.WaitingTriggers(ctx, token) {
			if o.Trader == trader {
				out = append(out, o)
			}
		}
	}
	return out
}

func (h *Hub) marketDataSnapshot(ctx context.Context, token string, nowMs int64) Frame {
	stats, err := h.repos.Markets.Get(ctx, token)
	if err != nil {
		h.logger.Warn("market stats read failed", "token", token, "error", err)
	}
	fill24h(stats, h.repos.Klines.Recent(ctx, token, minutesPerDay), nowMs)
	return marketDataFrame(stats, nowMs)
}

func (h *Hub) orderbookSnapshot(token string, nowMs int64) Frame {
	snap, ok := h.cachedDepth(token)
	if !ok {
		snap = book.Snapshot{Token: token, LastPrice: sdkmath.ZeroInt(), Timestamp: nowMs}
	}
	return orderbookFrame(snap, nowMs)
}

// ---- event intake (the Publisher side) ----

// Depth caches the latest book snapshot; the pusher re-emits it at 1 Hz.
func (h *Hub) Depth(snap book.Snapshot) {
	h.depthMu.Lock()
	h.depth[snap.Token] = snap
	h.depthMu.Unlock()
}

func (h *Hub) cachedDepth(token string) (book.Snapshot, bool) {
	h.depthMu.RLock()
	snap, ok := h.depth[token]
	h.depthMu.RUnlock()
	return snap, ok
}

// Trade broadcasts a tape print and folds it into the kline machine.
func (h *Hub) Trade(t *types.Trade) {
	h.klines.ObserveTrade(t)
	h.broadcastToken(t.Token, tradeFrame(t, h.now().UnixMilli()))
}

// OrderUpdate pushes an order row to the owning trader's subscribers.
func (h *Hub) OrderUpdate(o *types.Order) {
	if !h.traderHasSubscribers(o.Trader) {
		return
	}
	h.broadcastTrader(o.Trader, ordersFrame(o.Trader, []*types.Order{o}, h.now().UnixMilli()))
}

// PositionUpdate pushes a position row and the refreshed balance to the
// owning trader's subscribers.
func (h *Hub) PositionUpdate(pos *types.Position) {
	if pos == nil || !h.traderHasSubscribers(pos.Trader) {
		return
	}
	nowMs := h.now().UnixMilli()
	h.broadcastTrader(pos.Trader, positionFrame(pos, nowMs))
	if b, err := h.repos.Balances.Get(context.Background(), pos.Trader); err == nil {
		h.broadcastTrader(pos.Trader, balanceFrame(b, nowMs))
	}
}

// RiskUpdate feeds the risk channel.
func (h *Hub) RiskUpdate(pos *types.Position) {
	h.broadcastRisk(riskFrame(pos, h.now().UnixMilli()))
}

// MarginWarning nudges a trader whose position crossed into high risk.
func (h *Hub) MarginWarning(pos *types.Position) {
	h.broadcastTrader(pos.Trader, marginWarningFrame(pos, h.now().UnixMilli()))
}

// LiquidationWarning tells a trader the position is about to be claimed.
func (h *Hub) LiquidationWarning(pos *types.Position, urgency int64) {
	h.broadcastTrader(pos.Trader, liquidationWarningFrame(pos, urgency, h.now().UnixMilli()))
}

// ADLTriggered notifies both sides of a forced unwind.
func (h *Hub) ADLTriggered(counterparty, failing *types.Position, size, price sdkmath.Int) {
	nowMs := h.now().UnixMilli()
	h.broadcastTrader(counterparty.Trader, adlFrame(counterparty, size, price, "deleveraged", nowMs))
	h.broadcastTrader(failing.Trader, adlFrame(failing, size, price, "liquidated", nowMs))
}

// FundingRate pushes an applied funding charge to token subscribers.
func (h *Hub) FundingRate(token string, rateBp, nextFundingMs int64) {
	h.broadcastToken(token, fundingFrame(token, rateBp, nextFundingMs, h.now().UnixMilli()))
}

// ---- broadcast plumbing ----

func (h *Hub) tokenHasSubscribers(token string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byToken[token]) > 0
}

func (h *Hub) traderHasSubscribers(trader string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byTrader[trader]) > 0
}

func (h *Hub) broadcastToken(token string, f Frame) {
	h.mu.RLock()
	targets := collect(h.byToken[token])
	h.mu.RUnlock()
	h.fanOut(targets, f)
}

func (h *Hub) broadcastTrader(trader string, f Frame) {
	h.mu.RLock()
	targets := collect(h.byTrader[trader])
	h.mu.RUnlock()
	h.fanOut(targets, f)
}

func (h *Hub) broadcastRisk(f Frame) {
	h.mu.RLock()
	targets := collect(h.risk)
	h.mu.RUnlock()
	h.fanOut(targets, f)
}

func collect(set map[*Client]bool) []*Client {
	if len(set) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// fanOut serializes the frame once and offers it to each target. A full
// send buffer disconnects the client rather than stalling the publisher.
func (h *Hub) fanOut(targets []*Client, f Frame) {
	if len(targets) == 0 {
		return
	}
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Warn("frame encode failed", "type", f.Type, "error", err)
		return
	}
	for _, c := range targets {
		h.offer(c, data)
	}
}

func (h *Hub) sendTo(c *Client, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Warn("frame encode failed", "type", f.Type, "error", err)
		return
	}
	h.offer(c, data)
}

// offer queues a frame for one client. A closed client swallows the frame;
// a live client with a full buffer gets disconnected.
func (h *Hub) offer(c *Client, data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.drop()
	}
}

// closeAll severs every connected client. Used at shutdown.
func (h *Hub) closeAll() {
	h.mu.RLock()
	targets := collect(h.clients)
	h.mu.RUnlock()
	for _, c := range targets {
		c.close()
	}
}

// fill24h derives the rolling-window stats from stored minute bars, newest
// first.
func fill24h(m *types.MarketStats, bars []*types.Kline, nowMs int64) {
	cutoff := nowMs - 24*60*minuteMs
	for _, bar := range bars {
		if bar.OpenTime < cutoff {
			break
		}
		if bar.High.GT(m.High24h) {
			m.High24h = bar.High
		}
		if bar.Low.IsPositive() && (m.Low24h.IsZero() || bar.Low.LT(m.Low24h)) {
			m.Low24h = bar.Low
		}
		m.Volume24h = m.Volume24h.Add(bar.Volume)
	}
}
