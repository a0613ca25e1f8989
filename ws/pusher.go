package ws

import (
	"context"
	"time"

	"cosmossdk.io/log"

	"github.com/openalpha/perp-engine/repo"
)

// Pusher emits the periodic frames the event stream does not carry on its
// own: orderbook depth and the live minute bar at 1 Hz, market stats every
// few seconds. Finished minute bars are retired into the store whether or
// not anyone is watching.
type Pusher struct {
	hub    *Hub
	repos  *repo.Repos
	tokens []string
	logger log.Logger
	now    func() time.Time

	depthEvery  time.Duration
	marketEvery time.Duration
}

func NewPusher(hub *Hub, repos *repo.Repos, tokens []string, logger log.Logger) *Pusher {
	return &Pusher{
		hub:         hub,
		repos:       repos,
		tokens:      tokens,
		logger:      logger.With("module", "ws-pusher"),
		now:         time.Now,
		depthEvery:  time.Second,
		marketEvery: 5 * time.Second,
	}
}

// Run blocks until ctx is cancelled.
func (p *Pusher) Run(ctx context.Context) {
	depth := time.NewTicker(p.depthEvery)
	market := time.NewTicker(p.marketEvery)
	defer depth.Stop()
	defer market.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-depth.C:
			p.pushDepth(ctx)
		case <-market.C:
			p.pushMarket(ctx)
		}
	}
}

func (p *Pusher) pushDepth(ctx context.Context) {
	nowMs := p.now().UnixMilli()
	for _, bar := range p.hub.klines.Rollover() {
		if err := p.repos.Klines.PushClosed(ctx, bar); err != nil {
			p.logger.Warn("kline store failed", "token", bar.Token, "error", err)
		}
		p.hub.broadcastToken(bar.Token, klineFrame(bar, nowMs))
	}
	for _, token := range p.tokens {
		snap, ok := p.hub.cachedDepth(token)
		if !ok {
			continue
		}
		subscribed := p.hub.tokenHasSubscribers(token)
		// Tick paints the live bar even without subscribers so flat
		// minutes still close into the stored history.
		if bar := p.hub.klines.Tick(token, snap.LastPrice); bar != nil && subscribed {
			p.hub.broadcastToken(token, klineFrame(bar, nowMs))
		}
		if subscribed {
			p.hub.broadcastToken(token, orderbookFrame(snap, nowMs))
		}
	}
}

func (p *Pusher) pushMarket(ctx context.Context) {
	nowMs := p.now().UnixMilli()
	for _, token := range p.tokens {
		if !p.hub.tokenHasSubscribers(token) {
			continue
		}
		p.hub.broadcastToken(token, p.hub.marketDataSnapshot(ctx, token, nowMs))
	}
}
