package ws

import (
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/types"
)

const (
	minuteMs      = 60_000
	minutesPerDay = 24 * 60
)

// klineMachine assembles live one-minute bars from the trade stream and
// the pusher's per-second price observations. A bar opens at the previous
// bar's close when there is one, otherwise at the first price seen in the
// minute. Closed bars are handed out once on rollover.
type klineMachine struct {
	now func() time.Time

	mu     sync.Mutex
	bars   map[string]*types.Kline
	prev   map[string]sdkmath.Int // last close per token
	closed []*types.Kline
}

func newKlineMachine(now func() time.Time) *klineMachine {
	return &klineMachine{
		now:  now,
		bars: make(map[string]*types.Kline),
		prev: make(map[string]sdkmath.Int),
	}
}

// ObserveTrade folds a fill into the current minute's bar.
func (m *klineMachine) ObserveTrade(t *types.Trade) {
	if !t.Price.IsPositive() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bar := m.barFor(t.Token, t.Price)
	bar.Update(t.Price, t.Size)
}

// Tick stretches the live bar with the current price and returns a copy
// for the 1 Hz kline frame, or nil when there is no price yet.
func (m *klineMachine) Tick(token string, px sdkmath.Int) *types.Kline {
	if px.IsNil() || !px.IsPositive() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bar := m.barFor(token, px)
	bar.Update(px, sdkmath.ZeroInt())
	snap := *bar
	return &snap
}

// Rollover returns every bar whose minute has passed, newest state frozen.
func (m *klineMachine) Rollover() []*types.Kline {
	m.mu.Lock()
	defer m.mu.Unlock()
	minute := m.minute()
	for token, bar := range m.bars {
		if bar.OpenTime < minute {
			m.retire(token, bar)
		}
	}
	out := m.closed
	m.closed = nil
	return out
}

// barFor returns the live bar for the current minute, retiring a stale one
// first so a trade arriving right after the boundary opens a fresh bar.
func (m *klineMachine) barFor(token string, seed sdkmath.Int) *types.Kline {
	minute := m.minute()
	if bar := m.bars[token]; bar != nil {
		if bar.OpenTime == minute {
			return bar
		}
		m.retire(token, bar)
	}
	open := seed
	if prev, ok := m.prev[token]; ok && prev.IsPositive() {
		open = prev
	}
	bar := &types.Kline{
		Token:    token,
		OpenTime: minute,
		Open:     open,
		High:     open,
		Low:      open,
		Close:    open,
		Volume:   sdkmath.ZeroInt(),
	}
	m.bars[token] = bar
	return bar
}

func (m *klineMachine) retire(token string, bar *types.Kline) {
	m.closed = append(m.closed, bar)
	m.prev[token] = bar.Close
	delete(m.bars, token)
}

func (m *klineMachine) minute() int64 {
	ms := m.now().UnixMilli()
	return ms - ms%minuteMs
}
