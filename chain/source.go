package chain

import (
	"context"
	"time"

	sdkmath "cosmossdk.io/math"
)

// ChanSource adapts a plain channel to the DepositSource contract.
type ChanSource struct {
	ch chan DepositObserved
}

func NewChanSource(buffer int) *ChanSource {
	return &ChanSource{ch: make(chan DepositObserved, buffer)}
}

func (s *ChanSource) Deposits() <-chan DepositObserved { return s.ch }

// Offer queues one observation; false when the buffer is full.
func (s *ChanSource) Offer(dep DepositObserved) bool {
	select {
	case s.ch <- dep:
		return true
	default:
		return false
	}
}

// Close ends the stream; a bridge draining it returns.
func (s *ChanSource) Close() { close(s.ch) }

// Faucet is the dev-mode deposit source: it funds a fixed set of accounts
// immediately and then once per period, counting periods as block numbers.
type Faucet struct {
	accounts []string
	amount   sdkmath.Int
	every    time.Duration
	ch       chan DepositObserved
}

func NewFaucet(accounts []string, amount sdkmath.Int, every time.Duration) *Faucet {
	return &Faucet{
		accounts: accounts,
		amount:   amount,
		every:    every,
		ch:       make(chan DepositObserved, len(accounts)*2+1),
	}
}

func (f *Faucet) Deposits() <-chan DepositObserved { return f.ch }

// Run emits deposits until ctx ends. Rounds the consumer has not drained
// are skipped rather than queued.
func (f *Faucet) Run(ctx context.Context) {
	var block uint64 = 1
	f.emit(block)
	ticker := time.NewTicker(f.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			block++
			f.emit(block)
		}
	}
}

func (f *Faucet) emit(block uint64) {
	for _, account := range f.accounts {
		select {
		case f.ch <- DepositObserved{User: account, Amount: f.amount, Block: block}:
		default:
		}
	}
}
