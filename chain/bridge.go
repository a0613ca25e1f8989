// Package chain bridges the engine to its settlement chain. A DepositSource
// streams confirmed vault transfers that credit wallet balances; withdraw
// requests debit them and hand a transfer proof to the ProofSink.
package chain

import (
	"context"
	"strings"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/repo"
	"github.com/openalpha/perp-engine/settlement"
	"github.com/openalpha/perp-engine/store"
	"github.com/openalpha/perp-engine/types"
)

const balanceLockTTL = 3 * time.Second

// DepositObserved is one confirmed transfer into the engine's vault.
type DepositObserved struct {
	User   string
	Amount sdkmath.Int
	Block  uint64
}

// DepositSource streams confirmed vault deposits. Implementations watch the
// chain; tests feed a channel.
type DepositSource interface {
	Deposits() <-chan DepositObserved
}

// ProofSink receives journal entries whose proof blobs await on-chain
// submission. Implementations own the entry's status transitions.
type ProofSink interface {
	Submit(ctx context.Context, entry *types.SettlementLog) error
}

// NopProofSink discards proofs. Dev mode and tests run with it.
type NopProofSink struct{}

func (NopProofSink) Submit(context.Context, *types.SettlementLog) error { return nil }

// Bridge applies chain events to balances and journals every movement.
type Bridge struct {
	repos   *repo.Repos
	journal *settlement.Journaller
	locker  *store.Locker
	keys    store.Keys
	sink    ProofSink
	logger  log.Logger
	now     func() time.Time
}

// NewBridge wires a bridge. A nil sink falls back to NopProofSink.
func NewBridge(repos *repo.Repos, journal *settlement.Journaller, locker *store.Locker, keys store.Keys, sink ProofSink, logger log.Logger) *Bridge {
	if sink == nil {
		sink = NopProofSink{}
	}
	return &Bridge{
		repos:   repos,
		journal: journal,
		locker:  locker,
		keys:    keys,
		sink:    sink,
		logger:  logger.With("module", "chain"),
		now:     time.Now,
	}
}

// Run consumes the deposit stream until ctx ends or the source closes.
func (b *Bridge) Run(ctx context.Context, src DepositSource) {
	deposits := src.Deposits()
	for {
		select {
		case <-ctx.Done():
			return
		case dep, ok := <-deposits:
			if !ok {
				return
			}
			if err := b.OnDeposit(ctx, dep); err != nil {
				b.logger.Error("deposit apply failed", "user", dep.User, "block", dep.Block, "error", err)
			}
		}
	}
}

// OnDeposit credits the wallet once per observed transfer. The dedupe
// marker is claimed before the credit, so a crash between the two parks the
// deposit until the marker expires and the watcher replays it.
func (b *Bridge) OnDeposit(ctx context.Context, dep DepositObserved) error {
	user := strings.ToLower(dep.User)
	if user == "" {
		return errors.Wrap(types.ErrInvalidTrader, "deposit without a user")
	}
	if dep.Amount.IsNil() || !dep.Amount.IsPositive() {
		return errors.Wrapf(types.ErrInvalidSize, "deposit amount %s", dep.Amount)
	}
	fresh, err := b.repos.Deposits.Claim(ctx, user, dep.Block, dep.Amount)
	if err != nil {
		return err
	}
	if !fresh {
		b.logger.Debug("deposit already applied", "user", user, "block", dep.Block)
		return nil
	}
	return b.locker.WithLock(ctx, b.keys.LockBalance(user), balanceLockTTL, 3, func() error {
		before, err := b.repos.Balances.Get(ctx, user)
		if err != nil {
			return err
		}
		after, err := b.repos.Balances.Credit(ctx, user, dep.Amount)
		if err != nil {
			return err
		}
		entry := b.journal.NewEntry(user, "", "", types.SettlementDeposit, dep.Amount, before.Wallet, after.Wallet)
		entry.Proof = settlement.MustProof(types.TransferProof{
			Trader: user,
			Amount: dep.Amount.String(),
			Block:  dep.Block,
		})
		if err := b.journal.Journal(ctx, entry); err != nil {
			return err
		}
		b.logger.Info("deposit credited", "user", user, "amount", dep.Amount, "block", dep.Block)
		return nil
	})
}

// RequestWithdraw debits the available balance and hands the transfer proof
// to the sink. The journal entry is written before the proof leaves the
// process; a sink failure leaves it PENDING for the submitter to pick up
// from the journal keys.
func (b *Bridge) RequestWithdraw(ctx context.Context, trader string, amount sdkmath.Int) (*types.SettlementLog, error) {
	trader = strings.ToLower(trader)
	if trader == "" {
		return nil, errors.Wrap(types.ErrInvalidTrader, "withdraw without a trader")
	}
	if amount.IsNil() || !amount.IsPositive() {
		return nil, errors.Wrapf(types.ErrInvalidSize, "withdraw amount %s", amount)
	}
	var entry *types.SettlementLog
	err := b.locker.WithLock(ctx, b.keys.LockBalance(trader), balanceLockTTL, 3, func() error {
		before, err := b.repos.Balances.Get(ctx, trader)
		if err != nil {
			return err
		}
		after, err := b.repos.Balances.Debit(ctx, trader, amount)
		if err != nil {
			return err
		}
		entry = b.journal.NewEntry(trader, "", "", types.SettlementWithdraw, amount.Neg(), before.Wallet, after.Wallet)
		entry.Proof = settlement.MustProof(types.TransferProof{
			Trader: trader,
			Amount: amount.String(),
		})
		return b.journal.Journal(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	if err := b.sink.Submit(ctx, entry); err != nil {
		b.logger.Warn("withdraw proof submission failed", "trader", trader, "entry", entry.ID, "error", err)
	}
	b.logger.Info("withdraw requested", "trader", trader, "amount", amount)
	return entry, nil
}
