// Package settlement journals every user-visible balance movement and
// tracks each entry's on-chain proof lifecycle.
package settlement

import (
	"context"
	"encoding/json"
	"time"

	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/openalpha/perp-engine/repo"
	"github.com/openalpha/perp-engine/store"
	"github.com/openalpha/perp-engine/types"
)

// balanceLockTTL bounds how long a journalling flow may hold a trader's
// balance lease.
const balanceLockTTL = 3 * time.Second

// Journaller appends settlement-log entries and advances their on-chain
// status. Callers that mutate balances record before/after under the
// trader's balance lock and pass both here.
type Journaller struct {
	repos  *repo.Repos
	locker *store.Locker
	keys   store.Keys
	logger log.Logger
	now    func() time.Time
}

// New wires a journaller over the repositories.
func New(repos *repo.Repos, locker *store.Locker, keys store.Keys, logger log.Logger) *Journaller {
	return &Journaller{
		repos:  repos,
		locker: locker,
		keys:   keys,
		logger: logger.With("module", "settlement"),
		now:    time.Now,
	}
}

// NewEntry builds a journal entry with defaults filled. Amount carries the
// movement's sign.
func (j *Journaller) NewEntry(trader, token, positionID string, typ types.SettlementType, amount, before, after sdkmath.Int) *types.SettlementLog {
	now := j.now().UnixMilli()
	return &types.SettlementLog{
		ID:            uuid.NewString(),
		Trader:        trader,
		Token:         token,
		PositionID:    positionID,
		Type:          typ,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		OnChainStatus: types.OnChainPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Journal appends an entry, filling any defaults the caller left unset.
func (j *Journaller) Journal(ctx context.Context, e *types.SettlementLog) error {
	now := j.now().UnixMilli()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.OnChainStatus == "" {
		e.OnChainStatus = types.OnChainPending
	}
	if e.Amount.IsNil() {
		e.Amount = sdkmath.ZeroInt()
	}
	if e.BalanceBefore.IsNil() {
		e.BalanceBefore = sdkmath.ZeroInt()
	}
	if e.BalanceAfter.IsNil() {
		e.BalanceAfter = sdkmath.ZeroInt()
	}
	if err := j.repos.Settlements.Append(ctx, e); err != nil {
		return err
	}
	j.logger.Debug("journalled", "type", e.Type, "trader", e.Trader, "amount", e.Amount)
	return nil
}

// MarkSubmitted records that the proof submitter picked the entry up.
func (j *Journaller) MarkSubmitted(ctx context.Context, id, txHash string) error {
	return j.repos.Settlements.UpdateStatus(ctx, id, types.OnChainSubmitted, txHash)
}

// MarkFinal records the terminal on-chain outcome for an entry.
func (j *Journaller) MarkFinal(ctx context.Context, id string, success bool, txHash string) error {
	status := types.OnChainSuccess
	if !success {
		status = types.OnChainFailed
	}
	return j.repos.Settlements.UpdateStatus(ctx, id, status, txHash)
}

type dailyProof struct {
	Trader    string `json:"trader"`
	Wallet    string `json:"wallet"`
	Available string `json:"available"`
	Used      string `json:"used"`
}

// RecordDailySettlement snapshots a trader's wallet balance into a
// DAILY_SETTLEMENT entry, taken under the trader's balance lock so the
// snapshot cannot interleave with a settlement.
func (j *Journaller) RecordDailySettlement(ctx context.Context, trader string) (*types.SettlementLog, error) {
	var entry *types.SettlementLog
	err := j.locker.WithLock(ctx, j.keys.LockBalance(trader), balanceLockTTL, 3, func() error {
		bal, err := j.repos.Balances.Get(ctx, trader)
		if err != nil {
			return err
		}
		entry = j.NewEntry(trader, "", "", types.SettlementDaily, sdkmath.ZeroInt(), bal.Wallet, bal.Wallet)
		entry.Proof = MustProof(dailyProof{
			Trader:    trader,
			Wallet:    bal.Wallet.String(),
			Available: bal.Available().String(),
			Used:      bal.Used.String(),
		})
		return j.Journal(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// MustProof marshals a proof payload; marshalling a plain struct cannot
// fail, so errors collapse to an empty blob.
func MustProof(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
