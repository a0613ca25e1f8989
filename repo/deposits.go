package repo

import (
	"context"
	"time"

	"cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/store"
)

// depositSeenTTL bounds the dedupe window. A credit lost to a crash after
// its marker was claimed becomes replayable once the marker expires and the
// watcher rescans past blocks.
const depositSeenTTL = 24 * time.Hour

// Deposits deduplicates observed on-chain transfers.
type Deposits struct {
	s store.Store
	k store.Keys
}

// Claim marks the (user, block, amount) transfer processed. False means it
// was already claimed.
func (r *Deposits) Claim(ctx context.Context, addr string, block uint64, amount sdkmath.Int) (bool, error) {
	ok, err := r.s.SetNX(ctx, r.k.DepositSeen(addr, block, amount.String()), "1", depositSeenTTL)
	if err != nil {
		return false, errors.Wrapf(err, "deposit claim %s/%d", addr, block)
	}
	return ok, nil
}
