package repo

import (
	"context"
	"time"

	"cosmossdk.io/errors"

	"github.com/openalpha/perp-engine/store"
)

// nonceTTL keeps replay markers long past any reasonable order deadline.
const nonceTTL = 7 * 24 * time.Hour

// Nonces records consumed order nonces per trader for replay protection.
type Nonces struct {
	s store.Store
	k store.Keys
}

// Use marks the nonce consumed. False means it was already used.
func (r *Nonces) Use(ctx context.Context, addr string, nonce uint64) (bool, error) {
	ok, err := r.s.SetNX(ctx, r.k.Nonce(addr, nonce), "1", nonceTTL)
	if err != nil {
		return false, errors.Wrapf(err, "nonce %s/%d", addr, nonce)
	}
	return ok, nil
}
