// Package repo holds the typed repositories over the durable store: one per
// entity, each owning its primary hash plus the secondary indexes that
// reference it. Mutating operations return the written value so callers
// never re-read what they just wrote. Reads of listing indexes degrade to
// empty results on store failure; writes on the balance and position paths
// surface their errors to abort the enclosing operation.
package repo

import (
	"strconv"

	"cosmossdk.io/log"

	"github.com/openalpha/perp-engine/store"
)

// Repos bundles every repository over one store and key namespace.
type Repos struct {
	Positions    *Positions
	Orders       *Orders
	Balances     *Balances
	Trades       *Trades
	Settlements  *Settlements
	Markets      *Markets
	OrderMargins *OrderMargins
	Insurance    *Insurance
	Klines       *Klines
	Nonces       *Nonces
	Deposits     *Deposits
}

// New wires all repositories over s with the given key prefix namespace.
func New(s store.Store, keys store.Keys, locker *store.Locker, logger log.Logger) *Repos {
	logger = logger.With("module", "repo")
	settlements := &Settlements{s: s, k: keys, logger: logger}
	return &Repos{
		Positions:    &Positions{s: s, k: keys, logger: logger},
		Orders:       &Orders{s: s, k: keys, logger: logger},
		Balances:     &Balances{s: s, k: keys, logger: logger},
		Trades:       &Trades{s: s, k: keys, logger: logger},
		Settlements:  settlements,
		Markets:      &Markets{s: s, k: keys, logger: logger},
		OrderMargins: &OrderMargins{s: s, k: keys, logger: logger},
		Insurance:    &Insurance{s: s, k: keys, locker: locker, logger: logger, journal: settlements},
		Klines:       &Klines{s: s, k: keys, logger: logger},
		Nonces:       &Nonces{s: s, k: keys},
		Deposits:     &Deposits{s: s, k: keys},
	}
}

func formatInt64(v int64) string { return strconv.FormatInt(v, 10) }

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
