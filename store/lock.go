package store

import (
	"context"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	"github.com/google/uuid"
)

// Locker hands out short-lived exclusive leases backed by SETNX keys. The
// lease value is a random token so a holder can only release its own lock;
// release goes through the compare-and-del script to stay atomic.
type Locker struct {
	store  Store
	logger log.Logger
}

// NewLocker wires a Locker over s.
func NewLocker(s Store, logger log.Logger) *Locker {
	return &Locker{store: s, logger: logger.With("module", "lock")}
}

// WithLock runs fn while holding key. Acquisition retries up to retries
// times, sleeping 100ms*attempt between tries; exhaustion returns
// ErrLockUnavailable without running fn. If the lease expired while fn ran
// the loss is logged and fn's result is kept, since fn's writes already
// happened.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, retries int, fn func() error) error {
	token := uuid.NewString()
	acquired := false
	for attempt := 1; attempt <= retries; attempt++ {
		ok, err := l.store.SetNX(ctx, key, token, ttl)
		if err != nil {
			return errors.Wrapf(err, "acquire %s", key)
		}
		if ok {
			acquired = true
			break
		}
		if attempt == retries {
			break
		}
		backoff := time.Duration(attempt) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	if !acquired {
		return errors.Wrapf(ErrLockUnavailable, "%s after %d attempts", key, retries)
	}

	fnErr := fn()
	l.release(ctx, key, token)
	return fnErr
}

// TryLock makes a single acquisition attempt and returns a release func on
// success. Callers use it for per-entity guards like the liquidation flag
// where waiting would serialize the whole loop.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.store.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, false, errors.Wrapf(err, "acquire %s", key)
	}
	if !ok {
		return nil, false, nil
	}
	return func() { l.release(ctx, key, token) }, true, nil
}

func (l *Locker) release(ctx context.Context, key, token string) {
	n, err := l.store.Eval(ctx, UnlockScript, []string{key}, []string{token})
	if err != nil {
		l.logger.Warn("lock release failed", "key", key, "error", err)
		return
	}
	if n == 0 {
		l.logger.Warn("lock lost before release", "key", key)
	}
}
