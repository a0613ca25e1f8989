// Package position applies fills to per-(trader, token) position records
// and owns the balance movements they imply: collateral posting and
// release, fee charging, realized PnL settlement and the margin add/remove
// operations.
package position

import (
	"context"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/fixedpoint"
	"github.com/openalpha/perp-engine/repo"
	"github.com/openalpha/perp-engine/settlement"
	"github.com/openalpha/perp-engine/store"
	"github.com/openalpha/perp-engine/types"
)

// balanceLockTTL bounds how long a fill may hold a trader's balance lease.
const balanceLockTTL = 3 * time.Second

// ID is the deterministic position id: one open position per trader and
// token.
func ID(trader, token string) string {
	return trader + ":" + token
}

// Params tunes position accounting. InsuranceShareBp is the share of every
// trading fee credited to the insurance fund. SafetyMultiple is the margin
// headroom RemoveCollateral must preserve: post-op margin must stay at or
// above SafetyMultiple times the maintenance margin.
type Params struct {
	InsuranceShareBp int64
	SafetyMultiple   int64
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{InsuranceShareBp: 5000, SafetyMultiple: 2}
}

// Manager owns position lifecycle. All mutations run under the trader's
// balance lock so fills on different tokens cannot interleave their balance
// movements.
type Manager struct {
	repos   *repo.Repos
	journal *settlement.Journaller
	locker  *store.Locker
	keys    store.Keys
	logger  log.Logger
	markets map[string]types.MarketConfig
	params  Params
}

// NewManager wires a manager over the repositories and journal.
func NewManager(repos *repo.Repos, journal *settlement.Journaller, locker *store.Locker, keys store.Keys, markets map[string]types.MarketConfig, params Params, logger log.Logger) *Manager {
	if params.SafetyMultiple <= 0 {
		params.SafetyMultiple = DefaultParams().SafetyMultiple
	}
	return &Manager{
		repos:   repos,
		journal: journal,
		locker:  locker,
		keys:    keys,
		logger:  logger.With("module", "position"),
		markets: markets,
		params:  params,
	}
}

// Fill is one side of a match as seen by the trader it belongs to.
// Released is the frozen order margin the order-margin settle freed for
// this fill; liquidation orders carry zero.
type Fill struct {
	OrderID    string
	Trader     string
	Token      string
	Side       types.Side
	Size       sdkmath.Int
	Price      sdkmath.Int
	Fee        sdkmath.Int
	Released   sdkmath.Int
	Leverage   int64
	MarginMode types.MarginMode
	Type       types.TradeType
	Timestamp  int64 // unix ms
}

// Result reports what a fill did to the trader's position.
type Result struct {
	Position  *types.Position
	Realized  sdkmath.Int // PnL realized on the closed portion, before fees
	Shortfall sdkmath.Int // loss the wallet could not cover, taken from insurance
	Closed    bool        // an existing position went flat
	Flipped   bool        // closed and reopened on the other side
}

// Get returns the trader's open position on token, or ErrPositionNotFound.
func (m *Manager) Get(ctx context.Context, trader, token string) (*types.Position, error) {
	pos, err := m.repos.Positions.Get(ctx, ID(trader, token))
	if err != nil {
		return nil, err
	}
	if !pos.IsOpen() {
		return nil, errors.Wrapf(types.ErrPositionNotFound, "%s on %s", trader, token)
	}
	return pos, nil
}

// ByTrader lists the trader's open positions.
func (m *Manager) ByTrader(ctx context.Context, trader string) []*types.Position {
	return m.repos.Positions.ByUser(ctx, trader)
}

// ApplyFill routes one fill into the trader's position: open, add, reduce
// or flip, with the implied balance movement and journal entry. It runs
// under lock:balance:<trader>.
func (m *Manager) ApplyFill(ctx context.Context, f Fill) (*Result, error) {
	if !f.Size.IsPositive() || !f.Price.IsPositive() {
		return nil, errors.Wrapf(types.ErrInvalidOrder, "fill size %s price %s", f.Size, f.Price)
	}
	if f.Released.IsNil() {
		f.Released = sdkmath.ZeroInt()
	}
	if f.Fee.IsNil() {
		f.Fee = sdkmath.ZeroInt()
	}

	res := &Result{Realized: sdkmath.ZeroInt(), Shortfall: sdkmath.ZeroInt()}
	err := m.locker.WithLock(ctx, m.keys.LockBalance(f.Trader), balanceLockTTL, 5, func() error {
		pos, err := m.loadOpen(ctx, f.Trader, f.Token)
		if err != nil {
			return err
		}
		switch {
		case pos == nil:
			return m.openNew(ctx, f, f.Size, f.Fee, f.Released, res)
		case pos.IsLong == (f.Side == types.SideLong):
			return m.addTo(ctx, pos, f, res)
		case f.Size.LTE(pos.Size):
			return m.reduce(ctx, pos, f, f.Size, f.Fee, f.Released, res)
		default:
			return m.flip(ctx, pos, f, res)
		}
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (m *Manager) loadOpen(ctx context.Context, trader, token string) (*types.Position, error) {
	pos, err := m.repos.Positions.Get(ctx, ID(trader, token))
	if err != nil {
		if errors.IsOf(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !pos.IsOpen() {
		return nil, nil
	}
	return pos, nil
}

func (m *Manager) openNew(ctx context.Context, f Fill, size, fee, released sdkmath.Int, res *Result) error {
	if f.Leverage < fixedpoint.RateScale {
		return errors.Wrapf(types.ErrInvalidLeverage, "leverage %d", f.Leverage)
	}
	collateral := m.collateralFor(size, f.Price, f.Leverage)

	before, err := m.repos.Balances.Get(ctx, f.Trader)
	if err != nil {
		return err
	}
	bal, err := m.repos.Balances.SettleFill(ctx, f.Trader, released, collateral, fee)
	if err != nil {
		return err
	}
	m.creditInsuranceShare(ctx, fee)

	pos := types.NewPosition(ID(f.Trader, f.Token), f.Trader, f.Token, f.Side == types.SideLong,
		size, f.Price, collateral, f.Leverage, f.MarginMode, f.Timestamp)
	m.refreshRisk(pos, f.Price, f.Timestamp)
	if err := m.repos.Positions.Save(ctx, pos); err != nil {
		return err
	}
	m.adjustOpenInterest(ctx, pos.Token, pos.IsLong, size)

	entry := m.journal.NewEntry(f.Trader, f.Token, pos.ID, types.SettlementSettlePnL, fee.Neg(), before.Wallet, bal.Wallet)
	entry.Proof = settlement.MustProof(pnlProof{PositionID: pos.ID, Fee: fee.String(), TradeType: f.Type.String()})
	if err := m.journal.Journal(ctx, entry); err != nil {
		return err
	}
	res.Position = pos
	return nil
}

func (m *Manager) addTo(ctx context.Context, pos *types.Position, f Fill, res *Result) error {
	extra := m.collateralFor(f.Size, f.Price, pos.Leverage)

	before, err := m.repos.Balances.Get(ctx, f.Trader)
	if err != nil {
		return err
	}
	bal, err := m.repos.Balances.SettleFill(ctx, f.Trader, f.Released, extra, f.Fee)
	if err != nil {
		return err
	}
	m.creditInsuranceShare(ctx, f.Fee)

	pos.Add(f.Size, f.Price, extra, f.Timestamp)
	m.refreshRisk(pos, f.Price, f.Timestamp)
	if err := m.repos.Positions.Save(ctx, pos); err != nil {
		return err
	}
	m.adjustOpenInterest(ctx, pos.Token, pos.IsLong, f.Size)

	entry := m.journal.NewEntry(f.Trader, f.Token, pos.ID, types.SettlementSettlePnL, f.Fee.Neg(), before.Wallet, bal.Wallet)
	entry.Proof = settlement.MustProof(pnlProof{PositionID: pos.ID, Fee: f.Fee.String(), TradeType: f.Type.String()})
	if err := m.journal.Journal(ctx, entry); err != nil {
		return err
	}
	res.Position = pos
	return nil
}

func (m *Manager) reduce(ctx context.Context, pos *types.Position, f Fill, size, fee, released sdkmath.Int, res *Result) error {
	before, err := m.repos.Balances.Get(ctx, f.Trader)
	if err != nil {
		return err
	}
	if released.IsPositive() {
		if _, err := m.repos.Balances.Unfreeze(ctx, f.Trader, released); err != nil {
			return err
		}
	}

	realized, freed := pos.Reduce(size, f.Price, f.Timestamp)
	net := realized.Sub(fee)
	bal, shortfall, err := m.repos.Balances.SettleClose(ctx, f.Trader, freed, net)
	if err != nil {
		return err
	}
	if shortfall.IsPositive() {
		_, unpaid, derr := m.repos.Insurance.Debit(ctx, shortfall)
		if derr != nil {
			return derr
		}
		if unpaid.IsPositive() {
			m.logger.Error("loss exceeds wallet and insurance fund",
				"trader", f.Trader, "token", f.Token, "unpaid", unpaid.String())
		}
		res.Shortfall = res.Shortfall.Add(shortfall)
	}
	m.creditInsuranceShare(ctx, fee)

	m.refreshRisk(pos, f.Price, f.Timestamp)
	if err := m.repos.Positions.Save(ctx, pos); err != nil {
		return err
	}
	m.adjustOpenInterest(ctx, pos.Token, pos.IsLong, size.Neg())

	entry := m.journal.NewEntry(f.Trader, f.Token, pos.ID, types.SettlementSettlePnL, net, before.Wallet, bal.Wallet)
	entry.Proof = settlement.MustProof(pnlProof{
		PositionID: pos.ID,
		Realized:   realized.String(),
		Fee:        fee.String(),
		TradeType:  f.Type.String(),
	})
	if err := m.journal.Journal(ctx, entry); err != nil {
		return err
	}

	res.Position = pos
	res.Realized = res.Realized.Add(realized)
	res.Closed = !pos.IsOpen()
	return nil
}

// flip closes the whole position at the fill price, then opens the
// remainder on the opposite side. The fee and released margin split
// pro-rata across the two legs.
func (m *Manager) flip(ctx context.Context, pos *types.Position, f Fill, res *Result) error {
	closeSize := pos.Size
	openSize := f.Size.Sub(closeSize)
	closeFee := fixedpoint.MulDiv(f.Fee, closeSize, f.Size)
	openFee := f.Fee.Sub(closeFee)
	closeReleased := fixedpoint.MulDiv(f.Released, closeSize, f.Size)
	openReleased := f.Released.Sub(closeReleased)

	if err := m.reduce(ctx, pos, f, closeSize, closeFee, closeReleased, res); err != nil {
		return err
	}
	if err := m.openNew(ctx, f, openSize, openFee, openReleased, res); err != nil {
		return err
	}
	res.Flipped = true
	return nil
}

// AddCollateral moves amount from the trader's available balance into the
// position and re-derives its risk prices.
func (m *Manager) AddCollateral(ctx context.Context, trader, token string, amount sdkmath.Int) (*types.Position, error) {
	if !amount.IsPositive() {
		return nil, errors.Wrapf(types.ErrInvalidOrder, "collateral delta %s", amount)
	}
	var pos *types.Position
	err := m.locker.WithLock(ctx, m.keys.LockBalance(trader), balanceLockTTL, 5, func() error {
		var err error
		pos, err = m.Get(ctx, trader, token)
		if err != nil {
			return err
		}
		before, err := m.repos.Balances.Get(ctx, trader)
		if err != nil {
			return err
		}
		bal, err := m.repos.Balances.AdjustUsed(ctx, trader, amount)
		if err != nil {
			return err
		}
		now := time.Now().UnixMilli()
		pos.Collateral = pos.Collateral.Add(amount)
		m.refreshRisk(pos, pos.MarkPrice, now)
		if err := m.repos.Positions.Save(ctx, pos); err != nil {
			return err
		}
		entry := m.journal.NewEntry(trader, token, pos.ID, types.SettlementMarginAdd, amount, before.Wallet, bal.Wallet)
		return m.journal.Journal(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	return pos, nil
}

// RemoveCollateral releases amount back to the available balance. It fails
// when the post-op margin would drop below SafetyMultiple times the
// maintenance margin.
func (m *Manager) RemoveCollateral(ctx context.Context, trader, token string, amount sdkmath.Int) (*types.Position, error) {
	if !amount.IsPositive() {
		return nil, errors.Wrapf(types.ErrInvalidOrder, "collateral delta %s", amount)
	}
	var pos *types.Position
	err := m.locker.WithLock(ctx, m.keys.LockBalance(trader), balanceLockTTL, 5, func() error {
		var err error
		pos, err = m.Get(ctx, trader, token)
		if err != nil {
			return err
		}
		remaining := pos.Collateral.Sub(amount)
		if !remaining.IsPositive() {
			return errors.Wrapf(types.ErrInsufficientMargin, "remove %s of %s", amount, pos.Collateral)
		}
		margin := remaining.Add(pos.UnrealizedPnL)
		floor := pos.MaintenanceMargin.MulRaw(m.params.SafetyMultiple)
		if margin.LT(floor) {
			return errors.Wrapf(types.ErrMarginRatioTooHigh,
				"margin %s below %dx maintenance %s", margin, m.params.SafetyMultiple, pos.MaintenanceMargin)
		}

		before, err := m.repos.Balances.Get(ctx, trader)
		if err != nil {
			return err
		}
		bal, err := m.repos.Balances.AdjustUsed(ctx, trader, amount.Neg())
		if err != nil {
			return err
		}
		now := time.Now().UnixMilli()
		pos.Collateral = remaining
		m.refreshRisk(pos, pos.MarkPrice, now)
		if err := m.repos.Positions.Save(ctx, pos); err != nil {
			return err
		}
		entry := m.journal.NewEntry(trader, token, pos.ID, types.SettlementMarginRemove, amount.Neg(), before.Wallet, bal.Wallet)
		return m.journal.Journal(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	return pos, nil
}

// refreshRisk re-derives the maintenance requirement and the three risk
// prices after any size, collateral or price change.
func (m *Manager) refreshRisk(pos *types.Position, mark sdkmath.Int, nowMs int64) {
	baseMMR := int64(0)
	if cfg, ok := m.markets[pos.Token]; ok {
		baseMMR = cfg.BaseMMR
	}
	pos.MMR = fixedpoint.MaintenanceMarginBp(baseMMR, pos.Leverage)
	pos.MaintenanceMargin = fixedpoint.ApplyRate(pos.NotionalAt(mark), pos.MMR)
	pos.RecomputeLiquidationPrice()
	pos.RecomputeBankruptcyPrice()
	pos.RecomputeBreakEvenPrice()
	pos.Revalue(mark, nowMs)
}

func (m *Manager) collateralFor(size, price sdkmath.Int, leverage int64) sdkmath.Int {
	notional := fixedpoint.Notional(size, price)
	return fixedpoint.MulDiv(notional, sdkmath.NewInt(fixedpoint.RateScale), sdkmath.NewInt(leverage))
}

func (m *Manager) creditInsuranceShare(ctx context.Context, fee sdkmath.Int) {
	share := fixedpoint.ApplyRate(fee, m.params.InsuranceShareBp)
	if !share.IsPositive() {
		return
	}
	if _, err := m.repos.Insurance.Credit(ctx, share); err != nil {
		m.logger.Warn("insurance fee credit failed", "share", share.String(), "error", err)
	}
}

func (m *Manager) adjustOpenInterest(ctx context.Context, token string, isLong bool, delta sdkmath.Int) {
	long, short := delta, sdkmath.ZeroInt()
	if !isLong {
		long, short = short, delta
	}
	if _, err := m.repos.Markets.AdjustOI(ctx, token, long, short); err != nil {
		m.logger.Warn("open interest update failed", "token", token, "error", err)
	}
}

// pnlProof is the SETTLE_PNL proof blob.
type pnlProof struct {
	PositionID string `json:"positionId"`
	Realized   string `json:"realized,omitempty"`
	Fee        string `json:"fee"`
	TradeType  string `json:"tradeType"`
}
