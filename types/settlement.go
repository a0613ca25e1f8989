package types

import (
	"encoding/json"

	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/fixedpoint"
)

// SettlementLog journals one user-visible balance movement. Amount carries
// sign (funding fees are negative); BalanceBefore/After are the wallet
// balance around the movement, read under the trader's balance lock.
type SettlementLog struct {
	ID            string
	Trader        string
	Token         string
	PositionID    string
	Type          SettlementType
	Amount        sdkmath.Int
	BalanceBefore sdkmath.Int
	BalanceAfter  sdkmath.Int
	OnChainStatus OnChainStatus
	Proof         json.RawMessage // opaque payload for the on-chain submitter
	TxHash        string
	CreatedAt     int64 // unix ms
	UpdatedAt     int64 // unix ms
}

// FundingProof is the proof blob written for FUNDING_FEE entries.
type FundingProof struct {
	PositionID  string `json:"positionId"`
	FundingRate int64  `json:"fundingRate"`
	Amount      string `json:"amount"`
	Destination string `json:"destination"`
}

// TransferProof is the proof blob for DEPOSIT/WITHDRAW entries.
type TransferProof struct {
	Trader string `json:"trader"`
	Amount string `json:"amount"`
	Block  uint64 `json:"block,omitempty"`
}

// Hash returns the stored form.
func (s *SettlementLog) Hash() map[string]string {
	return map[string]string{
		"id":            s.ID,
		"trader":        s.Trader,
		"token":         s.Token,
		"positionId":    s.PositionID,
		"type":          string(s.Type),
		"amount":        s.Amount.String(),
		"balanceBefore": s.BalanceBefore.String(),
		"balanceAfter":  s.BalanceAfter.String(),
		"onChainStatus": string(s.OnChainStatus),
		"proof":         string(s.Proof),
		"txHash":        s.TxHash,
		"createdAt":     itoa(s.CreatedAt),
		"updatedAt":     itoa(s.UpdatedAt),
	}
}

// SettlementFromHash rebuilds a settlement log entry.
func SettlementFromHash(h map[string]string) *SettlementLog {
	zero := sdkmath.ZeroInt()
	status := OnChainStatus(h["onChainStatus"])
	if status == "" {
		status = OnChainPending
	}
	return &SettlementLog{
		ID:            h["id"],
		Trader:        legacyField(h, "trader", "userAddress"),
		Token:         legacyField(h, "token", "symbol"),
		PositionID:    h["positionId"],
		Type:          SettlementType(h["type"]),
		Amount:        fixedpoint.ParseInt(h["amount"], zero),
		BalanceBefore: fixedpoint.ParseInt(h["balanceBefore"], zero),
		BalanceAfter:  fixedpoint.ParseInt(h["balanceAfter"], zero),
		OnChainStatus: status,
		Proof:         json.RawMessage(h["proof"]),
		TxHash:        h["txHash"],
		CreatedAt:     fixedpoint.ParseInt64(h["createdAt"], 0),
		UpdatedAt:     fixedpoint.ParseInt64(h["updatedAt"], 0),
	}
}
