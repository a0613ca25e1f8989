// Package ethsig verifies the EIP-712 signatures that authenticate order
// submissions. Orders are signed in the trader's wallet against the
// PerpEngine typed-data domain; the engine recovers the signer and matches
// it to the claimed trader address.
package ethsig

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"

	"cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/openalpha/perp-engine/types"
)

const (
	domainName    = "PerpEngine"
	domainVersion = "1"
)

// Signer hashes and verifies orders against one chain's domain separator.
type Signer struct {
	chainID *big.Int
}

// New returns a Signer bound to chainID.
func New(chainID int64) *Signer {
	return &Signer{chainID: big.NewInt(chainID)}
}

// Normalize canonicalizes an address to lowercase 0x-prefixed hex. Every
// trader address entering the engine passes through here so store keys and
// signature checks agree.
func Normalize(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", errors.Wrapf(types.ErrInvalidTrader, "address %q", addr)
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

// Digest returns the EIP-712 digest a wallet signs for the order.
func (s *Signer) Digest(o *types.Order) ([]byte, error) {
	td := s.typedData(o)
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, errors.Wrap(types.ErrInvalidSignature, err.Error())
	}
	return digest, nil
}

// Recover returns the lowercase address that signed the order.
func (s *Signer) Recover(o *types.Order) (string, error) {
	sig, err := decodeSignature(o.Signature)
	if err != nil {
		return "", err
	}
	digest, err := s.Digest(o)
	if err != nil {
		return "", err
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", errors.Wrap(types.ErrInvalidSignature, err.Error())
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// Sign signs the order with a hex-encoded private key and returns the
// 0x-prefixed signature. Production orders arrive pre-signed; this exists
// for tests and the dev-mode submitter.
func (s *Signer) Sign(o *types.Order, keyHex string) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return "", errors.Wrap(types.ErrInvalidSignature, err.Error())
	}
	digest, err := s.Digest(o)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return "", errors.Wrap(types.ErrInvalidSignature, err.Error())
	}
	sig[64] += 27 // wallet convention
	return "0x" + hex.EncodeToString(sig), nil
}

func (s *Signer) typedData(o *types.Order) apitypes.TypedData {
	deadline := big.NewInt(o.Deadline)
	nonce := new(big.Int).SetUint64(o.Nonce)
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Order": {
				{Name: "trader", Type: "address"},
				{Name: "token", Type: "address"},
				{Name: "side", Type: "uint8"},
				{Name: "orderType", Type: "uint8"},
				{Name: "size", Type: "uint256"},
				{Name: "price", Type: "uint256"},
				{Name: "leverage", Type: "uint256"},
				{Name: "reduceOnly", Type: "bool"},
				{Name: "postOnly", Type: "bool"},
				{Name: "triggerPrice", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:    domainName,
			Version: domainVersion,
			ChainId: (*ethmath.HexOrDecimal256)(s.chainID),
		},
		Message: apitypes.TypedDataMessage{
			"trader":       o.Trader,
			"token":        o.Token,
			"side":         strconv.FormatInt(int64(o.Side), 10),
			"orderType":    strconv.FormatInt(int64(o.Type), 10),
			"size":         o.Size.String(),
			"price":        o.Price.String(),
			"leverage":     strconv.FormatInt(o.Leverage, 10),
			"reduceOnly":   o.ReduceOnly,
			"postOnly":     o.PostOnly,
			"triggerPrice": o.TriggerPrice.String(),
			"deadline":     deadline.String(),
			"nonce":        nonce.String(),
		},
	}
}

func decodeSignature(sigHex string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return nil, errors.Wrap(types.ErrInvalidSignature, err.Error())
	}
	if len(raw) != 65 {
		return nil, errors.Wrapf(types.ErrInvalidSignature, "length %d", len(raw))
	}
	sig := make([]byte, 65)
	copy(sig, raw)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	return sig, nil
}
