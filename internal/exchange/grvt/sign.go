// sign.go implements GRVT's EIP-712 order signing.
//
// Every order carries a typed-data signature over the order payload. Leg
// asset ids come from the cached instrument hash, contract sizes are scaled
// by 10^base_decimals and limit prices by 10^9. The domain is fixed at
// {name: "GRVT Exchange", version: "0"} with the configured chain id.
// Signing is deterministic for a given (payload, nonce, expiration), so two
// signatures over identical inputs are byte-equal.
package grvt

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"perp-arb/pkg/types"
)

// Venue time-in-force codes embedded in the signed payload.
const (
	tifGoodTillTime      = 1
	tifAllOrNone         = 2
	tifImmediateOrCancel = 3
	tifFillOrKill        = 4
)

const priceScale = 1e9

// tifCode maps the shared enum to the venue's numeric code. Market orders
// always sign as IOC.
func tifCode(t types.TimeInForce) int {
	switch t {
	case types.TIFAllOrNone:
		return tifAllOrNone
	case types.TIFImmediateOrCancel:
		return tifImmediateOrCancel
	case types.TIFFillOrKill:
		return tifFillOrKill
	default:
		return tifGoodTillTime
	}
}

// Signer signs order payloads with the account's secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

// NewSigner parses the hex private key (0x prefix optional).
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	keyHex := privateKeyHex
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	priv, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{
		privateKey: priv,
		address:    crypto.PubkeyToAddress(priv.PublicKey),
		chainID:    big.NewInt(chainID),
	}, nil
}

// Address returns the signer's address, sent alongside the signature.
func (s *Signer) Address() common.Address { return s.address }

// OrderPayload is the signed portion of an order, assembled by the client
// from the request and the cached instrument descriptor.
type OrderPayload struct {
	SubAccountID string
	IsMarket     bool
	TimeInForce  int
	PostOnly     bool
	ReduceOnly   bool
	Legs         []OrderLeg
	Nonce        uint32
	Expiration   int64 // nanoseconds since epoch
}

// OrderLeg is one leg of the signed payload, already scaled to wire units.
type OrderLeg struct {
	AssetID          string // instrument hash, 0x-prefixed
	ContractSize     *big.Int
	LimitPrice       *big.Int
	IsBuyingContract bool
}

// BuildLeg scales a quantity and price into a signed leg using the
// instrument's base decimals. Market orders sign the protective price the
// venue should not cross, or zero when none applies.
func BuildLeg(instr *types.Instrument, side types.Side, quantity, price float64) OrderLeg {
	sizeScale := math.Pow10(int(instr.BaseDecimals))
	size := new(big.Int)
	big.NewFloat(quantity * sizeScale).Int(size)
	limit := new(big.Int)
	big.NewFloat(price * priceScale).Int(limit)
	return OrderLeg{
		AssetID:          instr.InstrumentHash,
		ContractSize:     size,
		LimitPrice:       limit,
		IsBuyingContract: side == types.BUY,
	}
}

// Sign produces the EIP-712 signature for one order payload. The returned
// signature is 65 bytes hex with V adjusted to 27/28.
func (s *Signer) Sign(p OrderPayload) (string, error) {
	legs := make([]any, 0, len(p.Legs))
	for _, l := range p.Legs {
		legs = append(legs, map[string]any{
			"assetID":          l.AssetID,
			"contractSize":     l.ContractSize.String(),
			"limitPrice":       l.LimitPrice.String(),
			"isBuyingContract": l.IsBuyingContract,
		})
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Order": {
				{Name: "subAccountID", Type: "uint64"},
				{Name: "isMarket", Type: "bool"},
				{Name: "timeInForce", Type: "uint8"},
				{Name: "postOnly", Type: "bool"},
				{Name: "reduceOnly", Type: "bool"},
				{Name: "legs", Type: "OrderLeg[]"},
				{Name: "nonce", Type: "uint32"},
				{Name: "expiration", Type: "int64"},
			},
			"OrderLeg": {
				{Name: "assetID", Type: "uint256"},
				{Name: "contractSize", Type: "uint64"},
				{Name: "limitPrice", Type: "uint64"},
				{Name: "isBuyingContract", Type: "bool"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:    "GRVT Exchange",
			Version: "0",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(s.chainID)),
		},
		Message: apitypes.TypedDataMessage{
			"subAccountID": p.SubAccountID,
			"isMarket":     p.IsMarket,
			"timeInForce":  strconv.Itoa(p.TimeInForce),
			"postOnly":     p.PostOnly,
			"reduceOnly":   p.ReduceOnly,
			"legs":         legs,
			"nonce":        strconv.FormatUint(uint64(p.Nonce), 10),
			"expiration":   strconv.FormatInt(p.Expiration, 10),
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("typed data hash: %w", err)
	}
	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign order: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// NewClientOrderID draws a random client order id in [2^63, 2^64), the
// venue's required range. Repair resubmissions always draw a fresh one.
func NewClientOrderID() string {
	half := new(big.Int).Lsh(big.NewInt(1), 63)
	n, err := rand.Int(rand.Reader, half)
	if err != nil {
		// crypto/rand only fails when the platform entropy source is
		// broken; an id of exactly 2^63 is still in range.
		n = big.NewInt(0)
	}
	return new(big.Int).Add(half, n).String()
}
