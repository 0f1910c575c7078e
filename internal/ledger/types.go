package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// AssetKind distinguishes the ledger's gas asset from token balances.
type AssetKind string

const (
	AssetNative AssetKind = "NATIVE"
	AssetStable AssetKind = "STABLE"
)

// Asset identifies a balance on a specific ledger.
type Asset struct {
	Kind     AssetKind
	Symbol   string
	Token    common.Address
	Decimals uint8
}

// Snapshot is a point-in-time balance observation. Quantity is expressed in
// the asset's base units.
type Snapshot struct {
	Ledger     string    `json:"ledger"`
	Address    string    `json:"address"`
	Asset      AssetKind `json:"asset"`
	Symbol     string    `json:"symbol"`
	Quantity   *big.Int  `json:"quantity"`
	Decimals   uint8     `json:"decimals"`
	ObservedAt time.Time `json:"observed_at"`
}

// Format renders the quantity as a decimal string.
func (s Snapshot) Format() string {
	return FormatUnits(s.Quantity, s.Decimals)
}

// Client defines the operations the treasury needs from a ledger so higher
// layers can be exercised against real nodes and simulated backends alike.
type Client interface {
	Name() string
	ChainID(ctx context.Context) (*big.Int, error)
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	LatestHeader(ctx context.Context) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	Close()
}

// Resolver returns the client registered under a ledger name.
type Resolver interface {
	Client(name string) (Client, bool)
}

// ParseUnits converts a decimal string such as "0.4" into base units.
func ParseUnits(value string, decimals uint8) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("数量不能为空")
	}
	if strings.HasPrefix(value, "-") {
		return nil, fmt.Errorf("数量不能为负: %s", value)
	}
	whole, frac, _ := strings.Cut(value, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > int(decimals) {
		trimmed := strings.TrimRight(frac[decimals:], "0")
		if trimmed != "" {
			return nil, fmt.Errorf("数量 %s 超出 %d 位精度", value, decimals)
		}
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))

	out, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("无法解析数量: %s", value)
	}
	return out, nil
}

// FormatUnits renders base units as a decimal string without trailing zeros.
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	sign := ""
	abs := new(big.Int).Set(amount)
	if abs.Sign() < 0 {
		sign = "-"
		abs.Neg(abs)
	}
	digits := abs.String()
	if decimals == 0 {
		return sign + digits
	}
	if len(digits) <= int(decimals) {
		digits = strings.Repeat("0", int(decimals)-len(digits)+1) + digits
	}
	point := len(digits) - int(decimals)
	frac := strings.TrimRight(digits[point:], "0")
	if frac == "" {
		return sign + digits[:point]
	}
	return sign + digits[:point] + "." + frac
}
