package txbuilder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// quantity accepts JSON numbers, decimal strings and 0x-prefixed hex strings.
type quantity struct {
	value *big.Int
}

func (q *quantity) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(bytes.Trim(bytes.TrimSpace(data), `"`)))
	if raw == "" || raw == "null" {
		q.value = nil
		return nil
	}
	var (
		parsed *big.Int
		ok     bool
	)
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		parsed, ok = new(big.Int).SetString(raw[2:], 16)
	} else {
		parsed, ok = new(big.Int).SetString(raw, 10)
	}
	if !ok {
		return fmt.Errorf("无法解析数值 %q", raw)
	}
	q.value = parsed
	return nil
}

// routeWire is the provider-supplied call description.
type routeWire struct {
	To       string   `json:"to"`
	Data     string   `json:"data"`
	Value    quantity `json:"value"`
	GasLimit quantity `json:"gasLimit"`
	ChainID  quantity `json:"chainId"`
}

// Route is a validated, ledger-native call.
type Route struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
	ChainID  *big.Int
}

// DecodeRoute parses and validates an untrusted route payload.
func DecodeRoute(payload []byte) (Route, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return Route{}, errors.New("路由为空")
	}
	var wire routeWire
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Route{}, fmt.Errorf("路由格式无效: %w", err)
	}

	to := strings.TrimSpace(wire.To)
	if !common.IsHexAddress(to) {
		return Route{}, fmt.Errorf("路由目标地址无效: %q", to)
	}
	route := Route{To: common.HexToAddress(to), Value: new(big.Int)}
	if route.To == (common.Address{}) {
		return Route{}, errors.New("路由目标地址为零地址")
	}

	if data := strings.TrimSpace(wire.Data); data != "" && data != "0x" {
		decoded, err := hexutil.Decode(data)
		if err != nil {
			return Route{}, fmt.Errorf("路由 calldata 无效: %w", err)
		}
		route.Data = decoded
	}
	if wire.Value.value != nil {
		if wire.Value.value.Sign() < 0 {
			return Route{}, errors.New("路由转账金额为负")
		}
		route.Value = wire.Value.value
	}
	if wire.GasLimit.value != nil {
		if !wire.GasLimit.value.IsUint64() {
			return Route{}, errors.New("路由 gasLimit 越界")
		}
		route.GasLimit = wire.GasLimit.value.Uint64()
	}
	if wire.ChainID.value != nil {
		if wire.ChainID.value.Sign() <= 0 {
			return Route{}, errors.New("路由 chainId 无效")
		}
		route.ChainID = wire.ChainID.value
	}
	return route, nil
}
