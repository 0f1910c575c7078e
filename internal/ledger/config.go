package ledger

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Definitions models the `ledgers` section of configs/ledgers.yaml.
type Definitions struct {
	Ledgers map[string]Definition `yaml:"ledgers"`
}

// Definition describes a single ledger endpoint and the assets held on it.
type Definition struct {
	Type           string                     `yaml:"type"`
	RPCURL         string                     `yaml:"rpc_url"`
	ChainID        uint64                     `yaml:"chain_id"`
	NativeSymbol   string                     `yaml:"native_symbol"`
	NativeDecimals uint8                      `yaml:"native_decimals"`
	Assets         map[string]AssetDefinition `yaml:"assets"`
	Description    string                     `yaml:"description"`
}

// AssetDefinition describes a non-native asset tracked on a ledger.
type AssetDefinition struct {
	Token    string `yaml:"token"`
	Decimals uint8  `yaml:"decimals"`
}

// LoadDefinitions parses the YAML file containing ledger metadata.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Ledgers: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取账本配置失败: %w", err)
	}
	return ParseDefinitions(content)
}

// ParseDefinitions decodes ledger definitions from raw YAML.
func ParseDefinitions(content []byte) (Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析账本配置失败: %w", err)
	}
	if defs.Ledgers == nil {
		defs.Ledgers = map[string]Definition{}
	}
	for name, def := range defs.Ledgers {
		if def.NativeSymbol == "" {
			def.NativeSymbol = "ETH"
		}
		if def.NativeDecimals == 0 {
			def.NativeDecimals = 18
		}
		defs.Ledgers[name] = def
	}
	return defs, nil
}

// Asset resolves an asset symbol against the ledger definition. The native
// symbol (or the literal "NATIVE") maps to the chain's gas asset.
func (d Definition) Asset(symbol string) (Asset, error) {
	trimmed := strings.TrimSpace(symbol)
	if trimmed == "" || strings.EqualFold(trimmed, string(AssetNative)) || strings.EqualFold(trimmed, d.NativeSymbol) {
		return Asset{Kind: AssetNative, Symbol: d.NativeSymbol, Decimals: d.NativeDecimals}, nil
	}
	for name, def := range d.Assets {
		if !strings.EqualFold(name, trimmed) {
			continue
		}
		if !common.IsHexAddress(def.Token) {
			return Asset{}, fmt.Errorf("资产 %s 的合约地址无效", name)
		}
		return Asset{
			Kind:     AssetStable,
			Symbol:   name,
			Token:    common.HexToAddress(def.Token),
			Decimals: def.Decimals,
		}, nil
	}
	return Asset{}, fmt.Errorf("账本未定义资产 %s", trimmed)
}
