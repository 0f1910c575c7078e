// Package balance reads point-in-time balances of the treasury identity from
// the configured ledgers.
package balance

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Lifeline-Treasury/internal/errors"
	"Lifeline-Treasury/internal/ledger"
	"Lifeline-Treasury/pkg/logger"
)

// CodeUnavailable 表示余额读取失败。调用方必须视为"未知"，不能当作零。
const CodeUnavailable xerrors.Code = "BALANCE_UNAVAILABLE"

func init() {
	xerrors.Register(CodeUnavailable, xerrors.Attributes{
		Message:   "balance unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// Source resolves ledger clients and the assets defined on them.
type Source interface {
	ledger.Resolver
	Asset(ledgerName, symbol string) (ledger.Asset, error)
}

// Oracle 通过账本 RPC 读取余额快照。
type Oracle struct {
	source Source
	now    func() time.Time
	log    *slog.Logger
}

// Option customises the oracle.
type Option func(*Oracle)

// WithClock overrides the observation clock.
func WithClock(now func() time.Time) Option {
	return func(o *Oracle) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOracle 创建余额查询器。
func NewOracle(source Source, opts ...Option) *Oracle {
	o := &Oracle{source: source, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.log = logger.Named("balance")
	return o
}

// GetBalance 读取账本原生资产余额。
func (o *Oracle) GetBalance(ctx context.Context, ledgerName string, address common.Address) (ledger.Snapshot, error) {
	return o.GetAssetBalance(ctx, ledgerName, string(ledger.AssetNative), address)
}

// GetAssetBalance 读取指定资产余额。任何读取失败都返回 BALANCE_UNAVAILABLE，
// 绝不返回零值快照。
func (o *Oracle) GetAssetBalance(ctx context.Context, ledgerName, symbol string, address common.Address) (ledger.Snapshot, error) {
	if o == nil || o.source == nil {
		return ledger.Snapshot{}, xerrors.New(CodeUnavailable, "余额查询器未初始化")
	}
	if address == (common.Address{}) {
		return ledger.Snapshot{}, xerrors.New(CodeUnavailable, "缺少查询地址")
	}
	client, ok := o.source.Client(ledgerName)
	if !ok || client == nil {
		return ledger.Snapshot{}, xerrors.New(CodeUnavailable, fmt.Sprintf("未配置账本 %s", ledgerName),
			xerrors.WithMetadata("ledger", ledgerName))
	}
	asset, err := o.source.Asset(ledgerName, symbol)
	if err != nil {
		return ledger.Snapshot{}, xerrors.Wrap(CodeUnavailable, err, fmt.Sprintf("账本 %s 无法解析资产 %s", ledgerName, symbol),
			xerrors.WithMetadata("ledger", ledgerName))
	}

	var quantity *big.Int
	switch asset.Kind {
	case ledger.AssetStable:
		quantity, err = client.TokenBalance(ctx, asset.Token, address)
	default:
		quantity, err = client.NativeBalance(ctx, address)
	}
	if err != nil {
		o.log.Warn("余额读取失败",
			slog.String("ledger", ledgerName),
			slog.String("asset", asset.Symbol),
			slog.String("address", address.Hex()),
			slog.Any("error", err))
		return ledger.Snapshot{}, xerrors.Wrap(CodeUnavailable, err, fmt.Sprintf("读取账本 %s 的 %s 余额失败", ledgerName, asset.Symbol),
			xerrors.WithMetadata("ledger", ledgerName),
			xerrors.WithMetadata("asset", asset.Symbol))
	}
	if quantity == nil || quantity.Sign() < 0 {
		return ledger.Snapshot{}, xerrors.New(CodeUnavailable, fmt.Sprintf("账本 %s 返回了无效余额", ledgerName),
			xerrors.WithMetadata("ledger", ledgerName))
	}

	return ledger.Snapshot{
		Ledger:     ledgerName,
		Address:    address.Hex(),
		Asset:      asset.Kind,
		Symbol:     asset.Symbol,
		Quantity:   new(big.Int).Set(quantity),
		Decimals:   asset.Decimals,
		ObservedAt: o.now().UTC(),
	}, nil
}
