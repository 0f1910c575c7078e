// Package txbuilder turns a selected quote into a signed, ledger-native
// EIP-1559 transaction.
package txbuilder

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "Lifeline-Treasury/internal/errors"
	"Lifeline-Treasury/internal/ledger"
	"Lifeline-Treasury/internal/quote"
	"Lifeline-Treasury/pkg/logger"
)

// CodeAssembly 表示交易无法组装或签名，本次尝试终止，下个周期需要新报价。
const CodeAssembly xerrors.Code = "ASSEMBLY_ERROR"

func init() {
	xerrors.Register(CodeAssembly, xerrors.Attributes{
		Message:   "transaction assembly failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

const (
	defaultGasHeadroomPercent = 20
	defaultMaxGasLimit        = 3_000_000
)

// Ledgers resolves ledger clients and the asset metadata needed to bound a
// route's native value.
type Ledgers interface {
	ledger.Resolver
	Asset(ledgerName, symbol string) (ledger.Asset, error)
}

// Signer is the identity capability the assembler needs.
type Signer interface {
	Address() common.Address
	CanSign() bool
	SignTx(tx *types.Transaction, signer types.Signer) (*types.Transaction, error)
}

// RouteBuilder fetches a route payload for quotes that did not carry one.
type RouteBuilder interface {
	BuildRoute(ctx context.Context, q quote.Quote, from, to common.Address) ([]byte, error)
}

// Intent is a transfer the controller has decided to execute.
type Intent struct {
	Quote          quote.Quote
	Destination    common.Address
	SlippageBps    uint32
	IdempotencyTag common.Hash
}

// SignedTransaction is ready for submission.
type SignedTransaction struct {
	Tx     *types.Transaction
	Raw    []byte
	Ledger string
	From   common.Address
	Intent Intent
}

// Hash returns the transaction hash.
func (s *SignedTransaction) Hash() common.Hash {
	if s == nil || s.Tx == nil {
		return common.Hash{}
	}
	return s.Tx.Hash()
}

// Config tunes fee and gas derivation.
type Config struct {
	// GasHeadroomPercent is added on top of node gas estimates.
	GasHeadroomPercent uint64
	// MaxGasLimit caps both explicit route gas limits and padded estimates.
	MaxGasLimit uint64
}

// Assembler builds and signs transactions.
type Assembler struct {
	ledgers Ledgers
	routes  RouteBuilder
	cfg     Config
	now     func() time.Time
	log     *slog.Logger
}

// Option customises the assembler.
type Option func(*Assembler)

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAssembler creates an assembler.
func NewAssembler(ledgers Ledgers, routes RouteBuilder, cfg Config, opts ...Option) *Assembler {
	if cfg.GasHeadroomPercent == 0 {
		cfg.GasHeadroomPercent = defaultGasHeadroomPercent
	}
	if cfg.MaxGasLimit == 0 {
		cfg.MaxGasLimit = defaultMaxGasLimit
	}
	a := &Assembler{ledgers: ledgers, routes: routes, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	a.log = logger.Named("txbuilder")
	return a
}

// BuildAndSign resolves the route, attaches fresh account and fee state and
// signs the transaction. Expired quotes are refused.
func (a *Assembler) BuildAndSign(ctx context.Context, intent Intent, signer Signer) (*SignedTransaction, error) {
	q := intent.Quote
	meta := []xerrors.Option{
		xerrors.WithMetadata("provider", q.Provider),
		xerrors.WithMetadata("quote_id", q.ID),
	}
	if signer == nil || !signer.CanSign() {
		return nil, xerrors.New(CodeAssembly, "身份无法签名", meta...)
	}
	if q.Expired(a.now()) {
		return nil, xerrors.New(CodeAssembly, fmt.Sprintf("报价 %s 已于 %s 过期", q.ID, q.ExpiresAt.Format(time.RFC3339)), meta...)
	}
	if intent.Destination == (common.Address{}) {
		return nil, xerrors.New(CodeAssembly, "缺少收款地址", meta...)
	}

	client, ok := a.ledgers.Client(q.SourceLedger)
	if !ok || client == nil {
		return nil, xerrors.New(CodeAssembly, fmt.Sprintf("未配置账本 %s", q.SourceLedger), meta...)
	}

	from := signer.Address()
	payload := q.RoutePayload
	if len(payload) == 0 {
		if a.routes == nil {
			return nil, xerrors.New(CodeAssembly, "报价未携带路由且未配置路由构建器", meta...)
		}
		built, err := a.routes.BuildRoute(ctx, q, from, intent.Destination)
		if err != nil {
			return nil, xerrors.Wrap(CodeAssembly, err, "获取路由失败", meta...)
		}
		payload = built
	}
	route, err := DecodeRoute(payload)
	if err != nil {
		return nil, xerrors.Wrap(CodeAssembly, err, "路由校验失败", meta...)
	}
	if err := a.checkRouteValue(q, route); err != nil {
		return nil, xerrors.Wrap(CodeAssembly, err, "路由金额校验失败", meta...)
	}
	if route.GasLimit > a.cfg.MaxGasLimit {
		return nil, xerrors.New(CodeAssembly,
			fmt.Sprintf("路由 gasLimit %d 超过上限 %d", route.GasLimit, a.cfg.MaxGasLimit), meta...)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(CodeAssembly, err, "获取链 ID 失败", meta...)
	}
	if route.ChainID != nil && route.ChainID.Cmp(chainID) != 0 {
		return nil, xerrors.New(CodeAssembly,
			fmt.Sprintf("路由 chainId %s 与账本 %s 的链 ID %s 不一致", route.ChainID, q.SourceLedger, chainID), meta...)
	}

	// Route fetching may take a while; re-check before pinning account state.
	if q.Expired(a.now()) {
		return nil, xerrors.New(CodeAssembly, fmt.Sprintf("报价 %s 在组装过程中过期", q.ID), meta...)
	}

	nonce, err := client.PendingNonce(ctx, from)
	if err != nil {
		return nil, xerrors.Wrap(CodeAssembly, err, "获取 nonce 失败", meta...)
	}
	header, err := client.LatestHeader(ctx)
	if err != nil {
		return nil, xerrors.Wrap(CodeAssembly, err, "获取最新区块失败", meta...)
	}
	if header == nil || header.BaseFee == nil {
		return nil, xerrors.New(CodeAssembly, "节点未提供 base fee", meta...)
	}
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, xerrors.Wrap(CodeAssembly, err, "获取小费建议失败", meta...)
	}
	feeCap := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)

	gas := route.GasLimit
	if gas == 0 {
		estimated, err := client.EstimateGas(ctx, gethcore.CallMsg{
			From:  from,
			To:    &route.To,
			Value: route.Value,
			Data:  route.Data,
		})
		if err != nil {
			return nil, xerrors.Wrap(CodeAssembly, err, "估算 gas 失败", meta...)
		}
		gas = estimated + estimated*a.cfg.GasHeadroomPercent/100
		if gas > a.cfg.MaxGasLimit {
			return nil, xerrors.New(CodeAssembly,
				fmt.Sprintf("估算 gas %d 超过上限 %d", gas, a.cfg.MaxGasLimit), meta...)
		}
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &route.To,
		Value:     route.Value,
		Data:      route.Data,
	})
	signed, err := signer.SignTx(tx, types.LatestSignerForChainID(chainID))
	if err != nil {
		return nil, xerrors.Wrap(CodeAssembly, err, "签名交易失败", meta...)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, xerrors.Wrap(CodeAssembly, err, "序列化交易失败", meta...)
	}

	a.log.Info("交易已签名",
		slog.String("ledger", q.SourceLedger),
		slog.String("provider", q.Provider),
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas", gas),
		slog.String("fee_cap", feeCap.String()))

	return &SignedTransaction{
		Tx:     signed,
		Raw:    raw,
		Ledger: q.SourceLedger,
		From:   from,
		Intent: intent,
	}, nil
}

// checkRouteValue binds the native value a route may carry to the quoted
// source leg: native sources spend at most SourceAmount, token sources none.
func (a *Assembler) checkRouteValue(q quote.Quote, route Route) error {
	asset, err := a.ledgers.Asset(q.SourceLedger, q.SourceAsset)
	if err != nil {
		return err
	}
	value := route.Value
	if value == nil {
		value = new(big.Int)
	}
	switch asset.Kind {
	case ledger.AssetNative:
		limit := q.SourceAmount
		if limit == nil {
			limit = new(big.Int)
		}
		if value.Cmp(limit) > 0 {
			return fmt.Errorf("路由 value %s 超过报价源金额 %s", value, limit)
		}
	default:
		if value.Sign() != 0 {
			return fmt.Errorf("源资产 %s 不是原生资产，路由 value 必须为 0，实际为 %s", asset.Symbol, value)
		}
	}
	return nil
}
