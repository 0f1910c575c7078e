package lifesupport

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	xerrors "Lifeline-Treasury/internal/errors"
	"Lifeline-Treasury/internal/quote"
	"Lifeline-Treasury/internal/submit"
)

// SwapRequest 描述同一账本内的资产兑换。
type SwapRequest struct {
	Ledger      string `json:"ledger"`
	SourceAsset string `json:"source_asset"`
	DestAsset   string `json:"dest_asset"`
	Amount      string `json:"amount"`
	MinOut      string `json:"min_out,omitempty"`
	// SlippageBps 为 0 时沿用策略配置。
	SlippageBps uint32 `json:"slippage_bps,omitempty"`
}

// Swap 在单一账本内执行兑换，与跨账本补给共用守卫、报价、构造与提交流程。
func (c *Controller) Swap(ctx context.Context, req SwapRequest) CheckResult {
	run := c.begin(KindNativeSwap)
	c.execute(ctx, run, func(ctx context.Context, run *attempt) {
		c.nativeSwap(ctx, run, req)
	})
	return c.complete(ctx, run)
}

func (c *Controller) nativeSwap(ctx context.Context, run *attempt, req SwapRequest) {
	qreq, err := c.swapRequest(req)
	if err != nil {
		run.enter(StateFailed)
		run.finish(StatusFailed, err)
		return
	}

	id, err := c.identity()
	if err != nil {
		if cached, ok := c.deps.Identity.CachedAddress(); ok {
			run.result.Identity = cached.Hex()
		}
		run.finish(StatusIdentityUnavailable, identityError(err))
		return
	}
	address := id.Address()
	run.result.Identity = address.Hex()
	qreq.From, qreq.To = address, address

	release, ok := c.acquire(ctx, run, address)
	if !ok {
		return
	}
	defer release()

	run.enter(StateNominal)
	source, err := c.deps.Balances.GetAssetBalance(ctx, req.Ledger, req.SourceAsset, address)
	if err != nil {
		run.finish(StatusBalanceUnavailable, balanceError(err))
		return
	}
	run.result.Reserve = &source
	c.deps.Metrics.ObserveBalance(source.Ledger, source.Symbol, "swap_source", source.Quantity, source.Decimals)
	if source.Quantity.Cmp(qreq.Amount) < 0 {
		run.enter(StateInsufficientReserve)
		run.result.Transfer = &submit.TransferResult{Outcome: submit.OutcomeInsufficientFunds, SourceAmount: new(big.Int).Set(qreq.Amount)}
		run.finish(StatusInsufficientReserve, xerrors.New(CodeInsufficientReserve,
			fmt.Sprintf("%s 余额 %s 不足以兑换 %s", source.Symbol, source.Format(), req.Amount),
			xerrors.WithMetadata("balance", source.Format()),
			xerrors.WithMetadata("required", req.Amount),
		))
		return
	}
	run.enter(StateReserveChecked)
	c.transfer(ctx, run, id, qreq)
}

func (c *Controller) swapRequest(req SwapRequest) (quote.Request, error) {
	if strings.TrimSpace(req.Ledger) == "" {
		return quote.Request{}, xerrors.New(xerrors.CodeInvalidArgument, "兑换必须指定账本")
	}
	src, err := c.deps.Assets.Asset(req.Ledger, req.SourceAsset)
	if err != nil {
		return quote.Request{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "源资产无效")
	}
	dst, err := c.deps.Assets.Asset(req.Ledger, req.DestAsset)
	if err != nil {
		return quote.Request{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "目标资产无效")
	}
	if strings.EqualFold(src.Symbol, dst.Symbol) {
		return quote.Request{}, xerrors.New(xerrors.CodeInvalidArgument, "兑换的源资产与目标资产不能相同")
	}
	amount, err := parseAmount("amount", req.Amount, src.Decimals, true)
	if err != nil {
		return quote.Request{}, err
	}
	if amount.Sign() == 0 {
		return quote.Request{}, xerrors.New(xerrors.CodeInvalidArgument, "兑换金额必须大于 0")
	}
	var minOut *big.Int
	if strings.TrimSpace(req.MinOut) != "" {
		if minOut, err = parseAmount("min_out", req.MinOut, dst.Decimals, true); err != nil {
			return quote.Request{}, err
		}
	}
	slippage := req.SlippageBps
	if slippage == 0 {
		slippage = c.policy.SlippageBps
	}
	if slippage >= 10_000 {
		return quote.Request{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("滑点 %d bps 超出范围", slippage))
	}
	return quote.Request{
		SourceLedger:  req.Ledger,
		DestLedger:    req.Ledger,
		SourceAsset:   src.Symbol,
		DestAsset:     dst.Symbol,
		Amount:        amount,
		SlippageBps:   slippage,
		MinDestAmount: minOut,
	}, nil
}
