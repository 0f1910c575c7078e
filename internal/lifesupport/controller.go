package lifesupport

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"Lifeline-Treasury/internal/balance"
	xerrors "Lifeline-Treasury/internal/errors"
	"Lifeline-Treasury/internal/identity"
	"Lifeline-Treasury/internal/ledger"
	"Lifeline-Treasury/internal/observability/alerting"
	"Lifeline-Treasury/internal/quote"
	"Lifeline-Treasury/internal/sink"
	"Lifeline-Treasury/internal/submit"
	"Lifeline-Treasury/internal/txbuilder"
	"Lifeline-Treasury/pkg/logger"
)

// IdentitySource 提供签名身份以及只读检查用的缓存地址。
type IdentitySource interface {
	Load() (*identity.Identity, error)
	CachedAddress() (common.Address, bool)
}

// BalanceReader 读取账本余额。
type BalanceReader interface {
	GetAssetBalance(ctx context.Context, ledgerName, symbol string, address common.Address) (ledger.Snapshot, error)
}

// QuoteSource 选出最优报价并记录报价方的结果。
type QuoteSource interface {
	GetQuote(ctx context.Context, req quote.Request) (quote.Quote, error)
	Record(ctx context.Context, provider string, success bool)
}

// Builder 构造并签名交易。
type Builder interface {
	BuildAndSign(ctx context.Context, intent txbuilder.Intent, signer txbuilder.Signer) (*txbuilder.SignedTransaction, error)
}

// Submitter 提交交易并等待终态。
type Submitter interface {
	Submit(ctx context.Context, signed *txbuilder.SignedTransaction) submit.TransferResult
}

// Recorder 接收控制器的指标。
type Recorder interface {
	ObserveCheck(kind, status string, duration time.Duration)
	ObserveBalance(ledger, symbol, role string, quantity *big.Int, decimals uint8)
	ObserveProvider(provider string, success bool)
	ObserveSubmission(outcome string, attempts int)
}

// Dependencies 汇总控制器的协作者。Guard、Sink、Alerts 与 Metrics 可以为空。
type Dependencies struct {
	Identity  IdentitySource
	Balances  BalanceReader
	Assets    AssetResolver
	Quotes    QuoteSource
	Assembler Builder
	Engine    Submitter
	Guard     Guard
	Sink      sink.Sink
	Alerts    alerting.Dispatcher
	Metrics   Recorder
}

// Option 定义控制器的可选配置。
type Option func(*Controller)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// Controller 是生命维持控制器。
type Controller struct {
	deps   Dependencies
	policy Policy
	limits limits
	now    func() time.Time
	log    *slog.Logger

	idMu sync.Mutex
	held *identity.Identity
}

// NewController 校验依赖与策略并创建控制器。
func NewController(deps Dependencies, policy Policy, opts ...Option) (*Controller, error) {
	switch {
	case deps.Identity == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置身份存储")
	case deps.Balances == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置余额查询")
	case deps.Assets == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置资产定义")
	case deps.Quotes == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置报价聚合器")
	case deps.Assembler == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置交易构造器")
	case deps.Engine == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置提交引擎")
	}
	lim, err := policy.resolve(deps.Assets)
	if err != nil {
		return nil, err
	}
	if deps.Guard == nil {
		deps.Guard = NewMemoryGuard()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	c := &Controller{deps: deps, policy: policy, limits: lim, now: time.Now, log: logger.Named("lifesupport")}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Policy 返回当前策略。
func (c *Controller) Policy() Policy {
	return c.policy
}

// attempt 记录一次调用的进行中状态。
type attempt struct {
	result CheckResult
	err    error
}

func (a *attempt) enter(state State) {
	a.result.States = append(a.result.States, state)
}

func (a *attempt) finish(status Status, err error) {
	a.result.Status = status
	a.err = err
	if err != nil {
		a.result.ErrorCode = string(xerrors.CodeOf(err))
		a.result.ErrorDetail = err.Error()
	}
}

// Check 执行一次生命维持检查。任何情况下都会返回结果。
func (c *Controller) Check(ctx context.Context) CheckResult {
	run := c.begin(KindLifeSupport)
	c.execute(ctx, run, c.lifeSupport)
	return c.complete(ctx, run)
}

func (c *Controller) begin(kind Kind) *attempt {
	return &attempt{result: CheckResult{
		AttemptID: uuid.NewString(),
		Kind:      kind,
		StartedAt: c.now(),
	}}
}

func (c *Controller) execute(ctx context.Context, run *attempt, pipeline func(context.Context, *attempt)) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("生命维持流程发生 panic", slog.String("attempt_id", run.result.AttemptID), slog.Any("panic", r))
			run.enter(StateFailed)
			run.finish(StatusFailed, xerrors.New(xerrors.CodeInternal, fmt.Sprintf("流程异常中止: %v", r)))
		}
	}()
	pipeline(ctx, run)
}

// identity 返回控制器持有的签名身份。首次成功加载后在整个生命周期内复用，
// 之后身份文件的变化不会替换已持有的密钥。
func (c *Controller) identity() (*identity.Identity, error) {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	if c.held != nil {
		return c.held, nil
	}
	id, err := c.deps.Identity.Load()
	if err != nil {
		return nil, err
	}
	c.held = id
	return id, nil
}

func (c *Controller) lifeSupport(ctx context.Context, run *attempt) {
	id, idErr := c.identity()
	var address common.Address
	if idErr == nil {
		address = id.Address()
	} else {
		cached, ok := c.deps.Identity.CachedAddress()
		if !ok {
			run.finish(StatusIdentityUnavailable, identityError(idErr))
			return
		}
		c.log.Warn("身份不可用，使用缓存地址执行只读检查",
			slog.String("attempt_id", run.result.AttemptID),
			slog.String("address", cached.Hex()),
			slog.Any("error", idErr))
		address = cached
	}
	run.result.Identity = address.Hex()

	release, ok := c.acquire(ctx, run, address)
	if !ok {
		return
	}
	defer release()

	run.enter(StateNominal)
	operating, err := c.deps.Balances.GetAssetBalance(ctx, c.policy.OperatingLedger, c.policy.OperatingAsset, address)
	if err != nil {
		run.finish(StatusBalanceUnavailable, balanceError(err))
		return
	}
	run.result.Operating = &operating
	c.deps.Metrics.ObserveBalance(operating.Ledger, operating.Symbol, "operating", operating.Quantity, operating.Decimals)
	if operating.Quantity.Cmp(c.limits.threshold) >= 0 {
		run.finish(StatusNominal, nil)
		return
	}

	run.enter(StateLowFundsDetected)
	reserve, err := c.deps.Balances.GetAssetBalance(ctx, c.policy.ReserveLedger, c.policy.ReserveAsset, address)
	if err != nil {
		run.finish(StatusBalanceUnavailable, balanceError(err))
		return
	}
	run.result.Reserve = &reserve
	c.deps.Metrics.ObserveBalance(reserve.Ledger, reserve.Symbol, "reserve", reserve.Quantity, reserve.Decimals)

	required := c.limits.required()
	if reserve.Quantity.Cmp(required) < 0 {
		run.enter(StateInsufficientReserve)
		run.result.Transfer = &submit.TransferResult{
			Outcome:      submit.OutcomeInsufficientFunds,
			SourceAmount: new(big.Int).Set(c.limits.transfer),
		}
		run.finish(StatusInsufficientReserve, xerrors.New(CodeInsufficientReserve,
			fmt.Sprintf("储备 %s %s 低于所需 %s", reserve.Format(), reserve.Symbol, ledger.FormatUnits(required, reserve.Decimals)),
			xerrors.WithMetadata("reserve", reserve.Format()),
			xerrors.WithMetadata("required", ledger.FormatUnits(required, reserve.Decimals)),
		))
		return
	}
	run.enter(StateReserveChecked)

	if idErr != nil {
		run.finish(StatusIdentityUnavailable, identityError(idErr))
		return
	}

	destination := c.limits.destination
	if destination == (common.Address{}) {
		destination = address
	}
	c.transfer(ctx, run, id, quote.Request{
		SourceLedger:  c.policy.ReserveLedger,
		DestLedger:    c.policy.OperatingLedger,
		SourceAsset:   c.policy.ReserveAsset,
		DestAsset:     c.policy.OperatingAsset,
		Amount:        new(big.Int).Set(c.limits.transfer),
		From:          address,
		To:            destination,
		SlippageBps:   c.policy.SlippageBps,
		MinDestAmount: c.limits.minOut,
	})
}

// acquire 获取身份级守卫；失败时已写入结果。
func (c *Controller) acquire(ctx context.Context, run *attempt, address common.Address) (func(), bool) {
	release, err := c.deps.Guard.Acquire(ctx, strings.ToLower(address.Hex()))
	if err == nil {
		return release, true
	}
	if stdErrors.Is(err, ErrInProgress) {
		run.finish(StatusAlreadyInProgress, xerrors.New(CodeAlreadyInProgress, fmt.Sprintf("身份 %s 已有流程在执行", address.Hex())))
		return nil, false
	}
	run.enter(StateFailed)
	run.finish(StatusFailed, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取执行守卫失败"))
	return nil, false
}

// transfer 执行 报价 → 构造签名 → 提交 确认。
func (c *Controller) transfer(ctx context.Context, run *attempt, id *identity.Identity, req quote.Request) {
	run.enter(StateBridging)
	amount := new(big.Int).Set(req.Amount)

	q, err := c.deps.Quotes.GetQuote(ctx, req)
	if err != nil {
		run.enter(StateNoQuote)
		run.result.Transfer = &submit.TransferResult{Outcome: submit.OutcomeNoQuote, SourceAmount: amount}
		if xerrors.CodeOf(err) == xerrors.CodeUnknown {
			err = xerrors.Wrap(quote.CodeNoQuote, err, "获取报价失败")
		}
		run.finish(StatusNoQuote, err)
		return
	}

	tag := IdempotencyTag(req.From, req.To, amount, c.now(), c.limits.window)
	run.result.IdempotencyTag = tag.Hex()
	c.log.Info("已选定报价",
		slog.String("attempt_id", run.result.AttemptID),
		slog.String("provider", q.Provider),
		slog.String("quote_id", q.ID),
		slog.String("expected_out", q.ExpectedDestAmount.String()),
		slog.String("min_out", q.MinDestAmount.String()),
		slog.String("idempotency_tag", tag.Hex()))

	intent := txbuilder.Intent{Quote: q, Destination: req.To, SlippageBps: req.SlippageBps, IdempotencyTag: tag}
	signed, err := c.deps.Assembler.BuildAndSign(ctx, intent, id)
	if err != nil {
		run.enter(StateFailed)
		if xerrors.CodeOf(err) == xerrors.CodeUnknown {
			err = xerrors.Wrap(txbuilder.CodeAssembly, err, "构造交易失败")
		}
		run.result.Transfer = &submit.TransferResult{
			Outcome:            submit.OutcomeFailed,
			Provider:           q.Provider,
			SourceAmount:       amount,
			ExpectedDestAmount: q.ExpectedDestAmount,
			ErrorCode:          string(xerrors.CodeOf(err)),
			ErrorDetail:        err.Error(),
		}
		c.recordProvider(ctx, q.Provider, false)
		run.finish(StatusFailed, err)
		return
	}

	res := c.deps.Engine.Submit(ctx, signed)
	res.SourceAmount = amount
	if res.Provider == "" {
		res.Provider = q.Provider
	}
	run.result.Transfer = &res
	c.deps.Metrics.ObserveSubmission(string(res.Outcome), res.Attempts)

	switch res.Outcome {
	case submit.OutcomeConfirmed:
		run.enter(StateConfirmed)
		c.recordProvider(ctx, q.Provider, true)
		run.finish(StatusConfirmed, nil)
	case submit.OutcomeTimeout:
		run.enter(StateTimeout)
		run.finish(StatusTimeout, resultError(res, submit.CodeConfirmationTimeout))
	default:
		run.enter(StateFailed)
		c.recordProvider(ctx, q.Provider, false)
		run.finish(StatusFailed, resultError(res, submit.CodeSubmissionFailed))
	}
}

func (c *Controller) recordProvider(ctx context.Context, provider string, success bool) {
	if provider == "" {
		return
	}
	c.deps.Quotes.Record(ctx, provider, success)
	c.deps.Metrics.ObserveProvider(provider, success)
}

// complete 写入结果存储、审计日志、指标与告警。
func (c *Controller) complete(ctx context.Context, run *attempt) CheckResult {
	if run.result.Status == "" {
		run.enter(StateFailed)
		run.finish(StatusFailed, xerrors.New(xerrors.CodeInternal, "流程未产生结果"))
	}
	run.result.FinishedAt = c.now()
	result := run.result
	kind := string(result.Kind)

	c.deps.Metrics.ObserveCheck(kind, string(result.Status), result.Duration())

	attrs := []any{
		slog.String("attempt_id", result.AttemptID),
		slog.String("kind", kind),
		slog.String("status", string(result.Status)),
		slog.String("identity", result.Identity),
		slog.Any("states", result.States),
		slog.Duration("duration", result.Duration()),
	}
	if result.Transfer != nil {
		attrs = append(attrs,
			slog.String("outcome", string(result.Transfer.Outcome)),
			slog.String("tx_hash", result.Transfer.TxHash),
			slog.String("provider", result.Transfer.Provider))
	}
	if result.ErrorCode != "" {
		attrs = append(attrs, slog.String("error_code", result.ErrorCode), slog.String("error", result.ErrorDetail))
	}
	switch {
	case result.Status.Succeeded():
		logger.Audit().Info("生命维持调用完成", attrs...)
	case result.Status == StatusAlreadyInProgress:
		logger.Audit().Info("生命维持调用跳过", attrs...)
	default:
		logger.Audit().Warn("生命维持调用未成功", attrs...)
	}

	// 进行中的结果不写入存储，避免覆盖正在执行的流程的记录。
	if result.Status != StatusAlreadyInProgress {
		c.record(ctx, result)
	}
	c.alert(ctx, result, run.err)
	return result
}

func (c *Controller) record(ctx context.Context, result CheckResult) {
	if c.deps.Sink == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		c.log.Error("序列化结果失败", slog.String("attempt_id", result.AttemptID), slog.Any("error", err))
		return
	}
	rec := sink.Record{
		AttemptID:   result.AttemptID,
		Kind:        string(result.Kind),
		Status:      string(result.Status),
		ErrorCode:   result.ErrorCode,
		ErrorDetail: result.ErrorDetail,
		Payload:     payload,
		RecordedAt:  result.FinishedAt,
	}
	if result.Transfer != nil {
		rec.TxHash = result.Transfer.TxHash
	}

	resultKey, errorKey := sink.KeyLifeSupportResult, sink.KeyLifeSupportError
	if result.Kind == KindNativeSwap {
		resultKey, errorKey = sink.KeyNativeSwapResult, sink.KeyNativeSwapError
	}
	if err := c.deps.Sink.Put(ctx, resultKey, rec); err != nil {
		c.log.Warn("写入结果存储失败", slog.String("key", resultKey), slog.Any("error", err))
	}
	if !result.Status.Succeeded() {
		if err := c.deps.Sink.Put(ctx, errorKey, rec); err != nil {
			c.log.Warn("写入错误存储失败", slog.String("key", errorKey), slog.Any("error", err))
		}
	}
}

func (c *Controller) alert(ctx context.Context, result CheckResult, err error) {
	if c.deps.Alerts == nil || err == nil {
		return
	}
	if !xerrors.ShouldAlert(err) && result.Status != StatusFailed {
		return
	}
	event := alerting.Event{
		Code:       xerrors.CodeOf(err),
		Message:    result.ErrorDetail,
		Severity:   xerrors.SeverityOf(err),
		AttemptID:  result.AttemptID,
		Kind:       string(result.Kind),
		Status:     string(result.Status),
		Identity:   result.Identity,
		OccurredAt: result.FinishedAt,
	}
	if coded, ok := xerrors.From(err); ok {
		event.Metadata = coded.Metadata()
	}
	if result.Transfer != nil {
		event.TxHash = result.Transfer.TxHash
	}
	if notifyErr := c.deps.Alerts.Notify(ctx, event); notifyErr != nil {
		c.log.Warn("发送告警失败", slog.String("attempt_id", result.AttemptID), slog.Any("error", notifyErr))
	}
}

func identityError(err error) error {
	if xerrors.CodeOf(err) == identity.CodeUnavailable {
		return err
	}
	return xerrors.Wrap(identity.CodeUnavailable, err, "签名身份不可用")
}

func balanceError(err error) error {
	if xerrors.CodeOf(err) == balance.CodeUnavailable {
		return err
	}
	return xerrors.Wrap(balance.CodeUnavailable, err, "余额不可用")
}

func resultError(res submit.TransferResult, fallback xerrors.Code) error {
	code := xerrors.Code(res.ErrorCode)
	if code == "" {
		code = fallback
	}
	detail := res.ErrorDetail
	if detail == "" {
		detail = fmt.Sprintf("交易结果 %s", res.Outcome)
	}
	return xerrors.New(code, detail, xerrors.WithMetadata("tx_hash", res.TxHash))
}

func guardLog() *slog.Logger {
	return logger.Named("lifesupport")
}

type nopRecorder struct{}

func (nopRecorder) ObserveCheck(string, string, time.Duration) {}

func (nopRecorder) ObserveBalance(string, string, string, *big.Int, uint8) {}

func (nopRecorder) ObserveProvider(string, bool) {}

func (nopRecorder) ObserveSubmission(string, int) {}
