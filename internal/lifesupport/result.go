package lifesupport

import (
	"time"

	xerrors "Lifeline-Treasury/internal/errors"
	"Lifeline-Treasury/internal/ledger"
	"Lifeline-Treasury/internal/submit"
)

const (
	// CodeInsufficientReserve 表示储备不足以覆盖转账金额与手续费预留，属于策略性停止。
	CodeInsufficientReserve xerrors.Code = "INSUFFICIENT_RESERVE"
	// CodeAlreadyInProgress 表示同一身份已有流程在执行。
	CodeAlreadyInProgress xerrors.Code = "ALREADY_IN_PROGRESS"
)

func init() {
	xerrors.Register(CodeInsufficientReserve, xerrors.Attributes{
		Message:   "reserve below transfer amount plus fee reserve",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeAlreadyInProgress, xerrors.Attributes{
		Message:  "life-support pipeline already in progress",
		Severity: xerrors.SeverityInfo,
	})
}

// State 是流程经过的状态。
type State string

const (
	StateNominal             State = "NOMINAL"
	StateLowFundsDetected    State = "LOW_FUNDS_DETECTED"
	StateReserveChecked      State = "RESERVE_CHECKED"
	StateBridging            State = "BRIDGING"
	StateConfirmed           State = "CONFIRMED"
	StateFailed              State = "FAILED"
	StateInsufficientReserve State = "INSUFFICIENT_RESERVE"
	StateNoQuote             State = "NO_QUOTE"
	StateTimeout             State = "TIMEOUT"
)

// Status 是一次调用对外报告的结果。
type Status string

const (
	StatusNominal             Status = "nominal"
	StatusConfirmed           Status = "confirmed"
	StatusFailed              Status = "failed"
	StatusInsufficientReserve Status = "insufficient_reserve"
	StatusNoQuote             Status = "no_quote"
	StatusTimeout             Status = "timeout"
	StatusAlreadyInProgress   Status = "already_in_progress"
	StatusBalanceUnavailable  Status = "balance_unavailable"
	StatusIdentityUnavailable Status = "identity_unavailable"
)

// Succeeded 判断结果是否无需关注。
func (s Status) Succeeded() bool {
	return s == StatusNominal || s == StatusConfirmed
}

// Kind 区分跨账本补给与同账本兑换。
type Kind string

const (
	KindLifeSupport Kind = "life_support"
	KindNativeSwap  Kind = "native_swap"
)

// CheckResult 是每次调用返回的结构化结果。
type CheckResult struct {
	AttemptID      string                 `json:"attempt_id"`
	Kind           Kind                   `json:"kind"`
	Status         Status                 `json:"status"`
	States         []State                `json:"states"`
	Identity       string                 `json:"identity,omitempty"`
	Operating      *ledger.Snapshot       `json:"operating,omitempty"`
	Reserve        *ledger.Snapshot       `json:"reserve,omitempty"`
	IdempotencyTag string                 `json:"idempotency_tag,omitempty"`
	Transfer       *submit.TransferResult `json:"transfer,omitempty"`
	ErrorCode      string                 `json:"error_code,omitempty"`
	ErrorDetail    string                 `json:"error_detail,omitempty"`
	StartedAt      time.Time              `json:"started_at"`
	FinishedAt     time.Time              `json:"finished_at"`
}

// FinalState 返回最后进入的状态。
func (r CheckResult) FinalState() State {
	if len(r.States) == 0 {
		return ""
	}
	return r.States[len(r.States)-1]
}

// Duration 返回调用耗时。
func (r CheckResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
