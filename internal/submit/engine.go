// Package submit broadcasts signed transactions and tracks them to a
// terminal outcome without ever re-signing or blindly re-sending an intent.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "Lifeline-Treasury/internal/errors"
	"Lifeline-Treasury/internal/ledger"
	"Lifeline-Treasury/internal/txbuilder"
	"Lifeline-Treasury/pkg/logger"
)

const (
	// CodeSubmissionFailed 表示交易未被网络接受或链上执行失败。
	CodeSubmissionFailed xerrors.Code = "SUBMISSION_FAILED"
	// CodeConfirmationTimeout 表示交易已提交但在超时内未确认，结果未知。
	CodeConfirmationTimeout xerrors.Code = "CONFIRMATION_TIMEOUT"
)

func init() {
	xerrors.Register(CodeSubmissionFailed, xerrors.Attributes{
		Message:  "transaction submission failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeConfirmationTimeout, xerrors.Attributes{
		Message:   "transaction confirmation timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// Outcome is the terminal state of a transfer.
type Outcome string

const (
	OutcomeConfirmed         Outcome = "CONFIRMED"
	OutcomeFailed            Outcome = "FAILED"
	OutcomeInsufficientFunds Outcome = "INSUFFICIENT_FUNDS"
	OutcomeNoQuote           Outcome = "NO_QUOTE"
	OutcomeTimeout           Outcome = "TIMEOUT"
)

// TransferResult is terminal and never retried automatically.
type TransferResult struct {
	Outcome            Outcome  `json:"outcome"`
	TxHash             string   `json:"tx_hash,omitempty"`
	Ledger             string   `json:"ledger,omitempty"`
	Provider           string   `json:"provider,omitempty"`
	SourceAmount       *big.Int `json:"source_amount"`
	ExpectedDestAmount *big.Int `json:"expected_dest_amount,omitempty"`
	BlockNumber        uint64   `json:"block_number,omitempty"`
	GasUsed            uint64   `json:"gas_used,omitempty"`
	Attempts           int      `json:"submit_attempts,omitempty"`
	ErrorCode          string   `json:"error_code,omitempty"`
	ErrorDetail        string   `json:"error_detail,omitempty"`
}

// Config bounds submission retries and confirmation polling.
type Config struct {
	MaxAttempts         int
	RetryDelay          time.Duration
	ConfirmationTimeout time.Duration
	PollInitial         time.Duration
	PollMax             time.Duration
	PollMultiplier      float64
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = 2 * time.Minute
	}
	if c.PollInitial <= 0 {
		c.PollInitial = time.Second
	}
	if c.PollMax <= 0 {
		c.PollMax = 15 * time.Second
	}
	if c.PollMax < c.PollInitial {
		c.PollMax = c.PollInitial
	}
	if c.PollMultiplier < 1 {
		c.PollMultiplier = 2
	}
	return c
}

// Engine submits signed transactions and waits for their receipts.
type Engine struct {
	ledgers ledger.Resolver
	cfg     Config
	log     *slog.Logger
}

// NewEngine creates a submission engine.
func NewEngine(ledgers ledger.Resolver, cfg Config) *Engine {
	return &Engine{ledgers: ledgers, cfg: cfg.withDefaults(), log: logger.Named("submit")}
}

// Submit sends signed and waits for a terminal outcome. It always returns a
// result; failures are described by Outcome, ErrorCode and ErrorDetail.
func (e *Engine) Submit(ctx context.Context, signed *txbuilder.SignedTransaction) TransferResult {
	if signed == nil || signed.Tx == nil {
		return failed(TransferResult{Outcome: OutcomeFailed}, CodeSubmissionFailed, "缺少已签名交易")
	}
	q := signed.Intent.Quote
	result := TransferResult{
		TxHash:             signed.Hash().Hex(),
		Ledger:             signed.Ledger,
		Provider:           q.Provider,
		SourceAmount:       q.SourceAmount,
		ExpectedDestAmount: q.ExpectedDestAmount,
	}

	client, ok := e.ledgers.Client(signed.Ledger)
	if !ok || client == nil {
		return failed(result, CodeSubmissionFailed, fmt.Sprintf("未配置账本 %s", signed.Ledger))
	}

	log := e.log.With(slog.String("tx_hash", result.TxHash), slog.String("ledger", signed.Ledger))
	accepted, attempts, err := e.send(ctx, client, signed.Tx, log)
	result.Attempts = attempts
	if !accepted {
		return failed(result, CodeSubmissionFailed, err.Error())
	}
	return e.await(ctx, client, signed.Tx, result, log)
}

// send broadcasts the transaction, retrying only transport failures that
// happened before the node could have seen it.
func (e *Engine) send(ctx context.Context, client ledger.Client, tx *types.Transaction, log *slog.Logger) (bool, int, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		err := client.SendTransaction(ctx, tx)
		switch classify(err) {
		case sendAccepted:
			log.Info("交易已提交", slog.Int("attempt", attempt))
			return true, attempt, nil
		case sendDuplicate:
			log.Info("节点已持有该交易，视为已提交", slog.Int("attempt", attempt), slog.String("reason", err.Error()))
			return true, attempt, nil
		case sendAmbiguous:
			log.Warn("提交结果不明确，转入确认轮询", slog.Int("attempt", attempt), slog.Any("error", err))
			return true, attempt, nil
		case sendNonceUsed:
			// Only ours if the node already has a receipt for this exact hash.
			if _, rerr := client.TransactionReceipt(ctx, tx.Hash()); rerr == nil {
				return true, attempt, nil
			}
			return false, attempt, fmt.Errorf("节点拒绝交易: %w", err)
		case sendRejected:
			log.Warn("节点拒绝交易", slog.Int("attempt", attempt), slog.Any("error", err))
			return false, attempt, fmt.Errorf("节点拒绝交易: %w", err)
		case sendTransport:
			lastErr = err
			log.Warn("提交交易时连接失败", slog.Int("attempt", attempt), slog.Any("error", err))
			if attempt == e.cfg.MaxAttempts {
				break
			}
			if werr := wait(ctx, e.cfg.RetryDelay); werr != nil {
				return false, attempt, fmt.Errorf("等待重试时取消: %w", werr)
			}
		}
	}
	return false, e.cfg.MaxAttempts, fmt.Errorf("提交 %d 次均失败: %w", e.cfg.MaxAttempts, lastErr)
}

// await polls for the receipt with exponential backoff until the
// confirmation timeout. A timeout never leads to resubmission.
func (e *Engine) await(ctx context.Context, client ledger.Client, tx *types.Transaction, result TransferResult, log *slog.Logger) TransferResult {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmationTimeout)
	defer cancel()

	interval := e.cfg.PollInitial
	for {
		receipt, err := client.TransactionReceipt(pctx, tx.Hash())
		switch {
		case err == nil && receipt != nil:
			if receipt.BlockNumber != nil {
				result.BlockNumber = receipt.BlockNumber.Uint64()
			}
			result.GasUsed = receipt.GasUsed
			if receipt.Status == types.ReceiptStatusSuccessful {
				result.Outcome = OutcomeConfirmed
				log.Info("交易已确认", slog.Uint64("block", result.BlockNumber))
				return result
			}
			log.Warn("交易执行失败", slog.Uint64("block", result.BlockNumber))
			return failed(result, CodeSubmissionFailed, fmt.Sprintf("交易在区块 %d 中执行失败 (status=%d)", result.BlockNumber, receipt.Status))
		case err != nil && !errors.Is(err, gethcore.NotFound) && pctx.Err() == nil:
			log.Debug("查询回执失败，继续轮询", slog.Any("error", err))
		}

		if werr := wait(pctx, interval); werr != nil {
			result.Outcome = OutcomeTimeout
			result.ErrorCode = string(CodeConfirmationTimeout)
			result.ErrorDetail = fmt.Sprintf("交易 %s 在 %s 内未确认，将在下个周期通过余额重新观察", result.TxHash, e.cfg.ConfirmationTimeout)
			log.Warn("等待确认超时", slog.Duration("timeout", e.cfg.ConfirmationTimeout))
			return result
		}
		interval = time.Duration(float64(interval) * e.cfg.PollMultiplier)
		if interval > e.cfg.PollMax {
			interval = e.cfg.PollMax
		}
	}
}

func failed(result TransferResult, code xerrors.Code, detail string) TransferResult {
	result.Outcome = OutcomeFailed
	result.ErrorCode = string(code)
	result.ErrorDetail = strings.TrimSpace(detail)
	return result
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
