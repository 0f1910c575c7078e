package submit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"Lifeline-Treasury/internal/identity"
	"Lifeline-Treasury/internal/ledger"
	"Lifeline-Treasury/internal/ledger/ethereum"
	"Lifeline-Treasury/internal/ledger/provider"
	"Lifeline-Treasury/internal/quote"
	"Lifeline-Treasury/internal/txbuilder"
)

type scriptedClient struct {
	mu        sync.Mutex
	sendErrs  []error
	sends     int
	receipt   *coretypes.Receipt
	receiptAt int
	polls     int
}

func (s *scriptedClient) Name() string                                       { return "reserve" }
func (s *scriptedClient) ChainID(context.Context) (*big.Int, error)          { return big.NewInt(1), nil }
func (s *scriptedClient) NativeBalance(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (s *scriptedClient) TokenBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (s *scriptedClient) PendingNonce(context.Context, common.Address) (uint64, error) { return 0, nil }
func (s *scriptedClient) LatestHeader(context.Context) (*coretypes.Header, error)     { return nil, nil }
func (s *scriptedClient) SuggestGasTipCap(context.Context) (*big.Int, error)          { return nil, nil }
func (s *scriptedClient) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return 0, nil
}
func (s *scriptedClient) Close() {}

func (s *scriptedClient) SendTransaction(context.Context, *coretypes.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	if len(s.sendErrs) == 0 {
		return nil
	}
	err := s.sendErrs[0]
	s.sendErrs = s.sendErrs[1:]
	return err
}

func (s *scriptedClient) TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if s.receipt == nil || s.polls < s.receiptAt {
		return nil, gethcore.NotFound
	}
	return s.receipt, nil
}

func (s *scriptedClient) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

func fastConfig() Config {
	return Config{
		MaxAttempts:         3,
		RetryDelay:          time.Millisecond,
		ConfirmationTimeout: 100 * time.Millisecond,
		PollInitial:         2 * time.Millisecond,
		PollMax:             10 * time.Millisecond,
		PollMultiplier:      2,
	}
}

func engineFor(client ledger.Client, cfg Config) *Engine {
	registry := provider.NewStaticRegistry(ledger.Definitions{}, map[string]ledger.Client{"reserve": client})
	return NewEngine(registry, cfg)
}

func signedFixture() *txbuilder.SignedTransaction {
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{ChainID: big.NewInt(1), Nonce: 7, Gas: 21000, To: &to, Value: big.NewInt(1)})
	return &txbuilder.SignedTransaction{
		Tx:     tx,
		Ledger: "reserve",
		Intent: txbuilder.Intent{Quote: quote.Quote{
			Provider:           "alpha",
			SourceAmount:       big.NewInt(400),
			ExpectedDestAmount: big.NewInt(9950),
		}},
	}
}

func successReceipt() *coretypes.Receipt {
	return &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(42), GasUsed: 21000}
}

var dialRefused = &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}

func TestSubmitRetriesTransportFailures(t *testing.T) {
	client := &scriptedClient{sendErrs: []error{dialRefused, dialRefused}, receipt: successReceipt()}
	result := engineFor(client, fastConfig()).Submit(context.Background(), signedFixture())

	if result.Outcome != OutcomeConfirmed {
		t.Fatalf("expected confirmed, got %+v", result)
	}
	if client.sendCount() != 3 || result.Attempts != 3 {
		t.Fatalf("expected 3 sends, got %d (attempts=%d)", client.sendCount(), result.Attempts)
	}
	if result.BlockNumber != 42 || result.Provider != "alpha" || result.SourceAmount.Int64() != 400 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestSubmitGivesUpAfterBoundedAttempts(t *testing.T) {
	client := &scriptedClient{sendErrs: []error{dialRefused, dialRefused, dialRefused, dialRefused}}
	result := engineFor(client, fastConfig()).Submit(context.Background(), signedFixture())

	if result.Outcome != OutcomeFailed || result.ErrorCode != string(CodeSubmissionFailed) {
		t.Fatalf("expected submission failure, got %+v", result)
	}
	if client.sendCount() != 3 {
		t.Fatalf("expected exactly 3 sends, got %d", client.sendCount())
	}
}

func TestSubmitDoesNotRetryRejections(t *testing.T) {
	client := &scriptedClient{sendErrs: []error{errors.New("insufficient funds for gas * price + value")}}
	result := engineFor(client, fastConfig()).Submit(context.Background(), signedFixture())

	if result.Outcome != OutcomeFailed || client.sendCount() != 1 {
		t.Fatalf("rejection must not be retried: sends=%d result=%+v", client.sendCount(), result)
	}
}

func TestSubmitTreatsAlreadyKnownAsAccepted(t *testing.T) {
	client := &scriptedClient{sendErrs: []error{errors.New("already known")}, receipt: successReceipt()}
	result := engineFor(client, fastConfig()).Submit(context.Background(), signedFixture())
	if result.Outcome != OutcomeConfirmed || client.sendCount() != 1 {
		t.Fatalf("expected confirmed after one send, got sends=%d %+v", client.sendCount(), result)
	}
}

func TestSubmitNonceTooLow(t *testing.T) {
	landed := &scriptedClient{sendErrs: []error{errors.New("nonce too low")}, receipt: successReceipt()}
	if result := engineFor(landed, fastConfig()).Submit(context.Background(), signedFixture()); result.Outcome != OutcomeConfirmed {
		t.Fatalf("nonce consumed by our own tx should confirm, got %+v", result)
	}

	other := &scriptedClient{sendErrs: []error{errors.New("nonce too low")}}
	if result := engineFor(other, fastConfig()).Submit(context.Background(), signedFixture()); result.Outcome != OutcomeFailed {
		t.Fatalf("nonce consumed elsewhere should fail, got %+v", result)
	}
}

func TestSubmitTimeoutNeverResubmits(t *testing.T) {
	client := &scriptedClient{}
	started := time.Now()
	result := engineFor(client, fastConfig()).Submit(context.Background(), signedFixture())

	if result.Outcome != OutcomeTimeout || result.ErrorCode != string(CodeConfirmationTimeout) {
		t.Fatalf("expected timeout, got %+v", result)
	}
	if client.sendCount() != 1 {
		t.Fatalf("timeout must not resubmit, got %d sends", client.sendCount())
	}
	if client.polls < 2 {
		t.Fatalf("expected repeated polling, got %d", client.polls)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("polling exceeded its bound: %s", elapsed)
	}
}

func TestSubmitAmbiguousResponsePollsWithoutResending(t *testing.T) {
	client := &scriptedClient{sendErrs: []error{fmt.Errorf("post: %w", context.DeadlineExceeded)}, receipt: successReceipt(), receiptAt: 3}
	result := engineFor(client, fastConfig()).Submit(context.Background(), signedFixture())
	if result.Outcome != OutcomeConfirmed || client.sendCount() != 1 {
		t.Fatalf("ambiguous response should be polled, got sends=%d %+v", client.sendCount(), result)
	}
}

func TestSubmitReportsRevertedTransaction(t *testing.T) {
	client := &scriptedClient{receipt: &coretypes.Receipt{Status: coretypes.ReceiptStatusFailed, BlockNumber: big.NewInt(9)}}
	result := engineFor(client, fastConfig()).Submit(context.Background(), signedFixture())
	if result.Outcome != OutcomeFailed || result.ErrorDetail == "" || result.BlockNumber != 9 {
		t.Fatalf("expected failed with detail, got %+v", result)
	}
}

func TestSubmitMissingInputs(t *testing.T) {
	engine := engineFor(&scriptedClient{}, fastConfig())
	if result := engine.Submit(context.Background(), nil); result.Outcome != OutcomeFailed {
		t.Fatalf("nil tx should fail, got %+v", result)
	}
	signed := signedFixture()
	signed.Ledger = "unknown"
	if result := engine.Submit(context.Background(), signed); result.Outcome != OutcomeFailed {
		t.Fatalf("unknown ledger should fail, got %+v", result)
	}
}

// autoCommit mines a block for every accepted transaction.
type autoCommit struct {
	ethereum.Backend
	sim *simulated.Backend
}

func (a *autoCommit) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	if err := a.Backend.SendTransaction(ctx, tx); err != nil {
		return err
	}
	a.sim.Commit()
	return nil
}

func TestSubmitAgainstSimulatedLedger(t *testing.T) {
	id, err := identity.NewStore(filepath.Join(t.TempDir(), "identity.json")).Load()
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	funded, _ := new(big.Int).SetString("10000000000000000000", 10)
	sim := simulated.NewBackend(coretypes.GenesisAlloc{id.Address(): {Balance: funded}})
	t.Cleanup(func() { _ = sim.Close() })

	client := ethereum.NewWithBackend("reserve", &autoCommit{Backend: sim.Client(), sim: sim})
	registry := provider.NewStaticRegistry(ledger.Definitions{Ledgers: map[string]ledger.Definition{"reserve": {}}},
		map[string]ledger.Client{"reserve": client})

	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	assembler := txbuilder.NewAssembler(registry, nil, txbuilder.Config{})
	signed, err := assembler.BuildAndSign(context.Background(), txbuilder.Intent{
		Quote: quote.Quote{
			ID:                 "q",
			Provider:           "alpha",
			SourceLedger:       "reserve",
			SourceAmount:       big.NewInt(1000),
			ExpectedDestAmount: big.NewInt(1),
			MinDestAmount:      big.NewInt(1),
			RoutePayload:       []byte(fmt.Sprintf(`{"to":%q,"value":"1000"}`, to.Hex())),
		},
		Destination: to,
	}, id)
	if err != nil {
		t.Fatalf("build and sign: %v", err)
	}

	result := NewEngine(registry, fastConfig()).Submit(context.Background(), signed)
	if result.Outcome != OutcomeConfirmed {
		t.Fatalf("expected confirmed, got %+v", result)
	}
	balance, err := client.NativeBalance(context.Background(), to)
	if err != nil || balance.Int64() != 1000 {
		t.Fatalf("expected recipient balance 1000, got %v err=%v", balance, err)
	}
}
