package lifesupport

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"Lifeline-Treasury/internal/balance"
	xerrors "Lifeline-Treasury/internal/errors"
	"Lifeline-Treasury/internal/identity"
	"Lifeline-Treasury/internal/ledger"
	"Lifeline-Treasury/internal/observability/alerting"
	"Lifeline-Treasury/internal/quote"
	"Lifeline-Treasury/internal/sink"
	"Lifeline-Treasury/internal/submit"
	"Lifeline-Treasury/internal/txbuilder"
)

type stubIdentity struct {
	id     *identity.Identity
	err    error
	cached common.Address
	loads  int
}

func (s *stubIdentity) Load() (*identity.Identity, error) {
	s.loads++
	if s.err != nil {
		return nil, s.err
	}
	return s.id, nil
}

func (s *stubIdentity) CachedAddress() (common.Address, bool) {
	if s.cached != (common.Address{}) {
		return s.cached, true
	}
	if s.id != nil {
		return s.id.Address(), true
	}
	return common.Address{}, false
}

type stubAssets struct{}

func (stubAssets) Asset(ledgerName, symbol string) (ledger.Asset, error) {
	switch strings.ToUpper(symbol) {
	case "ETH", "":
		return ledger.Asset{Kind: ledger.AssetNative, Symbol: "ETH", Decimals: 18}, nil
	case "USDC":
		return ledger.Asset{Kind: ledger.AssetStable, Symbol: "USDC", Decimals: 6}, nil
	}
	return ledger.Asset{}, fmt.Errorf("unknown asset %s on %s", symbol, ledgerName)
}

type stubBalances struct {
	mu       sync.Mutex
	balances map[string]string
	errs     map[string]error
	calls    int
}

func (s *stubBalances) GetAssetBalance(_ context.Context, ledgerName, symbol string, address common.Address) (ledger.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	key := ledgerName + "/" + symbol
	if err := s.errs[key]; err != nil {
		return ledger.Snapshot{}, err
	}
	asset, _ := stubAssets{}.Asset(ledgerName, symbol)
	quantity, err := ledger.ParseUnits(s.balances[key], asset.Decimals)
	if err != nil {
		return ledger.Snapshot{}, err
	}
	return ledger.Snapshot{
		Ledger:   ledgerName,
		Address:  address.Hex(),
		Asset:    asset.Kind,
		Symbol:   asset.Symbol,
		Quantity: quantity,
		Decimals: asset.Decimals,
	}, nil
}

func (s *stubBalances) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type providerRecord struct {
	provider string
	success  bool
}

type stubQuotes struct {
	mu       sync.Mutex
	quote    quote.Quote
	err      error
	requests []quote.Request
	records  []providerRecord
}

func (s *stubQuotes) GetQuote(_ context.Context, req quote.Request) (quote.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return quote.Quote{}, s.err
	}
	return s.quote, nil
}

func (s *stubQuotes) Record(_ context.Context, provider string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, providerRecord{provider, success})
}

type stubBuilder struct {
	calls  atomic.Int32
	err    error
	panics bool
	last   txbuilder.Intent
}

func (s *stubBuilder) BuildAndSign(_ context.Context, intent txbuilder.Intent, signer txbuilder.Signer) (*txbuilder.SignedTransaction, error) {
	s.calls.Add(1)
	if s.panics {
		panic("route decoder exploded")
	}
	if s.err != nil {
		return nil, s.err
	}
	s.last = intent
	tx := types.NewTx(&types.DynamicFeeTx{ChainID: big.NewInt(1337), Nonce: uint64(s.calls.Load())})
	return &txbuilder.SignedTransaction{Tx: tx, Ledger: intent.Quote.SourceLedger, From: signer.Address(), Intent: intent}, nil
}

type stubEngine struct {
	calls   atomic.Int32
	outcome submit.Outcome
	code    string
	entered chan struct{}
	proceed chan struct{}
}

func (s *stubEngine) Submit(ctx context.Context, signed *txbuilder.SignedTransaction) submit.TransferResult {
	s.calls.Add(1)
	if s.entered != nil {
		s.entered <- struct{}{}
		<-s.proceed
	}
	outcome := s.outcome
	if outcome == "" {
		outcome = submit.OutcomeConfirmed
	}
	return submit.TransferResult{
		Outcome:            outcome,
		TxHash:             signed.Hash().Hex(),
		Ledger:             signed.Ledger,
		Provider:           signed.Intent.Quote.Provider,
		SourceAmount:       signed.Intent.Quote.SourceAmount,
		ExpectedDestAmount: signed.Intent.Quote.ExpectedDestAmount,
		Attempts:           1,
		ErrorCode:          s.code,
	}
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) statuses() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.events))
	for _, e := range d.events {
		out = append(out, e.Status)
	}
	return out
}

type fixture struct {
	identity *stubIdentity
	balances *stubBalances
	quotes   *stubQuotes
	builder  *stubBuilder
	engine   *stubEngine
	sink     *sink.Memory
	alerts   *recordingDispatcher
	ctrl     *Controller
}

func testPolicy() Policy {
	return Policy{
		OperatingLedger: "operating",
		OperatingAsset:  "ETH",
		ReserveLedger:   "reserve",
		ReserveAsset:    "USDC",
		Threshold:       "5.00",
		TransferAmount:  "0.4",
		FeeReserve:      "0.05",
		SlippageBps:     100,
	}
}

func loadIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.NewStore(filepath.Join(t.TempDir(), "identity.json")).Load()
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	return id
}

func newFixture(t *testing.T, operating, reserve string) *fixture {
	t.Helper()
	id := loadIdentity(t)
	f := &fixture{
		identity: &stubIdentity{id: id},
		balances: &stubBalances{balances: map[string]string{
			"operating/ETH": operating,
			"reserve/USDC":  reserve,
		}, errs: map[string]error{}},
		quotes: &stubQuotes{quote: quote.Quote{
			ID:                 "q-1",
			Provider:           "acme",
			SourceLedger:       "reserve",
			DestLedger:         "operating",
			SourceAsset:        "USDC",
			DestAsset:          "ETH",
			SourceAmount:       big.NewInt(399_999),
			ExpectedDestAmount: big.NewInt(1_000_000),
			MinDestAmount:      big.NewInt(990_000),
			Recipient:          id.Address(),
		}},
		builder: &stubBuilder{},
		engine:  &stubEngine{},
		sink:    sink.NewMemory(0),
		alerts:  &recordingDispatcher{},
	}
	ctrl, err := NewController(Dependencies{
		Identity:  f.identity,
		Balances:  f.balances,
		Assets:    stubAssets{},
		Quotes:    f.quotes,
		Assembler: f.builder,
		Engine:    f.engine,
		Sink:      f.sink,
		Alerts:    f.alerts,
	}, testPolicy())
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	f.ctrl = ctrl
	return f
}

func assertStates(t *testing.T, got []State, want ...State) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestCheckNominalTakesNoAction(t *testing.T) {
	f := newFixture(t, "6", "10")
	result := f.ctrl.Check(context.Background())

	if result.Status != StatusNominal {
		t.Fatalf("expected nominal, got %s (%s)", result.Status, result.ErrorDetail)
	}
	assertStates(t, result.States, StateNominal)
	if len(f.quotes.requests) != 0 || f.engine.calls.Load() != 0 || f.balances.count() != 1 {
		t.Fatalf("nominal check must only read the operating balance")
	}
	rec, ok, _ := f.sink.Get(context.Background(), sink.KeyLifeSupportResult)
	if !ok || rec.Status != string(StatusNominal) || rec.AttemptID != result.AttemptID {
		t.Fatalf("expected nominal record, got %+v", rec)
	}
	if _, ok, _ := f.sink.Get(context.Background(), sink.KeyLifeSupportError); ok {
		t.Fatal("nominal result must not be written to the error key")
	}
}

func TestCheckInsufficientReserveSubmitsNothing(t *testing.T) {
	f := newFixture(t, "2.00", "0.3")
	result := f.ctrl.Check(context.Background())

	if result.Status != StatusInsufficientReserve {
		t.Fatalf("expected insufficient_reserve, got %s", result.Status)
	}
	assertStates(t, result.States, StateNominal, StateLowFundsDetected, StateInsufficientReserve)
	if f.engine.calls.Load() != 0 || f.builder.calls.Load() != 0 || len(f.quotes.requests) != 0 {
		t.Fatal("insufficient reserve must not quote, sign or submit")
	}
	if result.Transfer == nil || result.Transfer.Outcome != submit.OutcomeInsufficientFunds || result.Transfer.SourceAmount.Int64() != 400_000 {
		t.Fatalf("unexpected transfer %+v", result.Transfer)
	}
	if result.ErrorCode != string(CodeInsufficientReserve) {
		t.Fatalf("unexpected code %s", result.ErrorCode)
	}
	if got := f.alerts.statuses(); len(got) != 1 || got[0] != string(StatusInsufficientReserve) {
		t.Fatalf("expected one alert, got %v", got)
	}
	if rec, ok, _ := f.sink.Get(context.Background(), sink.KeyLifeSupportError); !ok || rec.ErrorCode != string(CodeInsufficientReserve) {
		t.Fatalf("expected error record, got %+v", rec)
	}
}

func TestCheckReserveMinimumRaisesRequirement(t *testing.T) {
	f := newFixture(t, "2", "1")
	policy := testPolicy()
	policy.ReserveMinimum = "5"
	ctrl, err := NewController(f.ctrl.deps, policy)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	if result := ctrl.Check(context.Background()); result.Status != StatusInsufficientReserve {
		t.Fatalf("expected insufficient_reserve below reserve minimum, got %s", result.Status)
	}
}

func TestCheckSubmitsExactlyOnceWithConfiguredAmount(t *testing.T) {
	f := newFixture(t, "2", "10")
	result := f.ctrl.Check(context.Background())

	if result.Status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s (%s)", result.Status, result.ErrorDetail)
	}
	assertStates(t, result.States, StateNominal, StateLowFundsDetected, StateReserveChecked, StateBridging, StateConfirmed)
	if f.engine.calls.Load() != 1 {
		t.Fatalf("expected exactly one submission, got %d", f.engine.calls.Load())
	}
	if result.Transfer.SourceAmount.Cmp(big.NewInt(400_000)) != 0 {
		t.Fatalf("source amount must equal the configured amount, got %s", result.Transfer.SourceAmount)
	}

	req := f.quotes.requests[0]
	if req.SourceLedger != "reserve" || req.DestLedger != "operating" || req.Class() != quote.ClassBridge {
		t.Fatalf("unexpected quote request %+v", req)
	}
	if req.Amount.Int64() != 400_000 || req.SlippageBps != 100 || req.To != f.identity.id.Address() {
		t.Fatalf("unexpected quote request %+v", req)
	}
	if f.builder.last.Destination != f.identity.id.Address() || f.builder.last.IdempotencyTag == (common.Hash{}) {
		t.Fatalf("unexpected intent %+v", f.builder.last)
	}
	if result.IdempotencyTag != f.builder.last.IdempotencyTag.Hex() {
		t.Fatalf("result must carry the intent's idempotency tag")
	}
	if len(f.quotes.records) != 1 || !f.quotes.records[0].success || f.quotes.records[0].provider != "acme" {
		t.Fatalf("expected provider success record, got %+v", f.quotes.records)
	}
	if len(f.alerts.statuses()) != 0 {
		t.Fatal("confirmed transfer must not alert")
	}
	rec, ok, _ := f.sink.Get(context.Background(), sink.KeyLifeSupportResult)
	if !ok || rec.TxHash != result.Transfer.TxHash || !strings.Contains(string(rec.Payload), `"status":"confirmed"`) {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestCheckConcurrentInvocationIsRejected(t *testing.T) {
	f := newFixture(t, "2", "10")
	f.engine.entered = make(chan struct{}, 1)
	f.engine.proceed = make(chan struct{})

	firstDone := make(chan CheckResult, 1)
	go func() { firstDone <- f.ctrl.Check(context.Background()) }()

	select {
	case <-f.engine.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first pipeline never reached submission")
	}

	second := f.ctrl.Check(context.Background())
	if second.Status != StatusAlreadyInProgress || second.ErrorCode != string(CodeAlreadyInProgress) {
		t.Fatalf("expected already_in_progress, got %+v", second)
	}
	if f.engine.calls.Load() != 1 {
		t.Fatalf("second invocation must not submit, calls=%d", f.engine.calls.Load())
	}

	close(f.engine.proceed)
	first := <-firstDone
	if first.Status != StatusConfirmed {
		t.Fatalf("first invocation should confirm, got %s", first.Status)
	}
	rec, _, _ := f.sink.Get(context.Background(), sink.KeyLifeSupportResult)
	if rec.AttemptID != first.AttemptID {
		t.Fatal("already_in_progress must not overwrite the recorded result")
	}
	if len(f.alerts.statuses()) != 0 {
		t.Fatal("already_in_progress must not alert")
	}

	if third := f.ctrl.Check(context.Background()); third.Status == StatusAlreadyInProgress {
		t.Fatal("guard must be released after the pipeline finishes")
	}
}

func TestCheckTimeoutNeverResubmits(t *testing.T) {
	f := newFixture(t, "2", "10")
	f.engine.outcome = submit.OutcomeTimeout
	f.engine.code = string(submit.CodeConfirmationTimeout)

	result := f.ctrl.Check(context.Background())
	if result.Status != StatusTimeout || result.FinalState() != StateTimeout {
		t.Fatalf("expected timeout, got %s", result.Status)
	}
	if f.engine.calls.Load() != 1 || f.builder.calls.Load() != 1 {
		t.Fatalf("timeout must not trigger another submission")
	}
	if result.ErrorCode != string(submit.CodeConfirmationTimeout) {
		t.Fatalf("unexpected code %s", result.ErrorCode)
	}
	if len(f.quotes.records) != 0 {
		t.Fatal("ambiguous outcome must not be attributed to the provider")
	}
	if got := f.alerts.statuses(); len(got) != 1 || got[0] != string(StatusTimeout) {
		t.Fatalf("expected timeout alert, got %v", got)
	}
}

func TestCheckRevertedTransferFails(t *testing.T) {
	f := newFixture(t, "2", "10")
	f.engine.outcome = submit.OutcomeFailed

	result := f.ctrl.Check(context.Background())
	if result.Status != StatusFailed || result.ErrorCode != string(submit.CodeSubmissionFailed) {
		t.Fatalf("expected failed, got %s %s", result.Status, result.ErrorCode)
	}
	if len(f.quotes.records) != 1 || f.quotes.records[0].success {
		t.Fatalf("expected provider failure record, got %+v", f.quotes.records)
	}
}

func TestCheckIdentityUnavailableUsesCachedAddress(t *testing.T) {
	f := newFixture(t, "2", "10")
	cached := f.identity.id.Address()
	f.identity.id = nil
	f.identity.err = xerrors.New(identity.CodeUnavailable, "identity file corrupt")
	f.identity.cached = cached

	result := f.ctrl.Check(context.Background())
	if result.Status != StatusIdentityUnavailable {
		t.Fatalf("expected identity_unavailable, got %s", result.Status)
	}
	assertStates(t, result.States, StateNominal, StateLowFundsDetected, StateReserveChecked)
	if f.balances.count() != 2 || result.Identity != cached.Hex() {
		t.Fatalf("read-only checks should still run with the cached address")
	}
	if len(f.quotes.requests) != 0 || f.engine.calls.Load() != 0 {
		t.Fatal("no quote or submission without a signing identity")
	}
	if got := f.alerts.statuses(); len(got) != 1 || got[0] != string(StatusIdentityUnavailable) {
		t.Fatalf("expected identity alert, got %v", got)
	}
}

func TestCheckHoldsIdentityAcrossAttempts(t *testing.T) {
	f := newFixture(t, "6", "10")
	original := f.identity.id.Address()

	first := f.ctrl.Check(context.Background())
	f.identity.id = loadIdentity(t)
	second := f.ctrl.Check(context.Background())
	swap := f.ctrl.Swap(context.Background(), SwapRequest{Ledger: "operating", SourceAsset: "ETH", DestAsset: "USDC", Amount: "100"})

	for _, result := range []CheckResult{first, second, swap} {
		if result.Identity != original.Hex() {
			t.Fatalf("identity changed mid-process: %s, want %s", result.Identity, original.Hex())
		}
	}
	if f.identity.loads != 1 {
		t.Fatalf("identity should be loaded once, got %d loads", f.identity.loads)
	}
}

func TestCheckRetriesIdentityUntilLoaded(t *testing.T) {
	f := newFixture(t, "6", "10")
	id := f.identity.id
	f.identity.id = nil
	f.identity.err = errors.New("permission denied")
	if result := f.ctrl.Check(context.Background()); result.Status != StatusIdentityUnavailable {
		t.Fatalf("expected identity_unavailable, got %s", result.Status)
	}

	f.identity.id, f.identity.err = id, nil
	result := f.ctrl.Check(context.Background())
	if result.Status != StatusNominal || result.Identity != id.Address().Hex() {
		t.Fatalf("expected nominal with recovered identity, got %+v", result)
	}
	if f.identity.loads != 2 {
		t.Fatalf("expected a retry after the failed load, got %d loads", f.identity.loads)
	}
}

func TestCheckIdentityUnavailableWithoutAddress(t *testing.T) {
	f := newFixture(t, "2", "10")
	f.identity.id = nil
	f.identity.err = errors.New("permission denied")

	result := f.ctrl.Check(context.Background())
	if result.Status != StatusIdentityUnavailable || result.ErrorCode != string(identity.CodeUnavailable) {
		t.Fatalf("expected identity_unavailable, got %+v", result)
	}
	if f.balances.count() != 0 {
		t.Fatal("no balance reads without any address")
	}
}

func TestCheckBalanceUnavailable(t *testing.T) {
	f := newFixture(t, "2", "10")
	f.balances.errs["operating/ETH"] = errors.New("dial tcp: connection refused")

	result := f.ctrl.Check(context.Background())
	if result.Status != StatusBalanceUnavailable || result.ErrorCode != string(balance.CodeUnavailable) {
		t.Fatalf("expected balance_unavailable, got %+v", result)
	}
	if result.Operating != nil {
		t.Fatal("failed read must not produce a snapshot")
	}

	f.balances.errs = map[string]error{"reserve/USDC": xerrors.New(balance.CodeUnavailable, "rpc down")}
	result = f.ctrl.Check(context.Background())
	if result.Status != StatusBalanceUnavailable || result.Operating == nil || result.Reserve != nil {
		t.Fatalf("expected reserve read failure, got %+v", result)
	}
	if f.engine.calls.Load() != 0 {
		t.Fatal("no submission when balances are unavailable")
	}
}

func TestCheckNoQuote(t *testing.T) {
	f := newFixture(t, "2", "10")
	f.quotes.err = xerrors.New(quote.CodeNoQuote, "no provider returned a valid quote")

	result := f.ctrl.Check(context.Background())
	if result.Status != StatusNoQuote || result.FinalState() != StateNoQuote {
		t.Fatalf("expected no_quote, got %s", result.Status)
	}
	if result.Transfer == nil || result.Transfer.Outcome != submit.OutcomeNoQuote {
		t.Fatalf("unexpected transfer %+v", result.Transfer)
	}
	if f.builder.calls.Load() != 0 || f.engine.calls.Load() != 0 {
		t.Fatal("no assembly without a quote")
	}
}

func TestCheckAssemblyErrorIsAttributedToProvider(t *testing.T) {
	f := newFixture(t, "2", "10")
	f.builder.err = xerrors.New(txbuilder.CodeAssembly, "route chain id mismatch")

	result := f.ctrl.Check(context.Background())
	if result.Status != StatusFailed || result.ErrorCode != string(txbuilder.CodeAssembly) {
		t.Fatalf("expected assembly failure, got %s %s", result.Status, result.ErrorCode)
	}
	if f.engine.calls.Load() != 0 {
		t.Fatal("nothing may be submitted after an assembly error")
	}
	if len(f.quotes.records) != 1 || f.quotes.records[0].success {
		t.Fatalf("expected provider failure record, got %+v", f.quotes.records)
	}
	if got := f.alerts.statuses(); len(got) != 1 || got[0] != string(StatusFailed) {
		t.Fatalf("expected failure alert, got %v", got)
	}
}

func TestCheckRecoversFromPanic(t *testing.T) {
	f := newFixture(t, "2", "10")
	f.builder.panics = true

	result := f.ctrl.Check(context.Background())
	if result.Status != StatusFailed || result.ErrorCode != string(xerrors.CodeInternal) {
		t.Fatalf("expected failed after panic, got %+v", result)
	}

	f.builder.panics = false
	if next := f.ctrl.Check(context.Background()); next.Status != StatusConfirmed {
		t.Fatalf("guard must be released after a panic, got %s", next.Status)
	}
}

func TestSwapUsesSwapClass(t *testing.T) {
	f := newFixture(t, "2", "10")
	f.quotes.quote.SourceLedger = "operating"
	f.quotes.quote.DestLedger = "operating"

	result := f.ctrl.Swap(context.Background(), SwapRequest{
		Ledger:      "operating",
		SourceAsset: "ETH",
		DestAsset:   "USDC",
		Amount:      "1.5",
	})
	if result.Status != StatusConfirmed || result.Kind != KindNativeSwap {
		t.Fatalf("expected confirmed swap, got %+v", result)
	}
	req := f.quotes.requests[0]
	if req.Class() != quote.ClassSwap || req.SourceAsset != "ETH" || req.DestAsset != "USDC" || req.SlippageBps != 100 {
		t.Fatalf("unexpected swap request %+v", req)
	}
	want, _ := ledger.ParseUnits("1.5", 18)
	if result.Transfer.SourceAmount.Cmp(want) != 0 {
		t.Fatalf("unexpected swap amount %s", result.Transfer.SourceAmount)
	}
	if _, ok, _ := f.sink.Get(context.Background(), sink.KeyNativeSwapResult); !ok {
		t.Fatal("swap result must use the native swap key")
	}
	if _, ok, _ := f.sink.Get(context.Background(), sink.KeyLifeSupportResult); ok {
		t.Fatal("swap must not touch the life-support key")
	}
}

func TestSwapInsufficientBalance(t *testing.T) {
	f := newFixture(t, "1", "10")
	result := f.ctrl.Swap(context.Background(), SwapRequest{Ledger: "operating", SourceAsset: "ETH", DestAsset: "USDC", Amount: "1.5"})
	if result.Status != StatusInsufficientReserve || f.engine.calls.Load() != 0 {
		t.Fatalf("expected insufficient balance, got %s", result.Status)
	}
	if rec, ok, _ := f.sink.Get(context.Background(), sink.KeyNativeSwapError); !ok || rec.Status != string(StatusInsufficientReserve) {
		t.Fatalf("expected swap error record, got %+v", rec)
	}
}

func TestSwapRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t, "1", "10")
	cases := []SwapRequest{
		{SourceAsset: "ETH", DestAsset: "USDC", Amount: "1"},
		{Ledger: "operating", SourceAsset: "ETH", DestAsset: "eth", Amount: "1"},
		{Ledger: "operating", SourceAsset: "ETH", DestAsset: "DAI", Amount: "1"},
		{Ledger: "operating", SourceAsset: "ETH", DestAsset: "USDC", Amount: "0"},
		{Ledger: "operating", SourceAsset: "ETH", DestAsset: "USDC", Amount: "1", SlippageBps: 10_000},
	}
	for i, req := range cases {
		result := f.ctrl.Swap(context.Background(), req)
		if result.Status != StatusFailed || result.ErrorCode != string(xerrors.CodeInvalidArgument) {
			t.Fatalf("case %d: expected invalid argument, got %s %s", i, result.Status, result.ErrorCode)
		}
	}
	if f.balances.count() != 0 {
		t.Fatal("invalid requests must not read balances")
	}
}

func TestNewControllerValidatesPolicy(t *testing.T) {
	f := newFixture(t, "1", "1")
	cases := map[string]func(*Policy){
		"zero transfer":    func(p *Policy) { p.TransferAmount = "0" },
		"missing transfer": func(p *Policy) { p.TransferAmount = "" },
		"bad threshold":    func(p *Policy) { p.Threshold = "five" },
		"unknown asset":    func(p *Policy) { p.ReserveAsset = "DAI" },
		"slippage":         func(p *Policy) { p.SlippageBps = 10_000 },
		"destination":      func(p *Policy) { p.Destination = "not-an-address" },
		"ledger":           func(p *Policy) { p.ReserveLedger = "" },
	}
	for name, mutate := range cases {
		policy := testPolicy()
		mutate(&policy)
		if _, err := NewController(f.ctrl.deps, policy); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("%s: expected invalid argument, got %v", name, err)
		}
	}
	if _, err := NewController(Dependencies{}, testPolicy()); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}

func TestIdempotencyTagWindow(t *testing.T) {
	src := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	dst := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	amount := big.NewInt(400_000)

	a := IdempotencyTag(src, dst, amount, base.Add(time.Minute), 10*time.Minute)
	b := IdempotencyTag(src, dst, amount, base.Add(9*time.Minute), 10*time.Minute)
	if a != b {
		t.Fatal("same window must produce the same tag")
	}
	if c := IdempotencyTag(src, dst, amount, base.Add(11*time.Minute), 10*time.Minute); c == a {
		t.Fatal("next window must produce a new tag")
	}
	if d := IdempotencyTag(src, dst, big.NewInt(400_001), base.Add(time.Minute), 10*time.Minute); d == a {
		t.Fatal("different amount must produce a new tag")
	}
}
