package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	xerrors "Lifeline-Treasury/internal/errors"
	"Lifeline-Treasury/pkg/logger"
)

const defaultCollectTimeout = 5 * time.Second

// Config controls candidate collection.
type Config struct {
	// CollectTimeout bounds how long providers are awaited; late responders
	// are cancelled and ignored.
	CollectTimeout time.Duration
	// Rule is an optional acceptance expression, see CompileRule.
	Rule string
}

// Aggregator fans a request out to every provider of the matching class and
// picks the best valid quote.
type Aggregator struct {
	mu        sync.RWMutex
	providers map[Class][]Provider
	byID      map[string]Provider

	rates   FailureRates
	rule    *Rule
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
}

// Option customises the aggregator.
type Option func(*Aggregator)

// WithFailureRates sets the tie-break statistics source.
func WithFailureRates(rates FailureRates) Option {
	return func(a *Aggregator) {
		if rates != nil {
			a.rates = rates
		}
	}
}

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAggregator builds an aggregator without providers.
func NewAggregator(cfg Config, opts ...Option) (*Aggregator, error) {
	rule, err := CompileRule(cfg.Rule)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "报价规则无效")
	}
	timeout := cfg.CollectTimeout
	if timeout <= 0 {
		timeout = defaultCollectTimeout
	}
	a := &Aggregator{
		providers: make(map[Class][]Provider),
		byID:      make(map[string]Provider),
		rates:     NewMemoryFailureRates(),
		rule:      rule,
		timeout:   timeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	a.log = logger.Named("quote")
	return a, nil
}

// Register adds a provider to a transfer class. Provider IDs must be unique.
func (a *Aggregator) Register(class Class, p Provider) error {
	if p == nil || strings.TrimSpace(p.ID()) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "报价源缺少 ID")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.byID[p.ID()]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("报价源 %s 重复注册", p.ID()))
	}
	a.byID[p.ID()] = p
	a.providers[class] = append(a.providers[class], p)
	return nil
}

// Providers lists provider IDs registered for class.
func (a *Aggregator) Providers(class Class) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.providers[class]))
	for _, p := range a.providers[class] {
		ids = append(ids, p.ID())
	}
	sort.Strings(ids)
	return ids
}

// Record forwards a pipeline outcome attributable to provider.
func (a *Aggregator) Record(ctx context.Context, provider string, success bool) {
	if err := a.rates.Record(ctx, provider, success); err != nil {
		a.log.Warn("记录报价源结果失败", slog.String("provider", provider), slog.Any("error", err))
	}
}

type collected struct {
	provider Provider
	quotes   []Quote
	err      error
}

type candidate struct {
	quote Quote
	rate  float64
}

// GetQuote queries all providers of the request's class concurrently and
// returns the best valid quote. It fails with NO_QUOTE_AVAILABLE when no
// candidate survives validation.
func (a *Aggregator) GetQuote(ctx context.Context, req Request) (Quote, error) {
	if err := validateRequest(req); err != nil {
		return Quote{}, err
	}
	class := req.Class()

	a.mu.RLock()
	providers := append([]Provider(nil), a.providers[class]...)
	a.mu.RUnlock()
	if len(providers) == 0 {
		return Quote{}, xerrors.New(CodeNoQuote, fmt.Sprintf("未配置 %s 类报价源", class),
			xerrors.WithMetadata("class", string(class)))
	}

	results := a.collect(ctx, providers, req)

	now := a.now()
	var (
		candidates []candidate
		reasons    []string
	)
	for _, res := range results {
		id := res.provider.ID()
		if res.err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", id, res.err))
			a.log.Warn("报价源请求失败", slog.String("provider", id), slog.Any("error", res.err))
			continue
		}
		if len(res.quotes) == 0 {
			reasons = append(reasons, id+": 无报价")
			continue
		}
		rate := a.failureRate(ctx, id)
		for _, q := range res.quotes {
			q = normalize(q, id, req)
			if err := a.validate(q, req, rate, now); err != nil {
				reasons = append(reasons, fmt.Sprintf("%s/%s: %v", id, q.ID, err))
				a.log.Info("丢弃无效报价",
					slog.String("provider", id),
					slog.String("quote_id", q.ID),
					slog.String("reason", err.Error()))
				continue
			}
			candidates = append(candidates, candidate{quote: q, rate: rate})
		}
	}

	if len(candidates) == 0 {
		detail := "所有报价源均未返回有效报价"
		if len(reasons) > 0 {
			detail += ": " + strings.Join(reasons, "; ")
		}
		return Quote{}, xerrors.New(CodeNoQuote, detail, xerrors.WithMetadata("class", string(class)))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return better(candidates[i], candidates[j])
	})
	best := candidates[0].quote
	a.log.Info("选定报价",
		slog.String("provider", best.Provider),
		slog.String("quote_id", best.ID),
		slog.String("expected_out", best.ExpectedDestAmount.String()),
		slog.String("min_out", best.MinDestAmount.String()),
		slog.Int("candidates", len(candidates)))
	return best, nil
}

// collect runs the fan-out under the collection timeout. Responses arriving
// after the deadline are discarded.
func (a *Aggregator) collect(ctx context.Context, providers []Provider, req Request) []collected {
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make([]collected, 0, len(providers))
		closed  bool
	)
	g, gctx := errgroup.WithContext(cctx)
	for _, p := range providers {
		p := p
		g.Go(func() error {
			quotes, err := p.Quote(gctx, req)
			mu.Lock()
			defer mu.Unlock()
			if closed {
				return nil
			}
			results = append(results, collected{provider: p, quotes: quotes, err: err})
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-cctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	closed = true
	responded := make(map[string]bool, len(results))
	for _, r := range results {
		responded[r.provider.ID()] = true
	}
	for _, p := range providers {
		if !responded[p.ID()] {
			results = append(results, collected{provider: p, err: errors.New("报价收集超时")})
		}
	}
	return append([]collected(nil), results...)
}

func (a *Aggregator) failureRate(ctx context.Context, provider string) float64 {
	rate, err := a.rates.FailureRate(ctx, provider)
	if err != nil {
		a.log.Warn("读取报价源失败率失败", slog.String("provider", provider), slog.Any("error", err))
		return 0
	}
	return rate
}

// BuildRoute asks the quote's owning provider for a route payload. Provider
// failures are surfaced, never replaced with a placeholder route.
func (a *Aggregator) BuildRoute(ctx context.Context, q Quote, from, to common.Address) ([]byte, error) {
	a.mu.RLock()
	p, ok := a.byID[q.Provider]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("报价源 %s 未注册", q.Provider)
	}
	payload, err := p.BuildRoute(ctx, q, from, to)
	if err != nil {
		return nil, fmt.Errorf("报价源 %s 构建路由失败: %w", q.Provider, err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("报价源 %s 返回了空路由", q.Provider)
	}
	return payload, nil
}

// better orders candidates: higher expected output, then lower provider
// failure rate, then provider and quote id ascending.
func better(x, y candidate) bool {
	if c := x.quote.ExpectedDestAmount.Cmp(y.quote.ExpectedDestAmount); c != 0 {
		return c > 0
	}
	if x.rate != y.rate {
		return x.rate < y.rate
	}
	if x.quote.Provider != y.quote.Provider {
		return x.quote.Provider < y.quote.Provider
	}
	return x.quote.ID < y.quote.ID
}

func validateRequest(req Request) error {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "报价数量必须大于零")
	}
	if strings.TrimSpace(req.SourceLedger) == "" || strings.TrimSpace(req.DestLedger) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "报价请求缺少账本")
	}
	if req.SlippageBps >= 10_000 {
		return xerrors.New(xerrors.CodeInvalidArgument, "滑点容忍度必须小于 10000 bps")
	}
	return nil
}

// normalize binds provider-independent fields to the request so a provider
// cannot relabel the exchange it is pricing.
func normalize(q Quote, providerID string, req Request) Quote {
	q.Provider = providerID
	if strings.TrimSpace(q.ID) == "" {
		q.ID = uuid.NewString()
	}
	q.SourceLedger = req.SourceLedger
	q.DestLedger = req.DestLedger
	q.SourceAsset = req.SourceAsset
	q.DestAsset = req.DestAsset
	if q.Recipient == (common.Address{}) {
		q.Recipient = req.To
	}
	return q
}

func (a *Aggregator) validate(q Quote, req Request, rate float64, now time.Time) error {
	if q.SourceAmount == nil || q.SourceAmount.Cmp(req.Amount) != 0 {
		return errors.New("源数量与请求不一致")
	}
	if q.ExpectedDestAmount == nil || q.ExpectedDestAmount.Sign() <= 0 {
		return errors.New("预期到账数量必须大于零")
	}
	if q.MinDestAmount == nil || q.MinDestAmount.Sign() <= 0 {
		return errors.New("最小到账数量必须大于零")
	}
	if q.MinDestAmount.Cmp(q.ExpectedDestAmount) > 0 {
		return errors.New("最小到账数量大于预期数量")
	}
	// minDest * 10000 >= expected * (10000 - bps)
	lhs := new(big.Int).Mul(q.MinDestAmount, big.NewInt(10_000))
	rhs := new(big.Int).Mul(q.ExpectedDestAmount, big.NewInt(int64(10_000-req.SlippageBps)))
	if lhs.Cmp(rhs) < 0 {
		return fmt.Errorf("滑点超过 %d bps", req.SlippageBps)
	}
	if req.MinDestAmount != nil && q.MinDestAmount.Cmp(req.MinDestAmount) < 0 {
		return errors.New("最小到账数量低于配置下限")
	}
	if q.Expired(now) {
		return errors.New("报价已过期")
	}
	if req.To != (common.Address{}) && q.Recipient != req.To {
		return errors.New("收款地址与请求不一致")
	}
	accepted, err := a.rule.Accept(q, req, rate, now)
	if err != nil {
		return err
	}
	if !accepted {
		return fmt.Errorf("未通过报价规则 %q", a.rule.String())
	}
	return nil
}
