package quote

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
)

// Rule is an optional operator-supplied acceptance expression evaluated
// against every structurally valid candidate, e.g.
// `provider != "legacy" && ttl_seconds > 5`.
type Rule struct {
	expression string
	program    *exprvm.Program
}

// CompileRule compiles expression. An empty expression yields a nil rule
// that accepts everything.
func CompileRule(expression string) (*Rule, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, nil
	}
	program, err := exprlang.Compile(expression,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
		exprlang.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("编译报价规则失败: %w", err)
	}
	return &Rule{expression: expression, program: program}, nil
}

// String returns the source expression.
func (r *Rule) String() string {
	if r == nil {
		return ""
	}
	return r.expression
}

// Accept evaluates the rule for a candidate quote.
func (r *Rule) Accept(q Quote, req Request, failureRate float64, now time.Time) (bool, error) {
	if r == nil {
		return true, nil
	}
	out, err := exprlang.Run(r.program, ruleEnv(q, req, failureRate, now))
	if err != nil {
		return false, fmt.Errorf("执行报价规则 %q 失败: %w", r.expression, err)
	}
	accepted, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("报价规则 %q 未返回布尔值", r.expression)
	}
	return accepted, nil
}

func ruleEnv(q Quote, req Request, failureRate float64, now time.Time) map[string]any {
	ttl := -1.0
	if !q.ExpiresAt.IsZero() {
		ttl = q.ExpiresAt.Sub(now).Seconds()
	}
	return map[string]any{
		"provider":      q.Provider,
		"class":         string(req.Class()),
		"source_ledger": req.SourceLedger,
		"dest_ledger":   req.DestLedger,
		"source_asset":  req.SourceAsset,
		"dest_asset":    req.DestAsset,
		"amount":        toFloat(q.SourceAmount),
		"expected_out":  toFloat(q.ExpectedDestAmount),
		"min_out":       toFloat(q.MinDestAmount),
		"slippage_bps":  slippageBps(q.ExpectedDestAmount, q.MinDestAmount),
		"ttl_seconds":   ttl,
		"failure_rate":  failureRate,
	}
}

func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

// slippageBps is the gap between expected and minimum output in basis points.
func slippageBps(expected, minimum *big.Int) float64 {
	if expected == nil || minimum == nil || expected.Sign() <= 0 {
		return 0
	}
	gap := new(big.Int).Sub(expected, minimum)
	gap.Mul(gap, big.NewInt(10_000))
	ratio, _ := new(big.Float).Quo(new(big.Float).SetInt(gap), new(big.Float).SetInt(expected)).Float64()
	return ratio
}
