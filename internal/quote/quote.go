// Package quote collects exchange quotes from untrusted providers, validates
// them and selects the best candidate deterministically.
package quote

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Lifeline-Treasury/internal/errors"
)

// CodeNoQuote 表示所有报价源均未返回可用报价。本周期不重试。
const CodeNoQuote xerrors.Code = "NO_QUOTE_AVAILABLE"

func init() {
	xerrors.Register(CodeNoQuote, xerrors.Attributes{
		Message:   "no quote available",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// Class groups providers by the kind of transfer they can route.
type Class string

const (
	// ClassBridge covers transfers whose source and destination ledgers differ.
	ClassBridge Class = "bridge"
	// ClassSwap covers same-ledger exchanges.
	ClassSwap Class = "swap"
)

// ClassFor derives the transfer class of a request.
func ClassFor(sourceLedger, destLedger string) Class {
	if strings.EqualFold(strings.TrimSpace(sourceLedger), strings.TrimSpace(destLedger)) {
		return ClassSwap
	}
	return ClassBridge
}

// Request describes the exchange a caller wants priced.
type Request struct {
	SourceLedger string
	DestLedger   string
	SourceAsset  string
	DestAsset    string
	Amount       *big.Int
	From         common.Address
	To           common.Address
	// SlippageBps bounds how far MinDestAmount may sit below the expected amount.
	SlippageBps uint32
	// MinDestAmount is the absolute floor a quote's minimum output must meet.
	MinDestAmount *big.Int
}

// Class returns the transfer class of the request.
func (r Request) Class() Class {
	return ClassFor(r.SourceLedger, r.DestLedger)
}

// Quote is a provider's priced proposal. Amounts are base units of the
// respective assets. A quote is consumed at most once.
type Quote struct {
	ID                 string         `json:"id"`
	Provider           string         `json:"provider"`
	SourceLedger       string         `json:"source_ledger"`
	DestLedger         string         `json:"dest_ledger"`
	SourceAsset        string         `json:"source_asset"`
	DestAsset          string         `json:"dest_asset"`
	SourceAmount       *big.Int       `json:"source_amount"`
	ExpectedDestAmount *big.Int       `json:"expected_dest_amount"`
	MinDestAmount      *big.Int       `json:"min_dest_amount"`
	RoutePayload       []byte         `json:"route_payload,omitempty"`
	ExpiresAt          time.Time      `json:"expires_at,omitempty"`
	Recipient          common.Address `json:"recipient"`
}

// Expired reports whether the quote's validity window has elapsed at now.
// Quotes without an expiry never expire.
func (q Quote) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && !now.Before(q.ExpiresAt)
}

// Provider is an external quote source. Implementations must treat ctx
// cancellation as abandonment; quote fetches are read-only.
type Provider interface {
	ID() string
	Quote(ctx context.Context, req Request) ([]Quote, error)
	BuildRoute(ctx context.Context, q Quote, from, to common.Address) ([]byte, error)
}
