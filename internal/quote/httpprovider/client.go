// Package httpprovider implements quote.Provider over a small JSON REST
// contract so several bridge or swap vendors can be configured as instances
// of the same provider type.
package httpprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Lifeline-Treasury/internal/quote"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20
)

// Config 描述一个 HTTP 报价源。
type Config struct {
	ID      string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client 通过 HTTP 调用外部报价服务。
type Client struct {
	id         string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient 根据配置创建报价客户端。
func NewClient(cfg Config) (*Client, error) {
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		return nil, errors.New("报价源缺少 ID")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("报价源 %s 未配置 base_url", id)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		id:         id,
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// ID 返回报价源标识。
func (c *Client) ID() string {
	return c.id
}

type quoteRequest struct {
	SourceLedger string `json:"source_ledger"`
	DestLedger   string `json:"dest_ledger"`
	SourceAsset  string `json:"source_asset"`
	DestAsset    string `json:"dest_asset"`
	Amount       string `json:"amount"`
	From         string `json:"from"`
	To           string `json:"to"`
	SlippageBps  uint32 `json:"slippage_bps"`
}

type quoteEntry struct {
	ID          string          `json:"id"`
	AmountIn    string          `json:"amount_in"`
	ExpectedOut string          `json:"expected_out"`
	MinOut      string          `json:"min_out"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	Recipient   string          `json:"recipient,omitempty"`
	Route       json.RawMessage `json:"route,omitempty"`
}

// Quote 请求报价。数量字段以十进制字符串表示的最小单位传输。
func (c *Client) Quote(ctx context.Context, req quote.Request) ([]quote.Quote, error) {
	if req.Amount == nil {
		return nil, errors.New("报价请求缺少数量")
	}
	body := quoteRequest{
		SourceLedger: req.SourceLedger,
		DestLedger:   req.DestLedger,
		SourceAsset:  req.SourceAsset,
		DestAsset:    req.DestAsset,
		Amount:       req.Amount.String(),
		From:         req.From.Hex(),
		To:           req.To.Hex(),
		SlippageBps:  req.SlippageBps,
	}
	var decoded struct {
		Quotes []quoteEntry `json:"quotes"`
	}
	if err := c.post(ctx, "/quote", body, &decoded); err != nil {
		return nil, err
	}

	quotes := make([]quote.Quote, 0, len(decoded.Quotes))
	for idx, entry := range decoded.Quotes {
		q, err := entry.toQuote()
		if err != nil {
			return nil, fmt.Errorf("报价源 %s 第 %d 条报价无效: %w", c.id, idx, err)
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

func (e quoteEntry) toQuote() (quote.Quote, error) {
	amountIn, err := parseAmount(e.AmountIn, "amount_in")
	if err != nil {
		return quote.Quote{}, err
	}
	expected, err := parseAmount(e.ExpectedOut, "expected_out")
	if err != nil {
		return quote.Quote{}, err
	}
	minimum, err := parseAmount(e.MinOut, "min_out")
	if err != nil {
		return quote.Quote{}, err
	}
	q := quote.Quote{
		ID:                 strings.TrimSpace(e.ID),
		SourceAmount:       amountIn,
		ExpectedDestAmount: expected,
		MinDestAmount:      minimum,
	}
	if e.ExpiresAt != nil {
		q.ExpiresAt = e.ExpiresAt.UTC()
	}
	if recipient := strings.TrimSpace(e.Recipient); recipient != "" {
		if !common.IsHexAddress(recipient) {
			return quote.Quote{}, fmt.Errorf("recipient 地址无效: %s", recipient)
		}
		q.Recipient = common.HexToAddress(recipient)
	}
	if route := bytes.TrimSpace(e.Route); len(route) > 0 && !bytes.Equal(route, []byte("null")) {
		q.RoutePayload = append([]byte(nil), route...)
	}
	return q, nil
}

func parseAmount(raw, field string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("缺少 %s", field)
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("%s 不是整数: %s", field, raw)
	}
	return value, nil
}

type routeRequest struct {
	QuoteID     string `json:"quote_id"`
	SourceAsset string `json:"source_asset"`
	DestAsset   string `json:"dest_asset"`
	Amount      string `json:"amount"`
	MinOut      string `json:"min_out"`
	From        string `json:"from"`
	To          string `json:"to"`
}

// BuildRoute 请求报价对应的交易路由。
func (c *Client) BuildRoute(ctx context.Context, q quote.Quote, from, to common.Address) ([]byte, error) {
	body := routeRequest{
		QuoteID:     q.ID,
		SourceAsset: q.SourceAsset,
		DestAsset:   q.DestAsset,
		From:        from.Hex(),
		To:          to.Hex(),
	}
	if q.SourceAmount != nil {
		body.Amount = q.SourceAmount.String()
	}
	if q.MinDestAmount != nil {
		body.MinOut = q.MinDestAmount.String()
	}
	var decoded struct {
		Route json.RawMessage `json:"route"`
	}
	if err := c.post(ctx, "/route", body, &decoded); err != nil {
		return nil, err
	}
	route := bytes.TrimSpace(decoded.Route)
	if len(route) == 0 || bytes.Equal(route, []byte("null")) {
		return nil, fmt.Errorf("报价源 %s 未返回路由", c.id)
	}
	return append([]byte(nil), route...), nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("序列化报价请求失败: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构建报价请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("请求报价源 %s 失败: %w", c.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("报价源 %s 返回错误状态 %d: %s", c.id, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("解析报价源 %s 响应失败: %w", c.id, err)
	}
	return nil
}

// resolveAPIKey reads the key from the named environment variable.
func resolveAPIKey(envName string) string {
	envName = strings.TrimSpace(envName)
	if envName == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(envName))
}

var _ quote.Provider = (*Client)(nil)
