package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"Lifeline-Treasury/internal/ledger"
)

const erc20BalanceOfABI = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var erc20ABI = mustParseABI(erc20BalanceOfABI)

// Config describes how to construct an EVM compatible ledger client.
type Config struct {
	Name    string
	RPCURL  string
	ChainID uint64
	Notes   string
}

// Backend is the subset of node access the client relies on. Both
// *ethclient.Client and the go-ethereum simulated backend satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Client implements ledger.Client for EVM compatible chains.
type Client struct {
	name    string
	notes   string
	backend Backend
	closer  func()

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, fmt.Errorf("账本 %s 未配置 RPC 地址", cfg.Name)
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接账本 %s 节点失败: %w", cfg.Name, err)
	}

	client := &Client{name: cfg.Name, notes: cfg.Notes, backend: eth, closer: eth.Close}
	if cfg.ChainID != 0 {
		client.chainID = new(big.Int).SetUint64(cfg.ChainID)
	}
	return client, nil
}

// NewWithBackend wraps an existing backend, typically the simulated one in tests.
func NewWithBackend(name string, backend Backend) *Client {
	return &Client{name: name, backend: backend, notes: "custom backend"}
}

// Name returns the ledger name the client was registered with.
func (c *Client) Name() string {
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
}

// ChainID returns the configured chain id, querying the node on first use.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	backend, err := c.node()
	if err != nil {
		return nil, err
	}
	id, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}

	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// NativeBalance reads the gas-asset balance of an account at the latest block.
func (c *Client) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	backend, err := c.node()
	if err != nil {
		return nil, err
	}
	balance, err := backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// TokenBalance reads an ERC-20 balance through balanceOf(address).
func (c *Client) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	backend, err := c.node()
	if err != nil {
		return nil, err
	}
	input, err := erc20ABI.Pack("balanceOf", holder)
	if err != nil {
		return nil, fmt.Errorf("编码 balanceOf 调用失败: %w", err)
	}
	output, err := backend.CallContract(ctx, gethcore.CallMsg{To: &token, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("查询代币余额失败: %w", err)
	}
	if len(output) == 0 {
		return nil, fmt.Errorf("代币合约 %s 未返回数据", token.Hex())
	}
	values, err := erc20ABI.Unpack("balanceOf", output)
	if err != nil {
		return nil, fmt.Errorf("解析代币余额失败: %w", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, errors.New("代币余额类型异常")
	}
	return balance, nil
}

// PendingNonce returns the next nonce usable by the account.
func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	backend, err := c.node()
	if err != nil {
		return 0, err
	}
	nonce, err := backend.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("查询交易计数失败: %w", err)
	}
	return nonce, nil
}

// LatestHeader fetches the newest block header.
func (c *Client) LatestHeader(ctx context.Context) (*coretypes.Header, error) {
	backend, err := c.node()
	if err != nil {
		return nil, err
	}
	header, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("获取最新区块头失败: %w", err)
	}
	return header, nil
}

// SuggestGasTipCap proxies the node's priority fee suggestion.
func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	backend, err := c.node()
	if err != nil {
		return nil, err
	}
	tip, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取小费建议失败: %w", err)
	}
	return tip, nil
}

// EstimateGas estimates the gas needed by the call.
func (c *Client) EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error) {
	backend, err := c.node()
	if err != nil {
		return 0, err
	}
	gas, err := backend.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("估算 gas 失败: %w", err)
	}
	return gas, nil
}

// SendTransaction broadcasts a signed transaction. The raw node error is
// returned unwrapped so the submission engine can classify it.
func (c *Client) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	backend, err := c.node()
	if err != nil {
		return err
	}
	return backend.SendTransaction(ctx, tx)
}

// TransactionReceipt returns the receipt, or gethcore.NotFound while pending.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	backend, err := c.node()
	if err != nil {
		return nil, err
	}
	return backend.TransactionReceipt(ctx, hash)
}

func (c *Client) node() (Backend, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的账本客户端")
	}
	return c.backend, nil
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

var _ ledger.Client = (*Client)(nil)
