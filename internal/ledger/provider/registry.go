package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"Lifeline-Treasury/internal/ledger"
	"Lifeline-Treasury/internal/ledger/ethereum"
)

// Registry manages a set of ledger clients keyed by human readable names.
type Registry struct {
	defs    ledger.Definitions
	clients map[string]ledger.Client
}

// Overrides replaces the RPC endpoint of a named ledger, typically from the
// environment.
type Overrides map[string]string

// NewRegistry instantiates a client for every defined ledger.
func NewRegistry(ctx context.Context, defs ledger.Definitions, overrides Overrides) (*Registry, error) {
	clients := make(map[string]ledger.Client, len(defs.Ledgers))
	for name, def := range defs.Ledgers {
		if url := strings.TrimSpace(overrides[name]); url != "" {
			def.RPCURL = url
			defs.Ledgers[name] = def
		}
		ledgerType := strings.ToLower(strings.TrimSpace(def.Type))
		if ledgerType == "" {
			ledgerType = "evm"
		}
		switch ledgerType {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:    name,
				RPCURL:  def.RPCURL,
				ChainID: def.ChainID,
				Notes:   def.Description,
			})
			if err != nil {
				closeAll(clients)
				return nil, fmt.Errorf("初始化账本 %s 失败: %w", name, err)
			}
			clients[name] = client
		default:
			closeAll(clients)
			return nil, fmt.Errorf("账本 %s 使用了不支持的类型 %s", name, def.Type)
		}
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何账本的 RPC 端点")
	}
	return &Registry{defs: defs, clients: clients}, nil
}

// NewStaticRegistry wraps pre-built clients, used by tests and embedders.
func NewStaticRegistry(defs ledger.Definitions, clients map[string]ledger.Client) *Registry {
	copied := make(map[string]ledger.Client, len(clients))
	for name, client := range clients {
		copied[name] = client
	}
	return &Registry{defs: defs, clients: copied}
}

// Client returns the ledger client identified by name.
func (r *Registry) Client(name string) (ledger.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Definition returns the definition of a named ledger.
func (r *Registry) Definition(name string) (ledger.Definition, bool) {
	if r == nil {
		return ledger.Definition{}, false
	}
	def, ok := r.defs.Ledgers[name]
	return def, ok
}

// Asset resolves an asset symbol on a named ledger.
func (r *Registry) Asset(ledgerName, symbol string) (ledger.Asset, error) {
	def, ok := r.Definition(ledgerName)
	if !ok {
		return ledger.Asset{}, fmt.Errorf("账本 %s 未在注册表中", ledgerName)
	}
	return def.Asset(symbol)
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.clients)
}

// Ledgers returns the list of registered ledger names.
func (r *Registry) Ledgers() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func closeAll(clients map[string]ledger.Client) {
	for name, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, name)
	}
}

var _ ledger.Resolver = (*Registry)(nil)
