package provider

import (
	"context"
	"testing"

	"Lifeline-Treasury/internal/ledger"
	"Lifeline-Treasury/internal/ledger/ethereum"
)

func TestNewRegistryAppliesOverrides(t *testing.T) {
	defs := ledger.Definitions{Ledgers: map[string]ledger.Definition{
		"operating": {RPCURL: "http://127.0.0.1:1", ChainID: 8453},
		"reserve":   {RPCURL: "", ChainID: 1},
	}}

	registry, err := NewRegistry(context.Background(), defs, Overrides{"reserve": "http://127.0.0.1:2"})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(registry.Close)

	if got := registry.Ledgers(); len(got) != 2 || got[0] != "operating" || got[1] != "reserve" {
		t.Fatalf("unexpected ledgers %v", got)
	}
	def, ok := registry.Definition("reserve")
	if !ok || def.RPCURL != "http://127.0.0.1:2" {
		t.Fatalf("override not applied: %+v", def)
	}
	client, ok := registry.Client("operating")
	if !ok {
		t.Fatal("operating client missing")
	}
	id, err := client.ChainID(context.Background())
	if err != nil || id.Uint64() != 8453 {
		t.Fatalf("configured chain id should be served without a node call, got %v err=%v", id, err)
	}
}

func TestNewRegistryRejectsUnknownType(t *testing.T) {
	defs := ledger.Definitions{Ledgers: map[string]ledger.Definition{
		"solana": {Type: "svm", RPCURL: "http://127.0.0.1:1"},
	}}
	if _, err := NewRegistry(context.Background(), defs, nil); err == nil {
		t.Fatal("expected unsupported ledger type error")
	}
}

func TestNewRegistryRequiresEndpoint(t *testing.T) {
	defs := ledger.Definitions{Ledgers: map[string]ledger.Definition{"reserve": {}}}
	if _, err := NewRegistry(context.Background(), defs, nil); err == nil {
		t.Fatal("expected missing rpc url error")
	}
	if _, err := NewRegistry(context.Background(), ledger.Definitions{}, nil); err == nil {
		t.Fatal("expected error for empty definitions")
	}
}

func TestStaticRegistryAssetLookup(t *testing.T) {
	defs, err := ledger.ParseDefinitions([]byte(`
ledgers:
  reserve:
    assets:
      USDC: {token: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", decimals: 6}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	registry := NewStaticRegistry(defs, map[string]ledger.Client{
		"reserve": ethereum.NewWithBackend("reserve", nil),
	})

	asset, err := registry.Asset("reserve", "USDC")
	if err != nil || asset.Kind != ledger.AssetStable {
		t.Fatalf("unexpected asset %+v err=%v", asset, err)
	}
	if _, err := registry.Asset("missing", "USDC"); err == nil {
		t.Fatal("expected error for unknown ledger")
	}
}
