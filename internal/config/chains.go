package config

import (
	"sort"
	"time"
)

// LedgerModel is the execution model of a chain.
type LedgerModel string

const (
	ModelRichState LedgerModel = "rich_state" // contract state with typed assets (STX)
	ModelScripting LedgerModel = "scripting"  // UTXO outputs locked by scripts (BTC)
	ModelAccount   LedgerModel = "account"    // EVM accounts with contract storage (ETH)
)

// Chain describes a supported chain.
type Chain struct {
	Symbol    string
	Name      string
	Model     LedgerModel
	Decimals  uint8
	BlockTime time.Duration
}

// SupportedChains defines all supported chains.
var SupportedChains = map[string]Chain{
	"STX": {
		Symbol:    "STX",
		Name:      "Stacks",
		Model:     ModelRichState,
		Decimals:  6,
		BlockTime: 10 * time.Minute,
	},
	"BTC": {
		Symbol:    "BTC",
		Name:      "Bitcoin",
		Model:     ModelScripting,
		Decimals:  8,
		BlockTime: 10 * time.Minute,
	},
	"ETH": {
		Symbol:    "ETH",
		Name:      "Ethereum",
		Model:     ModelAccount,
		Decimals:  18,
		BlockTime: 12 * time.Second,
	},
}

// GetChain returns the chain registered under symbol.
func GetChain(symbol string) (Chain, bool) {
	c, ok := SupportedChains[symbol]
	return c, ok
}

// ListChains returns the supported symbols in order.
func ListChains() []string {
	symbols := make([]string, 0, len(SupportedChains))
	for s := range SupportedChains {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// DefaultBlockTimes returns the average block interval of every supported chain.
func DefaultBlockTimes() map[string]time.Duration {
	out := make(map[string]time.Duration, len(SupportedChains))
	for s, c := range SupportedChains {
		out[s] = c.BlockTime
	}
	return out
}
