// Package evmhtlc binds the account-ledger HTLC contracts: EthHTLC for native value and
// Erc20Erc721HTLC for whitelisted ERC-20 and ERC-721 tokens.
package evmhtlc

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// EthHTLCABI is the input ABI of the native-value contract.
const EthHTLCABI = `[
	{"type":"function","name":"register_swap_intent","stateMutability":"payable",
	 "inputs":[{"name":"intent_hash","type":"bytes32"},{"name":"expiration_height","type":"uint256"},{"name":"recipient","type":"address"}],
	 "outputs":[]},
	{"type":"function","name":"cancel_swap_intent","stateMutability":"nonpayable",
	 "inputs":[{"name":"intent_hash","type":"bytes32"}],
	 "outputs":[]},
	{"type":"function","name":"swap","stateMutability":"nonpayable",
	 "inputs":[{"name":"sender","type":"address"},{"name":"preimage","type":"bytes"}],
	 "outputs":[]},
	{"type":"function","name":"get_swap_intent","stateMutability":"view",
	 "inputs":[{"name":"intent_hash","type":"bytes32"},{"name":"sender","type":"address"}],
	 "outputs":[{"name":"","type":"tuple","components":[
		{"name":"expiration_height","type":"uint256"},
		{"name":"amount","type":"uint256"},
		{"name":"recipient","type":"address"}]}]}
]`

// Erc20Erc721HTLCABI is the input ABI of the token contract.
const Erc20Erc721HTLCABI = `[
	{"type":"function","name":"register_swap_intent","stateMutability":"nonpayable",
	 "inputs":[{"name":"intent_hash","type":"bytes32"},{"name":"expiration_height","type":"uint256"},{"name":"recipient","type":"address"},
	           {"name":"asset_contract","type":"address"},{"name":"amount_or_token_id","type":"uint256"}],
	 "outputs":[]},
	{"type":"function","name":"cancel_swap_intent","stateMutability":"nonpayable",
	 "inputs":[{"name":"intent_hash","type":"bytes32"}],
	 "outputs":[]},
	{"type":"function","name":"swap","stateMutability":"nonpayable",
	 "inputs":[{"name":"sender","type":"address"},{"name":"preimage","type":"bytes"}],
	 "outputs":[]},
	{"type":"function","name":"get_swap_intent","stateMutability":"view",
	 "inputs":[{"name":"intent_hash","type":"bytes32"},{"name":"sender","type":"address"}],
	 "outputs":[{"name":"","type":"tuple","components":[
		{"name":"expiration_height","type":"uint256"},
		{"name":"amount_or_token_id","type":"uint256"},
		{"name":"recipient","type":"address"},
		{"name":"asset_contract","type":"address"}]}]},
	{"type":"function","name":"set_whitelisted","stateMutability":"nonpayable",
	 "inputs":[{"name":"entries","type":"tuple[]","components":[
		{"name":"token_contract","type":"address"},
		{"name":"whitelisted","type":"bool"}]}],
	 "outputs":[]},
	{"type":"function","name":"is_whitelisted","stateMutability":"view",
	 "inputs":[{"name":"token_contract","type":"address"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

// TokenABI covers approve(address,uint256), which ERC-20 and ERC-721 share.
const TokenABI = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount_or_token_id","type":"uint256"}],
	 "outputs":[]}
]`

var (
	parseOnce  sync.Once
	ethABI     abi.ABI
	tokenHTLC  abi.ABI
	tokenABI   abi.ABI
	parseError error
)

func parsed() error {
	parseOnce.Do(func() {
		for _, p := range []struct {
			dst *abi.ABI
			src string
		}{
			{&ethABI, EthHTLCABI},
			{&tokenHTLC, Erc20Erc721HTLCABI},
			{&tokenABI, TokenABI},
		} {
			if *p.dst, parseError = abi.JSON(strings.NewReader(p.src)); parseError != nil {
				return
			}
		}
	})
	return parseError
}

// ABIs returns the parsed native, token-HTLC and token ABIs.
func ABIs() (native, token, erc abi.ABI, err error) {
	if err := parsed(); err != nil {
		return abi.ABI{}, abi.ABI{}, abi.ABI{}, err
	}
	return ethABI, tokenHTLC, tokenABI, nil
}
