package config

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// EVMContractAddresses holds the HTLC deployments of one EVM chain.
type EVMContractAddresses struct {
	// NativeHTLC is the EthHTLC deployment.
	NativeHTLC common.Address
	// TokenHTLC is the Erc20Erc721HTLC deployment.
	TokenHTLC common.Address
}

// evmContractRegistry maps chainID -> contract addresses
var (
	evmMu               sync.RWMutex
	evmContractRegistry = map[uint64]*EVMContractAddresses{}
)

// GetEVMContracts returns the deployments on chainID, or nil.
func GetEVMContracts(chainID uint64) *EVMContractAddresses {
	evmMu.RLock()
	defer evmMu.RUnlock()
	return evmContractRegistry[chainID]
}

// IsHTLCDeployed reports whether a native deployment is known for chainID.
func IsHTLCDeployed(chainID uint64) bool {
	c := GetEVMContracts(chainID)
	return c != nil && c.NativeHTLC != (common.Address{})
}

// ListDeployedHTLCChains returns the chain IDs with a native deployment.
func ListDeployedHTLCChains() []uint64 {
	evmMu.RLock()
	defer evmMu.RUnlock()
	var ids []uint64
	for id, c := range evmContractRegistry {
		if c.NativeHTLC != (common.Address{}) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RegisterEVMContracts records the deployments on chainID.
func RegisterEVMContracts(chainID uint64, contracts *EVMContractAddresses) {
	evmMu.Lock()
	defer evmMu.Unlock()
	evmContractRegistry[chainID] = contracts
}

// RegisterConfigured loads the deployments named in the evm section.
func (c *EVMConfig) RegisterConfigured() {
	for _, d := range c.Deployments {
		RegisterEVMContracts(d.ChainID, &EVMContractAddresses{
			NativeHTLC: common.HexToAddress(d.NativeHTLC),
			TokenHTLC:  common.HexToAddress(d.TokenHTLC),
		})
	}
}
