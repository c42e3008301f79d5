// Package config provides EVM contract addresses for the crosshatch orchestrator.
//
// ALL escrow contract addresses MUST be defined here. Do not scatter contract
// addresses throughout the codebase. Per-chain YAML config may override these
// at runtime via SetEscrowContract.
package config

import "github.com/ethereum/go-ethereum/common"

// EVMContractAddresses holds contract addresses for a specific EVM chain.
type EVMContractAddresses struct {
	// EscrowContract is the hashlock escrow contract used for source-side locks
	EscrowContract common.Address
}

// evmContractRegistry maps chainID -> contract addresses
var evmContractRegistry = map[uint64]*EVMContractAddresses{
	// ==========================================================================
	// Testnets
	// ==========================================================================

	// Ethereum Sepolia (chainID 11155111)
	11155111: {
		EscrowContract: common.HexToAddress("0x91b7f23a7dd9c45ab0de1a86e9952fd2e4a0c381"),
	},

	// BSC Testnet (chainID 97)
	97: {
		EscrowContract: common.HexToAddress("0x5E2dA4cB0De43BBe11c9a5c718dBe9A654cB9F07"),
	},

	// Polygon Amoy (chainID 80002)
	80002: {
		EscrowContract: common.Address{},
	},

	// Arbitrum Sepolia (chainID 421614)
	421614: {
		EscrowContract: common.Address{},
	},

	// Base Sepolia (chainID 84532)
	84532: {
		EscrowContract: common.Address{},
	},

	// ==========================================================================
	// Mainnets (DO NOT DEPLOY UNTIL AUDIT COMPLETE)
	// ==========================================================================

	// Ethereum Mainnet (chainID 1)
	1: {
		EscrowContract: common.Address{},
	},

	// BSC Mainnet (chainID 56)
	56: {
		EscrowContract: common.Address{},
	},

	// Polygon Mainnet (chainID 137)
	137: {
		EscrowContract: common.Address{},
	},

	// Arbitrum One (chainID 42161)
	42161: {
		EscrowContract: common.Address{},
	},

	// Base Mainnet (chainID 8453)
	8453: {
		EscrowContract: common.Address{},
	},
}

// GetEVMContracts returns contract addresses for a given chain ID.
// Returns nil if the chain is not registered.
func GetEVMContracts(chainID uint64) *EVMContractAddresses {
	return evmContractRegistry[chainID]
}

// GetEscrowContract returns the escrow contract address for a given chain ID.
// Returns zero address if the chain is not registered or contract not deployed.
func GetEscrowContract(chainID uint64) common.Address {
	if contracts := evmContractRegistry[chainID]; contracts != nil {
		return contracts.EscrowContract
	}
	return common.Address{}
}

// IsEscrowDeployed returns true if the escrow contract is deployed on the given chain.
func IsEscrowDeployed(chainID uint64) bool {
	contract := GetEscrowContract(chainID)
	return contract != (common.Address{})
}

// ListDeployedEscrowChains returns all chain IDs where the escrow is deployed.
func ListDeployedEscrowChains() []uint64 {
	var chains []uint64
	for chainID, contracts := range evmContractRegistry {
		if contracts.EscrowContract != (common.Address{}) {
			chains = append(chains, chainID)
		}
	}
	return chains
}

// RegisterEVMContracts registers or updates contract addresses for a chain.
// This can be used at runtime to update addresses (e.g., from config file).
func RegisterEVMContracts(chainID uint64, contracts *EVMContractAddresses) {
	evmContractRegistry[chainID] = contracts
}

// SetEscrowContract sets the escrow contract address for a specific chain.
// Creates a new entry if the chain doesn't exist.
func SetEscrowContract(chainID uint64, address common.Address) {
	if evmContractRegistry[chainID] == nil {
		evmContractRegistry[chainID] = &EVMContractAddresses{}
	}
	evmContractRegistry[chainID].EscrowContract = address
}
