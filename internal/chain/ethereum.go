package chain

func init() {
	// ==========================================================================
	// Ethereum
	// ==========================================================================

	// Ethereum Mainnet (chainID 1)
	Register("ETH", Mainnet, &Params{
		Symbol:      "ETH",
		Name:        "Ethereum",
		Family:      FamilyEVM,
		Decimals:    18,
		NativeToken: "ETH",

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 1,

		// Fallback depth when an endpoint has no "finalized" tag
		Confirmations:   32,
		AvgBlockSeconds: 12,
	})

	// Ethereum Sepolia Testnet (chainID 11155111)
	Register("ETH", Testnet, &Params{
		Symbol:      "ETH",
		Name:        "Ethereum Sepolia",
		Family:      FamilyEVM,
		Decimals:    18,
		NativeToken: "ETH",

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 11155111,

		Confirmations:   32,
		AvgBlockSeconds: 12,
	})

	// ==========================================================================
	// BNB Smart Chain (BSC)
	// ==========================================================================

	// BSC Mainnet (chainID 56)
	Register("BSC", Mainnet, &Params{
		Symbol:      "BSC",
		Name:        "BNB Smart Chain",
		Family:      FamilyEVM,
		Decimals:    18,
		NativeToken: "BNB",

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 56,

		Confirmations:   15,
		AvgBlockSeconds: 3,
	})

	// BSC Testnet (chainID 97)
	Register("BSC", Testnet, &Params{
		Symbol:      "BSC",
		Name:        "BNB Smart Chain Testnet",
		Family:      FamilyEVM,
		Decimals:    18,
		NativeToken: "BNB",

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 97,

		Confirmations:   15,
		AvgBlockSeconds: 3,
	})

	// ==========================================================================
	// Polygon
	// ==========================================================================

	// Polygon Mainnet (chainID 137)
	Register("POLYGON", Mainnet, &Params{
		Symbol:      "POLYGON",
		Name:        "Polygon",
		Family:      FamilyEVM,
		Decimals:    18,
		NativeToken: "POL", // Rebranded from MATIC to POL in 2024

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 137,

		Confirmations:   128,
		AvgBlockSeconds: 2,
	})

	// Polygon Amoy Testnet (chainID 80002)
	Register("POLYGON", Testnet, &Params{
		Symbol:      "POLYGON",
		Name:        "Polygon Amoy",
		Family:      FamilyEVM,
		Decimals:    18,
		NativeToken: "POL",

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 80002,

		Confirmations:   128,
		AvgBlockSeconds: 2,
	})

	// ==========================================================================
	// Arbitrum
	// ==========================================================================

	// Arbitrum One Mainnet (chainID 42161)
	Register("ARBITRUM", Mainnet, &Params{
		Symbol:      "ARBITRUM",
		Name:        "Arbitrum One",
		Family:      FamilyEVM,
		Decimals:    18,
		NativeToken: "ETH", // Arbitrum uses ETH as native token

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 42161,

		Confirmations:   20,
		AvgBlockSeconds: 1,
	})

	// Arbitrum Sepolia Testnet (chainID 421614)
	Register("ARBITRUM", Testnet, &Params{
		Symbol:      "ARBITRUM",
		Name:        "Arbitrum Sepolia",
		Family:      FamilyEVM,
		Decimals:    18,
		NativeToken: "ETH",

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 421614,

		Confirmations:   20,
		AvgBlockSeconds: 1,
	})

	// ==========================================================================
	// Base
	// ==========================================================================

	// Base Mainnet (chainID 8453)
	Register("BASE", Mainnet, &Params{
		Symbol:      "BASE",
		Name:        "Base",
		Family:      FamilyEVM,
		Decimals:    18,
		NativeToken: "ETH", // Base uses ETH as native token

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 8453,

		Confirmations:   20,
		AvgBlockSeconds: 2,
	})

	// Base Sepolia Testnet (chainID 84532)
	Register("BASE", Testnet, &Params{
		Symbol:      "BASE",
		Name:        "Base Sepolia",
		Family:      FamilyEVM,
		Decimals:    18,
		NativeToken: "ETH",

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 84532,

		Confirmations:   20,
		AvgBlockSeconds: 2,
	})
}
