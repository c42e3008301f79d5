package chain

import "github.com/btcsuite/btcd/wire"

// Litecoin network magics. The wire package only ships Bitcoin's, so
// these are defined here from the Litecoin Core chainparams.
const (
	LitecoinMainNet wire.BitcoinNet = 0xdbb6c0fb
	LitecoinTestNet wire.BitcoinNet = 0xf1c8d2fd
)

func init() {
	// Litecoin Mainnet
	Register("LTC", Mainnet, &Params{
		Symbol:   "LTC",
		Name:     "Litecoin",
		Family:   FamilyUTXO,
		Decimals: 8,

		// BIP44 coin type 2
		CoinType:       2,
		DefaultPurpose: 84, // Native SegWit (ltc1q...)

		Net: LitecoinMainNet,

		// Mainnet address prefixes
		PubKeyHashAddrID: 0x30, // L...
		ScriptHashAddrID: 0x32, // M...
		Bech32HRP:        "ltc",
		WIF:              0xB0,

		// BIP32 HD key prefixes (Ltpv/Ltub)
		HDPrivateKeyID: [4]byte{0x01, 0x9d, 0x9c, 0xfe}, // Ltpv
		HDPublicKeyID:  [4]byte{0x01, 0x9d, 0xa4, 0x62}, // Ltub

		GenesisHash: "12a765e31ffd4059bada1e25190f6e98c99d9714d334efa41a195a7e7e04bfe2",

		Confirmations:   6,
		AvgBlockSeconds: 150,
	})

	// Litecoin Testnet
	Register("LTC", Testnet, &Params{
		Symbol:   "LTC",
		Name:     "Litecoin Testnet",
		Family:   FamilyUTXO,
		Decimals: 8,

		CoinType:       1, // Testnet uses coin type 1
		DefaultPurpose: 84,

		Net: LitecoinTestNet,

		// Testnet address prefixes
		PubKeyHashAddrID: 0x6F, // m or n
		ScriptHashAddrID: 0x3A, // Q...
		Bech32HRP:        "tltc",
		WIF:              0xEF,

		// BIP32 HD key prefixes (ttpv/ttub - Litecoin testnet)
		HDPrivateKeyID: [4]byte{0x04, 0x36, 0xef, 0x7d}, // ttpv
		HDPublicKeyID:  [4]byte{0x04, 0x36, 0xf6, 0xe1}, // ttub

		Confirmations:   2,
		AvgBlockSeconds: 150,
	})
}
