package chain

import "github.com/btcsuite/btcd/wire"

// Dogecoin network magics from the Dogecoin Core chainparams.
const (
	DogecoinMainNet wire.BitcoinNet = 0xc0c0c0c0
	DogecoinTestNet wire.BitcoinNet = 0xdcb7c1fc
)

func init() {
	// Dogecoin Mainnet
	Register("DOGE", Mainnet, &Params{
		Symbol:   "DOGE",
		Name:     "Dogecoin",
		Family:   FamilyUTXO,
		Decimals: 8,

		// BIP44 coin type 3
		CoinType:       3,
		DefaultPurpose: 44, // Legacy only, no SegWit

		Net: DogecoinMainNet,

		// Mainnet address prefixes
		PubKeyHashAddrID: 0x1E, // D...
		ScriptHashAddrID: 0x16, // 9 or A
		Bech32HRP:        "",   // No SegWit
		WIF:              0x9E,

		// BIP32 HD key prefixes (dgpv/dgub)
		HDPrivateKeyID: [4]byte{0x02, 0xfa, 0xc3, 0x98}, // dgpv
		HDPublicKeyID:  [4]byte{0x02, 0xfa, 0xca, 0xfd}, // dgub

		GenesisHash: "1a91e3dace36e2be3bf030a65679fe821aa1d6ef92e7c9902eb318182c355691",

		Confirmations:   10,
		AvgBlockSeconds: 60,
	})

	// Dogecoin Testnet
	Register("DOGE", Testnet, &Params{
		Symbol:   "DOGE",
		Name:     "Dogecoin Testnet",
		Family:   FamilyUTXO,
		Decimals: 8,

		CoinType:       1,
		DefaultPurpose: 44,

		Net: DogecoinTestNet,

		PubKeyHashAddrID: 0x71, // n...
		ScriptHashAddrID: 0xC4,
		Bech32HRP:        "",
		WIF:              0xF1,

		// BIP32 HD key prefixes (tprv/tpub - uses Bitcoin testnet)
		HDPrivateKeyID: [4]byte{0x04, 0x35, 0x83, 0x94}, // tprv
		HDPublicKeyID:  [4]byte{0x04, 0x35, 0x87, 0xcf}, // tpub

		Confirmations:   4,
		AvgBlockSeconds: 60,
	})
}
