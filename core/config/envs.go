package config

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Chain is static metadata for a network the wallet knows about.
type Chain struct {
	Name        string
	ExplorerURL string
	// Stablecoin is used by send when tokens.stablecoin is not configured.
	Stablecoin common.Address
	// OneClickBlockchain is the chain id used by the one-click swap API.
	OneClickBlockchain string
}

var (
	MainnetChainID  = big.NewInt(1)
	ArbitrumChainID = big.NewInt(42161)
	BaseChainID     = big.NewInt(8453)
	SepoliaChainID  = big.NewInt(11155111)
)

var knownChains = map[uint64]Chain{
	1: {
		Name:               "ethereum",
		ExplorerURL:        "https://etherscan.io",
		Stablecoin:         common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		OneClickBlockchain: "eth",
	},
	42161: {
		Name:               "arbitrum",
		ExplorerURL:        "https://arbiscan.io",
		Stablecoin:         common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831"),
		OneClickBlockchain: "arb",
	},
	8453: {
		Name:               "base",
		ExplorerURL:        "https://basescan.org",
		Stablecoin:         common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
		OneClickBlockchain: "base",
	},
	11155111: {
		Name:        "sepolia",
		ExplorerURL: "https://sepolia.etherscan.io",
		Stablecoin:  common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"),
	},
}

// KnownChain returns the metadata for chainID, if any.
func KnownChain(chainID *big.Int) (Chain, bool) {
	if chainID == nil || !chainID.IsUint64() {
		return Chain{}, false
	}
	c, ok := knownChains[chainID.Uint64()]
	return c, ok
}

// TxURL links a transaction on the chain explorer. Empty when the chain is unknown.
func (c Chain) TxURL(hash common.Hash) string {
	if c.ExplorerURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/tx/%s", c.ExplorerURL, hash.Hex())
}

func (c Chain) AddressURL(addr common.Address) string {
	if c.ExplorerURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/address/%s", c.ExplorerURL, addr.Hex())
}
