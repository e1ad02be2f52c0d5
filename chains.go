package agentpay

import (
	"fmt"
	"math/big"
)

// TokenConfig holds the static on-chain parameters for one token on one
// chain. These are configuration tables, not behavior: amounts are always
// computed from Decimals, never assumed.
type TokenConfig struct {
	Contract string
	Decimals int
}

// ChainConfig holds the static parameters for one supported chain.
type ChainConfig struct {
	ID       *big.Int
	Explorer string
	Tokens   map[Token]TokenConfig
}

var supportedChains = map[Chain]ChainConfig{
	ChainBase: {
		ID:       big.NewInt(8453),
		Explorer: "https://basescan.org/tx/",
		Tokens: map[Token]TokenConfig{
			TokenUSDC: {Contract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6},
			TokenDAI:  {Contract: "0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb", Decimals: 18},
		},
	},
	ChainBaseSepolia: {
		ID:       big.NewInt(84532),
		Explorer: "https://sepolia.basescan.org/tx/",
		Tokens: map[Token]TokenConfig{
			TokenUSDC: {Contract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Decimals: 6},
		},
	},
	ChainEthereum: {
		ID:       big.NewInt(1),
		Explorer: "https://etherscan.io/tx/",
		Tokens: map[Token]TokenConfig{
			TokenUSDC: {Contract: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
			TokenUSDT: {Contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
			TokenDAI:  {Contract: "0x6B175474E89094C44Da98b954EedeAC495271d0F", Decimals: 18},
		},
	},
	ChainPolygon: {
		ID:       big.NewInt(137),
		Explorer: "https://polygonscan.com/tx/",
		Tokens: map[Token]TokenConfig{
			TokenUSDC: {Contract: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", Decimals: 6},
			TokenUSDT: {Contract: "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", Decimals: 6},
			TokenDAI:  {Contract: "0x8f3Cf7ad23Cd3CaDbD9735AFf958023239c6A063", Decimals: 18},
		},
	},
}

// LookupChain returns the static configuration for a chain.
func LookupChain(chain Chain) (ChainConfig, error) {
	cfg, ok := supportedChains[chain]
	if !ok {
		return ChainConfig{}, fmt.Errorf("unsupported chain: %s", chain)
	}
	return cfg, nil
}

// LookupToken returns the static configuration for a token on a chain.
func LookupToken(chain Chain, token Token) (TokenConfig, error) {
	cfg, ok := supportedChains[chain]
	if !ok {
		return TokenConfig{}, fmt.Errorf("unsupported chain: %s", chain)
	}
	tok, ok := cfg.Tokens[token]
	if !ok {
		return TokenConfig{}, fmt.Errorf("unsupported token %s on chain %s", token, chain)
	}
	return tok, nil
}

// ExplorerTxURL returns a block-explorer link for a transaction hash, for
// operator-facing logs and error reports. Returns the bare hash if the
// chain is unknown.
func ExplorerTxURL(chain Chain, txHash string) string {
	cfg, ok := supportedChains[chain]
	if !ok {
		return txHash
	}
	return cfg.Explorer + txHash
}
