package network

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/params"
)

var ErrUnknownChain = errors.New("unknown chain")

// chain ids by the names ethers' JsonRpcProvider accepts
var knownChains = map[string]*big.Int{
	"mainnet":          params.MainnetChainConfig.ChainID,
	"homestead":        params.MainnetChainConfig.ChainID,
	"sepolia":          params.SepoliaChainConfig.ChainID,
	"holesky":          params.HoleskyChainConfig.ChainID,
	"hoodi":            params.HoodiChainConfig.ChainID,
	"matic":            big.NewInt(137),
	"matic-amoy":       big.NewInt(80002),
	"base":             big.NewInt(8453),
	"base-sepolia":     big.NewInt(84532),
	"optimism":         big.NewInt(10),
	"optimism-sepolia": big.NewInt(11155420),
	"arbitrum":         big.NewInt(42161),
	"arbitrum-sepolia": big.NewInt(421614),
	"linea":            big.NewInt(59144),
	"linea-sepolia":    big.NewInt(59141),
}

type Network struct {
	rpcURL  string
	chainID *big.Int
	name    string
}

func New(rpcURL string, chainID *big.Int, name string) *Network {
	id := new(big.Int)
	if chainID != nil {
		id.Set(chainID)
	}
	return &Network{
		rpcURL:  rpcURL,
		chainID: id,
		name:    name,
	}
}

// Resolve builds a Network from a chain identifier, which is either a known
// name, a decimal chain id or a CAIP-2 "eip155:<id>" string.
func Resolve(chain, rpcURL string) (*Network, error) {
	id := strings.ToLower(strings.TrimSpace(chain))
	if id == "" {
		return nil, fmt.Errorf("%w: empty chain identifier", ErrUnknownChain)
	}
	if chainID, ok := knownChains[id]; ok {
		return New(rpcURL, new(big.Int).Set(chainID), id), nil
	}

	name := id
	id = strings.TrimPrefix(id, "eip155:")
	chainID, ok := new(big.Int).SetString(id, 10)
	if !ok || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChain, chain)
	}
	for known, knownID := range knownChains {
		if knownID.Cmp(chainID) == 0 && known != "homestead" {
			name = known
			break
		}
	}
	return New(rpcURL, chainID, name), nil
}

func (n *Network) RPCURL() string {
	return n.rpcURL
}

// ChainID returns a copy of the chain id.
func (n *Network) ChainID() *big.Int {
	return new(big.Int).Set(n.chainID)
}

func (n *Network) Name() string {
	return n.name
}
