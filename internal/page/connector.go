package page

import (
	"context"
	"fmt"
	"math/big"

	"github.com/compose-network/sponsored-transfer/internal/bundler"
	"github.com/compose-network/sponsored-transfer/internal/network"
	"github.com/compose-network/sponsored-transfer/internal/signer"
	"github.com/compose-network/sponsored-transfer/internal/smartaccount"
	"github.com/compose-network/sponsored-transfer/internal/wallet"
	"github.com/ethereum/go-ethereum/common"
)

// ChainConnector builds a session signer on Network and a SimpleAccount for it.
type ChainConnector struct {
	Network    *network.Network
	EntryPoint common.Address
	Factory    common.Address
	Salt       *big.Int
	// Paymaster sponsors gas when set. Without it the bundler estimates gas
	// and the account pays.
	Paymaster smartaccount.Middleware
}

func (c *ChainConnector) Signer(ctx context.Context, sdk wallet.SDK) (smartaccount.Signer, error) {
	return signer.New(ctx, sdk, c.Network)
}

func (c *ChainConnector) Account(ctx context.Context, s smartaccount.Signer) (Account, error) {
	var opts []smartaccount.Option
	if c.Salt != nil {
		opts = append(opts, smartaccount.WithSalt(c.Salt))
	}
	if c.Paymaster != nil {
		opts = append(opts, smartaccount.WithPaymaster(c.Paymaster))
	}
	acc, err := smartaccount.Init(ctx, s, c.Network.RPCURL(), c.EntryPoint, c.Factory, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to init smart account: %w", err)
	}
	return acc, nil
}

// BundlerClients opens a fresh bundler client for every transfer.
func BundlerClients(rpcURL string, entryPoint common.Address, opts ...bundler.Option) ClientFactory {
	return func(ctx context.Context) (Sender, error) {
		c, err := bundler.Init(ctx, rpcURL, entryPoint, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
