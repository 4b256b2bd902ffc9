package signer

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/compose-network/sponsored-transfer/internal/logger"
	"github.com/compose-network/sponsored-transfer/internal/network"
	"github.com/compose-network/sponsored-transfer/internal/wallet"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var ErrChainMismatch = errors.New("rpc chain id does not match configured chain")

// Signer authorizes operations for the logged-in session. Keys never leave
// the wallet SDK; the signer only forwards digests to it.
type Signer struct {
	sdk     wallet.SDK
	wallet  wallet.Wallet
	network *network.Network
	client  *ethclient.Client
}

// New connects to the network's RPC and binds the session's wallet.
func New(ctx context.Context, sdk wallet.SDK, net *network.Network) (*Signer, error) {
	client, err := ethclient.DialContext(ctx, net.RPCURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC URL %s: %w", net.RPCURL(), err)
	}

	s, err := NewWithClient(ctx, sdk, net, client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

// NewWithClient is New over an existing client. The signer takes ownership of client.
func NewWithClient(ctx context.Context, sdk wallet.SDK, net *network.Network, client *ethclient.Client) (*Signer, error) {
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	if chainID.Cmp(net.ChainID()) != 0 {
		return nil, fmt.Errorf("%w: rpc reports %s, %s is %s", ErrChainMismatch, chainID, net.Name(), net.ChainID())
	}

	w, err := sdk.Wallet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session wallet: %w", err)
	}
	logger.Info("Signer ready on %s for wallet %s (%s)", net.Name(), w.ID, w.Address.Hex())

	return &Signer{
		sdk:     sdk,
		wallet:  w,
		network: net,
		client:  client,
	}, nil
}

// Address returns the session wallet's address, the owner of the smart account.
func (s *Signer) Address() common.Address {
	return s.wallet.Address
}

func (s *Signer) ChainID() *big.Int {
	return s.network.ChainID()
}

func (s *Signer) Client() *ethclient.Client {
	return s.client
}

// SignMessage produces an EIP-191 personal-message signature over msg with
// v in {27, 28}.
func (s *Signer) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	var digest [32]byte
	copy(digest[:], accounts.TextHash(msg))

	sig, err := s.sdk.SignMessage(ctx, s.wallet.ID, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("failed to sign message: signature has %d bytes", len(sig))
	}

	// recovery needs v in {0, 1}; the wire format wants {27, 28}
	rsv := make([]byte, crypto.SignatureLength)
	copy(rsv, sig)
	if rsv[crypto.RecoveryIDOffset] >= 27 {
		rsv[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], rsv)
	if err != nil {
		return nil, fmt.Errorf("failed to recover signer: %w", err)
	}
	if recovered := crypto.PubkeyToAddress(*pub); recovered != s.wallet.Address {
		return nil, fmt.Errorf("signature recovered to %s, expected %s", recovered.Hex(), s.wallet.Address.Hex())
	}

	rsv[crypto.RecoveryIDOffset] += 27
	return rsv, nil
}

// Balance returns the owner's balance.
func (s *Signer) Balance(ctx context.Context) (*big.Int, error) {
	balance, err := s.client.BalanceAt(ctx, s.wallet.Address, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// Close closes the RPC connection.
func (s *Signer) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
