// Package bundler submits user operations to an ERC-4337 bundler and waits
// for them to be included.
package bundler

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/compose-network/sponsored-transfer/internal/logger"
	"github.com/compose-network/sponsored-transfer/internal/smartaccount"
	"github.com/compose-network/sponsored-transfer/internal/transactions"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	DefaultWaitTimeout  = 30 * time.Second
	DefaultWaitInterval = 5 * time.Second

	// logs are searched this many blocks back from the head seen at submission
	lookbackBlocks = 100
)

var log = logger.Named("bundler")

// Client talks to a bundler RPC that also serves the standard eth namespace.
type Client struct {
	rpc        *rpc.Client
	eth        *ethclient.Client
	entryPoint common.Address
	chainID    *big.Int

	waitTimeout  time.Duration
	waitInterval time.Duration
}

type Option func(*Client)

func WithWaitTimeout(d time.Duration) Option {
	return func(c *Client) { c.waitTimeout = d }
}

func WithWaitInterval(d time.Duration) Option {
	return func(c *Client) { c.waitInterval = d }
}

// Init dials rpcURL and reads the chain id operations will be signed for.
func Init(ctx context.Context, rpcURL string, entryPoint common.Address, opts ...Option) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bundler RPC: %w", err)
	}
	c := &Client{
		rpc:          rpcClient,
		eth:          ethclient.NewClient(rpcClient),
		entryPoint:   entryPoint,
		waitTimeout:  DefaultWaitTimeout,
		waitInterval: DefaultWaitInterval,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.chainID, err = c.eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	return c, nil
}

func (c *Client) ChainID() *big.Int          { return new(big.Int).Set(c.chainID) }
func (c *Client) EntryPoint() common.Address { return c.entryPoint }

func (c *Client) Close() {
	c.rpc.Close()
}

// SendOptions tune a single submission.
type SendOptions struct {
	// OnBuild sees the final operation before it is sent.
	OnBuild func(op *smartaccount.UserOperation)
	// DryRun builds and hashes the operation without sending it.
	DryRun bool
}

// SendResponse is a submitted operation.
type SendResponse struct {
	UserOpHash common.Hash
	wait       func(ctx context.Context) (*Receipt, error)
}

// NewSendResponse wraps a hash and a wait function.
func NewSendResponse(hash common.Hash, wait func(ctx context.Context) (*Receipt, error)) *SendResponse {
	return &SendResponse{UserOpHash: hash, wait: wait}
}

// Wait blocks until the operation is included. It returns a nil receipt
// when the wait timeout passes first, or for a dry run.
func (r *SendResponse) Wait(ctx context.Context) (*Receipt, error) {
	if r.wait == nil {
		return nil, nil
	}
	return r.wait(ctx)
}

// Receipt describes an included operation.
type Receipt struct {
	UserOpHash      common.Hash
	Sender          common.Address
	Paymaster       common.Address
	Nonce           *big.Int
	Success         bool
	ActualGasCost   *big.Int
	ActualGasUsed   *big.Int
	TransactionHash common.Hash
	BlockNumber     uint64
	Receipt         *types.Receipt
}

func (c *Client) BuildUserOperation(ctx context.Context, b smartaccount.OperationBuilder) (*smartaccount.UserOperation, error) {
	op, err := b.BuildOp(ctx, c.entryPoint, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to build user operation: %w", err)
	}
	return op, nil
}

func (c *Client) SendUserOperation(ctx context.Context, b smartaccount.OperationBuilder, opts SendOptions) (*SendResponse, error) {
	op, err := c.BuildUserOperation(ctx, b)
	if err != nil {
		return nil, err
	}
	if opts.OnBuild != nil {
		opts.OnBuild(op)
	}

	if opts.DryRun {
		hash, err := smartaccount.UserOperationHash(op, c.entryPoint, c.chainID)
		if err != nil {
			return nil, err
		}
		return NewSendResponse(hash, nil), nil
	}

	var hash common.Hash
	if err := c.rpc.CallContext(ctx, &hash, "eth_sendUserOperation", op, c.entryPoint); err != nil {
		return nil, fmt.Errorf("eth_sendUserOperation: %w", err)
	}
	log.Info("User operation %s accepted for %s", hash.Hex(), op.Sender.Hex())

	return NewSendResponse(hash, func(ctx context.Context) (*Receipt, error) {
		return c.wait(ctx, hash)
	}), nil
}

func (c *Client) wait(ctx context.Context, hash common.Hash) (*Receipt, error) {
	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}
	from := uint64(0)
	if head > lookbackBlocks {
		from = head - lookbackBlocks
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		Addresses: []common.Address{c.entryPoint},
		Topics:    [][]common.Hash{{smartaccount.UserOperationEventID}, {hash}},
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.waitTimeout)
	defer cancel()
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()

	for {
		logs, err := c.eth.FilterLogs(waitCtx, query)
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case waitCtx.Err() != nil:
			log.Warn("Gave up waiting for user operation %s after %s", hash.Hex(), c.waitTimeout)
			return nil, nil
		case err != nil:
			return nil, fmt.Errorf("failed to filter UserOperationEvent logs: %w", err)
		case len(logs) > 0:
			// the receipt lookup is not bound by the wait timeout
			return c.receiptFor(ctx, logs[0])
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("Gave up waiting for user operation %s after %s", hash.Hex(), c.waitTimeout)
			return nil, nil
		case <-ticker.C:
		}
	}
}

func (c *Client) receiptFor(ctx context.Context, l types.Log) (*Receipt, error) {
	ev, err := smartaccount.ParseUserOperationEvent(l)
	if err != nil {
		return nil, err
	}
	_, receipt, err := transactions.GetTransactionDetails(ctx, c.eth, l.TxHash)
	if err != nil {
		return nil, err
	}
	return &Receipt{
		UserOpHash:      ev.UserOpHash,
		Sender:          ev.Sender,
		Paymaster:       ev.Paymaster,
		Nonce:           ev.Nonce,
		Success:         ev.Success,
		ActualGasCost:   ev.ActualGasCost,
		ActualGasUsed:   ev.ActualGasUsed,
		TransactionHash: l.TxHash,
		BlockNumber:     l.BlockNumber,
		Receipt:         receipt,
	}, nil
}

type userOperationReceipt struct {
	UserOpHash    common.Hash            `json:"userOpHash"`
	Sender        common.Address         `json:"sender"`
	Paymaster     common.Address         `json:"paymaster"`
	Nonce         *smartaccount.Quantity `json:"nonce"`
	Success       bool                   `json:"success"`
	ActualGasCost *smartaccount.Quantity `json:"actualGasCost"`
	ActualGasUsed *smartaccount.Quantity `json:"actualGasUsed"`
	Receipt       *types.Receipt         `json:"receipt"`
}

// GetUserOperationReceipt asks the bundler directly. It returns nil while
// the operation is not yet included.
func (c *Client) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var r *userOperationReceipt
	if err := c.rpc.CallContext(ctx, &r, "eth_getUserOperationReceipt", hash); err != nil {
		return nil, fmt.Errorf("eth_getUserOperationReceipt: %w", err)
	}
	if r == nil {
		return nil, nil
	}
	out := &Receipt{
		UserOpHash:    r.UserOpHash,
		Sender:        r.Sender,
		Paymaster:     r.Paymaster,
		Success:       r.Success,
		Nonce:         quantity(r.Nonce),
		ActualGasCost: quantity(r.ActualGasCost),
		ActualGasUsed: quantity(r.ActualGasUsed),
		Receipt:       r.Receipt,
	}
	if r.Receipt != nil {
		out.TransactionHash = r.Receipt.TxHash
		if r.Receipt.BlockNumber != nil {
			out.BlockNumber = r.Receipt.BlockNumber.Uint64()
		}
	}
	return out, nil
}

// UserOperationByHash is what eth_getUserOperationByHash returns.
type UserOperationByHash struct {
	UserOperation   *smartaccount.UserOperation `json:"userOperation"`
	EntryPoint      common.Address              `json:"entryPoint"`
	TransactionHash common.Hash                 `json:"transactionHash"`
	BlockHash       common.Hash                 `json:"blockHash"`
	BlockNumber     *hexutil.Big                `json:"blockNumber"`
}

// GetUserOperationByHash returns nil when the bundler does not know the operation.
func (c *Client) GetUserOperationByHash(ctx context.Context, hash common.Hash) (*UserOperationByHash, error) {
	var r *UserOperationByHash
	if err := c.rpc.CallContext(ctx, &r, "eth_getUserOperationByHash", hash); err != nil {
		return nil, fmt.Errorf("eth_getUserOperationByHash: %w", err)
	}
	return r, nil
}

func quantity(q *smartaccount.Quantity) *big.Int {
	if q == nil {
		return nil
	}
	return q.Big()
}
