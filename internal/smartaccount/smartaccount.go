package smartaccount

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// SimpleAccount is a counterfactual SimpleAccount owned by a single signer.
// The sender and init code are fixed once Init returns.
type SimpleAccount struct {
	base     *Builder
	signer   Signer
	rpc      *rpc.Client
	factory  common.Address
	salt     *big.Int
	sender   common.Address
	initCode []byte
}

type options struct {
	salt      *big.Int
	paymaster Middleware
}

type Option func(*options)

// WithSalt selects which of the owner's accounts to use. Defaults to 0.
func WithSalt(salt *big.Int) Option {
	return func(o *options) { o.salt = new(big.Int).Set(salt) }
}

// WithPaymaster replaces bundler gas estimation with mw.
func WithPaymaster(mw Middleware) Option {
	return func(o *options) { o.paymaster = mw }
}

// Init resolves the account address from the factory and assembles the
// middleware chain: nonce, gas price, gas limits (paymaster or bundler), signature.
func Init(ctx context.Context, signer Signer, rpcURL string, entryPoint, factory common.Address, opts ...Option) (*SimpleAccount, error) {
	o := options{salt: new(big.Int)}
	for _, opt := range opts {
		opt(&o)
	}

	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	acc, err := newSimpleAccount(ctx, signer, rpcClient, entryPoint, factory, o)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	return acc, nil
}

func newSimpleAccount(ctx context.Context, signer Signer, rpcClient *rpc.Client, entryPoint, factory common.Address, o options) (*SimpleAccount, error) {
	client := ethclient.NewClient(rpcClient)

	factoryCode, err := client.CodeAt(ctx, factory, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to check factory contract code: %w", err)
	}
	if len(factoryCode) == 0 {
		return nil, fmt.Errorf("factory contract has no code at address %s - contract may not be deployed", factory.Hex())
	}

	owner := signer.Address()
	createAccountCalldata, err := factoryABI.Pack("createAccount", owner, o.salt)
	if err != nil {
		return nil, fmt.Errorf("failed to pack createAccount function: %w", err)
	}
	initCode := append(factory.Bytes(), createAccountCalldata...)

	var sender common.Address
	contract := bind.NewBoundContract(factory, factoryABI, client, nil, nil)
	out := []interface{}{&sender}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "getAddress", owner, o.salt); err != nil {
		return nil, fmt.Errorf("failed to call getAddress: %w", err)
	}
	log.Info("Smart account for owner %s: %s (entry point %s)", owner.Hex(), sender.Hex(), entryPoint.Hex())

	base := NewBuilder().
		SetSender(sender).
		SetSignature(DummySignature).
		UseMiddleware(ResolveAccount(client, initCode)).
		UseMiddleware(EIP1559GasPrice(client))
	if o.paymaster != nil {
		base = base.UseMiddleware(o.paymaster)
	} else {
		base = base.UseMiddleware(EstimateUserOperationGas(rpcClient))
	}
	base = base.UseMiddleware(EOASignature(signer))

	return &SimpleAccount{
		base:     base,
		signer:   signer,
		rpc:      rpcClient,
		factory:  factory,
		salt:     o.salt,
		sender:   sender,
		initCode: initCode,
	}, nil
}

func (a *SimpleAccount) GetSender() common.Address { return a.sender }
func (a *SimpleAccount) GetInitCode() []byte       { return common.CopyBytes(a.initCode) }
func (a *SimpleAccount) Owner() common.Address     { return a.signer.Address() }
func (a *SimpleAccount) Factory() common.Address   { return a.factory }

// Builder returns the account's base builder, with no call data set.
func (a *SimpleAccount) Builder() *Builder { return a.base }

// Execute builds a single call from the account.
func (a *SimpleAccount) Execute(to common.Address, value *big.Int, data []byte) (*Builder, error) {
	if value == nil {
		value = new(big.Int)
	}
	if data == nil {
		data = []byte{}
	}
	callData, err := accountABI.Pack("execute", to, value, data)
	if err != nil {
		return nil, fmt.Errorf("failed to pack execute: %w", err)
	}
	return a.base.SetCallData(callData), nil
}

// ExecuteBatch builds a value-less call to each target in order.
func (a *SimpleAccount) ExecuteBatch(to []common.Address, data [][]byte) (*Builder, error) {
	if len(to) != len(data) {
		return nil, fmt.Errorf("executeBatch: %d targets but %d payloads", len(to), len(data))
	}
	callData, err := accountABI.Pack("executeBatch", to, data)
	if err != nil {
		return nil, fmt.Errorf("failed to pack executeBatch: %w", err)
	}
	return a.base.SetCallData(callData), nil
}

func (a *SimpleAccount) Close() {
	a.rpc.Close()
}
