package smartaccount

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OperationBuilder produces a signed, gas-populated UserOperation for one
// EntryPoint and chain.
type OperationBuilder interface {
	GetSender() common.Address
	BuildOp(ctx context.Context, entryPoint common.Address, chainID *big.Int) (*UserOperation, error)
}

// Context is handed to each middleware in turn. Middlewares mutate Op.
type Context struct {
	Op         *UserOperation
	EntryPoint common.Address
	ChainID    *big.Int
}

// GetUserOpHash hashes the operation in its current state.
func (c *Context) GetUserOpHash() (common.Hash, error) {
	return UserOperationHash(c.Op, c.EntryPoint, c.ChainID)
}

// Middleware fills in part of a UserOperation.
type Middleware func(ctx context.Context, c *Context) error

// Builder holds a partially filled operation and the middleware chain that
// completes it. Setters return a new Builder, leaving the receiver untouched.
type Builder struct {
	op         *UserOperation
	middleware []Middleware
}

func NewBuilder() *Builder {
	return &Builder{op: defaultOp()}
}

func defaultOp() *UserOperation {
	return &UserOperation{
		Nonce:                new(big.Int),
		InitCode:             []byte{},
		CallData:             []byte{},
		CallGasLimit:         new(big.Int).Set(DefaultCallGasLimit),
		VerificationGasLimit: new(big.Int).Set(DefaultVerificationGasLimit),
		PreVerificationGas:   new(big.Int).Set(DefaultPreVerificationGas),
		MaxFeePerGas:         new(big.Int),
		MaxPriorityFeePerGas: new(big.Int),
		PaymasterAndData:     []byte{},
		Signature:            []byte{},
	}
}

func (b *Builder) clone() *Builder {
	mw := make([]Middleware, len(b.middleware))
	copy(mw, b.middleware)
	return &Builder{op: b.op.Copy(), middleware: mw}
}

func (b *Builder) with(fn func(op *UserOperation)) *Builder {
	n := b.clone()
	fn(n.op)
	return n
}

func (b *Builder) SetSender(addr common.Address) *Builder {
	return b.with(func(op *UserOperation) { op.Sender = addr })
}

func (b *Builder) SetNonce(nonce *big.Int) *Builder {
	return b.with(func(op *UserOperation) { op.Nonce = copyBig(nonce) })
}

func (b *Builder) SetInitCode(code []byte) *Builder {
	return b.with(func(op *UserOperation) { op.InitCode = common.CopyBytes(code) })
}

func (b *Builder) SetCallData(data []byte) *Builder {
	return b.with(func(op *UserOperation) { op.CallData = common.CopyBytes(data) })
}

func (b *Builder) SetCallGasLimit(gas *big.Int) *Builder {
	return b.with(func(op *UserOperation) { op.CallGasLimit = copyBig(gas) })
}

func (b *Builder) SetVerificationGasLimit(gas *big.Int) *Builder {
	return b.with(func(op *UserOperation) { op.VerificationGasLimit = copyBig(gas) })
}

func (b *Builder) SetPreVerificationGas(gas *big.Int) *Builder {
	return b.with(func(op *UserOperation) { op.PreVerificationGas = copyBig(gas) })
}

func (b *Builder) SetMaxFeePerGas(fee *big.Int) *Builder {
	return b.with(func(op *UserOperation) { op.MaxFeePerGas = copyBig(fee) })
}

func (b *Builder) SetMaxPriorityFeePerGas(fee *big.Int) *Builder {
	return b.with(func(op *UserOperation) { op.MaxPriorityFeePerGas = copyBig(fee) })
}

func (b *Builder) SetPaymasterAndData(data []byte) *Builder {
	return b.with(func(op *UserOperation) { op.PaymasterAndData = common.CopyBytes(data) })
}

func (b *Builder) SetSignature(sig []byte) *Builder {
	return b.with(func(op *UserOperation) { op.Signature = common.CopyBytes(sig) })
}

// UseMiddleware appends mw to the chain. Middlewares run in insertion order.
func (b *Builder) UseMiddleware(mw Middleware) *Builder {
	n := b.clone()
	n.middleware = append(n.middleware, mw)
	return n
}

func (b *Builder) ResetMiddleware() *Builder {
	n := b.clone()
	n.middleware = nil
	return n
}

func (b *Builder) GetSender() common.Address { return b.op.Sender }
func (b *Builder) GetNonce() *big.Int        { return copyBig(b.op.Nonce) }
func (b *Builder) GetInitCode() []byte       { return common.CopyBytes(b.op.InitCode) }
func (b *Builder) GetCallData() []byte       { return common.CopyBytes(b.op.CallData) }
func (b *Builder) GetSignature() []byte      { return common.CopyBytes(b.op.Signature) }

// GetOp returns a copy of the operation before any middleware has run.
func (b *Builder) GetOp() *UserOperation { return b.op.Copy() }

// BuildOp runs the middleware chain over a copy of the current operation.
func (b *Builder) BuildOp(ctx context.Context, entryPoint common.Address, chainID *big.Int) (*UserOperation, error) {
	c := &Context{Op: b.op.Copy(), EntryPoint: entryPoint, ChainID: copyBig(chainID)}
	for i, mw := range b.middleware {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := mw(ctx, c); err != nil {
			return nil, fmt.Errorf("middleware %d: %w", i, err)
		}
	}
	return c.Op, nil
}
