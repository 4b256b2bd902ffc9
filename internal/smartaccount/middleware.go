package smartaccount

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/compose-network/sponsored-transfer/internal/logger"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var log = logger.Named("smartaccount")

// Signer signs arbitrary bytes with the EIP-191 personal message prefix.
type Signer interface {
	Address() common.Address
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
}

// GasPricer is the node surface the gas price middleware reads.
type GasPricer interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// RPCCaller issues raw JSON-RPC calls. *rpc.Client satisfies it.
type RPCCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// ResolveAccount sets the nonce from EntryPoint.getNonce(sender, 0) and keeps
// the init code only while the account has never executed an operation.
func ResolveAccount(caller bind.ContractCaller, initCode []byte) Middleware {
	return func(ctx context.Context, c *Context) error {
		ep := bind.NewBoundContract(c.EntryPoint, entryPointABI, caller, nil, nil)
		var out []interface{}
		if err := ep.Call(&bind.CallOpts{Context: ctx}, &out, "getNonce", c.Op.Sender, new(big.Int)); err != nil {
			return fmt.Errorf("failed to call getNonce: %w", err)
		}
		if len(out) != 1 {
			return fmt.Errorf("getNonce returned %d values", len(out))
		}
		nonce, ok := out[0].(*big.Int)
		if !ok {
			return fmt.Errorf("getNonce returned %T", out[0])
		}

		c.Op.Nonce = nonce
		if nonce.Sign() == 0 {
			c.Op.InitCode = common.CopyBytes(initCode)
		} else {
			c.Op.InitCode = []byte{}
		}
		return nil
	}
}

// EIP1559GasPrice prices the operation at 2*baseFee + tip, with the suggested
// tip raised by 13%. Nodes without eth_maxPriorityFeePerGas fall back to the
// legacy gas price for both fields.
func EIP1559GasPrice(client GasPricer) Middleware {
	return func(ctx context.Context, c *Context) error {
		maxFee, tip, eipErr := eip1559GasPrice(ctx, client)
		if eipErr == nil {
			c.Op.MaxFeePerGas = maxFee
			c.Op.MaxPriorityFeePerGas = tip
			return nil
		}
		log.Warn("eth_maxPriorityFeePerGas failed, falling back to legacy gas price: %v", eipErr)

		price, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return fmt.Errorf("failed to get gas price: %w", errors.Join(eipErr, err))
		}
		c.Op.MaxFeePerGas = price
		c.Op.MaxPriorityFeePerGas = new(big.Int).Set(price)
		return nil
	}
}

func eip1559GasPrice(ctx context.Context, client GasPricer) (maxFee, tip *big.Int, err error) {
	suggested, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}

	buffer := new(big.Int).Div(suggested, big.NewInt(100))
	buffer.Mul(buffer, big.NewInt(13))
	tip = new(big.Int).Add(suggested, buffer)

	if head.BaseFee == nil {
		return new(big.Int).Set(tip), tip, nil
	}
	maxFee = new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)
	return maxFee, tip, nil
}

type gasEstimate struct {
	PreVerificationGas   *Quantity `json:"preVerificationGas"`
	VerificationGasLimit *Quantity `json:"verificationGasLimit"`
	VerificationGas      *Quantity `json:"verificationGas"`
	CallGasLimit         *Quantity `json:"callGasLimit"`
}

// EstimateUserOperationGas asks the bundler for the three gas fields.
func EstimateUserOperationGas(bundler RPCCaller) Middleware {
	return func(ctx context.Context, c *Context) error {
		var est gasEstimate
		if err := bundler.CallContext(ctx, &est, "eth_estimateUserOperationGas", c.Op, c.EntryPoint); err != nil {
			return fmt.Errorf("failed to estimate user operation gas: %w", err)
		}
		verification := est.VerificationGasLimit
		if verification == nil {
			verification = est.VerificationGas
		}
		if est.PreVerificationGas == nil || verification == nil || est.CallGasLimit == nil {
			return fmt.Errorf("incomplete gas estimate from bundler")
		}
		c.Op.PreVerificationGas = est.PreVerificationGas.Big()
		c.Op.VerificationGasLimit = verification.Big()
		c.Op.CallGasLimit = est.CallGasLimit.Big()
		return nil
	}
}

// EOASignature signs the operation hash as a personal message.
func EOASignature(signer Signer) Middleware {
	return func(ctx context.Context, c *Context) error {
		hash, err := c.GetUserOpHash()
		if err != nil {
			return err
		}
		sig, err := signer.SignMessage(ctx, hash.Bytes())
		if err != nil {
			return fmt.Errorf("failed to sign user operation: %w", err)
		}
		c.Op.Signature = sig
		return nil
	}
}

// Quantity decodes an integer sent as a hex string, a decimal string or a
// JSON number. Bundlers and paymasters are not consistent about which.
type Quantity big.Int

func (q *Quantity) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		s = str
	}
	var (
		v  *big.Int
		ok bool
	)
	if has0xPrefix(s) {
		v, ok = new(big.Int).SetString(s[2:], 16)
	} else {
		v, ok = new(big.Int).SetString(s, 10)
	}
	if !ok {
		return fmt.Errorf("invalid quantity %q", s)
	}
	(*big.Int)(q).Set(v)
	return nil
}

func (q *Quantity) Big() *big.Int {
	return new(big.Int).Set((*big.Int)(q))
}

func has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}
