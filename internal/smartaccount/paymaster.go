package smartaccount

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const paymasterTimeout = 15 * time.Second

// SponsorResult is what pm_sponsorUserOperation returns.
type SponsorResult struct {
	PaymasterAndData     hexutil.Bytes `json:"paymasterAndData"`
	PreVerificationGas   *Quantity     `json:"preVerificationGas"`
	VerificationGasLimit *Quantity     `json:"verificationGasLimit"`
	CallGasLimit         *Quantity     `json:"callGasLimit"`
}

// SponsorUserOperation asks the verifying paymaster behind pm to sponsor op.
func SponsorUserOperation(ctx context.Context, pm RPCCaller, op *UserOperation, entryPoint common.Address, pmContext map[string]interface{}) (*SponsorResult, error) {
	if pmContext == nil {
		pmContext = map[string]interface{}{}
	}
	ctx, cancel := context.WithTimeout(ctx, paymasterTimeout)
	defer cancel()

	var r SponsorResult
	if err := pm.CallContext(ctx, &r, "pm_sponsorUserOperation", op, entryPoint, pmContext); err != nil {
		var de rpc.DataError
		if errors.As(err, &de) && de.ErrorData() != nil {
			return nil, fmt.Errorf("pm_sponsorUserOperation: %w (data: %v)", err, de.ErrorData())
		}
		return nil, fmt.Errorf("pm_sponsorUserOperation: %w", err)
	}
	if len(r.PaymasterAndData) < common.AddressLength {
		return nil, fmt.Errorf("paymasterAndData too short: %d bytes", len(r.PaymasterAndData))
	}
	if r.PreVerificationGas == nil || r.VerificationGasLimit == nil || r.CallGasLimit == nil {
		return nil, fmt.Errorf("paymaster response missing gas fields")
	}
	return &r, nil
}

// VerifyingPaymaster triples the verification gas limit to leave room for
// the paymaster's validation, then applies the sponsorship it returns.
func VerifyingPaymaster(pm RPCCaller, pmContext map[string]interface{}) Middleware {
	return func(ctx context.Context, c *Context) error {
		c.Op.VerificationGasLimit = new(big.Int).Mul(orZero(c.Op.VerificationGasLimit), big.NewInt(3))

		res, err := SponsorUserOperation(ctx, pm, c.Op, c.EntryPoint, pmContext)
		if err != nil {
			return err
		}
		c.Op.PaymasterAndData = common.CopyBytes(res.PaymasterAndData)
		c.Op.PreVerificationGas = res.PreVerificationGas.Big()
		c.Op.VerificationGasLimit = res.VerificationGasLimit.Big()
		c.Op.CallGasLimit = res.CallGasLimit.Big()
		return nil
	}
}
