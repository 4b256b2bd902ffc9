package smartaccount

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/compose-network/sponsored-transfer/internal/helpers"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation is the EntryPoint v0.6 user operation.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

// userOperationJSON is the bundler wire format: quantities and byte strings
// as 0x-prefixed hex.
type userOperationJSON struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

func (op UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(userOperationJSON{
		Sender:               op.Sender,
		Nonce:                hexBig(op.Nonce),
		InitCode:             nonNil(op.InitCode),
		CallData:             nonNil(op.CallData),
		CallGasLimit:         hexBig(op.CallGasLimit),
		VerificationGasLimit: hexBig(op.VerificationGasLimit),
		PreVerificationGas:   hexBig(op.PreVerificationGas),
		MaxFeePerGas:         hexBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hexBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     nonNil(op.PaymasterAndData),
		Signature:            nonNil(op.Signature),
	})
}

func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var dec userOperationJSON
	if err := json.Unmarshal(data, &dec); err != nil {
		return err
	}
	*op = UserOperation{
		Sender:               dec.Sender,
		Nonce:                (*big.Int)(dec.Nonce),
		InitCode:             dec.InitCode,
		CallData:             dec.CallData,
		CallGasLimit:         (*big.Int)(dec.CallGasLimit),
		VerificationGasLimit: (*big.Int)(dec.VerificationGasLimit),
		PreVerificationGas:   (*big.Int)(dec.PreVerificationGas),
		MaxFeePerGas:         (*big.Int)(dec.MaxFeePerGas),
		MaxPriorityFeePerGas: (*big.Int)(dec.MaxPriorityFeePerGas),
		PaymasterAndData:     dec.PaymasterAndData,
		Signature:            dec.Signature,
	}
	return nil
}

// Copy returns a deep copy of op.
func (op *UserOperation) Copy() *UserOperation {
	return &UserOperation{
		Sender:               op.Sender,
		Nonce:                copyBig(op.Nonce),
		InitCode:             common.CopyBytes(op.InitCode),
		CallData:             common.CopyBytes(op.CallData),
		CallGasLimit:         copyBig(op.CallGasLimit),
		VerificationGasLimit: copyBig(op.VerificationGasLimit),
		PreVerificationGas:   copyBig(op.PreVerificationGas),
		MaxFeePerGas:         copyBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: copyBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     common.CopyBytes(op.PaymasterAndData),
		Signature:            common.CopyBytes(op.Signature),
	}
}

// pack encodes every field except the signature, with the dynamic byte
// fields replaced by their hashes.
func (op *UserOperation) pack() ([]byte, error) {
	return helpers.EncodeLikeEthers(
		[]string{"address", "uint256", "bytes32", "bytes32", "uint256", "uint256", "uint256", "uint256", "uint256", "bytes32"},
		[]interface{}{
			op.Sender,
			orZero(op.Nonce),
			[32]byte(crypto.Keccak256Hash(op.InitCode)),
			[32]byte(crypto.Keccak256Hash(op.CallData)),
			orZero(op.CallGasLimit),
			orZero(op.VerificationGasLimit),
			orZero(op.PreVerificationGas),
			orZero(op.MaxFeePerGas),
			orZero(op.MaxPriorityFeePerGas),
			[32]byte(crypto.Keccak256Hash(op.PaymasterAndData)),
		},
	)
}

// UserOperationHash is the hash EntryPoint.getUserOpHash returns for op.
func UserOperationHash(op *UserOperation, entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := op.pack()
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack user op: %w", err)
	}
	enc, err := helpers.EncodeLikeEthers(
		[]string{"bytes32", "address", "uint256"},
		[]interface{}{[32]byte(crypto.Keccak256Hash(packed)), entryPoint, orZero(chainID)},
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode user op hash: %w", err)
	}
	return crypto.Keccak256Hash(enc), nil
}

// UserOperationEvent is the decoded EntryPoint log emitted once an operation
// has been included.
type UserOperationEvent struct {
	UserOpHash    common.Hash
	Sender        common.Address
	Paymaster     common.Address
	Nonce         *big.Int
	Success       bool
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
	Raw           types.Log
}

func ParseUserOperationEvent(log types.Log) (*UserOperationEvent, error) {
	if len(log.Topics) != 4 || log.Topics[0] != UserOperationEventID {
		return nil, fmt.Errorf("log is not a UserOperationEvent")
	}
	values, err := entryPointABI.Unpack("UserOperationEvent", log.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack UserOperationEvent: %w", err)
	}
	if len(values) != 4 {
		return nil, fmt.Errorf("UserOperationEvent has %d data fields", len(values))
	}
	nonce, _ := values[0].(*big.Int)
	success, _ := values[1].(bool)
	cost, _ := values[2].(*big.Int)
	used, _ := values[3].(*big.Int)

	return &UserOperationEvent{
		UserOpHash:    log.Topics[1],
		Sender:        common.BytesToAddress(log.Topics[2].Bytes()),
		Paymaster:     common.BytesToAddress(log.Topics[3].Bytes()),
		Nonce:         nonce,
		Success:       success,
		ActualGasCost: cost,
		ActualGasUsed: used,
		Raw:           log,
	}, nil
}

func hexBig(b *big.Int) *hexutil.Big {
	return (*hexutil.Big)(orZero(b))
}

func orZero(b *big.Int) *big.Int {
	if b == nil {
		return new(big.Int)
	}
	return b
}

func copyBig(b *big.Int) *big.Int {
	if b == nil {
		return nil
	}
	return new(big.Int).Set(b)
}

func nonNil(b []byte) hexutil.Bytes {
	if b == nil {
		return hexutil.Bytes{}
	}
	return b
}
