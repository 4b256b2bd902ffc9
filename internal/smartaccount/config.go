package smartaccount

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EntryPoint v0.6 / SimpleAccount preset values
var (
	DefaultVerificationGasLimit = big.NewInt(70_000)
	DefaultCallGasLimit         = big.NewInt(35_000)
	DefaultPreVerificationGas   = big.NewInt(21_000)

	// DummySignature is a well-formed placeholder so gas estimation can run
	// the validation path before the real signature exists.
	DummySignature = hexutil.MustDecode("0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")
)

const (
	simpleAccountFactoryAbi = `[{"type":"function","name":"createAccount","stateMutability":"nonpayable","inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],"outputs":[{"name":"ret","type":"address"}]},{"type":"function","name":"getAddress","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],"outputs":[{"name":"","type":"address"}]}]`
	simpleAccountAbi        = `[{"type":"function","name":"execute","stateMutability":"nonpayable","inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],"outputs":[]},{"type":"function","name":"executeBatch","stateMutability":"nonpayable","inputs":[{"name":"dest","type":"address[]"},{"name":"func","type":"bytes[]"}],"outputs":[]}]`
	entryPointAbi           = `[{"type":"function","name":"getNonce","stateMutability":"view","inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"outputs":[{"name":"nonce","type":"uint256"}]},{"type":"event","name":"UserOperationEvent","anonymous":false,"inputs":[{"name":"userOpHash","type":"bytes32","indexed":true},{"name":"sender","type":"address","indexed":true},{"name":"paymaster","type":"address","indexed":true},{"name":"nonce","type":"uint256","indexed":false},{"name":"success","type":"bool","indexed":false},{"name":"actualGasCost","type":"uint256","indexed":false},{"name":"actualGasUsed","type":"uint256","indexed":false}]}]`
)

var (
	factoryABI    = mustParseABI(simpleAccountFactoryAbi)
	accountABI    = mustParseABI(simpleAccountAbi)
	entryPointABI = mustParseABI(entryPointAbi)

	// UserOperationEventID is topic 0 of EntryPoint's UserOperationEvent.
	UserOperationEventID common.Hash = entryPointABI.Events["UserOperationEvent"].ID
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
