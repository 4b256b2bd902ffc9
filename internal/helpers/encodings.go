package helpers

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

func normalize(solType string) string {
	t := strings.TrimSpace(solType)
	// ethers allows "uint" / "int" as shorthand for 256-bit
	if t == "uint" {
		return "uint256"
	}
	if t == "int" {
		return "int256"
	}
	return t
}

// EncodeLikeEthers mirrors ethers' AbiCoder.encode(types, values).
func EncodeLikeEthers(typeStrs []string, values []interface{}) ([]byte, error) {
	if len(typeStrs) != len(values) {
		return nil, fmt.Errorf("types/values length mismatch")
	}

	// Build abi.Arguments from the provided type strings.
	args := make(abi.Arguments, len(typeStrs))
	for i, ts := range typeStrs {
		t, err := abi.NewType(normalize(ts), "", nil)
		if err != nil {
			return nil, fmt.Errorf("type %q: %w", ts, err)
		}
		args[i] = abi.Argument{Name: fmt.Sprintf("arg%d", i), Type: t}
	}

	// Pack encodes like Solidity's abi.encode(...)
	return args.Pack(values...)
}
