package helpers

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAddress = errors.New("invalid address")

	hexAddressRe = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{40}$`)
)

// GetAddress validates s the way ethers' getAddress does. Single-case hex is
// accepted as is; mixed case must carry a valid EIP-55 checksum.
func GetAddress(s string) (common.Address, error) {
	if !hexAddressRe.MatchString(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}

	addr := common.HexToAddress(s)
	body := s[2:]
	if body != strings.ToLower(body) && body != strings.ToUpper(body) && addr.Hex() != s {
		return common.Address{}, fmt.Errorf("%w: bad address checksum %q", ErrInvalidAddress, s)
	}
	return addr, nil
}
