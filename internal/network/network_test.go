package network

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		chain    string
		chainID  int64
		name     string
		expectOK bool
	}{
		{"sepolia", 11155111, "sepolia", true},
		{"Sepolia", 11155111, "sepolia", true},
		{"mainnet", 1, "mainnet", true},
		{"matic-amoy", 80002, "matic-amoy", true},
		{"84532", 84532, "base-sepolia", true},
		{"eip155:137", 137, "matic", true},
		{"31337", 31337, "31337", true},
		{"", 0, "", false},
		{"eip155:", 0, "", false},
		{"not-a-chain", 0, "", false},
		{"-5", 0, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.chain, func(t *testing.T) {
			n, err := Resolve(tt.chain, "http://localhost:8545")
			if !tt.expectOK {
				require.ErrorIs(t, err, ErrUnknownChain)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, big.NewInt(tt.chainID), n.ChainID())
			assert.Equal(t, tt.name, n.Name())
			assert.Equal(t, "http://localhost:8545", n.RPCURL())
		})
	}
}

func TestChainIDIsNotShared(t *testing.T) {
	id := big.NewInt(11155111)
	n := New("http://localhost:8545", id, "sepolia")

	id.SetInt64(1)
	assert.Equal(t, "11155111", n.ChainID().String())

	n.ChainID().SetInt64(5)
	assert.Equal(t, "11155111", n.ChainID().String())
}
