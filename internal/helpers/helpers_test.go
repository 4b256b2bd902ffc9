package helpers

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAddress(t *testing.T) {
	checksummed := "0x5DF100D986A370029Ae8F09Bb56b67DA1950548E"
	want := common.HexToAddress(checksummed)

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"checksummed", checksummed, false},
		{"lowercase", "0x5df100d986a370029ae8f09bb56b67da1950548e", false},
		{"uppercase body", "0x5DF100D986A370029AE8F09BB56B67DA1950548E", false},
		{"no prefix", "5df100d986a370029ae8f09bb56b67da1950548e", false},
		{"bad checksum", "0x5dF100D986A370029Ae8F09Bb56b67DA1950548E", true},
		{"too short", "0x5df100d986a370029ae8f09bb56b67da1950548", true},
		{"not hex", "0x5df100d986a370029ae8f09bb56b67da1950548g", true},
		{"upper prefix", "0X5df100d986a370029ae8f09bb56b67da1950548e", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := GetAddress(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, want, addr)
		})
	}
}

func TestParseEther(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"0", "0", false},
		{"1", "1000000000000000000", false},
		{"1.5", "1500000000000000000", false},
		{".5", "500000000000000000", false},
		{"1.", "1000000000000000000", false},
		{"0.000000000000000001", "1", false},
		{"0.0000000000000000010", "1", false},
		{"0.0000000000000000001", "", true},
		{"-1", "", true},
		{"", "", true},
		{".", "", true},
		{"1e18", "", true},
		{"1.2.3", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, err := ParseEther(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.String())
		})
	}
}

func TestParseUnits(t *testing.T) {
	v, err := ParseUnits("12.34", 6)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(12_340_000), v)
}

func TestFormatEther(t *testing.T) {
	assert.Equal(t, "0.0", FormatEther(nil))
	assert.Equal(t, "0.0", FormatEther(big.NewInt(0)))
	assert.Equal(t, "0.000000000000000001", FormatEther(big.NewInt(1)))

	v, _ := new(big.Int).SetString("1500000000000000000", 10)
	assert.Equal(t, "1.5", FormatEther(v))
	assert.Equal(t, "-1.5", FormatEther(new(big.Int).Neg(v)))

	v, _ = new(big.Int).SetString("42000000000000000000", 10)
	assert.Equal(t, "42.0", FormatEther(v))
}

func TestEncodeLikeEthers(t *testing.T) {
	encoded, err := EncodeLikeEthers(
		[]string{"bytes32", "address", "uint"},
		[]interface{}{[32]byte{1}, common.HexToAddress("0x01"), big.NewInt(5)},
	)
	require.NoError(t, err)
	require.Len(t, encoded, 96)
	assert.Equal(t, byte(1), encoded[0])
	assert.Equal(t, byte(1), encoded[63])
	assert.Equal(t, byte(5), encoded[95])

	_, err = EncodeLikeEthers([]string{"address"}, nil)
	require.Error(t, err)
}
