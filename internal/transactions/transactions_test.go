package transactions

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	notFound int
	pending  int
	calls    int
	txErr    error
	tx       *types.Transaction
	receipt  *types.Receipt
}

func (f *fakeReader) TransactionByHash(context.Context, common.Hash) (*types.Transaction, bool, error) {
	f.calls++
	if f.txErr != nil {
		return nil, false, f.txErr
	}
	if f.notFound > 0 {
		f.notFound--
		return nil, false, ethereum.NotFound
	}
	if f.pending > 0 {
		f.pending--
		return f.tx, true, nil
	}
	return f.tx, false, nil
}

func (f *fakeReader) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return f.receipt, nil
}

func (f *fakeReader) SubscribeTransactionReceipts(context.Context, *ethereum.TransactionReceiptsQuery, chan<- []*types.Receipt) (ethereum.Subscription, error) {
	return nil, errors.New("not supported")
}

func newFakeReader() *fakeReader {
	tx := types.NewTx(&types.DynamicFeeTx{ChainID: big.NewInt(1), Gas: 21000, GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2)})
	return &fakeReader{
		tx:      tx,
		receipt: &types.Receipt{TxHash: tx.Hash(), Status: types.ReceiptStatusSuccessful},
	}
}

func TestGetTransactionDetailsImmediate(t *testing.T) {
	r := newFakeReader()
	tx, receipt, err := GetTransactionDetails(context.Background(), r, r.tx.Hash())
	require.NoError(t, err)
	assert.Equal(t, r.tx.Hash(), tx.Hash())
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	assert.Equal(t, 1, r.calls)
}

func TestGetTransactionDetailsRetriesUntilMined(t *testing.T) {
	r := newFakeReader()
	r.notFound = 1
	r.pending = 1

	_, receipt, err := GetTransactionDetails(context.Background(), r, r.tx.Hash())
	require.NoError(t, err)
	assert.NotNil(t, receipt)
	assert.Equal(t, 3, r.calls)
}

func TestGetTransactionDetailsGivesUp(t *testing.T) {
	r := newFakeReader()
	r.txErr = errors.New("boom")
	_, _, err := GetTransactionDetails(context.Background(), r, common.Hash{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestGetTransactionDetailsHonoursContext(t *testing.T) {
	r := newFakeReader()
	r.notFound = maxRetries

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := GetTransactionDetails(ctx, r, common.Hash{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
