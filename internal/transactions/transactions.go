package transactions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/compose-network/sponsored-transfer/internal/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var log = logger.Named("transactions")

const (
	maxRetries    = 10
	retryInterval = 600 * time.Millisecond
)

// GetTransactionDetails retrieves a transaction and its receipt by hash.
// It retries every 600 milliseconds while the transaction is unknown or pending.
func GetTransactionDetails(ctx context.Context, client ethereum.TransactionReader, txHash common.Hash) (*types.Transaction, *types.Receipt, error) {
	log.Debug("Fetching transaction details for hash: %s", txHash.Hex())

	startTime := time.Now()
	retryCount := 0

	for {
		tx, isPending, err := client.TransactionByHash(ctx, txHash)
		if err != nil {
			// the bundle may not have reached this node yet
			if errors.Is(err, ethereum.NotFound) {
				retryCount++
				if retryCount > maxRetries {
					return nil, nil, fmt.Errorf("transaction not found after %d retries for hash %s", maxRetries, txHash.Hex())
				}
				log.Debug("Transaction %s did not reach the RPC yet, waiting %s before retry... (retry %d/%d)", txHash.Hex(), retryInterval, retryCount, maxRetries)
				if err := sleep(ctx, retryInterval); err != nil {
					return nil, nil, fmt.Errorf("context cancelled while waiting for transaction %s: %w", txHash.Hex(), err)
				}
				continue
			}
			return nil, nil, fmt.Errorf("failed to get transaction by hash %s: %w", txHash.Hex(), err)
		}

		if isPending {
			log.Debug("Transaction %s is still pending, waiting %s before retry...", txHash.Hex(), retryInterval)
			if err := sleep(ctx, retryInterval); err != nil {
				return nil, nil, fmt.Errorf("context cancelled while waiting for transaction %s: %w", txHash.Hex(), err)
			}
			continue
		}

		receipt, err := client.TransactionReceipt(ctx, txHash)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get transaction receipt for hash %s: %w", txHash.Hex(), err)
		}

		log.Info("Transaction %s took %s to be processed", txHash.Hex(), time.Since(startTime))
		return tx, receipt, nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
