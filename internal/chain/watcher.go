// Package chain polls transaction receipts for on-chain order legs.
package chain

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// ReceiptSource fetches transaction receipts. *ethclient.Client satisfies it.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Outcome is the terminal result of watching one transaction.
type Outcome struct {
	TxHash      common.Hash
	Reverted    bool
	BlockNumber *big.Int
}

// Watcher polls receipts with backoff until a transaction mines or the
// caller's context expires. Unmined transactions are never errors; they are
// simply polled again.
type Watcher struct {
	src         ReceiptSource
	log         *zap.Logger
	interval    time.Duration
	maxInterval time.Duration
}

// NewWatcher creates a watcher polling at interval, backing off to at most
// four times the interval between attempts.
func NewWatcher(src ReceiptSource, log *zap.Logger, interval time.Duration) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Watcher{
		src:         src,
		log:         log,
		interval:    interval,
		maxInterval: 4 * interval,
	}
}

// Await blocks until the transaction mines, returning its outcome, or until
// ctx expires. A mined receipt with failed status reports Reverted.
func (w *Watcher) Await(ctx context.Context, txHash common.Hash) (Outcome, error) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = w.interval
	backoffCfg.MaxInterval = w.maxInterval

	for {
		receipt, err := w.src.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil && receipt.BlockNumber != nil:
			return Outcome{
				TxHash:      txHash,
				Reverted:    receipt.Status == types.ReceiptStatusFailed,
				BlockNumber: receipt.BlockNumber,
			}, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			if ctx.Err() != nil {
				return Outcome{TxHash: txHash}, ctx.Err()
			}
			w.log.Debug("receipt lookup failed, retrying",
				zap.String("tx", txHash.Hex()), zap.Error(err))
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = w.maxInterval
		}
		select {
		case <-ctx.Done():
			return Outcome{TxHash: txHash}, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// Watch runs Await in a goroutine and hands the outcome to fn. The error is
// non-nil only when ctx expired before the transaction mined.
func (w *Watcher) Watch(ctx context.Context, txHash common.Hash, fn func(Outcome, error)) {
	go func() {
		outcome, err := w.Await(ctx, txHash)
		fn(outcome, err)
	}()
}
