package bundler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
)

// WaitForReceipt polls eth_getUserOperationReceipt with exponential backoff
// until the operation is mined, ctx is done or the polling timeout elapses.
// Network hiccups while polling are retried; JSON-RPC errors are returned.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash) (*userop.Receipt, error) {
	if hash == (common.Hash{}) {
		return nil, ErrEmptyHash
	}

	ctx, cancel := context.WithTimeout(ctx, c.polling.Timeout)
	defer cancel()

	start := time.Now()
	interval := c.polling.Initial
	timer := time.NewTimer(0)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s after %v", ErrReceiptTimeout, hash.Hex(), time.Since(start).Round(time.Millisecond))
			}
			return nil, ctx.Err()
		case <-timer.C:
		}

		receipt, err := c.GetUserOperationReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			c.logger.Info("user operation mined",
				"userOpHash", hash.Hex(),
				"txHash", receipt.TxHash().Hex(),
				"success", receipt.Success,
				"attempts", attempt)
			return receipt, nil
		case err != nil && !errors.Is(err, ErrNetwork):
			if ctx.Err() != nil {
				continue
			}
			return nil, err
		case err != nil:
			c.logger.Warn("receipt poll failed, retrying", "userOpHash", hash.Hex(), "error", err)
		}

		c.logger.Debug("receipt not available yet", "userOpHash", hash.Hex(), "interval", interval)
		timer.Reset(interval)
		interval = time.Duration(float64(interval) * c.polling.Factor)
		if interval > c.polling.Max {
			interval = c.polling.Max
		}
	}
}
