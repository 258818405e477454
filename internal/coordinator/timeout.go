package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
	"github.com/klingon-exchange/klingon-htlc/internal/storage"
)

// RefundExpired cancels every locked own leg whose expiry has been reached. A participant
// whose own leg was claimed before the refund settles with the revealed secret instead.
func (c *Coordinator) RefundExpired(ctx context.Context) ([]RefundResult, error) {
	swaps, err := c.ListSwaps(ctx, 0, false)
	if err != nil {
		return nil, err
	}

	var results []RefundResult
	for _, s := range swaps {
		if s.State != storage.SwapStateLocked {
			continue
		}
		contract, err := c.Contract(s.Own.Ledger)
		if err != nil {
			results = append(results, RefundResult{SwapID: s.ID, Ledger: s.Own.Ledger, Error: err.Error()})
			continue
		}
		height, err := contract.Height(ctx)
		if err != nil {
			results = append(results, RefundResult{SwapID: s.ID, Ledger: s.Own.Ledger, Error: err.Error()})
			continue
		}
		c.metrics.SetHeight(s.Own.Ledger, height)
		if height < s.Own.Expiry {
			continue
		}

		result := RefundResult{
			SwapID:        s.ID,
			Ledger:        s.Own.Ledger,
			CurrentHeight: height,
			Expiry:        s.Own.Expiry,
		}
		expired, err := c.expire(ctx, s.ID)
		switch {
		case err != nil:
			result.Error = err.Error()
			c.log.Warn("Timeout refund failed", "swap", s.ID, "ledger", s.Own.Ledger, "error", err)
		case expired.State == storage.SwapStateRefunded:
			result.Refunded = true
			result.RefundTxID = expired.RefundTxID
		case expired.State == storage.SwapStateRedeemed:
			result.Redeemed = true
			result.RedeemTxID = expired.RedeemTxID
		default:
			result.Error = expired.FailureReason
		}
		results = append(results, result)
	}
	return results, nil
}

// expire refunds the own leg of a locked swap. When the own leg is already gone a
// participant looks for the secret its counterparty revealed and claims the counter leg;
// with no secret to find the swap is journaled as failed.
func (c *Coordinator) expire(ctx context.Context, id string) (*Swap, error) {
	s, unlock, err := c.loadForUpdate(ctx, id, "")
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = c.refund(ctx, s)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, htlc.ErrUnknownSwap) || s.Role != RoleParticipant {
		return nil, err
	}

	preimage, err := c.findPreimage(ctx, s)
	switch {
	case errors.Is(err, htlc.ErrPreimageNotFound), errors.Is(err, ErrNoPreimageSource):
		c.fail(ctx, s, fmt.Errorf("own leg resolved without a refund: %w", err))
		return s, nil
	case err != nil:
		return nil, err
	case !htlc.VerifyPreimage(preimage, s.Hash):
		c.fail(ctx, s, fmt.Errorf("own leg claimed with a preimage that does not match %s", s.Hash))
		return s, nil
	}

	if err := c.claimCounter(ctx, s, preimage); err != nil {
		return nil, err
	}
	return s, nil
}

// StartTimeoutMonitor refunds expired legs every interval until Close.
func (c *Coordinator) StartTimeoutMonitor(interval time.Duration) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				results, err := c.RefundExpired(c.ctx)
				if err != nil {
					c.log.Error("Timeout check failed", "error", err)
					continue
				}
				for _, r := range results {
					switch {
					case r.Refunded:
						c.log.Info("Refunded expired leg", "swap", r.SwapID, "ledger", r.Ledger, "tx", r.RefundTxID)
					case r.Redeemed:
						c.log.Info("Settled claimed leg", "swap", r.SwapID, "ledger", r.Ledger, "tx", r.RedeemTxID)
					}
				}
			}
		}
	}()
}
