package coordinator

import (
	"fmt"
	"strings"
	"time"
)

// Default timing parameters.
const (
	DefaultMinMargin      = time.Hour
	DefaultMarginFraction = 0.1

	// MinSameChainGap is the smallest expiry gap, in blocks, between two legs on one chain.
	MinSameChainGap = 6
)

// DefaultBlockTimes are the average block intervals per chain symbol.
func DefaultBlockTimes() map[string]time.Duration {
	return map[string]time.Duration{
		"BTC": 10 * time.Minute,
		"STX": 10 * time.Minute,
		"ETH": 12 * time.Second,
	}
}

// TimingPolicy decides whether a pair of expirations is safe.
//
// The leg whose claim reveals the secret (the participant's) must expire first. The
// other leg must outlive it by max(MinMargin, MarginFraction × time left on the first
// leg) in wall-clock terms, so the participant can still claim after the secret shows
// up. Two legs on the same chain are compared in blocks instead.
type TimingPolicy struct {
	BlockTimes     map[string]time.Duration
	MinMargin      time.Duration
	MarginFraction float64
}

// DefaultTimingPolicy returns the policy with default parameters.
func DefaultTimingPolicy() TimingPolicy {
	return TimingPolicy{
		BlockTimes:     DefaultBlockTimes(),
		MinMargin:      DefaultMinMargin,
		MarginFraction: DefaultMarginFraction,
	}
}

// LegTiming places one leg's expiry against the current height of its ledger.
type LegTiming struct {
	Ledger string
	Height uint64
	Expiry uint64
}

// ChainOf maps a contract name onto its chain symbol: "stx/native" is "STX".
func ChainOf(ledger string) string {
	chain, _, _ := strings.Cut(ledger, "/")
	return strings.ToUpper(chain)
}

// BlockTime returns the block interval of a ledger's chain.
func (p TimingPolicy) BlockTime(ledger string) (time.Duration, error) {
	bt, ok := p.BlockTimes[ChainOf(ledger)]
	if !ok || bt <= 0 {
		return 0, fmt.Errorf("no block time for chain %s", ChainOf(ledger))
	}
	return bt, nil
}

// Remaining converts the blocks left on a leg into wall-clock time.
func (p TimingPolicy) Remaining(leg LegTiming) (time.Duration, error) {
	if leg.Expiry <= leg.Height {
		return 0, fmt.Errorf("%w: %s expiry %d is not after height %d", ErrUnsafeTiming, leg.Ledger,
			leg.Expiry, leg.Height)
	}
	bt, err := p.BlockTime(leg.Ledger)
	if err != nil {
		return 0, err
	}
	return time.Duration(leg.Expiry-leg.Height) * bt, nil
}

// Margin is the required lead of the second leg over a first leg with remaining time left.
func (p TimingPolicy) Margin(remaining time.Duration) time.Duration {
	margin := time.Duration(float64(remaining) * p.MarginFraction)
	if margin < p.MinMargin {
		margin = p.MinMargin
	}
	return margin
}

// Check validates that first, the leg on which the secret is revealed, expires safely
// before second.
func (p TimingPolicy) Check(first, second LegTiming) error {
	firstLeft, err := p.Remaining(first)
	if err != nil {
		return err
	}
	secondLeft, err := p.Remaining(second)
	if err != nil {
		return err
	}

	if ChainOf(first.Ledger) == ChainOf(second.Ledger) && first.Height == second.Height {
		gap := (first.Expiry - first.Height) / 10
		if gap < MinSameChainGap {
			gap = MinSameChainGap
		}
		if second.Expiry < first.Expiry+gap {
			return fmt.Errorf("%w: %s expiry %d must be at least %d blocks after %d", ErrUnsafeTiming,
				second.Ledger, second.Expiry, gap, first.Expiry)
		}
		return nil
	}

	margin := p.Margin(firstLeft)
	if secondLeft < firstLeft+margin {
		return fmt.Errorf("%w: %s expires in %s, %s in %s, need a margin of %s", ErrUnsafeTiming,
			first.Ledger, firstLeft, second.Ledger, secondLeft, margin)
	}
	return nil
}
