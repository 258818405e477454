// Package coordinator drives cross-ledger atomic swaps over the HTLC contracts: it locks
// the local leg, checks the counterparty's leg and the safety of both expirations, claims
// with the secret, and refunds legs left pending after expiry.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
	"github.com/klingon-exchange/klingon-htlc/internal/metrics"
	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

// Config holds configuration for the Coordinator.
type Config struct {
	Journal   Journal
	Contracts []htlc.Contract
	Timing    TimingPolicy
	Metrics   *metrics.Registry
}

// Coordinator manages swaps. Every transition is journaled before it is reported.
type Coordinator struct {
	mu sync.RWMutex

	journal   Journal
	contracts map[string]htlc.Contract
	timing    TimingPolicy
	metrics   *metrics.Registry

	// per-swap locks serialize operations on one swap
	swapLocks map[string]*sync.Mutex

	eventHandlers []EventHandler
	log           *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Journal == nil {
		return nil, errors.New("journal is required")
	}
	if cfg.Timing.BlockTimes == nil {
		cfg.Timing = DefaultTimingPolicy()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		journal:   cfg.Journal,
		contracts: make(map[string]htlc.Contract),
		timing:    cfg.Timing,
		metrics:   cfg.Metrics,
		swapLocks: make(map[string]*sync.Mutex),
		log:       logging.GetDefault().Component("coordinator"),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, contract := range cfg.Contracts {
		c.AddContract(contract)
	}
	return c, nil
}

// AddContract makes a ledger binding available under its name.
func (c *Coordinator) AddContract(contract htlc.Contract) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contracts[contract.Name()] = contract
}

// Contract returns the binding registered under name.
func (c *Coordinator) Contract(name string) (htlc.Contract, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	contract, ok := c.contracts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLedger, name)
	}
	return contract, nil
}

// Ledgers returns the names of all registered bindings in order.
func (c *Coordinator) Ledgers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.contracts))
	for name := range c.contracts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Timing returns the policy in force.
func (c *Coordinator) Timing() TimingPolicy {
	return c.timing
}

// OnEvent registers an event handler.
func (c *Coordinator) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandlers = append(c.eventHandlers, handler)
}

func (c *Coordinator) emitEvent(s *Swap, eventType string) {
	event := SwapEvent{
		SwapID:    s.ID,
		EventType: eventType,
		Swap:      s.Public(),
		Timestamp: time.Now(),
	}

	c.mu.RLock()
	handlers := make([]EventHandler, len(c.eventHandlers))
	copy(handlers, c.eventHandlers)
	c.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
	c.metrics.IncSwap(string(s.Role), eventType)
}

// lockSwap serializes operations on one swap ID.
func (c *Coordinator) lockSwap(id string) func() {
	c.mu.Lock()
	l, ok := c.swapLocks[id]
	if !ok {
		l = &sync.Mutex{}
		c.swapLocks[id] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// GetSwap loads a swap from the journal.
func (c *Coordinator) GetSwap(ctx context.Context, id string) (*Swap, error) {
	rec, err := c.journal.GetSwap(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromRecord(rec)
}

// ListSwaps returns the newest swaps first, skipping finished ones unless includeCompleted.
func (c *Coordinator) ListSwaps(ctx context.Context, limit int, includeCompleted bool) ([]*Swap, error) {
	recs, err := c.journal.ListSwaps(ctx, limit, includeCompleted)
	if err != nil {
		return nil, err
	}
	swaps := make([]*Swap, 0, len(recs))
	for _, rec := range recs {
		s, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, s)
	}
	return swaps, nil
}

func (c *Coordinator) save(ctx context.Context, s *Swap) error {
	rec, err := s.record()
	if err != nil {
		return err
	}
	if err := c.journal.SaveSwap(ctx, rec); err != nil {
		return err
	}
	s.CreatedAt = rec.CreatedAt
	s.UpdatedAt = rec.UpdatedAt
	c.refreshActive(ctx)
	return nil
}

func (c *Coordinator) refreshActive(ctx context.Context) {
	if c.metrics == nil {
		return
	}
	active, err := c.journal.ListSwaps(ctx, 0, false)
	if err == nil {
		c.metrics.SetActiveSwaps(len(active))
	}
}

// Close stops background work.
func (c *Coordinator) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

// timings reads the current height of the ledgers behind two legs.
func (c *Coordinator) timings(ctx context.Context, first, second Leg) (LegTiming, LegTiming, error) {
	var out [2]LegTiming
	for i, leg := range []Leg{first, second} {
		contract, err := c.Contract(leg.Ledger)
		if err != nil {
			return LegTiming{}, LegTiming{}, err
		}
		height, err := contract.Height(ctx)
		if err != nil {
			return LegTiming{}, LegTiming{}, fmt.Errorf("%s height: %w", leg.Ledger, err)
		}
		c.metrics.SetHeight(leg.Ledger, height)
		out[i] = LegTiming{Ledger: leg.Ledger, Height: height, Expiry: leg.Expiry}
	}
	return out[0], out[1], nil
}

// CheckTiming validates a pair of legs where first is the participant's leg.
func (c *Coordinator) CheckTiming(ctx context.Context, first, second Leg) error {
	f, s, err := c.timings(ctx, first, second)
	if err != nil {
		return err
	}
	return c.timing.Check(f, s)
}
