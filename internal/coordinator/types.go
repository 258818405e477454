package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
	"github.com/klingon-exchange/klingon-htlc/internal/storage"
	"github.com/klingon-exchange/klingon-htlc/pkg/helpers"
)

// Coordinator errors
var (
	ErrSwapNotFound       = storage.ErrSwapNotFound
	ErrUnknownLedger      = errors.New("no contract for ledger")
	ErrWrongRole          = errors.New("operation not valid for swap role")
	ErrWrongState         = errors.New("operation not valid in swap state")
	ErrUnsafeTiming       = errors.New("unsafe expiration heights")
	ErrCounterLegMismatch = errors.New("counter leg does not match the registered intent")
	ErrNoPreimageSource   = errors.New("ledger cannot reveal preimages")
)

// Role is the side a coordinator plays in a swap.
type Role string

const (
	// RoleInitiator generates the secret. Its lock expires last and is claimed second.
	RoleInitiator Role = "initiator"
	// RoleParticipant locks against the initiator's hash. Its lock is claimed first.
	RoleParticipant Role = "participant"
)

// Leg is one lock of a swap.
type Leg struct {
	// Ledger is the contract name, e.g. "stx/native" or "btc".
	Ledger    string         `json:"ledger"`
	Sender    htlc.Principal `json:"sender"`
	Recipient htlc.Principal `json:"recipient"`
	Asset     htlc.Asset     `json:"asset"`
	Expiry    uint64         `json:"expiry"`
	TxID      string         `json:"tx_id,omitempty"`
}

func (l Leg) validate(name string) error {
	switch {
	case l.Ledger == "":
		return fmt.Errorf("%s leg: ledger is required", name)
	case l.Sender == "" || l.Recipient == "":
		return fmt.Errorf("%s leg: sender and recipient are required", name)
	case l.Expiry == 0:
		return fmt.Errorf("%s leg: expiry is required", name)
	}
	return nil
}

// Swap is the coordinator's view of one cross-ledger swap.
type Swap struct {
	ID       string            `json:"id"`
	Role     Role              `json:"role"`
	State    storage.SwapState `json:"state"`
	Hash     htlc.Hash         `json:"hash"`
	Preimage htlc.HexBytes     `json:"preimage,omitempty"`

	Own     Leg `json:"own_leg"`
	Counter Leg `json:"counter_leg"`

	RedeemTxID    string    `json:"redeem_tx_id,omitempty"`
	RefundTxID    string    `json:"refund_tx_id,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Public returns a copy safe to hand out. The initiator's secret stays hidden until
// the counter leg is redeemed.
func (s *Swap) Public() *Swap {
	cp := *s
	if s.Role == RoleInitiator && s.State != storage.SwapStateRedeemed {
		cp.Preimage = nil
	}
	return &cp
}

func (s *Swap) record() (*storage.SwapRecord, error) {
	own, err := json.Marshal(s.Own)
	if err != nil {
		return nil, err
	}
	counter, err := json.Marshal(s.Counter)
	if err != nil {
		return nil, err
	}
	return &storage.SwapRecord{
		SwapID:        s.ID,
		Role:          string(s.Role),
		State:         s.State,
		Hash:          s.Hash.String(),
		Preimage:      helpers.CloneBytes(s.Preimage),
		OwnLeg:        own,
		CounterLeg:    counter,
		OwnExpiry:     s.Own.Expiry,
		CounterExpiry: s.Counter.Expiry,
		RedeemTxID:    s.RedeemTxID,
		RefundTxID:    s.RefundTxID,
		FailureReason: s.FailureReason,
		CreatedAt:     s.CreatedAt,
	}, nil
}

func fromRecord(rec *storage.SwapRecord) (*Swap, error) {
	hash, err := htlc.ParseHash(rec.Hash)
	if err != nil {
		return nil, fmt.Errorf("swap %s: %w", rec.SwapID, err)
	}
	s := &Swap{
		ID:            rec.SwapID,
		Role:          Role(rec.Role),
		State:         rec.State,
		Hash:          hash,
		Preimage:      rec.Preimage,
		RedeemTxID:    rec.RedeemTxID,
		RefundTxID:    rec.RefundTxID,
		FailureReason: rec.FailureReason,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	if err := json.Unmarshal(rec.OwnLeg, &s.Own); err != nil {
		return nil, fmt.Errorf("swap %s: corrupt own leg: %w", rec.SwapID, err)
	}
	if err := json.Unmarshal(rec.CounterLeg, &s.Counter); err != nil {
		return nil, fmt.Errorf("swap %s: corrupt counter leg: %w", rec.SwapID, err)
	}
	return s, nil
}

// Journal persists swap records. storage.Storage and journal.PostgresJournal implement it.
type Journal interface {
	SaveSwap(ctx context.Context, swap *storage.SwapRecord) error
	GetSwap(ctx context.Context, swapID string) (*storage.SwapRecord, error)
	ListSwaps(ctx context.Context, limit int, includeCompleted bool) ([]*storage.SwapRecord, error)
	UpdateSwapState(ctx context.Context, swapID string, state storage.SwapState, reason string) error
}

// Event types emitted by the coordinator.
const (
	EventLocked   = "locked"
	EventRedeemed = "redeemed"
	EventRefunded = "refunded"
	EventFailed   = "failed"
)

// SwapEvent reports a swap transition.
type SwapEvent struct {
	SwapID    string    `json:"swap_id"`
	EventType string    `json:"event_type"`
	Swap      *Swap     `json:"swap"`
	Timestamp time.Time `json:"timestamp"`
}

// EventHandler is called when swap events occur.
type EventHandler func(event SwapEvent)

// RefundResult holds the outcome of one expired-leg check.
type RefundResult struct {
	SwapID        string `json:"swap_id"`
	Ledger        string `json:"ledger"`
	CurrentHeight uint64 `json:"current_height"`
	Expiry        uint64 `json:"expiry"`
	Refunded      bool   `json:"refunded"`
	RefundTxID    string `json:"refund_tx_id,omitempty"`
	Redeemed      bool   `json:"redeemed"`
	RedeemTxID    string `json:"redeem_tx_id,omitempty"`
	Error         string `json:"error,omitempty"`
}
