package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
	"github.com/klingon-exchange/klingon-htlc/internal/storage"
)

// InitiateRequest starts a swap as initiator. Own is the lock placed now; Counter is the
// lock the participant is expected to place against the same hash.
type InitiateRequest struct {
	Own     Leg `json:"own_leg"`
	Counter Leg `json:"counter_leg"`
}

// ParticipateRequest joins a swap started elsewhere. Counter must already be registered.
type ParticipateRequest struct {
	Hash    htlc.Hash `json:"hash"`
	Own     Leg       `json:"own_leg"`
	Counter Leg       `json:"counter_leg"`
}

// Initiate generates a secret, checks the expirations and locks the own leg.
func (c *Coordinator) Initiate(ctx context.Context, req InitiateRequest) (*Swap, error) {
	if err := req.Own.validate("own"); err != nil {
		return nil, err
	}
	if err := req.Counter.validate("counter"); err != nil {
		return nil, err
	}
	// The participant's lock is claimed first, so it must expire first.
	if err := c.CheckTiming(ctx, req.Counter, req.Own); err != nil {
		return nil, err
	}

	preimage, hash, err := htlc.GenerateSecret()
	if err != nil {
		return nil, err
	}

	s := &Swap{
		ID:       uuid.NewString(),
		Role:     RoleInitiator,
		State:    storage.SwapStateInit,
		Hash:     hash,
		Preimage: preimage,
		Own:      req.Own,
		Counter:  req.Counter,
	}
	if err := c.lockOwn(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Participate verifies the initiator's lock and the expirations, then locks the own leg
// under the initiator's hash.
func (c *Coordinator) Participate(ctx context.Context, req ParticipateRequest) (*Swap, error) {
	if err := req.Own.validate("own"); err != nil {
		return nil, err
	}
	if err := req.Counter.validate("counter"); err != nil {
		return nil, err
	}
	if err := c.verifyCounter(ctx, req.Hash, &req.Counter); err != nil {
		return nil, err
	}
	if err := c.CheckTiming(ctx, req.Own, req.Counter); err != nil {
		return nil, err
	}

	s := &Swap{
		ID:      uuid.NewString(),
		Role:    RoleParticipant,
		State:   storage.SwapStateInit,
		Hash:    req.Hash,
		Own:     req.Own,
		Counter: req.Counter,
	}
	if err := c.lockOwn(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// verifyCounter checks the counter leg against the ledger when the ledger exposes its
// intents. The registered expiry replaces the claimed one.
func (c *Coordinator) verifyCounter(ctx context.Context, hash htlc.Hash, leg *Leg) error {
	contract, err := c.Contract(leg.Ledger)
	if err != nil {
		return err
	}
	reader, ok := contract.(htlc.IntentReader)
	if !ok {
		c.log.Warn("Counter leg cannot be verified", "ledger", leg.Ledger, "hash", hash)
		return nil
	}

	intent, err := reader.GetSwapIntent(ctx, hash, leg.Sender)
	if err != nil {
		return err
	}
	switch {
	case intent == nil:
		return fmt.Errorf("%w: no intent from %s on %s", ErrCounterLegMismatch, leg.Sender, leg.Ledger)
	case intent.Recipient != leg.Recipient:
		return fmt.Errorf("%w: recipient is %s", ErrCounterLegMismatch, intent.Recipient)
	case !sameAsset(intent.Asset, leg.Asset):
		return fmt.Errorf("%w: asset is %s", ErrCounterLegMismatch, intent.Asset)
	}
	leg.Expiry = intent.ExpirationHeight
	return nil
}

func sameAsset(a, b htlc.Asset) bool {
	return a.Kind == b.Kind && strings.EqualFold(a.Contract, b.Contract) && a.Quantity() == b.Quantity()
}

func (c *Coordinator) lockOwn(ctx context.Context, s *Swap) error {
	unlock := c.lockSwap(s.ID)
	defer unlock()

	contract, err := c.Contract(s.Own.Ledger)
	if err != nil {
		return err
	}
	if err := c.save(ctx, s); err != nil {
		return fmt.Errorf("failed to journal swap: %w", err)
	}

	receipt, err := contract.Register(ctx, htlc.RegisterRequest{
		Caller:           s.Own.Sender,
		Hash:             s.Hash.Bytes(),
		ExpirationHeight: s.Own.Expiry,
		Recipient:        s.Own.Recipient,
		Asset:            s.Own.Asset,
	})
	c.metrics.IncCall(s.Own.Ledger, string(htlc.OpRegister), err)
	if err != nil {
		c.fail(ctx, s, err)
		return err
	}

	s.State = storage.SwapStateLocked
	s.Own.TxID = receipt.TxID
	if err := c.save(ctx, s); err != nil {
		return fmt.Errorf("failed to journal swap: %w", err)
	}

	c.log.Info("Leg locked", "swap", s.ID, "role", s.Role, "ledger", s.Own.Ledger, "tx", receipt.TxID,
		"expiry", s.Own.Expiry)
	c.emitEvent(s, EventLocked)
	return nil
}

func (c *Coordinator) fail(ctx context.Context, s *Swap, cause error) {
	s.State = storage.SwapStateFailed
	s.FailureReason = cause.Error()
	if err := c.journal.UpdateSwapState(ctx, s.ID, s.State, s.FailureReason); err != nil {
		c.log.Error("Failed to journal failure", "swap", s.ID, "error", err)
	}
	c.log.Warn("Swap failed", "swap", s.ID, "error", cause)
	c.emitEvent(s, EventFailed)
}

// loadForUpdate fetches a swap under its lock and checks role and state.
func (c *Coordinator) loadForUpdate(ctx context.Context, id string, role Role) (*Swap, func(), error) {
	unlock := c.lockSwap(id)
	s, err := c.GetSwap(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	if role != "" && s.Role != role {
		unlock()
		return nil, nil, fmt.Errorf("%w: swap %s is %s", ErrWrongRole, id, s.Role)
	}
	if s.State != storage.SwapStateLocked {
		unlock()
		return nil, nil, fmt.Errorf("%w: swap %s is %s", ErrWrongState, id, s.State)
	}
	return s, unlock, nil
}

// Redeem claims the participant's lock with the secret. Initiator only.
func (c *Coordinator) Redeem(ctx context.Context, id string) (*Swap, error) {
	s, unlock, err := c.loadForUpdate(ctx, id, RoleInitiator)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := c.claimCounter(ctx, s, s.Preimage); err != nil {
		return nil, err
	}
	return s, nil
}

// Settle claims the initiator's lock with the secret revealed on the own leg. A nil
// preimage is looked up through the own leg's ledger. Participant only.
func (c *Coordinator) Settle(ctx context.Context, id string, preimage []byte) (*Swap, error) {
	s, unlock, err := c.loadForUpdate(ctx, id, RoleParticipant)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if preimage == nil {
		if preimage, err = c.findPreimage(ctx, s); err != nil {
			return nil, err
		}
	}
	if !htlc.VerifyPreimage(preimage, s.Hash) {
		return nil, fmt.Errorf("preimage does not match swap %s", s.ID)
	}

	if err := c.claimCounter(ctx, s, preimage); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Coordinator) findPreimage(ctx context.Context, s *Swap) ([]byte, error) {
	contract, err := c.Contract(s.Own.Ledger)
	if err != nil {
		return nil, err
	}
	src, ok := contract.(htlc.PreimageSource)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPreimageSource, s.Own.Ledger)
	}
	return src.FindPreimage(ctx, s.Hash)
}

func (c *Coordinator) claimCounter(ctx context.Context, s *Swap, preimage []byte) error {
	contract, err := c.Contract(s.Counter.Ledger)
	if err != nil {
		return err
	}

	receipt, err := contract.Swap(ctx, htlc.SwapRequest{
		Caller:        s.Counter.Recipient,
		Sender:        s.Counter.Sender,
		Preimage:      preimage,
		AssetContract: s.Counter.Asset.Contract,
	})
	c.metrics.IncCall(s.Counter.Ledger, string(htlc.OpSwap), err)
	if err != nil {
		return err
	}

	s.State = storage.SwapStateRedeemed
	s.Preimage = preimage
	s.RedeemTxID = receipt.TxID
	if err := c.save(ctx, s); err != nil {
		return fmt.Errorf("redeemed in %s but failed to journal: %w", receipt.TxID, err)
	}

	c.log.Info("Counter leg redeemed", "swap", s.ID, "role", s.Role, "ledger", s.Counter.Ledger,
		"tx", receipt.TxID)
	c.emitEvent(s, EventRedeemed)
	return nil
}

// Refund cancels the own leg. The ledger rejects it before expiry.
func (c *Coordinator) Refund(ctx context.Context, id string) (*Swap, error) {
	s, unlock, err := c.loadForUpdate(ctx, id, "")
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := c.refund(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Coordinator) refund(ctx context.Context, s *Swap) error {
	contract, err := c.Contract(s.Own.Ledger)
	if err != nil {
		return err
	}

	receipt, err := contract.Cancel(ctx, htlc.CancelRequest{
		Caller:        s.Own.Sender,
		Hash:          s.Hash.Bytes(),
		AssetContract: s.Own.Asset.Contract,
	})
	c.metrics.IncCall(s.Own.Ledger, string(htlc.OpCancel), err)
	if err != nil {
		if errors.Is(err, htlc.ErrUnknownSwap) {
			c.log.Warn("Own leg already resolved", "swap", s.ID, "ledger", s.Own.Ledger)
		}
		return err
	}

	s.State = storage.SwapStateRefunded
	s.RefundTxID = receipt.TxID
	if err := c.save(ctx, s); err != nil {
		return fmt.Errorf("refunded in %s but failed to journal: %w", receipt.TxID, err)
	}

	c.log.Info("Own leg refunded", "swap", s.ID, "ledger", s.Own.Ledger, "tx", receipt.TxID)
	c.emitEvent(s, EventRefunded)
	return nil
}
