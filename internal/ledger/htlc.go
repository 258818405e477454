package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/klingon-exchange/klingon-htlc/internal/asset"
	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
	"github.com/klingon-exchange/klingon-htlc/internal/storage"
	"github.com/klingon-exchange/klingon-htlc/internal/whitelist"
	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

// HTLC is one hashed timelock contract deployment on a rich-state ledger.
type HTLC struct {
	ledger    *Ledger
	namespace string
	kind      htlc.AssetKind
	adapter   *asset.Adapter
	registry  *whitelist.Registry
	log       *logging.Logger
}

var (
	_ htlc.Contract       = (*HTLC)(nil)
	_ htlc.IntentReader   = (*HTLC)(nil)
	_ htlc.WhitelistAdmin = (*HTLC)(nil)
	_ htlc.PreimageSource = (*HTLC)(nil)
)

func (l *Ledger) newHTLC(namespace string, kind htlc.AssetKind) *HTLC {
	h := &HTLC{
		ledger:    l,
		namespace: namespace,
		kind:      kind,
		adapter:   asset.NewAdapter(CustodyPrincipal(l.owner, namespace)),
		log:       l.log.Component(namespace),
	}
	if kind != htlc.AssetNative {
		h.registry = whitelist.New(l.owner, namespace)
	}
	return h
}

// CustodyPrincipal is the contract principal holding a deployment's escrows.
func CustodyPrincipal(owner htlc.Principal, namespace string) htlc.Principal {
	return htlc.Principal(fmt.Sprintf("%s.%s-htlc", owner, strings.ReplaceAll(namespace, "_", "-")))
}

// Name identifies the deployment, e.g. "stx/native".
func (h *HTLC) Name() string {
	return strings.ToLower(h.ledger.name) + "/" + h.namespace
}

// Namespace returns the deployment namespace.
func (h *HTLC) Namespace() string {
	return h.namespace
}

// Custody returns the deployment's contract principal.
func (h *HTLC) Custody() htlc.Principal {
	return h.adapter.Custody()
}

// Height returns the ledger height.
func (h *HTLC) Height(ctx context.Context) (uint64, error) {
	return h.ledger.Height(ctx)
}

// Register escrows req.Asset from the caller under req.Hash.
func (h *HTLC) Register(ctx context.Context, req htlc.RegisterRequest) (*htlc.Receipt, error) {
	return h.execute(ctx, htlc.OpRegister, func(tx *storage.LedgerTx, height uint64) (*htlc.Event, error) {
		hash, err := htlc.CheckRegistration(req.Hash, req.ExpirationHeight, height)
		if err != nil {
			return nil, err
		}
		if req.Asset.Kind != h.kind {
			return nil, fmt.Errorf("%s accepts %s assets, got %s: %w", h.Name(), h.kind, req.Asset.Kind,
				htlc.ErrInvalidAssetContract)
		}

		existing, err := tx.GetIntent(h.namespace, hash)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, htlc.ErrSwapAlreadyExists
		}

		var wl asset.Whitelist
		if h.registry != nil {
			wl = h.registry.View(tx)
		}
		if err := h.adapter.Escrow(tx, wl, req.Asset, req.Caller); err != nil {
			return nil, err
		}

		intent := &htlc.SwapIntent{
			Hash:             hash,
			Sender:           req.Caller,
			Recipient:        req.Recipient,
			ExpirationHeight: req.ExpirationHeight,
			Asset:            req.Asset,
			RegisteredHeight: height,
		}
		if err := tx.InsertIntent(h.namespace, intent); err != nil {
			return nil, err
		}

		return &htlc.Event{
			Hash:  hash,
			Asset: req.Asset,
			From:  req.Caller,
			To:    h.Custody(),
		}, nil
	})
}

// GetSwapIntent returns the pending intent registered by sender under hash, or nil.
func (h *HTLC) GetSwapIntent(ctx context.Context, hash htlc.Hash, sender htlc.Principal) (*htlc.SwapIntent, error) {
	var intent *htlc.SwapIntent
	err := h.ledger.store.Atomic(ctx, func(tx *storage.LedgerTx) error {
		var err error
		intent, err = h.lookup(tx, hash, sender)
		return err
	})
	return intent, err
}

// Swap releases the intent locked under H(preimage) by req.Sender to its recipient.
// Anyone may call it; knowledge of the preimage is the authorization.
func (h *HTLC) Swap(ctx context.Context, req htlc.SwapRequest) (*htlc.Receipt, error) {
	hash := htlc.HashPreimage(req.Preimage)

	return h.execute(ctx, htlc.OpSwap, func(tx *storage.LedgerTx, height uint64) (*htlc.Event, error) {
		intent, err := h.lookup(tx, hash, req.Sender)
		if err != nil {
			return nil, err
		}
		if err := htlc.CheckClaim(intent, height); err != nil {
			return nil, err
		}
		if err := h.checkContract(intent, req.AssetContract); err != nil {
			return nil, err
		}

		if err := h.adapter.Release(tx, intent.Asset, intent.Recipient); err != nil {
			return nil, err
		}
		if err := tx.DeleteIntent(h.namespace, hash); err != nil {
			return nil, err
		}

		return &htlc.Event{
			Hash:     hash,
			Asset:    intent.Asset,
			From:     h.Custody(),
			To:       intent.Recipient,
			Preimage: htlc.HexBytes(req.Preimage),
		}, nil
	})
}

// Cancel refunds the caller's expired intent.
func (h *HTLC) Cancel(ctx context.Context, req htlc.CancelRequest) (*htlc.Receipt, error) {
	return h.execute(ctx, htlc.OpCancel, func(tx *storage.LedgerTx, height uint64) (*htlc.Event, error) {
		// A malformed hash cannot name a stored intent.
		hash, err := htlc.HashFromBytes(req.Hash)
		if err != nil {
			return nil, htlc.ErrUnknownSwap
		}

		intent, err := h.lookup(tx, hash, req.Caller)
		if err != nil {
			return nil, err
		}
		if err := htlc.CheckRefund(intent, height); err != nil {
			return nil, err
		}
		if err := h.checkContract(intent, req.AssetContract); err != nil {
			return nil, err
		}

		if err := h.adapter.Release(tx, intent.Asset, intent.Sender); err != nil {
			return nil, err
		}
		if err := tx.DeleteIntent(h.namespace, hash); err != nil {
			return nil, err
		}

		return &htlc.Event{
			Hash:  hash,
			Asset: intent.Asset,
			From:  h.Custody(),
			To:    intent.Sender,
		}, nil
	})
}

// SetWhitelisted updates the token whitelist. Only the ledger owner may call it.
func (h *HTLC) SetWhitelisted(ctx context.Context, caller htlc.Principal, entries []htlc.WhitelistEntry) (*htlc.Receipt, error) {
	if h.registry == nil {
		return nil, fmt.Errorf("%s has no whitelist", h.Name())
	}

	var receipt *htlc.Receipt
	err := h.ledger.store.Atomic(ctx, func(tx *storage.LedgerTx) error {
		height, err := tx.Height()
		if err != nil {
			return err
		}
		if err := h.registry.Apply(tx, caller, entries, height); err != nil {
			return err
		}
		receipt = &htlc.Receipt{TxID: uuid.NewString(), Height: height, Events: []htlc.Event{}}
		return nil
	})
	if err != nil {
		h.log.Warn("Whitelist update rejected", "caller", caller, "error", err)
		return nil, err
	}

	h.log.Info("Whitelist updated", "caller", caller, "entries", len(entries))
	return receipt, nil
}

// IsWhitelisted reports whether contract is approved for this deployment.
func (h *HTLC) IsWhitelisted(ctx context.Context, contract string) (bool, error) {
	if h.registry == nil {
		return false, nil
	}
	var ok bool
	err := h.ledger.store.Atomic(ctx, func(tx *storage.LedgerTx) error {
		var err error
		ok, err = h.registry.Contains(tx, contract)
		return err
	})
	return ok, err
}

// FindPreimage returns the preimage revealed by the latest claim of hash on this deployment.
func (h *HTLC) FindPreimage(ctx context.Context, hash htlc.Hash) ([]byte, error) {
	events, err := h.ledger.store.Events(ctx, storage.EventFilter{
		Namespace: h.namespace,
		Hash:      &hash,
		Op:        htlc.OpSwap,
	})
	if err != nil {
		return nil, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if pre := events[i].Preimage; len(pre) > 0 && htlc.VerifyPreimage(pre, hash) {
			return pre, nil
		}
	}
	return nil, htlc.ErrPreimageNotFound
}

// ListIntents returns the pending intents of this deployment, filtered by sender unless
// empty. With expired set only intents refundable at the current height are listed.
func (h *HTLC) ListIntents(ctx context.Context, sender htlc.Principal, expired bool) ([]*htlc.SwapIntent, error) {
	f := storage.IntentFilter{Namespace: h.namespace, Sender: sender}
	if expired {
		height, err := h.ledger.Height(ctx)
		if err != nil {
			return nil, err
		}
		f.ExpiredAt = height
	}
	return h.ledger.store.ListIntents(ctx, f)
}

// lookup returns the intent under hash only if sender registered it.
func (h *HTLC) lookup(tx *storage.LedgerTx, hash htlc.Hash, sender htlc.Principal) (*htlc.SwapIntent, error) {
	intent, err := tx.GetIntent(h.namespace, hash)
	if err != nil {
		return nil, err
	}
	if intent == nil || intent.Sender != sender {
		return nil, nil
	}
	return intent, nil
}

func (h *HTLC) checkContract(intent *htlc.SwapIntent, contract string) error {
	if h.kind == htlc.AssetNative {
		return nil
	}
	return htlc.CheckAssetContract(intent, contract)
}

type transition func(tx *storage.LedgerTx, height uint64) (*htlc.Event, error)

// execute runs one state transition atomically and publishes its event on success.
func (h *HTLC) execute(ctx context.Context, op htlc.Operation, fn transition) (*htlc.Receipt, error) {
	var receipt *htlc.Receipt

	err := h.ledger.store.Atomic(ctx, func(tx *storage.LedgerTx) error {
		height, err := tx.Height()
		if err != nil {
			return err
		}

		ev, err := fn(tx, height)
		if err != nil {
			return err
		}

		txID := uuid.NewString()
		ev.Op = op
		ev.Height = height
		ev.TxID = txID
		if err := tx.AppendEvent(h.namespace, ev); err != nil {
			return err
		}

		receipt = &htlc.Receipt{TxID: txID, Height: height, Events: []htlc.Event{*ev}}
		return nil
	})
	if err != nil {
		if e, ok := htlc.AsError(err); ok {
			h.log.Debug("Call rejected", "op", op, "code", e.Code, "error", e.Name)
		} else if !errors.Is(err, context.Canceled) {
			h.log.Error("Call failed", "op", op, "error", err)
		}
		return nil, err
	}

	ev := receipt.Events[0]
	h.log.Info("Call executed", "op", op, "hash", ev.Hash, "asset", ev.Asset, "height", ev.Height)
	h.ledger.publish(receipt.Events)
	return receipt, nil
}
