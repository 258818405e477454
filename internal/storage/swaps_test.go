package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func createTestSwapRecord(swapID string) *SwapRecord {
	return &SwapRecord{
		SwapID:        swapID,
		Role:          "initiator",
		State:         SwapStateInit,
		Hash:          "ab" + swapID,
		OwnLeg:        json.RawMessage(`{"chain":"stx/native"}`),
		CounterLeg:    json.RawMessage(`{"chain":"btc"}`),
		OwnExpiry:     200,
		CounterExpiry: 120,
	}
}

func TestSwapCRUD(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	swap := createTestSwapRecord("swap-001")
	swap.Preimage = []byte{1, 2, 3}

	if err := store.SaveSwap(ctx, swap); err != nil {
		t.Fatalf("SaveSwap() error = %v", err)
	}

	got, err := store.GetSwap(ctx, "swap-001")
	if err != nil {
		t.Fatalf("GetSwap() error = %v", err)
	}
	if got.Role != "initiator" {
		t.Errorf("Role = %s, want initiator", got.Role)
	}
	if got.State != SwapStateInit {
		t.Errorf("State = %s, want %s", got.State, SwapStateInit)
	}
	if string(got.Preimage) != string([]byte{1, 2, 3}) {
		t.Errorf("Preimage = %x", got.Preimage)
	}
	if string(got.OwnLeg) != `{"chain":"stx/native"}` {
		t.Errorf("OwnLeg = %s", got.OwnLeg)
	}
	if got.OwnExpiry != 200 || got.CounterExpiry != 120 {
		t.Errorf("expiries = %d/%d, want 200/120", got.OwnExpiry, got.CounterExpiry)
	}

	// Saving without a preimage keeps the stored one.
	swap.Preimage = nil
	swap.State = SwapStateLocked
	if err := store.SaveSwap(ctx, swap); err != nil {
		t.Fatalf("SaveSwap() update error = %v", err)
	}
	got, _ = store.GetSwap(ctx, "swap-001")
	if got.State != SwapStateLocked {
		t.Errorf("State = %s, want locked", got.State)
	}
	if len(got.Preimage) != 3 {
		t.Error("preimage lost on update")
	}

	if err := store.DeleteSwap(ctx, "swap-001"); err != nil {
		t.Fatalf("DeleteSwap() error = %v", err)
	}
	if _, err := store.GetSwap(ctx, "swap-001"); !errors.Is(err, ErrSwapNotFound) {
		t.Errorf("GetSwap() after delete error = %v, want ErrSwapNotFound", err)
	}
}

func TestUpdateSwapState(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	if err := store.SaveSwap(ctx, createTestSwapRecord("swap-002")); err != nil {
		t.Fatalf("SaveSwap() error = %v", err)
	}

	if err := store.UpdateSwapState(ctx, "swap-002", SwapStateFailed, "counter leg missing"); err != nil {
		t.Fatalf("UpdateSwapState() error = %v", err)
	}

	got, _ := store.GetSwap(ctx, "swap-002")
	if got.State != SwapStateFailed {
		t.Errorf("State = %s, want failed", got.State)
	}
	if got.FailureReason != "counter leg missing" {
		t.Errorf("FailureReason = %q", got.FailureReason)
	}
	if got.CompletedAt.IsZero() {
		t.Error("CompletedAt should be set for terminal states")
	}

	if err := store.UpdateSwapState(ctx, "nope", SwapStateLocked, ""); !errors.Is(err, ErrSwapNotFound) {
		t.Errorf("UpdateSwapState() unknown error = %v, want ErrSwapNotFound", err)
	}
}

func TestListSwaps(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.SaveSwap(ctx, createTestSwapRecord(id)); err != nil {
			t.Fatalf("SaveSwap(%s) error = %v", id, err)
		}
	}
	if err := store.UpdateSwapState(ctx, "b", SwapStateRedeemed, ""); err != nil {
		t.Fatalf("UpdateSwapState() error = %v", err)
	}

	active, err := store.ListSwaps(ctx, 0, false)
	if err != nil {
		t.Fatalf("ListSwaps() error = %v", err)
	}
	if len(active) != 2 {
		t.Errorf("active swaps = %d, want 2", len(active))
	}

	all, _ := store.ListSwaps(ctx, 0, true)
	if len(all) != 3 {
		t.Errorf("all swaps = %d, want 3", len(all))
	}

	limited, _ := store.ListSwaps(ctx, 1, true)
	if len(limited) != 1 {
		t.Errorf("limited swaps = %d, want 1", len(limited))
	}
}

func TestSwapStateIsTerminal(t *testing.T) {
	tests := []struct {
		state SwapState
		want  bool
	}{
		{SwapStateInit, false},
		{SwapStateLocked, false},
		{SwapStateRedeemed, true},
		{SwapStateRefunded, true},
		{SwapStateFailed, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}
