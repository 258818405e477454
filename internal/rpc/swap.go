package rpc

import (
	"context"
	"encoding/json"

	"github.com/klingon-exchange/klingon-htlc/internal/coordinator"
	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
)

// ========================================
// Swap handlers
// ========================================

// SwapIDParams addresses one journaled swap.
type SwapIDParams struct {
	SwapID string `json:"swap_id"`
}

// SettleParams is the request for swap_settle. An empty preimage is looked up on the own leg.
type SettleParams struct {
	SwapID   string        `json:"swap_id"`
	Preimage htlc.HexBytes `json:"preimage,omitempty"`
}

// SwapListParams is the request for swap_list.
type SwapListParams struct {
	Limit            int  `json:"limit,omitempty"`
	IncludeCompleted bool `json:"include_completed,omitempty"`
}

// SwapListResult is the response for swap_list.
type SwapListResult struct {
	Swaps []*coordinator.Swap `json:"swaps"`
	Count int                 `json:"count"`
}

// TimingParams is the request for swap_checkTiming. First is the leg whose secret is revealed first.
type TimingParams struct {
	First  coordinator.Leg `json:"first"`
	Second coordinator.Leg `json:"second"`
}

// TimeoutResult is the response for swap_checkTimeouts.
type TimeoutResult struct {
	Results  []coordinator.RefundResult `json:"results"`
	Refunded int                        `json:"refunded"`
}

func (s *Server) swapInitiate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p coordinator.InitiateRequest
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	// Initiate returns the full record, secret included.
	return s.coordinator.Initiate(ctx, p)
}

func (s *Server) swapParticipate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p coordinator.ParticipateRequest
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.coordinator.Participate(ctx, p)
}

func (s *Server) swapRedeem(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p, err := swapID(params)
	if err != nil {
		return nil, err
	}
	return s.coordinator.Redeem(ctx, p.SwapID)
}

func (s *Server) swapSettle(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SettleParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SwapID == "" {
		return nil, invalidParams("swap_id is required")
	}
	return s.coordinator.Settle(ctx, p.SwapID, p.Preimage)
}

func (s *Server) swapRefund(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p, err := swapID(params)
	if err != nil {
		return nil, err
	}
	sw, err := s.coordinator.Refund(ctx, p.SwapID)
	if err != nil {
		return nil, err
	}
	return sw.Public(), nil
}

func (s *Server) swapStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p, err := swapID(params)
	if err != nil {
		return nil, err
	}
	sw, err := s.coordinator.GetSwap(ctx, p.SwapID)
	if err != nil {
		return nil, err
	}
	return sw.Public(), nil
}

func (s *Server) swapList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapListParams
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}
	swaps, err := s.coordinator.ListSwaps(ctx, p.Limit, p.IncludeCompleted)
	if err != nil {
		return nil, err
	}
	out := make([]*coordinator.Swap, len(swaps))
	for i, sw := range swaps {
		out[i] = sw.Public()
	}
	return &SwapListResult{Swaps: out, Count: len(out)}, nil
}

func (s *Server) swapCheckTimeouts(ctx context.Context, params json.RawMessage) (interface{}, error) {
	results, err := s.coordinator.RefundExpired(ctx)
	if err != nil {
		return nil, err
	}
	refunded := 0
	for _, r := range results {
		if r.Refunded {
			refunded++
		}
	}
	if results == nil {
		results = []coordinator.RefundResult{}
	}
	return &TimeoutResult{Results: results, Refunded: refunded}, nil
}

func (s *Server) swapCheckTiming(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TimingParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.coordinator.CheckTiming(ctx, p.First, p.Second); err != nil {
		return nil, err
	}
	return map[string]bool{"safe": true}, nil
}

func swapID(params json.RawMessage) (*SwapIDParams, error) {
	var p SwapIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SwapID == "" {
		return nil, invalidParams("swap_id is required")
	}
	return &p, nil
}
