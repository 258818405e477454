// Package rpc provides a JSON-RPC 2.0 server for the HTLC daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klingon-exchange/klingon-htlc/internal/coordinator"
	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
	"github.com/klingon-exchange/klingon-htlc/internal/ledger"
	"github.com/klingon-exchange/klingon-htlc/internal/metrics"
	"github.com/klingon-exchange/klingon-htlc/internal/utxo"
	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

// Config wires the server to the daemon's components. Ledger and Bitcoin are optional.
type Config struct {
	Coordinator    *coordinator.Coordinator
	Ledger         *ledger.Ledger
	Bitcoin        *utxo.HTLC
	Metrics        *metrics.Registry
	AllowedOrigins []string
}

// Server is a JSON-RPC 2.0 server.
type Server struct {
	coordinator *coordinator.Coordinator
	ledger      *ledger.Ledger
	btc         *utxo.HTLC
	metrics     *metrics.Registry
	origins     []string
	log         *logging.Logger
	wsHub       *WSHub

	server      *http.Server
	listener    net.Listener
	unsubscribe func()

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Application error codes. Contract rejections use their own positive codes.
const (
	SwapNotFound  = -32001
	UnknownLedger = -32002
	UnsafeTiming  = -32003
	WrongState    = -32004
	LegMismatch   = -32005
	NotAvailable  = -32006
)

// NewServer creates a new JSON-RPC server.
func NewServer(cfg Config) *Server {
	s := &Server{
		coordinator: cfg.Coordinator,
		ledger:      cfg.Ledger,
		btc:         cfg.Bitcoin,
		metrics:     cfg.Metrics,
		origins:     cfg.AllowedOrigins,
		log:         logging.GetDefault().Component("rpc"),
		wsHub:       NewWSHub(cfg.Metrics),
		handlers:    make(map[string]Handler),
	}

	s.registerHandlers()

	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Node methods
	s.handlers["node_info"] = s.nodeInfo

	// Contract methods, addressed by deployment name
	s.handlers["htlc_register"] = s.htlcRegister
	s.handlers["htlc_getSwapIntent"] = s.htlcGetSwapIntent
	s.handlers["htlc_listIntents"] = s.htlcListIntents
	s.handlers["htlc_swap"] = s.htlcSwap
	s.handlers["htlc_cancel"] = s.htlcCancel
	s.handlers["htlc_setWhitelisted"] = s.htlcSetWhitelisted
	s.handlers["htlc_isWhitelisted"] = s.htlcIsWhitelisted
	s.handlers["htlc_findPreimage"] = s.htlcFindPreimage

	// Chain methods
	s.handlers["chain_height"] = s.chainHeight
	s.handlers["chain_mine"] = s.chainMine
	s.handlers["chain_events"] = s.chainEvents
	s.handlers["chain_balance"] = s.chainBalance
	s.handlers["chain_faucet"] = s.chainFaucet
	s.handlers["chain_address"] = s.chainAddress

	// Wallet methods
	s.handlers["wallet_principals"] = s.walletPrincipals
	s.handlers["wallet_watch"] = s.walletWatch
	s.handlers["wallet_import"] = s.walletImport

	// Swap methods
	s.handlers["swap_initiate"] = s.swapInitiate
	s.handlers["swap_participate"] = s.swapParticipate
	s.handlers["swap_redeem"] = s.swapRedeem
	s.handlers["swap_settle"] = s.swapSettle
	s.handlers["swap_refund"] = s.swapRefund
	s.handlers["swap_status"] = s.swapStatus
	s.handlers["swap_list"] = s.swapList
	s.handlers["swap_checkTimeouts"] = s.swapCheckTimeouts
	s.handlers["swap_checkTiming"] = s.swapCheckTiming
}

// Handler returns the HTTP handler serving JSON-RPC, WebSocket and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return corsMiddleware(mux)
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()
	s.attachEvents()

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.wsHub.Stop()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// attachEvents forwards swap transitions and ledger events to WebSocket clients.
func (s *Server) attachEvents() {
	if s.coordinator != nil {
		s.coordinator.OnEvent(func(ev coordinator.SwapEvent) {
			if et, ok := swapEventTypes[ev.EventType]; ok {
				s.wsHub.Broadcast(et, ev)
			}
		})
	}
	if s.ledger != nil {
		s.unsubscribe = s.ledger.Subscribe(func(ev htlc.Event) {
			s.metrics.IncEvent(ev.Ledger, string(ev.Op))
			s.wsHub.Broadcast(EventLedger, ev)
		})
	}
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	s.metrics.IncRPC(req.Method, err)
	if err != nil {
		code, data := errorCode(err)
		if code == InternalError {
			s.log.Warn("RPC call failed", "method", req.Method, "error", err)
		}
		s.writeError(w, req.ID, code, err.Error(), data)
		return
	}

	s.writeResult(w, req.ID, result)
}

// paramsError marks malformed or missing parameters.
type paramsError struct{ err error }

func (e *paramsError) Error() string { return e.err.Error() }
func (e *paramsError) Unwrap() error { return e.err }

func invalidParams(format string, args ...interface{}) error {
	return &paramsError{fmt.Errorf(format, args...)}
}

// decodeParams unmarshals params into v.
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return invalidParams("missing params")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}

// errorCode maps an error onto a JSON-RPC code and optional data.
func errorCode(err error) (int, interface{}) {
	if e, ok := htlc.AsError(err); ok {
		return int(e.Code), map[string]string{"name": e.Name}
	}
	var pe *paramsError
	switch {
	case errors.As(err, &pe):
		return InvalidParams, nil
	case errors.Is(err, coordinator.ErrSwapNotFound):
		return SwapNotFound, nil
	case errors.Is(err, coordinator.ErrUnknownLedger):
		return UnknownLedger, nil
	case errors.Is(err, coordinator.ErrUnsafeTiming):
		return UnsafeTiming, nil
	case errors.Is(err, coordinator.ErrWrongState), errors.Is(err, coordinator.ErrWrongRole):
		return WrongState, nil
	case errors.Is(err, coordinator.ErrCounterLegMismatch):
		return LegMismatch, nil
	case errors.Is(err, htlc.ErrPreimageNotFound), errors.Is(err, coordinator.ErrNoPreimageSource):
		return NotAvailable, nil
	}
	return InternalError, nil
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
