// Package metrics holds the daemon's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "htlc"

// Registry owns a private prometheus registry and the collectors on it.
type Registry struct {
	registry *prometheus.Registry

	calls      *prometheus.CounterVec
	events     *prometheus.CounterVec
	swaps      *prometheus.CounterVec
	activeSwap prometheus.Gauge
	heights    *prometheus.GaugeVec
	rpc        *prometheus.CounterVec
	wsClients  prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Registry {
	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "contract_calls_total",
		Help:      "HTLC contract calls by ledger, operation and result",
	}, []string{"ledger", "op", "result"})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Transfer events emitted by ledger and operation",
	}, []string{"ledger", "op"})

	swaps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "swaps_total",
		Help:      "Coordinator swap transitions by role and state",
	}, []string{"role", "state"})

	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "swaps_active",
		Help:      "Coordinator swaps not yet in a terminal state",
	})

	heights := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ledger_height",
		Help:      "Latest observed height per ledger",
	}, []string{"ledger"})

	rpc := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_requests_total",
		Help:      "JSON-RPC requests by method and result",
	}, []string{"method", "result"})

	ws := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_clients",
		Help:      "Connected WebSocket clients",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(calls, events, swaps, active, heights, rpc, ws)

	return &Registry{
		registry:   r,
		calls:      calls,
		events:     events,
		swaps:      swaps,
		activeSwap: active,
		heights:    heights,
		rpc:        rpc,
		wsClients:  ws,
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncCall counts a contract call. err selects the "error" result.
func (m *Registry) IncCall(ledger, op string, err error) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(ledger, op, result(err)).Inc()
}

// IncEvent counts an emitted transfer event.
func (m *Registry) IncEvent(ledger, op string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(ledger, op).Inc()
}

// IncSwap counts a coordinator state transition.
func (m *Registry) IncSwap(role, state string) {
	if m == nil {
		return
	}
	m.swaps.WithLabelValues(role, state).Inc()
}

// SetActiveSwaps sets the number of swaps in flight.
func (m *Registry) SetActiveSwaps(n int) {
	if m == nil {
		return
	}
	m.activeSwap.Set(float64(n))
}

// SetHeight records the latest height of a ledger.
func (m *Registry) SetHeight(ledger string, height uint64) {
	if m == nil {
		return
	}
	m.heights.WithLabelValues(ledger).Set(float64(height))
}

// IncRPC counts a JSON-RPC request.
func (m *Registry) IncRPC(method string, err error) {
	if m == nil {
		return
	}
	m.rpc.WithLabelValues(method, result(err)).Inc()
}

// AddWSClients adjusts the connected client gauge by delta.
func (m *Registry) AddWSClients(delta int) {
	if m == nil {
		return
	}
	m.wsClients.Add(float64(delta))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
