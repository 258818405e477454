package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.IncCall("btc", "register", nil)
	m.IncCall("btc", "register", errors.New("boom"))
	m.IncCall("btc", "register", nil)
	m.IncSwap("initiator", "locked")
	m.SetHeight("stx/native", 42)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.calls.WithLabelValues("btc", "register", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.calls.WithLabelValues("btc", "register", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.swaps.WithLabelValues("initiator", "locked")))
	assert.Equal(t, float64(42), testutil.ToFloat64(m.heights.WithLabelValues("stx/native")))
}

func TestNilRegistryIsNoop(t *testing.T) {
	var m *Registry
	m.IncCall("btc", "swap", nil)
	m.IncRPC("chain_height", nil)
	m.SetActiveSwaps(3)
}

func TestHandler(t *testing.T) {
	m := New()
	m.IncRPC("chain_height", nil)
	m.AddWSClients(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `htlc_rpc_requests_total{method="chain_height",result="ok"} 1`))
	assert.True(t, strings.Contains(string(body), "htlc_ws_clients 2"))
}
