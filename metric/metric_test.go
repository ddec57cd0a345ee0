package metric

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsExposition(t *testing.T) {
	m := New()
	m.TicksTotal.Inc()
	m.EventsTriggered.WithLabelValues("value-change").Add(3)

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := server.Client().Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, "qtoggleserver_core_ticks_total 1")
	assert.Contains(t, text, `qtoggleserver_events_triggered_total{type="value-change"} 3`)
}
