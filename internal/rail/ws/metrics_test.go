package ws

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesRailGauges(t *testing.T) {
	l := testListener(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	l.metrics.handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	require.Contains(t, body, "rail_clients_connected")
	require.Contains(t, body, "rail_coherence_r")
	require.Contains(t, body, "rail_paused 0")
}
