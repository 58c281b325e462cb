// ABOUTME: Tests for the gateway's Prometheus collectors.
// ABOUTME: Verifies independent registries and the exposition handler.

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNew_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.BufferOverflows.WithLabelValues("bulk").Inc()
	a.BufferOverflows.WithLabelValues("bulk").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.BufferOverflows.WithLabelValues("bulk")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.BufferOverflows.WithLabelValues("bulk")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ConnectedNodes.Set(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fleet_gateway_nodes_connected 3")
}
