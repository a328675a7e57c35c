package tether

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)
	route := NewRoute("GET", "/users/@me", nil)

	c.RequestDone(route, 200, 10*time.Millisecond)
	c.RequestDone(route, 200, 12*time.Millisecond)
	c.RateLimited(route, "bucket")
	c.Reconnect(0)
	c.HeartbeatLatency(0, 50*time.Millisecond)

	assert.Equal(t, 2.0,
		testutil.ToFloat64(c.requests.WithLabelValues("GET /users/@me", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rateLimits.WithLabelValues("bucket")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconnects.WithLabelValues("0")))
	assert.Equal(t, 0.05, testutil.ToFloat64(c.heartbeatMs.WithLabelValues("0")))
}

func TestClientReportsToCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	stats := NewPrometheusCollector(reg)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}, WithCollector(stats))

	_, err := c.Do(context.Background(), Request{Route: NewRoute("GET", "/users/@me", nil)})
	require.NoError(t, err)
	assert.Equal(t, 1.0,
		testutil.ToFloat64(stats.requests.WithLabelValues("GET /users/@me", "200")))
}
