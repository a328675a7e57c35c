// Copyright 2024 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package tether

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector is the interface required to collect transport statistics.
// All methods may be called concurrently.
type Collector interface {
	// RequestDone records a completed HTTP attempt and its status code.
	RequestDone(route Route, status int, elapsed time.Duration)
	// RateLimited records a 429, scoped "global", "resource" or "bucket".
	RateLimited(route Route, scope string)
	// Reconnect records a gateway session being replaced.
	Reconnect(shardID int)
	// HeartbeatLatency records a heartbeat round trip.
	HeartbeatLatency(shardID int, latency time.Duration)
}

// nopCollector is used when no Collector is configured.
type nopCollector struct{}

func (nopCollector) RequestDone(Route, int, time.Duration) {}
func (nopCollector) RateLimited(Route, string)             {}
func (nopCollector) Reconnect(int)                         {}
func (nopCollector) HeartbeatLatency(int, time.Duration)   {}

// PrometheusCollector implements Collector on prometheus metrics.
type PrometheusCollector struct {
	requests    *prometheus.CounterVec
	rateLimits  *prometheus.CounterVec
	reconnects  *prometheus.CounterVec
	heartbeatMs *prometheus.GaugeVec
}

// NewPrometheusCollector registers the collector's metrics with reg and
// returns it. Pass prometheus.DefaultRegisterer for the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "http_requests_total",
			Help:      "HTTP attempts by endpoint and status code.",
		}, []string{"endpoint", "status"}),
		rateLimits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "http_ratelimits_total",
			Help:      "429 responses by scope.",
		}, []string{"scope"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "gateway_reconnects_total",
			Help:      "Gateway sessions replaced, by shard.",
		}, []string{"shard"}),
		heartbeatMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tether",
			Name:      "gateway_heartbeat_latency_seconds",
			Help:      "Last heartbeat round trip, by shard.",
		}, []string{"shard"}),
	}
	reg.MustRegister(c.requests, c.rateLimits, c.reconnects, c.heartbeatMs)
	return c
}

func (c *PrometheusCollector) RequestDone(route Route, status int, _ time.Duration) {
	c.requests.WithLabelValues(route.Endpoint(), strconv.Itoa(status)).Inc()
}

func (c *PrometheusCollector) RateLimited(_ Route, scope string) {
	c.rateLimits.WithLabelValues(scope).Inc()
}

func (c *PrometheusCollector) Reconnect(shardID int) {
	c.reconnects.WithLabelValues(strconv.Itoa(shardID)).Inc()
}

func (c *PrometheusCollector) HeartbeatLatency(shardID int, latency time.Duration) {
	c.heartbeatMs.WithLabelValues(strconv.Itoa(shardID)).Set(latency.Seconds())
}
