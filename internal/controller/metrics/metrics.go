// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the control-plane Prometheus counters.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"
)

var (
	// requestsTotal counts completed requests by verb and reply status.
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ldmsd_requests_total",
			Help: "Configuration requests processed, by verb and status",
		},
		[]string{"verb", "status"},
	)

	// connectionsTotal counts accepted control connections.
	connectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ldmsd_connections_total",
			Help: "Control connections accepted, by listener",
		},
		[]string{"listener"},
	)

	// activeConnections tracks connections currently being served.
	activeConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ldmsd_active_connections",
			Help: "Control connections currently open, by listener",
		},
		[]string{"listener"},
	)

	// authFailures counts rejected handshakes.
	authFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ldmsd_auth_failures_total",
			Help: "Control connection authentication failures, by reason",
		},
		[]string{"reason"},
	)

	// connErrors counts connections dropped on read or protocol errors.
	connErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ldmsd_connection_errors_total",
			Help: "Control connections closed on error, by listener and kind",
		},
		[]string{"listener", "kind"},
	)

	// sampleErrors counts failed sampler invocations.
	sampleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ldmsd_sample_errors_total",
			Help: "Sampler plugin invocations that returned an error",
		},
		[]string{"plugin"},
	)

	// pluginsLoaded tracks the number of loaded plugin instances.
	pluginsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ldmsd_plugins_loaded",
			Help: "Plugins currently loaded",
		},
	)
)

// StatusLabel renders a reply status as a label value: "ok" for zero,
// the errno name otherwise.
func StatusLabel(status int) string {
	if status == 0 {
		return "ok"
	}
	errno := status
	if errno < 0 {
		errno = -errno
	}
	if name := unix.ErrnoName(unix.Errno(errno)); name != "" {
		return name
	}
	return strconv.Itoa(status)
}

// RecordRequest counts one processed request.
func RecordRequest(verb string, status int) {
	requestsTotal.WithLabelValues(verb, StatusLabel(status)).Inc()
}

// ConnectionOpened records an accepted connection on listener.
func ConnectionOpened(listener string) {
	connectionsTotal.WithLabelValues(listener).Inc()
	activeConnections.WithLabelValues(listener).Inc()
}

// ConnectionClosed records the end of a connection on listener.
func ConnectionClosed(listener string) {
	activeConnections.WithLabelValues(listener).Dec()
}

// RecordAuthFailure counts a rejected handshake. reason is one of
// "mismatch", "locked_out", "io".
func RecordAuthFailure(reason string) {
	authFailures.WithLabelValues(reason).Inc()
}

// RecordConnError counts a connection dropped with an error of kind
// (e.g. "read", "protocol", "write").
func RecordConnError(listener, kind string) {
	connErrors.WithLabelValues(listener, kind).Inc()
}

// RecordSampleError counts a failed sample call for plugin.
func RecordSampleError(plugin string) {
	sampleErrors.WithLabelValues(plugin).Inc()
}

// PluginLoaded adjusts the loaded plugin gauge by delta.
func PluginLoaded(delta int) {
	pluginsLoaded.Add(float64(delta))
}

// Handler serves the default registry merged with any extra collectors,
// such as the metric set registry.
func Handler(extra ...prometheus.Collector) http.Handler {
	if len(extra) == 0 {
		return promhttp.Handler()
	}
	reg := prometheus.NewRegistry()
	for _, c := range extra {
		reg.MustRegister(c)
	}
	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer, reg}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}
