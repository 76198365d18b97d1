/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package metrics declares the Prometheus collectors shared by the agent
// and the persistent-connection manager. Collectors are created once per
// process (package-level, as promauto encourages) and registered against
// whatever prometheus.Registerer the caller passes to Register.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "persistdbd"

// Agent collectors: queue depth and the three counters that account for
// every frame the worker loop ever touches.
var (
	AgentQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "queue_depth",
		Help:      "Number of frames currently queued for delivery to the DBD.",
	})

	AgentFramesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "frames_sent_total",
		Help:      "Frames successfully delivered and acknowledged.",
	})

	AgentFramesFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "frames_failed_total",
		Help:      "Frames that failed delivery and were requeued or dropped.",
	})

	AgentPurgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "purged_total",
		Help:      "Frames dropped by purgeJobStartRequests under queue pressure.",
	})
)

// Server collectors: slot occupancy and a histogram of connection age at
// close, per SPEC_FULL's ServiceConn observability addition.
var (
	ServerSlotsInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "slots_in_use",
		Help:      "Number of persistent-connection slots currently occupied.",
	})

	ServerConnectionsAcceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "connections_accepted_total",
		Help:      "Total connections accepted by the persistent-connection manager.",
	})

	ServerConnectionsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "connections_rejected_total",
		Help:      "Accepted connections closed unserved because slot reservation was cancelled or framed I/O setup failed.",
	})

	ServerConnectionAgeSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "connection_age_seconds",
		Help:      "Age of a connection, in seconds, at the time it was closed.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})
)

var allCollectors = []prometheus.Collector{
	AgentQueueDepth,
	AgentFramesSentTotal,
	AgentFramesFailedTotal,
	AgentPurgedTotal,
	ServerSlotsInUse,
	ServerConnectionsAcceptedTotal,
	ServerConnectionsRejectedTotal,
	ServerConnectionAgeSeconds,
}

// Register registers every collector against reg, skipping (rather than
// failing on) collectors already registered so repeated calls in tests
// are harmless.
func Register(reg prometheus.Registerer) error {
	for _, c := range allCollectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
