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

// Package metrics defines the Prometheus collectors for the server fleet,
// connection pools, tool calls and conversations.
//
// All recording methods are safe to call on a nil *Collector so components
// can run without metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "switchboard"

// Collector groups all switchboard metrics registered on one registry.
type Collector struct {
	serverState      *prometheus.GaugeVec
	startupAttempts  *prometheus.CounterVec
	healthFailures   *prometheus.CounterVec
	poolConnections  *prometheus.GaugeVec
	poolWaitSeconds  *prometheus.HistogramVec
	poolEvictions    *prometheus.CounterVec
	toolCalls        *prometheus.CounterVec
	toolCallSeconds  *prometheus.HistogramVec
	toolCallRetries  *prometheus.CounterVec
	conversationStep *prometheus.CounterVec
	providerCalls    *prometheus.CounterVec
}

// New registers the switchboard collectors on reg. Passing nil uses a
// fresh private registry, which keeps parallel tests independent.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Collector{
		serverState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_state",
			Help:      "Current lifecycle state of each tool server (1 for the active state).",
		}, []string{"server", "state"}),
		startupAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_startup_attempts_total",
			Help:      "Server startup attempts by outcome.",
		}, []string{"server", "outcome"}),
		healthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_health_failures_total",
			Help:      "Failed health probes against running servers.",
		}, []string{"server"}),
		poolConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_connections",
			Help:      "Pooled connections per server by status (idle, in_use).",
		}, []string{"server", "status"}),
		poolWaitSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_acquire_wait_seconds",
			Help:      "Time spent waiting to acquire a pooled connection.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"server"}),
		poolEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_evictions_total",
			Help:      "Pooled connections closed by reason (idle, unhealthy, shutdown).",
		}, []string{"server", "reason"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by server, tool and final status.",
		}, []string{"server", "tool", "status"}),
		toolCallSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server", "tool"}),
		toolCallRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_call_retries_total",
			Help:      "Retries issued for transient tool call failures.",
		}, []string{"server", "tool"}),
		conversationStep: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_steps_total",
			Help:      "Conversation steps executed by provider.",
		}, []string{"provider"}),
		providerCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_generations_total",
			Help:      "AI provider generate calls by outcome.",
		}, []string{"provider", "outcome"}),
	}
}

// ServerStates lists every label value used by SetServerState.
var ServerStates = []string{"stopped", "starting", "running", "stopping", "error"}

// SetServerState marks state as the active state for server.
func (c *Collector) SetServerState(server, state string) {
	if c == nil {
		return
	}
	for _, s := range ServerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.serverState.WithLabelValues(server, s).Set(v)
	}
}

// ForgetServer drops the state series of a stopped server.
func (c *Collector) ForgetServer(server string) {
	if c == nil {
		return
	}
	c.serverState.DeletePartialMatch(prometheus.Labels{"server": server})
	c.poolConnections.DeletePartialMatch(prometheus.Labels{"server": server})
}

// RecordStartupAttempt counts one startup attempt; outcome is "success" or "failure".
func (c *Collector) RecordStartupAttempt(server, outcome string) {
	if c == nil {
		return
	}
	c.startupAttempts.WithLabelValues(server, outcome).Inc()
}

// RecordHealthFailure counts one failed health probe.
func (c *Collector) RecordHealthFailure(server string) {
	if c == nil {
		return
	}
	c.healthFailures.WithLabelValues(server).Inc()
}

// SetPoolConnections publishes the idle and in-use counts of a pool.
func (c *Collector) SetPoolConnections(server string, idle, inUse int) {
	if c == nil {
		return
	}
	c.poolConnections.WithLabelValues(server, "idle").Set(float64(idle))
	c.poolConnections.WithLabelValues(server, "in_use").Set(float64(inUse))
}

// ObservePoolWait records how long an acquire waited.
func (c *Collector) ObservePoolWait(server string, d time.Duration) {
	if c == nil {
		return
	}
	c.poolWaitSeconds.WithLabelValues(server).Observe(d.Seconds())
}

// RecordPoolEviction counts a closed pooled connection.
func (c *Collector) RecordPoolEviction(server, reason string) {
	if c == nil {
		return
	}
	c.poolEvictions.WithLabelValues(server, reason).Inc()
}

// RecordToolCall records the final outcome of one tool call.
func (c *Collector) RecordToolCall(server, tool, status string, d time.Duration, retries int) {
	if c == nil {
		return
	}
	c.toolCalls.WithLabelValues(server, tool, status).Inc()
	c.toolCallSeconds.WithLabelValues(server, tool).Observe(d.Seconds())
	if retries > 0 {
		c.toolCallRetries.WithLabelValues(server, tool).Add(float64(retries))
	}
}

// RecordConversationStep counts one executed conversation step.
func (c *Collector) RecordConversationStep(provider string) {
	if c == nil {
		return
	}
	c.conversationStep.WithLabelValues(provider).Inc()
}

// RecordProviderCall counts one generate call; outcome is "success" or "failure".
func (c *Collector) RecordProviderCall(provider, outcome string) {
	if c == nil {
		return
	}
	c.providerCalls.WithLabelValues(provider, outcome).Inc()
}
