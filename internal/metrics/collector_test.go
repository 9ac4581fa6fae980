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

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetServerState(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.SetServerState("blender", "starting")
	c.SetServerState("blender", "running")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.serverState.WithLabelValues("blender", "running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.serverState.WithLabelValues("blender", "starting")))

	c.ForgetServer("blender")
	assert.Equal(t, 0, testutil.CollectAndCount(c.serverState))
}

func TestRecordToolCall(t *testing.T) {
	c := New(nil)

	c.RecordToolCall("gimp", "crop", "failed", 20*time.Millisecond, 3)
	c.RecordToolCall("gimp", "crop", "success", time.Millisecond, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.toolCalls.WithLabelValues("gimp", "crop", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.toolCalls.WithLabelValues("gimp", "crop", "success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.toolCallRetries.WithLabelValues("gimp", "crop")))
}

func TestPoolMetrics(t *testing.T) {
	c := New(nil)

	c.SetPoolConnections("a", 2, 1)
	c.RecordPoolEviction("a", "idle")
	c.RecordPoolEviction("a", "idle")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.poolConnections.WithLabelValues("a", "idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.poolConnections.WithLabelValues("a", "in_use")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.poolEvictions.WithLabelValues("a", "idle")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.SetServerState("a", "running")
		c.ForgetServer("a")
		c.RecordStartupAttempt("a", "success")
		c.RecordHealthFailure("a")
		c.SetPoolConnections("a", 1, 1)
		c.ObservePoolWait("a", time.Second)
		c.RecordPoolEviction("a", "idle")
		c.RecordToolCall("a", "t", "success", time.Second, 1)
		c.RecordConversationStep("scripted")
		c.RecordProviderCall("scripted", "success")
	})
}
