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

package tracing

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestProviderRecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider, err := NewProvider(context.Background(), Config{ServiceName: "test"}, sdktrace.WithSyncer(exporter))
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	_, span := provider.Tracer().Start(context.Background(), "tool.call")
	span.SetAttributes(attribute.String("server", "blender"))
	End(span, nil)

	_, span = provider.Tracer().Start(context.Background(), "server.start")
	End(span, fmt.Errorf("health check failed"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "tool.call", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	assert.Equal(t, "server.start", spans[1].Name)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Len(t, spans[1].Events, 1)
}

func TestStdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	provider, err := NewProvider(context.Background(), Config{Exporter: ExporterStdout, Output: &buf})
	require.NoError(t, err)

	_, span := provider.Tracer().Start(context.Background(), "conversation.step")
	span.End()
	require.NoError(t, provider.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "conversation.step")
}

func TestUnknownExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{Exporter: "zipkin"})
	assert.Error(t, err)
}

func TestNoopTracer(t *testing.T) {
	_, span := Noop().Start(context.Background(), "x")
	assert.False(t, span.IsRecording())
	End(span, nil)
}
