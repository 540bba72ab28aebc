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

package telemetry

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider(t *testing.T) {
	p, err := NewProvider("amelia-orchestrator", "test", &fakeCounter{n: 1})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, p.Collector)

	tracer := p.Tracer("orchestrator")
	ctx, span := tracer.Start(context.Background(), "orchestrator.emit")
	span.End()
	_ = ctx

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	p.MetricsHandler().ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)

	require.NoError(t, p.Shutdown(context.Background()))
}
