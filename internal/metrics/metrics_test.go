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
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))

	c.RunStarted()
	c.RunStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(c.runsActive))

	c.RunFinished("deploy", "completed")
	c.RunFinished("deploy", "failed")
	assert.Equal(t, 0.0, testutil.ToFloat64(c.runsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("deploy", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("deploy", "failed")))

	c.PersistenceRetry("save")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.persistenceRetries))

	c.ObserveStep("shell", "success", 25*time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(c.stepDuration))
}

func TestCollectorNilSafe(t *testing.T) {
	var c *Collector
	c.RunStarted()
	c.RunFinished("deploy", "completed")
	c.RunSuspended()
	c.ObserveStep("shell", "success", time.Millisecond)
	c.PersistenceRetry("save")
}
