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

// Package metrics exposes Prometheus collectors for the orchestrator:
// run outcomes, step durations, and persistence retries.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the orchestrator's Prometheus metrics. Register it on
// a registry of your choice; callers embedding the coordinator own the
// HTTP exposition.
type Collector struct {
	runsTotal          *prometheus.CounterVec
	runsActive         prometheus.Gauge
	stepDuration       *prometheus.HistogramVec
	persistenceRetries prometheus.Counter
}

// NewCollector creates the collectors. Nothing is registered until
// Register is called.
func NewCollector() *Collector {
	return &Collector{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cascade",
			Name:      "runs_total",
			Help:      "Runs reaching a terminal status, by workflow and status.",
		}, []string{"workflow", "status"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cascade",
			Name:      "runs_active",
			Help:      "Runs currently pending, running, or suspended.",
		}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cascade",
			Name:      "step_duration_seconds",
			Help:      "Step execution time by step type and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"type", "outcome"}),
		persistenceRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cascade",
			Name:      "persistence_retries_total",
			Help:      "Store writes retried after transient contention.",
		}),
	}
}

// Register adds all collectors to the registry.
func (c *Collector) Register(reg prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{
		c.runsTotal, c.runsActive, c.stepDuration, c.persistenceRetries,
	} {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// RunStarted increments the active-runs gauge. Safe on a nil collector.
func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.runsActive.Inc()
}

// RunFinished records a terminal status and decrements the gauge.
func (c *Collector) RunFinished(workflowID, status string) {
	if c == nil {
		return
	}
	c.runsActive.Dec()
	c.runsTotal.WithLabelValues(workflowID, status).Inc()
}

// RunSuspended decrements the gauge without recording an outcome; the
// matching RunStarted happens again on resume.
func (c *Collector) RunSuspended() {
	if c == nil {
		return
	}
	c.runsActive.Dec()
}

// ObserveStep records one step execution.
func (c *Collector) ObserveStep(stepType, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.stepDuration.WithLabelValues(stepType, outcome).Observe(elapsed.Seconds())
}

// PersistenceRetry counts one store retry. Wire it as the store's
// RetryHook.
func (c *Collector) PersistenceRetry(string) {
	if c == nil {
		return
	}
	c.persistenceRetries.Inc()
}
