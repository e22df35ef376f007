// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the operational counters of an Aggregator to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dap"

// Metrics holds the collectors of one Aggregator. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	reportsUploaded *prometheus.CounterVec
	reportsAccepted *prometheus.CounterVec
	reportsRejected *prometheus.CounterVec
	roundLatency    *prometheus.HistogramVec
	jobsFinished    *prometheus.CounterVec
	jobsAbandoned   *prometheus.CounterVec
	collections     *prometheus.CounterVec
}

// New registers the collectors in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		reportsUploaded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_uploaded_total",
			Help:      "Reports stored by the Leader for aggregation.",
		}, []string{"task"}),
		reportsAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_accepted_total",
			Help:      "Reports whose output shares were committed to a batch.",
		}, []string{"task", "role"}),
		reportsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_rejected_total",
			Help:      "Reports rejected, by reason. Replays are counted with reason report_replayed.",
		}, []string{"task", "role", "reason"}),
		roundLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregation_round_seconds",
			Help:      "Latency of one aggregation job round, including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"task", "role"}),
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_jobs_finished_total",
			Help:      "Aggregation jobs whose output was committed.",
		}, []string{"task", "role"}),
		jobsAbandoned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_jobs_abandoned_total",
			Help:      "Aggregation jobs abandoned after exhausting their retry budget.",
		}, []string{"task"}),
		collections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collections_total",
			Help:      "Aggregate shares released, by role.",
		}, []string{"task", "role"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ReportUploaded counts a report stored by the Leader.
func (m *Metrics) ReportUploaded(task string) {
	if m == nil {
		return
	}
	m.reportsUploaded.WithLabelValues(task).Inc()
}

// ReportsAccepted counts n reports committed to a batch.
func (m *Metrics) ReportsAccepted(task, role string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reportsAccepted.WithLabelValues(task, role).Add(float64(n))
}

// ReportRejected counts a rejected report.
func (m *Metrics) ReportRejected(task, role, reason string) {
	if m == nil {
		return
	}
	m.reportsRejected.WithLabelValues(task, role, reason).Inc()
}

// ObserveRound records the duration of one aggregation round that started at start.
func (m *Metrics) ObserveRound(task, role string, start time.Time) {
	if m == nil {
		return
	}
	m.roundLatency.WithLabelValues(task, role).Observe(time.Since(start).Seconds())
}

// JobFinished counts a finished aggregation job.
func (m *Metrics) JobFinished(task, role string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(task, role).Inc()
}

// JobAbandoned counts an abandoned aggregation job.
func (m *Metrics) JobAbandoned(task string) {
	if m == nil {
		return
	}
	m.jobsAbandoned.WithLabelValues(task).Inc()
}

// Collected counts a released aggregate share.
func (m *Metrics) Collected(task, role string) {
	if m == nil {
		return
	}
	m.collections.WithLabelValues(task, role).Inc()
}
