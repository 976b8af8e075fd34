// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus collectors gearbridge exports.
// A nil *Metrics is valid and records nothing, so components can be
// constructed in tests without a registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gearbridge"

// Metrics is the set of collectors for one process.
type Metrics struct {
	workersAlive  prometheus.Gauge
	reconnects    *prometheus.CounterVec
	registrations *prometheus.CounterVec
	jobs          *prometheus.CounterVec
	jobDuration   prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		workersAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "connections_alive",
			Help:      "Number of job server connections whose serve loop is running.",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "reconnects_total",
			Help:      "Job server connection failures followed by a backoff and retry.",
		}, []string{"worker"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "registrations_total",
			Help:      "Function sets pushed to the job server.",
		}, []string{"worker"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "jobs_total",
			Help:      "Jobs dispatched, by handler kind and outcome.",
		}, []string{"kind", "outcome"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "job_duration_seconds",
			Help:      "Wall time from job assignment to terminal result.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		gatherer: registry,
	}
	registry.MustRegister(m.workersAlive, m.reconnects, m.registrations, m.jobs, m.jobDuration)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// WorkerStarted records a serve loop starting.
func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.workersAlive.Inc()
}

// WorkerStopped records a serve loop exiting.
func (m *Metrics) WorkerStopped() {
	if m == nil {
		return
	}
	m.workersAlive.Dec()
}

// Reconnect records a failed connection that will be retried.
func (m *Metrics) Reconnect(worker string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(worker).Inc()
}

// Registration records a pushed function set.
func (m *Metrics) Registration(worker string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(worker).Inc()
}

// JobFinished records one dispatched job. kind is the handler kind
// ("build", "stop", "set_description").
func (m *Metrics) JobFinished(kind string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.jobs.WithLabelValues(kind, outcome).Inc()
	m.jobDuration.Observe(elapsed.Seconds())
}
