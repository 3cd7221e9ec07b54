// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package metrics holds the Prometheus collectors for terminal sessions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "studio"

// Metrics groups the session and pump collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionsActive    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SpawnFailures     prometheus.Counter
	SessionTeardowns  *prometheus.CounterVec
	MalformedMessages prometheus.Counter
	InputBytes        prometheus.Counter
	OutputBytes       prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Terminal sessions currently registered.",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Terminal sessions created.",
		}),
		SpawnFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_failures_total",
			Help:      "Shell processes that failed to start.",
		}),
		SessionTeardowns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_teardowns_total",
			Help:      "Terminal sessions destroyed, by reason.",
		}, []string{"reason"}),
		MalformedMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Client messages dropped because they could not be decoded.",
		}),
		InputBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_bytes_total",
			Help:      "Bytes forwarded from clients to shells.",
		}),
		OutputBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_bytes_total",
			Help:      "Bytes forwarded from shells to clients.",
		}),
	}
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionDestroyed(reason string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionTeardowns.WithLabelValues(reason).Inc()
}

func (m *Metrics) SpawnFailed() {
	if m == nil {
		return
	}
	m.SpawnFailures.Inc()
}

func (m *Metrics) MalformedMessage() {
	if m == nil {
		return
	}
	m.MalformedMessages.Inc()
}

func (m *Metrics) Input(n int) {
	if m == nil {
		return
	}
	m.InputBytes.Add(float64(n))
}

func (m *Metrics) Output(n int) {
	if m == nil {
		return
	}
	m.OutputBytes.Add(float64(n))
}
