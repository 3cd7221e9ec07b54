// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSessionLifecycleMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SessionCreated()
	m.SessionCreated()
	m.SessionDestroyed("process exited")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionTeardowns.WithLabelValues("process exited")))
}

func TestByteCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Input(5)
	m.Output(7)
	m.Output(3)
	m.MalformedMessage()
	m.SpawnFailed()

	assert.Equal(t, 5.0, testutil.ToFloat64(m.InputBytes))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.OutputBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MalformedMessages))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SpawnFailures))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionCreated()
		m.SessionDestroyed("x")
		m.Input(1)
	})
}
