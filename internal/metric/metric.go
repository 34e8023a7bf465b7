// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package metric gathers and exposes metrics about key
// distribution, rotation and configuration updates.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// New returns a new Metrics that gathers and exposes metrics
// about the key distribution and rotation subsystem.
func New() *Metrics {
	metrics := &Metrics{
		registry: prometheus.NewRegistry(),
		rotationSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyfleet",
			Subsystem: "rotation",
			Name:      "success",
			Help:      "Number of key rotations that completed successfully.",
		}),
		rotationDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyfleet",
			Subsystem: "rotation",
			Name:      "denied",
			Help:      "Number of key rotations denied because a fleet was not stopped.",
		}),
		distributions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyfleet",
			Subsystem: "distribution",
			Name:      "success",
			Help:      "Number of successful cluster-wide key distributions.",
		}),
		distributionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyfleet",
			Subsystem: "distribution",
			Name:      "error",
			Help:      "Number of key distributions that failed for at least one role.",
		}),
		updatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyfleet",
			Subsystem: "update",
			Name:      "applied",
			Help:      "Number of configuration updates applied successfully.",
		}),
		updatesRolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyfleet",
			Subsystem: "update",
			Name:      "rolled_back",
			Help:      "Number of configuration updates that failed and were rolled back.",
		}),

		startTime: time.Now(),
		upTimeInSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keyfleet",
			Subsystem: "system",
			Name:      "up_time",
			Help:      "The time the server has been up and running in seconds.",
		}),
	}

	metrics.registry.MustRegister(metrics.rotationSucceeded)
	metrics.registry.MustRegister(metrics.rotationDenied)
	metrics.registry.MustRegister(metrics.distributions)
	metrics.registry.MustRegister(metrics.distributionErrors)
	metrics.registry.MustRegister(metrics.updatesApplied)
	metrics.registry.MustRegister(metrics.updatesRolledBack)
	metrics.registry.MustRegister(metrics.upTimeInSeconds)
	return metrics
}

// Metrics is a set of metrics about the key distribution and
// rotation subsystem. All record methods are safe to call on a
// nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	rotationSucceeded  prometheus.Counter
	rotationDenied     prometheus.Counter
	distributions      prometheus.Counter
	distributionErrors prometheus.Counter
	updatesApplied     prometheus.Counter
	updatesRolledBack  prometheus.Counter

	startTime       time.Time // Used to compute the up time as upTime = now - startTime
	upTimeInSeconds prometheus.Gauge
}

// EncodeTo collects all outstanding metrics information and
// writes it to encoder.
func (m *Metrics) EncodeTo(encoder expfmt.Encoder) error {
	m.upTimeInSeconds.Set(time.Since(m.startTime).Truncate(10 * time.Millisecond).Seconds())

	metrics, err := m.registry.Gather()
	if err != nil {
		return err
	}
	for _, metric := range metrics {
		if err := encoder.Encode(metric); err != nil {
			return err
		}
	}
	return nil
}

// RotationSucceeded records a successful key rotation.
func (m *Metrics) RotationSucceeded() {
	if m != nil {
		m.rotationSucceeded.Inc()
	}
}

// RotationDenied records a key rotation denied by the fleet
// state guard.
func (m *Metrics) RotationDenied() {
	if m != nil {
		m.rotationDenied.Inc()
	}
}

// Distributed records a successful cluster-wide distribution.
func (m *Metrics) Distributed() {
	if m != nil {
		m.distributions.Inc()
	}
}

// DistributionFailed records a distribution that failed for at
// least one role.
func (m *Metrics) DistributionFailed() {
	if m != nil {
		m.distributionErrors.Inc()
	}
}

// UpdateApplied records a successfully applied configuration
// update.
func (m *Metrics) UpdateApplied() {
	if m != nil {
		m.updatesApplied.Inc()
	}
}

// UpdateRolledBack records a failed configuration update that
// has been rolled back.
func (m *Metrics) UpdateRolledBack() {
	if m != nil {
		m.updatesRolledBack.Inc()
	}
}
