// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

package relay

import (
	"github.com/edgelesssys/tache/internal/constants"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	directionUpstream   = "upstream"
	directionDownstream = "downstream"
)

type metrics struct {
	connections  prometheus.Counter
	active       prometheus.Gauge
	dialFailures prometheus.Counter
	relayedBytes *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	m := &metrics{
		connections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "connections_total",
			Help:      "Number of accepted local connections.",
		}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "connections_active",
			Help:      "Number of local connections currently relayed.",
		}),
		dialFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "upstream_dial_failures_total",
			Help:      "Number of connections dropped because the server could not be reached.",
		}),
		relayedBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "relayed_bytes_total",
			Help:      "Number of bytes relayed, by direction.",
		}, []string{"direction"}),
	}
	for _, direction := range []string{directionUpstream, directionDownstream} {
		m.relayedBytes.WithLabelValues(direction)
	}
	return m
}
