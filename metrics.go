// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are optional prometheus collectors for the phone lifecycle.
// Pass one via WithMetrics; nil metrics disable collection.
type Metrics struct {
	connects    prometheus.Counter
	recoveries  prometheus.Counter
	callsActive prometheus.Gauge
	callsTotal  *prometheus.CounterVec
	durCall     prometheus.Histogram
}

// NewMetrics builds and registers the collectors.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webphone", Name: "connect_attempts_total",
			Help: "Number of transport connect attempts.",
		}),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webphone", Name: "recoveries_total",
			Help: "Number of transport recovery passes.",
		}),
		callsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "webphone", Name: "calls_active",
			Help: "Currently live call sessions.",
		}),
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webphone", Name: "calls_total",
			Help: "Terminated calls by cause.",
		}, []string{"cause"}),
		durCall: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "webphone", Name: "call_duration_seconds",
			Help:    "Call duration from session creation to terminal event.",
			Buckets: []float64{1, 10, 60, 10 * 60, 30 * 60, 3600, 6 * 3600},
		}),
	}

	for _, c := range []prometheus.Collector{m.connects, m.recoveries, m.callsActive, m.callsTotal, m.durCall} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.callsActive.Inc()
}

func (m *Metrics) sessionEnded(cause TerminateCause, dur time.Duration) {
	if m == nil {
		return
	}
	m.callsActive.Dec()
	m.callsTotal.WithLabelValues(string(cause)).Inc()
	m.durCall.Observe(dur.Seconds())
}
