// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus collectors of a consolidation run, on a private registry,
// to be exported in the text format read by the node exporter's textfile collector.
package metrics

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace of all metric names.
const Namespace = "zerockpt"

// Results of a load attempt.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Stages of the state dict counted by the Keys gauge.
const (
	StageLoaded  = "loaded"
	StageWritten = "written"
)

// Metrics of one consolidation run. The zero value is not usable, create it with New.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	LoadAttempts *prometheus.CounterVec
	Keys         *prometheus.GaugeVec
	Parameters   prometheus.Gauge
	OutputBytes  prometheus.Gauge
	Duration     prometheus.Gauge
	LastSuccess  prometheus.Gauge
}

// New creates the collectors on a new registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		LoadAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "load_attempts_total",
			Help:      "Attempts to load a state dict, by strategy and result",
		}, []string{"strategy", "result"}),
		Keys: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "state_dict_keys",
			Help:      "Number of entries of the state dict, when loaded and when written",
		}, []string{"stage"}),
		Parameters: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "state_dict_parameters",
			Help:      "Total number of elements of the tensors written",
		}),
		OutputBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "output_bytes",
			Help:      "Size of the output file",
		}),
		Duration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the consolidation run",
		}),
		LastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the end of the last successful run",
		}),
	}
}

// RecordLoad counts a load attempt with the given strategy.
func (m *Metrics) RecordLoad(strategy string, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	m.LoadAttempts.WithLabelValues(strategy, result).Inc()
}

// RecordKeys sets the number of keys of the state dict at the given stage.
func (m *Metrics) RecordKeys(stage string, n int) {
	if m == nil {
		return
	}
	m.Keys.WithLabelValues(stage).Set(float64(n))
}

// RecordOutput records the size of the output and the number of parameters written.
func (m *Metrics) RecordOutput(numBytes, numParameters int64) {
	if m == nil {
		return
	}
	m.OutputBytes.Set(float64(numBytes))
	m.Parameters.Set(float64(numParameters))
}

// RecordDone records the duration of the run, and the time of its end if it succeeded.
func (m *Metrics) RecordDone(duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.Duration.Set(duration.Seconds())
	if err == nil {
		m.LastSuccess.SetToCurrentTime()
	}
}

// WriteTextfile writes the metrics to filePath in the Prometheus text format. The file is replaced atomically.
func (m *Metrics) WriteTextfile(filePath string) error {
	return errors.Wrapf(prometheus.WriteToTextfile(filePath, m.Registry), "failed to write metrics to %q", filePath)
}
