// Copyright 2025 PingCAP, Inc.
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

package metric

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// label values of the row and byte counters.
const (
	StateReceived  = "received"
	StateAccepted  = "accepted"
	StateFiltered  = "filtered"
	StateBuffered  = "buffered"
	StateAcked     = "acked"
	StateDiscarded = "discarded"

	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds the collectors of one sink session.
type Metrics struct {
	RowsCounter                      *prometheus.CounterVec
	BytesCounter                     *prometheus.CounterVec
	PendingBytesGauge                prometheus.Gauge
	RequestSecondsHistogram          *prometheus.HistogramVec
	RequestRetryCounter              prometheus.Counter
	BackpressureWaitSecondsHistogram prometheus.Histogram
}

// NewMetrics creates a new empty metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RowsCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tablet_sink",
				Name:      "rows",
				Help:      "count of rows by admission state",
			}, []string{"state"}),
		BytesCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tablet_sink",
				Name:      "bytes",
				Help:      "count of buffered bytes by state",
			}, []string{"state"}),
		PendingBytesGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tablet_sink",
				Name:      "pending_bytes",
				Help:      "bytes buffered across all dispatch units",
			}),
		RequestSecondsHistogram: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tablet_sink",
				Name:      "request_seconds",
				Help:      "time spent on one write request to a node",
				Buckets:   prometheus.ExponentialBuckets(0.001, 3.1622776601683795, 10),
			}, []string{"result"}),
		RequestRetryCounter: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tablet_sink",
				Name:      "request_retries",
				Help:      "count of replayed write requests",
			}),
		BackpressureWaitSecondsHistogram: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "tablet_sink",
				Name:      "backpressure_wait_seconds",
				Help:      "time a producer waited for buffer budget",
				Buckets:   prometheus.ExponentialBuckets(0.001, 3.1622776601683795, 10),
			}),
	}
}

// RegisterTo registers all metrics to the given registry.
func (m *Metrics) RegisterTo(r prometheus.Registerer) {
	r.MustRegister(
		m.RowsCounter,
		m.BytesCounter,
		m.PendingBytesGauge,
		m.RequestSecondsHistogram,
		m.RequestRetryCounter,
		m.BackpressureWaitSecondsHistogram,
	)
}

// ReadCounter reports the current value of the counter.
func ReadCounter(counter prometheus.Counter) float64 {
	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		return math.NaN()
	}
	return metric.Counter.GetValue()
}

// ReadGauge reports the current value of the gauge.
func ReadGauge(gauge prometheus.Gauge) float64 {
	var metric dto.Metric
	if err := gauge.Write(&metric); err != nil {
		return math.NaN()
	}
	return metric.Gauge.GetValue()
}

// ReadHistogramSum reports the sum of all observed values in the histogram.
func ReadHistogramSum(histogram prometheus.Histogram) float64 {
	var metric dto.Metric
	if err := histogram.Write(&metric); err != nil {
		return math.NaN()
	}
	return metric.Histogram.GetSampleSum()
}

// ReadHistogramCount reports the number of observations in the histogram.
func ReadHistogramCount(histogram prometheus.Observer) uint64 {
	h, ok := histogram.(prometheus.Histogram)
	if !ok {
		return 0
	}
	var metric dto.Metric
	if err := h.Write(&metric); err != nil {
		return 0
	}
	return metric.Histogram.GetSampleCount()
}
