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

package metric_test

import (
	"testing"

	"github.com/pingcap/tabletsink/pkg/sink/metric"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestReadCounter(t *testing.T) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{})
	counter.Add(1256.0)
	counter.Add(2214.0)
	require.Equal(t, 3470.0, metric.ReadCounter(counter))
}

func TestReadGauge(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{})
	gauge.Add(300)
	gauge.Sub(100)
	require.Equal(t, 200.0, metric.ReadGauge(gauge))
}

func TestReadHistogram(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{})
	histogram.Observe(11131.5)
	histogram.Observe(15261.0)
	require.Equal(t, 26392.5, metric.ReadHistogramSum(histogram))
	require.Equal(t, uint64(2), metric.ReadHistogramCount(histogram))
}

func TestMetricsRegister(t *testing.T) {
	m := metric.NewMetrics()
	r := prometheus.NewRegistry()
	m.RegisterTo(r)
	require.True(t, r.Unregister(m.RowsCounter))
	require.True(t, r.Unregister(m.BytesCounter))
	require.True(t, r.Unregister(m.PendingBytesGauge))
	require.True(t, r.Unregister(m.RequestSecondsHistogram))
	require.True(t, r.Unregister(m.RequestRetryCounter))
	require.True(t, r.Unregister(m.BackpressureWaitSecondsHistogram))
}
