package testutil

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// CounterValue returns the current value of a counter.
func CounterValue(tb testing.TB, c prometheus.Counter) float64 {
	tb.Helper()

	var m dto.Metric
	require.NoError(tb, c.Write(&m))
	return m.GetCounter().GetValue()
}

// VecValue returns the current value for a CounterVec label set.
func VecValue(tb testing.TB, vec *prometheus.CounterVec, labels ...string) float64 {
	tb.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	require.NoError(tb, err)
	return CounterValue(tb, counter)
}
