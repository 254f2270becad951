package cli

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const scopeOutcomesMetric = "uow_scope_outcomes_total"

var (
	metricsOnce   sync.Once
	metricsReader *sdkmetric.ManualReader
)

// installMetrics sets the process meter provider once and returns the reader
// that collects from it. Instruments created earlier through the global
// provider are delegated to it.
func installMetrics() *sdkmetric.ManualReader {
	metricsOnce.Do(func() {
		metricsReader = sdkmetric.NewManualReader()
		otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(metricsReader)))
	})
	return metricsReader
}

// scopeOutcomes sums the scope outcome counter per outcome since start-up.
func scopeOutcomes(ctx context.Context, reader sdkmetric.Reader) (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("failed to collect metrics: %w", err)
	}
	totals := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != scopeOutcomesMetric {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				outcome, _ := dp.Attributes.Value("outcome")
				totals[outcome.AsString()] += dp.Value
			}
		}
	}
	return totals, nil
}
