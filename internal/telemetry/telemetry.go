// Package telemetry installs the process meter provider and reads its
// counters back for the status API.
package telemetry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var (
	installOnce sync.Once
	installed   *sdkmetric.ManualReader
)

// Install makes an SDK meter provider backed by a manual reader the global
// provider and returns the reader. Instruments created earlier through the
// global provider start recording into it. Later calls return the same
// reader.
func Install() *sdkmetric.ManualReader {
	installOnce.Do(func() {
		installed = sdkmetric.NewManualReader()
		otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(installed)))
	})
	return installed
}

// Point is one cumulative counter value for one attribute set.
type Point struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes"`
	Value      int64             `json:"value"`
}

// Collect reads every integer sum from r, sorted by name then attributes.
// Other aggregations are ignored.
func Collect(ctx context.Context, r sdkmetric.Reader) ([]Point, error) {
	var rm metricdata.ResourceMetrics
	if err := r.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collecting metrics: %w", err)
	}

	var out []Point
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				attrs := make(map[string]string, dp.Attributes.Len())
				for it := dp.Attributes.Iter(); it.Next(); {
					kv := it.Attribute()
					attrs[string(kv.Key)] = kv.Value.Emit()
				}
				out = append(out, Point{Name: m.Name, Attributes: attrs, Value: dp.Value})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return fmt.Sprint(out[i].Attributes) < fmt.Sprint(out[j].Attributes)
	})
	return out, nil
}

// Total sums the points named name whose attributes include every pair in
// match.
func Total(points []Point, name string, match map[string]string) int64 {
	var n int64
	for _, p := range points {
		if p.Name != name || !matches(p.Attributes, match) {
			continue
		}
		n += p.Value
	}
	return n
}

func matches(attrs, want map[string]string) bool {
	for k, v := range want {
		if attrs[k] != v {
			return false
		}
	}
	return true
}
