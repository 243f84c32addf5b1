package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewPrometheusHandler builds a Prometheus-backed MeterProvider and an
// http.Handler serving its /metrics scrape endpoint, for local development
// scraping alongside (or instead of) the OTLP metrics path. The returned
// Meter must be used to create the instruments callers want scraped: an
// exporter attached to a MeterProvider nobody records into has nothing to
// export. Each call uses an independent Prometheus registry to avoid
// collector conflicts across repeated calls (e.g. in tests).
func NewPrometheusHandler() (http.Handler, metric.Meter, error) {
	registry := prometheus.NewRegistry()

	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), mp.Meter(meterName), nil
}
