// Package promexporter exposes the reliability runs to Prometheus: workload
// rates, pool and breaker state of the client, and the scenario timeline.
package promexporter

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Exporter struct {
	registry *prometheus.Registry
	client   *ClientMetrics
	scenario *ScenarioMetrics
}

// NewExporter registers the client and scenario metrics, and the Go runtime
// collector, on a private registry.
func NewExporter() *Exporter {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	e := &Exporter{registry: registry}
	e.client = NewClientMetrics(registry)
	e.scenario = NewScenarioMetrics(registry)
	return e
}

func (e *Exporter) Registry() *prometheus.Registry    { return e.registry }
func (e *Exporter) ClientMetrics() *ClientMetrics     { return e.client }
func (e *Exporter) ScenarioMetrics() *ScenarioMetrics { return e.scenario }

// Handler serves the registry in the exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}

// ServeHTTP listens on addr and serves /metrics until the listener fails.
func (e *Exporter) ServeHTTP(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}

// status is the label value of a run or operation outcome.
func status(ok bool) string {
	if ok {
		return "success"
	}
	return "failed"
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
