package promexporter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ScenarioMetrics tracks where the running scenario is in its timeline and
// which toxics are currently on the proxy.
type ScenarioMetrics struct {
	phase           *prometheus.GaugeVec
	phaseDuration   *prometheus.GaugeVec
	runsTotal       *prometheus.CounterVec
	currentScenario prometheus.Gauge

	toxicActive *prometheus.GaugeVec
	toxicConfig *prometheus.GaugeVec
}

func NewScenarioMetrics(registry *prometheus.Registry) *ScenarioMetrics {
	f := promauto.With(registry)
	return &ScenarioMetrics{
		phase: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scenario_phase",
			Help: "Phase of the running scenario: 0 idle, 1 stabilization, 2 testing, 3 recovery.",
		}, []string{"scenario"}),
		phaseDuration: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scenario_phase_duration_seconds",
			Help: "Planned length of each scenario phase.",
		}, []string{"scenario", "phase"}),
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scenario_runs_total",
			Help: "Completed scenario runs by outcome.",
		}, []string{"scenario", "status"}),
		currentScenario: f.NewGauge(prometheus.GaugeOpts{
			Name: "scenario_active",
			Help: "1 while a scenario is running.",
		}),
		toxicActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "toxiproxy_toxic_active",
			Help: "1 while a toxic of this kind is on the proxy.",
		}, []string{"server", "type"}),
		toxicConfig: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "toxiproxy_toxic_value",
			Help: "Toxic parameter, such as latency_ms or the packet loss rate.",
		}, []string{"server", "type", "param"}),
	}
}

func (m *ScenarioMetrics) SetPhase(scenario string, phase int) {
	m.phase.WithLabelValues(scenario).Set(float64(phase))
}

func (m *ScenarioMetrics) SetPhaseDuration(scenario, phase string, seconds float64) {
	m.phaseDuration.WithLabelValues(scenario, phase).Set(seconds)
}

func (m *ScenarioMetrics) RecordRun(scenario string, success bool) {
	m.runsTotal.WithLabelValues(scenario, status(success)).Inc()
}

func (m *ScenarioMetrics) SetScenarioActive(active bool) {
	m.currentScenario.Set(boolToFloat(active))
}

func (m *ScenarioMetrics) SetToxicActive(server, toxicType string, active bool) {
	m.toxicActive.WithLabelValues(server, toxicType).Set(boolToFloat(active))
}

func (m *ScenarioMetrics) SetToxicValue(server, toxicType, param string, value float64) {
	m.toxicConfig.WithLabelValues(server, toxicType, param).Set(value)
}

// ClearToxics drops every toxic series, as after a proxy cleanup.
func (m *ScenarioMetrics) ClearToxics() {
	m.toxicActive.Reset()
	m.toxicConfig.Reset()
}
