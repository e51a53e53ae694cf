package scenarios

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	toxiproxy "github.com/Shopify/toxiproxy/v2/client"

	"github.com/pior/redis/reliability/internal/promexporter"
)

// toxicSpec is one toxic added during the testing phase.
type toxicSpec struct {
	kind     string // metric label: latency, packet_loss, reset
	typeName string // toxiproxy type
	toxicity float32
	attrs    toxiproxy.Attributes
	param    string
	value    float64
}

// toxics adds its specs to the proxy and removes them afterwards.
type toxics struct {
	scenario string
	specs    []toxicSpec
	metrics  *promexporter.ScenarioMetrics
	added    []string
}

func (t *toxics) Apply(_ context.Context, proxy *toxiproxy.Proxy) error {
	for _, spec := range t.specs {
		log.Printf("[%s] Adding %s toxic to %s", t.scenario, spec.typeName, proxy.Name)
		toxic, err := proxy.AddToxic("", spec.typeName, "downstream", spec.toxicity, spec.attrs)
		if err != nil {
			return fmt.Errorf("failed to add toxic: %w", err)
		}
		t.added = append(t.added, toxic.Name)
		t.metrics.SetToxicActive(proxy.Name, spec.kind, true)
		t.metrics.SetToxicValue(proxy.Name, spec.kind, spec.param, spec.value)
	}
	return nil
}

func (t *toxics) Remove(proxy *toxiproxy.Proxy) error {
	log.Printf("[%s] Removing %d toxics from %s", t.scenario, len(t.added), proxy.Name)
	var errs []error
	for _, name := range t.added {
		if err := proxy.RemoveToxic(name); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove toxic %s: %w", name, err))
		}
	}
	t.added = nil
	for _, spec := range t.specs {
		t.metrics.SetToxicActive(proxy.Name, spec.kind, false)
		t.metrics.SetToxicValue(proxy.Name, spec.kind, spec.param, 0)
	}
	return errors.Join(errs...)
}

// toxicScenario builds a phased scenario applying specs to the proxy.
func toxicScenario(metrics *promexporter.ScenarioMetrics, name, description string, testing time.Duration, specs ...toxicSpec) Scenario {
	p := &toxics{scenario: name, specs: specs, metrics: metrics}
	return NewPhasedScenario(name, description, testing, p, metrics)
}

func packetLoss(rate float64) toxicSpec {
	return toxicSpec{
		kind:     "packet_loss",
		typeName: "bandwidth",
		toxicity: float32(rate),
		attrs:    toxiproxy.Attributes{"rate": 0}, // 0 rate = complete packet drop
		param:    "rate",
		value:    rate,
	}
}

func latency(ms int) toxicSpec {
	return toxicSpec{
		kind:     "latency",
		typeName: "latency",
		toxicity: 1.0,
		attrs:    toxiproxy.Attributes{"latency": ms, "jitter": 0},
		param:    "latency_ms",
		value:    float64(ms),
	}
}

// PacketLossScenarioSuite creates scenarios for different packet loss rates
type PacketLossScenarioSuite struct {
	metrics *promexporter.ScenarioMetrics
}

// NewPacketLossScenarioSuite creates a new packet loss scenario suite
func NewPacketLossScenarioSuite(metrics *promexporter.ScenarioMetrics) *PacketLossScenarioSuite {
	return &PacketLossScenarioSuite{metrics: metrics}
}

// CreateScenarios returns all packet loss scenarios
func (s *PacketLossScenarioSuite) CreateScenarios() []Scenario {
	rates := []float64{0.02, 0.05, 0.10, 0.20, 0.50, 1.0}
	scenarios := make([]Scenario, 0, len(rates))

	for _, rate := range rates {
		name := fmt.Sprintf("packet-loss-%.0f-pct", rate*100)
		description := fmt.Sprintf("%.0f%% packet loss for 1 minute", rate*100)
		scenarios = append(scenarios, toxicScenario(s.metrics, name, description, time.Minute, packetLoss(rate)))
	}

	return scenarios
}

// LatencyScenarioSuite creates scenarios for different latency durations
type LatencyScenarioSuite struct {
	metrics       *promexporter.ScenarioMetrics
	latencyAmount int // Latency to add in milliseconds
}

// NewLatencyScenarioSuite creates a new latency scenario suite
// latencyAmount is the latency to add in milliseconds (e.g., 200 for +200ms)
func NewLatencyScenarioSuite(metrics *promexporter.ScenarioMetrics, latencyAmount int) *LatencyScenarioSuite {
	return &LatencyScenarioSuite{
		metrics:       metrics,
		latencyAmount: latencyAmount,
	}
}

// CreateScenarios returns all latency scenarios
func (s *LatencyScenarioSuite) CreateScenarios() []Scenario {
	durations := []time.Duration{
		100 * time.Millisecond,
		1 * time.Second,
		5 * time.Second,
		10 * time.Second,
		40 * time.Second,
		2 * time.Minute,
	}

	scenarios := make([]Scenario, 0, len(durations))
	for _, d := range durations {
		name := fmt.Sprintf("latency-%dms-%s", s.latencyAmount, formatDuration(d))
		description := fmt.Sprintf("+%dms latency for %s", s.latencyAmount, d)
		scenarios = append(scenarios, toxicScenario(s.metrics, name, description, d, latency(s.latencyAmount)))
	}

	return scenarios
}

// CompoundScenarioSuite creates scenarios combining several toxics on the server
type CompoundScenarioSuite struct {
	metrics *promexporter.ScenarioMetrics
}

// NewCompoundScenarioSuite creates a new compound scenario suite
func NewCompoundScenarioSuite(metrics *promexporter.ScenarioMetrics) *CompoundScenarioSuite {
	return &CompoundScenarioSuite{metrics: metrics}
}

// CreateScenarios returns all compound scenarios
func (s *CompoundScenarioSuite) CreateScenarios() []Scenario {
	return []Scenario{
		toxicScenario(s.metrics, "compound-latency-packet-loss",
			"+500ms latency and 10% packet loss for 1 minute", time.Minute,
			latency(500), packetLoss(0.10)),
		toxicScenario(s.metrics, "compound-timeout-latency",
			"+1500ms latency, above the socket timeout, for 30s", 30*time.Second,
			latency(1500)),
		toxicScenario(s.metrics, "compound-reset-peer",
			"TCP RST on 10% of connections for 1 minute", time.Minute,
			toxicSpec{
				kind:     "reset",
				typeName: "reset_peer",
				toxicity: 0.1,
				attrs:    toxiproxy.Attributes{"timeout": 0},
				param:    "toxicity",
				value:    0.1,
			}),
	}
}

// formatDuration formats a duration for use in scenario names
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm", int(d.Minutes()))
}
