package scenarios

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	toxiproxy "github.com/Shopify/toxiproxy/v2/client"

	"github.com/pior/redis/reliability/internal/promexporter"
	"github.com/pior/redis/reliability/toxi"
)

// Phase is a step of a PhasedScenario. Its value is exported as the
// scenario_phase gauge.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStabilization
	PhaseTesting
	PhaseRecovery
)

func (p Phase) String() string {
	switch p {
	case PhaseStabilization:
		return "stabilization"
	case PhaseTesting:
		return "testing"
	case PhaseRecovery:
		return "recovery"
	default:
		return "idle"
	}
}

// Perturbation is the fault applied to the proxy during the testing phase.
type Perturbation interface {
	Apply(ctx context.Context, proxy *toxiproxy.Proxy) error
	Remove(proxy *toxiproxy.Proxy) error
}

// PhasedScenario lets the client settle, applies a perturbation for the
// testing phase, then watches the client recover.
type PhasedScenario struct {
	name         string
	description  string
	durations    map[Phase]time.Duration
	perturbation Perturbation
	metrics      *promexporter.ScenarioMetrics
}

// NewPhasedScenario returns a scenario running p for testing, between a 30s
// stabilization phase and a 60s recovery phase.
func NewPhasedScenario(name, description string, testing time.Duration, p Perturbation, metrics *promexporter.ScenarioMetrics) *PhasedScenario {
	return &PhasedScenario{
		name:        name,
		description: description,
		durations: map[Phase]time.Duration{
			PhaseStabilization: 30 * time.Second,
			PhaseTesting:       testing,
			PhaseRecovery:      time.Minute,
		},
		perturbation: p,
		metrics:      metrics,
	}
}

func (s *PhasedScenario) Name() string {
	return s.name
}

func (s *PhasedScenario) Description() string {
	return s.description
}

// Run clears the proxy, then runs the three phases. The perturbation is
// removed when the context ends during the testing phase.
func (s *PhasedScenario) Run(ctx context.Context, proxies []*toxiproxy.Proxy) (err error) {
	if err := toxi.CleanupToxiproxy(proxies); err != nil {
		return fmt.Errorf("failed to clean toxiproxy before scenario: %w", err)
	}
	s.metrics.ClearToxics()
	s.metrics.SetScenarioActive(true)
	for _, phase := range []Phase{PhaseStabilization, PhaseTesting, PhaseRecovery} {
		s.metrics.SetPhaseDuration(s.name, phase.String(), s.durations[phase].Seconds())
	}

	defer func() {
		s.metrics.SetScenarioActive(false)
		s.metrics.SetPhase(s.name, int(PhaseIdle))
		if err != nil && !errors.Is(err, context.Canceled) {
			s.metrics.RecordRun(s.name, false)
		}
	}()

	if err := s.enter(ctx, PhaseStabilization); err != nil {
		return err
	}

	proxy, err := target(proxies)
	if err != nil {
		return err
	}
	s.logf("Applying perturbation to %s", proxy.Name)
	if err := s.perturbation.Apply(ctx, proxy); err != nil {
		return fmt.Errorf("failed to apply perturbation: %w", err)
	}
	if err := s.enter(ctx, PhaseTesting); err != nil {
		_ = s.perturbation.Remove(proxy)
		return err
	}
	if err := s.perturbation.Remove(proxy); err != nil {
		return fmt.Errorf("failed to remove perturbation: %w", err)
	}

	if err := s.enter(ctx, PhaseRecovery); err != nil {
		return err
	}

	s.logf("Complete")
	s.metrics.RecordRun(s.name, true)
	return nil
}

// enter publishes the phase and waits for its duration.
func (s *PhasedScenario) enter(ctx context.Context, phase Phase) error {
	s.logf("Phase %d: %s (%s)", phase, phase, s.durations[phase])
	s.metrics.SetPhase(s.name, int(phase))
	return sleep(ctx, s.durations[phase])
}

func (s *PhasedScenario) logf(format string, args ...any) {
	log.Printf("[Scenario %s] %s", s.name, fmt.Sprintf(format, args...))
}
