// Command scenariod drives fault scenarios through toxiproxy and exports the
// scenario state to Prometheus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"maps"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"strings"
	"syscall"
	"time"

	toxiproxy "github.com/Shopify/toxiproxy/v2/client"

	"github.com/pior/redis/reliability/internal/promexporter"
	"github.com/pior/redis/reliability/scenarios"
	"github.com/pior/redis/reliability/toxi"
)

func main() {
	scenarioName := flag.String("scenario", "", "Specific scenario to run (or 'all' for all)")
	listScenarios := flag.Bool("list", false, "List available scenarios")
	loop := flag.Bool("loop", false, "Loop scenarios continuously")
	metricsPort := flag.String("metrics-port", ":9092", "Port for Prometheus metrics")
	maxProcs := flag.Int("max-procs", 2, "Maximum number of CPU cores to use (GOMAXPROCS)")
	latencyMs := flag.Int("latency", 200, "Latency added by the latency scenarios, in milliseconds")

	flag.Parse()

	exporter := promexporter.NewExporter()
	allScenarios := buildScenarios(exporter.ScenarioMetrics(), *latencyMs)

	if *listScenarios {
		printScenarios(allScenarios)
		return
	}
	if *scenarioName == "" {
		log.Fatalf("No scenario specified. Use -scenario=<name> or -scenario=all or -list")
	}

	toRun, err := selectScenarios(allScenarios, *scenarioName)
	if err != nil {
		log.Fatal(err)
	}

	runtime.GOMAXPROCS(*maxProcs)

	log.Printf("Starting redis scenario controller")
	log.Printf("  Max CPU cores: %d", *maxProcs)
	log.Printf("  Metrics: http://localhost%s/metrics", *metricsPort)

	go func() {
		log.Printf("Starting metrics server on %s", *metricsPort)
		if err := exporter.ServeHTTP(*metricsPort); err != nil {
			log.Fatalf("Metrics server error: %v", err)
		}
	}()

	log.Println("Initializing toxiproxy...")
	_, proxies, err := toxi.SetupToxiproxy(toxi.DefaultToxiproxyConfig())
	if err != nil {
		log.Fatalf("Error setting up toxiproxy: %v\nMake sure to run: docker compose up -d", err)
	}
	defer toxi.CleanupToxiproxy(proxies)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := controller{proxies: proxies}
	for round := 1; ; round++ {
		log.Printf("Round %d: %d scenario(s)", round, len(toRun))
		if err := c.round(ctx, toRun); err != nil {
			log.Printf("Scenario controller shutting down: %v", err)
			return
		}
		if !*loop {
			log.Printf("All scenarios complete")
			return
		}
		if sleep(ctx, 10*time.Second) != nil {
			return
		}
	}
}

type controller struct {
	proxies []*toxiproxy.Proxy
}

// round plays every scenario once, 5s apart. Only cancellation stops it.
func (c controller) round(ctx context.Context, toRun []scenarios.Scenario) error {
	for i, s := range toRun {
		if i > 0 {
			if err := sleep(ctx, 5*time.Second); err != nil {
				return err
			}
		}
		if err := c.runOnce(ctx, s); errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

func (c controller) runOnce(ctx context.Context, s scenarios.Scenario) error {
	log.Printf("=== %s: %s ===", s.Name(), s.Description())
	start := time.Now()
	err := s.Run(ctx, c.proxies)
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case err != nil:
		log.Printf("Scenario %s failed: %v", s.Name(), err)
	default:
		log.Printf("Scenario %s completed in %s", s.Name(), time.Since(start).Round(time.Second))
	}

	if err := toxi.CleanupToxiproxy(c.proxies); err != nil {
		log.Printf("Failed to clean up toxiproxy: %v", err)
	}
	return err
}

func buildScenarios(metrics *promexporter.ScenarioMetrics, latencyMs int) map[string]scenarios.Scenario {
	all := make(map[string]scenarios.Scenario)
	add := func(list []scenarios.Scenario) {
		for _, s := range list {
			all[s.Name()] = s
		}
	}
	add(scenarios.NewPacketLossScenarioSuite(metrics).CreateScenarios())
	add(scenarios.NewLatencyScenarioSuite(metrics, latencyMs).CreateScenarios())
	add(scenarios.NewCompoundScenarioSuite(metrics).CreateScenarios())
	return all
}

// selectScenarios returns the named scenario, or all of them sorted by name.
func selectScenarios(all map[string]scenarios.Scenario, name string) ([]scenarios.Scenario, error) {
	if name != "all" {
		s, ok := all[name]
		if !ok {
			return nil, fmt.Errorf("scenario not found: %s", name)
		}
		return []scenarios.Scenario{s}, nil
	}

	out := make([]scenarios.Scenario, 0, len(all))
	for _, n := range sortedNames(all) {
		out = append(out, all[n])
	}
	return out, nil
}

func sortedNames(all map[string]scenarios.Scenario) []string {
	return slices.Sorted(maps.Keys(all))
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func printScenarios(all map[string]scenarios.Scenario) {
	fmt.Println("\n=== Available Scenarios ===")

	names := sortedNames(all)
	groups := []struct{ title, prefix string }{
		{"Packet Loss Scenarios:", "packet-loss"},
		{"Latency Scenarios:", "latency"},
		{"Compound Failures:", "compound"},
	}
	for i, g := range groups {
		if i > 0 {
			fmt.Println()
		}
		fmt.Println(g.title)
		for _, name := range names {
			if strings.HasPrefix(name, g.prefix) {
				fmt.Printf("  %-35s %s\n", name, all[name].Description())
			}
		}
	}

	fmt.Println("\nUsage:")
	fmt.Println("  -scenario=<name>     Run specific scenario")
	fmt.Println("  -scenario=all        Run all scenarios sequentially")
	fmt.Println("  -loop                Loop scenarios continuously")
	fmt.Println("  -list                List available scenarios")
}
