// Command reliability runs a workload against a Redis server behind
// toxiproxy while scenarios inject network faults.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	toxiproxy "github.com/Shopify/toxiproxy/v2/client"
	"github.com/sony/gobreaker/v2"

	"github.com/pior/redis/reliability/metrics"
	"github.com/pior/redis/reliability/scenarios"
	"github.com/pior/redis/reliability/toxi"
	"github.com/pior/redis/reliability/tui"
	"github.com/pior/redis/reliability/workload"
)

type options struct {
	scenario        string
	runs            int
	concurrency     int
	metricsInterval time.Duration
	workload        string
	noTUI           bool
}

func main() {
	var opts options
	flag.StringVar(&opts.scenario, "scenario", "", "Specific scenario to run (default: continuous workload)")
	flag.IntVar(&opts.runs, "runs", 0, "Number of scenario runs (0 = continuous)")
	flag.IntVar(&opts.concurrency, "concurrency", 100, "Number of concurrent workers")
	flag.DurationVar(&opts.metricsInterval, "metrics-interval", 2*time.Second, "How often to print metrics (ignored with TUI)")
	flag.StringVar(&opts.workload, "workload", "mixed", "Workload pattern to use")
	flag.BoolVar(&opts.noTUI, "no-tui", false, "Disable TUI dashboard (use plain text output)")
	listScenarios := flag.Bool("list", false, "List available scenarios and exit")
	usePuddle := flag.Bool("puddle", false, "Use the puddle connection pool")
	poolSize := flag.Int("pool-size", 50, "Max connection pool size")
	batchSize := flag.Int("batch-size", 10, "Commands per pipeline or transaction")
	hotKeys := flag.Int("hot-keys", 10, "Number of hot keys for workload")

	flag.Parse()

	if *listScenarios {
		printScenarios()
		return
	}

	workload.SetHotKeyCount(*hotKeys)
	workload.SetBatchSize(*batchSize)

	fmt.Printf("Reliability run: workload %s, %d workers, pool %d (puddle: %t)\n",
		opts.workload, opts.concurrency, *poolSize, *usePuddle)
	switch {
	case opts.scenario == "":
		fmt.Println("No scenario, workload only")
	case opts.runs > 0:
		fmt.Printf("Scenario %s, %d runs\n", opts.scenario, opts.runs)
	default:
		fmt.Printf("Scenario %s, until interrupted\n", opts.scenario)
	}

	toxiConfig := toxi.DefaultToxiproxyConfig()
	_, proxies, err := toxi.SetupToxiproxy(toxiConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up toxiproxy: %v\n", err)
		fmt.Fprintf(os.Stderr, "Make sure to run: docker compose up -d\n")
		os.Exit(1)
	}
	defer toxi.CleanupToxiproxy(proxies)

	// Breaker transitions can happen before the collector exists.
	var collector atomic.Pointer[metrics.Collector]

	client, err := toxi.NewClient(toxiConfig.ClientAddr(), toxi.ClientOptions{
		PoolSize:  int32(*poolSize),
		UsePuddle: *usePuddle,
		OnStateChange: func(name string, from, to gobreaker.State) {
			if c := collector.Load(); c != nil {
				c.RecordCircuitBreakerChange(name, from, to)
			}
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating client: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := toxi.WaitForHealthy(ctx, client); err != nil {
		fmt.Fprintf(os.Stderr, "Error waiting for client health: %v\n", err)
		os.Exit(1)
	}

	wl, err := workload.Get(opts.workload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading workload: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("[Setup] Workload: %s - %s\n", wl.Name(), wl.Description())

	runner := workload.NewRunner(client, wl, opts.concurrency)

	// The TUI refreshes faster than the plain text output
	collectorInterval := opts.metricsInterval
	if !opts.noTUI {
		collectorInterval = 500 * time.Millisecond
	}
	c := metrics.NewCollector(client, runner, collectorInterval)
	collector.Store(c)

	fmt.Printf("\n[Main] Starting workload with %d workers\n", opts.concurrency)
	go func() {
		if err := runner.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Workload error: %v\n", err)
		}
	}()
	go c.Start(ctx)

	if opts.noTUI {
		runPlain(ctx, cancel, opts, c, proxies)
	} else {
		runTUI(ctx, cancel, opts, c, proxies)
	}

	// Let workers stop and the last snapshot land
	time.Sleep(500 * time.Millisecond)
	c.Collect()
	c.PrintSummary()
	fmt.Println("\n[Main] Test complete")
}

func runTUI(ctx context.Context, cancel context.CancelFunc, opts options, c *metrics.Collector, proxies []*toxiproxy.Proxy) {
	time.Sleep(time.Second) // first samples

	dashboard := tui.NewDashboard(c)
	if opts.scenario != "" {
		dashboard.SetAvailableScenarios(scenarios.List())
		loop := &scenarioLoop{
			proxies:  proxies,
			runs:     opts.runs,
			switches: dashboard.GetScenarioSwitchChannel(),
			wrap:     quietly,
			report: func(format string, args ...any) {
				dashboard.AddLog(fmt.Sprintf(format, args...))
			},
			started: func(s scenarios.Scenario) {
				dashboard.SetScenario(s.Name(), s.Description())
			},
		}
		go func() {
			dashboard.AddLog("Letting workload stabilize...")
			if sleep(ctx, 5*time.Second) != nil {
				return
			}
			if loop.run(ctx, opts.scenario) {
				dashboard.SetScenario("", fmt.Sprintf("All %d runs complete", opts.runs))
				cancel()
			}
		}()
	}

	if err := dashboard.Run(ctx.Done()); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
	}
	cancel()
}

func runPlain(ctx context.Context, cancel context.CancelFunc, opts options, c *metrics.Collector, proxies []*toxiproxy.Proxy) {
	if opts.scenario != "" {
		if _, err := scenarios.Get(opts.scenario); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading scenario: %v\n", err)
			cancel()
			return
		}
		go func() {
			fmt.Println("[Main] Letting workload stabilize for 5s...")
			if sleep(ctx, 5*time.Second) != nil {
				return
			}
			loop := &scenarioLoop{
				proxies: proxies,
				runs:    opts.runs,
				wrap:    func(fn func() error) error { return fn() },
				report: func(format string, args ...any) {
					fmt.Printf("[Main] "+format+"\n", args...)
				},
			}
			if loop.run(ctx, opts.scenario) {
				cancel()
			}
		}()
	}

	ticker := time.NewTicker(opts.metricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.PrintLatest()
		}
	}
}

// scenarioLoop plays a scenario repeatedly, 2s apart. A name received on
// switches cancels the current run and starts over with that scenario.
type scenarioLoop struct {
	proxies  []*toxiproxy.Proxy
	runs     int           // 0 runs until ctx ends
	switches <-chan string // nil without a dashboard
	wrap     func(func() error) error
	report   func(format string, args ...any)
	started  func(scenarios.Scenario)
}

// run reports whether all the runs completed.
func (l *scenarioLoop) run(ctx context.Context, name string) bool {
	for n := 1; ; n++ {
		s, err := scenarios.Get(name)
		if err != nil {
			l.report("%v", err)
			select {
			case <-ctx.Done():
				return false
			case name = <-l.switches:
				n = 0
				continue
			}
		}

		if l.started != nil {
			l.started(s)
		}
		if l.runs > 0 {
			l.report("Run %d/%d of %s: %s", n, l.runs, s.Name(), s.Description())
		} else {
			l.report("Run %d of %s: %s", n, s.Name(), s.Description())
		}

		runCtx, stop := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- l.wrap(func() error { return s.Run(runCtx, l.proxies) }) }()

		select {
		case <-ctx.Done():
			stop()
			<-done
			return false
		case next := <-l.switches:
			stop()
			<-done
			if err := toxi.CleanupToxiproxy(l.proxies); err != nil {
				l.report("Failed to clean up toxiproxy: %v", err)
			}
			name, n = next, 0
			continue
		case err = <-done:
			stop()
		}

		switch {
		case errors.Is(err, context.Canceled):
			l.report("Scenario canceled")
			return false
		case err != nil:
			l.report("Run %d failed: %v", n, err)
		default:
			l.report("Run %d complete", n)
		}

		if l.runs > 0 && n >= l.runs {
			l.report("All %d runs complete", l.runs)
			return true
		}
		if sleep(ctx, 2*time.Second) != nil {
			return false
		}
	}
}

// quietly runs fn with stdout discarded: scenarios print progress that would
// corrupt the TUI.
func quietly(fn func() error) error {
	stdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		return fn()
	}
	os.Stdout = w
	go io.Copy(io.Discard, r) //nolint:errcheck
	defer func() {
		w.Close()
		os.Stdout = stdout
	}()
	return fn()
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func printScenarios() {
	fmt.Println("Available Scenarios:")
	fmt.Println("====================")
	all := scenarios.All()
	for _, name := range scenarios.List() {
		fmt.Printf("  %-25s %s\n", name, all[name].Description())
	}

	fmt.Println("\nAvailable Workloads:")
	fmt.Println("====================")
	workloads := workload.All()
	for _, name := range workload.Names() {
		fmt.Printf("  %-25s %s\n", name, workloads[name].Description())
	}
}
