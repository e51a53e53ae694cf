package scenarios

import (
	"context"
	"fmt"
	"time"

	toxiproxy "github.com/Shopify/toxiproxy/v2/client"
)

// disruption breaks the proxy and returns how to undo it.
type disruption func(proxy *toxiproxy.Proxy) (restore func() error, err error)

// fault is a registered scenario: a disruption held for a while, then lifted,
// repeated cycles times with a recovery pause after each.
type fault struct {
	name        string
	description string
	disrupt     disruption
	hold        time.Duration
	recovery    time.Duration
	cycles      int
}

var faults = []*fault{
	{
		name:        "latency",
		description: "500ms latency (+/- 50ms jitter) - half the socket timeout, commands stay successful",
		disrupt:     addToxic("high_latency", "latency", 1, toxiproxy.Attributes{"latency": 500, "jitter": 50}),
		hold:        30 * time.Second,
		recovery:    5 * time.Second,
	},
	{
		// A zero rate bandwidth toxic stalls the affected connections.
		name:        "packet-loss",
		description: "5% packet loss - stalled replies hit the socket timeout and destroy connections",
		disrupt:     addToxic("packet_loss", "bandwidth", 0.05, toxiproxy.Attributes{"rate": 0}),
		hold:        20 * time.Second,
		recovery:    5 * time.Second,
	},
	{
		name:        "brief-packet-drop",
		description: "Brief packet drop (100ms timeout toxic) - simulates transient network glitch",
		disrupt:     addToxic("brief_timeout", "timeout", 1, toxiproxy.Attributes{"timeout": 100}),
		hold:        5 * time.Second,
		recovery:    5 * time.Second,
	},
	{
		name:        "connection-reset",
		description: "TCP RST on 20% of connections - pooled connections break mid-pipeline",
		disrupt:     addToxic("reset_peer", "reset_peer", 0.2, toxiproxy.Attributes{"timeout": 500}),
		hold:        15 * time.Second,
		recovery:    5 * time.Second,
	},
	{
		name:        "total-packet-drop",
		description: "Proxy disabled for 10s - complete partition, the circuit breaker opens",
		disrupt:     disable,
		hold:        10 * time.Second,
		recovery:    10 * time.Second,
	},
	{
		name:        "server-restart",
		description: "Server unreachable for 2s - idle pooled connections are dead on return",
		disrupt:     disable,
		hold:        2 * time.Second,
		recovery:    10 * time.Second,
	},
	{
		name:        "flapping-server",
		description: "Server flapping (down/up every 10s) - exercises half-open breaker probes",
		disrupt:     disable,
		hold:        10 * time.Second,
		recovery:    10 * time.Second,
		cycles:      5,
	},
}

func (f *fault) Name() string        { return f.name }
func (f *fault) Description() string { return f.description }

func (f *fault) Run(ctx context.Context, proxies []*toxiproxy.Proxy) error {
	proxy, err := target(proxies)
	if err != nil {
		return err
	}

	for cycle := range max(f.cycles, 1) {
		if f.cycles > 1 {
			fmt.Printf("[Scenario %s] Cycle %d/%d\n", f.name, cycle+1, f.cycles)
		}
		restore, err := f.disrupt(proxy)
		if err != nil {
			return err
		}

		fmt.Printf("[Scenario %s] Holding for %s\n", f.name, f.hold)
		if err := sleep(ctx, f.hold); err != nil {
			_ = restore()
			return err
		}
		if err := restore(); err != nil {
			return err
		}

		fmt.Printf("[Scenario %s] Recovering for %s\n", f.name, f.recovery)
		if err := sleep(ctx, f.recovery); err != nil {
			return err
		}
	}
	return nil
}

func addToxic(name, typeName string, toxicity float32, attrs toxiproxy.Attributes) disruption {
	return func(proxy *toxiproxy.Proxy) (func() error, error) {
		fmt.Printf("[Scenario] Adding %s toxic %s on %s\n", typeName, name, proxy.Name)
		toxic, err := proxy.AddToxic(name, typeName, "downstream", toxicity, attrs)
		if err != nil {
			return nil, fmt.Errorf("failed to add toxic to %s: %w", proxy.Name, err)
		}
		return func() error {
			fmt.Printf("[Scenario] Removing toxic %s from %s\n", toxic.Name, proxy.Name)
			if err := proxy.RemoveToxic(toxic.Name); err != nil {
				return fmt.Errorf("failed to remove toxic from %s: %w", proxy.Name, err)
			}
			return nil
		}, nil
	}
}

func disable(proxy *toxiproxy.Proxy) (func() error, error) {
	fmt.Printf("[Scenario] Disabling proxy %s\n", proxy.Name)
	if err := proxy.Disable(); err != nil {
		return nil, fmt.Errorf("failed to disable proxy %s: %w", proxy.Name, err)
	}
	return func() error {
		fmt.Printf("[Scenario] Enabling proxy %s\n", proxy.Name)
		if err := proxy.Enable(); err != nil {
			return fmt.Errorf("failed to enable proxy %s: %w", proxy.Name, err)
		}
		return nil
	}, nil
}
