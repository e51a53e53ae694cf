// Package scenarios holds the network faults played against the proxy while
// a workload runs: single faults registered by name, and phased suites.
package scenarios

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	toxiproxy "github.com/Shopify/toxiproxy/v2/client"
)

// Scenario disturbs the proxies in front of the server. Run blocks until the
// scenario, including its recovery time, is over.
type Scenario interface {
	Name() string
	Description() string
	Run(ctx context.Context, proxies []*toxiproxy.Proxy) error
}

var registry = map[string]Scenario{}

func init() {
	for _, f := range faults {
		Register(f)
	}
}

// Register makes s available by name, replacing a scenario of the same name.
func Register(s Scenario) {
	registry[s.Name()] = s
}

func Get(name string) (Scenario, error) {
	if s, ok := registry[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("scenario not found: %s", name)
}

func All() map[string]Scenario {
	return registry
}

// List returns the registered names in order.
func List() []string {
	return slices.Sorted(maps.Keys(registry))
}

var errNoProxy = errors.New("no proxies available")

// target is the proxy in front of the server.
func target(proxies []*toxiproxy.Proxy) (*toxiproxy.Proxy, error) {
	if len(proxies) == 0 {
		return nil, errNoProxy
	}
	return proxies[0], nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
