// Package toxi sets up the toxiproxy proxy placed between the client and the
// redis server, and builds the client used by the reliability runs.
package toxi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	toxiproxy "github.com/Shopify/toxiproxy/v2/client"
	"github.com/sony/gobreaker/v2"

	"github.com/pior/redis"
	"github.com/pior/redis/resp"
)

// ProxyName is the name of the proxy in front of the redis server.
const ProxyName = "redis"

const (
	pollInterval = 500 * time.Millisecond
	pollTimeout  = 30 * time.Second
)

type ToxiproxyConfig struct {
	APIAddr string
	Proxies []ProxyConfig
}

type ProxyConfig struct {
	Name     string
	Listen   string
	Upstream string
}

// DefaultToxiproxyConfig proxies 0.0.0.0:26379 to port 6379 of REDIS_HOST,
// "redis" by default as in the docker compose network.
func DefaultToxiproxyConfig() ToxiproxyConfig {
	return ToxiproxyConfig{
		APIAddr: "http://localhost:8474",
		Proxies: []ProxyConfig{{
			Name:     ProxyName,
			Listen:   "0.0.0.0:26379",
			Upstream: net.JoinHostPort(upstreamHost(os.Getenv("REDIS_HOST")), "6379"),
		}},
	}
}

// ClientAddr is the proxy listener as seen from the client, overridden by
// REDIS_PROXY_ADDR.
func (c ToxiproxyConfig) ClientAddr() string {
	if addr := os.Getenv("REDIS_PROXY_ADDR"); addr != "" {
		return addr
	}
	return "localhost:26379"
}

// upstreamHost resolves host to an IPv4 address when it can: the toxiproxy
// container can't resolve mDNS names like "box.local".
func upstreamHost(host string) string {
	if host == "" {
		return "redis"
	}
	if net.ParseIP(host) != nil {
		return host
	}
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		fmt.Printf("[Setup] Could not resolve %s, using as-is\n", host)
		return host
	}
	for _, addr := range addrs {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			fmt.Printf("[Setup] Resolved %s to %s for toxiproxy upstream\n", host, addr)
			return addr
		}
	}
	return addrs[0]
}

// SetupToxiproxy waits for the API, deletes leftover proxies, then creates
// and enables the configured ones.
func SetupToxiproxy(config ToxiproxyConfig) (*toxiproxy.Client, []*toxiproxy.Proxy, error) {
	client := toxiproxy.NewClient(config.APIAddr)

	err := poll(context.Background(), func() error {
		existing, err := client.Proxies()
		if err != nil {
			return err
		}
		for _, p := range existing {
			_ = p.Delete()
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("toxiproxy not ready: %w", err)
	}

	var proxies []*toxiproxy.Proxy
	for _, pc := range config.Proxies {
		proxy, err := client.CreateProxy(pc.Name, pc.Listen, pc.Upstream)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create proxy %s: %w", pc.Name, err)
		}
		if err := proxy.Enable(); err != nil {
			return nil, nil, fmt.Errorf("failed to enable proxy %s: %w", pc.Name, err)
		}
		fmt.Printf("[Setup] Proxy %s: %s -> %s\n", pc.Name, pc.Listen, pc.Upstream)
		proxies = append(proxies, proxy)
	}
	return client, proxies, nil
}

// CleanupToxiproxy removes every toxic and re-enables the proxies. A proxy
// whose toxics can't be listed is skipped.
func CleanupToxiproxy(proxies []*toxiproxy.Proxy) error {
	var errs []error
	for _, proxy := range proxies {
		toxics, err := proxy.Toxics()
		if err != nil {
			continue
		}
		for _, toxic := range toxics {
			if err := proxy.RemoveToxic(toxic.Name); err != nil {
				errs = append(errs, err)
			}
		}
		if err := proxy.Enable(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type ClientOptions struct {
	PoolSize      int32
	UsePuddle     bool
	OnStateChange func(name string, from, to gobreaker.State)
}

// NewClient returns a client with short timeouts, a health checked pool and a
// breaker that trips on 30% failures over 10 requests or 100 consecutive
// failures.
func NewClient(addr string, opts ClientOptions) (*redis.Client, error) {
	settings := gobreaker.Settings{
		MaxRequests:  3,
		Interval:     30 * time.Second,
		Timeout:      5 * time.Second,
		BucketPeriod: 10 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 100 ||
				(c.Requests >= 10 && float64(c.TotalFailures) >= 0.3*float64(c.Requests))
		},
		IsSuccessful:  redis.IsBreakerSuccess,
		OnStateChange: opts.OnStateChange,
	}

	config := redis.Config{
		ConnConfig: redis.ConnConfig{
			ConnectTimeout: time.Second,
			SocketTimeout:  time.Second,
			ClientName:     "reliability",
		},
		MaxSize:             opts.PoolSize,
		MaxWait:             2 * time.Second,
		ValidateInterval:    time.Second,
		MaxConnLifetime:     time.Minute,
		MaxConnIdleTime:     30 * time.Second,
		HealthCheckInterval: time.Second,
		NewCircuitBreaker: func(addr string) *gobreaker.CircuitBreaker[*resp.Reply] {
			s := settings
			s.Name = addr
			return gobreaker.NewCircuitBreaker[*resp.Reply](s)
		},
	}
	if opts.UsePuddle {
		config.Pool = redis.NewPuddlePool
	}
	return redis.NewClient(addr, config)
}

// WaitForHealthy pings until the server answers through the proxy.
func WaitForHealthy(ctx context.Context, client *redis.Client) error {
	if err := poll(ctx, func() error { return client.Ping(ctx) }); err != nil {
		return fmt.Errorf("client not healthy: %w", err)
	}
	fmt.Println("[Setup] Client is healthy")
	return nil
}

// poll calls fn until it succeeds, ctx is done or pollTimeout elapses, and
// returns the last error.
func poll(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()
	for {
		err := fn()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), err)
		case <-time.After(pollInterval):
		}
	}
}
