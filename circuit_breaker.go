package redis

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/pior/redis/resp"
)

// NewCircuitBreakerConfig returns a function that creates a circuit breaker for a server.
// This is a helper for common use cases.
//
// Error replies don't count as failures: only errors that destroy a
// connection, pool exhaustion and timeouts do.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(string) *gobreaker.CircuitBreaker[*resp.Reply] {
	return func(addr string) *gobreaker.CircuitBreaker[*resp.Reply] {
		settings := gobreaker.Settings{
			Name:        addr,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			IsSuccessful: IsBreakerSuccess,
		}
		return gobreaker.NewCircuitBreaker[*resp.Reply](settings)
	}
}

// IsBreakerSuccess is the gobreaker IsSuccessful predicate used by
// NewCircuitBreakerConfig: error replies and canceled contexts don't count
// as failures.
func IsBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return resp.IsServerError(err)
}
