package redis

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pior/redis/resp"
)

// DefaultPort is used when the address given to NewClient has no port.
const DefaultPort = "6379"

// ConnConfig configures a single Connection.
type ConnConfig struct {
	// ConnectTimeout bounds dialing and the handshake.
	// Zero means no timeout other than the context.
	ConnectTimeout time.Duration

	// SocketTimeout is the deadline applied to every read and write.
	// Zero means no timeout.
	SocketTimeout time.Duration

	// Database is selected during the handshake when non-zero.
	Database int

	// Username and Password authenticate the connection during the handshake.
	// Username is optional; an empty Password disables authentication.
	Username string
	Password string

	// ClientName is set with CLIENT SETNAME (or HELLO SETNAME) when not empty.
	ClientName string

	// Protocol is the RESP version to negotiate: 2 (default) or 3.
	Protocol int

	// TLSConfig enables TLS when not nil.
	TLSConfig *tls.Config

	// Dialer is used to open the TCP connection.
	// If nil, a zero net.Dialer is used.
	Dialer *net.Dialer

	// DialFunc replaces Dialer entirely when set. It must return a connected
	// byte stream to addr. TLSConfig is still applied on top of it.
	DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

	// Logger receives connection lifecycle events.
	// If nil, logs are discarded.
	Logger *slog.Logger

	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider

	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
}

func (c ConnConfig) protocol() int {
	if c.Protocol == resp.RESP3 {
		return resp.RESP3
	}
	return resp.RESP2
}

func (c ConnConfig) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.Logger
}

// Config holds configuration for the client connection pool.
type Config struct {
	ConnConfig

	// MaxSize is the maximum number of connections in the pool.
	// Zero means 10.
	MaxSize int32

	// MaxWait bounds how long a borrow waits for a connection when the pool is
	// at MaxSize. The borrow then fails with ErrPoolExhausted.
	// Zero means wait until the context is done.
	MaxWait time.Duration

	// ValidateInterval skips validation (PING) of connections that were
	// validated more recently than this. Zero validates on every borrow and return.
	ValidateInterval time.Duration

	// MaxConnLifetime is the maximum duration a connection can be reused.
	// Zero means no limit.
	MaxConnLifetime time.Duration

	// MaxConnIdleTime is the maximum duration a connection can be idle before being closed.
	// Zero means no limit.
	MaxConnIdleTime time.Duration

	// HealthCheckInterval is how often to check idle connections for health.
	// Zero disables health checks.
	HealthCheckInterval time.Duration

	// KeepSessionState disables the session reset performed when a connection
	// that ran SELECT, CLIENT SETNAME, HELLO or AUTH is returned to the pool.
	KeepSessionState bool

	// Pool is the connection pool factory function.
	// If nil, uses the channel-based pool.
	Pool func(lifecycle Lifecycle, config PoolConfig) (Pool, error)

	// NewCircuitBreaker creates the circuit breaker wrapping every round trip.
	// If nil, no circuit breaker is used.
	NewCircuitBreaker func(addr string) *gobreaker.CircuitBreaker[*resp.Reply]
}
