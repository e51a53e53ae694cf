package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/pior/redis"
)

var rootCmd = &cobra.Command{
	Use:           "redis-cli",
	Short:         "Command line client for Redis-compatible servers",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		// load env files
		_ = godotenv.Load(".env")
		_ = godotenv.Load(".env.local")

		viper.SetEnvPrefix("redis")
		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		viper.AutomaticEnv()
		return viper.BindPFlags(cmd.Flags())
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("addr", "localhost:6379", "server address (host:port)")
	flags.String("username", "", "ACL username")
	flags.String("password", "", "password, sent with AUTH or HELLO")
	flags.Int("db", 0, "database index")
	flags.Int("protocol", 2, "protocol version (2 or 3)")
	flags.String("client-name", "redis-cli", "connection name set with CLIENT SETNAME")
	flags.Bool("tls", false, "connect with TLS")
	flags.Duration("connect-timeout", 5*time.Second, "connect and handshake timeout")
	flags.Duration("timeout", 10*time.Second, "socket read/write timeout")
	flags.Int32("pool-size", 10, "maximum number of connections")
	flags.Duration("pool-wait", time.Second, "maximum time to wait for a free connection")
	flags.String("pool", "channel", "connection pool implementation (channel or puddle)")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.Bool("trace", false, "print spans to stderr")
	flags.Bool("metrics", false, "print metrics to stderr on exit")

	rootCmd.AddCommand(pingCmd, doCmd, pipeCmd, txCmd, shellCmd, statsCmd, benchCmd)
}

// session holds a client built from the flags and its telemetry pipeline.
type session struct {
	client   *redis.Client
	shutdown []func(context.Context) error
}

func (s *session) Close() {
	s.client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, fn := range s.shutdown {
		if err := fn(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
		}
	}
}

func newSession() (*session, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	protocol := viper.GetInt("protocol")
	if protocol != 2 && protocol != 3 {
		return nil, errors.New("protocol must be 2 or 3")
	}

	config := redis.Config{
		ConnConfig: redis.ConnConfig{
			ConnectTimeout: viper.GetDuration("connect-timeout"),
			SocketTimeout:  viper.GetDuration("timeout"),
			Database:       viper.GetInt("db"),
			Username:       viper.GetString("username"),
			Password:       viper.GetString("password"),
			ClientName:     viper.GetString("client-name"),
			Protocol:       protocol,
			Logger:         logger,
		},
		MaxSize:             viper.GetInt32("pool-size"),
		MaxWait:             viper.GetDuration("pool-wait"),
		HealthCheckInterval: 30 * time.Second,
		NewCircuitBreaker:   redis.NewCircuitBreakerConfig(3, time.Minute, 10*time.Second),
	}
	switch viper.GetString("pool") {
	case "channel":
	case "puddle":
		config.Pool = redis.NewPuddlePool
	default:
		return nil, errors.New("pool must be channel or puddle")
	}
	if viper.GetBool("tls") {
		config.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	s := &session{}

	if viper.GetBool("trace") {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating span exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
		config.TracerProvider = tp
		s.shutdown = append(s.shutdown, tp.Shutdown)
	}

	if viper.GetBool("metrics") {
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr), stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
		config.MeterProvider = mp
		s.shutdown = append(s.shutdown, mp.Shutdown)
	}

	client, err := redis.NewClient(viper.GetString("addr"), config)
	if err != nil {
		return nil, err
	}
	s.client = client
	return s, nil
}
