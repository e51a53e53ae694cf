package promexporter

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"

	"github.com/pior/redis"
)

// ClientMetrics carries what the harness observes from outside the client:
// workload outcomes, pool occupancy and circuit breaker state.
type ClientMetrics struct {
	opsTotal  *prometheus.CounterVec
	opsRate   prometheus.Gauge
	errorRate prometheus.Gauge

	circuitState       *prometheus.GaugeVec
	circuitTransitions *prometheus.CounterVec
	circuitRequests    *prometheus.GaugeVec
	circuitFailures    *prometheus.GaugeVec

	poolConnections *prometheus.GaugeVec
	poolCreated     *prometheus.CounterVec
	poolErrors      *prometheus.GaugeVec

	registry *prometheus.Registry

	mu      sync.Mutex
	created map[string]uint64 // last CreatedConns seen by ObservePool
}

func NewClientMetrics(registry *prometheus.Registry) *ClientMetrics {
	f := promauto.With(registry)
	server := []string{"server"}
	return &ClientMetrics{
		opsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "redis_workload_operations_total",
			Help: "Workload operations by outcome.",
		}, []string{"status"}),
		opsRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "redis_workload_operations_per_second",
			Help: "Workload throughput over the last collection interval.",
		}),
		errorRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "redis_workload_error_rate",
			Help: "Share of failed operations over the last collection interval.",
		}),
		circuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "redis_circuit_breaker_state",
			Help: "Breaker state: 0 closed, 1 half-open, 2 open.",
		}, server),
		circuitTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "redis_circuit_breaker_transitions_total",
			Help: "Breaker state changes.",
		}, []string{"server", "from", "to"}),
		circuitRequests: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "redis_circuit_breaker_requests",
			Help: "Requests counted in the current breaker generation.",
		}, server),
		circuitFailures: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "redis_circuit_breaker_failures",
			Help: "Failures counted in the current breaker generation.",
		}, []string{"server", "type"}),
		poolConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "redis_pool_connections",
			Help: "Pooled connections by state.",
		}, []string{"server", "state"}),
		poolCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "redis_pool_connections_created_total",
			Help: "Connections dialed by the pool.",
		}, server),
		poolErrors: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "redis_pool_acquire_errors",
			Help: "Failed acquires since the pool started.",
		}, server),
		registry: registry,
		created:  map[string]uint64{},
	}
}

func (m *ClientMetrics) RecordOperation(success bool) {
	m.opsTotal.WithLabelValues(status(success)).Inc()
}

// AddOperations adds outcomes counted by the workload runner.
func (m *ClientMetrics) AddOperations(success, failed int64) {
	m.opsTotal.WithLabelValues(status(true)).Add(float64(success))
	m.opsTotal.WithLabelValues(status(false)).Add(float64(failed))
}

func (m *ClientMetrics) SetOperationRate(rate float64) { m.opsRate.Set(rate) }
func (m *ClientMetrics) SetErrorRate(rate float64)     { m.errorRate.Set(rate) }

func (m *ClientMetrics) RecordCircuitBreakerTransition(server, from, to string) {
	m.circuitTransitions.WithLabelValues(server, from, to).Inc()
}

func (m *ClientMetrics) SetCircuitBreakerState(server string, state int) {
	m.circuitState.WithLabelValues(server).Set(float64(state))
}

func (m *ClientMetrics) SetCircuitBreakerRequests(server string, requests int) {
	m.circuitRequests.WithLabelValues(server).Set(float64(requests))
}

func (m *ClientMetrics) SetCircuitBreakerFailures(server string, total, consecutive int) {
	failures := m.circuitFailures.MustCurryWith(prometheus.Labels{"server": server})
	failures.WithLabelValues("total").Set(float64(total))
	failures.WithLabelValues("consecutive").Set(float64(consecutive))
}

func (m *ClientMetrics) SetPoolConnections(server string, total, active, idle int) {
	conns := m.poolConnections.MustCurryWith(prometheus.Labels{"server": server})
	conns.WithLabelValues("total").Set(float64(total))
	conns.WithLabelValues("active").Set(float64(active))
	conns.WithLabelValues("idle").Set(float64(idle))
}

func (m *ClientMetrics) AddPoolCreated(server string, created uint64) {
	m.poolCreated.WithLabelValues(server).Add(float64(created))
}

// SetPoolErrors publishes the pool's cumulative acquire error count.
func (m *ClientMetrics) SetPoolErrors(server string, errors uint64) {
	m.poolErrors.WithLabelValues(server).Set(float64(errors))
}

// ObservePool publishes a pool snapshot. Created connections are added as
// the difference with the previous snapshot of the same server.
func (m *ClientMetrics) ObservePool(s redis.ServerPoolStats) {
	p := s.PoolStats
	m.SetPoolConnections(s.Addr, int(p.TotalConns), int(p.ActiveConns), int(p.IdleConns))
	m.SetPoolErrors(s.Addr, p.AcquireErrors)

	m.mu.Lock()
	delta := p.CreatedConns
	if prev := m.created[s.Addr]; prev <= delta {
		delta -= prev
	}
	m.created[s.Addr] = p.CreatedConns
	m.mu.Unlock()
	m.AddPoolCreated(s.Addr, delta)

	m.SetCircuitBreakerState(s.Addr, BreakerStateValue(s.CircuitBreakerState))
	m.SetCircuitBreakerRequests(s.Addr, int(s.CircuitBreakerCounts.Requests))
	m.SetCircuitBreakerFailures(s.Addr, int(s.CircuitBreakerCounts.TotalFailures), int(s.CircuitBreakerCounts.ConsecutiveFailures))
}

// ObserveTransition counts a breaker state change and updates the state gauge.
func (m *ClientMetrics) ObserveTransition(server string, from, to gobreaker.State) {
	m.RecordCircuitBreakerTransition(server, from.String(), to.String())
	m.SetCircuitBreakerState(server, BreakerStateValue(to))
}

// BreakerStateValue is the redis_circuit_breaker_state gauge value of state.
func BreakerStateValue(state gobreaker.State) int {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// WatchClient exports the client counters, read at scrape time.
func (m *ClientMetrics) WatchClient(client *redis.Client) {
	m.registry.MustRegister(newClientStatsCollector(client))
}

// clientStatsCollector exposes redis.ClientStats as counters.
type clientStatsCollector struct {
	client *redis.Client

	commands         *prometheus.Desc
	batches          *prometheus.Desc
	queuedCommands   *prometheus.Desc
	abortedTx        *prometheus.Desc
	serverErrors     *prometheus.Desc
	connectionErrors *prometheus.Desc
	sessionResets    *prometheus.Desc
}

func newClientStatsCollector(client *redis.Client) *clientStatsCollector {
	labels := prometheus.Labels{"server": client.Addr()}
	return &clientStatsCollector{
		client:           client,
		commands:         prometheus.NewDesc("redis_client_commands_total", "Commands sent with Do", nil, labels),
		batches:          prometheus.NewDesc("redis_client_batches_total", "Pipelines synced and transactions executed", []string{"type"}, labels),
		queuedCommands:   prometheus.NewDesc("redis_client_queued_commands_total", "Commands sent through pipelines and transactions", nil, labels),
		abortedTx:        prometheus.NewDesc("redis_client_aborted_transactions_total", "Transactions aborted by a watched key or EXECABORT", nil, labels),
		serverErrors:     prometheus.NewDesc("redis_client_server_errors_total", "Error replies", nil, labels),
		connectionErrors: prometheus.NewDesc("redis_client_connection_errors_total", "Errors that destroyed a connection", nil, labels),
		sessionResets:    prometheus.NewDesc("redis_client_session_resets_total", "Connections whose session was restored on return", nil, labels),
	}
}

func (c *clientStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.commands
	ch <- c.batches
	ch <- c.queuedCommands
	ch <- c.abortedTx
	ch <- c.serverErrors
	ch <- c.connectionErrors
	ch <- c.sessionResets
}

func (c *clientStatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.client.Stats()
	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}
	counter(c.commands, s.Commands)
	counter(c.batches, s.Pipelines, "pipeline")
	counter(c.batches, s.Transactions, "transaction")
	counter(c.queuedCommands, s.QueuedCommands)
	counter(c.abortedTx, s.AbortedTx)
	counter(c.serverErrors, s.ServerErrors)
	counter(c.connectionErrors, s.ConnectionErrors)
	counter(c.sessionResets, s.SessionResets)
}
