package promexporter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/require"

	"github.com/pior/redis"
	"github.com/pior/redis/internal/testutils"
	"github.com/pior/redis/resp"
)

func TestClientMetrics_Operations(t *testing.T) {
	e := NewExporter()
	m := e.ClientMetrics()

	m.RecordOperation(true)
	m.RecordOperation(false)
	m.AddOperations(10, 2)

	require.Equal(t, 11.0, testutil.ToFloat64(m.opsTotal.WithLabelValues("success")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.opsTotal.WithLabelValues("failed")))

	m.SetPoolConnections("srv", 5, 2, 3)
	require.Equal(t, 2.0, testutil.ToFloat64(m.poolConnections.WithLabelValues("srv", "active")))

	m.AddPoolCreated("srv", 4)
	m.AddPoolCreated("srv", 1)
	require.Equal(t, 5.0, testutil.ToFloat64(m.poolCreated.WithLabelValues("srv")))
}

func TestClientMetrics_ObservePool(t *testing.T) {
	m := NewExporter().ClientMetrics()

	snapshot := redis.ServerPoolStats{
		Addr:                 "srv",
		PoolStats:            redis.PoolStats{CreatedConns: 3, TotalConns: 3, ActiveConns: 1, IdleConns: 2, AcquireErrors: 1},
		CircuitBreakerState:  gobreaker.StateHalfOpen,
		CircuitBreakerCounts: gobreaker.Counts{Requests: 7, TotalFailures: 2, ConsecutiveFailures: 1},
	}
	m.ObservePool(snapshot)
	snapshot.PoolStats.CreatedConns = 5
	m.ObservePool(snapshot)

	require.Equal(t, 5.0, testutil.ToFloat64(m.poolCreated.WithLabelValues("srv")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.poolConnections.WithLabelValues("srv", "idle")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.poolErrors.WithLabelValues("srv")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.circuitState.WithLabelValues("srv")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.circuitFailures.WithLabelValues("srv", "total")))

	m.ObserveTransition("srv", gobreaker.StateHalfOpen, gobreaker.StateOpen)
	require.Equal(t, 2.0, testutil.ToFloat64(m.circuitState.WithLabelValues("srv")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.circuitTransitions.WithLabelValues("srv", "half-open", "open")))
}

func TestScenarioMetrics_Toxics(t *testing.T) {
	e := NewExporter()
	m := e.ScenarioMetrics()

	m.SetToxicActive("redis", "latency", true)
	m.SetToxicValue("redis", "latency", "latency_ms", 200)
	require.Equal(t, 1.0, testutil.ToFloat64(m.toxicActive.WithLabelValues("redis", "latency")))

	m.ClearToxics()
	require.Equal(t, 0, testutil.CollectAndCount(m.toxicActive))
	require.Equal(t, 0, testutil.CollectAndCount(m.toxicConfig))

	m.SetScenarioActive(true)
	require.Equal(t, 1.0, testutil.ToFloat64(m.currentScenario))
	m.RecordRun("latency", true)
	require.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("latency", "success")))
}

func TestClientMetrics_WatchClient(t *testing.T) {
	srv := testutils.NewServer(t)
	client, err := redis.NewClient(srv.Addr(), redis.Config{})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	ctx := context.Background()
	for range 3 {
		require.NoError(t, client.Ping(ctx))
	}
	_, err = client.Do(ctx, "BOGUS")
	require.True(t, resp.IsServerError(err))

	e := NewExporter()
	e.ClientMetrics().WatchClient(client)

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	server := `server="` + client.Addr() + `"`
	require.Contains(t, body, "redis_client_commands_total{"+server+"} 4")
	require.Contains(t, body, "redis_client_server_errors_total{"+server+"} 1")
	require.Contains(t, body, `redis_client_batches_total{`+server+`,type="pipeline"} 0`)
	require.True(t, strings.Contains(body, "go_goroutines"), "go collector registered")
}
