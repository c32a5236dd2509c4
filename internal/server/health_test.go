package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"portfolio-api/internal/storage"
)

func TestReady(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Checks = map[string]HealthCheck{
			"database": func(context.Context) error { return nil },
		}
	})
	rr := env.do(t, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", decode(t, rr)["status"])
}

func TestReadyFailsWhenCheckFails(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Checks = map[string]HealthCheck{
			"cache": func(context.Context) error { return errors.New("connection refused") },
		}
	})
	rr := env.do(t, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body := decode(t, rr)
	require.Equal(t, "not_ready", body["status"])
	require.Equal(t, "cache", body["component"])
}

func TestHealthDetails(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Checks = map[string]HealthCheck{
			"database": func(context.Context) error { return nil },
			"cache":    func(context.Context) error { return errors.New("down") },
		}
	})
	rr := env.do(t, httptest.NewRequest(http.MethodGet, "/health/details", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body := decode(t, rr)
	require.Equal(t, "degraded", body["status"])
	require.Equal(t, "test", body["version"])
	require.Equal(t, "local", body["storage_mode"])
	components := body["components"].(map[string]any)
	require.Equal(t, "up", components["storage"].(map[string]any)["status"])
	require.Equal(t, "up", components["database"].(map[string]any)["status"])
	require.Equal(t, "down", components["cache"].(map[string]any)["status"])
	require.NotContains(t, components, "circuit_breaker")
}

func TestHealthReportsBreaker(t *testing.T) {
	env := newTestEnv(t)
	cb := storage.NewCircuitBreaker(1, 0, nil)
	_ = cb.Execute(func() error { return errors.New("boom") })
	env.srv.store = storage.NewBreakerStore(env.store, cb)

	h := env.srv.checkHealth(context.Background())
	require.Equal(t, ComponentStatusDown, h.Components["circuit_breaker"].Status)
	require.Equal(t, HealthStatusDegraded, h.Status)
}

func TestOverallHealth(t *testing.T) {
	up := ComponentHealth{Status: ComponentStatusUp}
	down := ComponentHealth{Status: ComponentStatusDown}
	slow := ComponentHealth{Status: ComponentStatusDegraded}

	require.Equal(t, HealthStatusHealthy, overallHealth(map[string]ComponentHealth{"storage": up, "database": up}))
	require.Equal(t, HealthStatusDegraded, overallHealth(map[string]ComponentHealth{"storage": up, "database": down}))
	require.Equal(t, HealthStatusDegraded, overallHealth(map[string]ComponentHealth{"storage": slow}))
	require.Equal(t, HealthStatusUnhealthy, overallHealth(map[string]ComponentHealth{"storage": down, "database": up}))
}

func TestBreakerHealth(t *testing.T) {
	require.Equal(t, ComponentStatusUp, breakerHealth(storage.StateClosed).Status)
	require.Equal(t, ComponentStatusDegraded, breakerHealth(storage.StateHalfOpen).Status)
	require.Equal(t, ComponentStatusDown, breakerHealth(storage.StateOpen).Status)
}
