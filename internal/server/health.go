package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"portfolio-api/internal/storage"
)

// HealthCheck probes one optional dependency such as the database.
type HealthCheck func(ctx context.Context) error

// HealthStatus represents the overall health of the system
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the health of an individual component
type ComponentStatus string

const (
	ComponentStatusUp       ComponentStatus = "up"
	ComponentStatusDown     ComponentStatus = "down"
	ComponentStatusDegraded ComponentStatus = "degraded"
)

// Health is the /health/details response.
type Health struct {
	Status      HealthStatus               `json:"status"`
	Timestamp   time.Time                  `json:"timestamp"`
	Version     string                     `json:"version,omitempty"`
	Commit      string                     `json:"commit,omitempty"`
	StorageMode string                     `json:"storage_mode"`
	Components  map[string]ComponentHealth `json:"components"`
}

type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs float64         `json:"latency_ms,omitempty"`
}

// breakerReporter is implemented by stores wrapped in a circuit breaker.
type breakerReporter interface {
	Breaker() *storage.CircuitBreaker
}

const healthTimeout = 2 * time.Second

// handleLive reports that the process is running.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady fails when storage or any configured dependency is down.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn("readiness_failed", zap.String("component", "storage"), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":    "not_ready",
			"component": "storage",
		})
		return
	}
	for _, name := range s.checkNames() {
		if err := s.checks[name](ctx); err != nil {
			s.log.Warn("readiness_failed", zap.String("component", name), zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":    "not_ready",
				"component": name,
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.checkHealth(r.Context())

	status := http.StatusOK
	if health.Status == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) checkHealth(ctx context.Context) Health {
	health := Health{
		Timestamp:   s.now().UTC(),
		Version:     s.build.Version,
		Commit:      s.build.Commit,
		StorageMode: s.store.Mode(),
		Components:  make(map[string]ComponentHealth),
	}

	health.Components["storage"] = s.probe(ctx, s.store.Ping)
	if br, ok := s.store.(breakerReporter); ok {
		health.Components["circuit_breaker"] = breakerHealth(br.Breaker().State())
	}
	for _, name := range s.checkNames() {
		health.Components[name] = s.probe(ctx, s.checks[name])
	}

	health.Status = overallHealth(health.Components)
	return health
}

func (s *Server) probe(ctx context.Context, check HealthCheck) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	start := time.Now()
	if err := check(ctx); err != nil {
		return ComponentHealth{Status: ComponentStatusDown, Message: err.Error()}
	}
	latency := time.Since(start)
	c := ComponentHealth{Status: ComponentStatusUp, LatencyMs: float64(latency.Microseconds()) / 1000}
	if latency > time.Second {
		c.Status = ComponentStatusDegraded
		c.Message = "latency high"
	}
	return c
}

func breakerHealth(state storage.CircuitState) ComponentHealth {
	switch state {
	case storage.StateOpen:
		return ComponentHealth{Status: ComponentStatusDown, Message: "circuit open"}
	case storage.StateHalfOpen:
		return ComponentHealth{Status: ComponentStatusDegraded, Message: "circuit half-open"}
	default:
		return ComponentHealth{Status: ComponentStatusUp}
	}
}

// overallHealth is unhealthy when storage is down, degraded when anything
// else is down or slow.
func overallHealth(components map[string]ComponentHealth) HealthStatus {
	status := HealthStatusHealthy
	for name, c := range components {
		switch c.Status {
		case ComponentStatusDown:
			if name == "storage" {
				return HealthStatusUnhealthy
			}
			status = HealthStatusDegraded
		case ComponentStatusDegraded:
			status = HealthStatusDegraded
		}
	}
	return status
}

func (s *Server) checkNames() []string {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
