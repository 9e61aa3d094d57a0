package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/samber/lo"
)

// HealthStatus is the body served by the health endpoints.
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy", "degraded", "unhealthy", "ready", "not_ready"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	StartTime  time.Time         `json:"-"`
}

// criticalComponents gate readiness; the daemon serves traffic only
// once all of them report healthy.
var criticalComponents = []string{"store", "queue", "runtime", "api"}

var healthChecker = &HealthChecker{
	components: make(map[string]ComponentHealth),
	startTime:  time.Now(),
}

// ComponentHealth tracks the health of a single component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker manages health checks for various components
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	startTime  time.Time
	version    string
	draining   bool
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// Version returns the version string set at startup.
func Version() string {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()
	return healthChecker.version
}

// SetDraining flips readiness during shutdown so load balancers stop
// sending work while in-flight jobs finish.
func SetDraining(draining bool) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.draining = draining
}

// RegisterComponent registers a component for health checking
func RegisterComponent(name string, healthy bool, message string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()

	healthChecker.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// UpdateComponent updates the health status of a component
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// GetHealth returns the overall health. A sick critical component
// makes the whole daemon unhealthy; anything else only degrades it.
func GetHealth() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string)

	for name, comp := range healthChecker.components {
		if comp.Healthy {
			components[name] = "healthy"
			continue
		}
		components[name] = "unhealthy: " + comp.Message
		if lo.Contains(criticalComponents, name) {
			status = "unhealthy"
		} else if status == "healthy" {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    healthChecker.version,
		Uptime:     time.Since(healthChecker.startTime).String(),
		StartTime:  healthChecker.startTime,
	}
}

// GetReadiness reports whether the daemon should receive traffic.
func GetReadiness() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := "ready"
	message := ""
	components := make(map[string]string)

	if healthChecker.draining {
		status = "not_ready"
		message = "draining"
	}

	for _, name := range criticalComponents {
		comp, exists := healthChecker.components[name]
		switch {
		case !exists:
			status = "not_ready"
			message = "waiting for " + name + " initialization"
			components[name] = "not registered"
		case !comp.Healthy:
			status = "not_ready"
			message = "waiting for " + name
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = "ready"
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    healthChecker.version,
		Uptime:     time.Since(healthChecker.startTime).String(),
		StartTime:  healthChecker.startTime,
	}
}

// HealthHandler returns an HTTP handler for the /health endpoint
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()

		w.Header().Set("Content-Type", "application/json")

		statusCode := http.StatusOK
		if health.Status == "unhealthy" {
			statusCode = http.StatusServiceUnavailable
		}
		w.WriteHeader(statusCode)

		_ = json.NewEncoder(w).Encode(health)
	}
}

// ReadyHandler returns an HTTP handler for the /ready endpoint
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()

		w.Header().Set("Content-Type", "application/json")

		statusCode := http.StatusOK
		if readiness.Status != "ready" {
			statusCode = http.StatusServiceUnavailable
		}
		w.WriteHeader(statusCode)

		_ = json.NewEncoder(w).Encode(readiness)
	}
}

// LivenessHandler returns a simple liveness check (always returns 200 if process is running)
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(healthChecker.startTime).String(),
		})
	}
}
