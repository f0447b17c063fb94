package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// OverallHealth represents the health of the monitor as a whole
type OverallHealth struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// HealthRegistry runs the registered health checks
type HealthRegistry struct {
	checkers map[string]Checker
	mu       sync.RWMutex
}

// NewHealthRegistry creates an empty registry
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{checkers: make(map[string]Checker)}
}

// Register adds a health checker, replacing one with the same name
func (r *HealthRegistry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Check executes all checks concurrently. The worst status wins; a check
// that does not finish before ctx is done counts as unhealthy.
func (r *HealthRegistry) Check(ctx context.Context) OverallHealth {
	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	r.mu.RUnlock()

	results := make(chan CheckResult, len(checkers))
	for _, c := range checkers {
		go func(c Checker) {
			results <- c.Check(ctx)
		}(c)
	}

	overall := OverallHealth{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(checkers))}

collect:
	for range checkers {
		select {
		case res := <-results:
			overall.Checks[res.Name] = res
			overall.Status = worse(overall.Status, res.Status)
		case <-ctx.Done():
			break collect
		}
	}
	for _, c := range checkers {
		if _, ok := overall.Checks[c.Name()]; !ok {
			overall.Checks[c.Name()] = CheckResult{
				Name:      c.Name(),
				Status:    StatusUnhealthy,
				Message:   "check timed out",
				Timestamp: time.Now(),
			}
			overall.Status = StatusUnhealthy
		}
	}

	overall.Timestamp = time.Now()
	return overall
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// SnapshotFreshnessChecker reports how long ago the last snapshot was published.
type SnapshotFreshnessChecker struct {
	manager   *SnapshotManager
	degraded  time.Duration
	unhealthy time.Duration
	now       func() time.Time
}

// NewSnapshotFreshnessChecker derives its thresholds from the poll interval:
// degraded after 3 intervals, unhealthy after 10.
func NewSnapshotFreshnessChecker(manager *SnapshotManager, pollInterval time.Duration) *SnapshotFreshnessChecker {
	return &SnapshotFreshnessChecker{
		manager:   manager,
		degraded:  3 * pollInterval,
		unhealthy: 10 * pollInterval,
		now:       time.Now,
	}
}

func (c *SnapshotFreshnessChecker) Name() string {
	return "snapshot"
}

func (c *SnapshotFreshnessChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Name: c.Name(), Status: StatusHealthy, Timestamp: c.now()}

	s, ok := c.manager.Snapshot()
	if !ok {
		result.Status = StatusDegraded
		result.Message = "no snapshot yet"
		return result
	}

	age := c.now().Sub(s.LastUpdateLocal)
	result.Details = map[string]interface{}{
		"age":          age.String(),
		"destinations": len(s.Destinations),
	}
	switch {
	case age > c.unhealthy:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("snapshot is %s old", age.Round(time.Second))
	case age > c.degraded:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("snapshot is %s old", age.Round(time.Second))
	}
	return result
}

// ConnectionState is implemented by the AMQP connection manager
type ConnectionState interface {
	IsConnected() bool
}

// ConnectionChecker reports the AMQP connection used for dead-letter actions
type ConnectionChecker struct {
	conn ConnectionState
}

func NewConnectionChecker(conn ConnectionState) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "amqp"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	if c.conn.IsConnected() {
		return CheckResult{Name: c.Name(), Status: StatusHealthy, Timestamp: time.Now()}
	}
	// statistics keep flowing without AMQP, only dead-letter actions fail
	return CheckResult{Name: c.Name(), Status: StatusDegraded, Message: "not connected", Timestamp: time.Now()}
}

// BreakerChecker reports the management API circuit breaker
type BreakerChecker struct {
	client *ManagementClient
}

func NewBreakerChecker(client *ManagementClient) *BreakerChecker {
	return &BreakerChecker{client: client}
}

func (c *BreakerChecker) Name() string {
	return "management_api"
}

func (c *BreakerChecker) Check(ctx context.Context) CheckResult {
	state := c.client.BreakerState()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Details:   map[string]interface{}{"breaker": state.String()},
		Timestamp: time.Now(),
	}
	switch state {
	case gobreaker.StateOpen:
		result.Status = StatusUnhealthy
		result.Message = "circuit breaker open"
	case gobreaker.StateHalfOpen:
		result.Status = StatusDegraded
		result.Message = "circuit breaker half-open"
	}
	return result
}

// HealthHandler serves the overall health as JSON
type HealthHandler struct {
	registry *HealthRegistry
	timeout  time.Duration
}

// NewHealthHandler creates a new health check HTTP handler
func NewHealthHandler(registry *HealthRegistry, timeout time.Duration) *HealthHandler {
	return &HealthHandler{registry: registry, timeout: timeout}
}

// ServeHTTP implements http.Handler
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	health := h.registry.Check(ctx)

	statusCode := http.StatusOK
	if health.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		http.Error(w, "Failed to encode health response", http.StatusInternalServerError)
	}
}
