package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component represents a system component that can be health-checked.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"` // database, http
	CheckResult
}

// Pinger is satisfied by the sqlite and postgres stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

type storeTarget struct {
	name   string
	pinger Pinger
}

// Checker probes the gateway's stores and upstream endpoints.
type Checker struct {
	stores    []storeTarget
	endpoints map[string]string // name -> base URL

	dbTimeout      time.Duration
	httpTimeout    time.Duration
	maxStoreLatency time.Duration

	mu         sync.RWMutex
	components []Component
}

// Config holds health checker configuration.
type Config struct {
	LedgerStore Pinger
	RoleStore   Pinger

	// Upstream endpoints, probed with a plain GET; any response counts as
	// reachable.
	UpstreamBaseURL string
	PlatformBaseURL string

	DBTimeout       time.Duration
	HTTPTimeout     time.Duration
	MaxStoreLatency time.Duration
}

// New creates a new health checker.
func New(cfg Config) *Checker {
	if cfg.DBTimeout == 0 {
		cfg.DBTimeout = 2 * time.Second
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.MaxStoreLatency == 0 {
		cfg.MaxStoreLatency = 100 * time.Millisecond
	}

	c := &Checker{
		endpoints:       make(map[string]string),
		dbTimeout:       cfg.DBTimeout,
		httpTimeout:     cfg.HTTPTimeout,
		maxStoreLatency: cfg.MaxStoreLatency,
	}
	if cfg.LedgerStore != nil {
		c.stores = append(c.stores, storeTarget{name: "ledger_db", pinger: cfg.LedgerStore})
	}
	if cfg.RoleStore != nil {
		c.stores = append(c.stores, storeTarget{name: "roles_db", pinger: cfg.RoleStore})
	}
	if cfg.UpstreamBaseURL != "" {
		c.endpoints["upstream_api"] = cfg.UpstreamBaseURL
	}
	if cfg.PlatformBaseURL != "" {
		c.endpoints["platform_api"] = cfg.PlatformBaseURL
	}
	return c
}

// Check performs all health checks and returns overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	var wg sync.WaitGroup
	results := make(chan Component, len(c.stores)+len(c.endpoints))

	for _, target := range c.stores {
		wg.Add(1)
		go func(t storeTarget) {
			defer wg.Done()
			results <- c.checkStore(ctx, t)
		}(target)
	}
	for name, baseURL := range c.endpoints {
		wg.Add(1)
		go func(name, baseURL string) {
			defer wg.Done()
			results <- c.checkHTTPEndpoint(ctx, name, baseURL)
		}(name, baseURL)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	components := make([]Component, 0, cap(results))
	for comp := range results {
		components = append(components, comp)
	}

	c.mu.Lock()
	c.components = components
	c.mu.Unlock()

	return c.calculateOverallStatus(components)
}

func (c *Checker) checkStore(ctx context.Context, target storeTarget) Component {
	comp := Component{
		Name: target.name,
		Type: "database",
		CheckResult: CheckResult{
			Timestamp: time.Now(),
		},
	}

	start := time.Now()
	dbCtx, cancel := context.WithTimeout(ctx, c.dbTimeout)
	defer cancel()

	err := target.pinger.Ping(dbCtx)
	comp.Latency = time.Since(start)

	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Store unreachable"
		return comp
	}
	if comp.Latency > c.maxStoreLatency {
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	} else {
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}
	return comp
}

func (c *Checker) checkHTTPEndpoint(ctx context.Context, name, baseURL string) Component {
	comp := Component{
		Name: name,
		Type: "http",
		CheckResult: CheckResult{
			Timestamp: time.Now(),
		},
	}

	start := time.Now()
	client := &http.Client{Timeout: c.httpTimeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Latency = time.Since(start)
		return comp
	}

	resp, err := client.Do(req)
	comp.Latency = time.Since(start)
	if err != nil {
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Endpoint unreachable"
		return comp
	}
	defer resp.Body.Close()

	// Any response, even 4xx/5xx, means the service is up.
	comp.Status = StatusHealthy
	comp.Message = fmt.Sprintf("Reachable (HTTP %d)", resp.StatusCode)
	return comp
}

func (c *Checker) calculateOverallStatus(components []Component) HealthStatus {
	overallStatus := StatusHealthy
	criticalUnhealthy := false

	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			// The ledger and role stores are load-bearing; an unreachable
			// upstream only degrades.
			if comp.Type == "database" {
				criticalUnhealthy = true
			}
			if overallStatus == StatusHealthy {
				overallStatus = StatusDegraded
			}
		case StatusDegraded:
			if overallStatus == StatusHealthy {
				overallStatus = StatusDegraded
			}
		}
	}
	if criticalUnhealthy {
		overallStatus = StatusUnhealthy
	}

	return HealthStatus{
		Status:     overallStatus,
		Timestamp:  time.Now(),
		Components: components,
	}
}

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// GetLastStatus returns the last health check result.
func (c *Checker) GetLastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.components) == 0 {
		return HealthStatus{
			Status:    StatusHealthy,
			Timestamp: time.Now(),
		}
	}
	return c.calculateOverallStatus(c.components)
}
