package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Check statuses
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// Overall agent statuses
const (
	AgentHealthy   = "healthy"
	AgentDegraded  = "degraded"
	AgentUnhealthy = "unhealthy"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckFunc runs one health check
type CheckFunc func(ctx context.Context) CheckResult

// Report is a snapshot of the agent's health
type Report struct {
	AgentID   string    `json:"agent_id"`
	Status    string    `json:"status"`
	CheckedAt time.Time `json:"checked_at"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	AgentID  string
	Interval time.Duration
}

type namedCheck struct {
	name  string
	check CheckFunc
}

// HealthChecker performs health checks for the knowledge agent
type HealthChecker struct {
	config *HealthCheckConfig
	clock  clock.Clock
	logger *zap.Logger

	mu          sync.RWMutex
	registered  []namedCheck
	lastCheck   time.Time
	status      string
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, clk clock.Clock, logger *zap.Logger) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &HealthChecker{
		config:      cfg,
		clock:       clk,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: true,
		status:      AgentHealthy,
	}
}

// Register adds a check run on every pass
func (h *HealthChecker) Register(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registered = append(h.registered, namedCheck{name: name, check: check})
}

// Run runs the checks every interval until ctx is cancelled
func (h *HealthChecker) Run(ctx context.Context) error {
	ticker := h.clock.Ticker(h.config.Interval)
	defer ticker.Stop()

	// Run initial check
	h.RunChecks(ctx)

	for {
		select {
		case <-ticker.C:
			h.RunChecks(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return nil
		}
	}
}

// RunChecks runs every registered check once
func (h *HealthChecker) RunChecks(ctx context.Context) {
	h.mu.RLock()
	registered := append([]namedCheck(nil), h.registered...)
	h.mu.RUnlock()

	results := make([]CheckResult, 0, len(registered))
	for _, c := range registered {
		result := c.check(ctx)
		result.Name = c.name
		if result.Timestamp.IsZero() {
			result.Timestamp = h.clock.Now()
		}
		results = append(results, result)
	}

	allHealthy := true
	allReady := true
	for _, result := range results {
		if result.Status != StatusHealthy {
			allHealthy = false
			if result.Status == StatusCritical {
				allReady = false
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = h.clock.Now()
	for _, result := range results {
		h.checks[result.Name] = result
	}

	switch {
	case !allReady:
		h.status = AgentUnhealthy
	case !allHealthy:
		h.status = AgentDegraded
	default:
		h.status = AgentHealthy
	}

	// Liveness: process is responsive
	h.livenessOK = true
	h.readinessOK = allReady

	h.logger.Debug("Health check completed",
		zap.String("status", h.status),
		zap.Bool("liveness", h.livenessOK),
		zap.Bool("readiness", h.readinessOK))
}

// DataDirCheck verifies dir exists and is writable
func DataDirCheck(dir string) CheckFunc {
	return func(ctx context.Context) CheckResult {
		info, err := os.Stat(dir)
		if err != nil {
			return CheckResult{
				Status:  StatusCritical,
				Message: fmt.Sprintf("Data directory not accessible: %v", err),
			}
		}
		if !info.IsDir() {
			return CheckResult{
				Status:  StatusCritical,
				Message: "Data path is not a directory",
			}
		}

		testFile := filepath.Join(dir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
		f, err := os.Create(testFile)
		if err != nil {
			return CheckResult{
				Status:  StatusCritical,
				Message: fmt.Sprintf("Cannot write to data directory: %v", err),
			}
		}
		f.Close()
		os.Remove(testFile)

		return CheckResult{
			Status:  StatusHealthy,
			Message: "Data directory is accessible and writable",
		}
	}
}

// DiskSpaceCheck warns above 90% and fails above 95% usage of the
// filesystem holding dir
func DiskSpaceCheck(dir string) CheckFunc {
	return func(ctx context.Context) CheckResult {
		var stat syscall.Statfs_t
		if err := syscall.Statfs(dir, &stat); err != nil {
			return CheckResult{
				Status:  StatusCritical,
				Message: fmt.Sprintf("Failed to stat filesystem: %v", err),
			}
		}

		available := stat.Bavail * uint64(stat.Bsize)
		total := stat.Blocks * uint64(stat.Bsize)
		used := total - (stat.Bfree * uint64(stat.Bsize))
		usagePercent := float64(used) / float64(total) * 100

		switch {
		case usagePercent > 95:
			return CheckResult{
				Status:  StatusCritical,
				Message: fmt.Sprintf("Disk usage critical: %.2f%%", usagePercent),
			}
		case usagePercent > 90:
			return CheckResult{
				Status:  StatusWarning,
				Message: fmt.Sprintf("Disk usage high: %.2f%%", usagePercent),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB", usagePercent, float64(available)/1024/1024/1024),
		}
	}
}

// IsLive returns whether the agent is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the agent is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.reportLocked()
}

func (h *HealthChecker) reportLocked() Report {
	return Report{
		AgentID:   h.config.AgentID,
		Status:    h.status,
		CheckedAt: h.lastCheck,
	}
}

// GetChecks returns all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	live := h.livenessOK
	report := h.reportLocked()
	h.mu.RUnlock()

	writeProbe(w, live, map[string]interface{}{
		"healthy": live,
		"status":  report.Status,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.readinessOK
	report := h.reportLocked()
	checks := make([]CheckResult, 0, len(h.checks))
	for _, c := range h.checks {
		checks = append(checks, c)
	}
	h.mu.RUnlock()

	writeProbe(w, ready, map[string]interface{}{
		"ready":    ready,
		"status":   report.Status,
		"agent_id": report.AgentID,
		"checks":   checks,
	})
}

func writeProbe(w http.ResponseWriter, ok bool, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}
