package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bastiqui/TSAE75644-2024/internal/model"
	"github.com/bastiqui/TSAE75644-2024/internal/util/workerpool"
	"go.uber.org/zap"
)

const (
	statusHealthy  = "healthy"
	statusWarning  = "warning"
	statusCritical = "critical"
)

// Pinger is a dependency whose reachability gates readiness
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStats reports partner pool usage
type PoolStats interface {
	Stats() workerpool.Stats
}

// HealthChecker periodically checks the replica's dependencies. A critical
// check makes the node unhealthy and not ready; a warning only degrades it.
type HealthChecker struct {
	nodeID         string
	store          Pinger
	pool           PoolStats
	interval       time.Duration
	onStatusChange func(model.NodeStatus)
	logger         *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	readinessOK bool
	draining    bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID   string
	Interval time.Duration
	// OnStatusChange, if set, is called whenever the overall status changes
	OnStatusChange func(model.NodeStatus)
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, store Pinger, pool PoolStats, logger *zap.Logger) *HealthChecker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthChecker{
		nodeID:         cfg.NodeID,
		store:          store,
		pool:           pool,
		interval:       interval,
		onStatusChange: cfg.OnStatusChange,
		logger:         logger,
		checks:         make(map[string]CheckResult),
		readinessOK:    true,
		status:         model.NodeStatusHealthy,
	}
}

// Start runs the checks until ctx is cancelled
func (h *HealthChecker) Start(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

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

// RunChecks runs every check once and updates the overall status
func (h *HealthChecker) RunChecks(ctx context.Context) {
	results := []CheckResult{
		h.checkStore(ctx),
		h.checkPartnerPool(),
	}

	h.mu.Lock()
	h.lastCheck = time.Now()

	allHealthy := true
	allReady := true
	for _, result := range results {
		h.checks[result.Name] = result
		if result.Status != statusHealthy {
			allHealthy = false
			if result.Status == statusCritical {
				allReady = false
			}
		}
	}

	previous := h.status
	switch {
	case !allReady:
		h.status = model.NodeStatusUnhealthy
	case !allHealthy:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusHealthy
	}
	h.readinessOK = allReady && !h.draining
	current := h.status
	h.mu.Unlock()

	h.logger.Debug("Health check completed",
		zap.String("node_id", h.nodeID),
		zap.String("status", string(current)),
		zap.Bool("readiness", allReady))

	if current != previous {
		h.logger.Info("Node status changed",
			zap.String("node_id", h.nodeID),
			zap.String("from", string(previous)),
			zap.String("to", string(current)))
		if h.onStatusChange != nil {
			h.onStatusChange(current)
		}
	}
}

func (h *HealthChecker) checkStore(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		return CheckResult{
			Name:      "recipe_store",
			Status:    statusCritical,
			Message:   fmt.Sprintf("Recipe store unreachable: %v", err),
			Timestamp: time.Now(),
		}
	}
	return CheckResult{
		Name:      "recipe_store",
		Status:    statusHealthy,
		Message:   "Recipe store reachable",
		Timestamp: time.Now(),
	}
}

// checkPartnerPool warns when inbound sessions are about to be rejected
func (h *HealthChecker) checkPartnerPool() CheckResult {
	stats := h.pool.Stats()
	inFlight := stats.ActiveWorkers + stats.QueuedTasks

	if stats.Capacity() > 0 && inFlight >= stats.Capacity() {
		return CheckResult{
			Name:      "partner_pool",
			Status:    statusWarning,
			Message:   fmt.Sprintf("Partner pool saturated: %d/%d", inFlight, stats.Capacity()),
			Timestamp: time.Now(),
		}
	}
	return CheckResult{
		Name:   "partner_pool",
		Status: statusHealthy,
		Message: fmt.Sprintf("Partner pool usage: %d/%d, workers %.0f%% busy",
			inFlight, stats.Capacity(), stats.WorkerUtilization()),
		Timestamp: time.Now(),
	}
}

// IsReady returns whether the node accepts sessions (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// Status returns the current overall status
func (h *HealthChecker) Status() model.NodeStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Checks returns a copy of the latest check results
func (h *HealthChecker) Checks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetDraining marks the node not ready for the rest of its life (graceful shutdown)
func (h *HealthChecker) SetDraining() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.draining = true
	h.readinessOK = false
}

// Ready reports readiness as an error naming the failing checks
func (h *HealthChecker) Ready(ctx context.Context) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.readinessOK {
		return nil
	}
	if h.draining {
		return fmt.Errorf("node is shutting down")
	}

	var failing []string
	for name, result := range h.checks {
		if result.Status == statusCritical {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)
	return fmt.Errorf("failing checks: %s", strings.Join(failing, ", "))
}
