package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/casf/verifier/internal/policyclient"
	"github.com/casf/verifier/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	db           *sql.DB
	redis        *redis.Client
	policyClient *policyclient.Client
	logger       *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. db, redisClient, and
// policyClient may each be nil, in which case that dependency's check is
// reported healthy (not configured).
func NewHealthHandler(db *sql.DB, redisClient *redis.Client, policyClient *policyclient.Client, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:           db,
		redis:        redisClient,
		policyClient: policyClient,
		logger:       logger,
	}
}

// HandleHealth handles GET /healthz.
// Basic liveness check - always returns 200 if the process is running.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteOK(w, response)
}

// HandleReadiness handles GET /readyz.
// Readiness check - validates that the audit store, the anti-replay/
// rate-limit store, and the policy engine are all reachable.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if err := h.checkDatabase(ctx); err != nil {
		h.logger.Warn("database health check failed", zap.Error(err))
		checks["database"] = "unhealthy"
		allHealthy = false
	} else {
		checks["database"] = "healthy"
	}

	if err := h.checkRedis(ctx); err != nil {
		h.logger.Warn("redis health check failed", zap.Error(err))
		checks["redis"] = "unhealthy"
		allHealthy = false
	} else {
		checks["redis"] = "healthy"
	}

	if err := h.checkPolicyEngine(ctx); err != nil {
		h.logger.Warn("policy engine health check failed", zap.Error(err))
		checks["policy_engine"] = "unhealthy"
		allHealthy = false
	} else {
		checks["policy_engine"] = "healthy"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

// checkDatabase checks database connectivity
func (h *HealthHandler) checkDatabase(ctx context.Context) error {
	if h.db == nil {
		return nil // No database configured
	}

	if err := h.db.PingContext(ctx); err != nil {
		return err
	}

	var result int
	if err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return err
	}

	return nil
}

// checkRedis checks connectivity to the anti-replay/rate-limit store.
func (h *HealthHandler) checkRedis(ctx context.Context) error {
	if h.redis == nil {
		return nil
	}
	return h.redis.Ping(ctx).Err()
}

// checkPolicyEngine checks connectivity to the policy engine.
func (h *HealthHandler) checkPolicyEngine(ctx context.Context) error {
	if h.policyClient == nil {
		return nil
	}
	return h.policyClient.HealthCheck(ctx)
}
