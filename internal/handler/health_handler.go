package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suriyaw/concert-gate/pkg/database"
	"github.com/suriyaw/concert-gate/pkg/redis"
)

// HealthHandler handles liveness and readiness probes. Redis is a hard
// dependency (locks, holds and the waiting queue live there); Postgres is
// only present when the idempotency store runs on it.
type HealthHandler struct {
	redis *redis.Client
	db    *database.PostgresDB
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(db *database.PostgresDB, redis *redis.Client) *HealthHandler {
	return &HealthHandler{
		redis: redis,
		db:    db,
	}
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadyResponse represents readiness check response
type ReadyResponse struct {
	Status     string            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	Components map[string]string `json:"components"`
}

// Health is the liveness probe
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready is the readiness probe
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	components := make(map[string]string)
	ready := true

	if h.redis == nil {
		components["redis"] = "not configured"
		ready = false
	} else if err := h.redis.HealthCheck(ctx); err != nil {
		components["redis"] = "unhealthy: " + err.Error()
		ready = false
	} else {
		components["redis"] = "healthy"
	}

	if h.db == nil {
		// Redis-backed idempotency needs no database
		components["database"] = "not configured"
	} else if err := h.db.HealthCheck(ctx); err != nil {
		components["database"] = "unhealthy: " + err.Error()
		ready = false
	} else {
		components["database"] = "healthy"
	}

	response := ReadyResponse{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: components,
	}

	if ready {
		response.Status = "ready"
		c.JSON(http.StatusOK, response)
		return
	}
	response.Status = "not ready"
	c.JSON(http.StatusServiceUnavailable, response)
}
