// Package health exposes liveness/readiness endpoints that probe the
// volatile store and the MCU pool's SFU connectivity.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/RoseWrightdev/signaling-core/internal/logging"
	"go.uber.org/zap"
)

// StorePinger is satisfied by the volatile store backend.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// McuPinger is satisfied by the MCU pool: at least one configured SFU
// client must be reachable for the pool to be considered ready.
type McuPinger interface {
	HealthyClientCount() int
}

// Handler serves /health/live and /health/ready.
type Handler struct {
	store StorePinger
	mcu   McuPinger
}

// NewHandler builds a health Handler. store may be nil (single-instance
// mode, always healthy); mcu may be nil (readiness skips the MCU check).
func NewHandler(store StorePinger, mcu McuPinger) *Handler {
	return &Handler{store: store, mcu: mcu}
}

type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness returns 200 whenever the process is alive; no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness returns 200 only if the volatile store and at least one MCU
// client are reachable.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	storeStatus := h.checkStore(ctx)
	checks["store"] = storeStatus
	if storeStatus != "healthy" {
		allHealthy = false
	}

	if h.mcu != nil {
		mcuStatus := "unhealthy"
		if h.mcu.HealthyClientCount() > 0 {
			mcuStatus = "healthy"
		}
		checks["mcu"] = mcuStatus
		if mcuStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	code := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkStore(ctx context.Context) string {
	if h.store == nil {
		return "healthy"
	}
	if err := h.store.Ping(ctx); err != nil {
		logging.Error(ctx, "volatile store health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
