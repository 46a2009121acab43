package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suriyaw/concert-gate/internal/domain"
	"github.com/suriyaw/concert-gate/internal/dto"
	"github.com/suriyaw/concert-gate/internal/service"
	"github.com/suriyaw/concert-gate/pkg/logger"
	"github.com/suriyaw/concert-gate/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultStreamTimeout bounds how long one rank stream stays open. Clients
// reconnect after the timeout and keep their queue position, since re-entry
// with the same user key never resets the arrival score.
const DefaultStreamTimeout = 10 * time.Minute

// WaitingHandler handles waiting room HTTP requests
type WaitingHandler struct {
	waitingService service.WaitingService
	streamTimeout  time.Duration
}

// NewWaitingHandler creates a new waiting room handler
func NewWaitingHandler(waitingService service.WaitingService, streamTimeout time.Duration) *WaitingHandler {
	if streamTimeout <= 0 {
		streamTimeout = DefaultStreamTimeout
	}
	return &WaitingHandler{
		waitingService: waitingService,
		streamTimeout:  streamTimeout,
	}
}

// Enter handles POST /waiting/enter
func (h *WaitingHandler) Enter(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.waiting.enter")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	userID := c.GetString("user_id")
	if userID == "" {
		span.SetStatus(codes.Error, "unauthorized")
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{
			Error: "unauthorized",
			Code:  "UNAUTHORIZED",
		})
		return
	}

	var req dto.EnterWaitingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "invalid request",
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		})
		return
	}

	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.Int64("schedule_id", req.ScheduleID),
	)

	result, err := h.waitingService.EnterOrWait(ctx, userID, &req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	if result.Admitted {
		c.JSON(http.StatusOK, result)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

// Stream handles GET /waiting/stream/:schedule_id?user_key=...
// It pushes rank updates as server-sent events until the user is admitted,
// the client disconnects, or the stream timeout elapses.
func (h *WaitingHandler) Stream(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.waiting.stream")
	defer span.End()

	userID := c.GetString("user_id")
	if userID == "" {
		span.SetStatus(codes.Error, "unauthorized")
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{
			Error: "unauthorized",
			Code:  "UNAUTHORIZED",
		})
		return
	}

	scheduleID, err := strconv.ParseInt(c.Param("schedule_id"), 10, 64)
	if err != nil || scheduleID <= 0 {
		span.SetStatus(codes.Error, "invalid schedule_id")
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: "invalid schedule_id",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	userKey := c.Query("user_key")

	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.Int64("schedule_id", scheduleID),
	)

	events, cancel, err := h.waitingService.Subscribe(ctx, scheduleID, userKey, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.Flush()

	timeout := time.NewTimer(h.streamTimeout)
	defer timeout.Stop()

	// Heartbeat keeps intermediaries from closing an idle connection
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			// Client went away; keep their queue entry so a reconnect
			// resumes at the same position
			span.SetStatus(codes.Ok, "client disconnected")
			return

		case <-timeout.C:
			// Stale stream: drop the queue entry so abandoned clients do
			// not hold positions forever
			if err := h.waitingService.Leave(c.Request.Context(), scheduleID, userKey, userID); err != nil {
				logger.Get().Warn(fmt.Sprintf("Failed to remove user on stream timeout: %v", err))
			}
			h.writeEvent(c, dto.RankEventPayload{Type: "timeout"})
			span.SetStatus(codes.Ok, "stream timeout")
			return

		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			c.Writer.Flush()

		case event, ok := <-events:
			if !ok {
				// Registry replaced this stream with a newer subscription
				span.SetStatus(codes.Ok, "stream superseded")
				return
			}
			h.writeEvent(c, dto.RankEventPayload{
				Type:         event.Type,
				Rank:         event.Rank,
				TotalWaiting: event.TotalWaiting,
				Token:        event.Token,
			})
			if event.Type == domain.RankEventAdmitted {
				span.SetStatus(codes.Ok, "admitted")
				return
			}
		}
	}
}

// Leave handles DELETE /waiting/leave/:schedule_id?user_key=...
func (h *WaitingHandler) Leave(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.waiting.leave")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	userID := c.GetString("user_id")
	if userID == "" {
		span.SetStatus(codes.Error, "unauthorized")
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{
			Error: "unauthorized",
			Code:  "UNAUTHORIZED",
		})
		return
	}

	scheduleID, err := strconv.ParseInt(c.Param("schedule_id"), 10, 64)
	if err != nil || scheduleID <= 0 {
		span.SetStatus(codes.Error, "invalid schedule_id")
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: "invalid schedule_id",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	if err := h.waitingService.Leave(ctx, scheduleID, c.Query("user_key"), userID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, dto.SuccessResponse{
		Success: true,
		Message: "Left the waiting room",
	})
}

// Status handles GET /waiting/status/:schedule_id
func (h *WaitingHandler) Status(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.waiting.status")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	scheduleID, err := strconv.ParseInt(c.Param("schedule_id"), 10, 64)
	if err != nil || scheduleID <= 0 {
		span.SetStatus(codes.Error, "invalid schedule_id")
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: "invalid schedule_id",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	span.SetAttributes(attribute.Int64("schedule_id", scheduleID))

	result, err := h.waitingService.Status(ctx, scheduleID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, result)
}

// writeEvent writes one SSE data frame and flushes it
func (h *WaitingHandler) writeEvent(c *gin.Context, payload dto.RankEventPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Get().Error(fmt.Sprintf("Failed to marshal rank event: %v", err))
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", data)
	c.Writer.Flush()
}

// handleError converts domain errors to HTTP responses
func (h *WaitingHandler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidAdmittedToken):
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_TOKEN",
		})
	case errors.Is(err, domain.ErrNotWaiting):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "NOT_WAITING",
		})
	case errors.Is(err, domain.ErrNoPermits):
		c.JSON(http.StatusConflict, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "NO_PERMITS",
		})
	case domain.IsValidationError(err):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_REQUEST",
		})
	case domain.IsInfrastructureError(err):
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "STORE_UNAVAILABLE",
		})
	default:
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error: "internal server error",
			Code:  "INTERNAL_ERROR",
		})
	}
}
