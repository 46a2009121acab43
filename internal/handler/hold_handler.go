package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suriyaw/concert-gate/internal/domain"
	"github.com/suriyaw/concert-gate/internal/dto"
	"github.com/suriyaw/concert-gate/internal/service"
	"github.com/suriyaw/concert-gate/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// HoldHandler handles seat hold HTTP requests
type HoldHandler struct {
	holdService service.HoldService
}

// NewHoldHandler creates a new hold handler
func NewHoldHandler(holdService service.HoldService) *HoldHandler {
	return &HoldHandler{
		holdService: holdService,
	}
}

// CreateHold handles POST /holds
func (h *HoldHandler) CreateHold(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.hold.create")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	holderID := c.GetString("user_id")
	if holderID == "" {
		span.SetStatus(codes.Error, "unauthorized")
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{
			Error: "unauthorized",
			Code:  "UNAUTHORIZED",
		})
		return
	}

	var req dto.CreateHoldRequest
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
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	span.SetAttributes(
		attribute.String("holder_id", holderID),
		attribute.Int64("schedule_id", req.ScheduleID),
		attribute.Int("seat_count", len(req.SeatIDs)),
	)

	result, err := h.holdService.CreateHold(ctx, holderID, &req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusCreated, result)
}

// ReleaseHold handles DELETE /holds
func (h *HoldHandler) ReleaseHold(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.hold.release")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	holderID := c.GetString("user_id")
	if holderID == "" {
		span.SetStatus(codes.Error, "unauthorized")
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{
			Error: "unauthorized",
			Code:  "UNAUTHORIZED",
		})
		return
	}

	var req dto.ReleaseHoldRequest
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
		attribute.String("holder_id", holderID),
		attribute.Int64("schedule_id", req.ScheduleID),
	)

	result, err := h.holdService.ReleaseHold(ctx, holderID, &req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, result)
}

// HoldStatus handles GET /holds/:schedule_id?seat_ids=1,2,3
func (h *HoldHandler) HoldStatus(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.hold.status")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	holderID := c.GetString("user_id")
	if holderID == "" {
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

	seatIDs, err := parseSeatIDs(c.Query("seat_ids"))
	if err != nil {
		span.SetStatus(codes.Error, "invalid seat_ids")
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "invalid seat_ids",
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		})
		return
	}

	span.SetAttributes(
		attribute.String("holder_id", holderID),
		attribute.Int64("schedule_id", scheduleID),
		attribute.Int("seat_count", len(seatIDs)),
	)

	result, err := h.holdService.HoldStatus(ctx, holderID, scheduleID, seatIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, result)
}

// ValidateHolds handles GET /holds/validate?schedule_id=1&seat_ids=1,2,3
func (h *HoldHandler) ValidateHolds(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.hold.validate")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	holderID := c.GetString("user_id")
	if holderID == "" {
		span.SetStatus(codes.Error, "unauthorized")
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{
			Error: "unauthorized",
			Code:  "UNAUTHORIZED",
		})
		return
	}

	scheduleID, seatIDs, ok := h.bindSeatQuery(c, span)
	if !ok {
		return
	}

	span.SetAttributes(
		attribute.String("holder_id", holderID),
		attribute.Int64("schedule_id", scheduleID),
		attribute.Int("seat_count", len(seatIDs)),
	)

	valid, err := h.holdService.ValidateHolds(ctx, holderID, scheduleID, seatIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, dto.ValidateHoldsResponse{
		ScheduleID: scheduleID,
		SeatIDs:    seatIDs,
		Valid:      valid,
	})
}

// RemainingLifetime handles GET /holds/ttl?schedule_id=1&seat_ids=1,2,3
func (h *HoldHandler) RemainingLifetime(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.hold.ttl")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	holderID := c.GetString("user_id")
	if holderID == "" {
		span.SetStatus(codes.Error, "unauthorized")
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{
			Error: "unauthorized",
			Code:  "UNAUTHORIZED",
		})
		return
	}

	scheduleID, seatIDs, ok := h.bindSeatQuery(c, span)
	if !ok {
		return
	}

	span.SetAttributes(
		attribute.String("holder_id", holderID),
		attribute.Int64("schedule_id", scheduleID),
		attribute.Int("seat_count", len(seatIDs)),
	)

	ttl, err := h.holdService.RemainingLifetime(ctx, holderID, scheduleID, seatIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, dto.HoldTTLResponse{
		ScheduleID: scheduleID,
		SeatIDs:    seatIDs,
		TTLSeconds: ttl,
	})
}

// bindSeatQuery parses the schedule_id and seat_ids query parameters shared
// by the read-only hold endpoints.
func (h *HoldHandler) bindSeatQuery(c *gin.Context, span trace.Span) (int64, []int64, bool) {
	scheduleID, err := strconv.ParseInt(c.Query("schedule_id"), 10, 64)
	if err != nil || scheduleID <= 0 {
		span.SetStatus(codes.Error, "invalid schedule_id")
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: "invalid schedule_id",
			Code:  "INVALID_REQUEST",
		})
		return 0, nil, false
	}

	seatIDs, err := parseSeatIDs(c.Query("seat_ids"))
	if err != nil {
		span.SetStatus(codes.Error, "invalid seat_ids")
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "invalid seat_ids",
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		})
		return 0, nil, false
	}

	return scheduleID, seatIDs, true
}

// parseSeatIDs parses a comma-separated seat id list
func parseSeatIDs(raw string) ([]int64, error) {
	if raw == "" {
		return nil, domain.ErrInvalidSeatIDs
	}
	parts := strings.Split(raw, ",")
	seatIDs := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || id <= 0 {
			return nil, domain.ErrInvalidSeatIDs
		}
		seatIDs = append(seatIDs, id)
	}
	return seatIDs, nil
}

// handleError converts domain errors to HTTP responses
func (h *HoldHandler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrSeatUnavailable):
		c.JSON(http.StatusConflict, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "SEAT_UNAVAILABLE",
		})
	case domain.IsDuplicateError(err):
		c.JSON(http.StatusConflict, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "DUPLICATE_REQUEST",
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
