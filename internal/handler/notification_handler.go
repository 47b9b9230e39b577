package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/courierhq/email-courier/internal/domain"
	"github.com/courierhq/email-courier/internal/repository"
	"github.com/courierhq/email-courier/internal/service"
)

const (
	defaultPage  = 1
	defaultLimit = 20
	maxLimit     = 100
)

type NotificationService interface {
	Enqueue(ctx context.Context, payload *domain.Payload) (service.EnqueueResult, error)
	GetByRequestID(ctx context.Context, requestID string) (*domain.Record, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.Record, int64, error)
}

type NotificationHandler struct {
	service NotificationService
}

func NewNotificationHandler(service NotificationService) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	return &NotificationHandler{service: service}, nil
}

func RegisterNotificationRoutes(router fiber.Router, service NotificationService) error {
	h, err := NewNotificationHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.CreateNotification)
	v1.Get("/notifications/:requestID", h.GetNotification)
	v1.Get("/notifications", h.ListNotifications)

	return nil
}

// envelope is the response contract shared by every endpoint.
type envelope struct {
	Success bool      `json:"success"`
	Message string    `json:"message,omitempty"`
	Data    any       `json:"data,omitempty"`
	Error   string    `json:"error,omitempty"`
	Meta    *pageMeta `json:"meta,omitempty"`
}

type pageMeta struct {
	Total       int64 `json:"total"`
	Limit       int   `json:"limit"`
	Page        int   `json:"page"`
	TotalPages  int   `json:"total_pages"`
	HasNext     bool  `json:"has_next"`
	HasPrevious bool  `json:"has_previous"`
}

type createNotificationRequest struct {
	NotificationType string         `json:"notification_type"`
	UserID           string         `json:"user_id"`
	TemplateCode     string         `json:"template_code"`
	Variables        map[string]any `json:"variables"`
	RequestID        string         `json:"request_id"`
	Priority         int            `json:"priority"`
	Metadata         map[string]any `json:"metadata"`
}

type recordResponse struct {
	RequestID        string     `json:"request_id"`
	NotificationType string     `json:"notification_type"`
	UserID           string     `json:"user_id"`
	ToAddress        string     `json:"to_address"`
	TemplateCode     string     `json:"template_code"`
	Status           string     `json:"status"`
	Attempts         int        `json:"attempts"`
	Error            string     `json:"error,omitempty"`
	NextRetryAt      *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (h *NotificationHandler) CreateNotification(c *fiber.Ctx) error {
	var req createNotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	payload, err := requestToPayload(req)
	if err != nil {
		return toHTTPError(err)
	}

	result, err := h.service.Enqueue(c.Context(), &payload)
	if err != nil {
		return toHTTPError(err)
	}

	switch result {
	case service.EnqueueAlreadyDelivered:
		return c.Status(fiber.StatusConflict).JSON(envelope{
			Success: false,
			Error:   "notification already delivered",
			Data:    fiber.Map{"request_id": payload.RequestID, "status": domain.StatusDelivered.String()},
		})
	case service.EnqueueInFlight:
		return c.Status(fiber.StatusAccepted).JSON(envelope{
			Success: true,
			Message: "notification already in flight",
			Data:    fiber.Map{"request_id": payload.RequestID},
		})
	default:
		return c.Status(fiber.StatusAccepted).JSON(envelope{
			Success: true,
			Message: "notification queued",
			Data:    fiber.Map{"request_id": payload.RequestID},
		})
	}
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	requestID := strings.TrimSpace(c.Params("requestID"))
	record, err := h.service.GetByRequestID(c.Context(), requestID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(envelope{
		Success: true,
		Data:    toRecordResponse(record),
	})
}

func (h *NotificationHandler) ListNotifications(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	records, total, err := h.service.List(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	responses := make([]recordResponse, 0, len(records))
	for i := range records {
		responses = append(responses, toRecordResponse(&records[i]))
	}

	return c.Status(fiber.StatusOK).JSON(envelope{
		Success: true,
		Data:    responses,
		Meta:    buildPageMeta(total, params.Page, params.Limit),
	})
}

// parseListParams reads pagination and filter query parameters. Out-of-range
// limit and page values are clamped rather than rejected.
func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		UserID: strings.TrimSpace(c.Query("user_id")),
		Page:   c.QueryInt("page", defaultPage),
		Limit:  c.QueryInt("limit", defaultLimit),
	}

	if params.Page < 1 {
		params.Page = defaultPage
	}
	if params.Limit < 1 {
		params.Limit = defaultLimit
	}
	if params.Limit > maxLimit {
		params.Limit = maxLimit
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	return params, nil
}

func buildPageMeta(total int64, page int, limit int) *pageMeta {
	totalPages := 0
	if total > 0 {
		totalPages = int((total + int64(limit) - 1) / int64(limit))
	}

	return &pageMeta{
		Total:       total,
		Limit:       limit,
		Page:        page,
		TotalPages:  totalPages,
		HasNext:     page < totalPages,
		HasPrevious: page > 1 && total > 0,
	}
}

func requestToPayload(req createNotificationRequest) (domain.Payload, error) {
	notificationType := domain.TypeEmail
	if trimmed := strings.TrimSpace(req.NotificationType); trimmed != "" {
		parsed, err := domain.ParseTypeFromString(trimmed)
		if err != nil {
			return domain.Payload{}, err
		}
		notificationType = parsed
	}

	return domain.Payload{
		NotificationType: notificationType,
		UserID:           strings.TrimSpace(req.UserID),
		TemplateCode:     strings.TrimSpace(req.TemplateCode),
		Variables:        req.Variables,
		RequestID:        strings.TrimSpace(req.RequestID),
		Priority:         req.Priority,
		Metadata:         req.Metadata,
	}, nil
}

func toRecordResponse(r *domain.Record) recordResponse {
	if r == nil {
		return recordResponse{}
	}

	return recordResponse{
		RequestID:        r.RequestID,
		NotificationType: r.NotificationType.String(),
		UserID:           r.UserID,
		ToAddress:        r.ToAddress,
		TemplateCode:     r.TemplateCode,
		Status:           r.Status.String(),
		Attempts:         r.Attempts,
		Error:            r.Error,
		NextRetryAt:      r.NextRetryAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
