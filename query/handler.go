package query

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mailgate-io/mailgate/log"
	"github.com/mailgate-io/mailgate/mail"
)

// ErrServiceRequired is returned when no service is given.
var ErrServiceRequired = errors.New("query service is required")

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// pageResponse is the JSON page envelope.
type pageResponse struct {
	Items any   `json:"items"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Size  int   `json:"size"`
}

// Handler exposes the query service over HTTP.
type Handler struct {
	service *Service
	logger  log.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets a structured logger for the handler.
func WithHandlerLogger(logger log.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler creates a Handler over service.
func NewHandler(service *Service, opts ...HandlerOption) (*Handler, error) {
	if service == nil {
		return nil, ErrServiceRequired
	}

	h := &Handler{service: service, logger: log.NewNop()}

	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	return h, nil
}

// Register mounts the mail routes on router.
func (h *Handler) Register(router fiber.Router) {
	router.Get("/mail/outbound", h.listOutbound)
	router.Get("/mail/inbound", h.listInbound)
	router.Get("/mail/attempts", h.listAttempts)
	router.Get("/mail/statuses", h.listStatuses)
	router.Post("/mail/outbound/:id/resend", h.resendOutbound)
	router.Post("/mail/inbound/:id/resend", h.resendInbound)
}

func (h *Handler) listOutbound(c *fiber.Ctx) error {
	query, err := parseRecordQuery(c)
	if err != nil {
		return badRequest(c, err)
	}

	page, err := h.service.QueryOutbound(c.UserContext(), query)
	if err != nil {
		return h.serviceError(c, err)
	}

	return c.Status(http.StatusOK).JSON(pageResponse{
		Items: page.Items,
		Total: page.Total,
		Page:  page.Page,
		Size:  page.Size,
	})
}

func (h *Handler) listInbound(c *fiber.Ctx) error {
	query, err := parseRecordQuery(c)
	if err != nil {
		return badRequest(c, err)
	}

	page, err := h.service.QueryInbound(c.UserContext(), query)
	if err != nil {
		return h.serviceError(c, err)
	}

	return c.Status(http.StatusOK).JSON(pageResponse{
		Items: page.Items,
		Total: page.Total,
		Page:  page.Page,
		Size:  page.Size,
	})
}

func (h *Handler) listAttempts(c *fiber.Ctx) error {
	query, err := parseAttemptQuery(c)
	if err != nil {
		return badRequest(c, err)
	}

	page, err := h.service.QueryAttempts(c.UserContext(), query)
	if err != nil {
		return h.serviceError(c, err)
	}

	return c.Status(http.StatusOK).JSON(pageResponse{
		Items: page.Items,
		Total: page.Total,
		Page:  page.Page,
		Size:  page.Size,
	})
}

func (h *Handler) listStatuses(c *fiber.Ctx) error {
	return c.Status(http.StatusOK).JSON(h.service.StatusDictionary())
}

func (h *Handler) resendOutbound(c *fiber.Ctx) error {
	id, err := parseRecordID(c)
	if err != nil {
		return badRequest(c, err)
	}

	record, err := h.service.ResendOutbound(c.UserContext(), id)
	if err != nil {
		return h.serviceError(c, err)
	}

	return c.Status(http.StatusOK).JSON(record)
}

func (h *Handler) resendInbound(c *fiber.Ctx) error {
	id, err := parseRecordID(c)
	if err != nil {
		return badRequest(c, err)
	}

	record, err := h.service.ResendInbound(c.UserContext(), id)
	if err != nil {
		return h.serviceError(c, err)
	}

	return c.Status(http.StatusOK).JSON(record)
}

// serviceError maps service errors to HTTP statuses.
func (h *Handler) serviceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, mail.ErrRecordNotFound):
		return respondError(c, http.StatusNotFound, "NOT_FOUND", err)
	case errors.Is(err, ErrResendNotAllowed):
		return respondError(c, http.StatusConflict, "RESEND_NOT_ALLOWED", err)
	case errors.Is(err, ErrResendConflict):
		return respondError(c, http.StatusConflict, "RESEND_CONFLICT", err)
	default:
		h.logger.Log(c.UserContext(), log.LevelError, "query request failed",
			log.String("path", c.Path()),
			log.Err(err))

		return respondError(c, http.StatusInternalServerError, "INTERNAL", errors.New("internal error"))
	}
}

func badRequest(c *fiber.Ctx, err error) error {
	return respondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
}

func respondError(c *fiber.Ctx, status int, code string, err error) error {
	return c.Status(status).JSON(errorResponse{Code: code, Message: err.Error()})
}

func parseRecordID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("record id must be a positive integer")
	}

	return id, nil
}

func parseRecordQuery(c *fiber.Ctx) (mail.RecordQuery, error) {
	query := mail.RecordQuery{
		MailID:  c.Query("mailId"),
		Channel: c.Query("channel"),
		Service: c.Query("service"),
	}

	if raw := c.Query("status"); raw != "" {
		status, err := mail.ParseStatus(raw)
		if err != nil {
			return mail.RecordQuery{}, err
		}

		query.Status = status
	}

	var err error

	if query.StartTime, err = parseTimeParam(c, "startTime"); err != nil {
		return mail.RecordQuery{}, err
	}

	if query.EndTime, err = parseTimeParam(c, "endTime"); err != nil {
		return mail.RecordQuery{}, err
	}

	query.Pagination = parsePagination(c)

	return query, nil
}

func parseAttemptQuery(c *fiber.Ctx) (mail.AttemptQuery, error) {
	recordID, err := strconv.ParseInt(c.Query("recordId"), 10, 64)
	if err != nil || recordID <= 0 {
		return mail.AttemptQuery{}, errors.New("recordId must be a positive integer")
	}

	query := mail.AttemptQuery{RecordID: recordID}

	switch direction := c.Query("direction"); direction {
	case "":
	case string(mail.DirectionOutbound), string(mail.DirectionInbound):
		query.Direction = mail.Direction(direction)
	default:
		return mail.AttemptQuery{}, errors.New("direction must be OUTBOUND or INBOUND")
	}

	if raw := c.Query("status"); raw != "" {
		status, err := mail.ParseStatus(raw)
		if err != nil {
			return mail.AttemptQuery{}, err
		}

		query.Status = status
	}

	query.Pagination = parsePagination(c)

	return query, nil
}

func parseTimeParam(c *fiber.Ctx, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}

	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New(name + " must be RFC 3339")
	}

	return parsed, nil
}

// parsePagination coerces invalid paging values to defaults instead of
// erroring; Normalize applies the bounds.
func parsePagination(c *fiber.Ctx) mail.Pagination {
	page, _ := strconv.Atoi(c.Query("page"))
	size, _ := strconv.Atoi(c.Query("size"))

	return mail.Pagination{Page: page, Size: size}.Normalize()
}
