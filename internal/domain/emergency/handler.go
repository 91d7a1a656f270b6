package emergency

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/edtracker/internal/platform/auth"
	"github.com/ehr/edtracker/pkg/pagination"
)

// ErrorBody is the JSON body of every failed ED request.
type ErrorBody struct {
	Error   Kind   `json:"error"`
	Message string `json:"message"`
}

type Handler struct {
	registry *Registry
	log      *StatusLog
	notifier *Notifier
	logger   zerolog.Logger
}

func NewHandler(registry *Registry, log *StatusLog, notifier *Notifier, logger zerolog.Logger) *Handler {
	return &Handler{registry: registry, log: log, notifier: notifier, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	ed := api.Group("/ed", auth.RequireClinicalRole())
	ed.POST("/visits", h.CreateVisit)
	ed.GET("/visits/:id", h.GetVisit)
	ed.PUT("/visits/:id/status", h.UpdateStatus)
	ed.PATCH("/visits/:id/status", h.UpdateStatus)
	ed.PATCH("/visits/:id/triage", h.Retriage)
	ed.GET("/visits/:id/history", h.GetHistory)
	ed.GET("/queue", h.GetQueue)
	ed.GET("/alerts", h.ListAlerts)
	ed.POST("/alerts/:id/acknowledge", h.AcknowledgeAlert)
}

// httpError maps a domain error to an echo error carrying ErrorBody.
func (h *Handler) httpError(c echo.Context, err error) error {
	var de *Error
	if !errors.As(err, &de) {
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("unclassified ED error")
		return echo.NewHTTPError(http.StatusInternalServerError,
			ErrorBody{Error: KindPersistence, Message: "internal error"})
	}
	status := http.StatusInternalServerError
	switch de.Kind {
	case KindValidation:
		status = http.StatusBadRequest
	case KindNotFound:
		status = http.StatusNotFound
	case KindInvalidTransition:
		status = http.StatusConflict
	case KindAlreadyAcknowledged:
		status = http.StatusOK
	case KindPersistence:
		h.logger.Error().Err(de.Unwrap()).Str("path", c.Path()).Msg(de.Message)
	}
	return echo.NewHTTPError(status, ErrorBody{Error: de.Kind, Message: de.Message})
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Error: KindValidation, Message: msg})
}

// bindError keeps a 413 raised while reading an oversized body and reports
// every other bind failure as a validation error.
func bindError(err error) error {
	var he *echo.HTTPError
	for e := err; errors.As(e, &he); e = he.Internal {
		if he.Code == http.StatusRequestEntityTooLarge {
			return he
		}
		if he.Internal == nil {
			break
		}
	}
	return badRequest("invalid request body")
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, badRequest("invalid " + name)
	}
	return id, nil
}

// actorOr returns actor, or the authenticated user when actor is blank.
func actorOr(c echo.Context, actor string) string {
	if strings.TrimSpace(actor) != "" {
		return actor
	}
	return auth.UserIDFromContext(c.Request().Context())
}

// -- Visits --

func (h *Handler) CreateVisit(c echo.Context) error {
	var in CreateVisitInput
	if err := c.Bind(&in); err != nil {
		return bindError(err)
	}
	in.Actor = actorOr(c, in.Actor)
	v, err := h.registry.CreateVisit(c.Request().Context(), in)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) GetVisit(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	v, err := h.registry.GetVisit(c.Request().Context(), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var in UpdateStatusInput
	if err := c.Bind(&in); err != nil {
		return bindError(err)
	}
	in.Actor = actorOr(c, in.Actor)
	v, err := h.registry.UpdateStatus(c.Request().Context(), id, in)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) Retriage(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var in RetriageInput
	if err := c.Bind(&in); err != nil {
		return bindError(err)
	}
	in.Actor = actorOr(c, in.Actor)
	v, err := h.registry.Retriage(c.Request().Context(), id, in)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	seq, err := h.log.History(c.Request().Context(), id)
	if err != nil {
		return h.httpError(c, err)
	}
	entries, err := CollectHistory(seq)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) GetQueue(c echo.Context) error {
	var f QueueFilter
	if raw := c.QueryParam("status"); raw != "" {
		s := VisitStatus(strings.ToUpper(raw))
		f.Status = &s
	}
	if raw := c.QueryParam("triageLevel"); raw != "" {
		l := TriageLevel(strings.ToUpper(raw))
		f.TriageLevel = &l
	}
	visits, err := h.registry.GetQueue(c.Request().Context(), f)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.Page(c, pagination.FromContext(c), visits))
}

// -- Alerts --

func (h *Handler) ListAlerts(c echo.Context) error {
	var f AlertFilter
	if raw := c.QueryParam("visitId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return badRequest("invalid visitId")
		}
		f.VisitID = &id
	}
	if raw := c.QueryParam("acknowledged"); raw != "" {
		ack, err := strconv.ParseBool(raw)
		if err != nil {
			return badRequest("acknowledged must be true or false")
		}
		f.Acknowledged = &ack
	}
	alerts, err := h.notifier.ListAlerts(c.Request().Context(), f)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.Page(c, pagination.FromContext(c), alerts))
}

type acknowledgeRequest struct {
	Actor string `json:"actor"`
}

// AcknowledgeAlert is idempotent: a repeat acknowledgement returns the
// stored alert with 200.
func (h *Handler) AcknowledgeAlert(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req acknowledgeRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return bindError(err)
		}
	}
	a, err := h.notifier.Acknowledge(c.Request().Context(), id, actorOr(c, req.Actor))
	if err != nil && !IsKind(err, KindAlreadyAcknowledged) {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}
