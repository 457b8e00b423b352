package registration

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ALKYH/HospitalManage/internal/platform/auth"
	"github.com/ALKYH/HospitalManage/pkg/pagination"
)

// Roles checked by the handler. Admin passes every check.
const (
	RoleRegistrar = "registrar"
	RoleScheduler = "scheduler"
	RoleBilling   = "billing"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/registrations", h.CreateRegistration)
	api.GET("/registrations", h.ListRegistrations)
	api.GET("/registrations/:id", h.GetRegistration)
	api.POST("/registrations/:id/cancel", h.CancelRegistration)
	api.GET("/registrations/:id/position", h.WaitlistPosition)
	api.GET("/availability", h.GetAvailability)

	billing := api.Group("", auth.RequireRole(RoleBilling))
	billing.POST("/registrations/:id/payment", h.LinkPayment)

	schedule := api.Group("", auth.RequireRole(RoleScheduler))
	schedule.PUT("/availability", h.UpsertAvailability)
	schedule.PUT("/fees", h.SetFee)
}

// httpError maps service errors onto status codes. Contention is reported
// as retryable so clients back off and resend.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrOrderNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case IsRetryable(err):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"message":   "registration is busy, retry shortly",
			"retryable": true,
		})
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"message":   err.Error(),
			"retryable": false,
		})
	case errors.Is(err, ErrNotCommitted):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out before the outcome was known")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func orderID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// ownedOrder loads an order the caller may act on: their own, or any order
// for registrars.
func (h *Handler) ownedOrder(c echo.Context) (*Order, error) {
	id, err := orderID(c)
	if err != nil {
		return nil, err
	}
	o, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return nil, httpError(err)
	}
	ctx := c.Request().Context()
	if o.RequesterID != auth.UserIDFromContext(ctx) && !auth.HasRole(ctx, RoleRegistrar) {
		return nil, echo.NewHTTPError(http.StatusForbidden, "order belongs to another requester")
	}
	return o, nil
}

func (h *Handler) CreateRegistration(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.RequesterID = auth.UserIDFromContext(c.Request().Context())
	res, err := h.svc.CreateRegistration(c.Request().Context(), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) CancelRegistration(c echo.Context) error {
	o, err := h.ownedOrder(c)
	if err != nil {
		return err
	}
	res, err := h.svc.CancelRegistration(c.Request().Context(), o.ID, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetRegistration(c echo.Context) error {
	o, err := h.ownedOrder(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) ListRegistrations(c echo.Context) error {
	pg := pagination.FromContext(c)
	requester := auth.UserIDFromContext(c.Request().Context())
	if other := c.QueryParam("requester_id"); other != "" && other != requester {
		if !auth.HasRole(c.Request().Context(), RoleRegistrar) {
			return echo.NewHTTPError(http.StatusForbidden, "cannot list another requester's orders")
		}
		requester = other
	}
	items, total, err := h.svc.ListByRequester(c.Request().Context(), requester, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) WaitlistPosition(c echo.Context) error {
	o, err := h.ownedOrder(c)
	if err != nil {
		return err
	}
	pos, err := h.svc.WaitlistPosition(c.Request().Context(), o.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"order_id": o.ID, "position": pos})
}

func (h *Handler) LinkPayment(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	var body struct {
		PaymentID int64 `json:"payment_id"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.LinkPayment(c.Request().Context(), id, body.PaymentID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) GetAvailability(c echo.Context) error {
	doctorID, err := strconv.ParseInt(c.QueryParam("doctor_id"), 10, 64)
	if err != nil || doctorID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid doctor_id")
	}
	rows, err := h.svc.Availability(c.Request().Context(), doctorID, c.QueryParam("date"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) UpsertAvailability(c echo.Context) error {
	var in AvailabilityInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rows, err := h.svc.UpsertAvailability(c.Request().Context(), &in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) SetFee(c echo.Context) error {
	var f Fee
	if err := c.Bind(&f); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.SetFee(c.Request().Context(), &f); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, f)
}
