package visit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/apperr"
	"github.com/clinic/clinic/pkg/money"
	"github.com/clinic/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleSpecialist, auth.RoleOperator))
	read.GET("/visits", h.ListVisits)
	read.GET("/visits/:id", h.GetVisit)
	read.GET("/specialists", h.ListSpecialists)

	write := api.Group("", auth.RequireRole(auth.RoleSpecialist, auth.RoleOperator))
	write.POST("/visits", h.CreateVisit)
	write.PUT("/visits/:id/medical-info", h.UpdateMedicalInfo)
	write.PUT("/visits/:id/costs", h.SetCosts)
	write.PUT("/visits/:id/status", h.ChangeStatus)
	write.PUT("/visits/:id/schedule", h.Reschedule)
	write.DELETE("/visits/:id", h.DeleteVisit)

	directory := api.Group("", auth.RequireRole(auth.RoleOperator))
	directory.PUT("/specialists/:id", h.SaveSpecialist)
}

func toHTTP(err error) error {
	return echo.NewHTTPError(apperr.HTTPStatus(err), apperr.PublicMessage(err))
}

func actorOf(c echo.Context) (auth.Actor, error) {
	a, err := auth.Authenticate(c.Request().Context())
	if err != nil {
		return a, toHTTP(err)
	}
	return a, nil
}

func (h *Handler) CreateVisit(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.CreateVisit(c.Request().Context(), actor, in)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) GetVisit(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	v, err := h.svc.GetVisit(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, v)
}

func parseDateParam(c echo.Context, name string) (time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return t, nil
}

func (h *Handler) ListVisits(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	f := ListFilter{
		SpecialistID: SpecialistID(c.QueryParam("specialist_id")),
		Limit:        pg.Probe(),
		Offset:       pg.Offset,
	}
	if raw := c.QueryParam("patient_record"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_record")
		}
		f.PatientRecord = PatientRecordID(n)
	}
	if raw := c.QueryParam("status"); raw != "" {
		st, err := ParseStatus(raw)
		if err != nil {
			return toHTTP(err)
		}
		f.Status = st
	}
	if f.From, err = parseDateParam(c, "from"); err != nil {
		return err
	}
	if f.To, err = parseDateParam(c, "to"); err != nil {
		return err
	}

	items, err := h.svc.ListVisits(c.Request().Context(), actor, f)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, pg))
}

func (h *Handler) UpdateMedicalInfo(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var info MedicalInfo
	if err := c.Bind(&info); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.UpdateMedicalInfo(c.Request().Context(), actor, c.Param("id"), info)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, v)
}

type costsRequest struct {
	ServiceCost    money.Money `json:"service_cost"`
	MedicationCost money.Money `json:"medication_cost"`
}

func (h *Handler) SetCosts(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req costsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.SetCosts(c.Request().Context(), actor, c.Param("id"), req.ServiceCost, req.MedicationCost)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) ChangeStatus(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.ChangeStatus(c.Request().Context(), actor, c.Param("id"), req.Status)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) Reschedule(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req struct {
		VisitDate time.Time `json:"visit_date"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.Reschedule(c.Request().Context(), actor, c.Param("id"), req.VisitDate)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) DeleteVisit(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteVisit(c.Request().Context(), actor, c.Param("id")); err != nil {
		return toHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListSpecialists(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, err := h.svc.ListSpecialists(c.Request().Context(), actor, c.QueryParam("specialty"), pg.Probe(), pg.Offset)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, pg))
}

func (h *Handler) SaveSpecialist(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var sp Specialist
	if err := c.Bind(&sp); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sp.ID = SpecialistID(c.Param("id"))
	if err := h.svc.SaveSpecialist(c.Request().Context(), actor, &sp); err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, sp)
}
