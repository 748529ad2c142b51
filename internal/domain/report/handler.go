package report

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/domain/visit"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/apperr"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleSpecialist, auth.RoleOperator))
	read.GET("/reports", h.ListJobs)
	read.GET("/reports/:id", h.GetJob)
	read.POST("/reports/patient-cost", h.StartPatientCostExport)

	office := api.Group("", auth.RequireRole(auth.RoleOperator))
	office.POST("/reports/revenue", h.StartRevenueExport)
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

type revenueRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func parseDay(raw, name string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Second)
	}
	return t, nil
}

func (h *Handler) StartRevenueExport(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req revenueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	from, err := parseDay(req.From, "from", false)
	if err != nil {
		return err
	}
	to, err := parseDay(req.To, "to", true)
	if err != nil {
		return err
	}
	job, err := h.svc.StartRevenueExport(c.Request().Context(), actor, from, to)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusAccepted, job)
}

type patientCostRequest struct {
	PatientRecord visit.PatientRecordID `json:"patient_record"`
	Year          int                   `json:"year"`
}

func (h *Handler) StartPatientCostExport(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req patientCostRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PatientRecord == 0 && actor.Role == auth.RolePatient {
		req.PatientRecord = visit.PatientRecordID(actor.MedicalRecord)
	}
	job, err := h.svc.StartPatientCostExport(c.Request().Context(), actor, req.PatientRecord, req.Year)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusAccepted, job)
}

func (h *Handler) GetJob(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	job, err := h.svc.GetJob(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, job)
}

func (h *Handler) ListJobs(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	jobs, err := h.svc.ListJobs(c.Request().Context(), actor)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"data": jobs, "count": len(jobs)})
}
