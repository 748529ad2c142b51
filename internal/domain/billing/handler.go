package billing

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/domain/visit"
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
	read.GET("/payments", h.ListPayments)
	read.GET("/payments/:id", h.GetPayment)
	read.GET("/statistics/patient-cost", h.PatientCostByYear)
	read.GET("/statistics/patients-per-day", h.AveragePatientsPerDay)
	read.GET("/patients/:record/billing-summary", h.BillingSummary)

	write := api.Group("", auth.RequireRole(auth.RoleSpecialist, auth.RoleOperator))
	write.POST("/payments", h.CreatePayment)
	write.POST("/payments/:id/apply", h.ApplyPayment)
	write.POST("/payments/:id/cancel", h.CancelPayment)
	write.POST("/payments/:id/extend", h.ExtendDueDate)
	write.POST("/payments/:id/recompute", h.RecomputeStatus)

	office := api.Group("", auth.RequireRole(auth.RoleOperator))
	office.GET("/statistics/revenue", h.RevenueByPeriod)

	admin := api.Group("", auth.RequireRole(auth.RoleAdministrator))
	admin.PUT("/payments/:id", h.AdminUpdatePayment)
	admin.DELETE("/payments/:id", h.DeletePayment)
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

func badRequest(err error) error {
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}

type createPaymentRequest struct {
	VisitID string      `json:"visit_id"`
	Amount  money.Money `json:"amount"`
}

func (h *Handler) CreatePayment(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req createPaymentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err)
	}
	if req.VisitID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "visit_id is required")
	}
	p, err := h.svc.CreatePaymentForVisit(c.Request().Context(), actor, req.VisitID, req.Amount)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPayment(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPayment(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPayments(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	f := ListFilter{Limit: pg.Probe(), Offset: pg.Offset}
	if raw := c.QueryParam("patient_record"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_record")
		}
		f.PatientRecord = visit.PatientRecordID(n)
	}
	if raw := c.QueryParam("visit_id"); raw != "" {
		f.VisitIDs = []string{raw}
	}
	if raw := c.QueryParam("status"); raw != "" {
		if f.Status, err = ParsePaymentStatus(raw); err != nil {
			return toHTTP(err)
		}
	}
	if f.IssuedFrom, f.IssuedTo, err = parsePeriod(c, false); err != nil {
		return err
	}
	items, err := h.svc.ListPayments(c.Request().Context(), actor, f)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, pg))
}

func (h *Handler) ApplyPayment(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req struct {
		Amount money.Money `json:"amount"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(err)
	}
	p, err := h.svc.ApplyPayment(c.Request().Context(), actor, c.Param("id"), req.Amount)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) CancelPayment(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	p, err := h.svc.CancelPayment(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ExtendDueDate(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req struct {
		Days int `json:"days"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(err)
	}
	p, err := h.svc.ExtendDueDate(c.Request().Context(), actor, c.Param("id"), req.Days)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) RecomputeStatus(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	p, err := h.svc.RecomputeStatus(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) AdminUpdatePayment(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var patch PaymentPatch
	if err := c.Bind(&patch); err != nil {
		return badRequest(err)
	}
	p, err := h.svc.AdminUpdatePayment(c.Request().Context(), actor, c.Param("id"), patch)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeletePayment(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeletePayment(c.Request().Context(), actor, c.Param("id")); err != nil {
		return toHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// parsePeriod reads the from and to query parameters as RFC 3339 timestamps
// or dates. A bare date in to covers the whole day.
func parsePeriod(c echo.Context, required bool) (from, to time.Time, err error) {
	parse := func(name string, endOfDay bool) (time.Time, error) {
		raw := c.QueryParam(name)
		if raw == "" {
			if required {
				return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, name+" is required")
			}
			return time.Time{}, nil
		}
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
	if from, err = parse("from", false); err != nil {
		return
	}
	to, err = parse("to", true)
	return
}

func (h *Handler) RevenueByPeriod(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	from, to, err := parsePeriod(c, true)
	if err != nil {
		return err
	}
	rev, err := h.svc.GetRevenueByPeriod(c.Request().Context(), actor, from, to)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, rev)
}

func recordParam(c echo.Context, raw string) (visit.PatientRecordID, error) {
	if raw == "" {
		if actor, ok := auth.ActorFromContext(c.Request().Context()); ok && actor.Role == auth.RolePatient {
			return visit.PatientRecordID(actor.MedicalRecord), nil
		}
		return 0, echo.NewHTTPError(http.StatusBadRequest, "patient_record is required")
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid patient record")
	}
	return visit.PatientRecordID(n), nil
}

func (h *Handler) PatientCostByYear(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	record, err := recordParam(c, c.QueryParam("patient_record"))
	if err != nil {
		return err
	}
	year := time.Now().UTC().Year()
	if raw := c.QueryParam("year"); raw != "" {
		if year, err = strconv.Atoi(raw); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid year")
		}
	}
	pc, err := h.svc.GetPatientCostByYear(c.Request().Context(), actor, record, year)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, pc)
}

func (h *Handler) AveragePatientsPerDay(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	from, to, err := parsePeriod(c, true)
	if err != nil {
		return err
	}
	if from.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "from is required")
	}
	res, err := h.svc.GetAveragePatientsPerDay(c.Request().Context(), actor, PatientsPerDayQuery{
		SpecialistID: visit.SpecialistID(c.QueryParam("specialist_id")),
		Specialty:    c.QueryParam("specialty"),
		Start:        from,
		End:          to,
	})
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) BillingSummary(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	record, err := recordParam(c, c.Param("record"))
	if err != nil {
		return err
	}
	sum, err := h.svc.BillingSummary(c.Request().Context(), actor, record)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, sum)
}
