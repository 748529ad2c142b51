package billing

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/domain/visit"
	"github.com/clinic/clinic/internal/platform/auth"
)

func newRequest(method, target, body string, actor *auth.Actor) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if actor != nil {
		req = req.WithContext(auth.WithActor(req.Context(), *actor))
	}
	return req
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func newTestServer(t *testing.T) (*fixture, *echo.Echo) {
	f := newFixture(t)
	e := echo.New()
	NewHandler(f.svc).RegisterRoutes(e.Group("/api/v1"))
	return f, e
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_CreateAndPay(t *testing.T) {
	f, e := newTestServer(t)
	v := f.addVisit(t, "spec-a", 1001, f.now, visit.StatusCompleted, "400", "100")

	rec := serve(e, newRequest(http.MethodPost, "/api/v1/payments", `{"visit_id":"`+v.ID+`"}`, &specA))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var p Payment
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.TotalAmount.String() != "500.00" || p.Status != StatusPending {
		t.Errorf("unexpected payment %+v", p)
	}

	rec = serve(e, newRequest(http.MethodPost, "/api/v1/payments/"+p.ID+"/apply", `{"amount":"200.00"}`, &specA))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	json.Unmarshal(rec.Body.Bytes(), &p)
	if p.Status != StatusPartiallyPaid || p.RemainingAmount.String() != "300.00" {
		t.Errorf("expected PartiallyPaid/300.00, got %s/%s", p.Status, p.RemainingAmount)
	}

	rec = serve(e, newRequest(http.MethodPost, "/api/v1/payments/"+p.ID+"/apply", `{"amount":350}`, &specA))
	if rec.Code != http.StatusConflict {
		t.Errorf("overpayment: expected 409, got %d", rec.Code)
	}
	rec = serve(e, newRequest(http.MethodPost, "/api/v1/payments/"+p.ID+"/apply", `{"amount":1}`, &specB))
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign specialist: expected 403, got %d", rec.Code)
	}
	rec = serve(e, newRequest(http.MethodPost, "/api/v1/payments/"+p.ID+"/apply", `{"amount":1}`, &patient))
	if rec.Code != http.StatusForbidden {
		t.Errorf("patient write: expected 403, got %d", rec.Code)
	}
	rec = serve(e, newRequest(http.MethodGet, "/api/v1/payments/"+p.ID, "", &patient))
	if rec.Code != http.StatusOK {
		t.Errorf("patient read: expected 200, got %d", rec.Code)
	}
	rec = serve(e, newRequest(http.MethodGet, "/api/v1/payments/"+p.ID, "", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: expected 401, got %d", rec.Code)
	}
}

func TestHandler_CreatePayment_BadRequest(t *testing.T) {
	f, e := newTestServer(t)
	h := NewHandler(f.svc)

	c := e.NewContext(newRequest(http.MethodPost, "/api/v1/payments", `{"amount":10}`, &operator), httptest.NewRecorder())
	if got := statusOf(t, h.CreatePayment(c)); got != http.StatusBadRequest {
		t.Errorf("missing visit_id: expected 400, got %d", got)
	}
	c = e.NewContext(newRequest(http.MethodPost, "/api/v1/payments", `{"visit_id":"nope"}`, &operator), httptest.NewRecorder())
	if got := statusOf(t, h.CreatePayment(c)); got != http.StatusNotFound {
		t.Errorf("unknown visit: expected 404, got %d", got)
	}
	c = e.NewContext(newRequest(http.MethodPost, "/api/v1/payments", `{"visit_id":"x","amount":"abc"}`, &operator), httptest.NewRecorder())
	if got := statusOf(t, h.CreatePayment(c)); got != http.StatusBadRequest {
		t.Errorf("bad amount: expected 400, got %d", got)
	}
}

func TestHandler_CancelExtendRecompute(t *testing.T) {
	f, e := newTestServer(t)
	p := f.billVisit(t, "spec-a", "100")
	base := "/api/v1/payments/" + p.ID

	f.now = f.now.AddDate(0, 0, 31)
	rec := serve(e, newRequest(http.MethodPost, base+"/recompute", "", &operator))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"Overdue"`) {
		t.Fatalf("recompute: got %d %s", rec.Code, rec.Body.String())
	}
	rec = serve(e, newRequest(http.MethodPost, base+"/extend", `{"days":0}`, &operator))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("zero extension: expected 400, got %d", rec.Code)
	}
	rec = serve(e, newRequest(http.MethodPost, base+"/extend", `{"days":7}`, &operator))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"Pending"`) {
		t.Errorf("extend: got %d %s", rec.Code, rec.Body.String())
	}
	rec = serve(e, newRequest(http.MethodPost, base+"/cancel", "", &specA))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"Cancelled"`) {
		t.Errorf("cancel: got %d %s", rec.Code, rec.Body.String())
	}
	rec = serve(e, newRequest(http.MethodPost, base+"/cancel", "", &specA))
	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel: expected 409, got %d", rec.Code)
	}
}

func TestHandler_AdminRoutes(t *testing.T) {
	f, e := newTestServer(t)
	p := f.billVisit(t, "spec-a", "100")
	base := "/api/v1/payments/" + p.ID

	rec := serve(e, newRequest(http.MethodPut, base, `{"paid_amount":"100"}`, &operator))
	if rec.Code != http.StatusForbidden {
		t.Errorf("operator admin update: expected 403, got %d", rec.Code)
	}
	rec = serve(e, newRequest(http.MethodPut, base, `{"paid_amount":"100","status":"Paid"}`, &admin))
	if rec.Code != http.StatusOK {
		t.Fatalf("admin update: expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	rec = serve(e, newRequest(http.MethodPut, base, `{"paid_amount":"500"}`, &admin))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid admin update: expected 400, got %d", rec.Code)
	}
	rec = serve(e, newRequest(http.MethodDelete, base, "", &admin))
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", rec.Code)
	}
	rec = serve(e, newRequest(http.MethodGet, base, "", &admin))
	if rec.Code != http.StatusNotFound {
		t.Errorf("after delete: expected 404, got %d", rec.Code)
	}
}

func TestHandler_ListPayments(t *testing.T) {
	f, e := newTestServer(t)
	f.billVisit(t, "spec-a", "100")
	f.billVisit(t, "spec-a", "200")
	f.billVisit(t, "spec-b", "300")

	rec := serve(e, newRequest(http.MethodGet, "/api/v1/payments?limit=1", "", &specA))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Data    []Payment `json:"data"`
		HasMore bool      `json:"has_more"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Data) != 1 || !resp.HasMore {
		t.Errorf("expected 1 item and more, got %d has_more=%v", len(resp.Data), resp.HasMore)
	}

	rec = serve(e, newRequest(http.MethodGet, "/api/v1/payments?status=refunded", "", &operator))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown status: expected 400, got %d", rec.Code)
	}
	rec = serve(e, newRequest(http.MethodGet, "/api/v1/payments?status=pending&from=2024-01-01&to=2024-01-31", "", &operator))
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusOK || len(resp.Data) != 3 {
		t.Errorf("expected 3 pending payments in January, got %d (%d)", len(resp.Data), rec.Code)
	}
}

func TestHandler_Statistics(t *testing.T) {
	f, e := newTestServer(t)
	f.addVisit(t, "spec-a", 1001, date(2024, 3, 5), visit.StatusCompleted, "500", "0")
	f.addVisit(t, "spec-a", 1001, date(2024, 6, 5), visit.StatusCompleted, "300", "0")

	rec := serve(e, newRequest(http.MethodGet, "/api/v1/statistics/revenue?from=2024-01-01&to=2023-12-31", "", &operator))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("reversed revenue period: expected 400, got %d", rec.Code)
	}
	rec = serve(e, newRequest(http.MethodGet, "/api/v1/statistics/revenue?from=2024-01-01&to=2024-12-31", "", &specA))
	if rec.Code != http.StatusForbidden {
		t.Errorf("specialist revenue: expected 403, got %d", rec.Code)
	}
	rec = serve(e, newRequest(http.MethodGet, "/api/v1/statistics/revenue?from=2024-01-01", "", &operator))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing to: expected 400, got %d", rec.Code)
	}

	rec = serve(e, newRequest(http.MethodGet, "/api/v1/statistics/patient-cost?year=2024", "", &patient))
	if rec.Code != http.StatusOK {
		t.Fatalf("patient cost: expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var pc struct {
		Total  json.Number   `json:"total"`
		Months []json.Number `json:"months"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &pc); err != nil {
		t.Fatal(err)
	}
	if pc.Total != "800.00" || len(pc.Months) != 12 || pc.Months[2] != "500.00" || pc.Months[5] != "300.00" {
		t.Errorf("unexpected patient cost %+v", pc)
	}

	rec = serve(e, newRequest(http.MethodGet, "/api/v1/statistics/patients-per-day?from=2024-03-01&to=2024-03-10", "", &specA))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"completed_visits":1`) {
		t.Errorf("patients per day: got %d %s", rec.Code, rec.Body.String())
	}
	rec = serve(e, newRequest(http.MethodGet, "/api/v1/patients/1001/billing-summary", "", &stranger))
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign summary: expected 403, got %d", rec.Code)
	}
}
