package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/edtracker/internal/platform/auth"
	appmw "github.com/ehr/edtracker/internal/platform/middleware"
)

func newTestServer(t *testing.T, roles ...string) (*testEnv, *echo.Echo) {
	t.Helper()
	env := newTestEnv(t)
	h := NewHandler(env.registry, env.log, env.notifier, zerolog.Nop())

	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := context.WithValue(c.Request().Context(), auth.UserIDKey, "nurse-7")
			ctx = context.WithValue(ctx, auth.UserRolesKey, roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	h.RegisterRoutes(e.Group("/api/v1"))
	return env, e
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHandler_CreateVisit(t *testing.T) {
	env, e := newTestServer(t, "nurse")

	rec := doJSON(e, http.MethodPost, "/api/v1/ed/visits",
		`{"patientId":"MRN-1001","triageLevel":"CRITICAL","complaint":"chest pain","vitalSigns":{"heartRate":132}}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var v Visit
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Status != StatusActive || v.VitalSigns == nil || *v.VitalSigns.HeartRate != 132 {
		t.Errorf("unexpected visit %+v", v)
	}
	entries := env.history(t, v.ID)
	if entries[0].RecordedBy != "nurse-7" {
		t.Errorf("intake actor should default to the authenticated user, got %q", entries[0].RecordedBy)
	}
}

func TestHandler_CreateVisit_Validation(t *testing.T) {
	_, e := newTestServer(t, "nurse")

	rec := doJSON(e, http.MethodPost, "/api/v1/ed/visits", `{"patientId":"MRN-1001","triageLevel":"URGENT","complaint":"x"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Error != KindValidation || body.Message == "" {
		t.Errorf("unexpected error body %+v", body)
	}

	rec = doJSON(e, http.MethodPost, "/api/v1/ed/visits", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed JSON, got %d", rec.Code)
	}
}

func TestHandler_RequiresClinicalRole(t *testing.T) {
	_, e := newTestServer(t, "billing")

	rec := doJSON(e, http.MethodGet, "/api/v1/ed/queue", "")

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestHandler_GetVisit(t *testing.T) {
	env, e := newTestServer(t, "physician")
	v := env.createVisit(t, TriageLow)

	rec := doJSON(e, http.MethodGet, "/api/v1/ed/visits/"+v.ID.String(), "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/ed/visits/"+uuid.NewString(), "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Error != KindNotFound {
		t.Errorf("expected NotFound, got %+v", body)
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/ed/visits/not-a-uuid", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_UpdateStatus(t *testing.T) {
	env, e := newTestServer(t, "physician")
	v := env.createVisit(t, TriageHigh)
	path := "/api/v1/ed/visits/" + v.ID.String() + "/status"

	rec := doJSON(e, http.MethodPut, path, `{"status":"IN_TREATMENT","actor":"dr.lee","location":"bay 2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodPatch, path, `{"status":"DISCHARGED"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodPatch, path, `{"status":"ACTIVE","actor":"dr.lee"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Error != KindInvalidTransition {
		t.Errorf("expected InvalidTransition, got %+v", body)
	}

	entries := env.history(t, v.ID)
	if len(entries) != 3 || entries[2].RecordedBy != "nurse-7" {
		t.Errorf("unexpected history %+v", entries)
	}
}

func TestHandler_Retriage(t *testing.T) {
	env, e := newTestServer(t, "nurse")
	v := env.createVisit(t, TriageModerate)

	rec := doJSON(e, http.MethodPatch, "/api/v1/ed/visits/"+v.ID.String()+"/triage", `{"triageLevel":"CRITICAL"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/ed/alerts?visitId="+v.ID.String()+"&acknowledged=false", "")
	var alerts []CriticalAlert
	if err := json.Unmarshal(rec.Body.Bytes(), &alerts); err != nil {
		t.Fatalf("decode alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Errorf("expected one open alert, got %d", len(alerts))
	}
}

func TestHandler_GetHistory(t *testing.T) {
	env, e := newTestServer(t, "nurse")
	v := env.createVisit(t, TriageHigh)
	env.registry.UpdateStatus(context.Background(), v.ID, UpdateStatusInput{Status: StatusAdmitted, Actor: "dr.lee"})

	rec := doJSON(e, http.MethodGet, "/api/v1/ed/visits/"+v.ID.String()+"/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var entries []StatusLogEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 || entries[1].Status != StatusAdmitted || entries[1].Location != "inpatient" {
		t.Errorf("unexpected history %+v", entries)
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/ed/visits/"+uuid.NewString()+"/history", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_GetQueue(t *testing.T) {
	env, e := newTestServer(t, "nurse")
	env.createVisit(t, TriageLow)
	crit := env.createVisit(t, TriageCritical)
	env.createVisit(t, TriageHigh)

	rec := doJSON(e, http.MethodGet, "/api/v1/ed/queue?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Total-Count"); got != "3" {
		t.Errorf("expected X-Total-Count 3, got %q", got)
	}
	var visits []Visit
	if err := json.Unmarshal(rec.Body.Bytes(), &visits); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(visits) != 2 || visits[0].ID != crit.ID {
		t.Errorf("expected CRITICAL first in a page of 2, got %+v", visits)
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/ed/queue?triageLevel=low", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &visits); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(visits) != 1 || visits[0].TriageLevel != TriageLow {
		t.Errorf("expected only LOW visits, got %+v", visits)
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/ed/queue?status=WAITING", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_AcknowledgeAlert(t *testing.T) {
	env, e := newTestServer(t, "physician")
	v := env.createVisit(t, TriageCritical)
	alerts, _ := env.notifier.ListAlerts(context.Background(), AlertFilter{VisitID: &v.ID})
	path := "/api/v1/ed/alerts/" + alerts[0].ID.String() + "/acknowledge"

	rec := doJSON(e, http.MethodPost, path, `{"actor":"dr.lee"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var a CriticalAlert
	json.Unmarshal(rec.Body.Bytes(), &a)
	if !a.Acknowledged || *a.AcknowledgedBy != "dr.lee" {
		t.Errorf("unexpected alert %+v", a)
	}

	rec = doJSON(e, http.MethodPost, path, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat acknowledgement should be 200, got %d", rec.Code)
	}
	json.Unmarshal(rec.Body.Bytes(), &a)
	if *a.AcknowledgedBy != "dr.lee" {
		t.Errorf("repeat acknowledgement must not overwrite the actor, got %q", *a.AcknowledgedBy)
	}

	rec = doJSON(e, http.MethodPost, "/api/v1/ed/alerts/"+uuid.NewString()+"/acknowledge", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_ListAlerts_BadFilter(t *testing.T) {
	_, e := newTestServer(t, "nurse")

	if rec := doJSON(e, http.MethodGet, "/api/v1/ed/alerts?visitId=abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad visitId, got %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodGet, "/api/v1/ed/alerts?acknowledged=maybe", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad acknowledged, got %d", rec.Code)
	}
}

func TestHandler_PersistenceErrorHidesCause(t *testing.T) {
	store := &faultyStore{MemoryStore: NewMemoryStore(), findErr: context.DeadlineExceeded}
	env := newTestEnvWithStore(t, store, NewMemoryStore())
	h := NewHandler(env.registry, env.log, env.notifier, zerolog.Nop())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(uuid.NewString())

	err := h.GetVisit(c)
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T", err)
	}
	if he.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", he.Code)
	}
	body := he.Message.(ErrorBody)
	if body.Error != KindPersistence || strings.Contains(body.Message, "deadline") {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestHandler_OversizedChunkedBodyIs413(t *testing.T) {
	env := newTestEnv(t)
	e := echo.New()
	e.Use(appmw.BodyLimit("1K"))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(auth.WithUser(c.Request().Context(), "nurse-7", []string{auth.RoleNurse})))
			return next(c)
		}
	})
	NewHandler(env.registry, env.log, env.notifier, zerolog.Nop()).RegisterRoutes(e.Group("/api/v1"))

	body := `{"patientId":"MRN-1","triageLevel":"LOW","complaint":"` + strings.Repeat("x", 5000) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ed/visits", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeError(t, rec); got.Error != "PayloadTooLarge" {
		t.Errorf("unexpected body %+v", got)
	}
}

func TestBindError(t *testing.T) {
	tooLarge := echo.NewHTTPError(http.StatusRequestEntityTooLarge, "too large")
	wrapped := echo.NewHTTPError(http.StatusBadRequest, "read failed").SetInternal(tooLarge)

	var he *echo.HTTPError
	if !errors.As(bindError(wrapped), &he) || he.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected the inner 413, got %v", he)
	}
	if !errors.As(bindError(tooLarge), &he) || he.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 to pass through, got %v", he)
	}
	syntax := echo.NewHTTPError(http.StatusBadRequest, "syntax").SetInternal(errors.New("unexpected EOF"))
	if !errors.As(bindError(syntax), &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed JSON, got %v", he)
	}
}
