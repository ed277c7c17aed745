package vitals

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/telecare/telecare/internal/platform/auth"
)

func latestRequest(t *testing.T, h *Handler, userID uuid.UUID, kind string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?kind="+kind, nil)
	req = req.WithContext(auth.WithUser(req.Context(), userID.String(), "patient"))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err := h.LatestSelf(c)
	if err != nil {
		if httpErr, ok := err.(*echo.HTTPError); ok {
			rec.Code = httpErr.Code
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	return rec
}

func TestLatestSelf_Success(t *testing.T) {
	svc, _, _ := newTestService()
	h := NewHandler(svc)
	userID := uuid.New()
	svc.Ingest(context.Background(), bpRecord(userID, 1, time.Now()))

	rec := latestRequest(t, h, userID, "blood_pressure")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap Snapshot
	json.Unmarshal(rec.Body.Bytes(), &snap)
	if snap.Systolic == nil || *snap.Systolic != 120 {
		t.Errorf("systolic = %v, want 120", snap.Systolic)
	}
}

func TestLatestSelf_NotFound(t *testing.T) {
	svc, _, _ := newTestService()
	h := NewHandler(svc)
	rec := latestRequest(t, h, uuid.New(), "weight")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestLatestSelf_InvalidKind(t *testing.T) {
	svc, _, _ := newTestService()
	h := NewHandler(svc)
	rec := latestRequest(t, h, uuid.New(), "steps")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHistory_FiltersByKind(t *testing.T) {
	svc, _, _ := newTestService()
	h := NewHandler(svc)
	userID := uuid.New()
	now := time.Now()
	svc.Ingest(context.Background(), bpRecord(userID, 1, now))
	svc.Ingest(context.Background(), &MeasurementRecord{
		UserID: userID, GroupID: 2, Kind: KindWeight, Value: floatPtr(80), CapturedAt: now,
	})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?kind=weight", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(userID.String())
	if err := h.History(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 1 {
		t.Errorf("total = %d, want 1", resp.Total)
	}
}

func TestHistory_InvalidPatientID(t *testing.T) {
	svc, _, _ := newTestService()
	h := NewHandler(svc)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	err := h.History(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}
