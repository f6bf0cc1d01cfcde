package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/consignment_backend/middlewares"
	"bitbucket.org/mmdatafocus/consignment_backend/models/reports"
	"bitbucket.org/mmdatafocus/consignment_backend/settlement"
	"bitbucket.org/mmdatafocus/consignment_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const testBusiness = "biz-1"

type memoryStore struct {
	status  settlement.ConsignmentStatus
	applied []*settlement.SettlementRequest
}

func (m *memoryStore) Load(_ context.Context, id int) (*settlement.Consignment, error) {
	if id != 7 {
		return nil, settlement.NewNotFoundError("consignment", id)
	}
	c, err := settlement.NewConsignment(7, 9, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), m.status, []settlement.ConsignmentLine{
		{ProductId: 1, QuantityShipped: 3},
		{ProductId: 2, QuantityShipped: 2},
	})
	if err != nil {
		return nil, err
	}
	c.BusinessId = testBusiness
	return c, nil
}

func (m *memoryStore) Close(_ context.Context, _ int) error {
	m.status = settlement.ConsignmentStatusClosed
	return nil
}

func (m *memoryStore) ApplySettlement(_ context.Context, req *settlement.SettlementRequest) error {
	if m.status != settlement.ConsignmentStatusActive {
		return settlement.ErrConsignmentClosed
	}
	m.applied = append(m.applied, req)
	m.status = settlement.ConsignmentStatusClosed
	return nil
}

type mapDirectory map[string]int

func (d mapDirectory) ResolveByCode(_ context.Context, code string) (int, error) {
	if id, ok := d[code]; ok {
		return id, nil
	}
	return 0, settlement.NewNotFoundError("product code", code)
}

type fakeBackend struct {
	store *memoryStore
	dir   mapDirectory
}

func (b *fakeBackend) Store(string) settlement.SettlementStore { return b.store }
func (b *fakeBackend) Directory(string) settlement.ProductDirectory { return b.dir }

func newTestServer() (*gin.Engine, *fakeBackend) {
	gin.SetMode(gin.TestMode)
	backend := &fakeBackend{
		store: &memoryStore{status: settlement.ConsignmentStatusActive},
		dir:   mapDirectory{"SKU-1": 1, "SKU-2": 2},
	}
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	r := newRouter(logger, newSettlementHandlers(newSessionRegistry(0, time.Hour), backend), func() bool { return true })
	return r, backend
}

func do(t *testing.T, r http.Handler, method string, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middlewares.HeaderBusinessId, testBusiness)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return out
}

func TestSettlementRoutes_FullFlow(t *testing.T) {
	r, backend := newTestServer()

	w := do(t, r, http.MethodPost, "/settlements", gin.H{"consignment_id": 7})
	if w.Code != http.StatusCreated {
		t.Fatalf("open: status %d body %s", w.Code, w.Body.String())
	}
	view := decode[sessionView](t, w)
	base := "/settlements/" + view.ID

	for _, code := range []string{"SKU-1", "SKU-2", "UNKNOWN"} {
		if w = do(t, r, http.MethodPost, base+"/returns", gin.H{"code": code}); w.Code != http.StatusOK {
			t.Fatalf("return %s: status %d body %s", code, w.Code, w.Body.String())
		}
	}
	view = decode[sessionView](t, w)
	if len(view.Unrecognized) != 1 || view.Unrecognized[0].Code != "UNKNOWN" {
		t.Fatalf("unrecognized = %+v", view.Unrecognized)
	}
	if view.Remaining[1] != 2 || view.Remaining[2] != 1 {
		t.Fatalf("remaining = %+v", view.Remaining)
	}

	if w = do(t, r, http.MethodDelete, base+"/returns/UNKNOWN", nil); w.Code != http.StatusOK {
		t.Fatalf("remove return: status %d", w.Code)
	}

	if w = do(t, r, http.MethodPost, base+"/commit", nil); w.Code != http.StatusConflict {
		t.Fatalf("early commit: status %d body %s", w.Code, w.Body.String())
	}
	if body := decode[map[string]any](t, w); body["violations"] == nil {
		t.Fatalf("expected violations in %s", w.Body.String())
	}

	w = do(t, r, http.MethodPost, base+"/drafts", gin.H{"name": "Walk-in"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create draft: status %d", w.Code)
	}
	draftId := decode[map[string]any](t, w)["draft_id"].(string)

	w = do(t, r, http.MethodPost, base+"/drafts/"+draftId+"/allocations", gin.H{"product_id": 1, "quantity": 5})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("over allocation: status %d body %s", w.Code, w.Body.String())
	}
	if got := decode[map[string]any](t, w)["remaining"]; got != float64(2) {
		t.Fatalf("remaining in error = %v", got)
	}
	if w = do(t, r, http.MethodPost, base+"/drafts/"+draftId+"/allocations", gin.H{"product_id": 1, "quantity": 0}); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("zero quantity: status %d", w.Code)
	}
	for _, a := range []gin.H{{"product_id": 1, "quantity": 2, "unit_value": "1500"}, {"product_id": 2, "quantity": 1}} {
		if w = do(t, r, http.MethodPost, base+"/drafts/"+draftId+"/allocations", a); w.Code != http.StatusOK {
			t.Fatalf("allocate %v: status %d body %s", a, w.Code, w.Body.String())
		}
	}

	w = do(t, r, http.MethodGet, base+"/validation", nil)
	if res := decode[settlement.ValidationResult](t, w); !res.OK() {
		t.Fatalf("validation = %+v", res)
	}

	w = do(t, r, http.MethodPost, base+"/commit", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("commit: status %d body %s", w.Code, w.Body.String())
	}
	req := decode[settlement.SettlementRequest](t, w)
	if len(req.Sales) != 2 || len(req.ReturnedProductIds) != 2 || len(backend.store.applied) != 1 {
		t.Fatalf("request = %+v applied = %d", req, len(backend.store.applied))
	}
	if req.Sales[0].ValueTotal == nil || req.Sales[0].ValueTotal.String() != "3000" {
		t.Fatalf("value total = %v", req.Sales[0].ValueTotal)
	}

	if w = do(t, r, http.MethodPost, base+"/drafts", gin.H{}); w.Code != http.StatusConflict {
		t.Fatalf("mutation after commit: status %d", w.Code)
	}

	w = do(t, r, http.MethodGet, base+"/export", nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != reports.XlsxContentType {
		t.Fatalf("export: status %d type %q", w.Code, w.Header().Get("Content-Type"))
	}

	if w = do(t, r, http.MethodDelete, base, nil); w.Code != http.StatusNoContent {
		t.Fatalf("discard: status %d", w.Code)
	}
	if w = do(t, r, http.MethodGet, base, nil); w.Code != http.StatusNotFound {
		t.Fatalf("get after discard: status %d", w.Code)
	}
}

func TestSettlementRoutes_OpenErrors(t *testing.T) {
	r, backend := newTestServer()

	if w := do(t, r, http.MethodPost, "/settlements", gin.H{}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing id: status %d", w.Code)
	}
	if w := do(t, r, http.MethodPost, "/settlements", gin.H{"consignment_id": 99}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown consignment: status %d", w.Code)
	}
	backend.store.status = settlement.ConsignmentStatusClosed
	if w := do(t, r, http.MethodPost, "/settlements", gin.H{"consignment_id": 7}); w.Code != http.StatusConflict {
		t.Fatalf("closed consignment: status %d", w.Code)
	}
}

func TestSettlementRoutes_SessionsAreScopedToBusiness(t *testing.T) {
	r, _ := newTestServer()
	w := do(t, r, http.MethodPost, "/settlements", gin.H{"consignment_id": 7})
	view := decode[sessionView](t, w)

	req := httptest.NewRequest(http.MethodGet, "/settlements/"+view.ID, nil)
	req.Header.Set(middlewares.HeaderBusinessId, "biz-2")
	other := httptest.NewRecorder()
	r.ServeHTTP(other, req)
	if other.Code != http.StatusNotFound {
		t.Fatalf("other business: status %d", other.Code)
	}
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{settlement.NewNotFoundError("draft sale", "x"), http.StatusNotFound},
		{settlement.NewNotFoundError("product", []int{4, 7}), http.StatusNotFound},
		{&settlement.OverAllocationError{}, http.StatusUnprocessableEntity},
		{fmt.Errorf("wrapped: %w", settlement.ErrInvalidQuantity), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: unit value -1 is negative", settlement.ErrInvalidAllocation), http.StatusUnprocessableEntity},
		{&settlement.IncompleteAllocationError{Reason: "stale"}, http.StatusConflict},
		{settlement.ErrResolutionPending, http.StatusConflict},
		{fmt.Errorf("%w: settlement:biz:7", utils.ErrorLockNotHeld), http.StatusConflict},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusForError(tc.err); got != tc.want {
			t.Fatalf("%v: status %d; want %d", tc.err, got, tc.want)
		}
	}
}

func TestSessionRegistry_EvictsIdleSessions(t *testing.T) {
	reg := newSessionRegistry(0, 300*time.Millisecond)

	stale := reg.add(testBusiness, nil)
	time.Sleep(200 * time.Millisecond)
	fresh := reg.add(testBusiness, nil)
	time.Sleep(200 * time.Millisecond)

	if _, err := reg.get(testBusiness, stale.id); !errors.Is(err, settlement.ErrNotFound) {
		t.Fatalf("stale session still present: %v", err)
	}
	if _, err := reg.get(testBusiness, fresh.id); err != nil {
		t.Fatalf("fresh session evicted: %v", err)
	}
	// the get above restarted the clock
	time.Sleep(200 * time.Millisecond)
	if _, err := reg.get(testBusiness, fresh.id); err != nil {
		t.Fatalf("touched session evicted: %v", err)
	}
}

func TestSessionRegistry_CapacityAndRemove(t *testing.T) {
	reg := newSessionRegistry(2, time.Hour)
	first := reg.add(testBusiness, nil)
	second := reg.add(testBusiness, nil)
	if _, err := reg.get(testBusiness, first.id); err != nil {
		t.Fatalf("get first: %v", err)
	}
	third := reg.add(testBusiness, nil)

	if _, err := reg.get(testBusiness, second.id); !errors.Is(err, settlement.ErrNotFound) {
		t.Fatalf("least recently used session kept: %v", err)
	}
	if reg.count() != 2 {
		t.Fatalf("count = %d; want 2", reg.count())
	}
	if reg.remove("biz-2", third.id) {
		t.Fatalf("removed a session of another business")
	}
	if !reg.remove(testBusiness, third.id) || reg.count() != 1 {
		t.Fatalf("remove failed; count = %d", reg.count())
	}
	if !third.discarded.Load() {
		t.Fatalf("removed entry not marked discarded")
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" https://a.example , ,https://b.example")
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("splitAndTrim = %q", got)
	}
	if splitAndTrim("  ") != nil {
		t.Fatalf("blank input should yield nil")
	}
}

func TestSettlementRoutes_UpdateDraft(t *testing.T) {
	r, _ := newTestServer()
	view := decode[sessionView](t, do(t, r, http.MethodPost, "/settlements", gin.H{"consignment_id": 7}))
	base := "/settlements/" + view.ID

	w := do(t, r, http.MethodPost, base+"/drafts", gin.H{})
	draftId := decode[map[string]any](t, w)["draft_id"].(string)

	w = do(t, r, http.MethodPatch, base+"/drafts/"+draftId, gin.H{"name": "Market stall", "customer_id": 12})
	if w.Code != http.StatusOK {
		t.Fatalf("update draft: status %d body %s", w.Code, w.Body.String())
	}
	view = decode[sessionView](t, w)
	if len(view.Drafts) != 1 || view.Drafts[0].Name != "Market stall" || view.Drafts[0].CustomerId == nil || *view.Drafts[0].CustomerId != 12 {
		t.Fatalf("drafts = %+v", view.Drafts)
	}

	if w = do(t, r, http.MethodPatch, base+"/drafts/missing", gin.H{"name": "x"}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown draft: status %d", w.Code)
	}
}

func TestSettlementRoutes_AllocateWithValue(t *testing.T) {
	r, _ := newTestServer()
	view := decode[sessionView](t, do(t, r, http.MethodPost, "/settlements", gin.H{"consignment_id": 7}))
	base := "/settlements/" + view.ID
	draftId := decode[map[string]any](t, do(t, r, http.MethodPost, base+"/drafts", gin.H{"name": "S1"}))["draft_id"].(string)
	allocations := base + "/drafts/" + draftId + "/allocations"

	steps := []struct {
		name       string
		body       gin.H
		wantStatus int
		wantRem1   int
		wantRem2   int
	}{
		{"negative value rejected", gin.H{"product_id": 1, "quantity": 2, "unit_value": "-5"}, http.StatusUnprocessableEntity, 3, 2},
		{"zero quantity rejected", gin.H{"product_id": 1, "quantity": 0, "unit_value": "5"}, http.StatusUnprocessableEntity, 3, 2},
		{"priced allocation", gin.H{"product_id": 2, "quantity": 1, "unit_value": "10"}, http.StatusOK, 3, 1},
		{"top-up with note only", gin.H{"product_id": 2, "quantity": 1, "note": "x"}, http.StatusOK, 3, 0},
		{"negative value on existing line", gin.H{"product_id": 2, "quantity": 1, "unit_value": "-1"}, http.StatusUnprocessableEntity, 3, 0},
		{"over allocation with value", gin.H{"product_id": 1, "quantity": 4, "unit_value": "3"}, http.StatusUnprocessableEntity, 3, 0},
	}
	for _, step := range steps {
		w := do(t, r, http.MethodPost, allocations, step.body)
		if w.Code != step.wantStatus {
			t.Fatalf("%s: status %d; want %d body %s", step.name, w.Code, step.wantStatus, w.Body.String())
		}
		snap := decode[sessionView](t, do(t, r, http.MethodGet, base, nil))
		if snap.Remaining[1] != step.wantRem1 || snap.Remaining[2] != step.wantRem2 {
			t.Fatalf("%s: remaining = %+v; want 1:%d 2:%d", step.name, snap.Remaining, step.wantRem1, step.wantRem2)
		}
	}

	snap := decode[sessionView](t, do(t, r, http.MethodGet, base, nil))
	if len(snap.Drafts) != 1 || len(snap.Drafts[0].Allocations) != 1 {
		t.Fatalf("drafts = %+v", snap.Drafts)
	}
	line := snap.Drafts[0].Allocations[0]
	if line.ProductId != 2 || line.Quantity != 2 || line.Note != "x" {
		t.Fatalf("line = %+v", line)
	}
	if line.UnitValue == nil || line.UnitValue.String() != "10" {
		t.Fatalf("unit value = %v; want 10", line.UnitValue)
	}
}
