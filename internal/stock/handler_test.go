package stock

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/tokoroti/tokoroti/internal/shared"
)

func newTestRouter(svc *Service, sub Subscriber) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if id := req.Header.Get("X-Actor-ID"); id != "" {
				req = req.WithContext(shared.ContextWithActor(req.Context(), shared.Actor{ID: id}))
			}
			next.ServeHTTP(w, req)
		})
	})
	NewHandler(nil, svc, sub).MountRoutes(r)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor-ID", actor)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerGetLevel(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P1", "B1", 12)
	h := newTestRouter(newTestService(repo, enabled), nil)

	rec := doJSON(t, h, http.MethodGet, "/stock/levels/B1/P1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body levelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.EqualValues(t, 12, body.Quantity)
}

func TestHandlerValidateBulk(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P1", "B1", 1)
	h := newTestRouter(newTestService(repo, enabled), nil)

	rec := doJSON(t, h, http.MethodPost, "/stock/validate/bulk", "", map[string]any{
		"branch_id": "B1",
		"items":     []map[string]any{{"product_id": "P1", "quantity": 3}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var body BulkValidation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.IsValid)
	require.Len(t, body.InvalidItems, 1)

	rec = doJSON(t, h, http.MethodPost, "/stock/validate/bulk", "", map[string]any{
		"branch_id": "B1",
		"items":     []map[string]any{{"product_id": "P1", "quantity": 0}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerAdjustRequiresActor(t *testing.T) {
	h := newTestRouter(newTestService(newMemoryRepo(), enabled), nil)
	rec := doJSON(t, h, http.MethodPost, "/stock/adjustments", "", map[string]any{
		"product_id": "P1", "branch_id": "B1", "direction": "in", "quantity": 2, "reason": "opname",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerAdjustOutRejectsOversell(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P1", "B1", 1)
	h := newTestRouter(newTestService(repo, enabled), nil)

	rec := doJSON(t, h, http.MethodPost, "/stock/adjustments", "spv1", map[string]any{
		"product_id": "P1", "branch_id": "B1", "direction": "out", "quantity": 2, "reason": "rusak",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), "Stok tidak mencukupi")

	rec = doJSON(t, h, http.MethodPost, "/stock/adjustments", "spv1", map[string]any{
		"product_id": "P1", "branch_id": "B1", "direction": "out", "quantity": 2, "reason": "rusak",
		"override_reason": "stok fisik ada",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandlerBulkPartialSuccess(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P1", "B1", 5)
	h := newTestRouter(newTestService(repo, enabled), nil)

	rec := doJSON(t, h, http.MethodPost, "/stock/bulk", "admin1", map[string]any{
		"reason": "restock",
		"operations": []map[string]any{
			{"id": "inv1", "operation": "add", "value": 20},
			{"id": "bad-id", "operation": "set", "value": 5},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var body BulkResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Updated, 1)
	require.Len(t, body.Failed, 1)
	require.Equal(t, "Item tidak ditemukan", body.Failed[0].Error)
}

type chanSubscriber struct {
	ch chan ChangeEvent
}

func (s chanSubscriber) Subscribe(ctx context.Context, branchID string) (<-chan ChangeEvent, error) {
	return s.ch, nil
}

func TestHandlerStreamRelaysEvents(t *testing.T) {
	sub := chanSubscriber{ch: make(chan ChangeEvent, 1)}
	sub.ch <- ChangeEvent{ProductID: "P1", BranchID: "B1", Quantity: 4}
	close(sub.ch)
	h := newTestRouter(newTestService(newMemoryRepo(), enabled), sub)

	rec := doJSON(t, h, http.MethodGet, "/stock/stream?branch_id=B1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "event: stock")
	require.Contains(t, rec.Body.String(), `"product_id":"P1"`)
}

func TestHandlerFixUsesLedgerHistory(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P1", "B1", 10)
	repo.overwrite("P1", "B1", 4)
	h := newTestRouter(newTestService(repo, enabled), nil)

	rec := doJSON(t, h, http.MethodPost, "/stock/reconcile/fix", "admin1", map[string]any{
		"discrepancies": []map[string]any{{"product_id": "P1", "branch_id": "B1", "calculated_stock": 500}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"success":true`)
	require.EqualValues(t, 10, repo.level("P1", "B1").Quantity)

	rec = doJSON(t, h, http.MethodPost, "/stock/reconcile/fix", "admin1", map[string]any{
		"discrepancies":   []map[string]any{{"product_id": "P1", "branch_id": "B1"}},
		"override_reason": "hitung ulang",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
}
