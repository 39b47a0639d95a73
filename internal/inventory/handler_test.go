package inventory_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-clinic/backoffice/internal/inventory"
	"github.com/odyssey-clinic/backoffice/internal/inventory/inventorytest"
)

func newTestRouter(store *inventorytest.Store) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := inventory.NewHandler(logger, newService(store))
	r := chi.NewRouter()
	handler.MountRoutes(r)
	return r
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerProductLifecycle(t *testing.T) {
	store := inventorytest.NewStore()
	router := newTestRouter(store)

	rec := doRequest(t, router, http.MethodPost, "/products", `{"code":"AMX-500","name":"Amoxicillin 500mg","min_stock":3,"price":"1.25","is_medication":true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created inventory.Product
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "AMX-500", created.Code)
	require.Equal(t, "1.25", created.Price.StringFixed(2))

	rec = doRequest(t, router, http.MethodPost, "/products", `{"code":"AMX-500","name":"Again"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/products", `{"name":"No code"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPatch, "/products/1", `{"name":"Amoxicillin"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(t, router, http.MethodGet, "/products/low-stock", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var low []inventory.Product
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &low))
	require.Len(t, low, 1)

	rec = doRequest(t, router, http.MethodGet, "/products/77", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, router, http.MethodDelete, "/products/1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandlerMovements(t *testing.T) {
	store := inventorytest.NewStore()
	product := store.Seed(inventory.Product{Code: "P", Name: "Paracetamol", Stock: 10})
	router := newTestRouter(store)

	rec := doRequest(t, router, http.MethodPost, "/inventory/movements", `{"product_id":1,"type":"EXIT","quantity":6}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var result inventory.MovementResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, int64(4), result.Product.Stock)

	rec = doRequest(t, router, http.MethodPost, "/inventory/movements", `{"product_id":1,"type":"EXIT","quantity":5}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/inventory/movements", `{"product_id":1,"type":"LOAN","quantity":5}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/inventory/movements", `{"product_id":1,"type":"ENTRY","quantity":0}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/inventory/movements?product_id=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var movements []inventory.Movement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &movements))
	require.Len(t, movements, 2)
	require.Equal(t, inventory.MovementExit, movements[0].Type)

	rec = doRequest(t, router, http.MethodGet, "/inventory/movements?product_id=abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/products/1/reconciliation", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Stock      int64 `json:"stock"`
		Consistent bool  `json:"consistent"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, int64(4), body.Stock)
	require.True(t, body.Consistent)

	rec = doRequest(t, router, http.MethodDelete, "/products/1", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, int64(1), product.ID)
}
