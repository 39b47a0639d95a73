package perf

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-clinic/backoffice/internal/inventory"
	"github.com/odyssey-clinic/backoffice/internal/inventory/inventorytest"
)

func newInventory(stock int64) (*inventory.Service, inventory.Product) {
	store := inventorytest.NewStore()
	product := store.Seed(inventory.Product{Code: "BENCH", Name: "Bench item", Stock: stock})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return inventory.NewService(store, nil, inventory.ServiceConfig{Logger: logger}, nil), product
}

func BenchmarkRecordMovement(b *testing.B) {
	svc, product := newInventory(0)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := svc.RecordMovement(ctx, inventory.MovementInput{ProductID: product.ID, Type: inventory.MovementEntry, Quantity: 1}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRecordMovementParallel(b *testing.B) {
	svc, product := newInventory(0)
	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := svc.RecordMovement(ctx, inventory.MovementInput{ProductID: product.ID, Type: inventory.MovementEntry, Quantity: 1}); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func TestMovementEndpointLatencyTarget(t *testing.T) {
	svc, _ := newInventory(1_000_000)
	r := chi.NewRouter()
	inventory.NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), svc).MountRoutes(r)

	samples := make([]time.Duration, 0, 200)
	for i := 0; i < cap(samples); i++ {
		req := httptest.NewRequest(http.MethodPost, "/inventory/movements", strings.NewReader(`{"product_id":1,"type":"EXIT","quantity":1}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		start := time.Now()
		r.ServeHTTP(rec, req)
		samples = append(samples, time.Since(start))
		if rec.Code != http.StatusCreated {
			t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
		}
	}
	if p95 := percentile95(samples); p95 > 50*time.Millisecond {
		t.Fatalf("movement latency regression: p95=%s threshold=50ms", p95)
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
