package prescriptions

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-clinic/backoffice/internal/platform/httpx"
	"github.com/odyssey-clinic/backoffice/internal/shared"
)

// Handler wires HTTP endpoints for deliveries.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers delivery routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/prescriptions/{id}/deliveries", h.deliver)
	r.Get("/prescriptions/{id}/deliveries", h.listByPrescription)
	r.Get("/deliveries", h.listForBilling)
	r.Get("/deliveries/{id}", h.getDelivery)
}

type deliveryRequest struct {
	DeliveredBy int64           `json:"delivered_by" validate:"required,gt=0"`
	Quantity    int64           `json:"quantity" validate:"required,gt=0"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	DeliveredAt *time.Time      `json:"delivered_at"`
}

func (h *Handler) deliver(w http.ResponseWriter, r *http.Request) {
	prescriptionID, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	var req deliveryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	result, err := h.service.Deliver(r.Context(), DeliverInput{
		PrescriptionID: prescriptionID,
		DeliveredBy:    req.DeliveredBy,
		Quantity:       req.Quantity,
		UnitPrice:      req.UnitPrice,
		DeliveredAt:    req.DeliveredAt,
	})
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) listByPrescription(w http.ResponseWriter, r *http.Request) {
	prescriptionID, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	deliveries, err := h.service.ListDeliveries(r.Context(), prescriptionID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, deliveries)
}

func (h *Handler) listForBilling(w http.ResponseWriter, r *http.Request) {
	var billed *bool
	if raw := r.URL.Query().Get("billed"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.RespondError(w, h.logger, shared.InvalidInput("billed must be true or false"))
			return
		}
		billed = &v
	}
	deliveries, err := h.service.ListDeliveriesForBilling(r.Context(), billed)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, deliveries)
}

func (h *Handler) getDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	delivery, err := h.service.GetDelivery(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, delivery)
}
